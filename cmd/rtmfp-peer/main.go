// Command rtmfp-peer joins an RTMFP NetGroup against a rendezvous server and
// publishes or plays a stream, printing group status as it goes.
package main

import (
	"encoding/binary"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/fatih/color"
	"github.com/mdp/qrterminal/v3"

	librtmfp "github.com/Gamezpedia/librtmfp"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/pprofutil"
)

func die(msg string, err error) {
	fmt.Fprintf(os.Stderr, "%s: %v\n", msg, err)
	os.Exit(1)
}

func dieMsg(msg string) {
	fmt.Fprintln(os.Stderr, msg)
	os.Exit(1)
}

func homeDir() string {
	h, _ := os.UserHomeDir()
	return filepath.Join(h, ".librtmfp")
}

func main() {
	var (
		server   = flag.String("server", "", "rendezvous server (host:port)")
		groupID  = flag.String("group", "", "NetGroup id (hex)")
		stream   = flag.String("stream", "", "stream name inside the group")
		publish  = flag.Bool("publish", false, "publish the stream instead of playing it")
		port     = flag.Int("port", 0, "local UDP port (0 = ephemeral)")
		showID   = flag.Bool("show-id", false, "print the peer id as a QR code and exit")
		noCache  = flag.Bool("no-peer-cache", false, "disable the heard-peer cache")
		interval = flag.Duration("status-interval", 10*time.Second, "status line interval")
	)
	flag.Parse()

	m := metrics.New()
	if err := pprofutil.StartFromEnv(os.Stderr, m); err != nil {
		die("pprof", err)
	}

	if *server == "" || *groupID == "" || *stream == "" {
		if !*showID {
			dieMsg("usage: rtmfp-peer -server host:port -group <hex> -stream <name> [-publish]")
		}
	}

	cachePath := filepath.Join(homeDir(), "peers.jsonl")
	if *noCache {
		cachePath = ""
	}

	green := color.New(color.FgGreen).SprintFunc()
	yellow := color.New(color.FgYellow).SprintFunc()
	cyan := color.New(color.FgCyan).SprintFunc()

	var packets uint64
	client, err := librtmfp.New(librtmfp.Config{
		ServerAddress: *server,
		Port:          *port,
		GroupIDHex:    *groupID,
		GroupIDTxt:    "G:" + *groupID,
		Stream:        *stream,
		Publish:       *publish,
		PeerCachePath: cachePath,
		Metrics:       m,
		OnMedia: func(streamName string, tm uint32, data []byte, lostRate float64, audio bool) {
			packets++
			if packets%500 == 1 {
				kind := "video"
				if audio {
					kind = "audio"
				}
				fmt.Printf("%s %s packet t=%dms size=%d lost=%.1f%%\n",
					cyan("media"), kind, tm, len(data), lostRate*100)
			}
		},
	})
	if err != nil {
		die("client", err)
	}

	if *showID {
		fmt.Printf("peer id: %s\n", green(client.PeerIDString()))
		qrterminal.GenerateWithConfig(client.PeerIDString(), qrterminal.Config{
			Level:     qrterminal.L,
			Writer:    os.Stdout,
			BlackChar: qrterminal.BLACK,
			WhiteChar: qrterminal.WHITE,
			QuietZone: 1,
		})
		return
	}

	if err := client.Connect(); err != nil {
		die("connect", err)
	}
	defer client.Close()

	fmt.Printf("%s peer %s joined group %s (stream %q)\n",
		green("ready"), client.PeerIDString(), yellow(*groupID), *stream)

	if *publish {
		go func() {
			<-client.PublishReady()
			fmt.Printf("%s first viewer arrived, publishing\n", green("publish"))
			// Synthetic A/V ticks until a real source is wired in.
			t := time.NewTicker(40 * time.Millisecond)
			defer t.Stop()
			start := time.Now()
			frame := make([]byte, 1024)
			for now := range t.C {
				binary.BigEndian.PutUint64(frame, uint64(now.UnixNano()))
				client.PublishMedia(uint32(now.Sub(start)/time.Millisecond), frame, false)
			}
		}()
	}

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	ticker := time.NewTicker(*interval)
	defer ticker.Stop()
	for {
		select {
		case <-sig:
			fmt.Printf("\n%s shutting down\n", yellow("bye"))
			return
		case <-ticker.C:
			snap := m.Snapshot()
			fmt.Printf("%s heard=%d best=%d est=%.0f reports=%d/%d media=%d\n",
				cyan("status"),
				client.Group().HeardCount(),
				len(client.Group().BestList()),
				client.Group().EstimatedPeersCount(),
				snap.Gossip.ReportsSent, snap.Gossip.ReportsReceived,
				snap.Media.FragmentsPushed)
		}
	}
}
