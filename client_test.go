package librtmfp

import (
	"net/netip"
	"path/filepath"
	"testing"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

func TestResolveAddr(t *testing.T) {
	got, err := resolveAddr("192.0.2.5:1935")
	if err != nil {
		t.Fatalf("resolve literal: %v", err)
	}
	if got != netip.MustParseAddrPort("192.0.2.5:1935") {
		t.Fatalf("resolved %s", got)
	}
	got, err = resolveAddr("localhost:1935")
	if err != nil {
		t.Fatalf("resolve hostname: %v", err)
	}
	if got.Port() != 1935 {
		t.Fatalf("resolved port %d", got.Port())
	}
	if _, err := resolveAddr(""); err == nil {
		t.Fatalf("empty address accepted")
	}
}

func TestNewRequiresGroupAndStream(t *testing.T) {
	if _, err := New(Config{ServerAddress: "192.0.2.1:1935", GroupIDHex: "ab"}); err == nil {
		t.Fatalf("missing stream accepted")
	}
	if _, err := New(Config{ServerAddress: "192.0.2.1:1935", Stream: "s"}); err == nil {
		t.Fatalf("missing group id accepted")
	}
	if _, err := New(Config{GroupIDHex: "ab", Stream: "s"}); err == nil {
		t.Fatalf("missing server accepted")
	}
}

func TestClientLifecycle(t *testing.T) {
	c, err := New(Config{
		ServerAddress:  "192.0.2.1:1935",
		GroupIDHex:     "abcd",
		GroupIDTxt:     "G:abcd",
		Stream:         "live",
		ManageInterval: 10 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	if err := c.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	if c.MainStatus() != rtmfp.StatusConnected {
		t.Fatalf("status %s", c.MainStatus())
	}
	if len(c.PeerIDString()) != 64 {
		t.Fatalf("peer id %q", c.PeerIDString())
	}
	time.Sleep(30 * time.Millisecond) // a few manage ticks
	c.Close()
	c.Close() // second close is a no-op
	if c.MainStatus() != rtmfp.StatusClosed {
		t.Fatalf("status after close %s", c.MainStatus())
	}
}

// A dial requested by the group lands in the introduction table and the
// session map; a second request for the same peer is a no-op.
func TestConnect2PeerRegistersIntroduction(t *testing.T) {
	c, err := New(Config{
		ServerAddress: "192.0.2.1:1935",
		GroupIDHex:    "abcd",
		Stream:        "live",
	})
	if err != nil {
		t.Fatalf("new: %v", err)
	}
	defer c.Close()

	id, _ := rtmfp.RandomPeerID()
	c.Connect2Peer(id, "live", rtmfp.AddressList{}, netip.AddrPort{})
	c.Connect2Peer(id, "live", rtmfp.AddressList{}, netip.AddrPort{})

	c.mu.Lock()
	_, hasSession := c.sessions[id]
	_, hasPending := c.pending[id]
	c.mu.Unlock()
	if !hasSession || !hasPending {
		t.Fatalf("introduction state missing: session=%v pending=%v", hasSession, hasPending)
	}
	if c.mux.WaitingCount() != 1 {
		t.Fatalf("waiting count %d", c.mux.WaitingCount())
	}
}

// The peer cache survives a restart: peers written on close (the best list,
// or the heard list while the best list is empty) are heard again on the
// next run.
func TestPeerCacheRoundTrip(t *testing.T) {
	cache := filepath.Join(t.TempDir(), "peers.jsonl")
	mk := func() *Client {
		c, err := New(Config{
			ServerAddress: "192.0.2.1:1935",
			GroupIDHex:    "abcd",
			Stream:        "live",
			PeerCachePath: cache,
		})
		if err != nil {
			t.Fatalf("new: %v", err)
		}
		return c
	}

	first := mk()
	id, _ := rtmfp.RandomPeerID()
	first.group.AddPeerToHeardList(id, id.Raw(), rtmfp.AddressList{}, first.serverAddr, 0)
	if err := first.Connect(); err != nil {
		t.Fatalf("connect: %v", err)
	}
	first.Close()

	second := mk()
	defer second.Close()
	second.loadPeerCache()
	if second.group.HeardCount() != 1 {
		t.Fatalf("heard count after reload %d", second.group.HeardCount())
	}
	node, ok := second.group.HeardNode(id)
	if !ok {
		t.Fatalf("cached peer not heard")
	}
	if node.HostAddress != second.serverAddr {
		t.Fatalf("cached host %s", node.HostAddress)
	}
}
