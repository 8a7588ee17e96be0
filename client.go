// Package librtmfp is an RTMFP client: it connects to a rendezvous server,
// opens encrypted peer-to-peer sessions and participates in NetGroup
// overlays that fan a published stream out across peers.
//
// The Client composes the socket mux, the per-peer sessions and the NetGroup
// controller; the cryptographic handshake with the rendezvous server and the
// media codec layer stay outside, behind the interfaces in internal/crypto
// and the media callbacks here.
package librtmfp

import (
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/crypto"
	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/netgroup"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
	"github.com/Gamezpedia/librtmfp/internal/session"
	"github.com/Gamezpedia/librtmfp/internal/socket"
	"github.com/Gamezpedia/librtmfp/internal/store"
)

const defaultManageInterval = 100 * time.Millisecond

// MediaFunc receives stream packets on the play side.
type MediaFunc func(stream string, tm uint32, data []byte, lostRate float64, audio bool)

// Config sets up a client for one NetGroup.
type Config struct {
	// ServerAddress is the rendezvous server, host:port.
	ServerAddress string
	// Port binds the local UDP sockets; 0 picks an ephemeral port.
	Port int

	// GroupIDHex and GroupIDTxt identify the NetGroup; Stream names the
	// stream inside it.
	GroupIDHex string
	GroupIDTxt string
	Stream     string

	// Publish makes this node the stream publisher.
	Publish bool

	// OnMedia receives played packets. May be nil for publish-only nodes.
	OnMedia MediaFunc

	// PeerID fixes the identity; zero draws a random one.
	PeerID rtmfp.PeerID

	// PeerCachePath persists heard peers between runs; empty disables.
	PeerCachePath string

	ManageInterval time.Duration
	GroupConfig    *netgroup.GroupConfig
	Metrics        *metrics.Metrics

	// OnInboundIntroduction is raised when a peer asks the server to reach
	// us (handshake 30 with an unknown tag). The responder-side key
	// exchange lives with the embedder.
	OnInboundIntroduction func(tag string, addr netip.AddrPort)
}

type pendingPeer struct {
	ephemeral *crypto.Ephemeral
	tag       string
}

// Client is the embedding surface: one identity, one socket mux, one
// NetGroup.
type Client struct {
	cfg        Config
	peerID     rtmfp.PeerID
	serverAddr netip.AddrPort
	metrics    *metrics.Metrics

	mux   *socket.Mux
	group *netgroup.NetGroup

	status atomic.Uint32

	mu       sync.Mutex
	sessions map[rtmfp.PeerID]*session.Session
	pending  map[rtmfp.PeerID]*pendingPeer
	listener *localListener

	publishOnce  sync.Once
	publishReady chan struct{}

	done    chan struct{}
	closeMu sync.Once
	wg      sync.WaitGroup
}

type cachedPeer struct {
	PeerID string   `json:"peer_id"`
	Host   string   `json:"host,omitempty"`
	Addrs  []string `json:"addrs,omitempty"`
}

// New builds a client. The sockets are bound immediately; traffic starts
// with Connect.
func New(cfg Config) (*Client, error) {
	if cfg.Stream == "" {
		return nil, errors.New("missing stream name")
	}
	if cfg.GroupIDHex == "" {
		return nil, errors.New("missing group id")
	}
	serverAddr, err := resolveAddr(cfg.ServerAddress)
	if err != nil {
		return nil, fmt.Errorf("server address: %w", err)
	}
	if cfg.Metrics == nil {
		cfg.Metrics = metrics.New()
	}
	if cfg.ManageInterval <= 0 {
		cfg.ManageInterval = defaultManageInterval
	}
	peerID := cfg.PeerID
	if peerID.IsZero() {
		if peerID, err = rtmfp.RandomPeerID(); err != nil {
			return nil, err
		}
	}

	c := &Client{
		cfg:          cfg,
		peerID:       peerID,
		serverAddr:   serverAddr,
		metrics:      cfg.Metrics,
		sessions:     make(map[rtmfp.PeerID]*session.Session),
		pending:      make(map[rtmfp.PeerID]*pendingPeer),
		publishReady: make(chan struct{}),
		done:         make(chan struct{}),
	}
	c.status.Store(uint32(rtmfp.StatusConnecting))

	mux, err := socket.NewMux(socket.Config{Port: cfg.Port, Metrics: cfg.Metrics}, c)
	if err != nil {
		return nil, err
	}
	c.mux = mux

	params := cfg.GroupConfig
	if params == nil {
		params = netgroup.DefaultGroupConfig()
	}
	params.IsPublisher = cfg.Publish
	group, err := netgroup.New(netgroup.Config{
		IDHex:      cfg.GroupIDHex,
		IDTxt:      cfg.GroupIDTxt,
		Stream:     cfg.Stream,
		Parameters: params,
		Metrics:    cfg.Metrics,
	}, c)
	if err != nil {
		mux.Close()
		return nil, err
	}
	c.group = group
	return c, nil
}

// Connect starts the read loops and the manage ticker, and reloads the peer
// cache.
func (c *Client) Connect() error {
	c.status.Store(uint32(rtmfp.StatusConnected))
	c.mux.Start()
	c.loadPeerCache()
	c.wg.Add(1)
	go c.manageLoop()
	debuglog.Debugf("client %s listening on udp port %d", c.peerID, c.mux.LocalPort())
	return nil
}

func (c *Client) manageLoop() {
	defer c.wg.Done()
	ticker := time.NewTicker(c.cfg.ManageInterval)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mux.Manage()
			c.group.Manage()
		}
	}
}

// PeerIDString is the hex form of the local identity.
func (c *Client) PeerIDString() string { return c.peerID.String() }

// Group exposes the controller, mainly for status output.
func (c *Client) Group() *netgroup.NetGroup { return c.group }

// Metrics exposes the counters.
func (c *Client) Metrics() *metrics.Metrics { return c.metrics }

// PublishReady is closed when the first viewer subscribed to our publisher
// media.
func (c *Client) PublishReady() <-chan struct{} { return c.publishReady }

// PublishMedia pushes one packet from the application into the group. A
// no-op until the first viewer arrives.
func (c *Client) PublishMedia(tm uint32, data []byte, audio bool) {
	c.mu.Lock()
	l := c.listener
	c.mu.Unlock()
	if l != nil {
		l.push(tm, data, audio)
	}
}

// CallFunction broadcasts an RPC to the group.
func (c *Client) CallFunction(name string, args []string) int {
	return c.group.CallFunction(name, args)
}

// Close tears everything down and persists the peer cache.
func (c *Client) Close() {
	c.closeMu.Do(func() {
		c.status.Store(uint32(rtmfp.StatusNearClosed))
		close(c.done)
		c.wg.Wait()
		c.savePeerCache()
		c.group.Close()
		c.mu.Lock()
		sessions := make([]*session.Session, 0, len(c.sessions))
		for _, s := range c.sessions {
			sessions = append(sessions, s)
		}
		c.sessions = make(map[rtmfp.PeerID]*session.Session)
		c.mu.Unlock()
		for _, s := range sessions {
			s.Close(true)
		}
		c.mux.Close()
		c.status.Store(uint32(rtmfp.StatusClosed))
	})
}

/*** socket.Handler ***/

func (c *Client) PeerID() rtmfp.PeerID { return c.peerID }

func (c *Client) MainStatus() rtmfp.Status {
	return rtmfp.Status(c.status.Load())
}

func (c *Client) OnPeerHandshake30(tag string, addr netip.AddrPort) {
	if fn := c.cfg.OnInboundIntroduction; fn != nil {
		fn(tag, addr)
		return
	}
	debuglog.Debugf("inbound introduction from %s ignored, no responder handler", addr)
}

func (c *Client) OnPeerHandshake70(peerID rtmfp.PeerID, conn *socket.Conn, farKey, cookie []byte) bool {
	c.mu.Lock()
	s := c.sessions[peerID]
	p := c.pending[peerID]
	delete(c.pending, peerID)
	c.mu.Unlock()
	if s == nil || p == nil {
		debuglog.Debugf("handshake 70 for unknown peer %s", peerID)
		return false
	}

	shared, err := p.ephemeral.Shared(farKey)
	if err != nil {
		debuglog.Logf("key agreement with %s failed: %v", peerID, err)
		return false
	}
	keys, err := crypto.DeriveSessionKeys(shared, []byte(p.tag), cookie, true)
	if err != nil {
		debuglog.Logf("key derivation with %s failed: %v", peerID, err)
		return false
	}
	cipher, err := crypto.NewAEADCipher(keys)
	if err != nil {
		debuglog.Logf("cipher setup with %s failed: %v", peerID, err)
		return false
	}
	conn.SetCipher(cipher)
	s.OnConnection(conn)
	if err := c.group.AddPeer(s); err != nil {
		debuglog.Debugf("attach of %s to group: %v", peerID, err)
	}
	s.SendGroupPeerConnect()
	return true
}

func (c *Client) OnP2PAddresses(peerID rtmfp.PeerID, addresses rtmfp.AddressList) bool {
	c.mu.Lock()
	s := c.sessions[peerID]
	c.mu.Unlock()
	if s == nil {
		return false
	}
	s.MergeAddresses(addresses)
	return s.Status() < rtmfp.StatusConnected
}

/*** netgroup.Transport ***/

func (c *Client) ServerAddress() netip.AddrPort { return c.serverAddr }

func (c *Client) Connect2Peer(id rtmfp.PeerID, streamName string, addresses rtmfp.AddressList, host netip.AddrPort) {
	c.mu.Lock()
	if _, ok := c.sessions[id]; ok {
		c.mu.Unlock()
		return
	}
	eph, err := crypto.GenerateEphemeral()
	if err != nil {
		c.mu.Unlock()
		debuglog.Logf("ephemeral generation for %s failed: %v", id, err)
		return
	}
	tag := newTag()
	if !host.IsValid() {
		host = c.serverAddr
	}
	s := session.New(session.Options{
		PeerID:      id,
		HostAddress: host,
		Role:        socket.Initiator,
		GroupIDHex:  c.cfg.GroupIDHex,
		Metrics:     c.metrics,
	})
	s.SetGroupConnectKey(eph.Public())
	s.MergeAddresses(addresses)
	s.AddCommand(session.CommandNetGroup, streamName, false, false)
	c.sessions[id] = s
	c.pending[id] = &pendingPeer{ephemeral: eph, tag: tag}
	c.mu.Unlock()

	c.mux.AddP2PConnection(id.Raw(), id, tag, host)
}

func (c *Client) PushMedia(stream string, tm uint32, data []byte, lostRate float64, audio bool) {
	if fn := c.cfg.OnMedia; fn != nil {
		fn(stream, tm, data, lostRate, audio)
	}
}

func (c *Client) StartListening(stream, idTxt string) (netgroup.GroupListener, error) {
	l := &localListener{}
	c.mu.Lock()
	c.listener = l
	c.mu.Unlock()
	debuglog.Debugf("listening on local stream %s (%s)", stream, idTxt)
	return l, nil
}

func (c *Client) StopListening(idTxt string) {
	c.mu.Lock()
	c.listener = nil
	c.mu.Unlock()
	debuglog.Debugf("stopped listening (%s)", idTxt)
}

func (c *Client) SignalPublishReady() {
	c.publishOnce.Do(func() { close(c.publishReady) })
}

/*** peer cache ***/

func (c *Client) loadPeerCache() {
	if c.cfg.PeerCachePath == "" {
		return
	}
	records, err := store.ReadLastN[cachedPeer](c.cfg.PeerCachePath, 256)
	if err != nil {
		debuglog.Debugf("peer cache load: %v", err)
		return
	}
	for _, rec := range records {
		id, err := rtmfp.ParsePeerID(rec.PeerID)
		if err != nil || id == c.peerID {
			continue
		}
		host := c.serverAddr
		if rec.Host != "" {
			if parsed, err := netip.ParseAddrPort(rec.Host); err == nil {
				host = parsed
			}
		}
		addresses := make(rtmfp.AddressList)
		for _, a := range rec.Addrs {
			if parsed, err := netip.ParseAddrPort(a); err == nil {
				addresses[parsed] = rtmfp.AddressPublic
			}
		}
		c.group.AddPeerToHeardList(id, id.Raw(), addresses, host, 0)
	}
	if len(records) > 0 {
		debuglog.Debugf("peer cache: %d peers reloaded", len(records))
	}
}

func (c *Client) savePeerCache() {
	if c.cfg.PeerCachePath == "" {
		return
	}
	ids := c.group.BestList()
	if len(ids) == 0 {
		ids = c.group.HeardPeers()
		if len(ids) > 64 {
			ids = ids[:64]
		}
	}
	for _, id := range ids {
		node, ok := c.group.HeardNode(id)
		if !ok {
			continue
		}
		rec := cachedPeer{PeerID: id.String(), Host: node.HostAddress.String()}
		for addr := range node.Addresses {
			rec.Addrs = append(rec.Addrs, addr.String())
		}
		if err := store.AppendJSONL(c.cfg.PeerCachePath, rec); err != nil {
			debuglog.Debugf("peer cache save: %v", err)
			return
		}
	}
}

/*** local publish listener ***/

type localListener struct {
	mu sync.Mutex
	fn func(tm uint32, data []byte, audio bool)
}

func (l *localListener) SubscribeMedia(fn func(tm uint32, data []byte, audio bool)) {
	l.mu.Lock()
	l.fn = fn
	l.mu.Unlock()
}

func (l *localListener) UnsubscribeMedia() {
	l.mu.Lock()
	l.fn = nil
	l.mu.Unlock()
}

func (l *localListener) push(tm uint32, data []byte, audio bool) {
	l.mu.Lock()
	fn := l.fn
	l.mu.Unlock()
	if fn != nil {
		fn(tm, data, audio)
	}
}

func newTag() string {
	var raw [8]byte
	_, _ = rand.Read(raw[:])
	return hex.EncodeToString(raw[:])
}

func resolveAddr(addr string) (netip.AddrPort, error) {
	if addr == "" {
		return netip.AddrPort{}, errors.New("empty address")
	}
	if parsed, err := netip.ParseAddrPort(addr); err == nil {
		return netip.AddrPortFrom(parsed.Addr().Unmap(), parsed.Port()), nil
	}
	udp, err := net.ResolveUDPAddr("udp", addr)
	if err != nil {
		return netip.AddrPort{}, err
	}
	ap := udp.AddrPort()
	return netip.AddrPortFrom(ap.Addr().Unmap(), ap.Port()), nil
}
