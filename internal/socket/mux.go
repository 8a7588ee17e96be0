// Package socket owns the UDP endpoints and fans inbound datagrams out to
// per-address connections. Datagrams from unknown sources fall through to a
// default connection that only speaks the bootstrap handshake.
package socket

import (
	"errors"
	"fmt"
	"net"
	"net/netip"
	"sync"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

const (
	// Introduction retries back off linearly: retry k waits k*1500ms.
	introRetryUnit = 1500 * time.Millisecond
	// maxIntroAttempts introductions without an answer drop the WaitingPeer.
	maxIntroAttempts = 11

	defaultKeepalive   = 10 * time.Second
	defaultConnTimeout = 120 * time.Second
	maxDatagramSize    = 4096
	sendDeadline       = 20 * time.Millisecond
)

var (
	ErrMuxClosed  = errors.New("socket mux closed")
	ErrConnClosed = errors.New("connection closed")
)

// timeNow is swapped out by tests that step the introduction schedule.
var timeNow = time.Now

// Handler is the RTMFP session layer the mux reports into. Callbacks fire on
// the dispatch goroutine with the connection map locked: they must not block
// and must not call back into Mux.AddConnection, Connection, Manage or
// Close. Everything a callback needs is passed in, including the connection
// materialized for a handshake 70 answer.
type Handler interface {
	// PeerID is our own identity; handshake 30 frames naming anyone else
	// are rejected.
	PeerID() rtmfp.PeerID
	// MainStatus gates dispatch: at NearClosed and beyond, inbound packets
	// are dropped.
	MainStatus() rtmfp.Status
	// OnPeerHandshake30 raises an inbound p2p introduction with an unknown
	// tag.
	OnPeerHandshake30(tag string, addr netip.AddrPort)
	// OnPeerHandshake70 delivers the server response for an introduction.
	// conn is the connection for the answering address, created by the mux
	// when none existed. The return value reports whether the session
	// accepted the answer.
	OnPeerHandshake70(peerID rtmfp.PeerID, conn *Conn, farKey, cookie []byte) bool
	// OnP2PAddresses merges fresh candidate addresses for a pending
	// introduction; returns false when the introduction is no longer
	// wanted.
	OnP2PAddresses(peerID rtmfp.PeerID, addresses rtmfp.AddressList) bool
}

// Config tunes the mux. Zero values pick the defaults.
type Config struct {
	// Port binds the IPv4 and IPv6 wildcard sockets; 0 picks an ephemeral
	// port.
	Port              int
	KeepaliveInterval time.Duration
	ConnTimeout       time.Duration
	Metrics           *metrics.Metrics
}

func (c *Config) normalize() {
	if c.KeepaliveInterval <= 0 {
		c.KeepaliveInterval = defaultKeepalive
	}
	if c.ConnTimeout <= 0 {
		c.ConnTimeout = defaultConnTimeout
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
}

type waitingPeer struct {
	rawID       []byte
	peerID      rtmfp.PeerID
	hostAddress netip.AddrPort
	attempt     int
	lastAttempt time.Time
}

// Mux owns the sockets and the address-to-connection map. mu serializes the
// connection map, the default connection and every inbound dispatch; wmu
// guards the introduction table and nests inside mu (mu then wmu, never the
// reverse) so the dispatch path can register introductions re-entrantly.
type Mux struct {
	cfg     Config
	handler Handler
	metrics *metrics.Metrics

	sock4 *net.UDPConn
	sock6 *net.UDPConn

	mu          sync.Mutex
	conns       map[netip.AddrPort]*Conn
	defaultConn *DefaultConn
	closed      bool

	wmu     sync.Mutex
	waiting map[string]*waitingPeer

	wg sync.WaitGroup
}

// NewMux binds the UDP endpoints. IPv6 is best-effort: a bind failure is
// logged and the mux keeps running on IPv4 only.
func NewMux(cfg Config, handler Handler) (*Mux, error) {
	cfg.normalize()
	m := &Mux{
		cfg:     cfg,
		handler: handler,
		metrics: cfg.Metrics,
		conns:   make(map[netip.AddrPort]*Conn),
		waiting: make(map[string]*waitingPeer),
	}
	m.defaultConn = newDefaultConn(m)

	sock4, err := net.ListenUDP("udp4", &net.UDPAddr{Port: cfg.Port})
	if err != nil {
		return nil, fmt.Errorf("bind udp4: %w", err)
	}
	m.sock4 = sock4
	if sock6, err := net.ListenUDP("udp6", &net.UDPAddr{IP: net.IPv6zero, Port: cfg.Port}); err != nil {
		debuglog.Logf("unable to bind [::]:%d, ipv6 will not work: %v", cfg.Port, err)
	} else {
		m.sock6 = sock6
	}
	return m, nil
}

// Start launches the read loops.
func (m *Mux) Start() {
	m.wg.Add(1)
	go m.readLoop(m.sock4)
	if m.sock6 != nil {
		m.wg.Add(1)
		go m.readLoop(m.sock6)
	}
}

// LocalPort is the bound IPv4 port, for tests and logs.
func (m *Mux) LocalPort() int {
	return m.sock4.LocalAddr().(*net.UDPAddr).Port
}

func (m *Mux) readLoop(sock *net.UDPConn) {
	defer m.wg.Done()
	buf := make([]byte, maxDatagramSize)
	for {
		n, source, err := sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			if errors.Is(err, net.ErrClosed) {
				return
			}
			debuglog.RateLimitedf("sock-read", 10*time.Second, "socket error: %v", err)
			continue
		}
		packet := make([]byte, n)
		copy(packet, buf[:n])
		m.dispatch(packet, netip.AddrPortFrom(source.Addr().Unmap(), source.Port()))
	}
}

// dispatch routes one datagram. Known source: its connection. Unknown
// source: the default connection, retargeted first. Packets from one source
// are processed in arrival order, serialized by mu.
func (m *Mux) dispatch(packet []byte, source netip.AddrPort) {
	if m.handler.MainStatus() >= rtmfp.StatusNearClosed {
		m.metrics.IncPacketDrops()
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}
	if conn, ok := m.conns[source]; ok {
		conn.process(packet)
		return
	}
	debuglog.Debugf("input packet from a new address: %s", source)
	m.defaultConn.setAddress(source)
	m.defaultConn.process(packet)
}

func (m *Mux) send(addr netip.AddrPort, data []byte) error {
	sock := m.sock4
	if addr.Addr().Unmap().Is6() {
		sock = m.sock6
		if sock == nil {
			return errors.New("ipv6 socket unavailable")
		}
	}
	// A send that would block past the short deadline is dropped.
	_ = sock.SetWriteDeadline(time.Now().Add(sendDeadline))
	_, err := sock.WriteToUDPAddrPort(data, addr)
	if err != nil {
		if errors.Is(err, net.ErrClosed) {
			return ErrMuxClosed
		}
		return err
	}
	return nil
}

// AddP2PConnection registers a pending introduction keyed by tag. A second
// call with the same tag is a no-op. Safe to call from handler callbacks.
func (m *Mux) AddP2PConnection(rawID []byte, peerID rtmfp.PeerID, tag string, hostAddress netip.AddrPort) {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	if _, ok := m.waiting[tag]; ok {
		return
	}
	m.waiting[tag] = &waitingPeer{
		rawID:       append([]byte(nil), rawID...),
		peerID:      peerID,
		hostAddress: hostAddress,
	}
}

// WaitingCount reports pending introductions, for tests and status output.
func (m *Mux) WaitingCount() int {
	m.wmu.Lock()
	defer m.wmu.Unlock()
	return len(m.waiting)
}

// AddConnection returns the connection for addr, creating one when none
// exists. The second result tells whether it was created by this call. Must
// not be called from handler callbacks.
func (m *Mux) AddConnection(addr netip.AddrPort, role Role, p2p bool) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return nil, false
	}
	return m.addConnectionLocked(addr, role, p2p)
}

func (m *Mux) addConnectionLocked(addr netip.AddrPort, role Role, p2p bool) (*Conn, bool) {
	if conn, ok := m.conns[addr]; ok {
		debuglog.Debugf("connection already exists at address %s, nothing done", addr)
		return conn, false
	}
	conn := newConn(m, addr, role, p2p)
	m.conns[addr] = conn
	return conn, true
}

// Connection looks up the connection owning addr. Must not be called from
// handler callbacks.
func (m *Mux) Connection(addr netip.AddrPort) (*Conn, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	conn, ok := m.conns[addr]
	return conn, ok
}

// Manage retries pending introductions, ticks every connection and reaps the
// failed ones. Driven by the timer goroutine.
func (m *Mux) Manage() {
	now := timeNow()
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return
	}

	m.wmu.Lock()
	for tag, w := range m.waiting {
		if w.attempt != 0 && now.Sub(w.lastAttempt) < time.Duration(w.attempt)*introRetryUnit {
			continue
		}
		if w.attempt == maxIntroAttempts {
			debuglog.Debugf("connection to %s reached %d attempts without answer, removing the peer",
				w.peerID, maxIntroAttempts)
			m.metrics.IncIntroDrops()
			delete(m.waiting, tag)
			continue
		}
		w.attempt++
		debuglog.Debugf("sending new p2p handshake 30 to server (peer %s; %d/%d)",
			w.peerID, w.attempt, maxIntroAttempts)
		m.defaultConn.setAddress(w.hostAddress)
		m.defaultConn.sendHandshake30(w.rawID, tag)
		w.lastAttempt = now
	}
	m.wmu.Unlock()

	for _, conn := range m.conns {
		conn.manage(now, m.cfg.KeepaliveInterval, m.cfg.ConnTimeout)
	}
	for addr, conn := range m.conns {
		if conn.Failed() {
			debuglog.Debugf("reaping failed connection to %s", addr)
			m.metrics.IncFailed()
			conn.close()
			delete(m.conns, addr)
		}
	}
}

// onPeerHandshake30 handles an inbound introduction. Called from the default
// connection with mu held.
func (m *Mux) onPeerHandshake30(id rtmfp.PeerID, tag string, source netip.AddrPort) {
	if id != m.handler.PeerID() {
		debuglog.Logf("unexpected peer id in handshake 30: %s, connection rejected", id)
		return
	}
	m.wmu.Lock()
	_, known := m.waiting[tag]
	m.wmu.Unlock()
	if known {
		debuglog.Debugf("handshake 30 received but the connection exists")
		return
	}
	m.handler.OnPeerHandshake30(tag, source)
}

// OnPeerHandshake70 resolves a pending introduction, materializing a
// connection for unknown sources before handing off to the session layer.
// Exported because the non-p2p server handshake path enters here too; the
// isP2P=false form carries no tag lookup. Called with mu held when invoked
// from dispatch.
func (m *Mux) OnPeerHandshake70(tag string, farKey, cookie []byte, source netip.AddrPort, createConnection, isP2P bool) bool {
	if !isP2P {
		conn, _ := m.addConnectionLocked(source, Initiator, false)
		return m.handler.OnPeerHandshake70(rtmfp.PeerID{}, conn, farKey, cookie)
	}
	m.wmu.Lock()
	w, ok := m.waiting[tag]
	if ok {
		delete(m.waiting, tag)
	}
	m.wmu.Unlock()
	if !ok {
		debuglog.Tracef("unknown tag received with handshake 70 from %s (possible old connection)", source)
		return false
	}
	conn, had := m.conns[source]
	if conn == nil {
		if !createConnection {
			return false
		}
		conn, _ = m.addConnectionLocked(source, Initiator, true)
	}
	res := m.handler.OnPeerHandshake70(w.peerID, conn, farKey, cookie)
	if !res && !had {
		conn.Fail()
	}
	return res
}

// onP2PAddresses merges a handshake 71 address list into the pending
// introduction, retargeting the handshake 30 at a far server when the host
// changed. Called with mu held.
func (m *Mux) onP2PAddresses(tag string, r *rtmfp.Reader) {
	m.wmu.Lock()
	w, ok := m.waiting[tag]
	m.wmu.Unlock()
	if !ok {
		debuglog.Debugf("handshake 71 received but no p2p connection found with tag (possible old request)")
		return
	}
	var hostAddress netip.AddrPort
	addresses := make(rtmfp.AddressList)
	rtmfp.ReadAddresses(r, addresses, &hostAddress)

	if m.handler.OnP2PAddresses(w.peerID, addresses) && hostAddress.IsValid() && w.hostAddress != hostAddress {
		debuglog.Debugf("sending p2p handshake 30 to far server at %s (peer %s)", hostAddress, w.peerID)
		w.hostAddress = hostAddress
		m.defaultConn.setAddress(hostAddress)
		m.defaultConn.sendHandshake30(w.rawID, tag)
		w.attempt++
		w.lastAttempt = timeNow()
	}
}

// Close tears down every connection and the sockets.
func (m *Mux) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	for _, conn := range m.conns {
		conn.close()
	}
	m.conns = make(map[netip.AddrPort]*Conn)
	m.mu.Unlock()

	m.wmu.Lock()
	m.waiting = make(map[string]*waitingPeer)
	m.wmu.Unlock()

	_ = m.sock4.Close()
	if m.sock6 != nil {
		_ = m.sock6.Close()
	}
	m.wg.Wait()
}
