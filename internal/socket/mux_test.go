package socket

import (
	"net"
	"net/netip"
	"sync"
	"testing"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

type stubHandler struct {
	id         rtmfp.PeerID
	mu         sync.Mutex
	status     rtmfp.Status
	hs30Tags   []string
	hs70Peers  []rtmfp.PeerID
	hs70Conns  []*Conn
	hs70Result bool
	p2pPeers   []rtmfp.PeerID
	p2pResult  bool
}

func (h *stubHandler) PeerID() rtmfp.PeerID { return h.id }

func (h *stubHandler) MainStatus() rtmfp.Status {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.status
}

func (h *stubHandler) OnPeerHandshake30(tag string, _ netip.AddrPort) {
	h.mu.Lock()
	h.hs30Tags = append(h.hs30Tags, tag)
	h.mu.Unlock()
}

func (h *stubHandler) OnPeerHandshake70(peerID rtmfp.PeerID, conn *Conn, _, _ []byte) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.hs70Peers = append(h.hs70Peers, peerID)
	h.hs70Conns = append(h.hs70Conns, conn)
	return h.hs70Result
}

func (h *stubHandler) OnP2PAddresses(peerID rtmfp.PeerID, _ rtmfp.AddressList) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.p2pPeers = append(h.p2pPeers, peerID)
	return h.p2pResult
}

func testPeerID(n byte) rtmfp.PeerID {
	var id rtmfp.PeerID
	id[0] = n
	return id
}

func newTestMux(t *testing.T, h *stubHandler) *Mux {
	t.Helper()
	m, err := NewMux(Config{}, h)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	t.Cleanup(m.Close)
	return m
}

// fakeServer is a plain UDP socket standing in for a rendezvous server.
type fakeServer struct {
	sock *net.UDPConn
	addr netip.AddrPort
}

func newFakeServer(t *testing.T) *fakeServer {
	t.Helper()
	sock, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		t.Fatalf("fake server: %v", err)
	}
	t.Cleanup(func() { _ = sock.Close() })
	return &fakeServer{sock: sock, addr: sock.LocalAddr().(*net.UDPAddr).AddrPort()}
}

// drain reads frames until the socket stays quiet.
func (s *fakeServer) drain(t *testing.T) [][]byte {
	t.Helper()
	var out [][]byte
	buf := make([]byte, 2048)
	for {
		_ = s.sock.SetReadDeadline(time.Now().Add(200 * time.Millisecond))
		n, _, err := s.sock.ReadFromUDPAddrPort(buf)
		if err != nil {
			return out
		}
		out = append(out, append([]byte(nil), buf[:n]...))
	}
}

// The introduction retry schedule: immediate first send, then spacing of
// attempt*1500ms, removal after the 11th unanswered send, silence after.
func TestWaitingPeerRetrySchedule(t *testing.T) {
	server := newFakeServer(t)
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)

	base := time.Now()
	current := base
	saved := timeNow
	timeNow = func() time.Time { return current }
	defer func() { timeNow = saved }()

	id := testPeerID(9)
	m.AddP2PConnection(id.Raw(), id, "tag-a", server.addr)

	m.Manage() // attempt 1, immediate
	for attempt := 1; attempt <= 11; attempt++ {
		// Just before the next retry point nothing is sent.
		current = current.Add(time.Duration(attempt)*introRetryUnit - time.Millisecond)
		m.Manage()
		current = current.Add(time.Millisecond)
		m.Manage()
	}

	frames := server.drain(t)
	if len(frames) != 11 {
		t.Fatalf("expected 11 handshake sends, got %d", len(frames))
	}
	for _, frame := range frames {
		if frame[0] != rtmfp.HandshakeP2PRequest {
			t.Fatalf("unexpected frame type %#.2x", frame[0])
		}
	}
	if m.WaitingCount() != 0 {
		t.Fatalf("waiting peer not removed after the 11th attempt")
	}

	// Long after removal nothing more goes out.
	current = current.Add(time.Minute)
	m.Manage()
	if extra := server.drain(t); len(extra) != 0 {
		t.Fatalf("sends after removal: %d", len(extra))
	}
}

func TestAddP2PConnectionIdempotentPerTag(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)
	id := testPeerID(2)
	host := netip.MustParseAddrPort("127.0.0.1:1935")
	m.AddP2PConnection(id.Raw(), id, "tag-a", host)
	m.AddP2PConnection(id.Raw(), id, "tag-a", host)
	if m.WaitingCount() != 1 {
		t.Fatalf("waiting count %d", m.WaitingCount())
	}
	m.AddP2PConnection(id.Raw(), id, "tag-b", host)
	if m.WaitingCount() != 2 {
		t.Fatalf("waiting count %d", m.WaitingCount())
	}
}

// A handshake 30 naming someone else's id is rejected without reaching the
// session layer.
func TestHandshake30IdentityMismatch(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)

	source := netip.MustParseAddrPort("127.0.0.1:40000")
	wrong := testPeerID(7)
	w := rtmfp.NewWriter(64)
	w.Write8(rtmfp.HandshakeP2PRequest)
	w.Write8(rtmfp.RawIDSize)
	w.Write(wrong.Raw())
	w.Write8(3)
	w.Write([]byte("tag"))
	m.dispatch(w.Bytes(), source)

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hs30Tags) != 0 {
		t.Fatalf("mismatched handshake 30 reached the handler")
	}
}

func TestHandshake30RaisesInbound(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)

	w := rtmfp.NewWriter(64)
	w.Write8(rtmfp.HandshakeP2PRequest)
	w.Write8(rtmfp.RawIDSize)
	w.Write(h.id.Raw())
	w.Write8(5)
	w.Write([]byte("tag-x"))
	m.dispatch(w.Bytes(), netip.MustParseAddrPort("127.0.0.1:40001"))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hs30Tags) != 1 || h.hs30Tags[0] != "tag-x" {
		t.Fatalf("inbound introduction not raised: %v", h.hs30Tags)
	}
}

// A handshake 70 resolves its waiting peer exactly once and materializes a
// connection for the answering address.
func TestHandshake70ResolvesWaitingPeer(t *testing.T) {
	h := &stubHandler{id: testPeerID(1), hs70Result: true}
	m := newTestMux(t, h)
	id := testPeerID(3)
	m.AddP2PConnection(id.Raw(), id, "tag-a", netip.MustParseAddrPort("127.0.0.1:1935"))

	source := netip.MustParseAddrPort("127.0.0.1:40002")
	frame := MarshalHandshake70("tag-a", []byte("cookie"), []byte("farkey"))
	m.dispatch(frame, source)

	h.mu.Lock()
	if len(h.hs70Peers) != 1 || h.hs70Peers[0] != id {
		h.mu.Unlock()
		t.Fatalf("handshake 70 not delivered: %v", h.hs70Peers)
	}
	conn := h.hs70Conns[0]
	h.mu.Unlock()
	if conn == nil || conn.Addr() != source {
		t.Fatalf("connection not materialized for the answering address")
	}
	if m.WaitingCount() != 0 {
		t.Fatalf("waiting peer kept after handshake 70")
	}

	// Replays with the dead tag stay silent.
	m.dispatch(frame, source)
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hs70Peers) != 1 {
		t.Fatalf("stale handshake 70 delivered")
	}
}

// A handshake 71 with a fresh far server retargets the introduction.
func TestHandshake71RetargetsHost(t *testing.T) {
	farServer := newFakeServer(t)
	h := &stubHandler{id: testPeerID(1), p2pResult: true}
	m := newTestMux(t, h)
	id := testPeerID(4)
	m.AddP2PConnection(id.Raw(), id, "tag-a", netip.MustParseAddrPort("127.0.0.1:1935"))

	addresses := rtmfp.AddressList{netip.MustParseAddrPort("203.0.113.4:1935"): rtmfp.AddressPublic}
	frame := MarshalHandshake71("tag-a", addresses, farServer.addr)
	m.dispatch(frame, netip.MustParseAddrPort("127.0.0.1:40003"))

	h.mu.Lock()
	delivered := len(h.p2pPeers)
	h.mu.Unlock()
	if delivered != 1 {
		t.Fatalf("addresses not delivered")
	}
	if frames := farServer.drain(t); len(frames) != 1 || frames[0][0] != rtmfp.HandshakeP2PRequest {
		t.Fatalf("handshake 30 not retargeted at the far server")
	}
}

func TestAddConnectionCollision(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)
	addr := netip.MustParseAddrPort("127.0.0.1:50000")
	c1, created := m.AddConnection(addr, Initiator, true)
	if !created || c1 == nil {
		t.Fatalf("first add must create")
	}
	c2, created := m.AddConnection(addr, Responder, false)
	if created || c2 != c1 {
		t.Fatalf("collision must return the existing connection")
	}
}

// Dispatch drops everything once the main session is near closed.
func TestDispatchGatedByMainStatus(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m := newTestMux(t, h)
	h.mu.Lock()
	h.status = rtmfp.StatusNearClosed
	h.mu.Unlock()

	w := rtmfp.NewWriter(64)
	w.Write8(rtmfp.HandshakeP2PRequest)
	w.Write8(rtmfp.RawIDSize)
	w.Write(h.id.Raw())
	w.Write8(1)
	w.Write([]byte("t"))
	m.dispatch(w.Bytes(), netip.MustParseAddrPort("127.0.0.1:40004"))

	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.hs30Tags) != 0 {
		t.Fatalf("packet dispatched past near-closed")
	}
}

// Idle connections time out, get marked failed and reaped on the next pass.
func TestManageReapsTimedOutConnections(t *testing.T) {
	h := &stubHandler{id: testPeerID(1)}
	m, err := NewMux(Config{ConnTimeout: time.Millisecond, KeepaliveInterval: time.Hour}, h)
	if err != nil {
		t.Fatalf("mux: %v", err)
	}
	defer m.Close()

	addr := netip.MustParseAddrPort("127.0.0.1:50001")
	conn, _ := m.AddConnection(addr, Initiator, true)
	time.Sleep(5 * time.Millisecond)
	m.Manage()
	if !conn.Failed() && conn.Status() != rtmfp.StatusClosed {
		t.Fatalf("connection not failed after timeout, status %s", conn.Status())
	}
	if _, ok := m.Connection(addr); ok {
		t.Fatalf("failed connection not reaped")
	}
}
