package socket

import (
	"net/netip"
	"sync"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/crypto"
	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// Role says which side opened the connection.
type Role uint8

const (
	Initiator Role = iota
	Responder
)

func (r Role) String() string {
	if r == Responder {
		return "responder"
	}
	return "initiator"
}

// keepaliveByte is the one-byte ping exchanged on idle connections.
const keepaliveByte = 0x01

// Receiver consumes the decrypted packets of one connection. Delivery is
// synchronous on the dispatch goroutine; implementations must not block.
type Receiver func(c *Conn, packet []byte)

// Conn is one encrypted datagram carrier to a single remote address. It is
// indexed by the Mux under its address and logically owned by at most one
// peer session.
type Conn struct {
	mux  *Mux
	addr netip.AddrPort
	role Role
	p2p  bool

	mu            sync.Mutex
	cipher        crypto.PacketCipher
	receiver      Receiver
	status        rtmfp.Status
	lastRecv      time.Time
	keepaliveSent time.Time
	awaitingPong  bool
	latency       time.Duration
}

func newConn(mux *Mux, addr netip.AddrPort, role Role, p2p bool) *Conn {
	return &Conn{
		mux:      mux,
		addr:     addr,
		role:     role,
		p2p:      p2p,
		cipher:   crypto.PlainCipher{},
		status:   rtmfp.StatusConnecting,
		lastRecv: time.Now(),
	}
}

func (c *Conn) Addr() netip.AddrPort { return c.addr }

func (c *Conn) Role() Role { return c.role }

func (c *Conn) IsP2P() bool { return c.p2p }

// Subscribe attaches the session that consumes this connection's packets.
func (c *Conn) Subscribe(r Receiver) {
	c.mu.Lock()
	c.receiver = r
	c.mu.Unlock()
}

// SetCipher installs the established-session cipher once key agreement is
// done, and moves the connection past the handshake.
func (c *Conn) SetCipher(cipher crypto.PacketCipher) {
	c.mu.Lock()
	c.cipher = cipher
	if c.status < rtmfp.StatusConnected {
		c.status = rtmfp.StatusConnected
	}
	c.mu.Unlock()
}

func (c *Conn) Status() rtmfp.Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.status
}

// Latency is the last keepalive round-trip estimate.
func (c *Conn) Latency() time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.latency
}

func (c *Conn) Failed() bool {
	return c.Status() == rtmfp.StatusFailed
}

// process opens one inbound datagram and hands it to the receiver.
func (c *Conn) process(sealed []byte) {
	c.mu.Lock()
	if c.status >= rtmfp.StatusClosed {
		c.mu.Unlock()
		return
	}
	plain, err := c.cipher.Open(sealed)
	if err != nil {
		c.mu.Unlock()
		c.mux.metrics.IncPacketDrops()
		debuglog.RateLimitedf("conn-open-"+c.addr.String(), 10*time.Second,
			"packet from %s dropped: %v", c.addr, err)
		return
	}
	now := time.Now()
	c.lastRecv = now
	if c.awaitingPong {
		c.latency = now.Sub(c.keepaliveSent)
		c.awaitingPong = false
	}
	receiver := c.receiver
	c.mu.Unlock()

	if len(plain) == 1 && plain[0] == keepaliveByte {
		return
	}
	if receiver != nil {
		receiver(c, plain)
	}
}

// Send seals and writes one datagram. A write that would block is dropped
// and surfaced as an error.
func (c *Conn) Send(plain []byte) error {
	c.mu.Lock()
	if c.status >= rtmfp.StatusClosed {
		c.mu.Unlock()
		return ErrConnClosed
	}
	sealed, err := c.cipher.Seal(plain)
	c.mu.Unlock()
	if err != nil {
		return err
	}
	return c.mux.send(c.addr, sealed)
}

// manage drives keepalive and idle timeout. Called from Mux.Manage with the
// connection map locked.
func (c *Conn) manage(now time.Time, keepalive, timeout time.Duration) {
	c.mu.Lock()
	if c.status >= rtmfp.StatusClosed {
		c.mu.Unlock()
		return
	}
	if now.Sub(c.lastRecv) > timeout {
		c.status = rtmfp.StatusFailed
		c.mu.Unlock()
		debuglog.Debugf("connection to %s timed out after %s", c.addr, timeout)
		return
	}
	sendPing := now.Sub(c.lastRecv) > keepalive && (!c.awaitingPong || now.Sub(c.keepaliveSent) > keepalive)
	if sendPing {
		c.keepaliveSent = now
		c.awaitingPong = true
	}
	c.mu.Unlock()
	if sendPing {
		if err := c.Send([]byte{keepaliveByte}); err != nil {
			debuglog.Debugf("keepalive to %s: %v", c.addr, err)
		}
	}
}

// close marks the connection closed. Packets already in flight are dropped.
func (c *Conn) close() {
	c.mu.Lock()
	if c.status < rtmfp.StatusClosed {
		c.status = rtmfp.StatusClosed
	}
	c.receiver = nil
	c.mu.Unlock()
}

// Fail marks the connection failed so the next Manage pass reaps it.
func (c *Conn) Fail() {
	c.mu.Lock()
	if c.status < rtmfp.StatusClosed {
		c.status = rtmfp.StatusFailed
	}
	c.mu.Unlock()
}
