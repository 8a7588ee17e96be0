package socket

import (
	"net/netip"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// DefaultConn receives every datagram whose source address has no dedicated
// connection yet. It only understands the bootstrap handshake frames (types
// 30, 70, 71); everything else is dropped. Its target address is retargeted
// before each send, it never owns one.
type DefaultConn struct {
	mux  *Mux
	addr netip.AddrPort
}

func newDefaultConn(mux *Mux) *DefaultConn {
	return &DefaultConn{mux: mux}
}

// setAddress points the connection at the next source or destination. Called
// with the mux connection lock held.
func (d *DefaultConn) setAddress(addr netip.AddrPort) {
	d.addr = addr
}

// process parses one bootstrap frame from the current address.
func (d *DefaultConn) process(packet []byte) {
	r := rtmfp.NewReader(packet)
	typ := r.Read8()
	if r.Err() != nil {
		return
	}
	switch typ {
	case rtmfp.HandshakeP2PRequest:
		idLen := int(r.Read8())
		raw := r.ReadBytes(idLen)
		tagLen := int(r.Read8())
		tag := r.ReadBytes(tagLen)
		if r.Err() != nil {
			debuglog.RateLimitedf("hs30-short", 10*time.Second, "short handshake 30 from %s", d.addr)
			return
		}
		id, err := rtmfp.PeerIDFromRaw(raw)
		if err != nil {
			debuglog.Debugf("handshake 30 from %s: %v", d.addr, err)
			return
		}
		d.mux.onPeerHandshake30(id, string(tag), d.addr)

	case rtmfp.HandshakeP2PResponse:
		tagLen := int(r.Read8())
		tag := r.ReadBytes(tagLen)
		cookieLen := int(r.Read8())
		cookie := r.ReadBytes(cookieLen)
		if r.Err() != nil {
			debuglog.RateLimitedf("hs70-short", 10*time.Second, "short handshake 70 from %s", d.addr)
			return
		}
		farKey := append([]byte(nil), r.Current()...)
		d.mux.OnPeerHandshake70(string(tag), farKey, append([]byte(nil), cookie...), d.addr, true, true)

	case rtmfp.HandshakeP2PAddresses:
		tagLen := int(r.Read8())
		tag := r.ReadBytes(tagLen)
		if r.Err() != nil {
			debuglog.RateLimitedf("hs71-short", 10*time.Second, "short handshake 71 from %s", d.addr)
			return
		}
		d.mux.onP2PAddresses(string(tag), r)

	default:
		debuglog.RateLimitedf("hs-unknown", 10*time.Second,
			"unknown bootstrap frame %#.2x from %s", typ, d.addr)
	}
}

// sendHandshake30 asks the server at the current address to introduce us to
// the peer owning rawID.
func (d *DefaultConn) sendHandshake30(rawID []byte, tag string) {
	w := rtmfp.NewWriter(2 + len(rawID) + 1 + len(tag))
	w.Write8(rtmfp.HandshakeP2PRequest)
	w.Write8(uint8(len(rawID)))
	w.Write(rawID)
	w.Write8(uint8(len(tag)))
	w.Write([]byte(tag))
	if err := d.mux.send(d.addr, w.Bytes()); err != nil {
		debuglog.Debugf("handshake 30 to %s: %v", d.addr, err)
	}
}

// MarshalHandshake70 builds a server P2P response frame. The library itself
// never originates one; tests and local rendezvous harnesses do.
func MarshalHandshake70(tag string, cookie, farKey []byte) []byte {
	w := rtmfp.NewWriter(2 + len(tag) + 1 + len(cookie) + len(farKey))
	w.Write8(rtmfp.HandshakeP2PResponse)
	w.Write8(uint8(len(tag)))
	w.Write([]byte(tag))
	w.Write8(uint8(len(cookie)))
	w.Write(cookie)
	w.Write(farKey)
	return w.Bytes()
}

// MarshalHandshake71 builds a server address-list frame.
func MarshalHandshake71(tag string, addresses rtmfp.AddressList, host netip.AddrPort) []byte {
	w := rtmfp.NewWriter(2 + len(tag) + 19*(len(addresses)+1))
	w.Write8(rtmfp.HandshakeP2PAddresses)
	w.Write8(uint8(len(tag)))
	w.Write([]byte(tag))
	if host.IsValid() {
		rtmfp.WriteAddress(w, host, rtmfp.AddressRedirection)
	}
	for addr, typ := range addresses {
		rtmfp.WriteAddress(w, addr, typ)
	}
	return w.Bytes()
}
