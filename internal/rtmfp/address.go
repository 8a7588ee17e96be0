package rtmfp

import (
	"net/netip"
)

// AddressType tags how an address was learned and how it may be used.
type AddressType uint8

const (
	AddressUnspecified AddressType = 0x00
	AddressPublic      AddressType = 0x01
	AddressLocal       AddressType = 0x02
	AddressRedirection AddressType = 0x03
)

// addressIPv6Flag is OR-ed into the type byte when the host is 16 bytes.
const addressIPv6Flag = 0x80

func (t AddressType) String() string {
	switch t {
	case AddressPublic:
		return "public"
	case AddressLocal:
		return "local"
	case AddressRedirection:
		return "redirection"
	}
	return "unspecified"
}

// AddressList is the multiset of addresses known for one peer, keyed by
// address so re-announcements collapse.
type AddressList map[netip.AddrPort]AddressType

// Clone returns an independent copy.
func (l AddressList) Clone() AddressList {
	out := make(AddressList, len(l))
	for addr, typ := range l {
		out[addr] = typ
	}
	return out
}

// WriteAddress encodes addr as a type byte (IPv6 flag in the high bit, tag
// in the low bits), the raw host bytes and a big-endian port. An invalid
// host encodes as 0.0.0.0 with the given port.
func WriteAddress(w *Writer, addr netip.AddrPort, typ AddressType) {
	if !addr.Addr().IsValid() {
		addr = netip.AddrPortFrom(netip.IPv4Unspecified(), addr.Port())
	}
	host := addr.Addr().Unmap()
	flag := uint8(typ)
	if host.Is6() {
		b16 := host.As16()
		flag |= addressIPv6Flag
		w.Write8(flag)
		w.Write(b16[:])
	} else {
		b4 := host.As4()
		w.Write8(flag)
		w.Write(b4[:])
	}
	w.Write16(addr.Port())
}

// AddressSize returns the encoded size of addr including the type byte.
func AddressSize(addr netip.AddrPort) int {
	if addr.Addr().IsValid() && addr.Addr().Unmap().Is6() {
		return 1 + 16 + 2
	}
	return 1 + 4 + 2
}

// ReadAddress decodes one address. A zero AddrPort with a latched reader
// error signals a short buffer.
func ReadAddress(r *Reader) (netip.AddrPort, AddressType) {
	flag := r.Read8()
	typ := AddressType(flag &^ addressIPv6Flag)
	var host netip.Addr
	if flag&addressIPv6Flag != 0 {
		raw := r.ReadBytes(16)
		if r.Err() != nil {
			return netip.AddrPort{}, typ
		}
		host = netip.AddrFrom16([16]byte(raw))
	} else {
		raw := r.ReadBytes(4)
		if r.Err() != nil {
			return netip.AddrPort{}, typ
		}
		host = netip.AddrFrom4([4]byte(raw))
	}
	port := r.Read16()
	if r.Err() != nil {
		return netip.AddrPort{}, typ
	}
	return netip.AddrPortFrom(host, port), typ
}

// ReadAddresses drains r, collecting tagged addresses. Redirection entries
// replace the host address; the rest land in the list. Returns true if at
// least one valid address was read.
func ReadAddresses(r *Reader, addresses AddressList, host *netip.AddrPort) bool {
	read := false
	for r.Available() > 0 {
		addr, typ := ReadAddress(r)
		if r.Err() != nil || !addr.IsValid() {
			break
		}
		read = true
		if typ == AddressRedirection {
			*host = addr
			continue
		}
		addresses[addr] = typ
	}
	return read
}
