package netgroup

import (
	"net/netip"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// GroupNode is one heard-list entry: everything gossip told us about a peer
// we may never have connected to.
type GroupNode struct {
	RawID        []byte
	GroupAddress string
	Addresses    rtmfp.AddressList
	HostAddress  netip.AddrPort
	// LastGroupReport is when we last heard this peer through any report.
	LastGroupReport time.Time
}

func newGroupNode(rawID []byte, groupAddress string, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration) *GroupNode {
	return &GroupNode{
		RawID:           append([]byte(nil), rawID...),
		GroupAddress:    groupAddress,
		Addresses:       addresses.Clone(),
		HostAddress:     host,
		LastGroupReport: time.Now().Add(-elapsed),
	}
}

// addressesSize is the encoded size of the node's address block in a group
// report: the 0A marker, the host address and every non-local address.
func (n *GroupNode) addressesSize() int {
	size := 1 + rtmfp.AddressSize(n.HostAddress)
	for addr, typ := range n.Addresses {
		if typ != rtmfp.AddressLocal {
			size += rtmfp.AddressSize(addr)
		}
	}
	return size
}
