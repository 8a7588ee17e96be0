package netgroup

import (
	"net/netip"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// writeGroupReport builds the report body for one recipient: the recipient's
// own address as we observe it, our rendezvous server, then one entry per
// heard node of the recipient's best list. The 0A type byte is added by the
// flow framing.
func writeGroupReport(peerAddr, serverAddr netip.AddrPort, entries []*GroupNode, now time.Time) []byte {
	sizeTotal := rtmfp.AddressSize(peerAddr) + rtmfp.AddressSize(serverAddr) + 11
	for _, node := range entries {
		elapsed := elapsedSeconds(node, now)
		sizeTotal += node.addressesSize() + rtmfp.RawIDSize + 3 + rtmfp.Get7BitValueSize(elapsed)
	}
	w := rtmfp.NewWriter(sizeTotal)

	w.Write8(uint8(1 + rtmfp.AddressSize(peerAddr)))
	w.Write8(rtmfp.ReportMarkerMyAddress)
	rtmfp.WriteAddress(w, peerAddr, rtmfp.AddressPublic)
	w.Write8(uint8(1 + rtmfp.AddressSize(serverAddr)))
	w.Write8(rtmfp.ReportMarkerHostAddress)
	rtmfp.WriteAddress(w, serverAddr, rtmfp.AddressRedirection)
	w.Write8(0)

	for _, node := range entries {
		elapsed := elapsedSeconds(node, now)
		debuglog.Tracef("group report entry: peer elapsed %ds", elapsed)
		w.Write8(rtmfp.ReportMarkerPeerEntry)
		w.Write(node.RawID)
		w.Write7BitLongValue(elapsed)
		w.Write8(uint8(node.addressesSize()))
		w.Write8(rtmfp.ReportMarkerHostAddress)
		rtmfp.WriteAddress(w, node.HostAddress, rtmfp.AddressRedirection)
		for addr, typ := range node.Addresses {
			if typ != rtmfp.AddressLocal {
				rtmfp.WriteAddress(w, addr, typ)
			}
		}
		w.Write8(0)
	}
	return w.Bytes()
}

func elapsedSeconds(node *GroupNode, now time.Time) uint64 {
	if node.LastGroupReport.IsZero() || now.Before(node.LastGroupReport) {
		return 0
	}
	return uint64(now.Sub(node.LastGroupReport) / time.Second)
}

// heardListSink is where parsed report entries land; satisfied by the
// controller.
type heardListSink interface {
	// knownPeer reports whether the peer already sits in the heard list.
	knownPeer(id rtmfp.PeerID) bool
	// addHeardPeer inserts a freshly gossiped peer.
	addHeardPeer(id rtmfp.PeerID, rawID []byte, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration)
}

// readGroupReport parses a report body. A marker mismatch in the header
// aborts the whole message; a mismatch inside the entry loop keeps what was
// parsed so far. Returns true iff at least one new peer entered the heard
// list.
func readGroupReport(body []byte, ownPeerID rtmfp.PeerID, serverAddr netip.AddrPort, sink heardListSink) bool {
	r := rtmfp.NewReader(body)

	size := r.Read8()
	for size == 1 && r.Err() == nil {
		r.Next(1)
		size = r.Read8()
	}
	marker := r.Read8()
	if r.Err() != nil {
		return false
	}
	if marker != rtmfp.ReportMarkerMyAddress {
		debuglog.Logf("group report: unexpected marker %#.2x, expected 0d", marker)
		return false
	}
	myAddress, _ := rtmfp.ReadAddress(r)
	debuglog.Tracef("group report: my address %s", myAddress)

	size = r.Read8()
	marker = r.Read8()
	if r.Err() != nil {
		return false
	}
	if marker != rtmfp.ReportMarkerHostAddress {
		debuglog.Logf("group report: unexpected marker %#.2x, expected 0a", marker)
		return false
	}
	senderBlock := r.ReadBytes(int(size) - 1)
	if r.Err() != nil {
		return false
	}
	senderAddresses := make(rtmfp.AddressList)
	senderHost := serverAddr
	rtmfp.ReadAddresses(rtmfp.NewReader(senderBlock), senderAddresses, &senderHost)

	newPeers := false
	var newPeerID rtmfp.PeerID
	var rawID []byte
	havePeerID := false
	for r.Available() > 4 {
		if marker = r.Read8(); marker != 0 {
			debuglog.Logf("group report: unexpected marker %#.2x, expected 00", marker)
			break
		}
		size = r.Read8()
		if size == rtmfp.ReportMarkerPeerEntry {
			raw := r.ReadBytes(int(size))
			if r.Err() != nil {
				break
			}
			id, err := rtmfp.PeerIDFromRaw(raw)
			if err != nil {
				debuglog.Logf("group report: unexpected parameter, expected peer id: %v", err)
				break
			}
			newPeerID = id
			rawID = append(rawID[:0], raw...)
			havePeerID = true
			debuglog.Tracef("group report: peer id %s", newPeerID)
		} else if size > 7 {
			// No peer id in this entry: skip its address payload.
			r.Next(int(size))
		} else {
			debuglog.Tracef("group report: empty parameter")
		}

		elapsed := r.Read7BitLongValue()
		size = r.Read8()
		if r.Err() != nil {
			break
		}

		if size >= 8 && havePeerID && newPeerID != ownPeerID && !sink.knownPeer(newPeerID) &&
			r.Available() >= int(size) && r.Current()[0] == rtmfp.ReportMarkerHostAddress {
			block := rtmfp.NewReader(r.Current()[1:int(size)])
			host := serverAddr
			addresses := make(rtmfp.AddressList)
			if rtmfp.ReadAddresses(block, addresses, &host) {
				newPeers = true
				sink.addHeardPeer(newPeerID, rawID, addresses, host, time.Duration(elapsed)*time.Second)
			}
		}
		r.Next(int(size))
	}

	return newPeers
}
