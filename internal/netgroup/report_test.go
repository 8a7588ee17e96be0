package netgroup

import (
	"net/netip"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

type fakeSink struct {
	known map[rtmfp.PeerID]bool
	added []addedPeer
}

type addedPeer struct {
	id        rtmfp.PeerID
	rawID     []byte
	addresses rtmfp.AddressList
	host      netip.AddrPort
	elapsed   time.Duration
}

func newFakeSink() *fakeSink {
	return &fakeSink{known: make(map[rtmfp.PeerID]bool)}
}

func (s *fakeSink) knownPeer(id rtmfp.PeerID) bool { return s.known[id] }

func (s *fakeSink) addHeardPeer(id rtmfp.PeerID, rawID []byte, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration) {
	s.known[id] = true
	s.added = append(s.added, addedPeer{
		id:        id,
		rawID:     append([]byte(nil), rawID...),
		addresses: addresses.Clone(),
		host:      host,
		elapsed:   elapsed,
	})
}

func heardNode(id rtmfp.PeerID, host netip.AddrPort, addrs rtmfp.AddressList, lastHeard time.Time) *GroupNode {
	return &GroupNode{
		RawID:           id.Raw(),
		GroupAddress:    rtmfp.GroupAddressOf(id.Raw()),
		Addresses:       addrs,
		HostAddress:     host,
		LastGroupReport: lastHeard,
	}
}

// A report written for a recipient must parse back on the receiving side
// with the same peer, a 12-second elapsed value for a 12.5s-old entry, and
// the advertised host address.
func TestGroupReportRoundTrip(t *testing.T) {
	now := time.Now()
	peerAddr := netip.MustParseAddrPort("192.0.2.5:1935")
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	entryID := pid(42)
	entryAddr := netip.MustParseAddrPort("203.0.113.9:1935")
	node := heardNode(entryID, server, rtmfp.AddressList{entryAddr: rtmfp.AddressPublic},
		now.Add(-12500*time.Millisecond))

	body := writeGroupReport(peerAddr, server, []*GroupNode{node}, now)

	var own rtmfp.PeerID
	own[31] = 0xEE
	sink := newFakeSink()
	newPeers := readGroupReport(body, own, server, sink)
	require.True(t, newPeers)
	require.Len(t, sink.added, 1)

	got := sink.added[0]
	require.Equal(t, entryID, got.id)
	require.Equal(t, entryID.Raw(), got.rawID)
	require.Equal(t, 12*time.Second, got.elapsed)
	require.Equal(t, server, got.host)
	require.Equal(t, rtmfp.AddressPublic, got.addresses[entryAddr])
}

// Re-parsing the same report must not duplicate the peer.
func TestGroupReportIdempotent(t *testing.T) {
	now := time.Now()
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	node := heardNode(pid(7), server, rtmfp.AddressList{}, now)
	body := writeGroupReport(netip.MustParseAddrPort("192.0.2.5:1935"), server, []*GroupNode{node}, now)

	sink := newFakeSink()
	require.True(t, readGroupReport(body, pid(99), server, sink))
	require.False(t, readGroupReport(body, pid(99), server, sink))
	require.Len(t, sink.added, 1)
}

// Two reports with disjoint peer sets grow the heard list monotonically.
func TestGroupReportGossipMonotone(t *testing.T) {
	now := time.Now()
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	recipient := netip.MustParseAddrPort("192.0.2.5:1935")

	first := writeGroupReport(recipient, server,
		[]*GroupNode{heardNode(pid(1), server, rtmfp.AddressList{}, now), heardNode(pid(2), server, rtmfp.AddressList{}, now)}, now)
	second := writeGroupReport(recipient, server,
		[]*GroupNode{heardNode(pid(3), server, rtmfp.AddressList{}, now), heardNode(pid(4), server, rtmfp.AddressList{}, now)}, now)

	sink := newFakeSink()
	require.True(t, readGroupReport(first, pid(99), server, sink))
	require.Len(t, sink.added, 2)
	require.True(t, readGroupReport(second, pid(99), server, sink))
	require.Len(t, sink.added, 4)
	for i, want := range []rtmfp.PeerID{pid(1), pid(2), pid(3), pid(4)} {
		require.Equal(t, want, sink.added[i].id)
	}
}

// Entries naming ourselves must not enter the heard list.
func TestGroupReportSkipsOwnID(t *testing.T) {
	now := time.Now()
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	own := pid(5)
	body := writeGroupReport(netip.MustParseAddrPort("192.0.2.5:1935"), server,
		[]*GroupNode{heardNode(own, server, rtmfp.AddressList{}, now)}, now)

	sink := newFakeSink()
	require.False(t, readGroupReport(body, own, server, sink))
	require.Empty(t, sink.added)
}

// A header marker mismatch aborts the whole message.
func TestGroupReportBadMarkerAborts(t *testing.T) {
	now := time.Now()
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	body := writeGroupReport(netip.MustParseAddrPort("192.0.2.5:1935"), server,
		[]*GroupNode{heardNode(pid(8), server, rtmfp.AddressList{}, now)}, now)

	corrupted := append([]byte(nil), body...)
	corrupted[1] = 0x0B // own-address marker must be 0D
	sink := newFakeSink()
	require.False(t, readGroupReport(corrupted, pid(99), server, sink))
	require.Empty(t, sink.added)
}

func TestGroupReportShortBody(t *testing.T) {
	sink := newFakeSink()
	require.False(t, readGroupReport([]byte{0x07}, pid(1), netip.MustParseAddrPort("198.51.100.1:1935"), sink))
	require.Empty(t, sink.added)
}

// Local addresses never travel in reports.
func TestGroupReportOmitsLocalAddresses(t *testing.T) {
	now := time.Now()
	server := netip.MustParseAddrPort("198.51.100.1:1935")
	public := netip.MustParseAddrPort("203.0.113.9:1935")
	local := netip.MustParseAddrPort("10.0.0.9:1935")
	node := heardNode(pid(3), server,
		rtmfp.AddressList{public: rtmfp.AddressPublic, local: rtmfp.AddressLocal}, now)

	body := writeGroupReport(netip.MustParseAddrPort("192.0.2.5:1935"), server, []*GroupNode{node}, now)
	sink := newFakeSink()
	require.True(t, readGroupReport(body, pid(99), server, sink))
	require.Len(t, sink.added, 1)
	got := sink.added[0].addresses
	require.Contains(t, got, public)
	require.NotContains(t, got, local)
}
