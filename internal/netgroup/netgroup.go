// Package netgroup implements the NetGroup overlay engine: the heard list
// and its distance-ring mirror, best-list neighbor selection, group-report
// gossip and the per-stream-key media fan-out, wired onto peer sessions.
package netgroup

import (
	"math/rand"
	"net/netip"
	"sync"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/event"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
	"github.com/Gamezpedia/librtmfp/internal/session"
)

// Default manage cadences, overridable per group.
const (
	DefaultBestListDelay = 2 * time.Second
	DefaultReportDelay   = 10 * time.Second
	DefaultPeerTimeout   = 90 * time.Second
)

// Transport is the outer RTMFP session the controller drives: it owns the
// rendezvous connection, peer dialing and the application media path.
type Transport interface {
	PeerID() rtmfp.PeerID
	ServerAddress() netip.AddrPort
	// Connect2Peer starts a p2p introduction toward a heard peer.
	Connect2Peer(id rtmfp.PeerID, streamName string, addresses rtmfp.AddressList, host netip.AddrPort)
	// PushMedia delivers one reassembled packet to the application.
	PushMedia(stream string, tm uint32, data []byte, lostRate float64, audio bool)
	// StartListening attaches to the local publish source.
	StartListening(stream, idTxt string) (GroupListener, error)
	StopListening(idTxt string)
	// SignalPublishReady unblocks a caller waiting on publish.
	SignalPublishReady()
}

// GroupListener pipes the local publish source into the publisher
// GroupMedia.
type GroupListener interface {
	SubscribeMedia(fn func(tm uint32, data []byte, audio bool))
	UnsubscribeMedia()
}

// Config identifies and tunes one NetGroup.
type Config struct {
	// IDHex is the group id in hex; IDTxt the G: form passed by the
	// application.
	IDHex  string
	IDTxt  string
	Stream string

	BestListDelay time.Duration
	ReportDelay   time.Duration
	PeerTimeout   time.Duration

	// Parameters seed every GroupMedia of the group; IsPublisher makes
	// this node the publisher of Stream.
	Parameters *GroupConfig

	Metrics *metrics.Metrics
	// Rand drives the random best-list slot and the report peer pick;
	// tests inject a seeded source.
	Rand *rand.Rand
}

func (c *Config) normalize() {
	if c.BestListDelay <= 0 {
		c.BestListDelay = DefaultBestListDelay
	}
	if c.ReportDelay <= 0 {
		c.ReportDelay = DefaultReportDelay
	}
	if c.PeerTimeout <= 0 {
		c.PeerTimeout = DefaultPeerTimeout
	}
	if c.Parameters == nil {
		c.Parameters = DefaultGroupConfig()
	}
	if c.Metrics == nil {
		c.Metrics = metrics.New()
	}
	if c.Rand == nil {
		c.Rand = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
}

type peerSubs struct {
	report   event.Handle
	newMedia event.Handle
	begin    event.Handle
	close    event.Handle
	askClose event.Handle
}

// NetGroup wires the heard list, ring, best list and group medias together.
// One mutex guards all of it; event handlers run on the socket dispatch
// goroutine and Manage on the timer goroutine.
type NetGroup struct {
	cfg       Config
	transport Transport
	metrics   *metrics.Metrics

	myGroupAddress string

	mu           sync.Mutex
	heard        map[rtmfp.PeerID]*GroupNode
	ring         *Ring
	peers        map[rtmfp.PeerID]*session.Session
	subs         map[rtmfp.PeerID]peerSubs
	best         map[rtmfp.PeerID]struct{}
	medias       map[string]*GroupMedia
	publisherKey string
	listener     GroupListener
	lastReport   time.Time
	lastBestCalc time.Time
	mediaCounter uint64
	closed       bool
}

// New builds the controller. A publisher configuration synthesizes the
// stream key and its GroupMedia immediately; the listener waits for the
// first viewer.
func New(cfg Config, transport Transport) (*NetGroup, error) {
	cfg.normalize()
	g := &NetGroup{
		cfg:            cfg,
		transport:      transport,
		metrics:        cfg.Metrics,
		myGroupAddress: rtmfp.GroupAddressOf(transport.PeerID().Raw()),
		heard:          make(map[rtmfp.PeerID]*GroupNode),
		ring:           NewRing(),
		peers:          make(map[rtmfp.PeerID]*session.Session),
		subs:           make(map[rtmfp.PeerID]peerSubs),
		best:           make(map[rtmfp.PeerID]struct{}),
		medias:         make(map[string]*GroupMedia),
		lastReport:     time.Now(),
		lastBestCalc:   time.Now(),
	}
	if cfg.Parameters.IsPublisher {
		key, err := rtmfp.RandomStreamKey()
		if err != nil {
			return nil, err
		}
		g.publisherKey = key
		g.mediaCounter++
		gm := newGroupMedia(g.mediaCounter, cfg.Stream, key, cfg.Parameters.clone(), g.metrics)
		gm.Subscribe(g.onGroupPacket)
		g.medias[key] = gm
	}
	return g, nil
}

func (g *NetGroup) IDHex() string { return g.cfg.IDHex }

func (g *NetGroup) IDTxt() string { return g.cfg.IDTxt }

func (g *NetGroup) Stream() string { return g.cfg.Stream }

func (g *NetGroup) MyGroupAddress() string { return g.myGroupAddress }

// AddPeerToHeardList inserts a peer made known by gossip or direct connect.
// Re-adding a known peer is a no-op.
func (g *NetGroup) AddPeerToHeardList(id rtmfp.PeerID, rawID []byte, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.addHeardPeerLocked(id, rawID, addresses, host, elapsed)
}

func (g *NetGroup) addHeardPeerLocked(id rtmfp.PeerID, rawID []byte, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration) {
	if _, ok := g.heard[id]; ok {
		debuglog.Debugf("the peer %s is already known", id)
		return
	}
	groupAddress := rtmfp.GroupAddressOf(rawID)
	g.ring.Insert(groupAddress, id)
	g.heard[id] = newGroupNode(rawID, groupAddress, addresses, host, elapsed)
	g.metrics.AddPeersHeard(1)
	debuglog.Debugf("peer %s added to heard list", id)
}

// knownPeer and addHeardPeer satisfy heardListSink for readGroupReport;
// both run with the controller lock held.
func (g *NetGroup) knownPeer(id rtmfp.PeerID) bool {
	_, ok := g.heard[id]
	return ok
}

func (g *NetGroup) addHeardPeer(id rtmfp.PeerID, rawID []byte, addresses rtmfp.AddressList, host netip.AddrPort, elapsed time.Duration) {
	g.addHeardPeerLocked(id, rawID, addresses, host, elapsed)
}

// AddPeer attaches a connected peer session to the group. The peer must
// already be on the heard list and not attached yet.
func (g *NetGroup) AddPeer(p *session.Session) error {
	id := p.PeerID()
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.heard[id]; !ok {
		debuglog.Logf("unknown peer to add: %s", id)
		return ErrUnknownPeer
	}
	if _, ok := g.peers[id]; ok {
		debuglog.Logf("unable to add the peer %s, it already exists", id)
		return ErrDuplicatePeer
	}
	debuglog.Debugf("adding the peer %s to the group", id)
	g.peers[id] = p

	ev := p.Events()
	g.subs[id] = peerSubs{
		report:   ev.OnPeerGroupReport.Subscribe(g.onPeerGroupReport),
		newMedia: ev.OnNewMedia.Subscribe(g.onNewMedia),
		begin:    ev.OnPeerGroupBegin.Subscribe(g.onPeerGroupBegin),
		close:    ev.OnPeerClose.Subscribe(g.onPeerClose),
		askClose: ev.OnPeerGroupAskClose.Subscribe(g.onPeerGroupAskClose),
	}

	g.best = buildBestList(g.ring, g.myGroupAddress, g.latencyPeersLocked(), g.cfg.Rand)
	return nil
}

// RemovePeer detaches a peer session: its subscriptions are dropped first,
// so no event delivery follows the removal.
func (g *NetGroup) RemovePeer(id rtmfp.PeerID) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.removePeerLocked(id)
}

func (g *NetGroup) removePeerLocked(id rtmfp.PeerID) {
	p, ok := g.peers[id]
	if !ok {
		debuglog.Debugf("the peer %s is already removed from the group", id)
		return
	}
	debuglog.Debugf("deleting peer %s from the group", id)
	ev := p.Events()
	subs := g.subs[id]
	ev.OnPeerGroupReport.Unsubscribe(subs.report)
	ev.OnNewMedia.Unsubscribe(subs.newMedia)
	ev.OnPeerGroupBegin.Unsubscribe(subs.begin)
	ev.OnPeerClose.Unsubscribe(subs.close)
	ev.OnPeerGroupAskClose.Unsubscribe(subs.askClose)
	delete(g.subs, id)
	delete(g.peers, id)
	g.best = buildBestList(g.ring, g.myGroupAddress, g.latencyPeersLocked(), g.cfg.Rand)
}

// HasPeer reports whether the peer session is attached.
func (g *NetGroup) HasPeer(id rtmfp.PeerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	_, ok := g.peers[id]
	return ok
}

// HeardNode returns a copy of the heard entry, for dialing.
func (g *NetGroup) HeardNode(id rtmfp.PeerID) (GroupNode, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	node, ok := g.heard[id]
	if !ok {
		return GroupNode{}, false
	}
	out := *node
	out.Addresses = node.Addresses.Clone()
	return out, true
}

// HeardPeers snapshots the heard-list ids in ring order.
func (g *NetGroup) HeardPeers() []rtmfp.PeerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.ring.Peers()
}

func (g *NetGroup) HeardCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.heard)
}

// BestList snapshots the current target neighbor set.
func (g *NetGroup) BestList() []rtmfp.PeerID {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]rtmfp.PeerID, 0, len(g.best))
	for id := range g.best {
		out = append(out, id)
	}
	return out
}

// EstimatedPeersCount exposes the ring density estimate.
func (g *NetGroup) EstimatedPeersCount() float64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return estimatedPeersCount(g.ring, g.myGroupAddress)
}

func (g *NetGroup) latencyPeersLocked() []latencyPeer {
	out := make([]latencyPeer, 0, len(g.peers))
	for id, p := range g.peers {
		out = append(out, latencyPeer{id: id, latency: int64(p.Latency())})
	}
	return out
}

// Manage is the periodic tick: best-list recomputation, gossip, heard-list
// reaping and the group media timers.
func (g *NetGroup) Manage() {
	now := time.Now()
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}

	if now.Sub(g.lastBestCalc) >= g.cfg.BestListDelay {
		g.updateBestListLocked()
		g.lastBestCalc = now
	}

	if now.Sub(g.lastReport) >= g.cfg.ReportDelay {
		candidates := make([]*session.Session, 0, len(g.peers))
		for _, p := range g.peers {
			if p.Status() == rtmfp.StatusConnected {
				candidates = append(candidates, p)
			}
		}
		if len(candidates) > 0 {
			g.sendGroupReportLocked(candidates[g.cfg.Rand.Intn(len(candidates))], true, now)
		}

		for id, node := range g.heard {
			if _, connected := g.peers[id]; connected {
				continue
			}
			if now.Sub(node.LastGroupReport) > g.cfg.PeerTimeout {
				debuglog.Debugf("peer %s timeout (%s elapsed), deleting from the heard list", id, g.cfg.PeerTimeout)
				g.ring.Remove(node.GroupAddress)
				delete(g.heard, id)
				g.metrics.IncPeersTimedOut()
			}
		}
		g.lastReport = now
	}

	medias := make([]*GroupMedia, 0, len(g.medias))
	for _, gm := range g.medias {
		medias = append(medias, gm)
	}
	g.mu.Unlock()

	for _, gm := range medias {
		gm.Manage(now)
	}
}

// updateBestListLocked rebuilds the target set and drives connections toward
// it.
func (g *NetGroup) updateBestListLocked() {
	next := buildBestList(g.ring, g.myGroupAddress, g.latencyPeersLocked(), g.cfg.Rand)
	if bestListEqual(next, g.best) && len(g.peers) != len(g.best) {
		debuglog.Logf("best peers - connected: %d/%d; target count: %d; group media count: %d",
			len(g.peers), g.ring.Len(), len(g.best), len(g.medias))
	}
	g.best = next
	g.manageBestConnectionsLocked()
}

// manageBestConnectionsLocked asks peers outside the target set to leave and
// dials the target members not yet connected.
func (g *NetGroup) manageBestConnectionsLocked() {
	for id, p := range g.peers {
		if _, ok := g.best[id]; !ok {
			p.AskPeerToDisconnect()
		}
	}
	for id := range g.best {
		if _, ok := g.peers[id]; ok {
			continue
		}
		node, ok := g.heard[id]
		if !ok {
			debuglog.Logf("unable to find the peer %s", id)
			continue
		}
		debuglog.Debugf("best peer - connecting to peer %s...", id)
		g.transport.Connect2Peer(id, g.cfg.Stream, node.Addresses.Clone(), node.HostAddress)
	}
}

// sendGroupReportLocked builds and sends a report tailored to peer: the best
// list is computed around the recipient's own ring position.
func (g *NetGroup) sendGroupReportLocked(p *session.Session, initiator bool, now time.Time) {
	node, ok := g.heard[p.PeerID()]
	if !ok {
		debuglog.Logf("unable to find the peer %s in the heard list", p.PeerID())
		return
	}
	bestForPeer := buildBestList(g.ring, node.GroupAddress, g.latencyPeersLocked(), g.cfg.Rand)
	entries := make([]*GroupNode, 0, len(bestForPeer))
	for id := range bestForPeer {
		if n, ok := g.heard[id]; ok {
			entries = append(entries, n)
		}
	}
	body := writeGroupReport(p.Address(), g.transport.ServerAddress(), entries, now)
	debuglog.Tracef("sending the group report to %s", p.PeerID())
	p.SetGroupReportInitiator(initiator)
	if err := p.SendGroupReport(body); err != nil {
		debuglog.Debugf("group report to %s: %v", p.PeerID(), err)
		return
	}
	g.metrics.Recent().Add(metrics.ReportHeader{
		PeerID:    p.PeerID().String(),
		Entries:   len(entries),
		Initiator: initiator,
		At:        now,
	})
}

// onPeerGroupReport consumes a report from a peer: refresh its heard entry,
// fold in the gossip, bootstrap the publisher listener on the first viewer,
// answer when the peer initiated, and offer the group medias.
func (g *NetGroup) onPeerGroupReport(evr session.GroupReportEvent) {
	p := evr.Peer
	now := time.Now()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	if node, ok := g.heard[p.PeerID()]; ok {
		node.LastGroupReport = now
	}
	newPeers := readGroupReport(evr.Packet, g.transport.PeerID(), g.transport.ServerAddress(), g)
	if !newPeers {
		g.metrics.IncReportsRejected()
	}
	if newPeers {
		g.updateBestListLocked()
		g.lastBestCalc = now
	}

	// First viewer: start piping the local source into the publisher
	// media.
	startListener := g.publisherKey != "" && g.listener == nil
	g.mu.Unlock()

	if startListener {
		g.startListener()
	}

	g.mu.Lock()
	if !p.GroupReportInitiator() {
		g.sendGroupReportLocked(p, false, now)
		g.lastReport = now
	} else {
		p.SetGroupReportInitiator(false)
	}

	var offers []*GroupMedia
	if evr.SendMediaSubscription {
		_, inBest := g.best[p.PeerID()]
		if len(g.best) == 0 || inBest {
			for _, gm := range g.medias {
				if gm.IsPublisher() || gm.HasFragments() {
					offers = append(offers, gm)
				}
			}
		}
	}
	g.mu.Unlock()

	for _, gm := range offers {
		pm := p.GetPeerMedia(gm.StreamKey())
		gm.SendGroupMedia(pm)
	}
}

func (g *NetGroup) startListener() {
	listener, err := g.transport.StartListening(g.cfg.Stream, g.cfg.IDTxt)
	if err != nil {
		debuglog.Logf("unable to start listening on %s: %v", g.cfg.Stream, err)
		return
	}
	g.mu.Lock()
	if g.listener != nil || g.publisherKey == "" {
		g.mu.Unlock()
		listener.UnsubscribeMedia()
		g.transport.StopListening(g.cfg.IDTxt)
		return
	}
	g.listener = listener
	gm := g.medias[g.publisherKey]
	g.mu.Unlock()

	debuglog.Logf("first viewer play request, starting to play stream %s", g.cfg.Stream)
	listener.SubscribeMedia(gm.PushLocalMedia)
	g.transport.SignalPublishReady()
}

// onNewMedia accepts or rejects a media flow the peer opened toward us.
func (g *NetGroup) onNewMedia(ev session.NewMediaEvent) bool {
	if ev.StreamName != g.cfg.Stream {
		debuglog.Logf("new stream available in the group but not registered: %s", ev.StreamName)
		return false
	}
	params := g.cfg.Parameters.clone()
	params.IsPublisher = false
	ReadGroupConfig(params, rtmfp.NewReader(ev.Params))

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return false
	}
	gm, ok := g.medias[ev.StreamKey]
	if !ok {
		g.mediaCounter++
		gm = newGroupMedia(g.mediaCounter, g.cfg.Stream, ev.StreamKey, params, g.metrics)
		gm.Subscribe(g.onGroupPacket)
		g.medias[ev.StreamKey] = gm
	}
	g.mu.Unlock()

	gm.AddPeer(ev.PeerID, ev.Media)
	return true
}

// onPeerGroupBegin answers the first GroupBegin with our first report.
func (g *NetGroup) onPeerGroupBegin(p *session.Session) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if _, ok := g.heard[p.PeerID()]; !ok || p.GroupFirstReportSent() {
		return
	}
	now := time.Now()
	g.sendGroupReportLocked(p, true, now)
	g.lastReport = now
}

func (g *NetGroup) onGroupPacket(tm uint32, data []byte, lostRate float64, audio bool) {
	g.transport.PushMedia(g.cfg.Stream, tm, data, lostRate, audio)
}

func (g *NetGroup) onPeerClose(id rtmfp.PeerID) {
	g.RemovePeer(id)
}

// onPeerGroupAskClose decides a peer's request that we drop the session:
// accept when we have no best list yet or the asker is not in it.
func (g *NetGroup) onPeerGroupAskClose(id rtmfp.PeerID) bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	if len(g.best) == 0 {
		return true
	}
	_, inBest := g.best[id]
	return !inBest
}

// CallFunction broadcasts an RPC to every group media subscriber. Returns 1
// per the embedding contract.
func (g *NetGroup) CallFunction(name string, args []string) int {
	g.mu.Lock()
	medias := make([]*GroupMedia, 0, len(g.medias))
	for _, gm := range g.medias {
		medias = append(medias, gm)
	}
	g.mu.Unlock()
	for _, gm := range medias {
		gm.CallFunction(name, args)
	}
	return 1
}

// stopListener detaches from the local publish source.
func (g *NetGroup) stopListener() {
	g.mu.Lock()
	listener := g.listener
	g.listener = nil
	g.publisherKey = ""
	g.mu.Unlock()
	if listener != nil {
		listener.UnsubscribeMedia()
		g.transport.StopListening(g.cfg.IDTxt)
	}
}

// Close tears the group down: listener, medias, then every attached peer.
// Heard entries are left behind, they die with the controller.
func (g *NetGroup) Close() {
	g.stopListener()

	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return
	}
	g.closed = true
	medias := make([]*GroupMedia, 0, len(g.medias))
	for _, gm := range g.medias {
		medias = append(medias, gm)
	}
	g.medias = make(map[string]*GroupMedia)
	ids := make([]rtmfp.PeerID, 0, len(g.peers))
	for id := range g.peers {
		ids = append(ids, id)
	}
	for _, id := range ids {
		g.removePeerLocked(id)
	}
	g.mu.Unlock()

	for _, gm := range medias {
		gm.Close(false)
	}
}
