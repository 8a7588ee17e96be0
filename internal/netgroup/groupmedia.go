package netgroup

import (
	"encoding/hex"
	"sort"
	"sync"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
	"github.com/Gamezpedia/librtmfp/internal/session"
)

// availabilityBatch caps how many fragment ids one map message advertises.
const availabilityBatch = 256

// fetchBatch caps how many pulls one fetch pass issues.
const fetchBatch = 32

// PacketFunc receives reassembled media packets headed for the application.
type PacketFunc func(tm uint32, data []byte, lostRate float64, audio bool)

type fragmentEntry struct {
	f       session.Fragment
	arrived time.Time
}

// GroupMedia is the per-stream-key fan-out: it tracks the fragment window,
// the subscribed peer attachments, the availability gossip and the active
// fetch of missing fragments. Exactly one GroupMedia per stream key is the
// local publisher iff this node published that key.
type GroupMedia struct {
	id        uint64
	stream    string
	streamKey string
	params    *GroupConfig
	metrics   *metrics.Metrics

	mu               sync.Mutex
	fragments        map[uint64]fragmentEntry
	maxID            uint64
	availability     map[uint64]*session.PeerMedia
	peers            map[rtmfp.PeerID]*session.PeerMedia
	lastAvailability time.Time
	lastFetch        time.Time
	nextFragmentID   uint64
	onPacket         PacketFunc
}

func newGroupMedia(id uint64, stream, streamKey string, params *GroupConfig, m *metrics.Metrics) *GroupMedia {
	debuglog.Debugf("creation of GroupMedia %d for the stream %s: %s",
		id, stream, hex.EncodeToString([]byte(streamKey)))
	return &GroupMedia{
		id:           id,
		stream:       stream,
		streamKey:    streamKey,
		params:       params,
		metrics:      m,
		fragments:    make(map[uint64]fragmentEntry),
		availability: make(map[uint64]*session.PeerMedia),
		peers:        make(map[rtmfp.PeerID]*session.PeerMedia),
	}
}

func (gm *GroupMedia) ID() uint64 { return gm.id }

func (gm *GroupMedia) StreamKey() string { return gm.streamKey }

func (gm *GroupMedia) IsPublisher() bool { return gm.params.IsPublisher }

// Subscribe installs the application-facing packet callback.
func (gm *GroupMedia) Subscribe(fn PacketFunc) {
	gm.mu.Lock()
	gm.onPacket = fn
	gm.mu.Unlock()
}

// HasFragments reports whether the window holds anything to offer.
func (gm *GroupMedia) HasFragments() bool {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return len(gm.fragments) > 0
}

// SubscriberCount reports the attached peer medias.
func (gm *GroupMedia) SubscriberCount() int {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	return len(gm.peers)
}

// AddPeer attaches a peer media and wires its inbound callbacks. Adding the
// same peer twice keeps the first attachment.
func (gm *GroupMedia) AddPeer(id rtmfp.PeerID, pm *session.PeerMedia) {
	gm.mu.Lock()
	if _, ok := gm.peers[id]; ok {
		gm.mu.Unlock()
		return
	}
	gm.peers[id] = pm
	sendToAll := gm.params.AvailabilitySendToAll
	gm.mu.Unlock()

	pm.OnFragment = gm.handleFragment
	pm.OnFragmentsMap = gm.handleFragmentsMap
	pm.OnPlayPull = gm.handlePlayPull
	pm.OnClose = func(closed *session.PeerMedia) {
		gm.RemovePeer(closed.PeerID())
	}
	if sendToAll {
		_ = pm.SendPush(0xFF)
	}
	gm.metrics.IncMediaSubscribed()
}

func (gm *GroupMedia) RemovePeer(id rtmfp.PeerID) {
	gm.mu.Lock()
	delete(gm.peers, id)
	for fid, pm := range gm.availability {
		if pm != nil && pm.PeerID() == id {
			delete(gm.availability, fid)
		}
	}
	gm.mu.Unlock()
}

// SendGroupMedia announces this stream to one peer attachment: stream name,
// key and the parameter TLV block.
func (gm *GroupMedia) SendGroupMedia(pm *session.PeerMedia) {
	w := rtmfp.NewWriter(32)
	WriteGroupConfig(w, gm.params)
	if err := pm.SendGroupMedia(gm.stream, gm.streamKey, w.Bytes()); err != nil {
		debuglog.Debugf("group media %d: subscription to %s failed: %v", gm.id, pm.PeerID(), err)
	}
}

// CallFunction broadcasts an RPC to every subscriber.
func (gm *GroupMedia) CallFunction(name string, args []string) {
	for _, pm := range gm.subscribers() {
		_ = pm.SendCall(name, args)
	}
}

func (gm *GroupMedia) subscribers() []*session.PeerMedia {
	gm.mu.Lock()
	defer gm.mu.Unlock()
	out := make([]*session.PeerMedia, 0, len(gm.peers))
	for _, pm := range gm.peers {
		out = append(out, pm)
	}
	return out
}

// PushLocalMedia feeds one packet from the local publisher source into the
// window and out to the subscribers.
func (gm *GroupMedia) PushLocalMedia(tm uint32, data []byte, audio bool) {
	gm.mu.Lock()
	gm.nextFragmentID++
	f := session.Fragment{
		ID:    gm.nextFragmentID,
		Time:  tm,
		Audio: audio,
		Data:  append([]byte(nil), data...),
	}
	gm.fragments[f.ID] = fragmentEntry{f: f, arrived: time.Now()}
	if f.ID > gm.maxID {
		gm.maxID = f.ID
	}
	targets := gm.relayTargetsLocked(f, rtmfp.PeerID{})
	gm.mu.Unlock()
	for _, pm := range targets {
		_ = pm.SendFragment(f)
	}
}

// handleFragment stores one inbound fragment, hands it to the application
// and relays it onward. Duplicates are dropped.
func (gm *GroupMedia) handleFragment(from *session.PeerMedia, f session.Fragment) {
	gm.mu.Lock()
	if _, ok := gm.fragments[f.ID]; ok {
		gm.mu.Unlock()
		gm.metrics.IncFragmentsDropped()
		return
	}
	gm.fragments[f.ID] = fragmentEntry{f: f, arrived: time.Now()}
	if f.ID > gm.maxID {
		gm.maxID = f.ID
	}
	delete(gm.availability, f.ID)
	onPacket := gm.onPacket
	targets := gm.relayTargetsLocked(f, from.PeerID())
	gm.mu.Unlock()

	gm.metrics.IncFragmentsPushed()
	if onPacket != nil {
		onPacket(f.Time, f.Data, 0, f.Audio)
	}
	for _, pm := range targets {
		_ = pm.SendFragment(f)
	}
}

// relayTargetsLocked picks the subscribers a fragment is pushed to: everyone
// in send-to-all mode, otherwise those whose granted push mask covers the
// fragment id.
func (gm *GroupMedia) relayTargetsLocked(f session.Fragment, exclude rtmfp.PeerID) []*session.PeerMedia {
	out := make([]*session.PeerMedia, 0, len(gm.peers))
	for id, pm := range gm.peers {
		if id == exclude {
			continue
		}
		if gm.params.AvailabilitySendToAll || pm.PushInMode()&(1<<(f.ID%8)) != 0 {
			out = append(out, pm)
		}
	}
	return out
}

// handleFragmentsMap records which peer can serve fragments we miss.
func (gm *GroupMedia) handleFragmentsMap(from *session.PeerMedia, ids []uint64) {
	gm.mu.Lock()
	for _, id := range ids {
		if _, ok := gm.fragments[id]; !ok {
			gm.availability[id] = from
		}
		if id > gm.maxID {
			gm.maxID = id
		}
	}
	gm.mu.Unlock()
}

// handlePlayPull answers a fetch request from the window.
func (gm *GroupMedia) handlePlayPull(from *session.PeerMedia, id uint64) {
	gm.mu.Lock()
	ent, ok := gm.fragments[id]
	gm.mu.Unlock()
	if ok {
		_ = from.SendFragment(ent.f)
	}
}

// Manage prunes the window, gossips availability and fetches missing
// fragments. Driven by the controller tick.
func (gm *GroupMedia) Manage(now time.Time) {
	gm.mu.Lock()
	// Window pruning.
	if gm.params.WindowDuration > 0 {
		cutoff := now.Add(-gm.params.WindowDuration)
		for id, ent := range gm.fragments {
			if ent.arrived.Before(cutoff) {
				delete(gm.fragments, id)
			}
		}
	}

	// Availability gossip.
	var mapTargets []*session.PeerMedia
	var ids []uint64
	if !gm.params.AvailabilitySendToAll && len(gm.fragments) > 0 &&
		now.Sub(gm.lastAvailability) >= gm.params.AvailabilityUpdatePeriod {
		gm.lastAvailability = now
		ids = make([]uint64, 0, len(gm.fragments))
		for id := range gm.fragments {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
		if len(ids) > availabilityBatch {
			ids = ids[len(ids)-availabilityBatch:]
		}
		for _, pm := range gm.peers {
			mapTargets = append(mapTargets, pm)
		}
	}

	// Active fetch of advertised fragments we still miss.
	type pull struct {
		pm *session.PeerMedia
		id uint64
	}
	var pulls []pull
	if now.Sub(gm.lastFetch) >= gm.params.FetchPeriod {
		gm.lastFetch = now
		for id, pm := range gm.availability {
			if _, ok := gm.fragments[id]; ok {
				delete(gm.availability, id)
				continue
			}
			pulls = append(pulls, pull{pm: pm, id: id})
			if len(pulls) >= fetchBatch {
				break
			}
		}
	}
	gm.mu.Unlock()

	for _, pm := range mapTargets {
		_ = pm.SendFragmentsMap(ids)
	}
	for _, p := range pulls {
		_ = p.pm.SendPull(p.id)
	}
}

// Close detaches every subscriber.
func (gm *GroupMedia) Close(abrupt bool) {
	for _, pm := range gm.subscribers() {
		pm.OnFragment = nil
		pm.OnFragmentsMap = nil
		pm.OnPlayPull = nil
		pm.OnClose = nil
		pm.Close(abrupt)
	}
	gm.mu.Lock()
	gm.peers = make(map[rtmfp.PeerID]*session.PeerMedia)
	gm.availability = make(map[uint64]*session.PeerMedia)
	gm.onPacket = nil
	gm.mu.Unlock()
}
