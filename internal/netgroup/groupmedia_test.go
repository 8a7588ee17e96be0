package netgroup

import (
	"sync/atomic"
	"testing"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
	"github.com/Gamezpedia/librtmfp/internal/session"
)

func newTestMedia(t *testing.T, publisher bool) *GroupMedia {
	t.Helper()
	key, err := rtmfp.RandomStreamKey()
	if err != nil {
		t.Fatalf("stream key: %v", err)
	}
	params := DefaultGroupConfig()
	params.IsPublisher = publisher
	return newGroupMedia(1, "livestream", key, params, metrics.New())
}

func attach(t *testing.T, gm *GroupMedia, id rtmfp.PeerID) *session.PeerMedia {
	t.Helper()
	s := newPeerSession(id)
	pm := s.GetPeerMedia(gm.StreamKey())
	gm.AddPeer(id, pm)
	return pm
}

func TestGroupMediaAddPeerIdempotent(t *testing.T) {
	gm := newTestMedia(t, false)
	s := newPeerSession(pid(1))
	pm := s.GetPeerMedia(gm.StreamKey())
	gm.AddPeer(pid(1), pm)
	gm.AddPeer(pid(1), pm)
	if gm.SubscriberCount() != 1 {
		t.Fatalf("subscriber count %d", gm.SubscriberCount())
	}
}

func TestGroupMediaFragmentDedup(t *testing.T) {
	gm := newTestMedia(t, false)
	pm := attach(t, gm, pid(1))

	var delivered atomic.Int32
	gm.Subscribe(func(uint32, []byte, float64, bool) { delivered.Add(1) })

	f := session.Fragment{ID: 5, Time: 100, Data: []byte("payload")}
	gm.handleFragment(pm, f)
	gm.handleFragment(pm, f)

	if delivered.Load() != 1 {
		t.Fatalf("delivered %d times, want 1", delivered.Load())
	}
	if !gm.HasFragments() {
		t.Fatalf("fragment not stored")
	}
}

func TestGroupMediaWindowPrune(t *testing.T) {
	gm := newTestMedia(t, false)
	gm.params.WindowDuration = time.Millisecond
	pm := attach(t, gm, pid(1))

	gm.handleFragment(pm, session.Fragment{ID: 1, Data: []byte("x")})
	if !gm.HasFragments() {
		t.Fatalf("fragment not stored")
	}
	gm.Manage(time.Now().Add(time.Second))
	if gm.HasFragments() {
		t.Fatalf("window not pruned")
	}
}

func TestGroupMediaAvailabilityTracksMissing(t *testing.T) {
	gm := newTestMedia(t, false)
	pm := attach(t, gm, pid(1))

	gm.handleFragment(pm, session.Fragment{ID: 2, Data: []byte("x")})
	gm.handleFragmentsMap(pm, []uint64{2, 3, 4})

	gm.mu.Lock()
	_, has2 := gm.availability[2]
	_, has3 := gm.availability[3]
	_, has4 := gm.availability[4]
	maxID := gm.maxID
	gm.mu.Unlock()

	if has2 {
		t.Fatalf("fragment already held must not be marked missing")
	}
	if !has3 || !has4 {
		t.Fatalf("advertised fragments not tracked")
	}
	if maxID != 4 {
		t.Fatalf("max id %d", maxID)
	}
}

func TestGroupMediaRemovePeerDropsAvailability(t *testing.T) {
	gm := newTestMedia(t, false)
	pm := attach(t, gm, pid(1))
	gm.handleFragmentsMap(pm, []uint64{9})

	gm.RemovePeer(pid(1))
	if gm.SubscriberCount() != 0 {
		t.Fatalf("peer not removed")
	}
	gm.mu.Lock()
	_, stale := gm.availability[9]
	gm.mu.Unlock()
	if stale {
		t.Fatalf("availability kept for removed peer")
	}
}

func TestGroupMediaPeerMediaCloseDetaches(t *testing.T) {
	gm := newTestMedia(t, false)
	pm := attach(t, gm, pid(1))
	pm.Close(false)
	if gm.SubscriberCount() != 0 {
		t.Fatalf("closing the peer media must detach it from the group media")
	}
}

func TestGroupMediaPublisherPush(t *testing.T) {
	gm := newTestMedia(t, true)
	attach(t, gm, pid(1))

	gm.PushLocalMedia(10, []byte("frame-a"), false)
	gm.PushLocalMedia(20, []byte("frame-b"), true)

	gm.mu.Lock()
	count := len(gm.fragments)
	maxID := gm.maxID
	gm.mu.Unlock()
	if count != 2 || maxID != 2 {
		t.Fatalf("publisher window count=%d max=%d", count, maxID)
	}
}

func TestGroupMediaRelayTargetsHonorPushMask(t *testing.T) {
	gm := newTestMedia(t, false)
	source := attach(t, gm, pid(1))
	attach(t, gm, pid(2)) // push-in mode defaults to 0: no unasked relay

	gm.mu.Lock()
	targets := gm.relayTargetsLocked(session.Fragment{ID: 3}, source.PeerID())
	gm.mu.Unlock()
	if len(targets) != 0 {
		t.Fatalf("mask 0 must suppress relay, got %d targets", len(targets))
	}

	gm.params.AvailabilitySendToAll = true
	gm.mu.Lock()
	targets = gm.relayTargetsLocked(session.Fragment{ID: 3}, source.PeerID())
	gm.mu.Unlock()
	if len(targets) != 1 {
		t.Fatalf("send-to-all must relay to the other peer, got %d", len(targets))
	}
}
