package session

import (
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// Fragment is one chunk of group media, relayed as-is between peers.
type Fragment struct {
	ID    uint64
	Time  uint32
	Audio bool
	Data  []byte
}

// PeerMedia is the per-(peer, stream key) media attachment. It is indexed by
// the owning session under its writer, flow and stream key, and by one
// GroupMedia under the peer id; it lives as long as the shortest holder.
type PeerMedia struct {
	session   *Session
	streamKey string

	writer       *Writer
	reportWriter *Writer
	flowID       uint64

	pushInMode  uint8
	pushOutMode uint8
	closed      bool

	// Set by the owning GroupMedia; called on the dispatch goroutine.
	OnFragment     func(pm *PeerMedia, f Fragment)
	OnFragmentsMap func(pm *PeerMedia, ids []uint64)
	OnPlayPull     func(pm *PeerMedia, id uint64)
	OnPlayPush     func(pm *PeerMedia, mask uint8)
	OnClose        func(pm *PeerMedia)
}

func (pm *PeerMedia) PeerID() rtmfp.PeerID {
	return pm.session.peerID
}

func (pm *PeerMedia) StreamKey() string { return pm.streamKey }

// PushInMode is the fragment mask the peer granted us.
func (pm *PeerMedia) PushInMode() uint8 {
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	return pm.pushInMode
}

// SendGroupMedia announces the stream to the peer: name, key and the
// GroupConfig TLV block.
func (pm *PeerMedia) SendGroupMedia(streamName, streamKey string, params []byte) error {
	w := rtmfp.NewWriter(4 + len(streamName) + len(streamKey) + len(params))
	w.Write8(uint8(len(streamName)))
	w.Write([]byte(streamName))
	w.Write8(uint8(len(streamKey)))
	w.Write([]byte(streamKey))
	w.Write(params)
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	return pm.writer.send(rtmfp.MsgGroupMediaInfos, w.Bytes())
}

// SendFragment relays one media fragment to the peer.
func (pm *PeerMedia) SendFragment(f Fragment) error {
	w := rtmfp.NewWriter(16 + len(f.Data))
	w.Write7BitLongValue(f.ID)
	w.Write32(f.Time)
	flags := uint8(0)
	if f.Audio {
		flags = 1
	}
	w.Write8(flags)
	w.Write(f.Data)
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	return pm.writer.send(rtmfp.MsgGroupFragment, w.Bytes())
}

// SendFragmentsMap gossips the ids currently held in the window.
func (pm *PeerMedia) SendFragmentsMap(ids []uint64) error {
	w := rtmfp.NewWriter(2 + 4*len(ids))
	w.Write7BitLongValue(uint64(len(ids)))
	for _, id := range ids {
		w.Write7BitLongValue(id)
	}
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	return pm.writer.send(rtmfp.MsgGroupFragmentsMap, w.Bytes())
}

// SendPull asks the peer for one missing fragment.
func (pm *PeerMedia) SendPull(id uint64) error {
	w := rtmfp.NewWriter(10)
	w.Write7BitLongValue(id)
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	return pm.writer.send(rtmfp.MsgGroupPlayPull, w.Bytes())
}

// SendPush announces the fragment mask we will push unasked.
func (pm *PeerMedia) SendPush(mask uint8) error {
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	pm.pushOutMode = mask
	return pm.writer.send(rtmfp.MsgGroupPlayPush, []byte{mask})
}

// SendCall broadcasts a function call with string arguments on the media
// flow.
func (pm *PeerMedia) SendCall(name string, args []string) error {
	size := 2 + len(name)
	for _, a := range args {
		size += 3 + len(a)
	}
	w := rtmfp.NewWriter(size)
	w.Write8(uint8(len(name)))
	w.Write([]byte(name))
	w.Write7BitLongValue(uint64(len(args)))
	for _, a := range args {
		w.Write16(uint16(len(a)))
		w.Write([]byte(a))
	}
	pm.session.mu.Lock()
	defer pm.session.mu.Unlock()
	if pm.closed {
		return ErrWriterClosed
	}
	return pm.writer.send(rtmfp.MsgGroupCall, w.Bytes())
}

// Close detaches the media from its session and notifies the GroupMedia
// holder.
func (pm *PeerMedia) Close(abrupt bool) {
	pm.session.mu.Lock()
	if pm.closed {
		pm.session.mu.Unlock()
		return
	}
	pm.closed = true
	pm.writer.closeLocked(abrupt)
	delete(pm.session.mediasByStream, pm.streamKey)
	if pm.writer != nil {
		delete(pm.session.mediasByWriter, pm.writer.id)
	}
	if pm.flowID != 0 {
		delete(pm.session.mediasByFlow, pm.flowID)
	}
	onClose := pm.OnClose
	pm.session.mu.Unlock()
	if onClose != nil {
		onClose(pm)
	}
}

// handleFragment parses an inbound fragment message. Called on the dispatch
// path without the session lock.
func (pm *PeerMedia) handleFragment(payload []byte) {
	r := rtmfp.NewReader(payload)
	id := r.Read7BitLongValue()
	ts := r.Read32()
	flags := r.Read8()
	if r.Err() != nil {
		return
	}
	f := Fragment{ID: id, Time: ts, Audio: flags&1 != 0, Data: append([]byte(nil), r.Current()...)}
	if fn := pm.OnFragment; fn != nil {
		fn(pm, f)
	}
}

func (pm *PeerMedia) handleFragmentsMap(payload []byte) {
	r := rtmfp.NewReader(payload)
	n := r.Read7BitLongValue()
	if r.Err() != nil || n > 1<<16 {
		return
	}
	ids := make([]uint64, 0, n)
	for i := uint64(0); i < n; i++ {
		ids = append(ids, r.Read7BitLongValue())
	}
	if r.Err() != nil {
		return
	}
	if fn := pm.OnFragmentsMap; fn != nil {
		fn(pm, ids)
	}
}

func (pm *PeerMedia) handlePlayPull(payload []byte) {
	r := rtmfp.NewReader(payload)
	id := r.Read7BitLongValue()
	if r.Err() != nil {
		return
	}
	if fn := pm.OnPlayPull; fn != nil {
		fn(pm, id)
	}
}

func (pm *PeerMedia) handlePlayPush(payload []byte) {
	if len(payload) < 1 {
		return
	}
	pm.session.mu.Lock()
	pm.pushInMode = payload[0]
	pm.session.mu.Unlock()
	if fn := pm.OnPlayPush; fn != nil {
		fn(pm, payload[0])
	}
}
