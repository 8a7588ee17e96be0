// Package session implements the logical peer session running on top of one
// socket connection: command queue, group flow plumbing and the NetGroup
// message dispatch that turns raw flow messages into typed events.
package session

import (
	"encoding/hex"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/metrics"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
	"github.com/Gamezpedia/librtmfp/internal/socket"
)

// askCloseDelay rate-limits AskPeerToDisconnect so churn does not flap.
const askCloseDelay = 30 * time.Second

// writerFailureLimit is how many flow failures a session absorbs before the
// whole session is marked failed.
const writerFailureLimit = 3

// CommandKind is the play/publish/netgroup verb queued on the main stream.
type CommandKind uint8

const (
	CommandPlay CommandKind = iota
	CommandPublish
	CommandNetGroup
)

type Command struct {
	Kind          CommandKind
	StreamName    string
	AudioReliable bool
	VideoReliable bool
}

// Session is one logical peer identity over one connection.
type Session struct {
	id          uint32
	peerID      rtmfp.PeerID
	rawID       []byte
	hostAddress netip.AddrPort
	role        socket.Role
	metrics     *metrics.Metrics

	// groupID is the hex id of the NetGroup this session belongs to, empty
	// for plain p2p sessions.
	groupID         string
	groupConnectKey []byte

	mu             sync.Mutex
	status         rtmfp.Status
	conn           *socket.Conn
	knownAddresses rtmfp.AddressList
	commands       []Command

	reportWriter    *Writer
	netStreamWriter *Writer
	lastWriter      *Writer
	nextWriterID    uint64
	nextFlowID      uint64
	writerFailures  int

	mediasByWriter map[uint64]*PeerMedia
	mediasByStream map[string]*PeerMedia
	mediasByFlow   map[uint64]*PeerMedia

	groupFirstReportSent bool
	groupReportInitiator bool
	groupBeginSent       bool
	groupConnectSent     bool
	lastTryDisconnect    time.Time

	events GroupEvents
}

// Options carries the identity of the remote peer and our side of the
// conversation.
type Options struct {
	PeerID      rtmfp.PeerID
	HostAddress netip.AddrPort
	Role        socket.Role
	GroupIDHex  string
	Metrics     *metrics.Metrics
}

// counter numbers sessions per process for logs; one controller owns its own
// range in practice.
var counter atomic.Uint32

func New(opts Options) *Session {
	s := &Session{
		id:             counter.Add(1),
		peerID:         opts.PeerID,
		rawID:          opts.PeerID.Raw(),
		hostAddress:    opts.HostAddress,
		role:           opts.Role,
		groupID:        opts.GroupIDHex,
		metrics:        opts.Metrics,
		status:         rtmfp.StatusConnecting,
		knownAddresses: make(rtmfp.AddressList),
		mediasByWriter: make(map[uint64]*PeerMedia),
		mediasByStream: make(map[string]*PeerMedia),
		mediasByFlow:   make(map[uint64]*PeerMedia),
		nextFlowID:     1,
	}
	if opts.Role == socket.Responder {
		s.nextFlowID = 2
	}
	return s
}

func (s *Session) ID() uint32 { return s.id }

func (s *Session) PeerID() rtmfp.PeerID { return s.peerID }

func (s *Session) RawID() []byte { return s.rawID }

func (s *Session) HostAddress() netip.AddrPort { return s.hostAddress }

func (s *Session) Role() socket.Role { return s.role }

func (s *Session) Events() *GroupEvents { return &s.events }

func (s *Session) Status() rtmfp.Status {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.status
}

// setStatusLocked keeps the progression monotone.
func (s *Session) setStatusLocked(st rtmfp.Status) {
	if st > s.status {
		s.status = st
	}
}

// Address is the remote transport address, zero before connection.
func (s *Session) Address() netip.AddrPort {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.conn == nil {
		return netip.AddrPort{}
	}
	return s.conn.Addr()
}

func (s *Session) Latency() time.Duration {
	s.mu.Lock()
	conn := s.conn
	s.mu.Unlock()
	if conn == nil {
		return 0
	}
	return conn.Latency()
}

// Addresses returns the known candidate addresses of the peer.
func (s *Session) Addresses() rtmfp.AddressList {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.knownAddresses.Clone()
}

// MergeAddresses folds fresh introduction candidates into the known set.
func (s *Session) MergeAddresses(addresses rtmfp.AddressList) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for addr, typ := range addresses {
		s.knownAddresses[addr] = typ
	}
}

// GroupReportInitiator latches whether we initiated the last report
// exchange, to stop report ping-pong.
func (s *Session) GroupReportInitiator() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupReportInitiator
}

func (s *Session) SetGroupReportInitiator(v bool) {
	s.mu.Lock()
	s.groupReportInitiator = v
	s.mu.Unlock()
}

func (s *Session) GroupFirstReportSent() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groupFirstReportSent
}

// AddCommand queues a play/publish/netgroup command; queued commands flush
// when the session connects.
func (s *Session) AddCommand(kind CommandKind, streamName string, audioReliable, videoReliable bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cmd := Command{Kind: kind, StreamName: streamName, AudioReliable: audioReliable, VideoReliable: videoReliable}
	if s.status >= rtmfp.StatusConnected && s.status < rtmfp.StatusNearClosed {
		s.runCommandLocked(cmd)
		return
	}
	s.commands = append(s.commands, cmd)
}

func (s *Session) runCommandLocked(cmd Command) {
	switch cmd.Kind {
	case CommandNetGroup:
		s.sendGroupPeerConnectLocked()
	case CommandPlay, CommandPublish:
		w := s.netStreamWriterLocked()
		body := rtmfp.NewWriter(3 + len(cmd.StreamName))
		body.Write8(uint8(cmd.Kind))
		body.Write8(uint8(len(cmd.StreamName)))
		body.Write([]byte(cmd.StreamName))
		flags := uint8(0)
		if cmd.AudioReliable {
			flags |= 1
		}
		if cmd.VideoReliable {
			flags |= 2
		}
		body.Write8(flags)
		_ = w.send(rtmfp.MsgGroupInit, body.Bytes())
	}
}

// OnConnection binds the established connection, flushes queued commands and
// starts the group conversation.
func (s *Session) OnConnection(conn *socket.Conn) {
	s.mu.Lock()
	s.conn = conn
	s.knownAddresses[conn.Addr()] = rtmfp.AddressPublic
	s.setStatusLocked(rtmfp.StatusConnected)
	queued := s.commands
	s.commands = nil
	for _, cmd := range queued {
		s.runCommandLocked(cmd)
	}
	s.mu.Unlock()
	conn.Subscribe(s.handlePacket)
	s.metrics.IncConnected()
	debuglog.Debugf("session %d to peer %s connected (%s)", s.id, s.peerID, s.role)
}

// SetGroupConnectKey installs the encrypted key sent with the group peer
// connect request.
func (s *Session) SetGroupConnectKey(key []byte) {
	s.mu.Lock()
	s.groupConnectKey = append([]byte(nil), key...)
	s.mu.Unlock()
}

func (s *Session) newWriterLocked(signature string, refFlowID uint64) *Writer {
	s.nextWriterID++
	flowID := s.nextFlowID
	s.nextFlowID += 2
	w := &Writer{
		session:   s,
		id:        s.nextWriterID,
		flowID:    flowID,
		refFlowID: refFlowID,
		signature: signature,
	}
	s.lastWriter = w
	return w
}

func (s *Session) reportWriterLocked() *Writer {
	if s.reportWriter == nil || s.reportWriter.closed {
		s.reportWriter = s.newWriterLocked(SignatureGroupReport, 0)
	}
	return s.reportWriter
}

func (s *Session) netStreamWriterLocked() *Writer {
	if s.netStreamWriter == nil || s.netStreamWriter.closed {
		s.netStreamWriter = s.newWriterLocked(signatureNetStream, 0)
	}
	return s.netStreamWriter
}

// CreateSpecialFlow builds the local state for a flow the remote opened with
// a NetGroup signature: the report flow or a media flow.
func (s *Session) CreateSpecialFlow(id uint64, signature string, writerRefID uint64) {
	switch {
	case signature == SignatureGroupReport:
		s.mu.Lock()
		s.reportWriterLocked()
		s.mu.Unlock()
	case len(signature) > len(signatureGroupMedia) && signature[:len(signatureGroupMedia)] == signatureGroupMedia:
		streamKey := signature[len(signatureGroupMedia):]
		pm := s.GetPeerMedia(streamKey)
		s.mu.Lock()
		pm.flowID = id
		s.mediasByFlow[id] = pm
		s.mu.Unlock()
	default:
		debuglog.Debugf("session %d: unhandled flow signature %s", s.id, hex.EncodeToString([]byte(signature)))
	}
}

// GetPeerMedia returns the media attachment for streamKey, constructing it
// (and its writer) on first use.
func (s *Session) GetPeerMedia(streamKey string) *PeerMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	if pm, ok := s.mediasByStream[streamKey]; ok {
		return pm
	}
	reportWriter := s.reportWriterLocked()
	w := s.newWriterLocked(signatureGroupMedia+streamKey, reportWriter.flowID)
	pm := &PeerMedia{
		session:      s,
		streamKey:    streamKey,
		writer:       w,
		reportWriter: reportWriter,
	}
	s.mediasByStream[streamKey] = pm
	s.mediasByWriter[w.id] = pm
	return pm
}

// SendGroupReport writes a report body on the report flow; the writer
// framing adds the 0A type byte in front of it.
func (s *Session) SendGroupReport(body []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := s.reportWriterLocked().send(rtmfp.MsgGroupReport, body)
	if err == nil {
		s.groupFirstReportSent = true
		s.metrics.IncReportsSent()
	}
	return err
}

// SendGroupBegin sends the 02+0E pair once; later calls report false.
func (s *Session) SendGroupBegin() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.groupBeginSent {
		return false
	}
	w := s.reportWriterLocked()
	if err := w.send(rtmfp.MsgGroupInit, nil); err != nil {
		return false
	}
	_ = w.send(rtmfp.MsgGroupBegin, nil)
	s.groupBeginSent = true
	return true
}

// SendGroupPeerConnect opens the group conversation once per session.
func (s *Session) SendGroupPeerConnect() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sendGroupPeerConnectLocked()
}

func (s *Session) sendGroupPeerConnectLocked() {
	if s.groupConnectSent {
		return
	}
	groupID, err := hex.DecodeString(s.groupID)
	if err != nil {
		debuglog.Logf("session %d: bad group id %q", s.id, s.groupID)
		return
	}
	body := rtmfp.NewWriter(4 + len(groupID) + len(s.groupConnectKey) + len(s.rawID))
	body.Write8(uint8(len(groupID)))
	body.Write(groupID)
	body.Write8(uint8(len(s.groupConnectKey)))
	body.Write(s.groupConnectKey)
	body.Write(s.rawID)
	if err := s.reportWriterLocked().send(rtmfp.MsgGroupInit, body.Bytes()); err != nil {
		return
	}
	s.groupConnectSent = true
}

// AskPeerToDisconnect asks the peer to drop us, at most once per
// askCloseDelay. Reports whether a request went out.
func (s *Session) AskPeerToDisconnect() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.lastTryDisconnect) < askCloseDelay {
		return false
	}
	if err := s.reportWriterLocked().send(rtmfp.MsgGroupAskClose, nil); err != nil {
		return false
	}
	debuglog.Debugf("session %d: asking peer %s to disconnect", s.id, s.peerID)
	s.lastTryDisconnect = time.Now()
	s.metrics.IncAskedClose()
	return true
}

// CallFunction broadcasts an RPC to every attached media. Returns 1 on
// success, 0 when no media is attached.
func (s *Session) CallFunction(name string, args []string) int {
	s.mu.Lock()
	medias := make([]*PeerMedia, 0, len(s.mediasByStream))
	for _, pm := range s.mediasByStream {
		medias = append(medias, pm)
	}
	s.mu.Unlock()
	if len(medias) == 0 {
		return 0
	}
	for _, pm := range medias {
		_ = pm.SendCall(name, args)
	}
	return 1
}

// handleWriterError escalates flow failures. Caller holds the session lock.
func (s *Session) handleWriterError(w *Writer, err error) {
	w.closed = true
	s.writerFailures++
	debuglog.Debugf("session %d: writer %d failed: %v", s.id, w.id, err)
	if s.writerFailures >= writerFailureLimit {
		s.setStatusLocked(rtmfp.StatusFailed)
		if s.conn != nil {
			s.conn.Fail()
		}
	}
}

// handlePacket is the connection receiver: it unframes one flow message and
// dispatches on the type byte. Runs on the dispatch goroutine.
func (s *Session) handlePacket(conn *socket.Conn, packet []byte) {
	if s.Status() >= rtmfp.StatusNearClosed {
		return
	}
	r := rtmfp.NewReader(packet)
	flowID := r.Read7BitLongValue()
	sigLen := int(r.Read8())
	var sig []byte
	if sigLen > 0 {
		sig = r.ReadBytes(sigLen)
	}
	msgType := r.Read8()
	if r.Err() != nil {
		debuglog.RateLimitedf("sess-short-"+s.peerID.String(), 10*time.Second,
			"session %d: short flow message", s.id)
		return
	}
	if sigLen > 0 {
		s.CreateSpecialFlow(flowID, string(sig), 0)
	}
	payload := r.Current()

	switch msgType {
	case rtmfp.MsgGroupInit:
		s.handleGroupHandshake(payload)

	case rtmfp.MsgGroupBegin:
		s.events.OnPeerGroupBegin.Raise(s)

	case rtmfp.MsgGroupReport:
		s.metrics.IncReportsReceived()
		s.mu.Lock()
		sendMediaSubscription := len(s.mediasByStream) == 0
		s.mu.Unlock()
		s.events.OnPeerGroupReport.Raise(GroupReportEvent{
			Peer:                  s,
			Packet:                append([]byte(nil), payload...),
			SendMediaSubscription: sendMediaSubscription,
		})

	case rtmfp.MsgGroupMediaInfos:
		s.handleGroupMediaInfos(flowID, payload)

	case rtmfp.MsgGroupFragment:
		if pm := s.mediaByFlow(flowID); pm != nil {
			pm.handleFragment(payload)
		}

	case rtmfp.MsgGroupFragmentsMap:
		if pm := s.mediaByFlow(flowID); pm != nil {
			pm.handleFragmentsMap(payload)
		}

	case rtmfp.MsgGroupPlayPush:
		if pm := s.mediaByFlow(flowID); pm != nil {
			pm.handlePlayPush(payload)
		}

	case rtmfp.MsgGroupPlayPull:
		if pm := s.mediaByFlow(flowID); pm != nil {
			pm.handlePlayPull(payload)
		}

	case rtmfp.MsgGroupCall:
		// AMF decoding of function calls belongs to the media layer.
		debuglog.Tracef("session %d: group call on flow %d (%d bytes)", s.id, flowID, len(payload))

	case rtmfp.MsgGroupAskClose:
		if s.events.OnPeerGroupAskClose.Raise(s.peerID, true) {
			debuglog.Debugf("session %d: accepting close request from %s", s.id, s.peerID)
			s.Close(false)
		}

	case rtmfp.MsgWriterClose:
		s.handleWriterClose(flowID)

	default:
		debuglog.RateLimitedf("sess-unknown-msg", 10*time.Second,
			"session %d: unknown group message %#.2x", s.id, msgType)
	}
}

func (s *Session) mediaByFlow(flowID uint64) *PeerMedia {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.mediasByFlow[flowID]
}

// handleGroupHandshake answers the far peer's group connect: check the group
// id and reply with GroupBegin.
func (s *Session) handleGroupHandshake(payload []byte) {
	if len(payload) == 0 {
		// Bare 02 is the begin-ack of SendGroupBegin.
		return
	}
	r := rtmfp.NewReader(payload)
	idLen := int(r.Read8())
	groupID := r.ReadBytes(idLen)
	if r.Err() != nil {
		return
	}
	if s.groupID != "" && hex.EncodeToString(groupID) != s.groupID {
		debuglog.Logf("session %d: group id mismatch from %s, closing", s.id, s.peerID)
		s.Close(false)
		return
	}
	s.mu.Lock()
	s.setStatusLocked(rtmfp.StatusConnected)
	s.mu.Unlock()
	s.SendGroupBegin()
}

func (s *Session) handleGroupMediaInfos(flowID uint64, payload []byte) {
	r := rtmfp.NewReader(payload)
	nameLen := int(r.Read8())
	name := r.ReadBytes(nameLen)
	keyLen := int(r.Read8())
	key := r.ReadBytes(keyLen)
	if r.Err() != nil || keyLen != rtmfp.RawIDSize {
		debuglog.Debugf("session %d: malformed media infos", s.id)
		return
	}
	streamKey := string(key)
	pm := s.GetPeerMedia(streamKey)
	s.mu.Lock()
	pm.flowID = flowID
	s.mediasByFlow[flowID] = pm
	s.mu.Unlock()
	accepted := s.events.OnNewMedia.Raise(NewMediaEvent{
		PeerID:     s.peerID,
		Media:      pm,
		StreamName: string(name),
		StreamKey:  streamKey,
		Params:     append([]byte(nil), r.Current()...),
	}, false)
	if !accepted {
		pm.Close(false)
	}
}

// handleWriterClose closes the flow the remote abandoned; losing the report
// flow ends the group conversation.
func (s *Session) handleWriterClose(flowID uint64) {
	s.mu.Lock()
	pm := s.mediasByFlow[flowID]
	isReport := s.reportWriter != nil && s.reportWriter.flowID == flowID
	s.mu.Unlock()
	if pm != nil {
		pm.Close(true)
		return
	}
	if isReport {
		debuglog.Debugf("session %d: report flow closed by %s", s.id, s.peerID)
		s.Close(false)
	}
}

// CloseGroup closes the group writers and medias while optionally keeping
// the transport.
func (s *Session) CloseGroup(abrupt bool) {
	s.mu.Lock()
	medias := make([]*PeerMedia, 0, len(s.mediasByStream))
	for _, pm := range s.mediasByStream {
		medias = append(medias, pm)
	}
	s.mu.Unlock()
	for _, pm := range medias {
		pm.Close(abrupt)
	}
	s.mu.Lock()
	if s.reportWriter != nil {
		s.reportWriter.closeLocked(abrupt)
	}
	if s.netStreamWriter != nil {
		s.netStreamWriter.closeLocked(abrupt)
	}
	s.mu.Unlock()
}

// Close ends the session: group state first, then the transport. Raises
// OnPeerClose exactly once.
func (s *Session) Close(abrupt bool) {
	s.mu.Lock()
	if s.status >= rtmfp.StatusNearClosed {
		s.mu.Unlock()
		return
	}
	s.setStatusLocked(rtmfp.StatusNearClosed)
	s.mu.Unlock()

	s.CloseGroup(abrupt)

	// The controller must drop the session before it reaches Closed.
	s.events.OnPeerClose.Raise(s.peerID)

	s.mu.Lock()
	s.setStatusLocked(rtmfp.StatusClosed)
	conn := s.conn
	s.conn = nil
	s.mu.Unlock()
	if conn != nil {
		conn.Fail()
	}
}
