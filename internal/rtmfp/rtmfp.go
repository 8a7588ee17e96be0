// Package rtmfp holds the wire-level constants and codecs shared by the
// socket, session and netgroup layers: tagged socket addresses, the 7-bit
// varint binary reader/writer and the protocol message type bytes.
package rtmfp

// PeerIDSize is the size of a peer identity in bytes. The raw wire form
// prepends RawIDPrefix, giving RawIDSize bytes.
const (
	PeerIDSize = 32
	RawIDSize  = PeerIDSize + 2
)

// RawIDPrefix tags a 32-byte peer id on the wire.
var RawIDPrefix = [2]byte{0x21, 0x0F}

// StreamKeyPrefix tags a publisher-generated 34-byte stream key.
var StreamKeyPrefix = [2]byte{0x21, 0x01}

// Handshake message types exchanged with the rendezvous server.
const (
	HandshakeP2PRequest   = 0x30 // client -> server, ask for an introduction
	HandshakeP2PResponse  = 0x70 // server -> client, far key + cookie
	HandshakeP2PAddresses = 0x71 // server -> client, candidate address list
)

// NetGroup message types carried on group flows.
const (
	MsgGroupInit         = 0x02
	MsgGroupReport       = 0x0A
	MsgGroupBegin        = 0x0E
	MsgGroupMediaInfos   = 0x21
	MsgGroupFragmentsMap = 0x22
	MsgGroupPlayPush     = 0x23
	MsgGroupPlayPull     = 0x2B
	MsgGroupFragment     = 0x30
	MsgGroupCall         = 0x31
	MsgGroupAskClose     = 0x5C
	MsgWriterClose       = 0x5E
)

// Markers used inside a GroupReport body.
const (
	ReportMarkerMyAddress   = 0x0D
	ReportMarkerHostAddress = 0x0A
	ReportMarkerPeerEntry   = 0x22
)

// Status is the lifecycle of a connection or peer session. Transitions are
// one-way: a session never moves to a lower status.
type Status uint8

const (
	StatusConnecting Status = iota
	StatusHandshaking
	StatusConnected
	StatusNearClosed
	StatusClosed
	StatusFailed
)

func (s Status) String() string {
	switch s {
	case StatusConnecting:
		return "connecting"
	case StatusHandshaking:
		return "handshaking"
	case StatusConnected:
		return "connected"
	case StatusNearClosed:
		return "near_closed"
	case StatusClosed:
		return "closed"
	case StatusFailed:
		return "failed"
	}
	return "unknown"
}
