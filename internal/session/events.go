package session

import (
	"github.com/Gamezpedia/librtmfp/internal/event"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// GroupReportEvent carries a raw GroupReport body up to the controller.
type GroupReportEvent struct {
	Peer *Session
	// Packet is the report body after the 0A type byte.
	Packet []byte
	// SendMediaSubscription is set when the peer has no media attachment
	// yet, so the controller should offer its group medias.
	SendMediaSubscription bool
}

// NewMediaEvent announces a media flow opened by the peer. The subscriber
// returns false to reject the stream, which closes the flow.
type NewMediaEvent struct {
	PeerID     rtmfp.PeerID
	Media      *PeerMedia
	StreamName string
	StreamKey  string
	// Params is the raw GroupConfig TLV block.
	Params []byte
}

// GroupEvents is the NetGroup-facing event surface of a peer session.
// Delivery is synchronous on the dispatch goroutine.
type GroupEvents struct {
	OnPeerGroupReport   event.Source[GroupReportEvent]
	OnNewMedia          event.Query[NewMediaEvent]
	OnPeerGroupBegin    event.Source[*Session]
	OnPeerClose         event.Source[rtmfp.PeerID]
	OnPeerGroupAskClose event.Query[rtmfp.PeerID]
}
