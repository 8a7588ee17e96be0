package session

import (
	"errors"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// Flow signatures. A flow opens with its signature on the first message;
// the receiving side builds the matching special flow from it.
const (
	SignatureGroupReport = "\x00\x47\x43"
	signatureGroupMedia  = "\x00\x47\x4D"
	signatureNetStream   = "\x00\x54\x43\x04"
)

var ErrWriterClosed = errors.New("writer closed")

// Writer is one outbound flow on a peer session. The first send carries the
// flow signature; later sends carry an empty signature field.
type Writer struct {
	session   *Session
	id        uint64
	flowID    uint64
	refFlowID uint64
	signature string
	sigSent   bool
	closed    bool
}

func (w *Writer) ID() uint64 { return w.id }

func (w *Writer) FlowID() uint64 { return w.flowID }

// send frames one message. Caller holds the session lock.
func (w *Writer) send(msgType uint8, payload []byte) error {
	if w == nil || w.closed {
		return ErrWriterClosed
	}
	conn := w.session.conn
	if conn == nil {
		return ErrWriterClosed
	}
	sig := ""
	if !w.sigSent {
		sig = w.signature
		w.sigSent = true
	}
	out := rtmfp.NewWriter(12 + len(sig) + len(payload))
	out.Write7BitLongValue(w.flowID)
	out.Write8(uint8(len(sig)))
	if sig != "" {
		out.Write([]byte(sig))
	}
	out.Write8(msgType)
	out.Write(payload)
	if err := conn.Send(out.Bytes()); err != nil {
		w.session.handleWriterError(w, err)
		return err
	}
	return nil
}

// closeLocked sends the writer-close message and detaches. Caller holds the
// session lock.
func (w *Writer) closeLocked(abrupt bool) {
	if w == nil || w.closed {
		return
	}
	if !abrupt {
		_ = w.send(rtmfp.MsgWriterClose, nil)
	}
	w.closed = true
}
