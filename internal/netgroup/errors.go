package netgroup

import "errors"

var (
	// ErrUnknownPeer rejects attaching a session with no heard entry.
	ErrUnknownPeer = errors.New("peer not in heard list")
	// ErrDuplicatePeer rejects attaching a session twice.
	ErrDuplicatePeer = errors.New("peer already attached")
)
