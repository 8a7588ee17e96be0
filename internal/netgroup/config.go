package netgroup

import (
	"time"

	"github.com/Gamezpedia/librtmfp/internal/debuglog"
	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// GroupConfig parameter ids carried in the subscription TLV block.
const (
	paramUnknown        = 0x21
	paramObjectEncoding = 0x41
	paramUpdatePeriod   = 0x42
	paramSendToAll      = 0x43
	paramWindowDuration = 0x44
	paramFetchPeriod    = 0x45
)

// objectEncodingAS3 is the only object encoding the group accepts.
const objectEncodingAS3 = 300000

// GroupConfig is the per-GroupMedia subscription tuning, exchanged as a TLV
// block inside the media subscription packet.
type GroupConfig struct {
	IsPublisher bool
	// WindowDuration bounds the fragment window.
	WindowDuration time.Duration
	// AvailabilityUpdatePeriod paces the fragments-map gossip.
	AvailabilityUpdatePeriod time.Duration
	// AvailabilitySendToAll pushes every fragment to every subscriber.
	AvailabilitySendToAll bool
	// FetchPeriod paces the active pull of missing fragments.
	FetchPeriod time.Duration
}

// DefaultGroupConfig mirrors the Flash player defaults.
func DefaultGroupConfig() *GroupConfig {
	return &GroupConfig{
		WindowDuration:           8 * time.Second,
		AvailabilityUpdatePeriod: 100 * time.Millisecond,
		FetchPeriod:              2500 * time.Millisecond,
	}
}

func (c *GroupConfig) clone() *GroupConfig {
	out := *c
	return &out
}

// ReadGroupConfig folds a TLV block into parameters. Each entry is
// <size><id><varint value>; size 1 means id-only. SendToAll terminates the
// parse. AvailabilitySendToAll is reset at the start of every parse.
func ReadGroupConfig(parameters *GroupConfig, r *rtmfp.Reader) {
	parameters.AvailabilitySendToAll = false
	for r.Available() > 0 {
		size := r.Read8()
		if r.Err() != nil {
			return
		}
		if size == 0 {
			continue
		}
		id := r.Read8()
		var value uint64
		if size > 1 {
			value = r.Read7BitLongValue()
		}
		if r.Err() != nil {
			return
		}
		switch id {
		case paramUnknown:
		case paramWindowDuration:
			parameters.WindowDuration = time.Duration(value) * time.Millisecond
			debuglog.Tracef("window duration: %dms", value)
		case paramObjectEncoding:
			if value != objectEncodingAS3 {
				debuglog.Logf("unexpected object encoding value: %d", value)
			}
		case paramUpdatePeriod:
			if d := time.Duration(value) * time.Millisecond; d != parameters.AvailabilityUpdatePeriod {
				parameters.AvailabilityUpdatePeriod = d
				debuglog.Tracef("availability update period: %dms", value)
			}
		case paramSendToAll:
			parameters.AvailabilitySendToAll = true
			debuglog.Tracef("availability send to all on")
			return
		case paramFetchPeriod:
			parameters.FetchPeriod = time.Duration(value) * time.Millisecond
			debuglog.Tracef("fetch period: %dms", value)
		}
	}
}

// WriteGroupConfig emits the TLV block announcing parameters to a
// subscriber.
func WriteGroupConfig(w *rtmfp.Writer, parameters *GroupConfig) {
	writeValue := func(id uint8, value uint64) {
		w.Write8(uint8(1 + rtmfp.Get7BitValueSize(value)))
		w.Write8(id)
		w.Write7BitLongValue(value)
	}
	writeValue(paramObjectEncoding, objectEncodingAS3)
	writeValue(paramWindowDuration, uint64(parameters.WindowDuration/time.Millisecond))
	writeValue(paramUpdatePeriod, uint64(parameters.AvailabilityUpdatePeriod/time.Millisecond))
	writeValue(paramFetchPeriod, uint64(parameters.FetchPeriod/time.Millisecond))
	if parameters.AvailabilitySendToAll {
		w.Write8(1)
		w.Write8(paramSendToAll)
	}
}
