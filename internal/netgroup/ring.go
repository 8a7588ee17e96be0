package netgroup

import (
	"sort"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// Ring is the distance ring: group addresses in lexicographic order (which
// is numeric big-endian order for fixed-width hex) with the peer id mirror.
// All walk arithmetic is modular, wrapping at either end. It is the exact
// mirror of the heard list: one entry here per heard peer.
type Ring struct {
	keys   []string
	byAddr map[string]rtmfp.PeerID
}

func NewRing() *Ring {
	return &Ring{byAddr: make(map[string]rtmfp.PeerID)}
}

func (r *Ring) Len() int { return len(r.keys) }

// Insert adds the mapping; inserting an existing group address is a no-op.
func (r *Ring) Insert(groupAddress string, id rtmfp.PeerID) {
	if _, ok := r.byAddr[groupAddress]; ok {
		return
	}
	i := sort.SearchStrings(r.keys, groupAddress)
	r.keys = append(r.keys, "")
	copy(r.keys[i+1:], r.keys[i:])
	r.keys[i] = groupAddress
	r.byAddr[groupAddress] = id
}

func (r *Ring) Remove(groupAddress string) {
	if _, ok := r.byAddr[groupAddress]; !ok {
		return
	}
	delete(r.byAddr, groupAddress)
	i := sort.SearchStrings(r.keys, groupAddress)
	if i < len(r.keys) && r.keys[i] == groupAddress {
		r.keys = append(r.keys[:i], r.keys[i+1:]...)
	}
}

// LowerBound is the index of the first entry >= groupAddress; may equal
// Len() when every entry is smaller.
func (r *Ring) LowerBound(groupAddress string) int {
	return sort.SearchStrings(r.keys, groupAddress)
}

// At returns the entry at index i, which must be in [0, Len()).
func (r *Ring) At(i int) (string, rtmfp.PeerID) {
	key := r.keys[i]
	return key, r.byAddr[key]
}

// PeerAt is At without the key.
func (r *Ring) PeerAt(i int) rtmfp.PeerID {
	return r.byAddr[r.keys[i]]
}

// Contains reports whether the group address is on the ring.
func (r *Ring) Contains(groupAddress string) bool {
	_, ok := r.byAddr[groupAddress]
	return ok
}

// Peers lists every peer id in ring order.
func (r *Ring) Peers() []rtmfp.PeerID {
	out := make([]rtmfp.PeerID, 0, len(r.keys))
	for _, k := range r.keys {
		out = append(out, r.byAddr[k])
	}
	return out
}
