package netgroup

import (
	"math"
	"math/rand"
	"sort"
	"strconv"

	"github.com/Gamezpedia/librtmfp/internal/rtmfp"
)

// maxPeerCount is the size of the group address space projected onto the
// first 16 hex digits: 2^64, as a float for the density estimate.
const maxPeerCount = float64(1 << 63) * 2

// estimatedPeersCount extrapolates the group size from the ring density
// around myGroupAddress: the neighbors N-2 and N+2 span a quarter-window of
// four peers, so total ~= space / (span/4).
func estimatedPeersCount(ring *Ring, myGroupAddress string) float64 {
	n := ring.Len()
	if n < 4 {
		return float64(n)
	}

	// Locate N-2 and N+2 around my position.
	var first, last int
	lb := ring.LowerBound(myGroupAddress)
	if lb == n {
		first = n - 2
		last = 1
	} else {
		first, last = lb, lb
		if key, _ := ring.At(lb); key > myGroupAddress {
			first = (first - 1 + n) % n
		} else {
			last = (last + 1) % n
		}
		first = (first - 1 + n) % n
		last = (last + 1) % n
	}

	firstKey, _ := ring.At(first)
	lastKey, _ := ring.At(last)
	valFirst, _ := strconv.ParseUint(firstKey[:16], 16, 64)
	valLast, _ := strconv.ParseUint(lastKey[:16], 16, 64)

	// Wrapping subtraction covers the ring seam in one expression.
	span := valLast - valFirst
	if span == 0 {
		span = math.MaxUint64
	}
	return maxPeerCount/(float64(span)/4) + 1
}

// targetNeighborsCount is the neighbor budget: 2*log2(estimate) + 13, never
// below 13.
func targetNeighborsCount(ring *Ring, myGroupAddress string) uint32 {
	estimate := estimatedPeersCount(ring, myGroupAddress)
	if estimate < 1 {
		return 13
	}
	return uint32(2*math.Log2(estimate)) + 13
}

// latencyPeer is what the latency slice needs to know about a connected
// peer.
type latencyPeer struct {
	id      rtmfp.PeerID
	latency int64
}

// buildBestList computes the target neighbor set for the node whose group
// address is targetAddress:
//  1. everyone, when the ring holds at most 6 peers;
//  2. the 6-entry ring neighborhood starting two before the target;
//  3. up to 6 connected peers by ascending latency;
//  4. one random ring member;
//  5. logarithmic probes around the ring until the neighbor budget is met.
func buildBestList(ring *Ring, targetAddress string, connected []latencyPeer, rng *rand.Rand) map[rtmfp.PeerID]struct{} {
	best := make(map[rtmfp.PeerID]struct{})
	n := ring.Len()

	if n <= 6 {
		for _, id := range ring.Peers() {
			best[id] = struct{}{}
		}
		return best
	}

	// Ring neighborhood: two back from the lower bound, then six forward.
	i := ring.LowerBound(targetAddress)
	for k := 0; k < 2; k++ {
		i = (i - 1 + n) % n
	}
	for k := 0; k < 6; k++ {
		best[ring.PeerAt(i)] = struct{}{}
		i = (i + 1) % n
	}

	// Latency slice: up to 6 connected peers not already present.
	if len(connected) > 0 {
		ordered := make([]latencyPeer, len(connected))
		copy(ordered, connected)
		sort.SliceStable(ordered, func(a, b int) bool { return ordered[a].latency < ordered[b].latency })
		added := 0
		for _, p := range ordered {
			if added >= 6 {
				break
			}
			if _, ok := best[p.id]; ok {
				continue
			}
			best[p.id] = struct{}{}
			added++
		}
	}

	// One random slot among the ring entries not yet selected.
	if n > len(best) {
		candidates := make([]rtmfp.PeerID, 0, n-len(best))
		for _, id := range ring.Peers() {
			if _, ok := best[id]; !ok {
				candidates = append(candidates, id)
			}
		}
		if len(candidates) > 0 {
			best[candidates[rng.Intn(len(candidates))]] = struct{}{}
		}
	}

	// Logarithmic probes: step through the ring at 1/2, 1/4, ... spacing
	// until the neighbor budget is filled or the ring is exhausted.
	bests := len(best)
	target := int(targetNeighborsCount(ring, targetAddress))
	if n > bests && target > bests {
		count := target - bests
		if count > n-bests {
			count = n - bests
		}
		i = ring.LowerBound(targetAddress)
		rest := (n / 2) - 1
		step := rest / (2 * count)
		for ; count > 0; count-- {
			if n-i <= step {
				i = 0
			}
			i += step
			for {
				id := ring.PeerAt(i)
				if _, ok := best[id]; !ok {
					best[id] = struct{}{}
					break
				}
				i = (i + 1) % n
			}
		}
	}

	return best
}

func bestListEqual(a, b map[rtmfp.PeerID]struct{}) bool {
	if len(a) != len(b) {
		return false
	}
	for id := range a {
		if _, ok := b[id]; !ok {
			return false
		}
	}
	return true
}
