// Package strategy holds alternative piece-selection policies that are not
// wired into the swarm coordinator's default index-order acquisition, but
// are kept available (and tested) for a caller that wants to build a
// coordinator with different selection behavior, e.g. rarest-first to
// improve swarm health on large swarms where strict index order clumps
// demand on the first few pieces.
package strategy

import "github.com/riverrun/leech/internal/bitfield"

// PieceSelector picks the next piece index to reserve given the set of
// pieces still needed (needed[i] true means not yet downloaded) and each
// known peer's bitfield. It returns ok=false when nothing eligible remains.
type PieceSelector func(needed []bool, peerBitfields []bitfield.Bitfield) (index int, ok bool)

// Sequential selects the lowest-index needed piece, ignoring peer
// bitfields entirely. This mirrors the coordinator's actual default
// behavior and exists mainly as a baseline to compare RarestFirst against.
func Sequential(needed []bool, _ []bitfield.Bitfield) (int, bool) {
	for i, n := range needed {
		if n {
			return i, true
		}
	}
	return 0, false
}

// RarestFirst selects the needed piece held by the fewest known peers,
// breaking ties by lowest index. With no peers known yet, it falls back to
// Sequential.
func RarestFirst(needed []bool, peerBitfields []bitfield.Bitfield) (int, bool) {
	if len(peerBitfields) == 0 {
		return Sequential(needed, peerBitfields)
	}

	counts := make([]int, len(needed))
	for _, bf := range peerBitfields {
		for i, n := range needed {
			if n && bf.Has(i) {
				counts[i]++
			}
		}
	}

	best := -1
	bestCount := 0
	for i, n := range needed {
		if !n || counts[i] == 0 {
			continue
		}
		if best == -1 || counts[i] < bestCount {
			best = i
			bestCount = counts[i]
		}
	}

	if best == -1 {
		return Sequential(needed, peerBitfields)
	}
	return best, true
}
