package piece

import (
	"crypto/sha1"
	"sort"
	"sync"
	"sync/atomic"
)

// Work describes one piece's static, immutable metadata.
type Work struct {
	Index  int
	Length int32
	Digest [sha1.Size]byte
}

type blockRange struct {
	begin int32
	data  []byte
}

// Slot owns one piece's in-flight block buffer and completion state. All
// mutations to blocks/reservedBy go through the slot's mutex; Downloaded is
// an atomic flag so readers can check completion without blocking on a peer
// that is mid-mutation.
type Slot struct {
	Work Work

	mu         sync.Mutex
	blocks     []blockRange
	reservedBy *string // peer address string; nil means unreserved

	downloaded atomic.Bool
}

// NewSlot returns an empty, unreserved slot for the given piece.
func NewSlot(w Work) *Slot {
	return &Slot{Work: w}
}

// Downloaded reports whether the piece has already been verified, without
// taking the slot's mutex.
func (s *Slot) Downloaded() bool { return s.downloaded.Load() }

// TryReserve reserves the slot for peer if it is neither downloaded nor
// already reserved. Returns true if the reservation was granted.
func (s *Slot) TryReserve(peer string) bool {
	if s.downloaded.Load() {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.downloaded.Load() || s.reservedBy != nil {
		return false
	}
	s.reservedBy = &peer
	return true
}

// IsReserved reports whether any peer currently holds the reservation.
func (s *Slot) IsReserved() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reservedBy != nil
}

// ReleaseIfOwnedBy clears the reservation iff peer currently holds it. Used
// both on peer death and (idempotently) on completion/corruption.
func (s *Slot) ReleaseIfOwnedBy(peer string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.reservedBy != nil && *s.reservedBy == peer {
		s.reservedBy = nil
	}
}

// releaseUnconditional clears the reservation regardless of owner. Used by
// MarkCorrupt and AddBlock, which must free the slot even if the caller isn't
// the current owner (e.g. a duplicate-work peer finished first). The caller
// must hold s.mu.
func (s *Slot) releaseUnconditional() {
	s.reservedBy = nil
}

// AddBlockResult is returned by AddBlock to tell the caller what happened.
type AddBlockResult struct {
	Completed bool
	Verified  bool   // only meaningful if Completed
	Bytes     []byte // only set if Completed && Verified
}

// AddBlock records one received block. If the block is malformed (out of
// range, or not aligned to a block boundary unless it is the final, possibly
// short, block) it is rejected and ok is false. Once the accumulated,
// non-overlapping ranges cover the whole piece, the piece is concatenated
// and hashed: a match yields Completed+Verified with the assembled bytes and
// marks the slot downloaded; a mismatch clears the buffer and yields
// Completed without Verified, leaving the slot available for re-reservation.
func (s *Slot) AddBlock(begin int32, data []byte) (result AddBlockResult, ok bool) {
	if begin < 0 || int64(begin)+int64(len(data)) > int64(s.Work.Length) {
		return AddBlockResult{}, false
	}
	blockIdx := BlockIndexForBegin(begin, s.Work.Length)
	isFinalBlock := begin+int32(len(data)) == s.Work.Length
	if blockIdx < 0 && !isFinalBlock {
		return AddBlockResult{}, false
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if s.downloaded.Load() {
		return AddBlockResult{}, true
	}

	s.replaceOverlapping(begin, data)

	if !s.isContiguousComplete() {
		return AddBlockResult{}, true
	}

	buf := s.concatenate()
	if sha1.Sum(buf) != s.Work.Digest {
		s.blocks = nil
		s.releaseUnconditional()
		return AddBlockResult{Completed: true, Verified: false}, true
	}

	s.downloaded.Store(true)
	s.releaseUnconditional()
	return AddBlockResult{Completed: true, Verified: true, Bytes: buf}, true
}

// replaceOverlapping inserts (begin,data), dropping any existing range that
// overlaps it; later writes win, matching the "later wins" merge rule.
func (s *Slot) replaceOverlapping(begin int32, data []byte) {
	end := begin + int32(len(data))
	kept := s.blocks[:0]
	for _, r := range s.blocks {
		rEnd := r.begin + int32(len(r.data))
		if rEnd <= begin || r.begin >= end {
			kept = append(kept, r)
		}
	}
	s.blocks = append(kept, blockRange{begin: begin, data: data})
}

func (s *Slot) isContiguousComplete() bool {
	var total int32
	for _, r := range s.blocks {
		total += int32(len(r.data))
	}
	return total == s.Work.Length
}

func (s *Slot) concatenate() []byte {
	sorted := append([]blockRange(nil), s.blocks...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].begin < sorted[j].begin })

	buf := make([]byte, s.Work.Length)
	for _, r := range sorted {
		copy(buf[r.begin:], r.data)
	}
	return buf
}

// MarkCorrupt forcibly resets the slot to empty/unreserved/not-downloaded,
// used when a caller external to AddBlock's own verification detects
// corruption (e.g. a re-check after restart). AddBlock already does this
// internally on a digest mismatch.
func (s *Slot) MarkCorrupt() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blocks = nil
	s.downloaded.Store(false)
	s.releaseUnconditional()
}
