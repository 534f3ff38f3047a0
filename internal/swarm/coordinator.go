// Package swarm coordinates piece reservation/completion across many
// concurrent peer tasks and tracks which peers are currently connected.
package swarm

import (
	"crypto/sha1"
	"net/netip"
	"sync"

	"github.com/riverrun/leech/internal/bitfield"
	"github.com/riverrun/leech/internal/piece"
)

// PeerState is the coordinator's view of one connected peer.
type PeerState struct {
	mu           sync.Mutex
	Bitfield     bitfield.Bitfield
	PeerChokedUs bool
	WeInterested bool
}

func newPeerState(numPieces int) *PeerState {
	return &PeerState{Bitfield: bitfield.New(numPieces), PeerChokedUs: true}
}

// SetBitfield replaces the peer's known bitfield wholesale (on a BITFIELD
// message).
func (p *PeerState) SetBitfield(bf bitfield.Bitfield) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bitfield = bf
}

// SetHave marks a single piece index as held by the peer (on a HAVE
// message). Out-of-range indices are a silent no-op via Bitfield.Set.
func (p *PeerState) SetHave(index int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.Bitfield.Set(index)
}

// Has reports whether the peer is known to hold piece index.
func (p *PeerState) Has(index int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Bitfield.Has(index)
}

// Snapshot returns a defensive copy of the peer's current bitfield, safe to
// read from without holding the peer's own lock.
func (p *PeerState) Snapshot() bitfield.Bitfield {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Bitfield.Clone()
}

// HasAny reports whether the peer is known to hold at least one piece.
func (p *PeerState) HasAny() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.Bitfield.Any()
}

// Coordinator owns the global piece table and the live peer map. It is the
// single point of synchronization between many concurrent peer tasks.
type Coordinator struct {
	slots []*piece.Slot

	peersMu sync.RWMutex
	peers   map[netip.AddrPort]*PeerState

	have *HaveBroadcaster
}

// New builds a Coordinator for a torrent with the given total length, piece
// length, and ordered piece digests.
func New(totalLength int64, pieceLength int32, digests [][sha1.Size]byte) *Coordinator {
	slots := make([]*piece.Slot, len(digests))
	for i, d := range digests {
		length, _ := piece.LengthAt(i, totalLength, pieceLength)
		slots[i] = piece.NewSlot(piece.Work{Index: i, Length: length, Digest: d})
	}
	return &Coordinator{
		slots: slots,
		peers: make(map[netip.AddrPort]*PeerState),
		have:  NewHaveBroadcaster(128),
	}
}

// NumPieces returns the number of pieces in the torrent.
func (c *Coordinator) NumPieces() int { return len(c.slots) }

// Haves returns the coordinator's HAVE broadcast hub; peers subscribe to it
// to learn about newly completed pieces from any source.
func (c *Coordinator) Haves() *HaveBroadcaster { return c.have }

// AddPeer registers a new peer task and returns its PeerState handle.
func (c *Coordinator) AddPeer(addr netip.AddrPort) *PeerState {
	ps := newPeerState(len(c.slots))
	c.peersMu.Lock()
	c.peers[addr] = ps
	c.peersMu.Unlock()
	return ps
}

// RemovePeer releases any reservation the peer held and drops its state.
// Must be called exactly once when a peer task terminates, for any reason.
func (c *Coordinator) RemovePeer(addr netip.AddrPort) {
	c.ReleaseOnPeerDeath(addr)
	c.peersMu.Lock()
	delete(c.peers, addr)
	c.peersMu.Unlock()
}

// GetPeer returns the PeerState for addr, if still tracked.
func (c *Coordinator) GetPeer(addr netip.AddrPort) (*PeerState, bool) {
	c.peersMu.RLock()
	defer c.peersMu.RUnlock()
	ps, ok := c.peers[addr]
	return ps, ok
}

// IsComplete reports whether every piece has been verified.
func (c *Coordinator) IsComplete() bool {
	for _, s := range c.slots {
		if !s.Downloaded() {
			return false
		}
	}
	return true
}

// VerifiedCount returns how many pieces have passed SHA-1 verification so
// far.
func (c *Coordinator) VerifiedCount() int {
	n := 0
	for _, s := range c.slots {
		if s.Downloaded() {
			n++
		}
	}
	return n
}

// PieceWork returns the static metadata for piece index.
func (c *Coordinator) PieceWork(index int) piece.Work { return c.slots[index].Work }

// HasUsefulPiece reports whether peerBF claims a piece this swarm has not
// yet downloaded, i.e. whether it is still worth being INTERESTED in peer.
func (c *Coordinator) HasUsefulPiece(peerBF bitfield.Bitfield) bool {
	for i, s := range c.slots {
		if !s.Downloaded() && peerBF.Has(i) {
			return true
		}
	}
	return false
}

// Acquire selects the next piece for peer to work on, in strict index
// order. The first not-downloaded, not-reserved slot is reserved to peer and
// returned. If every not-downloaded slot is already reserved, the first
// not-downloaded slot is returned unreserved as a "duplicate work" fallback
// so a late-joining peer still does useful work in the tail; this path does
// not set the slot's reservation. A zero Work, false return means every
// piece is downloaded.
func (c *Coordinator) Acquire(peer string) (piece.Work, bool) {
	var fallback *piece.Slot
	for _, s := range c.slots {
		if s.Downloaded() {
			continue
		}
		if s.TryReserve(peer) {
			return s.Work, true
		}
		if fallback == nil {
			fallback = s
		}
	}
	if fallback != nil {
		return fallback.Work, true
	}
	return piece.Work{}, false
}

// ReleaseOnPeerDeath clears any reservation held by peer across all slots.
func (c *Coordinator) ReleaseOnPeerDeath(peerAddr netip.AddrPort) {
	peer := peerAddr.String()
	for _, s := range c.slots {
		s.ReleaseIfOwnedBy(peer)
	}
}

// DeliverResult is returned by Deliver.
type DeliverResult struct {
	Completed bool
	Verified  bool
	Bytes     []byte
}

// Deliver records one received block for piece index, verifying and
// emitting a HAVE broadcast when the piece completes.
func (c *Coordinator) Deliver(index int, begin int32, data []byte) (DeliverResult, bool) {
	if index < 0 || index >= len(c.slots) {
		return DeliverResult{}, false
	}
	res, ok := c.slots[index].AddBlock(begin, data)
	if !ok {
		return DeliverResult{}, false
	}
	if res.Completed && res.Verified {
		c.have.Publish(uint32(index))
	}
	return DeliverResult{Completed: res.Completed, Verified: res.Verified, Bytes: res.Bytes}, true
}

// MarkCorrupt forces piece index back to the not-downloaded, unreserved
// state. AddBlock already does this automatically on a digest mismatch;
// this is exposed for callers that detect corruption out of band.
func (c *Coordinator) MarkCorrupt(index int) {
	if index < 0 || index >= len(c.slots) {
		return
	}
	c.slots[index].MarkCorrupt()
}
