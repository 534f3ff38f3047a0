package peerconn

import (
	"context"
	"time"

	"github.com/riverrun/leech/internal/piece"
	"github.com/riverrun/leech/internal/wire"
)

// pollInterval governs how often the requester re-checks the peer's
// bitfield/choke state while it has nothing better to do. There is no
// dedicated "bitfield changed" or "unchoked" notification channel; polling
// at this granularity is cheap and keeps the state machine simple.
const pollInterval = 100 * time.Millisecond

// requestLoop implements the peer protocol state machine: wait for the
// remote's bitfield (or a Have), toggle interest, wait to be unchoked,
// reserve a piece from the coordinator, and issue REQUESTs for each of its
// blocks, throttled by the block-permit semaphore.
func (c *Connection) requestLoop(ctx context.Context) error {
	if err := c.waitUntil(ctx, func() bool { return c.peer.HasAny() || c.PeerInterested() }); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		c.updateInterest()

		unchoked, err := c.waitUnchoked(ctx)
		if err != nil {
			return err
		}
		if !unchoked {
			continue
		}

		work, ok := c.coord.Acquire(c.addr.String())
		if !ok {
			if c.coord.IsComplete() {
				return nil
			}
			if err := c.sleep(ctx, pollInterval); err != nil {
				return err
			}
			continue
		}

		brokeOnChoke, err := c.downloadPiece(ctx, work)
		if err != nil {
			return err
		}
		if brokeOnChoke {
			continue
		}
	}
}

func (c *Connection) updateInterest() {
	if c.coord.HasUsefulPiece(c.peer.Snapshot()) {
		c.sendInterested()
	} else {
		c.sendNotInterested()
	}
}

// waitUnchoked blocks until the peer has unchoked us and then returns true.
// It returns false only together with ctx's error when ctx ends first.
func (c *Connection) waitUnchoked(ctx context.Context) (bool, error) {
	for c.PeerChoking() {
		if err := c.sleep(ctx, pollInterval); err != nil {
			return false, err
		}
	}
	return true, nil
}

func (c *Connection) waitUntil(ctx context.Context, cond func() bool) error {
	for !cond() {
		if err := c.sleep(ctx, pollInterval); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) sleep(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// downloadPiece issues REQUEST messages for every block of work. It returns
// brokeOnChoke=true if the peer choked us mid-piece, in which case the
// piece remains reserved by this peer (released only on death or
// completion) and the caller returns to WAIT_UNCHOKE.
func (c *Connection) downloadPiece(ctx context.Context, work piece.Work) (brokeOnChoke bool, err error) {
	blockCount := piece.BlockCount(work.Length)
	for bi := 0; bi < blockCount; bi++ {
		begin, length, ok := piece.BlockBounds(work.Length, bi)
		if !ok {
			break
		}

		granted, err := c.acquirePermit(ctx)
		if err != nil {
			return false, err
		}
		if !granted {
			return true, nil
		}

		c.enqueue(wire.MessageRequest(uint32(work.Index), uint32(begin), uint32(length)))
	}
	return false, nil
}

// acquirePermit blocks (retrying every BlockPermitTimeout) until a request
// permit is available. If the peer is found choking us at a retry boundary,
// it gives up and reports granted=false so the caller can return to
// WAIT_UNCHOKE instead of spinning forever on a peer that will never grant
// more permits.
func (c *Connection) acquirePermit(ctx context.Context) (granted bool, err error) {
	for {
		timer := time.NewTimer(c.settings.BlockPermitTimeout)
		select {
		case <-c.permits:
			timer.Stop()
			return true, nil
		case <-ctx.Done():
			timer.Stop()
			return false, ctx.Err()
		case <-timer.C:
			if c.PeerChoking() {
				return false, nil
			}
		}
	}
}
