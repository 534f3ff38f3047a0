package peerconn

import (
	"context"
	"crypto/sha1"
	"net/netip"
	"testing"
	"time"

	"github.com/riverrun/leech/internal/bitfield"
	"github.com/riverrun/leech/internal/piece"
	"github.com/riverrun/leech/internal/swarm"
	"github.com/riverrun/leech/internal/wire"
)

func newTestConnection(coord *swarm.Coordinator, addr netip.AddrPort) *Connection {
	c := &Connection{
		log:      discardLogger(),
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: DefaultSettings(),
		outbox:   make(chan *wire.Message, 8),
		permits:  make(chan struct{}, 8),
	}
	c.setState(maskAmChoking|maskPeerChoking, true)
	return c
}

func TestUpdateInterestSendsInterestedWhenPeerHasUsefulPiece(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:1")
	c := newTestConnection(coord, addr)

	bf := bitfield.New(1)
	bf.Set(0)
	c.peer.SetBitfield(bf)

	c.updateInterest()

	if !c.AmInterested() {
		t.Fatalf("expected AmInterested()==true")
	}
	select {
	case m := <-c.outbox:
		if m.ID != wire.Interested {
			t.Fatalf("expected Interested, got %v", m.ID)
		}
	default:
		t.Fatal("expected an enqueued message")
	}
}

func TestUpdateInterestSendsNotInterestedWhenNothingUseful(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:2")
	c := newTestConnection(coord, addr)
	c.setState(maskAmInterested, true) // pretend we were previously interested

	c.updateInterest() // peer's bitfield is still all-zero: nothing useful

	if c.AmInterested() {
		t.Fatalf("expected AmInterested()==false")
	}
	select {
	case m := <-c.outbox:
		if m.ID != wire.NotInterested {
			t.Fatalf("expected NotInterested, got %v", m.ID)
		}
	default:
		t.Fatal("expected an enqueued message")
	}
}

func TestWaitUnchokedReturnsImmediatelyWhenNotChoking(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:3")
	c := newTestConnection(coord, addr)
	c.setState(maskPeerChoking, false)

	ok, err := c.waitUnchoked(context.Background())
	if err != nil || !ok {
		t.Fatalf("waitUnchoked() = %v, %v; want true, nil", ok, err)
	}
}

func TestWaitUnchokedUnblocksOnceUnchoked(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:4")
	c := newTestConnection(coord, addr)

	go func() {
		time.Sleep(2 * pollInterval)
		c.setState(maskPeerChoking, false)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	ok, err := c.waitUnchoked(ctx)
	if err != nil || !ok {
		t.Fatalf("waitUnchoked() = %v, %v; want true, nil", ok, err)
	}
}

func TestWaitUntilReturnsContextErrorWhenCancelled(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:5")
	c := newTestConnection(coord, addr)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	err := c.waitUntil(ctx, func() bool { return false })
	if err == nil {
		t.Fatal("expected an error from a cancelled context")
	}
}

func TestAcquirePermitGrantsImmediatelyWhenAvailable(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:6")
	c := newTestConnection(coord, addr)
	c.permits <- struct{}{}

	granted, err := c.acquirePermit(context.Background())
	if err != nil || !granted {
		t.Fatalf("acquirePermit() = %v, %v; want true, nil", granted, err)
	}
}

func TestAcquirePermitGivesUpWhenChokedAtTimeout(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:7")
	c := newTestConnection(coord, addr)
	c.settings.BlockPermitTimeout = 10 * time.Millisecond
	c.setState(maskPeerChoking, true)

	granted, err := c.acquirePermit(context.Background())
	if err != nil || granted {
		t.Fatalf("acquirePermit() = %v, %v; want false, nil once choked", granted, err)
	}
}

func TestDownloadPieceIssuesOneRequestPerBlock(t *testing.T) {
	digest := sha1.Sum(make([]byte, 4))
	coord := swarm.New(4, 4, [][sha1.Size]byte{digest})
	addr := netip.MustParseAddrPort("127.0.0.1:8")
	c := newTestConnection(coord, addr)
	c.permits <- struct{}{} // a single block fits in one MaxBlockLength request

	work := piece.Work{Index: 0, Length: 4, Digest: digest}
	brokeOnChoke, err := c.downloadPiece(context.Background(), work)
	if err != nil {
		t.Fatalf("downloadPiece returned error: %v", err)
	}
	if brokeOnChoke {
		t.Fatal("did not expect brokeOnChoke with an available permit")
	}

	select {
	case m := <-c.outbox:
		index, begin, length, ok := m.ParseRequest()
		if !ok || m.ID != wire.Request {
			t.Fatalf("expected a well-formed Request, got %+v", m)
		}
		if index != 0 || begin != 0 || length != 4 {
			t.Fatalf("unexpected request bounds: index=%d begin=%d length=%d", index, begin, length)
		}
	default:
		t.Fatal("expected a Request message in the outbox")
	}
}
