package peerconn

import (
	"bytes"
	"crypto/sha1"
	"log/slog"
	"net/netip"
	"testing"

	"github.com/riverrun/leech/internal/swarm"
	"github.com/riverrun/leech/internal/wire"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(new(bytes.Buffer), nil))
}

func TestHandleMessageChokeUnchoke(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:1")
	c := &Connection{
		log:      discardLogger(),
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: DefaultSettings(),
		outbox:   make(chan *wire.Message, 8),
		permits:  make(chan struct{}, UnchokePermitTokens),
	}
	c.setState(maskAmChoking|maskPeerChoking, true)

	c.handleMessage(wire.MessageUnchoke())
	if c.PeerChoking() {
		t.Fatalf("expected PeerChoking()==false after Unchoke")
	}
	if len(c.permits) != UnchokePermitTokens {
		t.Fatalf("expected %d permits granted on unchoke, got %d", UnchokePermitTokens, len(c.permits))
	}

	c.handleMessage(wire.MessageChoke())
	if !c.PeerChoking() {
		t.Fatalf("expected PeerChoking()==true after Choke")
	}
}

func TestHandleMessageUnknownIDIsDiscarded(t *testing.T) {
	coord := swarm.New(4, 4, [][sha1.Size]byte{sha1.Sum([]byte("abcd"))})
	addr := netip.MustParseAddrPort("127.0.0.1:2")
	c := &Connection{
		log:      discardLogger(),
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: DefaultSettings(),
		outbox:   make(chan *wire.Message, 8),
		permits:  make(chan struct{}, 8),
	}

	// Must not panic and must not change any interest/choke state.
	c.handleMessage(&wire.Message{ID: wire.MessageID(200), Payload: []byte{1, 2, 3}})
	if c.PeerInterested() || c.AmInterested() {
		t.Fatalf("unknown message must not mutate peer state")
	}
}

func TestHandleMessageBitfieldAndHave(t *testing.T) {
	coord := swarm.New(32, 32, [][sha1.Size]byte{sha1.Sum(make([]byte, 32))})
	addr := netip.MustParseAddrPort("127.0.0.1:3")
	c := &Connection{
		log:      discardLogger(),
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: DefaultSettings(),
		outbox:   make(chan *wire.Message, 8),
		permits:  make(chan struct{}, 8),
	}

	c.handleMessage(wire.MessageBitfield([]byte{0x80}))
	if !c.peer.Has(0) {
		t.Fatalf("expected bit 0 set after BITFIELD")
	}

	c.handleMessage(wire.MessageHave(1))
	if !c.peer.Has(1) {
		t.Fatalf("expected bit 1 set after HAVE")
	}
}

func TestHandleMessagePieceDeliversToCoordinator(t *testing.T) {
	data := []byte("abcd1234")
	coord := swarm.New(int64(len(data)), int32(len(data)), [][sha1.Size]byte{sha1.Sum(data)})
	addr := netip.MustParseAddrPort("127.0.0.1:4")

	var gotIndex int
	var gotBytes []byte
	c := &Connection{
		log:   discardLogger(),
		addr:  addr,
		coord: coord,
		peer:  coord.AddPeer(addr),
		onPiece: func(index int, b []byte) {
			gotIndex, gotBytes = index, b
		},
		outbox:  make(chan *wire.Message, 8),
		permits: make(chan struct{}, 8),
	}

	c.handleMessage(wire.MessagePiece(0, 0, data))
	if gotIndex != 0 || string(gotBytes) != string(data) {
		t.Fatalf("onPiece not invoked as expected: index=%d bytes=%q", gotIndex, gotBytes)
	}
}
