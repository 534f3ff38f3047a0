package peerconn

import (
	"context"
	"crypto/sha1"
	"net"
	"net/netip"
	"testing"
	"time"

	"github.com/riverrun/leech/internal/swarm"
	"github.com/riverrun/leech/internal/wire"
)

// TestConnectionFullLifecycleOverPipe drives a Connection's readLoop,
// writeLoop, and requestLoop together (via Run) against a scripted fake peer
// on the other end of a net.Pipe: bitfield, interest, unchoke, request, piece
// delivery, end to end in real wire bytes rather than a hand-built Message.
func TestConnectionFullLifecycleOverPipe(t *testing.T) {
	data := []byte("0123456789abcdef")
	digest := sha1.Sum(data)
	coord := swarm.New(int64(len(data)), int32(len(data)), [][sha1.Size]byte{digest})
	addr := netip.MustParseAddrPort("127.0.0.1:6001")

	clientConn, peerConn := net.Pipe()

	delivered := make(chan []byte, 1)
	c := &Connection{
		log:      discardLogger(),
		conn:     clientConn,
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: DefaultSettings(),
		onPiece: func(index int, b []byte) {
			delivered <- b
		},
		outbox:  make(chan *wire.Message, 8),
		permits: make(chan struct{}, 8),
	}
	c.setState(maskAmChoking|maskPeerChoking, true)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	runErr := make(chan error, 1)
	go func() { runErr <- c.Run(ctx) }()

	fakePeerErr := make(chan error, 1)
	go func() { fakePeerErr <- scriptFakePeer(peerConn, data) }()

	select {
	case got := <-delivered:
		if string(got) != string(data) {
			t.Fatalf("onPiece delivered %q, want %q", got, data)
		}
	case err := <-fakePeerErr:
		t.Fatalf("fake peer script failed before piece delivery: %v", err)
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for piece delivery")
	}

	cancel()
	_ = peerConn.Close()
	<-runErr
}

// scriptFakePeer plays the remote side of a handshake-less peer session:
// announce a bitfield claiming the single piece, wait for INTERESTED, send
// UNCHOKE, wait for the resulting REQUEST, and answer it with PIECE.
func scriptFakePeer(conn net.Conn, data []byte) error {
	if err := wire.WriteMessage(conn, wire.MessageBitfield([]byte{0x80})); err != nil {
		return err
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return err
		}
		if wire.IsKeepAlive(msg) {
			continue
		}
		if msg.ID == wire.Interested {
			break
		}
	}

	if err := wire.WriteMessage(conn, wire.MessageUnchoke()); err != nil {
		return err
	}

	for {
		msg, err := wire.ReadMessage(conn)
		if err != nil {
			return err
		}
		if wire.IsKeepAlive(msg) {
			continue
		}
		if msg.ID == wire.Request {
			index, begin, _, ok := msg.ParseRequest()
			if !ok {
				continue
			}
			return wire.WriteMessage(conn, wire.MessagePiece(index, begin, data))
		}
	}
}
