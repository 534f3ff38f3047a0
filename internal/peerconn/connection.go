// Package peerconn owns one TCP connection to a remote peer: the handshake,
// the concurrent reader/writer halves, and the requester state machine that
// decides what to ask for.
package peerconn

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverrun/leech/internal/bitfield"
	"github.com/riverrun/leech/internal/metrics"
	"github.com/riverrun/leech/internal/swarm"
	"github.com/riverrun/leech/internal/wire"
	"golang.org/x/sync/errgroup"
)

const (
	maskAmChoking = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// Default timeouts, per the spec's concurrency & resource model. These back
// DefaultSettings and are overridden per-Connection by whatever the caller
// loads from config.Config.
const (
	DialTimeout         = 6 * time.Second
	HandshakeTimeout    = 3 * time.Second
	ReadTimeout         = 10 * time.Second
	WriteTimeout        = 10 * time.Second
	KeepAliveIdle       = 120 * time.Second
	BlockPermitTimeout  = 5 * time.Second
	UnchokePermitTokens = 128
)

// Settings carries the timeouts and limits a Connection needs, sourced from
// config.Config so a user's config file override actually reaches the wire.
type Settings struct {
	DialTimeout         time.Duration
	HandshakeTimeout    time.Duration
	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	KeepAliveIdle       time.Duration
	BlockPermitTimeout  time.Duration
	UnchokePermitTokens int
}

// DefaultSettings returns the package's built-in defaults.
func DefaultSettings() Settings {
	return Settings{
		DialTimeout:         DialTimeout,
		HandshakeTimeout:    HandshakeTimeout,
		ReadTimeout:         ReadTimeout,
		WriteTimeout:        WriteTimeout,
		KeepAliveIdle:       KeepAliveIdle,
		BlockPermitTimeout:  BlockPermitTimeout,
		UnchokePermitTokens: UnchokePermitTokens,
	}
}

var ErrUnchokedButNoPermit = errors.New("peerconn: timed out waiting for a request permit")

// OnPieceComplete is invoked once per piece, the first time it verifies.
type OnPieceComplete func(index int, data []byte)

// Connection manages one peer's TCP socket for its whole lifetime.
type Connection struct {
	log      *slog.Logger
	conn     net.Conn
	addr     netip.AddrPort
	coord    *swarm.Coordinator
	peer     *swarm.PeerState
	settings Settings
	metrics  *metrics.Registry

	infoHash  [sha1.Size]byte
	localID   [sha1.Size]byte
	onPiece   OnPieceComplete

	state     uint32
	outbox    chan *wire.Message
	permits   chan struct{}
	lastActiv atomic.Int64

	stats PeerStats

	closeOnce sync.Once
	cancel    context.CancelFunc
}

// PeerStats are monotonically increasing, atomically updated counters.
type PeerStats struct {
	Downloaded        atomic.Uint64
	Uploaded          atomic.Uint64
	MessagesReceived  atomic.Uint64
	MessagesSent      atomic.Uint64
	PiecesReceived    atomic.Uint64
	IntegrityFailures atomic.Uint64
}

// Dial opens a TCP connection to addr, performs the handshake, and returns a
// Connection ready to Run. settings carries the timeouts/limits this
// connection should use; pass DefaultSettings() to get the package defaults.
func Dial(addr netip.AddrPort, infoHash, localID [sha1.Size]byte, coord *swarm.Coordinator, log *slog.Logger, onPiece OnPieceComplete, settings Settings) (*Connection, error) {
	netConn, err := net.DialTimeout("tcp", addr.String(), settings.DialTimeout)
	if err != nil {
		return nil, fmt.Errorf("peerconn: dial %s: %w", addr, err)
	}

	_ = netConn.SetDeadline(time.Now().Add(settings.HandshakeTimeout))
	hs := wire.NewHandshake(infoHash, localID)
	if _, err := hs.Exchange(netConn, true); err != nil {
		_ = netConn.Close()
		return nil, fmt.Errorf("peerconn: handshake %s: %w", addr, err)
	}
	_ = netConn.SetDeadline(time.Time{})

	c := &Connection{
		log:      log.With("addr", addr),
		conn:     netConn,
		addr:     addr,
		coord:    coord,
		peer:     coord.AddPeer(addr),
		settings: settings,
		infoHash: infoHash,
		localID:  localID,
		onPiece:  onPiece,
		outbox:   make(chan *wire.Message, 256),
		permits:  make(chan struct{}, 1<<20),
	}
	c.setState(maskAmChoking|maskPeerChoking, true)
	c.lastActiv.Store(time.Now().UnixNano())

	return c, nil
}

// Run drives the reader, writer, and requester concurrently until any one
// of them exits, then tears the whole connection down.
func (c *Connection) Run(ctx context.Context) error {
	defer c.Close()

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return c.readLoop(gctx) })
	g.Go(func() error { return c.writeLoop(gctx) })
	g.Go(func() error { return c.requestLoop(gctx) })

	return g.Wait()
}

// Close tears down the connection and releases any reservation held by this
// peer. Safe to call multiple times and from multiple goroutines.
func (c *Connection) Close() {
	c.closeOnce.Do(func() {
		if c.cancel != nil {
			c.cancel()
		}
		_ = c.conn.Close()
		c.coord.RemovePeer(c.addr)
		c.log.Debug("peer connection closed")
	})
}

func (c *Connection) getState(mask uint32) bool { return atomic.LoadUint32(&c.state)&mask != 0 }

func (c *Connection) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&c.state)
		next := old &^ mask
		if on {
			next = old | mask
		}
		if atomic.CompareAndSwapUint32(&c.state, old, next) {
			return
		}
	}
}

func (c *Connection) PeerChoking() bool    { return c.getState(maskPeerChoking) }
func (c *Connection) AmInterested() bool   { return c.getState(maskAmInterested) }
func (c *Connection) PeerInterested() bool { return c.getState(maskPeerInterested) }

// SetMetrics attaches a process-wide metrics registry this connection
// reports into. Nil (the default) disables reporting; safe to call once
// before Run.
func (c *Connection) SetMetrics(m *metrics.Registry) { c.metrics = m }

// Stats returns a point-in-time snapshot of this connection's counters.
func (c *Connection) Stats() PeerStats {
	var s PeerStats
	s.Downloaded.Store(c.stats.Downloaded.Load())
	s.Uploaded.Store(c.stats.Uploaded.Load())
	s.MessagesReceived.Store(c.stats.MessagesReceived.Load())
	s.MessagesSent.Store(c.stats.MessagesSent.Load())
	s.PiecesReceived.Store(c.stats.PiecesReceived.Load())
	s.IntegrityFailures.Store(c.stats.IntegrityFailures.Load())
	return s
}

func (c *Connection) enqueue(m *wire.Message) bool {
	select {
	case c.outbox <- m:
		return true
	default:
		return false
	}
}

func (c *Connection) sendInterested() {
	if !c.getState(maskAmInterested) {
		c.setState(maskAmInterested, true)
		c.enqueue(wire.MessageInterested())
	}
}

func (c *Connection) sendNotInterested() {
	if c.getState(maskAmInterested) {
		c.setState(maskAmInterested, false)
		c.enqueue(wire.MessageNotInterested())
	}
}

func (c *Connection) readLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		default:
		}

		_ = c.conn.SetReadDeadline(time.Now().Add(c.settings.ReadTimeout))
		msg, err := wire.ReadMessage(c.conn)
		if err != nil {
			if ne, ok := err.(net.Error); ok && ne.Timeout() {
				return fmt.Errorf("peerconn: read timeout: %w", err)
			}
			return fmt.Errorf("peerconn: read: %w", err)
		}

		c.stats.MessagesReceived.Add(1)
		if c.metrics != nil {
			c.metrics.MessagesReceived.Inc()
		}
		c.lastActiv.Store(time.Now().UnixNano())

		if wire.IsKeepAlive(msg) {
			continue
		}
		c.handleMessage(msg)
	}
}

// handleMessage dispatches a received message. Unknown ids are discarded
// without tearing down the connection, per the wire protocol's forward
// compatibility requirement.
func (c *Connection) handleMessage(m *wire.Message) {
	switch m.ID {
	case wire.Choke:
		c.setState(maskPeerChoking, true)
	case wire.Unchoke:
		c.setState(maskPeerChoking, false)
		c.grantPermits(c.settings.UnchokePermitTokens)
	case wire.Interested:
		c.setState(maskPeerInterested, true)
	case wire.NotInterested:
		c.setState(maskPeerInterested, false)
	case wire.Bitfield:
		c.peer.SetBitfield(bitfield.FromBytes(m.Payload))
	case wire.Have:
		if idx, ok := m.ParseHave(); ok {
			c.peer.SetHave(int(idx))
		}
	case wire.Piece:
		index, begin, block, ok := m.ParsePiece()
		if !ok {
			return
		}
		c.stats.PiecesReceived.Add(1)
		c.stats.Downloaded.Add(uint64(len(block)))
		if c.metrics != nil {
			c.metrics.BytesDownloaded.Add(float64(len(block)))
		}
		c.grantPermits(1)

		res, ok := c.coord.Deliver(int(index), int32(begin), block)
		if !ok {
			return
		}
		if res.Completed && !res.Verified {
			c.stats.IntegrityFailures.Add(1)
			if c.metrics != nil {
				c.metrics.PiecesCorrupt.Inc()
			}
		}
		if res.Completed && res.Verified {
			if c.metrics != nil {
				c.metrics.PiecesVerified.Inc()
			}
			if c.onPiece != nil {
				c.onPiece(int(index), res.Bytes)
			}
		}
	case wire.Request, wire.Cancel:
		// No seeding in this core; accepted but not served.
	default:
		// Unknown message id: discard silently.
	}
}

func (c *Connection) writeLoop(ctx context.Context) error {
	idle := time.NewTicker(c.settings.KeepAliveIdle)
	defer idle.Stop()

	haveCh, unsubscribe := c.coord.Haves().Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			return nil

		case m, ok := <-c.outbox:
			if !ok {
				return nil
			}
			if err := c.writeMessage(m); err != nil {
				return err
			}

		case idx, ok := <-haveCh:
			if !ok {
				continue
			}
			if c.peer.Has(int(idx)) {
				continue // avoid a redundant HAVE (S6).
			}
			c.enqueue(wire.MessageHave(idx))

		case <-idle.C:
			lastActiv := time.Unix(0, c.lastActiv.Load())
			if time.Since(lastActiv) >= c.settings.KeepAliveIdle {
				c.enqueue(nil)
			}
		}
	}
}

func (c *Connection) writeMessage(m *wire.Message) error {
	_ = c.conn.SetWriteDeadline(time.Now().Add(c.settings.WriteTimeout))
	if err := wire.WriteMessage(c.conn, m); err != nil {
		return fmt.Errorf("peerconn: write: %w", err)
	}
	c.stats.MessagesSent.Add(1)
	if c.metrics != nil {
		c.metrics.MessagesSent.Inc()
	}
	c.lastActiv.Store(time.Now().UnixNano())
	if m != nil && m.ID == wire.Piece && len(m.Payload) >= 8 {
		uploaded := uint64(len(m.Payload) - 8)
		c.stats.Uploaded.Add(uploaded)
		if c.metrics != nil {
			c.metrics.BytesUploaded.Add(float64(uploaded))
		}
	}
	return nil
}

func (c *Connection) grantPermits(n int) {
	for i := 0; i < n; i++ {
		select {
		case c.permits <- struct{}{}:
		default:
			return // permit pool saturated; more than enough in flight already
		}
	}
}
