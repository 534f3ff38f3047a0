// Package session orchestrates one torrent download end to end: parsing the
// metainfo, standing up the piece coordinator and output sink, polling the
// tracker, and dialing peers as they're discovered.
package session

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/riverrun/leech/internal/config"
	"github.com/riverrun/leech/internal/metainfo"
	"github.com/riverrun/leech/internal/metrics"
	"github.com/riverrun/leech/internal/peerconn"
	"github.com/riverrun/leech/internal/sink"
	"github.com/riverrun/leech/internal/swarm"
	"github.com/riverrun/leech/internal/tracker"
	"golang.org/x/sync/errgroup"
)

// Stats is a point-in-time snapshot of session progress, safe to marshal to
// JSON for the admin status endpoint.
type Stats struct {
	Name             string  `json:"name"`
	TotalPieces      int     `json:"total_pieces"`
	VerifiedPieces   int     `json:"verified_pieces"`
	Progress         float64 `json:"progress"`
	ConnectedPeers   int     `json:"connected_peers"`
	BytesDownloaded  uint64  `json:"bytes_downloaded"`
	MessagesReceived uint64  `json:"messages_received"`
}

// Session drives a single torrent from metainfo to completion.
type Session struct {
	log      *slog.Logger
	meta     *metainfo.Metainfo
	clientID [sha1.Size]byte
	coord    *swarm.Coordinator
	sink     sink.Sink
	poller   *tracker.Poller

	downloaded atomic.Uint64
	metrics    *metrics.Registry

	connsMu sync.Mutex
	conns   map[netip.AddrPort]*peerconn.Connection
}

// SetMetrics attaches a process-wide metrics registry this session, its
// tracker poller, and every peer connection it dials report into. Nil (the
// default) disables reporting; safe to call once before Run.
func (s *Session) SetMetrics(m *metrics.Registry) {
	s.metrics = m
	s.poller.SetMetrics(m)
}

// New builds a Session for the torrent described by metainfo bytes, writing
// its output under cfg.DownloadDir.
func New(torrentData []byte, log *slog.Logger) (*Session, error) {
	cfg := config.Load()

	mi, err := metainfo.Parse(torrentData)
	if err != nil {
		return nil, fmt.Errorf("session: parsing metainfo: %w", err)
	}

	size := mi.Size()
	outPath := filepath.Join(cfg.DownloadDir, mi.Info.Name)
	fileSink, err := sink.NewFileSink(outPath, size, mi.Info.PieceLength)
	if err != nil {
		return nil, fmt.Errorf("session: creating output file: %w", err)
	}

	coord := swarm.New(size, mi.Info.PieceLength, mi.Info.Pieces)

	log = log.With("torrent", mi.Info.Name, "info_hash", mi.InfoHash)

	s := &Session{
		log:      log,
		meta:     mi,
		clientID: cfg.ClientID,
		coord:    coord,
		sink:     fileSink,
		conns:    make(map[netip.AddrPort]*peerconn.Connection),
	}

	announceURL, err := selectAnnounceURL(mi)
	if err != nil {
		return nil, err
	}
	s.poller = tracker.NewPoller(announceURL, log, s.announceParams, s.onPeersDiscovered, cfg.MinAnnounceInterval)

	return s, nil
}

var ErrNoHTTPTracker = errors.New("session: torrent has no http(s) announce URL")

// selectAnnounceURL picks the first http(s) tracker URL out of the
// announce-list tiers, falling back to the top-level announce field only if
// it is itself http(s). UDP (and any other non-HTTP) tracker entries are
// skipped; this engine only speaks the bencoded-HTTP tracker protocol.
func selectAnnounceURL(mi *metainfo.Metainfo) (string, error) {
	for _, tier := range mi.AnnounceList {
		for _, u := range tier {
			if isHTTPTrackerURL(u) {
				return u, nil
			}
		}
	}
	if isHTTPTrackerURL(mi.Announce) {
		return mi.Announce, nil
	}
	return "", ErrNoHTTPTracker
}

func isHTTPTrackerURL(raw string) bool {
	return strings.HasPrefix(raw, "http://") || strings.HasPrefix(raw, "https://")
}

// Run drives the session until ctx is cancelled or the download completes.
func (s *Session) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return s.poller.Run(gctx) })
	g.Go(func() error {
		for !s.coord.IsComplete() {
			select {
			case <-gctx.Done():
				return nil
			case <-time.After(time.Second):
			}
		}
		cancel()
		return nil
	})

	err := g.Wait()
	if cerr := s.sink.Close(); cerr != nil {
		s.log.Error("closing output file", "error", cerr)
	}
	return err
}

// Stats returns a snapshot of current progress.
func (s *Session) Stats() Stats {
	s.connsMu.Lock()
	peers := len(s.conns)
	var received uint64
	for _, c := range s.conns {
		received += c.Stats().MessagesReceived.Load()
	}
	s.connsMu.Unlock()

	total := s.coord.NumPieces()
	verified := s.coord.VerifiedCount()
	progress := 0.0
	if total > 0 {
		progress = 100.0 * float64(verified) / float64(total)
	}

	return Stats{
		Name:             s.meta.Info.Name,
		TotalPieces:      total,
		VerifiedPieces:   verified,
		Progress:         progress,
		ConnectedPeers:   peers,
		BytesDownloaded:  s.downloaded.Load(),
		MessagesReceived: received,
	}
}

func (s *Session) announceParams() tracker.AnnounceParams {
	cfg := config.Load()
	total := s.meta.Size()
	left := total - int64(s.downloaded.Load())
	if left < 0 {
		left = 0
	}

	return tracker.AnnounceParams{
		InfoHash:   s.meta.InfoHash,
		PeerID:     s.clientID,
		Port:       cfg.Port,
		Downloaded: int64(s.downloaded.Load()),
		Left:       left,
		NumWant:    cfg.NumWant,
	}
}

func (s *Session) onPeersDiscovered(peers []netip.AddrPort) {
	for _, addr := range peers {
		s.connsMu.Lock()
		_, exists := s.conns[addr]
		s.connsMu.Unlock()
		if exists {
			continue
		}
		if len(s.conns) >= config.Load().MaxPeers {
			return
		}
		go s.connectPeer(addr)
	}
}

func (s *Session) connectPeer(addr netip.AddrPort) {
	conn, err := peerconn.Dial(addr, s.meta.InfoHash, s.clientID, s.coord, s.log, s.onPieceComplete, peerSettings(config.Load()))
	if err != nil {
		s.log.Debug("dial failed", "peer", addr, "error", err)
		return
	}
	if s.metrics != nil {
		conn.SetMetrics(s.metrics)
	}

	s.connsMu.Lock()
	s.conns[addr] = conn
	s.connsMu.Unlock()
	s.reportPeerCount()

	defer func() {
		s.connsMu.Lock()
		delete(s.conns, addr)
		s.connsMu.Unlock()
		s.reportPeerCount()
	}()

	if err := conn.Run(context.Background()); err != nil {
		s.log.Debug("connection ended", "peer", addr, "error", err)
	}
}

func (s *Session) reportPeerCount() {
	if s.metrics == nil {
		return
	}
	s.connsMu.Lock()
	n := len(s.conns)
	s.connsMu.Unlock()
	s.metrics.PeersConnected.Set(float64(n))
}

// peerSettings translates the live config into the timeouts/limits a
// peerconn.Connection consults, so a user's config-file override actually
// reaches the wire instead of being shadowed by package defaults.
func peerSettings(cfg *config.Config) peerconn.Settings {
	return peerconn.Settings{
		DialTimeout:         cfg.DialTimeout,
		HandshakeTimeout:    cfg.HandshakeTimeout,
		ReadTimeout:         cfg.ReadTimeout,
		WriteTimeout:        cfg.WriteTimeout,
		KeepAliveIdle:       cfg.KeepAliveIdle,
		BlockPermitTimeout:  cfg.BlockPermitTimeout,
		UnchokePermitTokens: cfg.UnchokePermitTokens,
	}
}

func (s *Session) onPieceComplete(index int, data []byte) {
	work := s.coord.PieceWork(index)
	if err := s.sink.WritePiece(index, work.Length, data); err != nil {
		s.log.Error("writing piece to disk", "index", index, "error", err)
		s.coord.MarkCorrupt(index)
		return
	}
	s.downloaded.Add(uint64(len(data)))
	s.log.Info("piece complete", "index", index, "progress", s.Stats().Progress)
}
