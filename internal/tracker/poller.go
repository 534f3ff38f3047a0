package tracker

import (
	"context"
	"log/slog"
	"net/netip"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/riverrun/leech/internal/metrics"
)

// defaultMinPollInterval is the minInterval NewPoller uses when given zero.
// The poller's minInterval is the floor applied whenever a tracker omits (or
// sends an unusably small) interval.
const defaultMinPollInterval = 30 * time.Second

// ParamsFunc supplies fresh announce parameters (current uploaded/downloaded/
// left counters) for each poll.
type ParamsFunc func() AnnounceParams

// PeersFunc is invoked with the peer list from every successful announce.
type PeersFunc func([]netip.AddrPort)

// Poller drives repeated announces against a single HTTPTracker on the
// interval the tracker itself requests, retrying transient failures with
// exponential backoff instead of hammering a struggling tracker.
type Poller struct {
	tracker     *HTTPTracker
	log         *slog.Logger
	params      ParamsFunc
	onPeers     PeersFunc
	minInterval time.Duration
	metrics     *metrics.Registry
}

// SetMetrics attaches a process-wide metrics registry this poller reports
// into. Nil (the default) disables reporting; safe to call once before Run.
func (p *Poller) SetMetrics(m *metrics.Registry) { p.metrics = m }

// NewPoller builds a Poller for announceURL. minInterval floors the poll
// interval even if the tracker requests something shorter, sourced from
// config.Config.MinAnnounceInterval; a zero value falls back to
// defaultMinPollInterval.
func NewPoller(announceURL string, log *slog.Logger, params ParamsFunc, onPeers PeersFunc, minInterval time.Duration) *Poller {
	if minInterval <= 0 {
		minInterval = defaultMinPollInterval
	}
	return &Poller{
		tracker:     NewHTTPTracker(announceURL),
		log:         log.With("component", "tracker"),
		params:      params,
		onPeers:     onPeers,
		minInterval: minInterval,
	}
}

// Run announces EventStarted immediately, then repeats on the tracker's
// requested interval until ctx is cancelled, at which point it makes a
// best-effort EventStopped announce before returning.
func (p *Poller) Run(ctx context.Context) error {
	interval, err := p.announce(ctx, EventStarted)
	if err != nil {
		p.log.Warn("initial announce failed", "error", err)
		interval = p.minInterval
	}

	timer := time.NewTimer(interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if _, err := p.announce(sctx, EventStopped); err != nil {
				p.log.Debug("stopped announce failed", "error", err)
			}
			cancel()
			return nil

		case <-timer.C:
			next, err := p.announce(ctx, EventNone)
			if err != nil {
				next = p.minInterval
			}
			timer.Reset(next)
		}
	}
}

// announce performs one announce, retrying transient errors with backoff
// capped to a handful of attempts so a dead tracker doesn't stall the caller
// indefinitely. It returns the interval to wait before the next poll.
func (p *Poller) announce(ctx context.Context, event Event) (time.Duration, error) {
	eb := backoff.NewExponentialBackOff()
	eb.InitialInterval = time.Second
	eb.MaxInterval = p.minInterval
	policy := backoff.WithContext(backoff.WithMaxRetries(eb, 4), ctx)

	var resp *AnnounceResponse
	operation := func() error {
		params := p.params()
		params.Event = event

		r, err := p.tracker.Announce(ctx, params)
		if err != nil {
			p.log.Debug("announce attempt failed", "error", err)
			return err
		}
		resp = r
		return nil
	}

	if err := backoff.Retry(operation, policy); err != nil {
		if p.metrics != nil {
			p.metrics.AnnounceFailures.Inc()
		}
		return 0, err
	}

	p.log.Info("announce ok",
		"peers", len(resp.Peers),
		"seeders", resp.Seeders,
		"leechers", resp.Leechers,
	)

	if event != EventStopped && p.onPeers != nil {
		p.onPeers(resp.Peers)
	}

	interval := resp.Interval
	if resp.MinInterval > interval {
		interval = resp.MinInterval
	}
	if interval < p.minInterval {
		interval = p.minInterval
	}
	return interval, nil
}
