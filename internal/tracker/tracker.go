// Package tracker announces this client's progress to a BitTorrent tracker
// over HTTP and decodes the peer list it returns.
package tracker

import (
	"context"
	"crypto/sha1"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/jackpal/bencode-go"
)

// Event is the optional lifecycle event announced alongside a poll.
type Event int

const (
	EventNone Event = iota
	EventStarted
	EventStopped
	EventCompleted
)

func (e Event) String() string {
	switch e {
	case EventStarted:
		return "started"
	case EventStopped:
		return "stopped"
	case EventCompleted:
		return "completed"
	default:
		return ""
	}
}

// maxResponseSize caps how much of a tracker's response body is read, as a
// defense against a misbehaving or malicious tracker sending unbounded data.
const maxResponseSize = 2 * 1024 * 1024

// AnnounceParams is everything a single announce call needs to build its
// query string.
type AnnounceParams struct {
	InfoHash   [sha1.Size]byte
	PeerID     [sha1.Size]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	Event      Event
}

// AnnounceResponse is the tracker's decoded reply.
type AnnounceResponse struct {
	Interval    time.Duration
	MinInterval time.Duration
	Seeders     int
	Leechers    int
	TrackerID   string
	Peers       []netip.AddrPort
}

var ErrFailure = errors.New("tracker: announce failed")

// HTTPTracker announces over plain HTTP(S) GET requests, the only announce
// transport this client implements; UDP-tracker and WebTorrent/WebSocket
// trackers are a Non-goal.
type HTTPTracker struct {
	announceURL string
	client      *http.Client

	mu        sync.RWMutex
	trackerID string
}

// NewHTTPTracker builds a tracker client for the given announce URL.
func NewHTTPTracker(announceURL string) *HTTPTracker {
	return &HTTPTracker{
		announceURL: announceURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				IdleConnTimeout:     30 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		},
	}
}

// Announce performs a single announce request and decodes the response.
func (t *HTTPTracker) Announce(ctx context.Context, p AnnounceParams) (*AnnounceResponse, error) {
	reqURL, err := t.buildAnnounceURL(p)
	if err != nil {
		return nil, fmt.Errorf("tracker: building announce url: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, fmt.Errorf("tracker: building request: %w", err)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tracker: announce request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker: unexpected status %d", resp.StatusCode)
	}

	body := io.LimitReader(resp.Body, maxResponseSize)
	ar, err := t.parseAnnounceResponse(body)
	if err != nil {
		return nil, err
	}

	if ar.TrackerID != "" {
		t.mu.Lock()
		t.trackerID = ar.TrackerID
		t.mu.Unlock()
	}

	return ar, nil
}

func (t *HTTPTracker) buildAnnounceURL(p AnnounceParams) (string, error) {
	u, err := url.Parse(t.announceURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("info_hash", string(p.InfoHash[:]))
	q.Set("peer_id", string(p.PeerID[:]))
	q.Set("port", strconv.Itoa(int(p.Port)))
	q.Set("uploaded", strconv.FormatInt(p.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(p.Downloaded, 10))
	q.Set("left", strconv.FormatInt(p.Left, 10))
	q.Set("compact", "1")

	if p.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(p.NumWant))
	}
	if p.Event != EventNone {
		q.Set("event", p.Event.String())
	}

	t.mu.RLock()
	trackerID := t.trackerID
	t.mu.RUnlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *HTTPTracker) parseAnnounceResponse(r io.Reader) (*AnnounceResponse, error) {
	var raw map[string]interface{}
	if err := bencode.Unmarshal(r, &raw); err != nil {
		return nil, fmt.Errorf("tracker: decoding response: %w", err)
	}

	if reason, ok := raw["failure reason"].(string); ok {
		return nil, fmt.Errorf("%w: %s", ErrFailure, reason)
	}

	ar := &AnnounceResponse{}

	// interval and min interval are both expressed in whole seconds, never
	// milliseconds.
	if secs, ok := raw["interval"].(int64); ok {
		ar.Interval = time.Duration(secs) * time.Second
	}
	if secs, ok := raw["min interval"].(int64); ok {
		ar.MinInterval = time.Duration(secs) * time.Second
	}
	if n, ok := raw["complete"].(int64); ok {
		ar.Seeders = int(n)
	}
	if n, ok := raw["incomplete"].(int64); ok {
		ar.Leechers = int(n)
	}
	if id, ok := raw["trackerid"].(string); ok {
		ar.TrackerID = id
	}

	peersRaw, ok := raw["peers"]
	if !ok {
		return nil, fmt.Errorf("tracker: response missing 'peers'")
	}
	peers, err := decodePeers(peersRaw, false)
	if err != nil {
		return nil, err
	}
	if peers6Raw, ok := raw["peers6"]; ok {
		peers6, err := decodePeers(peers6Raw, true)
		if err != nil {
			return nil, err
		}
		peers = append(peers, peers6...)
	}
	ar.Peers = peers

	return ar, nil
}
