package tracker

import (
	"bytes"
	"crypto/sha1"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/jackpal/bencode-go"
)

func buildResponseBytes(t *testing.T, extra map[string]interface{}) []byte {
	t.Helper()
	body := map[string]interface{}{
		"interval": int64(1800),
		"complete": int64(3),
		"incomplete": int64(7),
		"peers": string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
	}
	for k, v := range extra {
		body[k] = v
	}
	var buf bytes.Buffer
	if err := bencode.Marshal(&buf, body); err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	return buf.Bytes()
}

func TestAnnounceParsesCompactPeersAndIntervalAsSeconds(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildResponseBytes(t, nil))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	resp, err := tr.Announce(t.Context(), AnnounceParams{
		InfoHash: sha1.Sum([]byte("x")),
		PeerID:   sha1.Sum([]byte("y")),
		Port:     6881,
		Left:     100,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}
	if resp.Interval.Seconds() != 1800 {
		t.Fatalf("Interval = %v, want 1800s", resp.Interval)
	}
	if resp.Seeders != 3 || resp.Leechers != 7 {
		t.Fatalf("Seeders/Leechers = %d/%d", resp.Seeders, resp.Leechers)
	}
	if len(resp.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(resp.Peers))
	}
	if resp.Peers[0].Addr().String() != "127.0.0.1" || resp.Peers[0].Port() != 0x1AE1 {
		t.Fatalf("Peers[0] = %v", resp.Peers[0])
	}
}

func TestAnnounceFailureReasonSurfacesError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(buildResponseBytes(t, map[string]interface{}{"failure reason": "banned"}))
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	_, err := tr.Announce(t.Context(), AnnounceParams{})
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestBuildAnnounceURLIncludesCompactAndCachedTrackerID(t *testing.T) {
	tr := NewHTTPTracker("http://tracker.example/announce")
	tr.trackerID = "abc123"

	u, err := tr.buildAnnounceURL(AnnounceParams{
		InfoHash: sha1.Sum([]byte("x")),
		PeerID:   sha1.Sum([]byte("y")),
		Port:     6881,
		Left:     10,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("buildAnnounceURL: %v", err)
	}
	for _, want := range []string{"compact=1", "trackerid=abc123", "event=started", "port=6881"} {
		if !bytes.Contains([]byte(u), []byte(want)) {
			t.Fatalf("url %q missing %q", u, want)
		}
	}
}

func TestDecodePeersRejectsMisalignedCompactData(t *testing.T) {
	_, err := decodePeers(string([]byte{1, 2, 3}), false)
	if err == nil {
		t.Fatalf("expected error for misaligned compact peers")
	}
}

func TestDecodePeersDictionaryModel(t *testing.T) {
	list := []interface{}{
		map[string]interface{}{"ip": "10.0.0.1", "port": int64(6881)},
	}
	peers, err := decodePeers(list, false)
	if err != nil {
		t.Fatalf("decodePeers: %v", err)
	}
	if len(peers) != 1 || peers[0].Port() != 6881 {
		t.Fatalf("peers = %v", peers)
	}
}
