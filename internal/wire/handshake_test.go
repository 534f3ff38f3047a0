package wire

import (
	"bytes"
	"crypto/sha1"
	"testing"
)

func TestHandshakeRoundTrip(t *testing.T) {
	var infoHash, peerID [sha1.Size]byte
	copy(infoHash[:], bytes.Repeat([]byte{0xAB}, sha1.Size))
	copy(peerID[:], bytes.Repeat([]byte{0xCD}, sha1.Size))

	h := NewHandshake(infoHash, peerID)
	raw, err := h.MarshalBinary()
	if err != nil {
		t.Fatalf("MarshalBinary: %v", err)
	}
	if len(raw) != 68 {
		t.Fatalf("len(raw) = %d, want 68", len(raw))
	}

	var got Handshake
	if err := got.UnmarshalBinary(raw); err != nil {
		t.Fatalf("UnmarshalBinary: %v", err)
	}
	if got.InfoHash != infoHash || got.PeerID != peerID {
		t.Fatalf("round trip mismatch: %+v", got)
	}
}

func TestHandshakeLengthZeroRejected(t *testing.T) {
	var h Handshake
	if err := h.UnmarshalBinary([]byte{0}); err != ErrHandshakeLenZero {
		t.Fatalf("err = %v, want ErrHandshakeLenZero", err)
	}
}

func TestHandshakeExchangeVerifiesInfoHash(t *testing.T) {
	var infoHash, otherHash, peerA, peerB [sha1.Size]byte
	copy(infoHash[:], bytes.Repeat([]byte{0x01}, sha1.Size))
	copy(otherHash[:], bytes.Repeat([]byte{0x02}, sha1.Size))
	copy(peerA[:], bytes.Repeat([]byte{0x03}, sha1.Size))
	copy(peerB[:], bytes.Repeat([]byte{0x04}, sha1.Size))

	local := *NewHandshake(infoHash, peerA)
	remote := NewHandshake(otherHash, peerB)

	remoteRaw, _ := remote.MarshalBinary()
	pipe := &loopback{in: bytes.NewReader(remoteRaw), out: &bytes.Buffer{}}

	if _, err := local.Exchange(pipe, true); err != ErrInfoHashMismatch {
		t.Fatalf("err = %v, want ErrInfoHashMismatch", err)
	}
}

// loopback lets Exchange's write go one place and its read come from another,
// without needing a real network connection.
type loopback struct {
	in  *bytes.Reader
	out *bytes.Buffer
}

func (l *loopback) Read(p []byte) (int, error)  { return l.in.Read(p) }
func (l *loopback) Write(p []byte) (int, error) { return l.out.Write(p) }
