package piece

import (
	"crypto/sha1"
	"testing"
)

func work(t *testing.T, data []byte) Work {
	t.Helper()
	return Work{Index: 0, Length: int32(len(data)), Digest: sha1.Sum(data)}
}

func TestAddBlockCompletesInOrder(t *testing.T) {
	data := make([]byte, 8)
	for i := range data {
		data[i] = byte(i)
	}
	w := work(t, data)
	s := NewSlot(w)

	res, ok := s.AddBlock(0, data[0:4])
	if !ok || res.Completed {
		t.Fatalf("first half should not complete the piece: %+v ok=%v", res, ok)
	}
	res, ok = s.AddBlock(4, data[4:8])
	if !ok || !res.Completed || !res.Verified {
		t.Fatalf("second half should complete+verify: %+v ok=%v", res, ok)
	}
	if !s.Downloaded() {
		t.Fatalf("slot should be marked downloaded")
	}
}

func TestAddBlockOutOfOrderStillCompletes(t *testing.T) {
	data := []byte("abcdefgh")
	w := work(t, data)
	s := NewSlot(w)

	if _, ok := s.AddBlock(4, data[4:]); !ok {
		t.Fatalf("AddBlock rejected a valid block")
	}
	res, ok := s.AddBlock(0, data[:4])
	if !ok || !res.Completed || !res.Verified {
		t.Fatalf("out-of-order completion failed: %+v", res)
	}
	if string(res.Bytes) != string(data) {
		t.Fatalf("assembled bytes = %q, want %q", res.Bytes, data)
	}
}

func TestAddBlockCorruptionResetsSlot(t *testing.T) {
	data := []byte("0123456789ABCDEF")
	w := work(t, data)
	s := NewSlot(w)
	s.TryReserve("peerA")

	wrong := []byte("XXXXXXXXXXXXXXXX")
	res, ok := s.AddBlock(0, wrong)
	if !ok || !res.Completed || res.Verified {
		t.Fatalf("expected completed-but-unverified on corrupt data: %+v", res)
	}
	if s.Downloaded() {
		t.Fatalf("corrupt piece must not be marked downloaded")
	}
	if s.IsReserved() {
		t.Fatalf("corrupt piece must release its reservation")
	}

	// Re-reservation and a correct delivery should now succeed.
	if !s.TryReserve("peerB") {
		t.Fatalf("slot should be reservable again after corruption")
	}
	res, ok = s.AddBlock(0, data)
	if !ok || !res.Completed || !res.Verified {
		t.Fatalf("retry with correct data should verify: %+v", res)
	}
}

func TestAddBlockRejectsOutOfRange(t *testing.T) {
	data := []byte("short")
	w := work(t, data)
	s := NewSlot(w)

	if _, ok := s.AddBlock(-1, data); ok {
		t.Fatalf("negative begin must be rejected")
	}
	if _, ok := s.AddBlock(3, []byte("toolongforthispiece")); ok {
		t.Fatalf("block extending past piece length must be rejected")
	}
}

func TestReservationIsExclusive(t *testing.T) {
	s := NewSlot(work(t, []byte("x")))
	if !s.TryReserve("a") {
		t.Fatalf("first reservation should succeed")
	}
	if s.TryReserve("b") {
		t.Fatalf("second concurrent reservation must fail")
	}
	s.ReleaseIfOwnedBy("a")
	if !s.TryReserve("b") {
		t.Fatalf("reservation should succeed after release")
	}
}

func TestReleaseIfOwnedByIgnoresWrongPeer(t *testing.T) {
	s := NewSlot(work(t, []byte("x")))
	s.TryReserve("a")
	s.ReleaseIfOwnedBy("b") // not the owner; must be a no-op
	if !s.IsReserved() {
		t.Fatalf("release by a non-owning peer must not clear the reservation")
	}
}
