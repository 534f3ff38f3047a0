package bitfield

import "testing"

func TestNewSizeRounding(t *testing.T) {
	cases := []struct {
		nbits    int
		wantLen  int
		wantBits int
	}{
		{0, 0, 0},
		{1, 1, 8},
		{8, 1, 8},
		{9, 2, 16},
		{17, 3, 24},
	}
	for _, c := range cases {
		bf := New(c.nbits)
		if len(bf) != c.wantLen {
			t.Fatalf("New(%d): len=%d, want %d", c.nbits, len(bf), c.wantLen)
		}
		if bf.Len() != c.wantBits {
			t.Fatalf("New(%d): Len()=%d, want %d", c.nbits, bf.Len(), c.wantBits)
		}
	}
}

func TestSetHasClearAndBounds(t *testing.T) {
	bf := New(10)
	if bf.Has(0) {
		t.Fatalf("fresh bitfield should be empty")
	}
	if !bf.Set(0) {
		t.Fatalf("Set(0) should report a change")
	}
	if !bf.Has(0) {
		t.Fatalf("Has(0) should be true after Set")
	}
	if bf.Set(0) {
		t.Fatalf("Set(0) again should report no change")
	}

	// out-of-range Set/Clear/Has must be silent no-ops, never panic.
	if bf.Set(-1) || bf.Set(1000) {
		t.Fatalf("out-of-range Set must report false")
	}
	if bf.Has(1000) {
		t.Fatalf("out-of-range Has must report false")
	}
	if !bf.Clear(0) {
		t.Fatalf("Clear(0) should report a change")
	}
	if bf.Has(0) {
		t.Fatalf("Has(0) should be false after Clear")
	}
}

func TestFromBytesAndToBytesIndependence(t *testing.T) {
	raw := []byte{0b10000000, 0b00000001}
	bf := FromBytes(raw)
	raw[0] = 0 // mutating the source must not affect bf
	if !bf.Has(0) {
		t.Fatalf("Has(0) should reflect the copied byte, not the mutated source")
	}

	out := bf.Bytes()
	out[0] = 0xFF
	if bf[0] == 0xFF {
		t.Fatalf("Bytes() must return a defensive copy")
	}
}

func TestStringRepresentation(t *testing.T) {
	bf := New(4)
	bf.Set(0)
	bf.Set(3)
	want := "10010000" // New(4) rounds up to one whole byte: 8 addressable bits
	if got := bf.String(); got != want {
		t.Fatalf("String() = %q, want %q", got, want)
	}
}

func TestCountAndEquals(t *testing.T) {
	a := New(16)
	a.Set(1)
	a.Set(15)
	if a.Count() != 2 {
		t.Fatalf("Count() = %d, want 2", a.Count())
	}
	if a.Any() == false || a.None() == true {
		t.Fatalf("Any/None mismatch for non-empty bitfield")
	}

	b := a.Clone()
	if !a.Equals(b) {
		t.Fatalf("clone should equal original")
	}
	b.Set(2)
	if a.Equals(b) {
		t.Fatalf("mutating clone must not affect original")
	}
}
