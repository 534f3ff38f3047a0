package strategy

import (
	"testing"

	"github.com/riverrun/leech/internal/bitfield"
)

func bf(bits ...int) bitfield.Bitfield {
	b := bitfield.New(8)
	for _, i := range bits {
		b.Set(i)
	}
	return b
}

func TestSequentialPicksLowestNeededIndex(t *testing.T) {
	needed := []bool{false, true, true}
	idx, ok := Sequential(needed, nil)
	if !ok || idx != 1 {
		t.Fatalf("Sequential = (%d, %v), want (1, true)", idx, ok)
	}
}

func TestRarestFirstPrefersLeastAvailable(t *testing.T) {
	needed := []bool{true, true, true}
	peers := []bitfield.Bitfield{
		bf(0, 1, 2),
		bf(0, 1),
		bf(0),
	}
	idx, ok := RarestFirst(needed, peers)
	if !ok || idx != 2 {
		t.Fatalf("RarestFirst = (%d, %v), want (2, true)", idx, ok)
	}
}

func TestRarestFirstFallsBackWithNoPeers(t *testing.T) {
	needed := []bool{false, true}
	idx, ok := RarestFirst(needed, nil)
	if !ok || idx != 1 {
		t.Fatalf("RarestFirst = (%d, %v), want (1, true)", idx, ok)
	}
}

func TestRarestFirstReturnsFalseWhenNothingNeeded(t *testing.T) {
	needed := []bool{false, false}
	if _, ok := RarestFirst(needed, []bitfield.Bitfield{bf(0)}); ok {
		t.Fatalf("expected ok=false")
	}
}
