package slots

import (
	"testing"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

func cell(depth int, index uint64) healpix.Cell {
	return healpix.Cell{Depth: uint8(depth), Index: index}
}

func newTable(t *testing.T, capacity int) *Table {
	t.Helper()
	tbl, err := New(capacity, 16)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	return tbl
}

var tile = &decode.Tile{Format: decode.FormatPNG}

func TestAdmitSameCellTwiceIsTouch(t *testing.T) {
	tbl := newTable(t, 4)
	now := time.Now()

	s1, out, _ := tbl.Admit(cell(3, 42), tile, now)
	if out != Admitted {
		t.Fatalf("expected Admitted, got %v", out)
	}
	s2, out, _ := tbl.Admit(cell(3, 42), tile, now.Add(time.Second))
	if out != Touched || s2 != s1 {
		t.Fatalf("expected Touched on slot %d, got %v on %d", s1, out, s2)
	}
	if tbl.Len() != 1 {
		t.Fatalf("expected 1 occupied slot, got %d", tbl.Len())
	}
	s, _ := tbl.Lookup(cell(3, 42))
	if !s.LastTouch.Equal(now.Add(time.Second)) {
		t.Fatalf("touch should refresh last-touch time")
	}
}

func TestEvictsLeastRecentlyTouched(t *testing.T) {
	tbl := newTable(t, 4)
	now := time.Now()
	for i := uint64(0); i < 4; i++ {
		tbl.Admit(cell(5, i), tile, now.Add(time.Duration(i)*time.Millisecond))
	}
	// cell 0 becomes the most recent, leaving cell 1 as the oldest
	tbl.Touch(cell(5, 0), now.Add(10*time.Millisecond))

	slot, out, evicted := tbl.Admit(cell(5, 4), tile, now.Add(20*time.Millisecond))
	if out != Admitted {
		t.Fatalf("expected Admitted, got %v", out)
	}
	if evicted == nil || *evicted != cell(5, 1) {
		t.Fatalf("expected 5/1 to be evicted, got %v", evicted)
	}
	if tbl.Contains(cell(5, 1)) || !tbl.Contains(cell(5, 4)) {
		t.Fatalf("table contents wrong after eviction")
	}
	if s, _ := tbl.Lookup(cell(5, 4)); s.Index != slot {
		t.Fatalf("lookup returned slot %d, admission said %d", s.Index, slot)
	}
	if tbl.Stats().Evictions != 1 {
		t.Fatalf("expected 1 eviction, got %d", tbl.Stats().Evictions)
	}
}

func TestAllPinnedDefersAdmission(t *testing.T) {
	tbl := newTable(t, 3)
	now := time.Now()
	pins := []healpix.Cell{cell(0, 0), cell(0, 1), cell(0, 2)}
	tbl.SetPinned(pins)
	for _, c := range pins {
		tbl.Admit(c, tile, now)
	}

	_, out, evicted := tbl.Admit(cell(0, 3), tile, now)
	if out != Deferred || evicted != nil {
		t.Fatalf("expected Deferred without eviction, got %v / %v", out, evicted)
	}
	for _, c := range pins {
		if !tbl.Contains(c) {
			t.Fatalf("pinned cell %v was evicted", c)
		}
	}

	tbl.SetPinned(pins[1:])
	_, out, evicted = tbl.Admit(cell(0, 3), tile, now)
	if out != Admitted || evicted == nil || *evicted != cell(0, 0) {
		t.Fatalf("unpinned cell should be evicted once pins change, got %v / %v", out, evicted)
	}
}

func TestEvictionSkipsPinnedSlots(t *testing.T) {
	tbl := newTable(t, 2)
	now := time.Now()
	tbl.SetPinned([]healpix.Cell{cell(4, 1)})
	tbl.Admit(cell(4, 1), tile, now)
	tbl.Admit(cell(4, 2), tile, now.Add(time.Millisecond))

	_, _, evicted := tbl.Admit(cell(4, 3), tile, now.Add(2*time.Millisecond))
	if evicted == nil || *evicted != cell(4, 2) {
		t.Fatalf("expected the unpinned 4/2 to be evicted, got %v", evicted)
	}
}

func TestMissingMarkers(t *testing.T) {
	tbl := newTable(t, 2)
	now := time.Now()
	tbl.Admit(cell(3, 42), tile, now)

	tbl.MarkMissing(cell(3, 42))
	if tbl.Contains(cell(3, 42)) {
		t.Fatalf("a missing cell is never resident")
	}
	if !tbl.IsMissing(cell(3, 42)) || !tbl.Resolved(cell(3, 42)) {
		t.Fatalf("missing cell should be resolved")
	}
	if tbl.Resolved(cell(3, 43)) {
		t.Fatalf("unrequested cell should not be resolved")
	}

	tbl.Reset()
	if tbl.IsMissing(cell(3, 42)) || tbl.Len() != 0 {
		t.Fatalf("Reset should clear markers and slots")
	}
}

func TestSnapshotOrderAndFilter(t *testing.T) {
	tbl := newTable(t, 8)
	now := time.Now()
	for _, c := range []healpix.Cell{cell(6, 9), cell(3, 2), cell(6, 1), cell(0, 4)} {
		tbl.Admit(c, tile, now)
	}

	refs := tbl.Snapshot(func(c healpix.Cell) bool { return c.Depth > 0 }, now.Add(time.Second))
	want := []healpix.Cell{cell(3, 2), cell(6, 1), cell(6, 9)}
	if len(refs) != len(want) {
		t.Fatalf("expected %d refs, got %d", len(want), len(refs))
	}
	for i, r := range refs {
		if r.Cell != want[i] {
			t.Fatalf("ref %d: expected %v, got %v", i, want[i], r.Cell)
		}
		s, _ := tbl.Lookup(r.Cell)
		if s.Index != r.Slot || !s.LastTouch.Equal(now.Add(time.Second)) {
			t.Fatalf("snapshot should reference and touch the slot of %v", r.Cell)
		}
	}
}

func TestNewRejectsZeroCapacity(t *testing.T) {
	if _, err := New(0, 0); err == nil {
		t.Fatalf("expected error for zero capacity")
	}
}
