// Package slots manages the fixed-capacity table of GPU-resident tiles of a layer.
package slots

import (
	"container/list"
	"errors"
	"fmt"
	"sort"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

// ErrCapacity is returned for a table that cannot hold anything.
var ErrCapacity = errors.New("slots: invalid capacity")

// DefaultMissingCapacity bounds the number of remembered missing cells.
const DefaultMissingCapacity = 4096

// Outcome is the result of an admission.
type Outcome uint8

const (
	// Admitted means the tile took an empty or evicted slot.
	Admitted Outcome = iota + 1
	// Touched means the cell was already resident; its slot was refreshed.
	Touched
	// Deferred means every slot is pinned; nothing changed.
	Deferred
)

func (o Outcome) String() string {
	switch o {
	case Admitted:
		return "admitted"
	case Touched:
		return "touched"
	case Deferred:
		return "deferred"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Slot is one entry of the table.
type Slot struct {
	Index     int
	Cell      healpix.Cell
	Occupied  bool
	Pinned    bool
	LastTouch time.Time
	Tile      *decode.Tile

	element *list.Element // position in the LRU list while occupied
}

// Ref is a resident tile handed to the renderer.
type Ref struct {
	Cell healpix.Cell `json:"cell"`
	Slot int          `json:"slot"`
}

// Stats contains table usage counters.
type Stats struct {
	Capacity  int    `json:"capacity"`
	Occupied  int    `json:"occupied"`
	Pinned    int    `json:"pinned"`
	Missing   int    `json:"missing"`
	Evictions uint64 `json:"evictions"`
	Deferrals uint64 `json:"deferrals"`
}

// Table maps cells to slots. It is owned by a single goroutine.
type Table struct {
	slots  []Slot
	byCell map[healpix.Cell]int
	free   []int

	// LRU list of occupied slot indices (front = most recently touched)
	lruList *list.List

	pinned  map[healpix.Cell]struct{}
	missing *lru.Cache[healpix.Cell, struct{}]

	evictions uint64
	deferrals uint64
}

// New creates a table with capacity slots.
func New(capacity, missingCapacity int) (*Table, error) {
	if capacity <= 0 {
		return nil, fmt.Errorf("%w: %d", ErrCapacity, capacity)
	}
	if missingCapacity <= 0 {
		missingCapacity = DefaultMissingCapacity
	}
	missing, err := lru.New[healpix.Cell, struct{}](missingCapacity)
	if err != nil {
		return nil, fmt.Errorf("failed to create missing set: %w", err)
	}
	t := &Table{
		slots:   make([]Slot, capacity),
		byCell:  make(map[healpix.Cell]int, capacity),
		lruList: list.New(),
		pinned:  make(map[healpix.Cell]struct{}),
		missing: missing,
	}
	t.resetSlots()
	return t, nil
}

func (t *Table) resetSlots() {
	t.free = t.free[:0]
	for i := len(t.slots) - 1; i >= 0; i-- {
		t.slots[i] = Slot{Index: i}
		t.free = append(t.free, i)
	}
}

// Admit places tile for cell into the table. evicted is set when a resident
// cell had to make room.
func (t *Table) Admit(c healpix.Cell, tile *decode.Tile, now time.Time) (slot int, out Outcome, evicted *healpix.Cell) {
	if i, ok := t.byCell[c]; ok {
		t.touchSlot(i, now)
		return i, Touched, nil
	}

	var i int
	if n := len(t.free); n > 0 {
		i = t.free[n-1]
		t.free = t.free[:n-1]
	} else {
		victim := t.victim()
		if victim < 0 {
			t.deferrals++
			return -1, Deferred, nil
		}
		old := t.slots[victim].Cell
		t.release(victim)
		t.evictions++
		evicted = &old
		i = victim
		t.free = t.free[:len(t.free)-1]
	}

	_, pinned := t.pinned[c]
	t.slots[i] = Slot{Index: i, Cell: c, Occupied: true, Pinned: pinned, LastTouch: now, Tile: tile}
	t.slots[i].element = t.lruList.PushFront(i)
	t.byCell[c] = i
	t.missing.Remove(c)
	return i, Admitted, evicted
}

// victim returns the least recently touched unpinned slot, or -1.
func (t *Table) victim() int {
	for el := t.lruList.Back(); el != nil; el = el.Prev() {
		i := el.Value.(int)
		if !t.slots[i].Pinned {
			return i
		}
	}
	return -1
}

// release empties slot i and returns it to the free list.
func (t *Table) release(i int) {
	s := &t.slots[i]
	if s.element != nil {
		t.lruList.Remove(s.element)
	}
	delete(t.byCell, s.Cell)
	*s = Slot{Index: i}
	t.free = append(t.free, i)
}

func (t *Table) touchSlot(i int, now time.Time) {
	s := &t.slots[i]
	s.LastTouch = now
	t.lruList.MoveToFront(s.element)
}

// Touch refreshes a resident cell. It reports whether the cell is resident.
func (t *Table) Touch(c healpix.Cell, now time.Time) bool {
	i, ok := t.byCell[c]
	if ok {
		t.touchSlot(i, now)
	}
	return ok
}

// Remove evicts a cell regardless of its pin.
func (t *Table) Remove(c healpix.Cell) bool {
	i, ok := t.byCell[c]
	if ok {
		t.release(i)
	}
	return ok
}

// Lookup returns the slot holding c.
func (t *Table) Lookup(c healpix.Cell) (Slot, bool) {
	i, ok := t.byCell[c]
	if !ok {
		return Slot{}, false
	}
	return t.slots[i], true
}

// Contains reports whether c is resident.
func (t *Table) Contains(c healpix.Cell) bool {
	_, ok := t.byCell[c]
	return ok
}

// SetPinned replaces the pin set.
func (t *Table) SetPinned(cells []healpix.Cell) {
	t.pinned = make(map[healpix.Cell]struct{}, len(cells))
	for _, c := range cells {
		t.pinned[c] = struct{}{}
	}
	for i := range t.slots {
		s := &t.slots[i]
		if !s.Occupied {
			continue
		}
		_, s.Pinned = t.pinned[s.Cell]
	}
}

// MarkMissing records that the server has no tile for c. A resident copy is dropped.
func (t *Table) MarkMissing(c healpix.Cell) {
	t.Remove(c)
	t.missing.Add(c, struct{}{})
}

// IsMissing reports whether c is known to be missing.
func (t *Table) IsMissing(c healpix.Cell) bool {
	return t.missing.Contains(c)
}

// Resolved reports whether c needs no fetch: resident or missing.
func (t *Table) Resolved(c healpix.Cell) bool {
	return t.Contains(c) || t.IsMissing(c)
}

// Snapshot returns resident cells accepted by keep, ordered by depth then
// index, touching each returned slot.
func (t *Table) Snapshot(keep func(healpix.Cell) bool, now time.Time) []Ref {
	refs := make([]Ref, 0, len(t.byCell))
	for c, i := range t.byCell {
		if keep != nil && !keep(c) {
			continue
		}
		refs = append(refs, Ref{Cell: c, Slot: i})
	}
	sort.Slice(refs, func(a, b int) bool { return healpix.Less(refs[a].Cell, refs[b].Cell) })
	for _, r := range refs {
		t.touchSlot(r.Slot, now)
	}
	return refs
}

// Slots returns a copy of every slot in index order.
func (t *Table) Slots() []Slot {
	out := make([]Slot, len(t.slots))
	copy(out, t.slots)
	for i := range out {
		out[i].element = nil
	}
	return out
}

// Reset empties the table, the pin set and the missing markers.
func (t *Table) Reset() {
	t.lruList.Init()
	clear(t.byCell)
	t.pinned = make(map[healpix.Cell]struct{})
	t.missing.Purge()
	t.resetSlots()
}

// Len returns the number of occupied slots.
func (t *Table) Len() int { return len(t.byCell) }

// Cap returns the number of slots.
func (t *Table) Cap() int { return len(t.slots) }

// Stats returns usage counters.
func (t *Table) Stats() Stats {
	pinned := 0
	for _, i := range t.byCell {
		if t.slots[i].Pinned {
			pinned++
		}
	}
	return Stats{
		Capacity:  len(t.slots),
		Occupied:  len(t.byCell),
		Pinned:    pinned,
		Missing:   t.missing.Len(),
		Evictions: t.evictions,
		Deferrals: t.deferrals,
	}
}
