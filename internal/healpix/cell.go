// Package healpix implements the nested HEALPix cell hierarchy used to address sky tiles.
package healpix

import "fmt"

// MaxDepth is the deepest order addressable with a 64-bit nested index.
const MaxDepth = 29

// NumBaseCells is the number of depth-0 cells.
const NumBaseCells = 12

// Cell is a nested HEALPix cell.
type Cell struct {
	Depth uint8
	Index uint64
}

// NewCell returns the cell at depth/index, validating the index.
func NewCell(depth int, index uint64) (Cell, error) {
	if depth < 0 || depth > MaxDepth {
		return Cell{}, fmt.Errorf("depth %d out of range [0, %d]", depth, MaxDepth)
	}
	c := Cell{Depth: uint8(depth), Index: index}
	if !c.Valid() {
		return Cell{}, fmt.Errorf("index %d out of range for depth %d", index, depth)
	}
	return c, nil
}

// NumCells returns the number of cells at depth.
func NumCells(depth int) uint64 {
	return NumBaseCells << (2 * uint(depth))
}

// BaseCells returns every cell of the given depth in index order.
func BaseCells(depth int) []Cell {
	n := NumCells(depth)
	cells := make([]Cell, n)
	for i := uint64(0); i < n; i++ {
		cells[i] = Cell{Depth: uint8(depth), Index: i}
	}
	return cells
}

// Valid reports whether the index exists at the cell's depth.
func (c Cell) Valid() bool {
	return int(c.Depth) <= MaxDepth && c.Index < NumCells(int(c.Depth))
}

// Nside is the number of cells along a base-cell edge at this depth.
func (c Cell) Nside() uint64 {
	return 1 << c.Depth
}

// Parent returns the enclosing cell one level up. Depth-0 cells have no parent.
func (c Cell) Parent() (Cell, bool) {
	if c.Depth == 0 {
		return Cell{}, false
	}
	return Cell{Depth: c.Depth - 1, Index: c.Index >> 2}, true
}

// Ancestor returns the enclosing cell k levels up, stopping at depth 0.
func (c Cell) Ancestor(k int) Cell {
	if k > int(c.Depth) {
		k = int(c.Depth)
	}
	if k <= 0 {
		return c
	}
	return Cell{Depth: c.Depth - uint8(k), Index: c.Index >> (2 * uint(k))}
}

// Children returns the four cells one level down.
func (c Cell) Children() [4]Cell {
	var out [4]Cell
	base := c.Index << 2
	for i := range out {
		out[i] = Cell{Depth: c.Depth + 1, Index: base + uint64(i)}
	}
	return out
}

// Contains reports whether other is c or one of its descendants.
func (c Cell) Contains(other Cell) bool {
	if other.Depth < c.Depth {
		return false
	}
	return other.Ancestor(int(other.Depth-c.Depth)) == c
}

// Face returns the base cell this cell belongs to.
func (c Cell) Face() int {
	return int(c.Index >> (2 * uint(c.Depth)))
}

func (c Cell) String() string {
	return fmt.Sprintf("%d/%d", c.Depth, c.Index)
}

// Less orders cells by depth, then index.
func Less(a, b Cell) bool {
	if a.Depth != b.Depth {
		return a.Depth < b.Depth
	}
	return a.Index < b.Index
}
