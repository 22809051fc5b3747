package engine

import (
	"fmt"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
	"github.com/lsst-epo/aladin-lite/internal/slots"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
)

// LayerConfig describes a layer to add.
type LayerConfig struct {
	// ID is generated when empty.
	ID       string
	URL      string
	Format   decode.Format
	TileSize int
	// MinDepth is the depth of the base set, fetched first and kept pinned.
	MinDepth int
	MaxDepth int
	// Capacity is the number of GPU slots; it must exceed the base set.
	Capacity int
	Frame    spatial.Frame
}

func (c *LayerConfig) applyDefaults() {
	if c.Format == 0 {
		c.Format = decode.FormatJPEG
	}
	if c.TileSize <= 0 {
		c.TileSize = 512
	}
	if c.MaxDepth <= 0 {
		c.MaxDepth = 9
	}
	if c.Capacity <= 0 {
		c.Capacity = 256
	}
}

func (c LayerConfig) validate() error {
	if c.MinDepth < 0 || c.MinDepth > c.MaxDepth || c.MaxDepth > healpix.MaxDepth {
		return fmt.Errorf("%w: depth range [%d, %d]", ErrInvalidLayer, c.MinDepth, c.MaxDepth)
	}
	if base := healpix.NumCells(c.MinDepth); uint64(c.Capacity) <= base {
		return fmt.Errorf("%w: capacity %d does not exceed the %d base cells", ErrInvalidLayer, c.Capacity, base)
	}
	return nil
}

// LayerInfo describes a layer for callers outside the control goroutine.
type LayerInfo struct {
	ID       string      `json:"id"`
	URL      string      `json:"url"`
	Format   string      `json:"format"`
	TileSize int         `json:"tile_size"`
	MinDepth int         `json:"min_depth"`
	MaxDepth int         `json:"max_depth"`
	Frame    string      `json:"frame"`
	Depth    int         `json:"depth"`
	Visible  int         `json:"visible"`
	Slots    slots.Stats `json:"slots"`
}

type layer struct {
	id     string
	cfg    LayerConfig
	source hips.Source
	table  *slots.Table
	base   []healpix.Cell

	// last reconciliation
	depth     int
	visible   []healpix.Cell
	ancestors []healpix.Cell
	// coverage holds the visible cells and every ancestor of them
	coverage map[healpix.Cell]struct{}

	calibration *decode.Calibration
	cutoffs     decode.Cutoffs
	override    bool
}

func (l *layer) isBase(c healpix.Cell) bool {
	return int(c.Depth) == l.cfg.MinDepth
}

// relevant reports whether a tile for c is still wanted by the layer.
func (l *layer) relevant(c healpix.Cell) bool {
	if l.isBase(c) {
		return true
	}
	_, ok := l.coverage[c]
	return ok
}

func (l *layer) setCoverage(res spatial.Result) {
	l.depth = res.Depth
	l.visible = res.Visible
	l.ancestors = res.Ancestors
	l.coverage = make(map[healpix.Cell]struct{}, len(res.Visible)*2)
	for _, c := range res.Visible {
		for d := 0; d <= int(c.Depth); d++ {
			a := c.Ancestor(d)
			if _, ok := l.coverage[a]; ok {
				break
			}
			l.coverage[a] = struct{}{}
		}
	}
}

// calibrate adopts the calibration of the first scientific tile.
func (l *layer) calibrate(t *decode.Tile) {
	if l.calibration != nil || t.Calibration == nil {
		return
	}
	cal := *t.Calibration
	l.calibration = &cal
	l.cutoffs = t.Cutoffs
}

func (l *layer) info() LayerInfo {
	return LayerInfo{
		ID:       l.id,
		URL:      l.source.RootURL,
		Format:   l.source.Format.String(),
		TileSize: l.source.TileSize,
		MinDepth: l.cfg.MinDepth,
		MaxDepth: l.cfg.MaxDepth,
		Frame:    l.cfg.Frame.String(),
		Depth:    l.depth,
		Visible:  len(l.visible),
		Slots:    l.table.Stats(),
	}
}
