// Package render draws slot-table atlases using fogleman/gg.
package render

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"math"
	"sync"

	"github.com/fogleman/gg"
	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/engine"
	"github.com/lsst-epo/aladin-lite/pkg/colormap"
	"golang.org/x/image/draw"
)

// Config contains renderer configuration.
type Config struct {
	// CellSize is the edge of one slot in the atlas, in pixels.
	CellSize        int
	Columns         int
	DefaultColormap string
}

// DefaultConfig returns a 64 px, 16 column atlas with a gray ramp.
func DefaultConfig() Config {
	return Config{CellSize: 64, Columns: 16, DefaultColormap: "gray"}
}

var (
	emptyColor  = color.RGBA{24, 24, 32, 255}
	pinnedColor = color.RGBA{255, 196, 0, 255}
)

// AtlasRenderer draws every slot of a layer into one image, in slot order.
type AtlasRenderer struct {
	config     Config
	bufferPool sync.Pool
}

// NewAtlasRenderer creates a renderer.
func NewAtlasRenderer(cfg Config) *AtlasRenderer {
	d := DefaultConfig()
	if cfg.CellSize <= 0 {
		cfg.CellSize = d.CellSize
	}
	if cfg.Columns <= 0 {
		cfg.Columns = d.Columns
	}
	if _, ok := colormap.Named(cfg.DefaultColormap); !ok {
		cfg.DefaultColormap = d.DefaultColormap
	}
	return &AtlasRenderer{
		config: cfg,
		bufferPool: sync.Pool{
			New: func() interface{} {
				return bytes.NewBuffer(make([]byte, 0, 64*1024))
			},
		},
	}
}

// Size returns the atlas dimensions for n slots.
func (r *AtlasRenderer) Size(n int) (w, h int) {
	cols := r.config.Columns
	if n < cols {
		cols = max(n, 1)
	}
	rows := max((n+cols-1)/cols, 1)
	return cols * r.config.CellSize, rows * r.config.CellSize
}

// Render draws the slots of a layer. Occupied raster slots are scaled in,
// scientific slots go through the colormap between the layer cutoffs,
// empty slots are dark and pinned slots are outlined.
func (r *AtlasRenderer) Render(tiles engine.LayerTiles, colormapName string) ([]byte, error) {
	cmap, ok := colormap.Named(colormapName)
	if !ok {
		cmap, _ = colormap.Named(r.config.DefaultColormap)
	}

	w, h := r.Size(len(tiles.Slots))
	dc := gg.NewContext(w, h)
	dc.SetColor(color.Transparent)
	dc.Clear()

	cols := w / r.config.CellSize
	cell := r.config.CellSize
	for i, s := range tiles.Slots {
		x, y := (i%cols)*cell, (i/cols)*cell

		var src image.Image
		if s.Occupied && s.Tile != nil {
			src = tileImage(s.Tile, tiles.Calibration, tiles.Cutoffs, cmap)
		}
		if src == nil {
			dc.SetColor(emptyColor)
			dc.DrawRectangle(float64(x), float64(y), float64(cell), float64(cell))
			dc.Fill()
		} else {
			scaled := image.NewRGBA(image.Rect(0, 0, cell, cell))
			draw.BiLinear.Scale(scaled, scaled.Bounds(), src, src.Bounds(), draw.Src, nil)
			dc.DrawImage(scaled, x, y)
		}

		if s.Pinned {
			dc.SetColor(pinnedColor)
			dc.SetLineWidth(1)
			dc.DrawRectangle(float64(x)+0.5, float64(y)+0.5, float64(cell)-1, float64(cell)-1)
			dc.Stroke()
		}
	}

	return r.encodeContext(dc)
}

// tileImage converts the first frame of a tile to an image. Blank samples
// stay transparent.
func tileImage(t *decode.Tile, cal decode.Calibration, cut decode.Cutoffs, cmap colormap.Colormap) image.Image {
	if p, ok := t.Pixels.(*decode.RGBA); ok {
		return &image.RGBA{Pix: p.Pix, Stride: 4 * p.W, Rect: image.Rect(0, 0, p.W, p.H)}
	}

	w, h := t.Width(), t.Height()
	if w == 0 || h == 0 {
		return nil
	}
	span := cut.High - cut.Low
	if span == 0 || math.IsNaN(span) {
		span = 1
	}
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			raw, ok := decode.RawAt(t.Pixels, x, y)
			if !ok || cal.IsBlank(raw) {
				continue
			}
			img.Set(x, y, cmap.At((raw-cut.Low)/span))
		}
	}
	return img
}

func (r *AtlasRenderer) encodeContext(dc *gg.Context) ([]byte, error) {
	buf := r.bufferPool.Get().(*bytes.Buffer)
	defer func() {
		buf.Reset()
		r.bufferPool.Put(buf)
	}()

	encoder := png.Encoder{CompressionLevel: png.BestSpeed}
	if err := encoder.Encode(buf, dc.Image()); err != nil {
		return nil, err
	}

	// Copy buffer contents (buffer will be reused)
	result := make([]byte, buf.Len())
	copy(result, buf.Bytes())
	return result, nil
}
