package engine

import (
	"fmt"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/slots"
)

// Snapshot returns the resident tiles of a layer that cover the current
// view, ordered by depth then index. Returned slots count as used.
func (e *Engine) Snapshot(id string, now time.Time) ([]slots.Ref, error) {
	l, ok := e.layers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return l.table.Snapshot(func(c healpix.Cell) bool {
		_, ok := l.coverage[c]
		return ok
	}, now), nil
}

// LayerCalibration is the calibration state of a layer.
type LayerCalibration struct {
	// Calibration is nil until the first scientific tile is decoded.
	Calibration *decode.Calibration `json:"calibration"`
	Cutoffs     decode.Cutoffs      `json:"cutoffs"`
	Override    bool                `json:"override"`
}

// Calibration returns the calibration of a layer.
func (e *Engine) Calibration(id string) (LayerCalibration, error) {
	l, ok := e.layers[id]
	if !ok {
		return LayerCalibration{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	out := LayerCalibration{Cutoffs: l.cutoffs, Override: l.override}
	if l.calibration != nil {
		cal := *l.calibration
		out.Calibration = &cal
	}
	return out, nil
}

// SetCalibration overrides the calibration of a layer. A nil cutoffs keeps
// the current ones.
func (e *Engine) SetCalibration(id string, cal decode.Calibration, cutoffs *decode.Cutoffs) error {
	l, ok := e.layers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	if cal.Scale == 0 {
		return fmt.Errorf("%w: calibration scale must not be zero", ErrInvalidLayer)
	}
	l.calibration = &cal
	l.override = true
	if cutoffs != nil {
		l.cutoffs = *cutoffs
	}
	return nil
}

// LayerTiles is a read-only view of a layer's slot table for rendering.
type LayerTiles struct {
	Info    LayerInfo
	Slots   []slots.Slot
	Cutoffs decode.Cutoffs
	// Calibration is the identity mapping for raster layers.
	Calibration decode.Calibration
}

// Tiles copies the slot table of a layer. Tiles are immutable and shared.
func (e *Engine) Tiles(id string) (LayerTiles, error) {
	l, ok := e.layers[id]
	if !ok {
		return LayerTiles{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	out := LayerTiles{
		Info:        l.info(),
		Slots:       l.table.Slots(),
		Cutoffs:     l.cutoffs,
		Calibration: decode.DefaultCalibration(),
	}
	if l.calibration != nil {
		out.Calibration = *l.calibration
	}
	return out, nil
}
