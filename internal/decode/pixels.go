package decode

import (
	"math"
	"sort"
)

// Pixels is a decoded pixel buffer. The set of implementations is closed.
type Pixels interface {
	Width() int
	Height() int
	pixels()
}

// RGBA holds 8-bit RGBA samples from a raster tile.
type RGBA struct {
	W, H int
	Pix  []uint8
}

// Gray8 holds BITPIX 8 samples.
type Gray8 struct {
	W, H int
	Data []uint8
}

// Int16 holds BITPIX 16 samples.
type Int16 struct {
	W, H int
	Data []int16
}

// Int32 holds BITPIX 32 samples.
type Int32 struct {
	W, H int
	Data []int32
}

// Float32 holds BITPIX -32 samples.
type Float32 struct {
	W, H int
	Data []float32
}

// Float64 holds BITPIX -64 samples.
type Float64 struct {
	W, H int
	Data []float64
}

func (p *RGBA) Width() int     { return p.W }
func (p *RGBA) Height() int    { return p.H }
func (p *Gray8) Width() int    { return p.W }
func (p *Gray8) Height() int   { return p.H }
func (p *Int16) Width() int    { return p.W }
func (p *Int16) Height() int   { return p.H }
func (p *Int32) Width() int    { return p.W }
func (p *Int32) Height() int   { return p.H }
func (p *Float32) Width() int  { return p.W }
func (p *Float32) Height() int { return p.H }
func (p *Float64) Width() int  { return p.W }
func (p *Float64) Height() int { return p.H }

func (*RGBA) pixels()    {}
func (*Gray8) pixels()   {}
func (*Int16) pixels()   {}
func (*Int32) pixels()   {}
func (*Float32) pixels() {}
func (*Float64) pixels() {}

// RawAt returns the stored sample at (x, y) as float64. ok is false for RGBA buffers.
func RawAt(p Pixels, x, y int) (v float64, ok bool) {
	i := y*p.Width() + x
	switch b := p.(type) {
	case *Gray8:
		return float64(b.Data[i]), true
	case *Int16:
		return float64(b.Data[i]), true
	case *Int32:
		return float64(b.Data[i]), true
	case *Float32:
		return float64(b.Data[i]), true
	case *Float64:
		return b.Data[i], true
	case *RGBA:
		return 0, false
	}
	return 0, false
}

// Calibration maps stored samples to physical values.
type Calibration struct {
	Scale    float64 `json:"scale"`
	Offset   float64 `json:"offset"`
	Blank    float64 `json:"blank"`
	HasBlank bool    `json:"has_blank"`
}

// DefaultCalibration is the identity mapping without a blank value.
func DefaultCalibration() Calibration {
	return Calibration{Scale: 1}
}

// Physical applies the linear calibration.
func (c Calibration) Physical(raw float64) float64 {
	return c.Offset + c.Scale*raw
}

// IsBlank reports whether raw is the no-data sentinel.
func (c Calibration) IsBlank(raw float64) bool {
	if math.IsNaN(raw) {
		return true
	}
	return c.HasBlank && raw == c.Blank
}

// Cutoffs bound the displayed range of a scientific layer, in raw units.
type Cutoffs struct {
	Low  float64 `json:"low"`
	High float64 `json:"high"`
}

// cutoffs takes the 1st and 99th percentiles of the valid samples.
func cutoffs(p Pixels, cal Calibration) Cutoffs {
	w, h := p.Width(), p.Height()
	values := make([]float64, 0, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			v, ok := RawAt(p, x, y)
			if !ok || cal.IsBlank(v) || math.IsInf(v, 0) {
				continue
			}
			values = append(values, v)
		}
	}
	if len(values) == 0 {
		return Cutoffs{}
	}
	sort.Float64s(values)
	last := len(values) - 1
	return Cutoffs{
		Low:  values[int(0.01*float64(last))],
		High: values[int(0.99*float64(last))],
	}
}
