// Package colormap provides color schemes for scientific tiles.
package colormap

import (
	"image/color"
	"sort"
	"strings"
)

// Colormap maps normalized values [0, 1] to colors.
type Colormap interface {
	At(t float64) color.Color
}

// LinearColormap is a linear interpolation colormap.
type LinearColormap struct {
	colors []color.RGBA
}

// At returns the color at position t (0-1).
func (c LinearColormap) At(t float64) color.Color {
	if t <= 0 || t != t {
		return c.colors[0]
	}
	if t >= 1 {
		return c.colors[len(c.colors)-1]
	}

	idx := t * float64(len(c.colors)-1)
	lower := int(idx)
	upper := lower + 1
	if upper >= len(c.colors) {
		upper = len(c.colors) - 1
	}
	return interpolate(c.colors[lower], c.colors[upper], idx-float64(lower))
}

func interpolate(c1, c2 color.RGBA, t float64) color.RGBA {
	return color.RGBA{
		R: uint8(float64(c1.R) + t*(float64(c2.R)-float64(c1.R)) + 0.5),
		G: uint8(float64(c1.G) + t*(float64(c2.G)-float64(c1.G)) + 0.5),
		B: uint8(float64(c1.B) + t*(float64(c2.B)-float64(c1.B)) + 0.5),
		A: 255,
	}
}

// Gray is the default ramp for survey tiles.
var Gray = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 0, 255},
		{255, 255, 255, 255},
	},
}

// Viridis colormap (matplotlib viridis)
var Viridis = LinearColormap{
	colors: []color.RGBA{
		{68, 1, 84, 255},
		{72, 35, 116, 255},
		{64, 67, 135, 255},
		{52, 94, 141, 255},
		{41, 120, 142, 255},
		{32, 144, 140, 255},
		{34, 167, 132, 255},
		{68, 190, 112, 255},
		{121, 209, 81, 255},
		{189, 222, 38, 255},
		{253, 231, 37, 255},
	},
}

// Inferno colormap
var Inferno = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{40, 11, 84, 255},
		{101, 21, 110, 255},
		{159, 42, 99, 255},
		{212, 72, 66, 255},
		{245, 125, 21, 255},
		{250, 193, 39, 255},
		{252, 255, 164, 255},
	},
}

// Magma colormap
var Magma = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 4, 255},
		{28, 16, 68, 255},
		{79, 18, 123, 255},
		{129, 37, 129, 255},
		{181, 54, 122, 255},
		{229, 80, 100, 255},
		{251, 135, 97, 255},
		{254, 194, 135, 255},
		{252, 253, 191, 255},
	},
}

// Eosb approximates the blue-white-red ramp used for CMB maps.
var Eosb = LinearColormap{
	colors: []color.RGBA{
		{0, 0, 90, 255},
		{0, 64, 200, 255},
		{120, 180, 255, 255},
		{255, 255, 255, 255},
		{255, 170, 90, 255},
		{210, 40, 20, 255},
		{110, 0, 0, 255},
	},
}

var named = map[string]Colormap{
	"gray":    Gray,
	"grey":    Gray,
	"viridis": Viridis,
	"inferno": Inferno,
	"magma":   Magma,
	"eosb":    Eosb,
}

// Named looks a colormap up by case-insensitive name.
func Named(name string) (Colormap, bool) {
	c, ok := named[strings.ToLower(name)]
	return c, ok
}

// Names lists the registered colormap names.
func Names() []string {
	out := make([]string, 0, len(named))
	for n := range named {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}
