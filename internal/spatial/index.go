// Package spatial maps a viewport to the HEALPix cells it shows.
package spatial

import (
	"math"
	"sort"

	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

// AncestorDistance is how many levels above a visible cell the prefetch ancestor sits.
const AncestorDistance = 3

// antipodalTolerance rejects cells with a corner this close (radians) to the
// point opposite the view center, where projections wrap around.
const antipodalTolerance = 1e-2

// Viewport describes what the camera shows.
type Viewport struct {
	Center   healpix.LonLat // radians
	Roll     float64        // radians
	Aperture float64        // horizontal field of view, radians
	Aspect   float64        // width / height
	Width    int            // pixels
	Frame    Frame
}

// Projection maps a unit vector, given in the viewport frame, to clip space
// where the screen is [-1, 1]². ok is false when the point cannot be mapped.
type Projection interface {
	ToClip(vp Viewport, v healpix.Vec3) (x, y float64, ok bool)
}

// Orthographic is the SIN projection: the visible hemisphere seen from infinity.
type Orthographic struct{}

// ToClip implements Projection.
func (Orthographic) ToClip(vp Viewport, v healpix.Vec3) (float64, float64, bool) {
	fwd, right, up := basis(vp)
	z := v.Dot(fwd)
	if z <= 0 {
		return 0, 0, false
	}
	half := halfWidth(vp)
	aspect := vp.Aspect
	if aspect <= 0 {
		aspect = 1
	}
	return v.Dot(right) / half, v.Dot(up) * aspect / half, true
}

// halfWidth is the projected half width of the screen.
func halfWidth(vp Viewport) float64 {
	a := math.Min(vp.Aperture, math.Pi)
	if a <= 0 {
		a = 1e-6
	}
	return math.Sin(a / 2)
}

// basis returns the view direction and the screen right/up axes.
func basis(vp Viewport) (fwd, right, up healpix.Vec3) {
	lon, lat := vp.Center.Lon, vp.Center.Lat
	fwd = vp.Center.Vec()
	east := healpix.Vec3{-math.Sin(lon), math.Cos(lon), 0}
	north := healpix.Vec3{-math.Sin(lat) * math.Cos(lon), -math.Sin(lat) * math.Sin(lon), math.Cos(lat)}
	// sky convention: east is to the left
	c, s := math.Cos(vp.Roll), math.Sin(vp.Roll)
	for i := 0; i < 3; i++ {
		right[i] = -east[i]*c + north[i]*s
		up[i] = east[i]*s + north[i]*c
	}
	return fwd, right, up
}

// Result is the output of Compute.
type Result struct {
	Depth     int
	Visible   []healpix.Cell
	Ancestors []healpix.Cell
}

// Index computes visible cells. It holds no state besides its projection.
type Index struct {
	proj Projection
}

// NewIndex creates an index; a nil projection means Orthographic.
func NewIndex(p Projection) *Index {
	if p == nil {
		p = Orthographic{}
	}
	return &Index{proj: p}
}

// Compute returns the visible cells of a layer at depth and, for cells deeper
// than minDepth+AncestorDistance, their ancestors at AncestorDistance.
func (ix *Index) Compute(vp Viewport, layerFrame Frame, depth, minDepth int) Result {
	visible := ix.Visible(vp, layerFrame, depth)
	res := Result{Depth: depth, Visible: visible}
	if depth <= minDepth+AncestorDistance {
		return res
	}
	seen := make(map[healpix.Cell]struct{})
	for _, c := range visible {
		a := c.Ancestor(AncestorDistance)
		if _, ok := seen[a]; ok {
			continue
		}
		seen[a] = struct{}{}
		res.Ancestors = append(res.Ancestors, a)
	}
	sort.Slice(res.Ancestors, func(i, j int) bool { return res.Ancestors[i].Index < res.Ancestors[j].Index })
	return res
}

// Visible returns the cells of depth, expressed in layerFrame, that intersect
// the screen, sorted by index.
func (ix *Index) Visible(vp Viewport, layerFrame Frame, depth int) []healpix.Cell {
	if depth < 0 {
		depth = 0
	}
	if depth > healpix.MaxDepth {
		depth = healpix.MaxDepth
	}
	center := vp.Center.Vec()
	cone := viewRadius(vp)

	candidates := healpix.BaseCells(0)
	for d := 0; ; d++ {
		kept := candidates[:0]
		for _, c := range candidates {
			if ix.inCone(c, center, cone, vp.Frame, layerFrame) {
				kept = append(kept, c)
			}
		}
		if d == depth {
			candidates = kept
			break
		}
		next := make([]healpix.Cell, 0, 4*len(kept))
		for _, c := range kept {
			children := c.Children()
			next = append(next, children[:]...)
		}
		candidates = next
	}

	out := make([]healpix.Cell, 0, len(candidates))
	for _, c := range candidates {
		if ix.onScreen(vp, c, center, layerFrame) {
			out = append(out, c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Index < out[j].Index })
	return out
}

// inCone is the coarse bounding-cone test used during descent.
func (ix *Index) inCone(c healpix.Cell, center healpix.Vec3, cone float64, viewFrame, layerFrame Frame) bool {
	cv := Convert(c.Center().Vec(), layerFrame, viewFrame)
	radius := 0.0
	for _, v := range c.Vertices() {
		radius = math.Max(radius, cv.Angle(Convert(v.Vec(), layerFrame, viewFrame)))
	}
	// cell edges bulge past the corner circle
	return center.Angle(cv) <= cone+1.2*radius
}

// onScreen projects the corners of c and tests them against the clip rectangle.
func (ix *Index) onScreen(vp Viewport, c healpix.Cell, center healpix.Vec3, layerFrame Frame) bool {
	minX, minY := math.Inf(1), math.Inf(1)
	maxX, maxY := math.Inf(-1), math.Inf(-1)
	for _, p := range c.Vertices() {
		v := Convert(p.Vec(), layerFrame, vp.Frame)
		if center.Angle(v) > math.Pi-antipodalTolerance {
			return false
		}
		x, y, ok := ix.proj.ToClip(vp, v)
		if !ok {
			return false
		}
		minX, maxX = math.Min(minX, x), math.Max(maxX, x)
		minY, maxY = math.Min(minY, y), math.Max(maxY, y)
	}
	return minX <= 1 && maxX >= -1 && minY <= 1 && maxY >= -1
}

// viewRadius is the angular radius of the circle through the screen corners.
func viewRadius(vp Viewport) float64 {
	half := halfWidth(vp)
	aspect := vp.Aspect
	if aspect <= 0 {
		aspect = 1
	}
	r := half * math.Sqrt(1+1/(aspect*aspect))
	if r >= 1 || vp.Aperture >= math.Pi {
		return math.Pi / 2
	}
	return math.Asin(r)
}

// DepthFor picks the tile depth whose pixels best match the screen resolution.
func DepthFor(vp Viewport, tileSize, minDepth, maxDepth int) int {
	if tileSize <= 0 {
		tileSize = 512
	}
	width := vp.Width
	if width <= 0 {
		width = 1024
	}
	aperture := math.Max(vp.Aperture, 1e-9)
	// a depth-0 cell spans sqrt(π/3) radians; each level halves it
	ratio := math.Sqrt(math.Pi/3) * float64(width) / (float64(tileSize) * aperture)
	depth := minDepth
	if ratio > 1 {
		depth = int(math.Ceil(math.Log2(ratio)))
	}
	if depth < minDepth {
		depth = minDepth
	}
	if depth > maxDepth {
		depth = maxDepth
	}
	return depth
}
