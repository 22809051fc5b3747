package healpix

import "math"

// LonLat is a position on the unit sphere in radians.
type LonLat struct {
	Lon float64
	Lat float64
}

// Vec3 is a unit vector.
type Vec3 [3]float64

// Vec returns the unit vector of p.
func (p LonLat) Vec() Vec3 {
	cl := math.Cos(p.Lat)
	return Vec3{cl * math.Cos(p.Lon), cl * math.Sin(p.Lon), math.Sin(p.Lat)}
}

// Dot returns the scalar product.
func (v Vec3) Dot(o Vec3) float64 {
	return v[0]*o[0] + v[1]*o[1] + v[2]*o[2]
}

// Cross returns the vector product.
func (v Vec3) Cross(o Vec3) Vec3 {
	return Vec3{
		v[1]*o[2] - v[2]*o[1],
		v[2]*o[0] - v[0]*o[2],
		v[0]*o[1] - v[1]*o[0],
	}
}

// Angle returns the angular distance to o in radians.
func (v Vec3) Angle(o Vec3) float64 {
	return math.Atan2(vecNorm(v.Cross(o)), v.Dot(o))
}

// LonLat converts v back to spherical coordinates, lon in [0, 2π).
func (v Vec3) LonLat() LonLat {
	lon := math.Atan2(v[1], v[0])
	if lon < 0 {
		lon += 2 * math.Pi
	}
	return LonLat{Lon: lon, Lat: math.Atan2(v[2], math.Hypot(v[0], v[1]))}
}

func vecNorm(v Vec3) float64 {
	return math.Sqrt(v.Dot(v))
}

// base cell layout: ring of the face's southern corner and its longitude offset
var (
	jrll = [NumBaseCells]int{2, 2, 2, 2, 3, 3, 3, 3, 4, 4, 4, 4}
	jpll = [NumBaseCells]int{1, 3, 5, 7, 0, 2, 4, 6, 1, 3, 5, 7}
)

// xy returns the face-local integer coordinates of the cell.
func (c Cell) xy() (face int, ix, iy uint64) {
	shift := 2 * uint(c.Depth)
	face = int(c.Index >> shift)
	ipf := c.Index & ((uint64(1) << shift) - 1)
	return face, compress(ipf), compress(ipf >> 1)
}

// faceLonLat maps fractional face coordinates x, y in [0, 1] to the sphere.
func faceLonLat(face int, x, y float64) LonLat {
	jr := float64(jrll[face]) - x - y
	var nr, z float64
	switch {
	case jr < 1:
		nr = jr
		z = 1 - nr*nr/3
	case jr > 3:
		nr = 4 - jr
		z = nr*nr/3 - 1
	default:
		nr = 1
		z = (2 - jr) * 2 / 3
	}
	tmp := float64(jpll[face])*nr + x - y
	if tmp < 0 {
		tmp += 8
	}
	if tmp >= 8 {
		tmp -= 8
	}
	var phi float64
	if nr > 1e-15 {
		phi = math.Pi / 4 * tmp / nr
	}
	return LonLat{Lon: phi, Lat: math.Asin(math.Max(-1, math.Min(1, z)))}
}

// Center returns the cell center.
func (c Cell) Center() LonLat {
	face, ix, iy := c.xy()
	n := float64(c.Nside())
	return faceLonLat(face, (float64(ix)+0.5)/n, (float64(iy)+0.5)/n)
}

// Vertices returns the north, west, south and east corners.
func (c Cell) Vertices() [4]LonLat {
	face, ix, iy := c.xy()
	n := float64(c.Nside())
	x0, y0 := float64(ix)/n, float64(iy)/n
	x1, y1 := float64(ix+1)/n, float64(iy+1)/n
	return [4]LonLat{
		faceLonLat(face, x1, y1),
		faceLonLat(face, x0, y1),
		faceLonLat(face, x0, y0),
		faceLonLat(face, x1, y0),
	}
}

// FromLonLat returns the cell at depth containing p.
func FromLonLat(depth int, p LonLat) Cell {
	nside := int64(1) << uint(depth)
	z := math.Sin(p.Lat)
	za := math.Abs(z)
	tt := math.Mod(p.Lon*2/math.Pi, 4)
	if tt < 0 {
		tt += 4
	}

	var face int
	var ix, iy int64
	if za <= 2.0/3.0 {
		temp1 := float64(nside) * (0.5 + tt)
		temp2 := float64(nside) * z * 0.75
		jp := int64(temp1 - temp2)
		jm := int64(temp1 + temp2)
		ifp := jp / nside
		ifm := jm / nside
		switch {
		case ifp == ifm:
			face = int(ifp | 4)
		case ifp < ifm:
			face = int(ifp)
		default:
			face = int(ifm + 8)
		}
		ix = jm & (nside - 1)
		iy = nside - (jp & (nside - 1)) - 1
	} else {
		ntt := int64(tt)
		if ntt > 3 {
			ntt = 3
		}
		tp := tt - float64(ntt)
		tmp := float64(nside) * math.Sqrt(3*(1-za))
		jp := int64(tp * tmp)
		jm := int64((1 - tp) * tmp)
		if jp > nside-1 {
			jp = nside - 1
		}
		if jm > nside-1 {
			jm = nside - 1
		}
		if z >= 0 {
			face = int(ntt)
			ix = nside - jm - 1
			iy = nside - jp - 1
		} else {
			face = int(ntt + 8)
			ix = jp
			iy = jm
		}
	}
	idx := uint64(face)<<(2*uint(depth)) + spread(uint64(ix)) + spread(uint64(iy))<<1
	return Cell{Depth: uint8(depth), Index: idx}
}

// spread interleaves the low 32 bits of v with zeros.
func spread(v uint64) uint64 {
	v &= 0xffffffff
	v = (v | v<<16) & 0x0000ffff0000ffff
	v = (v | v<<8) & 0x00ff00ff00ff00ff
	v = (v | v<<4) & 0x0f0f0f0f0f0f0f0f
	v = (v | v<<2) & 0x3333333333333333
	v = (v | v<<1) & 0x5555555555555555
	return v
}

// compress is the inverse of spread over the even bits of v.
func compress(v uint64) uint64 {
	v &= 0x5555555555555555
	v = (v | v>>1) & 0x3333333333333333
	v = (v | v>>2) & 0x0f0f0f0f0f0f0f0f
	v = (v | v>>4) & 0x00ff00ff00ff00ff
	v = (v | v>>8) & 0x0000ffff0000ffff
	v = (v | v>>16) & 0x00000000ffffffff
	return v
}
