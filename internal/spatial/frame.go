package spatial

import (
	"fmt"
	"strings"

	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

// Frame is a celestial coordinate frame.
type Frame uint8

const (
	FrameICRS Frame = iota
	FrameGalactic
)

// ParseFrame accepts "icrs"/"equatorial"/"c" and "galactic"/"g".
func ParseFrame(s string) (Frame, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "icrs", "icrsj2000", "equatorial", "c":
		return FrameICRS, nil
	case "galactic", "gal", "g":
		return FrameGalactic, nil
	default:
		return 0, fmt.Errorf("unknown frame %q", s)
	}
}

func (f Frame) String() string {
	if f == FrameGalactic {
		return "galactic"
	}
	return "icrs"
}

// icrsToGal rotates ICRS unit vectors into the galactic frame.
var icrsToGal = [3][3]float64{
	{-0.0548755604162154, -0.8734370902348850, -0.4838350155487132},
	{0.4941094278755837, -0.4448296299600112, 0.7469822444972189},
	{-0.8676661490190047, -0.1980763734312015, 0.4559837761750669},
}

// Convert expresses v, given in from, in the frame to.
func Convert(v healpix.Vec3, from, to Frame) healpix.Vec3 {
	if from == to {
		return v
	}
	m := icrsToGal
	var out healpix.Vec3
	if from == FrameICRS {
		for i := 0; i < 3; i++ {
			out[i] = m[i][0]*v[0] + m[i][1]*v[1] + m[i][2]*v[2]
		}
		return out
	}
	for i := 0; i < 3; i++ {
		out[i] = m[0][i]*v[0] + m[1][i]*v[1] + m[2][i]*v[2]
	}
	return out
}
