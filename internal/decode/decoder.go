package decode

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg"
	_ "image/png"
	"io"

	"github.com/klauspost/compress/gzip"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
	xdraw "golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// ErrDecode matches every decoding failure.
var ErrDecode = errors.New("decode error")

// DecodeError describes a payload that could not be turned into pixels.
type DecodeError struct {
	Format Format
	Reason string
	Err    error
}

func (e *DecodeError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("decode %s: %s: %v", e.Format, e.Reason, e.Err)
	}
	return fmt.Sprintf("decode %s: %s", e.Format, e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Err }

func (e *DecodeError) Is(target error) bool { return target == ErrDecode }

// Tile is a decoded payload. It is immutable once returned.
type Tile struct {
	Format Format
	Pixels Pixels
	// Frames lists every decoded sub-unit; Frames[0] is Pixels.
	Frames []Pixels
	// Calibration is nil for raster tiles.
	Calibration *Calibration
	Cutoffs     Cutoffs
}

// Width returns the tile width in pixels.
func (t *Tile) Width() int { return t.Pixels.Width() }

// Height returns the tile height in pixels.
func (t *Tile) Height() int { return t.Pixels.Height() }

// Decoder dispatches payloads on their declared format.
type Decoder struct {
	log logger.Logger
}

// NewDecoder creates a decoder.
func NewDecoder(log logger.Logger) *Decoder {
	if log == nil {
		log = logger.NewNop()
	}
	return &Decoder{log: log}
}

// Decode converts payload into a tile. tileSize, when positive, is the
// expected edge length of every decoded frame.
func (d *Decoder) Decode(payload []byte, f Format, tileSize int) (*Tile, error) {
	if len(payload) == 0 {
		return nil, &DecodeError{Format: f, Reason: "empty payload"}
	}
	switch f.Kind() {
	case KindRaster:
		return d.decodeRaster(payload, f, tileSize)
	case KindScientific:
		return d.decodeFITS(payload, tileSize)
	default:
		return nil, &DecodeError{Format: f, Reason: "unknown format"}
	}
}

func (d *Decoder) decodeRaster(payload []byte, f Format, tileSize int) (*Tile, error) {
	img, name, err := image.Decode(bytes.NewReader(payload))
	if err != nil {
		return nil, &DecodeError{Format: f, Reason: "image decode", Err: err}
	}
	if name != f.String() {
		d.log.Debug("raster payload differs from declared format", "declared", f.String(), "actual", name)
	}
	b := img.Bounds()
	if tileSize > 0 && (b.Dx() != tileSize || b.Dy() != tileSize) {
		return nil, &DecodeError{Format: f, Reason: fmt.Sprintf("tile is %dx%d, expected %d", b.Dx(), b.Dy(), tileSize)}
	}
	dst := image.NewRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, b.Min, xdraw.Src)
	px := &RGBA{W: b.Dx(), H: b.Dy(), Pix: dst.Pix}
	return &Tile{Format: f, Pixels: px, Frames: []Pixels{px}}, nil
}

func (d *Decoder) decodeFITS(payload []byte, tileSize int) (*Tile, error) {
	if len(payload) > 2 && payload[0] == 0x1f && payload[1] == 0x8b {
		zr, err := gzip.NewReader(bytes.NewReader(payload))
		if err != nil {
			return nil, &DecodeError{Format: FormatFITS, Reason: "gzip header", Err: err}
		}
		inflated, err := io.ReadAll(zr)
		zr.Close()
		if err != nil {
			return nil, &DecodeError{Format: FormatFITS, Reason: "gzip body", Err: err}
		}
		payload = inflated
	}

	units, walkErr := splitHDUs(payload)
	if len(units) == 0 {
		return nil, &DecodeError{Format: FormatFITS, Reason: "no readable header", Err: walkErr}
	}
	if walkErr != nil {
		d.log.Warn("fits payload partially readable", "units", len(units), "error", walkErr)
	}

	tile := &Tile{Format: FormatFITS}
	for _, u := range units {
		if !u.isImage() {
			continue
		}
		px, cal, err := u.image()
		if err == nil && tileSize > 0 && (px.Width() != tileSize || px.Height() != tileSize) {
			err = fmt.Errorf("frame is %dx%d, expected %d", px.Width(), px.Height(), tileSize)
		}
		if err != nil {
			d.log.Warn("skipping fits extension", "hdu", u.index, "error", err)
			continue
		}
		if tile.Pixels == nil {
			tile.Pixels = px
			c := cal
			tile.Calibration = &c
			tile.Cutoffs = cutoffs(px, cal)
		}
		tile.Frames = append(tile.Frames, px)
	}
	if tile.Pixels == nil {
		return nil, &DecodeError{Format: FormatFITS, Reason: "no decodable image extension", Err: walkErr}
	}
	return tile, nil
}
