package decode

import (
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	fitsBlock   = 2880
	fitsCardLen = 80
)

// hdu is one header-data unit of a FITS payload.
type hdu struct {
	index  int
	header fitsHeader
	data   []byte
}

type fitsHeader map[string]string

func (h fitsHeader) has(key string) bool {
	_, ok := h[key]
	return ok
}

func (h fitsHeader) int(key string, def int64) (int64, error) {
	raw, ok := h[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		// some writers emit integral keywords as floats
		f, ferr := strconv.ParseFloat(raw, 64)
		if ferr != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("keyword %s: invalid integer %q", key, raw)
		}
		return int64(f), nil
	}
	return v, nil
}

func (h fitsHeader) float(key string, def float64) (float64, error) {
	raw, ok := h[key]
	if !ok {
		return def, nil
	}
	v, err := strconv.ParseFloat(strings.Replace(strings.ToUpper(raw), "D", "E", 1), 64)
	if err != nil {
		return 0, fmt.Errorf("keyword %s: invalid number %q", key, raw)
	}
	return v, nil
}

// splitHDUs walks the payload block by block. Units are returned until the
// structure itself becomes unreadable; the error describes why the walk stopped.
func splitHDUs(data []byte) ([]hdu, error) {
	var units []hdu
	off := 0
	for off+fitsBlock <= len(data) {
		if isZeroPadding(data[off:]) {
			break
		}
		h, dataOff, err := parseHeader(data, off)
		if err != nil {
			return units, fmt.Errorf("hdu %d: %w", len(units), err)
		}
		if len(units) == 0 && h["SIMPLE"] != "T" {
			return nil, errors.New("missing SIMPLE = T in primary header")
		}
		if len(units) > 0 && !h.has("XTENSION") {
			return units, fmt.Errorf("hdu %d: missing XTENSION", len(units))
		}
		size, err := dataSize(h, len(data))
		if err != nil {
			return units, fmt.Errorf("hdu %d: %w", len(units), err)
		}
		if dataOff+size > len(data) {
			return units, fmt.Errorf("hdu %d: data truncated (%d of %d bytes)", len(units), len(data)-dataOff, size)
		}
		units = append(units, hdu{index: len(units), header: h, data: data[dataOff : dataOff+size]})
		off = dataOff + padded(size)
	}
	if len(units) == 0 {
		return nil, errors.New("no header found")
	}
	return units, nil
}

func parseHeader(data []byte, off int) (fitsHeader, int, error) {
	h := make(fitsHeader)
	for pos := off; pos+fitsCardLen <= len(data); pos += fitsCardLen {
		card := string(data[pos : pos+fitsCardLen])
		key := strings.TrimSpace(card[:8])
		if key == "END" {
			return h, off + padded(pos+fitsCardLen-off), nil
		}
		if key == "" || card[8:10] != "= " {
			continue
		}
		if _, dup := h[key]; !dup {
			h[key] = cardValue(card[10:])
		}
	}
	return nil, 0, errors.New("header has no END card")
}

func cardValue(s string) string {
	s = strings.TrimLeft(s, " ")
	if strings.HasPrefix(s, "'") {
		var b strings.Builder
		for i := 1; i < len(s); i++ {
			if s[i] == '\'' {
				if i+1 < len(s) && s[i+1] == '\'' {
					b.WriteByte('\'')
					i++
					continue
				}
				break
			}
			b.WriteByte(s[i])
		}
		return strings.TrimRight(b.String(), " ")
	}
	if i := strings.IndexByte(s, '/'); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}

// dataSize returns the byte length of the unit's data. Sizes larger than
// limit are rejected before they can overflow.
func dataSize(h fitsHeader, limit int) (int, error) {
	bitpix, err := h.int("BITPIX", 0)
	if err != nil {
		return 0, err
	}
	naxis, err := h.int("NAXIS", 0)
	if err != nil {
		return 0, err
	}
	if naxis < 0 || naxis > 999 {
		return 0, fmt.Errorf("invalid NAXIS %d", naxis)
	}
	if naxis == 0 {
		return 0, nil
	}
	n := int64(1)
	for i := int64(1); i <= naxis; i++ {
		v, err := h.int(fmt.Sprintf("NAXIS%d", i), -1)
		if err != nil {
			return 0, err
		}
		if v < 0 {
			return 0, fmt.Errorf("missing or invalid NAXIS%d", i)
		}
		if v > 0 && n > int64(limit)/v {
			return 0, fmt.Errorf("NAXIS%d = %d exceeds the %d byte payload", i, v, limit)
		}
		n *= v
	}
	pcount, err := h.int("PCOUNT", 0)
	if err != nil {
		return 0, err
	}
	gcount, err := h.int("GCOUNT", 1)
	if err != nil {
		return 0, err
	}
	abs := bitpix
	if abs < 0 {
		abs = -abs
	}
	if abs > 64 {
		return 0, fmt.Errorf("invalid BITPIX %d", bitpix)
	}
	if pcount < 0 || pcount > int64(limit) || gcount < 0 || gcount > int64(limit) {
		return 0, fmt.Errorf("invalid PCOUNT %d / GCOUNT %d", pcount, gcount)
	}
	per := abs / 8 * gcount
	if per > 0 && pcount+n > int64(limit)/per {
		return 0, fmt.Errorf("data size exceeds the %d byte payload", limit)
	}
	return int(per * (pcount + n)), nil
}

func padded(n int) int {
	return (n + fitsBlock - 1) / fitsBlock * fitsBlock
}

func isZeroPadding(b []byte) bool {
	for _, c := range b {
		if c != 0 && c != ' ' {
			return false
		}
	}
	return true
}

// isImage reports whether the unit carries a 2D image.
func (u hdu) isImage() bool {
	if x, ok := u.header["XTENSION"]; ok && strings.TrimSpace(x) != "IMAGE" {
		return false
	}
	naxis, err := u.header.int("NAXIS", 0)
	return err == nil && naxis >= 2
}

// image decodes the first plane of the unit and its calibration keywords.
func (u hdu) image() (Pixels, Calibration, error) {
	cal := DefaultCalibration()
	bitpix, err := u.header.int("BITPIX", 0)
	if err != nil {
		return nil, cal, err
	}
	w, err := u.header.int("NAXIS1", 0)
	if err != nil {
		return nil, cal, err
	}
	hgt, err := u.header.int("NAXIS2", 0)
	if err != nil {
		return nil, cal, err
	}
	if w <= 0 || hgt <= 0 {
		return nil, cal, fmt.Errorf("empty image %dx%d", w, hgt)
	}

	if cal.Scale, err = u.header.float("BSCALE", 1); err != nil {
		return nil, cal, err
	}
	if cal.Offset, err = u.header.float("BZERO", 0); err != nil {
		return nil, cal, err
	}
	if u.header.has("BLANK") {
		if cal.Blank, err = u.header.float("BLANK", 0); err != nil {
			return nil, cal, err
		}
		cal.HasBlank = true
	}

	sample := sampleSize(bitpix)
	if sample == 0 {
		return nil, cal, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
	// a plane larger than the unit cannot be valid, whatever the sample size
	if limit := int64(len(u.data)); w > limit || hgt > limit/w {
		return nil, cal, fmt.Errorf("image %dx%d exceeds the %d byte unit", w, hgt, len(u.data))
	}
	n := int(w * hgt)
	width, height := int(w), int(hgt)
	need := n * sample
	if need > len(u.data) {
		return nil, cal, fmt.Errorf("image needs %d bytes, unit has %d", need, len(u.data))
	}
	be := binary.BigEndian
	d := u.data
	switch bitpix {
	case 8:
		out := make([]uint8, n)
		copy(out, d[:n])
		return &Gray8{W: width, H: height, Data: out}, cal, nil
	case 16:
		out := make([]int16, n)
		for i := range out {
			out[i] = int16(be.Uint16(d[2*i:]))
		}
		return &Int16{W: width, H: height, Data: out}, cal, nil
	case 32:
		out := make([]int32, n)
		for i := range out {
			out[i] = int32(be.Uint32(d[4*i:]))
		}
		return &Int32{W: width, H: height, Data: out}, cal, nil
	case -32:
		out := make([]float32, n)
		for i := range out {
			out[i] = math.Float32frombits(be.Uint32(d[4*i:]))
		}
		return &Float32{W: width, H: height, Data: out}, cal, nil
	case -64:
		out := make([]float64, n)
		for i := range out {
			out[i] = math.Float64frombits(be.Uint64(d[8*i:]))
		}
		return &Float64{W: width, H: height, Data: out}, cal, nil
	default:
		return nil, cal, fmt.Errorf("unsupported BITPIX %d", bitpix)
	}
}

func sampleSize(bitpix int64) int {
	switch bitpix {
	case 8:
		return 1
	case 16:
		return 2
	case 32, -32:
		return 4
	case -64:
		return 8
	}
	return 0
}
