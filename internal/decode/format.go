// Package decode turns raw tile payloads into pixel buffers.
package decode

import (
	"fmt"
	"strings"
)

// Kind separates raster-compressed tiles from scientific arrays.
type Kind uint8

const (
	KindRaster Kind = iota + 1
	KindScientific
)

func (k Kind) String() string {
	switch k {
	case KindRaster:
		return "raster"
	case KindScientific:
		return "scientific"
	default:
		return fmt.Sprintf("kind(%d)", uint8(k))
	}
}

// Format is the declared tile format of a source.
type Format uint8

const (
	FormatJPEG Format = iota + 1
	FormatPNG
	FormatWebP
	FormatFITS
)

var formatNames = map[Format]string{
	FormatJPEG: "jpeg",
	FormatPNG:  "png",
	FormatWebP: "webp",
	FormatFITS: "fits",
}

// ParseFormat accepts the names used in HiPS properties files.
func ParseFormat(s string) (Format, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "jpeg", "jpg":
		return FormatJPEG, nil
	case "png":
		return FormatPNG, nil
	case "webp":
		return FormatWebP, nil
	case "fits", "fit":
		return FormatFITS, nil
	default:
		return 0, fmt.Errorf("unsupported tile format %q", s)
	}
}

func (f Format) String() string {
	if name, ok := formatNames[f]; ok {
		return name
	}
	return fmt.Sprintf("format(%d)", uint8(f))
}

// Kind returns the decoder family of the format.
func (f Format) Kind() Kind {
	switch f {
	case FormatJPEG, FormatPNG, FormatWebP:
		return KindRaster
	case FormatFITS:
		return KindScientific
	default:
		return 0
	}
}

// Ext is the file extension used in tile URLs.
func (f Format) Ext() string {
	switch f {
	case FormatJPEG:
		return "jpg"
	case FormatPNG:
		return "png"
	case FormatWebP:
		return "webp"
	case FormatFITS:
		return "fits"
	default:
		return ""
	}
}

// MarshalText implements encoding.TextMarshaler.
func (f Format) MarshalText() ([]byte, error) {
	if f.Kind() == 0 {
		return nil, fmt.Errorf("unknown format %d", uint8(f))
	}
	return []byte(f.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (f *Format) UnmarshalText(b []byte) error {
	parsed, err := ParseFormat(string(b))
	if err != nil {
		return err
	}
	*f = parsed
	return nil
}
