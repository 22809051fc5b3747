// Package hips describes tile sources and derives tile URLs the way HiPS servers lay them out.
package hips

import (
	"fmt"
	"strings"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

// DirBucket is the number of consecutive indices sharing one Dir directory.
const DirBucket = 10000

// Source identifies where the tiles of a layer come from and how they are encoded.
type Source struct {
	RootURL  string
	Format   decode.Format
	TileSize int
}

// NewSource normalizes the root URL and validates the descriptor.
func NewSource(rootURL string, format decode.Format, tileSize int) (Source, error) {
	root := strings.TrimRight(strings.TrimSpace(rootURL), "/")
	if root == "" {
		return Source{}, fmt.Errorf("empty root url")
	}
	if format.Kind() == 0 {
		return Source{}, fmt.Errorf("unknown tile format %d", uint8(format))
	}
	if tileSize < 0 {
		return Source{}, fmt.Errorf("invalid tile size %d", tileSize)
	}
	return Source{RootURL: root, Format: format, TileSize: tileSize}, nil
}

// WithRoot returns a copy of s pointing at another root URL.
func (s Source) WithRoot(rootURL string) (Source, error) {
	return NewSource(rootURL, s.Format, s.TileSize)
}

func (s Source) String() string {
	return fmt.Sprintf("%s [%s/%d]", s.RootURL, s.Format, s.TileSize)
}

// Identity is the deduplication key of a tile request.
type Identity struct {
	Cell   healpix.Cell
	Source Source
}

func (id Identity) String() string {
	return id.Cell.String() + "@" + id.Source.RootURL
}

// TileURL derives the tile location: {root}/Norder{d}/Dir{bucket}/Npix{i}.{ext}.
func TileURL(src Source, c healpix.Cell) string {
	dir := (c.Index / DirBucket) * DirBucket
	return fmt.Sprintf("%s/Norder%d/Dir%d/Npix%d.%s", src.RootURL, c.Depth, dir, c.Index, src.Format.Ext())
}

// PayloadKey is the payload cache key for the tile served at url.
func PayloadKey(url string) string {
	return "hips:" + url
}
