// Package catalog ingests point-source catalogs as resumable background jobs.
package catalog

import (
	"bytes"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/lsst-epo/aladin-lite/internal/executor"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
)

// DefaultDepth is the HEALPix depth used to index sources.
const DefaultDepth = 10

// rows parsed, keys computed or elements merged between budget checks
const batchSize = 256

// Source is one catalog entry, in degrees.
type Source struct {
	Lon float64 `json:"lon"`
	Lat float64 `json:"lat"`
}

// Catalog is a parsed catalog sorted by nested HEALPix index.
type Catalog struct {
	Name    string
	Depth   int
	Sources []Source
	// Cells[i] is the index of Sources[i] at Depth; ascending.
	Cells []uint64
}

// CountIn returns the number of sources inside c.
func (cat *Catalog) CountIn(c healpix.Cell) int {
	if int(c.Depth) > cat.Depth {
		idx := c.Ancestor(int(c.Depth) - cat.Depth).Index
		lo := sort.Search(len(cat.Cells), func(i int) bool { return cat.Cells[i] >= idx })
		n := 0
		for i := lo; i < len(cat.Cells) && cat.Cells[i] == idx; i++ {
			s := cat.Sources[i]
			p := healpix.LonLat{Lon: s.Lon * math.Pi / 180, Lat: s.Lat * math.Pi / 180}
			if healpix.FromLonLat(int(c.Depth), p) == c {
				n++
			}
		}
		return n
	}
	shift := 2 * uint(cat.Depth-int(c.Depth))
	first, last := c.Index<<shift, (c.Index+1)<<shift
	lo := sort.Search(len(cat.Cells), func(i int) bool { return cat.Cells[i] >= first })
	hi := sort.Search(len(cat.Cells), func(i int) bool { return cat.Cells[i] >= last })
	return hi - lo
}

type phase uint8

const (
	phaseParse phase = iota
	phaseIndex
	phaseSort
	phaseDone
)

// IndexJob parses CSV then sorts the sources by HEALPix index.
type IndexJob struct {
	name  string
	depth int

	phase   phase
	reader  *csv.Reader
	lonCol  int
	latCol  int
	line    int
	sources []Source
	cells   []uint64

	// bottom-up merge sort state over order, a permutation of sources
	order, buf []int
	width      int
	run        mergeRun

	result *Catalog
}

var _ executor.Job = (*IndexJob)(nil)

// mergeRun is the cursor of the merge of [lo, mid) and [mid, hi) into buf.
type mergeRun struct {
	mid, hi   int
	i, k, out int
}

// NewIndexJob creates a job over CSV data with a header row naming ra/dec or lon/lat columns.
func NewIndexJob(name string, data []byte, depth int) *IndexJob {
	if depth <= 0 || depth > healpix.MaxDepth {
		depth = DefaultDepth
	}
	r := csv.NewReader(bytes.NewReader(data))
	r.FieldsPerRecord = -1
	r.TrimLeadingSpace = true
	r.Comment = '#'
	return &IndexJob{name: name, depth: depth, reader: r, lonCol: -1, latCol: -1}
}

// Name implements executor.Job.
func (j *IndexJob) Name() string { return j.name }

// Result implements executor.Job; it is a *Catalog once done.
func (j *IndexJob) Result() any { return j.result }

// Resume implements executor.Job.
func (j *IndexJob) Resume(b *executor.Budget) (bool, error) {
	for {
		var err error
		switch j.phase {
		case phaseParse:
			err = j.parse()
		case phaseIndex:
			j.index()
		case phaseSort:
			j.mergePass()
		case phaseDone:
			return true, nil
		}
		if err != nil {
			return false, err
		}
		if j.phase == phaseDone {
			j.finish()
			return true, nil
		}
		if b.Exhausted() {
			return false, nil
		}
	}
}

func (j *IndexJob) parse() error {
	for n := 0; n < batchSize; n++ {
		rec, err := j.reader.Read()
		if errors.Is(err, io.EOF) {
			if j.lonCol < 0 {
				return fmt.Errorf("catalog %q: empty input", j.name)
			}
			j.phase = phaseIndex
			j.cells = make([]uint64, 0, len(j.sources))
			return nil
		}
		if err != nil {
			return fmt.Errorf("catalog %q: %w", j.name, err)
		}
		j.line++
		if j.lonCol < 0 {
			lon, lat := columns(rec)
			if lon < 0 {
				lon, lat = 0, 1
			}
			j.lonCol, j.latCol = lon, lat
			if isHeader(rec) {
				continue
			}
		}
		src, ok, err := j.record(rec)
		if err != nil {
			return err
		}
		if ok {
			j.sources = append(j.sources, src)
		}
	}
	return nil
}

func (j *IndexJob) record(rec []string) (Source, bool, error) {
	if j.lonCol >= len(rec) || j.latCol >= len(rec) {
		return Source{}, false, nil
	}
	lonStr, latStr := strings.TrimSpace(rec[j.lonCol]), strings.TrimSpace(rec[j.latCol])
	if lonStr == "" || latStr == "" {
		return Source{}, false, nil
	}
	lon, err := strconv.ParseFloat(lonStr, 64)
	if err != nil {
		return Source{}, false, fmt.Errorf("catalog %q line %d: invalid longitude %q", j.name, j.line, lonStr)
	}
	lat, err := strconv.ParseFloat(latStr, 64)
	if err != nil || lat < -90 || lat > 90 {
		return Source{}, false, fmt.Errorf("catalog %q line %d: invalid latitude %q", j.name, j.line, latStr)
	}
	return Source{Lon: lon, Lat: lat}, true, nil
}

// columns finds the longitude and latitude columns of a header row.
func columns(header []string) (int, int) {
	lon, lat := -1, -1
	for i, h := range header {
		switch strings.ToLower(strings.TrimSpace(h)) {
		case "ra", "ra_deg", "raj2000", "lon", "glon":
			if lon < 0 {
				lon = i
			}
		case "dec", "dec_deg", "dej2000", "decj2000", "lat", "glat":
			if lat < 0 {
				lat = i
			}
		}
	}
	if lon < 0 || lat < 0 {
		return -1, -1
	}
	return lon, lat
}

func isHeader(rec []string) bool {
	for _, f := range rec {
		if _, err := strconv.ParseFloat(strings.TrimSpace(f), 64); err == nil {
			return false
		}
	}
	return true
}

func (j *IndexJob) index() {
	for n := 0; n < batchSize && len(j.cells) < len(j.sources); n++ {
		s := j.sources[len(j.cells)]
		p := healpix.LonLat{Lon: s.Lon * math.Pi / 180, Lat: s.Lat * math.Pi / 180}
		j.cells = append(j.cells, healpix.FromLonLat(j.depth, p).Index)
	}
	if len(j.cells) == len(j.sources) {
		j.order = make([]int, len(j.sources))
		for i := range j.order {
			j.order[i] = i
		}
		j.buf = make([]int, len(j.sources))
		j.width = 1
		j.startRun(0)
		j.phase = phaseSort
	}
}

// mergePass moves at most batchSize elements of a stable bottom-up merge
// sort. A merge may stop partway through its runs and resume on the next call.
func (j *IndexJob) mergePass() {
	n := len(j.order)
	if j.width >= n {
		j.phase = phaseDone
		return
	}
	r := &j.run
	for moved := 0; moved < batchSize; moved++ {
		if r.out == r.hi {
			if r.hi >= n {
				j.order, j.buf = j.buf, j.order
				j.width *= 2
				j.startRun(0)
				return
			}
			j.startRun(r.hi)
		}
		if r.i < r.mid && (r.k >= r.hi || j.cells[j.order[r.i]] <= j.cells[j.order[r.k]]) {
			j.buf[r.out] = j.order[r.i]
			r.i++
		} else {
			j.buf[r.out] = j.order[r.k]
			r.k++
		}
		r.out++
	}
}

func (j *IndexJob) startRun(lo int) {
	n := len(j.order)
	mid := min(lo+j.width, n)
	j.run = mergeRun{mid: mid, hi: min(lo+2*j.width, n), i: lo, k: mid, out: lo}
}

func (j *IndexJob) finish() {
	if j.result != nil {
		return
	}
	cat := &Catalog{
		Name:    j.name,
		Depth:   j.depth,
		Sources: make([]Source, len(j.order)),
		Cells:   make([]uint64, len(j.order)),
	}
	for i, idx := range j.order {
		cat.Sources[i] = j.sources[idx]
		cat.Cells[i] = j.cells[idx]
	}
	j.result = cat
	j.reader = nil
	j.buf = nil
}
