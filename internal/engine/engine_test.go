package engine

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"math"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/fetch"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
)

type fakeFetcher struct {
	mu      sync.Mutex
	calls   map[string]int
	respond func(ctx context.Context, url string) ([]byte, error)
}

func newFakeFetcher(respond func(ctx context.Context, url string) ([]byte, error)) *fakeFetcher {
	return &fakeFetcher{calls: make(map[string]int), respond: respond}
}

func (f *fakeFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	f.mu.Lock()
	f.calls[url]++
	f.mu.Unlock()
	return f.respond(ctx, url)
}

func (f *fakeFetcher) count(match func(url string) bool) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for url, c := range f.calls {
		if match(url) {
			n += c
		}
	}
	return n
}

type fakeRegistry struct {
	mu      sync.Mutex
	missing map[hips.Source][]healpix.Cell
}

func (r *fakeRegistry) MissingTiles(_ context.Context, src hips.Source) ([]healpix.Cell, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]healpix.Cell(nil), r.missing[src]...), nil
}

func (r *fakeRegistry) RecordMissing(_ context.Context, src hips.Source, c healpix.Cell) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.missing == nil {
		r.missing = make(map[hips.Source][]healpix.Cell)
	}
	r.missing[src] = append(r.missing[src], c)
	return nil
}

func pngTile(t *testing.T, c color.RGBA) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.SetRGBA(x, y, c)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("png.Encode failed: %v", err)
	}
	return buf.Bytes()
}

// fitsTile builds a 4x4 BITPIX 16 image.
func fitsTile(scale, zero float64) []byte {
	cards := []string{
		fmt.Sprintf("%-8s= %20s", "SIMPLE", "T"),
		fmt.Sprintf("%-8s= %20d", "BITPIX", 16),
		fmt.Sprintf("%-8s= %20d", "NAXIS", 2),
		fmt.Sprintf("%-8s= %20d", "NAXIS1", 4),
		fmt.Sprintf("%-8s= %20d", "NAXIS2", 4),
		fmt.Sprintf("%-8s= %20g", "BSCALE", scale),
		fmt.Sprintf("%-8s= %20g", "BZERO", zero),
		"END",
	}
	var buf bytes.Buffer
	for _, c := range cards {
		fmt.Fprintf(&buf, "%-80s", c)
	}
	for buf.Len()%2880 != 0 {
		buf.WriteByte(' ')
	}
	for i := 0; i < 16; i++ {
		binary.Write(&buf, binary.BigEndian, int16(i*100))
	}
	for buf.Len()%2880 != 0 {
		buf.WriteByte(0)
	}
	return buf.Bytes()
}

func newTestEngine(t *testing.T, f fetch.Fetcher, tweak func(*Config)) *Engine {
	t.Helper()
	cfg := DefaultConfig()
	cfg.Fetcher = f
	cfg.Retry = fetch.RetryConfig{MaxAttempts: 3, InitialInterval: 50 * time.Millisecond, MaxInterval: 200 * time.Millisecond, Multiplier: 2}
	if tweak != nil {
		tweak(&cfg)
	}
	e, err := New(cfg)
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	t.Cleanup(e.Close)
	return e
}

func pngLayer(url string) LayerConfig {
	return LayerConfig{URL: url, Format: decode.FormatPNG, TileSize: 4, MinDepth: 0, MaxDepth: 3, Capacity: 64}
}

func viewOn(c healpix.Cell, apertureDeg float64) spatial.Viewport {
	return spatial.Viewport{Center: c.Center(), Aperture: apertureDeg * math.Pi / 180, Aspect: 1, Width: 800}
}

// settle ticks with a simulated 20ms frame until no request is pending,
// in flight or held back. It returns the simulated time reached.
func settle(t *testing.T, e *Engine, now time.Time) time.Time {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for {
		e.Tick(now)
		if e.queue.Len() == 0 && e.queue.InFlight() == 0 && len(e.delayed) == 0 && !(e.dirty && e.hasView) {
			return now
		}
		if time.Now().After(deadline) {
			t.Fatalf("engine did not settle: %+v", e.Stats())
		}
		time.Sleep(time.Millisecond)
		now = now.Add(20 * time.Millisecond)
	}
}

func TestMissingTileIsNeverRequestedAgain(t *testing.T) {
	target := healpix.Cell{Depth: 3, Index: 42}
	missingURL := "/Norder3/Dir0/Npix42.png"
	tile := pngTile(t, color.RGBA{R: 200, A: 255})
	f := newFakeFetcher(func(_ context.Context, url string) ([]byte, error) {
		if strings.HasSuffix(url, missingURL) {
			return nil, fetch.ErrMissing
		}
		return tile, nil
	})
	reg := &fakeRegistry{}
	e := newTestEngine(t, f, func(c *Config) { c.Registry = reg })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss/"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	e.ViewportChanged(viewOn(target, 5), now)
	now = settle(t, e, now)

	l := e.layers[id]
	if l.depth != 3 {
		t.Fatalf("expected depth 3, got %d", l.depth)
	}
	if !l.table.IsMissing(target) || l.table.Contains(target) {
		t.Fatalf("%s should be marked missing", target)
	}
	if n := f.count(func(u string) bool { return strings.HasSuffix(u, missingURL) }); n != 1 {
		t.Fatalf("expected one request for %s, got %d", target, n)
	}

	// pan away and back
	e.ViewportChanged(viewOn(healpix.Cell{Depth: 3, Index: 600}, 5), now)
	now = settle(t, e, now.Add(time.Second))
	e.ViewportChanged(viewOn(target, 5), now)
	settle(t, e, now.Add(time.Second))

	if n := f.count(func(u string) bool { return strings.HasSuffix(u, missingURL) }); n != 1 {
		t.Fatalf("missing tile was requested again: %d requests", n)
	}

	recorded, _ := reg.MissingTiles(context.Background(), l.source)
	if len(recorded) != 1 || recorded[0] != target {
		t.Fatalf("registry should hold %s, got %v", target, recorded)
	}

	// a new layer on the same source starts with the recorded marker
	other, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if !e.layers[other].table.IsMissing(target) {
		t.Fatalf("registry markers should be restored on bind")
	}
}

func TestURLChangeDiscardsInFlight(t *testing.T) {
	gate := make(chan struct{})
	red := pngTile(t, color.RGBA{R: 255, A: 255})
	blue := pngTile(t, color.RGBA{B: 255, A: 255})
	f := newFakeFetcher(func(ctx context.Context, url string) ([]byte, error) {
		if strings.HasPrefix(url, "http://old") {
			select {
			case <-gate:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
			return red, nil
		}
		return blue, nil
	})
	e := newTestEngine(t, f, func(c *Config) { c.Workers = 2 })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://old.example.org/hips"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	e.Tick(now)
	if e.queue.InFlight() != 2 || e.queue.Len() != 10 {
		t.Fatalf("expected 2 in flight and 10 pending, got %+v", e.Stats())
	}

	if err := e.SetLayerURL(id, "http://new.example.org/hips", now); err != nil {
		t.Fatalf("SetLayerURL failed: %v", err)
	}
	if e.queue.Len() != 12 {
		t.Fatalf("old pending requests should be replaced by the new base set, got %d pending", e.queue.Len())
	}

	close(gate)
	settle(t, e, now)

	if n := f.count(func(u string) bool { return strings.HasPrefix(u, "http://old") }); n != 2 {
		t.Fatalf("expected only the 2 in-flight requests on the old source, got %d", n)
	}
	l := e.layers[id]
	if l.table.Len() != 12 {
		t.Fatalf("expected the 12 base tiles of the new source, got %d", l.table.Len())
	}
	for _, s := range l.table.Slots() {
		if !s.Occupied {
			continue
		}
		px := s.Tile.Pixels.(*decode.RGBA).Pix
		if px[0] != 0 || px[2] != 255 {
			t.Fatalf("slot %d holds a tile of the old source", s.Index)
		}
	}
}

func TestRecomputationDoesNotDuplicateRequests(t *testing.T) {
	f := newFakeFetcher(func(ctx context.Context, url string) ([]byte, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	})
	e := newTestEngine(t, f, func(c *Config) { c.Workers = 1 })

	now := time.Unix(1000, 0)
	if _, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	vp := viewOn(healpix.Cell{Depth: 3, Index: 300}, 10)
	e.ViewportChanged(vp, now)
	now = now.Add(e.cfg.Debounce)
	e.Tick(now)
	pending, inFlight := e.queue.Len(), e.queue.InFlight()
	if inFlight != 1 || pending <= 11 {
		t.Fatalf("expected base and visible requests, got %+v", e.Stats())
	}

	for i := 0; i < 3; i++ {
		e.ViewportChanged(vp, now)
		now = now.Add(e.cfg.Debounce)
		e.Tick(now)
	}
	if e.queue.Len() != pending || e.queue.InFlight() != inFlight {
		t.Fatalf("recomputation changed the queue: %d/%d pending, %d/%d in flight",
			e.queue.Len(), pending, e.queue.InFlight(), inFlight)
	}
}

func TestAdmissionDefersWhenEverySlotIsPinned(t *testing.T) {
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return tile, nil })
	e := newTestEngine(t, f, nil)

	now := time.Unix(1000, 0)
	cfg := pngLayer("http://tiles.example.org/dss")
	cfg.MaxDepth = 2
	cfg.Capacity = 13
	id, err := e.AddLayer(cfg, now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	e.ViewportChanged(viewOn(healpix.Cell{Depth: 2, Index: 77}, 30), now)

	l := e.layers[id]
	deadline := time.Now().Add(5 * time.Second)
	for l.table.Stats().Deferrals == 0 {
		if time.Now().After(deadline) {
			t.Fatalf("no admission was deferred: %+v", l.table.Stats())
		}
		e.Tick(now)
		time.Sleep(time.Millisecond)
		now = now.Add(20 * time.Millisecond)
	}

	st := l.table.Stats()
	if len(l.visible) < 2 {
		t.Fatalf("expected several visible cells, got %d", len(l.visible))
	}
	if st.Occupied != 13 || st.Evictions != 0 {
		t.Fatalf("pinned slots must never be evicted: %+v", st)
	}
	if e.queue.Len()+e.queue.InFlight() == 0 {
		t.Fatalf("deferred tile should stay queued")
	}
}

func TestFoundCompletionsWaitForTheViewToSettle(t *testing.T) {
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return tile, nil })
	e := newTestEngine(t, f, func(c *Config) { c.Workers = 12 })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	e.Tick(now)
	deadline := time.Now().Add(2 * time.Second)
	for e.pool.Busy() > 0 && len(e.delayed) < 12 {
		if time.Now().After(deadline) {
			t.Fatalf("fetches did not complete")
		}
		// keep moving the camera while completions arrive
		e.ViewportChanged(viewOn(healpix.Cell{Depth: 3, Index: 100}, 20), now)
		e.Tick(now)
		time.Sleep(time.Millisecond)
	}
	if n := e.layers[id].table.Len(); n != 0 {
		t.Fatalf("no tile should be admitted while the camera moves, got %d", n)
	}

	settle(t, e, now)
	if n := e.layers[id].table.Len(); n < 12 {
		t.Fatalf("base tiles should be admitted once the view settles, got %d", n)
	}
}

func TestTransientFailuresRetryThenGiveUp(t *testing.T) {
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	var mu sync.Mutex
	attempts := make(map[string]int)
	f := newFakeFetcher(func(_ context.Context, url string) ([]byte, error) {
		mu.Lock()
		attempts[url]++
		n := attempts[url]
		mu.Unlock()
		switch {
		case strings.HasSuffix(url, "Npix1.png"):
			return nil, fmt.Errorf("%w: 503", fetch.ErrTransient)
		case strings.HasSuffix(url, "Npix2.png") && n < 3:
			return nil, errors.New("connection reset")
		}
		return tile, nil
	})
	e := newTestEngine(t, f, nil)

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	settle(t, e, now)

	l := e.layers[id]
	flaky := healpix.Cell{Depth: 0, Index: 2}
	broken := healpix.Cell{Depth: 0, Index: 1}
	if !l.table.Contains(flaky) {
		t.Fatalf("%s should be admitted after its retries", flaky)
	}
	if !l.table.IsMissing(broken) {
		t.Fatalf("%s should be given up on", broken)
	}
	mu.Lock()
	defer mu.Unlock()
	if n := attempts["http://tiles.example.org/dss/Norder0/Dir0/Npix1.png"]; n != 3 {
		t.Fatalf("expected 3 attempts before giving up, got %d", n)
	}
}

func TestCalibrationFirstDecodeWins(t *testing.T) {
	f := newFakeFetcher(func(_ context.Context, url string) ([]byte, error) {
		var idx int
		fmt.Sscanf(url[strings.LastIndex(url, "Npix"):], "Npix%d.fits", &idx)
		return fitsTile(2, float64(idx*10)), nil
	})
	e := newTestEngine(t, f, func(c *Config) { c.Workers = 1 })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(LayerConfig{URL: "http://tiles.example.org/planck", Format: decode.FormatFITS, TileSize: 4, MaxDepth: 3, Capacity: 16}, now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	now = settle(t, e, now)

	got, err := e.Calibration(id)
	if err != nil {
		t.Fatalf("Calibration failed: %v", err)
	}
	if got.Calibration == nil || got.Calibration.Scale != 2 || got.Calibration.Offset != 0 {
		t.Fatalf("expected the calibration of Npix0, got %+v", got.Calibration)
	}
	if got.Cutoffs.High <= got.Cutoffs.Low {
		t.Fatalf("expected cutoffs from the first tile, got %+v", got.Cutoffs)
	}

	if err := e.SetCalibration(id, decode.Calibration{Scale: 3, Offset: -1}, nil); err != nil {
		t.Fatalf("SetCalibration failed: %v", err)
	}
	if err := e.SetLayerURL(id, "http://mirror.example.org/planck", now); err != nil {
		t.Fatalf("SetLayerURL failed: %v", err)
	}
	settle(t, e, now)
	got, _ = e.Calibration(id)
	if !got.Override || got.Calibration.Scale != 3 || got.Calibration.Offset != -1 {
		t.Fatalf("an explicit calibration should survive a url change, got %+v", got)
	}
}

func TestSnapshotReturnsCoveringTilesInDepthOrder(t *testing.T) {
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return tile, nil })
	e := newTestEngine(t, f, nil)

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	target := healpix.Cell{Depth: 3, Index: 200}
	e.ViewportChanged(viewOn(target, 5), now)
	now = settle(t, e, now)

	refs, err := e.Snapshot(id, now)
	if err != nil {
		t.Fatalf("Snapshot failed: %v", err)
	}
	l := e.layers[id]
	if len(refs) < len(l.visible)+1 {
		t.Fatalf("expected visible tiles and their base cell, got %d refs", len(refs))
	}
	for i := 1; i < len(refs); i++ {
		if !healpix.Less(refs[i-1].Cell, refs[i].Cell) {
			t.Fatalf("snapshot not ordered at %d: %v then %v", i, refs[i-1].Cell, refs[i].Cell)
		}
	}
	for _, r := range refs {
		if _, ok := l.coverage[r.Cell]; !ok {
			t.Fatalf("%s does not cover the view", r.Cell)
		}
	}

	if _, err := e.Snapshot("nope", now); !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound, got %v", err)
	}
}

func TestRemoveLayerDiscardsCompletions(t *testing.T) {
	gate := make(chan struct{})
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	f := newFakeFetcher(func(ctx context.Context, url string) ([]byte, error) {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
		return tile, nil
	})
	e := newTestEngine(t, f, func(c *Config) { c.Workers = 3 })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	e.Tick(now)
	if err := e.RemoveLayer(id, now); err != nil {
		t.Fatalf("RemoveLayer failed: %v", err)
	}
	if e.queue.Len() != 0 {
		t.Fatalf("pending requests of a removed layer should be dropped")
	}
	close(gate)
	settle(t, e, now)

	if len(e.Layers()) != 0 {
		t.Fatalf("expected no layers")
	}
	if err := e.RemoveLayer(id, now); !errors.Is(err, ErrLayerNotFound) {
		t.Fatalf("expected ErrLayerNotFound, got %v", err)
	}
}

func TestSharedSourceKeepsItsRequests(t *testing.T) {
	tile := pngTile(t, color.RGBA{G: 255, A: 255})
	tests := map[string]func(e *Engine, now time.Time) error{
		"remove": func(e *Engine, now time.Time) error {
			return e.RemoveLayer("a", now)
		},
		"repoint": func(e *Engine, now time.Time) error {
			return e.SetLayerURL("a", "http://mirror.example.org/dss", now)
		},
	}
	for name, drop := range tests {
		t.Run(name, func(t *testing.T) {
			f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return tile, nil })
			e := newTestEngine(t, f, nil)

			now := time.Unix(1000, 0)
			for _, id := range []string{"a", "b"} {
				cfg := pngLayer("http://tiles.example.org/dss")
				cfg.ID = id
				if _, err := e.AddLayer(cfg, now); err != nil {
					t.Fatalf("AddLayer failed: %v", err)
				}
			}
			if e.queue.Len() != 12 {
				t.Fatalf("both layers should share 12 base requests, got %d", e.queue.Len())
			}

			if err := drop(e, now); err != nil {
				t.Fatalf("dropping layer a failed: %v", err)
			}
			settle(t, e, now)

			if n := e.layers["b"].table.Len(); n != 12 {
				t.Fatalf("layer b holds %d of its 12 base tiles", n)
			}
		})
	}
}

func TestCorruptTileIsMissingForTheSession(t *testing.T) {
	broken := healpix.Cell{Depth: 0, Index: 5}
	brokenURL := "/Norder0/Dir0/Npix5.png"
	tile := pngTile(t, color.RGBA{B: 255, A: 255})
	f := newFakeFetcher(func(_ context.Context, url string) ([]byte, error) {
		if strings.HasSuffix(url, brokenURL) {
			return []byte("definitely not a png"), nil
		}
		return tile, nil
	})
	reg := &fakeRegistry{}
	e := newTestEngine(t, f, func(c *Config) { c.Registry = reg })

	now := time.Unix(1000, 0)
	id, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now)
	if err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	now = settle(t, e, now)

	l := e.layers[id]
	if !l.table.IsMissing(broken) || l.table.Contains(broken) {
		t.Fatalf("%s should be marked missing after a decode failure", broken)
	}
	if n := l.table.Len(); n != 11 {
		t.Fatalf("the other base tiles should be admitted, got %d", n)
	}

	e.ViewportChanged(viewOn(broken, 20), now)
	settle(t, e, now.Add(time.Second))

	if n := f.count(func(u string) bool { return strings.HasSuffix(u, brokenURL) }); n != 1 {
		t.Fatalf("expected one request for %s, got %d", broken, n)
	}
	if recorded, _ := reg.MissingTiles(context.Background(), l.source); len(recorded) != 0 {
		t.Fatalf("decode failures should not be persisted, got %v", recorded)
	}
}

func TestAddLayerValidation(t *testing.T) {
	e := newTestEngine(t, newFakeFetcher(func(context.Context, string) ([]byte, error) { return nil, fetch.ErrMissing }), nil)
	now := time.Unix(1000, 0)

	tests := map[string]LayerConfig{
		"empty url":      {Format: decode.FormatPNG},
		"depth range":    {URL: "http://x", MinDepth: 5, MaxDepth: 3},
		"small capacity": {URL: "http://x", MinDepth: 1, Capacity: 48},
	}
	for name, cfg := range tests {
		t.Run(name, func(t *testing.T) {
			if _, err := e.AddLayer(cfg, now); !errors.Is(err, ErrInvalidLayer) {
				t.Fatalf("expected ErrInvalidLayer, got %v", err)
			}
		})
	}

	if _, err := e.AddLayer(LayerConfig{ID: "dss", URL: "http://x"}, now); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if _, err := e.AddLayer(LayerConfig{ID: "dss", URL: "http://y"}, now); !errors.Is(err, ErrLayerExists) {
		t.Fatalf("expected ErrLayerExists, got %v", err)
	}
}

func TestCatalogIndexedBetweenFrames(t *testing.T) {
	e := newTestEngine(t, newFakeFetcher(func(context.Context, string) ([]byte, error) { return nil, fetch.ErrMissing }), nil)

	var b strings.Builder
	b.WriteString("ra,dec\n")
	for i := 0; i < 500; i++ {
		fmt.Fprintf(&b, "%.3f,%.3f\n", 10+float64(i%10)*0.01, 20+float64(i/10)*0.01)
	}
	e.AddCatalog("cluster", []byte(b.String()))
	e.ViewportChanged(spatial.Viewport{
		Center:   healpix.LonLat{Lon: 10 * math.Pi / 180, Lat: 20.25 * math.Pi / 180},
		Aperture: 2 * math.Pi / 180, Aspect: 1, Width: 800,
	}, time.Unix(1000, 0))

	now := time.Unix(1000, 0)
	deadline := time.Now().Add(5 * time.Second)
	for {
		info, err := e.Catalog("cluster")
		if err != nil {
			t.Fatalf("Catalog failed: %v", err)
		}
		if info.Status == CatalogReady {
			if info.Sources != 500 || info.InView != 500 {
				t.Fatalf("unexpected catalog info %+v", info)
			}
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("catalog was not indexed: %+v", info)
		}
		now = now.Add(16 * time.Millisecond)
		e.Tick(now)
	}

	if _, err := e.Catalog("other"); !errors.Is(err, ErrCatalogNotFound) {
		t.Fatalf("expected ErrCatalogNotFound, got %v", err)
	}
}

func TestInertiaThresholds(t *testing.T) {
	c := DefaultInertia()
	tests := []struct {
		name string
		drag Drag
		ok   bool
	}{
		{"fast and recent", Drag{Distance: 400, Duration: 100 * time.Millisecond, SinceLastMove: 10 * time.Millisecond}, true},
		{"too slow", Drag{Distance: 100, Duration: 100 * time.Millisecond}, false},
		{"stale release", Drag{Distance: 400, Duration: 100 * time.Millisecond, SinceLastMove: 300 * time.Millisecond}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			amp, ok := c.Start(tt.drag)
			if ok != tt.ok {
				t.Fatalf("Start = %v, want %v", ok, tt.ok)
			}
			if ok && math.Abs(amp-20) > 1e-9 {
				t.Fatalf("expected amplitude 20, got %v", amp)
			}
		})
	}
	if !c.Stopped(20, 0.01) || c.Stopped(20, 1) {
		t.Fatalf("unexpected stop decision")
	}
}

func TestInertiaHoldsFetches(t *testing.T) {
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return nil, fetch.ErrMissing })
	e := newTestEngine(t, f, nil)

	now := time.Unix(1000, 0)
	if _, err := e.AddLayer(pngLayer("http://tiles.example.org/dss"), now); err != nil {
		t.Fatalf("AddLayer failed: %v", err)
	}
	if _, ok := e.EndDrag(Drag{Distance: 600, Duration: 100 * time.Millisecond}, now); !ok {
		t.Fatalf("expected inertia to start")
	}
	e.Tick(now.Add(time.Second))
	if e.queue.InFlight() != 0 {
		t.Fatalf("no fetch should be issued during inertia")
	}
	e.SetInertia(false, now.Add(time.Second))
	e.Tick(now.Add(time.Second + e.cfg.FetchQuiet))
	if e.queue.InFlight() == 0 {
		t.Fatalf("fetches should resume once inertia ends")
	}
}
