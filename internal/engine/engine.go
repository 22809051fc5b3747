// Package engine drives tile streaming: it turns viewport changes into
// prioritized fetches and admits decoded tiles into per-layer slot tables.
//
// Engine is not safe for concurrent use. Loop owns it on a single goroutine.
package engine

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/google/uuid"
	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/executor"
	"github.com/lsst-epo/aladin-lite/internal/fetch"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
	"github.com/lsst-epo/aladin-lite/internal/queue"
	"github.com/lsst-epo/aladin-lite/internal/slots"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
	"github.com/lsst-epo/aladin-lite/pkg/metrics"
)

var (
	// ErrLayerNotFound is returned for an unknown layer id.
	ErrLayerNotFound = errors.New("layer not found")
	// ErrLayerExists is returned when adding a layer with a taken id.
	ErrLayerExists = errors.New("layer already exists")
	// ErrInvalidLayer wraps layer configuration errors.
	ErrInvalidLayer = errors.New("invalid layer")
	// ErrConfigMismatch marks a completion whose source no layer uses anymore.
	ErrConfigMismatch = errors.New("layer reconfigured while the request was in flight")
)

// registryTimeout bounds one call to the missing-tile registry.
const registryTimeout = 2 * time.Second

// MissingRegistry persists tiles the server confirmed to be missing.
type MissingRegistry interface {
	MissingTiles(ctx context.Context, src hips.Source) ([]healpix.Cell, error)
	RecordMissing(ctx context.Context, src hips.Source, c healpix.Cell) error
}

// Engine coordinates the request queue, fetch workers, decoder and slot tables.
type Engine struct {
	cfg      Config
	log      logger.Logger
	index    *spatial.Index
	queue    *queue.Queue
	pool     *fetch.Pool
	retrier  *fetch.Retrier
	decoder  *decode.Decoder
	exec     *executor.Executor
	registry MissingRegistry

	layers map[string]*layer
	order  []string

	view     spatial.Viewport
	hasView  bool
	lastMove time.Time
	dirty    bool
	inertia  bool
	lastTick time.Time

	// Found completions held back while the view settles
	delayed []fetch.Completion

	catalogs map[string]*catalogState
	jobs     map[executor.ID]string
}

// New creates an engine. cfg.Fetcher is required.
func New(cfg Config) (*Engine, error) {
	if cfg.Fetcher == nil {
		return nil, fmt.Errorf("engine: fetcher is required")
	}
	cfg.applyDefaults()
	return &Engine{
		cfg:      cfg,
		log:      cfg.Logger,
		index:    spatial.NewIndex(cfg.Projection),
		queue:    queue.New(),
		pool:     fetch.NewPool(fetch.PoolConfig{Workers: cfg.Workers, Timeout: cfg.FetchTimeout}, cfg.Fetcher),
		retrier:  fetch.NewRetrier(cfg.Retry),
		decoder:  decode.NewDecoder(cfg.Logger),
		exec:     executor.New(nil),
		registry: cfg.Registry,
		layers:   make(map[string]*layer),
		catalogs: make(map[string]*catalogState),
		jobs:     make(map[executor.ID]string),
	}, nil
}

// Close cancels outstanding fetches.
func (e *Engine) Close() {
	e.pool.Close()
}

// AddLayer registers a layer and queues its base set. It returns the layer id.
func (e *Engine) AddLayer(cfg LayerConfig, now time.Time) (string, error) {
	cfg.applyDefaults()
	if err := cfg.validate(); err != nil {
		return "", err
	}
	if cfg.ID == "" {
		cfg.ID = uuid.NewString()
	}
	if _, ok := e.layers[cfg.ID]; ok {
		return "", fmt.Errorf("%w: %s", ErrLayerExists, cfg.ID)
	}
	src, err := hips.NewSource(cfg.URL, cfg.Format, cfg.TileSize)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLayer, err)
	}
	table, err := slots.New(cfg.Capacity, e.cfg.MissingCapacity)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidLayer, err)
	}

	l := &layer{
		id:     cfg.ID,
		cfg:    cfg,
		source: src,
		table:  table,
		base:   healpix.BaseCells(cfg.MinDepth),
	}
	e.layers[l.id] = l
	e.order = append(e.order, l.id)
	e.bind(l, now)
	e.dirty = true

	e.log.Info("Layer added", "layer", l.id, "source", src.String(), "capacity", cfg.Capacity)
	return l.id, nil
}

// bind restores known missing tiles of the layer source and queues the base set.
func (e *Engine) bind(l *layer, now time.Time) {
	l.table.SetPinned(l.base)
	if e.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
		cells, err := e.registry.MissingTiles(ctx, l.source)
		cancel()
		if err != nil {
			e.log.Warn("Failed to load missing tiles", "layer", l.id, "error", err)
		}
		for _, c := range cells {
			l.table.MarkMissing(c)
		}
	}
	e.enqueueBase(l, now)
}

func (e *Engine) enqueueBase(l *layer, now time.Time) {
	for _, c := range l.base {
		if !l.table.Resolved(c) {
			e.request(l, c, queue.ClassBase, now)
		}
	}
}

// requeueSource queues again the outstanding work of the layers bound to src.
// Requests are deduplicated across layers, so the ones they relied on may
// have belonged to a layer that was just dropped.
func (e *Engine) requeueSource(src hips.Source, now time.Time) {
	for _, l := range e.layersFor(src) {
		e.enqueueBase(l, now)
		for _, c := range l.visible {
			if !l.table.Resolved(c) {
				e.request(l, c, queue.ClassVisible, now)
			}
		}
		for _, c := range l.ancestors {
			if !l.table.Resolved(c) {
				e.request(l, c, queue.ClassAncestor, now)
			}
		}
	}
}

// RemoveLayer drops a layer. Its in-flight results are discarded on arrival.
func (e *Engine) RemoveLayer(id string, now time.Time) error {
	l, ok := e.layers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	delete(e.layers, id)
	e.order = slices.DeleteFunc(e.order, func(s string) bool { return s == id })
	dropped := e.queue.DropLayer(id)
	if len(e.layersFor(l.source)) == 0 {
		e.retrier.ForgetSource(l.source)
	}
	e.requeueSource(l.source, now)
	metrics.ResidentSlots.DeleteLabelValues(id)
	e.dirty = true

	e.log.Info("Layer removed", "layer", id, "dropped_requests", dropped)
	return nil
}

// SetLayerURL points a layer at another root URL. Resident tiles, missing
// markers and the calibration of the old source are discarded.
func (e *Engine) SetLayerURL(id, url string, now time.Time) error {
	l, ok := e.layers[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	src, err := l.source.WithRoot(url)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidLayer, err)
	}
	if src == l.source {
		return nil
	}

	old := l.source
	l.source = src
	l.cfg.URL = src.RootURL
	dropped := e.queue.DropLayer(id)
	if len(e.layersFor(old)) == 0 {
		e.retrier.ForgetSource(old)
	}
	e.requeueSource(old, now)
	l.table.Reset()
	l.coverage = nil
	l.visible, l.ancestors = nil, nil
	if !l.override {
		l.calibration = nil
		l.cutoffs = decode.Cutoffs{}
	}
	e.bind(l, now)
	e.dirty = true

	e.log.Info("Layer url changed", "layer", id, "from", old.RootURL, "to", src.RootURL, "dropped_requests", dropped)
	return nil
}

// Layers describes every layer in insertion order.
func (e *Engine) Layers() []LayerInfo {
	out := make([]LayerInfo, 0, len(e.order))
	for _, id := range e.order {
		out = append(out, e.layers[id].info())
	}
	return out
}

// Layer describes one layer.
func (e *Engine) Layer(id string) (LayerInfo, error) {
	l, ok := e.layers[id]
	if !ok {
		return LayerInfo{}, fmt.Errorf("%w: %s", ErrLayerNotFound, id)
	}
	return l.info(), nil
}

// ViewportChanged records camera motion. Visible cells are recomputed once
// the camera has been still for the debounce interval.
func (e *Engine) ViewportChanged(vp spatial.Viewport, now time.Time) {
	e.view = vp
	e.hasView = true
	e.lastMove = now
	e.dirty = true
}

// Viewport returns the last viewport received.
func (e *Engine) Viewport() (spatial.Viewport, bool) {
	return e.view, e.hasView
}

// SetInertia tells the engine whether inertial motion is running. No fetch
// is issued while it is; its end counts as the last camera motion.
func (e *Engine) SetInertia(active bool, now time.Time) {
	if e.inertia && !active {
		e.lastMove = now
	}
	e.inertia = active
}

// EndDrag starts inertia when the drag was fast enough and returns its amplitude.
func (e *Engine) EndDrag(d Drag, now time.Time) (float64, bool) {
	amp, ok := e.cfg.Inertia.Start(d)
	if ok {
		e.SetInertia(true, now)
	}
	return amp, ok
}

// Tick advances the engine by one frame.
func (e *Engine) Tick(now time.Time) {
	e.handleCompletions(now)
	if e.dirty && e.hasView && now.Sub(e.lastMove) >= e.cfg.Debounce {
		e.reconcile(now)
	}
	if e.quiet(now) {
		e.issue(now)
	}
	e.runJobs(now)
	e.lastTick = now
	e.updateGauges()
}

// quiet reports whether the camera has been still long enough to fetch.
func (e *Engine) quiet(now time.Time) bool {
	return !e.inertia && now.Sub(e.lastMove) >= e.cfg.FetchQuiet
}

// settled reports whether coverage reflects the current view.
func (e *Engine) settled(now time.Time) bool {
	return e.quiet(now) && !(e.dirty && e.hasView)
}

func (e *Engine) reconcile(now time.Time) {
	e.dirty = false
	cleared := e.queue.Clear()

	for _, id := range e.order {
		l := e.layers[id]
		depth := spatial.DepthFor(e.view, l.source.TileSize, l.cfg.MinDepth, l.cfg.MaxDepth)
		res := e.index.Compute(e.view, l.cfg.Frame, depth, l.cfg.MinDepth)
		l.setCoverage(res)

		pins := make([]healpix.Cell, 0, len(l.base)+len(res.Visible))
		pins = append(pins, l.base...)
		pins = append(pins, res.Visible...)
		l.table.SetPinned(pins)

		e.enqueueBase(l, now)
		for _, c := range res.Visible {
			if l.table.Touch(c, now) || l.table.IsMissing(c) {
				continue
			}
			e.request(l, c, queue.ClassVisible, now)
		}
		for _, c := range res.Ancestors {
			if l.table.Touch(c, now) || l.table.IsMissing(c) {
				continue
			}
			e.request(l, c, queue.ClassAncestor, now)
		}
	}

	e.log.Debug("Viewport reconciled", "layers", len(e.order), "cleared", cleared, "pending", e.queue.Len())
}

func (e *Engine) request(l *layer, c healpix.Cell, class queue.Class, now time.Time) {
	id := hips.Identity{Cell: c, Source: l.source}
	r := queue.Request{
		ID:        id,
		Class:     class,
		Layer:     l.id,
		Created:   now,
		NotBefore: e.retrier.NotBefore(id),
	}
	if e.queue.Enqueue(r) {
		metrics.RequestsEnqueued.WithLabelValues(class.String()).Inc()
	}
}

// issue hands ready requests to idle workers.
func (e *Engine) issue(now time.Time) {
	for e.pool.Free() > 0 {
		r, ok := e.queue.Next(now)
		if !ok {
			return
		}
		e.queue.MarkInFlight(r.ID)
		if !e.pool.Send(r, hips.TileURL(r.ID.Source, r.ID.Cell)) {
			e.queue.Complete(r.ID)
			e.queue.Enqueue(r)
			return
		}
	}
}

func (e *Engine) handleCompletions(now time.Time) {
	completions := append(e.delayed, e.pool.Drain()...)
	e.delayed = nil
	if len(completions) == 0 {
		return
	}
	settled := e.settled(now)
	for _, c := range completions {
		e.handle(c, now, settled)
	}
}

func (e *Engine) handle(c fetch.Completion, now time.Time, settled bool) {
	id := c.Request.ID
	bound := e.layersFor(id.Source)
	if len(bound) == 0 {
		e.queue.Complete(id)
		metrics.Discarded.WithLabelValues("config_mismatch").Inc()
		e.log.Debug("Completion discarded", "tile", id.String(), "reason", ErrConfigMismatch)
		return
	}

	switch c.Outcome {
	case fetch.Found:
		if !settled {
			e.delayed = append(e.delayed, c)
			return
		}
		e.queue.Complete(id)
		e.retrier.Success(id)
		e.admit(c, bound, now)

	case fetch.Missing:
		e.queue.Complete(id)
		e.retrier.Success(id)
		for _, l := range bound {
			l.table.MarkMissing(id.Cell)
		}
		e.recordMissing(id)

	case fetch.Failed:
		e.queue.Complete(id)
		at, retry := e.retrier.Failure(id, now)
		if !retry {
			e.log.Warn("Giving up on tile", "tile", id.String(), "error", c.Err)
			for _, l := range bound {
				l.table.MarkMissing(id.Cell)
			}
			return
		}
		e.log.Debug("Tile fetch failed, retrying", "tile", id.String(), "error", c.Err, "not_before", at)
		if !anyRelevant(bound, id.Cell) {
			return
		}
		metrics.FetchRetries.Inc()
		r := c.Request
		r.Layer = bound[0].id
		r.NotBefore = at
		if e.queue.Enqueue(r) {
			metrics.RequestsEnqueued.WithLabelValues(r.Class.String()).Inc()
		}
	}
}

func (e *Engine) admit(c fetch.Completion, bound []*layer, now time.Time) {
	id := c.Request.ID
	var targets []*layer
	for _, l := range bound {
		if l.relevant(id.Cell) {
			targets = append(targets, l)
		}
	}
	if len(targets) == 0 {
		metrics.Discarded.WithLabelValues("stale").Inc()
		return
	}

	tile, err := e.decoder.Decode(c.Payload, id.Source.Format, id.Source.TileSize)
	if err != nil {
		metrics.DecodeFailures.WithLabelValues(id.Source.Format.String()).Inc()
		e.log.Warn("Failed to decode tile", "tile", id.String(), "error", err)
		for _, l := range targets {
			l.table.MarkMissing(id.Cell)
		}
		return
	}

	var deferred *layer
	for _, l := range targets {
		l.calibrate(tile)
		_, out, evicted := l.table.Admit(id.Cell, tile, now)
		metrics.Admissions.WithLabelValues(out.String()).Inc()
		if evicted != nil {
			metrics.Evictions.Inc()
		}
		if out == slots.Deferred {
			deferred = l
		}
	}
	if deferred != nil {
		r := c.Request
		r.Layer = deferred.id
		r.NotBefore = now.Add(e.cfg.DeferDelay)
		e.queue.Enqueue(r)
	}
}

func (e *Engine) recordMissing(id hips.Identity) {
	if e.registry == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), registryTimeout)
	defer cancel()
	if err := e.registry.RecordMissing(ctx, id.Source, id.Cell); err != nil {
		e.log.Warn("Failed to record missing tile", "tile", id.String(), "error", err)
	}
}

// layersFor returns the layers currently bound to src.
func (e *Engine) layersFor(src hips.Source) []*layer {
	var out []*layer
	for _, id := range e.order {
		if l := e.layers[id]; l.source == src {
			out = append(out, l)
		}
	}
	return out
}

func anyRelevant(ls []*layer, c healpix.Cell) bool {
	for _, l := range ls {
		if l.relevant(c) {
			return true
		}
	}
	return false
}

func (e *Engine) runJobs(now time.Time) {
	if e.exec.Pending() == 0 {
		return
	}
	budget := e.cfg.TaskBudget
	if !e.lastTick.IsZero() {
		if share := time.Duration(float64(now.Sub(e.lastTick)) * e.cfg.FrameShare); share > 0 && share < budget {
			budget = share
		}
	}
	for _, r := range e.exec.Run(budget) {
		name := e.jobs[r.ID]
		delete(e.jobs, r.ID)
		e.finishCatalog(name, r)
	}
}

func (e *Engine) updateGauges() {
	metrics.PendingRequests.Set(float64(e.queue.Len()))
	metrics.InFlightRequests.Set(float64(e.queue.InFlight()))
	for _, id := range e.order {
		metrics.ResidentSlots.WithLabelValues(id).Set(float64(e.layers[id].table.Len()))
	}
}

// Stats summarizes the request pipeline.
type Stats struct {
	Pending  int `json:"pending"`
	InFlight int `json:"in_flight"`
	Delayed  int `json:"delayed"`
	Jobs     int `json:"jobs"`
	Layers   int `json:"layers"`
}

// Stats returns pipeline counters.
func (e *Engine) Stats() Stats {
	return Stats{
		Pending:  e.queue.Len(),
		InFlight: e.queue.InFlight(),
		Delayed:  len(e.delayed),
		Jobs:     e.exec.Pending(),
		Layers:   len(e.layers),
	}
}
