// Package api provides the HTTP control surface of the tile streamer.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-playground/validator/v10"
	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/engine"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/render"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
	"github.com/lsst-epo/aladin-lite/internal/telemetry"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// RouterConfig contains router configuration.
type RouterConfig struct {
	Loop        *engine.Loop
	Renderer    *render.AtlasRenderer
	CORSOrigins []string
	// MaxUploadMB bounds catalog uploads.
	MaxUploadMB int
	Logger      logger.Logger
	// Now defaults to time.Now.
	Now func() time.Time
}

type handlers struct {
	loop      *engine.Loop
	renderer  *render.AtlasRenderer
	maxUpload int64
	log       logger.Logger
	now       func() time.Time
	validate  *validator.Validate
}

// NewRouter creates a new HTTP router.
func NewRouter(cfg RouterConfig) *chi.Mux {
	h := &handlers{
		loop:      cfg.Loop,
		renderer:  cfg.Renderer,
		maxUpload: int64(cfg.MaxUploadMB) << 20,
		log:       cfg.Logger,
		now:       cfg.Now,
		validate:  validator.New(),
	}
	if h.renderer == nil {
		h.renderer = render.NewAtlasRenderer(render.DefaultConfig())
	}
	if h.maxUpload <= 0 {
		h.maxUpload = 64 << 20
	}
	if h.log == nil {
		h.log = logger.NewNop()
	}
	if h.now == nil {
		h.now = time.Now
	}

	r := chi.NewRouter()

	// Middleware
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Compress(5, "application/json"))
	r.Use(telemetry.Middleware)

	// CORS
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Link"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Health check
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Get("/stats", h.stats)

		r.Get("/viewport", h.getViewport)
		r.Put("/viewport", h.putViewport)
		r.Post("/viewport/drag-end", h.dragEnd)

		r.Route("/layers", func(r chi.Router) {
			r.Get("/", h.listLayers)
			r.Post("/", h.addLayer)
			r.Route("/{id}", func(r chi.Router) {
				r.Get("/", h.getLayer)
				r.Delete("/", h.removeLayer)
				r.Put("/url", h.setLayerURL)
				r.Get("/snapshot", h.snapshot)
				r.Get("/calibration", h.getCalibration)
				r.Put("/calibration", h.putCalibration)
				r.Get("/atlas.png", h.atlas)
			})
		})

		r.Get("/catalogs", h.listCatalogs)
		r.Post("/catalogs/{name}", h.addCatalog)
		r.Get("/catalogs/{name}", h.getCatalog)
	})

	return r
}

// do runs fn on the engine goroutine and writes the error response, if any.
func (h *handlers) do(w http.ResponseWriter, r *http.Request, fn func(e *engine.Engine) error) bool {
	var ferr error
	err := h.loop.Do(r.Context(), func(e *engine.Engine) { ferr = fn(e) })
	if err == nil {
		err = ferr
	}
	if err != nil {
		writeError(w, err)
		return false
	}
	return true
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, engine.ErrLayerNotFound), errors.Is(err, engine.ErrCatalogNotFound):
		status = http.StatusNotFound
	case errors.Is(err, engine.ErrLayerExists):
		status = http.StatusConflict
	case errors.Is(err, engine.ErrInvalidLayer), errors.Is(err, errBadRequest):
		status = http.StatusBadRequest
	case errors.Is(err, engine.ErrLoopStopped):
		status = http.StatusServiceUnavailable
	}
	http.Error(w, err.Error(), status)
}

var errBadRequest = errors.New("invalid request")

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// decodeBody decodes and validates a JSON request body.
func (h *handlers) decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
		return false
	}
	if err := h.validate.Struct(v); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return false
	}
	return true
}

func (h *handlers) stats(w http.ResponseWriter, r *http.Request) {
	var (
		stats  engine.Stats
		layers []engine.LayerInfo
	)
	if h.do(w, r, func(e *engine.Engine) error {
		stats, layers = e.Stats(), e.Layers()
		return nil
	}) {
		writeJSON(w, http.StatusOK, map[string]any{"pipeline": stats, "layers": layers})
	}
}

// Layers

type addLayerRequest struct {
	ID       string `json:"id"`
	URL      string `json:"url" validate:"required,url"`
	Format   string `json:"format" validate:"omitempty,oneof=jpeg jpg png webp fits"`
	TileSize int    `json:"tile_size" validate:"gte=0"`
	MinDepth int    `json:"min_depth" validate:"gte=0,lte=29"`
	MaxDepth int    `json:"max_depth" validate:"gte=0,lte=29"`
	Capacity int    `json:"capacity" validate:"gte=0"`
	Frame    string `json:"frame" validate:"omitempty,oneof=icrs galactic"`
}

// LayerConfig converts the request into an engine layer.
func (req addLayerRequest) LayerConfig() (engine.LayerConfig, error) {
	cfg := engine.LayerConfig{
		ID:       req.ID,
		URL:      req.URL,
		TileSize: req.TileSize,
		MinDepth: req.MinDepth,
		MaxDepth: req.MaxDepth,
		Capacity: req.Capacity,
	}
	if req.Format != "" {
		f, err := decode.ParseFormat(req.Format)
		if err != nil {
			return cfg, errors.Join(errBadRequest, err)
		}
		cfg.Format = f
	}
	frame, err := spatial.ParseFrame(req.Frame)
	if err != nil {
		return cfg, errors.Join(errBadRequest, err)
	}
	cfg.Frame = frame
	return cfg, nil
}

func (h *handlers) listLayers(w http.ResponseWriter, r *http.Request) {
	var layers []engine.LayerInfo
	if h.do(w, r, func(e *engine.Engine) error {
		layers = e.Layers()
		return nil
	}) {
		writeJSON(w, http.StatusOK, map[string]any{"layers": layers})
	}
}

func (h *handlers) addLayer(w http.ResponseWriter, r *http.Request) {
	var req addLayerRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	cfg, err := req.LayerConfig()
	if err != nil {
		writeError(w, err)
		return
	}
	var info engine.LayerInfo
	if h.do(w, r, func(e *engine.Engine) error {
		id, err := e.AddLayer(cfg, h.now())
		if err != nil {
			return err
		}
		info, err = e.Layer(id)
		return err
	}) {
		writeJSON(w, http.StatusCreated, info)
	}
}

func (h *handlers) getLayer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var info engine.LayerInfo
	if h.do(w, r, func(e *engine.Engine) (err error) {
		info, err = e.Layer(id)
		return err
	}) {
		writeJSON(w, http.StatusOK, info)
	}
}

func (h *handlers) removeLayer(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if h.do(w, r, func(e *engine.Engine) error { return e.RemoveLayer(id, h.now()) }) {
		w.WriteHeader(http.StatusNoContent)
	}
}

type setURLRequest struct {
	URL string `json:"url" validate:"required,url"`
}

func (h *handlers) setLayerURL(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req setURLRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	var info engine.LayerInfo
	if h.do(w, r, func(e *engine.Engine) error {
		if err := e.SetLayerURL(id, req.URL, h.now()); err != nil {
			return err
		}
		var err error
		info, err = e.Layer(id)
		return err
	}) {
		writeJSON(w, http.StatusOK, info)
	}
}

// Viewport

type viewportRequest struct {
	Lon      float64 `json:"lon" validate:"gte=-360,lte=360"`
	Lat      float64 `json:"lat" validate:"gte=-90,lte=90"`
	Roll     float64 `json:"roll"`
	Aperture float64 `json:"aperture" validate:"gt=0,lte=360"`
	Width    int     `json:"width" validate:"gte=0"`
	Aspect   float64 `json:"aspect" validate:"gte=0"`
	Frame    string  `json:"frame" validate:"omitempty,oneof=icrs galactic"`
	// Inertia, when set, reports whether inertial motion is running.
	Inertia *bool `json:"inertia,omitempty"`
}

func degToRad(d float64) float64 { return d * math.Pi / 180 }

func radToDeg(r float64) float64 { return r * 180 / math.Pi }

// Viewport converts the request from degrees.
func (req viewportRequest) Viewport() (spatial.Viewport, error) {
	frame, err := spatial.ParseFrame(req.Frame)
	if err != nil {
		return spatial.Viewport{}, errors.Join(errBadRequest, err)
	}
	aspect := req.Aspect
	if aspect == 0 {
		aspect = 1
	}
	return spatial.Viewport{
		Center:   healpix.LonLat{Lon: degToRad(req.Lon), Lat: degToRad(req.Lat)},
		Roll:     degToRad(req.Roll),
		Aperture: degToRad(req.Aperture),
		Aspect:   aspect,
		Width:    req.Width,
		Frame:    frame,
	}, nil
}

type viewportResponse struct {
	Lon      float64 `json:"lon"`
	Lat      float64 `json:"lat"`
	Roll     float64 `json:"roll"`
	Aperture float64 `json:"aperture"`
	Width    int     `json:"width"`
	Aspect   float64 `json:"aspect"`
	Frame    string  `json:"frame"`
}

func (h *handlers) putViewport(w http.ResponseWriter, r *http.Request) {
	var req viewportRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	vp, err := req.Viewport()
	if err != nil {
		writeError(w, err)
		return
	}
	if h.do(w, r, func(e *engine.Engine) error {
		now := h.now()
		e.ViewportChanged(vp, now)
		if req.Inertia != nil {
			e.SetInertia(*req.Inertia, now)
		}
		return nil
	}) {
		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *handlers) getViewport(w http.ResponseWriter, r *http.Request) {
	var (
		vp spatial.Viewport
		ok bool
	)
	if !h.do(w, r, func(e *engine.Engine) error {
		vp, ok = e.Viewport()
		return nil
	}) {
		return
	}
	if !ok {
		http.Error(w, "no viewport yet", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, viewportResponse{
		Lon:      radToDeg(vp.Center.Lon),
		Lat:      radToDeg(vp.Center.Lat),
		Roll:     radToDeg(vp.Roll),
		Aperture: radToDeg(vp.Aperture),
		Width:    vp.Width,
		Aspect:   vp.Aspect,
		Frame:    vp.Frame.String(),
	})
}

type dragEndRequest struct {
	// Distance is in pixels.
	Distance        float64 `json:"distance" validate:"gte=0"`
	DurationMS      float64 `json:"duration_ms" validate:"gte=0"`
	SinceLastMoveMS float64 `json:"since_last_move_ms" validate:"gte=0"`
}

func (h *handlers) dragEnd(w http.ResponseWriter, r *http.Request) {
	var req dragEndRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	d := engine.Drag{
		Distance:      req.Distance,
		Duration:      time.Duration(req.DurationMS * float64(time.Millisecond)),
		SinceLastMove: time.Duration(req.SinceLastMoveMS * float64(time.Millisecond)),
	}
	var (
		amplitude float64
		started   bool
	)
	if h.do(w, r, func(e *engine.Engine) error {
		amplitude, started = e.EndDrag(d, h.now())
		return nil
	}) {
		writeJSON(w, http.StatusOK, map[string]any{"inertia": started, "amplitude": amplitude})
	}
}

// Outbound

type snapshotTile struct {
	Depth uint8  `json:"depth"`
	Index uint64 `json:"index"`
	Slot  int    `json:"slot"`
}

func (h *handlers) snapshot(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var tiles []snapshotTile
	if !h.do(w, r, func(e *engine.Engine) error {
		refs, err := e.Snapshot(id, h.now())
		if err != nil {
			return err
		}
		tiles = make([]snapshotTile, len(refs))
		for i, ref := range refs {
			tiles[i] = snapshotTile{Depth: ref.Cell.Depth, Index: ref.Cell.Index, Slot: ref.Slot}
		}
		return nil
	}) {
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"layer": id, "tiles": tiles})
}

func (h *handlers) getCalibration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var cal engine.LayerCalibration
	if h.do(w, r, func(e *engine.Engine) (err error) {
		cal, err = e.Calibration(id)
		return err
	}) {
		writeJSON(w, http.StatusOK, cal)
	}
}

type calibrationRequest struct {
	Scale   float64         `json:"scale" validate:"required"`
	Offset  float64         `json:"offset"`
	Blank   *float64        `json:"blank"`
	Cutoffs *decode.Cutoffs `json:"cutoffs"`
}

func (h *handlers) putCalibration(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req calibrationRequest
	if !h.decodeBody(w, r, &req) {
		return
	}
	cal := decode.Calibration{Scale: req.Scale, Offset: req.Offset}
	if req.Blank != nil {
		cal.Blank, cal.HasBlank = *req.Blank, true
	}
	var out engine.LayerCalibration
	if h.do(w, r, func(e *engine.Engine) error {
		if err := e.SetCalibration(id, cal, req.Cutoffs); err != nil {
			return err
		}
		var err error
		out, err = e.Calibration(id)
		return err
	}) {
		writeJSON(w, http.StatusOK, out)
	}
}

func (h *handlers) atlas(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var tiles engine.LayerTiles
	if !h.do(w, r, func(e *engine.Engine) (err error) {
		tiles, err = e.Tiles(id)
		return err
	}) {
		return
	}

	// Tiles are immutable, so the atlas is drawn off the engine goroutine.
	data, err := h.renderer.Render(tiles, r.URL.Query().Get("colormap"))
	if err != nil {
		h.log.Error("Atlas render failed", "layer", id, "error", err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	w.Write(data)
}

// Catalogs

func (h *handlers) addCatalog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	data, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxUpload))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			http.Error(w, "catalog too large", http.StatusRequestEntityTooLarge)
			return
		}
		http.Error(w, "failed to read body: "+err.Error(), http.StatusBadRequest)
		return
	}
	if len(data) == 0 {
		http.Error(w, "empty catalog", http.StatusBadRequest)
		return
	}
	var job uint64
	if h.do(w, r, func(e *engine.Engine) error {
		job = uint64(e.AddCatalog(name, data))
		return nil
	}) {
		writeJSON(w, http.StatusAccepted, map[string]any{"name": name, "job": job, "status": engine.CatalogIndexing})
	}
}

func (h *handlers) getCatalog(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	var info engine.CatalogInfo
	if h.do(w, r, func(e *engine.Engine) (err error) {
		info, err = e.Catalog(name)
		return err
	}) {
		writeJSON(w, http.StatusOK, info)
	}
}

func (h *handlers) listCatalogs(w http.ResponseWriter, r *http.Request) {
	var names []string
	if h.do(w, r, func(e *engine.Engine) error {
		names = e.Catalogs()
		return nil
	}) {
		writeJSON(w, http.StatusOK, map[string]any{"catalogs": names})
	}
}
