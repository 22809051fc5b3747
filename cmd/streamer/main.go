// Package main is the entry point for the HiPS tile streamer.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"math"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/lsst-epo/aladin-lite/internal/api"
	"github.com/lsst-epo/aladin-lite/internal/cache"
	"github.com/lsst-epo/aladin-lite/internal/config"
	"github.com/lsst-epo/aladin-lite/internal/decode"
	"github.com/lsst-epo/aladin-lite/internal/engine"
	"github.com/lsst-epo/aladin-lite/internal/fetch"
	"github.com/lsst-epo/aladin-lite/internal/healpix"
	"github.com/lsst-epo/aladin-lite/internal/hips"
	"github.com/lsst-epo/aladin-lite/internal/render"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
	"github.com/lsst-epo/aladin-lite/internal/store"
	"github.com/lsst-epo/aladin-lite/internal/telemetry"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
	"golang.org/x/sync/errgroup"
)

// expired missing-tile markers are purged this often
const purgePeriod = time.Hour

func main() {
	// Parse command line flags
	configPath := flag.String("config", "config/streamer.yaml", "Path to configuration file")
	flag.Parse()

	// Load configuration
	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	lg := logger.NewZapLogger(logger.Config{Level: cfg.Logger.Level, Development: cfg.Logger.Development})
	defer lg.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, lg); err != nil {
		lg.Error("Streamer stopped with error", "error", err)
		lg.Sync()
		os.Exit(1)
	}
	lg.Info("Streamer stopped")
}

func run(ctx context.Context, cfg *config.Config, lg logger.Logger) error {
	shutdownTracer, err := telemetry.InitTracer(ctx, telemetry.Config{
		Enabled:     cfg.Telemetry.Enabled,
		Endpoint:    cfg.Telemetry.Endpoint,
		Insecure:    cfg.Telemetry.Insecure,
		ServiceName: cfg.Telemetry.ServiceName,
		SampleRatio: cfg.Telemetry.SampleRatio,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := shutdownTracer(sctx); err != nil {
			lg.Warn("Tracer shutdown failed", "error", err)
		}
	}()

	// Payload cache shared by every layer
	payloads, err := cache.New(cache.Config{
		Backend:       cfg.Cache.Backend,
		SizeMB:        cfg.Cache.SizeMB,
		TTL:           cfg.Cache.TTL,
		RedisAddr:     cfg.Cache.RedisAddr,
		RedisPassword: cfg.Cache.RedisPassword,
		RedisDB:       cfg.Cache.RedisDB,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize cache: %w", err)
	}
	defer payloads.Close()
	lg.Info("Payload cache ready",
		"backend", cfg.Cache.Backend,
		"size", humanize.IBytes(uint64(cfg.Cache.SizeMB)<<20),
		"ttl", cfg.Cache.TTL)

	// Missing-tile registry (SQLite persistence)
	var (
		registry engine.MissingRegistry
		markers  *store.Store
	)
	if cfg.Store.Path != "" {
		markers, err = store.NewStore(cfg.Store.Path, lg)
		if err != nil {
			return fmt.Errorf("failed to open missing-tile store: %w", err)
		}
		defer markers.Close()
		registry = markers
		if n, err := markers.DeleteExpired(ctx, cfg.Store.RetentionDays); err != nil {
			lg.Warn("Failed to purge expired missing tiles", "error", err)
		} else {
			lg.Info("Missing-tile store ready", "path", cfg.Store.Path, "purged", n, "retention_days", cfg.Store.RetentionDays)
		}
	}

	fetcher := fetch.NewCachedFetcher(
		fetch.NewHTTPFetcher(cfg.Engine.FetchTimeout, cfg.Engine.UserAgent),
		payloads,
		hips.PayloadKey,
	)

	eng, err := engine.New(engineConfig(cfg, fetcher, registry, lg))
	if err != nil {
		return err
	}

	now := time.Now()
	for i, lc := range cfg.Layers {
		lcfg, err := layerConfig(lc)
		if err != nil {
			eng.Close()
			return fmt.Errorf("layer %d: %w", i, err)
		}
		if _, err := eng.AddLayer(lcfg, now); err != nil {
			eng.Close()
			return fmt.Errorf("layer %d: %w", i, err)
		}
	}
	if cfg.Viewport != nil {
		vp, err := viewport(*cfg.Viewport)
		if err != nil {
			eng.Close()
			return err
		}
		eng.ViewportChanged(vp, now)
	}

	loop := engine.NewLoop(eng, time.Second/time.Duration(cfg.Engine.FrameRate))

	// Set up HTTP router
	router := api.NewRouter(api.RouterConfig{
		Loop:        loop,
		Renderer:    render.NewAtlasRenderer(render.DefaultConfig()),
		CORSOrigins: cfg.Server.CORSOrigins,
		MaxUploadMB: cfg.Server.MaxUploadMB,
		Logger:      lg,
	})

	server := &http.Server{
		Addr:         cfg.Addr(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return loop.Run(gctx)
	})
	g.Go(func() error {
		lg.Info("Server listening", "addr", server.Addr,
			"layers", len(cfg.Layers),
			"max_upload", humanize.IBytes(uint64(cfg.Server.MaxUploadMB)<<20))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		lg.Info("Shutting down server")

		// Graceful shutdown with timeout
		sctx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()
		if err := server.Shutdown(sctx); err != nil {
			lg.Warn("Server forced to shutdown", "error", err)
		}
		return nil
	})
	if markers != nil {
		g.Go(func() error {
			purgeExpired(gctx, markers, cfg.Store.RetentionDays, lg)
			return nil
		})
	}
	return g.Wait()
}

// purgeExpired deletes stale missing-tile markers until ctx is done.
func purgeExpired(ctx context.Context, s *store.Store, retentionDays int, lg logger.Logger) {
	ticker := time.NewTicker(purgePeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := s.DeleteExpired(ctx, retentionDays)
			if err != nil {
				lg.Warn("Failed to purge expired missing tiles", "error", err)
				continue
			}
			if n > 0 {
				lg.Info("Purged expired missing tiles", "count", n)
			}
		}
	}
}

func engineConfig(cfg *config.Config, f fetch.Fetcher, registry engine.MissingRegistry, lg logger.Logger) engine.Config {
	ec := cfg.Engine
	return engine.Config{
		Fetcher:      f,
		Registry:     registry,
		Logger:       lg,
		Workers:      ec.Workers,
		FetchTimeout: ec.FetchTimeout,
		Retry: fetch.RetryConfig{
			MaxAttempts:     ec.Retry.MaxAttempts,
			InitialInterval: ec.Retry.InitialInterval,
			MaxInterval:     ec.Retry.MaxInterval,
			Multiplier:      ec.Retry.Multiplier,
			Jitter:          ec.Retry.Jitter,
		},
		Debounce:        ec.Debounce,
		FetchQuiet:      ec.FetchQuiet,
		DeferDelay:      ec.DeferDelay,
		TaskBudget:      ec.TaskBudget,
		FrameShare:      ec.FrameShare,
		MissingCapacity: cfg.Cache.MissingCapacity,
		CatalogDepth:    ec.CatalogDepth,
		Inertia: engine.InertiaConfig{
			MinVelocity:     ec.Inertia.MinVelocity,
			RecentWindow:    ec.Inertia.RecentWindow,
			AmplitudeFactor: ec.Inertia.AmplitudeFactor,
			StopRatio:       ec.Inertia.StopRatio,
		},
	}
}

func layerConfig(lc config.LayerConfig) (engine.LayerConfig, error) {
	out := engine.LayerConfig{
		ID:       lc.ID,
		URL:      lc.URL,
		TileSize: lc.TileSize,
		MinDepth: lc.MinDepth,
		MaxDepth: lc.MaxDepth,
		Capacity: lc.Capacity,
	}
	if lc.Format != "" {
		f, err := decode.ParseFormat(lc.Format)
		if err != nil {
			return out, err
		}
		out.Format = f
	}
	frame, err := spatial.ParseFrame(lc.Frame)
	if err != nil {
		return out, err
	}
	out.Frame = frame
	return out, nil
}

func viewport(vc config.ViewportConfig) (spatial.Viewport, error) {
	frame, err := spatial.ParseFrame(vc.Frame)
	if err != nil {
		return spatial.Viewport{}, err
	}
	aspect := vc.Aspect
	if aspect == 0 {
		aspect = 1
	}
	rad := math.Pi / 180
	return spatial.Viewport{
		Center:   healpix.LonLat{Lon: vc.Lon * rad, Lat: vc.Lat * rad},
		Roll:     vc.Roll * rad,
		Aperture: vc.Aperture * rad,
		Aspect:   aspect,
		Width:    vc.Width,
		Frame:    frame,
	}, nil
}
