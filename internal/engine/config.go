package engine

import (
	"time"

	"github.com/lsst-epo/aladin-lite/internal/catalog"
	"github.com/lsst-epo/aladin-lite/internal/fetch"
	"github.com/lsst-epo/aladin-lite/internal/slots"
	"github.com/lsst-epo/aladin-lite/internal/spatial"
	"github.com/lsst-epo/aladin-lite/pkg/logger"
)

// Config contains engine settings and collaborators.
type Config struct {
	Fetcher  fetch.Fetcher
	Registry MissingRegistry // optional
	Logger   logger.Logger
	// Projection defaults to spatial.Orthographic.
	Projection spatial.Projection

	Workers      int
	FetchTimeout time.Duration
	Retry        fetch.RetryConfig

	// Debounce is the camera inactivity required before visible cells are recomputed.
	Debounce time.Duration
	// FetchQuiet is the camera inactivity required before new fetches are issued.
	FetchQuiet time.Duration
	// DeferDelay postpones a tile that found every slot pinned.
	DeferDelay time.Duration

	// TaskBudget caps the executor slice of one tick. FrameShare is the
	// fraction of the time since the previous tick the slice may use.
	TaskBudget time.Duration
	FrameShare float64

	MissingCapacity int
	CatalogDepth    int
	Inertia         InertiaConfig
}

// DefaultConfig returns engine defaults without collaborators.
func DefaultConfig() Config {
	return Config{
		Workers:         8,
		FetchTimeout:    10 * time.Second,
		Retry:           fetch.RetryConfig{MaxAttempts: 4, InitialInterval: 500 * time.Millisecond, MaxInterval: 30 * time.Second, Multiplier: 2, Jitter: 0.2},
		Debounce:        200 * time.Millisecond,
		FetchQuiet:      100 * time.Millisecond,
		DeferDelay:      250 * time.Millisecond,
		TaskBudget:      8300 * time.Microsecond,
		FrameShare:      0.5,
		MissingCapacity: slots.DefaultMissingCapacity,
		CatalogDepth:    catalog.DefaultDepth,
		Inertia:         DefaultInertia(),
	}
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.Workers <= 0 {
		c.Workers = d.Workers
	}
	if c.FetchTimeout <= 0 {
		c.FetchTimeout = d.FetchTimeout
	}
	if c.Retry.MaxAttempts <= 0 {
		c.Retry = d.Retry
	}
	if c.Debounce < 0 {
		c.Debounce = d.Debounce
	}
	if c.FetchQuiet < 0 {
		c.FetchQuiet = d.FetchQuiet
	}
	if c.DeferDelay <= 0 {
		c.DeferDelay = d.DeferDelay
	}
	if c.TaskBudget <= 0 {
		c.TaskBudget = d.TaskBudget
	}
	if c.FrameShare <= 0 || c.FrameShare > 1 {
		c.FrameShare = d.FrameShare
	}
	if c.MissingCapacity <= 0 {
		c.MissingCapacity = d.MissingCapacity
	}
	if c.CatalogDepth <= 0 {
		c.CatalogDepth = d.CatalogDepth
	}
	if c.Inertia == (InertiaConfig{}) {
		c.Inertia = d.Inertia
	}
	if c.Logger == nil {
		c.Logger = logger.NewNop()
	}
}
