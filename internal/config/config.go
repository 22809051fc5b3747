// Package config handles configuration loading for the tile streamer.
package config

import (
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// EnvPrefix prefixes every environment override.
const EnvPrefix = "STREAMER_"

// Config represents the streamer configuration.
type Config struct {
	Server    ServerConfig    `yaml:"server"`
	Logger    LoggerConfig    `yaml:"logger"`
	Telemetry TelemetryConfig `yaml:"telemetry"`
	Engine    EngineConfig    `yaml:"engine"`
	Cache     CacheConfig     `yaml:"cache"`
	Store     StoreConfig     `yaml:"store"`
	// Viewport is the initial view; nil waits for the first client update.
	Viewport *ViewportConfig `yaml:"viewport" validate:"omitempty"`
	Layers   []LayerConfig   `yaml:"layers" validate:"dive"`
}

// ServerConfig contains HTTP server settings.
type ServerConfig struct {
	Port            int           `yaml:"port" env:"PORT" validate:"min=1,max=65535"`
	CORSOrigins     []string      `yaml:"cors_origins" env:"CORS_ORIGINS" envSeparator:","`
	ReadTimeout     time.Duration `yaml:"read_timeout" env:"READ_TIMEOUT"`
	WriteTimeout    time.Duration `yaml:"write_timeout" env:"WRITE_TIMEOUT"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" env:"SHUTDOWN_TIMEOUT"`
	// MaxUploadMB bounds catalog uploads.
	MaxUploadMB int `yaml:"max_upload_mb" env:"MAX_UPLOAD_MB" validate:"min=1"`
}

// LoggerConfig contains logging settings.
type LoggerConfig struct {
	Level       string `yaml:"level" env:"LEVEL" validate:"oneof=debug info warn error"`
	Development bool   `yaml:"development" env:"DEVELOPMENT"`
}

// TelemetryConfig contains tracing settings.
type TelemetryConfig struct {
	Enabled     bool    `yaml:"enabled" env:"ENABLED"`
	Endpoint    string  `yaml:"endpoint" env:"OTLP_ENDPOINT" validate:"required_if=Enabled true"`
	Insecure    bool    `yaml:"insecure" env:"INSECURE"`
	ServiceName string  `yaml:"service_name" env:"SERVICE_NAME"`
	SampleRatio float64 `yaml:"sample_ratio" env:"SAMPLE_RATIO" validate:"gte=0,lte=1"`
}

// EngineConfig contains tile pipeline settings.
type EngineConfig struct {
	Workers      int           `yaml:"workers" env:"WORKERS" validate:"min=1,max=256"`
	FetchTimeout time.Duration `yaml:"fetch_timeout" env:"FETCH_TIMEOUT" validate:"gt=0"`
	UserAgent    string        `yaml:"user_agent" env:"USER_AGENT"`
	FrameRate    int           `yaml:"frame_rate" env:"FRAME_RATE" validate:"min=1,max=240"`
	Debounce     time.Duration `yaml:"debounce" env:"DEBOUNCE" validate:"gte=0"`
	FetchQuiet   time.Duration `yaml:"fetch_quiet" env:"FETCH_QUIET" validate:"gte=0"`
	DeferDelay   time.Duration `yaml:"defer_delay" env:"DEFER_DELAY" validate:"gt=0"`
	TaskBudget   time.Duration `yaml:"task_budget" env:"TASK_BUDGET" validate:"gt=0"`
	FrameShare   float64       `yaml:"frame_share" env:"FRAME_SHARE" validate:"gt=0,lte=1"`
	CatalogDepth int           `yaml:"catalog_depth" env:"CATALOG_DEPTH" validate:"min=1,max=29"`
	Retry        RetryConfig   `yaml:"retry" envPrefix:"RETRY_"`
	Inertia      InertiaConfig `yaml:"inertia" envPrefix:"INERTIA_"`
}

// RetryConfig bounds retries of transient fetch failures.
type RetryConfig struct {
	MaxAttempts     int           `yaml:"max_attempts" env:"MAX_ATTEMPTS" validate:"min=1"`
	InitialInterval time.Duration `yaml:"initial_interval" env:"INITIAL_INTERVAL" validate:"gt=0"`
	MaxInterval     time.Duration `yaml:"max_interval" env:"MAX_INTERVAL" validate:"gtefield=InitialInterval"`
	Multiplier      float64       `yaml:"multiplier" env:"MULTIPLIER" validate:"gte=1"`
	Jitter          float64       `yaml:"jitter" env:"JITTER" validate:"gte=0,lte=1"`
}

// InertiaConfig holds the inertial motion thresholds.
type InertiaConfig struct {
	MinVelocity     float64       `yaml:"min_velocity" env:"MIN_VELOCITY" validate:"gt=0"`
	RecentWindow    time.Duration `yaml:"recent_window" env:"RECENT_WINDOW" validate:"gt=0"`
	AmplitudeFactor float64       `yaml:"amplitude_factor" env:"AMPLITUDE_FACTOR" validate:"gt=0"`
	StopRatio       float64       `yaml:"stop_ratio" env:"STOP_RATIO" validate:"gt=0,lt=1"`
}

// CacheConfig contains payload cache settings.
type CacheConfig struct {
	Backend         string        `yaml:"backend" env:"BACKEND" validate:"oneof=memory redis none"`
	SizeMB          int           `yaml:"size_mb" env:"SIZE_MB" validate:"min=1"`
	TTL             time.Duration `yaml:"ttl" env:"TTL" validate:"gt=0"`
	RedisAddr       string        `yaml:"redis_addr" env:"REDIS_ADDR" validate:"required_if=Backend redis"`
	RedisPassword   string        `yaml:"redis_password" env:"REDIS_PASSWORD"`
	RedisDB         int           `yaml:"redis_db" env:"REDIS_DB" validate:"gte=0"`
	MissingCapacity int           `yaml:"missing_capacity" env:"MISSING_CAPACITY" validate:"min=1"`
}

// StoreConfig contains missing-tile registry settings. An empty path disables it.
type StoreConfig struct {
	Path          string `yaml:"path" env:"PATH"`
	RetentionDays int    `yaml:"retention_days" env:"RETENTION_DAYS" validate:"min=1"`
}

// ViewportConfig is a view in degrees.
type ViewportConfig struct {
	Lon      float64 `yaml:"lon" validate:"gte=-360,lte=360"`
	Lat      float64 `yaml:"lat" validate:"gte=-90,lte=90"`
	Roll     float64 `yaml:"roll"`
	Aperture float64 `yaml:"aperture" validate:"gt=0,lte=360"`
	Width    int     `yaml:"width" validate:"gte=0"`
	Aspect   float64 `yaml:"aspect" validate:"gte=0"`
	Frame    string  `yaml:"frame" validate:"omitempty,oneof=icrs galactic"`
}

// LayerConfig is a layer added at startup.
type LayerConfig struct {
	ID       string `yaml:"id"`
	URL      string `yaml:"url" validate:"required,url"`
	Format   string `yaml:"format" validate:"omitempty,oneof=jpeg jpg png webp fits"`
	TileSize int    `yaml:"tile_size" validate:"gte=0"`
	MinDepth int    `yaml:"min_depth" validate:"gte=0,lte=29"`
	MaxDepth int    `yaml:"max_depth" validate:"gte=0,lte=29"`
	Capacity int    `yaml:"capacity" validate:"gte=0"`
	Frame    string `yaml:"frame" validate:"omitempty,oneof=icrs galactic"`
}

// Load reads configuration from a YAML file, then applies STREAMER_*
// environment overrides, including those from a .env file.
func Load(path string) (*Config, error) {
	cfg := DefaultConfig()
	data, err := os.ReadFile(path)
	if err == nil {
		cfg = &Config{}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		// Apply defaults for missing values
		applyDefaults(cfg)
	}

	// a missing .env file is normal
	_ = godotenv.Load()
	sections := []struct {
		prefix string
		target any
	}{
		{"SERVER_", &cfg.Server},
		{"LOGGER_", &cfg.Logger},
		{"TELEMETRY_", &cfg.Telemetry},
		{"ENGINE_", &cfg.Engine},
		{"CACHE_", &cfg.Cache},
		{"STORE_", &cfg.Store},
	}
	for _, s := range sections {
		if err := env.ParseWithOptions(s.target, env.Options{Prefix: EnvPrefix + s.prefix}); err != nil {
			return nil, fmt.Errorf("failed to parse environment: %w", err)
		}
	}
	return cfg, nil
}

// Validate checks value ranges.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("invalid configuration: %w", err)
	}
	for i, l := range c.Layers {
		if l.MaxDepth != 0 && l.MinDepth > l.MaxDepth {
			return fmt.Errorf("invalid configuration: layer %d: min_depth %d exceeds max_depth %d", i, l.MinDepth, l.MaxDepth)
		}
	}
	return nil
}

// Addr returns the listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Server.Port)
}

// DefaultConfig returns the default configuration.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			CORSOrigins:     []string{"http://localhost:3000", "http://localhost:5173"},
			ReadTimeout:     15 * time.Second,
			WriteTimeout:    30 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadMB:     64,
		},
		Logger: LoggerConfig{
			Level: "info",
		},
		Telemetry: TelemetryConfig{
			ServiceName: "hips-streamer",
			SampleRatio: 1,
		},
		Engine: EngineConfig{
			Workers:      8,
			FetchTimeout: 10 * time.Second,
			UserAgent:    "hips-streamer/1.0",
			FrameRate:    60,
			Debounce:     200 * time.Millisecond,
			FetchQuiet:   100 * time.Millisecond,
			DeferDelay:   250 * time.Millisecond,
			TaskBudget:   8300 * time.Microsecond,
			FrameShare:   0.5,
			CatalogDepth: 10,
			Retry: RetryConfig{
				MaxAttempts:     4,
				InitialInterval: 500 * time.Millisecond,
				MaxInterval:     30 * time.Second,
				Multiplier:      2,
				Jitter:          0.2,
			},
			Inertia: InertiaConfig{
				MinVelocity:     3000,
				RecentWindow:    100 * time.Millisecond,
				AmplitudeFactor: 5e-3,
				StopRatio:       1e-3,
			},
		},
		Cache: CacheConfig{
			Backend:         "memory",
			SizeMB:          256,
			TTL:             10 * time.Minute,
			RedisAddr:       "localhost:6379",
			MissingCapacity: 4096,
		},
		Store: StoreConfig{
			Path:          "./data/missing.sqlite",
			RetentionDays: 30,
		},
	}
}

func applyDefaults(cfg *Config) {
	defaults := DefaultConfig()

	if cfg.Server.Port == 0 {
		cfg.Server.Port = defaults.Server.Port
	}
	if len(cfg.Server.CORSOrigins) == 0 {
		cfg.Server.CORSOrigins = defaults.Server.CORSOrigins
	}
	if cfg.Server.ReadTimeout == 0 {
		cfg.Server.ReadTimeout = defaults.Server.ReadTimeout
	}
	if cfg.Server.WriteTimeout == 0 {
		cfg.Server.WriteTimeout = defaults.Server.WriteTimeout
	}
	if cfg.Server.ShutdownTimeout == 0 {
		cfg.Server.ShutdownTimeout = defaults.Server.ShutdownTimeout
	}
	if cfg.Server.MaxUploadMB == 0 {
		cfg.Server.MaxUploadMB = defaults.Server.MaxUploadMB
	}
	if cfg.Logger.Level == "" {
		cfg.Logger.Level = defaults.Logger.Level
	}
	if cfg.Telemetry.ServiceName == "" {
		cfg.Telemetry.ServiceName = defaults.Telemetry.ServiceName
	}
	if cfg.Telemetry.SampleRatio == 0 {
		cfg.Telemetry.SampleRatio = defaults.Telemetry.SampleRatio
	}
	applyEngineDefaults(&cfg.Engine, defaults.Engine)
	if cfg.Cache.Backend == "" {
		cfg.Cache.Backend = defaults.Cache.Backend
	}
	if cfg.Cache.SizeMB == 0 {
		cfg.Cache.SizeMB = defaults.Cache.SizeMB
	}
	if cfg.Cache.TTL == 0 {
		cfg.Cache.TTL = defaults.Cache.TTL
	}
	if cfg.Cache.RedisAddr == "" {
		cfg.Cache.RedisAddr = defaults.Cache.RedisAddr
	}
	if cfg.Cache.MissingCapacity == 0 {
		cfg.Cache.MissingCapacity = defaults.Cache.MissingCapacity
	}
	if cfg.Store.RetentionDays == 0 {
		cfg.Store.RetentionDays = defaults.Store.RetentionDays
	}
	if cfg.Viewport != nil && cfg.Viewport.Aperture == 0 {
		cfg.Viewport.Aperture = 60
	}
}

func applyEngineDefaults(e *EngineConfig, d EngineConfig) {
	if e.Workers == 0 {
		e.Workers = d.Workers
	}
	if e.FetchTimeout == 0 {
		e.FetchTimeout = d.FetchTimeout
	}
	if e.UserAgent == "" {
		e.UserAgent = d.UserAgent
	}
	if e.FrameRate == 0 {
		e.FrameRate = d.FrameRate
	}
	if e.Debounce == 0 {
		e.Debounce = d.Debounce
	}
	if e.FetchQuiet == 0 {
		e.FetchQuiet = d.FetchQuiet
	}
	if e.DeferDelay == 0 {
		e.DeferDelay = d.DeferDelay
	}
	if e.TaskBudget == 0 {
		e.TaskBudget = d.TaskBudget
	}
	if e.FrameShare == 0 {
		e.FrameShare = d.FrameShare
	}
	if e.CatalogDepth == 0 {
		e.CatalogDepth = d.CatalogDepth
	}
	if e.Retry.MaxAttempts == 0 {
		e.Retry.MaxAttempts = d.Retry.MaxAttempts
	}
	if e.Retry.InitialInterval == 0 {
		e.Retry.InitialInterval = d.Retry.InitialInterval
	}
	if e.Retry.MaxInterval == 0 {
		e.Retry.MaxInterval = d.Retry.MaxInterval
	}
	if e.Retry.Multiplier == 0 {
		e.Retry.Multiplier = d.Retry.Multiplier
	}
	if e.Inertia.MinVelocity == 0 {
		e.Inertia.MinVelocity = d.Inertia.MinVelocity
	}
	if e.Inertia.RecentWindow == 0 {
		e.Inertia.RecentWindow = d.Inertia.RecentWindow
	}
	if e.Inertia.AmplitudeFactor == 0 {
		e.Inertia.AmplitudeFactor = d.Inertia.AmplitudeFactor
	}
	if e.Inertia.StopRatio == 0 {
		e.Inertia.StopRatio = d.Inertia.StopRatio
	}
}
