// Package cache provides the payload cache that sits in front of tile servers.
package cache

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/allegro/bigcache/v3"
	"github.com/klauspost/compress/zstd"
)

// Store caches raw tile payloads by key. Implementations are safe for concurrent use.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, bool, error)
	Set(ctx context.Context, key string, data []byte) error
	Close() error
}

// Config contains cache configuration.
type Config struct {
	Backend       string // memory, redis or none
	SizeMB        int
	TTL           time.Duration
	RedisAddr     string
	RedisPassword string
	RedisDB       int
}

// New creates the store selected by cfg.Backend.
func New(cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", "memory":
		return NewMemoryStore(cfg)
	case "redis":
		return NewRedisStore(RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			TTL:      cfg.TTL,
		})
	case "none":
		return NopStore{}, nil
	default:
		return nil, fmt.Errorf("unknown cache backend %q", cfg.Backend)
	}
}

// MemoryStore keeps zstd-compressed payloads in a bigcache.
type MemoryStore struct {
	payloads *bigcache.BigCache
	encoder  *zstd.Encoder
	decoder  *zstd.Decoder
}

// NewMemoryStore creates an in-process payload cache.
func NewMemoryStore(cfg Config) (*MemoryStore, error) {
	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	sizeMB := cfg.SizeMB
	if sizeMB <= 0 {
		sizeMB = 256
	}
	payloadConfig := bigcache.Config{
		Shards:             256,
		LifeWindow:         ttl,
		CleanWindow:        ttl / 2,
		MaxEntriesInWindow: 100000,
		MaxEntrySize:       256 * 1024, // compressed 512² tile
		HardMaxCacheSize:   sizeMB,
		Verbose:            false,
	}

	payloads, err := bigcache.New(context.Background(), payloadConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create payload cache: %w", err)
	}

	encoder, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedFastest))
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd encoder: %w", err)
	}
	decoder, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create zstd decoder: %w", err)
	}

	return &MemoryStore{
		payloads: payloads,
		encoder:  encoder,
		decoder:  decoder,
	}, nil
}

// Get retrieves a payload from cache.
func (m *MemoryStore) Get(_ context.Context, key string) ([]byte, bool, error) {
	compressed, err := m.payloads.Get(key)
	if errors.Is(err, bigcache.ErrEntryNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("bigcache get error: %w", err)
	}
	data, err := m.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("zstd decompress failed: %w", err)
	}
	return data, true, nil
}

// Set stores a payload in cache.
func (m *MemoryStore) Set(_ context.Context, key string, data []byte) error {
	return m.payloads.Set(key, m.encoder.EncodeAll(data, nil))
}

// Stats returns cache statistics.
func (m *MemoryStore) Stats() map[string]interface{} {
	s := m.payloads.Stats()
	return map[string]interface{}{
		"payload_cache_len":    m.payloads.Len(),
		"payload_cache_cap":    m.payloads.Capacity(),
		"payload_cache_hits":   s.Hits,
		"payload_cache_misses": s.Misses,
	}
}

// Close closes the cache.
func (m *MemoryStore) Close() error {
	m.decoder.Close()
	if err := m.encoder.Close(); err != nil {
		return err
	}
	return m.payloads.Close()
}

// NopStore caches nothing.
type NopStore struct{}

func (NopStore) Get(context.Context, string) ([]byte, bool, error) { return nil, false, nil }
func (NopStore) Set(context.Context, string, []byte) error         { return nil }
func (NopStore) Close() error                                      { return nil }
