package cache

import (
	"bytes"
	"context"
	"os"
	"testing"
	"time"
)

func TestMemoryStoreRoundTrip(t *testing.T) {
	store, err := NewMemoryStore(Config{SizeMB: 8, TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewMemoryStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	if _, ok, err := store.Get(ctx, "tile:missing"); ok || err != nil {
		t.Fatalf("expected a clean miss, got ok=%v err=%v", ok, err)
	}

	payload := bytes.Repeat([]byte("SIMPLE  =                    T"), 200)
	if err := store.Set(ctx, "tile:a", payload); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := store.Get(ctx, "tile:a")
	if err != nil || !ok {
		t.Fatalf("expected hit, got ok=%v err=%v", ok, err)
	}
	if !bytes.Equal(got, payload) {
		t.Fatalf("payload changed through the cache")
	}
	if store.Stats()["payload_cache_len"].(int) != 1 {
		t.Fatalf("expected one cached entry")
	}
}

func TestNewSelectsBackend(t *testing.T) {
	s, err := New(Config{Backend: "none"})
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if _, ok := s.(NopStore); !ok {
		t.Fatalf("expected NopStore, got %T", s)
	}
	if _, err := New(Config{Backend: "memcached"}); err == nil {
		t.Fatalf("expected error for unknown backend")
	}
}

func TestRedisStore(t *testing.T) {
	addr := os.Getenv("STREAMER_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("STREAMER_TEST_REDIS_ADDR not set")
	}
	store, err := NewRedisStore(RedisConfig{Addr: addr, TTL: time.Minute})
	if err != nil {
		t.Fatalf("NewRedisStore failed: %v", err)
	}
	defer store.Close()

	ctx := context.Background()
	key := "tile:test:" + time.Now().Format(time.RFC3339Nano)
	if err := store.Set(ctx, key, []byte("payload")); err != nil {
		t.Fatalf("Set failed: %v", err)
	}
	got, ok, err := store.Get(ctx, key)
	if err != nil || !ok || string(got) != "payload" {
		t.Fatalf("unexpected Get result %q ok=%v err=%v", got, ok, err)
	}
}
