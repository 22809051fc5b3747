// Package fetch retrieves tile payloads from HiPS servers with a bounded pool of workers.
package fetch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/cache"
	"github.com/lsst-epo/aladin-lite/pkg/metrics"
)

var (
	// ErrMissing means the server confirmed it has no tile.
	ErrMissing = errors.New("tile missing")
	// ErrTransient covers failures worth retrying.
	ErrTransient = errors.New("transient fetch error")
	// ErrTimeout is a transient failure caused by the per-request deadline.
	ErrTimeout = fmt.Errorf("%w: timeout", ErrTransient)
)

// Fetcher downloads one payload.
type Fetcher interface {
	Fetch(ctx context.Context, url string) ([]byte, error)
}

// HTTPFetcher fetches tiles over HTTP.
type HTTPFetcher struct {
	client    *http.Client
	userAgent string
}

// NewHTTPFetcher creates a fetcher. The pool enforces per-request timeouts
// through the context; timeout here bounds a single connection attempt.
func NewHTTPFetcher(timeout time.Duration, userAgent string) *HTTPFetcher {
	return &HTTPFetcher{
		client:    &http.Client{Timeout: timeout},
		userAgent: userAgent,
	}
}

// Fetch implements Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to build request: %w", err)
	}
	if f.userAgent != "" {
		req.Header.Set("User-Agent", f.userAgent)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound || resp.StatusCode == http.StatusGone:
		io.Copy(io.Discard, resp.Body)
		return nil, ErrMissing
	case resp.StatusCode < 200 || resp.StatusCode > 299:
		io.Copy(io.Discard, resp.Body)
		return nil, fmt.Errorf("%w: upstream returned status %d", ErrTransient, resp.StatusCode)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, ErrTimeout
		}
		return nil, fmt.Errorf("%w: failed to read body: %v", ErrTransient, err)
	}
	return data, nil
}

// CachedFetcher serves payloads from a cache.Store before asking next.
type CachedFetcher struct {
	next  Fetcher
	store cache.Store
	key   func(url string) string
}

// NewCachedFetcher wraps next. A nil key function uses the URL itself.
func NewCachedFetcher(next Fetcher, store cache.Store, key func(url string) string) *CachedFetcher {
	if key == nil {
		key = func(url string) string { return "tile:" + url }
	}
	return &CachedFetcher{next: next, store: store, key: key}
}

// Fetch implements Fetcher. Cache failures degrade to a direct fetch.
func (c *CachedFetcher) Fetch(ctx context.Context, url string) ([]byte, error) {
	key := c.key(url)
	if data, ok, err := c.store.Get(ctx, key); err == nil && ok {
		metrics.PayloadCacheHits.Inc()
		return data, nil
	}
	metrics.PayloadCacheMisses.Inc()

	data, err := c.next.Fetch(ctx, url)
	if err != nil {
		return nil, err
	}
	_ = c.store.Set(ctx, key, data)
	return data, nil
}
