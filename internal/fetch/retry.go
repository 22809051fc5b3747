package fetch

import (
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/lsst-epo/aladin-lite/internal/hips"
)

// RetryConfig bounds how often a failing tile is retried.
type RetryConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	MaxInterval     time.Duration
	Multiplier      float64
	// Jitter is the backoff randomization factor in [0, 1].
	Jitter float64
}

type retryState struct {
	failures  int
	notBefore time.Time
	backoff   *backoff.ExponentialBackOff
}

// Retrier tracks consecutive failures per identity.
type Retrier struct {
	cfg    RetryConfig
	states map[hips.Identity]*retryState
}

// NewRetrier creates a retrier.
func NewRetrier(cfg RetryConfig) *Retrier {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = 4
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = 500 * time.Millisecond
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = 30 * time.Second
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = 2
	}
	return &Retrier{cfg: cfg, states: make(map[hips.Identity]*retryState)}
}

// Failure records a failed attempt at now. It returns when the next attempt
// may start, or retry=false once MaxAttempts consecutive failures are reached.
func (r *Retrier) Failure(id hips.Identity, now time.Time) (notBefore time.Time, retry bool) {
	st, ok := r.states[id]
	if !ok {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = r.cfg.InitialInterval
		b.MaxInterval = r.cfg.MaxInterval
		b.Multiplier = r.cfg.Multiplier
		b.RandomizationFactor = r.cfg.Jitter
		b.Reset()
		st = &retryState{backoff: b}
		r.states[id] = st
	}
	st.failures++
	if st.failures >= r.cfg.MaxAttempts {
		delete(r.states, id)
		return time.Time{}, false
	}
	st.notBefore = now.Add(st.backoff.NextBackOff())
	return st.notBefore, true
}

// NotBefore returns the earliest time id may be fetched again.
func (r *Retrier) NotBefore(id hips.Identity) time.Time {
	if st, ok := r.states[id]; ok {
		return st.notBefore
	}
	return time.Time{}
}

// Success clears the failure history of id.
func (r *Retrier) Success(id hips.Identity) {
	delete(r.states, id)
}

// Failures returns the consecutive failure count of id.
func (r *Retrier) Failures(id hips.Identity) int {
	if st, ok := r.states[id]; ok {
		return st.failures
	}
	return 0
}

// ForgetSource drops the history of every identity of src.
func (r *Retrier) ForgetSource(src hips.Source) {
	for id := range r.states {
		if id.Source == src {
			delete(r.states, id)
		}
	}
}
