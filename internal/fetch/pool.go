package fetch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/queue"
	"github.com/lsst-epo/aladin-lite/pkg/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// Outcome classifies a completion.
type Outcome uint8

const (
	Found Outcome = iota + 1
	Missing
	Failed
)

func (o Outcome) String() string {
	switch o {
	case Found:
		return "found"
	case Missing:
		return "missing"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("outcome(%d)", uint8(o))
	}
}

// Completion is the result of one request, handed back to the control goroutine.
type Completion struct {
	Request queue.Request
	URL     string
	Outcome Outcome
	Payload []byte
	Err     error
	Elapsed time.Duration
}

// PoolConfig contains worker pool settings.
type PoolConfig struct {
	Workers int
	Timeout time.Duration
}

// Pool runs at most Workers fetches at once. Send and Drain must be called
// from the same goroutine; the fetches themselves run on their own goroutines.
type Pool struct {
	cfg     PoolConfig
	fetcher Fetcher
	tracer  trace.Tracer

	results chan Completion
	busy    int

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPool creates a pool.
func NewPool(cfg PoolConfig, f Fetcher) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 8
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Pool{
		cfg:     cfg,
		fetcher: f,
		tracer:  otel.Tracer("github.com/lsst-epo/aladin-lite/internal/fetch"),
		results: make(chan Completion, cfg.Workers),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Free returns the number of idle workers.
func (p *Pool) Free() int {
	return p.cfg.Workers - p.busy
}

// Busy returns the number of workers whose completion has not been drained.
func (p *Pool) Busy() int {
	return p.busy
}

// Send starts fetching url for req. It never blocks and returns false when
// every worker is busy or the pool is closed.
func (p *Pool) Send(req queue.Request, url string) bool {
	if p.busy >= p.cfg.Workers || p.ctx.Err() != nil {
		return false
	}
	p.busy++
	p.wg.Add(1)
	go p.run(req, url)
	return true
}

func (p *Pool) run(req queue.Request, url string) {
	defer p.wg.Done()

	ctx, cancel := context.WithTimeout(p.ctx, p.cfg.Timeout)
	defer cancel()
	ctx, span := p.tracer.Start(ctx, "tile.fetch", trace.WithAttributes(
		attribute.String("tile.url", url),
		attribute.Int("tile.depth", int(req.ID.Cell.Depth)),
		attribute.Int64("tile.index", int64(req.ID.Cell.Index)),
		attribute.String("tile.class", req.Class.String()),
	))
	defer span.End()

	start := time.Now()
	data, err := p.fetcher.Fetch(ctx, url)
	c := Completion{Request: req, URL: url, Elapsed: time.Since(start)}

	switch {
	case err == nil:
		c.Outcome = Found
		c.Payload = data
	case errors.Is(err, ErrMissing):
		c.Outcome = Missing
	default:
		c.Outcome = Failed
		switch {
		case errors.Is(ctx.Err(), context.DeadlineExceeded):
			c.Err = ErrTimeout
		case errors.Is(err, ErrTransient):
			c.Err = err
		default:
			c.Err = fmt.Errorf("%w: %v", ErrTransient, err)
		}
		span.RecordError(c.Err)
		span.SetStatus(codes.Error, c.Err.Error())
	}
	span.SetAttributes(attribute.String("tile.outcome", c.Outcome.String()))
	metrics.FetchTotal.WithLabelValues(c.Outcome.String()).Inc()
	metrics.FetchDuration.Observe(c.Elapsed.Seconds())

	// capacity equals the worker count, so this never blocks
	p.results <- c
}

// Drain returns every completion that has arrived, without blocking, and
// frees their workers.
func (p *Pool) Drain() []Completion {
	var out []Completion
	for {
		select {
		case c := <-p.results:
			p.busy--
			out = append(out, c)
		default:
			return out
		}
	}
}

// Close cancels outstanding fetches and waits for their goroutines.
func (p *Pool) Close() {
	p.cancel()
	p.wg.Wait()
}
