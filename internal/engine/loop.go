package engine

import (
	"context"
	"errors"
	"time"

	"github.com/lsst-epo/aladin-lite/pkg/logger"
)

// ErrLoopStopped is returned by Do once Run has returned.
var ErrLoopStopped = errors.New("engine loop stopped")

// DefaultFrame is the tick interval of a 60 Hz frame loop.
const DefaultFrame = time.Second / 60

type command struct {
	fn   func(*Engine)
	done chan struct{}
}

// Loop owns an Engine on one goroutine. Other goroutines reach the engine
// only through Do.
type Loop struct {
	engine *Engine
	frame  time.Duration
	log    logger.Logger

	cmds    chan command
	stopped chan struct{}
}

// NewLoop creates a loop ticking e every frame.
func NewLoop(e *Engine, frame time.Duration) *Loop {
	if frame <= 0 {
		frame = DefaultFrame
	}
	return &Loop{
		engine:  e,
		frame:   frame,
		log:     e.log,
		cmds:    make(chan command),
		stopped: make(chan struct{}),
	}
}

// Run ticks the engine and serves commands until ctx is done. It closes the
// engine before returning.
func (l *Loop) Run(ctx context.Context) error {
	ticker := time.NewTicker(l.frame)
	defer ticker.Stop()
	defer close(l.stopped)
	defer l.engine.Close()

	l.log.Info("Engine loop started", "frame", l.frame)
	for {
		select {
		case <-ctx.Done():
			l.log.Info("Engine loop stopped")
			return nil
		case cmd := <-l.cmds:
			cmd.fn(l.engine)
			close(cmd.done)
		case now := <-ticker.C:
			l.engine.Tick(now)
		}
	}
}

// Do runs fn on the loop goroutine and waits for it to return. ctx only
// bounds the wait for the loop to pick fn up; once it has, Do returns after fn.
func (l *Loop) Do(ctx context.Context, fn func(*Engine)) error {
	cmd := command{fn: fn, done: make(chan struct{})}
	select {
	case l.cmds <- cmd:
	case <-l.stopped:
		return ErrLoopStopped
	case <-ctx.Done():
		return ctx.Err()
	}
	<-cmd.done
	return nil
}
