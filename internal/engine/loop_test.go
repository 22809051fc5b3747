package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/lsst-epo/aladin-lite/internal/fetch"
)

func TestLoopSerializesCommands(t *testing.T) {
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return nil, fetch.ErrMissing })
	e := newTestEngine(t, f, nil)
	loop := NewLoop(e, 5*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- loop.Run(ctx) }()

	var id string
	err := loop.Do(context.Background(), func(e *Engine) {
		id, _ = e.AddLayer(pngLayer("http://tiles.example.org/dss"), time.Now())
	})
	if err != nil || id == "" {
		t.Fatalf("Do failed: %v (id %q)", err, id)
	}

	deadline := time.Now().Add(2 * time.Second)
	for {
		var missing int
		if err := loop.Do(context.Background(), func(e *Engine) {
			info, _ := e.Layer(id)
			missing = info.Slots.Missing
		}); err != nil {
			t.Fatalf("Do failed: %v", err)
		}
		if missing == 12 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("ticks did not resolve the base set, %d missing", missing)
		}
		time.Sleep(5 * time.Millisecond)
	}

	cancel()
	if err := <-done; err != nil {
		t.Fatalf("Run returned %v", err)
	}
	if err := loop.Do(context.Background(), func(*Engine) {}); !errors.Is(err, ErrLoopStopped) {
		t.Fatalf("expected ErrLoopStopped, got %v", err)
	}
}

func TestDoWaitsForAcceptedCommand(t *testing.T) {
	f := newFakeFetcher(func(context.Context, string) ([]byte, error) { return nil, fetch.ErrMissing })
	loop := NewLoop(newTestEngine(t, f, nil), 5*time.Millisecond)

	runCtx, stop := context.WithCancel(context.Background())
	stopped := make(chan error, 1)
	go func() { stopped <- loop.Run(runCtx) }()
	defer func() {
		stop()
		<-stopped
	}()

	ctx, cancel := context.WithCancel(context.Background())
	started := make(chan struct{})
	release := make(chan struct{})
	var layers int
	result := make(chan error, 1)
	go func() {
		result <- loop.Do(ctx, func(e *Engine) {
			close(started)
			<-release
			layers = len(e.Layers()) + 1
		})
	}()

	<-started
	cancel()
	select {
	case err := <-result:
		t.Fatalf("Do returned while its command was running: %v", err)
	case <-time.After(20 * time.Millisecond):
	}

	close(release)
	if err := <-result; err != nil {
		t.Fatalf("Do failed: %v", err)
	}
	if layers != 1 {
		t.Fatalf("command result not visible after Do, got %d", layers)
	}
}
