// Package registry supervises the gateway's long-running subscriber
// loops: named runners that consume one pubsub topic each, restarted on
// panic with backoff up to a cap.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Runner is one long-running loop. It returns when ctx is done or its
// input stream closes.
type Runner func(ctx context.Context) error

const (
	// maxRestarts caps panic restarts per runner; a loop that keeps
	// crashing is disabled rather than thrashing the gateway.
	maxRestarts = 5

	restartBaseDelay = time.Second
	restartMaxDelay  = 30 * time.Second
)

// Registry holds the name -> runner table.
type Registry struct {
	mu      sync.Mutex
	runners map[string]Runner
	order   []string

	cancel context.CancelFunc
	done   sync.WaitGroup
}

// New creates an empty registry.
func New() *Registry {
	return &Registry{runners: make(map[string]Runner)}
}

// Register adds a named runner. Duplicate names fail.
func (r *Registry) Register(name string, runner Runner) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.runners[name]; ok {
		return fmt.Errorf("runner %q already registered", name)
	}
	r.runners[name] = runner
	r.order = append(r.order, name)
	return nil
}

// Names lists registered runners in registration order.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.order...)
}

// StartEnabled spawns every registered runner whose name maps to true in
// enabled. A nil or empty map enables everything.
func (r *Registry) StartEnabled(ctx context.Context, enabled map[string]bool) {
	ctx, cancel := context.WithCancel(ctx)

	r.mu.Lock()
	r.cancel = cancel
	names := append([]string(nil), r.order...)
	r.mu.Unlock()

	for _, name := range names {
		if len(enabled) > 0 && !enabled[name] {
			slog.Info("subscriber disabled", "name", name)
			continue
		}
		r.mu.Lock()
		runner := r.runners[name]
		r.mu.Unlock()

		r.done.Add(1)
		go func(name string, runner Runner) {
			defer r.done.Done()
			supervise(ctx, name, runner)
		}(name, runner)
	}
}

// StopAll cancels every runner and waits for graceful exit.
func (r *Registry) StopAll() {
	r.mu.Lock()
	cancel := r.cancel
	r.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	r.done.Wait()
}

// supervise runs one loop, restarting after panics with backoff until the
// restart cap is hit or ctx is done. A clean return ends supervision.
func supervise(ctx context.Context, name string, runner Runner) {
	boff := backoff.NewExponentialBackOff(
		backoff.WithInitialInterval(restartBaseDelay),
		backoff.WithMaxInterval(restartMaxDelay),
		backoff.WithMaxElapsedTime(0),
	)

	restarts := 0
	for {
		panicked := runOnce(ctx, name, runner)
		if ctx.Err() != nil {
			return
		}
		if !panicked {
			slog.Info("subscriber exited", "name", name)
			return
		}

		restarts++
		if restarts > maxRestarts {
			slog.Error("subscriber disabled after repeated panics", "name", name, "restarts", restarts-1)
			return
		}
		wait := boff.NextBackOff()
		slog.Warn("restarting subscriber", "name", name, "attempt", restarts, "in", wait)
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

// runOnce executes the runner, converting a panic into a restart signal.
func runOnce(ctx context.Context, name string, runner Runner) (panicked bool) {
	defer func() {
		if rec := recover(); rec != nil {
			slog.Error("subscriber panicked", "name", name, "panic", rec)
			panicked = true
		}
	}()

	if err := runner(ctx); err != nil && ctx.Err() == nil {
		slog.Warn("subscriber returned error", "name", name, "err", err)
	}
	return false
}
