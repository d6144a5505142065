// Package periodic runs a function on a fixed interval without ever letting
// two runs of the same task overlap.
package periodic

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// ErrAlreadyRunning is returned by RunOnce while another run is in flight.
var ErrAlreadyRunning = errors.New("task is already running")

type Task struct {
	name     string
	interval time.Duration
	fn       func(context.Context) error
	logger   *zap.Logger

	inFlight atomic.Bool
	runs     atomic.Int64
	skipped  atomic.Int64

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

func New(name string, interval time.Duration, fn func(context.Context) error, logger *zap.Logger) *Task {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Task{
		name:     name,
		interval: interval,
		fn:       fn,
		logger:   logger.With(zap.String("task", name)),
	}
}

// Start launches the ticker loop. It returns immediately; the first run
// happens after one interval.
func (t *Task) Start(ctx context.Context) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.running {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	t.done = make(chan struct{})
	t.running = true

	t.logger.Info("periodic task started", zap.Duration("interval", t.interval))

	go func() {
		defer close(t.done)

		ticker := time.NewTicker(t.interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if _, err := t.RunOnce(ctx); err != nil && !errors.Is(err, ErrAlreadyRunning) {
					t.logger.Warn("periodic task failed", zap.Error(err))
				}
			}
		}
	}()
}

// Stop cancels the loop and waits for an in-flight run to return.
func (t *Task) Stop() {
	t.mu.Lock()
	if !t.running {
		t.mu.Unlock()
		return
	}
	t.running = false
	cancel, done := t.cancel, t.done
	t.mu.Unlock()

	cancel()
	<-done
	t.logger.Info("periodic task stopped")
}

// RunOnce runs the task now unless a run is already in progress, in which
// case it returns false and ErrAlreadyRunning without waiting.
func (t *Task) RunOnce(ctx context.Context) (bool, error) {
	if !t.inFlight.CompareAndSwap(false, true) {
		t.skipped.Add(1)
		return false, ErrAlreadyRunning
	}
	defer t.inFlight.Store(false)

	t.runs.Add(1)
	return true, t.fn(ctx)
}

func (t *Task) Name() string {
	return t.name
}

func (t *Task) IsRunning() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.running
}

// Counts of completed-or-started runs and of runs skipped for overlap
func (t *Task) Stats() (runs, skipped int64) {
	return t.runs.Load(), t.skipped.Load()
}
