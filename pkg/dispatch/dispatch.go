// Package dispatch provides the scheduling contexts scheduler-affine listeners run on.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"runtime/debug"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle/pkg/core/worker"

	"github.com/aretw0/loamdb/pkg/core"
)

// Inline runs scheduled work immediately on the caller's goroutine.
type Inline struct{}

func (Inline) Schedule(fn func()) error {
	fn()
	return nil
}

// Func adapts a plain function to core.Scheduler.
type Func func(fn func()) error

func (f Func) Schedule(fn func()) error {
	return f(fn)
}

// Loop is a serial scheduling context: one goroutine running scheduled work
// in submission order. It is a lifecycle worker and can be supervised.
type Loop struct {
	*worker.BaseWorker
	name   string
	logger *slog.Logger
	queue  chan func()
	done   chan struct{}
	cancel context.CancelFunc

	mu      sync.RWMutex
	stopped bool
	sending sync.WaitGroup // Schedule calls past the stopped check

	ran    atomic.Uint64
	panics atomic.Uint64
}

// NewLoop creates a stopped loop with the given queue depth.
// Work scheduled before Start is queued and runs once the loop starts.
func NewLoop(name string, buffer int, logger *slog.Logger) *Loop {
	if buffer < 1 {
		buffer = 1
	}
	return &Loop{
		BaseWorker: worker.NewBaseWorker(name),
		name:       name,
		logger:     core.LoggerOr(logger),
		queue:      make(chan func(), buffer),
		done:       make(chan struct{}),
	}
}

func (l *Loop) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := l.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("loop already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	l.cancel = cancel

	l.SetStatus(worker.StatusRunning)
	return l.StartFunc(runCtx, l.run)
}

func (l *Loop) Stop(ctx context.Context) error {
	if l.cancel != nil {
		l.StopRequested = true
		l.cancel()
	}

	return l.BaseWorker.Stop(ctx)
}

func (l *Loop) State() worker.State {
	ran, panics := l.ran.Load(), l.panics.Load()
	return l.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
			"queued":            fmt.Sprint(len(l.queue)),
			"ran":               fmt.Sprint(ran),
			"panics":            fmt.Sprint(panics),
		}
	})
}

// Schedule implements core.Scheduler. It blocks while the queue is full and
// fails with core.ErrClosed once the loop has stopped.
func (l *Loop) Schedule(fn func()) error {
	l.mu.RLock()
	if l.stopped {
		l.mu.RUnlock()
		return core.ErrClosed
	}
	l.sending.Add(1)
	l.mu.RUnlock()
	defer l.sending.Done()

	select {
	case l.queue <- fn:
		return nil
	case <-l.done:
		return core.ErrClosed
	}
}

func (l *Loop) run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			l.seal()
			return nil
		case fn := <-l.queue:
			l.exec(ctx, fn)
		}
	}
}

// seal rejects further work and runs whatever was accepted before the stop.
func (l *Loop) seal() {
	l.mu.Lock()
	l.stopped = true
	l.mu.Unlock()
	close(l.done)
	l.sending.Wait()

	for {
		select {
		case fn := <-l.queue:
			l.exec(context.Background(), fn)
		default:
			return
		}
	}
}

func (l *Loop) exec(ctx context.Context, fn func()) {
	defer func() {
		if recovered := recover(); recovered != nil {
			l.panics.Add(1)

			if l.logger.Enabled(ctx, slog.LevelDebug) {
				l.logger.Error("scheduled work panicked", "loop", l.name, "error", recovered, "stack", string(debug.Stack()))
			} else {
				l.logger.Error("scheduled work panicked", "loop", l.name, "error", recovered)
			}
		}
	}()
	fn()
	l.ran.Add(1)
}

var _ core.Scheduler = Inline{}
var _ core.Scheduler = (*Loop)(nil)
var _ worker.Worker = (*Loop)(nil)
