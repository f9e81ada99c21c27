package fs

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/loamdb/pkg/core"
)

// Watch reports commits made to the directory by anyone but this engine:
// another process with its own engine, a sync tool or a text editor. Each
// event carries External=true. The channel closes when ctx is cancelled.
func (e *Engine) Watch(ctx context.Context) (<-chan core.Event, error) {
	if e.closed.Load() {
		return nil, core.ErrClosed
	}
	events := make(chan core.Event, 64)
	w := newWatchWorker(e, events)
	if err := w.Start(ctx); err != nil {
		return nil, core.Storage("watch", "", err)
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		stopCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		err := w.Stop(stopCtx)
		<-w.done
		close(events)
		return err
	}, lifecycle.WithErrorHandler(func(err error) {
		e.logger.Error("watcher shutdown failed", "error", err)
	}))
	return events, nil
}

// Reconcile compares the document files with the index and returns an
// event for every difference, adopting what it finds. It is how changes
// missed by the watcher (event overflow) are recovered.
func (e *Engine) Reconcile(ctx context.Context) ([]core.Event, error) {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()

	known := make(map[string]indexEntry)
	e.index.rangeEntries(func(id string, entry indexEntry) bool {
		known[id] = entry
		return true
	})

	var events []core.Event
	seen := make(map[string]bool, len(known))
	err := e.walk(ctx, func(id string, rec core.Record) error {
		seen[id] = true
		prev, ok := known[id]
		if ok && prev.Revision == rec.Revision {
			return nil
		}
		events = append(events, e.observe(rec, ok && !prev.Deleted))
		return nil
	})
	if err != nil {
		return nil, err
	}

	for id, prev := range known {
		if seen[id] {
			continue
		}
		e.index.remove(id)
		if !prev.Deleted {
			events = append(events, e.vanished(id, prev))
		}
	}

	e.recordReconcile()
	if !e.config.ReadOnly {
		if err := e.index.save(); err != nil {
			e.logger.Warn("failed to persist index", "error", err)
		}
	}
	return events, nil
}

// observe adopts an externally written record into the index and returns
// the event describing it.
func (e *Engine) observe(rec core.Record, existed bool) core.Event {
	e.index.set(rec)
	for {
		cur := e.seq.Load()
		if rec.Sequence <= cur || e.seq.CompareAndSwap(cur, rec.Sequence) {
			break
		}
	}
	ev := core.EventFor(rec, !existed)
	ev.External = true
	return ev
}

func (e *Engine) vanished(id string, prev indexEntry) core.Event {
	return core.Event{
		Type:      core.EventDelete,
		ID:        id,
		Revision:  prev.Revision,
		Sequence:  prev.Sequence,
		External:  true,
		Timestamp: time.Now().Unix(),
	}
}

// --------------------------------------------------------------------------
// Watch worker
// --------------------------------------------------------------------------

type watchWorker struct {
	*worker.BaseWorker
	engine    *Engine
	events    chan<- core.Event
	watcher   *fsnotify.Watcher
	debouncer *debouncer
	cancel    context.CancelFunc
	done      chan struct{}
}

func newWatchWorker(engine *Engine, events chan<- core.Event) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("fs-watcher"),
		engine:     engine,
		events:     events,
		done:       make(chan struct{}),
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.engine.recursiveAdd(watcher); err != nil {
		_ = watcher.Close()
		return err
	}

	w.watcher = watcher
	w.debouncer = newDebouncer(w.engine.config.Debounce)
	w.engine.setWatcherActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, func(ctx context.Context) error {
		defer close(w.done)
		return w.run(ctx)
	})
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// recursiveAdd registers the root and every directory below it, except the
// system directory.
func (e *Engine) recursiveAdd(watcher *fsnotify.Watcher) error {
	return filepath.WalkDir(e.Path, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if p != e.Path && e.ignoredDir(p) {
			return filepath.SkipDir
		}
		if err := watcher.Add(p); err != nil {
			return fmt.Errorf("failed to watch %s: %w", p, err)
		}
		return nil
	})
}

func (e *Engine) ignoredDir(p string) bool {
	rel, err := filepath.Rel(e.Path, p)
	if err != nil {
		return true
	}
	first, _, _ := strings.Cut(filepath.ToSlash(rel), "/")
	return first == e.config.SystemDir || first == ".git"
}

// run is the main event loop for the watcher worker.
func (w *watchWorker) run(ctx context.Context) (err error) {
	logger := w.engine.logger
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer w.engine.setWatcherActive(false)
	defer w.watcher.Close()

	err = w.mainEventLoop(ctx)

	// No event may be sent once the caller closes the channel.
	if !w.debouncer.stopAndWait(5 * time.Second) {
		logger.Warn("watcher stopped with deliveries still in flight")
	}
	return err
}

func (w *watchWorker) mainEventLoop(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			w.processFilesystemEvent(ctx, event)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.handleWatcherError(ctx, wErr)
		}
	}
}

// processFilesystemEvent maps one fsnotify event to a document and debounces
// it. The document file is only read when the debounce window closes.
func (w *watchWorker) processFilesystemEvent(ctx context.Context, event fsnotify.Event) {
	w.engine.logger.Debug("event received", "name", event.Name, "op", event.Op.String())

	if event.Has(fsnotify.Create) {
		if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
			if !w.engine.ignoredDir(event.Name) {
				if err := w.engine.recursiveAdd(w.watcher); err != nil {
					w.engine.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
				}
				// Files may have landed before the directory was watched.
				w.reconcile(ctx)
			}
			return
		}
	}
	if event.Op == fsnotify.Chmod {
		return
	}

	id, err := w.engine.resolveID(event.Name)
	if err != nil {
		return
	}
	w.debouncer.add(id, func() {
		if ev, ok := w.engine.inspect(id); ok {
			w.send(ctx, ev)
		}
	})
}

// inspect looks at the file behind id and reports an external event if its
// content is not the revision the index already knows about.
func (e *Engine) inspect(id string) (core.Event, bool) {
	e.observeMu.Lock()
	defer e.observeMu.Unlock()

	prev, known := e.index.get(id)
	rec, ok, err := e.readFile(id)
	if err != nil {
		// Half-written by another tool; the next event will retry.
		e.logger.Debug("skipping unreadable document", "id", id, "error", err)
		return core.Event{}, false
	}
	if !ok {
		if !known {
			return core.Event{}, false
		}
		e.index.remove(id)
		if prev.Deleted {
			return core.Event{}, false
		}
		return e.vanished(id, prev), true
	}
	if known && prev.Revision == rec.Revision {
		return core.Event{}, false
	}
	if rec.ID != id {
		e.logger.Warn("document id does not match its path", "id", id, "found", rec.ID)
		return core.Event{}, false
	}
	return e.observe(rec, known && !prev.Deleted), true
}

func (w *watchWorker) reconcile(ctx context.Context) {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		events, err := w.engine.Reconcile(ctx)
		if err != nil {
			return err
		}
		for _, ev := range events {
			w.send(ctx, ev)
		}
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		w.engine.logger.Error("reconcile failed", "error", err)
	}))
}

// send delivers an event, protecting against channel closure during shutdown.
func (w *watchWorker) send(ctx context.Context, ev core.Event) {
	defer func() {
		_ = recover()
	}()
	select {
	case w.events <- ev:
	case <-ctx.Done():
	}
}

func (w *watchWorker) handleWatcherError(ctx context.Context, err error) {
	if errors.Is(err, fsnotify.ErrEventOverflow) {
		w.engine.logger.Warn("watcher overflowed, reconciling")
		w.reconcile(ctx)
		return
	}
	w.engine.logger.Error("fsnotify error", "error", err)
}
