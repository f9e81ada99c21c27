// Package store implements the document store: an identity-preserving cache
// of document handles over a core.Engine, batched transactions, optimistic
// concurrency with pluggable conflict resolution and change notification.
package store

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/aretw0/lifecycle"
	"github.com/google/uuid"
	"golang.org/x/sync/singleflight"

	"github.com/aretw0/loamdb/pkg/codec"
	"github.com/aretw0/loamdb/pkg/core"
)

// Config holds the store settings. Zero values pick the defaults.
type Config struct {
	Name          string // label used in logs and metrics
	CacheCapacity int
	ReadOnly      bool
	Resolver      ConflictResolver
	Codec         core.Codec
	Logger        *slog.Logger
}

// Store mediates every access to the documents of one engine.
type Store struct {
	name     string
	engine   core.Engine
	codec    core.Codec
	resolver ConflictResolver
	readOnly bool
	logger   *slog.Logger

	cache    *DocumentCache
	notifier *ChangeNotifier
	metrics  *storeMetrics
	loads    singleflight.Group

	writeMu sync.Mutex // one open transaction at a time
	closing atomic.Bool
	closed  atomic.Bool

	watchMu     sync.Mutex
	watchCancel context.CancelFunc
	watchDone   chan struct{}
	queries     atomic.Int64
}

// New creates a store over an already opened engine. The store owns the
// engine from here on and closes it in Close.
func New(engine core.Engine, cfg Config) (*Store, error) {
	if engine == nil {
		return nil, core.Invalid("nil engine")
	}
	if cfg.Name == "" {
		cfg.Name = "default"
	}
	if cfg.Codec == nil {
		cfg.Codec = codec.Default()
	}

	s := &Store{
		name:     cfg.Name,
		engine:   engine,
		codec:    cfg.Codec,
		resolver: cfg.Resolver,
		readOnly: cfg.ReadOnly,
		logger:   core.LoggerOr(cfg.Logger).With("store", cfg.Name),
	}

	cache, err := NewDocumentCache(cfg.CacheCapacity, func(id string, _ *Handle) {
		s.metrics.evictions.Inc()
		s.logger.Debug("handle evicted", "id", id)
	})
	if err != nil {
		return nil, err
	}
	s.cache = cache
	s.metrics = newStoreMetrics(cfg.Name, cache.Len)
	s.notifier = newChangeNotifier(s.logger, s.metrics)
	return s, nil
}

// Name returns the store label.
func (s *Store) Name() string { return s.name }

// Engine exposes the underlying engine.
func (s *Store) Engine() core.Engine { return s.engine }

// Codec returns the body codec.
func (s *Store) Codec() core.Codec { return s.codec }

// Cache exposes the handle cache.
func (s *Store) Cache() *DocumentCache { return s.cache }

// ReadOnly reports whether writes are rejected.
func (s *Store) ReadOnly() bool { return s.readOnly }

func (s *Store) checkOpen() error {
	if s.closing.Load() {
		return core.ErrClosed
	}
	return nil
}

func (s *Store) checkWritable() error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if s.readOnly {
		return core.ErrReadOnly
	}
	return nil
}

func validID(id string) error {
	if id == "" {
		return core.Invalid("empty document id")
	}
	return nil
}

// Get returns the handle for id: the resident one, one loaded from the engine,
// or a fresh unsaved handle if the document does not exist. Deleted documents
// are returned with IsDeleted set.
func (s *Store) Get(ctx context.Context, id string) (*Handle, error) {
	h, _, err := s.get(ctx, id, false)
	return h, err
}

// Lookup is Get for documents that must exist: absent and deleted documents
// yield found=false and no handle.
func (s *Store) Lookup(ctx context.Context, id string) (*Handle, bool, error) {
	return s.get(ctx, id, true)
}

func (s *Store) get(ctx context.Context, id string, mustExist bool) (*Handle, bool, error) {
	if err := validID(id); err != nil {
		return nil, false, err
	}
	if err := s.checkOpen(); err != nil {
		return nil, false, err
	}

	if b := batchFrom(ctx); b != nil {
		if w, ok := b.lookup(id); ok {
			if _, err := s.cache.GetOrPut(id, w.handle); err != nil {
				return nil, false, err
			}
			return found(w.handle, mustExist)
		}
	}

	if h, ok := s.cache.Get(id); ok {
		return found(h, mustExist)
	}

	key := id
	if core.InTransaction(ctx) {
		key = "txn:" + id
	}
	v, err, _ := s.loads.Do(key, func() (any, error) {
		if h, ok := s.cache.Peek(id); ok {
			return h, nil
		}
		rec, err := s.engine.Get(ctx, id, false)
		var h *Handle
		switch {
		case errors.Is(err, core.ErrNotFound):
			h = newHandle(s, id)
		case err != nil:
			return nil, core.Storage("get", id, err)
		default:
			if h, err = s.handleFromRecord(rec); err != nil {
				return nil, err
			}
		}
		return s.cache.GetOrPut(id, h)
	})
	if err != nil {
		return nil, false, err
	}
	return found(v.(*Handle), mustExist)
}

func found(h *Handle, mustExist bool) (*Handle, bool, error) {
	if mustExist && !h.Exists() {
		return nil, false, nil
	}
	return h, h.Exists(), nil
}

// Exists reports whether id names a saved, non-deleted document.
func (s *Store) Exists(ctx context.Context, id string) (bool, error) {
	if err := validID(id); err != nil {
		return false, err
	}
	if err := s.checkOpen(); err != nil {
		return false, err
	}
	if h, ok := s.cache.Peek(id); ok && h.Exists() {
		return true, nil
	}
	_, err := s.engine.Get(ctx, id, true)
	switch {
	case errors.Is(err, core.ErrNotFound):
		return false, nil
	case err != nil:
		return false, core.Storage("get", id, err)
	}
	return true, nil
}

// Create returns a fresh unsaved handle under a generated identifier.
func (s *Store) Create(ctx context.Context) (*Handle, error) {
	if err := s.checkWritable(); err != nil {
		return nil, err
	}
	id := uuid.NewString()
	h := newHandle(s, id)
	if err := s.cache.Put(id, h); err != nil {
		return nil, err
	}
	return h, nil
}

// AddChangeListener registers fn for every commit, run synchronously on the
// committing goroutine in subscription order.
func (s *Store) AddChangeListener(fn func(Change)) Token {
	return s.notifier.Subscribe(nil, fn)
}

// AddChangeListenerOn registers fn to run on sched for every commit.
func (s *Store) AddChangeListenerOn(sched core.Scheduler, fn func(Change)) Token {
	return s.notifier.Subscribe(sched, fn)
}

// AddDocumentListener registers fn for commits touching id. A nil sched runs it synchronously.
func (s *Store) AddDocumentListener(id string, sched core.Scheduler, fn func(core.Event)) Token {
	return s.notifier.SubscribeDocument(id, sched, fn)
}

// RemoveChangeListener unregisters a listener added by any of the Add*Listener methods.
func (s *Store) RemoveChangeListener(tok Token) bool {
	return s.notifier.Unsubscribe(tok)
}

// Changes streams committed events until ctx is done or the store closes.
func (s *Store) Changes(ctx context.Context, buffer int) <-chan core.Event {
	return s.notifier.Feed(ctx, buffer)
}

// Watch starts relaying changes committed outside this store (other processes,
// manual edits) when the engine can observe them. Resident handles are
// refreshed and listeners receive a Change with External set.
func (s *Store) Watch(ctx context.Context) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	w, ok := s.engine.(core.Watchable)
	if !ok {
		return core.ErrUnsupported
	}

	s.watchMu.Lock()
	defer s.watchMu.Unlock()
	if s.watchCancel != nil {
		return nil
	}
	watchCtx, cancel := context.WithCancel(ctx)
	events, err := w.Watch(watchCtx)
	if err != nil {
		cancel()
		return core.Storage("watch", "", err)
	}
	s.watchCancel = cancel
	s.watchDone = make(chan struct{})
	done := s.watchDone

	lifecycle.Go(watchCtx, func(ctx context.Context) error {
		defer close(done)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-events:
				if !ok {
					return nil
				}
				s.external(ctx, e)
			}
		}
	}, lifecycle.WithErrorHandler(func(err error) {
		s.logger.Error("external change relay failed", "error", err)
	}))
	return nil
}

func (s *Store) external(ctx context.Context, e core.Event) {
	if s.closing.Load() {
		return
	}
	s.metrics.external.Inc()
	if h, ok := s.cache.Peek(e.ID); ok {
		rec, err := s.engine.Get(ctx, e.ID, false)
		switch {
		case errors.Is(err, core.ErrNotFound):
			s.cache.Remove(e.ID)
		case err != nil:
			s.logger.Warn("failed to refresh handle", "id", e.ID, "error", err)
		case rec.Revision != h.Revision():
			if err := h.apply(rec); err != nil {
				s.logger.Warn("failed to refresh handle", "id", e.ID, "error", err)
			}
		}
	}
	e.External = true
	s.notifier.Publish(Change{Events: []core.Event{e}, External: true})
}

// Close rejects new work, waits for an in-flight transaction, detaches every
// resident handle, stops notifications and closes the engine.
func (s *Store) Close() error {
	return s.shutdown(false)
}

// Destroy closes the store and removes its database.
func (s *Store) Destroy() error {
	return s.shutdown(true)
}

func (s *Store) shutdown(destroy bool) error {
	if !s.closing.CompareAndSwap(false, true) {
		if destroy {
			return core.ErrClosed
		}
		return nil
	}

	// The relay may be inside a listener that is about to write, so it must
	// stop before the write lock is taken.
	s.watchMu.Lock()
	if s.watchCancel != nil {
		s.watchCancel()
		<-s.watchDone
	}
	s.watchMu.Unlock()

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	detached := s.cache.RemoveAll()
	s.notifier.Close()
	s.logger.Debug("store closing", "detached", len(detached))

	var errs []error
	if destroy {
		if d, ok := s.engine.(core.Destroyer); ok {
			if err := d.Destroy(); err != nil {
				errs = append(errs, core.Storage("destroy", "", err))
			}
		} else {
			errs = append(errs, core.ErrUnsupported)
		}
	}
	if err := s.engine.Close(); err != nil {
		errs = append(errs, core.Storage("close", "", err))
	}
	s.closed.Store(true)
	return errors.Join(errs...)
}
