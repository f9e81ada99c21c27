package store

import (
	"context"
	"slices"

	"github.com/aretw0/loamdb/pkg/core"
)

type batchKey struct{}

// batch is the overlay of writes staged by one transaction. Nothing in it is
// visible to the cache or to listeners before commit.
type batch struct {
	order  []string
	staged map[string]*stagedWrite
}

type stagedWrite struct {
	handle  *Handle
	base    core.Revision // revision the staging handle carried when it staged
	record  core.Record
	created bool
	others  []*Handle // other handles showing this write: restored on rollback, refreshed on commit
}

// track registers h as showing the staged write.
func (w *stagedWrite) track(h *Handle) {
	if h == w.handle || slices.Contains(w.others, h) {
		return
	}
	w.others = append(w.others, h)
}

func (w *stagedWrite) handles() []*Handle {
	return append([]*Handle{w.handle}, w.others...)
}

func newBatch() *batch {
	return &batch{staged: make(map[string]*stagedWrite)}
}

func batchFrom(ctx context.Context) *batch {
	b, _ := ctx.Value(batchKey{}).(*batch)
	return b
}

func (b *batch) stage(h *Handle, base core.Revision, rec core.Record, created bool) {
	if w, ok := b.staged[rec.ID]; ok {
		if w.handle != h {
			w.track(w.handle)
			w.others = slices.DeleteFunc(w.others, func(o *Handle) bool { return o == h })
			w.handle = h
			w.base = base
		}
		w.record = rec
		return
	}
	b.order = append(b.order, rec.ID)
	b.staged[rec.ID] = &stagedWrite{handle: h, base: base, record: rec, created: created}
}

// parentFor returns the revision a new write by h must build on. Only the
// handle that staged a write continues from it; any other handle still
// carries its own revision and conflicts if that is stale.
func (b *batch) parentFor(h *Handle, rev core.Revision) core.Revision {
	if w, ok := b.staged[h.id]; ok && w.handle == h && w.base == rev {
		return w.record.Revision
	}
	return rev
}

func (b *batch) lookup(id string) (*stagedWrite, bool) {
	w, ok := b.staged[id]
	return w, ok
}

// InBatch runs work inside one engine transaction. The transaction commits
// only if work returns true and no error or panic escapes it; otherwise it is
// rolled back and the error (or panic) is re-surfaced. Writes made by work
// must use the context it receives. Calling InBatch from inside work fails
// with core.ErrInvalidArgument.
func (s *Store) InBatch(ctx context.Context, work func(ctx context.Context) (bool, error)) (bool, error) {
	if batchFrom(ctx) != nil {
		return false, core.Invalid("nested transaction")
	}
	if err := s.checkWritable(); err != nil {
		return false, err
	}

	change, committed, err := s.runBatch(ctx, work)
	if committed {
		s.notifier.Publish(change)
	}
	return committed, err
}

func (s *Store) runBatch(ctx context.Context, work func(ctx context.Context) (bool, error)) (change Change, committed bool, err error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	if s.closing.Load() {
		return Change{}, false, core.ErrClosed
	}

	if err := s.engine.Begin(ctx); err != nil {
		return Change{}, false, core.Storage("begin", "", err)
	}

	b := newBatch()
	txCtx := context.WithValue(core.WithTransaction(ctx), batchKey{}, b)

	finished := false
	defer func() {
		if finished {
			return
		}
		r := recover()
		s.rollback(ctx, b)
		if r != nil {
			panic(r)
		}
	}()

	ok, werr := work(txCtx)
	finished = true

	if !ok || werr != nil {
		if rerr := s.rollback(ctx, b); rerr != nil {
			if werr == nil {
				return Change{}, false, rerr
			}
			s.logger.Error("rollback failed", "error", rerr)
		}
		return Change{}, false, werr
	}

	if err := s.engine.End(ctx, true); err != nil {
		s.restore(b)
		s.metrics.rollbacks.Inc()
		return Change{}, false, core.Storage("commit", "", err)
	}
	s.metrics.commits.Inc()

	return s.apply(b), true, nil
}

func (s *Store) rollback(ctx context.Context, b *batch) error {
	s.metrics.rollbacks.Inc()
	s.restore(b)
	if err := s.engine.End(ctx, false); err != nil {
		return core.Storage("rollback", "", err)
	}
	if len(b.order) > 0 {
		s.logger.Debug("transaction rolled back", "discarded", len(b.order))
	}
	return nil
}

// restore puts every handle touched by the batch back in its committed state.
func (s *Store) restore(b *batch) {
	for _, id := range b.order {
		for _, h := range b.staged[id].handles() {
			h.mu.Lock()
			if err := h.restoreLocked(); err != nil {
				s.logger.Warn("failed to restore handle", "id", id, "error", err)
			}
			h.mu.Unlock()
		}
	}
}

// apply makes a committed batch visible: handles take their new revisions,
// the cache is updated and one Change is built for the whole commit.
func (s *Store) apply(b *batch) Change {
	change := Change{Events: make([]core.Event, 0, len(b.order))}
	for _, id := range b.order {
		w := b.staged[id]
		rec := w.record

		for _, h := range w.handles() {
			if err := h.apply(rec); err != nil {
				s.logger.Error("failed to apply committed revision", "id", id, "error", err)
			}
		}
		resident, err := s.cache.GetOrPut(id, w.handle)
		if err == nil && !slices.Contains(w.handles(), resident) {
			if err := resident.apply(rec); err != nil {
				s.logger.Error("failed to refresh resident handle", "id", id, "error", err)
			}
		}

		if rec.Deleted {
			s.metrics.deletes.Inc()
		} else {
			s.metrics.saves.Inc()
		}
		change.Events = append(change.Events, core.EventFor(rec, w.created))
	}
	return change
}
