package store

import (
	"context"
	"errors"

	"github.com/aretw0/loamdb/pkg/core"
)

// maxResolveAttempts bounds how many times a resolved conflict is retried
// before the save gives up with a ConflictError.
const maxResolveAttempts = 3

// Save writes the handle's body as a new revision on top of the revision it carries.
//
// If another writer committed first, the configured ConflictResolver decides
// the outcome. Without one, the handle adopts the stored revision and Save
// returns a *ConflictError carrying it. Inside InBatch the write is staged and
// becomes visible when the batch commits.
func (s *Store) Save(ctx context.Context, h *Handle) error {
	return s.write(ctx, h, false)
}

// Delete writes a tombstone for the handle's document. Deleting a document
// that is already deleted, or was never saved, succeeds without a write or a
// notification.
func (s *Store) Delete(ctx context.Context, h *Handle) error {
	return s.write(ctx, h, true)
}

func (s *Store) write(ctx context.Context, h *Handle, deletion bool) error {
	if h == nil {
		return core.Invalid("nil handle")
	}
	if h.owner != s {
		return core.Invalid("handle %q belongs to another store", h.id)
	}
	if h.Detached() {
		return core.ErrClosed
	}
	if err := s.checkWritable(); err != nil {
		return err
	}

	if deletion {
		snap := h.snapshot()
		if snap.deleted || (!snap.exists && snap.rev.IsZero()) {
			return nil
		}
	}

	if b := batchFrom(ctx); b != nil {
		return s.stage(ctx, b, h, deletion)
	}

	_, err := s.InBatch(ctx, func(ctx context.Context) (bool, error) {
		if err := s.stage(ctx, batchFrom(ctx), h, deletion); err != nil {
			return false, err
		}
		return true, nil
	})
	return err
}

// stage performs the engine put for one save inside an open batch,
// running the conflict protocol when the parent revision is stale.
func (s *Store) stage(ctx context.Context, b *batch, h *Handle, deletion bool) error {
	snap := h.snapshot()
	base := snap.rev
	parent := b.parentFor(h, snap.rev)
	created := !snap.exists || snap.deleted
	if w, ok := b.lookup(h.id); ok {
		created = w.created
	}

	var body []byte
	if !deletion {
		var err error
		if body, err = s.codec.Marshal(snap.body); err != nil {
			return core.Invalid("encode %q: %v", h.id, err)
		}
	}

	for attempt := 0; ; attempt++ {
		rec, err := s.engine.Put(ctx, core.PutRequest{
			ID:      h.id,
			Parent:  parent,
			Type:    snap.docType,
			Body:    body,
			Deleted: deletion,
		})
		if err == nil {
			b.stage(h, base, rec, created)
			return nil
		}

		var ce *core.ConflictError
		if !errors.As(err, &ce) {
			return core.Storage("put", h.id, err)
		}
		s.metrics.conflicts.Inc()

		current, err := s.engine.Get(ctx, h.id, false)
		if errors.Is(err, core.ErrNotFound) {
			current, err = core.Record{ID: h.id}, nil
		}
		if err != nil {
			return core.Storage("get", h.id, err)
		}
		remote, err := s.handleFromRecord(current)
		if err != nil {
			return err
		}
		remote.detached.Store(true)

		if s.resolver == nil || attempt >= maxResolveAttempts {
			s.adopt(b, h, current)
			s.logger.Debug("save conflict", "id", h.id, "expected", parent, "current", current.Revision)
			return &ConflictError{ID: h.id, Expected: parent, Current: remote}
		}

		res := s.resolver.Resolve(h, remote)
		s.logger.Debug("save conflict resolved", "id", h.id, "resolution", res.Kind)
		switch res.Kind {
		case ResolveKeepLocal:
		case ResolveMerge:
			if deletion {
				break
			}
			if body, err = s.codec.Marshal(res.Body); err != nil {
				return core.Invalid("encode merged %q: %v", h.id, err)
			}
			h.SetProperties(res.Body)
		default:
			s.adopt(b, h, current)
			s.metrics.resolved.Inc()
			return nil
		}
		s.metrics.resolved.Inc()
		parent = current.Revision
		created = current.Revision.IsZero() || current.Deleted
	}
}

// adopt installs the stored state into h and any other resident handle for
// the id. A record written earlier in the same batch is not committed yet, so
// it is only shown and the handles are tracked by the batch: rollback returns
// them to their committed state and commit refreshes them.
func (s *Store) adopt(b *batch, h *Handle, rec core.Record) {
	targets := []*Handle{h}
	if resident, ok := s.cache.Peek(h.id); ok && resident != h {
		targets = append(targets, resident)
	}

	w, staged := b.lookup(h.id)
	for _, t := range targets {
		var err error
		if staged {
			w.track(t)
			err = t.show(rec)
		} else {
			err = t.apply(rec)
		}
		if err != nil {
			s.logger.Warn("failed to adopt stored revision", "id", h.id, "error", err)
		}
	}
}
