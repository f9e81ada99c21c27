package store

import (
	"context"
	"maps"
	"sync"
	"sync/atomic"

	"github.com/aretw0/loamdb/pkg/core"
)

// Handle is the live, shared representation of one document.
// While resident in the cache there is exactly one Handle per identifier.
// Body edits are local until the handle is saved through its store.
type Handle struct {
	id    string
	owner *Store

	mu      sync.RWMutex
	docType string
	body    map[string]any
	rev     core.Revision
	seq     uint64
	deleted bool
	exists  bool
	base    baseState // last committed state, restored on rollback

	detached atomic.Bool
}

type baseState struct {
	docType string
	body    []byte
	rev     core.Revision
	seq     uint64
	deleted bool
	exists  bool
}

// snapshot is what a save captures from a handle before talking to the engine.
type snapshot struct {
	docType string
	body    map[string]any
	rev     core.Revision
	deleted bool
	exists  bool
}

func newHandle(owner *Store, id string) *Handle {
	return &Handle{id: id, owner: owner, body: map[string]any{}}
}

func (s *Store) handleFromRecord(rec core.Record) (*Handle, error) {
	h := newHandle(s, rec.ID)
	if err := h.apply(rec); err != nil {
		return nil, err
	}
	return h, nil
}

// ID returns the document identifier.
func (h *Handle) ID() string { return h.id }

func (h *Handle) Type() string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.docType
}

// SetType sets the document type tag persisted with the next save.
func (h *Handle) SetType(t string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.docType = t
}

// Revision returns the token of the currently loaded state (empty if never saved).
func (h *Handle) Revision() core.Revision {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rev
}

// Sequence returns the store sequence assigned at the last commit.
func (h *Handle) Sequence() uint64 {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.seq
}

func (h *Handle) IsDeleted() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.deleted
}

// Exists reports whether the document is persisted and not deleted.
func (h *Handle) Exists() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.exists && !h.deleted
}

// Detached reports whether the handle was released by a closed store.
func (h *Handle) Detached() bool {
	return h.detached.Load()
}

// Properties returns a shallow copy of the body.
func (h *Handle) Properties() map[string]any {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return maps.Clone(h.body)
}

func (h *Handle) Get(key string) (any, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	v, ok := h.body[key]
	return v, ok
}

func (h *Handle) Set(key string, value any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.body[key] = value
}

func (h *Handle) Unset(key string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.body, key)
}

// SetProperties replaces the whole body.
func (h *Handle) SetProperties(props map[string]any) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if props == nil {
		props = map[string]any{}
	}
	h.body = maps.Clone(props)
}

// Decode maps the body onto v using the store codec.
func (h *Handle) Decode(v any) error {
	data, err := h.owner.codec.Marshal(h.Properties())
	if err != nil {
		return err
	}
	return h.owner.codec.Unmarshal(data, v)
}

// Encode replaces the body with the codec representation of v.
func (h *Handle) Encode(v any) error {
	data, err := h.owner.codec.Marshal(v)
	if err != nil {
		return err
	}
	var props map[string]any
	if err := h.owner.codec.Unmarshal(data, &props); err != nil {
		return err
	}
	h.SetProperties(props)
	return nil
}

// Save persists the handle through its store.
func (h *Handle) Save(ctx context.Context) error {
	return h.owner.Save(ctx, h)
}

// Delete deletes the document through its store.
func (h *Handle) Delete(ctx context.Context) error {
	return h.owner.Delete(ctx, h)
}

// Revert discards local edits and restores the last committed state.
func (h *Handle) Revert() error {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.restoreLocked()
}

func (h *Handle) snapshot() snapshot {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return snapshot{
		docType: h.docType,
		body:    maps.Clone(h.body),
		rev:     h.rev,
		deleted: h.deleted,
		exists:  h.exists,
	}
}

// apply installs a committed record as the handle's current state.
func (h *Handle) apply(rec core.Record) error {
	body, err := h.decode(rec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLocked(rec, body)
	h.base = baseState{
		docType: rec.Type,
		body:    rec.Body,
		rev:     rec.Revision,
		seq:     rec.Sequence,
		deleted: rec.Deleted,
		exists:  h.exists,
	}
	return nil
}

// show installs rec as the visible state and keeps the committed base.
func (h *Handle) show(rec core.Record) error {
	body, err := h.decode(rec)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	h.setLocked(rec, body)
	return nil
}

func (h *Handle) decode(rec core.Record) (map[string]any, error) {
	body := map[string]any{}
	if !rec.Deleted && len(rec.Body) > 0 {
		if err := h.owner.codec.Unmarshal(rec.Body, &body); err != nil {
			return nil, core.Storage("decode", rec.ID, err)
		}
		if body == nil {
			body = map[string]any{}
		}
	}
	return body, nil
}

func (h *Handle) setLocked(rec core.Record, body map[string]any) {
	h.docType = rec.Type
	h.body = body
	h.rev = rec.Revision
	h.seq = rec.Sequence
	h.deleted = rec.Deleted
	h.exists = !rec.Revision.IsZero()
}

func (h *Handle) restoreLocked() error {
	body := map[string]any{}
	if len(h.base.body) > 0 {
		if err := h.owner.codec.Unmarshal(h.base.body, &body); err != nil {
			return core.Storage("decode", h.id, err)
		}
	}
	h.docType = h.base.docType
	h.body = body
	h.rev = h.base.rev
	h.seq = h.base.seq
	h.deleted = h.base.deleted
	h.exists = h.base.exists
	return nil
}
