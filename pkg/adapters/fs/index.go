package fs

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/aretw0/loamdb/pkg/core"
)

const indexVersion = 1

// indexEntry is what the engine remembers about the last revision it wrote
// or observed for a document.
type indexEntry struct {
	Revision core.Revision `json:"rev"`
	Sequence uint64        `json:"seq"`
	Deleted  bool          `json:"deleted,omitempty"`
}

// indexFile is the persisted form of the index.
type indexFile struct {
	Version  int                    `json:"version"`
	Sequence uint64                 `json:"sequence"`
	Entries  map[string]*indexEntry `json:"entries"` // key is the document ID
}

// index tracks the known revision of each document and the high-water mark
// of the sequence counter. It is a cache of what the document files say: if
// it is missing or unreadable it is rebuilt from them.
type index struct {
	path  string // {root}/{systemDir}/index.json
	mu    sync.RWMutex
	data  indexFile
	dirty bool
}

// newIndex initializes an empty index at the given root.
func newIndex(root, systemDir string) *index {
	return &index{
		path: filepath.Join(root, systemDir, "index.json"),
		data: indexFile{
			Version: indexVersion,
			Entries: make(map[string]*indexEntry),
		},
	}
}

// load reads the index from disk. It reports false when the file is absent,
// corrupted or from another version, in which case the caller rebuilds.
func (x *index) load() (bool, error) {
	x.mu.Lock()
	defer x.mu.Unlock()

	raw, err := os.ReadFile(x.path)
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("failed to read index: %w", err)
	}

	var data indexFile
	if err := json.Unmarshal(raw, &data); err != nil || data.Version != indexVersion {
		return false, nil
	}
	if data.Entries == nil {
		data.Entries = make(map[string]*indexEntry)
	}
	x.data = data
	x.dirty = false
	return true, nil
}

// save persists the index if it changed since the last save.
func (x *index) save() error {
	x.mu.RLock()
	if !x.dirty {
		x.mu.RUnlock()
		return nil
	}
	raw, err := json.MarshalIndent(x.data, "", "  ")
	x.mu.RUnlock()
	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(x.path), 0755); err != nil {
		return err
	}
	if err := writeFileAtomic(x.path, raw, 0644); err != nil {
		return err
	}

	x.mu.Lock()
	x.dirty = false
	x.mu.Unlock()
	return nil
}

func (x *index) get(id string) (indexEntry, bool) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	e, ok := x.data.Entries[id]
	if !ok {
		return indexEntry{}, false
	}
	return *e, true
}

// set records rec and raises the sequence high-water mark if needed.
func (x *index) set(rec core.Record) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.data.Entries[rec.ID] = &indexEntry{Revision: rec.Revision, Sequence: rec.Sequence, Deleted: rec.Deleted}
	if rec.Sequence > x.data.Sequence {
		x.data.Sequence = rec.Sequence
	}
	x.dirty = true
}

// restore puts back an entry captured by get, or drops it if there was none.
func (x *index) restore(id string, prev indexEntry, had bool) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if had {
		x.data.Entries[id] = &prev
	} else {
		delete(x.data.Entries, id)
	}
	x.dirty = true
}

func (x *index) remove(id string) {
	x.mu.Lock()
	defer x.mu.Unlock()
	delete(x.data.Entries, id)
	x.dirty = true
}

// advance raises the persisted sequence without touching entries; sequence
// numbers handed out to rolled-back writes are never reused.
func (x *index) advance(seq uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	if seq > x.data.Sequence {
		x.data.Sequence = seq
		x.dirty = true
	}
}

func (x *index) sequence() uint64 {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return x.data.Sequence
}

// reset replaces every entry, keeping the sequence monotonic.
func (x *index) reset(entries map[string]*indexEntry, seq uint64) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.data.Entries = entries
	if seq > x.data.Sequence {
		x.data.Sequence = seq
	}
	x.dirty = true
}

// rangeEntries iterates over a snapshot of the entries.
func (x *index) rangeEntries(fn func(id string, e indexEntry) bool) {
	x.mu.RLock()
	snapshot := make(map[string]indexEntry, len(x.data.Entries))
	for id, e := range x.data.Entries {
		snapshot[id] = *e
	}
	x.mu.RUnlock()

	for id, e := range snapshot {
		if !fn(id, e) {
			return
		}
	}
}

func (x *index) len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.data.Entries)
}
