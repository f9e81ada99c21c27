package fs

import (
	"time"

	"github.com/aretw0/introspection"
)

// EngineState exposes internal state for observability.
type EngineState struct {
	Path          string     `json:"path"`
	SystemDir     string     `json:"system_dir"`
	Documents     int        `json:"documents"`
	Sequence      uint64     `json:"sequence"`
	ReadOnly      bool       `json:"read_only"`
	InTxn         bool       `json:"in_transaction"`
	Commits       uint64     `json:"commits"`
	Rollbacks     uint64     `json:"rollbacks"`
	WatcherActive bool       `json:"watcher_active"`
	LastReconcile *time.Time `json:"last_reconcile,omitempty"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.Lock()
	defer e.mu.Unlock()

	return EngineState{
		Path:          e.Path,
		SystemDir:     e.config.SystemDir,
		Documents:     e.index.len(),
		Sequence:      e.seq.Load(),
		ReadOnly:      e.config.ReadOnly,
		InTxn:         e.txn != nil,
		Commits:       e.commits.Load(),
		Rollbacks:     e.rollbacks.Load(),
		WatcherActive: e.watcherActive,
		LastReconcile: e.lastReconcile,
	}
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "fs-engine"
}

var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)

func (e *Engine) setWatcherActive(active bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.watcherActive = active
}

func (e *Engine) recordReconcile() {
	e.mu.Lock()
	defer e.mu.Unlock()
	now := time.Now()
	e.lastReconcile = &now
}
