package core

import (
	"context"
	"log/slog"
)

// Engine defines the contract for the durable storage underneath a store.
// Adhering to this interface allows the store to be independent of the
// underlying storage mechanism (memory, filesystem, SQL).
//
// An engine holds at most one open transaction. Puts are only valid inside it;
// reads outside it never observe staged writes.
type Engine interface {
	// Begin opens a write transaction.
	Begin(ctx context.Context) error

	// End commits (commit=true) or rolls back the open transaction.
	// Returns ErrNoTransaction when none is open. A failed commit leaves
	// nothing applied.
	End(ctx context.Context, commit bool) error

	// Get returns the latest committed revision of id, or the staged one when
	// ctx was marked by WithTransaction while a transaction is open.
	// Absent documents yield ErrNotFound; tombstones are returned with Deleted
	// set unless mustExist is true.
	Get(ctx context.Context, id string, mustExist bool) (Record, error)

	// Put writes a new revision on top of req.Parent and returns it with its
	// freshly assigned revision and sequence. A stale parent yields *ConflictError.
	Put(ctx context.Context, req PutRequest) (Record, error)

	// Scan visits the latest committed revision of every document, tombstones
	// included, until fn returns false.
	Scan(ctx context.Context, fn func(Record) bool) error

	// Close releases the engine. Further calls fail with ErrClosed.
	Close() error
}

// Watchable is implemented by engines that can observe commits made
// outside this process (another store instance, a text editor, ...).
type Watchable interface {
	Watch(ctx context.Context) (<-chan Event, error)
}

// Destroyer is implemented by engines able to remove their database entirely.
type Destroyer interface {
	Destroy() error
}

// EngineOptions is what an adapter constructor receives on open.
type EngineOptions struct {
	Path          string
	ReadOnly      bool
	EncryptionKey []byte
	Logger        *slog.Logger
}

// Delete is the tombstone form of Put.
func Delete(ctx context.Context, e Engine, id string, parent Revision) (Record, error) {
	return e.Put(ctx, PutRequest{ID: id, Parent: parent, Deleted: true})
}

// Codec maps document bodies to and from their stored bytes.
type Codec interface {
	Name() string
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// Scheduler is a target execution context for listener dispatch.
// Work scheduled on the same Scheduler runs in submission order.
type Scheduler interface {
	Schedule(fn func()) error
}

type contextKey string

const txnKey contextKey = "transaction"

// WithTransaction marks ctx as belonging to the engine's open transaction.
func WithTransaction(ctx context.Context) context.Context {
	return context.WithValue(ctx, txnKey, true)
}

// InTransaction reports whether ctx was marked by WithTransaction.
func InTransaction(ctx context.Context) bool {
	v, _ := ctx.Value(txnKey).(bool)
	return v
}

// ChangeReasonKey is the context key for passing a change reason during writes.
// Engines that keep a history (logs, audit tables) may record it.
const ChangeReasonKey contextKey = "change_reason"
