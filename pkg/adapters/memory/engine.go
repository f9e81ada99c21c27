// Package memory provides an in-memory core.Engine.
//
// Documents live in a concurrent map; a transaction stages its writes in an
// overlay that is folded into the map on commit. Nothing survives Close.
package memory

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/aretw0/introspection"
	"github.com/puzpuzpuz/xsync/v3"

	"github.com/aretw0/loamdb/pkg/core"
)

// --------------------------------------------------------------------------
// Engine structure
// --------------------------------------------------------------------------

// Engine is an in-memory document table.
type Engine struct {
	docs     *xsync.MapOf[string, core.Record]
	seq      atomic.Uint64
	readOnly bool
	faults   Faults

	sem    chan struct{} // held for the lifetime of a transaction
	mu     sync.Mutex    // guards txn
	txn    *overlay
	closed atomic.Bool

	commits   atomic.Uint64
	rollbacks atomic.Uint64
}

type overlay struct {
	order  []string
	staged map[string]core.Record
}

// Faults lets tests make the engine fail on purpose. Nil hooks never fail.
type Faults struct {
	Put    func(req core.PutRequest) error
	Commit func() error
}

// Option configures the engine.
type Option func(*Engine)

// WithFaults installs failure hooks.
func WithFaults(f Faults) Option {
	return func(e *Engine) { e.faults = f }
}

// WithReadOnly rejects every put with core.ErrReadOnly.
func WithReadOnly(readOnly bool) Option {
	return func(e *Engine) { e.readOnly = readOnly }
}

// New creates an empty engine.
func New(opts ...Option) *Engine {
	e := &Engine{
		docs: xsync.NewMapOf[string, core.Record](),
		sem:  make(chan struct{}, 1),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Open adapts New to the engine factory signature. Path is ignored and there
// is no data at rest, so an encryption key has nothing to protect.
func Open(opts core.EngineOptions) (*Engine, error) {
	return New(WithReadOnly(opts.ReadOnly)), nil
}

// --------------------------------------------------------------------------
// Transactions
// --------------------------------------------------------------------------

// Begin waits until no other transaction is open.
func (e *Engine) Begin(ctx context.Context) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	select {
	case e.sem <- struct{}{}:
	case <-ctx.Done():
		return ctx.Err()
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	e.txn = &overlay{staged: make(map[string]core.Record)}
	return nil
}

func (e *Engine) End(ctx context.Context, commit bool) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txn == nil {
		return core.ErrNoTransaction
	}
	txn := e.txn
	e.txn = nil
	defer func() { <-e.sem }()

	if !commit {
		e.rollbacks.Add(1)
		return nil
	}
	if e.faults.Commit != nil {
		if err := e.faults.Commit(); err != nil {
			e.rollbacks.Add(1)
			return err
		}
	}
	for _, id := range txn.order {
		e.docs.Store(id, txn.staged[id])
	}
	e.commits.Add(1)
	return nil
}

// --------------------------------------------------------------------------
// Reads and writes
// --------------------------------------------------------------------------

func (e *Engine) Get(ctx context.Context, id string, mustExist bool) (core.Record, error) {
	if e.closed.Load() {
		return core.Record{}, core.ErrClosed
	}
	rec, ok := e.lookup(ctx, id)
	if !ok || (mustExist && rec.Deleted) {
		return core.Record{}, core.ErrNotFound
	}
	return clone(rec), nil
}

func (e *Engine) lookup(ctx context.Context, id string) (core.Record, bool) {
	if core.InTransaction(ctx) {
		e.mu.Lock()
		if e.txn != nil {
			if rec, ok := e.txn.staged[id]; ok {
				e.mu.Unlock()
				return rec, true
			}
		}
		e.mu.Unlock()
	}
	return e.docs.Load(id)
}

func (e *Engine) Put(ctx context.Context, req core.PutRequest) (core.Record, error) {
	if e.closed.Load() {
		return core.Record{}, core.ErrClosed
	}
	if e.readOnly {
		return core.Record{}, core.ErrReadOnly
	}
	if req.ID == "" {
		return core.Record{}, core.Invalid("empty document id")
	}
	if e.faults.Put != nil {
		if err := e.faults.Put(req); err != nil {
			return core.Record{}, err
		}
	}

	e.mu.Lock()
	defer e.mu.Unlock()
	if e.txn == nil {
		return core.Record{}, core.ErrNoTransaction
	}

	cur, exists := e.txn.staged[req.ID]
	if !exists {
		cur, exists = e.docs.Load(req.ID)
	}
	if err := core.CheckParent(req, cur, exists); err != nil {
		return core.Record{}, err
	}

	rec := core.Record{
		ID:       req.ID,
		Revision: core.NextRevision(cur.Revision),
		Sequence: e.seq.Add(1),
		Type:     req.Type,
		Deleted:  req.Deleted,
	}
	if !req.Deleted {
		rec.Body = append([]byte(nil), req.Body...)
	}
	if _, staged := e.txn.staged[req.ID]; !staged {
		e.txn.order = append(e.txn.order, req.ID)
	}
	e.txn.staged[req.ID] = rec
	return clone(rec), nil
}

// Scan visits committed records in no particular order.
func (e *Engine) Scan(ctx context.Context, fn func(core.Record) bool) error {
	if e.closed.Load() {
		return core.ErrClosed
	}
	e.docs.Range(func(_ string, rec core.Record) bool {
		if ctx.Err() != nil {
			return false
		}
		return fn(clone(rec))
	})
	return ctx.Err()
}

func (e *Engine) Close() error {
	e.closed.Store(true)
	return nil
}

// Destroy drops every document.
func (e *Engine) Destroy() error {
	e.docs.Clear()
	return nil
}

// Len returns the number of committed documents, tombstones included.
func (e *Engine) Len() int {
	return e.docs.Size()
}

func clone(rec core.Record) core.Record {
	if rec.Body != nil {
		rec.Body = append([]byte(nil), rec.Body...)
	}
	return rec
}

// --------------------------------------------------------------------------
// Introspection
// --------------------------------------------------------------------------

// EngineState exposes internal state for observability.
type EngineState struct {
	Documents int    `json:"documents"`
	Sequence  uint64 `json:"sequence"`
	InTxn     bool   `json:"in_transaction"`
	Commits   uint64 `json:"commits"`
	Rollbacks uint64 `json:"rollbacks"`
	ReadOnly  bool   `json:"read_only"`
}

// State implements introspection.Introspectable.
func (e *Engine) State() any {
	e.mu.Lock()
	inTxn := e.txn != nil
	e.mu.Unlock()
	return EngineState{
		Documents: e.docs.Size(),
		Sequence:  e.seq.Load(),
		InTxn:     inTxn,
		Commits:   e.commits.Load(),
		Rollbacks: e.rollbacks.Load(),
		ReadOnly:  e.readOnly,
	}
}

// ComponentType implements introspection.Component.
func (e *Engine) ComponentType() string {
	return "memory-engine"
}

var _ core.Engine = (*Engine)(nil)
var _ core.Destroyer = (*Engine)(nil)
var _ introspection.Introspectable = (*Engine)(nil)
var _ introspection.Component = (*Engine)(nil)
