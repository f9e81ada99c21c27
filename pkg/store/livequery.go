package store

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/loamdb/pkg/core"
)

// Row is one document matched by a query.
type Row struct {
	ID       string
	Revision core.Revision
	Sequence uint64
	Type     string
	Body     map[string]any
}

// Query selects documents. Pattern is a doublestar glob over identifiers
// ("" or "**" for all). Where, when set, filters rows after decoding.
// Rows are ordered by ID unless Less is set.
type Query struct {
	Pattern        string
	Type           string
	Where          func(Row) bool
	Less           func(a, b Row) bool
	Limit          int
	IncludeDeleted bool
}

func (q Query) matchesID(id string) bool {
	if q.Pattern == "" || q.Pattern == "**" {
		return true
	}
	ok, err := doublestar.Match(q.Pattern, id)
	return err == nil && ok
}

// QueryChange is delivered to live query listeners after each re-evaluation.
type QueryChange struct {
	Rows []Row
	Err  error
}

// Execute runs q against the committed state of the store.
func (s *Store) Execute(ctx context.Context, q Query) ([]Row, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return nil, core.Invalid("bad query pattern %q", q.Pattern)
	}

	var (
		rows    []Row
		scanErr error
	)
	err := s.engine.Scan(ctx, func(rec core.Record) bool {
		if rec.Deleted && !q.IncludeDeleted {
			return true
		}
		if q.Type != "" && rec.Type != q.Type {
			return true
		}
		if !q.matchesID(rec.ID) {
			return true
		}
		row := Row{ID: rec.ID, Revision: rec.Revision, Sequence: rec.Sequence, Type: rec.Type, Body: map[string]any{}}
		if len(rec.Body) > 0 {
			if err := s.codec.Unmarshal(rec.Body, &row.Body); err != nil {
				scanErr = core.Storage("decode", rec.ID, err)
				return false
			}
		}
		if q.Where != nil && !q.Where(row) {
			return true
		}
		rows = append(rows, row)
		return true
	})
	if err != nil {
		return nil, core.Storage("scan", "", err)
	}
	if scanErr != nil {
		return nil, scanErr
	}

	less := q.Less
	if less == nil {
		less = func(a, b Row) bool { return a.ID < b.ID }
	}
	sort.SliceStable(rows, func(i, j int) bool { return less(rows[i], rows[j]) })
	if q.Limit > 0 && len(rows) > q.Limit {
		rows = rows[:q.Limit]
	}
	return rows, nil
}

// LiveQuery is a standing query that re-runs after commits touching documents
// it could match and reports the new rows to its listeners.
type LiveQuery struct {
	store *Store
	query Query
	token Token

	mu        sync.Mutex
	listeners map[Token]*queryListener
	stopped   bool
}

type queryListener struct {
	sched   core.Scheduler
	handler func(QueryChange)
	pending atomic.Bool
	removed atomic.Bool
}

// LiveQuery creates a standing query. It starts observing commits immediately.
func (s *Store) LiveQuery(q Query) (*LiveQuery, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if q.Pattern != "" && !doublestar.ValidatePattern(q.Pattern) {
		return nil, core.Invalid("bad query pattern %q", q.Pattern)
	}
	lq := &LiveQuery{store: s, query: q, listeners: make(map[Token]*queryListener)}
	lq.token = s.notifier.Subscribe(nil, lq.onChange)
	s.queries.Add(1)
	return lq, nil
}

// Query returns the query descriptor.
func (lq *LiveQuery) Query() Query { return lq.query }

// Execute runs the query once.
func (lq *LiveQuery) Execute(ctx context.Context) ([]Row, error) {
	return lq.store.Execute(ctx, lq.query)
}

// AddChangeListener registers handler to run on sched with fresh results after
// every relevant commit. Commits arriving while a re-evaluation is still
// queued for this listener are folded into it.
func (lq *LiveQuery) AddChangeListener(sched core.Scheduler, handler func(QueryChange)) (Token, error) {
	if sched == nil {
		return "", core.Invalid("nil scheduler")
	}
	lq.mu.Lock()
	defer lq.mu.Unlock()
	if lq.stopped {
		return "", core.ErrClosed
	}
	tok := newToken()
	lq.listeners[tok] = &queryListener{sched: sched, handler: handler}
	return tok, nil
}

// RemoveChangeListener unregisters a listener. A re-evaluation already queued
// for it is dropped.
func (lq *LiveQuery) RemoveChangeListener(tok Token) bool {
	lq.mu.Lock()
	defer lq.mu.Unlock()
	l, ok := lq.listeners[tok]
	if !ok {
		return false
	}
	l.removed.Store(true)
	delete(lq.listeners, tok)
	return true
}

// Stop detaches the query from the store and drops every listener.
func (lq *LiveQuery) Stop() {
	lq.mu.Lock()
	if lq.stopped {
		lq.mu.Unlock()
		return
	}
	lq.stopped = true
	for tok, l := range lq.listeners {
		l.removed.Store(true)
		delete(lq.listeners, tok)
	}
	lq.mu.Unlock()

	lq.store.notifier.Unsubscribe(lq.token)
	lq.store.queries.Add(-1)
}

func (lq *LiveQuery) relevant(c Change) bool {
	for _, e := range c.Events {
		if lq.query.matchesID(e.ID) {
			return true
		}
	}
	return false
}

func (lq *LiveQuery) onChange(c Change) {
	if !lq.relevant(c) {
		return
	}

	lq.mu.Lock()
	snapshot := make([]*queryListener, 0, len(lq.listeners))
	for _, l := range lq.listeners {
		snapshot = append(snapshot, l)
	}
	lq.mu.Unlock()

	for _, l := range snapshot {
		if !l.pending.CompareAndSwap(false, true) {
			continue
		}
		err := l.sched.Schedule(func() {
			l.pending.Store(false)
			if l.removed.Load() {
				return
			}
			rows, err := lq.Execute(context.Background())
			if l.removed.Load() {
				return
			}
			l.handler(QueryChange{Rows: rows, Err: err})
		})
		if err != nil {
			l.pending.Store(false)
			lq.store.logger.Warn("live query dispatch failed", "pattern", lq.query.Pattern, "error", err)
		}
	}
}
