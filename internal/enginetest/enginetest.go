// Package enginetest is a conformance suite for core.Engine implementations.
package enginetest

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/core"
)

// Factory returns a fresh, empty engine. The suite closes it.
type Factory func(t *testing.T) core.Engine

// Run exercises the behavior every engine shares.
func Run(t *testing.T, open Factory) {
	t.Run("CreateReadUpdate", func(t *testing.T) { testCreateReadUpdate(t, open(t)) })
	t.Run("StagedWritesInvisibleOutside", func(t *testing.T) { testIsolation(t, open(t)) })
	t.Run("ParentRules", func(t *testing.T) { testParentRules(t, open(t)) })
	t.Run("Tombstones", func(t *testing.T) { testTombstones(t, open(t)) })
	t.Run("RollbackDiscards", func(t *testing.T) { testRollback(t, open(t)) })
	t.Run("SequenceMonotonic", func(t *testing.T) { testSequence(t, open(t)) })
	t.Run("Scan", func(t *testing.T) { testScan(t, open(t)) })
	t.Run("TransactionRequired", func(t *testing.T) { testTransactionRequired(t, open(t)) })
	t.Run("Closed", func(t *testing.T) { testClosed(t, open(t)) })
}

// Commit runs reqs in one transaction and returns the written records.
func Commit(t *testing.T, e core.Engine, reqs ...core.PutRequest) []core.Record {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	out := make([]core.Record, 0, len(reqs))
	for _, req := range reqs {
		rec, err := e.Put(ctx, req)
		if err != nil {
			_ = e.End(ctx, false)
			require.NoError(t, err)
		}
		out = append(out, rec)
	}
	require.NoError(t, e.End(ctx, true))
	return out
}

func closeEngine(t *testing.T, e core.Engine) {
	t.Cleanup(func() { _ = e.Close() })
}

func testCreateReadUpdate(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()

	first := Commit(t, e, core.PutRequest{ID: "doc", Type: "note", Body: []byte(`{"v":1}`)})[0]
	assert.Equal(t, uint64(1), first.Revision.Generation())

	got, err := e.Get(ctx, "doc", true)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, got.Revision)
	assert.Equal(t, first.Sequence, got.Sequence)
	assert.Equal(t, "note", got.Type)
	assert.JSONEq(t, `{"v":1}`, string(got.Body))

	second := Commit(t, e, core.PutRequest{ID: "doc", Parent: first.Revision, Body: []byte(`{"v":2}`)})[0]
	assert.Equal(t, uint64(2), second.Revision.Generation())
	assert.NotEqual(t, first.Revision, second.Revision)

	got, err = e.Get(ctx, "doc", false)
	require.NoError(t, err)
	assert.JSONEq(t, `{"v":2}`, string(got.Body))

	_, err = e.Get(ctx, "missing", false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testIsolation(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a", Body: []byte(`{}`)})
	require.NoError(t, err)

	staged, err := e.Get(core.WithTransaction(ctx), "a", true)
	require.NoError(t, err, "the transaction sees its own writes")
	assert.False(t, staged.Deleted)

	require.NoError(t, e.End(ctx, true))
	_, err = e.Get(ctx, "a", true)
	assert.NoError(t, err)
}

func testParentRules(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()
	first := Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})[0]
	Commit(t, e, core.PutRequest{ID: "a", Parent: first.Revision, Body: []byte(`{}`)})

	require.NoError(t, e.Begin(ctx))
	defer e.End(ctx, false)

	_, err := e.Put(ctx, core.PutRequest{ID: "a", Parent: first.Revision})
	var conflict *core.ConflictError
	require.ErrorAs(t, err, &conflict)
	assert.Equal(t, "a", conflict.ID)
	assert.Equal(t, first.Revision, conflict.Expected)
	assert.False(t, conflict.Current.IsZero())

	_, err = e.Put(ctx, core.PutRequest{ID: "a"})
	assert.ErrorIs(t, err, core.ErrConflict, "create over a live document")

	_, err = e.Put(ctx, core.PutRequest{ID: "b", Parent: first.Revision})
	assert.ErrorIs(t, err, core.ErrConflict, "update of a missing document")

	_, err = e.Put(ctx, core.PutRequest{ID: "b", Deleted: true})
	assert.ErrorIs(t, err, core.ErrNotFound, "delete of a missing document")
}

func testTombstones(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()
	live := Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{"x":1}`)})[0]
	gone := Commit(t, e, core.PutRequest{ID: "a", Parent: live.Revision, Deleted: true})[0]
	assert.True(t, gone.Deleted)

	got, err := e.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.True(t, got.Deleted)
	assert.Empty(t, got.Body)
	assert.Equal(t, gone.Revision, got.Revision)

	_, err = e.Get(ctx, "a", true)
	assert.ErrorIs(t, err, core.ErrNotFound)

	back := Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})[0]
	assert.Equal(t, gone.Revision.Generation()+1, back.Revision.Generation(), "recreate continues the generation")
}

func testRollback(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()
	base := Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{"v":1}`)})[0]

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a", Parent: base.Revision, Body: []byte(`{"v":2}`)})
	require.NoError(t, err)
	_, err = e.Put(ctx, core.PutRequest{ID: "b", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, false))

	got, err := e.Get(ctx, "a", true)
	require.NoError(t, err)
	assert.Equal(t, base.Revision, got.Revision)
	_, err = e.Get(ctx, "b", false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func testSequence(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()
	a := Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})[0]

	require.NoError(t, e.Begin(ctx))
	skipped, err := e.Put(ctx, core.PutRequest{ID: "b", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, false))

	recs := Commit(t, e,
		core.PutRequest{ID: "c", Body: []byte(`{}`)},
		core.PutRequest{ID: "a", Parent: a.Revision, Body: []byte(`{}`)},
	)
	assert.Greater(t, skipped.Sequence, a.Sequence)
	assert.Greater(t, recs[0].Sequence, skipped.Sequence, "rolled-back values are never reused")
	assert.Greater(t, recs[1].Sequence, recs[0].Sequence)
}

func testScan(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()
	recs := Commit(t, e,
		core.PutRequest{ID: "x", Body: []byte(`{}`)},
		core.PutRequest{ID: "y", Body: []byte(`{}`)},
		core.PutRequest{ID: "z", Body: []byte(`{}`)},
	)
	Commit(t, e, core.PutRequest{ID: "z", Parent: recs[2].Revision, Deleted: true})

	seen := map[string]bool{}
	require.NoError(t, e.Scan(ctx, func(r core.Record) bool {
		seen[r.ID] = r.Deleted
		return true
	}))
	assert.Equal(t, map[string]bool{"x": false, "y": false, "z": true}, seen)

	visits := 0
	require.NoError(t, e.Scan(ctx, func(core.Record) bool {
		visits++
		return false
	}))
	assert.Equal(t, 1, visits, "returning false stops the scan")
}

func testTransactionRequired(t *testing.T, e core.Engine) {
	closeEngine(t, e)
	ctx := context.Background()

	_, err := e.Put(ctx, core.PutRequest{ID: "a"})
	assert.ErrorIs(t, err, core.ErrNoTransaction)
	assert.ErrorIs(t, e.End(ctx, true), core.ErrNoTransaction)
}

func testClosed(t *testing.T, e core.Engine) {
	ctx := context.Background()
	require.NoError(t, e.Close())

	assert.ErrorIs(t, e.Begin(ctx), core.ErrClosed)
	_, err := e.Get(ctx, "a", false)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, e.Scan(ctx, func(core.Record) bool { return true }), core.ErrClosed)
}
