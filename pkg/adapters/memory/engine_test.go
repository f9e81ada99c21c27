package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/adapters/memory"
	"github.com/aretw0/loamdb/pkg/core"
)

func put(t *testing.T, e core.Engine, req core.PutRequest) core.Record {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, e.Begin(ctx))
	rec, err := e.Put(ctx, req)
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, true))
	return rec
}

func TestEngine_PutGet(t *testing.T) {
	ctx := context.Background()
	e := memory.New()

	first := put(t, e, core.PutRequest{ID: "a", Type: "note", Body: []byte(`{"x":1}`)})
	assert.Equal(t, uint64(1), first.Revision.Generation())
	assert.Equal(t, uint64(1), first.Sequence)

	got, err := e.Get(ctx, "a", true)
	require.NoError(t, err)
	assert.Equal(t, first.Revision, got.Revision)
	assert.Equal(t, "note", got.Type)
	assert.JSONEq(t, `{"x":1}`, string(got.Body))

	_, err = e.Get(ctx, "missing", false)
	assert.ErrorIs(t, err, core.ErrNotFound)
}

func TestEngine_PutRequiresTransaction(t *testing.T) {
	_, err := memory.New().Put(context.Background(), core.PutRequest{ID: "a"})
	assert.ErrorIs(t, err, core.ErrNoTransaction)
	assert.ErrorIs(t, memory.New().End(context.Background(), true), core.ErrNoTransaction)
}

func TestEngine_StaleParentConflicts(t *testing.T) {
	ctx := context.Background()
	e := memory.New()
	first := put(t, e, core.PutRequest{ID: "a"})
	put(t, e, core.PutRequest{ID: "a", Parent: first.Revision})

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a", Parent: first.Revision})
	require.NoError(t, e.End(ctx, false))

	var ce *core.ConflictError
	require.ErrorAs(t, err, &ce)
	assert.Equal(t, first.Revision, ce.Expected)
	assert.Equal(t, uint64(2), ce.Current.Generation())
}

func TestEngine_RollbackDiscardsButSkipsSequence(t *testing.T) {
	ctx := context.Background()
	e := memory.New()

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a"})
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, false))

	_, err = e.Get(ctx, "a", false)
	assert.ErrorIs(t, err, core.ErrNotFound)

	rec := put(t, e, core.PutRequest{ID: "b"})
	assert.Equal(t, uint64(2), rec.Sequence, "sequence consumed by the rollback is never reused")
}

func TestEngine_StagedWritesIsolated(t *testing.T) {
	ctx := context.Background()
	e := memory.New()

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a"})
	require.NoError(t, err)

	_, err = e.Get(ctx, "a", false)
	assert.ErrorIs(t, err, core.ErrNotFound, "plain reads see committed state only")

	_, err = e.Get(core.WithTransaction(ctx), "a", false)
	assert.NoError(t, err, "transaction reads see staged writes")

	var seen int
	require.NoError(t, e.Scan(ctx, func(core.Record) bool { seen++; return true }))
	assert.Zero(t, seen)

	require.NoError(t, e.End(ctx, true))
	assert.Equal(t, 1, e.Len())
}

func TestEngine_Tombstones(t *testing.T) {
	ctx := context.Background()
	e := memory.New()
	rec := put(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})

	require.NoError(t, e.Begin(ctx))
	tomb, err := core.Delete(ctx, e, "a", rec.Revision)
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, true))
	assert.True(t, tomb.Deleted)
	assert.Empty(t, tomb.Body)

	got, err := e.Get(ctx, "a", false)
	require.NoError(t, err)
	assert.True(t, got.Deleted)

	_, err = e.Get(ctx, "a", true)
	assert.ErrorIs(t, err, core.ErrNotFound)

	again := put(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})
	assert.Equal(t, uint64(3), again.Revision.Generation(), "recreation continues the tombstone's history")
}

func TestEngine_Faults(t *testing.T) {
	ctx := context.Background()
	boom := errors.New("boom")
	e := memory.New(memory.WithFaults(memory.Faults{
		Commit: func() error { return boom },
	}))

	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "a"})
	require.NoError(t, err)
	assert.ErrorIs(t, e.End(ctx, true), boom)
	assert.Zero(t, e.Len())

	// The failed commit released the transaction slot.
	require.NoError(t, e.Begin(ctx))
	require.NoError(t, e.End(ctx, false))
}

func TestEngine_ReadOnlyAndClosed(t *testing.T) {
	ctx := context.Background()
	ro, err := memory.Open(core.EngineOptions{ReadOnly: true})
	require.NoError(t, err)
	require.NoError(t, ro.Begin(ctx))
	_, err = ro.Put(ctx, core.PutRequest{ID: "a"})
	assert.ErrorIs(t, err, core.ErrReadOnly)
	require.NoError(t, ro.End(ctx, false))

	require.NoError(t, ro.Close())
	_, err = ro.Get(ctx, "a", false)
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, ro.Begin(ctx), core.ErrClosed)
}
