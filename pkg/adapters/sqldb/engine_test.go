package sqldb_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/internal/enginetest"
	"github.com/aretw0/loamdb/pkg/adapters/sqldb"
	"github.com/aretw0/loamdb/pkg/core"
)

func openSQLite(t *testing.T, path string) *sqldb.Engine {
	t.Helper()
	e, err := sqldb.OpenSQLite(core.EngineOptions{Path: path})
	require.NoError(t, err)
	return e
}

func TestSQLite_Conformance(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) core.Engine {
		return openSQLite(t, filepath.Join(t.TempDir(), "loamdb.db"))
	})
}

func TestSQLite_InMemory(t *testing.T) {
	enginetest.Run(t, func(t *testing.T) core.Engine {
		return openSQLite(t, ":memory:")
	})
}

func TestPostgres_Conformance(t *testing.T) {
	dsn := os.Getenv("LOAMDB_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOAMDB_POSTGRES_DSN not set")
	}
	enginetest.Run(t, func(t *testing.T) core.Engine {
		e, err := sqldb.OpenPostgres(core.EngineOptions{Path: dsn})
		require.NoError(t, err)
		// Each subtest starts from empty tables.
		require.NoError(t, e.Destroy())
		require.NoError(t, e.Close())
		e, err = sqldb.OpenPostgres(core.EngineOptions{Path: dsn})
		require.NoError(t, err)
		return e
	})
}

func TestPostgres_ConcurrentWritersConflict(t *testing.T) {
	dsn := os.Getenv("LOAMDB_POSTGRES_DSN")
	if dsn == "" {
		t.Skip("LOAMDB_POSTGRES_DSN not set")
	}
	ctx := context.Background()
	open := func() *sqldb.Engine {
		e, err := sqldb.OpenPostgres(core.EngineOptions{Path: dsn})
		require.NoError(t, err)
		t.Cleanup(func() { _ = e.Close() })
		return e
	}
	first := open()
	require.NoError(t, first.Destroy())
	require.NoError(t, first.Close())
	first, second := open(), open()

	base := enginetest.Commit(t, first, core.PutRequest{ID: "doc", Body: []byte(`{"by":"base"}`)})[0]

	race := func(req core.PutRequest) error {
		require.NoError(t, first.Begin(ctx))
		require.NoError(t, second.Begin(ctx))
		_, err := first.Put(ctx, req)
		require.NoError(t, err)

		done := make(chan error, 1)
		go func() {
			_, err := second.Put(ctx, req)
			done <- err
		}()
		time.Sleep(100 * time.Millisecond)
		require.NoError(t, first.End(ctx, true))

		select {
		case err = <-done:
		case <-time.After(5 * time.Second):
			t.Fatal("second writer never returned")
		}
		require.NoError(t, second.End(ctx, false))
		return err
	}

	err := race(core.PutRequest{ID: "doc", Parent: base.Revision, Body: []byte(`{"by":"first"}`)})
	assert.ErrorIs(t, err, core.ErrConflict, "an update built on the same parent")

	err = race(core.PutRequest{ID: "fresh", Body: []byte(`{}`)})
	assert.ErrorIs(t, err, core.ErrConflict, "two creates of one id")

	got, err := first.Get(ctx, "doc", true)
	require.NoError(t, err)
	assert.JSONEq(t, `{"by":"first"}`, string(got.Body))
}

func TestSQLite_SequenceSurvivesReopen(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loamdb.db")

	e := openSQLite(t, path)
	enginetest.Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})
	require.NoError(t, e.Begin(ctx))
	_, err := e.Put(ctx, core.PutRequest{ID: "b", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, false))
	require.NoError(t, e.Close())

	reopened := openSQLite(t, path)
	defer reopened.Close()
	rec := enginetest.Commit(t, reopened, core.PutRequest{ID: "c", Body: []byte(`{}`)})[0]
	assert.Equal(t, uint64(3), rec.Sequence, "the rolled-back value 2 stays used")

	got, err := reopened.Get(ctx, "a", true)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), got.Sequence)
}

func TestSQLite_ReadOnly(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loamdb.db")
	e := openSQLite(t, path)
	enginetest.Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})
	require.NoError(t, e.Close())

	ro, err := sqldb.OpenSQLite(core.EngineOptions{Path: path, ReadOnly: true})
	require.NoError(t, err)
	defer ro.Close()

	_, err = ro.Get(ctx, "a", true)
	require.NoError(t, err)

	require.NoError(t, ro.Begin(ctx))
	_, err = ro.Put(ctx, core.PutRequest{ID: "b"})
	assert.ErrorIs(t, err, core.ErrReadOnly)
	require.NoError(t, ro.End(ctx, false))
	assert.ErrorIs(t, ro.Destroy(), core.ErrReadOnly)
}

func TestSQLite_DestroyAndRemove(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "loamdb.db")
	e := openSQLite(t, path)
	enginetest.Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})

	require.NoError(t, e.Destroy())
	_, err := e.Get(ctx, "a", false)
	assert.ErrorIs(t, err, core.ErrStorage, "tables are gone")
	require.NoError(t, e.Close())

	require.NoError(t, sqldb.RemoveSQLite(path))
	_, err = os.Stat(path)
	assert.True(t, os.IsNotExist(err))
	require.NoError(t, sqldb.RemoveSQLite(path), "removing twice is fine")
}

func TestOpen_RejectsEncryptionKey(t *testing.T) {
	_, err := sqldb.OpenSQLite(core.EngineOptions{Path: ":memory:", EncryptionKey: []byte("k")})
	assert.ErrorIs(t, err, core.ErrUnsupported)
	_, err = sqldb.OpenPostgres(core.EngineOptions{Path: "postgres://unused", EncryptionKey: []byte("k")})
	assert.ErrorIs(t, err, core.ErrUnsupported)
}

func TestDialectByName(t *testing.T) {
	for name, want := range map[string]string{
		"sqlite":     "sqlite",
		"SQLite3":    "sqlite",
		"postgres":   "postgres",
		"postgresql": "postgres",
	} {
		d, err := sqldb.DialectByName(name)
		require.NoError(t, err, name)
		assert.Equal(t, want, d.Name)
	}
	_, err := sqldb.DialectByName("oracle")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestEngine_State(t *testing.T) {
	e := openSQLite(t, ":memory:")
	defer e.Close()
	enginetest.Commit(t, e, core.PutRequest{ID: "a", Body: []byte(`{}`)})

	state := e.State().(sqldb.EngineState)
	assert.Equal(t, "sqlite", state.Dialect)
	assert.Equal(t, uint64(1), state.Sequence)
	assert.Equal(t, uint64(1), state.Commits)
	assert.False(t, state.InTxn)
	assert.Equal(t, "sql-engine", e.ComponentType())
}
