package platform_test

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/internal/platform"
	"github.com/aretw0/loamdb/pkg/adapters/fs"
	"github.com/aretw0/loamdb/pkg/adapters/memory"
	"github.com/aretw0/loamdb/pkg/adapters/sqldb"
	"github.com/aretw0/loamdb/pkg/core"
	"github.com/aretw0/loamdb/pkg/store"
)

func saveTitle(t *testing.T, s *store.Store, id, title string) {
	t.Helper()
	ctx := context.Background()
	h, err := s.Get(ctx, id)
	require.NoError(t, err)
	h.Set("title", title)
	require.NoError(t, h.Save(ctx))
}

func TestOpen_Adapters(t *testing.T) {
	tests := []struct {
		adapter string
		uri     func(dir string) string
		engine  any
	}{
		{adapter: platform.AdapterFS, uri: func(dir string) string { return dir }, engine: &fs.Engine{}},
		{adapter: platform.AdapterMemory, uri: func(string) string { return "" }, engine: &memory.Engine{}},
		{adapter: platform.AdapterSQLite, uri: func(dir string) string { return filepath.Join(dir, "sub", "store.db") }, engine: &sqldb.Engine{}},
	}

	for _, tt := range tests {
		t.Run(tt.adapter, func(t *testing.T) {
			ctx := context.Background()
			s, err := platform.Open(tt.uri(t.TempDir()), platform.WithAdapter(tt.adapter))
			require.NoError(t, err)
			defer s.Close()
			assert.IsType(t, tt.engine, s.Engine())

			saveTitle(t, s, "notes/a", "hello")
			ok, err := s.Exists(ctx, "notes/a")
			require.NoError(t, err)
			assert.True(t, ok)
		})
	}
}

func TestOpen_FSPersistsAcrossReopen(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := platform.Open(dir, platform.WithCodecName("yaml"))
	require.NoError(t, err)
	saveTitle(t, s, "a", "persisted")
	require.NoError(t, s.Close())

	_, err = os.Stat(filepath.Join(dir, "a.json"))
	require.NoError(t, err)

	reopened, err := platform.Open(dir, platform.WithReadOnly(true), platform.WithCodecName("yaml"))
	require.NoError(t, err)
	defer reopened.Close()

	h, found, err := reopened.Lookup(ctx, "a")
	require.NoError(t, err)
	require.True(t, found)
	v, _ := h.Get("title")
	assert.Equal(t, "persisted", v)

	h.Set("title", "changed")
	assert.ErrorIs(t, h.Save(ctx), core.ErrReadOnly)
}

func TestOpen_Errors(t *testing.T) {
	_, err := platform.Open(t.TempDir(), platform.WithAdapter("s3"))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = platform.Open(t.TempDir(), platform.WithEncryptionKey([]byte("k")))
	assert.ErrorIs(t, err, core.ErrUnsupported)

	_, err = platform.Open(filepath.Join(t.TempDir(), "x.db"), platform.WithAdapter(platform.AdapterSQLite), platform.WithEncryptionKey([]byte("k")))
	assert.ErrorIs(t, err, core.ErrUnsupported)

	_, err = platform.Open(t.TempDir(), platform.WithCodecName("toml"))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	_, err = platform.Open(filepath.Join(t.TempDir(), "missing"), platform.WithMustExist(true))
	assert.ErrorIs(t, err, core.ErrStorage)

	_, err = platform.Open("", platform.WithAdapter(platform.AdapterPostgres))
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}

func TestOpen_WithEngine(t *testing.T) {
	engine := memory.New()
	s, err := platform.Open("ignored", platform.WithEngine(engine), platform.WithName("injected"))
	require.NoError(t, err)
	defer s.Close()

	assert.Same(t, engine, s.Engine())
	assert.Equal(t, "injected", s.Name())
}

func TestOpen_WithWatch(t *testing.T) {
	dir := t.TempDir()
	s, err := platform.Open(dir, platform.WithWatch(true), platform.WithDebounce(10*time.Millisecond))
	require.NoError(t, err)
	defer s.Close()

	changes := s.Changes(context.Background(), 8)
	engine := s.Engine().(*fs.Engine)
	require.Eventually(t, func() bool {
		return engine.State().(fs.EngineState).WatcherActive
	}, 2*time.Second, 10*time.Millisecond)

	other, err := fs.New(fs.Config{Path: dir})
	require.NoError(t, err)
	defer other.Close()
	ctx := context.Background()
	require.NoError(t, other.Begin(ctx))
	_, err = other.Put(ctx, core.PutRequest{ID: "from-outside", Body: []byte(`{"n":1}`)})
	require.NoError(t, err)
	require.NoError(t, other.End(ctx, true))

	select {
	case e := <-changes:
		assert.Equal(t, "from-outside", e.ID)
		assert.True(t, e.External)
	case <-time.After(5 * time.Second):
		t.Fatal("external change not reported")
	}

	// Memory engines cannot watch; Open still succeeds.
	m, err := platform.Open("", platform.WithAdapter(platform.AdapterMemory), platform.WithWatch(true))
	require.NoError(t, err)
	require.NoError(t, m.Close())
}

func TestExistsAndDestroy(t *testing.T) {
	t.Run("fs", func(t *testing.T) {
		dir := filepath.Join(t.TempDir(), "store")

		ok, err := platform.Exists(dir)
		require.NoError(t, err)
		assert.False(t, ok)

		s, err := platform.Open(dir)
		require.NoError(t, err)
		saveTitle(t, s, "a", "x")
		require.NoError(t, s.Close())

		ok, err = platform.Exists(dir)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, platform.Destroy(dir))
		ok, err = platform.Exists(dir)
		require.NoError(t, err)
		assert.False(t, ok)

		require.NoError(t, platform.Destroy(dir), "destroying a missing store is a no-op")
	})

	t.Run("sqlite", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "store.db")
		opt := platform.WithAdapter(platform.AdapterSQLite)

		s, err := platform.Open(path, opt)
		require.NoError(t, err)
		saveTitle(t, s, "a", "x")
		require.NoError(t, s.Close())

		ok, err := platform.Exists(path, opt)
		require.NoError(t, err)
		assert.True(t, ok)

		require.NoError(t, platform.Destroy(path, opt))
		_, err = os.Stat(path)
		assert.True(t, os.IsNotExist(err))
	})

	t.Run("memory", func(t *testing.T) {
		ok, err := platform.Exists("", platform.WithAdapter(platform.AdapterMemory))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("read-only", func(t *testing.T) {
		assert.ErrorIs(t, platform.Destroy(t.TempDir(), platform.WithReadOnly(true)), core.ErrReadOnly)
	})
}

func TestAdapters(t *testing.T) {
	assert.Equal(t, []string{"fs", "memory", "postgres", "sqlite"}, platform.Adapters())
}
