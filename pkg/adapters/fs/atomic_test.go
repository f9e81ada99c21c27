package fs

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWriteFileAtomic(t *testing.T) {
	t.Run("Creates New File", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.json")
		require.NoError(t, writeFileAtomic(filename, []byte("hello atomic"), 0644))

		got, err := os.ReadFile(filename)
		require.NoError(t, err)
		assert.Equal(t, "hello atomic", string(got))
	})

	t.Run("Overwrites Existing File", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "test.json")
		require.NoError(t, os.WriteFile(filename, []byte("initial"), 0644))
		require.NoError(t, writeFileAtomic(filename, []byte("overwritten"), 0644))

		got, err := os.ReadFile(filename)
		require.NoError(t, err)
		assert.Equal(t, "overwritten", string(got))
	})

	t.Run("Leaves No Temp Files", func(t *testing.T) {
		dir := t.TempDir()
		require.NoError(t, writeFileAtomic(filepath.Join(dir, "a.json"), []byte("{}"), 0644))

		entries, err := os.ReadDir(dir)
		require.NoError(t, err)
		require.Len(t, entries, 1)
		assert.False(t, isTempFile(entries[0].Name()))
	})

	t.Run("Fails if Directory Missing", func(t *testing.T) {
		filename := filepath.Join(t.TempDir(), "missing_folder", "test.json")
		assert.Error(t, writeFileAtomic(filename, []byte("fail"), 0644))
	})
}

func TestCommitAll_UndoesAppliedWritesOnFailure(t *testing.T) {
	dir := t.TempDir()
	existing := filepath.Join(dir, "existing.json")
	fresh := filepath.Join(dir, "fresh.json")
	require.NoError(t, os.WriteFile(existing, []byte("v1"), 0644))

	first, err := prepareWrite(existing, []byte("v2"), 0644)
	require.NoError(t, err)
	second, err := prepareWrite(fresh, []byte("new"), 0644)
	require.NoError(t, err)
	broken, err := prepareWrite(filepath.Join(dir, "broken.json"), []byte("x"), 0644)
	require.NoError(t, err)
	// Losing the temp file makes the final rename fail.
	require.NoError(t, os.Remove(broken.temp))

	err = commitAll([]*pendingWrite{first, second, broken})
	require.Error(t, err)

	got, err := os.ReadFile(existing)
	require.NoError(t, err)
	assert.Equal(t, "v1", string(got), "overwritten file restored")
	_, err = os.Stat(fresh)
	assert.True(t, os.IsNotExist(err), "created file removed")

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	for _, e := range entries {
		assert.False(t, isTempFile(e.Name()), "temp file %s left behind", e.Name())
	}
}
