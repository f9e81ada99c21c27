package platform

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadSettings(t *testing.T) {
	path := filepath.Join(t.TempDir(), SettingsFile)
	require.NoError(t, os.WriteFile(path, []byte(`
adapter: sqlite
path: data/store.db
codec: yaml
read_only: true
cache_capacity: 64
debounce: 200ms
dev_safety: false
`), 0644))

	s, err := LoadSettings(path)
	require.NoError(t, err)
	assert.Equal(t, AdapterSQLite, s.Adapter)
	assert.Equal(t, "data/store.db", s.Path)
	assert.Equal(t, 64, s.CacheCapacity)
	assert.Equal(t, 200*time.Millisecond, s.Debounce)
	require.NotNil(t, s.DevSafety)
	assert.False(t, *s.DevSafety)

	o := buildOptions(s.Options())
	assert.Equal(t, AdapterSQLite, o.adapter)
	assert.Equal(t, "yaml", o.codecName)
	assert.True(t, o.readOnly)
	assert.Equal(t, 64, o.cacheCapacity)
	assert.Equal(t, 200*time.Millisecond, o.debounce)
	assert.False(t, o.devSafety)
}

func TestLoadSettings_Errors(t *testing.T) {
	_, err := LoadSettings(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.True(t, os.IsNotExist(err))

	path := filepath.Join(t.TempDir(), SettingsFile)
	require.NoError(t, os.WriteFile(path, []byte("adapter: [unclosed"), 0644))
	_, err = LoadSettings(path)
	assert.Error(t, err)
}

func TestSettings_ZeroKeepsDefaults(t *testing.T) {
	o := buildOptions(Settings{}.Options())
	assert.Equal(t, defaultOptions(), o)
}
