package codec_test

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/codec"
	"github.com/aretw0/loamdb/pkg/core"
)

func TestJSON_StrictNumbers(t *testing.T) {
	data := []byte(`{"big": 9007199254740993, "name": "x"}`)

	var loose map[string]any
	require.NoError(t, codec.NewJSON(false).Unmarshal(data, &loose))
	assert.IsType(t, float64(0), loose["big"])

	var strict map[string]any
	require.NoError(t, codec.NewJSON(true).Unmarshal(data, &strict))
	assert.Equal(t, json.Number("9007199254740993"), strict["big"])
}

func TestJSON_InvalidInput(t *testing.T) {
	var v map[string]any
	err := codec.NewJSON(false).Unmarshal([]byte("{"), &v)
	assert.ErrorContains(t, err, "invalid json")
}

func TestYAML_NestedMapsNormalized(t *testing.T) {
	c := codec.NewYAML()
	data, err := c.Marshal(map[string]any{
		"title": "hello",
		"meta":  map[string]any{"tags": []any{"a", "b"}},
	})
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, c.Unmarshal(data, &out))
	assert.Equal(t, "hello", out["title"])

	meta, ok := out["meta"].(map[string]any)
	require.True(t, ok, "nested map should decode as map[string]any, got %T", out["meta"])
	assert.Equal(t, []any{"a", "b"}, meta["tags"])
}

func TestYAML_NonStringKeys(t *testing.T) {
	var out map[string]any
	require.NoError(t, codec.NewYAML().Unmarshal([]byte("codes:\n  1: one\n  2: two\n"), &out))

	codes, ok := out["codes"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "one", codes["1"])
}

func TestByName(t *testing.T) {
	c, err := codec.ByName("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = codec.ByName("yaml")
	require.NoError(t, err)
	assert.Equal(t, "yaml", c.Name())

	_, err = codec.ByName("toml")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)

	assert.Equal(t, []string{"json", "yaml"}, codec.Names())
}
