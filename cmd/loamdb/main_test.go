package main

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/core"
)

// run executes the CLI with fresh flag values and settings.
func run(t *testing.T, stdin string, args ...string) (string, error) {
	t.Helper()
	viper.Reset()
	resetFlags(rootCmd)

	var out bytes.Buffer
	rootCmd.SetArgs(args)
	rootCmd.SetOut(&out)
	rootCmd.SetErr(io.Discard)
	rootCmd.SetIn(strings.NewReader(stdin))
	err := rootCmd.Execute()
	return out.String(), err
}

func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		_ = f.Value.Set(f.DefValue)
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

func TestCLI_PutGetListDelete(t *testing.T) {
	dir := t.TempDir()

	out, err := run(t, "", "-p", dir, "put", "notes/a", `{"title":"first"}`, "-t", "note")
	require.NoError(t, err)
	assert.True(t, strings.HasPrefix(out, "notes/a@1-"), out)

	_, err = run(t, `{"tags":["x"]}`, "-p", dir, "put", "notes/a", "--merge")
	require.NoError(t, err)

	out, err = run(t, "", "-p", dir, "get", "notes/a")
	require.NoError(t, err)
	assert.JSONEq(t, `{"title":"first","tags":["x"]}`, out)

	out, err = run(t, "", "-p", dir, "get", "notes/a", "--full")
	require.NoError(t, err)
	var view documentView
	require.NoError(t, json.Unmarshal([]byte(out), &view))
	assert.Equal(t, "note", view.Type)
	assert.Equal(t, uint64(2), view.Revision.Generation())

	_, err = run(t, "", "-p", dir, "put", "other", `{}`)
	require.NoError(t, err)

	out, err = run(t, "", "-p", dir, "list", "notes/**")
	require.NoError(t, err)
	assert.Contains(t, out, "notes/a")
	assert.NotContains(t, out, "other")

	out, err = run(t, "", "-p", dir, "delete", "notes/a")
	require.NoError(t, err)
	assert.Contains(t, out, "deleted notes/a@3-")

	out, err = run(t, "", "-p", dir, "delete", "notes/a")
	require.NoError(t, err)
	assert.Contains(t, out, "nothing to delete")

	_, err = run(t, "", "-p", dir, "get", "notes/a")
	assert.ErrorIs(t, err, core.ErrNotFound)

	out, err = run(t, "", "-p", dir, "list", "--deleted", "--json")
	require.NoError(t, err)
	var views []documentView
	require.NoError(t, json.Unmarshal([]byte(out), &views))
	require.Len(t, views, 2)
	assert.Equal(t, "notes/a", views[0].ID)
}

func TestCLI_PutExpectedRevision(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "", "-p", dir, "put", "doc", `{"n":1}`)
	require.NoError(t, err)

	_, err = run(t, "", "-p", dir, "put", "doc", `{"n":2}`, "--rev", "1-stale")
	assert.ErrorIs(t, err, core.ErrConflict)
}

func TestCLI_ReadOnlyFromEnvironment(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "", "-p", dir, "put", "doc", `{}`)
	require.NoError(t, err)

	t.Setenv("LOAMDB_READ_ONLY", "true")
	_, err = run(t, "", "-p", dir, "put", "doc", `{"n":1}`)
	assert.ErrorIs(t, err, core.ErrReadOnly)
}

func TestCLI_SettingsFile(t *testing.T) {
	dir := t.TempDir()
	db := filepath.Join(dir, "data", "store.db")
	settings := filepath.Join(dir, "custom.yaml")
	require.NoError(t, os.WriteFile(settings, []byte("adapter: sqlite\npath: "+db+"\n"), 0644))

	_, err := run(t, "", "--config", settings, "put", "doc", `{"n":1}`)
	require.NoError(t, err)
	_, err = os.Stat(db)
	require.NoError(t, err, "the settings file selected the sqlite engine")

	out, err := run(t, "", "--config", settings, "get", "doc")
	require.NoError(t, err)
	assert.JSONEq(t, `{"n":1}`, out)
}

func TestCLI_Stats(t *testing.T) {
	dir := t.TempDir()
	_, err := run(t, "", "-p", dir, "put", "doc", `{}`)
	require.NoError(t, err)

	out, err := run(t, "", "-p", dir, "stats")
	require.NoError(t, err)
	var state map[string]any
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	assert.Equal(t, "cli", state["name"])
	assert.Equal(t, true, state["read_only"])

	out, err = run(t, "", "-p", dir, "stats", "--prometheus")
	require.NoError(t, err)
	assert.Contains(t, out, `loamdb_saves_total{store="cli"}`)
}

func TestCLI_Version(t *testing.T) {
	out, err := run(t, "", "version")
	require.NoError(t, err)
	assert.Contains(t, out, "loamdb version ")
}

func TestCLI_Bench(t *testing.T) {
	for _, adapter := range []string{"fs", "sqlite", "memory"} {
		t.Run(adapter, func(t *testing.T) {
			out, err := run(t, "", "--adapter", adapter, "bench", "--count", "25", "--batch", "10")
			require.NoError(t, err)
			assert.Contains(t, out, "Benchmark Result (25 documents, "+adapter+")")
		})
	}

	_, err := run(t, "", "bench", "--count", "0")
	assert.ErrorIs(t, err, core.ErrInvalidArgument)
}
