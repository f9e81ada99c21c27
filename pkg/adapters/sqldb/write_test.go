package sqldb

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/loamdb/pkg/core"
)

func TestWrite_RequiresUnchangedRow(t *testing.T) {
	ctx := context.Background()
	e, err := OpenSQLite(core.EngineOptions{Path: filepath.Join(t.TempDir(), "loamdb.db")})
	require.NoError(t, err)
	defer e.Close()

	require.NoError(t, e.Begin(ctx))
	first, err := e.Put(ctx, core.PutRequest{ID: "a", Body: []byte(`{}`)})
	require.NoError(t, err)
	require.NoError(t, e.End(ctx, true))

	require.NoError(t, e.Begin(ctx))
	next := core.Record{ID: "a", Revision: core.NextRevision(first.Revision), Sequence: 2, Body: []byte(`{"n":1}`)}

	written, err := e.write(ctx, next, "1-moved", true)
	require.NoError(t, err)
	assert.False(t, written, "the row no longer carries the revision that was read")

	written, err = e.write(ctx, next, "", false)
	require.NoError(t, err)
	assert.False(t, written, "the document was created in the meantime")

	written, err = e.write(ctx, next, first.Revision, true)
	require.NoError(t, err)
	assert.True(t, written)
	require.NoError(t, e.End(ctx, true))

	var rev string
	require.NoError(t, e.DB().QueryRowContext(ctx, "SELECT rev FROM documents WHERE id = ?", "a").Scan(&rev))
	assert.Equal(t, string(next.Revision), rev)
}
