package db

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOpen_InMemory(t *testing.T) {
	ctx := context.Background()
	db, err := Open(ctx, Options{})
	require.NoError(t, err)
	defer db.Close()

	v, err := Version(ctx, db)
	require.NoError(t, err)
	assert.Equal(t, int64(2), v)

	for _, table := range []string{"memories", "cost_reports"} {
		var n int
		err := db.QueryRowContext(ctx, "SELECT COUNT(*) FROM sqlite_master WHERE type='table' AND name=?", table).Scan(&n)
		require.NoError(t, err)
		assert.Equal(t, 1, n, table)
	}
}

func TestOpen_FileIsIdempotent(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "rlmloop.db")

	db, err := Open(ctx, Options{Path: path, CreateIfNotExists: true})
	require.NoError(t, err)
	_, err = db.ExecContext(ctx, "INSERT INTO memories (id, content, kind, created_at, accessed_at) VALUES ('m1', 'x', 'fact', 1, 1)")
	require.NoError(t, err)
	require.NoError(t, db.Close())

	db, err = Open(ctx, Options{Path: path})
	require.NoError(t, err)
	defer db.Close()

	var n int
	require.NoError(t, db.QueryRowContext(ctx, "SELECT COUNT(*) FROM memories").Scan(&n))
	assert.Equal(t, 1, n)
}
