package metadata

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vodsync/vodsync/internal/model"
)

func openTestDB(t *testing.T) *DB {
	t.Helper()
	db, err := Open(filepath.Join(t.TempDir(), "catalog.db"), "test-pass")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, db.Initialize(context.Background()))
	return db
}

func TestUpsertIsIdempotent(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	rec := model.NewVideoRecord("v1", "First")
	rec.Episodes = []string{"https://cdn/ep1.m3u8"}
	rec.Metadata = map[string]string{"desc": "a show"}

	require.NoError(t, db.Upsert(ctx, rec))
	require.NoError(t, db.Upsert(ctx, rec))

	ok, err := db.Has(ctx, "v1")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestDeleteAbsentRow(t *testing.T) {
	db := openTestDB(t)
	ctx := context.Background()

	assert.NoError(t, db.Delete(ctx, "missing"))

	rec := model.NewVideoRecord("v2", "Second")
	require.NoError(t, db.Upsert(ctx, rec))
	require.NoError(t, db.Delete(ctx, "v2"))

	ok, err := db.Has(ctx, "v2")
	require.NoError(t, err)
	assert.False(t, ok)
}
