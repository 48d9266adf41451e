package checkpoint

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func newTestSQLiteStore(t *testing.T) *SQLiteStore {
	t.Helper()
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"),
		DefaultSQLiteStoreOptions())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func TestSQLiteStoreRoundTrip(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	cp := New("run-7", []string{"fetch", "transform"})
	cp.PipelineName = "etl"
	cp.RecordStageResult(0, "fetch", map[string]any{"rows": float64(10)})
	cp.ResponseCache["key"] = map[string]any{"cached": true}

	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "run-7")
	require.NoError(t, err)
	require.NotNil(t, loaded)
	require.Equal(t, cp.StageOrder, loaded.StageOrder)
	require.Equal(t, cp.StageResults, loaded.StageResults)
	require.Equal(t, cp.ResponseCache, loaded.ResponseCache)
	require.Equal(t, 0, loaded.LastCompletedIndex)
}

func TestSQLiteStoreUpsert(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	cp := New("run-7", []string{"a", "b"})
	require.NoError(t, store.Save(ctx, cp))

	cp.RecordStageResult(1, "b", map[string]any{"done": true})
	require.NoError(t, store.Save(ctx, cp))

	loaded, err := store.Load(ctx, "run-7")
	require.NoError(t, err)
	require.Equal(t, 1, loaded.LastCompletedIndex)

	all, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, all, 1)
}

func TestSQLiteStoreLoadMissing(t *testing.T) {
	store := newTestSQLiteStore(t)

	cp, err := store.Load(context.Background(), "absent")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestSQLiteStoreDelete(t *testing.T) {
	store := newTestSQLiteStore(t)
	ctx := context.Background()

	require.NoError(t, store.Save(ctx, New("run-9", nil)))
	require.NoError(t, store.Delete(ctx, "run-9"))

	cp, err := store.Load(ctx, "run-9")
	require.NoError(t, err)
	require.Nil(t, cp)
}

func TestSQLiteStorePartialOptionsGetDefaults(t *testing.T) {
	// Only the timeout is set; the pragma and connection fields must still
	// default so the DSN is well formed and the store opens.
	store, err := NewSQLiteStore(filepath.Join(t.TempDir(), "checkpoints.db"),
		SQLiteStoreOptions{QueryTimeout: time.Second})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.Equal(t, "WAL", store.options.PragmaJournalMode)
	require.Equal(t, "NORMAL", store.options.PragmaSyncMode)
	require.Equal(t, 10, store.options.MaxConnections)
	require.Equal(t, time.Second, store.options.QueryTimeout)

	cp := New("run-partial", []string{"only"})
	require.NoError(t, store.Save(context.Background(), cp))
	loaded, err := store.Load(context.Background(), "run-partial")
	require.NoError(t, err)
	require.NotNil(t, loaded)
}
