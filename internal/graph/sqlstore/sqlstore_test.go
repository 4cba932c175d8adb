package sqlstore

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"feedgraph/internal/graph"
	"feedgraph/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newStore(t *testing.T, dsn string) *Store {
	t.Helper()
	db, err := Open(DriverSQLite, dsn, quietLogger())
	require.NoError(t, err)
	s, err := New(db)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestStore_Backend(t *testing.T) {
	testutil.RunBackendSuite(t, func(t *testing.T) graph.Backend {
		return newStore(t, ":memory:")
	})
}

func TestStore_Persists(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "graph.db")
	ctx := context.Background()

	first := newStore(t, dsn)
	_, err := first.Merge(ctx, "node", map[string]any{"a": "kept", "b": graph.Link{Soul: "other"}}, 10)
	require.NoError(t, err)
	require.NoError(t, first.Close())
	require.NoError(t, first.Close())

	second := newStore(t, dsn)
	n, err := second.Read(ctx, "node")
	require.NoError(t, err)
	assert.Equal(t, "kept", n["a"])
	assert.Equal(t, graph.Link{Soul: "other"}, n["b"])

	var rows []FieldRow
	require.NoError(t, second.db.Order("field").Find(&rows).Error)
	require.Len(t, rows, 2)
	assert.Equal(t, int64(10), rows[0].State)
	assert.Equal(t, `"kept"`, rows[0].Value)
}

func TestStore_ClosedStoreRejectsWrites(t *testing.T) {
	s := newStore(t, ":memory:")
	require.NoError(t, s.Close())

	_, err := s.Merge(context.Background(), "a", map[string]any{"x": 1}, 1)
	assert.ErrorIs(t, err, ErrClosed)
	_, err = s.Watch("a", func(graph.Change) {})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestOpen_UnknownDriver(t *testing.T) {
	_, err := Open("oracle", "", quietLogger())
	assert.Error(t, err)
}
