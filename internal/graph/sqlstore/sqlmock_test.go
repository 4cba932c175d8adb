package sqlstore

import (
	"context"
	"errors"
	"regexp"
	"sync/atomic"
	"testing"

	"feedgraph/internal/graph"
	"feedgraph/internal/observability"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
)

// setupMockStore returns a postgres-dialect store over sqlmock. The schema
// migration is skipped; only the statements a merge or read issues are mocked.
func setupMockStore(t *testing.T) (*Store, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)

	gormDB, err := gorm.Open(postgres.New(postgres.Config{
		Conn: db,
	}), &gorm.Config{})
	require.NoError(t, err)

	return &Store{
		db:     gormDB,
		hub:    graph.NewHub(),
		logger: observability.NewStoreLogger("sql"),
	}, mock
}

func watchCount(s *Store, soul string) *atomic.Int32 {
	var n atomic.Int32
	s.hub.Watch(soul, func(graph.Change) { n.Add(1) })
	return &n
}

func TestMerge_PostgresUpsert(t *testing.T) {
	s, mock := setupMockStore(t)
	seen := watchCount(s, "users/alice/profile")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1 AND field IN ($2,$3)`)).
		WithArgs("users/alice/profile", "bio", "displayName").
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}).
			AddRow("users/alice/profile", "bio", `"old"`, 5))
	mock.ExpectExec(`INSERT INTO "graph_fields" .* ON CONFLICT .* DO UPDATE SET .* WHERE graph_fields\.state < excluded\.state .* graph_fields\.value COLLATE "C" < excluded\.value COLLATE "C"`).
		WillReturnResult(sqlmock.NewResult(0, 2))
	mock.ExpectCommit()

	changes, err := s.Merge(context.Background(), "users/alice/profile",
		map[string]any{"displayName": "Alice", "bio": "new"}, 10)
	require.NoError(t, err)
	assert.Len(t, changes, 2)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Equal(t, int32(2), seen.Load())
}

func TestMerge_ContentAddressedDoesNothingOnConflict(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1 AND field IN ($2)`)).
		WithArgs("#posts", "abc").
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}))
	mock.ExpectExec(`INSERT INTO "graph_fields" .* ON CONFLICT .* DO NOTHING`).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	_, err := s.Merge(context.Background(), "#posts", map[string]any{"abc": "soul-1"}, 10)
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestMerge_StaleWriteSkipsInsert(t *testing.T) {
	s, mock := setupMockStore(t)
	seen := watchCount(s, "n")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields"`)).
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}).
			AddRow("n", "a", `"newer"`, 20))
	mock.ExpectCommit()

	changes, err := s.Merge(context.Background(), "n", map[string]any{"a": "older"}, 10)
	require.NoError(t, err)
	assert.Empty(t, changes)
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, seen.Load())
}

func TestMerge_FailureRollsBack(t *testing.T) {
	s, mock := setupMockStore(t)
	seen := watchCount(s, "n")

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields"`)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.Merge(context.Background(), "n", map[string]any{"a": "x"}, 10)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql merge")
	assert.NoError(t, mock.ExpectationsWereMet())
	assert.Zero(t, seen.Load(), "failed merges publish nothing")
}

func TestRead_Failure(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1`)).
		WithArgs("n").
		WillReturnError(errors.New("connection reset"))

	_, err := s.Read(context.Background(), "n")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "sql read")
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestRead_SkipsUndecodableRows(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1`)).
		WithArgs("n").
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}).
			AddRow("n", "good", `"x"`, 1).
			AddRow("n", "bad", `{not json`, 1))

	node, err := s.Read(context.Background(), "n")
	require.NoError(t, err)
	assert.Equal(t, graph.Node{"good": "x"}, node)
}

func TestReadField(t *testing.T) {
	s, mock := setupMockStore(t)

	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1 AND field = $2`)).
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}).
			AddRow("#posts", "abc", `"soul-1"`, 3))
	mock.ExpectQuery(regexp.QuoteMeta(`SELECT * FROM "graph_fields" WHERE soul = $1 AND field = $2`)).
		WillReturnRows(sqlmock.NewRows([]string{"soul", "field", "value", "state"}))

	v, ok, err := s.ReadField(context.Background(), "#posts", "abc")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "soul-1", v)

	_, ok, err = s.ReadField(context.Background(), "#posts", "missing")
	require.NoError(t, err)
	assert.False(t, ok)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestLWWCondition(t *testing.T) {
	assert.Contains(t, lwwCondition("postgres"), `COLLATE "C"`)
	assert.NotContains(t, lwwCondition("sqlite"), "COLLATE")
}
