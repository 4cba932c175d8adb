// Package sqlstore is a durable graph backend on top of gorm. Each field of
// each node is one row; merges are last-write-wins upserts.
package sqlstore

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"feedgraph/internal/graph"
	"feedgraph/internal/observability"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("sqlstore: closed")

// FieldRow is the persisted form of one node field.
type FieldRow struct {
	Soul  string `gorm:"column:soul;primaryKey;size:255"`
	Field string `gorm:"column:field;primaryKey;size:255"`
	Value string `gorm:"column:value;type:text;not null"`
	State int64  `gorm:"column:state;not null"`
}

// TableName provides the explicit table binding for GORM.
func (FieldRow) TableName() string {
	return "graph_fields"
}

// Store is a gorm-backed graph replica. Watchers are in-process only.
type Store struct {
	db     *gorm.DB
	hub    *graph.Hub
	logger *observability.StoreLogger

	// mu serializes merges from this process so emitted changes match what
	// was written.
	mu     sync.Mutex
	closed bool
}

// New migrates the schema and returns a Store over db.
func New(db *gorm.DB) (*Store, error) {
	if err := db.AutoMigrate(&FieldRow{}); err != nil {
		return nil, fmt.Errorf("migrate graph_fields: %w", err)
	}
	return &Store{
		db:     db,
		hub:    graph.NewHub(),
		logger: observability.NewStoreLogger("sql"),
	}, nil
}

// Name implements graph.Backend.
func (s *Store) Name() string { return "sql" }

// Merge implements graph.Backend.
func (s *Store) Merge(ctx context.Context, soul string, fields map[string]any, state int64) ([]graph.Change, error) {
	if len(fields) == 0 {
		return nil, nil
	}
	defer observability.TrackStoreOp("sql", "merge")()

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}

	keys := graph.SortedKeys(fields)
	values := make(map[string]any, len(fields))
	rows := make([]FieldRow, 0, len(fields))
	for _, k := range keys {
		v, err := graph.Normalize(fields[k])
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		enc, err := graph.Encode(v)
		if err != nil {
			s.mu.Unlock()
			return nil, err
		}
		values[k] = v
		rows = append(rows, FieldRow{Soul: soul, Field: k, Value: enc, State: state})
	}

	var changes []graph.Change
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing []FieldRow
		if err := tx.Where("soul = ? AND field IN ?", soul, keys).Find(&existing).Error; err != nil {
			return err
		}
		current := make(map[string]*graph.FieldState, len(existing))
		for i := range existing {
			current[existing[i].Field] = &graph.FieldState{Encoded: existing[i].Value, State: existing[i].State}
		}

		accepted := make([]FieldRow, 0, len(rows))
		for _, row := range rows {
			if graph.Decide(soul, current[row.Field], row.State, row.Value) {
				accepted = append(accepted, row)
			}
		}
		if len(accepted) == 0 {
			return nil
		}

		onConflict := clause.OnConflict{
			Columns:   []clause.Column{{Name: "soul"}, {Name: "field"}},
			DoUpdates: clause.AssignmentColumns([]string{"value", "state"}),
			Where: clause.Where{Exprs: []clause.Expression{clause.Expr{
				SQL: lwwCondition(tx.Dialector.Name()),
			}}},
		}
		if graph.ContentAddressed(soul) {
			onConflict = clause.OnConflict{
				Columns:   []clause.Column{{Name: "soul"}, {Name: "field"}},
				DoNothing: true,
			}
		}
		if err := tx.Clauses(onConflict).Create(&accepted).Error; err != nil {
			return err
		}
		for _, row := range accepted {
			changes = append(changes, graph.Change{Soul: soul, Key: row.Field, Value: values[row.Field], State: row.State})
		}
		return nil
	})
	s.mu.Unlock()

	if err != nil {
		s.logger.LogError(ctx, err, "merge", soul)
		return nil, fmt.Errorf("sql merge: %w", err)
	}
	if len(changes) > 0 {
		s.logger.LogWrite(ctx, soul, len(changes))
		s.hub.Publish(changes)
	}
	return changes, nil
}

// lwwCondition is the upsert guard matching graph.Decide. Equal states tie on
// the byte order of the encoded value, so postgres compares under the C
// collation; sqlite text comparison is already binary.
func lwwCondition(dialect string) string {
	less := "graph_fields.value < excluded.value"
	if dialect == "postgres" {
		less = `graph_fields.value COLLATE "C" < excluded.value COLLATE "C"`
	}
	return "graph_fields.state < excluded.state OR (graph_fields.state = excluded.state AND " + less + ")"
}

// Read implements graph.Backend.
func (s *Store) Read(ctx context.Context, soul string) (graph.Node, error) {
	defer observability.TrackStoreOp("sql", "read")()

	var rows []FieldRow
	if err := s.db.WithContext(ctx).Where("soul = ?", soul).Find(&rows).Error; err != nil {
		s.logger.LogError(ctx, err, "read", soul)
		return nil, fmt.Errorf("sql read: %w", err)
	}
	if len(rows) == 0 {
		return nil, nil
	}
	node := make(graph.Node, len(rows))
	for _, row := range rows {
		v, err := graph.Decode(row.Value)
		if err != nil {
			s.logger.LogError(ctx, err, "decode", soul)
			continue
		}
		node[row.Field] = v
	}
	return node, nil
}

// ReadField implements graph.Backend.
func (s *Store) ReadField(ctx context.Context, soul, key string) (any, bool, error) {
	defer observability.TrackStoreOp("sql", "read_field")()

	var rows []FieldRow
	if err := s.db.WithContext(ctx).Where("soul = ? AND field = ?", soul, key).Limit(1).Find(&rows).Error; err != nil {
		s.logger.LogError(ctx, err, "read_field", soul)
		return nil, false, fmt.Errorf("sql read: %w", err)
	}
	if len(rows) == 0 {
		return nil, false, nil
	}
	v, err := graph.Decode(rows[0].Value)
	if err != nil {
		s.logger.LogError(ctx, err, "decode", soul)
		return nil, false, nil
	}
	return v, true, nil
}

// Watch implements graph.Backend.
func (s *Store) Watch(soul string, fn func(graph.Change)) (func(), error) {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil, ErrClosed
	}
	return s.hub.Watch(soul, fn), nil
}

// Close implements graph.Backend. The underlying connection pool is closed.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}
