// Package memstore is an in-process graph backend. It is the replica used by
// tests and by single-node deployments.
package memstore

import (
	"context"
	"errors"
	"sync"

	"feedgraph/internal/graph"
)

// ErrClosed is returned by operations on a closed store.
var ErrClosed = errors.New("memstore: closed")

type field struct {
	value any
	graph.FieldState
}

// Store keeps every node in memory.
type Store struct {
	mu     sync.RWMutex
	nodes  map[string]map[string]field
	hub    *graph.Hub
	closed bool
}

// New returns an empty Store.
func New() *Store {
	return &Store{
		nodes: make(map[string]map[string]field),
		hub:   graph.NewHub(),
	}
}

// Name implements graph.Backend.
func (s *Store) Name() string { return "memory" }

// Merge implements graph.Backend.
func (s *Store) Merge(ctx context.Context, soul string, fields map[string]any, state int64) ([]graph.Change, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrClosed
	}
	node, ok := s.nodes[soul]
	if !ok {
		node = make(map[string]field, len(fields))
		s.nodes[soul] = node
	}

	var changes []graph.Change
	for _, k := range graph.SortedKeys(fields) {
		v, err := graph.Normalize(fields[k])
		if err != nil {
			s.mu.Unlock()
			return changes, err
		}
		enc, err := graph.Encode(v)
		if err != nil {
			s.mu.Unlock()
			return changes, err
		}
		var cur *graph.FieldState
		if f, ok := node[k]; ok {
			cur = &f.FieldState
		}
		if !graph.Decide(soul, cur, state, enc) {
			continue
		}
		node[k] = field{value: v, FieldState: graph.FieldState{Encoded: enc, State: state}}
		changes = append(changes, graph.Change{Soul: soul, Key: k, Value: v, State: state})
	}
	s.mu.Unlock()

	s.hub.Publish(changes)
	return changes, nil
}

// Read implements graph.Backend.
func (s *Store) Read(ctx context.Context, soul string) (graph.Node, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrClosed
	}
	node, ok := s.nodes[soul]
	if !ok {
		return nil, nil
	}
	out := make(graph.Node, len(node))
	for k, f := range node {
		out[k] = f.value
	}
	return out, nil
}

// ReadField implements graph.Backend.
func (s *Store) ReadField(ctx context.Context, soul, key string) (any, bool, error) {
	if err := ctx.Err(); err != nil {
		return nil, false, err
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, false, ErrClosed
	}
	f, ok := s.nodes[soul][key]
	return f.value, ok, nil
}

// Watch implements graph.Backend.
func (s *Store) Watch(soul string, fn func(graph.Change)) (func(), error) {
	s.mu.RLock()
	closed := s.closed
	s.mu.RUnlock()
	if closed {
		return nil, ErrClosed
	}
	return s.hub.Watch(soul, fn), nil
}

// Watchers returns the number of registered watchers.
func (s *Store) Watchers() int {
	return s.hub.Len()
}

// Souls returns the number of nodes held.
func (s *Store) Souls() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Close implements graph.Backend.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
