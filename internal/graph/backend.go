package graph

import (
	"context"
	"sort"
	"sync"
)

// Backend is a single replica of the graph store.
type Backend interface {
	// Merge applies fields to the node at soul with the given write state and
	// returns the changes that won the last-write-wins comparison.
	Merge(ctx context.Context, soul string, fields map[string]any, state int64) ([]Change, error)

	// Read returns the current fields of soul, or nil when the node is unknown.
	Read(ctx context.Context, soul string) (Node, error)

	// ReadField returns one field of soul. ok is false when the field has
	// never been written; a tombstone reads as (nil, true).
	ReadField(ctx context.Context, soul, key string) (value any, ok bool, err error)

	// Watch registers fn for every change accepted on soul after the call.
	// The returned stop function is idempotent.
	Watch(soul string, fn func(Change)) (func(), error)

	// Name identifies the backend in logs and metrics.
	Name() string

	Close() error
}

// Hub fans accepted changes out to in-process watchers.
type Hub struct {
	mu       sync.RWMutex
	next     uint64
	watchers map[string]map[uint64]func(Change)
}

// NewHub returns an empty Hub.
func NewHub() *Hub {
	return &Hub{watchers: make(map[string]map[uint64]func(Change))}
}

// Watch registers fn for changes on soul.
func (h *Hub) Watch(soul string, fn func(Change)) func() {
	h.mu.Lock()
	h.next++
	id := h.next
	ws, ok := h.watchers[soul]
	if !ok {
		ws = make(map[uint64]func(Change))
		h.watchers[soul] = ws
	}
	ws[id] = fn
	h.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			h.mu.Lock()
			defer h.mu.Unlock()
			if ws, ok := h.watchers[soul]; ok {
				delete(ws, id)
				if len(ws) == 0 {
					delete(h.watchers, soul)
				}
			}
		})
	}
}

// Publish delivers changes to the watchers of their souls.
func (h *Hub) Publish(changes []Change) {
	for _, c := range changes {
		h.mu.RLock()
		ws := h.watchers[c.Soul]
		fns := make([]func(Change), 0, len(ws))
		ids := make([]uint64, 0, len(ws))
		for id := range ws {
			ids = append(ids, id)
		}
		sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
		for _, id := range ids {
			fns = append(fns, ws[id])
		}
		h.mu.RUnlock()
		for _, fn := range fns {
			fn(c)
		}
	}
}

// Watched reports whether soul has at least one watcher.
func (h *Hub) Watched(soul string) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.watchers[soul]) > 0
}

// Len returns the number of registered watchers.
func (h *Hub) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	n := 0
	for _, ws := range h.watchers {
		n += len(ws)
	}
	return n
}

// SortedKeys returns the keys of fields in lexical order.
func SortedKeys[V any](fields map[string]V) []string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
