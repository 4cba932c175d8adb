// Package testutil provides shared fixtures for graph and service tests.
package testutil

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"feedgraph/internal/graph"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	EventuallyTimeout = 2 * time.Second
	PollInterval      = 10 * time.Millisecond
)

// BackendFactory returns a fresh, empty backend.
type BackendFactory func(t *testing.T) graph.Backend

// RunBackendSuite checks the last-write-wins contract every backend must
// honour.
func RunBackendSuite(t *testing.T, newBackend BackendFactory) {
	t.Run("merge then read", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		changes, err := b.Merge(ctx, "node", map[string]any{"a": "x", "n": 3, "ok": true}, 10)
		require.NoError(t, err)
		assert.Len(t, changes, 3)

		n, err := b.Read(ctx, "node")
		require.NoError(t, err)
		assert.Equal(t, graph.Node{"a": "x", "n": float64(3), "ok": true}, n)

		missing, err := b.Read(ctx, "unknown")
		require.NoError(t, err)
		assert.Empty(t, missing)
	})

	t.Run("read single field", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Merge(ctx, "node", map[string]any{"a": "x", "gone": "y"}, 10)
		require.NoError(t, err)
		_, err = b.Merge(ctx, "node", map[string]any{"gone": nil}, 11)
		require.NoError(t, err)

		v, ok, err := b.ReadField(ctx, "node", "a")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, "x", v)

		v, ok, err = b.ReadField(ctx, "node", "gone")
		require.NoError(t, err)
		assert.True(t, ok, "tombstones are written fields")
		assert.Nil(t, v)

		_, ok, err = b.ReadField(ctx, "node", "never")
		require.NoError(t, err)
		assert.False(t, ok)

		_, ok, err = b.ReadField(ctx, "unknown", "a")
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("higher state wins", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Merge(ctx, "node", map[string]any{"a": "new"}, 20)
		require.NoError(t, err)
		changes, err := b.Merge(ctx, "node", map[string]any{"a": "old"}, 10)
		require.NoError(t, err)
		assert.Empty(t, changes, "stale write rejected")

		n, err := b.Read(ctx, "node")
		require.NoError(t, err)
		assert.Equal(t, "new", n["a"])
	})

	t.Run("equal state ties on encoding", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Merge(ctx, "node", map[string]any{"a": "b"}, 10)
		require.NoError(t, err)
		_, err = b.Merge(ctx, "node", map[string]any{"a": "a"}, 10)
		require.NoError(t, err)
		_, err = b.Merge(ctx, "node", map[string]any{"a": "c"}, 10)
		require.NoError(t, err)

		n, err := b.Read(ctx, "node")
		require.NoError(t, err)
		assert.Equal(t, "c", n["a"])
	})

	t.Run("links and tombstones", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Merge(ctx, "parent", map[string]any{"child": graph.Link{Soul: "parent/child"}}, 10)
		require.NoError(t, err)
		n, err := b.Read(ctx, "parent")
		require.NoError(t, err)
		link, ok := graph.AsLink(n["child"])
		require.True(t, ok)
		assert.Equal(t, "parent/child", link.Soul)

		_, err = b.Merge(ctx, "parent", map[string]any{"child": nil}, 11)
		require.NoError(t, err)
		n, err = b.Read(ctx, "parent")
		require.NoError(t, err)
		v, present := n["child"]
		assert.True(t, present)
		assert.Nil(t, v)
	})

	t.Run("content addressed souls are append only", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		_, err := b.Merge(ctx, "#posts", map[string]any{"h1": "soul-1"}, 10)
		require.NoError(t, err)
		changes, err := b.Merge(ctx, "#posts", map[string]any{"h1": "other", "h2": "soul-2"}, 99)
		require.NoError(t, err)
		require.Len(t, changes, 1)
		assert.Equal(t, "h2", changes[0].Key)

		_, err = b.Merge(ctx, "#posts", map[string]any{"h1": nil}, 100)
		require.NoError(t, err)

		n, err := b.Read(ctx, "#posts")
		require.NoError(t, err)
		assert.Equal(t, "soul-1", n["h1"])
		assert.Equal(t, "soul-2", n["h2"])
	})

	t.Run("watch delivers accepted changes until stopped", func(t *testing.T) {
		b := newBackend(t)
		ctx := context.Background()

		var mu sync.Mutex
		var seen []graph.Change
		stop, err := b.Watch("watched", func(c graph.Change) {
			mu.Lock()
			seen = append(seen, c)
			mu.Unlock()
		})
		require.NoError(t, err)
		count := func() int {
			mu.Lock()
			defer mu.Unlock()
			return len(seen)
		}

		// Remote backends subscribe asynchronously; keep writing until one lands.
		var state atomic.Int64
		state.Store(100)
		require.Eventually(t, func() bool {
			_, err := b.Merge(ctx, "watched", map[string]any{"k": "v"}, state.Add(1))
			return err == nil && count() > 0
		}, EventuallyTimeout, 5*PollInterval)

		mu.Lock()
		first := seen[0]
		mu.Unlock()
		assert.Equal(t, "watched", first.Soul)
		assert.Equal(t, "k", first.Key)
		assert.Equal(t, "v", first.Value)

		_, err = b.Merge(ctx, "other", map[string]any{"k": "v"}, state.Add(1))
		require.NoError(t, err)

		stop()
		stop()
		time.Sleep(5 * PollInterval)
		settled := count()
		_, err = b.Merge(ctx, "watched", map[string]any{"k": "after"}, state.Add(1))
		require.NoError(t, err)
		assert.Never(t, func() bool { return count() > settled }, 10*PollInterval, PollInterval)

		mu.Lock()
		defer mu.Unlock()
		for _, c := range seen {
			assert.Equal(t, "watched", c.Soul)
		}
	})

	t.Run("graph over backend", func(t *testing.T) {
		g := graph.New(newBackend(t))
		t.Cleanup(func() { _ = g.Close() })
		ctx := context.Background()

		require.NoError(t, g.Get("app").Get("users").Get("u1").Put(ctx, map[string]any{"name": "ada"}))
		n, err := g.Get("app").Get("users").Get("u1").OnceNode(ctx)
		require.NoError(t, err)
		assert.Equal(t, "ada", n.String("name"))

		users, err := g.Get("app").Get("users").Map().Once(ctx)
		require.NoError(t, err)
		assert.Contains(t, users, "u1")
	})
}
