package service

import (
	"context"
	"sync"
	"testing"
	"time"

	"feedgraph/internal/graph"
	"feedgraph/internal/graph/memstore"
	"feedgraph/internal/hashing"
	"feedgraph/internal/identity"
	"feedgraph/internal/models"

	"github.com/stretchr/testify/require"
)

const testApp = "app"

// fakeClock advances one second per call so posts get distinct timestamps.
type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2024, 3, 2, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(time.Second)
	return c.now
}

func newTestGraph(t *testing.T) *graph.Graph {
	t.Helper()
	g := graph.New(memstore.New())
	t.Cleanup(func() { _ = g.Close() })
	return g
}

func newTestClient(t *testing.T, g *graph.Graph, pub string, clock *fakeClock) *Client {
	t.Helper()
	if clock == nil {
		clock = newFakeClock()
	}
	c := NewClient(g, identity.Static(pub), &hashing.Digest{}, Options{
		Namespace:    testApp,
		LookbackDays: 7,
		GraceWindow:  300 * time.Millisecond,
		FeedDays:     3,
		Now:          clock.Now,
	})
	t.Cleanup(c.Close)
	return c
}

func publish(t *testing.T, c *Client, in PublishInput) string {
	t.Helper()
	res, err := c.Posts.Publish(context.Background(), in)
	require.NoError(t, err)
	require.True(t, res.Success)
	require.NotEmpty(t, res.ID)
	return res.ID
}

func raw(t *testing.T, ref *graph.Ref) any {
	t.Helper()
	v, _, err := ref.Raw(context.Background())
	require.NoError(t, err)
	return v
}

// collector records emitted posts from a subscription callback.
type collector struct {
	mu    sync.Mutex
	posts []models.Post
}

func (c *collector) add(p models.Post) {
	c.mu.Lock()
	c.posts = append(c.posts, p)
	c.mu.Unlock()
}

func (c *collector) len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.posts)
}

func (c *collector) all() []models.Post {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]models.Post, len(c.posts))
	copy(out, c.posts)
	return out
}

func (c *collector) count(id string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, p := range c.posts {
		if p.ID == id {
			n++
		}
	}
	return n
}

func strPtr(s string) *string { return &s }
