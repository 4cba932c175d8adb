package graph_test

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"feedgraph/internal/graph"
	"feedgraph/internal/graph/memstore"
	"feedgraph/internal/testutil"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newGraph(t *testing.T, opts ...graph.Option) *graph.Graph {
	t.Helper()
	g := graph.New(memstore.New(), opts...)
	t.Cleanup(func() { _ = g.Close() })
	return g
}

type events struct {
	mu   sync.Mutex
	keys []string
	vals []any
}

func (e *events) add(k string, v any) {
	e.mu.Lock()
	e.keys = append(e.keys, k)
	e.vals = append(e.vals, v)
	e.mu.Unlock()
}

func (e *events) len() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.keys)
}

func (e *events) last() (string, any) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.keys[len(e.keys)-1], e.vals[len(e.vals)-1]
}

func TestRef_PutLinksThePath(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	post := g.Get("app").Get("posts").Get("p1")
	require.NoError(t, post.Put(ctx, map[string]any{
		"text":   "hi",
		"author": map[string]any{"pub": "U"},
	}))

	assert.Equal(t, "app/posts/p1", post.Soul())
	assert.Equal(t, "p1", post.Key())
	assert.Equal(t, "app/posts", post.Back().Soul())

	v, ok, err := g.Get("app").Get("posts").Raw(ctx)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, graph.Link{Soul: "app/posts"}, v)

	n, err := post.OnceNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", n.String("text"))
	link, ok := n.Link("author")
	require.True(t, ok)

	author, err := g.Get(link.Soul).OnceNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "U", author.String("pub"))

	text, err := post.Get("text").Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, "hi", text)
}

func TestRef_PutFieldAndLinks(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	target := g.Get("content")
	require.NoError(t, target.Put(ctx, map[string]any{"text": "body"}))
	require.NoError(t, g.Get("index").Get("h1").Put(ctx, target))

	raw, _, err := g.Get("index").Get("h1").Raw(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Link{Soul: "content"}, raw)

	// Once follows links.
	n, err := g.Get("index").Get("h1").OnceNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "body", n.String("text"))

	require.NoError(t, g.Get("index").Get("h1").Put(ctx, nil))
	v, ok, err := g.Get("index").Get("h1").Raw(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Nil(t, v)

	_, ok, err = g.Get("index").Get("never").Raw(ctx)
	require.NoError(t, err)
	assert.False(t, ok)

	assert.ErrorIs(t, g.Get("root").Put(ctx, "scalar"), graph.ErrRootValue)
}

func TestRef_LastWriteWins(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	ref := g.Get("profile").Get("name")
	for _, name := range []string{"a", "b", "c"} {
		require.NoError(t, ref.Put(ctx, name))
	}
	v, err := ref.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, "c", v)
}

func TestRef_ContentAddressedIsAppendOnly(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	addr := g.Get("#posts").Get("h1")
	require.NoError(t, addr.Put(ctx, "soul-1"))
	require.NoError(t, addr.Put(ctx, "soul-2"))
	require.NoError(t, addr.Put(ctx, nil))

	v, err := addr.Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, "soul-1", v)
}

func TestRef_Set(t *testing.T) {
	var n atomic.Int32
	g := newGraph(t, graph.WithSoulGenerator(func() string {
		return "soul-" + string(rune('a'+n.Add(1)-1))
	}))
	ctx := context.Background()

	coll := g.Get("~U").Get("posts")
	first, err := coll.Set(ctx, map[string]any{"text": "one"})
	require.NoError(t, err)
	second, err := coll.Set(ctx, map[string]any{"text": "two"})
	require.NoError(t, err)

	assert.Equal(t, "soul-a", first.Soul())
	assert.Equal(t, "soul-b", second.Soul())

	children, err := coll.Map().Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, graph.Node{
		"soul-a": graph.Link{Soul: "soul-a"},
		"soul-b": graph.Link{Soul: "soul-b"},
	}, children)

	body, err := g.Get("soul-b").OnceNode(ctx)
	require.NoError(t, err)
	assert.Equal(t, "two", body.String("text"))
}

func TestMapRef_OnReplaysThenStreams(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()
	idx := g.Get("idx")

	require.NoError(t, idx.Get("a").Put(ctx, "1"))
	require.NoError(t, idx.Get("b").Put(ctx, "2"))

	var got events
	l := idx.Map().On(got.add)
	require.Eventually(t, func() bool { return got.len() >= 2 }, testutil.EventuallyTimeout, testutil.PollInterval)

	require.NoError(t, idx.Get("c").Put(ctx, "3"))
	require.Eventually(t, func() bool {
		k, v := got.last()
		return k == "c" && v == "3"
	}, testutil.EventuallyTimeout, testutil.PollInterval)

	require.NoError(t, idx.Get("a").Put(ctx, nil))
	require.Eventually(t, func() bool {
		k, v := got.last()
		return k == "a" && v == nil
	}, testutil.EventuallyTimeout, testutil.PollInterval)

	live, err := idx.Map().Once(ctx)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"b", "c"}, live.Live())

	l.Off()
	l.Off()
	assert.False(t, l.Active())
	settled := got.len()
	require.NoError(t, idx.Get("d").Put(ctx, "4"))
	assert.Never(t, func() bool { return got.len() > settled }, 10*testutil.PollInterval, testutil.PollInterval)
}

func TestRef_OnFollowsFieldAndNode(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	var mu sync.Mutex
	var values []any
	ref := g.Get("#posts").Get("h1")
	l := ref.On(func(v any) {
		mu.Lock()
		values = append(values, v)
		mu.Unlock()
	})
	defer l.Off()

	// Initial delivery of the unknown value.
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(values) == 1 && values[0] == nil
	}, testutil.EventuallyTimeout, testutil.PollInterval)

	require.NoError(t, ref.Put(ctx, "soul-1"))
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return values[len(values)-1] == "soul-1"
	}, testutil.EventuallyTimeout, testutil.PollInterval)
}

func TestGraph_ListenerAccounting(t *testing.T) {
	var delta atomic.Int32
	g := graph.New(memstore.New(), graph.WithListenerHook(func(d int) { delta.Add(int32(d)) }))

	a := g.Get("x").Map().On(func(string, any) {})
	b := g.Get("x").On(func(any) {})
	c := g.Get("y").On(func(any) {})
	assert.Equal(t, 3, g.ActiveListeners())
	assert.Equal(t, int32(3), delta.Load())

	a.Off()
	assert.Equal(t, 2, g.ActiveListeners())

	// Off on a ref detaches every listener rooted there.
	g.Get("x").Off()
	assert.False(t, b.Active())
	assert.True(t, c.Active())
	assert.Equal(t, 1, g.ActiveListeners())

	require.NoError(t, g.Close())
	require.NoError(t, g.Close())
	assert.False(t, c.Active())
	assert.Equal(t, 0, g.ActiveListeners())
	assert.Equal(t, int32(0), delta.Load())

	late := g.Get("z").On(func(any) {})
	assert.False(t, late.Active(), "listeners attached after close start detached")
}

func TestGraph_CallbacksRunOneAtATime(t *testing.T) {
	g := newGraph(t)
	ctx := context.Background()

	var running, overlap, total atomic.Int32
	l := g.Get("busy").Map().On(func(string, any) {
		if running.Add(1) > 1 {
			overlap.Add(1)
		}
		total.Add(1)
		running.Add(-1)
	})
	defer l.Off()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_ = g.Get("busy").Get(string(rune('a'+i))).Put(ctx, i)
		}(i)
	}
	wg.Wait()
	require.Eventually(t, func() bool { return total.Load() >= 8 }, testutil.EventuallyTimeout, testutil.PollInterval)
	assert.Zero(t, overlap.Load())
}

// readCounter counts whole-node reads on top of memstore.
type readCounter struct {
	*memstore.Store
	reads atomic.Int32
}

func (r *readCounter) Read(ctx context.Context, soul string) (graph.Node, error) {
	r.reads.Add(1)
	return r.Store.Read(ctx, soul)
}

func TestRef_FieldReadsSkipTheParentNode(t *testing.T) {
	b := &readCounter{Store: memstore.New()}
	g := graph.New(b)
	t.Cleanup(func() { _ = g.Close() })
	ctx := context.Background()

	for _, h := range []string{"h1", "h2", "h3"} {
		require.NoError(t, g.Get("#posts").Get(h).Put(ctx, "soul-"+h))
	}
	b.reads.Store(0)

	v, ok, err := g.Get("#posts").Get("h2").Raw(ctx)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "soul-h2", v)

	v, err = g.Get("#posts").Get("h3").Once(ctx)
	require.NoError(t, err)
	assert.Equal(t, "soul-h3", v)

	assert.Zero(t, b.reads.Load(), "primitive fields are read without loading #posts")
}
