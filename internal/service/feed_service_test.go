package service

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"feedgraph/internal/hashing"
	"feedgraph/internal/identity"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const (
	waitFor = 2 * time.Second
	tick    = 10 * time.Millisecond
)

func TestFeedService_SubscriberDedup(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	l := u.Layout()

	id := publish(t, u, PublishInput{Text: "once only"})
	post, err := u.Resolver.Resolve(context.Background(), id)
	require.NoError(t, err)
	day := layout.DayMillis(post.Timestamp)

	var got collector
	sub := u.Feed.Subscribe(TimelineRoot(day), got.add)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)

	// The same reference delivered again on every merge.
	for i := 0; i < 3; i++ {
		require.NoError(t, l.Timeline(day).Get(id).Put(context.Background(), l.Content(post.Soul)))
	}
	assert.Never(t, func() bool { return got.count(id) > 1 }, 200*time.Millisecond, tick)
	assert.Equal(t, 1, sub.Emitted())
}

func TestFeedService_WaitsForLateContent(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	l := u.Layout()
	ctx := context.Background()

	soul := "late-soul"
	id, err := hashing.PostID(ctx, &hashing.Digest{}, soul)
	require.NoError(t, err)

	var got collector
	sub := u.Feed.Subscribe(HashtagRoot("late"), got.add)
	defer sub.Cancel()

	// Index entry races ahead of the address table and the content.
	require.NoError(t, l.HashtagPosts("late").Get(id).Put(ctx, map[string]any{"hash": id, "timestamp": 1}))
	require.Eventually(t, func() bool { return sub.Pending() == 1 }, waitFor, tick)

	require.NoError(t, l.Address(id).Put(ctx, soul))
	// Partially replicated content is not emitted.
	require.NoError(t, l.Content(soul).Put(ctx, map[string]any{"authorPub": "W"}))
	assert.Never(t, func() bool { return got.len() > 0 }, 150*time.Millisecond, tick)

	require.NoError(t, l.Content(soul).Put(ctx, map[string]any{"text": "finally", "timestamp": 5}))
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, "finally", got.all()[0].Text)
	assert.Equal(t, id, got.all()[0].ID)
	assert.Eventually(t, func() bool { return sub.Pending() == 0 }, waitFor, tick)
}

func TestFeedService_PlaceholderProfile(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "author-public-key", nil)
	reader := newTestClient(t, g, "reader", nil)

	_, err := u.Profiles.Update(context.Background(), ProfileUpdate{DisplayName: strPtr("Ada")})
	require.NoError(t, err)
	id := publish(t, u, PublishInput{Text: "#profiles"})

	var got collector
	sub := reader.Feed.Subscribe(HashtagRoot("profiles"), got.add)
	defer sub.Cancel()

	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	p := got.all()[0]
	assert.Equal(t, id, p.ID)
	require.NotNil(t, p.Author)
	assert.True(t, p.Author.Placeholder)
	assert.Equal(t, "author-p", p.Author.DisplayName)

	// The real profile is loaded in the background.
	assert.Eventually(t, func() bool {
		prof, ok := reader.Profiles.Cache().Get("author-public-key")
		return ok && prof.DisplayName == "Ada"
	}, waitFor, tick)

	var again collector
	sub2 := reader.Feed.Subscribe(HashtagRoot("profiles"), again.add)
	defer sub2.Cancel()
	require.Eventually(t, func() bool { return again.len() == 1 }, waitFor, tick)
	assert.Equal(t, "Ada", again.all()[0].Author.DisplayName)
	assert.False(t, again.all()[0].Author.Placeholder)
}

func TestFeedService_CancelDetachesEverything(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	l := u.Layout()
	ctx := context.Background()

	before := g.ActiveListeners()

	var got collector
	sub := u.Feed.Subscribe(TimelineRoot("2024-03-02"), got.add)

	// One resolved entry and one parked on a nested listener.
	id := publish(t, u, PublishInput{Text: "resolved"})
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	require.NoError(t, l.Timeline("2024-03-02").Get("dangling").Put(ctx, l.Content("nowhere")))
	require.Eventually(t, func() bool { return sub.Pending() == 1 }, waitFor, tick)
	assert.Greater(t, g.ActiveListeners(), before)

	sub.Cancel()
	sub.Cancel()
	assert.True(t, sub.Cancelled())
	assert.Equal(t, before, g.ActiveListeners())
	assert.Equal(t, 0, u.Feed.Active())

	publish(t, u, PublishInput{Text: "after cancel"})
	assert.Never(t, func() bool { return got.len() > 1 }, 200*time.Millisecond, tick)
	assert.Equal(t, id, got.all()[0].ID)
}

func TestFeedService_GraceWindow(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)

	t.Run("empty index reports once", func(t *testing.T) {
		var empty atomic.Int32
		sub := u.Feed.Subscribe(HashtagRoot("nothing"), func(_ models.Post) {},
			WithGraceWindow(50*time.Millisecond, func() { empty.Add(1) }))
		defer sub.Cancel()

		assert.Eventually(t, func() bool { return empty.Load() == 1 }, waitFor, tick)
		assert.Never(t, func() bool { return empty.Load() > 1 }, 100*time.Millisecond, tick)
	})

	t.Run("first post stops the timer", func(t *testing.T) {
		publish(t, u, PublishInput{Text: "#busy"})
		var empty atomic.Int32
		var got collector
		sub := u.Feed.Subscribe(HashtagRoot("busy"), got.add,
			WithGraceWindow(150*time.Millisecond, func() { empty.Add(1) }))
		defer sub.Cancel()

		require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
		assert.Never(t, func() bool { return empty.Load() > 0 }, 300*time.Millisecond, tick)
	})

	t.Run("cancel stops the timer", func(t *testing.T) {
		var empty atomic.Int32
		sub := u.Feed.Subscribe(HashtagRoot("quiet"), func(_ models.Post) {},
			WithGraceWindow(50*time.Millisecond, func() { empty.Add(1) }))
		sub.Cancel()
		assert.Never(t, func() bool { return empty.Load() > 0 }, 150*time.Millisecond, tick)
	})
}

func TestFeedService_OnRemove(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)

	id := publish(t, u, PublishInput{Text: "short lived"})

	var got collector
	removed := make(chan string, 1)
	sub := u.Feed.Subscribe(AuthorRoot("U"), got.add, WithOnRemove(func(hash string) { removed <- hash }))
	defer sub.Cancel()
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)

	_, err := u.Deletes.DeletePost(context.Background(), id)
	require.NoError(t, err)

	select {
	case h := <-removed:
		assert.Equal(t, id, h)
	case <-time.After(waitFor):
		t.Fatal("removal not reported")
	}
}

func TestFeedService_AuthorIndexReposts(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	v := newTestClient(t, g, "V", nil)

	theirs := publish(t, u, PublishInput{Text: "original"})
	mine := publish(t, v, PublishInput{Text: "my own"})
	_, err := v.Posts.Repost(context.Background(), theirs)
	require.NoError(t, err)

	var got collector
	sub := u.Feed.Subscribe(AuthorRoot("V"), got.add)
	defer sub.Cancel()
	require.Eventually(t, func() bool { return got.len() == 2 }, waitFor, tick)

	for _, p := range got.all() {
		switch p.ID {
		case theirs:
			assert.True(t, p.Reposted)
			assert.Equal(t, "V", p.RepostedBy)
			assert.Equal(t, "U", p.AuthorPub)
		case mine:
			assert.False(t, p.Reposted)
			assert.Empty(t, p.RepostedBy)
		default:
			t.Fatalf("unexpected post %s", p.ID)
		}
	}
}

func TestFeedService_TimelineAndCollect(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)

	first := publish(t, u, PublishInput{Text: "first"})
	second := publish(t, u, PublishInput{Text: "second"})
	third := publish(t, u, PublishInput{Text: "third"})

	posts, err := u.Feed.Collect(context.Background(), u.Feed.TimelineRoots(0), CollectOptions{
		Grace:  time.Second,
		Settle: 100 * time.Millisecond,
	})
	require.NoError(t, err)
	require.Len(t, posts, 3)
	assert.Equal(t, []string{third, second, first}, []string{posts[0].ID, posts[1].ID, posts[2].ID})

	limited, err := u.Feed.Collect(context.Background(), u.Feed.TimelineRoots(1), CollectOptions{
		Grace:  time.Second,
		Settle: 100 * time.Millisecond,
		Limit:  2,
	})
	require.NoError(t, err)
	assert.Len(t, limited, 2)

	var got collector
	sub := u.Feed.SubscribeTimeline(2, got.add)
	defer sub.Cancel()
	assert.Len(t, sub.Roots(), 2)
	require.Eventually(t, func() bool { return got.len() == 3 }, waitFor, tick)

	empty, err := u.Feed.Collect(context.Background(), []IndexRoot{HashtagRoot("none")}, CollectOptions{
		Grace: 50 * time.Millisecond,
	})
	require.NoError(t, err)
	assert.Empty(t, empty)
	assert.Equal(t, 1, u.Feed.Active(), "collect cancels its own subscription")
}

func TestFeedService_RepliesRoot(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	v := newTestClient(t, g, "V", nil)

	parent := publish(t, u, PublishInput{Text: "parent"})

	var got collector
	sub := u.Feed.Subscribe(RepliesRoot(parent), got.add)
	defer sub.Cancel()

	reply := publish(t, v, PublishInput{Text: "a reply", ReplyTo: parent})
	require.Eventually(t, func() bool { return got.len() == 1 }, waitFor, tick)
	assert.Equal(t, reply, got.all()[0].ID)
	assert.Equal(t, parent, got.all()[0].ReplyTo)
}

func TestClient_CloseCancelsSubscriptions(t *testing.T) {
	g := newTestGraph(t)
	c := NewClient(g, nil, nil, Options{Namespace: testApp})
	before := g.ActiveListeners()

	c.Feed.Subscribe(TimelineRoot("2024-01-01"), func(models.Post) {})
	c.Feed.Subscribe(HashtagRoot("x"), func(models.Post) {})
	assert.Equal(t, 2, c.Feed.Active())
	assert.Equal(t, before+2, g.ActiveListeners())

	c.Close()
	assert.Equal(t, 0, c.Feed.Active())
	assert.Equal(t, before, g.ActiveListeners())
}

func TestClient_ViewSharesCache(t *testing.T) {
	g := newTestGraph(t)
	c := newTestClient(t, g, "", nil)
	view := c.View(identity.Static("U"))
	defer view.Close()

	_, err := view.Profiles.Update(context.Background(), ProfileUpdate{Bio: strPtr("hi")})
	require.NoError(t, err)

	p, ok := c.Profiles.Cache().Get("U")
	require.True(t, ok)
	assert.Equal(t, "hi", p.Bio)
	assert.Equal(t, "", c.Session().CurrentPub())
	assert.Equal(t, "U", view.Session().CurrentPub())
	assert.Same(t, c.Graph(), view.Graph())
}
