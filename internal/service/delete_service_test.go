package service

import (
	"context"
	"testing"
	"time"

	"feedgraph/internal/hashing"
	"feedgraph/internal/layout"
	"feedgraph/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeleteService_CascadeScenario(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)
	v := newTestClient(t, g, "V", clock)
	w := newTestClient(t, g, "W", clock)
	l := u.Layout()
	ctx := context.Background()

	root := publish(t, u, PublishInput{Text: "root #thread"})
	r1 := publish(t, v, PublishInput{Text: "first reply #thread", ReplyTo: root})
	r2 := publish(t, v, PublishInput{Text: "second reply", ReplyTo: root})
	nested := publish(t, w, PublishInput{Text: "nested", ReplyTo: r1})

	res, err := u.Deletes.DeletePost(ctx, root)
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.Equal(t, root, res.ID)
	assert.Positive(t, res.Pruned)

	day := layout.Day(clock.Now())
	for _, id := range []string{root, r1, r2, nested} {
		assert.Nil(t, raw(t, l.Timeline(day).Get(id)), "timeline entry of %s", id)
	}
	assert.Nil(t, raw(t, l.UserPosts("U").Get(root)))
	assert.Nil(t, raw(t, l.UserPosts("V").Get(r1)))
	assert.Nil(t, raw(t, l.UserPosts("W").Get(nested)))
	assert.Nil(t, raw(t, l.Post(r1).Get("replyTo")))
	assert.Nil(t, raw(t, l.Post(nested).Get("replyTo")))
	assert.Nil(t, raw(t, l.HashtagPosts("thread").Get(root)))
	assert.Nil(t, raw(t, l.HashtagPosts("thread").Get(r1)))

	// The reply tree stays walkable for a re-run.
	assert.NotNil(t, raw(t, l.Replies(root).Get(r1)))
	assert.NotNil(t, raw(t, l.Replies(r1).Get(nested)))

	// Content-addressed entries are append-only.
	post, err := u.Resolver.Resolve(ctx, root)
	require.NoError(t, err)
	assert.Equal(t, "root #thread", post.Text)

	again, err := u.Deletes.DeletePost(ctx, root)
	require.NoError(t, err)
	assert.True(t, again.Success)
}

func TestDeleteService_LookbackShards(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)
	l := u.Layout()
	ctx := context.Background()

	id := publish(t, u, PublishInput{Text: "everywhere"})
	post, err := u.Resolver.Resolve(ctx, id)
	require.NoError(t, err)

	// A stale entry in an older shard from an earlier fan-out.
	days := layout.Days(clock.Now(), 7)
	require.Len(t, days, 7)
	require.NoError(t, l.Timeline(days[4]).Get(id).Put(ctx, l.Content(post.Soul)))

	_, err = u.Deletes.DeletePost(ctx, id)
	require.NoError(t, err)

	for _, day := range days {
		v, ok, err := l.Timeline(day).Get(id).Raw(ctx)
		require.NoError(t, err)
		assert.True(t, ok, "shard %s carries a tombstone", day)
		assert.Nil(t, v)
	}
}

func TestDeleteService_ResolutionFallbacks(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	l := u.Layout()
	ctx := context.Background()

	// unindexed writes a post's content without an address entry.
	unindexed := func(t *testing.T, text string) (id, soul string) {
		ref, err := l.Private("U").Set(ctx, map[string]any{
			"text":      text,
			"authorPub": "U",
			"timestamp": u.Options().Now().UnixMilli(),
		})
		require.NoError(t, err)
		id, err = hashing.PostID(ctx, &hashing.Digest{}, ref.Soul())
		require.NoError(t, err)
		return id, ref.Soul()
	}

	t.Run("timeline shard", func(t *testing.T) {
		id, soul := unindexed(t, "timeline only")
		day := layout.Day(u.Options().Now())
		require.NoError(t, l.Timeline(day).Get(id).Put(ctx, l.Content(soul)))

		res, err := u.Deletes.DeletePost(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Nil(t, raw(t, l.Timeline(day).Get(id)))
	})

	t.Run("author index", func(t *testing.T) {
		id, soul := unindexed(t, "author index only")
		require.NoError(t, l.UserPosts("U").Get(id).Put(ctx, map[string]any{"soul": soul, "hash": id}))

		res, err := u.Deletes.DeletePost(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Nil(t, raw(t, l.UserPosts("U").Get(id)))
	})

	t.Run("scan of private posts", func(t *testing.T) {
		id, _ := unindexed(t, "never indexed")

		res, err := u.Deletes.DeletePost(ctx, id)
		require.NoError(t, err)
		assert.True(t, res.Success)
		assert.Equal(t, id, res.ID)
	})
}

func TestDeleteService_Failures(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	v := newTestClient(t, g, "V", nil)
	anon := newTestClient(t, g, "", nil)
	ctx := context.Background()

	id := publish(t, u, PublishInput{Text: "protected"})

	tests := []struct {
		name   string
		client *Client
		id     string
		code   string
	}{
		{"not the author", v, id, models.CodeForbidden},
		{"unknown hash", u, "deadbeef", models.CodeNotFound},
		{"no session", anon, id, models.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.client.Deletes.DeletePost(ctx, tt.id)
			require.Error(t, err)
			assert.True(t, models.IsCode(err, tt.code), err.Error())
			assert.False(t, res.Success)
		})
	}

	assert.NotNil(t, raw(t, u.Layout().UserPosts("U").Get(id)), "failed deletes write nothing")
}

func TestDeleteService_RemovesReposts(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)
	v := newTestClient(t, g, "V", clock)
	w := newTestClient(t, g, "W", clock)
	l := u.Layout()
	ctx := context.Background()

	root := publish(t, u, PublishInput{Text: "regret"})
	reply := publish(t, v, PublishInput{Text: "me too", ReplyTo: root})
	_, err := v.Posts.Repost(ctx, root)
	require.NoError(t, err)
	_, err = w.Posts.Repost(ctx, reply)
	require.NoError(t, err)

	_, err = u.Deletes.DeletePost(ctx, root)
	require.NoError(t, err)

	assert.Nil(t, raw(t, l.UserPosts("V").Get(root)))
	assert.Nil(t, raw(t, l.UserPosts("W").Get(reply)))

	posts, err := v.Feed.Collect(ctx, []IndexRoot{AuthorRoot("V"), AuthorRoot("W")}, CollectOptions{Grace: 50 * time.Millisecond})
	require.NoError(t, err)
	assert.Empty(t, posts)
}

func TestDeleteService_CascadeSkipsForgedReplies(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	victim := newTestClient(t, g, "VICTIM", clock)
	mal := newTestClient(t, g, "MAL", clock)
	l := victim.Layout()
	ctx := context.Background()

	target := publish(t, victim, PublishInput{Text: "second #mine"})
	own := publish(t, mal, PublishInput{Text: "bait"})

	_, err := mal.Deletes.DeletePost(ctx, target)
	require.True(t, models.IsCode(err, models.CodeForbidden))

	// A replies entry under MAL's post naming a post that is not a reply to it.
	require.NoError(t, l.Replies(own).Get(target).Put(ctx, map[string]any{"hash": target}))

	res, err := mal.Deletes.DeletePost(ctx, own)
	require.NoError(t, err)
	assert.True(t, res.Success)

	day := layout.Day(clock.Now())
	assert.NotNil(t, raw(t, l.UserPosts("VICTIM").Get(target)))
	assert.NotNil(t, raw(t, l.Timeline(day).Get(target)))
	assert.NotNil(t, raw(t, l.HashtagPosts("mine").Get(target)))
	assert.Nil(t, raw(t, l.Timeline(day).Get(own)))
}

func TestDeleteService_CascadeLeavesUnresolvedReplies(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)
	l := u.Layout()
	ctx := context.Background()

	root := publish(t, u, PublishInput{Text: "root"})
	day := layout.Day(clock.Now())
	require.NoError(t, l.Replies(root).Get("cafebabe").Put(ctx, map[string]any{"hash": "cafebabe"}))
	require.NoError(t, l.Timeline(day).Get("cafebabe").Put(ctx, l.Content("elsewhere")))

	_, err := u.Deletes.DeletePost(ctx, root)
	require.NoError(t, err)
	assert.NotNil(t, raw(t, l.Timeline(day).Get("cafebabe")), "entries with no verifiable back-link stay")
}

func TestDeleteService_RejectsMismatchedIndexLinks(t *testing.T) {
	g := newTestGraph(t)
	clock := newFakeClock()
	u := newTestClient(t, g, "U", clock)
	l := u.Layout()
	ctx := context.Background()

	id := publish(t, u, PublishInput{Text: "mine"})
	post, err := u.Resolver.Resolve(ctx, id)
	require.NoError(t, err)

	// A timeline entry under a hash that is not the hash of the linked soul.
	forged := "feedface"
	require.NoError(t, l.Timeline(layout.Day(clock.Now())).Get(forged).Put(ctx, l.Content(post.Soul)))
	require.NoError(t, l.UserPosts("U").Get(forged).Put(ctx, map[string]any{"soul": post.Soul, "hash": forged}))

	_, err = u.Resolver.FromSoul(ctx, forged, post.Soul)
	assert.Error(t, err)

	_, err = u.Deletes.DeletePost(ctx, forged)
	require.Error(t, err)
	assert.True(t, models.IsCode(err, models.CodeNotFound), err.Error())
	assert.NotNil(t, raw(t, l.UserPosts("U").Get(id)))
}
