package service

import (
	"context"
	"testing"

	"feedgraph/internal/identity"
	"feedgraph/internal/models"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFollowService_Symmetry(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	ctx := context.Background()

	res, err := u.Follows.Follow(ctx, "V")
	require.NoError(t, err)
	assert.True(t, res.Success)
	assert.True(t, u.Follows.IsFollowing("V"))

	following, err := u.Follows.Following(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, []string{"V"}, following)
	followers, err := u.Follows.Followers(ctx, "V")
	require.NoError(t, err)
	assert.Equal(t, []string{"U"}, followers)

	_, err = u.Follows.Follow(ctx, "W")
	require.NoError(t, err)
	following, err = u.Follows.Following(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, []string{"V", "W"}, following)

	_, err = u.Follows.Unfollow(ctx, "V")
	require.NoError(t, err)
	assert.False(t, u.Follows.IsFollowing("V"))
	assert.Nil(t, raw(t, u.Layout().Following("U").Get("V")))
	assert.Nil(t, raw(t, u.Layout().Followers("V").Get("U")))

	following, err = u.Follows.Following(ctx, "U")
	require.NoError(t, err)
	assert.Equal(t, []string{"W"}, following)
	followers, err = u.Follows.Followers(ctx, "V")
	require.NoError(t, err)
	assert.Empty(t, followers)
}

func TestFollowService_InvalidTargets(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	anon := newTestClient(t, g, "", nil)
	ctx := context.Background()

	tests := []struct {
		name   string
		client *Client
		target string
		code   string
	}{
		{"self", u, "U", models.CodeInvalidTarget},
		{"empty", u, "  ", models.CodeInvalidTarget},
		{"no session", anon, "V", models.CodeUnauthenticated},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res, err := tt.client.Follows.Follow(ctx, tt.target)
			assert.True(t, models.IsCode(err, tt.code))
			assert.False(t, res.Success)

			_, err = tt.client.Follows.Unfollow(ctx, tt.target)
			assert.True(t, models.IsCode(err, tt.code))
		})
	}

	following, err := u.Follows.Following(ctx, "U")
	require.NoError(t, err)
	assert.Empty(t, following)
}

func TestFollowService_Sync(t *testing.T) {
	g := newTestGraph(t)
	u := newTestClient(t, g, "U", nil)
	ctx := context.Background()

	// Another device of the same identity.
	other := newTestClient(t, g, "U", nil)
	_, err := other.Follows.Follow(ctx, "V")
	require.NoError(t, err)
	assert.False(t, u.Follows.IsFollowing("V"))

	require.NoError(t, u.Follows.Sync(ctx))
	assert.True(t, u.Follows.IsFollowing("V"))

	_, err = other.Follows.Follow(ctx, "W")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return u.Follows.IsFollowing("W") }, waitFor, tick)

	_, err = other.Follows.Unfollow(ctx, "V")
	require.NoError(t, err)
	assert.Eventually(t, func() bool { return !u.Follows.IsFollowing("V") }, waitFor, tick)

	before := g.ActiveListeners()
	u.Follows.Close()
	assert.Equal(t, before-1, g.ActiveListeners())

	anon := u.View(identity.Anonymous)
	assert.True(t, models.IsCode(anon.Follows.Sync(ctx), models.CodeUnauthenticated))
}
