package identity

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKeypair(t *testing.T) {
	a, err := NewKeypair()
	require.NoError(t, err)
	b, err := NewKeypair()
	require.NoError(t, err)

	assert.NotEmpty(t, a.CurrentPub())
	assert.NotEqual(t, a.Pub, b.Pub)
	assert.NotContains(t, a.Pub, "/")
	assert.Len(t, Short(a.Pub), 8)
	assert.Equal(t, "abc", Short("abc"))
}

func TestKeypair_SignVerify(t *testing.T) {
	a, err := NewKeypair()
	require.NoError(t, err)
	b, err := NewKeypair()
	require.NoError(t, err)

	msg := []byte("users/a/profile")
	sig := a.Sign(msg)
	assert.NoError(t, Verify(a.Pub, msg, sig))
	assert.ErrorIs(t, Verify(a.Pub, []byte("tampered"), sig), ErrBadSignature)
	assert.ErrorIs(t, Verify(b.Pub, msg, sig), ErrBadSignature)
	assert.ErrorIs(t, Verify(a.Pub, msg, "!!"), ErrBadSignature)
	assert.Error(t, Verify("not-a-key", msg, sig))
}

func TestTokens_RoundTrip(t *testing.T) {
	tokens := NewTokens("secure-secret-at-least-32-chars-long", time.Hour)

	tok, err := tokens.Issue("alice-pub")
	require.NoError(t, err)

	sub, err := tokens.Parse(tok)
	require.NoError(t, err)
	assert.Equal(t, "alice-pub", sub)
}

func TestTokens_Rejects(t *testing.T) {
	tokens := NewTokens("secure-secret-at-least-32-chars-long", time.Hour)
	other := NewTokens("another-secret-at-least-32-chars-long", time.Hour)

	tok, err := other.Issue("alice-pub")
	require.NoError(t, err)
	_, err = tokens.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Parse("not-a-token")
	assert.ErrorIs(t, err, ErrInvalidToken)

	expired := NewTokens("secure-secret-at-least-32-chars-long", time.Minute)
	expired.now = func() time.Time { return time.Now().Add(-time.Hour) }
	tok, err = expired.Issue("alice-pub")
	require.NoError(t, err)
	_, err = tokens.Parse(tok)
	assert.ErrorIs(t, err, ErrInvalidToken)

	_, err = tokens.Issue("")
	assert.Error(t, err)
}

func TestSessionContext(t *testing.T) {
	ctx := context.Background()
	assert.Equal(t, "", FromContext(ctx).CurrentPub())

	ctx = WithSession(ctx, Static("bob"))
	assert.Equal(t, "bob", FromContext(ctx).CurrentPub())
}
