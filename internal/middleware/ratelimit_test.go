package middleware

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/gofiber/fiber/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func setupRedis(t *testing.T) (*miniredis.Miniredis, *redis.Client) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return mr, rdb
}

func TestCheckRateLimit(t *testing.T) {
	mr, rdb := setupRedis(t)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := CheckRateLimit(ctx, rdb, "posts", "pub:a", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := CheckRateLimit(ctx, rdb, "posts", "pub:a", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = CheckRateLimit(ctx, rdb, "posts", "pub:b", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "limits are per identity")

	mr.FastForward(time.Minute + time.Second)
	ok, err = CheckRateLimit(ctx, rdb, "posts", "pub:a", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, ok, "window expired")

	_, err = CheckRateLimit(ctx, nil, "posts", "pub:a", 3, time.Minute)
	assert.ErrorIs(t, err, ErrNoLimiter)
}

func TestRateLimit_Middleware(t *testing.T) {
	mr, rdb := setupRedis(t)

	app := fiber.New()
	app.Post("/limited", RateLimit(rdb, 2, time.Minute, "posts", FailOpen), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	app.Post("/closed", RateLimit(rdb, 2, time.Minute, "closed", FailClosed), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})
	app.Post("/disabled", RateLimit(nil, 1, time.Minute, "off", FailClosed), func(c *fiber.Ctx) error {
		return c.SendStatus(fiber.StatusCreated)
	})

	post := func(path string) int {
		resp, err := app.Test(httptest.NewRequest(http.MethodPost, path, nil))
		require.NoError(t, err)
		return resp.StatusCode
	}

	assert.Equal(t, http.StatusCreated, post("/limited"))
	assert.Equal(t, http.StatusCreated, post("/limited"))
	assert.Equal(t, http.StatusTooManyRequests, post("/limited"))

	for i := 0; i < 3; i++ {
		assert.Equal(t, http.StatusCreated, post("/disabled"))
	}

	mr.Close()
	assert.Equal(t, http.StatusServiceUnavailable, post("/closed"))
	assert.Equal(t, http.StatusCreated, post("/limited"), "fail open when redis is down")
}
