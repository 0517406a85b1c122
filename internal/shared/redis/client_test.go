package redis

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestClient(t *testing.T) (*Client, *miniredis.Miniredis) {
	t.Helper()
	s := miniredis.RunT(t)
	c, err := New(context.Background(), "redis://"+s.Addr())
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c, s
}

func TestGetSetDel(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()

	_, err := c.Get(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, c.Set(ctx, "cache:exact:a", "1", time.Minute))
	require.NoError(t, c.Set(ctx, "cache:exact:b", "2", time.Minute))
	require.NoError(t, c.Set(ctx, "other", "3", time.Minute))

	v, err := c.Get(ctx, "cache:exact:a")
	require.NoError(t, err)
	assert.Equal(t, "1", v)

	n, err := c.DelPrefix(ctx, "cache:exact:")
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	_, err = c.Get(ctx, "other")
	assert.NoError(t, err)
}

func TestSlidingWindowRPM(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	res, err := c.SlidingWindowAdmit(ctx, "rl:k", "e1", now, time.Minute, 1, 0, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)

	res, err = c.SlidingWindowAdmit(ctx, "rl:k", "e2", now.Add(10*time.Second), time.Minute, 1, 0, 10)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 50*time.Second, res.RetryAfter)

	res, err = c.SlidingWindowAdmit(ctx, "rl:k", "e3", now.Add(61*time.Second), time.Minute, 1, 0, 10)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowTPMAndAdjust(t *testing.T) {
	c, _ := newTestClient(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	res, err := c.SlidingWindowAdmit(ctx, "rl:t", "e1", now, time.Minute, 0, 100, 60)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	res, err = c.SlidingWindowAdmit(ctx, "rl:t", "e2", now, time.Minute, 0, 100, 50)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, 60, res.Tokens)

	// actual usage came in lower than the estimate
	require.NoError(t, c.SlidingWindowAdjust(ctx, "rl:t", "e1", now, time.Minute, 60, 20))

	reqs, tokens, err := c.SlidingWindowUsage(ctx, "rl:t", now, time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, reqs)
	assert.Equal(t, 20, tokens)

	res, err = c.SlidingWindowAdmit(ctx, "rl:t", "e2", now, time.Minute, 0, 100, 50)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestSlidingWindowAdjustKeepsExpiry(t *testing.T) {
	c, mr := newTestClient(t)
	ctx := context.Background()
	now := time.UnixMilli(1_700_000_000_000)

	res, err := c.SlidingWindowAdmit(ctx, "rl:t", "e1", now, time.Minute, 0, 0, 60)
	require.NoError(t, err)
	require.True(t, res.Allowed)

	// the window key lapses before the late settlement lands
	mr.FastForward(2 * time.Minute)
	require.False(t, mr.Exists("rl:t"))

	require.NoError(t, c.SlidingWindowAdjust(ctx, "rl:t", "e1", now, time.Minute, 60, 20))
	require.True(t, mr.Exists("rl:t"))
	ttl := mr.TTL("rl:t")
	assert.Greater(t, ttl, time.Duration(0))
	assert.LessOrEqual(t, ttl, time.Minute)
}
