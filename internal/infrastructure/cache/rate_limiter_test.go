package cache

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestRateLimiterSlidingWindow(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	now := time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)
	rl := NewRateLimiter(client, 3, time.Minute, zaptest.NewLogger(t))
	rl.now = func() time.Time { return now }
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		ok, err := rl.Allow(ctx, "10.0.0.1")
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.False(t, ok)

	ok, err = rl.Allow(ctx, "10.0.0.2")
	require.NoError(t, err)
	assert.True(t, ok, "keys are independent")

	now = now.Add(61 * time.Second)
	ok, err = rl.Allow(ctx, "10.0.0.1")
	require.NoError(t, err)
	assert.True(t, ok, "old requests slide out of the window")
}
