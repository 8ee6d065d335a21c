package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/smallbiznis/usagesvc/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLocalBucketBurstThenDeny(t *testing.T) {
	b := NewLocalBucket()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		assert.True(t, b.Allow("u1", 1, 3).Allowed)
	}
	denied := b.Allow("u1", 1, 3)
	assert.False(t, denied.Allowed)
	assert.Equal(t, 0, denied.Remaining)
	assert.Equal(t, time.Second, denied.RetryAfter)

	// keys are independent
	assert.True(t, b.Allow("u2", 1, 3).Allowed)

	now = now.Add(time.Second)
	assert.True(t, b.Allow("u1", 1, 3).Allowed)
}

func TestLocalBucketSweepsIdleKeys(t *testing.T) {
	b := NewLocalBucket()
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	b.now = func() time.Time { return now }

	b.Allow("idle", 1, 1)
	now = now.Add(2 * localIdleTTL)
	b.Allow("fresh", 1, 1)

	assert.Equal(t, 1, b.size())
}

func TestUsageIngestLimiterDisabled(t *testing.T) {
	l, err := NewUsageIngestLimiter(config.Config{}, nil)
	require.NoError(t, err)
	assert.Nil(t, l)
	assert.False(t, l.Enabled())

	res, err := l.AllowUser(context.Background(), "u1")
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.NoError(t, l.Close())
}

func TestUsageIngestLimiterRejectsBadConfig(t *testing.T) {
	_, err := NewUsageIngestLimiter(config.Config{RateLimit: config.RateLimitConfig{Enabled: true}}, nil)
	assert.Error(t, err)
}

func TestUsageIngestLimiterFallsBackWhenRedisDown(t *testing.T) {
	cfg := config.Config{RateLimit: config.RateLimitConfig{
		Enabled:   true,
		RedisAddr: "127.0.0.1:1",
		UserRate:  0.001,
		UserBurst: 2,
	}}
	l, err := NewUsageIngestLimiter(cfg, nil)
	require.NoError(t, err)

	ctx := context.Background()
	for i := 0; i < 2; i++ {
		res, err := l.AllowUser(ctx, "u1")
		require.NoError(t, err)
		assert.True(t, res.Allowed)
	}
	res, err := l.AllowUser(ctx, "u1")
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Positive(t, res.RetryAfter)

	_, err = l.AllowUser(ctx, " ")
	assert.Error(t, err)
	assert.NoError(t, l.Close())
}

func TestRetryAfter(t *testing.T) {
	assert.Zero(t, retryAfter(true, 0, 1))
	assert.Equal(t, 500*time.Millisecond, retryAfter(false, 0, 2))
	assert.Equal(t, 250*time.Millisecond, retryAfter(false, 0.5, 2))
}
