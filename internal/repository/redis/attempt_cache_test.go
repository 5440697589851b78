package redis

import (
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"otp-service/internal/client"
	"otp-service/internal/config"
	"otp-service/internal/util"
)

func newTestCache(t *testing.T) (*AttemptCache, *miniredis.Miniredis) {
	t.Helper()

	mr := miniredis.RunT(t)

	cfg := &config.Config{
		Redis: config.RedisConfig{
			URL:      "redis://" + mr.Addr(),
			PoolSize: 10,
		},
	}
	redisClient, err := client.NewRedisClient(cfg, util.Get())
	require.NoError(t, err)
	t.Cleanup(func() { redisClient.Close() })

	return NewAttemptCache(redisClient), mr
}

func TestIncrementAndCount(t *testing.T) {
	cache, mr := newTestCache(t)

	t.Run("counts from zero", func(t *testing.T) {
		count, err := cache.Count(KindLoginFailure, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})

	t.Run("increments sequentially", func(t *testing.T) {
		for want := 1; want <= 3; want++ {
			count, err := cache.Increment(KindLoginFailure, "user-1", time.Hour)
			require.NoError(t, err)
			assert.Equal(t, want, count)
		}

		count, err := cache.Count(KindLoginFailure, "user-1")
		require.NoError(t, err)
		assert.Equal(t, 3, count)
	})

	t.Run("kinds do not share counters", func(t *testing.T) {
		count, err := cache.Increment(KindIssueRate, "user-1", time.Hour)
		require.NoError(t, err)
		assert.Equal(t, 1, count)
	})

	t.Run("counter expires with its window", func(t *testing.T) {
		_, err := cache.Increment(KindLoginFailure, "user-2", time.Minute)
		require.NoError(t, err)

		mr.FastForward(2 * time.Minute)

		count, err := cache.Count(KindLoginFailure, "user-2")
		require.NoError(t, err)
		assert.Equal(t, 0, count)
	})
}

func TestReset(t *testing.T) {
	cache, _ := newTestCache(t)

	_, err := cache.Increment(KindLoginFailure, "user-1", time.Hour)
	require.NoError(t, err)
	acquired, err := cache.AcquireCooldown(KindLoginFailure, "user-1", time.Hour)
	require.NoError(t, err)
	require.True(t, acquired)

	require.NoError(t, cache.Reset(KindLoginFailure, "user-1"))

	count, err := cache.Count(KindLoginFailure, "user-1")
	require.NoError(t, err)
	assert.Equal(t, 0, count)

	// The cooldown lock is released too.
	acquired, err = cache.AcquireCooldown(KindLoginFailure, "user-1", time.Hour)
	require.NoError(t, err)
	assert.True(t, acquired)
}

func TestAcquireCooldown(t *testing.T) {
	cache, mr := newTestCache(t)

	t.Run("only the first acquisition wins", func(t *testing.T) {
		acquired, err := cache.AcquireCooldown(KindIssueRate, "+919876543210:login:sms", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)

		acquired, err = cache.AcquireCooldown(KindIssueRate, "+919876543210:login:sms", time.Minute)
		require.NoError(t, err)
		assert.False(t, acquired)
	})

	t.Run("lock frees after its ttl", func(t *testing.T) {
		mr.FastForward(2 * time.Minute)

		acquired, err := cache.AcquireCooldown(KindIssueRate, "+919876543210:login:sms", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})

	t.Run("keys are independent", func(t *testing.T) {
		acquired, err := cache.AcquireCooldown(KindIssueRate, "+919876543210:login:email", time.Minute)
		require.NoError(t, err)
		assert.True(t, acquired)
	})
}
