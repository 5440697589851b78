package redis

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"otp-service/internal/client"
	"otp-service/internal/util"
)

// Counter kinds. The same bounded-retry bookkeeping backs two different
// credentials: failed password logins and OTP issuance throttling.
const (
	KindLoginFailure = "login_failed"
	KindIssueRate    = "otp_issue"
)

const (
	counterPrefix  = "attempts:"
	cooldownPrefix = "cooldown:"
)

// AttemptCache implements model.AttemptCounter on Redis. Counters expire with
// their window; cooldowns are SetNX locks.
type AttemptCache struct {
	client *client.RedisClient
}

func NewAttemptCache(client *client.RedisClient) *AttemptCache {
	return &AttemptCache{client: client}
}

func counterKey(kind, key string) string {
	return counterPrefix + kind + ":" + key
}

func cooldownKey(kind, key string) string {
	return cooldownPrefix + kind + ":" + key
}

// Increment bumps the counter and refreshes its window, returning the new
// count. The INCR+EXPIRE pipeline keeps this race-free across instances.
func (c *AttemptCache) Increment(kind, key string, ttl time.Duration) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	count, err := c.client.IncrWithExpire(ctx, counterKey(kind, key), ttl)
	if err != nil {
		util.Error("Failed to increment attempt counter",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.Error(err))
		return 0, fmt.Errorf("failed to increment attempt counter: %w", err)
	}

	util.Debug("Attempt counter incremented",
		zap.String("kind", kind),
		zap.String("key", key),
		zap.Int64("count", count))

	return int(count), nil
}

func (c *AttemptCache) Count(kind, key string) (int, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	countStr, err := c.client.Get(ctx, counterKey(kind, key))
	if err != nil {
		if strings.Contains(err.Error(), "key not found") {
			return 0, nil // no attempts in the window
		}
		return 0, fmt.Errorf("failed to get attempt counter: %w", err)
	}

	count, err := strconv.Atoi(countStr)
	if err != nil {
		util.Error("Invalid attempt counter format",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.String("count_str", countStr),
			zap.Error(err))
		return 0, fmt.Errorf("invalid attempt counter format: %w", err)
	}

	return count, nil
}

func (c *AttemptCache) Reset(kind, key string) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := c.client.Del(ctx, counterKey(kind, key), cooldownKey(kind, key)); err != nil {
		util.Error("Failed to reset attempt counter",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.Error(err))
		return fmt.Errorf("failed to reset attempt counter: %w", err)
	}

	util.Debug("Attempt counter reset",
		zap.String("kind", kind),
		zap.String("key", key))

	return nil
}

// AcquireCooldown takes the throttle lock for the key. It returns false when
// the previous issuance is still cooling down.
func (c *AttemptCache) AcquireCooldown(kind, key string, ttl time.Duration) (bool, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	acquired, err := c.client.SetNX(ctx, cooldownKey(kind, key), "locked", ttl)
	if err != nil {
		util.Error("Failed to acquire cooldown lock",
			zap.String("kind", kind),
			zap.String("key", key),
			zap.Error(err))
		return false, fmt.Errorf("failed to acquire cooldown lock: %w", err)
	}

	return acquired, nil
}
