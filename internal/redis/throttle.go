package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// Throttle is a sliding-window counter over a Redis sorted set, shared by
// every process pushing to the same recipient. Used to cap live pushes per
// recipient so a burst of activity on one post does not spam a connected
// client; the durable path is never throttled.
type Throttle struct {
	client *Client
	logger *zap.Logger
	limit  int
	window time.Duration
}

func NewThrottle(client *Client, limit int, window time.Duration, logger *zap.Logger) *Throttle {
	if limit <= 0 {
		limit = 30
	}
	if window <= 0 {
		window = time.Minute
	}
	return &Throttle{
		client: client,
		logger: logger,
		limit:  limit,
		window: window,
	}
}

// Allow reports whether one more event fits in the key's current window and,
// if so, records it. Over-limit calls are not recorded, so a throttled
// recipient recovers as soon as old entries age out.
func (t *Throttle) Allow(ctx context.Context, key string) (bool, error) {
	now := time.Now()
	redisKey := "throttle:" + key

	pipe := t.client.rdb.Pipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-t.window).UnixNano(), 10))
	countCmd := pipe.ZCard(ctx, redisKey)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("throttle window prune: %w", err)
	}

	if int(countCmd.Val()) >= t.limit {
		t.logger.Debug("throttle limit reached",
			zap.String("key", key),
			zap.Int("limit", t.limit),
		)
		return false, nil
	}

	pipe = t.client.rdb.Pipeline()
	pipe.ZAdd(ctx, redisKey, redis.Z{
		Score:  float64(now.UnixNano()),
		Member: strconv.FormatInt(now.UnixNano(), 10),
	})
	pipe.Expire(ctx, redisKey, t.window+time.Second)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("throttle record: %w", err)
	}
	return true, nil
}
