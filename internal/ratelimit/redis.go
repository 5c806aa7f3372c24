package ratelimit

import (
	"context"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const keyPrefix = "cookiegateway:ratelimit:"

type RedisRateLimiter struct {
	client *redis.Client
}

func NewRedisRateLimiter(client *redis.Client) *RedisRateLimiter {
	return &RedisRateLimiter{client: client}
}

// NewRedisClient parses redisURL and verifies the server answers.
func NewRedisClient(ctx context.Context, redisURL string) (*redis.Client, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return client, nil
}

func (r *RedisRateLimiter) Allow(ctx context.Context, key string, limit int) (bool, int, time.Time, error) {
	redisKey := keyPrefix + key
	now := time.Now()
	member := uuid.NewString()

	pipe := r.client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, redisKey, "0", strconv.FormatInt(now.Add(-Window).UnixNano(), 10))
	pipe.ZAdd(ctx, redisKey, redis.Z{Score: float64(now.UnixNano()), Member: member})
	countCmd := pipe.ZCard(ctx, redisKey)
	oldestCmd := pipe.ZRangeWithScores(ctx, redisKey, 0, 0)
	pipe.Expire(ctx, redisKey, Window)

	if _, err := pipe.Exec(ctx); err != nil {
		return false, 0, time.Time{}, err
	}

	resetAt := now.Add(Window)
	if oldest := oldestCmd.Val(); len(oldest) > 0 {
		resetAt = time.Unix(0, int64(oldest[0].Score)).Add(Window)
	}

	count := int(countCmd.Val())
	if count > limit {
		// Rejected requests do not consume quota.
		if err := r.client.ZRem(ctx, redisKey, member).Err(); err != nil {
			return false, 0, resetAt, err
		}
		return false, 0, resetAt, nil
	}

	return true, limit - count, resetAt, nil
}
