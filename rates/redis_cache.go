package rates

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

const cacheKeyPrefix = "payroll:rate:"

// RedisClient is the subset of *redis.Client the cache needs.
type RedisClient interface {
	Get(ctx context.Context, key string) *redis.StringCmd
	Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd
}

// Connect initializes a Redis client from a redis:// URL or host:port.
func Connect(_ context.Context, redisURL string) (*redis.Client, error) {
	if strings.HasPrefix(redisURL, "redis://") || strings.HasPrefix(redisURL, "rediss://") {
		opt, err := redis.ParseURL(redisURL)
		if err != nil {
			return nil, fmt.Errorf("rates: parse redis url: %w", err)
		}
		return redis.NewClient(opt), nil
	}
	return redis.NewClient(&redis.Options{Addr: redisURL}), nil
}

// RedisCache memoises profiles from an upstream source for ttl. Only found
// profiles are cached. Cache errors fall through to the upstream.
type RedisCache struct {
	client   RedisClient
	upstream Source
	ttl      time.Duration
	logger   *slog.Logger
}

func NewRedisCache(client RedisClient, upstream Source, ttl time.Duration, logger *slog.Logger) *RedisCache {
	if logger == nil {
		logger = slog.Default()
	}
	if ttl <= 0 {
		ttl = time.Hour
	}
	return &RedisCache{
		client:   client,
		upstream: upstream,
		ttl:      ttl,
		logger:   logger.With("module", "rates", "component", "redis_cache"),
	}
}

func (c *RedisCache) FetchRateProfile(ctx context.Context, workerID string) (RateProfile, error) {
	key := cacheKeyPrefix + workerID

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		var p RateProfile
		if jsonErr := json.Unmarshal(raw, &p); jsonErr == nil {
			return p, nil
		}
		c.logger.WarnContext(ctx, "discarding undecodable cached profile", "worker_id", workerID)
	case !errors.Is(err, redis.Nil):
		c.logger.WarnContext(ctx, "rate cache read failed", "worker_id", workerID, "error", err)
	}

	p, err := c.upstream.FetchRateProfile(ctx, workerID)
	if err != nil {
		return RateProfile{}, err
	}

	payload, err := json.Marshal(p)
	if err != nil {
		return p, nil
	}
	if err := c.client.Set(ctx, key, payload, c.ttl).Err(); err != nil {
		c.logger.WarnContext(ctx, "rate cache write failed", "worker_id", workerID, "error", err)
	}
	return p, nil
}
