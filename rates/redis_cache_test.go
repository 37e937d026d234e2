package rates

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/shopspring/decimal"
)

type fakeRedis struct {
	data    map[string]string
	getErr  error
	setKeys []string
	ttls    []time.Duration
}

func (f *fakeRedis) Get(ctx context.Context, key string) *redis.StringCmd {
	if f.getErr != nil {
		return redis.NewStringResult("", f.getErr)
	}
	v, ok := f.data[key]
	if !ok {
		return redis.NewStringResult("", redis.Nil)
	}
	return redis.NewStringResult(v, nil)
}

func (f *fakeRedis) Set(ctx context.Context, key string, value any, expiration time.Duration) *redis.StatusCmd {
	if f.data == nil {
		f.data = make(map[string]string)
	}
	f.data[key] = string(value.([]byte))
	f.setKeys = append(f.setKeys, key)
	f.ttls = append(f.ttls, expiration)
	return redis.NewStatusResult("OK", nil)
}

func TestRedisCache_MissThenHit(t *testing.T) {
	rdb := &fakeRedis{}
	upstream := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("42.50"), Currency: "USD"},
	}}
	cache := NewRedisCache(rdb, upstream, 5*time.Minute, nil)

	first, err := cache.FetchRateProfile(context.Background(), "w1")
	if err != nil {
		t.Fatalf("first fetch: %v", err)
	}
	if len(rdb.setKeys) != 1 || rdb.setKeys[0] != "payroll:rate:w1" || rdb.ttls[0] != 5*time.Minute {
		t.Fatalf("expected one cache write with ttl, got keys=%v ttls=%v", rdb.setKeys, rdb.ttls)
	}

	second, err := cache.FetchRateProfile(context.Background(), "w1")
	if err != nil {
		t.Fatalf("second fetch: %v", err)
	}
	if upstream.calls != 1 {
		t.Fatalf("expected cached read, upstream called %d times", upstream.calls)
	}
	if !second.Rate.Equal(first.Rate) || second.Classification != first.Classification {
		t.Fatalf("cached profile differs: %+v vs %+v", second, first)
	}
}

func TestRedisCache_DoesNotCacheMisses(t *testing.T) {
	rdb := &fakeRedis{}
	cache := NewRedisCache(rdb, &stubSource{}, time.Minute, nil)

	if _, err := cache.FetchRateProfile(context.Background(), "nobody"); !errors.Is(err, ErrProfileNotFound) {
		t.Fatalf("expected ErrProfileNotFound, got %v", err)
	}
	if len(rdb.setKeys) != 0 {
		t.Fatalf("missing profiles must not be cached")
	}
}

func TestRedisCache_FallsThroughOnCacheError(t *testing.T) {
	rdb := &fakeRedis{getErr: errors.New("connection refused")}
	upstream := &stubSource{profiles: map[string]RateProfile{
		"w1": {WorkerID: "w1", Classification: ClassificationHourly, Rate: decimal.RequireFromString("1"), Currency: "USD"},
	}}
	cache := NewRedisCache(rdb, upstream, time.Minute, nil)

	if _, err := cache.FetchRateProfile(context.Background(), "w1"); err != nil {
		t.Fatalf("expected upstream result despite cache failure, got %v", err)
	}
	if upstream.calls != 1 {
		t.Fatalf("expected upstream call, got %d", upstream.calls)
	}
}
