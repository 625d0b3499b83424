package visual

import (
	"context"
	"encoding/json"
	"time"

	"github.com/go-redis/cache/v9"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/redis/go-redis/v9"

	"github.com/unicon-campus/unimod/moderation"
)

// AnalysisCache remembers aggregated results by content hash, so re-uploads
// of the same bytes skip the vendors.
type AnalysisCache interface {
	Get(ctx context.Context, hash string) (*moderation.AIAnalysis, error)
	Set(ctx context.Context, hash string, val *moderation.AIAnalysis) error
}

type MemCache struct {
	Data *expirable.LRU[string, moderation.AIAnalysis]
}

func NewMemCache(capacity int, ttl time.Duration) MemCache {
	return MemCache{
		Data: expirable.NewLRU[string, moderation.AIAnalysis](capacity, nil, ttl),
	}
}

// Get returns nil on a miss.
func (c MemCache) Get(ctx context.Context, hash string) (*moderation.AIAnalysis, error) {
	v, ok := c.Data.Get(hash)
	if !ok {
		return nil, nil
	}
	return &v, nil
}

func (c MemCache) Set(ctx context.Context, hash string, val *moderation.AIAnalysis) error {
	c.Data.Add(hash, *val)
	return nil
}

type RedisCache struct {
	Data *cache.Cache
	TTL  time.Duration
}

var _ AnalysisCache = (*RedisCache)(nil)

func NewRedisCache(redisURL string, ttl time.Duration) (*RedisCache, error) {
	ctx := context.Background()
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(ctx).Result()
	if err != nil {
		return nil, err
	}
	data := cache.New(&cache.Options{
		Redis:      rdb,
		LocalCache: cache.NewTinyLFU(10_000, ttl),
	})
	return &RedisCache{
		Data: data,
		TTL:  ttl,
	}, nil
}

func redisCacheKey(hash string) string {
	return "cache/ai-analysis/" + hash
}

func (c *RedisCache) Get(ctx context.Context, hash string) (*moderation.AIAnalysis, error) {
	var raw string
	err := c.Data.Get(ctx, redisCacheKey(hash), &raw)
	if err == cache.ErrCacheMiss {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out moderation.AIAnalysis
	if err := json.Unmarshal([]byte(raw), &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *RedisCache) Set(ctx context.Context, hash string, val *moderation.AIAnalysis) error {
	raw, err := json.Marshal(val)
	if err != nil {
		return err
	}
	return c.Data.Set(&cache.Item{
		Ctx:   ctx,
		Key:   redisCacheKey(hash),
		Value: string(raw),
		TTL:   c.TTL,
	})
}
