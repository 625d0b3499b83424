package hashes

import (
	"context"

	"github.com/redis/go-redis/v9"
)

var redisKnownBadKey = "hashes/known-bad"
var redisNotesKey = "hashes/notes"

type RedisRegistry struct {
	Client *redis.Client
}

func NewRedisRegistry(redisURL string) (*RedisRegistry, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}
	rdb := redis.NewClient(opt)
	// check redis connection
	_, err = rdb.Ping(context.TODO()).Result()
	if err != nil {
		return nil, err
	}
	return &RedisRegistry{Client: rdb}, nil
}

func (r *RedisRegistry) IsKnownBad(ctx context.Context, hash string) (bool, error) {
	return r.Client.SIsMember(ctx, redisKnownBadKey, hash).Result()
}

func (r *RedisRegistry) Add(ctx context.Context, hash, note string) error {
	h, err := NormalizeHash(hash)
	if err != nil {
		return err
	}
	multi := r.Client.TxPipeline()
	multi.SAdd(ctx, redisKnownBadKey, h)
	if note != "" {
		multi.HSet(ctx, redisNotesKey, h, note)
	}
	_, err = multi.Exec(ctx)
	return err
}
