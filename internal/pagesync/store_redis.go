package pagesync

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisOpTimeout = 5 * time.Second

type RedisStoreOptions struct {
	Addr     string
	Password string
	DB       int
	Key      string // hash holding every sealed value
}

// redisBackend keeps the sealed map in a single redis hash.
type redisBackend struct {
	client *redis.Client
	key    string
}

func newRedisBackend(opts RedisStoreOptions) (*redisBackend, error) {
	key := opts.Key
	if key == "" {
		key = "pagesync:store"
	}
	client := redis.NewClient(&redis.Options{
		Addr:     opts.Addr,
		Password: opts.Password,
		DB:       opts.DB,
	})
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, err
	}
	return &redisBackend{client: client, key: key}, nil
}

func (r *redisBackend) load() (map[string]string, error) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.HGetAll(ctx, r.key).Result()
}

func (r *redisBackend) put(key, blob string, _ map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.HSet(ctx, r.key, key, blob).Err()
}

func (r *redisBackend) delete(keys []string, _ map[string]string) error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.HDel(ctx, r.key, keys...).Err()
}

func (r *redisBackend) reset() error {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	return r.client.Del(ctx, r.key).Err()
}

func (r *redisBackend) close() error {
	return r.client.Close()
}
