package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/redis/go-redis/v9"
)

// RedisStorage keeps each bucket in a redis hash and tracks bucket names in a set.
//
// Layout:
//
//	<prefix>:buckets          set of bucket names
//	<prefix>:bucket:<name>    hash of key -> snapshot
type RedisStorage struct {
	client *redis.Client
	prefix string
}

type redisCache struct {
	storage *RedisStorage
	name    string
}

func NewRedisClient(addr, password string, db int) *redis.Client {
	return redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
}

// NewRedis creates a redis storage. An empty prefix defaults to "offline-proxy".
func NewRedis(client *redis.Client, prefix string) *RedisStorage {
	if prefix == "" {
		prefix = "offline-proxy"
	}
	return &RedisStorage{client: client, prefix: prefix}
}

func (r *RedisStorage) bucketsKey() string {
	return r.prefix + ":buckets"
}

func (r *RedisStorage) bucketKey(name string) string {
	return r.prefix + ":bucket:" + name
}

// Init checks connectivity
func (r *RedisStorage) Init(ctx context.Context) error {
	if err := r.client.Ping(ctx).Err(); err != nil {
		return fmt.Errorf("failed to reach redis: %w", err)
	}
	return nil
}

func (r *RedisStorage) Close() error {
	return r.client.Close()
}

func (r *RedisStorage) Open(ctx context.Context, name string) (Cache, error) {
	if err := ValidateName(name); err != nil {
		return nil, err
	}
	if err := r.client.SAdd(ctx, r.bucketsKey(), name).Err(); err != nil {
		return nil, fmt.Errorf("failed to create bucket %s: %w", name, err)
	}
	return &redisCache{storage: r, name: name}, nil
}

func (r *RedisStorage) Has(ctx context.Context, name string) (bool, error) {
	return r.client.SIsMember(ctx, r.bucketsKey(), name).Result()
}

func (r *RedisStorage) Delete(ctx context.Context, name string) (bool, error) {
	var removed *redis.IntCmd
	_, err := r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		removed = pipe.SRem(ctx, r.bucketsKey(), name)
		pipe.Del(ctx, r.bucketKey(name))
		return nil
	})
	if err != nil {
		return false, fmt.Errorf("failed to delete bucket %s: %w", name, err)
	}
	return removed.Val() > 0, nil
}

func (r *RedisStorage) Keys(ctx context.Context) ([]string, error) {
	names, err := r.client.SMembers(ctx, r.bucketsKey()).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(names)
	return names, nil
}

func (c *redisCache) Name() string { return c.name }

func (c *redisCache) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := c.storage.client.HGet(ctx, c.storage.bucketKey(c.name), key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return val, nil
}

func (c *redisCache) Set(ctx context.Context, key string, value []byte) error {
	if err := ValidateKey(key); err != nil {
		return err
	}
	ok, err := c.storage.client.SIsMember(ctx, c.storage.bucketsKey(), c.name).Result()
	if err != nil {
		return err
	}
	if !ok {
		return ErrBucketNotFound
	}
	return c.storage.client.HSet(ctx, c.storage.bucketKey(c.name), key, value).Err()
}

func (c *redisCache) Delete(ctx context.Context, key string) (bool, error) {
	n, err := c.storage.client.HDel(ctx, c.storage.bucketKey(c.name), key).Result()
	if err != nil {
		return false, err
	}
	return n > 0, nil
}

func (c *redisCache) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.storage.client.HKeys(ctx, c.storage.bucketKey(c.name)).Result()
	if err != nil {
		return nil, err
	}
	slices.Sort(keys)
	return keys, nil
}
