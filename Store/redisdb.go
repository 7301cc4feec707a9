package Store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

const redisKeyPrefix = "geostream"

// RedisCache 载荷前置缓存，所有图层共用一个连接，键按图层和层级分命名空间
type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisCache 连接并 Ping，失败时返回错误
func NewRedisCache(addr string, ttl time.Duration) (*RedisCache, error) {
	if addr == "" {
		addr = "localhost:6379"
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis 连接失败: %w", err)
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func redisKey(key TileKey) string {
	return fmt.Sprintf("%s:%s:%d:%016x", redisKeyPrefix, key.Layer, key.Level, key.ID)
}

func (c *RedisCache) Put(ctx context.Context, key TileKey, value []byte) error {
	return c.client.Set(ctx, redisKey(key), value, c.ttl).Err()
}

// PutBatch 通过 pipeline 一次写入
func (c *RedisCache) PutBatch(ctx context.Context, records map[TileKey][]byte) error {
	if len(records) == 0 {
		return nil
	}
	pipe := c.client.Pipeline()
	for k, v := range records {
		pipe.Set(ctx, redisKey(k), v, c.ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (c *RedisCache) Get(ctx context.Context, key TileKey) ([]byte, error) {
	v, err := c.client.Get(ctx, redisKey(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	return v, err
}

func (c *RedisCache) Exists(ctx context.Context, key TileKey) (bool, error) {
	n, err := c.client.Exists(ctx, redisKey(key)).Result()
	return n > 0, err
}

func (c *RedisCache) Delete(ctx context.Context, keys ...TileKey) error {
	if len(keys) == 0 {
		return nil
	}
	ks := make([]string, len(keys))
	for i, k := range keys {
		ks[i] = redisKey(k)
	}
	return c.client.Del(ctx, ks...).Err()
}

func (c *RedisCache) Close() error { return c.client.Close() }
