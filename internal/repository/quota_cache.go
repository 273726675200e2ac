package repository

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/go-redis/redis/v8"

	"djidji-uploader/internal/model"
)

// QuotaCache 缓存最近一次从服务端获取的配额，供进程重启后立即展示。
type QuotaCache interface {
	Get(ctx context.Context) (model.QuotaSnapshot, bool, error)
	Set(ctx context.Context, q model.QuotaSnapshot) error
}

// redisQuotaCache 是 QuotaCache 接口的 Redis 实现。
type redisQuotaCache struct {
	client *redis.Client
	key    string
	ttl    time.Duration
}

// NewRedisQuotaCache 创建一个 Redis 配额缓存，每个 agent 一个键。
func NewRedisQuotaCache(client *redis.Client, agent string, ttl time.Duration) QuotaCache {
	return &redisQuotaCache{client: client, key: quotaKey(agent), ttl: ttl}
}

func quotaKey(agent string) string {
	return "djidji:quota:" + agent
}

// Get 读取缓存的配额，键不存在时返回 false。
func (c *redisQuotaCache) Get(ctx context.Context) (model.QuotaSnapshot, bool, error) {
	data, err := c.client.Get(ctx, c.key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return model.QuotaSnapshot{}, false, nil
		}
		return model.QuotaSnapshot{}, false, err
	}
	var q model.QuotaSnapshot
	if err := json.Unmarshal(data, &q); err != nil {
		return model.QuotaSnapshot{}, false, err
	}
	return q, true, nil
}

// Set 写入配额并设置过期时间。
func (c *redisQuotaCache) Set(ctx context.Context, q model.QuotaSnapshot) error {
	data, err := json.Marshal(q)
	if err != nil {
		return err
	}
	return c.client.Set(ctx, c.key, data, c.ttl).Err()
}
