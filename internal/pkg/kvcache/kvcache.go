package kvcache

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

const keyPrefix = "marketboard:cache:"

// Cache 是基于 Redis 的 JSON 缓存，所有键带独立 TTL。
//
// 缓存是可选依赖：任何读写失败都降级为「未命中」并记录 warn 日志，
// 调用方总是可以回源到存储层重建。
type Cache struct {
	rdb    *redis.Client
	logger *slog.Logger
}

// New 创建缓存客户端。rdb 为 nil 时所有操作都是未命中/空操作。
func New(rdb *redis.Client, logger *slog.Logger) *Cache {
	return &Cache{rdb: rdb, logger: logger}
}

// GetJSON 读取并反序列化缓存值，未命中或出错时返回 false。
func (c *Cache) GetJSON(ctx context.Context, key string, dest any) bool {
	if c == nil || c.rdb == nil {
		return false
	}
	raw, err := c.rdb.Get(ctx, keyPrefix+key).Result()
	if err == redis.Nil {
		return false
	}
	if err != nil {
		c.warn("cache read failed", key, err)
		return false
	}
	if err := json.Unmarshal([]byte(raw), dest); err != nil {
		c.warn("cache value unmarshal failed", key, err)
		return false
	}
	return true
}

// PutJSON 序列化并写入缓存值。写失败只记日志，不向上传播。
func (c *Cache) PutJSON(ctx context.Context, key string, value any, ttl time.Duration) {
	if c == nil || c.rdb == nil {
		return
	}
	data, err := json.Marshal(value)
	if err != nil {
		c.warn("cache value marshal failed", key, err)
		return
	}
	if err := c.rdb.Set(ctx, keyPrefix+key, data, ttl).Err(); err != nil {
		c.warn("cache write failed", key, err)
	}
}

// Delete 删除缓存键。
func (c *Cache) Delete(ctx context.Context, key string) {
	if c == nil || c.rdb == nil {
		return
	}
	if err := c.rdb.Del(ctx, keyPrefix+key).Err(); err != nil {
		c.warn("cache delete failed", key, err)
	}
}

func (c *Cache) warn(msg, key string, err error) {
	if c.logger != nil {
		c.logger.Warn(msg, slog.String("key", key), slog.String("error", err.Error()))
	}
}

// 键构造函数：集中定义，避免散落的字符串拼接。

func LatestPriceKey(itemID int) string {
	return fmt.Sprintf("item:%d:latest", itemID)
}

func ListingsKey(itemID int) string {
	return fmt.Sprintf("item:%d:listings", itemID)
}

func AnalyticsKey(kind string) string {
	return "analytics:" + kind
}

func MarketableItemsKey() string {
	return "items:marketable"
}
