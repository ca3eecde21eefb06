package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"sitegate/backend/internal/domain"
)

// ErrCacheMiss 缓存未命中
var ErrCacheMiss = errors.New("cache miss")

// Cache 网关读路径的 Redis 缓存
type Cache struct {
	client *Client
	prefix string
}

// NewCache 基于客户端创建缓存
func NewCache(client *Client) *Cache {
	return &Cache{client: client, prefix: "sitegate:"}
}

func (c *Cache) key(format string, args ...interface{}) string {
	return c.prefix + fmt.Sprintf(format, args...)
}

// ========== 路由缓存 ==========

// CacheRoute 按 slug 缓存激活路由定义
func (c *Cache) CacheRoute(ctx context.Context, route *domain.Route, ttl time.Duration) error {
	data, err := json.Marshal(route)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, c.key("route:slug:%s", route.Slug), data, ttl).Err()
}

// GetCachedRoute 获取缓存的路由定义
func (c *Cache) GetCachedRoute(ctx context.Context, slug string) (*domain.Route, error) {
	data, err := c.client.rdb.Get(ctx, c.key("route:slug:%s", slug)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var route domain.Route
	if err := json.Unmarshal(data, &route); err != nil {
		return nil, err
	}
	return &route, nil
}

// DeleteCachedRoute 删除路由缓存
func (c *Cache) DeleteCachedRoute(ctx context.Context, slug string) error {
	return c.client.rdb.Del(ctx, c.key("route:slug:%s", slug)).Err()
}

// ========== 会话缓存 ==========

// CacheSession 缓存会话，TTL 不超过会话剩余有效期
func (c *Cache) CacheSession(ctx context.Context, session *domain.Session, ttl time.Duration) error {
	if remaining := time.Until(session.ExpiresAt); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return nil
	}

	data, err := json.Marshal(session)
	if err != nil {
		return err
	}
	return c.client.rdb.Set(ctx, c.key("session:%s", session.ID), data, ttl).Err()
}

// GetCachedSession 获取缓存的会话
func (c *Cache) GetCachedSession(ctx context.Context, id string) (*domain.Session, error) {
	data, err := c.client.rdb.Get(ctx, c.key("session:%s", id)).Bytes()
	if err != nil {
		if errors.Is(err, goredis.Nil) {
			return nil, ErrCacheMiss
		}
		return nil, err
	}

	var session domain.Session
	if err := json.Unmarshal(data, &session); err != nil {
		return nil, err
	}
	return &session, nil
}

// DeleteCachedSession 删除会话缓存
func (c *Cache) DeleteCachedSession(ctx context.Context, id string) error {
	return c.client.rdb.Del(ctx, c.key("session:%s", id)).Err()
}

// Ping 检查 Redis 连接
func (c *Cache) Ping(ctx context.Context) error {
	return c.client.Ping(ctx)
}

// Close 关闭 Redis 连接
func (c *Cache) Close() error {
	return c.client.Close()
}
