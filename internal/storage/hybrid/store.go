package hybrid

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
	"sitegate/backend/internal/storage/redis"
)

// Cache 混合存储使用的缓存能力
type Cache interface {
	CacheRoute(ctx context.Context, route *domain.Route, ttl time.Duration) error
	GetCachedRoute(ctx context.Context, slug string) (*domain.Route, error)
	DeleteCachedRoute(ctx context.Context, slug string) error
	CacheSession(ctx context.Context, session *domain.Session, ttl time.Duration) error
	GetCachedSession(ctx context.Context, id string) (*domain.Session, error)
	DeleteCachedSession(ctx context.Context, id string) error
	Ping(ctx context.Context) error
	Close() error
}

var _ Cache = (*redis.Cache)(nil)

// Store 混合存储实现，关系型数据库为准，Redis 缓存热点读路径
//
// 缓存未命中或 Redis 出错时回退到数据库，写操作只失效缓存。
type Store struct {
	storage.Store
	cache      Cache
	routeTTL   time.Duration
	sessionTTL time.Duration
	log        *zap.Logger
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建混合存储实例
func NewStore(db storage.Store, cache Cache, routeTTL time.Duration, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	if routeTTL <= 0 {
		routeTTL = 30 * time.Second
	}
	return &Store{
		Store:      db,
		cache:      cache,
		routeTTL:   routeTTL,
		sessionTTL: 5 * time.Minute,
		log:        log,
	}
}

// ========== Route Repository ==========

// SaveRoute 保存路由并失效 slug 缓存
func (s *Store) SaveRoute(ctx context.Context, route *domain.Route) error {
	if err := s.Store.SaveRoute(ctx, route); err != nil {
		return err
	}
	if err := s.cache.DeleteCachedRoute(ctx, route.Slug); err != nil {
		s.log.Warn("failed to invalidate route cache", zap.String("slug", route.Slug), zap.Error(err))
	}
	return nil
}

// FindActiveRouteBySlug 先查 Redis，未命中时查数据库并回填
func (s *Store) FindActiveRouteBySlug(ctx context.Context, slug string) (*domain.Route, error) {
	route, err := s.cache.GetCachedRoute(ctx, slug)
	if err == nil && route.IsActive() {
		return route, nil
	}
	if err != nil && !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("route cache read failed", zap.String("slug", slug), zap.Error(err))
	}

	route, err = s.Store.FindActiveRouteBySlug(ctx, slug)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheRoute(ctx, route, s.routeTTL); err != nil {
		s.log.Warn("failed to cache route", zap.String("slug", slug), zap.Error(err))
	}
	return route, nil
}

// ========== Session Repository ==========

// SaveSession 保存会话并失效缓存
func (s *Store) SaveSession(ctx context.Context, session *domain.Session) error {
	if err := s.Store.SaveSession(ctx, session); err != nil {
		return err
	}
	if err := s.cache.DeleteCachedSession(ctx, session.ID); err != nil {
		s.log.Warn("failed to invalidate session cache", zap.String("session_id", session.ID), zap.Error(err))
	}
	return nil
}

// GetSession 先查 Redis，未命中时查数据库并回填
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	session, err := s.cache.GetCachedSession(ctx, id)
	if err == nil {
		return session, nil
	}
	if !errors.Is(err, redis.ErrCacheMiss) {
		s.log.Warn("session cache read failed", zap.String("session_id", id), zap.Error(err))
	}

	session, err = s.Store.GetSession(ctx, id)
	if err != nil {
		return nil, err
	}

	if err := s.cache.CacheSession(ctx, session, s.sessionTTL); err != nil {
		s.log.Warn("failed to cache session", zap.String("session_id", id), zap.Error(err))
	}
	return session, nil
}

// Health 同时检查数据库和 Redis
func (s *Store) Health(ctx context.Context) error {
	if err := s.Store.Health(ctx); err != nil {
		return fmt.Errorf("database: %w", err)
	}
	if err := s.cache.Ping(ctx); err != nil {
		return fmt.Errorf("redis: %w", err)
	}
	return nil
}

// Close 关闭数据库和 Redis 连接
func (s *Store) Close() error {
	cacheErr := s.cache.Close()
	if err := s.Store.Close(); err != nil {
		return err
	}
	return cacheErr
}
