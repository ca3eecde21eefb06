package storage

import (
	"context"
	"errors"
	"time"

	"sitegate/backend/internal/domain"
)

var (
	// ErrRouteNotFound 路由不存在或未激活
	ErrRouteNotFound = errors.New("route not found")
	// ErrRouteSlugTaken 已有激活路由使用该 slug
	ErrRouteSlugTaken = errors.New("route slug already in use")
	// ErrAPIKeyNotFound API Key 不存在
	ErrAPIKeyNotFound = errors.New("api key not found")
	// ErrSessionNotFound 会话不存在
	ErrSessionNotFound = errors.New("session not found")
	// ErrUserNotFound 用户不存在
	ErrUserNotFound = errors.New("user not found")
	// ErrEmailExists 邮箱已被注册
	ErrEmailExists = errors.New("email already exists")
)

// RouteRepository 定义自定义路由的存取操作。
type RouteRepository interface {
	SaveRoute(ctx context.Context, route *domain.Route) error
	FindActiveRouteBySlug(ctx context.Context, slug string) (*domain.Route, error)
	// IncrementExecutionStats 原子地递增执行次数并更新最后执行时间
	IncrementExecutionStats(ctx context.Context, routeID string, at time.Time) error
}

// APIKeyRepository 定义 API Key 存取操作。
type APIKeyRepository interface {
	SaveAPIKey(ctx context.Context, key *domain.APIKey) error
	GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error)
	UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error
}

// SessionRepository 定义浏览器会话存取操作。
type SessionRepository interface {
	SaveSession(ctx context.Context, session *domain.Session) error
	GetSession(ctx context.Context, id string) (*domain.Session, error)
}

// UserRepository 定义用户、套餐与额度操作。
type UserRepository interface {
	SaveUser(ctx context.Context, user *domain.User) error
	GetUser(ctx context.Context, id string) (*domain.User, error)
	SavePlan(ctx context.Context, plan *domain.Plan) error
	// GetUserCredit 返回已用调用数和套餐上限，无套餐时上限为 0（不限）
	GetUserCredit(ctx context.Context, userID string) (domain.UserCredit, error)
	IncrementAPIUsage(ctx context.Context, userID string) error
	// GetUserPlan 返回用户套餐，无套餐时返回 nil
	GetUserPlan(ctx context.Context, userID string) (*domain.Plan, error)
}

// UsageRepository 定义限流台账操作。
type UsageRepository interface {
	RecordUsage(ctx context.Context, record *domain.RouteUsageRecord) error
	CountUsageSince(ctx context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (int, error)
	// OldestUsageSince 返回窗口内最早一条记录的时间，无记录时返回 nil
	OldestUsageSince(ctx context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (*time.Time, error)
}

// ExecutionLogRepository 定义执行审计日志操作。
type ExecutionLogRepository interface {
	AppendExecutionLog(ctx context.Context, entry *domain.ExecutionLog) error
	ListExecutionLogs(ctx context.Context, routeID string, limit int) ([]domain.ExecutionLog, error)
}

// Store 聚合网关依赖的全部存储接口
type Store interface {
	RouteRepository
	APIKeyRepository
	SessionRepository
	UserRepository
	UsageRepository
	ExecutionLogRepository

	Health(ctx context.Context) error
	Close() error
}
