package memory

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
)

// Store 使用内存保存网关数据，主要用于开发验证和测试。
type Store struct {
	mu sync.RWMutex

	routes    map[string]*domain.Route              // routeID -> route
	apiKeys   map[string]*domain.APIKey             // keyID -> key
	byKeyHash map[string]string                     // keyHash -> keyID
	sessions  map[string]*domain.Session            // sessionID -> session
	users     map[string]*domain.User               // userID -> user
	byEmail   map[string]string                     // email -> userID
	plans     map[string]*domain.Plan               // planID -> plan
	usage     map[string][]*domain.RouteUsageRecord // routeID -> records
	execLogs  map[string][]domain.ExecutionLog      // routeID -> logs
}

var _ storage.Store = (*Store)(nil)

// NewStore 创建一个内存存储实例。
func NewStore() *Store {
	return &Store{
		routes:    make(map[string]*domain.Route),
		apiKeys:   make(map[string]*domain.APIKey),
		byKeyHash: make(map[string]string),
		sessions:  make(map[string]*domain.Session),
		users:     make(map[string]*domain.User),
		byEmail:   make(map[string]string),
		plans:     make(map[string]*domain.Plan),
		usage:     make(map[string][]*domain.RouteUsageRecord),
		execLogs:  make(map[string][]domain.ExecutionLog),
	}
}

// ========== Route Repository ==========

// SaveRoute 保存路由定义，激活路由的 slug 必须唯一。
func (s *Store) SaveRoute(_ context.Context, route *domain.Route) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if route.ID == "" {
		route.ID = uuid.NewString()
	}
	if route.IsActive() {
		for id, existing := range s.routes {
			if id != route.ID && existing.IsActive() && existing.Slug == route.Slug {
				return storage.ErrRouteSlugTaken
			}
		}
	}

	now := time.Now().UTC()
	if route.CreatedAt.IsZero() {
		route.CreatedAt = now
	}
	route.UpdatedAt = now

	copied := *route
	s.routes[route.ID] = &copied
	return nil
}

// FindActiveRouteBySlug 根据 slug 查找激活路由。
func (s *Store) FindActiveRouteBySlug(_ context.Context, slug string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, route := range s.routes {
		if route.Slug == slug && route.IsActive() {
			copied := *route
			return &copied, nil
		}
	}
	return nil, storage.ErrRouteNotFound
}

// IncrementExecutionStats 递增执行次数。
func (s *Store) IncrementExecutionStats(_ context.Context, routeID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	route, ok := s.routes[routeID]
	if !ok {
		return storage.ErrRouteNotFound
	}
	route.ExecutionCount++
	executedAt := at.UTC()
	route.LastExecutedAt = &executedAt
	return nil
}

// GetRoute 根据 ID 获取路由（不区分状态），用于测试断言。
func (s *Store) GetRoute(_ context.Context, id string) (*domain.Route, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	route, ok := s.routes[id]
	if !ok {
		return nil, storage.ErrRouteNotFound
	}
	copied := *route
	return &copied, nil
}

// ========== API Key Repository ==========

// SaveAPIKey 保存 API Key。
func (s *Store) SaveAPIKey(_ context.Context, key *domain.APIKey) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	copied := *key
	s.apiKeys[key.ID] = &copied
	s.byKeyHash[key.KeyHash] = key.ID
	return nil
}

// GetAPIKeyByHash 根据摘要获取 API Key。
func (s *Store) GetAPIKeyByHash(_ context.Context, hash string) (*domain.APIKey, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byKeyHash[hash]
	if !ok {
		return nil, storage.ErrAPIKeyNotFound
	}
	copied := *s.apiKeys[id]
	return &copied, nil
}

// UpdateAPIKeyLastUsed 更新 API Key 最后使用时间。
func (s *Store) UpdateAPIKeyLastUsed(_ context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key, ok := s.apiKeys[id]
	if !ok {
		return storage.ErrAPIKeyNotFound
	}
	usedAt := at.UTC()
	key.LastUsedAt = &usedAt
	return nil
}

// ========== Session Repository ==========

// SaveSession 保存会话。
func (s *Store) SaveSession(_ context.Context, session *domain.Session) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	copied := *session
	s.sessions[session.ID] = &copied
	return nil
}

// GetSession 根据 ID 获取会话。
func (s *Store) GetSession(_ context.Context, id string) (*domain.Session, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	session, ok := s.sessions[id]
	if !ok {
		return nil, storage.ErrSessionNotFound
	}
	copied := *session
	return &copied, nil
}

// ========== User Repository ==========

// SaveUser 创建或更新用户。
func (s *Store) SaveUser(_ context.Context, user *domain.User) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	email := strings.ToLower(user.Email)
	if existingID, ok := s.byEmail[email]; ok && existingID != user.ID {
		return storage.ErrEmailExists
	}
	if user.ID == "" {
		user.ID = uuid.NewString()
	}

	now := time.Now().UTC()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = now
	}
	user.UpdatedAt = now

	copied := *user
	s.users[user.ID] = &copied
	s.byEmail[email] = user.ID
	return nil
}

// GetUser 根据 ID 获取用户。
func (s *Store) GetUser(_ context.Context, id string) (*domain.User, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[id]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	copied := *user
	return &copied, nil
}

// SavePlan 保存套餐。
func (s *Store) SavePlan(_ context.Context, plan *domain.Plan) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	if plan.CreatedAt.IsZero() {
		plan.CreatedAt = time.Now().UTC()
	}
	copied := *plan
	s.plans[plan.ID] = &copied
	return nil
}

// GetUserCredit 返回用户额度状态。
func (s *Store) GetUserCredit(_ context.Context, userID string) (domain.UserCredit, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return domain.UserCredit{}, storage.ErrUserNotFound
	}

	credit := domain.UserCredit{Used: user.APICallsUsed}
	if plan := s.planOfLocked(user); plan != nil {
		credit.Limit = plan.APILimit
	}
	return credit, nil
}

// IncrementAPIUsage 递增用户已用调用数。
func (s *Store) IncrementAPIUsage(_ context.Context, userID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	user, ok := s.users[userID]
	if !ok {
		return storage.ErrUserNotFound
	}
	user.APICallsUsed++
	return nil
}

// GetUserPlan 返回用户套餐。
func (s *Store) GetUserPlan(_ context.Context, userID string) (*domain.Plan, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	user, ok := s.users[userID]
	if !ok {
		return nil, storage.ErrUserNotFound
	}
	plan := s.planOfLocked(user)
	if plan == nil {
		return nil, nil
	}
	copied := *plan
	return &copied, nil
}

func (s *Store) planOfLocked(user *domain.User) *domain.Plan {
	if user.PlanID == nil {
		return nil
	}
	return s.plans[*user.PlanID]
}

// ========== Usage Repository ==========

// RecordUsage 写入一条限流台账记录。
func (s *Store) RecordUsage(_ context.Context, record *domain.RouteUsageRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CalledAt.IsZero() {
		record.CalledAt = time.Now().UTC()
	}
	copied := *record
	s.usage[record.RouteID] = append(s.usage[record.RouteID], &copied)
	return nil
}

// CountUsageSince 统计窗口内指定身份的调用次数。
func (s *Store) CountUsageSince(_ context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	count := 0
	for _, rec := range s.usage[routeID] {
		if rec.CalledAt.After(since) && identity.Matches(rec) {
			count++
		}
	}
	return count, nil
}

// OldestUsageSince 返回窗口内最早的调用时间。
func (s *Store) OldestUsageSince(_ context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (*time.Time, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var oldest *time.Time
	for _, rec := range s.usage[routeID] {
		if !rec.CalledAt.After(since) || !identity.Matches(rec) {
			continue
		}
		if oldest == nil || rec.CalledAt.Before(*oldest) {
			at := rec.CalledAt
			oldest = &at
		}
	}
	return oldest, nil
}

// UsageCount 返回路由的全部台账记录数，用于测试断言。
func (s *Store) UsageCount(routeID string) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.usage[routeID])
}

// ========== Execution Log Repository ==========

// AppendExecutionLog 追加执行日志。
func (s *Store) AppendExecutionLog(_ context.Context, entry *domain.ExecutionLog) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}
	s.execLogs[entry.RouteID] = append(s.execLogs[entry.RouteID], *entry)
	return nil
}

// ListExecutionLogs 按时间倒序返回路由的执行日志。
func (s *Store) ListExecutionLogs(_ context.Context, routeID string, limit int) ([]domain.ExecutionLog, error) {
	s.mu.RLock()
	logs := make([]domain.ExecutionLog, len(s.execLogs[routeID]))
	copy(logs, s.execLogs[routeID])
	s.mu.RUnlock()

	sort.SliceStable(logs, func(i, j int) bool {
		return logs[i].CreatedAt.After(logs[j].CreatedAt)
	})
	if limit > 0 && len(logs) > limit {
		logs = logs[:limit]
	}
	return logs, nil
}

// Health 内存存储始终可用。
func (s *Store) Health(context.Context) error {
	return nil
}

// Close 内存存储无需释放资源。
func (s *Store) Close() error {
	return nil
}
