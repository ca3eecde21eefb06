package postgres

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "github.com/go-sql-driver/mysql" // MySQL driver
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/stdlib"
	"gorm.io/driver/mysql"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"sitegate/backend/internal/config"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/storage"
)

// Options 连接池与迁移参数
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool
}

// OptionsFromConfig 从数据库配置构造选项
func OptionsFromConfig(cfg config.DatabaseConfig) Options {
	return Options{
		MaxOpenConns:    cfg.MaxOpenConns,
		MaxIdleConns:    cfg.MaxIdleConns,
		ConnMaxLifetime: cfg.ConnMaxLifetime,
		AutoMigrate:     cfg.AutoMigrate,
	}
}

// Store 基于 GORM 的关系型存储实现（PostgreSQL / MySQL）
type Store struct {
	db     *gorm.DB
	client *Client // 仅 PostgreSQL 模式持有
}

var _ storage.Store = (*Store)(nil)

// NewStore 基于 pgx 连接池创建 PostgreSQL 存储实例
func NewStore(client *Client, opts Options) (*Store, error) {
	sqlDB := stdlib.OpenDBFromPool(client.Pool())
	store, err := NewStoreWithDialector(postgres.New(postgres.Config{Conn: sqlDB}), opts)
	if err != nil {
		return nil, err
	}
	store.client = client
	return store, nil
}

// NewMySQLStore 创建 MySQL 存储实例
func NewMySQLStore(cfg config.DatabaseConfig) (*Store, error) {
	db, err := sql.Open("mysql", cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	return NewStoreWithDialector(mysql.New(mysql.Config{Conn: db}), OptionsFromConfig(cfg))
}

// NewStoreWithDialector 使用指定的 GORM dialector 创建存储实例
func NewStoreWithDialector(dialector gorm.Dialector, opts Options) (*Store, error) {
	gormConfig := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
		NowFunc: func() time.Time {
			return time.Now().UTC()
		},
	}

	db, err := gorm.Open(dialector, gormConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("failed to get underlying sql.DB: %w", err)
	}
	if opts.MaxOpenConns > 0 {
		sqlDB.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		sqlDB.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		sqlDB.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	store := &Store{db: db}
	if opts.AutoMigrate {
		if err := store.migrate(); err != nil {
			return nil, fmt.Errorf("failed to migrate database: %w", err)
		}
	}
	return store, nil
}

// migrate 自动迁移数据库表结构
func (s *Store) migrate() error {
	return s.db.AutoMigrate(
		&domain.Plan{},
		&domain.User{},
		&domain.Route{},
		&domain.APIKey{},
		&domain.Session{},
		&domain.RouteUsageRecord{},
		&domain.ExecutionLog{},
	)
}

// DB 返回底层 GORM 实例
func (s *Store) DB() *gorm.DB {
	return s.db
}

// ========== Route Repository ==========

// SaveRoute 保存路由定义，激活路由的 slug 必须唯一
func (s *Store) SaveRoute(ctx context.Context, route *domain.Route) error {
	if route.ID == "" {
		route.ID = uuid.NewString()
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if route.IsActive() {
			var count int64
			err := tx.Model(&domain.Route{}).
				Where("slug = ? AND status = ? AND id <> ?", route.Slug, domain.RouteStatusActive, route.ID).
				Count(&count).Error
			if err != nil {
				return err
			}
			if count > 0 {
				return storage.ErrRouteSlugTaken
			}
		}
		return tx.Save(route).Error
	})
}

// FindActiveRouteBySlug 根据 slug 查找激活路由
func (s *Store) FindActiveRouteBySlug(ctx context.Context, slug string) (*domain.Route, error) {
	var route domain.Route
	err := s.db.WithContext(ctx).
		Where("slug = ? AND status = ?", slug, domain.RouteStatusActive).
		First(&route).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrRouteNotFound
		}
		return nil, err
	}
	return &route, nil
}

// IncrementExecutionStats 使用单条 UPDATE 递增执行次数
func (s *Store) IncrementExecutionStats(ctx context.Context, routeID string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.Route{}).
		Where("id = ?", routeID).
		UpdateColumns(map[string]interface{}{
			"execution_count":  gorm.Expr("execution_count + ?", 1),
			"last_executed_at": at.UTC(),
		})
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrRouteNotFound
	}
	return nil
}

// ========== API Key Repository ==========

// SaveAPIKey 保存 API Key
func (s *Store) SaveAPIKey(ctx context.Context, key *domain.APIKey) error {
	if key.ID == "" {
		key.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(key).Error
}

// GetAPIKeyByHash 根据摘要获取 API Key
func (s *Store) GetAPIKeyByHash(ctx context.Context, hash string) (*domain.APIKey, error) {
	var key domain.APIKey
	err := s.db.WithContext(ctx).Where("key_hash = ?", hash).First(&key).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrAPIKeyNotFound
		}
		return nil, err
	}
	return &key, nil
}

// UpdateAPIKeyLastUsed 更新 API Key 最后使用时间
func (s *Store) UpdateAPIKeyLastUsed(ctx context.Context, id string, at time.Time) error {
	result := s.db.WithContext(ctx).Model(&domain.APIKey{}).
		Where("id = ?", id).
		UpdateColumn("last_used_at", at.UTC())
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrAPIKeyNotFound
	}
	return nil
}

// ========== Session Repository ==========

// SaveSession 保存会话
func (s *Store) SaveSession(ctx context.Context, session *domain.Session) error {
	if session.ID == "" {
		session.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(session).Error
}

// GetSession 根据 ID 获取会话
func (s *Store) GetSession(ctx context.Context, id string) (*domain.Session, error) {
	var session domain.Session
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&session).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrSessionNotFound
		}
		return nil, err
	}
	return &session, nil
}

// ========== User Repository ==========

// SaveUser 创建或更新用户
func (s *Store) SaveUser(ctx context.Context, user *domain.User) error {
	if user.ID == "" {
		user.ID = uuid.NewString()
	}
	err := s.db.WithContext(ctx).Save(user).Error
	if err != nil && isDuplicateKey(err) {
		return storage.ErrEmailExists
	}
	return err
}

// GetUser 根据 ID 获取用户
func (s *Store) GetUser(ctx context.Context, id string) (*domain.User, error) {
	var user domain.User
	err := s.db.WithContext(ctx).Where("id = ?", id).First(&user).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, storage.ErrUserNotFound
		}
		return nil, err
	}
	return &user, nil
}

// SavePlan 保存套餐
func (s *Store) SavePlan(ctx context.Context, plan *domain.Plan) error {
	if plan.ID == "" {
		plan.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Save(plan).Error
}

// creditRow 用户与套餐联查结果
type creditRow struct {
	APICallsUsed int64
	APILimit     *int64
}

// GetUserCredit 联查用户已用调用数与套餐上限
func (s *Store) GetUserCredit(ctx context.Context, userID string) (domain.UserCredit, error) {
	var row creditRow
	result := s.db.WithContext(ctx).Table("users").
		Select("users.api_calls_used, plans.api_limit").
		Joins("LEFT JOIN plans ON plans.id = users.plan_id").
		Where("users.id = ?", userID).
		Limit(1).
		Scan(&row)
	if result.Error != nil {
		return domain.UserCredit{}, result.Error
	}
	if result.RowsAffected == 0 {
		return domain.UserCredit{}, storage.ErrUserNotFound
	}

	credit := domain.UserCredit{Used: row.APICallsUsed}
	if row.APILimit != nil {
		credit.Limit = *row.APILimit
	}
	return credit, nil
}

// IncrementAPIUsage 使用单条 UPDATE 递增已用调用数
func (s *Store) IncrementAPIUsage(ctx context.Context, userID string) error {
	result := s.db.WithContext(ctx).Model(&domain.User{}).
		Where("id = ?", userID).
		UpdateColumn("api_calls_used", gorm.Expr("api_calls_used + ?", 1))
	if result.Error != nil {
		return result.Error
	}
	if result.RowsAffected == 0 {
		return storage.ErrUserNotFound
	}
	return nil
}

// GetUserPlan 返回用户套餐，无套餐时返回 nil
func (s *Store) GetUserPlan(ctx context.Context, userID string) (*domain.Plan, error) {
	user, err := s.GetUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	if user.PlanID == nil {
		return nil, nil
	}

	var plan domain.Plan
	err = s.db.WithContext(ctx).Where("id = ?", *user.PlanID).First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, nil
		}
		return nil, err
	}
	return &plan, nil
}

// ========== Usage Repository ==========

// RecordUsage 写入一条限流台账记录
func (s *Store) RecordUsage(ctx context.Context, record *domain.RouteUsageRecord) error {
	if record.ID == "" {
		record.ID = uuid.NewString()
	}
	if record.CalledAt.IsZero() {
		record.CalledAt = time.Now()
	}
	record.CalledAt = record.CalledAt.UTC()
	return s.db.WithContext(ctx).Create(record).Error
}

// usageScope 构造路由 + 身份 + 时间窗口的查询条件
func usageScope(routeID string, identity domain.UsageIdentity, since time.Time) func(*gorm.DB) *gorm.DB {
	return func(db *gorm.DB) *gorm.DB {
		db = db.Where("route_id = ? AND called_at > ?", routeID, since.UTC())
		if identity.IsUser() {
			return db.Where("user_id = ?", identity.UserID)
		}
		return db.Where("user_id IS NULL AND ip_address = ?", identity.IP)
	}
}

// CountUsageSince 统计窗口内指定身份的调用次数
func (s *Store) CountUsageSince(ctx context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (int, error) {
	var count int64
	err := s.db.WithContext(ctx).Model(&domain.RouteUsageRecord{}).
		Scopes(usageScope(routeID, identity, since)).
		Count(&count).Error
	if err != nil {
		return 0, err
	}
	return int(count), nil
}

// OldestUsageSince 返回窗口内最早的调用时间
func (s *Store) OldestUsageSince(ctx context.Context, routeID string, identity domain.UsageIdentity, since time.Time) (*time.Time, error) {
	var records []domain.RouteUsageRecord
	err := s.db.WithContext(ctx).
		Scopes(usageScope(routeID, identity, since)).
		Order("called_at ASC").
		Limit(1).
		Find(&records).Error
	if err != nil {
		return nil, err
	}
	if len(records) == 0 {
		return nil, nil
	}
	oldest := records[0].CalledAt
	return &oldest, nil
}

// ========== Execution Log Repository ==========

// AppendExecutionLog 追加执行日志
func (s *Store) AppendExecutionLog(ctx context.Context, entry *domain.ExecutionLog) error {
	if entry.ID == "" {
		entry.ID = uuid.NewString()
	}
	return s.db.WithContext(ctx).Create(entry).Error
}

// ListExecutionLogs 按时间倒序返回路由的执行日志
func (s *Store) ListExecutionLogs(ctx context.Context, routeID string, limit int) ([]domain.ExecutionLog, error) {
	query := s.db.WithContext(ctx).Where("route_id = ?", routeID).Order("created_at DESC")
	if limit > 0 {
		query = query.Limit(limit)
	}

	var logs []domain.ExecutionLog
	if err := query.Find(&logs).Error; err != nil {
		return nil, err
	}
	return logs, nil
}

// Health 检查数据库连接
func (s *Store) Health(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close 关闭数据库连接
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	err = sqlDB.Close()
	if s.client != nil {
		s.client.Close()
	}
	return err
}

func isDuplicateKey(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique constraint")
}
