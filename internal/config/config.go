package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

const defaultSessionSecret = "change-me-in-production"

// ServerConfig 定义 HTTP 服务器的监听配置参数
type ServerConfig struct {
	Host         string // 监听地址，默认 "0.0.0.0"
	Port         int    // 监听端口，默认 8080
	MaxBodyBytes int64  // 单个请求体上限，默认 1MB
}

// LogConfig 定义日志系统配置
type LogConfig struct {
	Level       string // 日志级别: debug, info, warn, error
	Development bool   // 开发模式: 启用彩色输出和详细堆栈信息
	File        string // 日志文件路径，留空只输出到控制台
}

// DatabaseConfig 定义数据库连接配置（支持 MySQL 和 PostgreSQL）
type DatabaseConfig struct {
	Type            string // 数据库类型: "" (内存), "mysql" 或 "postgres"
	DSN             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	AutoMigrate     bool // 启动时执行 GORM AutoMigrate
}

// RedisConfig 定义 Redis 缓存服务配置
type RedisConfig struct {
	Address  string // Redis 服务地址，格式 "host:port"，留空表示不使用缓存
	Password string
	DB       int
	RouteTTL time.Duration // 路由定义缓存时间
}

// SessionConfig 定义浏览器会话令牌配置
type SessionConfig struct {
	Secret     string        // 会话 JWT 签名密钥，必须至少 32 字符
	Issuer     string        // 签发者标识，默认 "sitegate"
	CookieName string        // 会话 Cookie 名称，默认 "session_token"
	Expiry     time.Duration // 会话有效期，默认 30 天
}

// GatewayConfig 定义自定义路由网关的请求解析参数
type GatewayConfig struct {
	APIKeyHeader string  // API Key 请求头，默认 "X-API-Key"
	APIKeyQuery  string  // API Key 查询参数，默认 "api_key"
	UpgradeURL   string  // paid_only 路由拒绝时返回的升级地址
	IngressRPS   float64 // 单 IP 入口限速（每秒），0 表示关闭
	IngressBurst int
}

// SandboxConfig 定义路由脚本沙箱的资源边界
type SandboxConfig struct {
	Timeout          time.Duration // 单次执行的墙钟超时，默认 10 秒
	PackagesDir      string        // 已安装包所在目录
	EnvPrefix        string        // 暴露给 process.env 的环境变量前缀
	CompileCacheSize int
	CompileCacheTTL  time.Duration
}

// WorkerConfig 定义后台任务协程池
type WorkerConfig struct {
	Count int
	Queue int
}

// CORSConfig 定义跨域资源共享 (CORS) 配置
type CORSConfig struct {
	AllowedOrigins []string // 允许的来源列表，"*" 表示允许所有来源
}

// Config 是系统核心配置的根结构体，包含所有子系统的配置
type Config struct {
	Server   ServerConfig
	Log      LogConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Session  SessionConfig
	Gateway  GatewayConfig
	Sandbox  SandboxConfig
	Worker   WorkerConfig
	CORS     CORSConfig
}

// Load 从环境变量和 .env 文件加载系统配置
//
// 配置加载优先级（从高到低）：
//  1. 系统环境变量
//  2. .env 文件（如果存在）
//  3. 默认值
//
// 环境变量前缀: SITEGATE_，例如 SITEGATE_SERVER_PORT, SITEGATE_SESSION_SECRET
func Load() (*Config, error) {
	loadEnvFile()

	v := viper.New()
	v.SetEnvPrefix("sitegate")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.host", "0.0.0.0")
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.max_body_bytes", 1<<20)
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)
	v.SetDefault("log.file", "")
	v.SetDefault("database.type", "")
	v.SetDefault("database.dsn", "")
	v.SetDefault("database.max_open_conns", 25)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")
	v.SetDefault("database.auto_migrate", true)
	v.SetDefault("redis.address", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.route_ttl", "30s")
	v.SetDefault("session.secret", defaultSessionSecret)
	v.SetDefault("session.issuer", "sitegate")
	v.SetDefault("session.cookie_name", "session_token")
	v.SetDefault("session.expiry", "720h")
	v.SetDefault("gateway.api_key_header", "X-API-Key")
	v.SetDefault("gateway.api_key_query", "api_key")
	v.SetDefault("gateway.upgrade_url", "/pricing")
	v.SetDefault("gateway.ingress_rps", 0)
	v.SetDefault("gateway.ingress_burst", 20)
	v.SetDefault("sandbox.timeout", "10s")
	v.SetDefault("sandbox.packages_dir", "./data/packages")
	v.SetDefault("sandbox.env_prefix", "SITE_PUBLIC_")
	v.SetDefault("sandbox.compile_cache_size", 256)
	v.SetDefault("sandbox.compile_cache_ttl", "10m")
	v.SetDefault("worker.count", 4)
	v.SetDefault("worker.queue", 1024)
	v.SetDefault("cors.allowed_origins", "*")

	dbType := strings.ToLower(strings.TrimSpace(v.GetString("database.type")))
	switch dbType {
	case "", "mysql", "postgres":
	case "postgresql":
		dbType = "postgres"
	default:
		return nil, fmt.Errorf("unsupported database.type: %s (supported: mysql, postgres)", dbType)
	}

	connMaxLifetime, err := time.ParseDuration(v.GetString("database.conn_max_lifetime"))
	if err != nil {
		connMaxLifetime = 5 * time.Minute
	}

	routeTTL, err := time.ParseDuration(v.GetString("redis.route_ttl"))
	if err != nil {
		return nil, fmt.Errorf("invalid redis.route_ttl: %w", err)
	}

	sessionExpiry, err := time.ParseDuration(v.GetString("session.expiry"))
	if err != nil {
		return nil, fmt.Errorf("invalid session.expiry: %w", err)
	}

	timeout, err := time.ParseDuration(v.GetString("sandbox.timeout"))
	if err != nil {
		return nil, fmt.Errorf("invalid sandbox.timeout: %w", err)
	}
	if timeout <= 0 {
		return nil, fmt.Errorf("sandbox.timeout must be positive")
	}

	cacheTTL, err := time.ParseDuration(v.GetString("sandbox.compile_cache_ttl"))
	if err != nil {
		cacheTTL = 10 * time.Minute
	}

	secret := v.GetString("session.secret")
	// 安全检查：禁止使用默认的会话密钥
	if secret == defaultSessionSecret {
		return nil, fmt.Errorf("SECURITY ERROR: session secret cannot be the default value. Please set SITEGATE_SESSION_SECRET environment variable")
	}
	if len(secret) < 32 {
		return nil, fmt.Errorf("SECURITY ERROR: session secret must be at least 32 characters long")
	}

	workers := v.GetInt("worker.count")
	if workers <= 0 {
		workers = 1
	}

	corsOrigins := parseList(v.GetString("cors.allowed_origins"))
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"*"}
	}

	cfg := &Config{
		Server: ServerConfig{
			Host:         v.GetString("server.host"),
			Port:         v.GetInt("server.port"),
			MaxBodyBytes: v.GetInt64("server.max_body_bytes"),
		},
		Log: LogConfig{
			Level:       v.GetString("log.level"),
			Development: v.GetBool("log.development"),
			File:        v.GetString("log.file"),
		},
		Database: DatabaseConfig{
			Type:            dbType,
			DSN:             v.GetString("database.dsn"),
			MaxOpenConns:    v.GetInt("database.max_open_conns"),
			MaxIdleConns:    v.GetInt("database.max_idle_conns"),
			ConnMaxLifetime: connMaxLifetime,
			AutoMigrate:     v.GetBool("database.auto_migrate"),
		},
		Redis: RedisConfig{
			Address:  v.GetString("redis.address"),
			Password: v.GetString("redis.password"),
			DB:       v.GetInt("redis.db"),
			RouteTTL: routeTTL,
		},
		Session: SessionConfig{
			Secret:     secret,
			Issuer:     v.GetString("session.issuer"),
			CookieName: v.GetString("session.cookie_name"),
			Expiry:     sessionExpiry,
		},
		Gateway: GatewayConfig{
			APIKeyHeader: v.GetString("gateway.api_key_header"),
			APIKeyQuery:  v.GetString("gateway.api_key_query"),
			UpgradeURL:   v.GetString("gateway.upgrade_url"),
			IngressRPS:   v.GetFloat64("gateway.ingress_rps"),
			IngressBurst: v.GetInt("gateway.ingress_burst"),
		},
		Sandbox: SandboxConfig{
			Timeout:          timeout,
			PackagesDir:      v.GetString("sandbox.packages_dir"),
			EnvPrefix:        v.GetString("sandbox.env_prefix"),
			CompileCacheSize: v.GetInt("sandbox.compile_cache_size"),
			CompileCacheTTL:  cacheTTL,
		},
		Worker: WorkerConfig{
			Count: workers,
			Queue: v.GetInt("worker.queue"),
		},
		CORS: CORSConfig{
			AllowedOrigins: corsOrigins,
		},
	}

	if cfg.Database.Type != "" && cfg.Database.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required when database.type is %s", cfg.Database.Type)
	}

	return cfg, nil
}

// parseList 将逗号分隔的字符串解析为字符串切片，已去除空白字符
func parseList(value string) []string {
	parts := strings.Split(value, ",")
	items := make([]string, 0, len(parts))
	for _, part := range parts {
		trimmed := strings.TrimSpace(part)
		if trimmed != "" {
			items = append(items, trimmed)
		}
	}
	return items
}

// loadEnvFile 尝试加载 .env 文件
//
// 加载顺序：当前目录的 .env，然后父目录的 .env。
// 文件不存在时静默跳过，已存在的环境变量不会被覆盖。
func loadEnvFile() {
	if err := godotenv.Load(".env"); err == nil {
		return
	}

	parentEnv := filepath.Join("..", ".env")
	if _, err := os.Stat(parentEnv); err == nil {
		_ = godotenv.Load(parentEnv)
	}
}
