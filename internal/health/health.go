package health

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/heptiolabs/healthcheck"
	"go.uber.org/zap"
)

// CheckFunc 依赖探测函数
type CheckFunc func(ctx context.Context) error

// HealthChecker 健康检查器
//
// /health/live 只检查进程自身，/health/ready 检查存储等外部依赖。
type HealthChecker struct {
	health  healthcheck.Handler
	timeout time.Duration
	logger  *zap.Logger
	started time.Time

	mu     sync.RWMutex
	checks map[string]CheckFunc
}

// NewHealthChecker 创建健康检查器
func NewHealthChecker(logger *zap.Logger, timeout time.Duration) *HealthChecker {
	if timeout <= 0 {
		timeout = 3 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	hc := &HealthChecker{
		health:  healthcheck.NewHandler(),
		timeout: timeout,
		logger:  logger,
		started: time.Now(),
		checks:  make(map[string]CheckFunc),
	}

	// 协程泄漏通常意味着沙箱执行未能退出
	hc.health.AddLivenessCheck("goroutine-threshold", healthcheck.GoroutineCountCheck(10000))

	return hc
}

// AddReadinessCheck 注册依赖检查
func (hc *HealthChecker) AddReadinessCheck(name string, check CheckFunc) {
	hc.mu.Lock()
	hc.checks[name] = check
	hc.mu.Unlock()

	hc.health.AddReadinessCheck(name, healthcheck.Timeout(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), hc.timeout)
		defer cancel()
		return check(ctx)
	}, hc.timeout))
}

// LiveHandler 存活检查处理器
func (hc *HealthChecker) LiveHandler() http.Handler {
	return http.HandlerFunc(hc.health.LiveEndpoint)
}

// ReadyHandler 就绪检查处理器
func (hc *HealthChecker) ReadyHandler() http.Handler {
	return http.HandlerFunc(hc.health.ReadyEndpoint)
}

// CheckHealth 执行全部依赖检查并返回可读结果
func (hc *HealthChecker) CheckHealth(ctx context.Context) (map[string]string, bool) {
	hc.mu.RLock()
	names := make([]string, 0, len(hc.checks))
	for name := range hc.checks {
		names = append(names, name)
	}
	hc.mu.RUnlock()
	sort.Strings(names)

	results := make(map[string]string, len(names)+2)
	healthy := true
	for _, name := range names {
		hc.mu.RLock()
		check := hc.checks[name]
		hc.mu.RUnlock()

		checkCtx, cancel := context.WithTimeout(ctx, hc.timeout)
		err := check(checkCtx)
		cancel()

		if err != nil {
			healthy = false
			results[name] = fmt.Sprintf("ERROR: %v", err)
			hc.logger.Warn("health check failed", zap.String("check", name), zap.Error(err))
			continue
		}
		results[name] = "OK"
	}

	results["uptime"] = time.Since(hc.started).Truncate(time.Second).String()
	results["timestamp"] = time.Now().UTC().Format(time.RFC3339)
	return results, healthy
}
