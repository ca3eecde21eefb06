package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	jwtpkg "sitegate/backend/internal/auth/jwt"
	"sitegate/backend/internal/cache"
	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/config"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/health"
	"sitegate/backend/internal/logger"
	"sitegate/backend/internal/middleware"
	"sitegate/backend/internal/monitoring"
	"sitegate/backend/internal/pool"
	"sitegate/backend/internal/sandbox"
	"sitegate/backend/internal/service"
	"sitegate/backend/internal/storage"
	"sitegate/backend/internal/storage/hybrid"
	"sitegate/backend/internal/storage/memory"
	"sitegate/backend/internal/storage/postgres"
	"sitegate/backend/internal/storage/redis"
	httptransport "sitegate/backend/internal/transport/http"
)

// main 启动自定义路由网关 HTTP 服务。
func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(fmt.Sprintf("failed to load config: %v", err))
	}

	// 设置 Gin 模式（基于开发环境标志）
	if !cfg.Log.Development {
		gin.SetMode(gin.ReleaseMode)
	} else {
		gin.SetMode(gin.DebugMode)
	}

	// 初始化日志系统
	log, err := logger.New(cfg.Log)
	if err != nil {
		panic(fmt.Sprintf("failed to initialize logger: %v", err))
	}
	defer func() { _ = log.Sync() }()

	log.Info("starting sitegate server",
		zap.String("log_level", cfg.Log.Level),
		zap.Bool("development", cfg.Log.Development),
		zap.Duration("sandbox_timeout", cfg.Sandbox.Timeout),
	)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// 初始化存储层
	store, err := initializeStorage(ctx, cfg, log)
	if err != nil {
		log.Fatal("failed to initialize storage", zap.Error(err))
	}

	if cfg.Database.Type == "" && cfg.Log.Development {
		seedDevelopmentData(ctx, store, log)
	}

	// 初始化监控系统
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	healthChecker := health.NewHealthChecker(log, 3*time.Second)
	healthChecker.AddReadinessCheck("store", store.Health)

	// 后台任务协程池：审计日志、执行计数、额度扣减
	workers := pool.NewWorkerPool(cfg.Worker.Count, cfg.Worker.Queue, log.Named("worker")).
		OnOverflow(metrics.RecordBackgroundOverflow)

	// 路由脚本沙箱
	programs := cache.NewLocalCache(cfg.Sandbox.CompileCacheSize, cfg.Sandbox.CompileCacheTTL)
	executor := sandbox.New(sandbox.Options{
		Timeout:     cfg.Sandbox.Timeout,
		PackagesDir: cfg.Sandbox.PackagesDir,
		EnvPrefix:   cfg.Sandbox.EnvPrefix,
		Programs:    programs,
		Logger:      logger.Sandbox(log),
	})

	// 初始化服务层
	clk := clock.Real()
	apiKeyService := service.NewAPIKeyService(store, clk)
	sessionService := service.NewSessionService(
		store,
		jwtpkg.NewManager(cfg.Session.Secret, cfg.Session.Issuer),
		cfg.Session.Expiry,
		clk,
	)
	resolver := service.NewCredentialResolver(apiKeyService, sessionService, service.CredentialResolverConfig{
		APIKeyHeader: cfg.Gateway.APIKeyHeader,
		APIKeyQuery:  cfg.Gateway.APIKeyQuery,
		CookieName:   cfg.Session.CookieName,
	}, log.Named("auth"))

	gateway := service.NewGateway(service.GatewayDeps{
		Routes:   store,
		Users:    store,
		Resolver: resolver,
		Quota:    service.NewQuotaLedger(store),
		Limiter:  service.NewRateLimiter(store, clk),
		Executor: executor,
		Logs:     service.NewExecutionLogger(store, workers, metrics, log.Named("audit")),
		APIKeys:  apiKeyService,
		Tasks:    workers,
		Metrics:  metrics,
		Clock:    clk,
		Logger:   log.Named("gateway"),
	}, service.GatewayConfig{UpgradeURL: cfg.Gateway.UpgradeURL})

	var ingress *middleware.IngressLimiter
	if cfg.Gateway.IngressRPS > 0 {
		ingress = middleware.NewIngressLimiter(cfg.Gateway.IngressRPS, cfg.Gateway.IngressBurst, metrics)
	}

	// 创建 HTTP 服务器
	httpAddr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	router := httptransport.NewRouter(httptransport.RouterDependencies{
		Config:  cfg,
		Gateway: gateway,
		Metrics: metrics,
		Health:  healthChecker,
		Ingress: ingress,
		Logger:  log,
	})

	// 写超时需覆盖沙箱超时
	httpServer := &http.Server{
		Addr:              httpAddr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      cfg.Sandbox.Timeout + 20*time.Second,
		IdleTimeout:       120 * time.Second,
	}

	// 后台任务不随信号退出，关闭时在 HTTP 服务停止后由 Stop 排空
	workers.Start()
	group, groupCtx := errgroup.WithContext(ctx)

	// HTTP 服务器 goroutine
	group.Go(func() error {
		log.Info("starting HTTP server", zap.String("address", httpAddr))
		if err := httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("HTTP server error", zap.Error(err))
			return err
		}
		return nil
	})

	// 定时清理入口限速器中的空闲 IP
	if ingress != nil {
		group.Go(func() error {
			ticker := time.NewTicker(5 * time.Minute)
			defer ticker.Stop()

			for {
				select {
				case <-groupCtx.Done():
					return nil
				case <-ticker.C:
					if removed := ingress.Sweep(); removed > 0 {
						log.Debug("ingress limiter swept", zap.Int("removed", removed))
					}
				}
			}
		})
	}

	// 优雅关闭 goroutine
	group.Go(func() error {
		<-groupCtx.Done()
		log.Info("shutdown signal received, gracefully shutting down...")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Sandbox.Timeout+5*time.Second)
		defer cancel()

		// 先等待进行中的请求结束，再排空它们提交的审计与计数任务
		if err := httpServer.Shutdown(shutdownCtx); err != nil {
			log.Error("HTTP server shutdown error", zap.Error(err))
		}
		workers.Stop()
		log.Info("background tasks drained")
		programs.Close()

		if err := store.Close(); err != nil {
			log.Warn("store close warning", zap.Error(err))
		}

		log.Info("servers stopped")
		return nil
	})

	// 等待所有 goroutine 完成
	if err := group.Wait(); err != nil && err != context.Canceled {
		log.Fatal("server error", zap.Error(err))
	}

	log.Info("server exited cleanly")
}

// initializeStorage 根据配置选择存储实现
//
// 未配置数据库时使用内存存储；配置了 Redis 时在数据库之上叠加缓存。
func initializeStorage(ctx context.Context, cfg *config.Config, log *zap.Logger) (storage.Store, error) {
	if cfg.Database.Type == "" {
		log.Info("using memory storage (development mode)")
		return memory.NewStore(), nil
	}

	log.Info("initializing database storage",
		zap.String("database_type", cfg.Database.Type),
		zap.String("redis_address", cfg.Redis.Address),
	)

	var db storage.Store
	switch cfg.Database.Type {
	case "postgres":
		client, err := postgres.NewClient(ctx, cfg.Database, log)
		if err != nil {
			return nil, err
		}
		store, err := postgres.NewStore(client, postgres.OptionsFromConfig(cfg.Database))
		if err != nil {
			client.Close()
			return nil, err
		}
		db = store
	case "mysql":
		store, err := postgres.NewMySQLStore(cfg.Database)
		if err != nil {
			return nil, err
		}
		db = store
	default:
		return nil, fmt.Errorf("unsupported database type: %s", cfg.Database.Type)
	}

	if cfg.Redis.Address == "" {
		return db, nil
	}

	client, err := redis.New(ctx, cfg.Redis, log)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create hybrid store: %w", err)
	}
	return hybrid.NewStore(db, redis.NewCache(client), cfg.Redis.RouteTTL, log.Named("hybrid")), nil
}

// seedDevelopmentData 写入示例套餐、用户和 ping 路由（仅用于开发环境）
func seedDevelopmentData(ctx context.Context, store storage.Store, log *zap.Logger) {
	free := &domain.Plan{ID: "plan-free", Name: "Free", APILimit: 100, IsDefault: true}
	pro := &domain.Plan{ID: "plan-pro", Name: "Pro", APILimit: 100000}
	for _, plan := range []*domain.Plan{free, pro} {
		if err := store.SavePlan(ctx, plan); err != nil {
			log.Error("failed to seed plan", zap.String("plan", plan.Name), zap.Error(err))
			return
		}
	}

	user := &domain.User{ID: "dev-user-001", Email: "dev@sitegate.local", Name: "dev", PlanID: &pro.ID, IsActive: true}
	if err := store.SaveUser(ctx, user); err != nil {
		log.Error("failed to seed user", zap.Error(err))
		return
	}

	ping := &domain.Route{
		Slug:              "ping",
		Method:            "GET",
		Status:            domain.RouteStatusActive,
		PlanAccess:        domain.PlanAccessPublic,
		AllowAPIKeyAccess: true,
		Code:              `res.status(200).json({ pong: true, at: new Date().toISOString() })`,
	}
	if err := store.SaveRoute(ctx, ping); err != nil {
		log.Error("failed to seed ping route", zap.Error(err))
		return
	}

	_, raw, err := service.NewAPIKeyService(store, clock.Real()).CreateAPIKey(ctx, service.CreateAPIKeyInput{
		UserID: user.ID,
		Name:   "development",
	})
	if err != nil {
		log.Error("failed to seed api key", zap.Error(err))
		return
	}

	log.Warn("development data seeded",
		zap.String("route", "/api/custom/"+ping.Slug),
		zap.String("user", user.Email),
		zap.String("api_key", raw),
	)
}
