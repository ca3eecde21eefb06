package httptransport

import (
	"net/http"
	"time"

	gincors "github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitegate/backend/internal/config"
	"sitegate/backend/internal/health"
	"sitegate/backend/internal/middleware"
	"sitegate/backend/internal/monitoring"
	"sitegate/backend/internal/service"
)

// RouterDependencies 路由器依赖项
type RouterDependencies struct {
	Config  *config.Config
	Gateway *service.Gateway
	Metrics *monitoring.Metrics
	Health  *health.HealthChecker
	Ingress *middleware.IngressLimiter // 可为 nil，表示不做入口限速
	Logger  *zap.Logger
}

// NewRouter 创建并返回 Gin 路由实例。
func NewRouter(deps RouterDependencies) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}

	router := gin.New()
	monitor := middleware.NewMonitoringMiddleware(deps.Metrics, deps.Logger)

	router.Use(monitor.PanicRecovery())
	router.Use(monitor.HTTPMetrics())
	router.Use(middleware.RequestLogger(deps.Logger))
	router.Use(middleware.SecurityHeaders())
	router.Use(corsMiddleware(corsConfig(deps.Config)))

	// 运维端点
	if deps.Health != nil {
		router.GET("/health", healthSummary(deps.Health))
		router.GET("/health/live", gin.WrapH(deps.Health.LiveHandler()))
		router.GET("/health/ready", gin.WrapH(deps.Health.ReadyHandler()))
	}
	router.GET("/metrics", gin.WrapH(deps.Metrics.HTTPHandler()))

	// 自定义路由网关
	custom := router.Group("/api/custom")
	if deps.Ingress != nil {
		custom.Use(deps.Ingress.Middleware())
	}
	custom.Use(middleware.BodySizeLimit(deps.Config.Server.MaxBodyBytes))
	{
		handler := NewGatewayHandler(deps.Gateway, deps.Config.Server.MaxBodyBytes, deps.Logger)
		custom.Any("/:slug", handler.Handle)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Not found"})
	})

	return router
}

// corsConfig 构造 CORS 配置，会话 Cookie 需要携带凭证
func corsConfig(cfg *config.Config) gincors.Config {
	allowHeaders := []string{"Origin", "Content-Type", "Accept", "Authorization"}
	if header := cfg.Gateway.APIKeyHeader; header != "" {
		allowHeaders = append(allowHeaders, header)
	}

	corsCfg := gincors.Config{
		AllowOrigins:     cfg.CORS.AllowedOrigins,
		AllowMethods:     []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowHeaders:     allowHeaders,
		ExposeHeaders:    []string{"Content-Length", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           12 * time.Hour,
	}

	// 如果允许所有来源，则需清空凭证支持。
	for _, origin := range corsCfg.AllowOrigins {
		if origin == "*" {
			corsCfg.AllowCredentials = false
			break
		}
	}
	return corsCfg
}

// corsMiddleware 只把带 Access-Control-Request-Method 的 OPTIONS 视为预检
//
// 其余 OPTIONS 请求按普通跨域请求补充响应头后交给网关，声明为 OPTIONS 的路由在浏览器中同样可达。
func corsMiddleware(cfg gincors.Config) gin.HandlerFunc {
	handle := gincors.New(cfg)
	return func(c *gin.Context) {
		req := c.Request
		if req.Method != http.MethodOptions || req.Header.Get("Access-Control-Request-Method") != "" {
			handle(c)
			return
		}

		// 路由已在进入中间件前匹配，临时改写方法只影响 cors 的预检判断
		req.Method = http.MethodGet
		handle(c)
		req.Method = http.MethodOptions
	}
}

func healthSummary(checker *health.HealthChecker) gin.HandlerFunc {
	return func(c *gin.Context) {
		results, healthy := checker.CheckHealth(c.Request.Context())
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		c.JSON(status, results)
	}
}
