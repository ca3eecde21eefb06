package httptransport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegate/backend/internal/auth/jwt"
	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/config"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/health"
	"sitegate/backend/internal/middleware"
	"sitegate/backend/internal/monitoring"
	"sitegate/backend/internal/sandbox"
	"sitegate/backend/internal/service"
	"sitegate/backend/internal/storage/memory"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type testServer struct {
	router   *gin.Engine
	store    *memory.Store
	sessions *service.SessionService
}

func newTestServer(t *testing.T, ingress *middleware.IngressLimiter) *testServer {
	t.Helper()

	cfg := &config.Config{
		Server:  config.ServerConfig{MaxBodyBytes: 64},
		Gateway: config.GatewayConfig{APIKeyHeader: "X-API-Key", UpgradeURL: "/pricing"},
		CORS:    config.CORSConfig{AllowedOrigins: []string{"https://app.example.com"}},
	}

	store := memory.NewStore()
	clk := clock.NewFakeClock(time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC))
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())

	apiKeys := service.NewAPIKeyService(store, clk)
	sessions := service.NewSessionService(store, jwt.NewManager("router-test-secret-long-enough-1234", "sitegate"), time.Hour, clk)
	gateway := service.NewGateway(service.GatewayDeps{
		Routes:   store,
		Users:    store,
		Resolver: service.NewCredentialResolver(apiKeys, sessions, service.CredentialResolverConfig{}, nil),
		Quota:    service.NewQuotaLedger(store),
		Limiter:  service.NewRateLimiter(store, clk),
		Executor: sandbox.New(sandbox.Options{Timeout: 2 * time.Second}),
		Logs:     service.NewExecutionLogger(store, nil, metrics, nil),
		APIKeys:  apiKeys,
		Metrics:  metrics,
		Clock:    clk,
	}, service.GatewayConfig{UpgradeURL: cfg.Gateway.UpgradeURL})

	checker := health.NewHealthChecker(nil, time.Second)
	checker.AddReadinessCheck("store", store.Health)

	router := NewRouter(RouterDependencies{
		Config:  cfg,
		Gateway: gateway,
		Metrics: metrics,
		Health:  checker,
		Ingress: ingress,
	})
	return &testServer{router: router, store: store, sessions: sessions}
}

func (s *testServer) addRoute(t *testing.T, slug, method, code string, mutate ...func(*domain.Route)) {
	t.Helper()
	route := &domain.Route{
		Slug:       slug,
		Method:     method,
		Status:     domain.RouteStatusActive,
		PlanAccess: domain.PlanAccessPublic,
		Code:       code,
	}
	for _, fn := range mutate {
		fn(route)
	}
	require.NoError(t, s.store.SaveRoute(context.Background(), route))
}

func (s *testServer) do(req *http.Request) *httptest.ResponseRecorder {
	if req.RemoteAddr == "" {
		req.RemoteAddr = "203.0.113.7:5555"
	}
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

func decode(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var body map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body), w.Body.String())
	return body
}

func TestRouter_CustomRoutes(t *testing.T) {
	t.Run("JSON 响应", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "ping", "GET", `res.status(200).json({pong:true})`)

		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/ping", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Header().Get("Content-Type"), "application/json")
		assert.JSONEq(t, `{"pong":true}`, w.Body.String())
	})

	t.Run("脚本设置的响应头与文本", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "text", "POST", `res.setHeader("x-trace", req.query.id); res.status(202).send("accepted " + req.body.name)`)

		req := httptest.NewRequest(http.MethodPost, "/api/custom/text?id=abc", strings.NewReader(`{"name":"ada"}`))
		req.Header.Set("Content-Type", "application/json")
		w := s.do(req)

		assert.Equal(t, http.StatusAccepted, w.Code)
		assert.Equal(t, "abc", w.Header().Get("X-Trace"))
		assert.Contains(t, w.Header().Get("Content-Type"), "text/plain")
		assert.Equal(t, "accepted ada", w.Body.String())
	})

	t.Run("重定向", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "go", "GET", `res.redirect("https://example.com/next")`)

		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/go", nil))
		assert.Equal(t, http.StatusFound, w.Code)
		assert.Equal(t, "https://example.com/next", w.Header().Get("Location"))
	})

	t.Run("未发送响应时返回空 200", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "quiet", "GET", `console.log("nothing to say")`)

		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/quiet", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Empty(t, w.Body.String())
	})

	t.Run("未知路由 404", func(t *testing.T) {
		s := newTestServer(t, nil)
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/missing", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
		assert.Equal(t, "Route not found", decode(t, w)["error"])
	})

	t.Run("方法不匹配 405", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "ping", "GET", `res.json({})`)

		w := s.do(httptest.NewRequest(http.MethodDelete, "/api/custom/ping", nil))
		assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
		assert.Equal(t, "Method not allowed. This route only accepts GET requests", decode(t, w)["error"])
	})

	t.Run("限流返回 Retry-After", func(t *testing.T) {
		s := newTestServer(t, nil)
		limit := 1
		s.addRoute(t, "once", "GET", `res.json({})`, func(r *domain.Route) { r.RateLimitPerDay = &limit })

		require.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/api/custom/once", nil)).Code)
		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/once", nil))

		assert.Equal(t, http.StatusTooManyRequests, w.Code)
		assert.Equal(t, "86400", w.Header().Get("Retry-After"))
		body := decode(t, w)
		assert.EqualValues(t, 1, body["used"])
		assert.EqualValues(t, 1, body["limit"])
		assert.EqualValues(t, 86400, body["resetIn"])
	})

	t.Run("脚本异常返回 500 与控制台输出", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "broken", "GET", `console.warn("about to fail"); null.x`)

		w := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/broken", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		body := decode(t, w)
		assert.Equal(t, "Execution failed", body["error"])
		assert.NotEmpty(t, body["message"])
		logs, ok := body["consoleLogs"].([]interface{})
		require.True(t, ok)
		require.Len(t, logs, 1)
		assert.Equal(t, "warn", logs[0].(map[string]interface{})["type"])
	})

	t.Run("会话 Cookie 访问订阅路由", func(t *testing.T) {
		s := newTestServer(t, nil)
		require.NoError(t, s.store.SaveUser(context.Background(), &domain.User{ID: "u1", Email: "u1@example.com", IsActive: true}))
		_, token, err := s.sessions.IssueSession(context.Background(), service.IssueSessionInput{UserID: "u1"})
		require.NoError(t, err)
		s.addRoute(t, "me", "GET", `res.json({ cookie: Object.keys(req.cookies) })`, func(r *domain.Route) {
			r.PlanAccess = domain.PlanAccessAnySubscriber
		})

		anonymous := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/me", nil))
		assert.Equal(t, http.StatusUnauthorized, anonymous.Code)

		req := httptest.NewRequest(http.MethodGet, "/api/custom/me", nil)
		req.AddCookie(&http.Cookie{Name: "session_token", Value: token})
		w := s.do(req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.JSONEq(t, `{"cookie":["session_token"]}`, w.Body.String())
	})

	t.Run("请求体超限 413", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "upload", "POST", `res.json({})`)

		w := s.do(httptest.NewRequest(http.MethodPost, "/api/custom/upload", strings.NewReader(strings.Repeat("a", 100))))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})

	t.Run("入口限速先于路由查找", func(t *testing.T) {
		s := newTestServer(t, middleware.NewIngressLimiter(0.001, 1, nil))

		first := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/missing", nil))
		assert.Equal(t, http.StatusNotFound, first.Code)
		second := s.do(httptest.NewRequest(http.MethodGet, "/api/custom/missing", nil))
		assert.Equal(t, http.StatusTooManyRequests, second.Code)
	})

	t.Run("CORS 预检允许 API Key 请求头", func(t *testing.T) {
		s := newTestServer(t, nil)
		req := httptest.NewRequest(http.MethodOptions, "/api/custom/ping", nil)
		req.Header.Set("Origin", "https://app.example.com")
		req.Header.Set("Access-Control-Request-Method", "POST")
		req.Header.Set("Access-Control-Request-Headers", "X-API-Key")

		w := s.do(req)
		assert.Equal(t, http.StatusNoContent, w.Code)
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
		assert.Equal(t, "true", w.Header().Get("Access-Control-Allow-Credentials"))
	})

	t.Run("非预检的 OPTIONS 请求到达租户路由", func(t *testing.T) {
		s := newTestServer(t, nil)
		s.addRoute(t, "allow", "OPTIONS", `res.setHeader("Allow", "GET, OPTIONS"); res.status(200).send("ok")`)

		req := httptest.NewRequest(http.MethodOptions, "/api/custom/allow", nil)
		req.Header.Set("Origin", "https://app.example.com")

		w := s.do(req)
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "ok", w.Body.String())
		assert.Equal(t, "GET, OPTIONS", w.Header().Get("Allow"))
		assert.Equal(t, "https://app.example.com", w.Header().Get("Access-Control-Allow-Origin"))
	})
}

func TestRouter_Operations(t *testing.T) {
	s := newTestServer(t, nil)
	s.addRoute(t, "ping", "GET", `res.json({})`)
	s.do(httptest.NewRequest(http.MethodGet, "/api/custom/ping", nil))

	t.Run("存活与就绪检查", func(t *testing.T) {
		assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/health/live", nil)).Code)
		assert.Equal(t, http.StatusOK, s.do(httptest.NewRequest(http.MethodGet, "/health/ready", nil)).Code)

		w := s.do(httptest.NewRequest(http.MethodGet, "/health", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "OK", decode(t, w)["store"])
	})

	t.Run("指标端点", func(t *testing.T) {
		w := s.do(httptest.NewRequest(http.MethodGet, "/metrics", nil))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Contains(t, w.Body.String(), `sitegate_gateway_requests_total{outcome="success",status="200"} 1`)
		assert.Contains(t, w.Body.String(), `sitegate_http_requests_total{endpoint="/api/custom/:slug",method="GET",status_code="200"} 1`)
	})

	t.Run("未注册路径", func(t *testing.T) {
		w := s.do(httptest.NewRequest(http.MethodGet, "/nope", nil))
		assert.Equal(t, http.StatusNotFound, w.Code)
	})
}
