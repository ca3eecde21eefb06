package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"mime"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"sitegate/backend/internal/clock"
	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/monitoring"
	"sitegate/backend/internal/sandbox"
	"sitegate/backend/internal/security"
	"sitegate/backend/internal/storage"
)

// GatewayError 执行前拒绝或执行失败时返回给调用方的响应
type GatewayError struct {
	Status  int
	Outcome string
	Body    map[string]interface{}
}

func (e *GatewayError) Error() string {
	if msg, ok := e.Body["error"].(string); ok {
		return fmt.Sprintf("%d: %s", e.Status, msg)
	}
	return http.StatusText(e.Status)
}

func reject(status int, outcome string, body map[string]interface{}) *GatewayError {
	return &GatewayError{Status: status, Outcome: outcome, Body: body}
}

// Executor 路由代码执行器
type Executor interface {
	Execute(ctx context.Context, route *domain.Route, req *sandbox.Request) (*sandbox.Result, error)
}

// GatewayRequest 与传输层无关的入站请求
type GatewayRequest struct {
	Slug      string
	Method    string
	URL       string
	Path      string
	Header    http.Header
	Query     url.Values
	Cookies   map[string]string
	Body      []byte
	IP        string
	UserAgent string
}

// GatewayResponse 路由代码产生的响应
type GatewayResponse struct {
	Status      int
	Headers     map[string]string
	ContentType string
	Body        []byte
}

// GatewayConfig 网关配置
type GatewayConfig struct {
	UpgradeURL string
}

// GatewayDeps 网关依赖
type GatewayDeps struct {
	Routes   storage.RouteRepository
	Users    storage.UserRepository
	Resolver *CredentialResolver
	Quota    *QuotaLedger
	Limiter  *RateLimiter
	Executor Executor
	Logs     *ExecutionLogger
	APIKeys  *APIKeyService
	Tasks    Dispatcher
	Metrics  *monitoring.Metrics
	Clock    clock.Clock
	Logger   *zap.Logger
}

// Gateway 自定义路由网关
//
// 检查顺序固定：路由 -> 方法 -> 身份 -> 额度 -> 访问策略 -> 每日限流 -> 执行。
// 任一步失败立即返回，执行前的拒绝不写审计日志。
type Gateway struct {
	GatewayDeps
	cfg    GatewayConfig
	masker *security.HeaderMasker
}

// NewGateway 创建网关
func NewGateway(deps GatewayDeps, cfg GatewayConfig) *Gateway {
	if deps.Tasks == nil {
		deps.Tasks = InlineDispatcher{}
	}
	if deps.Clock == nil {
		deps.Clock = clock.Real()
	}
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	if cfg.UpgradeURL == "" {
		cfg.UpgradeURL = "/pricing"
	}

	return &Gateway{
		GatewayDeps: deps,
		cfg:         cfg,
		masker:      security.NewHeaderMasker(deps.Resolver.APIKeyHeader()),
	}
}

// Handle 处理一次自定义路由调用
//
// 返回值:
//   - *GatewayResponse: 路由代码设置的响应
//   - error: *GatewayError 表示应直接返回给调用方的拒绝或执行错误，其他错误为内部故障
func (g *Gateway) Handle(ctx context.Context, req *GatewayRequest) (*GatewayResponse, error) {
	resp, err := g.handle(ctx, req)

	var gwErr *GatewayError
	switch {
	case err == nil:
		g.Metrics.RecordGatewayOutcome("success", resp.Status)
	case errors.As(err, &gwErr):
		g.Metrics.RecordGatewayOutcome(gwErr.Outcome, gwErr.Status)
	default:
		g.Metrics.RecordGatewayOutcome("internal_error", http.StatusInternalServerError)
		g.Logger.Error("gateway request failed", zap.String("slug", req.Slug), zap.Error(err))
	}
	return resp, err
}

func (g *Gateway) handle(ctx context.Context, req *GatewayRequest) (*GatewayResponse, error) {
	route, err := g.Routes.FindActiveRouteBySlug(ctx, req.Slug)
	if err != nil {
		if errors.Is(err, storage.ErrRouteNotFound) {
			return nil, reject(http.StatusNotFound, "not_found", map[string]interface{}{
				"error": "Route not found",
			})
		}
		return nil, fmt.Errorf("find route: %w", err)
	}

	if !route.AcceptsMethod(req.Method) {
		return nil, reject(http.StatusMethodNotAllowed, "method_not_allowed", map[string]interface{}{
			"error": fmt.Sprintf("Method not allowed. This route only accepts %s requests", strings.ToUpper(route.Method)),
		})
	}

	cred, err := g.Resolver.Resolve(ctx, CredentialSource{Header: req.Header, Query: req.Query, Cookies: req.Cookies})
	if err != nil {
		return nil, fmt.Errorf("resolve credential: %w", err)
	}

	if cred.IsAPIKey() {
		if !route.AllowAPIKeyAccess {
			return nil, reject(http.StatusForbidden, "api_key_forbidden", map[string]interface{}{
				"error":   "API key access not enabled",
				"message": "This route does not accept API key authentication",
			})
		}

		quota, err := g.Quota.Check(ctx, cred.UserID)
		if err != nil {
			return nil, err
		}
		if !quota.Allowed {
			g.Metrics.RecordQuotaBlock()
			return nil, reject(http.StatusTooManyRequests, "quota_exceeded", map[string]interface{}{
				"error":   "API quota exceeded",
				"used":    quota.Used,
				"limit":   quota.Limit,
				"message": fmt.Sprintf("You have used all %d API calls included in your plan", quota.Limit),
			})
		}
	}

	if err := g.checkPlanAccess(ctx, route, cred); err != nil {
		return nil, err
	}

	decision, err := g.Limiter.CheckAndRecord(ctx, route, domain.IdentityFor(cred, req.IP))
	if err != nil {
		return nil, err
	}
	if !decision.Allowed {
		g.Metrics.RecordRateLimitBlock()
		return nil, reject(http.StatusTooManyRequests, "rate_limited", map[string]interface{}{
			"error":   "Rate limit exceeded",
			"message": fmt.Sprintf("This route allows %d calls per day", decision.Limit),
			"limit":   decision.Limit,
			"used":    decision.Used,
			"resetIn": int64(math.Ceil(decision.ResetIn.Seconds())),
		})
	}

	return g.execute(ctx, route, cred, req)
}

// checkPlanAccess 校验路由的套餐访问策略
func (g *Gateway) checkPlanAccess(ctx context.Context, route *domain.Route, cred domain.Credential) error {
	switch route.PlanAccess {
	case domain.PlanAccessAnySubscriber, domain.PlanAccessPaidOnly:
	default:
		return nil
	}

	if !cred.HasIdentity() {
		return reject(http.StatusUnauthorized, "unauthenticated", map[string]interface{}{
			"error":   "Authentication required",
			"message": "Sign in or provide a valid API key to call this route",
		})
	}

	if route.PlanAccess == domain.PlanAccessPaidOnly {
		plan, err := g.Users.GetUserPlan(ctx, cred.UserID)
		if err != nil && !errors.Is(err, storage.ErrUserNotFound) {
			return fmt.Errorf("load user plan: %w", err)
		}
		if plan.IsFree() {
			return reject(http.StatusForbidden, "upgrade_required", map[string]interface{}{
				"error":       "Upgrade required",
				"message":     "This route is only available on paid plans",
				"upgrade_url": g.cfg.UpgradeURL,
			})
		}
	}
	return nil
}

// execute 运行路由代码并写入审计日志，成功时异步更新计数
func (g *Gateway) execute(ctx context.Context, route *domain.Route, cred domain.Credential, req *GatewayRequest) (*GatewayResponse, error) {
	sreq := buildSandboxRequest(req)

	start := time.Now()
	result, execErr := g.Executor.Execute(ctx, route, sreq)
	duration := time.Since(start)

	var console []domain.ConsoleEntry
	if result != nil {
		console = result.Console
	}

	record := ExecutionRecord{
		RouteID:    route.ID,
		Credential: cred,
		Method:     req.Method,
		Headers:    g.masker.Mask(req.Header),
		Body:       req.Body,
		Query:      sreq.Query,
		Duration:   duration,
		Console:    console,
		IP:         req.IP,
		UserAgent:  req.UserAgent,
		At:         g.Clock.Now(),
	}
	g.Metrics.RecordExecution(duration, execErr != nil)

	if execErr != nil {
		message := execErr.Error()
		var scriptErr *sandbox.ExecutionError
		if errors.As(execErr, &scriptErr) {
			record.ErrStack = scriptErr.Stack
		}
		record.Status = http.StatusInternalServerError
		record.Err = execErr
		g.Logs.Record(ctx, BuildExecutionLog(record))

		g.Logger.Warn("route execution failed",
			zap.String("slug", route.Slug),
			zap.Duration("duration", duration),
			zap.Error(execErr),
		)

		if console == nil {
			console = []domain.ConsoleEntry{}
		}
		return nil, reject(http.StatusInternalServerError, "execution_error", map[string]interface{}{
			"error":       "Execution failed",
			"message":     message,
			"consoleLogs": console,
		})
	}

	out := result.Response
	record.Status = out.StatusCode
	g.Logs.Record(ctx, BuildExecutionLog(record))
	g.recordSuccess(ctx, route, cred)

	return &GatewayResponse{
		Status:      out.StatusCode,
		Headers:     out.Headers,
		ContentType: out.ContentType,
		Body:        out.Body,
	}, nil
}

// recordSuccess 更新执行计数，API Key 调用同时扣减额度并刷新最后使用时间
func (g *Gateway) recordSuccess(ctx context.Context, route *domain.Route, cred domain.Credential) {
	at := g.Clock.Now()

	g.background(ctx, "execution_stats", func(ctx context.Context) error {
		return g.Routes.IncrementExecutionStats(ctx, route.ID, at)
	})

	if !cred.IsAPIKey() {
		return
	}
	g.background(ctx, "quota_consume", func(ctx context.Context) error {
		return g.Quota.Consume(ctx, cred.UserID)
	})
	if g.APIKeys != nil {
		g.background(ctx, "api_key_touch", func(ctx context.Context) error {
			return g.APIKeys.TouchLastUsed(ctx, cred.KeyID)
		})
	}
}

// background 提交不影响响应的后台任务，失败只记录日志
func (g *Gateway) background(ctx context.Context, task string, fn func(ctx context.Context) error) {
	ctx = context.WithoutCancel(ctx)
	g.Tasks.Go(func() {
		taskCtx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()

		if err := fn(taskCtx); err != nil {
			g.Metrics.RecordBackgroundFailure(task)
			g.Logger.Error("background task failed", zap.String("task", task), zap.Error(err))
		}
	})
}

// buildSandboxRequest 把入站请求转换为脚本可见的 req
func buildSandboxRequest(req *GatewayRequest) *sandbox.Request {
	headers := make(map[string]string, len(req.Header))
	for name, values := range req.Header {
		headers[strings.ToLower(name)] = strings.Join(values, ", ")
	}

	query := make(map[string]interface{}, len(req.Query))
	for key, values := range req.Query {
		if len(values) == 1 {
			query[key] = values[0]
		} else {
			query[key] = values
		}
	}

	return &sandbox.Request{
		Method:  strings.ToUpper(req.Method),
		URL:     req.URL,
		Path:    req.Path,
		Query:   query,
		Headers: headers,
		Cookies: req.Cookies,
		Body:    parseBody(req.Header.Get("Content-Type"), req.Body),
		Params:  map[string]string{"slug": req.Slug},
	}
}

// parseBody JSON 与表单请求体解析为对象，其余按字符串传入，空请求体为 {}
func parseBody(contentType string, body []byte) interface{} {
	if len(body) == 0 {
		return map[string]interface{}{}
	}

	mediaType, _, _ := mime.ParseMediaType(contentType)
	switch {
	case mediaType == "application/json" || strings.HasSuffix(mediaType, "+json"):
		var parsed interface{}
		if err := json.Unmarshal(body, &parsed); err == nil {
			return parsed
		}
	case mediaType == "application/x-www-form-urlencoded":
		if values, err := url.ParseQuery(string(body)); err == nil {
			form := make(map[string]interface{}, len(values))
			for key, vs := range values {
				if len(vs) == 1 {
					form[key] = vs[0]
				} else {
					form[key] = vs
				}
			}
			return form
		}
	}
	return string(body)
}
