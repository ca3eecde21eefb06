package service

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"gorm.io/datatypes"

	"sitegate/backend/internal/domain"
	"sitegate/backend/internal/monitoring"
	"sitegate/backend/internal/storage"
)

// backgroundTimeout 单个后台写入任务的超时
const backgroundTimeout = 5 * time.Second

// Dispatcher 执行不阻塞响应的后台任务
type Dispatcher interface {
	Go(task func())
}

// InlineDispatcher 在调用方协程上同步执行任务
type InlineDispatcher struct{}

// Go 立即执行任务
func (InlineDispatcher) Go(task func()) {
	task()
}

// ExecutionLogger 执行审计日志，写入失败只记录到服务日志
type ExecutionLogger struct {
	logs    storage.ExecutionLogRepository
	tasks   Dispatcher
	metrics *monitoring.Metrics
	log     *zap.Logger
}

// NewExecutionLogger 创建审计日志记录器
func NewExecutionLogger(logs storage.ExecutionLogRepository, tasks Dispatcher, metrics *monitoring.Metrics, log *zap.Logger) *ExecutionLogger {
	if tasks == nil {
		tasks = InlineDispatcher{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &ExecutionLogger{logs: logs, tasks: tasks, metrics: metrics, log: log}
}

// Record 异步写入一条审计记录
func (l *ExecutionLogger) Record(ctx context.Context, entry *domain.ExecutionLog) {
	ctx = context.WithoutCancel(ctx)
	l.tasks.Go(func() {
		writeCtx, cancel := context.WithTimeout(ctx, backgroundTimeout)
		defer cancel()

		if err := l.logs.AppendExecutionLog(writeCtx, entry); err != nil {
			l.metrics.RecordBackgroundFailure("execution_log")
			l.log.Error("failed to write execution log",
				zap.String("route_id", entry.RouteID),
				zap.Int("status", entry.ResponseStatus),
				zap.Error(err),
			)
		}
	})
}

// ExecutionRecord 构造审计记录所需的请求与执行信息
type ExecutionRecord struct {
	RouteID    string
	Credential domain.Credential
	Method     string
	Headers    map[string]string // 已遮盖
	Body       []byte
	Query      map[string]interface{}
	Status     int
	Duration   time.Duration
	Console    []domain.ConsoleEntry
	Err        error
	ErrStack   string
	IP         string
	UserAgent  string
	At         time.Time
}

// maxLoggedBody 审计日志中请求体的最大字节数
const maxLoggedBody = 64 << 10

// BuildExecutionLog 把执行信息转换为持久化记录
func BuildExecutionLog(rec ExecutionRecord) *domain.ExecutionLog {
	body := rec.Body
	if len(body) > maxLoggedBody {
		body = body[:maxLoggedBody]
	}

	console := rec.Console
	if console == nil {
		console = []domain.ConsoleEntry{}
	}

	entry := &domain.ExecutionLog{
		ID:              uuid.New().String(),
		RouteID:         rec.RouteID,
		UserID:          rec.Credential.UserIDPtr(),
		AuthMethod:      rec.Credential.Kind,
		RequestMethod:   rec.Method,
		RequestHeaders:  toJSON(rec.Headers),
		RequestBody:     string(body),
		RequestQuery:    toJSON(rec.Query),
		ResponseStatus:  rec.Status,
		ExecutionTimeMs: rec.Duration.Milliseconds(),
		ConsoleLogs:     toJSON(console),
		IPAddress:       rec.IP,
		UserAgent:       rec.UserAgent,
		CreatedAt:       rec.At,
	}
	if entry.AuthMethod == "" {
		entry.AuthMethod = domain.CredentialAnonymous
	}

	if rec.Err != nil {
		msg := rec.Err.Error()
		entry.ErrorMessage = &msg
		if rec.ErrStack != "" {
			stack := rec.ErrStack
			entry.ErrorStack = &stack
		}
	}
	return entry
}

func toJSON(v interface{}) datatypes.JSON {
	raw, err := json.Marshal(v)
	if err != nil || string(raw) == "null" {
		return datatypes.JSON("{}")
	}
	return datatypes.JSON(raw)
}
