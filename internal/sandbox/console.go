package sandbox

import (
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"sitegate/backend/internal/domain"
)

// consoleBuffer 收集脚本的 console 输出，同时转发到服务日志
type consoleBuffer struct {
	entries []domain.ConsoleEntry
	log     *zap.Logger
	now     func() time.Time
}

func newConsoleBuffer(log *zap.Logger, now func() time.Time) *consoleBuffer {
	return &consoleBuffer{
		entries: make([]domain.ConsoleEntry, 0, 8),
		log:     log,
		now:     now,
	}
}

func (c *consoleBuffer) add(kind, message string) {
	c.entries = append(c.entries, domain.ConsoleEntry{
		Type:      kind,
		Message:   message,
		Timestamp: c.now().UTC(),
	})

	switch kind {
	case "warn", "error":
		c.log.Warn("route console", zap.String("type", kind), zap.String("message", message))
	case "debug":
		c.log.Debug("route console", zap.String("message", message))
	default:
		c.log.Info("route console", zap.String("type", kind), zap.String("message", message))
	}
}

func (c *consoleBuffer) snapshot() []domain.ConsoleEntry {
	out := make([]domain.ConsoleEntry, len(c.entries))
	copy(out, c.entries)
	return out
}

// object 构造脚本可见的 console 对象
func (c *consoleBuffer) object(r *run) *goja.Object {
	console := r.vm.NewObject()
	for _, kind := range []string{"log", "info", "warn", "error", "debug"} {
		kind := kind
		_ = console.Set(kind, func(call goja.FunctionCall) goja.Value {
			c.add(kind, r.format(call.Arguments))
			return goja.Undefined()
		})
	}
	return console
}
