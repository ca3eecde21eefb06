package sandbox

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"os"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"sitegate/backend/internal/cache"
	"sitegate/backend/internal/domain"
)

// DefaultTimeout 单次执行的默认墙钟超时
const DefaultTimeout = 10 * time.Second

// maxCallStackSize 脚本调用栈深度上限，超出时抛出 RangeError
const maxCallStackSize = 10000

// Request 传入脚本的只读请求数据
type Request struct {
	Method  string                 `json:"method"`
	URL     string                 `json:"url"`
	Path    string                 `json:"path"`
	Query   map[string]interface{} `json:"query"`
	Headers map[string]string      `json:"headers"`
	Cookies map[string]string      `json:"cookies"`
	Body    interface{}            `json:"body"`
	Params  map[string]string      `json:"params"`
}

// Response 脚本通过 res 写入的响应，执行结束后才写回 HTTP
type Response struct {
	StatusCode  int
	Headers     map[string]string
	ContentType string
	Body        []byte
	Sent        bool
}

// Result 一次执行的产出，出错时 Console 仍包含抛错前的输出
type Result struct {
	Response *Response
	Console  []domain.ConsoleEntry
}

// Options 执行器配置
type Options struct {
	Timeout     time.Duration
	PackagesDir string
	EnvPrefix   string
	Programs    *cache.LocalCache // 编译结果缓存，可为 nil
	Logger      *zap.Logger
}

// Executor 路由脚本沙箱执行器
//
// 每次执行使用全新的 goja.Runtime，执行之间不共享任何脚本状态。
type Executor struct {
	timeout     time.Duration
	packagesDir string
	env         map[string]string
	programs    *cache.LocalCache
	log         *zap.Logger
	now         func() time.Time
}

// New 创建执行器，环境变量在创建时按前缀快照
func New(opts Options) *Executor {
	if opts.Timeout <= 0 {
		opts.Timeout = DefaultTimeout
	}
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}

	return &Executor{
		timeout:     opts.Timeout,
		packagesDir: opts.PackagesDir,
		env:         snapshotEnv(opts.EnvPrefix),
		programs:    opts.Programs,
		log:         opts.Logger,
		now:         time.Now,
	}
}

// Timeout 返回执行超时
func (e *Executor) Timeout() time.Duration {
	return e.timeout
}

// Execute 在隔离的运行时中执行路由代码
//
// 脚本抛出的任何错误（语法、运行时、超时、未安装的包）都以 *ExecutionError 返回，
// 执行器自身不吞掉错误。
func (e *Executor) Execute(ctx context.Context, route *domain.Route, req *Request) (*Result, error) {
	r := newRun(e, route)

	deadline := time.Now().Add(e.timeout)
	r.deadline = deadline
	r.stop = ctx.Done()
	watchdog := time.AfterFunc(e.timeout, func() {
		r.vm.Interrupt(ErrExecutionTimeout)
	})
	defer watchdog.Stop()

	stopCtx := context.AfterFunc(ctx, func() {
		r.vm.Interrupt(ctx.Err())
	})
	defer stopCtx()

	if err := r.install(req); err != nil {
		return r.finish(r.convertError(err))
	}

	program, err := e.compileRoute(route.Code)
	if err != nil {
		return r.finish(&ExecutionError{Message: err.Error(), Cause: err})
	}

	value, err := r.vm.RunProgram(program)
	if err != nil {
		return r.finish(r.convertError(err))
	}

	promise, ok := value.Export().(*goja.Promise)
	if !ok {
		return r.finish(nil)
	}

	return r.finish(r.drive(ctx, promise, deadline))
}

// compileRoute 把路由代码包装为立即执行的 async 函数并编译
func (e *Executor) compileRoute(code string) (*goja.Program, error) {
	sum := sha256.Sum256([]byte(code))
	key := "route:" + hex.EncodeToString(sum[:])

	if e.programs != nil {
		if cached, ok := e.programs.Get(key); ok {
			return cached.(*goja.Program), nil
		}
	}

	src := "(async function () {\n" + code + "\n})()"
	program, err := goja.Compile("route.js", src, false)
	if err != nil {
		return nil, err
	}

	if e.programs != nil {
		e.programs.Set(key, program, 0)
	}
	return program, nil
}

// drive 运行事件循环直到 Promise 结束、响应已发送或超时
func (r *run) drive(ctx context.Context, promise *goja.Promise, deadline time.Time) error {
	for {
		switch promise.State() {
		case goja.PromiseStateRejected:
			return r.errorFromValue(promise.Result())
		case goja.PromiseStateFulfilled:
			if r.res.Sent || !r.timers.pending() {
				return nil
			}
		}

		next := r.timers.next()
		if next == nil {
			if r.res.Sent {
				return nil
			}
			return &ExecutionError{
				Message: "Route handler is still pending and has nothing left to run",
				Cause:   ErrExecutionStalled,
			}
		}

		wakeAt := next.due
		timedOut := false
		if wakeAt.After(deadline) {
			wakeAt = deadline
			timedOut = true
		}

		if wait := time.Until(wakeAt); wait > 0 {
			t := time.NewTimer(wait)
			select {
			case <-t.C:
			case <-ctx.Done():
				t.Stop()
				return &ExecutionError{Message: ctx.Err().Error(), Cause: ctx.Err()}
			}
		}
		if timedOut {
			return timeoutError(r.exec.timeout.Milliseconds())
		}

		if err := r.timers.fire(next); err != nil {
			return r.convertError(err)
		}
	}
}

// convertError 把 goja 返回的错误转换为 ExecutionError
func (r *run) convertError(err error) error {
	if err == nil {
		return nil
	}

	var execErr *ExecutionError
	if errors.As(err, &execErr) {
		return execErr
	}

	var interrupted *goja.InterruptedError
	if errors.As(err, &interrupted) {
		if cause, ok := interrupted.Value().(error); ok && !errors.Is(cause, ErrExecutionTimeout) {
			return &ExecutionError{Message: cause.Error(), Cause: cause}
		}
		return timeoutError(r.exec.timeout.Milliseconds())
	}

	var exception *goja.Exception
	if errors.As(err, &exception) {
		return r.errorFromValue(exception.Value())
	}

	return &ExecutionError{Message: err.Error(), Cause: err}
}

// errorFromValue 从脚本抛出的值中提取 message 和 stack
func (r *run) errorFromValue(v goja.Value) *ExecutionError {
	if v == nil || goja.IsUndefined(v) || goja.IsNull(v) {
		return &ExecutionError{Message: "Route handler threw " + valueString(v)}
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return &ExecutionError{Message: v.String()}
	}

	out := &ExecutionError{Message: v.String()}
	if msg := obj.Get("message"); msg != nil && !goja.IsUndefined(msg) {
		out.Message = msg.String()
	}
	if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
		out.Stack = stack.String()
	}
	if inner := obj.Get("value"); inner != nil {
		if cause, ok := inner.Export().(error); ok {
			out.Cause = cause
		}
	}
	return out
}

func valueString(v goja.Value) string {
	if v == nil {
		return "undefined"
	}
	return v.String()
}

// snapshotEnv 收集指定前缀的环境变量，前缀为空时不暴露任何变量
func snapshotEnv(prefix string) map[string]string {
	env := make(map[string]string)
	if prefix == "" {
		return env
	}
	for _, kv := range os.Environ() {
		key, value, ok := strings.Cut(kv, "=")
		if ok && strings.HasPrefix(key, prefix) {
			env[key] = value
		}
	}
	return env
}
