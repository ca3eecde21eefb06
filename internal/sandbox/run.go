package sandbox

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/dop251/goja"
	"go.uber.org/zap"

	"sitegate/backend/internal/domain"
)

const deepFreezeSource = `(function deepFreeze(o) {
	if (o !== null && typeof o === 'object' && !Object.isFrozen(o)) {
		Object.freeze(o);
		Object.getOwnPropertyNames(o).forEach(function (k) { deepFreeze(o[k]); });
	}
	return o;
})`

var deepFreezeProgram = goja.MustCompile("freeze.js", deepFreezeSource, false)

// run 一次执行的全部状态，只在调用 Execute 的协程上使用
type run struct {
	exec    *Executor
	route   *domain.Route
	vm      *goja.Runtime
	res     *Response
	console *consoleBuffer
	timers  *timerQueue

	deadline time.Time
	stop     <-chan struct{} // 请求上下文取消
	timedOut bool            // 宿主侧阻塞调用等到了截止时间

	modules map[string]goja.Value   // 路由声明并已预加载的包
	host    map[string]goja.Value   // 已实例化的宿主模块
	loaded  map[string]*goja.Object // 包内文件路径 -> module 对象

	stringify goja.Callable
	parse     goja.Callable
	freeze    goja.Callable
	log       *zap.Logger
}

func newRun(e *Executor, route *domain.Route) *run {
	vm := goja.New()
	vm.SetMaxCallStackSize(maxCallStackSize)
	log := e.log.With(zap.String("route", route.Slug))

	return &run{
		exec:    e,
		route:   route,
		vm:      vm,
		res:     &Response{StatusCode: http.StatusOK, Headers: make(map[string]string)},
		console: newConsoleBuffer(log, e.now),
		timers:  newTimerQueue(),
		modules: make(map[string]goja.Value),
		host:    make(map[string]goja.Value),
		loaded:  make(map[string]*goja.Object),
		log:     log,
	}
}

// install 向运行时注入 req、res、console、process、require 与定时器
func (r *run) install(req *Request) error {
	jsonObj := r.vm.Get("JSON").ToObject(r.vm)
	r.stringify, _ = goja.AssertFunction(jsonObj.Get("stringify"))
	r.parse, _ = goja.AssertFunction(jsonObj.Get("parse"))

	freezeFn, err := r.vm.RunProgram(deepFreezeProgram)
	if err != nil {
		return err
	}
	r.freeze, _ = goja.AssertFunction(freezeFn)

	reqValue, err := r.buildRequest(req)
	if err != nil {
		return err
	}

	envValue, err := r.frozenJSON(r.exec.env)
	if err != nil {
		return err
	}
	process := r.vm.NewObject()
	_ = process.Set("env", envValue)

	globals := map[string]interface{}{
		"req":           reqValue,
		"res":           r.buildResponse(),
		"console":       r.console.object(r),
		"process":       process,
		"require":       r.require,
		"setTimeout":    r.timers.setTimeout(r),
		"setInterval":   r.timers.setInterval(r),
		"clearTimeout":  r.timers.clear,
		"clearInterval": r.timers.clear,
	}
	for name, value := range globals {
		if err := r.vm.Set(name, value); err != nil {
			return err
		}
	}

	return r.preload(r.route.PackageList())
}

// buildRequest 通过 JSON 往返构造纯 JS 对象并深度冻结
func (r *run) buildRequest(req *Request) (goja.Value, error) {
	if req == nil {
		req = &Request{}
	}
	if req.Query == nil {
		req.Query = map[string]interface{}{}
	}
	if req.Headers == nil {
		req.Headers = map[string]string{}
	}
	if req.Cookies == nil {
		req.Cookies = map[string]string{}
	}
	if req.Params == nil {
		req.Params = map[string]string{}
	}
	return r.frozenJSON(req)
}

func (r *run) frozenJSON(v interface{}) (goja.Value, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("encode sandbox input: %w", err)
	}
	parsed, err := r.parse(goja.Undefined(), r.vm.ToValue(string(raw)))
	if err != nil {
		return nil, err
	}
	return r.freeze(goja.Undefined(), parsed)
}

// buildResponse 构造 res 对象，所有写入先缓存在 Response 中
func (r *run) buildResponse() *goja.Object {
	res := r.vm.NewObject()
	_ = res.Set("statusCode", r.res.StatusCode)
	_ = res.Set("headersSent", false)

	_ = res.Set("status", func(call goja.FunctionCall) goja.Value {
		code := int(call.Argument(0).ToInteger())
		if code < 100 || code > 599 {
			panic(r.vm.NewTypeError("Invalid status code: %s", call.Argument(0).String()))
		}
		if !r.res.Sent {
			r.res.StatusCode = code
			_ = res.Set("statusCode", code)
		}
		return res
	})

	_ = res.Set("setHeader", func(call goja.FunctionCall) goja.Value {
		name := http.CanonicalHeaderKey(call.Argument(0).String())
		switch name {
		case "Content-Length", "Transfer-Encoding", "Connection":
			return res
		}
		if !r.res.Sent {
			r.res.Headers[name] = call.Argument(1).String()
		}
		return res
	})

	_ = res.Set("json", func(call goja.FunctionCall) goja.Value {
		r.writeJSON(res, call.Argument(0))
		return res
	})

	_ = res.Set("send", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		switch {
		case goja.IsUndefined(arg) || goja.IsNull(arg):
			r.write(res, "", nil)
		case isObject(arg):
			r.writeJSON(res, arg)
		default:
			r.write(res, "text/plain; charset=utf-8", []byte(arg.String()))
		}
		return res
	})

	_ = res.Set("end", func(call goja.FunctionCall) goja.Value {
		arg := call.Argument(0)
		if goja.IsUndefined(arg) || goja.IsNull(arg) {
			r.write(res, "", nil)
		} else {
			r.write(res, "", []byte(arg.String()))
		}
		return res
	})

	_ = res.Set("redirect", func(call goja.FunctionCall) goja.Value {
		status, location := http.StatusFound, call.Argument(0)
		if len(call.Arguments) > 1 {
			status, location = int(call.Argument(0).ToInteger()), call.Argument(1)
		}
		if !r.res.Sent {
			r.res.StatusCode = status
			r.res.Headers["Location"] = location.String()
			_ = res.Set("statusCode", status)
		}
		r.write(res, "", nil)
		return res
	})

	return res
}

func (r *run) writeJSON(res *goja.Object, v goja.Value) {
	out, err := r.stringify(goja.Undefined(), v)
	if err != nil {
		r.throw(err)
	}
	body := ""
	if !goja.IsUndefined(out) {
		body = out.String()
	}
	r.write(res, "application/json; charset=utf-8", []byte(body))
}

// write 只有第一次写入生效，重复写入记录到 console
func (r *run) write(res *goja.Object, contentType string, body []byte) {
	if r.res.Sent {
		r.console.add("warn", "response already sent, ignoring additional write")
		return
	}
	r.res.Sent = true
	r.res.Body = body
	if contentType != "" {
		r.res.ContentType = contentType
	}
	_ = res.Set("headersSent", true)
}

// throw 把 Go 侧错误重新抛回脚本
func (r *run) throw(err error) {
	var exception *goja.Exception
	var interrupted *goja.InterruptedError
	switch {
	case errors.As(err, &exception):
		panic(exception)
	case errors.As(err, &interrupted):
		panic(interrupted)
	default:
		panic(r.vm.NewGoError(err))
	}
}

func isObject(v goja.Value) bool {
	_, ok := v.(*goja.Object)
	return ok
}

// finish 汇总执行结果
func (r *run) finish(err error) (*Result, error) {
	result := &Result{
		Response: r.res,
		Console:  r.console.snapshot(),
	}
	if r.timedOut {
		return result, timeoutError(r.exec.timeout.Milliseconds())
	}
	if err != nil {
		return result, err
	}
	return result, nil
}

// blocking 在独立协程中执行宿主侧的耗时计算
//
// goja 的 Interrupt 无法打断 Go 代码，这里按截止时间和请求取消提前返回，
// 计算协程在后台自行结束。
func (r *run) blocking(fn func() (interface{}, error)) (interface{}, error) {
	type outcome struct {
		value interface{}
		err   error
	}
	done := make(chan outcome, 1)
	go func() {
		v, err := fn()
		done <- outcome{v, err}
	}()

	timer := time.NewTimer(time.Until(r.deadline))
	defer timer.Stop()

	select {
	case out := <-done:
		return out.value, out.err
	case <-timer.C:
		r.timedOut = true
		return nil, ErrExecutionTimeout
	case <-r.stop:
		return nil, context.Canceled
	}
}

// inspect 把任意 JS 值格式化为日志文本
func (r *run) inspect(v goja.Value) string {
	if v == nil || goja.IsUndefined(v) {
		return "undefined"
	}
	if goja.IsNull(v) {
		return "null"
	}

	obj, ok := v.(*goja.Object)
	if !ok {
		return v.String()
	}
	if _, isFn := goja.AssertFunction(v); isFn {
		return "[Function]"
	}
	if obj.ClassName() == "Error" {
		if stack := obj.Get("stack"); stack != nil && !goja.IsUndefined(stack) {
			return stack.String()
		}
		return v.String()
	}

	out, err := r.stringify(goja.Undefined(), v)
	if err != nil || goja.IsUndefined(out) {
		return v.String()
	}
	return out.String()
}

func (r *run) format(args []goja.Value) string {
	parts := make([]string, 0, len(args))
	for _, arg := range args {
		parts = append(parts, r.inspect(arg))
	}
	return strings.Join(parts, " ")
}
