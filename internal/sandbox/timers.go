package sandbox

import (
	"time"

	"github.com/dop251/goja"
)

type timer struct {
	id       int64
	seq      int64
	due      time.Time
	interval time.Duration
	repeat   bool
	fn       goja.Callable
	args     []goja.Value
}

// timerQueue 单次执行内的定时器，由 drive 在执行协程上依次触发
type timerQueue struct {
	timers map[int64]*timer
	lastID int64
	seq    int64
	now    func() time.Time
}

func newTimerQueue() *timerQueue {
	return &timerQueue{
		timers: make(map[int64]*timer),
		now:    time.Now,
	}
}

func (q *timerQueue) pending() bool {
	return len(q.timers) > 0
}

// next 返回最早到期的定时器，到期时间相同时按注册顺序
func (q *timerQueue) next() *timer {
	var out *timer
	for _, t := range q.timers {
		if out == nil || t.due.Before(out.due) || (t.due.Equal(out.due) && t.seq < out.seq) {
			out = t
		}
	}
	return out
}

// fire 执行定时器回调，interval 定时器重新排期
func (q *timerQueue) fire(t *timer) error {
	if _, ok := q.timers[t.id]; !ok {
		return nil
	}

	if t.repeat {
		q.seq++
		t.seq = q.seq
		t.due = q.now().Add(t.interval)
	} else {
		delete(q.timers, t.id)
	}

	_, err := t.fn(goja.Undefined(), t.args...)
	return err
}

func (q *timerQueue) add(r *run, call goja.FunctionCall, repeat bool) goja.Value {
	fn, ok := goja.AssertFunction(call.Argument(0))
	if !ok {
		panic(r.vm.NewTypeError("The \"callback\" argument must be of type function"))
	}

	delay := time.Duration(call.Argument(1).ToInteger()) * time.Millisecond
	if delay < time.Millisecond {
		delay = 0
		if repeat {
			delay = time.Millisecond
		}
	}

	var args []goja.Value
	if len(call.Arguments) > 2 {
		args = append(args, call.Arguments[2:]...)
	}

	q.lastID++
	q.seq++
	t := &timer{
		id:       q.lastID,
		seq:      q.seq,
		due:      q.now().Add(delay),
		interval: delay,
		repeat:   repeat,
		fn:       fn,
		args:     args,
	}
	q.timers[t.id] = t

	return r.vm.ToValue(t.id)
}

func (q *timerQueue) setTimeout(r *run) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return q.add(r, call, false)
	}
}

func (q *timerQueue) setInterval(r *run) func(goja.FunctionCall) goja.Value {
	return func(call goja.FunctionCall) goja.Value {
		return q.add(r, call, true)
	}
}

// clear 同时用于 clearTimeout 与 clearInterval，未知 id 静默忽略
func (q *timerQueue) clear(call goja.FunctionCall) goja.Value {
	id := call.Argument(0)
	if goja.IsUndefined(id) || goja.IsNull(id) {
		return goja.Undefined()
	}
	delete(q.timers, id.ToInteger())
	return goja.Undefined()
}
