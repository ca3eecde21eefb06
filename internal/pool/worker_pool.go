package pool

import (
	"sync"

	"go.uber.org/zap"
)

// WorkerPool 后台任务协程池
//
// 网关的计数更新、额度扣减和审计写入都在这里执行，不阻塞 HTTP 响应。
type WorkerPool struct {
	maxWorkers int
	taskQueue  chan func()
	wg         sync.WaitGroup
	log        *zap.Logger
	onOverflow func()

	mu      sync.RWMutex
	stopped bool
}

// NewWorkerPool 创建协程池
//
// 参数:
//   - maxWorkers: 最大协程数
//   - queueSize: 任务队列大小
func NewWorkerPool(maxWorkers, queueSize int, log *zap.Logger) *WorkerPool {
	if maxWorkers <= 0 {
		maxWorkers = 1
	}
	if queueSize < 0 {
		queueSize = 0
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &WorkerPool{
		maxWorkers: maxWorkers,
		taskQueue:  make(chan func(), queueSize),
		log:        log,
	}
}

// OnOverflow 设置队列满时的回调，用于计数
func (p *WorkerPool) OnOverflow(fn func()) *WorkerPool {
	p.onOverflow = fn
	return p
}

// Start 启动协程池
//
// 工作协程一直运行到 Stop 关闭队列，关闭期间仍在处理的请求提交的任务不会丢失。
func (p *WorkerPool) Start() {
	for i := 0; i < p.maxWorkers; i++ {
		p.wg.Add(1)
		go p.worker()
	}
}

// TrySubmit 尝试提交任务
//
// 队列已满或协程池已停止时立即返回 false
func (p *WorkerPool) TrySubmit(task func()) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.stopped {
		return false
	}
	select {
	case p.taskQueue <- task:
		return true
	default:
		return false
	}
}

// Go 提交任务，任务不会被丢弃
//
// 队列满时退化为独立协程执行，Stop 会等待这些协程；协程池停止后在调用方同步执行。
func (p *WorkerPool) Go(task func()) {
	p.mu.RLock()
	if p.stopped {
		p.mu.RUnlock()
		p.log.Warn("worker pool stopped, running task on caller")
		p.run(task)
		return
	}
	select {
	case p.taskQueue <- task:
		p.mu.RUnlock()
		return
	default:
	}
	p.wg.Add(1)
	p.mu.RUnlock()

	p.log.Debug("worker pool saturated, running task inline goroutine")
	if p.onOverflow != nil {
		p.onOverflow()
	}
	go func() {
		defer p.wg.Done()
		p.run(task)
	}()
}

// Stop 停止协程池，等待已入队任务和退化协程执行完毕
func (p *WorkerPool) Stop() {
	p.mu.Lock()
	if p.stopped {
		p.mu.Unlock()
		return
	}
	p.stopped = true
	close(p.taskQueue)
	p.mu.Unlock()

	p.wg.Wait()
}

// worker 工作协程
func (p *WorkerPool) worker() {
	defer p.wg.Done()

	for task := range p.taskQueue {
		p.run(task)
	}
}

// run 执行任务并捕获 panic
func (p *WorkerPool) run(task func()) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("background task panicked", zap.Any("panic", r))
		}
	}()
	task()
}
