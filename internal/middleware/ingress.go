package middleware

import (
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/time/rate"

	"sitegate/backend/internal/monitoring"
)

// IngressLimiter 按来源 IP 的令牌桶限速，在路由查找之前拦截突发流量
//
// 与路由的每日限流无关，被拦截的请求不写入任何台账。
type IngressLimiter struct {
	mu       sync.Mutex
	limiters map[string]*ingressEntry
	r        rate.Limit
	burst    int
	idle     time.Duration
	metrics  *monitoring.Metrics
	now      func() time.Time
}

type ingressEntry struct {
	limiter  *rate.Limiter
	lastSeen time.Time
}

// NewIngressLimiter 创建入口限速器
func NewIngressLimiter(rps float64, burst int, metrics *monitoring.Metrics) *IngressLimiter {
	if burst <= 0 {
		burst = 1
	}
	return &IngressLimiter{
		limiters: make(map[string]*ingressEntry),
		r:        rate.Limit(rps),
		burst:    burst,
		idle:     10 * time.Minute,
		metrics:  metrics,
		now:      time.Now,
	}
}

// Allow 判断该 IP 当前是否还有令牌
func (l *IngressLimiter) Allow(ip string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	entry, ok := l.limiters[ip]
	if !ok {
		entry = &ingressEntry{limiter: rate.NewLimiter(l.r, l.burst)}
		l.limiters[ip] = entry
	}
	entry.lastSeen = now
	return entry.limiter.AllowN(now, 1)
}

// Sweep 清理长时间未出现的 IP
func (l *IngressLimiter) Sweep() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.idle)
	removed := 0
	for ip, entry := range l.limiters {
		if entry.lastSeen.Before(cutoff) {
			delete(l.limiters, ip)
			removed++
		}
	}
	return removed
}

// Middleware 返回 gin 中间件
func (l *IngressLimiter) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !l.Allow(c.ClientIP()) {
			l.metrics.RecordIngressBlock()
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"error": "Too many requests, slow down",
			})
			return
		}
		c.Next()
	}
}
