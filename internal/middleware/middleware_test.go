package middleware

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"sitegate/backend/internal/monitoring"
)

func init() {
	gin.SetMode(gin.TestMode)
}

func TestIngressLimiter(t *testing.T) {
	t.Run("突发额度用尽后拒绝", func(t *testing.T) {
		metrics := monitoring.NewMetrics(prometheus.NewRegistry())
		limiter := NewIngressLimiter(1, 2, metrics)

		r := gin.New()
		r.Use(limiter.Middleware())
		r.GET("/x", func(c *gin.Context) { c.Status(http.StatusNoContent) })

		codes := make([]int, 0, 3)
		for i := 0; i < 3; i++ {
			w := httptest.NewRecorder()
			req := httptest.NewRequest(http.MethodGet, "/x", nil)
			req.RemoteAddr = "203.0.113.7:1234"
			r.ServeHTTP(w, req)
			codes = append(codes, w.Code)
		}

		assert.Equal(t, []int{http.StatusNoContent, http.StatusNoContent, http.StatusTooManyRequests}, codes)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.IngressBlocks))
	})

	t.Run("不同 IP 互不影响", func(t *testing.T) {
		limiter := NewIngressLimiter(1, 1, nil)
		assert.True(t, limiter.Allow("a"))
		assert.False(t, limiter.Allow("a"))
		assert.True(t, limiter.Allow("b"))
	})

	t.Run("清理空闲 IP", func(t *testing.T) {
		limiter := NewIngressLimiter(1, 1, nil)
		now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
		limiter.now = func() time.Time { return now }

		limiter.Allow("a")
		now = now.Add(5 * time.Minute)
		limiter.Allow("b")
		now = now.Add(6 * time.Minute)

		assert.Equal(t, 1, limiter.Sweep())
		assert.Len(t, limiter.limiters, 1)
	})
}

func TestBodySizeLimit(t *testing.T) {
	r := gin.New()
	r.Use(BodySizeLimit(8))
	r.POST("/x", func(c *gin.Context) {
		body, err := io.ReadAll(c.Request.Body)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, BodyTooLarge(8))
			return
		}
		c.String(http.StatusOK, string(body))
	})

	t.Run("未超限", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("tiny")))
		assert.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "8", w.Header().Get("X-Max-Body-Size"))
	})

	t.Run("Content-Length 超限直接拒绝", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("way too large")))
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
		assert.Contains(t, w.Body.String(), "Request body too large")
	})

	t.Run("未声明长度时读取超限", func(t *testing.T) {
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/x", strings.NewReader("way too large"))
		req.ContentLength = -1
		r.ServeHTTP(w, req)
		assert.Equal(t, http.StatusRequestEntityTooLarge, w.Code)
	})
}

func TestMonitoringMiddleware(t *testing.T) {
	metrics := monitoring.NewMetrics(prometheus.NewRegistry())
	mm := NewMonitoringMiddleware(metrics, nil)

	r := gin.New()
	r.Use(mm.PanicRecovery(), mm.HTTPMetrics())
	r.GET("/api/custom/:slug", func(c *gin.Context) { c.String(http.StatusOK, "ok") })
	r.GET("/boom", func(c *gin.Context) { panic("kaput") })

	t.Run("按路由模板记录", func(t *testing.T) {
		for _, slug := range []string{"a", "b"} {
			w := httptest.NewRecorder()
			r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/api/custom/"+slug, nil))
			require.Equal(t, http.StatusOK, w.Code)
		}
		assert.Equal(t, float64(2), testutil.ToFloat64(metrics.HTTPRequestsTotal.WithLabelValues("GET", "/api/custom/:slug", "200")))
	})

	t.Run("panic 返回 500 并计数", func(t *testing.T) {
		w := httptest.NewRecorder()
		r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/boom", nil))
		assert.Equal(t, http.StatusInternalServerError, w.Code)
		assert.Equal(t, float64(1), testutil.ToFloat64(metrics.PanicsTotal))
	})
}

func TestSecurityHeaders(t *testing.T) {
	r := gin.New()
	r.Use(SecurityHeaders())
	r.GET("/frame", func(c *gin.Context) {
		c.Header("X-Frame-Options", "SAMEORIGIN")
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/frame", nil))
	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "SAMEORIGIN", w.Header().Get("X-Frame-Options"))
}
