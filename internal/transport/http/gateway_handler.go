package httptransport

import (
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"sitegate/backend/internal/middleware"
	"sitegate/backend/internal/service"
)

// GatewayHandler 把 /api/custom/:slug 请求交给网关
type GatewayHandler struct {
	gateway *service.Gateway
	maxBody int64
	log     *zap.Logger
}

// NewGatewayHandler 创建网关处理器
func NewGatewayHandler(gateway *service.Gateway, maxBody int64, log *zap.Logger) *GatewayHandler {
	if maxBody <= 0 {
		maxBody = middleware.DefaultBodyLimit
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &GatewayHandler{gateway: gateway, maxBody: maxBody, log: log}
}

// Handle 处理任意方法的自定义路由调用
func (h *GatewayHandler) Handle(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, middleware.BodyTooLarge(h.maxBody))
			return
		}
		h.log.Debug("failed to read request body", zap.String("slug", c.Param("slug")), zap.Error(err))
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "Failed to read request body"})
		return
	}

	cookies := make(map[string]string)
	for _, cookie := range c.Request.Cookies() {
		cookies[cookie.Name] = cookie.Value
	}

	req := &service.GatewayRequest{
		Slug:      c.Param("slug"),
		Method:    c.Request.Method,
		URL:       c.Request.URL.RequestURI(),
		Path:      c.Request.URL.Path,
		Header:    c.Request.Header,
		Query:     c.Request.URL.Query(),
		Cookies:   cookies,
		Body:      body,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	}

	resp, err := h.gateway.Handle(c.Request.Context(), req)
	if err != nil {
		h.writeError(c, err)
		return
	}

	for name, value := range resp.Headers {
		c.Header(name, value)
	}
	if len(resp.Body) == 0 && resp.ContentType == "" {
		c.Status(resp.Status)
		c.Writer.WriteHeaderNow()
		return
	}
	c.Data(resp.Status, resp.ContentType, resp.Body)
}

func (h *GatewayHandler) writeError(c *gin.Context, err error) {
	var gwErr *service.GatewayError
	if !errors.As(err, &gwErr) {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
		return
	}

	if resetIn, ok := gwErr.Body["resetIn"].(int64); ok {
		c.Header("Retry-After", strconv.FormatInt(resetIn, 10))
	}
	c.AbortWithStatusJSON(gwErr.Status, gwErr.Body)
}
