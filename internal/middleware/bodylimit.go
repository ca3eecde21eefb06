package middleware

import (
	"fmt"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"
)

// DefaultBodyLimit 默认请求体大小限制
const DefaultBodyLimit = 1 * 1024 * 1024 // 1MB

// BodySizeLimit 限制请求体大小的中间件
func BodySizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultBodyLimit
	}

	return func(c *gin.Context) {
		// 检查 Content-Length 头
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, BodyTooLarge(maxBytes))
			return
		}

		// 限制请求体读取大小，分块传输时由处理器读取时发现超限
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Header("X-Max-Body-Size", strconv.FormatInt(maxBytes, 10))

		c.Next()
	}
}

// BodyTooLarge 请求体超限时的响应体
func BodyTooLarge(maxBytes int64) gin.H {
	return gin.H{
		"error":   "Request body too large",
		"message": fmt.Sprintf("Request body exceeds maximum size of %d bytes", maxBytes),
		"limit":   maxBytes,
	}
}
