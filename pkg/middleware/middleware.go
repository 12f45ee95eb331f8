// Package middleware 提供 Gin 通用中间件（访问日志、trace、panic recover、限流）
package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/wyfcoding/matchingcore/pkg/logger"
)

// RequestIDKey gin.Context 中的 request ID 键
const RequestIDKey = "request_id"

// TraceHeader 上游透传的 trace 头
const TraceHeader = "X-Trace-ID"

// Logging 记录访问日志并把 trace_id 注入请求 context
func Logging(l *slog.Logger) gin.HandlerFunc {
	l = l.With("module", "http")
	return func(c *gin.Context) {
		requestID := uuid.NewString()
		traceID := c.GetHeader(TraceHeader)
		if traceID == "" {
			traceID = requestID
		}
		c.Set(RequestIDKey, requestID)
		c.Header(TraceHeader, traceID)

		ctx := logger.WithTraceID(c.Request.Context(), traceID)
		c.Request = c.Request.WithContext(ctx)

		start := time.Now()
		c.Next()

		logger.FromContext(ctx, l).InfoContext(ctx, "HTTP request completed",
			"request_id", requestID,
			"method", c.Request.Method,
			"path", c.FullPath(),
			"status_code", c.Writer.Status(),
			"response_size", c.Writer.Size(),
			"client_ip", c.ClientIP(),
			"duration", time.Since(start),
		)
	}
}

// Recovery 捕获 handler panic 并返回 500
func Recovery(l *slog.Logger) gin.HandlerFunc {
	l = l.With("module", "http")
	return func(c *gin.Context) {
		defer func() {
			if err := recover(); err != nil {
				requestID, _ := c.Get(RequestIDKey)
				logger.FromContext(c.Request.Context(), l).Error("HTTP request panicked",
					"request_id", requestID,
					"path", c.Request.URL.Path,
					"panic", err,
				)
				c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{
					"error":      "internal server error",
					"request_id": requestID,
				})
			}
		}()
		c.Next()
	}
}
