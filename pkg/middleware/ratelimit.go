package middleware

import (
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/matchingcore/pkg/ratelimit"
	"github.com/wyfcoding/pkg/response"
)

// ClientHeader 调用方声明的客户 ID
const ClientHeader = "X-Client-ID"

// RateLimit 按路由组规则限流。调用方优先取 X-Client-ID 头，其次取路由参数 :client，
// 都没有时退回客户端 IP。limiter 为空时不限流，限流器故障时放行
func RateLimit(limiter ratelimit.Limiter, rule ratelimit.Rule, logger *slog.Logger) gin.HandlerFunc {
	if limiter == nil {
		return func(c *gin.Context) { c.Next() }
	}
	logger = logger.With("module", "ratelimit", "group", rule.Group)
	return func(c *gin.Context) {
		subject := RateLimitSubject(c)
		d, err := limiter.Allow(c.Request.Context(), rule, subject)
		if err != nil {
			logger.Warn("rate limiter unavailable", "subject", subject, "error", err)
			c.Next()
			return
		}

		c.Header("X-RateLimit-Limit", strconv.Itoa(rule.Burst))
		c.Header("X-RateLimit-Remaining", strconv.Itoa(d.Remaining))
		c.Header("X-RateLimit-Reset", strconv.FormatInt(int64(d.ResetAfter/time.Second), 10))

		if !d.Allowed {
			retry := max(int64((d.RetryAfter+time.Second-1)/time.Second), 1)
			c.Header("Retry-After", strconv.FormatInt(retry, 10))
			logger.Debug("request throttled", "subject", subject, "path", c.FullPath(), "retry_after", d.RetryAfter)
			response.ErrorWithStatus(c, http.StatusTooManyRequests, "too many requests", d.RetryAfter.String())
			return
		}
		c.Next()
	}
}

// RateLimitSubject 限流计数的调用方标识
func RateLimitSubject(c *gin.Context) string {
	if id := c.GetHeader(ClientHeader); id != "" {
		return "client:" + id
	}
	if id := c.Param("client"); id != "" {
		return "client:" + id
	}
	return "ip:" + c.ClientIP()
}
