package http

import (
	"log/slog"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/wyfcoding/matchingcore/pkg/config"
	"github.com/wyfcoding/matchingcore/pkg/metrics"
	"github.com/wyfcoding/matchingcore/pkg/middleware"
	"github.com/wyfcoding/matchingcore/pkg/ratelimit"
)

// NewRouter 组装中间件、业务路由、健康检查与指标端点，limiter 可为空。
// 指令与查询分属两个限流组
func NewRouter(h *MatchingHandler, m *metrics.Metrics, limiter ratelimit.Limiter, cfg config.Config, logger *slog.Logger) *gin.Engine {
	if cfg.Environment == "prod" {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(middleware.Recovery(logger), middleware.Logging(logger))

	r.GET("/healthz", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok", "service": cfg.ServiceName})
	})
	if cfg.Metrics.Enabled {
		r.GET(cfg.Metrics.Path, gin.WrapH(m.Handler()))
	}

	rl := cfg.HTTP.RateLimit
	if !rl.Enabled {
		limiter = nil
	}
	api := r.Group("/api/v1")
	h.RegisterCommandRoutes(api.Group("", middleware.RateLimit(limiter, ratelimit.Rule{
		Group: "commands", PerSecond: rl.Commands.QPS, Burst: rl.Commands.Burst,
	}, logger)))
	h.RegisterQueryRoutes(api.Group("", middleware.RateLimit(limiter, ratelimit.Rule{
		Group: "queries", PerSecond: rl.Queries.QPS, Burst: rl.Queries.Burst,
	}, logger)))
	return r
}
