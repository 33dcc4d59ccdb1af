package router

import (
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/ashwinyue/next-redteam/internal/handler"
	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/middleware"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
)

// SetupRouter 设置路由
func SetupRouter(h *handler.Handlers, log *logger.Logger, m *metrics.Metrics) *gin.Engine {
	r := gin.New()

	// 中间件
	r.Use(middleware.RecoveryMiddleware(log))
	r.Use(middleware.LoggingMiddleware(log))
	r.Use(middleware.MetricsMiddleware(m))
	r.Use(middleware.CORSMiddleware())

	// 健康检查与指标
	r.GET("/health", h.System.Health)
	if m != nil {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(m.Registry, promhttp.HandlerOpts{})))
	} else {
		r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(prometheus.DefaultGatherer, promhttp.HandlerOpts{})))
	}

	// API v1
	v1 := r.Group("/api/v1")
	{
		v1.GET("/system/info", h.System.GetSystemInfo)

		// 会话
		convs := v1.Group("/conversations")
		{
			convs.GET("/:id", h.Memory.GetConversation)
			convs.POST("/:id/duplicate", h.Memory.DuplicateConversation)
			convs.PATCH("/:id/labels", h.Memory.UpdateLabels)
		}

		// 记忆查询
		v1.GET("/pieces", h.Memory.ListPieces)
		v1.GET("/scores", h.Memory.ListScores)
		v1.GET("/export", h.Memory.Export)

		// 攻击
		attacks := v1.Group("/attacks")
		{
			attacks.GET("", h.Attack.ListStates)
			attacks.POST("/prompt-sending", h.Attack.PromptSending)
			attacks.POST("/red-teaming", h.Attack.RedTeaming)
			attacks.GET("/:conversation_id/state", h.Attack.GetState)
		}

		// 种子提示
		seeds := v1.Group("/seeds")
		{
			seeds.POST("", h.Seed.Import)
			seeds.GET("", h.Seed.List)
		}
	}

	return r
}
