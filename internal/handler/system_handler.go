package handler

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-redteam/internal/service"
)

// SystemHandler 系统处理器
type SystemHandler struct {
	svc *service.Services
}

// NewSystemHandler 创建系统处理器
func NewSystemHandler(svc *service.Services) *SystemHandler {
	return &SystemHandler{svc: svc}
}

// Health 健康检查，数据库不可用时返回 503
// GET /health
func (h *SystemHandler) Health(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()
	if err := h.svc.Ping(ctx); err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"status": "unavailable", "error": err.Error()})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"status":     "ok",
		"chat_model": h.svc.ChatModel != nil,
		"embedder":   h.svc.Embedder != nil,
	})
}

// GetSystemInfo 获取系统信息
// GET /api/v1/system/info
func (h *SystemHandler) GetSystemInfo(c *gin.Context) {
	cfg := h.svc.Config
	Success(c, gin.H{
		"name":        cfg.App.Name,
		"version":     cfg.App.Version,
		"environment": cfg.App.Environment,
		"database":    cfg.Database.Driver,
		"storage":     cfg.Storage.Type,
		"ai_provider": cfg.AI.Provider,
		"attack": gin.H{
			"batch_size":     cfg.Attack.BatchSize,
			"max_turns":      cfg.Attack.MaxTurns,
			"max_backtracks": cfg.Attack.MaxBacktracks,
		},
	})
}
