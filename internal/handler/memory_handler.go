package handler

import (
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/service"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// MemoryHandler 对话、piece 与评分查询
type MemoryHandler struct {
	svc *service.Services
}

// NewMemoryHandler 创建记忆处理器
func NewMemoryHandler(svc *service.Services) *MemoryHandler {
	return &MemoryHandler{svc: svc}
}

// GetConversation 获取会话的全部轮次
// GET /api/v1/conversations/:id
func (h *MemoryHandler) GetConversation(c *gin.Context) {
	id := c.Param("id")
	turns := h.svc.Memory.GetConversation(c.Request.Context(), id)
	if len(turns) == 0 {
		NotFound(c, fmt.Sprintf("conversation %s not found", id))
		return
	}
	Success(c, gin.H{"conversation_id": id, "turns": turns})
}

// DuplicateConversationRequest 复制会话请求
type DuplicateConversationRequest struct {
	OrchestratorID  string `json:"orchestrator_id"`
	ExcludeLastTurn bool   `json:"exclude_last_turn"`
}

// DuplicateConversation 复制会话
// POST /api/v1/conversations/:id/duplicate
func (h *MemoryHandler) DuplicateConversation(c *gin.Context) {
	var req DuplicateConversationRequest
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			BadRequest(c, "invalid request: "+err.Error())
			return
		}
	}

	ctx := c.Request.Context()
	dup := h.svc.Memory.DuplicateConversation
	if req.ExcludeLastTurn {
		dup = h.svc.Memory.DuplicateConversationExcludingLastTurn
	}
	newID, err := dup(ctx, c.Param("id"), req.OrchestratorID)
	if err != nil {
		Error(c, err)
		return
	}
	Created(c, gin.H{"conversation_id": newID})
}

// UpdateLabelsRequest 更新标签请求
type UpdateLabelsRequest struct {
	Labels map[string]string `json:"labels" binding:"required"`
}

// UpdateLabels 合并会话标签
// PATCH /api/v1/conversations/:id/labels
func (h *MemoryHandler) UpdateLabels(c *gin.Context) {
	var req UpdateLabelsRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request: "+err.Error())
		return
	}
	id := c.Param("id")
	if !h.svc.Memory.UpdateLabelsByConversationID(c.Request.Context(), id, req.Labels) {
		NotFound(c, fmt.Sprintf("conversation %s not updated", id))
		return
	}
	Success(c, gin.H{"conversation_id": id})
}

// ListPieces 按条件查询 piece
// GET /api/v1/pieces?conversation_id=&orchestrator_id=&role=&data_type=&label=k:v&sent_after=&sent_before=&limit=
func (h *MemoryHandler) ListPieces(c *gin.Context) {
	filter, err := parsePieceFilter(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}
	pieces := h.svc.Memory.GetPieces(c.Request.Context(), filter)
	if pieces == nil {
		pieces = []*model.PromptRequestPiece{}
	}
	Success(c, pieces)
}

// ListScores 按 piece 或编排器查询评分
// GET /api/v1/scores?piece_id=a&piece_id=b | orchestrator_id= | label=k:v
func (h *MemoryHandler) ListScores(c *gin.Context) {
	ctx := c.Request.Context()
	var scores []*model.Score
	switch {
	case len(c.QueryArray("piece_id")) > 0:
		scores = h.svc.Memory.GetScoresByPieceIDs(ctx, c.QueryArray("piece_id"))
	case c.Query("orchestrator_id") != "":
		scores = h.svc.Memory.GetScoresByOrchestratorID(ctx, c.Query("orchestrator_id"))
	case len(c.QueryArray("label")) > 0:
		labels, err := parseLabels(c.QueryArray("label"))
		if err != nil {
			BadRequest(c, err.Error())
			return
		}
		scores = h.svc.Memory.GetScoresByMemoryLabels(ctx, labels)
	default:
		BadRequest(c, "one of piece_id, orchestrator_id or label is required")
		return
	}
	if scores == nil {
		scores = []*model.Score{}
	}
	Success(c, scores)
}

// Export 导出 piece 与评分
// GET /api/v1/export?format=json|csv 以及 ListPieces 的过滤参数
func (h *MemoryHandler) Export(c *gin.Context) {
	format, err := memory.ParseExportFormat(c.Query("format"))
	if err != nil {
		Error(c, err)
		return
	}
	filter, err := parsePieceFilter(c)
	if err != nil {
		BadRequest(c, err.Error())
		return
	}

	contentType := "application/json"
	if format == memory.ExportCSV {
		contentType = "text/csv"
	}
	c.Header("Content-Type", contentType)
	c.Header("Content-Disposition", fmt.Sprintf("attachment; filename=memory.%s", format))
	if err := h.svc.Memory.Export(c.Request.Context(), c.Writer, format, filter); err != nil {
		h.svc.Logger.Error("export failed", "format", format, "error", err)
		c.Status(http.StatusInternalServerError)
	}
}

func parsePieceFilter(c *gin.Context) (*model.PieceFilter, error) {
	f := &model.PieceFilter{
		ConversationID:    c.Query("conversation_id"),
		OrchestratorID:    c.Query("orchestrator_id"),
		OriginalSHA256:    c.Query("original_sha256"),
		ConvertedSHA256:   c.Query("converted_sha256"),
		PromptIDs:         c.QueryArray("prompt_id"),
		OriginalPromptIDs: c.QueryArray("original_prompt_id"),
	}
	if v := c.Query("role"); v != "" {
		role, err := model.ParseChatRole(v)
		if err != nil {
			return nil, err
		}
		f.Role = role
	}
	if v := c.Query("data_type"); v != "" {
		dt, err := model.ParsePromptDataType(v)
		if err != nil {
			return nil, err
		}
		f.DataType = dt
	}
	if labels := c.QueryArray("label"); len(labels) > 0 {
		parsed, err := parseLabels(labels)
		if err != nil {
			return nil, err
		}
		f.Labels = parsed
	}
	for key, dst := range map[string]**time.Time{"sent_after": &f.SentAfter, "sent_before": &f.SentBefore} {
		v := c.Query(key)
		if v == "" {
			continue
		}
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return nil, fmt.Errorf("%s must be RFC3339: %w", key, err)
		}
		*dst = &t
	}
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("limit must be a non-negative integer")
		}
		f.Limit = n
	}
	return f, nil
}

// parseLabels 解析 k:v 形式的标签
func parseLabels(values []string) (map[string]string, error) {
	labels := make(map[string]string, len(values))
	for _, v := range values {
		k, val, ok := strings.Cut(v, ":")
		if !ok || k == "" {
			return nil, fmt.Errorf("label %q must be key:value", v)
		}
		labels[k] = val
	}
	return labels, nil
}
