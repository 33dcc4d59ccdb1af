package handler

import (
	"fmt"

	"github.com/gin-gonic/gin"

	"github.com/ashwinyue/next-redteam/internal/service"
	"github.com/ashwinyue/next-redteam/internal/service/orchestrator"
)

// AttackHandler 攻击编排接口
type AttackHandler struct {
	svc *service.Services
}

// NewAttackHandler 创建攻击处理器
func NewAttackHandler(svc *service.Services) *AttackHandler {
	return &AttackHandler{svc: svc}
}

// attackResponse 结果加上可读的错误信息
type attackResponse struct {
	*orchestrator.AttackResult
	Error string `json:"error,omitempty"`
}

func toResponses(results []*orchestrator.AttackResult) []attackResponse {
	out := make([]attackResponse, 0, len(results))
	for _, r := range results {
		resp := attackResponse{AttackResult: r}
		if r.Err != nil {
			resp.Error = r.Err.Error()
		}
		out = append(out, resp)
	}
	return out
}

// PromptSending 每个目标单轮发送并评分
// POST /api/v1/attacks/prompt-sending
func (h *AttackHandler) PromptSending(c *gin.Context) {
	var req service.PromptSendingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request: "+err.Error())
		return
	}
	o, err := h.svc.NewPromptSending(&req)
	if err != nil {
		Error(c, err)
		return
	}
	defer o.Dispose()

	results := o.RunAttacks(c.Request.Context(), req.Objectives)
	Success(c, gin.H{
		"orchestrator": o.Identifier(),
		"results":      toResponses(results),
	})
}

// RedTeaming 多轮攻击，同步返回终止状态
// POST /api/v1/attacks/red-teaming
func (h *AttackHandler) RedTeaming(c *gin.Context) {
	var req service.RedTeamingRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		BadRequest(c, "invalid request: "+err.Error())
		return
	}
	o, err := h.svc.NewRedTeaming(&req)
	if err != nil {
		Error(c, err)
		return
	}
	defer o.Dispose()

	res := o.RunAttack(c.Request.Context(), req.Objective)
	Success(c, gin.H{
		"orchestrator": o.Identifier(),
		"result":       toResponses([]*orchestrator.AttackResult{res})[0],
	})
}

// GetState 查询攻击检查点，id 可以是会话 ID 或攻击 ID
// GET /api/v1/attacks/:conversation_id/state
func (h *AttackHandler) GetState(c *gin.Context) {
	id := c.Param("conversation_id")
	cp, ok := h.svc.Checkpoints.Get(c.Request.Context(), id)
	if !ok {
		NotFound(c, fmt.Sprintf("no attack state for %s", id))
		return
	}
	Success(c, cp)
}

// ListStates 列出进程内已知的攻击
// GET /api/v1/attacks
func (h *AttackHandler) ListStates(c *gin.Context) {
	Success(c, h.svc.Checkpoints.List())
}
