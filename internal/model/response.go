package model

import (
	"sort"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// PromptRequestResponse 一个轮次内的有序 piece 集合
type PromptRequestResponse struct {
	RequestPieces []*PromptRequestPiece `json:"request_pieces"`
}

// NewPromptRequestResponse 创建并校验
func NewPromptRequestResponse(pieces ...*PromptRequestPiece) (*PromptRequestResponse, error) {
	r := &PromptRequestResponse{RequestPieces: pieces}
	if err := r.Validate(); err != nil {
		return nil, err
	}
	return r, nil
}

// Validate 非空，且所有 piece 属于同一会话、同一序号、同一角色
func (r *PromptRequestResponse) Validate() error {
	if r == nil || len(r.RequestPieces) == 0 {
		return apperr.BadRequest("validate response", "request must contain at least one piece")
	}
	first := r.RequestPieces[0]
	for _, p := range r.RequestPieces[1:] {
		if p.ConversationID != first.ConversationID {
			return apperr.BadRequest("validate response", "conversation id mismatch: %s != %s", p.ConversationID, first.ConversationID)
		}
		if p.Sequence != first.Sequence {
			return apperr.BadRequest("validate response", "sequence mismatch: %d != %d", p.Sequence, first.Sequence)
		}
		if p.Role != first.Role {
			return apperr.BadRequest("validate response", "role mismatch: %s != %s", p.Role, first.Role)
		}
	}
	return nil
}

// ConversationID 会话 ID
func (r *PromptRequestResponse) ConversationID() string {
	if len(r.RequestPieces) == 0 {
		return ""
	}
	return r.RequestPieces[0].ConversationID
}

// Sequence 轮次序号
func (r *PromptRequestResponse) Sequence() int {
	if len(r.RequestPieces) == 0 {
		return 0
	}
	return r.RequestPieces[0].Sequence
}

// Role 角色
func (r *PromptRequestResponse) Role() ChatRole {
	if len(r.RequestPieces) == 0 {
		return ""
	}
	return r.RequestPieces[0].Role
}

// First 第一个 piece
func (r *PromptRequestResponse) First() *PromptRequestPiece {
	if r == nil || len(r.RequestPieces) == 0 {
		return nil
	}
	return r.RequestPieces[0]
}

// GetValue 第 n 个 piece 的转换值
func (r *PromptRequestResponse) GetValue(n int) string {
	if n < 0 || n >= len(r.RequestPieces) {
		return ""
	}
	return r.RequestPieces[n].ConvertedValue
}

// SetConversationID 设置所有 piece 的会话
func (r *PromptRequestResponse) SetConversationID(id string) {
	for _, p := range r.RequestPieces {
		p.ConversationID = id
	}
}

// SetSequence 设置所有 piece 的序号
func (r *PromptRequestResponse) SetSequence(seq int) {
	for _, p := range r.RequestPieces {
		p.Sequence = seq
	}
}

// NewResponseFromRequest 基于请求构造 assistant 响应，继承会话与溯源信息
func NewResponseFromRequest(request *PromptRequestPiece, values []string, dataType PromptDataType, respErr ResponseError) *PromptRequestResponse {
	if respErr == "" {
		respErr = ResponseErrorNone
	}
	pieces := make([]*PromptRequestPiece, 0, len(values))
	for _, v := range values {
		p := NewPromptRequestPiece(RoleAssistant, v,
			WithConversationID(request.ConversationID),
			WithSequence(request.Sequence),
			WithDataType(dataType),
			WithLabels(request.Labels),
			WithOrchestrator(request.OrchestratorIdentifier),
			WithTarget(request.PromptTargetIdentifier),
			WithResponseError(respErr),
		)
		pieces = append(pieces, p)
	}
	return &PromptRequestResponse{RequestPieces: pieces}
}

// FlattenToPieces 展开为 piece 列表
func FlattenToPieces(responses []*PromptRequestResponse) []*PromptRequestPiece {
	var out []*PromptRequestPiece
	for _, r := range responses {
		out = append(out, r.RequestPieces...)
	}
	return out
}

// GroupConversationPieces 按序号分组，输入需已按序号排序
func GroupConversationPieces(pieces []*PromptRequestPiece) []*PromptRequestResponse {
	if len(pieces) == 0 {
		return []*PromptRequestResponse{}
	}
	sorted := make([]*PromptRequestPiece, len(pieces))
	copy(sorted, pieces)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Sequence < sorted[j].Sequence
	})

	var out []*PromptRequestResponse
	var current *PromptRequestResponse
	for _, p := range sorted {
		if current == nil || current.Sequence() != p.Sequence {
			current = &PromptRequestResponse{}
			out = append(out, current)
		}
		current.RequestPieces = append(current.RequestPieces, p)
	}
	return out
}
