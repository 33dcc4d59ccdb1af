package model

import (
	"crypto/sha256"
	"encoding/hex"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// PromptRequestPiece 对话轮次中的最小单元
type PromptRequestPiece struct {
	ID             string   `json:"id"`
	Role           ChatRole `json:"role"`
	ConversationID string   `json:"conversation_id"`
	Sequence       int      `json:"sequence"`

	OriginalValue          string         `json:"original_value"`
	OriginalValueDataType  PromptDataType `json:"original_value_data_type"`
	OriginalValueSHA256    string         `json:"original_value_sha256"`
	ConvertedValue         string         `json:"converted_value"`
	ConvertedValueDataType PromptDataType `json:"converted_value_data_type"`
	ConvertedValueSHA256   string         `json:"converted_value_sha256"`

	Labels         map[string]string `json:"labels,omitempty"`
	PromptMetadata map[string]string `json:"prompt_metadata,omitempty"`

	ConverterIdentifiers   []Identifier `json:"converter_identifiers,omitempty"`
	PromptTargetIdentifier Identifier   `json:"prompt_target_identifier,omitempty"`
	OrchestratorIdentifier Identifier   `json:"orchestrator_identifier,omitempty"`
	ScorerIdentifier       Identifier   `json:"scorer_identifier,omitempty"`

	ResponseError    ResponseError `json:"response_error"`
	OriginalPromptID string        `json:"original_prompt_id"`
	Timestamp        time.Time     `json:"timestamp"`

	Scores []*Score `json:"scores,omitempty"`
}

// PieceOption 构造选项
type PieceOption func(*PromptRequestPiece)

// WithConversationID 指定会话
func WithConversationID(id string) PieceOption {
	return func(p *PromptRequestPiece) { p.ConversationID = id }
}

// WithSequence 指定轮次序号
func WithSequence(seq int) PieceOption {
	return func(p *PromptRequestPiece) { p.Sequence = seq }
}

// WithDataType 原始值与转换值的数据类型
func WithDataType(t PromptDataType) PieceOption {
	return func(p *PromptRequestPiece) {
		p.OriginalValueDataType = t
		p.ConvertedValueDataType = t
	}
}

// WithConvertedValue 指定转换后的值
func WithConvertedValue(value string, t PromptDataType) PieceOption {
	return func(p *PromptRequestPiece) {
		p.ConvertedValue = value
		p.ConvertedValueDataType = t
	}
}

// WithLabels 标签
func WithLabels(labels map[string]string) PieceOption {
	return func(p *PromptRequestPiece) { p.Labels = cloneStrings(labels) }
}

// WithMetadata 元数据
func WithMetadata(md map[string]string) PieceOption {
	return func(p *PromptRequestPiece) { p.PromptMetadata = cloneStrings(md) }
}

// WithOrchestrator 编排器身份
func WithOrchestrator(id Identifier) PieceOption {
	return func(p *PromptRequestPiece) { p.OrchestratorIdentifier = id.Clone() }
}

// WithTarget 目标身份
func WithTarget(id Identifier) PieceOption {
	return func(p *PromptRequestPiece) { p.PromptTargetIdentifier = id.Clone() }
}

// WithResponseError 响应错误状态
func WithResponseError(e ResponseError) PieceOption {
	return func(p *PromptRequestPiece) { p.ResponseError = e }
}

// NewPromptRequestPiece 创建 piece；OriginalPromptID 初始为自身 ID
func NewPromptRequestPiece(role ChatRole, value string, opts ...PieceOption) *PromptRequestPiece {
	id := uuid.New().String()
	p := &PromptRequestPiece{
		ID:                     id,
		Role:                   role,
		ConversationID:         uuid.New().String(),
		OriginalValue:          value,
		OriginalValueDataType:  DataTypeText,
		ConvertedValueDataType: "",
		ResponseError:          ResponseErrorNone,
		OriginalPromptID:       id,
		Timestamp:              time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.ConvertedValueDataType == "" {
		p.ConvertedValueDataType = p.OriginalValueDataType
	}
	if p.ConvertedValue == "" {
		p.ConvertedValue = p.OriginalValue
	}
	if p.Labels == nil {
		p.Labels = map[string]string{}
	}
	if p.PromptMetadata == nil {
		p.PromptMetadata = map[string]string{}
	}
	p.OriginalValueSHA256 = HashValue(p.OriginalValue)
	p.ConvertedValueSHA256 = HashValue(p.ConvertedValue)
	return p
}

// HashValue 计算内容的 SHA-256
func HashValue(value string) string {
	sum := sha256.Sum256([]byte(value))
	return hex.EncodeToString(sum[:])
}

// SetConvertedValue 更新转换值并重新计算哈希
func (p *PromptRequestPiece) SetConvertedValue(value string, t PromptDataType) {
	p.ConvertedValue = value
	p.ConvertedValueDataType = t
	p.ConvertedValueSHA256 = HashValue(value)
}

// IsBlocked 是否被目标拦截
func (p *PromptRequestPiece) IsBlocked() bool {
	return p.ResponseError == ResponseErrorBlocked
}

// HasError 是否为错误响应
func (p *PromptRequestPiece) HasError() bool {
	return p.ResponseError != "" && p.ResponseError != ResponseErrorNone
}

// IsDuplicate 是否由复制会话产生
func (p *PromptRequestPiece) IsDuplicate() bool {
	return p.OriginalPromptID != p.ID
}

// Validate 校验枚举与必填字段
func (p *PromptRequestPiece) Validate() error {
	if p.ID == "" {
		return apperr.BadRequest("validate piece", "piece id is required")
	}
	if p.ConversationID == "" {
		return apperr.BadRequest("validate piece", "conversation id is required")
	}
	if _, err := ParseChatRole(string(p.Role)); err != nil {
		return err
	}
	if _, err := ParsePromptDataType(string(p.OriginalValueDataType)); err != nil {
		return err
	}
	if _, err := ParsePromptDataType(string(p.ConvertedValueDataType)); err != nil {
		return err
	}
	if _, err := ParseResponseError(string(p.ResponseError)); err != nil {
		return err
	}
	if p.Sequence < 0 {
		return apperr.BadRequest("validate piece", "sequence must be non-negative, got %d", p.Sequence)
	}
	return nil
}

// Clone 深拷贝，不含 Scores
func (p *PromptRequestPiece) Clone() *PromptRequestPiece {
	out := *p
	out.Labels = cloneStrings(p.Labels)
	out.PromptMetadata = cloneStrings(p.PromptMetadata)
	out.PromptTargetIdentifier = p.PromptTargetIdentifier.Clone()
	out.OrchestratorIdentifier = p.OrchestratorIdentifier.Clone()
	out.ScorerIdentifier = p.ScorerIdentifier.Clone()
	if p.ConverterIdentifiers != nil {
		out.ConverterIdentifiers = make([]Identifier, len(p.ConverterIdentifiers))
		for i, id := range p.ConverterIdentifiers {
			out.ConverterIdentifiers[i] = id.Clone()
		}
	}
	out.Scores = nil
	return &out
}

func cloneStrings(m map[string]string) map[string]string {
	if m == nil {
		return nil
	}
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// MergeStrings 合并标签，后者覆盖前者
func MergeStrings(base, extra map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}
