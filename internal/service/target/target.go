// Package target 封装被测模型，统一发送接口与限流
package target

import (
	"context"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// MetadataResponseFormat 请求 piece 元数据中指定响应格式的键
const (
	MetadataResponseFormat = "response_format"
	ResponseFormatJSON     = "json"
)

// Target 被测对象，每次 Send 只尝试一次，重试由调用方的 retry.Policy 负责
type Target interface {
	Identifier() model.Identifier
	Send(ctx context.Context, request *model.PromptRequestResponse) (*model.PromptRequestResponse, error)
	// RequestsPerMinute 0 表示不限流
	RequestsPerMinute() int
}

// ChatTarget 支持多轮对话的目标
type ChatTarget interface {
	Target
	SetSystemPrompt(ctx context.Context, systemPrompt, conversationID string, orchestrator model.Identifier, labels map[string]string) error
	SupportsJSONResponse() bool
}

// IsChat 是否为对话目标
func IsChat(t Target) bool {
	_, ok := t.(ChatTarget)
	return ok
}

// WantsJSON 请求是否要求 JSON 格式响应
func WantsJSON(request *model.PromptRequestResponse) bool {
	for _, p := range request.RequestPieces {
		if p.PromptMetadata[MetadataResponseFormat] == ResponseFormatJSON {
			return true
		}
	}
	return false
}
