package testutil

import (
	"context"
	"sync"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
)

// ChatModel 按脚本应答的 eino 聊天模型
// Responses 循环使用；Errors 非空时前 len(Errors) 次调用依次返回对应错误（nil 表示正常应答）
type ChatModel struct {
	Responses []string
	Errors    []error

	mu       sync.Mutex
	calls    int
	received [][]*schema.Message
}

// NewChatModel 创建脚本模型
func NewChatModel(responses ...string) *ChatModel {
	return &ChatModel{Responses: responses}
}

func (m *ChatModel) Generate(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.Message, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls++
	m.received = append(m.received, messages)
	if idx := m.calls - 1; idx < len(m.Errors) && m.Errors[idx] != nil {
		return nil, m.Errors[idx]
	}
	if len(m.Responses) == 0 {
		return &schema.Message{Role: schema.Assistant, Content: "default response"}, nil
	}
	content := m.Responses[(m.calls-1)%len(m.Responses)]
	return &schema.Message{Role: schema.Assistant, Content: content}, nil
}

func (m *ChatModel) Stream(ctx context.Context, messages []*schema.Message, opts ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	msg, err := m.Generate(ctx, messages, opts...)
	if err != nil {
		return nil, err
	}
	return schema.StreamReaderFromArray([]*schema.Message{msg}), nil
}

func (m *ChatModel) BindTools(tools []*schema.ToolInfo) error {
	return nil
}

// Calls 调用次数
func (m *ChatModel) Calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.calls
}

// LastMessages 最近一次调用收到的消息
func (m *ChatModel) LastMessages() []*schema.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.received) == 0 {
		return nil
	}
	return m.received[len(m.received)-1]
}
