package target

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/components"
	einomodel "github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"golang.org/x/time/rate"

	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

const jsonInstruction = "Respond only with a single valid JSON object. Do not wrap it in markdown."

// ChatModelConfig ChatModelTarget 配置
type ChatModelConfig struct {
	Name              string
	Model             einomodel.BaseChatModel
	Memory            memory.Memory
	RequestsPerMinute int
	SupportsJSON      bool
	Callbacks         []callbacks.Handler
	Logger            *logger.Logger
	Metrics           *metrics.Metrics
}

// ChatModelTarget 基于 eino 聊天模型的对话目标，历史从记忆中重建
type ChatModelTarget struct {
	id           model.Identifier
	name         string
	chat         einomodel.BaseChatModel
	memory       memory.Memory
	rpm          int
	supportsJSON bool
	handlers     []callbacks.Handler
	log          *logger.Logger
	metrics      *metrics.Metrics

	// 设置 RPM 时串行化调用，limiter 只属于本实例
	mu      sync.Mutex
	limiter *rate.Limiter
}

var _ ChatTarget = (*ChatModelTarget)(nil)

// NewChatModelTarget 创建聊天目标
func NewChatModelTarget(cfg *ChatModelConfig) (*ChatModelTarget, error) {
	if cfg == nil || cfg.Model == nil {
		return nil, apperr.BadRequest("new chat target", "chat model is required")
	}
	if cfg.Memory == nil {
		return nil, apperr.BadRequest("new chat target", "memory is required")
	}
	if cfg.RequestsPerMinute < 0 {
		return nil, apperr.BadRequest("new chat target", "requests per minute must be >= 0, got %d", cfg.RequestsPerMinute)
	}
	name := cfg.Name
	if name == "" {
		name = "chat_model"
	}

	t := &ChatModelTarget{
		id:           model.NewIdentifier("ChatModelTarget", "target").With("name", name),
		name:         name,
		chat:         cfg.Model,
		memory:       cfg.Memory,
		rpm:          cfg.RequestsPerMinute,
		supportsJSON: cfg.SupportsJSON,
		handlers:     cfg.Callbacks,
		log:          logger.OrNop(cfg.Logger).With("target", name),
		metrics:      cfg.Metrics,
	}
	if t.rpm > 0 {
		t.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(t.rpm)), 1)
	}
	return t, nil
}

func (t *ChatModelTarget) Identifier() model.Identifier { return t.id }

func (t *ChatModelTarget) RequestsPerMinute() int { return t.rpm }

func (t *ChatModelTarget) SupportsJSONResponse() bool { return t.supportsJSON }

// SetSystemPrompt 为尚无记录的会话写入系统提示
func (t *ChatModelTarget) SetSystemPrompt(ctx context.Context, systemPrompt, conversationID string, orchestrator model.Identifier, labels map[string]string) error {
	if len(t.memory.GetConversation(ctx, conversationID)) > 0 {
		return apperr.BadRequest("set system prompt", "conversation %s already has turns", conversationID)
	}
	piece := model.NewPromptRequestPiece(model.RoleSystem, systemPrompt,
		model.WithConversationID(conversationID),
		model.WithOrchestrator(orchestrator),
		model.WithTarget(t.id),
		model.WithLabels(labels),
	)
	resp, err := model.NewPromptRequestResponse(piece)
	if err != nil {
		return err
	}
	return t.memory.AddResponse(ctx, resp)
}

// Send 发送一轮请求，返回未持久化的 assistant 响应
func (t *ChatModelTarget) Send(ctx context.Context, request *model.PromptRequestResponse) (*model.PromptRequestResponse, error) {
	if err := t.validate(request); err != nil {
		return nil, err
	}

	messages := t.buildMessages(ctx, request)

	if t.limiter != nil {
		t.mu.Lock()
		defer t.mu.Unlock()
		if err := t.limiter.Wait(ctx); err != nil {
			return nil, apperr.Unknown("send", fmt.Errorf("rate limiter wait: %w", err))
		}
	}

	start := time.Now()
	if len(t.handlers) > 0 {
		ctx = callbacks.InitCallbacks(ctx, &callbacks.RunInfo{
			Name:      t.name,
			Type:      "ChatModelTarget",
			Component: components.ComponentOfChatModel,
		}, t.handlers...)
	}
	msg, err := t.chat.Generate(ctx, messages)
	if err != nil {
		err = classifyError(err)
		t.metrics.ObserveTarget(t.name, string(apperr.KindOf(err)), start)
		t.log.Warn("target request failed", "conversation_id", request.ConversationID(), "error", err)
		return nil, err
	}
	if err := checkMessage(msg); err != nil {
		t.metrics.ObserveTarget(t.name, string(apperr.KindOf(err)), start)
		return nil, err
	}
	t.metrics.ObserveTarget(t.name, "ok", start)

	return model.NewResponseFromRequest(request.First(), []string{msg.Content}, model.DataTypeText, model.ResponseErrorNone), nil
}

func (t *ChatModelTarget) validate(request *model.PromptRequestResponse) error {
	if request == nil {
		return apperr.BadRequest("send", "request is nil")
	}
	if err := request.Validate(); err != nil {
		return err
	}
	for _, p := range request.RequestPieces {
		if p.ConvertedValueDataType != model.DataTypeText {
			return apperr.BadRequest("send", "%s only accepts text pieces, got %s", t.name, p.ConvertedValueDataType)
		}
	}
	if WantsJSON(request) && !t.supportsJSON {
		return apperr.BadRequest("send", "%s does not support JSON responses", t.name)
	}
	return nil
}

// buildMessages 记忆中的历史 + 本轮请求，错误响应不计入历史
func (t *ChatModelTarget) buildMessages(ctx context.Context, request *model.PromptRequestResponse) []*schema.Message {
	var messages []*schema.Message
	for _, turn := range t.memory.GetConversation(ctx, request.ConversationID()) {
		if msg := toMessage(turn); msg != nil {
			messages = append(messages, msg)
		}
	}
	messages = append(messages, toMessage(request))
	if WantsJSON(request) {
		messages = append([]*schema.Message{schema.SystemMessage(jsonInstruction)}, messages...)
	}
	return messages
}

func toMessage(turn *model.PromptRequestResponse) *schema.Message {
	var parts []string
	for _, p := range turn.RequestPieces {
		if p.HasError() || p.ConvertedValueDataType != model.DataTypeText {
			continue
		}
		parts = append(parts, p.ConvertedValue)
	}
	if len(parts) == 0 {
		return nil
	}
	content := strings.Join(parts, "\n")
	switch turn.Role() {
	case model.RoleSystem:
		return schema.SystemMessage(content)
	case model.RoleAssistant:
		return schema.AssistantMessage(content, nil)
	default:
		return schema.UserMessage(content)
	}
}

// checkMessage 空内容或内容过滤
func checkMessage(msg *schema.Message) error {
	if msg == nil {
		return apperr.EmptyResponse("send", errors.New("model returned no message"))
	}
	if msg.ResponseMeta != nil && msg.ResponseMeta.FinishReason == "content_filter" {
		return apperr.Blocked("send", errors.New("response blocked by content filter"))
	}
	if strings.TrimSpace(msg.Content) == "" {
		return apperr.EmptyResponse("send", errors.New("model returned empty content"))
	}
	return nil
}

// classifyError 将模型调用错误映射为可重试分类
func classifyError(err error) error {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return apperr.Unknown("send", err)
	}
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "429"), strings.Contains(msg, "rate limit"), strings.Contains(msg, "too many requests"):
		return apperr.RateLimited("send", err)
	case strings.Contains(msg, "content_filter"), strings.Contains(msg, "content management policy"), strings.Contains(msg, "data_inspection_failed"):
		return apperr.Blocked("send", err)
	case strings.Contains(msg, "empty response"):
		return apperr.EmptyResponse("send", err)
	default:
		return apperr.Unknown("send", err)
	}
}
