// Package normalizer 负责一次完整的发送：构造请求、转换、调用目标、转换响应并写入记忆
package normalizer

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/pkg/retry"
	"github.com/ashwinyue/next-redteam/internal/service/converter"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
	"github.com/ashwinyue/next-redteam/internal/service/target"
)

// DefaultBatchSize 默认并发发送数
const DefaultBatchSize = 10

// SkipOn 跳过判定使用的值
type SkipOn string

const (
	SkipOnOriginal  SkipOn = "original"
	SkipOnConverted SkipOn = "converted"
)

// Request 一次发送的输入，SeedGroup 与 Prompt 二选一
type Request struct {
	SeedGroup *model.SeedPromptGroup
	Prompt    *model.PromptRequestResponse

	RequestConverters  []*converter.Configuration
	ResponseConverters []*converter.Configuration

	// ConversationID 为空时新建会话
	ConversationID string
	Labels         map[string]string
	Orchestrator   model.Identifier
}

// Config 依赖与重试策略
type Config struct {
	Memory memory.Memory
	// Retry 为 nil 时使用默认指数退避
	Retry   *retry.Policy
	Logger  *logger.Logger
	Metrics *metrics.Metrics
}

// Normalizer 发送管线，可被多个编排器并发使用
type Normalizer struct {
	memory  memory.Memory
	policy  *retry.Policy
	log     *logger.Logger
	metrics *metrics.Metrics

	mu         sync.RWMutex
	skipFilter *model.PieceFilter
	skipOn     SkipOn
}

// New 创建 Normalizer
func New(cfg *Config) (*Normalizer, error) {
	if cfg == nil || cfg.Memory == nil {
		return nil, apperr.BadRequest("new normalizer", "memory is required")
	}
	policy := cfg.Retry
	if policy == nil {
		policy = retry.TargetPolicy(retry.DefaultBackoffConfig())
	}
	n := &Normalizer{
		memory:  cfg.Memory,
		log:     logger.OrNop(cfg.Logger),
		metrics: cfg.Metrics,
	}
	// 复制策略以挂接重试回调，不修改调用方的对象
	p := *policy
	userHook := policy.OnRetry
	p.OnRetry = func(attempt int, err error, wait time.Duration) {
		kind := string(apperr.KindOf(err))
		n.metrics.ObserveRetry(kind)
		n.log.Warn("retrying target request", "attempt", attempt, "kind", kind, "wait", wait, "error", err)
		if userHook != nil {
			userHook(attempt, err, wait)
		}
	}
	n.policy = &p
	return n, nil
}

// Memory 共享的记忆存储
func (n *Normalizer) Memory() memory.Memory { return n.memory }

// SetSkipCriteria 与 filter 选中的 piece 内容哈希相同的请求不再发送；filter 为 nil 时关闭
func (n *Normalizer) SetSkipCriteria(filter *model.PieceFilter, on SkipOn) error {
	switch on {
	case SkipOnOriginal, SkipOnConverted:
	default:
		return apperr.BadRequest("set skip criteria", "skip value must be original or converted, got %q", on)
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	n.skipFilter = filter
	n.skipOn = on
	return nil
}

// SendPrompt 发送一个请求并持久化请求与响应
// 目标失败时记录请求与错误响应，返回错误响应与错误
// 响应转换失败时记录请求与未转换的响应，返回该响应与错误
func (n *Normalizer) SendPrompt(ctx context.Context, tgt target.Target, req *Request) (*model.PromptRequestResponse, error) {
	if tgt == nil {
		return nil, apperr.BadRequest("send prompt", "target is required")
	}
	request, err := n.buildRequest(tgt, req)
	if err != nil {
		return nil, err
	}
	if err := converter.Apply(ctx, req.RequestConverters, request); err != nil {
		return nil, err
	}

	if prev := n.previousResponse(ctx, request); prev != nil {
		n.log.Debug("skipping already sent prompt", "conversation_id", request.ConversationID())
		return prev, nil
	}

	response, sendErr := retry.Run(ctx, n.policy, func(ctx context.Context) (*model.PromptRequestResponse, error) {
		resp, err := tgt.Send(ctx, request)
		if err != nil {
			return nil, err
		}
		if resp == nil || len(resp.RequestPieces) == 0 {
			return nil, apperr.EmptyResponse("send prompt", errors.New("target returned no pieces"))
		}
		return resp, nil
	})
	if sendErr != nil {
		errResp := model.NewResponseFromRequest(request.First(), []string{sendErr.Error()}, model.DataTypeError, responseErrorFor(sendErr))
		if err := n.memory.AddResponses(ctx, request, errResp); err != nil {
			n.log.Error("failed to record failed request", "conversation_id", request.ConversationID(), "error", err)
			return nil, errors.Join(sendErr, err)
		}
		return errResp, sendErr
	}

	raw := cloneResponse(response)
	if err := converter.Apply(ctx, req.ResponseConverters, response); err != nil {
		// 目标已经回复，转换失败时仍记录请求与未转换的原始响应
		for _, p := range raw.RequestPieces {
			p.PromptMetadata = withMetadata(p.PromptMetadata, MetadataResponseConverterError, err.Error())
		}
		if merr := n.memory.AddResponses(ctx, request, raw); merr != nil {
			n.log.Error("failed to record unconverted response", "conversation_id", request.ConversationID(), "error", merr)
			return nil, errors.Join(err, merr)
		}
		return raw, err
	}
	if err := n.memory.AddResponses(ctx, request, response); err != nil {
		return nil, err
	}
	return response, nil
}

// MetadataResponseConverterError 响应转换失败时写入原始响应 piece 的元数据键
const MetadataResponseConverterError = "response_converter_error"

func cloneResponse(r *model.PromptRequestResponse) *model.PromptRequestResponse {
	out := &model.PromptRequestResponse{RequestPieces: make([]*model.PromptRequestPiece, len(r.RequestPieces))}
	for i, p := range r.RequestPieces {
		out.RequestPieces[i] = p.Clone()
	}
	return out
}

func withMetadata(md map[string]string, key, value string) map[string]string {
	if md == nil {
		md = map[string]string{}
	}
	md[key] = value
	return md
}

// ConvertValues 只执行转换，不发送
func (n *Normalizer) ConvertValues(ctx context.Context, configs []*converter.Configuration, response *model.PromptRequestResponse) error {
	return converter.Apply(ctx, configs, response)
}

// BatchResult 批量发送中单个请求的结果
type BatchResult struct {
	Request  *Request
	Response *model.PromptRequestResponse
	Err      error
}

// SendPromptBatch 以 batchSize 为并发上限发送，结果顺序与输入一致，单个失败不影响其它请求
// 目标设置了 RPM 时 batchSize 必须为 1
func (n *Normalizer) SendPromptBatch(ctx context.Context, tgt target.Target, requests []*Request, batchSize int) ([]BatchResult, error) {
	if tgt == nil {
		return nil, apperr.BadRequest("send prompt batch", "target is required")
	}
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	if tgt.RequestsPerMinute() > 0 && batchSize != 1 {
		return nil, apperr.BadRequest("send prompt batch", "batch size must be 1 when the target has a requests-per-minute limit")
	}

	results := make([]BatchResult, len(requests))
	var g errgroup.Group
	g.SetLimit(batchSize)
	for i, r := range requests {
		results[i].Request = r
		g.Go(func() error {
			results[i].Response, results[i].Err = n.SendPrompt(ctx, tgt, r)
			return nil
		})
	}
	_ = g.Wait()
	return results, nil
}

func (n *Normalizer) buildRequest(tgt target.Target, req *Request) (*model.PromptRequestResponse, error) {
	if req == nil {
		return nil, apperr.BadRequest("send prompt", "request is nil")
	}
	conversationID := req.ConversationID
	if conversationID == "" {
		conversationID = uuid.New().String()
	}

	switch {
	case req.Prompt != nil:
		for _, p := range req.Prompt.RequestPieces {
			p.ConversationID = conversationID
			p.Labels = model.MergeStrings(p.Labels, req.Labels)
			if req.Orchestrator != nil {
				p.OrchestratorIdentifier = req.Orchestrator.Clone()
			}
			p.PromptTargetIdentifier = tgt.Identifier().Clone()
		}
		if err := req.Prompt.Validate(); err != nil {
			return nil, err
		}
		return req.Prompt, nil
	case req.SeedGroup != nil:
		return req.SeedGroup.ToRequest(conversationID,
			model.WithLabels(req.Labels),
			model.WithOrchestrator(req.Orchestrator),
			model.WithTarget(tgt.Identifier()),
		)
	default:
		return nil, apperr.BadRequest("send prompt", "request needs a seed group or a prompt")
	}
}

// previousResponse 命中跳过条件时返回先前记录的响应
func (n *Normalizer) previousResponse(ctx context.Context, request *model.PromptRequestResponse) *model.PromptRequestResponse {
	n.mu.RLock()
	filter, on := n.skipFilter, n.skipOn
	n.mu.RUnlock()
	if filter == nil {
		return nil
	}

	for _, p := range request.RequestPieces {
		f := *filter
		if on == SkipOnOriginal {
			f.OriginalSHA256 = p.OriginalValueSHA256
		} else {
			f.ConvertedSHA256 = p.ConvertedValueSHA256
		}
		for _, match := range n.memory.GetPieces(ctx, &f) {
			if match.Role != model.RoleUser {
				continue
			}
			for _, turn := range n.memory.GetConversation(ctx, match.ConversationID) {
				if turn.Sequence() > match.Sequence && turn.Role() == model.RoleAssistant {
					return turn
				}
			}
		}
	}
	return nil
}

// responseErrorFor 错误类别映射为响应错误状态
func responseErrorFor(err error) model.ResponseError {
	switch apperr.KindOf(err) {
	case apperr.KindBlocked:
		return model.ResponseErrorBlocked
	case apperr.KindEmptyResponse:
		return model.ResponseErrorEmpty
	case apperr.KindRateLimited, apperr.KindUnknown:
		return model.ResponseErrorUnknown
	default:
		return model.ResponseErrorProcessing
	}
}

