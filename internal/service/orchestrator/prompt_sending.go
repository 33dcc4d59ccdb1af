package orchestrator

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/converter"
	"github.com/ashwinyue/next-redteam/internal/service/normalizer"
	"github.com/ashwinyue/next-redteam/internal/service/score"
	"github.com/ashwinyue/next-redteam/internal/service/target"
)

// PromptSendingConfig 单轮批量发送配置
type PromptSendingConfig struct {
	Config
	Target             target.Target
	RequestConverters  []*converter.Configuration
	ResponseConverters []*converter.Configuration
	// ObjectiveScorer 可选，必须是 true_false
	ObjectiveScorer score.Scorer
	// AuxiliaryScorers 对每个成功响应评分，结果只写入记忆
	AuxiliaryScorers []score.Scorer
	// PrependedConversation 每个新会话发送前先写入的历史
	PrependedConversation []*model.PromptRequestResponse
}

// PromptSendingOrchestrator 单轮发送，每个提示一个新会话
type PromptSendingOrchestrator struct {
	*base
	target             target.Target
	requestConverters  []*converter.Configuration
	responseConverters []*converter.Configuration
	objectiveScorer    score.Scorer
	auxScorers         []score.Scorer
	prepended          []*model.PromptRequestResponse
}

var _ Orchestrator = (*PromptSendingOrchestrator)(nil)

// NewPromptSending 创建单轮发送编排器
func NewPromptSending(cfg *PromptSendingConfig) (*PromptSendingOrchestrator, error) {
	if cfg == nil || cfg.Target == nil {
		return nil, apperr.BadRequest("new prompt sending orchestrator", "target is required")
	}
	if cfg.ObjectiveScorer != nil && cfg.ObjectiveScorer.ScoreType() != model.ScoreTypeTrueFalse {
		return nil, apperr.BadRequest("new prompt sending orchestrator", "objective scorer must be true_false, got %s", cfg.ObjectiveScorer.ScoreType())
	}
	// 复制一份再收紧批大小，调用方的配置保持不变
	conf := cfg.Config
	if cfg.Target.RequestsPerMinute() > 0 {
		conf.BatchSize = 1
	}
	b, err := newBase("PromptSendingOrchestrator", &conf)
	if err != nil {
		return nil, err
	}
	for _, turn := range cfg.PrependedConversation {
		if err := turn.Validate(); err != nil {
			return nil, err
		}
	}
	return &PromptSendingOrchestrator{
		base:               b,
		target:             cfg.Target,
		requestConverters:  cfg.RequestConverters,
		responseConverters: cfg.ResponseConverters,
		objectiveScorer:    cfg.ObjectiveScorer,
		auxScorers:         cfg.AuxiliaryScorers,
		prepended:          cfg.PrependedConversation,
	}, nil
}

// SendPrompts 每条文本作为一个新会话发送
func (o *PromptSendingOrchestrator) SendPrompts(ctx context.Context, prompts []string, metadata map[string]string) ([]normalizer.BatchResult, error) {
	requests := make([]*normalizer.Request, 0, len(prompts))
	for _, p := range prompts {
		prompt, err := model.NewPromptRequestResponse(model.NewPromptRequestPiece(model.RoleUser, p, model.WithMetadata(metadata)))
		if err != nil {
			return nil, err
		}
		requests = append(requests, &normalizer.Request{Prompt: prompt})
	}
	return o.SendNormalizerRequests(ctx, requests)
}

// SendNormalizerRequests 补齐默认值后批量发送，并执行辅助评分
func (o *PromptSendingOrchestrator) SendNormalizerRequests(ctx context.Context, requests []*normalizer.Request) ([]normalizer.BatchResult, error) {
	if err := o.checkUsable(); err != nil {
		return nil, err
	}
	for _, r := range requests {
		if r == nil {
			continue
		}
		o.prepare(r)
		if err := o.writePrepended(ctx, r.ConversationID, o.prepended, o.convertPrepended); err != nil {
			return nil, err
		}
	}
	results, err := o.normalizer.SendPromptBatch(ctx, o.target, requests, o.batchSize)
	if err != nil {
		return nil, err
	}
	o.scoreAuxiliary(ctx, results)
	return results, nil
}

// RunAttack 发送目标文本并评分：达成为 ACHIEVED，否则为 EXHAUSTED
func (o *PromptSendingOrchestrator) RunAttack(ctx context.Context, objective string) *AttackResult {
	req := &normalizer.Request{SeedGroup: model.SeedGroupFromText(objective)}
	o.prepare(req)
	res := o.newResult(objective, req.ConversationID)
	if err := o.checkUsable(); err != nil {
		return o.finish(ctx, res, StateExhausted, err)
	}
	o.transition(ctx, res, StateInit)

	if err := o.writePrepended(ctx, req.ConversationID, o.prepended, o.convertPrepended); err != nil {
		return o.finish(ctx, res, StateExhausted, err)
	}

	o.transition(ctx, res, StateTurnActive)
	resp, err := o.normalizer.SendPrompt(ctx, o.target, req)
	res.TurnsExecuted = 1
	if resp != nil {
		res.LastResponse = resp.First()
	}
	if err != nil {
		return o.finish(ctx, res, StateExhausted, err)
	}
	o.scoreAuxiliary(ctx, []normalizer.BatchResult{{Request: req, Response: resp}})

	if o.objectiveScorer == nil {
		return o.finish(ctx, res, StateExhausted, nil)
	}
	o.transition(ctx, res, StateScoring)
	scores, err := o.objectiveScorer.Score(ctx, res.LastResponse, objective)
	if err != nil {
		return o.finish(ctx, res, StateExhausted, err)
	}
	achieved, err := firstBool(scores)
	if err != nil {
		return o.finish(ctx, res, StateExhausted, err)
	}
	res.LastScore = scores[0]
	if achieved {
		return o.finish(ctx, res, StateAchieved, nil)
	}
	return o.finish(ctx, res, StateExhausted, nil)
}

// RunAttacks 批量执行，结果顺序与输入一致
func (o *PromptSendingOrchestrator) RunAttacks(ctx context.Context, objectives []string) []*AttackResult {
	return o.runAll(ctx, objectives, o.RunAttack)
}

func (o *PromptSendingOrchestrator) prepare(r *normalizer.Request) {
	if r.ConversationID == "" {
		r.ConversationID = uuid.New().String()
	}
	r.Labels = model.MergeStrings(o.labels, r.Labels)
	if r.Orchestrator == nil {
		r.Orchestrator = o.id
	}
	if r.RequestConverters == nil {
		r.RequestConverters = o.requestConverters
	}
	if r.ResponseConverters == nil {
		r.ResponseConverters = o.responseConverters
	}
}

func (o *PromptSendingOrchestrator) convertPrepended(ctx context.Context, turn *model.PromptRequestResponse) error {
	return o.normalizer.ConvertValues(ctx, o.requestConverters, turn)
}

// scoreAuxiliary 辅助评分失败只记录日志
func (o *PromptSendingOrchestrator) scoreAuxiliary(ctx context.Context, results []normalizer.BatchResult) {
	if len(o.auxScorers) == 0 {
		return
	}
	var pieces []*model.PromptRequestPiece
	for _, r := range results {
		if r.Err != nil || r.Response == nil {
			continue
		}
		for _, p := range r.Response.RequestPieces {
			if !p.HasError() {
				pieces = append(pieces, p)
			}
		}
	}
	for _, s := range o.auxScorers {
		for _, err := range score.Errors(score.ScoreBatch(ctx, s, pieces, "", o.batchSize)) {
			o.log.Warn("auxiliary scoring failed", "scorer", s.Identifier().Type(), "error", err)
		}
	}
}

func firstBool(scores []*model.Score) (bool, error) {
	if len(scores) == 0 {
		return false, apperr.BadRequest("objective score", "scorer returned no scores")
	}
	return scores[0].BoolValue()
}
