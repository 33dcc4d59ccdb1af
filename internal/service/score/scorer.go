// Package score 对目标响应进行评分，评分结果写入记忆
package score

import (
	"context"

	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/retry"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// Scorer 评分器，评分类型在构造时固定
type Scorer interface {
	Identifier() model.Identifier
	ScoreType() model.ScoreType
	// Validate 评分前校验 piece，不支持的数据类型直接报错
	Validate(piece *model.PromptRequestPiece, task string) error
	// Score 评分并写入记忆
	Score(ctx context.Context, piece *model.PromptRequestPiece, task string) ([]*model.Score, error)
}

// Option 评分器可选项
type Option func(*base)

// WithMetrics 上报评分指标
func WithMetrics(m *metrics.Metrics) Option {
	return func(b *base) { b.metrics = m }
}

// WithSendPolicy 自问评分器调用评分目标时的重试策略，默认 retry.TargetPolicy 默认参数
func WithSendPolicy(p *retry.Policy) Option {
	return func(b *base) {
		if p != nil {
			b.sendPolicy = p
		}
	}
}

type base struct {
	id         model.Identifier
	scoreType  model.ScoreType
	memory     memory.Memory
	metrics    *metrics.Metrics
	sendPolicy *retry.Policy
}

func newBase(typeName string, scoreType model.ScoreType, mem memory.Memory, opts []Option) (base, error) {
	if mem == nil {
		return base{}, apperr.BadRequest("new scorer", "%s requires memory", typeName)
	}
	b := base{
		id:         model.NewIdentifier(typeName, "score"),
		scoreType:  scoreType,
		memory:     mem,
		sendPolicy: retry.TargetPolicy(retry.DefaultBackoffConfig()),
	}
	for _, opt := range opts {
		opt(&b)
	}
	return b, nil
}

func (b *base) Identifier() model.Identifier { return b.id }

func (b *base) ScoreType() model.ScoreType { return b.scoreType }

// record 校验后写入记忆
func (b *base) record(ctx context.Context, scores []*model.Score) error {
	for _, s := range scores {
		if err := s.Validate(); err != nil {
			return err
		}
	}
	if err := b.memory.AddScores(ctx, scores); err != nil {
		return err
	}
	for _, s := range scores {
		b.metrics.ObserveScore(b.id.Type(), string(s.ScoreType))
	}
	return nil
}

func requirePiece(op string, piece *model.PromptRequestPiece) error {
	if piece == nil {
		return apperr.BadRequest(op, "piece is nil")
	}
	if piece.ID == "" {
		return apperr.BadRequest(op, "piece has no id")
	}
	return nil
}

// requireText 只接受文本类型的转换值
func requireText(op string, piece *model.PromptRequestPiece) error {
	if err := requirePiece(op, piece); err != nil {
		return err
	}
	if piece.ConvertedValueDataType != model.DataTypeText {
		return apperr.BadRequest(op, "cannot score data type %s", piece.ConvertedValueDataType)
	}
	return nil
}

func cloneMetadata(md map[string]string) map[string]string {
	out := make(map[string]string, len(md))
	for k, v := range md {
		out[k] = v
	}
	return out
}
