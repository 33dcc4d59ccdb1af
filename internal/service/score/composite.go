package score

import (
	"context"
	"fmt"
	"strconv"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// ThresholdScorer 将 float_scale 评分按阈值映射为 true_false，value >= threshold 为 true
type ThresholdScorer struct {
	base
	inner     Scorer
	threshold float64
}

// NewThreshold 包装 float_scale 评分器，threshold 取值 [0,1]
func NewThreshold(mem memory.Memory, inner Scorer, threshold float64, opts ...Option) (*ThresholdScorer, error) {
	if inner == nil || inner.ScoreType() != model.ScoreTypeFloatScale {
		return nil, apperr.BadRequest("new threshold scorer", "wrapped scorer must be float_scale")
	}
	if threshold < 0 || threshold > 1 {
		return nil, apperr.BadRequest("new threshold scorer", "threshold must be within [0, 1], got %v", threshold)
	}
	b, err := newBase("ThresholdScorer", model.ScoreTypeTrueFalse, mem, opts)
	if err != nil {
		return nil, err
	}
	b.id = b.id.
		With("threshold", strconv.FormatFloat(threshold, 'f', -1, 64)).
		With("sub_scorer", inner.Identifier().Type()).
		With("sub_scorer_id", inner.Identifier().ID())
	return &ThresholdScorer{base: b, inner: inner, threshold: threshold}, nil
}

func (s *ThresholdScorer) Validate(piece *model.PromptRequestPiece, task string) error {
	return s.inner.Validate(piece, task)
}

func (s *ThresholdScorer) Score(ctx context.Context, piece *model.PromptRequestPiece, task string) ([]*model.Score, error) {
	inner, err := s.inner.Score(ctx, piece, task)
	if err != nil {
		return nil, err
	}
	scores := make([]*model.Score, 0, len(inner))
	for _, in := range inner {
		v, err := in.FloatValue()
		if err != nil {
			return nil, err
		}
		out := s.Map(in, v)
		scores = append(scores, out)
	}
	if err := s.record(ctx, scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// Map 由已解析的 float 值构造派生评分，不写入记忆
func (s *ThresholdScorer) Map(in *model.Score, value float64) *model.Score {
	passed := value >= s.threshold
	op := "<"
	if passed {
		op = ">="
	}
	out := model.NewTrueFalseScore(passed, in.PromptRequestResponseID, s.id)
	out.ScoreCategory = in.ScoreCategory
	out.ScoreValueDescription = in.ScoreValueDescription
	out.ScoreRationale = fmt.Sprintf("normalized scale score %v %s threshold %v\n%s", value, op, s.threshold, in.ScoreRationale)
	out.ScoreMetadata = cloneMetadata(in.ScoreMetadata)
	out.ScoreMetadata["source_score_id"] = in.ID
	out.Task = in.Task
	return out
}

// InverterScorer 翻转 true_false 评分，类别与理由保持不变
type InverterScorer struct {
	base
	inner Scorer
}

// NewInverter 包装 true_false 评分器
func NewInverter(mem memory.Memory, inner Scorer, opts ...Option) (*InverterScorer, error) {
	if inner == nil || inner.ScoreType() != model.ScoreTypeTrueFalse {
		return nil, apperr.BadRequest("new inverter scorer", "wrapped scorer must be true_false")
	}
	b, err := newBase("InverterScorer", model.ScoreTypeTrueFalse, mem, opts)
	if err != nil {
		return nil, err
	}
	b.id = b.id.
		With("sub_scorer", inner.Identifier().Type()).
		With("sub_scorer_id", inner.Identifier().ID())
	return &InverterScorer{base: b, inner: inner}, nil
}

func (s *InverterScorer) Validate(piece *model.PromptRequestPiece, task string) error {
	return s.inner.Validate(piece, task)
}

func (s *InverterScorer) Score(ctx context.Context, piece *model.PromptRequestPiece, task string) ([]*model.Score, error) {
	inner, err := s.inner.Score(ctx, piece, task)
	if err != nil {
		return nil, err
	}
	scores := make([]*model.Score, 0, len(inner))
	for _, in := range inner {
		v, err := in.BoolValue()
		if err != nil {
			return nil, err
		}
		out := model.NewTrueFalseScore(!v, in.PromptRequestResponseID, s.id)
		out.ScoreCategory = in.ScoreCategory
		out.ScoreValueDescription = in.ScoreValueDescription
		out.ScoreRationale = in.ScoreRationale
		out.ScoreMetadata = cloneMetadata(in.ScoreMetadata)
		out.ScoreMetadata["source_score_id"] = in.ID
		out.Task = in.Task
		scores = append(scores, out)
	}
	if err := s.record(ctx, scores); err != nil {
		return nil, err
	}
	return scores, nil
}
