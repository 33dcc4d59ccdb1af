package score

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// SubStringScorer 响应包含子串时为 true
type SubStringScorer struct {
	base
	substring string
	category  string
}

// NewSubString 创建子串评分器，匹配区分大小写
func NewSubString(mem memory.Memory, substring, category string, opts ...Option) (*SubStringScorer, error) {
	if substring == "" {
		return nil, apperr.BadRequest("new substring scorer", "substring is required")
	}
	b, err := newBase("SubStringScorer", model.ScoreTypeTrueFalse, mem, opts)
	if err != nil {
		return nil, err
	}
	b.id = b.id.With("substring", substring)
	return &SubStringScorer{base: b, substring: substring, category: category}, nil
}

func (s *SubStringScorer) Validate(piece *model.PromptRequestPiece, task string) error {
	return requireText("substring scorer", piece)
}

func (s *SubStringScorer) Score(ctx context.Context, piece *model.PromptRequestPiece, task string) ([]*model.Score, error) {
	if err := s.Validate(piece, task); err != nil {
		return nil, err
	}
	matched := strings.Contains(piece.ConvertedValue, s.substring)
	sc := model.NewTrueFalseScore(matched, piece.ID, s.id)
	sc.ScoreCategory = s.category
	sc.Task = task
	if matched {
		sc.ScoreRationale = fmt.Sprintf("response contains %q", s.substring)
	} else {
		sc.ScoreRationale = fmt.Sprintf("response does not contain %q", s.substring)
	}
	scores := []*model.Score{sc}
	if err := s.record(ctx, scores); err != nil {
		return nil, err
	}
	return scores, nil
}

// RegexScorer 响应匹配正则时为 true
type RegexScorer struct {
	base
	re       *regexp.Regexp
	category string
}

// NewRegex 创建正则评分器
func NewRegex(mem memory.Memory, pattern, category string, opts ...Option) (*RegexScorer, error) {
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, apperr.BadRequest("new regex scorer", "invalid pattern %q: %v", pattern, err)
	}
	b, err := newBase("RegexScorer", model.ScoreTypeTrueFalse, mem, opts)
	if err != nil {
		return nil, err
	}
	b.id = b.id.With("pattern", pattern)
	return &RegexScorer{base: b, re: re, category: category}, nil
}

func (s *RegexScorer) Validate(piece *model.PromptRequestPiece, task string) error {
	return requireText("regex scorer", piece)
}

func (s *RegexScorer) Score(ctx context.Context, piece *model.PromptRequestPiece, task string) ([]*model.Score, error) {
	if err := s.Validate(piece, task); err != nil {
		return nil, err
	}
	match := s.re.FindString(piece.ConvertedValue)
	matched := s.re.MatchString(piece.ConvertedValue)
	sc := model.NewTrueFalseScore(matched, piece.ID, s.id)
	sc.ScoreCategory = s.category
	sc.Task = task
	if matched {
		sc.ScoreRationale = fmt.Sprintf("matched %q", match)
		sc.ScoreMetadata["match"] = match
	} else {
		sc.ScoreRationale = fmt.Sprintf("no match for %s", s.re.String())
	}
	scores := []*model.Score{sc}
	if err := s.record(ctx, scores); err != nil {
		return nil, err
	}
	return scores, nil
}
