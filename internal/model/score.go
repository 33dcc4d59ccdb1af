package model

import (
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// Score 对单个 piece 的评分结果
type Score struct {
	ID                      string            `json:"id"`
	ScoreValue              string            `json:"score_value"`
	ScoreValueDescription   string            `json:"score_value_description,omitempty"`
	ScoreType               ScoreType         `json:"score_type"`
	ScoreCategory           string            `json:"score_category,omitempty"`
	ScoreRationale          string            `json:"score_rationale,omitempty"`
	ScoreMetadata           map[string]string `json:"score_metadata,omitempty"`
	ScorerClassIdentifier   Identifier        `json:"scorer_class_identifier"`
	PromptRequestResponseID string            `json:"prompt_request_response_id"`
	Task                    string            `json:"task,omitempty"`
	Timestamp               time.Time         `json:"timestamp"`
}

// NewTrueFalseScore 创建 true_false 评分
func NewTrueFalseScore(value bool, pieceID string, scorer Identifier) *Score {
	return &Score{
		ID:                      uuid.New().String(),
		ScoreValue:              strconv.FormatBool(value),
		ScoreType:               ScoreTypeTrueFalse,
		ScoreMetadata:           map[string]string{},
		ScorerClassIdentifier:   scorer.Clone(),
		PromptRequestResponseID: pieceID,
		Timestamp:               time.Now().UTC(),
	}
}

// NewFloatScaleScore 创建 float_scale 评分
func NewFloatScaleScore(value float64, pieceID string, scorer Identifier) *Score {
	return &Score{
		ID:                      uuid.New().String(),
		ScoreValue:              strconv.FormatFloat(value, 'f', -1, 64),
		ScoreType:               ScoreTypeFloatScale,
		ScoreMetadata:           map[string]string{},
		ScorerClassIdentifier:   scorer.Clone(),
		PromptRequestResponseID: pieceID,
		Timestamp:               time.Now().UTC(),
	}
}

// BoolValue 解析 true_false 值，大小写不敏感
func (s *Score) BoolValue() (bool, error) {
	if s.ScoreType != ScoreTypeTrueFalse {
		return false, apperr.BadRequest("score value", "score %s is %s, not true_false", s.ID, s.ScoreType)
	}
	switch strings.ToLower(strings.TrimSpace(s.ScoreValue)) {
	case "true":
		return true, nil
	case "false":
		return false, nil
	default:
		return false, apperr.BadRequest("score value", "invalid true_false value %q", s.ScoreValue)
	}
}

// FloatValue 解析 float_scale 值，范围 [0,1]
func (s *Score) FloatValue() (float64, error) {
	if s.ScoreType != ScoreTypeFloatScale {
		return 0, apperr.BadRequest("score value", "score %s is %s, not float_scale", s.ID, s.ScoreType)
	}
	v, err := strconv.ParseFloat(strings.TrimSpace(s.ScoreValue), 64)
	if err != nil {
		return 0, apperr.BadRequest("score value", "invalid float_scale value %q", s.ScoreValue)
	}
	if v < 0 || v > 1 {
		return 0, apperr.BadRequest("score value", "float_scale value %v outside [0,1]", v)
	}
	return v, nil
}

// Value 归一化后的值：bool 或 float64
func (s *Score) Value() (any, error) {
	switch s.ScoreType {
	case ScoreTypeTrueFalse:
		return s.BoolValue()
	case ScoreTypeFloatScale:
		return s.FloatValue()
	default:
		return nil, apperr.BadRequest("score value", "unsupported score type %q", s.ScoreType)
	}
}

// Validate 校验类型与取值
func (s *Score) Validate() error {
	if _, err := ParseScoreType(string(s.ScoreType)); err != nil {
		return err
	}
	if s.PromptRequestResponseID == "" {
		return apperr.BadRequest("validate score", "prompt_request_response_id is required")
	}
	_, err := s.Value()
	return err
}
