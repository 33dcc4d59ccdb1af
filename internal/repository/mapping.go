package repository

import (
	"encoding/json"
	"fmt"

	"gorm.io/datatypes"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// FromPiece 领域 piece 转存储记录
func FromPiece(p *model.PromptRequestPiece, position int) *PromptMemoryEntry {
	return &PromptMemoryEntry{
		ID:                     p.ID,
		Role:                   string(p.Role),
		ConversationID:         p.ConversationID,
		Sequence:               p.Sequence,
		Position:               position,
		OriginalValue:          p.OriginalValue,
		OriginalValueDataType:  string(p.OriginalValueDataType),
		OriginalValueSHA256:    p.OriginalValueSHA256,
		ConvertedValue:         p.ConvertedValue,
		ConvertedValueDataType: string(p.ConvertedValueDataType),
		ConvertedValueSHA256:   p.ConvertedValueSHA256,
		Labels:                 toJSON(nonNilStrings(p.Labels)),
		PromptMetadata:         toJSON(nonNilStrings(p.PromptMetadata)),
		ConverterIdentifiers:   toJSON(p.ConverterIdentifiers),
		PromptTargetIdentifier: toJSON(p.PromptTargetIdentifier),
		OrchestratorIdentifier: toJSON(p.OrchestratorIdentifier),
		ScorerIdentifier:       toJSON(p.ScorerIdentifier),
		ResponseError:          string(p.ResponseError),
		OriginalPromptID:       p.OriginalPromptID,
		Timestamp:              p.Timestamp,
	}
}

// ToPiece 存储记录转领域 piece，枚举在此校验
func (e *PromptMemoryEntry) ToPiece() (*model.PromptRequestPiece, error) {
	role, err := model.ParseChatRole(e.Role)
	if err != nil {
		return nil, fmt.Errorf("failed to map piece %s: %w", e.ID, err)
	}
	origType, err := model.ParsePromptDataType(e.OriginalValueDataType)
	if err != nil {
		return nil, fmt.Errorf("failed to map piece %s: %w", e.ID, err)
	}
	convType, err := model.ParsePromptDataType(e.ConvertedValueDataType)
	if err != nil {
		return nil, fmt.Errorf("failed to map piece %s: %w", e.ID, err)
	}
	respErr, err := model.ParseResponseError(e.ResponseError)
	if err != nil {
		return nil, fmt.Errorf("failed to map piece %s: %w", e.ID, err)
	}

	return &model.PromptRequestPiece{
		ID:                     e.ID,
		Role:                   role,
		ConversationID:         e.ConversationID,
		Sequence:               e.Sequence,
		OriginalValue:          e.OriginalValue,
		OriginalValueDataType:  origType,
		OriginalValueSHA256:    e.OriginalValueSHA256,
		ConvertedValue:         e.ConvertedValue,
		ConvertedValueDataType: convType,
		ConvertedValueSHA256:   e.ConvertedValueSHA256,
		Labels:                 nonNilStrings(fromJSON[map[string]string](e.Labels)),
		PromptMetadata:         nonNilStrings(fromJSON[map[string]string](e.PromptMetadata)),
		ConverterIdentifiers:   fromJSON[[]model.Identifier](e.ConverterIdentifiers),
		PromptTargetIdentifier: fromJSON[model.Identifier](e.PromptTargetIdentifier),
		OrchestratorIdentifier: fromJSON[model.Identifier](e.OrchestratorIdentifier),
		ScorerIdentifier:       fromJSON[model.Identifier](e.ScorerIdentifier),
		ResponseError:          respErr,
		OriginalPromptID:       e.OriginalPromptID,
		Timestamp:              e.Timestamp,
	}, nil
}

// FromScore 领域评分转存储记录
func FromScore(s *model.Score) *ScoreEntry {
	return &ScoreEntry{
		ID:                      s.ID,
		ScoreValue:              s.ScoreValue,
		ScoreValueDescription:   s.ScoreValueDescription,
		ScoreType:               string(s.ScoreType),
		ScoreCategory:           s.ScoreCategory,
		ScoreRationale:          s.ScoreRationale,
		ScoreMetadata:           toJSON(nonNilStrings(s.ScoreMetadata)),
		ScorerClassIdentifier:   toJSON(s.ScorerClassIdentifier),
		PromptRequestResponseID: s.PromptRequestResponseID,
		Task:                    s.Task,
		Timestamp:               s.Timestamp,
	}
}

// ToScore 存储记录转领域评分
func (e *ScoreEntry) ToScore() (*model.Score, error) {
	st, err := model.ParseScoreType(e.ScoreType)
	if err != nil {
		return nil, fmt.Errorf("failed to map score %s: %w", e.ID, err)
	}
	return &model.Score{
		ID:                      e.ID,
		ScoreValue:              e.ScoreValue,
		ScoreValueDescription:   e.ScoreValueDescription,
		ScoreType:               st,
		ScoreCategory:           e.ScoreCategory,
		ScoreRationale:          e.ScoreRationale,
		ScoreMetadata:           nonNilStrings(fromJSON[map[string]string](e.ScoreMetadata)),
		ScorerClassIdentifier:   fromJSON[model.Identifier](e.ScorerClassIdentifier),
		PromptRequestResponseID: e.PromptRequestResponseID,
		Task:                    e.Task,
		Timestamp:               e.Timestamp,
	}, nil
}

// FromSeedPrompt 种子提示转存储记录
func FromSeedPrompt(p *model.SeedPrompt) *SeedPromptEntry {
	return &SeedPromptEntry{
		ID:             p.ID,
		Value:          p.Value,
		ValueSHA256:    model.HashValue(p.Value),
		DataType:       string(p.DataType),
		Name:           p.Name,
		DatasetName:    p.DatasetName,
		HarmCategories: toJSON(p.HarmCategories),
		Description:    p.Description,
		Authors:        toJSON(p.Authors),
		Groups:         toJSON(p.Groups),
		Source:         p.Source,
		DateAdded:      p.DateAdded,
		AddedBy:        p.AddedBy,
		Metadata:       toJSON(nonNilStrings(p.Metadata)),
		Parameters:     toJSON(p.Parameters),
		PromptGroupID:  p.PromptGroupID,
		Sequence:       p.Sequence,
		Role:           string(p.Role),
	}
}

// ToSeedPrompt 存储记录转种子提示
func (e *SeedPromptEntry) ToSeedPrompt() (*model.SeedPrompt, error) {
	dt, err := model.ParsePromptDataType(e.DataType)
	if err != nil {
		return nil, fmt.Errorf("failed to map seed prompt %s: %w", e.ID, err)
	}
	var role model.ChatRole
	if e.Role != "" {
		if role, err = model.ParseChatRole(e.Role); err != nil {
			return nil, fmt.Errorf("failed to map seed prompt %s: %w", e.ID, err)
		}
	}
	return &model.SeedPrompt{
		ID:             e.ID,
		Value:          e.Value,
		DataType:       dt,
		Name:           e.Name,
		DatasetName:    e.DatasetName,
		HarmCategories: fromJSON[[]string](e.HarmCategories),
		Description:    e.Description,
		Authors:        fromJSON[[]string](e.Authors),
		Groups:         fromJSON[[]string](e.Groups),
		Source:         e.Source,
		DateAdded:      e.DateAdded,
		AddedBy:        e.AddedBy,
		Metadata:       fromJSON[map[string]string](e.Metadata),
		Parameters:     fromJSON[[]string](e.Parameters),
		PromptGroupID:  e.PromptGroupID,
		Sequence:       e.Sequence,
		Role:           role,
	}, nil
}

// NewEmbeddingEntry 构造向量记录
func NewEmbeddingEntry(pieceID, embeddingModel string, vector []float64) *EmbeddingEntry {
	return &EmbeddingEntry{
		ID:             pieceID,
		Embedding:      toJSON(vector),
		EmbeddingModel: embeddingModel,
	}
}

// Vector 解析向量
func (e *EmbeddingEntry) Vector() []float64 {
	return fromJSON[[]float64](e.Embedding)
}

// toJSON 序列化为 JSON 列，nil 写为 null
func toJSON(v any) datatypes.JSON {
	b, err := json.Marshal(v)
	if err != nil {
		return datatypes.JSON("null")
	}
	return datatypes.JSON(b)
}

// fromJSON 解析 JSON 列，无法解析时返回零值
func fromJSON[T any](j datatypes.JSON) T {
	var out T
	if len(j) == 0 {
		return out
	}
	_ = json.Unmarshal(j, &out)
	return out
}

func nonNilStrings(m map[string]string) map[string]string {
	if m == nil {
		return map[string]string{}
	}
	return m
}
