package repository

import (
	"time"

	"gorm.io/datatypes"
)

// PromptMemoryEntry piece 持久化记录
type PromptMemoryEntry struct {
	ID                     string `gorm:"primaryKey;size:36"`
	Role                   string `gorm:"size:16;index"`
	ConversationID         string `gorm:"size:64;uniqueIndex:idx_prompt_conv_seq_pos,priority:1"`
	Sequence               int    `gorm:"uniqueIndex:idx_prompt_conv_seq_pos,priority:2"`
	Position               int    `gorm:"default:0;uniqueIndex:idx_prompt_conv_seq_pos,priority:3"`
	OriginalValue          string `gorm:"type:text"`
	OriginalValueDataType  string `gorm:"size:20"`
	OriginalValueSHA256    string `gorm:"column:original_value_sha256;size:64;index"`
	ConvertedValue         string `gorm:"type:text"`
	ConvertedValueDataType string `gorm:"size:20;index"`
	ConvertedValueSHA256   string `gorm:"column:converted_value_sha256;size:64;index"`
	Labels                 datatypes.JSON
	PromptMetadata         datatypes.JSON
	ConverterIdentifiers   datatypes.JSON
	PromptTargetIdentifier datatypes.JSON
	OrchestratorIdentifier datatypes.JSON
	ScorerIdentifier       datatypes.JSON
	ResponseError          string    `gorm:"size:20"`
	OriginalPromptID       string    `gorm:"size:36;index"`
	Timestamp              time.Time `gorm:"index"`
}

// TableName 指定表名
func (PromptMemoryEntry) TableName() string {
	return "prompt_memory_entries"
}

// ScoreEntry 评分持久化记录
type ScoreEntry struct {
	ID                      string `gorm:"primaryKey;size:36"`
	ScoreValue              string `gorm:"size:64"`
	ScoreValueDescription   string `gorm:"type:text"`
	ScoreType               string `gorm:"size:20;index"`
	ScoreCategory           string `gorm:"size:128;index"`
	ScoreRationale          string `gorm:"type:text"`
	ScoreMetadata           datatypes.JSON
	ScorerClassIdentifier   datatypes.JSON
	PromptRequestResponseID string    `gorm:"size:36;index"`
	Task                    string    `gorm:"type:text"`
	Timestamp               time.Time `gorm:"index"`
}

// TableName 指定表名
func (ScoreEntry) TableName() string {
	return "score_entries"
}

// EmbeddingEntry piece 向量
type EmbeddingEntry struct {
	ID             string `gorm:"primaryKey;size:36"` // 与 piece ID 相同
	Embedding      datatypes.JSON
	EmbeddingModel string    `gorm:"size:128"`
	CreatedAt      time.Time `gorm:"autoCreateTime"`
}

// TableName 指定表名
func (EmbeddingEntry) TableName() string {
	return "embedding_entries"
}

// SeedPromptEntry 种子提示持久化记录
type SeedPromptEntry struct {
	ID             string `gorm:"primaryKey;size:36"`
	Value          string `gorm:"type:text"`
	ValueSHA256    string `gorm:"column:value_sha256;size:64;index"`
	DataType       string `gorm:"size:20"`
	Name           string `gorm:"size:255"`
	DatasetName    string `gorm:"size:255;index"`
	HarmCategories datatypes.JSON
	Description    string `gorm:"type:text"`
	Authors        datatypes.JSON
	Groups         datatypes.JSON
	Source         string    `gorm:"size:512"`
	DateAdded      time.Time `gorm:"index"`
	AddedBy        string    `gorm:"size:128;index"`
	Metadata       datatypes.JSON
	Parameters     datatypes.JSON
	PromptGroupID  string `gorm:"size:36;index"`
	Sequence       int
	Role           string `gorm:"size:16"`
}

// TableName 指定表名
func (SeedPromptEntry) TableName() string {
	return "seed_prompt_entries"
}

// AllModels 用于 AutoMigrate
var AllModels = []interface{}{
	&PromptMemoryEntry{},
	&ScoreEntry{},
	&EmbeddingEntry{},
	&SeedPromptEntry{},
}
