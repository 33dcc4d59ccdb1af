package model

import "time"

// PieceFilter piece 查询条件，零值字段不参与过滤
type PieceFilter struct {
	OrchestratorID    string
	ConversationID    string
	Role              ChatRole
	Labels            map[string]string
	SentAfter         *time.Time
	SentBefore        *time.Time
	OriginalSHA256    string
	ConvertedSHA256   string
	DataType          PromptDataType
	PromptIDs         []string
	OriginalPromptIDs []string
	Limit             int
}

// SeedPromptFilter 种子提示查询条件
type SeedPromptFilter struct {
	DatasetName    string
	HarmCategories []string
	Groups         []string
	AddedBy        string
	DataType       PromptDataType
	PromptGroupIDs []string
	ValueSHA256    string
}
