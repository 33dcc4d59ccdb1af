package model

import (
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"gopkg.in/yaml.v3"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// SeedPromptDataset 种子提示集，数据集级字段作为成员默认值
type SeedPromptDataset struct {
	DatasetName    string            `json:"dataset_name" yaml:"dataset_name"`
	DataType       PromptDataType    `json:"data_type,omitempty" yaml:"data_type,omitempty"`
	HarmCategories []string          `json:"harm_categories,omitempty" yaml:"harm_categories,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Authors        []string          `json:"authors,omitempty" yaml:"authors,omitempty"`
	Groups         []string          `json:"groups,omitempty" yaml:"groups,omitempty"`
	Source         string            `json:"source,omitempty" yaml:"source,omitempty"`
	AddedBy        string            `json:"added_by,omitempty" yaml:"added_by,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Prompts        []*SeedPrompt     `json:"prompts" yaml:"prompts"`
}

// LoadSeedDataset 从 YAML 文件加载
func LoadSeedDataset(path string) (*SeedPromptDataset, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed dataset: %w", err)
	}
	return ParseSeedDataset(data)
}

// ParseSeedDataset 解析 YAML 并应用默认值
func ParseSeedDataset(data []byte) (*SeedPromptDataset, error) {
	var ds SeedPromptDataset
	if err := yaml.Unmarshal(data, &ds); err != nil {
		return nil, apperr.BadRequest("parse seed dataset", "invalid yaml: %v", err)
	}
	if len(ds.Prompts) == 0 {
		return nil, apperr.BadRequest("parse seed dataset", "dataset %q has no prompts", ds.DatasetName)
	}
	ds.applyDefaults()
	for i, p := range ds.Prompts {
		if err := p.Validate(); err != nil {
			return nil, fmt.Errorf("failed to validate prompt %d: %w", i, err)
		}
	}
	return &ds, nil
}

func (ds *SeedPromptDataset) applyDefaults() {
	now := time.Now().UTC()
	for _, p := range ds.Prompts {
		if p.ID == "" {
			p.ID = uuid.New().String()
		}
		if p.DataType == "" {
			p.DataType = ds.DataType
		}
		if p.DataType == "" {
			p.DataType = DataTypeText
		}
		if p.DatasetName == "" {
			p.DatasetName = ds.DatasetName
		}
		if len(p.HarmCategories) == 0 {
			p.HarmCategories = ds.HarmCategories
		}
		if p.Description == "" {
			p.Description = ds.Description
		}
		if len(p.Authors) == 0 {
			p.Authors = ds.Authors
		}
		if len(p.Groups) == 0 {
			p.Groups = ds.Groups
		}
		if p.Source == "" {
			p.Source = ds.Source
		}
		if p.AddedBy == "" {
			p.AddedBy = ds.AddedBy
		}
		if p.Metadata == nil && ds.Metadata != nil {
			p.Metadata = cloneStrings(ds.Metadata)
		}
		if p.DateAdded.IsZero() {
			p.DateAdded = now
		}
	}
}

// PromptGroups 按 prompt_group_id 分组，无分组 ID 的提示各自成组，保持首次出现顺序
func (ds *SeedPromptDataset) PromptGroups() ([]*SeedPromptGroup, error) {
	return GroupSeedPrompts(ds.Prompts)
}

// GroupSeedPrompts 按 prompt_group_id 分组
func GroupSeedPrompts(prompts []*SeedPrompt) ([]*SeedPromptGroup, error) {
	var order []string
	byID := map[string][]*SeedPrompt{}
	for _, p := range prompts {
		key := p.PromptGroupID
		if key == "" {
			key = "_single_" + p.ID
			if p.ID == "" {
				key = "_single_" + uuid.New().String()
			}
		}
		if _, ok := byID[key]; !ok {
			order = append(order, key)
		}
		byID[key] = append(byID[key], p)
	}

	groups := make([]*SeedPromptGroup, 0, len(order))
	for _, key := range order {
		g, err := NewSeedPromptGroup(byID[key])
		if err != nil {
			return nil, err
		}
		groups = append(groups, g)
	}
	return groups, nil
}

// Values 所有提示的原始文本
func (ds *SeedPromptDataset) Values() []string {
	out := make([]string, 0, len(ds.Prompts))
	for _, p := range ds.Prompts {
		out = append(out, p.Value)
	}
	return out
}
