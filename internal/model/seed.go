package model

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// SeedPrompt 可复用的攻击提示模板
type SeedPrompt struct {
	ID             string            `json:"id" yaml:"id,omitempty"`
	Value          string            `json:"value" yaml:"value"`
	DataType       PromptDataType    `json:"data_type" yaml:"data_type,omitempty"`
	Name           string            `json:"name,omitempty" yaml:"name,omitempty"`
	DatasetName    string            `json:"dataset_name,omitempty" yaml:"dataset_name,omitempty"`
	HarmCategories []string          `json:"harm_categories,omitempty" yaml:"harm_categories,omitempty"`
	Description    string            `json:"description,omitempty" yaml:"description,omitempty"`
	Authors        []string          `json:"authors,omitempty" yaml:"authors,omitempty"`
	Groups         []string          `json:"groups,omitempty" yaml:"groups,omitempty"`
	Source         string            `json:"source,omitempty" yaml:"source,omitempty"`
	DateAdded      time.Time         `json:"date_added" yaml:"date_added,omitempty"`
	AddedBy        string            `json:"added_by,omitempty" yaml:"added_by,omitempty"`
	Metadata       map[string]string `json:"metadata,omitempty" yaml:"metadata,omitempty"`
	Parameters     []string          `json:"parameters,omitempty" yaml:"parameters,omitempty"`
	PromptGroupID  string            `json:"prompt_group_id,omitempty" yaml:"prompt_group_id,omitempty"`
	Sequence       int               `json:"sequence" yaml:"sequence,omitempty"`
	Role           ChatRole          `json:"role,omitempty" yaml:"role,omitempty"`
}

// placeholderPattern 匹配 {{ name }} 与 {name}
var placeholderPattern = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}|\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// Placeholders 模板中引用的参数名，按出现顺序去重
func (s *SeedPrompt) Placeholders() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(s.Value, -1) {
		name := m[1]
		if name == "" {
			name = m[2]
		}
		if !seen[name] {
			seen[name] = true
			out = append(out, name)
		}
	}
	return out
}

// Render 严格渲染，声明或引用的参数缺失时返回 BadRequest
func (s *SeedPrompt) Render(params map[string]any) (string, error) {
	var missing []string
	for _, p := range s.Parameters {
		if _, ok := params[p]; !ok {
			missing = append(missing, p)
		}
	}
	out := renderTemplate(s.Value, params, func(name string) {
		for _, m := range missing {
			if m == name {
				return
			}
		}
		missing = append(missing, name)
	})
	if len(missing) > 0 {
		return "", apperr.BadRequest("render seed prompt", "unresolved template parameters: %s", strings.Join(missing, ", "))
	}
	return out, nil
}

// RenderSilent 宽松渲染，未提供的参数原样保留
func (s *SeedPrompt) RenderSilent(params map[string]any) string {
	return renderTemplate(s.Value, params, nil)
}

func renderTemplate(tmpl string, params map[string]any, onMissing func(string)) string {
	return placeholderPattern.ReplaceAllStringFunc(tmpl, func(match string) string {
		sub := placeholderPattern.FindStringSubmatch(match)
		name := sub[1]
		if name == "" {
			name = sub[2]
		}
		v, ok := params[name]
		if !ok {
			if onMissing != nil {
				onMissing(name)
			}
			return match
		}
		return fmt.Sprint(v)
	})
}

// Validate 校验数据类型与角色
func (s *SeedPrompt) Validate() error {
	if strings.TrimSpace(s.Value) == "" {
		return apperr.BadRequest("validate seed prompt", "value is required")
	}
	if _, err := ParsePromptDataType(string(s.DataType)); err != nil {
		return err
	}
	if s.Role != "" {
		if _, err := ParseChatRole(string(s.Role)); err != nil {
			return err
		}
	}
	return nil
}

// SeedPromptGroup 共享 prompt_group_id 的一组提示
type SeedPromptGroup struct {
	Prompts []*SeedPrompt `json:"prompts"`
}

// NewSeedPromptGroup 创建分组，补齐 group id 并按序号排序
func NewSeedPromptGroup(prompts []*SeedPrompt) (*SeedPromptGroup, error) {
	if len(prompts) == 0 {
		return nil, apperr.BadRequest("seed prompt group", "group must contain at least one prompt")
	}

	groupID := ""
	for _, p := range prompts {
		if p.PromptGroupID == "" {
			continue
		}
		if groupID != "" && groupID != p.PromptGroupID {
			return nil, apperr.BadRequest("seed prompt group", "inconsistent prompt_group_id: %s != %s", groupID, p.PromptGroupID)
		}
		groupID = p.PromptGroupID
	}
	if groupID == "" {
		groupID = uuid.New().String()
	}

	sorted := make([]*SeedPrompt, len(prompts))
	copy(sorted, prompts)
	for _, p := range sorted {
		p.PromptGroupID = groupID
		if p.DataType == "" {
			p.DataType = DataTypeText
		}
	}
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].Sequence < sorted[j].Sequence })

	return &SeedPromptGroup{Prompts: sorted}, nil
}

// GroupID 分组 ID
func (g *SeedPromptGroup) GroupID() string {
	if len(g.Prompts) == 0 {
		return ""
	}
	return g.Prompts[0].PromptGroupID
}

// IsSingleRequest 全部成员序号相同时作为一个多部分请求发送
func (g *SeedPromptGroup) IsSingleRequest() bool {
	if len(g.Prompts) == 0 {
		return false
	}
	seq := g.Prompts[0].Sequence
	for _, p := range g.Prompts[1:] {
		if p.Sequence != seq {
			return false
		}
	}
	return true
}

// ToRequest 转换为一个多部分请求，要求 IsSingleRequest
func (g *SeedPromptGroup) ToRequest(conversationID string, opts ...PieceOption) (*PromptRequestResponse, error) {
	if !g.IsSingleRequest() {
		return nil, apperr.BadRequest("seed prompt group", "group %s spans multiple sequences", g.GroupID())
	}
	pieces := make([]*PromptRequestPiece, 0, len(g.Prompts))
	for _, p := range g.Prompts {
		role := p.Role
		if role == "" {
			role = RoleUser
		}
		all := append([]PieceOption{WithConversationID(conversationID), WithDataType(p.DataType)}, opts...)
		pieces = append(pieces, NewPromptRequestPiece(role, p.Value, all...))
	}
	return NewPromptRequestResponse(pieces...)
}

// SeedGroupFromText 单条文本构造分组
func SeedGroupFromText(text string) *SeedPromptGroup {
	return &SeedPromptGroup{Prompts: []*SeedPrompt{{
		ID:            uuid.New().String(),
		Value:         text,
		DataType:      DataTypeText,
		PromptGroupID: uuid.New().String(),
	}}}
}
