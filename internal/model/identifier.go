package model

import (
	"github.com/google/uuid"
)

// Identifier 组件身份，写入存储记录用于溯源
type Identifier map[string]string

const (
	IdentifierKeyType   = "__type__"
	IdentifierKeyModule = "__module__"
	IdentifierKeyID     = "id"
)

// Identifiable 具备身份的组件
type Identifiable interface {
	Identifier() Identifier
}

// NewIdentifier 创建组件身份，每个实例一个新的 id
func NewIdentifier(typeName, module string) Identifier {
	return Identifier{
		IdentifierKeyType:   typeName,
		IdentifierKeyModule: module,
		IdentifierKeyID:     uuid.New().String(),
	}
}

// Type 组件类型名
func (i Identifier) Type() string { return i[IdentifierKeyType] }

// ID 实例 id
func (i Identifier) ID() string { return i[IdentifierKeyID] }

// Clone 深拷贝
func (i Identifier) Clone() Identifier {
	if i == nil {
		return nil
	}
	out := make(Identifier, len(i))
	for k, v := range i {
		out[k] = v
	}
	return out
}

// With 返回带附加字段的副本
func (i Identifier) With(key, value string) Identifier {
	out := i.Clone()
	if out == nil {
		out = Identifier{}
	}
	out[key] = value
	return out
}
