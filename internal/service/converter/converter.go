// Package converter 提供发送前后对提示内容的变换
package converter

import (
	"context"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// Result 转换结果
type Result struct {
	OutputText string
	OutputType model.PromptDataType
}

// Converter 内容转换器
type Converter interface {
	Identifier() model.Identifier
	Convert(ctx context.Context, value string, inputType model.PromptDataType) (*Result, error)
	InputSupported(t model.PromptDataType) bool
	OutputSupported(t model.PromptDataType) bool
}

// checkInput 类型不匹配时返回 BadRequest，不做透传
func checkInput(c Converter, t model.PromptDataType) error {
	if !c.InputSupported(t) {
		return apperr.BadRequest("convert", "%s does not support input type %s", c.Identifier().Type(), t)
	}
	return nil
}

// textConverter 纯文本到纯文本的转换器
type textConverter struct {
	id model.Identifier
	fn func(string) (string, error)
}

func newTextConverter(name string, fn func(string) (string, error)) *textConverter {
	return &textConverter{id: model.NewIdentifier(name, "converter"), fn: fn}
}

func (c *textConverter) Identifier() model.Identifier { return c.id }

func (c *textConverter) InputSupported(t model.PromptDataType) bool { return t == model.DataTypeText }

func (c *textConverter) OutputSupported(t model.PromptDataType) bool { return t == model.DataTypeText }

func (c *textConverter) Convert(ctx context.Context, value string, inputType model.PromptDataType) (*Result, error) {
	if err := checkInput(c, inputType); err != nil {
		return nil, err
	}
	out, err := c.fn(value)
	if err != nil {
		return nil, err
	}
	return &Result{OutputText: out, OutputType: model.DataTypeText}, nil
}
