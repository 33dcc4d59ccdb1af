package converter

import (
	"context"
	"strings"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// 默认的局部转换定界符
const (
	DefaultStartToken = "⟪"
	DefaultEndToken   = "⟫"
)

// Configuration 一组转换器及其作用的 piece 下标，下标为空表示全部 piece
type Configuration struct {
	Converters     []Converter
	IndexesToApply []int
}

// NewConfiguration 创建作用于全部 piece 的配置
func NewConfiguration(converters ...Converter) *Configuration {
	return &Configuration{Converters: converters}
}

func (c *Configuration) applies(index int) bool {
	if len(c.IndexesToApply) == 0 {
		return true
	}
	for _, i := range c.IndexesToApply {
		if i == index {
			return true
		}
	}
	return false
}

// Chain 依次执行转换器，第 i 个的输出作为第 i+1 个的输入
func Chain(ctx context.Context, value string, dataType model.PromptDataType, converters ...Converter) (*Result, error) {
	current := &Result{OutputText: value, OutputType: dataType}
	for _, c := range converters {
		if err := checkInput(c, current.OutputType); err != nil {
			return nil, err
		}
		next, err := c.Convert(ctx, current.OutputText, current.OutputType)
		if err != nil {
			return nil, err
		}
		current = next
	}
	return current, nil
}

// Apply 对响应中的各 piece 应用配置，并记录转换器身份
// 转换在原 piece 上进行：更新 ConvertedValue 与哈希
func Apply(ctx context.Context, configs []*Configuration, response *model.PromptRequestResponse) error {
	if response == nil {
		return nil
	}
	for _, cfg := range configs {
		if cfg == nil {
			continue
		}
		for _, idx := range cfg.IndexesToApply {
			if idx < 0 || idx >= len(response.RequestPieces) {
				return apperr.BadRequest("apply converters", "index %d out of range for %d pieces", idx, len(response.RequestPieces))
			}
		}
		for i, p := range response.RequestPieces {
			if !cfg.applies(i) {
				continue
			}
			result, err := ConvertTokens(ctx, p.ConvertedValue, p.ConvertedValueDataType, cfg.Converters, DefaultStartToken, DefaultEndToken)
			if err != nil {
				return err
			}
			p.SetConvertedValue(result.OutputText, result.OutputType)
			for _, c := range cfg.Converters {
				p.ConverterIdentifiers = append(p.ConverterIdentifiers, c.Identifier().Clone())
			}
		}
	}
	return nil
}

// ConvertTokens 只转换定界符之间的片段；无定界符时转换整体，定界符不配对时报错
// 有定界符时结果必须仍为文本
func ConvertTokens(ctx context.Context, value string, dataType model.PromptDataType, converters []Converter, start, end string) (*Result, error) {
	if len(converters) == 0 {
		return &Result{OutputText: value, OutputType: dataType}, nil
	}
	if start == "" || end == "" {
		return nil, apperr.BadRequest("convert tokens", "start and end tokens are required")
	}

	hasStart := strings.Contains(value, start)
	hasEnd := strings.Contains(value, end)
	if !hasStart && !hasEnd {
		return Chain(ctx, value, dataType, converters...)
	}
	if dataType != model.DataTypeText {
		return nil, apperr.BadRequest("convert tokens", "token-delimited conversion requires text, got %s", dataType)
	}

	var b strings.Builder
	rest := value
	for {
		i := strings.Index(rest, start)
		j := strings.Index(rest, end)
		if i < 0 && j < 0 {
			b.WriteString(rest)
			break
		}
		if i < 0 || j < 0 || j < i {
			return nil, apperr.BadRequest("convert tokens", "unbalanced delimiters %s...%s", start, end)
		}
		inner := rest[i+len(start) : j]
		if strings.Contains(inner, start) {
			return nil, apperr.BadRequest("convert tokens", "nested delimiters are not supported")
		}
		converted, err := Chain(ctx, inner, model.DataTypeText, converters...)
		if err != nil {
			return nil, err
		}
		if converted.OutputType != model.DataTypeText {
			return nil, apperr.BadRequest("convert tokens", "converters must produce text inside delimiters, got %s", converted.OutputType)
		}
		b.WriteString(rest[:i])
		b.WriteString(converted.OutputText)
		rest = rest[j+len(end):]
	}
	return &Result{OutputText: b.String(), OutputType: model.DataTypeText}, nil
}
