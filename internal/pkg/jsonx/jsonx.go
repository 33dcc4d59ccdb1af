// Package jsonx 解析模型返回的结构化输出
package jsonx

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/kaptinlin/jsonrepair"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// Repair 提取并修复模型输出中的 JSON 对象
// 先走快速路径，再截取对象区域，最后交给 jsonrepair
func Repair(input string) string {
	s := strings.TrimSpace(input)

	if strings.HasPrefix(s, "{") && strings.HasSuffix(s, "}") && json.Valid([]byte(s)) {
		return s
	}

	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	s = strings.TrimSpace(s)

	i := strings.IndexByte(s, '{')
	j := strings.LastIndexByte(s, '}')
	if i >= 0 && j >= i {
		sub := s[i : j+1]
		if json.Valid([]byte(sub)) {
			return sub
		}
		s = sub
	} else if i >= 0 {
		s = s[i:]
	}

	out, err := jsonrepair.JSONRepair(s)
	if err != nil {
		return s
	}
	return out
}

// Decode 修复后解析到 v，失败返回 InvalidJSON
func Decode(op, input string, v any) error {
	if strings.TrimSpace(input) == "" {
		return apperr.InvalidJSON(op, errors.New("empty output"))
	}
	if err := json.Unmarshal([]byte(Repair(input)), v); err != nil {
		return apperr.InvalidJSON(op, err)
	}
	return nil
}

// RequireKeys 检查对象中必需的键
func RequireKeys(op string, obj map[string]json.RawMessage, keys ...string) error {
	var missing []string
	for _, k := range keys {
		if _, ok := obj[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return apperr.InvalidJSON(op, errors.New("missing keys: "+strings.Join(missing, ", ")))
	}
	return nil
}
