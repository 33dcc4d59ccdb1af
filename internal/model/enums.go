package model

import (
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

// ChatRole 消息角色
type ChatRole string

const (
	RoleSystem    ChatRole = "system"
	RoleUser      ChatRole = "user"
	RoleAssistant ChatRole = "assistant"
)

// ParseChatRole 解析角色，未知值返回 BadRequest
func ParseChatRole(s string) (ChatRole, error) {
	switch ChatRole(s) {
	case RoleSystem, RoleUser, RoleAssistant:
		return ChatRole(s), nil
	default:
		return "", apperr.BadRequest("parse role", "unsupported chat role %q", s)
	}
}

// PromptDataType 内容的数据类型
type PromptDataType string

const (
	DataTypeText      PromptDataType = "text"
	DataTypeImagePath PromptDataType = "image_path"
	DataTypeAudioPath PromptDataType = "audio_path"
	DataTypeVideoPath PromptDataType = "video_path"
	DataTypeURL       PromptDataType = "url"
	DataTypeError     PromptDataType = "error"
)

// ParsePromptDataType 解析数据类型
func ParsePromptDataType(s string) (PromptDataType, error) {
	switch PromptDataType(s) {
	case DataTypeText, DataTypeImagePath, DataTypeAudioPath, DataTypeVideoPath, DataTypeURL, DataTypeError:
		return PromptDataType(s), nil
	default:
		return "", apperr.BadRequest("parse data type", "unsupported prompt data type %q", s)
	}
}

// IsMedia 是否为文件路径类数据
func (t PromptDataType) IsMedia() bool {
	switch t {
	case DataTypeImagePath, DataTypeAudioPath, DataTypeVideoPath:
		return true
	default:
		return false
	}
}

// ResponseError 响应错误状态
type ResponseError string

const (
	ResponseErrorNone       ResponseError = "none"
	ResponseErrorBlocked    ResponseError = "blocked"
	ResponseErrorProcessing ResponseError = "processing"
	ResponseErrorEmpty      ResponseError = "empty"
	ResponseErrorUnknown    ResponseError = "unknown"
)

// ParseResponseError 解析响应错误状态，空字符串视为 none
func ParseResponseError(s string) (ResponseError, error) {
	if s == "" {
		return ResponseErrorNone, nil
	}
	switch ResponseError(s) {
	case ResponseErrorNone, ResponseErrorBlocked, ResponseErrorProcessing, ResponseErrorEmpty, ResponseErrorUnknown:
		return ResponseError(s), nil
	default:
		return "", apperr.BadRequest("parse response error", "unsupported response error %q", s)
	}
}

// ScoreType 评分类型
type ScoreType string

const (
	ScoreTypeTrueFalse  ScoreType = "true_false"
	ScoreTypeFloatScale ScoreType = "float_scale"
)

// ParseScoreType 解析评分类型
func ParseScoreType(s string) (ScoreType, error) {
	switch ScoreType(s) {
	case ScoreTypeTrueFalse, ScoreTypeFloatScale:
		return ScoreType(s), nil
	default:
		return "", apperr.BadRequest("parse score type", "unsupported score type %q", s)
	}
}
