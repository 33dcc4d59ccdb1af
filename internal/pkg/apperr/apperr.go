// Package apperr 定义攻击引擎的错误分类
package apperr

import (
	"errors"
	"fmt"
)

// Kind 错误类别
type Kind string

const (
	KindBadRequest    Kind = "bad_request"
	KindRateLimited   Kind = "rate_limited"
	KindEmptyResponse Kind = "empty_response"
	KindBlocked       Kind = "blocked"
	KindInvalidJSON   Kind = "invalid_json"
	KindStorage       Kind = "storage"
	KindUnknown       Kind = "unknown"
)

// Error 带类别的错误
type Error struct {
	Kind Kind
	Op   string
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s: %s", e.Op, e.Kind)
	}
	if e.Op == "" {
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	}
	return fmt.Sprintf("%s: %s: %v", e.Op, e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// New 创建指定类别的错误
func New(kind Kind, op string, err error) *Error {
	return &Error{Kind: kind, Op: op, Err: err}
}

// BadRequest 输入不合法，不重试
func BadRequest(op, format string, args ...any) *Error {
	return New(KindBadRequest, op, fmt.Errorf(format, args...))
}

// RateLimited 目标限流
func RateLimited(op string, err error) *Error {
	return New(KindRateLimited, op, err)
}

// EmptyResponse 目标返回空内容
func EmptyResponse(op string, err error) *Error {
	return New(KindEmptyResponse, op, err)
}

// Blocked 目标因内容审核拒绝
func Blocked(op string, err error) *Error {
	return New(KindBlocked, op, err)
}

// InvalidJSON 结构化输出解析失败
func InvalidJSON(op string, err error) *Error {
	return New(KindInvalidJSON, op, err)
}

// Storage 存储写入或完整性错误，不重试
func Storage(op string, err error) *Error {
	return New(KindStorage, op, err)
}

// Unknown 未知或传输层错误
func Unknown(op string, err error) *Error {
	return New(KindUnknown, op, err)
}

// KindOf 返回错误链上第一个 *Error 的类别，没有时返回 KindUnknown
func KindOf(err error) Kind {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind
	}
	return KindUnknown
}

// Is 判断错误链是否包含指定类别
func Is(err error, kind Kind) bool {
	if err == nil {
		return false
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == kind
	}
	return false
}

// IsRetryable 限流、空响应、被拦截可以退避重试
func IsRetryable(err error) bool {
	switch KindOf(err) {
	case KindRateLimited, KindEmptyResponse, KindBlocked:
		return err != nil
	default:
		return false
	}
}
