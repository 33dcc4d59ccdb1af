package testutil

import (
	"context"
	"sync"

	"github.com/ashwinyue/next-redteam/internal/model"
)

// EchoTarget 回显请求内容并加前缀
type EchoTarget struct {
	Prefix string
	RPM    int

	id    model.Identifier
	mu    sync.Mutex
	calls int
}

// NewEchoTarget 创建回显目标
func NewEchoTarget(prefix string) *EchoTarget {
	return &EchoTarget{Prefix: prefix, id: model.NewIdentifier("EchoTarget", "testutil")}
}

func (t *EchoTarget) Identifier() model.Identifier { return t.id }

func (t *EchoTarget) RequestsPerMinute() int { return t.RPM }

func (t *EchoTarget) Send(ctx context.Context, req *model.PromptRequestResponse) (*model.PromptRequestResponse, error) {
	t.mu.Lock()
	t.calls++
	t.mu.Unlock()
	p := req.First()
	return model.NewResponseFromRequest(p, []string{t.Prefix + p.ConvertedValue}, model.DataTypeText, model.ResponseErrorNone), nil
}

// Calls 调用次数
func (t *EchoTarget) Calls() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.calls
}

// FlakyTarget 前 FailTimes 次返回 Err，之后回显
type FlakyTarget struct {
	*EchoTarget
	FailTimes int
	Err       error
}

// NewFlakyTarget 创建先失败后成功的目标
func NewFlakyTarget(failTimes int, err error) *FlakyTarget {
	return &FlakyTarget{EchoTarget: NewEchoTarget(""), FailTimes: failTimes, Err: err}
}

func (t *FlakyTarget) Send(ctx context.Context, req *model.PromptRequestResponse) (*model.PromptRequestResponse, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	t.mu.Unlock()
	if n <= t.FailTimes {
		return nil, t.Err
	}
	p := req.First()
	return model.NewResponseFromRequest(p, []string{t.Prefix + p.ConvertedValue}, model.DataTypeText, model.ResponseErrorNone), nil
}

// ScriptedTarget 依次返回固定应答，用尽后重复最后一条
type ScriptedTarget struct {
	*EchoTarget
	Replies []string
}

// NewScriptedTarget 创建脚本目标
func NewScriptedTarget(replies ...string) *ScriptedTarget {
	return &ScriptedTarget{EchoTarget: NewEchoTarget(""), Replies: replies}
}

func (t *ScriptedTarget) Send(ctx context.Context, req *model.PromptRequestResponse) (*model.PromptRequestResponse, error) {
	t.mu.Lock()
	t.calls++
	n := t.calls
	t.mu.Unlock()
	reply := ""
	if len(t.Replies) > 0 {
		idx := n - 1
		if idx >= len(t.Replies) {
			idx = len(t.Replies) - 1
		}
		reply = t.Replies[idx]
	}
	return model.NewResponseFromRequest(req.First(), []string{reply}, model.DataTypeText, model.ResponseErrorNone), nil
}
