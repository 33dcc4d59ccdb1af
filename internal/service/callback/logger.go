// Package callback 提供 Eino 组件执行事件的结构化日志
package callback

import (
	"context"

	"github.com/cloudwego/eino/callbacks"
	"github.com/cloudwego/eino/schema"

	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
)

const maxLoggedChars = 200

// Logger 日志回调处理器，实现 callbacks.Handler
type Logger struct {
	log         *logger.Logger
	EnableDebug bool
}

var _ callbacks.Handler = (*Logger)(nil)

// NewLogger 创建日志回调处理器
func NewLogger(l *logger.Logger, enableDebug bool) *Logger {
	return &Logger{log: logger.OrNop(l).With("component", "eino"), EnableDebug: enableDebug}
}

// OnStart 组件执行开始
func (l *Logger) OnStart(ctx context.Context, info *callbacks.RunInfo, input callbacks.CallbackInput) context.Context {
	if l.EnableDebug {
		l.log.Debug("component start", runFields(info, "input", truncate(input))...)
	}
	return ctx
}

// OnEnd 组件执行成功
func (l *Logger) OnEnd(ctx context.Context, info *callbacks.RunInfo, output callbacks.CallbackOutput) context.Context {
	if l.EnableDebug {
		l.log.Debug("component end", runFields(info, "output", truncate(output))...)
	}
	return ctx
}

// OnError 组件执行出错，无论是否调试都记录
func (l *Logger) OnError(ctx context.Context, info *callbacks.RunInfo, err error) context.Context {
	l.log.Warn("component error", runFields(info, "error", err)...)
	return ctx
}

// OnStartWithStreamInput 流式输入开始
func (l *Logger) OnStartWithStreamInput(ctx context.Context, info *callbacks.RunInfo, input *schema.StreamReader[callbacks.CallbackInput]) context.Context {
	if input != nil {
		input.Close()
	}
	if l.EnableDebug {
		l.log.Debug("component stream start", runFields(info)...)
	}
	return ctx
}

// OnEndWithStreamOutput 流式输出结束
func (l *Logger) OnEndWithStreamOutput(ctx context.Context, info *callbacks.RunInfo, output *schema.StreamReader[callbacks.CallbackOutput]) context.Context {
	if output != nil {
		output.Close()
	}
	if l.EnableDebug {
		l.log.Debug("component stream end", runFields(info)...)
	}
	return ctx
}

func runFields(info *callbacks.RunInfo, extra ...interface{}) []interface{} {
	fields := make([]interface{}, 0, 6+len(extra))
	if info != nil {
		fields = append(fields, "name", info.Name, "type", info.Type, "component", string(info.Component))
	}
	return append(fields, extra...)
}

// truncate 避免日志过大
func truncate(v interface{}) interface{} {
	if v == nil {
		return nil
	}
	if str, ok := v.(string); ok && len(str) > maxLoggedChars {
		return str[:maxLoggedChars] + "..."
	}
	if msg, ok := v.(*schema.Message); ok && msg != nil && len(msg.Content) > maxLoggedChars {
		return msg.Content[:maxLoggedChars] + "..."
	}
	return v
}

// SetupGlobalCallbacks 注册全局回调
func SetupGlobalCallbacks(l *logger.Logger, enableDebug bool) {
	callbacks.AppendGlobalHandlers(NewLogger(l, enableDebug))
	logger.OrNop(l).Info("eino global callbacks registered", "debug", enableDebug)
}
