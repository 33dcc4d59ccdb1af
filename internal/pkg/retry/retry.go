// Package retry 显式的重试策略：错误类别判定 + 最大次数 + 退避计划
package retry

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v5"

	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
)

const (
	DefaultMaxAttempts     = 5
	DefaultInitialInterval = time.Second
	DefaultMultiplier      = 2.0
	DefaultRandomization   = 0.1
	DefaultMaxInterval     = 60 * time.Second
)

// Policy 重试策略
type Policy struct {
	// MaxAttempts 总尝试次数（含第一次），小于 1 视为 1
	MaxAttempts int
	// NewBackOff 每次 Do 调用生成独立的退避计划，为 nil 时不等待
	NewBackOff func() backoff.BackOff
	// Retryable 判断错误是否可以重试，为 nil 时不重试
	Retryable func(error) bool
	// OnRetry 每次重试前回调，attempt 从 1 开始
	OnRetry func(attempt int, err error, wait time.Duration)
}

// BackoffConfig 指数退避参数
type BackoffConfig struct {
	MaxAttempts     int
	InitialInterval time.Duration
	Multiplier      float64
	Randomization   float64
	MaxInterval     time.Duration
}

// DefaultBackoffConfig 默认退避参数：1s 起步，倍率 2，抖动 10%，上限 60s，共 5 次
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		MaxAttempts:     DefaultMaxAttempts,
		InitialInterval: DefaultInitialInterval,
		Multiplier:      DefaultMultiplier,
		Randomization:   DefaultRandomization,
		MaxInterval:     DefaultMaxInterval,
	}
}

// TargetPolicy 目标调用的重试策略：限流、空响应、被拦截走指数退避
func TargetPolicy(cfg BackoffConfig) *Policy {
	def := DefaultBackoffConfig()
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.InitialInterval <= 0 {
		cfg.InitialInterval = def.InitialInterval
	}
	if cfg.Multiplier < 1 {
		cfg.Multiplier = def.Multiplier
	}
	if cfg.Randomization < 0 || cfg.Randomization >= 1 {
		cfg.Randomization = def.Randomization
	}
	if cfg.MaxInterval <= 0 {
		cfg.MaxInterval = def.MaxInterval
	}

	return &Policy{
		MaxAttempts: cfg.MaxAttempts,
		NewBackOff: func() backoff.BackOff {
			b := backoff.NewExponentialBackOff()
			b.InitialInterval = cfg.InitialInterval
			b.Multiplier = cfg.Multiplier
			b.RandomizationFactor = cfg.Randomization
			b.MaxInterval = cfg.MaxInterval
			b.Reset()
			return b
		},
		Retryable: apperr.IsRetryable,
	}
}

// JSONPolicy 结构化输出解析失败时用相同输入立即重试
func JSONPolicy(maxAttempts int) *Policy {
	return &Policy{
		MaxAttempts: maxAttempts,
		Retryable: func(err error) bool {
			return apperr.Is(err, apperr.KindInvalidJSON)
		},
	}
}

// NoRetry 只尝试一次
func NoRetry() *Policy {
	return &Policy{MaxAttempts: 1}
}

// Do 按策略执行 fn，返回最后一次错误
func (p *Policy) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	_, err := Run(ctx, p, func(ctx context.Context) (struct{}, error) {
		return struct{}{}, fn(ctx)
	})
	return err
}

// Run 按策略执行 fn 并返回结果
func Run[T any](ctx context.Context, p *Policy, fn func(ctx context.Context) (T, error)) (T, error) {
	if p == nil {
		p = NoRetry()
	}
	maxAttempts := p.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	var b backoff.BackOff = &backoff.ZeroBackOff{}
	if p.NewBackOff != nil {
		b = p.NewBackOff()
	}

	var zero T
	var last error
	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			if last != nil {
				return zero, last
			}
			return zero, err
		}

		result, err := fn(ctx)
		if err == nil {
			return result, nil
		}
		last = err

		if p.Retryable == nil || !p.Retryable(err) || attempt == maxAttempts {
			return zero, err
		}

		wait := b.NextBackOff()
		if wait == backoff.Stop {
			return zero, err
		}
		if p.OnRetry != nil {
			p.OnRetry(attempt, err, wait)
		}
		if wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return zero, last
			case <-timer.C:
			}
		}
	}
	return zero, last
}
