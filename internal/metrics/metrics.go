// Package metrics 提供 Prometheus 指标
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics 引擎指标
type Metrics struct {
	Registry prometheus.Gatherer

	// 目标调用
	TargetRequestsTotal   *prometheus.CounterVec
	TargetRequestDuration *prometheus.HistogramVec
	RetriesTotal          *prometheus.CounterVec

	// 评分
	ScoresTotal *prometheus.CounterVec

	// 攻击
	AttacksTotal    *prometheus.CounterVec
	AttackTurns     *prometheus.HistogramVec
	BacktracksTotal *prometheus.CounterVec

	// 存储
	MemoryWriteFailuresTotal *prometheus.CounterVec

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec
}

// New 在给定 registry 上注册全部指标
func New(reg *prometheus.Registry) *Metrics {
	factory := promauto.With(reg)

	m := &Metrics{Registry: reg}

	m.TargetRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_target_requests_total",
			Help: "Total number of requests sent to targets",
		},
		[]string{"target", "outcome"},
	)

	m.TargetRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redteam_target_request_duration_seconds",
			Help:    "Duration of target requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"target"},
	)

	m.RetriesTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_retries_total",
			Help: "Total number of retried target calls by error kind",
		},
		[]string{"kind"},
	)

	m.ScoresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_scores_total",
			Help: "Total number of scores written",
		},
		[]string{"scorer", "type"},
	)

	m.AttacksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_attacks_total",
			Help: "Total number of finished attacks by terminal state",
		},
		[]string{"orchestrator", "state"},
	)

	m.AttackTurns = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redteam_attack_turns",
			Help:    "Turns executed per attack",
			Buckets: []float64{1, 2, 3, 5, 8, 13, 21},
		},
		[]string{"orchestrator"},
	)

	m.BacktracksTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_backtracks_total",
			Help: "Total number of backtracks",
		},
		[]string{"orchestrator"},
	)

	m.MemoryWriteFailuresTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_memory_write_failures_total",
			Help: "Total number of failed memory writes",
		},
		[]string{"operation"},
	)

	m.HTTPRequestsTotal = factory.NewCounterVec(
		prometheus.CounterOpts{
			Name: "redteam_http_requests_total",
			Help: "Total number of HTTP requests",
		},
		[]string{"method", "route", "status"},
	)

	m.HTTPRequestDuration = factory.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "redteam_http_request_duration_seconds",
			Help:    "Duration of HTTP requests in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"method", "route"},
	)

	return m
}

// NewNop 使用私有 registry，测试或未启用指标时使用
func NewNop() *Metrics {
	return New(prometheus.NewRegistry())
}

// ObserveTarget 记录一次目标调用
func (m *Metrics) ObserveTarget(target, outcome string, start time.Time) {
	if m == nil {
		return
	}
	m.TargetRequestsTotal.WithLabelValues(target, outcome).Inc()
	m.TargetRequestDuration.WithLabelValues(target).Observe(time.Since(start).Seconds())
}

// ObserveRetry 记录一次重试
func (m *Metrics) ObserveRetry(kind string) {
	if m == nil {
		return
	}
	m.RetriesTotal.WithLabelValues(kind).Inc()
}

// ObserveScore 记录一条评分
func (m *Metrics) ObserveScore(scorer, scoreType string) {
	if m == nil {
		return
	}
	m.ScoresTotal.WithLabelValues(scorer, scoreType).Inc()
}

// ObserveAttack 记录一次攻击结束
func (m *Metrics) ObserveAttack(orchestrator, state string, turns, backtracks int) {
	if m == nil {
		return
	}
	m.AttacksTotal.WithLabelValues(orchestrator, state).Inc()
	m.AttackTurns.WithLabelValues(orchestrator).Observe(float64(turns))
	if backtracks > 0 {
		m.BacktracksTotal.WithLabelValues(orchestrator).Add(float64(backtracks))
	}
}

// ObserveMemoryWriteFailure 记录存储写失败
func (m *Metrics) ObserveMemoryWriteFailure(op string) {
	if m == nil {
		return
	}
	m.MemoryWriteFailuresTotal.WithLabelValues(op).Inc()
}

// ObserveHTTP 记录一次 HTTP 请求
func (m *Metrics) ObserveHTTP(method, route, status string, d time.Duration) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.WithLabelValues(method, route, status).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(d.Seconds())
}
