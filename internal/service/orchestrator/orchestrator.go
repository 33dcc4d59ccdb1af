// Package orchestrator 驱动攻击策略的状态机，组合 Normalizer、Scorer 与记忆
package orchestrator

import (
	"context"
	"sync/atomic"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
	"github.com/ashwinyue/next-redteam/internal/service/normalizer"
	"github.com/ashwinyue/next-redteam/internal/service/session"
)

// DefaultBatchSize 默认并发攻击数
const DefaultBatchSize = 10

// State 攻击状态
type State string

const (
	StateInit       State = "INIT"
	StateTurnActive State = "TURN_ACTIVE"
	StateScoring    State = "SCORING"
	StateBacktrack  State = "BACKTRACK"
	StateAchieved   State = "ACHIEVED"
	StateExhausted  State = "EXHAUSTED"
)

// Terminal 是否为终止状态
func (s State) Terminal() bool {
	return s == StateAchieved || s == StateExhausted
}

// AttackResult 一次攻击的结果；未达成目标是终止状态而不是错误
type AttackResult struct {
	AttackID       string                    `json:"attack_id"`
	ConversationID string                    `json:"conversation_id"`
	Objective      string                    `json:"objective"`
	State          State                     `json:"state"`
	Achieved       bool                      `json:"achieved"`
	TurnsExecuted  int                       `json:"turns_executed"`
	Backtracks     int                       `json:"backtracks"`
	LastResponse   *model.PromptRequestPiece `json:"last_response,omitempty"`
	LastScore      *model.Score              `json:"last_score,omitempty"`
	Err            error                     `json:"-"`
}

// Orchestrator 攻击策略
type Orchestrator interface {
	Identifier() model.Identifier
	RunAttack(ctx context.Context, objective string) *AttackResult
	RunAttacks(ctx context.Context, objectives []string) []*AttackResult
	GetMemory(ctx context.Context) []*model.PromptRequestPiece
	GetScoreMemory(ctx context.Context) []*model.Score
	Dispose()
}

// Config 各策略共享的依赖
type Config struct {
	Memory memory.Memory
	// Normalizer 为 nil 时按 Memory 创建默认实例
	Normalizer  *normalizer.Normalizer
	Checkpoints *session.Manager
	Logger      *logger.Logger
	Metrics     *metrics.Metrics
	// Labels 写入本编排器产生的全部 piece
	Labels    map[string]string
	BatchSize int
}

// base 共享的身份、依赖与状态记录
type base struct {
	id          model.Identifier
	memory      memory.Memory
	normalizer  *normalizer.Normalizer
	checkpoints *session.Manager
	log         *logger.Logger
	metrics     *metrics.Metrics
	labels      map[string]string
	batchSize   int
	disposed    atomic.Bool
}

func newBase(typeName string, cfg *Config) (*base, error) {
	if cfg == nil || cfg.Memory == nil {
		return nil, apperr.BadRequest("new orchestrator", "%s requires memory", typeName)
	}
	n := cfg.Normalizer
	if n == nil {
		var err error
		n, err = normalizer.New(&normalizer.Config{Memory: cfg.Memory, Logger: cfg.Logger, Metrics: cfg.Metrics})
		if err != nil {
			return nil, err
		}
	}
	batch := cfg.BatchSize
	if batch <= 0 {
		batch = DefaultBatchSize
	}
	id := model.NewIdentifier(typeName, "orchestrator")
	return &base{
		id:          id,
		memory:      cfg.Memory,
		normalizer:  n,
		checkpoints: cfg.Checkpoints,
		log:         logger.OrNop(cfg.Logger).With("orchestrator", typeName, "orchestrator_id", id.ID()),
		metrics:     cfg.Metrics,
		labels:      model.MergeStrings(nil, cfg.Labels),
		batchSize:   batch,
	}, nil
}

func (b *base) Identifier() model.Identifier { return b.id }

// GetMemory 本编排器产生的全部 piece
func (b *base) GetMemory(ctx context.Context) []*model.PromptRequestPiece {
	return b.memory.GetPieces(ctx, &model.PieceFilter{OrchestratorID: b.id.ID()})
}

// GetScoreMemory 本编排器产生的 piece 上的评分
func (b *base) GetScoreMemory(ctx context.Context) []*model.Score {
	return b.memory.GetScoresByOrchestratorID(ctx, b.id.ID())
}

// Dispose 之后不再接受新的攻击；记忆由进程统一释放
func (b *base) Dispose() {
	if b.disposed.CompareAndSwap(false, true) {
		b.log.Debug("orchestrator disposed")
	}
}

func (b *base) checkUsable() error {
	if b.disposed.Load() {
		return apperr.BadRequest("run attack", "orchestrator %s has been disposed", b.id.ID())
	}
	return nil
}

func (b *base) newResult(objective, conversationID string) *AttackResult {
	return &AttackResult{
		AttackID:       uuid.New().String(),
		ConversationID: conversationID,
		Objective:      objective,
		State:          StateInit,
	}
}

// transition 记录状态并写检查点
func (b *base) transition(ctx context.Context, res *AttackResult, state State) {
	res.State = state
	b.log.Debug("attack state changed", "attack_id", res.AttackID, "conversation_id", res.ConversationID,
		"state", state, "turn", res.TurnsExecuted, "backtracks", res.Backtracks)
	b.checkpoint(ctx, res)
}

func (b *base) checkpoint(ctx context.Context, res *AttackResult) {
	if b.checkpoints == nil {
		return
	}
	cp := &session.Checkpoint{
		AttackID:       res.AttackID,
		ConversationID: res.ConversationID,
		Orchestrator:   b.id.Type(),
		OrchestratorID: b.id.ID(),
		Objective:      res.Objective,
		State:          string(res.State),
		Turn:           res.TurnsExecuted,
		Backtracks:     res.Backtracks,
		Achieved:       res.Achieved,
	}
	if res.LastResponse != nil {
		cp.LastResponse = res.LastResponse.ConvertedValue
	}
	if res.Err != nil {
		cp.Error = res.Err.Error()
	}
	// 检查点在取消后也要落盘
	b.checkpoints.Save(context.WithoutCancel(ctx), cp)
}

// finish 进入终止状态
func (b *base) finish(ctx context.Context, res *AttackResult, state State, err error) *AttackResult {
	res.Err = err
	res.Achieved = state == StateAchieved
	b.transition(ctx, res, state)
	b.metrics.ObserveAttack(b.id.Type(), string(state), res.TurnsExecuted, res.Backtracks)
	if err != nil {
		b.log.Warn("attack ended with error", "attack_id", res.AttackID, "state", state, "error", err)
	} else {
		b.log.Info("attack finished", "attack_id", res.AttackID, "state", state,
			"turns", res.TurnsExecuted, "backtracks", res.Backtracks)
	}
	return res
}

// runAll 以 batchSize 为并发上限执行，结果顺序与输入一致，单个失败不影响其它目标
func (b *base) runAll(ctx context.Context, objectives []string, run func(context.Context, string) *AttackResult) []*AttackResult {
	results := make([]*AttackResult, len(objectives))
	var g errgroup.Group
	g.SetLimit(b.batchSize)
	for i, objective := range objectives {
		g.Go(func() error {
			results[i] = run(ctx, objective)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// writePrepended 将预置对话复制到新会话，user 轮次经过请求转换
func (b *base) writePrepended(ctx context.Context, conversationID string, prepended []*model.PromptRequestResponse, convert func(context.Context, *model.PromptRequestResponse) error) error {
	if len(prepended) == 0 {
		return nil
	}
	turns := make([]*model.PromptRequestResponse, 0, len(prepended))
	for _, turn := range prepended {
		pieces := make([]*model.PromptRequestPiece, 0, len(turn.RequestPieces))
		for _, p := range turn.RequestPieces {
			c := p.Clone()
			c.ID = uuid.New().String()
			c.OriginalPromptID = c.ID
			c.ConversationID = conversationID
			c.Labels = model.MergeStrings(c.Labels, b.labels)
			c.OrchestratorIdentifier = b.id.Clone()
			pieces = append(pieces, c)
		}
		copied, err := model.NewPromptRequestResponse(pieces...)
		if err != nil {
			return err
		}
		if copied.Role() == model.RoleUser && convert != nil {
			if err := convert(ctx, copied); err != nil {
				return err
			}
		}
		turns = append(turns, copied)
	}
	return b.memory.AddResponses(ctx, turns...)
}
