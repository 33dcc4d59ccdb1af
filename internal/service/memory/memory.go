// Package memory 提供对话、评分与种子提示的持久化记忆
package memory

import (
	"context"
	"io"
	"sort"
	"sync"

	"github.com/cloudwego/eino/components/embedding"

	"github.com/ashwinyue/next-redteam/internal/database"
	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/repository"
)

// Memory 记忆存储接口
// 读路径遇到存储错误时记录日志并返回空结果；写路径的错误一律返回
type Memory interface {
	AddPieces(ctx context.Context, pieces []*model.PromptRequestPiece) error
	AddResponse(ctx context.Context, response *model.PromptRequestResponse) error
	AddResponses(ctx context.Context, responses ...*model.PromptRequestResponse) error
	AddScores(ctx context.Context, scores []*model.Score) error

	GetConversation(ctx context.Context, conversationID string) []*model.PromptRequestResponse
	GetPieces(ctx context.Context, filter *model.PieceFilter) []*model.PromptRequestPiece
	GetScoresByPieceIDs(ctx context.Context, pieceIDs []string) []*model.Score
	GetScoresByOrchestratorID(ctx context.Context, orchestratorID string) []*model.Score
	GetScoresByMemoryLabels(ctx context.Context, labels map[string]string) []*model.Score

	DuplicateConversation(ctx context.Context, conversationID, newOrchestratorID string) (string, error)
	DuplicateConversationExcludingLastTurn(ctx context.Context, conversationID, newOrchestratorID string) (string, error)

	UpdateLabelsByConversationID(ctx context.Context, conversationID string, labels map[string]string) bool
	UpdateMetadataByConversationID(ctx context.Context, conversationID string, metadata map[string]string) bool

	Export(ctx context.Context, w io.Writer, format ExportFormat, filter *model.PieceFilter) error
	ExportToFile(ctx context.Context, path string, format ExportFormat, filter *model.PieceFilter) error

	AddSeedPrompts(ctx context.Context, prompts []*model.SeedPrompt, addedBy string) error
	GetSeedPrompts(ctx context.Context, filter *model.SeedPromptFilter) []*model.SeedPrompt
	GetSeedPromptGroups(ctx context.Context, filter *model.SeedPromptFilter) []*model.SeedPromptGroup

	ResetDatabase(ctx context.Context) error
	Dispose() error
}

// Options 可选依赖
type Options struct {
	// Embedder 非空时为写入的文本 piece 异步生成向量
	Embedder       embedding.Embedder
	EmbeddingModel string
	Logger         *logger.Logger
	Metrics        *metrics.Metrics
}

// Store 基于 gorm 的 Memory 实现
type Store struct {
	db    *database.DB
	repos *repository.Repositories

	embedder       embedding.Embedder
	embeddingModel string
	log            *logger.Logger
	metrics        *metrics.Metrics

	convLocks sync.Map // conversation_id -> *sync.Mutex
	pending   sync.WaitGroup

	disposeOnce sync.Once
}

var _ Memory = (*Store)(nil)

// NewStore 创建记忆存储，Store 负责在 Dispose 时关闭 db
func NewStore(db *database.DB, opts *Options) *Store {
	if opts == nil {
		opts = &Options{}
	}
	return &Store{
		db:             db,
		repos:          repository.NewRepositories(db.DB),
		embedder:       opts.Embedder,
		embeddingModel: opts.EmbeddingModel,
		log:            logger.OrNop(opts.Logger).With("component", "memory"),
		metrics:        opts.Metrics,
	}
}

// Dispose 等待已调度的向量任务并关闭连接；关闭失败只在首次调用时返回，重复调用为空操作
func (s *Store) Dispose() error {
	var err error
	s.disposeOnce.Do(func() {
		s.pending.Wait()
		if err = s.db.Close(); err != nil {
			s.log.Error("failed to close memory database", "error", err)
		}
	})
	return err
}

// ResetDatabase 清空全部记录，仅用于测试或重置
func (s *Store) ResetDatabase(ctx context.Context) error {
	s.pending.Wait()
	return s.repos.Transaction(func(tx *repository.Repositories) error {
		if err := tx.Scores.DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Embeddings.DeleteAll(ctx); err != nil {
			return err
		}
		if err := tx.Prompts.DeleteAll(ctx); err != nil {
			return err
		}
		return tx.Seeds.DeleteAll(ctx)
	})
}

// lockConversations 按固定顺序锁住多个会话，返回解锁函数
func (s *Store) lockConversations(ids ...string) func() {
	uniq := make([]string, 0, len(ids))
	seen := map[string]bool{}
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			uniq = append(uniq, id)
		}
	}
	sort.Strings(uniq)

	locks := make([]*sync.Mutex, 0, len(uniq))
	for _, id := range uniq {
		v, _ := s.convLocks.LoadOrStore(id, &sync.Mutex{})
		mu := v.(*sync.Mutex)
		mu.Lock()
		locks = append(locks, mu)
	}
	return func() {
		for i := len(locks) - 1; i >= 0; i-- {
			locks[i].Unlock()
		}
	}
}
