package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/repository"
)

const embeddingTimeout = 30 * time.Second

// AddPieces 原样追加 piece，整体一个事务
func (s *Store) AddPieces(ctx context.Context, pieces []*model.PromptRequestPiece) error {
	if len(pieces) == 0 {
		return nil
	}
	entries := make([]*repository.PromptMemoryEntry, 0, len(pieces))
	convIDs := make([]string, 0, len(pieces))
	for i, p := range pieces {
		if err := p.Validate(); err != nil {
			return err
		}
		entries = append(entries, repository.FromPiece(p, i))
		convIDs = append(convIDs, p.ConversationID)
	}

	unlock := s.lockConversations(convIDs...)
	defer unlock()

	if err := s.repos.Transaction(func(tx *repository.Repositories) error {
		return tx.Prompts.Create(ctx, entries)
	}); err != nil {
		s.metrics.ObserveMemoryWriteFailure("add_pieces")
		return apperr.Storage("add pieces", err)
	}

	s.scheduleEmbeddings(pieces)
	return nil
}

// AddResponse 追加一个响应，序号为会话当前最大序号 + 1
func (s *Store) AddResponse(ctx context.Context, response *model.PromptRequestResponse) error {
	return s.AddResponses(ctx, response)
}

// AddResponses 在一个事务内依次追加多个响应，每个响应占用下一个序号
func (s *Store) AddResponses(ctx context.Context, responses ...*model.PromptRequestResponse) error {
	if len(responses) == 0 {
		return nil
	}
	convIDs := make([]string, 0, len(responses))
	for _, r := range responses {
		if err := r.Validate(); err != nil {
			return err
		}
		for _, p := range r.RequestPieces {
			if err := p.Validate(); err != nil {
				return err
			}
		}
		convIDs = append(convIDs, r.ConversationID())
	}

	// 进程内锁只串行本实例；跨实例依靠 advisory 锁与 (conversation_id, sequence, position) 唯一索引
	unlock := s.lockConversations(convIDs...)
	defer unlock()

	// 事务失败时恢复调用方传入的序号
	original := make([][]int, len(responses))
	for i, r := range responses {
		for _, p := range r.RequestPieces {
			original[i] = append(original[i], p.Sequence)
		}
	}

	err := s.repos.Transaction(func(tx *repository.Repositories) error {
		next := map[string]int{}
		for _, r := range responses {
			convID := r.ConversationID()
			seq, ok := next[convID]
			if !ok {
				if err := tx.Prompts.LockConversation(ctx, convID); err != nil {
					return fmt.Errorf("failed to lock conversation: %w", err)
				}
				maxSeq, exists, err := tx.Prompts.MaxSequence(ctx, convID)
				if err != nil {
					return fmt.Errorf("failed to read max sequence: %w", err)
				}
				seq = 0
				if exists {
					seq = maxSeq + 1
				}
			}
			r.SetSequence(seq)
			next[convID] = seq + 1

			entries := make([]*repository.PromptMemoryEntry, 0, len(r.RequestPieces))
			for i, p := range r.RequestPieces {
				entries = append(entries, repository.FromPiece(p, i))
			}
			if err := tx.Prompts.Create(ctx, entries); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		for i, r := range responses {
			for j, p := range r.RequestPieces {
				p.Sequence = original[i][j]
			}
		}
		s.metrics.ObserveMemoryWriteFailure("add_responses")
		return apperr.Storage("add responses", err)
	}

	s.scheduleEmbeddings(model.FlattenToPieces(responses))
	return nil
}

// AddScores 追加评分，引用的 piece 必须存在
func (s *Store) AddScores(ctx context.Context, scores []*model.Score) error {
	if len(scores) == 0 {
		return nil
	}
	ids := make([]string, 0, len(scores))
	entries := make([]*repository.ScoreEntry, 0, len(scores))
	for _, sc := range scores {
		if err := sc.Validate(); err != nil {
			return err
		}
		ids = append(ids, sc.PromptRequestResponseID)
		entries = append(entries, repository.FromScore(sc))
	}

	err := s.repos.Transaction(func(tx *repository.Repositories) error {
		existing, err := tx.Prompts.ExistingIDs(ctx, ids)
		if err != nil {
			return err
		}
		var missing []string
		for _, id := range ids {
			if !existing[id] {
				missing = append(missing, id)
			}
		}
		if len(missing) > 0 {
			return apperr.Storage("add scores", fmt.Errorf("referenced pieces do not exist: %s", strings.Join(missing, ", ")))
		}
		return tx.Scores.Create(ctx, entries)
	})
	if err != nil {
		s.metrics.ObserveMemoryWriteFailure("add_scores")
		if apperr.Is(err, apperr.KindStorage) {
			return err
		}
		return apperr.Storage("add scores", err)
	}
	return nil
}

// scheduleEmbeddings 异步生成文本 piece 的向量，Dispose 会等待完成
func (s *Store) scheduleEmbeddings(pieces []*model.PromptRequestPiece) {
	if s.embedder == nil {
		return
	}
	var ids, texts []string
	for _, p := range pieces {
		if p.ConvertedValueDataType != model.DataTypeText || strings.TrimSpace(p.ConvertedValue) == "" {
			continue
		}
		ids = append(ids, p.ID)
		texts = append(texts, p.ConvertedValue)
	}
	if len(texts) == 0 {
		return
	}

	s.pending.Add(1)
	go func() {
		defer s.pending.Done()
		ctx, cancel := context.WithTimeout(context.Background(), embeddingTimeout)
		defer cancel()

		vectors, err := s.embedder.EmbedStrings(ctx, texts)
		if err != nil {
			s.log.Warn("failed to generate embeddings", "pieces", len(texts), "error", err)
			return
		}
		for i, vec := range vectors {
			if i >= len(ids) {
				break
			}
			entry := repository.NewEmbeddingEntry(ids[i], s.embeddingModel, vec)
			if err := s.repos.Embeddings.Upsert(ctx, entry); err != nil {
				s.log.Warn("failed to store embedding", "piece_id", ids[i], "error", err)
			}
		}
	}()
}
