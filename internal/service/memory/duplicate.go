package memory

import (
	"context"

	"github.com/google/uuid"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/repository"
)

// DuplicateConversation 复制整个会话到新的会话 ID
// 新 piece 使用新 ID，OriginalPromptID 保持指向最初的 piece
func (s *Store) DuplicateConversation(ctx context.Context, conversationID, newOrchestratorID string) (string, error) {
	return s.duplicate(ctx, conversationID, newOrchestratorID, false)
}

// DuplicateConversationExcludingLastTurn 复制会话但去掉最后一轮
// 最后一个序号是 assistant 时连同其前一个序号一起去掉
func (s *Store) DuplicateConversationExcludingLastTurn(ctx context.Context, conversationID, newOrchestratorID string) (string, error) {
	return s.duplicate(ctx, conversationID, newOrchestratorID, true)
}

func (s *Store) duplicate(ctx context.Context, conversationID, newOrchestratorID string, excludeLastTurn bool) (string, error) {
	entries, err := s.repos.Prompts.ListByConversation(ctx, conversationID)
	if err != nil {
		return "", apperr.Storage("duplicate conversation", err)
	}
	if len(entries) == 0 {
		return "", apperr.BadRequest("duplicate conversation", "conversation %s has no pieces", conversationID)
	}
	turns := model.GroupConversationPieces(s.toPieces(entries))
	if excludeLastTurn {
		turns = dropLastTurn(turns)
	}

	newID := uuid.New().String()
	var copies []*repository.PromptMemoryEntry
	var pieces []*model.PromptRequestPiece
	for _, turn := range turns {
		for i, src := range turn.RequestPieces {
			p := src.Clone()
			p.ID = uuid.New().String()
			p.ConversationID = newID
			if newOrchestratorID != "" {
				p.OrchestratorIdentifier = p.OrchestratorIdentifier.With(model.IdentifierKeyID, newOrchestratorID)
			}
			copies = append(copies, repository.FromPiece(p, i))
			pieces = append(pieces, p)
		}
	}

	unlock := s.lockConversations(newID)
	defer unlock()
	if err := s.repos.Transaction(func(tx *repository.Repositories) error {
		return tx.Prompts.Create(ctx, copies)
	}); err != nil {
		s.metrics.ObserveMemoryWriteFailure("duplicate_conversation")
		return "", apperr.Storage("duplicate conversation", err)
	}
	s.scheduleEmbeddings(pieces)

	s.log.Debug("conversation duplicated",
		"source", conversationID,
		"target", newID,
		"pieces", len(copies),
		"exclude_last_turn", excludeLastTurn,
	)
	return newID, nil
}

func dropLastTurn(turns []*model.PromptRequestResponse) []*model.PromptRequestResponse {
	if len(turns) == 0 {
		return turns
	}
	last := turns[len(turns)-1]
	turns = turns[:len(turns)-1]
	if last.Role() == model.RoleAssistant && len(turns) > 0 && turns[len(turns)-1].Role() == model.RoleUser {
		turns = turns[:len(turns)-1]
	}
	return turns
}

// UpdateLabelsByConversationID 合并会话内所有 piece 的标签
func (s *Store) UpdateLabelsByConversationID(ctx context.Context, conversationID string, labels map[string]string) bool {
	return s.updateByConversation(ctx, conversationID, "labels", func(tx *repository.Repositories, p *model.PromptRequestPiece) error {
		return tx.Prompts.UpdateLabels(ctx, p.ID, model.MergeStrings(p.Labels, labels))
	})
}

// UpdateMetadataByConversationID 合并会话内所有 piece 的元数据
func (s *Store) UpdateMetadataByConversationID(ctx context.Context, conversationID string, metadata map[string]string) bool {
	return s.updateByConversation(ctx, conversationID, "metadata", func(tx *repository.Repositories, p *model.PromptRequestPiece) error {
		return tx.Prompts.UpdateMetadata(ctx, p.ID, model.MergeStrings(p.PromptMetadata, metadata))
	})
}

func (s *Store) updateByConversation(ctx context.Context, conversationID, field string, apply func(*repository.Repositories, *model.PromptRequestPiece) error) bool {
	unlock := s.lockConversations(conversationID)
	defer unlock()

	err := s.repos.Transaction(func(tx *repository.Repositories) error {
		entries, err := tx.Prompts.ListByConversation(ctx, conversationID)
		if err != nil {
			return err
		}
		if len(entries) == 0 {
			return apperr.BadRequest("update "+field, "conversation %s has no pieces", conversationID)
		}
		for _, e := range entries {
			p, err := e.ToPiece()
			if err != nil {
				return err
			}
			if err := apply(tx, p); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		s.log.Warn("failed to update conversation", "conversation_id", conversationID, "field", field, "error", err)
		return false
	}
	return true
}
