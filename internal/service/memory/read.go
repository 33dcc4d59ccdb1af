package memory

import (
	"context"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/repository"
)

// GetConversation 按序号分组返回会话的所有轮次
func (s *Store) GetConversation(ctx context.Context, conversationID string) []*model.PromptRequestResponse {
	entries, err := s.repos.Prompts.ListByConversation(ctx, conversationID)
	if err != nil {
		s.log.Error("failed to load conversation", "conversation_id", conversationID, "error", err)
		return nil
	}
	pieces := s.toPieces(entries)
	return model.GroupConversationPieces(pieces)
}

// GetPieces 按条件查询 piece，附带各自的评分
func (s *Store) GetPieces(ctx context.Context, filter *model.PieceFilter) []*model.PromptRequestPiece {
	entries, err := s.repos.Prompts.List(ctx, filter)
	if err != nil {
		s.log.Error("failed to query pieces", "error", err)
		return nil
	}
	pieces := s.toPieces(entries)
	if len(pieces) == 0 {
		return pieces
	}

	ids := make([]string, 0, len(pieces))
	for _, p := range pieces {
		ids = append(ids, p.ID)
	}
	byPiece := map[string][]*model.Score{}
	for _, sc := range s.GetScoresByPieceIDs(ctx, ids) {
		byPiece[sc.PromptRequestResponseID] = append(byPiece[sc.PromptRequestResponseID], sc)
	}
	for _, p := range pieces {
		p.Scores = byPiece[p.ID]
	}
	return pieces
}

// GetScoresByPieceIDs 查询指定 piece 的评分
func (s *Store) GetScoresByPieceIDs(ctx context.Context, pieceIDs []string) []*model.Score {
	entries, err := s.repos.Scores.ListByPieceIDs(ctx, pieceIDs)
	if err != nil {
		s.log.Error("failed to query scores", "pieces", len(pieceIDs), "error", err)
		return nil
	}
	return s.toScores(entries)
}

// GetScoresByOrchestratorID 查询某个编排器产生的 piece 的评分
func (s *Store) GetScoresByOrchestratorID(ctx context.Context, orchestratorID string) []*model.Score {
	entries, err := s.repos.Scores.ListByPieceFilter(ctx, &model.PieceFilter{OrchestratorID: orchestratorID})
	if err != nil {
		s.log.Error("failed to query scores by orchestrator", "orchestrator_id", orchestratorID, "error", err)
		return nil
	}
	return s.toScores(entries)
}

// GetScoresByMemoryLabels 查询标签全部匹配的 piece 的评分
func (s *Store) GetScoresByMemoryLabels(ctx context.Context, labels map[string]string) []*model.Score {
	entries, err := s.repos.Scores.ListByPieceFilter(ctx, &model.PieceFilter{Labels: labels})
	if err != nil {
		s.log.Error("failed to query scores by labels", "labels", labels, "error", err)
		return nil
	}
	return s.toScores(entries)
}

// toPieces 转换失败的记录跳过并记录日志
func (s *Store) toPieces(entries []*repository.PromptMemoryEntry) []*model.PromptRequestPiece {
	pieces := make([]*model.PromptRequestPiece, 0, len(entries))
	for _, e := range entries {
		p, err := e.ToPiece()
		if err != nil {
			s.log.Warn("skipping unreadable piece", "error", err)
			continue
		}
		pieces = append(pieces, p)
	}
	return pieces
}

func (s *Store) toScores(entries []*repository.ScoreEntry) []*model.Score {
	scores := make([]*model.Score, 0, len(entries))
	for _, e := range entries {
		sc, err := e.ToScore()
		if err != nil {
			s.log.Warn("skipping unreadable score", "error", err)
			continue
		}
		scores = append(scores, sc)
	}
	return scores
}
