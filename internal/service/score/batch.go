package score

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
)

// DefaultBatchSize 默认并发评分数
const DefaultBatchSize = 10

// BatchResult 单个 piece 的评分结果，失败互不影响
type BatchResult struct {
	Piece  *model.PromptRequestPiece
	Scores []*model.Score
	Err    error
}

// ScoreBatch 以 batchSize 为并发上限评分，结果顺序与输入一致
func ScoreBatch(ctx context.Context, scorer Scorer, pieces []*model.PromptRequestPiece, task string, batchSize int) []BatchResult {
	if batchSize <= 0 {
		batchSize = DefaultBatchSize
	}
	results := make([]BatchResult, len(pieces))
	var g errgroup.Group
	g.SetLimit(batchSize)
	for i, p := range pieces {
		results[i].Piece = p
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i].Err = apperr.Unknown("score batch", err)
				return nil
			}
			results[i].Scores, results[i].Err = scorer.Score(ctx, p, task)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// ScoreResponsesInConversations 对会话中的 assistant 响应评分，跳过错误响应
func ScoreResponsesInConversations(ctx context.Context, mem memory.Memory, scorer Scorer, conversationIDs []string, task string, batchSize int) []BatchResult {
	var pieces []*model.PromptRequestPiece
	for _, id := range conversationIDs {
		for _, turn := range mem.GetConversation(ctx, id) {
			for _, p := range turn.RequestPieces {
				if p.Role == model.RoleAssistant && !p.HasError() {
					pieces = append(pieces, p)
				}
			}
		}
	}
	return ScoreBatch(ctx, scorer, pieces, task, batchSize)
}

// Errors 汇总失败项
func Errors(results []BatchResult) []error {
	var errs []error
	for _, r := range results {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}
