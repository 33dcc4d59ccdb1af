package memory

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/cloudwego/eino/components/embedding"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"

	"github.com/ashwinyue/next-redteam/internal/database"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
)

func newTestStore(t *testing.T, opts *Options) *Store {
	t.Helper()
	db, err := database.NewSQLiteMemory("memtest_" + strings.ReplaceAll(uuid.New().String(), "-", ""))
	require.NoError(t, err)
	s := NewStore(db, opts)
	t.Cleanup(func() { _ = s.Dispose() })
	return s
}

func userTurn(convID, text string) *model.PromptRequestResponse {
	return &model.PromptRequestResponse{RequestPieces: []*model.PromptRequestPiece{
		model.NewPromptRequestPiece(model.RoleUser, text, model.WithConversationID(convID)),
	}}
}

func assistantTurn(convID, text string) *model.PromptRequestResponse {
	return &model.PromptRequestResponse{RequestPieces: []*model.PromptRequestPiece{
		model.NewPromptRequestPiece(model.RoleAssistant, text, model.WithConversationID(convID)),
	}}
}

func TestAddResponse_AssignsConsecutiveSequences(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()

	require.NoError(t, s.AddResponse(ctx, userTurn(conv, "hello")))
	require.NoError(t, s.AddResponse(ctx, assistantTurn(conv, "hi")))
	require.NoError(t, s.AddResponses(ctx, userTurn(conv, "again"), assistantTurn(conv, "sure")))

	turns := s.GetConversation(ctx, conv)
	require.Len(t, turns, 4)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Sequence())
	}
	assert.Equal(t, "hello", turns[0].GetValue(0))
	assert.Equal(t, "sure", turns[3].GetValue(0))

	// 重复读取结果一致
	again := s.GetConversation(ctx, conv)
	require.Len(t, again, 4)
	for i := range turns {
		assert.Equal(t, turns[i].First().ID, again[i].First().ID)
	}
}

func TestAddResponse_ConcurrentWritersKeepSequencesUnique(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()

	const writers = 8
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- s.AddResponse(ctx, userTurn(conv, "msg"))
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	turns := s.GetConversation(ctx, conv)
	require.Len(t, turns, writers)
	for i, turn := range turns {
		assert.Equal(t, i, turn.Sequence())
	}
}

func TestAddPieces_RejectsDuplicateSequenceSlot(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	require.NoError(t, s.AddResponse(ctx, userTurn(conv, "first")))

	// 另一个写入方用过期的序号写同一个位置
	stale := model.NewPromptRequestPiece(model.RoleAssistant, "stale", model.WithConversationID(conv))
	stale.Sequence = 0
	err := s.AddPieces(ctx, []*model.PromptRequestPiece{stale})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))

	turns := s.GetConversation(ctx, conv)
	require.Len(t, turns, 1)
	assert.Equal(t, "first", turns[0].GetValue(0))

	// 同一序号的不同位置仍然允许
	second := model.NewPromptRequestPiece(model.RoleUser, "second", model.WithConversationID(conv))
	other := model.NewPromptRequestPiece(model.RoleUser, "other", model.WithConversationID(uuid.New().String()))
	second.Sequence = 0
	require.NoError(t, s.AddPieces(ctx, []*model.PromptRequestPiece{other, second}))
}

func TestAddResponse_RejectsInvalidRole(t *testing.T) {
	s := newTestStore(t, nil)
	r := userTurn(uuid.New().String(), "x")
	r.RequestPieces[0].Role = "robot"

	err := s.AddResponse(context.Background(), r)
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestAddScores(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	resp := assistantTurn(conv, "answer")
	require.NoError(t, s.AddResponse(ctx, resp))

	scorer := model.NewIdentifier("SubStringScorer", "score")
	ok := model.NewTrueFalseScore(true, resp.First().ID, scorer)
	require.NoError(t, s.AddScores(ctx, []*model.Score{ok}))

	got := s.GetScoresByPieceIDs(ctx, []string{resp.First().ID})
	require.Len(t, got, 1)
	v, err := got[0].BoolValue()
	require.NoError(t, err)
	assert.True(t, v)

	missing := model.NewTrueFalseScore(false, uuid.New().String(), scorer)
	err = s.AddScores(ctx, []*model.Score{missing})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindStorage))
	assert.Len(t, s.GetScoresByPieceIDs(ctx, []string{missing.PromptRequestResponseID}), 0)
}

func TestGetScoresByOrchestratorAndLabels(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	orch := model.NewIdentifier("PromptSendingOrchestrator", "orchestrator")

	piece := model.NewPromptRequestPiece(model.RoleAssistant, "reply",
		model.WithOrchestrator(orch),
		model.WithLabels(map[string]string{"op": "alpha"}),
	)
	require.NoError(t, s.AddResponse(ctx, &model.PromptRequestResponse{RequestPieces: []*model.PromptRequestPiece{piece}}))
	other := assistantTurn(uuid.New().String(), "unrelated")
	require.NoError(t, s.AddResponse(ctx, other))

	scorer := model.NewIdentifier("RegexScorer", "score")
	require.NoError(t, s.AddScores(ctx, []*model.Score{
		model.NewTrueFalseScore(true, piece.ID, scorer),
		model.NewTrueFalseScore(false, other.First().ID, scorer),
	}))

	byOrch := s.GetScoresByOrchestratorID(ctx, orch.ID())
	require.Len(t, byOrch, 1)
	assert.Equal(t, piece.ID, byOrch[0].PromptRequestResponseID)

	byLabel := s.GetScoresByMemoryLabels(ctx, map[string]string{"op": "alpha"})
	require.Len(t, byLabel, 1)
	assert.Equal(t, piece.ID, byLabel[0].PromptRequestResponseID)

	assert.Empty(t, s.GetScoresByMemoryLabels(ctx, map[string]string{"op": "beta"}))
}

func TestDuplicateConversation(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	require.NoError(t, s.AddResponses(ctx,
		userTurn(conv, "u1"), assistantTurn(conv, "a1"),
		userTurn(conv, "u2"), assistantTurn(conv, "a2"),
	))

	newID, err := s.DuplicateConversation(ctx, conv, "orch-2")
	require.NoError(t, err)
	require.NotEqual(t, conv, newID)

	src := s.GetConversation(ctx, conv)
	dup := s.GetConversation(ctx, newID)
	require.Len(t, dup, len(src))

	srcIDs := map[string]bool{}
	for _, p := range model.FlattenToPieces(src) {
		srcIDs[p.ID] = true
	}
	for i, turn := range dup {
		assert.Equal(t, src[i].Sequence(), turn.Sequence())
		p := turn.First()
		assert.False(t, srcIDs[p.ID], "duplicated piece reuses id %s", p.ID)
		assert.Equal(t, src[i].First().OriginalPromptID, p.OriginalPromptID)
		assert.True(t, p.IsDuplicate())
		assert.Equal(t, "orch-2", p.OrchestratorIdentifier.ID())
		assert.Equal(t, src[i].First().ConvertedValue, p.ConvertedValue)
	}

	// 源会话不受影响
	assert.Len(t, s.GetConversation(ctx, conv), 4)
}

func TestDuplicateConversationExcludingLastTurn(t *testing.T) {
	tests := []struct {
		name  string
		turns func(conv string) []*model.PromptRequestResponse
		want  []string
	}{
		{
			name: "drops last user and assistant pair",
			turns: func(conv string) []*model.PromptRequestResponse {
				return []*model.PromptRequestResponse{
					userTurn(conv, "u1"), assistantTurn(conv, "a1"),
					userTurn(conv, "u2"), assistantTurn(conv, "a2"),
					userTurn(conv, "u3"), assistantTurn(conv, "a3"),
				}
			},
			want: []string{"u1", "a1", "u2", "a2"},
		},
		{
			name: "drops dangling user turn only",
			turns: func(conv string) []*model.PromptRequestResponse {
				return []*model.PromptRequestResponse{
					userTurn(conv, "u1"), assistantTurn(conv, "a1"),
					userTurn(conv, "u2"),
				}
			},
			want: []string{"u1", "a1"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			ctx := context.Background()
			s := newTestStore(t, nil)
			conv := uuid.New().String()
			require.NoError(t, s.AddResponses(ctx, tt.turns(conv)...))

			newID, err := s.DuplicateConversationExcludingLastTurn(ctx, conv, "")
			require.NoError(t, err)

			var got []string
			for _, turn := range s.GetConversation(ctx, newID) {
				got = append(got, turn.GetValue(0))
			}
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestDuplicateConversation_UnknownConversation(t *testing.T) {
	s := newTestStore(t, nil)
	_, err := s.DuplicateConversation(context.Background(), "missing", "")
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestUpdateLabelsAndMetadata(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	require.NoError(t, s.AddResponses(ctx, userTurn(conv, "u"), assistantTurn(conv, "a")))

	assert.True(t, s.UpdateLabelsByConversationID(ctx, conv, map[string]string{"run": "r1"}))
	assert.True(t, s.UpdateMetadataByConversationID(ctx, conv, map[string]string{"note": "x"}))
	assert.False(t, s.UpdateLabelsByConversationID(ctx, "missing", map[string]string{"run": "r1"}))

	for _, p := range model.FlattenToPieces(s.GetConversation(ctx, conv)) {
		assert.Equal(t, "r1", p.Labels["run"])
		assert.Equal(t, "x", p.PromptMetadata["note"])
	}
	pieces := s.GetPieces(ctx, &model.PieceFilter{Labels: map[string]string{"run": "r1"}})
	assert.Len(t, pieces, 2)
}

func TestExport(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	req := userTurn(conv, "how are you")
	resp := assistantTurn(conv, "fine, thanks")
	require.NoError(t, s.AddResponses(ctx, req, resp))
	require.NoError(t, s.AddScores(ctx, []*model.Score{
		model.NewFloatScaleScore(0.25, resp.First().ID, model.NewIdentifier("SelfAskScaleScorer", "score")),
	}))

	t.Run("json round trip", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, s.Export(ctx, &buf, ExportJSON, &model.PieceFilter{ConversationID: conv}))

		var got []*model.PromptRequestPiece
		require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
		require.Len(t, got, 2)

		want := s.GetPieces(ctx, &model.PieceFilter{ConversationID: conv})
		for i := range want {
			assert.Equal(t, want[i].ID, got[i].ID)
			assert.Equal(t, want[i].ConvertedValue, got[i].ConvertedValue)
			assert.Equal(t, want[i].Sequence, got[i].Sequence)
			assert.True(t, want[i].Timestamp.Equal(got[i].Timestamp))
			assert.Len(t, got[i].Scores, len(want[i].Scores))
		}
	})

	t.Run("csv has header and one row per piece", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "out", "export.csv")
		require.NoError(t, s.ExportToFile(ctx, path, ExportCSV, &model.PieceFilter{ConversationID: conv}))

		var buf bytes.Buffer
		require.NoError(t, s.Export(ctx, &buf, ExportCSV, &model.PieceFilter{ConversationID: conv}))
		rows, err := csv.NewReader(&buf).ReadAll()
		require.NoError(t, err)
		require.Len(t, rows, 3)
		assert.Equal(t, csvHeader, rows[0])
		assert.Equal(t, "fine, thanks", rows[2][7])
	})

	t.Run("unknown format", func(t *testing.T) {
		_, err := ParseExportFormat("xml")
		assert.True(t, apperr.Is(err, apperr.KindBadRequest))
	})
}

func TestSeedPrompts(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)

	prompts := []*model.SeedPrompt{
		{Value: "first", DataType: model.DataTypeText, DatasetName: "ds", HarmCategories: []string{"violence", "illegal"}, PromptGroupID: "g1", Sequence: 0},
		{Value: "second", DataType: model.DataTypeText, DatasetName: "ds", HarmCategories: []string{"violence"}, PromptGroupID: "g1", Sequence: 1},
		{Value: "solo", DataType: model.DataTypeText, DatasetName: "ds", HarmCategories: []string{"illegal"}},
	}
	require.NoError(t, s.AddSeedPrompts(ctx, prompts, "tester"))

	// 同一数据集重复写入被去重
	dup := []*model.SeedPrompt{{Value: "first", DataType: model.DataTypeText, DatasetName: "ds"}}
	require.NoError(t, s.AddSeedPrompts(ctx, dup, "tester"))

	all := s.GetSeedPrompts(ctx, &model.SeedPromptFilter{DatasetName: "ds"})
	require.Len(t, all, 3)
	for _, p := range all {
		assert.Equal(t, "tester", p.AddedBy)
	}

	violent := s.GetSeedPrompts(ctx, &model.SeedPromptFilter{HarmCategories: []string{"violence", "illegal"}})
	require.Len(t, violent, 1)
	assert.Equal(t, "first", violent[0].Value)

	groups := s.GetSeedPromptGroups(ctx, &model.SeedPromptFilter{DatasetName: "ds"})
	require.Len(t, groups, 2)
	sizes := map[int]int{}
	for _, g := range groups {
		sizes[len(g.Prompts)]++
	}
	assert.Equal(t, map[int]int{1: 1, 2: 1}, sizes)
}

func TestReadAfterDisposeLogsAndReturnsEmpty(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	s := newTestStore(t, &Options{Logger: logger.FromZap(zap.New(core))})

	require.NoError(t, s.Dispose())
	require.NoError(t, s.Dispose())

	assert.Empty(t, s.GetConversation(context.Background(), "any"))
	assert.Equal(t, 1, logs.FilterMessage("failed to load conversation").Len())
}

func TestResetDatabase(t *testing.T) {
	ctx := context.Background()
	s := newTestStore(t, nil)
	conv := uuid.New().String()
	require.NoError(t, s.AddResponse(ctx, userTurn(conv, "x")))

	require.NoError(t, s.ResetDatabase(ctx))
	assert.Empty(t, s.GetConversation(ctx, conv))
}

type fakeEmbedder struct {
	mu    sync.Mutex
	calls int
}

func (f *fakeEmbedder) EmbedStrings(_ context.Context, texts []string, _ ...embedding.Option) ([][]float64, error) {
	f.mu.Lock()
	f.calls++
	f.mu.Unlock()
	out := make([][]float64, len(texts))
	for i, text := range texts {
		out[i] = []float64{float64(len(text)), 1}
	}
	return out, nil
}

func TestEmbeddingsStoredForTextPieces(t *testing.T) {
	ctx := context.Background()
	emb := &fakeEmbedder{}
	s := newTestStore(t, &Options{Embedder: emb, EmbeddingModel: "fake"})
	conv := uuid.New().String()
	resp := userTurn(conv, "abcd")
	require.NoError(t, s.AddResponse(ctx, resp))

	s.pending.Wait()
	entry, err := s.repos.Embeddings.Get(ctx, resp.First().ID)
	require.NoError(t, err)
	assert.Equal(t, "fake", entry.EmbeddingModel)
	assert.Equal(t, []float64{4, 1}, entry.Vector())
	assert.Equal(t, 1, emb.calls)
}
