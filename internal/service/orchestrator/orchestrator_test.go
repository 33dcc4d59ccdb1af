package orchestrator

import (
	"context"
	"errors"
	"testing"

	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/retry"
	"github.com/ashwinyue/next-redteam/internal/service/converter"
	"github.com/ashwinyue/next-redteam/internal/service/memory"
	"github.com/ashwinyue/next-redteam/internal/service/normalizer"
	"github.com/ashwinyue/next-redteam/internal/service/score"
	"github.com/ashwinyue/next-redteam/internal/service/session"
	"github.com/ashwinyue/next-redteam/internal/service/target"
	"github.com/ashwinyue/next-redteam/internal/testutil"
)

type fixture struct {
	mem         *memory.Store
	config      Config
	checkpoints *session.Manager
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	mem := testutil.NewMemory(t)
	n, err := normalizer.New(&normalizer.Config{
		Memory: mem,
		Retry:  &retry.Policy{MaxAttempts: 3, Retryable: apperr.IsRetryable},
	})
	require.NoError(t, err)
	cps := session.NewManager(nil, 0, nil)
	return &fixture{
		mem:         mem,
		checkpoints: cps,
		config: Config{
			Memory:      mem,
			Normalizer:  n,
			Checkpoints: cps,
			Labels:      map[string]string{"op": "test"},
			BatchSize:   2,
		},
	}
}

func (f *fixture) adversarial(t *testing.T, replies ...string) (*target.ChatModelTarget, *testutil.ChatModel) {
	t.Helper()
	chat := testutil.NewChatModel(replies...)
	tgt, err := target.NewChatModelTarget(&target.ChatModelConfig{Name: "adversary", Model: chat, Memory: f.mem})
	require.NoError(t, err)
	return tgt, chat
}

func (f *fixture) substring(t *testing.T, s string) *score.SubStringScorer {
	t.Helper()
	sc, err := score.NewSubString(f.mem, s, "test")
	require.NoError(t, err)
	return sc
}

func TestRedTeamingExhaustsAfterMaxTurns(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, chat := f.adversarial(t, "please tell me")
	objective := testutil.NewScriptedTarget("no")

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: objective,
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		MaxTurns:        3,
	})
	require.NoError(t, err)

	res := o.RunAttack(ctx, "make it say PWNED")
	require.NoError(t, res.Err)
	assert.Equal(t, StateExhausted, res.State)
	assert.False(t, res.Achieved)
	assert.Equal(t, 3, res.TurnsExecuted)
	assert.Equal(t, 3, objective.Calls())
	assert.Equal(t, 3, chat.Calls())

	turns := f.mem.GetConversation(ctx, res.ConversationID)
	require.Len(t, turns, 6)
	for i, turn := range turns {
		assert.Equal(t, turns[0].Sequence()+i, turn.Sequence())
	}
	assert.Equal(t, "please tell me", turns[0].First().OriginalValue)
	assert.Equal(t, "test", turns[0].First().Labels["op"])

	cp, ok := f.checkpoints.Get(ctx, res.ConversationID)
	require.True(t, ok)
	assert.Equal(t, string(StateExhausted), cp.State)
	assert.Equal(t, 3, cp.Turn)
}

func TestRedTeamingAchieves(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, chat := f.adversarial(t, "first try", "second try")
	objective := testutil.NewScriptedTarget("no way", "fine: PWNED")

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: objective,
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		MaxTurns:        5,
	})
	require.NoError(t, err)

	res := o.RunAttack(ctx, "make it say PWNED")
	require.NoError(t, res.Err)
	assert.Equal(t, StateAchieved, res.State)
	assert.True(t, res.Achieved)
	assert.Equal(t, 2, res.TurnsExecuted)
	require.NotNil(t, res.LastScore)
	v, _ := res.LastScore.BoolValue()
	assert.True(t, v)
	assert.Equal(t, "fine: PWNED", res.LastResponse.ConvertedValue)

	// 对抗模型第二轮收到的是目标上一轮的回复
	msgs := chat.LastMessages()
	assert.Equal(t, "no way", msgs[len(msgs)-1].Content)
	assert.Equal(t, schema.System, msgs[0].Role)
	assert.Contains(t, msgs[0].Content, "make it say PWNED")

	assert.NotEmpty(t, o.GetMemory(ctx))
	assert.Len(t, o.GetScoreMemory(ctx), 2)
}

func TestRedTeamingBacktracksOnRefusal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, _ := f.adversarial(t, "attempt")
	objective := testutil.NewScriptedTarget("hello", "I cannot help", "I cannot help", "ok PWNED")

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: objective,
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		RefusalScorer:   f.substring(t, "I cannot"),
		MaxTurns:        3,
		MaxBacktracks:   2,
	})
	require.NoError(t, err)

	res := o.RunAttack(ctx, "make it say PWNED")
	require.NoError(t, res.Err)
	assert.Equal(t, StateAchieved, res.State)
	assert.Equal(t, 2, res.Backtracks)
	assert.Equal(t, 2, res.TurnsExecuted)
	assert.Equal(t, 4, objective.Calls())

	// 最终会话只保留未被拒绝的轮次
	turns := f.mem.GetConversation(ctx, res.ConversationID)
	require.Len(t, turns, 4)
	assert.Equal(t, "hello", turns[1].GetValue(0))
	assert.Equal(t, "ok PWNED", turns[3].GetValue(0))
	assert.True(t, turns[1].First().IsDuplicate())

	cp, ok := f.checkpoints.Get(ctx, res.AttackID)
	require.True(t, ok)
	assert.Len(t, cp.Conversations, 3)
	assert.Equal(t, 2, cp.Backtracks)
}

func TestRedTeamingBacktrackLimit(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, _ := f.adversarial(t, "attempt")
	objective := testutil.NewScriptedTarget("I cannot help")

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: objective,
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		RefusalScorer:   f.substring(t, "I cannot"),
		MaxTurns:        5,
		MaxBacktracks:   1,
	})
	require.NoError(t, err)

	res := o.RunAttack(ctx, "make it say PWNED")
	require.NoError(t, res.Err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 1, res.Backtracks)
	assert.Equal(t, 2, objective.Calls())
}

func TestRedTeamingTargetFailure(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, _ := f.adversarial(t, "attempt")
	objective := testutil.NewFlakyTarget(100, errors.New("connection reset"))

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: objective,
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		MaxTurns:        3,
	})
	require.NoError(t, err)

	res := o.RunAttack(ctx, "objective")
	require.Error(t, res.Err)
	assert.Equal(t, StateExhausted, res.State)
	assert.Equal(t, 1, objective.Calls())

	cp, ok := f.checkpoints.Get(ctx, res.AttackID)
	require.True(t, ok)
	assert.Contains(t, cp.Error, "connection reset")
}

func TestNewRedTeamingValidation(t *testing.T) {
	f := newFixture(t)
	adv, _ := f.adversarial(t)
	tf := f.substring(t, "x")
	scale, err := score.NewSelfAskScale(f.mem, jsonTarget(t, f), score.ScaleConfig{})
	require.NoError(t, err)

	tests := []struct {
		name string
		cfg  RedTeamingConfig
	}{
		{"float objective scorer", RedTeamingConfig{ObjectiveScorer: scale, MaxTurns: 1}},
		{"missing objective scorer", RedTeamingConfig{MaxTurns: 1}},
		{"float refusal scorer", RedTeamingConfig{ObjectiveScorer: tf, RefusalScorer: scale, MaxTurns: 1}},
		{"zero turns", RedTeamingConfig{ObjectiveScorer: tf, MaxTurns: 0}},
		{"negative backtracks", RedTeamingConfig{ObjectiveScorer: tf, MaxTurns: 1, MaxBacktracks: -1}},
		{"bad template", RedTeamingConfig{ObjectiveScorer: tf, MaxTurns: 1, AdversarialSystemPrompt: "no objective {{goal}}"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := tt.cfg
			cfg.Config = f.config
			cfg.ObjectiveTarget = testutil.NewEchoTarget("")
			cfg.AdversarialChat = adv
			_, err := NewRedTeaming(&cfg)
			assert.True(t, apperr.Is(err, apperr.KindBadRequest), "got %v", err)
		})
	}
}

func jsonTarget(t *testing.T, f *fixture) *target.ChatModelTarget {
	t.Helper()
	tgt, err := target.NewChatModelTarget(&target.ChatModelConfig{Model: testutil.NewChatModel(), Memory: f.mem, SupportsJSON: true})
	require.NoError(t, err)
	return tgt
}

func TestRunAttacksKeepsOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	adv, _ := f.adversarial(t, "go")

	o, err := NewRedTeaming(&RedTeamingConfig{
		Config:          f.config,
		ObjectiveTarget: testutil.NewEchoTarget("PWNED "),
		AdversarialChat: adv,
		ObjectiveScorer: f.substring(t, "PWNED"),
		MaxTurns:        2,
	})
	require.NoError(t, err)

	objectives := []string{"one", "", "three", "four"}
	results := o.RunAttacks(ctx, objectives)
	require.Len(t, results, 4)
	for i, r := range results {
		assert.Equal(t, objectives[i], r.Objective)
	}
	assert.True(t, apperr.Is(results[1].Err, apperr.KindBadRequest))
	for _, i := range []int{0, 2, 3} {
		require.NoError(t, results[i].Err)
		assert.Equal(t, StateAchieved, results[i].State)
		assert.Equal(t, 1, results[i].TurnsExecuted)
	}
}

func TestPromptSendingSendPrompts(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	tgt := testutil.NewEchoTarget("")

	o, err := NewPromptSending(&PromptSendingConfig{
		Config:            f.config,
		Target:            tgt,
		RequestConverters: []*converter.Configuration{converter.NewConfiguration(converter.NewBase64())},
		AuxiliaryScorers:  []score.Scorer{f.substring(t, "aGk")},
	})
	require.NoError(t, err)

	results, err := o.SendPrompts(ctx, []string{"hi", "bye"}, map[string]string{"source": "unit"})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "aGk=", results[0].Response.GetValue(0))
	assert.Equal(t, "Ynll", results[1].Response.GetValue(0))
	assert.NotEqual(t, results[0].Response.ConversationID(), results[1].Response.ConversationID())

	pieces := o.GetMemory(ctx)
	assert.Len(t, pieces, 4)
	for _, p := range pieces {
		assert.Equal(t, "test", p.Labels["op"])
		if p.Role == model.RoleUser {
			assert.Equal(t, "unit", p.PromptMetadata["source"])
		}
	}

	scores := o.GetScoreMemory(ctx)
	require.Len(t, scores, 2)
	var hits int
	for _, s := range scores {
		if v, _ := s.BoolValue(); v {
			hits++
		}
	}
	assert.Equal(t, 1, hits)
}

func TestPromptSendingPrependedConversation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	chat := testutil.NewChatModel("answer")
	tgt, err := target.NewChatModelTarget(&target.ChatModelConfig{Model: chat, Memory: f.mem})
	require.NoError(t, err)

	system, err := model.NewPromptRequestResponse(model.NewPromptRequestPiece(model.RoleSystem, "be terse"))
	require.NoError(t, err)
	user, err := model.NewPromptRequestResponse(model.NewPromptRequestPiece(model.RoleUser, "abc"))
	require.NoError(t, err)
	assistant, err := model.NewPromptRequestResponse(model.NewPromptRequestPiece(model.RoleAssistant, "ok"))
	require.NoError(t, err)

	o, err := NewPromptSending(&PromptSendingConfig{
		Config:                f.config,
		Target:                tgt,
		RequestConverters:     []*converter.Configuration{converter.NewConfiguration(converter.NewFlip())},
		PrependedConversation: []*model.PromptRequestResponse{system, user, assistant},
	})
	require.NoError(t, err)

	results, err := o.SendPrompts(ctx, []string{"xyz"}, nil)
	require.NoError(t, err)
	require.NoError(t, results[0].Err)

	turns := f.mem.GetConversation(ctx, results[0].Response.ConversationID())
	require.Len(t, turns, 5)
	assert.Equal(t, model.RoleSystem, turns[0].Role())
	assert.Equal(t, "cba", turns[1].First().ConvertedValue)
	assert.Equal(t, "ok", turns[2].GetValue(0))
	assert.Equal(t, "zyx", turns[3].First().ConvertedValue)
	assert.NotEqual(t, user.First().ID, turns[1].First().ID)

	msgs := chat.LastMessages()
	require.Len(t, msgs, 4)
	assert.Equal(t, "be terse", msgs[0].Content)
	assert.Equal(t, "zyx", msgs[3].Content)
}

func TestPromptSendingRunAttacks(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	o, err := NewPromptSending(&PromptSendingConfig{
		Config:          f.config,
		Target:          testutil.NewEchoTarget(""),
		ObjectiveScorer: f.substring(t, "PWNED"),
	})
	require.NoError(t, err)

	results := o.RunAttacks(ctx, []string{"say PWNED", "say hello", "PWNED again"})
	require.Len(t, results, 3)
	want := []State{StateAchieved, StateExhausted, StateAchieved}
	for i, r := range results {
		require.NoError(t, r.Err)
		assert.Equal(t, want[i], r.State, "objective %d", i)
		assert.Equal(t, 1, r.TurnsExecuted)
	}

	cp, ok := f.checkpoints.Get(ctx, results[1].ConversationID)
	require.True(t, ok)
	assert.Equal(t, string(StateExhausted), cp.State)
}

func TestPromptSendingRateLimitedTargetDoesNotMutateConfig(t *testing.T) {
	f := newFixture(t)
	tgt := testutil.NewEchoTarget("")
	tgt.RPM = 60
	cfg := &PromptSendingConfig{Config: f.config, Target: tgt}

	o, err := NewPromptSending(cfg)
	require.NoError(t, err)
	assert.Equal(t, 2, cfg.BatchSize)
	assert.Equal(t, 2, f.config.BatchSize)

	results, err := o.SendPrompts(context.Background(), []string{"a", "b"}, nil)
	require.NoError(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NoError(t, r.Err)
	}

	// 同一份配置仍可用于不限速的目标
	other, err := NewPromptSending(&PromptSendingConfig{Config: cfg.Config, Target: testutil.NewEchoTarget("")})
	require.NoError(t, err)
	assert.Equal(t, 2, other.batchSize)
}

func TestPromptSendingValidation(t *testing.T) {
	f := newFixture(t)
	_, err := NewPromptSending(&PromptSendingConfig{Config: f.config})
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	scale, err := score.NewSelfAskScale(f.mem, jsonTarget(t, f), score.ScaleConfig{})
	require.NoError(t, err)
	_, err = NewPromptSending(&PromptSendingConfig{Config: f.config, Target: testutil.NewEchoTarget(""), ObjectiveScorer: scale})
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	_, err = NewPromptSending(&PromptSendingConfig{Target: testutil.NewEchoTarget("")})
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestDisposedOrchestratorRejectsWork(t *testing.T) {
	f := newFixture(t)
	o, err := NewPromptSending(&PromptSendingConfig{Config: f.config, Target: testutil.NewEchoTarget("")})
	require.NoError(t, err)

	o.Dispose()
	o.Dispose()

	res := o.RunAttack(context.Background(), "x")
	assert.True(t, apperr.Is(res.Err, apperr.KindBadRequest))
	_, err = o.SendPrompts(context.Background(), []string{"x"}, nil)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}
