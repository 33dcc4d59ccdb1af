package service

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinyue/next-redteam/internal/config"
	"github.com/ashwinyue/next-redteam/internal/model"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/service/score"
	"github.com/ashwinyue/next-redteam/internal/testutil"
)

func newTestServices(t *testing.T) *Services {
	t.Helper()
	return &Services{
		Config: &config.Config{Attack: config.AttackConfig{BatchSize: 2, MaxTurns: 3, MaxBacktracks: 1}},
		Memory: testutil.NewMemory(t),
	}
}

func TestBuildConverters(t *testing.T) {
	svc := newTestServices(t)

	tests := []struct {
		name     string
		spec     ConverterSpec
		wantType string
		wantErr  bool
	}{
		{name: "base64", spec: ConverterSpec{Name: "base64"}, wantType: "Base64Converter"},
		{name: "upper case name", spec: ConverterSpec{Name: "ROT13"}, wantType: "ROT13Converter"},
		{name: "caesar with offset", spec: ConverterSpec{Name: "caesar", Arg: "5"}, wantType: "CaesarConverter"},
		{name: "caesar bad offset", spec: ConverterSpec{Name: "caesar", Arg: "five"}, wantErr: true},
		{name: "caesar out of range", spec: ConverterSpec{Name: "caesar", Arg: "40"}, wantErr: true},
		{name: "binary default", spec: ConverterSpec{Name: "binary"}, wantType: "BinaryConverter"},
		{name: "binary bad bits", spec: ConverterSpec{Name: "binary", Arg: "7"}, wantErr: true},
		{name: "random capitals", spec: ConverterSpec{Name: "random_capital_letters", Arg: "50"}, wantType: "RandomCapitalLettersConverter"},
		{name: "search replace", spec: ConverterSpec{Name: "search_replace", Arg: "a=>b"}, wantType: "SearchReplaceConverter"},
		{name: "search replace without arrow", spec: ConverterSpec{Name: "search_replace", Arg: "a"}, wantErr: true},
		{name: "llm converter without model", spec: ConverterSpec{Name: "tone", Arg: "angry"}, wantErr: true},
		{name: "unknown", spec: ConverterSpec{Name: "nope"}, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			configs, err := svc.BuildConverters([]ConverterSpec{tt.spec})
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, apperr.Is(err, apperr.KindBadRequest))
				return
			}
			require.NoError(t, err)
			require.Len(t, configs, 1)
			require.Len(t, configs[0].Converters, 1)
			assert.Equal(t, tt.wantType, configs[0].Converters[0].Identifier().Type())
		})
	}
}

func TestBuildConvertersChainsInOrder(t *testing.T) {
	svc := newTestServices(t)

	configs, err := svc.BuildConverters([]ConverterSpec{{Name: "suffix", Arg: "!"}, {Name: "base64"}})
	require.NoError(t, err)
	require.Len(t, configs, 1)

	value := "hi"
	for _, c := range configs[0].Converters {
		res, err := c.Convert(context.Background(), value, model.DataTypeText)
		require.NoError(t, err)
		value = res.OutputText
	}
	assert.Equal(t, "aGkgIQ==", value)

	configs, err = svc.BuildConverters(nil)
	require.NoError(t, err)
	assert.Nil(t, configs)
}

func TestBuildScorer(t *testing.T) {
	svc := newTestServices(t)

	sc, err := svc.BuildScorer(&ScorerSpec{Type: "substring", Value: "PWNED", Category: "jailbreak"})
	require.NoError(t, err)
	assert.IsType(t, &score.SubStringScorer{}, sc)
	assert.Equal(t, model.ScoreTypeTrueFalse, sc.ScoreType())

	sc, err = svc.BuildScorer(&ScorerSpec{Type: "substring", Value: "sorry", Invert: true})
	require.NoError(t, err)
	assert.IsType(t, &score.InverterScorer{}, sc)

	for _, spec := range []*ScorerSpec{
		nil,
		{Type: "unknown"},
		{Type: "regex", Value: "("},
		{Type: "refusal"},
		{Type: "scale", Value: "harm"},
	} {
		_, err := svc.BuildScorer(spec)
		require.Error(t, err)
		assert.True(t, apperr.Is(err, apperr.KindBadRequest), "spec %+v: %v", spec, err)
	}
}

func TestBuildScaleScorerThreshold(t *testing.T) {
	svc := newTestServices(t)
	svc.ChatModel = testutil.NewChatModel()
	zero, high := 0.0, 0.8

	tests := []struct {
		name      string
		threshold *float64
		want      string
	}{
		{"unset uses default", nil, "0.5"},
		{"explicit zero is kept", &zero, "0"},
		{"explicit value", &high, "0.8"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sc, err := svc.BuildScorer(&ScorerSpec{Type: "scale", Value: "harm", Threshold: tt.threshold})
			require.NoError(t, err)
			require.IsType(t, &score.ThresholdScorer{}, sc)
			assert.Equal(t, tt.want, sc.Identifier()["threshold"])
		})
	}

	bad := 1.5
	_, err := svc.BuildScorer(&ScorerSpec{Type: "scale", Value: "harm", Threshold: &bad})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}

func TestImportSeeds(t *testing.T) {
	svc := newTestServices(t)
	ctx := context.Background()

	data := []byte(`
dataset_name: smoke
harm_categories: [test]
prompts:
  - value: first prompt
  - value: second prompt
`)
	ds, err := svc.ImportSeeds(ctx, data, "tester")
	require.NoError(t, err)
	assert.Equal(t, "smoke", ds.DatasetName)
	require.Len(t, ds.Prompts, 2)

	stored := svc.Memory.GetSeedPrompts(ctx, &model.SeedPromptFilter{DatasetName: "smoke"})
	require.Len(t, stored, 2)
	assert.Equal(t, "tester", stored[0].AddedBy)

	_, err = svc.ImportSeeds(ctx, []byte("prompts: ["), "tester")
	require.Error(t, err)
}

func TestNewOrchestratorsRequireChatModel(t *testing.T) {
	svc := newTestServices(t)

	_, err := svc.NewPromptSending(&PromptSendingRequest{Objectives: []string{"x"}})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))

	_, err = svc.NewRedTeaming(&RedTeamingRequest{Objective: "x"})
	require.Error(t, err)
	assert.True(t, apperr.Is(err, apperr.KindBadRequest))
}
