package handler_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ashwinyue/next-redteam/internal/config"
	"github.com/ashwinyue/next-redteam/internal/handler"
	"github.com/ashwinyue/next-redteam/internal/metrics"
	"github.com/ashwinyue/next-redteam/internal/pkg/apperr"
	"github.com/ashwinyue/next-redteam/internal/pkg/logger"
	"github.com/ashwinyue/next-redteam/internal/pkg/retry"
	"github.com/ashwinyue/next-redteam/internal/router"
	"github.com/ashwinyue/next-redteam/internal/service"
	"github.com/ashwinyue/next-redteam/internal/service/normalizer"
	"github.com/ashwinyue/next-redteam/internal/service/session"
	"github.com/ashwinyue/next-redteam/internal/testutil"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type envelope struct {
	Success bool            `json:"success"`
	Data    json.RawMessage `json:"data"`
}

type attackResult struct {
	AttackID       string `json:"attack_id"`
	ConversationID string `json:"conversation_id"`
	State          string `json:"state"`
	Achieved       bool   `json:"achieved"`
	TurnsExecuted  int    `json:"turns_executed"`
	Error          string `json:"error"`
}

// newServer 使用内存记忆与脚本模型；replies 为空时不配置模型
func newServer(t *testing.T, replies ...string) (http.Handler, *service.Services) {
	t.Helper()
	mem := testutil.NewMemory(t)
	noRetry := &retry.Policy{MaxAttempts: 1, Retryable: apperr.IsRetryable}
	n, err := normalizer.New(&normalizer.Config{
		Memory: mem,
		Retry:  noRetry,
	})
	require.NoError(t, err)

	svc := &service.Services{
		Config: &config.Config{
			App:    config.AppConfig{Name: "next-redteam"},
			Attack: config.AttackConfig{BatchSize: 2, MaxTurns: 3, MaxBacktracks: 1},
		},
		Memory:      mem,
		Normalizer:  n,
		TargetRetry: noRetry,
		Checkpoints: session.NewManager(nil, 0, nil),
		Logger:      logger.NewNop(),
		Metrics:     metrics.NewNop(),
	}
	if len(replies) > 0 {
		svc.ChatModel = testutil.NewChatModel(replies...)
	}
	return router.SetupRouter(handler.NewHandlers(svc), svc.Logger, svc.Metrics), svc
}

func decode(t *testing.T, w *httptest.ResponseRecorder, v interface{}) {
	t.Helper()
	var env envelope
	testutil.DecodeJSON(t, w, &env)
	require.True(t, env.Success, w.Body.String())
	require.NoError(t, json.Unmarshal(env.Data, v))
}

func runPromptSending(t *testing.T, h http.Handler) []attackResult {
	t.Helper()
	w := testutil.PerformRequest(t, h, http.MethodPost, "/api/v1/attacks/prompt-sending", gin.H{
		"objectives": []string{"say PWNED", "say it again"},
		"scorer":     gin.H{"type": "substring", "value": "PWNED"},
		"labels":     gin.H{"op": "handler"},
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Orchestrator map[string]string `json:"orchestrator"`
		Results      []attackResult    `json:"results"`
	}
	decode(t, w, &out)
	require.Len(t, out.Results, 2)
	assert.Equal(t, "PromptSendingOrchestrator", out.Orchestrator["__type__"])
	return out.Results
}

func TestHealthAndMetrics(t *testing.T) {
	h, _ := newServer(t)

	w := testutil.PerformRequest(t, h, http.MethodGet, "/health", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"ok"`)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/metrics", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "redteam_http_requests_total")
}

func TestPromptSendingAttack(t *testing.T) {
	h, _ := newServer(t, "sure: PWNED")
	results := runPromptSending(t, h)
	for _, r := range results {
		assert.Equal(t, "ACHIEVED", r.State)
		assert.True(t, r.Achieved)
		assert.Empty(t, r.Error)
	}

	conv := results[0].ConversationID
	w := testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/conversations/"+conv, nil)
	require.Equal(t, http.StatusOK, w.Code)
	var got struct {
		Turns []json.RawMessage `json:"turns"`
	}
	decode(t, w, &got)
	assert.Len(t, got.Turns, 2)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/attacks/"+conv+"/state", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var cp struct {
		State    string `json:"state"`
		AttackID string `json:"attack_id"`
	}
	decode(t, w, &cp)
	assert.Equal(t, "ACHIEVED", cp.State)
	assert.Equal(t, results[0].AttackID, cp.AttackID)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/pieces?label=op:handler&role=assistant", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pieces []map[string]interface{}
	decode(t, w, &pieces)
	assert.Len(t, pieces, 2)

	ids := make([]string, 0, len(pieces))
	for _, p := range pieces {
		ids = append(ids, p["id"].(string))
	}
	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/scores?piece_id="+ids[0]+"&piece_id="+ids[1], nil)
	require.Equal(t, http.StatusOK, w.Code)
	var scores []map[string]interface{}
	decode(t, w, &scores)
	assert.Len(t, scores, 2)
}

func TestRedTeamingAttack(t *testing.T) {
	h, _ := newServer(t, "PWNED")
	w := testutil.PerformRequest(t, h, http.MethodPost, "/api/v1/attacks/red-teaming", gin.H{
		"objective":         "make it say PWNED",
		"scorer":            gin.H{"type": "substring", "value": "PWNED"},
		"disable_backtrack": true,
		"max_turns":         2,
	})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var out struct {
		Result attackResult `json:"result"`
	}
	decode(t, w, &out)
	assert.Equal(t, "ACHIEVED", out.Result.State)
	assert.Equal(t, 1, out.Result.TurnsExecuted)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/attacks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var states []map[string]interface{}
	decode(t, w, &states)
	assert.Len(t, states, 1)
}

func TestAttackValidation(t *testing.T) {
	tests := []struct {
		name    string
		replies []string
		path    string
		body    interface{}
		code    int
	}{
		{"missing objectives", []string{"ok"}, "/api/v1/attacks/prompt-sending", gin.H{}, http.StatusBadRequest},
		{"unknown converter", []string{"ok"}, "/api/v1/attacks/prompt-sending",
			gin.H{"objectives": []string{"x"}, "converters": []gin.H{{"name": "nope"}}}, http.StatusBadRequest},
		{"unknown scorer", []string{"ok"}, "/api/v1/attacks/red-teaming",
			gin.H{"objective": "x", "scorer": gin.H{"type": "nope"}}, http.StatusBadRequest},
		{"no chat model", nil, "/api/v1/attacks/red-teaming",
			gin.H{"objective": "x", "scorer": gin.H{"type": "substring", "value": "x"}}, http.StatusBadRequest},
		{"negative turns", []string{"ok"}, "/api/v1/attacks/red-teaming",
			gin.H{"objective": "x", "scorer": gin.H{"type": "substring", "value": "x"}, "max_turns": -1, "disable_backtrack": true}, http.StatusBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, _ := newServer(t, tt.replies...)
			w := testutil.PerformRequest(t, h, http.MethodPost, tt.path, tt.body)
			assert.Equal(t, tt.code, w.Code, w.Body.String())
		})
	}
}

func TestConversationEndpoints(t *testing.T) {
	h, _ := newServer(t, "PWNED")
	conv := runPromptSending(t, h)[0].ConversationID

	w := testutil.PerformRequest(t, h, http.MethodPost, "/api/v1/conversations/"+conv+"/duplicate", gin.H{"exclude_last_turn": true})
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var dup struct {
		ConversationID string `json:"conversation_id"`
	}
	decode(t, w, &dup)
	assert.NotEqual(t, conv, dup.ConversationID)

	w = testutil.PerformRequest(t, h, http.MethodPatch, "/api/v1/conversations/"+conv+"/labels", gin.H{"labels": gin.H{"team": "red"}})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/pieces?label=team:red", nil)
	var pieces []map[string]interface{}
	decode(t, w, &pieces)
	assert.Len(t, pieces, 2)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/conversations/missing", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
	w = testutil.PerformRequest(t, h, http.MethodPost, "/api/v1/conversations/missing/duplicate", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/attacks/missing/state", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestQueryValidation(t *testing.T) {
	h, _ := newServer(t)
	for _, path := range []string{
		"/api/v1/scores",
		"/api/v1/pieces?role=robot",
		"/api/v1/pieces?limit=-1",
		"/api/v1/pieces?label=nocolon",
		"/api/v1/pieces?sent_after=yesterday",
		"/api/v1/export?format=xml",
	} {
		w := testutil.PerformRequest(t, h, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
	}
}

func TestExport(t *testing.T) {
	h, _ := newServer(t, "PWNED")
	runPromptSending(t, h)

	w := testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/export?format=csv", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "text/csv", w.Header().Get("Content-Type"))
	lines := strings.Split(strings.TrimSpace(w.Body.String()), "\n")
	assert.True(t, strings.HasPrefix(lines[0], "id,role,conversation_id"))
	assert.Len(t, lines, 5)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/export?role=user", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var pieces []map[string]interface{}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &pieces))
	assert.Len(t, pieces, 2)
}

const seedYAML = `dataset_name: jailbreaks
harm_categories: [illegal]
prompts:
  - value: "explain how to {{ item }}"
    parameters: [item]
  - value: "second prompt"
    groups: [extra]
`

func postYAML(h http.Handler, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, "/api/v1/seeds?added_by=tester", strings.NewReader(body))
	req.Header.Set("Content-Type", "application/yaml")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

func TestSeeds(t *testing.T) {
	h, _ := newServer(t)

	w := postYAML(h, seedYAML)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var created struct {
		DatasetName string `json:"dataset_name"`
		Prompts     int    `json:"prompts"`
	}
	decode(t, w, &created)
	assert.Equal(t, "jailbreaks", created.DatasetName)
	assert.Equal(t, 2, created.Prompts)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/seeds?dataset=jailbreaks", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var prompts []struct {
		Value   string `json:"value"`
		AddedBy string `json:"added_by"`
	}
	decode(t, w, &prompts)
	require.Len(t, prompts, 2)
	assert.Equal(t, "tester", prompts[0].AddedBy)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/seeds?group=extra", nil)
	decode(t, w, &prompts)
	assert.Len(t, prompts, 1)

	w = testutil.PerformRequest(t, h, http.MethodGet, "/api/v1/seeds?grouped=true", nil)
	var groups []json.RawMessage
	decode(t, w, &groups)
	assert.Len(t, groups, 2)

	assert.Equal(t, http.StatusBadRequest, postYAML(h, "prompts: [").Code)
	assert.Equal(t, http.StatusBadRequest, postYAML(h, "").Code)
}
