package server

import (
	"bytes"
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/connectors"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/handler"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
	"github.com/xela07ax/spaceai-governance-kernel/internal/infra/auth"
	"github.com/xela07ax/spaceai-governance-kernel/internal/masking"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
	"go.uber.org/zap"
)

const consolePolicies = `
policies:
  - name: base
    max_tool_calls: 50
    blocked_patterns:
      - {pattern: 'DROP TABLE', kind: substring}
  - name: approval
    require_human_approval: true
bindings:
  agent-1: [base]
  approval-agent: [approval]
`

// docStore ведет себя как таблица версий документа политик
type docStore struct {
	mu   sync.Mutex
	docs []string
}

func (s *docStore) Publish(_ context.Context, body, _ string) (int64, error) {
	if _, err := policy.Load(strings.NewReader(body)); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.docs = append(s.docs, body)
	return int64(len(s.docs)), nil
}

func (s *docStore) LoadPolicies(context.Context) (*policy.Set, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.docs) == 0 {
		return nil, errors.New("no policy documents")
	}
	return policy.Load(strings.NewReader(s.docs[len(s.docs)-1]))
}

type testEnv struct {
	srv    *ConsoleServer
	kernel *engine.Kernel
}

type envConfig struct {
	publish bool
	opts    []Option
}

func newEnv(t *testing.T, cfg envConfig) *testEnv {
	t.Helper()
	logger := zap.NewNop()

	store := &docStore{}
	_, err := store.Publish(context.Background(), consolePolicies, "bootstrap")
	require.NoError(t, err)
	reg := policy.NewRegistry(store, logger)
	require.NoError(t, reg.Refresh(context.Background()))

	graph := masking.NewGraph().Require("customer.ssn", "pii.read")
	k := engine.NewKernel(reg, audit.NewLedger(), engine.WithGraph(graph), engine.WithLogger(logger))
	gw := engine.NewGateway(k, &connectors.MockSystemsConnector{Latency: func() time.Duration { return 0 }}, logger)

	var publisher service.PolicyPublisher
	if cfg.publish {
		publisher = store
	}
	h := Handlers{
		Intercept: handler.NewInterceptHandler(k, gw),
		Agents:    handler.NewAgentHandler(service.NewAgentService(k, logger)),
		Policies:  handler.NewPolicyHandler(service.NewPolicyService(reg, publisher, nil, logger)),
		Reviews:   handler.NewApprovalHandler(service.NewReviewService(k, logger)),
		Audit:     handler.NewAuditHandler(service.NewAuditService(k.Audit())),
	}
	return &testEnv{srv: NewConsoleServer(logger, h, cfg.opts...), kernel: k}
}

func (e *testEnv) do(t *testing.T, method, path string, body any, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	switch b := body.(type) {
	case nil:
	case string:
		buf.WriteString(b)
	default:
		require.NoError(t, json.NewEncoder(&buf).Encode(b))
	}
	req := httptest.NewRequest(method, path, &buf)
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	e.srv.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestPublicEndpoints(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { _, _ = w.Write([]byte("uag_up 1")) })
	env := newEnv(t, envConfig{opts: []Option{
		WithMetricsHandler(metrics),
		WithReadiness(func(context.Context) error { return errors.New("postgres down") }),
	}})

	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code)
	assert.Equal(t, http.StatusServiceUnavailable, env.do(t, http.MethodGet, "/ready", nil).Code)
	rec := env.do(t, http.MethodGet, "/metrics", nil)
	assert.Equal(t, "uag_up 1", rec.Body.String())

	rec = env.do(t, http.MethodGet, "/health", nil, "X-Trace-ID", "trace-1")
	assert.Equal(t, "trace-1", rec.Header().Get("X-Trace-ID"))
}

func TestInterceptEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{})

	rec := env.do(t, http.MethodPost, "/v1/intercept", map[string]any{
		"agent_id": "agent-1", "tool": "db.query", "arguments": map[string]any{"sql": "select 1"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	d := decode[domain.Decision](t, rec)
	assert.Equal(t, domain.VerdictAllow, d.Verdict)

	rec = env.do(t, http.MethodPost, "/v1/intercept", map[string]any{
		"agent_id": "agent-1", "tool": "db.query", "arguments": map[string]any{"sql": "DROP TABLE users"},
	})
	require.Equal(t, http.StatusOK, rec.Code, "DENY is a decision, not an HTTP error")
	d = decode[domain.Decision](t, rec)
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleBlocked, d.Rule)

	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/intercept", "{").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"tool": "x"}).Code)

	// Инициатор берется из токена
	entries := env.kernel.Audit().Query(audit.Filter{AgentID: "agent-1"})
	require.NotEmpty(t, entries)
	assert.Equal(t, "local", entries[0].InitiatorID)
}

func TestExecuteEndpoint(t *testing.T) {
	env := newEnv(t, envConfig{})

	rec := env.do(t, http.MethodPost, "/v1/execute", map[string]any{
		"agent_id": "agent-1", "tool": "lookup_customer", "arguments": map[string]any{"customer_id": "c-9"},
	})
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.Result](t, rec)
	assert.Equal(t, domain.VerdictAllow, res.Decision.Verdict)
	customer := res.Response["customer"].(map[string]any)
	assert.Equal(t, "c-9", customer["id"])
	assert.NotContains(t, customer, "ssn", "the local operator has no pii.read capability")

	rec = env.do(t, http.MethodPost, "/v1/execute", map[string]any{"agent_id": "agent-1", "tool": "unstable.service"})
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.NotEmpty(t, body["error"])
	assert.Equal(t, "ALLOW", body["decision"].(map[string]any)["verdict"])

	rec = env.do(t, http.MethodPost, "/v1/execute", map[string]any{"agent_id": "approval-agent", "tool": "transfer"})
	require.Equal(t, http.StatusOK, rec.Code)
	res = decode[engine.Result](t, rec)
	assert.Equal(t, domain.VerdictDefer, res.Decision.Verdict)
	assert.Nil(t, res.Response)
}

func TestAgentSignals(t *testing.T) {
	env := newEnv(t, envConfig{})
	env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"agent_id": "agent-1", "tool": "search_web"})

	rec := env.do(t, http.MethodPost, "/v1/agents/agent-1/signal", map[string]string{"signal": "stop"})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "STOPPED", decode[map[string]string](t, rec)["state"])

	rec = env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"agent_id": "agent-1", "tool": "search_web"})
	assert.Equal(t, domain.VerdictDefer, decode[domain.Decision](t, rec).Verdict)

	rec = env.do(t, http.MethodGet, "/v1/agents/agent-1/state", nil)
	assert.Equal(t, map[string]string{"agent_id": "agent-1", "state": "STOPPED"}, decode[map[string]string](t, rec))

	assert.Equal(t, http.StatusBadRequest,
		env.do(t, http.MethodPost, "/v1/agents/agent-1/signal", map[string]string{"signal": "SIGHUP"}).Code)
	assert.Equal(t, http.StatusNotFound,
		env.do(t, http.MethodPost, "/v1/agents/ghost/signal", map[string]string{"signal": "KILL"}).Code)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/agents/ghost/state", nil).Code)

	require.Equal(t, http.StatusOK,
		env.do(t, http.MethodPost, "/v1/agents/agent-1/signal", map[string]string{"signal": "SIGKILL"}).Code)
	assert.Equal(t, http.StatusConflict,
		env.do(t, http.MethodPost, "/v1/agents/agent-1/signal", map[string]string{"signal": "SIGCONT"}).Code)

	agents := decode[[]domain.Agent](t, env.do(t, http.MethodGet, "/v1/agents/", nil))
	require.Len(t, agents, 1)
	assert.Equal(t, domain.StateTerminated, agents[0].State)

	signals := env.kernel.Audit().Query(audit.Filter{Action: "signal:SIGKILL"})
	require.Len(t, signals, 1)
	assert.Equal(t, "local", signals[0].InitiatorID)
}

func TestAgentSession(t *testing.T) {
	env := newEnv(t, envConfig{})
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/agents/agent-1/session", nil).Code)

	env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"agent_id": "agent-1", "tool": "search_web"})
	snap := decode[engine.SessionSnapshot](t, env.do(t, http.MethodGet, "/v1/agents/agent-1/session", nil))
	assert.Equal(t, 1, snap.CallCount)
	assert.Nil(t, snap.EndedAt)

	rec := env.do(t, http.MethodDelete, "/v1/agents/agent-1/session", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotNil(t, decode[engine.SessionSnapshot](t, rec).EndedAt)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodDelete, "/v1/agents/agent-1/session", nil).Code)
}

func TestReviewFlow(t *testing.T) {
	env := newEnv(t, envConfig{})
	req := map[string]any{"agent_id": "approval-agent", "tool": "transfer", "arguments": map[string]any{"amount": 10}}

	d := decode[domain.Decision](t, env.do(t, http.MethodPost, "/v1/intercept", req))
	require.Equal(t, domain.VerdictDefer, d.Verdict)
	require.NotEmpty(t, d.ReviewID)

	pending := decode[[]domain.ApprovalRequest](t, env.do(t, http.MethodGet, "/v1/reviews/", nil))
	require.Len(t, pending, 1)
	assert.Equal(t, d.ReviewID, pending[0].ID)

	assert.Equal(t, http.StatusConflict, env.do(t, http.MethodPost, "/v1/reviews/"+d.ReviewID+"/replay", nil).Code)

	rec := env.do(t, http.MethodPost, "/v1/reviews/"+d.ReviewID+"/decide", map[string]any{"approved": true, "comment": "ok"})
	require.Equal(t, http.StatusOK, rec.Code)
	approved := decode[domain.ApprovalRequest](t, rec)
	require.NotEmpty(t, approved.Token)
	require.NotNil(t, approved.ReviewerID)
	assert.Equal(t, "local", *approved.ReviewerID)

	details := decode[domain.ApprovalRequest](t, env.do(t, http.MethodGet, "/v1/reviews/"+d.ReviewID+"/", nil))
	assert.Empty(t, details.Token, "the token is shown only once")
	assert.Equal(t, domain.StatusApproved, details.Status)

	assert.Equal(t, http.StatusConflict,
		env.do(t, http.MethodPost, "/v1/reviews/"+d.ReviewID+"/decide", map[string]any{"approved": false}).Code)

	req["approval_token"] = approved.Token
	assert.Equal(t, domain.VerdictAllow, decode[domain.Decision](t, env.do(t, http.MethodPost, "/v1/intercept", req)).Verdict)

	replayed := decode[domain.Decision](t, env.do(t, http.MethodPost, "/v1/reviews/"+d.ReviewID+"/replay", nil))
	assert.Equal(t, domain.VerdictAllow, replayed.Verdict)

	assert.Empty(t, decode[[]domain.ApprovalRequest](t, env.do(t, http.MethodGet, "/v1/reviews/", nil)))
	assert.Len(t, decode[[]domain.ApprovalRequest](t, env.do(t, http.MethodGet, "/v1/reviews/?status=all", nil)), 1)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/reviews/missing/", nil).Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/reviews/"+d.ReviewID+"/decide", "{").Code)
}

func TestAuditEndpoints(t *testing.T) {
	env := newEnv(t, envConfig{})
	env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"agent_id": "agent-1", "tool": "search_web"})
	env.do(t, http.MethodPost, "/v1/intercept", map[string]any{"agent_id": "stranger", "tool": "search_web"})

	logs := decode[[]audit.AuditEntry](t, env.do(t, http.MethodGet, "/v1/audit/?decision=deny", nil))
	require.Len(t, logs, 1)
	assert.Equal(t, "stranger", logs[0].AgentID)

	all := decode[[]audit.AuditEntry](t, env.do(t, http.MethodGet, "/v1/audit/?limit=1", nil))
	require.Len(t, all, 1)
	assert.Equal(t, int64(2), all[0].Sequence, "limit keeps the most recent entries")

	empty := env.do(t, http.MethodGet, "/v1/audit/?agent_id=nobody", nil)
	assert.JSONEq(t, "[]", empty.Body.String())

	for _, q := range []string{"limit=-1", "limit=x", "from=yesterday", "to=2026-13-01"} {
		assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/audit/?"+q, nil).Code, q)
	}

	rep := decode[service.VerifyReport](t, env.do(t, http.MethodGet, "/v1/audit/verify", nil))
	assert.True(t, rep.Valid)
	assert.Equal(t, 2, rep.Entries)
	assert.Equal(t, int64(2), rep.Sequence)

	stats := decode[domain.GlobalStats](t, env.do(t, http.MethodGet, "/v1/audit/stats", nil))
	assert.Equal(t, int64(2), stats.TotalDecisions)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodGet, "/v1/audit/stats?since=never", nil).Code)
}

func TestPolicyEndpoints(t *testing.T) {
	env := newEnv(t, envConfig{publish: true})

	p := decode[domain.Policy](t, env.do(t, http.MethodGet, "/v1/policies/effective/agent-1", nil))
	assert.Equal(t, "base", p.Name)
	assert.Equal(t, 50, p.MaxToolCalls)
	assert.Equal(t, http.StatusNotFound, env.do(t, http.MethodGet, "/v1/policies/effective/stranger", nil).Code)

	next := consolePolicies + "  stranger: [base]\n"
	rec := env.do(t, http.MethodPost, "/v1/policies/", next)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, float64(2), decode[map[string]any](t, rec)["version"])
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/v1/policies/effective/stranger", nil).Code)

	assert.Equal(t, http.StatusUnprocessableEntity,
		env.do(t, http.MethodPost, "/v1/policies/", "policies:\n  - name: x\n    max_tool_calls: -1\n").Code)
	assert.Equal(t, http.StatusBadRequest, env.do(t, http.MethodPost, "/v1/policies/", "").Code)
	assert.Equal(t, http.StatusNoContent, env.do(t, http.MethodPost, "/v1/policies/reload", nil).Code)

	readonly := newEnv(t, envConfig{})
	assert.Equal(t, http.StatusNotImplemented, readonly.do(t, http.MethodPost, "/v1/policies/", next).Code)
}

func TestTokenAuthentication(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)
	env := newEnv(t, envConfig{opts: []Option{WithValidator(auth.NewBaseValidator(&key.PublicKey, "uag"))}})

	issue := func(scopes ...string) string {
		tok, err := auth.IssueToken(key, "uag", "alice", scopes, time.Minute)
		require.NoError(t, err)
		return "Bearer " + tok
	}

	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/agents/", nil).Code)
	assert.Equal(t, http.StatusUnauthorized, env.do(t, http.MethodGet, "/v1/agents/", nil, "Authorization", "Bearer junk").Code)
	assert.Equal(t, http.StatusForbidden,
		env.do(t, http.MethodGet, "/v1/audit/", nil, "Authorization", issue(domain.ScopeAgentsRead)).Code)
	assert.Equal(t, http.StatusOK,
		env.do(t, http.MethodGet, "/v1/agents/", nil, "Authorization", issue(domain.ScopeAgentsRead)).Code)
	assert.Equal(t, http.StatusOK, env.do(t, http.MethodGet, "/health", nil).Code, "health stays public")

	// Права токена становятся способностями Constraint Graph
	rec := env.do(t, http.MethodPost, "/v1/execute",
		map[string]any{"agent_id": "agent-1", "tool": "lookup_customer", "arguments": map[string]any{"customer_id": "c-1"}},
		"Authorization", issue(domain.ScopeIntercept, "pii.read"))
	require.Equal(t, http.StatusOK, rec.Code)
	res := decode[engine.Result](t, rec)
	assert.Equal(t, "123-45-6789", res.Response["customer"].(map[string]any)["ssn"])

	entries := env.kernel.Audit().Query(audit.Filter{AgentID: "agent-1"})
	require.NotEmpty(t, entries)
	assert.Equal(t, "alice", entries[len(entries)-1].InitiatorID)
}
