package engine

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
)

const kernelPolicies = `
policies:
  - name: base
    max_tool_calls: 100
    checkpoint_frequency: 0
    blocked_patterns:
      - {pattern: '\b\d{3}-\d{2}-\d{4}\b', kind: regex}
  - name: limited
    max_tool_calls: 5
    checkpoint_frequency: 2
  - name: restricted
    allowed_tools: [search_web]
  - name: approval
    require_human_approval: true
bindings:
  agent-1: [base]
  limited-agent: [limited]
  restricted-agent: [restricted]
  approval-agent: [approval]
`

func newRegistry(t *testing.T) *policy.Registry {
	t.Helper()
	set, err := policy.Load(strings.NewReader(kernelPolicies))
	require.NoError(t, err)
	reg, err := policy.NewStaticRegistry(set, nil)
	require.NoError(t, err)
	return reg
}

func newKernel(t *testing.T, opts ...Option) *Kernel {
	t.Helper()
	return NewKernel(newRegistry(t), audit.NewLedger(), opts...)
}

func call(agentID, tool string, args map[string]any, opts ...domain.RequestOption) domain.ToolCallRequest {
	return domain.NewToolCallRequest(agentID, tool, args, opts...)
}

func mustIntercept(t *testing.T, k *Kernel, req domain.ToolCallRequest) domain.Decision {
	t.Helper()
	d, err := k.Intercept(context.Background(), req)
	require.NoError(t, err)
	return d
}

type failingSink struct{}

func (failingSink) Log(audit.AuditEntry) error { return errors.New("disk full") }

func TestInterceptAllow(t *testing.T) {
	k := newKernel(t)

	d := mustIntercept(t, k, call("agent-1", "search_web", map[string]any{"q": "weather"}))
	assert.Equal(t, domain.VerdictAllow, d.Verdict)
	assert.Equal(t, "allowed", d.Reason)
	assert.Equal(t, "base", d.Policy)
	assert.False(t, d.Terminal)
	require.NotEmpty(t, d.AuditID)

	entries := k.Audit().Query(audit.Filter{AgentID: "agent-1"})
	require.Len(t, entries, 1)
	assert.Equal(t, d.AuditID, entries[0].ID)
	assert.Equal(t, "search_web", entries[0].Action)
}

func TestInterceptInvalidRequest(t *testing.T) {
	k := newKernel(t)
	_, err := k.Intercept(context.Background(), call("", "search_web", nil))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	_, err = k.Intercept(context.Background(), call("agent-1", "", nil))
	assert.ErrorIs(t, err, ErrInvalidRequest)
	assert.Zero(t, k.Audit().Len())
}

func TestInterceptNoPolicy(t *testing.T) {
	k := newKernel(t)
	d := mustIntercept(t, k, call("stranger", "search_web", nil))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleNoPolicy, d.Rule)
	assert.True(t, d.Terminal)
	assert.NotEmpty(t, d.AuditID, "default deny is audited too")
}

func TestInterceptCancelledContext(t *testing.T) {
	k := newKernel(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	d, err := k.Intercept(ctx, call("agent-1", "search_web", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleCancelled, d.Rule)
	_, ok := k.Session("agent-1")
	assert.False(t, ok, "cancelled calls do not open a session")
}

func TestRateLimitIsTerminal(t *testing.T) {
	k := newKernel(t)
	for i := 0; i < 5; i++ {
		d := mustIntercept(t, k, call("limited-agent", "search_web", map[string]any{"i": i}))
		require.Equal(t, domain.VerdictAllow, d.Verdict, "call %d", i+1)
	}

	d := mustIntercept(t, k, call("limited-agent", "search_web", nil))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleRateLimit, d.Rule)
	assert.Equal(t, "rate limit exceeded", d.Reason)
	assert.True(t, d.Terminal)

	snap, ok := k.Session("limited-agent")
	require.True(t, ok)
	assert.Equal(t, 5, snap.CallCount)
}

func TestAllowListDenies(t *testing.T) {
	k := newKernel(t)

	var violations, blocked int
	k.On(EventPolicyViolation, func(Event) { violations++ })
	k.On(EventToolCallBlocked, func(Event) { blocked++ })

	assert.Equal(t, domain.VerdictAllow, mustIntercept(t, k, call("restricted-agent", "search_web", nil)).Verdict)

	d := mustIntercept(t, k, call("restricted-agent", "delete_db", nil))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleAllowList, d.Rule)
	assert.Equal(t, "tool not permitted", d.Reason)
	assert.Equal(t, 1, violations)
	assert.Equal(t, 1, blocked)
}

func TestBlockedPatternHashesSubject(t *testing.T) {
	hasher, err := audit.NewIdentifierHasher([]byte("test-key"))
	require.NoError(t, err)
	k := newKernel(t, WithHasher(hasher))

	d := mustIntercept(t, k, call("agent-1", "lookup_customer", map[string]any{
		"customer": map[string]any{"note": "ssn 123-45-6789"},
	}))
	require.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleBlocked, d.Rule)
	assert.Equal(t, `blocked pattern matched: \b\d{3}-\d{2}-\d{4}\b`, d.Reason)

	entries := k.Audit().Query(audit.Filter{AgentID: "agent-1"})
	require.Len(t, entries, 1)
	e := entries[0]
	assert.Equal(t, d.AuditID, e.ID)
	require.Equal(t, []string{hasher.Hash("ssn 123-45-6789")}, e.Subjects)
	for _, s := range e.Subjects {
		assert.NotContains(t, s, "123-45-6789")
	}
}

func TestBlockedValueNeverStoredRaw(t *testing.T) {
	hasher, err := audit.NewIdentifierHasher([]byte("test-key"))
	require.NoError(t, err)
	k := newKernel(t, WithHasher(hasher))

	args := map[string]any{
		"query":   "123-45-6789",
		"filters": []any{"region:eu", "backup 987-65-4321"},
		"limit":   10,
	}
	d := mustIntercept(t, k, call("agent-1", "lookup_customer", args))
	require.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, "123-45-6789", args["query"], "caller arguments are untouched")

	entries := k.Audit().Query(audit.Filter{AgentID: "agent-1"})
	require.Len(t, entries, 1)
	payload := entries[0].Payload
	assert.Equal(t, hasher.Hash("123-45-6789"), payload["query"])
	assert.Equal(t, []any{"region:eu", hasher.Hash("backup 987-65-4321")}, payload["filters"])
	assert.Equal(t, 10, payload["limit"])

	raw := fmt.Sprint(payload)
	assert.NotContains(t, raw, "123-45-6789")
	assert.NotContains(t, raw, "987-65-4321")
}

func TestCheckpoints(t *testing.T) {
	k := newKernel(t)
	var events []Event
	k.On(EventCheckpoint, func(e Event) { events = append(events, e) })

	var got []*domain.Checkpoint
	for i := 0; i < 5; i++ {
		d := mustIntercept(t, k, call("limited-agent", "search_web", map[string]any{"i": i}))
		got = append(got, d.Checkpoint)
	}

	assert.Nil(t, got[0])
	require.NotNil(t, got[1])
	assert.Equal(t, 1, got[1].Sequence)
	assert.Equal(t, 2, got[1].CallCount)
	assert.Nil(t, got[2])
	require.NotNil(t, got[3])
	assert.Equal(t, 2, got[3].Sequence)
	assert.Equal(t, 4, got[3].CallCount)
	assert.Nil(t, got[4])
	assert.Len(t, events, 2)

	snap, _ := k.Session("limited-agent")
	assert.Len(t, snap.Checkpoints, 2)
	assert.Len(t, snap.History, 5)
}

func TestPausedAgentIsDeferredWithoutReview(t *testing.T) {
	k := newKernel(t)
	k.StartSession("agent-1")
	require.True(t, k.SendSignal("agent-1", domain.SIGSTOP))

	d := mustIntercept(t, k, call("agent-1", "search_web", nil))
	assert.Equal(t, domain.VerdictDefer, d.Verdict)
	assert.Equal(t, domain.RuleAgentPaused, d.Rule)
	assert.Equal(t, "agent paused", d.Reason)
	assert.False(t, d.Terminal)
	assert.Empty(t, d.ReviewID)
	assert.Zero(t, k.Reviews().Pending())

	require.True(t, k.SendSignal("agent-1", domain.SIGCONT))
	assert.Equal(t, domain.VerdictAllow, mustIntercept(t, k, call("agent-1", "search_web", nil)).Verdict)
}

func TestTerminatedAgentIsDenied(t *testing.T) {
	k := newKernel(t)
	k.StartSession("agent-1")
	require.True(t, k.SendSignal("agent-1", domain.SIGKILL))

	d := mustIntercept(t, k, call("agent-1", "search_web", nil))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleTerminated, d.Rule)
	assert.True(t, d.Terminal)

	assert.False(t, k.SendSignal("agent-1", domain.SIGCONT))
	state, _ := k.GetState("agent-1")
	assert.Equal(t, domain.StateTerminated, state)
}

func TestSignalIsAudited(t *testing.T) {
	k := newKernel(t)
	k.StartSession("agent-1")

	var delivered []Event
	k.On(EventSignalDelivered, func(e Event) { delivered = append(delivered, e) })

	require.True(t, k.SendSignalAs("ops@example.com", "agent-1", domain.SIGSTOP))

	entries := k.Audit().Query(audit.Filter{Action: "signal:SIGSTOP"})
	require.Len(t, entries, 1)
	assert.Equal(t, "RUNNING -> STOPPED", entries[0].Reason)
	assert.Equal(t, "ops@example.com", entries[0].InitiatorID)
	assert.Equal(t, domain.VerdictAllow, entries[0].Decision)
	require.Len(t, delivered, 1)
	assert.Equal(t, "SIGSTOP", delivered[0].Data["signal"])

	assert.False(t, k.SendSignal("ghost", domain.SIGKILL))
	assert.Empty(t, k.Audit().Query(audit.Filter{AgentID: "ghost"}))
}

func TestConcurrentCallsRespectLimit(t *testing.T) {
	k := newKernel(t)

	const n = 6
	results := make(chan domain.Decision, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			d, err := k.Intercept(context.Background(), call("limited-agent", "search_web", map[string]any{"i": i}))
			if err == nil {
				results <- d
			}
		}(i)
	}
	wg.Wait()
	close(results)

	counts := map[domain.Verdict]int{}
	for d := range results {
		counts[d.Verdict]++
	}
	assert.Equal(t, 5, counts[domain.VerdictAllow])
	assert.Equal(t, 1, counts[domain.VerdictDeny])
}

func TestNoAllowAfterKill(t *testing.T) {
	k := newKernel(t)
	k.StartSession("agent-1")

	var wg sync.WaitGroup
	start := make(chan struct{})
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			<-start
			for j := 0; j < 10; j++ {
				_, _ = k.Intercept(context.Background(), call("agent-1", "search_web", map[string]any{"w": i, "j": j}))
			}
		}(i)
	}
	close(start)
	require.True(t, k.SendSignal("agent-1", domain.SIGKILL))
	wg.Wait()

	kill := k.Audit().Query(audit.Filter{Action: "signal:SIGKILL"})
	require.Len(t, kill, 1)
	for _, e := range k.Audit().Query(audit.Filter{AgentID: "agent-1", Decision: domain.VerdictAllow}) {
		if strings.HasPrefix(e.Action, "signal:") {
			continue
		}
		assert.Less(t, e.Sequence, kill[0].Sequence, "ALLOW %s recorded after SIGKILL", e.ID)
	}
}

func TestAuditFailureFailsClosed(t *testing.T) {
	ledger := audit.NewLedger(audit.WithSink(failingSink{}))
	k := NewKernel(newRegistry(t), ledger)

	d := mustIntercept(t, k, call("agent-1", "search_web", nil))
	assert.Equal(t, domain.VerdictDeny, d.Verdict)
	assert.Equal(t, domain.RuleAudit, d.Rule)
	assert.Equal(t, "base", d.Policy)
	assert.Empty(t, d.AuditID)

	snap, ok := k.Session("agent-1")
	require.True(t, ok)
	assert.Zero(t, snap.CallCount)
}

func TestLowConfidenceEscalates(t *testing.T) {
	k := newKernel(t)

	d := mustIntercept(t, k, call("agent-1", "send_email", map[string]any{"to": "a@b.c"}, domain.WithConfidence(0.5)))
	assert.Equal(t, domain.VerdictEscalate, d.Verdict)
	assert.Equal(t, domain.RuleConfidence, d.Rule)
	assert.Equal(t, "below confidence threshold", d.Reason)
	assert.False(t, d.Terminal)
	require.NotEmpty(t, d.ReviewID)

	r, ok := k.Reviews().Get(d.ReviewID)
	require.True(t, ok)
	assert.Equal(t, domain.StatusPending, r.Status)
	assert.Equal(t, "send_email", r.Tool)

	assert.Equal(t, domain.VerdictAllow,
		mustIntercept(t, k, call("agent-1", "send_email", nil, domain.WithConfidence(0.95))).Verdict)
}

func TestApprovalFlow(t *testing.T) {
	k := newKernel(t)
	args := map[string]any{"amount": 100}

	d := mustIntercept(t, k, call("approval-agent", "transfer", args))
	require.Equal(t, domain.VerdictDefer, d.Verdict)
	assert.Equal(t, domain.RuleHumanApproval, d.Rule)
	assert.Equal(t, "awaiting human approval", d.Reason)
	require.NotEmpty(t, d.ReviewID)

	_, err := k.Replay(context.Background(), d.ReviewID)
	assert.ErrorIs(t, err, ErrReviewPending)

	approved, err := k.Reviews().Decide(d.ReviewID, true, "ops", "ok")
	require.NoError(t, err)
	require.NotEmpty(t, approved.Token)
	assert.Equal(t, domain.StatusApproved, approved.Status)

	_, err = k.Reviews().Decide(d.ReviewID, false, "ops", "")
	assert.ErrorIs(t, err, ErrAlreadyDecided)

	// Токен привязан к конкретному запросу
	granted := mustIntercept(t, k, call("approval-agent", "transfer", args, domain.WithApprovalToken(approved.Token)))
	assert.Equal(t, domain.VerdictAllow, granted.Verdict)
	other := mustIntercept(t, k, call("approval-agent", "transfer", map[string]any{"amount": 1e6},
		domain.WithApprovalToken(approved.Token)))
	assert.Equal(t, domain.VerdictDefer, other.Verdict)

	replayed, err := k.Replay(context.Background(), d.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictAllow, replayed.Verdict)
}

func TestReplayErrors(t *testing.T) {
	k := newKernel(t)

	_, err := k.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, ErrReviewNotFound)

	d := mustIntercept(t, k, call("approval-agent", "transfer", nil))
	_, err = k.Reviews().Decide(d.ReviewID, false, "ops", "no")
	require.NoError(t, err)
	_, err = k.Replay(context.Background(), d.ReviewID)
	assert.ErrorIs(t, err, ErrReviewRejected)
}

func TestReplayStillEnforcesSignals(t *testing.T) {
	k := newKernel(t)
	d := mustIntercept(t, k, call("approval-agent", "transfer", nil))
	_, err := k.Reviews().Decide(d.ReviewID, true, "ops", "")
	require.NoError(t, err)

	require.True(t, k.SendSignal("approval-agent", domain.SIGKILL))
	replayed, err := k.Replay(context.Background(), d.ReviewID)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, replayed.Verdict)
	assert.Equal(t, domain.RuleTerminated, replayed.Rule)
}

func TestPolicyCheckEventPerCall(t *testing.T) {
	k := newKernel(t)
	var checks []Event
	k.On(EventPolicyCheck, func(e Event) { checks = append(checks, e) })
	k.On(EventPolicyCheck, func(Event) { panic("hook bug") })

	mustIntercept(t, k, call("agent-1", "search_web", nil))
	mustIntercept(t, k, call("stranger", "search_web", nil))

	require.Len(t, checks, 1, "no policy means no policy check")
	assert.Equal(t, "base", checks[0].Data["policy"])
}

func TestPostExecuteDrift(t *testing.T) {
	k := newKernel(t)
	var drift []Event
	k.On(EventDriftDetected, func(e Event) { drift = append(drift, e) })

	_, scored := k.PostExecute("agent-1", "no session yet")
	assert.False(t, scored)

	mustIntercept(t, k, call("agent-1", "search_web", nil))
	_, scored = k.PostExecute("agent-1", `{"temperature": 21, "city": "Berlin"}`)
	assert.False(t, scored, "first output becomes the baseline")

	same, scored := k.PostExecute("agent-1", `{"temperature": 21, "city": "Berlin"}`)
	require.True(t, scored)
	assert.Zero(t, same.Score)
	assert.False(t, same.Exceeded)

	res, scored := k.PostExecute("agent-1", "ERROR: upstream returned garbage !!!")
	require.True(t, scored)
	assert.True(t, res.Exceeded)
	assert.Greater(t, res.Score, 0.15)
	require.Len(t, drift, 1)
	assert.Equal(t, res.BaselineHash, drift[0].Data["baseline_hash"])

	snap, _ := k.Session("agent-1")
	assert.Len(t, snap.DriftScores, 2)
}

func TestEndSessionResetsLimiter(t *testing.T) {
	k := newKernel(t)
	for i := 0; i < 5; i++ {
		mustIntercept(t, k, call("limited-agent", "search_web", map[string]any{"i": i}))
	}
	require.Equal(t, domain.VerdictDeny, mustIntercept(t, k, call("limited-agent", "search_web", nil)).Verdict)

	snap, ok := k.EndSession("limited-agent")
	require.True(t, ok)
	require.NotNil(t, snap.EndedAt)
	assert.Equal(t, 5, snap.CallCount)

	archived, ok := k.Session("limited-agent")
	require.True(t, ok)
	assert.NotNil(t, archived.EndedAt)

	_, ok = k.EndSession("limited-agent")
	assert.False(t, ok)

	assert.Equal(t, domain.VerdictAllow, mustIntercept(t, k, call("limited-agent", "search_web", nil)).Verdict)
	fresh, _ := k.Session("limited-agent")
	assert.Equal(t, 1, fresh.CallCount)
	assert.Nil(t, fresh.EndedAt)
}

func TestAgentsReportCallCounts(t *testing.T) {
	k := newKernel(t)
	mustIntercept(t, k, call("agent-1", "search_web", nil))
	mustIntercept(t, k, call("agent-1", "search_web", nil))
	k.StartSession("limited-agent")

	agents := k.Agents()
	require.Len(t, agents, 2)
	assert.Equal(t, "agent-1", agents[0].ID)
	assert.Equal(t, 2, agents[0].CallCount)
	assert.Equal(t, "limited-agent", agents[1].ID)
	assert.Zero(t, agents[1].CallCount)
}
