package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/connectors"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/masking"
)

func instantConnector() *connectors.MockSystemsConnector {
	return &connectors.MockSystemsConnector{Latency: func() time.Duration { return 0 }}
}

type countingExecutor struct {
	calls int
	err   error
	body  []byte
}

func (e *countingExecutor) Call(context.Context, string, []byte) ([]byte, error) {
	e.calls++
	return e.body, e.err
}

func TestGatewayMasksResponse(t *testing.T) {
	graph := masking.NewGraph().Require("customer.ssn", "pii.read")
	k := newKernel(t, WithGraph(graph))
	gw := NewGateway(k, instantConnector(), nil)

	res, err := gw.ProcessAction(context.Background(),
		call("agent-1", "lookup_customer", map[string]any{"customer_id": "c-42"}))
	require.NoError(t, err)
	require.Equal(t, domain.VerdictAllow, res.Decision.Verdict)

	customer, ok := res.Response["customer"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "c-42", customer["id"])
	assert.NotContains(t, customer, "ssn")

	res, err = gw.ProcessAction(context.Background(),
		call("agent-1", "lookup_customer", map[string]any{"customer_id": "c-42"}, domain.WithCapabilities("pii.read")))
	require.NoError(t, err)
	customer = res.Response["customer"].(map[string]any)
	assert.Equal(t, "123-45-6789", customer["ssn"])
}

func TestGatewaySkipsExecutionUnlessAllowed(t *testing.T) {
	exec := &countingExecutor{body: []byte(`{}`)}
	gw := NewGateway(newKernel(t), exec, nil)

	res, err := gw.ProcessAction(context.Background(), call("restricted-agent", "delete_db", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDeny, res.Decision.Verdict)
	assert.Nil(t, res.Response)

	res, err = gw.ProcessAction(context.Background(), call("approval-agent", "transfer", nil))
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictDefer, res.Decision.Verdict)
	assert.Zero(t, exec.calls)

	_, err = gw.ProcessAction(context.Background(), call("", "x", nil))
	assert.ErrorIs(t, err, ErrInvalidRequest)
}

func TestGatewayExecutionError(t *testing.T) {
	exec := &countingExecutor{err: errors.New("connection refused")}
	gw := NewGateway(newKernel(t), exec, nil)

	res, err := gw.ProcessAction(context.Background(), call("agent-1", "search_web", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection refused")
	assert.Equal(t, domain.VerdictAllow, res.Decision.Verdict, "the decision is still reported")
	assert.Equal(t, 1, exec.calls)
}

func TestGatewayWrapsNonJSONResponse(t *testing.T) {
	exec := &countingExecutor{body: []byte("plain text")}
	gw := NewGateway(newKernel(t), exec, nil)

	res, err := gw.ProcessAction(context.Background(), call("agent-1", "search_web", nil))
	require.NoError(t, err)
	assert.Equal(t, map[string]any{"result": "plain text"}, res.Response)
}

func TestGatewayReportsDrift(t *testing.T) {
	exec := &countingExecutor{body: []byte(`{"status":"ok","items":[1,2,3]}`)}
	gw := NewGateway(newKernel(t), exec, nil)

	res, err := gw.ProcessAction(context.Background(), call("agent-1", "search_web", nil))
	require.NoError(t, err)
	assert.Nil(t, res.Drift, "baseline is not scored")

	exec.body = []byte(`{"error":"quota exhausted, contact administrator"}`)
	res, err = gw.ProcessAction(context.Background(), call("agent-1", "search_web", nil))
	require.NoError(t, err)
	require.NotNil(t, res.Drift)
	assert.True(t, res.Drift.Exceeded)
}

func TestReliabilityRetriesThrottledCalls(t *testing.T) {
	exec := instantConnector()
	w := NewReliabilityWrapper(exec, ReliabilityConfig{Name: "test", Attempts: 2}, nil, nil)

	_, err := w.Call(context.Background(), "throttled.service", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "429 too many requests")

	out, err := w.Call(context.Background(), "send_email", nil)
	require.NoError(t, err)
	assert.JSONEq(t, `{"status": "sent", "integration": "smtp"}`, string(out))
	assert.Equal(t, "closed", w.State())
}

func TestReliabilityOpensBreaker(t *testing.T) {
	exec := &countingExecutor{err: errors.New("boom")}
	w := NewReliabilityWrapper(exec, ReliabilityConfig{
		Name:                   "flaky",
		Attempts:               1,
		MaxConsecutiveFailures: 2,
		OpenTimeout:            time.Minute,
	}, nil, nil)

	for i := 0; i < 3; i++ {
		_, err := w.Call(context.Background(), "x", nil)
		require.Error(t, err)
	}
	assert.Equal(t, "open", w.State())

	_, err := w.Call(context.Background(), "x", nil)
	require.Error(t, err)
	assert.Equal(t, 3, exec.calls, "open breaker short-circuits the executor")
}
