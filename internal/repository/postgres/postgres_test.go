package postgres

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

func setupMockDB(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return db, mock
}

var auditCols = []string{"id", "seq", "trace_id", "agent_id", "action", "decision", "rule", "reason",
	"policy", "initiator_id", "subjects", "payload", "prev_hash", "hash", "timestamp"}

func sampleEntries(t *testing.T) []audit.AuditEntry {
	t.Helper()
	now := time.Date(2026, 3, 1, 12, 0, 0, 123456789, time.UTC)
	l := audit.NewLedger(audit.WithClock(func() time.Time { now = now.Add(time.Second); return now }))
	a, err := l.Append(audit.AuditEntry{AgentID: "a1", Action: "lookup", Decision: domain.VerdictAllow,
		Payload: map[string]any{"n": 5, "q": "x"}})
	require.NoError(t, err)
	b, err := l.Append(audit.AuditEntry{AgentID: "a1", Action: "rm", Decision: domain.VerdictDeny,
		Rule: domain.RuleBlocked, Subjects: []string{"abc"}})
	require.NoError(t, err)
	return []audit.AuditEntry{a, b}
}

func rowOf(t *testing.T, e audit.AuditEntry) []driver.Value {
	subjects, err := json.Marshal(nonNil(e.Subjects))
	require.NoError(t, err)
	payload, err := json.Marshal(e.Payload)
	require.NoError(t, err)
	return []driver.Value{e.ID, e.Sequence, e.TraceID, e.AgentID, e.Action, string(e.Decision), e.Rule, e.Reason,
		e.Policy, e.InitiatorID, subjects, payload, e.PrevHash, e.Hash, e.Timestamp}
}

func TestAuditRepo_WriteBatch(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAuditRepo(db)
	entries := sampleEntries(t)

	args := make([]driver.Value, 30)
	for i := range args {
		args[i] = sqlmock.AnyArg()
	}
	mock.ExpectExec(`INSERT INTO audit_logs \(id, seq, .*\) VALUES \(\$1, .*\$15\), \(\$16, .*\$30\) ON CONFLICT \(id\) DO NOTHING`).
		WithArgs(args...).
		WillReturnResult(sqlmock.NewResult(0, 2))

	require.NoError(t, repo.WriteBatch(context.Background(), entries))
	require.NoError(t, repo.WriteBatch(context.Background(), nil), "empty batch is a no-op")
}

func TestAuditRepo_WriteBatchError(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectExec("INSERT INTO audit_logs").WillReturnError(errors.New("connection reset"))

	err := NewAuditRepo(db).WriteBatch(context.Background(), sampleEntries(t)[:1])
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection reset")
}

func TestAuditRepo_FetchLogsPreservesChain(t *testing.T) {
	db, mock := setupMockDB(t)
	entries := sampleEntries(t)

	// БД отдает записи от новых к старым
	rows := sqlmock.NewRows(auditCols).
		AddRow(rowOf(t, entries[1])...).
		AddRow(rowOf(t, entries[0])...)
	mock.ExpectQuery(`SELECT .* FROM audit_logs WHERE agent_id = \$1 AND decision = \$2 ORDER BY seq DESC LIMIT \$3`).
		WithArgs("a1", "DENY", 10).
		WillReturnRows(rows)

	got, err := NewAuditRepo(db).FetchLogs(context.Background(),
		audit.Filter{AgentID: "a1", Decision: domain.VerdictDeny, Limit: 10})
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, int64(1), got[0].Sequence, "results come back in append order")
	assert.Equal(t, []string{"abc"}, got[1].Subjects)
	require.NoError(t, audit.VerifyChain("", got), "hashes survive the database round trip")
}

func TestAuditRepo_Tail(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewAuditRepo(db)

	mock.ExpectQuery("SELECT seq, hash FROM audit_logs").WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}))
	seq, hash, err := repo.Tail(context.Background())
	require.NoError(t, err)
	assert.Zero(t, seq)
	assert.Empty(t, hash)

	mock.ExpectQuery("SELECT seq, hash FROM audit_logs").
		WillReturnRows(sqlmock.NewRows([]string{"seq", "hash"}).AddRow(int64(7), "h7"))
	seq, hash, err = repo.Tail(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(7), seq)
	assert.Equal(t, "h7", hash)
}

func TestAuditRepo_Stats(t *testing.T) {
	db, mock := setupMockDB(t)
	since := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT\s+COUNT\(\*\),`).WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"total", "allow", "deny", "escalate", "defer", "agents"}).
			AddRow(int64(10), int64(6), int64(4), int64(0), int64(0), int64(3)))
	mock.ExpectQuery(`SELECT action, COUNT\(\*\) AS cnt`).WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"action", "cnt"}).AddRow("lookup", int64(7)).AddRow("rm", int64(3)))

	st, err := NewAuditRepo(db).Stats(context.Background(), since)
	require.NoError(t, err)
	assert.Equal(t, int64(10), st.TotalDecisions)
	assert.InDelta(t, 0.4, st.DenyRatio, 1e-9)
	assert.Equal(t, 3, st.UniqueAgents)
	assert.Equal(t, int64(7), st.TopTools["lookup"])
}

func TestApprovalRepo_DoubleDecision(t *testing.T) {
	db, mock := setupMockDB(t)
	reviewer := "op-1"
	app := &domain.ApprovalRequest{ID: "r1", Status: domain.StatusApproved, TokenHash: "th",
		ReviewerID: &reviewer, UpdatedAt: time.Now()}

	mock.ExpectExec("UPDATE approvals").
		WithArgs("APPROVED", "th", "op-1", nil, sqlmock.AnyArg(), "r1").
		WillReturnResult(sqlmock.NewResult(0, 0))

	err := NewApprovalRepo(db).UpdateApprovalStatus(context.Background(), app)
	assert.ErrorIs(t, err, domain.ErrAlreadyProcessed)
}

func TestApprovalRepo_CreateAndFind(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewApprovalRepo(db)
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	req := domain.NewToolCallRequest("a1", "send_email", map[string]any{"to": "x"}, domain.WithTimestamp(now))
	app := &domain.ApprovalRequest{ID: "r1", AgentID: "a1", Tool: "send_email", Verdict: domain.VerdictDefer,
		Rule: domain.RuleHumanApproval, Request: req, Status: domain.StatusPending, Fingerprint: "fp",
		CreatedAt: now, UpdatedAt: now}

	reqJSON, err := json.Marshal(req)
	require.NoError(t, err)
	mock.ExpectExec("INSERT INTO approvals").
		WithArgs("r1", "a1", "send_email", "DEFER", domain.RuleHumanApproval, "", reqJSON, "PENDING", "fp", now, now).
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, repo.CreateApproval(context.Background(), app))

	mock.ExpectQuery(`SELECT .* FROM approvals WHERE status = \$1 ORDER BY created_at`).
		WithArgs("PENDING").
		WillReturnRows(sqlmock.NewRows([]string{"id", "agent_id", "tool", "verdict", "rule", "reason", "request",
			"status", "fingerprint", "token_hash", "reviewer_id", "comment", "created_at", "updated_at"}).
			AddRow("r1", "a1", "send_email", "DEFER", domain.RuleHumanApproval, "", reqJSON,
				"PENDING", "fp", nil, nil, nil, now, now))

	got, err := repo.FindApprovals(context.Background(), domain.StatusPending)
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "x", got[0].Request.Arguments["to"])
	assert.Nil(t, got[0].ReviewerID)
	assert.Empty(t, got[0].TokenHash)
}

func TestAgentRepo_TerminatedAgents(t *testing.T) {
	db, mock := setupMockDB(t)
	mock.ExpectQuery("SELECT id FROM agents WHERE state = 'TERMINATED'").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("a1").AddRow("a2"))

	ids, err := NewAgentRepo(db).TerminatedAgents(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"a1", "a2"}, ids)
}

func TestAgentRepo_UpdateState(t *testing.T) {
	db, mock := setupMockDB(t)
	at := time.Now()
	mock.ExpectExec("INSERT INTO agents").WithArgs("a1", "STOPPED", at).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, NewAgentRepo(db).UpdateState(context.Background(), "a1", domain.StateStopped, at))
}

func TestPolicyRepo(t *testing.T) {
	db, mock := setupMockDB(t)
	repo := NewPolicyRepo(db)

	mock.ExpectQuery("SELECT body FROM policy_documents").WillReturnRows(sqlmock.NewRows([]string{"body"}))
	_, err := repo.LoadPolicies(context.Background())
	assert.ErrorIs(t, err, ErrNoPolicyDocument)

	doc := "policies:\n  - name: base\nbindings:\n  \"*\": [base]\n"
	mock.ExpectQuery("SELECT body FROM policy_documents").WillReturnRows(sqlmock.NewRows([]string{"body"}).AddRow(doc))
	set, err := repo.LoadPolicies(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"base"}, set.Order)

	// Невалидный документ отклоняется до обращения к БД
	_, err = repo.Publish(context.Background(), "policies:\n  - name: x\n    bogus: 1\n", "op")
	require.Error(t, err)

	mock.ExpectQuery("INSERT INTO policy_documents").WithArgs(doc, "op").
		WillReturnRows(sqlmock.NewRows([]string{"version"}).AddRow(int64(3)))
	v, err := repo.Publish(context.Background(), doc, "op")
	require.NoError(t, err)
	assert.Equal(t, int64(3), v)
}
