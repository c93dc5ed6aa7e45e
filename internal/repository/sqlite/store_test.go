package sqlite

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

func openMemory(t *testing.T) *Store {
	t.Helper()
	s, err := Open(context.Background(), ":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func appendN(t *testing.T, l *audit.Ledger, n int) []audit.AuditEntry {
	t.Helper()
	var out []audit.AuditEntry
	for i := 0; i < n; i++ {
		v := domain.VerdictAllow
		if i%2 == 1 {
			v = domain.VerdictDeny
		}
		e, err := l.Append(audit.AuditEntry{
			AgentID:  "a1",
			Action:   "lookup",
			Decision: v,
			Subjects: []string{"s1"},
			Payload:  map[string]any{"i": i, "nested": map[string]any{"ok": true}},
		})
		require.NoError(t, err)
		out = append(out, e)
	}
	return out
}

func TestStoreRoundTripKeepsChain(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	entries := appendN(t, audit.NewLedger(), 5)

	require.NoError(t, s.WriteBatch(ctx, entries[:3]))
	require.NoError(t, s.WriteBatch(ctx, entries[2:]), "re-sent entries are ignored")

	got, err := s.FetchLogs(ctx, audit.Filter{})
	require.NoError(t, err)
	require.Len(t, got, 5)
	for i, e := range got {
		assert.Equal(t, int64(i+1), e.Sequence)
	}
	require.NoError(t, s.Verify(ctx))

	seq, hash, err := s.Tail(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(5), seq)
	assert.Equal(t, entries[4].Hash, hash)
}

func TestStoreFilters(t *testing.T) {
	s := openMemory(t)
	ctx := context.Background()
	base := time.Date(2026, 5, 1, 10, 0, 0, 0, time.UTC)
	tick := base
	l := audit.NewLedger(audit.WithClock(func() time.Time { tick = tick.Add(time.Minute); return tick }))
	require.NoError(t, s.WriteBatch(ctx, appendN(t, l, 6)))

	denies, err := s.FetchLogs(ctx, audit.Filter{Decision: domain.VerdictDeny})
	require.NoError(t, err)
	assert.Len(t, denies, 3)

	window, err := s.FetchLogs(ctx, audit.Filter{From: base.Add(2 * time.Minute), To: base.Add(4 * time.Minute)})
	require.NoError(t, err)
	require.Len(t, window, 2)
	assert.Equal(t, int64(2), window[0].Sequence)

	last, err := s.FetchLogs(ctx, audit.Filter{AgentID: "a1", Limit: 2})
	require.NoError(t, err)
	require.Len(t, last, 2)
	assert.Equal(t, int64(5), last[0].Sequence)
}

func TestStoreResumesLedgerAfterRestart(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "audit", "flight.db")

	s, err := Open(ctx, path)
	require.NoError(t, err)
	require.NoError(t, s.WriteBatch(ctx, appendN(t, audit.NewLedger(), 3)))
	require.NoError(t, s.Close())

	s, err = Open(ctx, path)
	require.NoError(t, err)
	defer s.Close()

	seq, hash, err := s.Tail(ctx)
	require.NoError(t, err)
	l := audit.NewLedger()
	l.Resume(seq, hash)
	require.NoError(t, s.WriteBatch(ctx, appendN(t, l, 2)))
	require.NoError(t, s.Verify(ctx), "chain continues across restarts")
}
