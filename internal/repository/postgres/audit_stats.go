package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// Stats считает агрегаты по журналу в БД за окно [since, now).
// Используется операторским API, когда в памяти ядра только хвост журнала.
func (r *AuditRepo) Stats(ctx context.Context, since time.Time) (domain.GlobalStats, error) {
	st := domain.GlobalStats{
		ByVerdict: make(map[domain.Verdict]int64),
		TopTools:  make(map[string]int64),
	}

	// 1. Итоги по вердиктам и уникальные агенты
	var allow, deny, escalate, deferred int64
	err := r.db.QueryRowContext(ctx, `
		SELECT
			COUNT(*),
			COUNT(*) FILTER (WHERE decision = 'ALLOW'),
			COUNT(*) FILTER (WHERE decision = 'DENY'),
			COUNT(*) FILTER (WHERE decision = 'ESCALATE'),
			COUNT(*) FILTER (WHERE decision = 'DEFER'),
			COUNT(DISTINCT agent_id)
		FROM audit_logs
		WHERE timestamp >= $1`, since).Scan(
		&st.TotalDecisions,
		&allow, &deny, &escalate, &deferred,
		&st.UniqueAgents,
	)
	if err != nil {
		return domain.GlobalStats{}, fmt.Errorf("postgres: audit totals: %w", err)
	}
	st.ByVerdict[domain.VerdictAllow] = allow
	st.ByVerdict[domain.VerdictDeny] = deny
	st.ByVerdict[domain.VerdictEscalate] = escalate
	st.ByVerdict[domain.VerdictDefer] = deferred
	if st.TotalDecisions > 0 {
		st.DenyRatio = float64(st.ByVerdict[domain.VerdictDeny]) / float64(st.TotalDecisions)
	}

	// 2. Самые частые действия
	rows, err := r.db.QueryContext(ctx, `
		SELECT action, COUNT(*) AS cnt
		FROM audit_logs
		WHERE timestamp >= $1
		GROUP BY action
		ORDER BY cnt DESC, action
		LIMIT 5`, since)
	if err != nil {
		return domain.GlobalStats{}, fmt.Errorf("postgres: top tools: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var (
			action string
			cnt    int64
		)
		if err := rows.Scan(&action, &cnt); err != nil {
			return domain.GlobalStats{}, fmt.Errorf("postgres: scan top tool: %w", err)
		}
		st.TopTools[action] = cnt
	}
	if err := rows.Err(); err != nil {
		return domain.GlobalStats{}, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return st, nil
}
