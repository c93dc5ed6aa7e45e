package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

const auditColumns = "id, seq, trace_id, agent_id, action, decision, rule, reason, policy, initiator_id, subjects, payload, prev_hash, hash, timestamp"

// AuditRepo — audit.Store поверх Postgres
type AuditRepo struct {
	db *sql.DB
}

func NewAuditRepo(db *sql.DB) *AuditRepo {
	return &AuditRepo{db: db}
}

// WriteBatch — пакетная вставка одним запросом. Повтор той же пачки безопасен:
// записи с уже существующим id пропускаются.
func (r *AuditRepo) WriteBatch(ctx context.Context, entries []audit.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}

	// Количество колонок в таблице audit_logs
	const numFields = 15
	var placeholders strings.Builder
	vals := make([]any, 0, len(entries)*numFields)

	// Динамически строим запрос для пакетной вставки
	for i, e := range entries {
		if i > 0 {
			placeholders.WriteString(", ")
		}
		placeholders.WriteString("(")
		for f := 1; f <= numFields; f++ {
			if f > 1 {
				placeholders.WriteString(", ")
			}
			fmt.Fprintf(&placeholders, "$%d", i*numFields+f)
		}
		placeholders.WriteString(")")

		subjects, err := json.Marshal(nonNil(e.Subjects))
		if err != nil {
			return fmt.Errorf("postgres: marshal subjects: %w", err)
		}
		payload, err := json.Marshal(e.Payload)
		if err != nil {
			return fmt.Errorf("postgres: marshal payload: %w", err)
		}

		vals = append(vals,
			e.ID, e.Sequence, e.TraceID, e.AgentID, e.Action, string(e.Decision), e.Rule, e.Reason,
			e.Policy, e.InitiatorID, subjects, payload, e.PrevHash, e.Hash, e.Timestamp,
		)
	}

	query := fmt.Sprintf("INSERT INTO audit_logs (%s) VALUES %s ON CONFLICT (id) DO NOTHING",
		auditColumns, placeholders.String())

	if _, err := r.db.ExecContext(ctx, query, vals...); err != nil {
		return fmt.Errorf("postgres: write audit batch: %w", err)
	}
	return nil
}

// FetchLogs — выборка по фильтру в порядке добавления. Limit берет самые свежие записи.
func (r *AuditRepo) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	add := func(cond string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(cond, len(args)))
	}
	if f.AgentID != "" {
		add("agent_id = $%d", f.AgentID)
	}
	if f.Action != "" {
		add("action = $%d", f.Action)
	}
	if f.Decision != "" {
		add("decision = $%d", string(f.Decision))
	}
	if !f.From.IsZero() {
		add("timestamp >= $%d", f.From)
	}
	if !f.To.IsZero() {
		add("timestamp < $%d", f.To)
	}

	query := "SELECT " + auditColumns + " FROM audit_logs"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		args = append(args, f.Limit)
		query += fmt.Sprintf(" LIMIT $%d", len(args))
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query audit logs: %w", err)
	}
	defer rows.Close()

	// Инициализируем пустой слайс, чтобы в JSON был [] вместо null
	out := make([]audit.AuditEntry, 0)
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Tail — голова цепочки для продолжения после рестарта
func (r *AuditRepo) Tail(ctx context.Context) (int64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := r.db.QueryRowContext(ctx, "SELECT seq, hash FROM audit_logs ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("postgres: audit tail: %w", err)
	}
	return seq, hash, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(row scanner) (audit.AuditEntry, error) {
	var (
		e                 audit.AuditEntry
		decision          string
		subjects, payload []byte
	)
	err := row.Scan(&e.ID, &e.Sequence, &e.TraceID, &e.AgentID, &e.Action, &decision, &e.Rule, &e.Reason,
		&e.Policy, &e.InitiatorID, &subjects, &payload, &e.PrevHash, &e.Hash, &e.Timestamp)
	if err != nil {
		return audit.AuditEntry{}, fmt.Errorf("postgres: failed to scan audit entry: %w", err)
	}
	e.Decision = domain.Verdict(decision)
	e.Timestamp = e.Timestamp.UTC()
	if len(subjects) > 0 {
		if err := json.Unmarshal(subjects, &e.Subjects); err != nil {
			return audit.AuditEntry{}, fmt.Errorf("postgres: decode subjects: %w", err)
		}
		if len(e.Subjects) == 0 {
			e.Subjects = nil
		}
	}
	if len(payload) > 0 && string(payload) != "null" {
		if err := json.Unmarshal(payload, &e.Payload); err != nil {
			return audit.AuditEntry{}, fmt.Errorf("postgres: decode payload: %w", err)
		}
	}
	return e, nil
}

func nonNil(s []string) []string {
	if s == nil {
		return []string{}
	}
	return s
}
