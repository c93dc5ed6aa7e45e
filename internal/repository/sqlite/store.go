// Package sqlite — локальный «бортовой самописец»: журнал аудита в одном файле
// для инстансов без Postgres.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	_ "modernc.org/sqlite" // Pure-Go SQLite driver
)

const columns = "id, seq, trace_id, agent_id, action, decision, rule, reason, policy, initiator_id, subjects, payload, prev_hash, hash, ts_micros"

type Store struct {
	db *sql.DB
}

// Open открывает (или создает) файл журнала. Путь ":memory:" — база в памяти.
func Open(ctx context.Context, path string) (*Store, error) {
	if path == "" {
		path = ":memory:"
	}
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("sqlite: create db directory: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// Один писатель: SQLite сериализует запись, а :memory: живет в одном соединении
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) init(ctx context.Context) error {
	stmts := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=FULL",
		"PRAGMA busy_timeout=5000",
		`CREATE TABLE IF NOT EXISTS audit_log (
			id           TEXT PRIMARY KEY,
			seq          INTEGER NOT NULL UNIQUE,
			trace_id     TEXT NOT NULL DEFAULT '',
			agent_id     TEXT NOT NULL,
			action       TEXT NOT NULL,
			decision     TEXT NOT NULL,
			rule         TEXT NOT NULL DEFAULT '',
			reason       TEXT NOT NULL DEFAULT '',
			policy       TEXT NOT NULL DEFAULT '',
			initiator_id TEXT NOT NULL DEFAULT '',
			subjects     TEXT NOT NULL DEFAULT '[]',
			payload      TEXT,
			prev_hash    TEXT NOT NULL,
			hash         TEXT NOT NULL,
			ts_micros    INTEGER NOT NULL
		)`,
		"CREATE INDEX IF NOT EXISTS idx_audit_log_agent ON audit_log(agent_id, seq)",
		"CREATE INDEX IF NOT EXISTS idx_audit_log_ts ON audit_log(ts_micros)",
	}
	for _, q := range stmts {
		if _, err := s.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("sqlite: init %q: %w", strings.SplitN(q, "\n", 2)[0], err)
		}
	}
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// WriteBatch пишет пачку в одной транзакции; существующие id пропускаются
func (s *Store) WriteBatch(ctx context.Context, entries []audit.AuditEntry) error {
	if len(entries) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx,
		"INSERT OR IGNORE INTO audit_log ("+columns+") VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)")
	if err != nil {
		return fmt.Errorf("sqlite: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		subjects, err := json.Marshal(e.Subjects)
		if err != nil {
			return fmt.Errorf("sqlite: marshal subjects: %w", err)
		}
		var payload sql.NullString
		if e.Payload != nil {
			b, err := json.Marshal(e.Payload)
			if err != nil {
				return fmt.Errorf("sqlite: marshal payload: %w", err)
			}
			payload = sql.NullString{String: string(b), Valid: true}
		}
		_, err = stmt.ExecContext(ctx, e.ID, e.Sequence, e.TraceID, e.AgentID, e.Action, string(e.Decision),
			e.Rule, e.Reason, e.Policy, e.InitiatorID, string(subjects), payload, e.PrevHash, e.Hash,
			e.Timestamp.UnixMicro())
		if err != nil {
			return fmt.Errorf("sqlite: insert entry %d: %w", e.Sequence, err)
		}
	}
	return tx.Commit()
}

// FetchLogs — выборка по фильтру в порядке добавления; Limit берет самые свежие
func (s *Store) FetchLogs(ctx context.Context, f audit.Filter) ([]audit.AuditEntry, error) {
	var (
		where []string
		args  []any
	)
	if f.AgentID != "" {
		where, args = append(where, "agent_id = ?"), append(args, f.AgentID)
	}
	if f.Action != "" {
		where, args = append(where, "action = ?"), append(args, f.Action)
	}
	if f.Decision != "" {
		where, args = append(where, "decision = ?"), append(args, string(f.Decision))
	}
	if !f.From.IsZero() {
		where, args = append(where, "ts_micros >= ?"), append(args, f.From.UnixMicro())
	}
	if !f.To.IsZero() {
		where, args = append(where, "ts_micros < ?"), append(args, f.To.UnixMicro())
	}

	query := "SELECT " + columns + " FROM audit_log"
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY seq DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query audit log: %w", err)
	}
	defer rows.Close()

	out := make([]audit.AuditEntry, 0)
	for rows.Next() {
		var (
			e        audit.AuditEntry
			decision string
			subjects string
			payload  sql.NullString
			micros   int64
		)
		if err := rows.Scan(&e.ID, &e.Sequence, &e.TraceID, &e.AgentID, &e.Action, &decision, &e.Rule,
			&e.Reason, &e.Policy, &e.InitiatorID, &subjects, &payload, &e.PrevHash, &e.Hash, &micros); err != nil {
			return nil, fmt.Errorf("sqlite: scan: %w", err)
		}
		e.Decision = domain.Verdict(decision)
		e.Timestamp = time.UnixMicro(micros).UTC()
		if err := json.Unmarshal([]byte(subjects), &e.Subjects); err != nil {
			return nil, fmt.Errorf("sqlite: decode subjects: %w", err)
		}
		if payload.Valid {
			if err := json.Unmarshal([]byte(payload.String), &e.Payload); err != nil {
				return nil, fmt.Errorf("sqlite: decode payload: %w", err)
			}
		}
		out = append(out, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: rows: %w", err)
	}
	slices.Reverse(out)
	return out, nil
}

// Tail — голова цепочки для Ledger.Resume
func (s *Store) Tail(ctx context.Context) (int64, string, error) {
	var (
		seq  int64
		hash string
	)
	err := s.db.QueryRowContext(ctx, "SELECT seq, hash FROM audit_log ORDER BY seq DESC LIMIT 1").Scan(&seq, &hash)
	if errors.Is(err, sql.ErrNoRows) {
		return 0, "", nil
	}
	if err != nil {
		return 0, "", fmt.Errorf("sqlite: tail: %w", err)
	}
	return seq, hash, nil
}

// Verify проверяет всю цепочку в файле
func (s *Store) Verify(ctx context.Context) error {
	entries, err := s.FetchLogs(ctx, audit.Filter{})
	if err != nil {
		return err
	}
	return audit.VerifyChain("", entries)
}
