package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib" // Драйвер Postgres
)

// Open открывает пул через pgx stdlib и проверяет соединение
func Open(ctx context.Context, connString string) (*sql.DB, error) {
	db, err := sql.Open("pgx", connString)
	if err != nil {
		return nil, fmt.Errorf("postgres: open: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("postgres: ping: %w", err)
	}
	return db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS audit_logs (
	id           UUID PRIMARY KEY,
	seq          BIGINT NOT NULL UNIQUE,
	trace_id     TEXT NOT NULL DEFAULT '',
	agent_id     TEXT NOT NULL,
	action       TEXT NOT NULL,
	decision     TEXT NOT NULL,
	rule         TEXT NOT NULL DEFAULT '',
	reason       TEXT NOT NULL DEFAULT '',
	policy       TEXT NOT NULL DEFAULT '',
	initiator_id TEXT NOT NULL DEFAULT '',
	subjects     JSONB NOT NULL DEFAULT '[]',
	payload      JSONB,
	prev_hash    TEXT NOT NULL,
	hash         TEXT NOT NULL,
	timestamp    TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audit_agent ON audit_logs (agent_id, seq);

CREATE TABLE IF NOT EXISTS approvals (
	id          UUID PRIMARY KEY,
	agent_id    TEXT NOT NULL,
	tool        TEXT NOT NULL,
	verdict     TEXT NOT NULL,
	rule        TEXT NOT NULL DEFAULT '',
	reason      TEXT NOT NULL DEFAULT '',
	request     JSONB NOT NULL,
	status      TEXT NOT NULL,
	fingerprint TEXT NOT NULL,
	token_hash  TEXT,
	reviewer_id TEXT,
	comment     TEXT,
	created_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
	updated_at  TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS agents (
	id         TEXT PRIMARY KEY,
	state      TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);

CREATE TABLE IF NOT EXISTS policy_documents (
	version    BIGSERIAL PRIMARY KEY,
	body       TEXT NOT NULL,
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
);`

// Migrate создает таблицы, если их нет. Запросы идемпотентны.
func Migrate(ctx context.Context, db *sql.DB) error {
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("postgres: migrate: %w", err)
	}
	return nil
}
