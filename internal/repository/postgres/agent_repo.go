package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

// AgentRepo хранит последнее известное состояние агентов.
// TERMINATED поглощающее: запись с ним уже не перезаписывается.
type AgentRepo struct {
	db *sql.DB
}

func NewAgentRepo(db *sql.DB) *AgentRepo {
	return &AgentRepo{db: db}
}

// UpdateState — upsert состояния после перехода в диспетчере сигналов
func (r *AgentRepo) UpdateState(ctx context.Context, id string, state domain.AgentState, at time.Time) error {
	query := `
		INSERT INTO agents (id, state, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET state = EXCLUDED.state, updated_at = EXCLUDED.updated_at
		WHERE agents.state <> 'TERMINATED'`

	if _, err := r.db.ExecContext(ctx, query, id, string(state), at); err != nil {
		return fmt.Errorf("postgres: failed to update agent state: %w", err)
	}
	return nil
}

// TerminatedAgents возвращает ID всех остановленных навсегда агентов.
// Используется для прогрева диспетчера при старте.
func (r *AgentRepo) TerminatedAgents(ctx context.Context) ([]string, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id FROM agents WHERE state = 'TERMINATED'`)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to fetch terminated agents: %w", err)
	}
	defer rows.Close()

	ids := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("postgres: scan agent id error: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return ids, nil
}

// Ping проверяет доступность базы
func (r *AgentRepo) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
