package postgres

/*
Файл approval_repo.go хранит очередь ревью (Human-in-the-loop): запросы,
остановленные ядром с ESCALATE/DEFER, и решения операторов по ним.
*/

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

const approvalColumns = "id, agent_id, tool, verdict, rule, reason, request, status, fingerprint, token_hash, reviewer_id, comment, created_at, updated_at"

type ApprovalRepo struct {
	db *sql.DB
}

func NewApprovalRepo(db *sql.DB) *ApprovalRepo {
	return &ApprovalRepo{db: db}
}

// CreateApproval сохраняет запрос вместе с исходным ToolCallRequest
func (r *ApprovalRepo) CreateApproval(ctx context.Context, app *domain.ApprovalRequest) error {
	req, err := json.Marshal(app.Request)
	if err != nil {
		return fmt.Errorf("postgres: marshal request: %w", err)
	}
	query := `INSERT INTO approvals (id, agent_id, tool, verdict, rule, reason, request, status, fingerprint, created_at, updated_at)
	          VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err = r.db.ExecContext(ctx, query, app.ID, app.AgentID, app.Tool, string(app.Verdict), app.Rule, app.Reason,
		req, string(app.Status), app.Fingerprint, app.CreatedAt, app.UpdatedAt)
	if err != nil {
		return fmt.Errorf("postgres: failed to create approval request: %w", err)
	}
	return nil
}

// UpdateApprovalStatus атомарно фиксирует решение.
// Условие status = 'PENDING' исключает двойное решение при нескольких инстансах.
func (r *ApprovalRepo) UpdateApprovalStatus(ctx context.Context, app *domain.ApprovalRequest) error {
	query := `
		UPDATE approvals
		SET status = $1,
		    token_hash = $2,
		    reviewer_id = $3,
		    comment = $4,
		    updated_at = $5
		WHERE id = $6 AND status = 'PENDING'`

	res, err := r.db.ExecContext(ctx, query, string(app.Status), nullString(app.TokenHash),
		app.ReviewerID, app.Comment, app.UpdatedAt, app.ID)
	if err != nil {
		return fmt.Errorf("postgres: failed to update approval status: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("postgres: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("approval %s: %w", app.ID, domain.ErrAlreadyProcessed)
	}
	return nil
}

// GetApprovalByID возвращает (nil, nil), если заявки нет
func (r *ApprovalRepo) GetApprovalByID(ctx context.Context, id string) (*domain.ApprovalRequest, error) {
	row := r.db.QueryRowContext(ctx, "SELECT "+approvalColumns+" FROM approvals WHERE id = $1", id)
	app, err := scanApproval(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return app, err
}

// FindApprovals — выборка очереди; пустой статус означает все
func (r *ApprovalRepo) FindApprovals(ctx context.Context, status domain.ApprovalStatus) ([]*domain.ApprovalRequest, error) {
	query := "SELECT " + approvalColumns + " FROM approvals"
	var args []any
	if status != "" {
		query += " WHERE status = $1"
		args = append(args, string(status))
	}
	query += " ORDER BY created_at"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("postgres: failed to query approvals: %w", err)
	}
	defer rows.Close()

	results := make([]*domain.ApprovalRequest, 0)
	for rows.Next() {
		app, err := scanApproval(rows)
		if err != nil {
			return nil, err
		}
		results = append(results, app)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("postgres: rows iteration error: %w", err)
	}
	return results, nil
}

func scanApproval(row scanner) (*domain.ApprovalRequest, error) {
	var (
		app                            domain.ApprovalRequest
		verdict, status                string
		req                            []byte
		tokenHash, reviewerID, comment sql.NullString
	)
	err := row.Scan(&app.ID, &app.AgentID, &app.Tool, &verdict, &app.Rule, &app.Reason, &req, &status,
		&app.Fingerprint, &tokenHash, &reviewerID, &comment, &app.CreatedAt, &app.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("postgres: failed to scan approval: %w", err)
	}
	app.Verdict = domain.Verdict(verdict)
	app.Status = domain.ApprovalStatus(status)
	if err := json.Unmarshal(req, &app.Request); err != nil {
		return nil, fmt.Errorf("postgres: decode request: %w", err)
	}

	// Маппим NULL значения
	app.TokenHash = tokenHash.String
	if reviewerID.Valid {
		val := reviewerID.String
		app.ReviewerID = &val
	}
	if comment.Valid {
		val := comment.String
		app.Comment = &val
	}
	return &app, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
