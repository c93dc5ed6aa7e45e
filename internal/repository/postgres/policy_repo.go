package postgres

/*
Файл policy_repo.go хранит версии документа политик. Ядро проверяет политики
в памяти, а здесь лежит долговременная история: каждая публикация — новая версия.
*/

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"

	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
)

// PolicyRepo реализует policy.Source: Refresh реестра читает последнюю версию
type PolicyRepo struct {
	db *sql.DB
}

func NewPolicyRepo(db *sql.DB) *PolicyRepo {
	return &PolicyRepo{db: db}
}

var ErrNoPolicyDocument = errors.New("postgres: no policy document published")

// LoadPolicies выполняет «холодную загрузку» последней опубликованной версии
func (r *PolicyRepo) LoadPolicies(ctx context.Context) (*policy.Set, error) {
	var body string
	err := r.db.QueryRowContext(ctx,
		`SELECT body FROM policy_documents ORDER BY version DESC LIMIT 1`).Scan(&body)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNoPolicyDocument
	}
	if err != nil {
		return nil, fmt.Errorf("postgres: load policy document: %w", err)
	}
	return policy.Load(strings.NewReader(body))
}

// Publish проверяет документ и сохраняет его новой версией.
// Невалидный документ не попадает в БД.
func (r *PolicyRepo) Publish(ctx context.Context, body, author string) (int64, error) {
	if _, err := policy.Load(strings.NewReader(body)); err != nil {
		return 0, err
	}
	var version int64
	err := r.db.QueryRowContext(ctx,
		`INSERT INTO policy_documents (body, created_by) VALUES ($1, $2) RETURNING version`,
		body, author).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("postgres: failed to publish policy document: %w", err)
	}
	return version, nil
}
