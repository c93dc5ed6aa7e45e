package domain

import (
	"errors"
	"time"
)

// Статусы State Machine
type ApprovalStatus string

const (
	StatusPending  ApprovalStatus = "PENDING"
	StatusApproved ApprovalStatus = "APPROVED"
	StatusRejected ApprovalStatus = "REJECTED"
)

var (
	ErrInvalidTransition = errors.New("invalid approval status transition")
	ErrAlreadyProcessed  = errors.New("approval request already processed")
)

// ApprovalRequest — запрос, остановленный ядром с ESCALATE или DEFER.
// Исходный ToolCallRequest сохраняется целиком, чтобы после решения оператора
// вызов можно было детерминированно прогнать через весь путь перехвата заново.
type ApprovalRequest struct {
	ID      string          `json:"id"`
	AgentID string          `json:"agent_id"`
	Tool    string          `json:"tool"`
	Verdict Verdict         `json:"verdict"` // ESCALATE или DEFER
	Rule    string          `json:"rule"`
	Reason  string          `json:"reason"`
	Request ToolCallRequest `json:"-"`
	Status  ApprovalStatus  `json:"status"`

	// Токен выдается один раз при APPROVED и привязан к отпечатку запроса.
	// Хранится только его хэш.
	Token       string `json:"token,omitempty"`
	TokenHash   string `json:"-"`
	Fingerprint string `json:"fingerprint"`

	ReviewerID *string `json:"reviewer_id,omitempty"`
	Comment    *string `json:"comment,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// CanTransitionTo проверяет правила конечного автомата
func (a *ApprovalRequest) CanTransitionTo(next ApprovalStatus) error {
	if a.Status != StatusPending {
		return ErrAlreadyProcessed
	}
	if next == StatusPending {
		return ErrInvalidTransition
	}
	return nil
}
