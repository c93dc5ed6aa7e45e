package domain

import (
	"maps"
	"slices"
	"time"
)

// ToolCallRequest — запрос агента на вызов инструмента.
// После NewToolCallRequest не меняется: аргументы копируются глубоко.
type ToolCallRequest struct {
	AgentID   string         `json:"agent_id"`
	Tool      string         `json:"tool"`
	Arguments map[string]any `json:"arguments"`
	Timestamp time.Time      `json:"timestamp"`

	// Необязательные поля, которые передает адаптер фреймворка
	ApprovalToken string   `json:"approval_token,omitempty"`
	Confidence    *float64 `json:"confidence,omitempty"`
	Drift         *float64 `json:"drift,omitempty"`
	Capabilities  []string `json:"capabilities,omitempty"` // Права актора для Constraint Graph
	InitiatorID   string   `json:"initiator_id,omitempty"` // Кто инициировал вызов (оператор, сервисный аккаунт)
}

// RequestOption дополняет запрос необязательными полями
type RequestOption func(*ToolCallRequest)

func WithApprovalToken(token string) RequestOption {
	return func(r *ToolCallRequest) { r.ApprovalToken = token }
}

func WithConfidence(score float64) RequestOption {
	return func(r *ToolCallRequest) { r.Confidence = &score }
}

func WithDrift(score float64) RequestOption {
	return func(r *ToolCallRequest) { r.Drift = &score }
}

func WithCapabilities(caps ...string) RequestOption {
	return func(r *ToolCallRequest) { r.Capabilities = slices.Clone(caps) }
}

func WithInitiator(id string) RequestOption {
	return func(r *ToolCallRequest) { r.InitiatorID = id }
}

func WithTimestamp(ts time.Time) RequestOption {
	return func(r *ToolCallRequest) { r.Timestamp = ts }
}

func NewToolCallRequest(agentID, tool string, args map[string]any, opts ...RequestOption) ToolCallRequest {
	r := ToolCallRequest{
		AgentID:   agentID,
		Tool:      tool,
		Arguments: CloneArguments(args),
		Timestamp: time.Now().UTC(),
	}
	for _, opt := range opts {
		opt(&r)
	}
	return r
}

// WithToken возвращает копию запроса с токеном подтверждения (для повторного прогона после HITL)
func (r ToolCallRequest) WithToken(token string) ToolCallRequest {
	c := r.clone()
	c.ApprovalToken = token
	return c
}

func (r ToolCallRequest) clone() ToolCallRequest {
	c := r
	c.Arguments = CloneArguments(r.Arguments)
	c.Capabilities = slices.Clone(r.Capabilities)
	if r.Confidence != nil {
		v := *r.Confidence
		c.Confidence = &v
	}
	if r.Drift != nil {
		v := *r.Drift
		c.Drift = &v
	}
	return c
}

// CloneArguments копирует вложенные map/slice. Скалярные значения JSON-совместимы и неизменяемы.
func CloneArguments(args map[string]any) map[string]any {
	if args == nil {
		return map[string]any{}
	}
	out := make(map[string]any, len(args))
	for k, v := range args {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch t := v.(type) {
	case map[string]any:
		return CloneArguments(t)
	case []any:
		out := make([]any, len(t))
		for i, item := range t {
			out[i] = cloneValue(item)
		}
		return out
	case []string:
		return slices.Clone(t)
	case map[string]string:
		return maps.Clone(t)
	default:
		return v
	}
}
