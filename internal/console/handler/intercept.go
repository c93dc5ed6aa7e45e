package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
)

// InterceptHandler — граница вызова инструментов для адаптеров фреймворков
type InterceptHandler struct {
	kernel  *engine.Kernel
	gateway *engine.Gateway // nil — /v1/execute недоступен
}

func NewInterceptHandler(k *engine.Kernel, g *engine.Gateway) *InterceptHandler {
	return &InterceptHandler{kernel: k, gateway: g}
}

type InterceptRequest struct {
	AgentID       string         `json:"agent_id"`
	Tool          string         `json:"tool"`
	Arguments     map[string]any `json:"arguments"`
	ApprovalToken string         `json:"approval_token,omitempty"`
	Confidence    *float64       `json:"confidence,omitempty"`
	Drift         *float64       `json:"drift,omitempty"`
}

// toRequest: инициатор и права берутся из токена, тело запроса их не задает
func (ir InterceptRequest) toRequest(r *http.Request) domain.ToolCallRequest {
	opts := []domain.RequestOption{
		domain.WithApprovalToken(ir.ApprovalToken),
		domain.WithInitiator(operator(r)),
		domain.WithCapabilities(capabilities(r)...),
	}
	if ir.Confidence != nil {
		opts = append(opts, domain.WithConfidence(*ir.Confidence))
	}
	if ir.Drift != nil {
		opts = append(opts, domain.WithDrift(*ir.Drift))
	}
	return domain.NewToolCallRequest(ir.AgentID, ir.Tool, ir.Arguments, opts...)
}

// Intercept возвращает решение без исполнения. Любой вердикт — 200, решение в теле.
// POST /v1/intercept
func (h *InterceptHandler) Intercept(w http.ResponseWriter, r *http.Request) {
	var body InterceptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	d, err := h.kernel.Intercept(r.Context(), body.toRequest(r))
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

// Execute — полный цикл через шлюз: решение, исполнение, маскированный ответ.
// POST /v1/execute
func (h *InterceptHandler) Execute(w http.ResponseWriter, r *http.Request) {
	if h.gateway == nil {
		writeError(w, http.StatusNotImplemented, "executor is not configured")
		return
	}
	var body InterceptRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	res, err := h.gateway.ProcessAction(r.Context(), body.toRequest(r))
	switch {
	case errors.Is(err, engine.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case err != nil:
		// Решение уже принято и записано, сбой только на стороне целевой системы
		writeJSON(w, http.StatusBadGateway, map[string]any{"decision": res.Decision, "error": err.Error()})
	default:
		writeJSON(w, http.StatusOK, res)
	}
}
