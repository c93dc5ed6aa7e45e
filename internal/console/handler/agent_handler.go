package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
)

type AgentHandler struct {
	service *service.AgentService
}

func NewAgentHandler(s *service.AgentService) *AgentHandler {
	return &AgentHandler{service: s}
}

// List GET /v1/agents
func (h *AgentHandler) List(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.ListAgents())
}

// State GET /v1/agents/{id}/state
func (h *AgentHandler) State(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	state, err := h.service.GetState(id)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"agent_id": id, "state": string(state)})
}

type SignalRequest struct {
	Signal string `json:"signal"`
}

// Signal доставляет сигнал от имени оператора из токена.
// POST /v1/agents/{id}/signal
func (h *AgentHandler) Signal(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req SignalRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	state, err := h.service.Signal(operator(r), id, req.Signal)
	switch {
	case errors.Is(err, service.ErrUnknownSignal):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, service.ErrAgentNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, service.ErrSignalRejected):
		// Завершенный агент сигналы не принимает
		writeError(w, http.StatusConflict, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusOK, map[string]string{
			"agent_id": id,
			"signal":   req.Signal,
			"state":    string(state),
		})
	}
}

// Session GET /v1/agents/{id}/session
func (h *AgentHandler) Session(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.Session(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

// EndSession DELETE /v1/agents/{id}/session
func (h *AgentHandler) EndSession(w http.ResponseWriter, r *http.Request) {
	snap, err := h.service.EndSession(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, snap)
}
