package handler

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
	"github.com/xela07ax/spaceai-governance-kernel/internal/policy"
)

const maxPolicyDocument = 1 << 20

type PolicyHandler struct {
	service *service.PolicyService
}

func NewPolicyHandler(s *service.PolicyService) *PolicyHandler {
	return &PolicyHandler{service: s}
}

// Effective возвращает скомпонованную политику, которую ядро применяет к агенту.
// GET /v1/policies/effective/{agent}
func (h *PolicyHandler) Effective(w http.ResponseWriter, r *http.Request) {
	p, err := h.service.Effective(chi.URLParam(r, "agent"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, p)
}

// Publish принимает YAML документ политик целиком и сохраняет новой версией.
// POST /v1/policies
func (h *PolicyHandler) Publish(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxPolicyDocument))
	if err != nil || len(body) == 0 {
		writeError(w, http.StatusBadRequest, "policy document is required")
		return
	}

	version, err := h.service.Publish(r.Context(), string(body), operator(r))
	switch {
	case errors.Is(err, service.ErrPublishDisabled):
		writeError(w, http.StatusNotImplemented, err.Error())
	case err != nil && version > 0:
		// Версия сохранена, но свой кэш не обновился
		writeJSON(w, http.StatusAccepted, map[string]any{"version": version, "error": err.Error()})
	case policy.IsConfigurationError(err):
		writeError(w, http.StatusUnprocessableEntity, err.Error())
	case err != nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		writeJSON(w, http.StatusCreated, map[string]any{"version": version})
	}
}

// Reload POST /v1/policies/reload
func (h *PolicyHandler) Reload(w http.ResponseWriter, r *http.Request) {
	if err := h.service.Reload(r.Context()); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
