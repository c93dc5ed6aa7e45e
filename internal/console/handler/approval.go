package handler

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
	"github.com/xela07ax/spaceai-governance-kernel/internal/engine"
)

// ApprovalHandler — очередь Human-in-the-loop
type ApprovalHandler struct {
	service *service.ReviewService
}

func NewApprovalHandler(s *service.ReviewService) *ApprovalHandler {
	return &ApprovalHandler{service: s}
}

// List GET /v1/reviews?status=PENDING|APPROVED|REJECTED|ALL
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	switch status {
	case "":
		status = "PENDING" // Дефолт для удобства админки
	case "all", "ALL":
		status = ""
	}
	writeJSON(w, http.StatusOK, h.service.List(status))
}

// GetDetails GET /v1/reviews/{id}
func (h *ApprovalHandler) GetDetails(w http.ResponseWriter, r *http.Request) {
	item, err := h.service.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

type DecideRequest struct {
	Approved bool   `json:"approved"`
	Comment  string `json:"comment"`
}

// Decide POST /v1/reviews/{id}/decide. При одобрении в ответе единственный раз виден токен.
func (h *ApprovalHandler) Decide(w http.ResponseWriter, r *http.Request) {
	var req DecideRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	item, err := h.service.Decide(chi.URLParam(r, "id"), req.Approved, operator(r), req.Comment)
	if err != nil {
		writeError(w, reviewStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, item)
}

// Replay POST /v1/reviews/{id}/replay: повторный прогон одобренного запроса
func (h *ApprovalHandler) Replay(w http.ResponseWriter, r *http.Request) {
	d, err := h.service.Replay(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, reviewStatus(err), err.Error())
		return
	}
	writeJSON(w, http.StatusOK, d)
}

func reviewStatus(err error) int {
	switch {
	case errors.Is(err, engine.ErrReviewNotFound):
		return http.StatusNotFound
	case errors.Is(err, engine.ErrAlreadyDecided),
		errors.Is(err, engine.ErrReviewPending),
		errors.Is(err, engine.ErrReviewRejected):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}
