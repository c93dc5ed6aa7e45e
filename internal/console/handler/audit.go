package handler

import (
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/xela07ax/spaceai-governance-kernel/internal/audit"
	"github.com/xela07ax/spaceai-governance-kernel/internal/console/service"
	"github.com/xela07ax/spaceai-governance-kernel/internal/domain"
)

type AuditHandler struct {
	service *service.AuditService
}

func NewAuditHandler(s *service.AuditService) *AuditHandler {
	return &AuditHandler{service: s}
}

// GetLogs возвращает записи журнала с фильтрацией.
// GET /v1/audit?agent_id=...&action=...&decision=DENY&from=RFC3339&to=RFC3339&limit=100
func (h *AuditHandler) GetLogs(w http.ResponseWriter, r *http.Request) {
	f, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	logs, err := h.service.GetLogs(r.Context(), f)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to fetch audit logs")
		return
	}
	writeJSON(w, http.StatusOK, logs)
}

// Verify GET /v1/audit/verify. Нарушенная цепочка — 409.
func (h *AuditHandler) Verify(w http.ResponseWriter, r *http.Request) {
	rep := h.service.Verify(r.Context())
	code := http.StatusOK
	if !rep.Valid {
		code = http.StatusConflict
	}
	writeJSON(w, code, rep)
}

// GetStats GET /v1/audit/stats?since=RFC3339
func (h *AuditHandler) GetStats(w http.ResponseWriter, r *http.Request) {
	since, err := parseTime(r.URL.Query().Get("since"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid since: "+err.Error())
		return
	}
	stats, err := h.service.GetStats(r.Context(), since)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to compute stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func parseFilter(r *http.Request) (audit.Filter, error) {
	q := r.URL.Query()
	f := audit.Filter{
		AgentID:  q.Get("agent_id"),
		Action:   q.Get("action"),
		Decision: domain.Verdict(strings.ToUpper(q.Get("decision"))),
	}
	var err error
	if f.From, err = parseTime(q.Get("from")); err != nil {
		return f, errBadParam("from", err)
	}
	if f.To, err = parseTime(q.Get("to")); err != nil {
		return f, errBadParam("to", err)
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return f, errBadParam("limit", err)
		}
		f.Limit = n
	}
	return f, nil
}

func parseTime(v string) (time.Time, error) {
	if v == "" {
		return time.Time{}, nil
	}
	return time.Parse(time.RFC3339, v)
}

type paramError struct {
	name string
	err  error
}

func (e *paramError) Error() string {
	if e.err == nil {
		return "invalid " + e.name
	}
	return "invalid " + e.name + ": " + e.err.Error()
}

func errBadParam(name string, err error) error { return &paramError{name: name, err: err} }
