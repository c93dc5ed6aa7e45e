package handler

import (
	"encoding/json"
	"net/http"

	"github.com/xela07ax/spaceai-governance-kernel/internal/infra/auth"
)

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}

// operator — ID оператора из проверенного токена
func operator(r *http.Request) string {
	if c, ok := auth.ClaimsFrom(r.Context()); ok {
		return c.UserID
	}
	return ""
}

// capabilities — права оператора для Constraint Graph
func capabilities(r *http.Request) []string {
	if c, ok := auth.ClaimsFrom(r.Context()); ok {
		return c.Capabilities()
	}
	return nil
}
