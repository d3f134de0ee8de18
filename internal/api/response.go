package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
)

// envelope is the body of every admin API response.
type envelope struct {
	Data  any    `json:"data,omitempty"`
	Total *int   `json:"total,omitempty"`
	Limit int    `json:"limit,omitempty"`
	Error string `json:"error,omitempty"`
}

func JSON(w http.ResponseWriter, status int, data any) {
	writeJSON(w, status, envelope{Data: data})
}

// JSONList writes one page of a collection holding total items.
func JSONList(w http.ResponseWriter, data any, total, limit int) {
	writeJSON(w, http.StatusOK, envelope{Data: data, Total: &total, Limit: limit})
}

func JSONError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, envelope{Error: message})
}

func writeJSON(w http.ResponseWriter, status int, body envelope) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(body); err != nil {
		slog.Debug("writing response body", "error", err)
	}
}
