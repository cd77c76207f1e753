// Package adminapi is the HTTP-only admin surface: health, metrics, and
// read-only debug views into the Client Registry, Pipeline Engine and
// Recovery Subsystem. It is purely operational tooling, not the bus
// surface clients and approvers call.
package adminapi

import (
	"encoding/json"
	"net/http"
)

// ErrorResponse is the JSON body of every non-2xx admin API response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func writeJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, ErrorResponse{Error: code, Message: message})
}

func writeNotFound(w http.ResponseWriter, message string) {
	writeError(w, http.StatusNotFound, "not_found", message)
}
