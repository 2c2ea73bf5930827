package httpx

import (
	"encoding/json"
	"net/http"
)

// writeJSON writes JSON response with status code.
func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

// writeError sends an error message.
func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

// ToolResponse is the envelope every tool call answers with.
type ToolResponse struct {
	Success bool   `json:"success"`
	Result  any    `json:"result,omitempty"`
	Error   string `json:"error,omitempty"`
	Hint    string `json:"hint,omitempty"`
}

func writeToolResult(w http.ResponseWriter, result any) {
	writeJSON(w, http.StatusOK, ToolResponse{Success: true, Result: result})
}

func writeToolError(w http.ResponseWriter, status int, msg, hint string) {
	writeJSON(w, status, ToolResponse{Success: false, Error: msg, Hint: hint})
}
