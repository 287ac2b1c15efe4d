package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"
)

// WriteJSON writes a JSON response with the specified status code and data.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}

// WriteError writes a standard error JSON response.
func WriteError(w http.ResponseWriter, statusCode int, message string) error {
	return WriteJSON(w, statusCode, map[string]string{
		"status": "error",
		"error":  message,
	})
}

// WriteStarted writes a standard "started" JSON response for async operations.
func WriteStarted(w http.ResponseWriter, message string, requestID string) error {
	return WriteJSON(w, http.StatusAccepted, map[string]string{
		"status":     "started",
		"message":    message,
		"request_id": requestID,
	})
}

// QueryInt reads a non-negative integer query parameter.
// Returns fallback when the parameter is absent, and ok=false when it is malformed.
func QueryInt(r *http.Request, key string, fallback int) (value int, ok bool) {
	raw := r.URL.Query().Get(key)
	if raw == "" {
		return fallback, true
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

// QueryBool reads a boolean query parameter. Absent or malformed values are false.
func QueryBool(r *http.Request, key string) bool {
	b, err := strconv.ParseBool(r.URL.Query().Get(key))
	return err == nil && b
}
