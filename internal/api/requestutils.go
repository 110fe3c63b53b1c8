package api

import (
	"encoding/json"
	"net/http"

	"landrop/internal/middleware"
)

func decodeJSON(r *http.Request, v any) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// writeError 输出扁平的 {"error": kind} 错误体。
func writeError(w http.ResponseWriter, status int, kind string) {
	writeJSON(w, status, map[string]any{"error": kind})
}

// writeErrorDetails 在错误体上附加额外字段，如 max_bytes、total_chunks。
func writeErrorDetails(w http.ResponseWriter, status int, kind string, details map[string]any) {
	payload := map[string]any{"error": kind}
	for k, v := range details {
		payload[k] = v
	}
	writeJSON(w, status, payload)
}

func optionalClientID(r *http.Request) *string {
	if id := middleware.GetClientID(r.Context()); id != "" {
		return &id
	}
	return nil
}
