package handlers

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
)

// writeJSON encodes v as JSON with the provided status code and a JSON
// content-type. Encode errors are intentionally ignored.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	if status != 0 {
		w.WriteHeader(status)
	}
	_ = json.NewEncoder(w).Encode(v)
}

// writeError returns plain-text HTTP errors.
func writeError(w http.ResponseWriter, status int, msg string) {
	http.Error(w, msg, status)
}

// pathVar returns the mux path var value (or empty string if missing).
func pathVar(r *http.Request, key string) string {
	return mux.Vars(r)[key]
}

// decodeJSON decodes JSON request bodies using the default decoder settings.
func decodeJSON(r *http.Request, dst any) error {
	return json.NewDecoder(r.Body).Decode(dst)
}

// parseLimit reads ?limit= clamped to [min, max], falling back to def.
func parseLimit(r *http.Request, def, min, max int) int {
	v := r.URL.Query().Get("limit")
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	if n < min {
		return min
	}
	if n > max {
		return max
	}
	return n
}
