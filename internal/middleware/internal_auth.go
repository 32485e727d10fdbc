package middleware

import (
	"crypto/subtle"
	"net/http"
	"os"
	"strings"
)

// InternalAuth protects the direct dispatch endpoints. Two callers are
// allowed: internal services presenting X-Internal-Secret, and session-carrying
// dashboard requests that an upstream gateway has already authenticated and
// stamped with X-Authenticated-Owner.
func InternalAuth(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if internalSecretOK(r) || sessionOwner(r) != "" {
			next.ServeHTTP(w, r)
			return
		}
		http.Error(w, "forbidden", http.StatusForbidden)
	})
}

func internalSecretOK(r *http.Request) bool {
	secret := strings.TrimSpace(os.Getenv("INTERNAL_API_SECRET"))
	if secret == "" {
		return false
	}
	got := strings.TrimSpace(r.Header.Get("X-Internal-Secret"))
	return subtle.ConstantTimeCompare([]byte(got), []byte(secret)) == 1
}

// sessionOwner returns the owner id the gateway authenticated, if any.
func sessionOwner(r *http.Request) string {
	return strings.TrimSpace(r.Header.Get("X-Authenticated-Owner"))
}
