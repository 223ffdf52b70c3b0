package server

import (
	"encoding/json"
	"net/http"
	"strings"

	"github.com/enskill/enskill-server/internal/apperrors"
)

const (
	contentTypeHTML = "text/html; charset=utf-8"
	contentTypeJSON = "application/json; charset=utf-8"
)

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", contentTypeJSON)
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func jsonError(w http.ResponseWriter, message string, status int) {
	writeJSON(w, status, map[string]string{"error": message})
}

// errorStatus maps the error taxonomy onto HTTP status codes. Upstream
// failures from GitHub surface as 502 with the upstream detail preserved in
// the message.
func errorStatus(err error) int {
	switch {
	case apperrors.IsValidation(err):
		return http.StatusBadRequest
	case apperrors.IsAuth(err):
		return http.StatusUnauthorized
	case apperrors.IsUpstream(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}

// bearerToken extracts the token from an Authorization header, or "" when
// the header is missing or not a bearer scheme.
func bearerToken(r *http.Request) string {
	parts := strings.SplitN(r.Header.Get("Authorization"), " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
