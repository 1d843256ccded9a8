package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/identity/service"
)

// Error codes carried in error bodies. Clients branch on these, not on messages.
const (
	CodeInvalidRequest      = "invalid_request"
	CodeUnauthenticated     = "unauthenticated"
	CodeTokenRevoked        = "token_revoked"
	CodeInvalidCredentials  = "invalid_credentials"
	CodeInvalidRefreshToken = "invalid_refresh_token"
	CodeRefreshTokenReuse   = "refresh_token_reuse"
	CodeForbidden           = "forbidden"
	CodeNotFound            = "not_found"
	CodeNotRunning          = "not_running"
	CodeRateLimited         = "rate_limited"
	CodeUnavailable         = "unavailable"
	CodeInternal            = "internal"
)

// ErrorResponse is the body of every non-2xx JSON response.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, status int, code, msg string) {
	writeJSON(w, status, ErrorResponse{Error: msg, Code: code})
}

// decodeStrict decodes a JSON body and rejects unknown fields.
func decodeStrict(r *http.Request, value any) error {
	dec := json.NewDecoder(http.MaxBytesReader(nil, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	return dec.Decode(value)
}

// writeServiceError maps auth and timer sentinels to a status and code. Unknown errors are
// reported as internal without detail.
func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, service.ErrLedgerUnavailable):
		writeError(w, http.StatusServiceUnavailable, CodeUnavailable, "authorization temporarily unavailable")
	case errors.Is(err, service.ErrTokenRevoked):
		writeError(w, http.StatusUnauthorized, CodeTokenRevoked, err.Error())
	case errors.Is(err, service.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, CodeUnauthenticated, err.Error())
	case errors.Is(err, service.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, CodeInvalidCredentials, err.Error())
	case errors.Is(err, service.ErrRefreshTokenReuse):
		writeError(w, http.StatusUnauthorized, CodeRefreshTokenReuse, err.Error())
	case errors.Is(err, service.ErrInvalidRefreshToken):
		writeError(w, http.StatusUnauthorized, CodeInvalidRefreshToken, err.Error())
	case errors.Is(err, service.ErrForbidden):
		writeError(w, http.StatusForbidden, CodeForbidden, err.Error())
	case errors.Is(err, service.ErrUserNotFound):
		writeError(w, http.StatusNotFound, CodeNotFound, err.Error())
	case errors.Is(err, bridge.ErrInvalidCommand):
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, err.Error())
	case errors.Is(err, bridge.ErrNotRunning):
		writeError(w, http.StatusNotFound, CodeNotRunning, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, CodeInternal, "internal error")
	}
}
