package httpapi

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"timepulse/backend/internal/identity/service"
	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/server/interceptors"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

// TokenResponse is returned by login and refresh.
type TokenResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId"`
	Role             string    `json:"role"`
}

// TerminationResponse is returned by the admin terminate endpoint.
type TerminationResponse struct {
	UserID            string `json:"userId"`
	SessionsRevoked   int    `json:"sessionsRevoked"`
	ConnectionsClosed int    `json:"connectionsClosed"`
	TimerStopped      bool   `json:"timerStopped"`
}

func tokenResponse(res *service.AuthResult) TokenResponse {
	return TokenResponse{
		AccessToken:      res.AccessToken,
		RefreshToken:     res.RefreshToken,
		ExpiresAt:        res.ExpiresAt,
		RefreshExpiresAt: res.RefreshExpiresAt,
		UserID:           res.UserID,
		SessionID:        res.SessionID,
		Role:             res.Role,
	}
}

func (a *API) login(w http.ResponseWriter, r *http.Request) {
	var in loginRequest
	if err := decodeStrict(r, &in); err != nil || in.Email == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "email and password are required")
		return
	}
	res, err := a.auth.Login(r.Context(), in.Email, in.Password, clientIP(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(res))
}

func (a *API) refresh(w http.ResponseWriter, r *http.Request) {
	var in refreshRequest
	if err := decodeStrict(r, &in); err != nil || in.RefreshToken == "" {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "refreshToken is required")
		return
	}
	res, err := a.auth.Refresh(r.Context(), in.RefreshToken)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tokenResponse(res))
}

func (a *API) logout(w http.ResponseWriter, r *http.Request) {
	principal, _ := interceptors.PrincipalFrom(r.Context())
	if err := a.auth.Logout(r.Context(), principal); err != nil {
		logging.From(r.Context()).Error("logout failed", "user_id", principal.UserID, "error", err)
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *API) terminate(w http.ResponseWriter, r *http.Request) {
	principal, _ := interceptors.PrincipalFrom(r.Context())
	target := chi.URLParam(r, "userID")
	res, err := a.auth.TerminateUser(r.Context(), principal, target)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, TerminationResponse{
		UserID:            res.UserID,
		SessionsRevoked:   res.SessionsRevoked,
		ConnectionsClosed: res.ConnectionsClosed,
		TimerStopped:      res.TimerStopped,
	})
}
