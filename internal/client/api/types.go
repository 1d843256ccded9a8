package api

import (
	"time"

	"timepulse/backend/internal/presence"
)

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

type refreshRequest struct {
	RefreshToken string `json:"refreshToken"`
}

type startTimerRequest struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
	Label     string `json:"label,omitempty"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

type TokenResponse struct {
	AccessToken      string    `json:"accessToken"`
	RefreshToken     string    `json:"refreshToken"`
	ExpiresAt        time.Time `json:"expiresAt"`
	RefreshExpiresAt time.Time `json:"refreshExpiresAt"`
	UserID           string    `json:"userId"`
	SessionID        string    `json:"sessionId"`
	Role             string    `json:"role"`
}

type TimeEntry struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	TaskID          string     `json:"taskId"`
	Label           string     `json:"label,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	StoppedAt       *time.Time `json:"stoppedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
}

type TimerResponse struct {
	Entry   TimeEntry      `json:"entry"`
	Event   presence.Event `json:"event"`
	Changed bool           `json:"changed"`
}

type TerminationResponse struct {
	UserID            string `json:"userId"`
	SessionsRevoked   int    `json:"sessionsRevoked"`
	ConnectionsClosed int    `json:"connectionsClosed"`
	TimerStopped      bool   `json:"timerStopped"`
}
