package httpapi

import (
	"net/http"
	"time"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/server/interceptors"
	"timepulse/backend/internal/timer/domain"
)

type startTimerRequest struct {
	ProjectID string `json:"projectId"`
	TaskID    string `json:"taskId"`
	Label     string `json:"label,omitempty"`
}

// TimeEntry is the wire form of a time entry.
type TimeEntry struct {
	ID              string     `json:"id"`
	ProjectID       string     `json:"projectId"`
	TaskID          string     `json:"taskId"`
	Label           string     `json:"label,omitempty"`
	StartedAt       time.Time  `json:"startedAt"`
	StoppedAt       *time.Time `json:"stoppedAt,omitempty"`
	DurationSeconds int64      `json:"durationSeconds"`
}

// TimerResponse is returned by the start and stop endpoints.
type TimerResponse struct {
	Entry   TimeEntry      `json:"entry"`
	Event   presence.Event `json:"event"`
	Changed bool           `json:"changed"`
}

// PresenceResponse is the presence poll body.
type PresenceResponse struct {
	Entries []presence.Entry `json:"entries"`
	AsOf    int64            `json:"asOf"`
}

func timerResponse(res *bridge.Result) TimerResponse {
	return TimerResponse{Entry: entryWire(res.Entry), Event: res.Event, Changed: res.Changed}
}

func entryWire(e *domain.TimeEntry) TimeEntry {
	if e == nil {
		return TimeEntry{}
	}
	return TimeEntry{
		ID:              e.ID,
		ProjectID:       e.ProjectID,
		TaskID:          e.TaskID,
		Label:           e.Label,
		StartedAt:       e.StartedAt,
		StoppedAt:       e.StoppedAt,
		DurationSeconds: e.DurationSeconds,
	}
}

func (a *API) startTimer(w http.ResponseWriter, r *http.Request) {
	var in startTimerRequest
	if err := decodeStrict(r, &in); err != nil {
		writeError(w, http.StatusBadRequest, CodeInvalidRequest, "invalid request body")
		return
	}
	principal, _ := interceptors.PrincipalFrom(r.Context())
	res, err := a.timers.StartTimer(r.Context(), bridge.StartCommand{
		UserID:    principal.UserID,
		SessionID: principal.SessionID,
		ProjectID: in.ProjectID,
		TaskID:    in.TaskID,
		Label:     in.Label,
		Source:    bridge.SourceHTTP,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerResponse(res))
}

func (a *API) stopTimer(w http.ResponseWriter, r *http.Request) {
	principal, _ := interceptors.PrincipalFrom(r.Context())
	res, err := a.timers.StopTimer(r.Context(), bridge.StopCommand{
		UserID:    principal.UserID,
		SessionID: principal.SessionID,
		Source:    bridge.SourceHTTP,
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, timerResponse(res))
}

func (a *API) listPresence(w http.ResponseWriter, r *http.Request) {
	snap := a.presence.Snapshot()
	entries := snap.Entries
	if entries == nil {
		entries = []presence.Entry{}
	}
	writeJSON(w, http.StatusOK, PresenceResponse{Entries: entries, AsOf: snap.AsOf})
}
