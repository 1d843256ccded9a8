// Package telemetry defines the telemetry event emitted for presence and auth activity and
// the best-effort emitters that carry it to OTel logs and Kafka.
package telemetry

import (
	"encoding/json"
	"time"
)

// Event types emitted by the server.
const (
	EventTimerStarted      = "timer_started"
	EventTimerStopped      = "timer_stopped"
	EventSessionTerminated = "session_terminated"
	EventConnectionOpened  = "connection_opened"
	EventConnectionReaped  = "connection_reaped"
	EventGRPCRequest       = "grpc_request"
	EventHTTPRequest       = "http_request"
)

// Event is one telemetry record. Metadata is free-form JSON.
type Event struct {
	UserID    string          `json:"userId,omitempty"`
	SessionID string          `json:"sessionId,omitempty"`
	EventType string          `json:"eventType"`
	Source    string          `json:"source"`
	Metadata  json.RawMessage `json:"metadata,omitempty"`
	CreatedAt time.Time       `json:"createdAt"`
}

// NewEvent returns an event stamped with the current UTC time. meta is marshalled to JSON;
// a nil meta leaves Metadata empty.
func NewEvent(eventType, source, userID, sessionID string, meta any) *Event {
	ev := &Event{
		UserID:    userID,
		SessionID: sessionID,
		EventType: eventType,
		Source:    source,
		CreatedAt: time.Now().UTC(),
	}
	if meta != nil {
		if b, err := json.Marshal(meta); err == nil {
			ev.Metadata = b
		}
	}
	return ev
}
