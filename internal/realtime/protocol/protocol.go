// Package protocol defines the JSON messages exchanged over the presence socket. Presence
// events themselves are presence.Event values and travel unwrapped.
package protocol

import (
	"encoding/json"

	"timepulse/backend/internal/presence"
)

// Server to client message types, in addition to presence.EventStarted and presence.EventStopped.
const (
	TypeSnapshot       = "presence_snapshot"
	TypeAck            = "ack"
	TypeError          = "error"
	TypeSessionRevoked = "session_revoked"
	TypeSessionExpired = "session_expired"
)

// Client to server message types.
const (
	TypeTimerStart      = "timer_start"
	TypeTimerStop       = "timer_stop"
	TypeSnapshotRequest = "snapshot_request"
)

// Error codes carried in ErrorMessage.
const (
	CodeInvalidMessage = "invalid_message"
	CodeUnknownType    = "unknown_type"
	CodeInvalidCommand = "invalid_command"
	CodeNotRunning     = "not_running"
	CodeUnavailable    = "unavailable"
	CodeInternal       = "internal"
)

// Envelope is decoded first to dispatch on Type.
type Envelope struct {
	Type string `json:"type"`
	Ref  string `json:"ref,omitempty"`
}

// ClientMessage is any client to server message.
type ClientMessage struct {
	Type      string `json:"type"`
	Ref       string `json:"ref,omitempty"`
	ProjectID string `json:"projectId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	Label     string `json:"label,omitempty"`
}

// SnapshotMessage carries the full presence table.
type SnapshotMessage struct {
	Type    string           `json:"type"`
	Ref     string           `json:"ref,omitempty"`
	Entries []presence.Entry `json:"entries"`
	AsOf    int64            `json:"asOf"`
}

// AckMessage answers a client command with the resulting event.
type AckMessage struct {
	Type  string          `json:"type"`
	Ref   string          `json:"ref,omitempty"`
	Event *presence.Event `json:"event,omitempty"`
}

// ErrorMessage answers a client command that failed.
type ErrorMessage struct {
	Type    string `json:"type"`
	Ref     string `json:"ref,omitempty"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// ControlMessage announces that the server is closing the connection.
type ControlMessage struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// Snapshot builds a snapshot message.
func Snapshot(ref string, s presence.Snapshot) SnapshotMessage {
	entries := s.Entries
	if entries == nil {
		entries = []presence.Entry{}
	}
	return SnapshotMessage{Type: TypeSnapshot, Ref: ref, Entries: entries, AsOf: s.AsOf}
}

// Ack builds an ack message.
func Ack(ref string, ev presence.Event) AckMessage {
	return AckMessage{Type: TypeAck, Ref: ref, Event: &ev}
}

// Error builds an error message.
func Error(ref, code, message string) ErrorMessage {
	return ErrorMessage{Type: TypeError, Ref: ref, Code: code, Message: message}
}

// SessionRevoked builds the control message sent before closing a revoked session.
func SessionRevoked(reason string) ControlMessage {
	return ControlMessage{Type: TypeSessionRevoked, Reason: reason}
}

// SessionExpired builds the control message sent before closing an expired session.
func SessionExpired() ControlMessage {
	return ControlMessage{Type: TypeSessionExpired}
}

// Encode marshals v. Message types here always marshal, so errors are dropped.
func Encode(v any) []byte {
	b, _ := json.Marshal(v)
	return b
}
