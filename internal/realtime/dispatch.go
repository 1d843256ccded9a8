package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/gorilla/websocket"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/realtime/protocol"
)

const commandTimeout = 5 * time.Second

// handleInbound runs on the connection's reader goroutine. Replies go through the send queue.
func (r *Registry) handleInbound(ctx context.Context, c *Conn, data []byte) {
	var msg protocol.ClientMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		c.Enqueue(protocol.Encode(protocol.Error("", protocol.CodeInvalidMessage, "message is not valid JSON")))
		return
	}
	switch msg.Type {
	case protocol.TypeSnapshotRequest:
		if r.snapshots == nil {
			c.Enqueue(protocol.Encode(protocol.Error(msg.Ref, protocol.CodeUnavailable, "snapshots unavailable")))
			return
		}
		c.Enqueue(protocol.Encode(protocol.Snapshot(msg.Ref, r.snapshots.Snapshot())))
	case protocol.TypeTimerStart, protocol.TypeTimerStop:
		r.handleCommand(ctx, c, msg)
	default:
		c.Enqueue(protocol.Encode(protocol.Error(msg.Ref, protocol.CodeUnknownType, "unknown message type "+msg.Type)))
	}
}

func (r *Registry) handleCommand(ctx context.Context, c *Conn, msg protocol.ClientMessage) {
	if r.timers == nil {
		c.Enqueue(protocol.Encode(protocol.Error(msg.Ref, protocol.CodeUnavailable, "timer commands unavailable")))
		return
	}
	ctx, cancel := context.WithTimeout(ctx, commandTimeout)
	defer cancel()

	// A mutation needs a credential that is valid now, not just at admission.
	if _, err := r.auth.Authenticate(ctx, c.credential); err != nil {
		if r.opts.Unavailable != nil && r.opts.Unavailable(err) {
			c.Enqueue(protocol.Encode(protocol.Error(msg.Ref, protocol.CodeUnavailable, "credential check unavailable")))
			return
		}
		c.shutdown(protocol.Encode(protocol.SessionRevoked("revoked")), websocket.ClosePolicyViolation, "credential revoked")
		return
	}

	var (
		res *bridge.Result
		err error
	)
	if msg.Type == protocol.TypeTimerStart {
		res, err = r.timers.StartTimer(ctx, bridge.StartCommand{
			UserID:    c.UserID,
			SessionID: c.SessionID,
			ProjectID: msg.ProjectID,
			TaskID:    msg.TaskID,
			Label:     msg.Label,
			Origin:    c.id,
			Source:    bridge.SourceSocket,
		})
	} else {
		res, err = r.timers.StopTimer(ctx, bridge.StopCommand{
			UserID:    c.UserID,
			SessionID: c.SessionID,
			Origin:    c.id,
			Source:    bridge.SourceSocket,
		})
	}
	if err != nil {
		c.Enqueue(protocol.Encode(commandError(msg.Ref, err)))
		if !errors.Is(err, bridge.ErrInvalidCommand) && !errors.Is(err, bridge.ErrNotRunning) {
			r.log.Error("realtime: timer command failed", "conn_id", c.id, "user_id", c.UserID, "type", msg.Type, "error", err)
		}
		return
	}
	c.Enqueue(protocol.Encode(protocol.Ack(msg.Ref, res.Event)))
}

func commandError(ref string, err error) protocol.ErrorMessage {
	switch {
	case errors.Is(err, bridge.ErrInvalidCommand):
		return protocol.Error(ref, protocol.CodeInvalidCommand, err.Error())
	case errors.Is(err, bridge.ErrNotRunning):
		return protocol.Error(ref, protocol.CodeNotRunning, err.Error())
	default:
		return protocol.Error(ref, protocol.CodeInternal, "timer command failed")
	}
}
