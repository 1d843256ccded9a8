package handler

import (
	"context"
	"errors"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"timepulse/backend/internal/bridge"
	"timepulse/backend/internal/presence"
	"timepulse/backend/internal/server/interceptors"
	"timepulse/backend/internal/timer/domain"
)

// Timers is the write path the server delegates to.
type Timers interface {
	StartTimer(ctx context.Context, cmd bridge.StartCommand) (*bridge.Result, error)
	StopTimer(ctx context.Context, cmd bridge.StopCommand) (*bridge.Result, error)
}

// Snapshotter answers ListPresence.
type Snapshotter interface {
	Snapshot() presence.Snapshot
}

// Server implements TimerService.
type Server struct {
	timers   Timers
	presence Snapshotter
}

// NewServer returns a TimerService server. Pass nil dependencies for stub (Unimplemented).
func NewServer(timers Timers, presence Snapshotter) *Server {
	return &Server{timers: timers, presence: presence}
}

// StartTimer starts a timer for the caller, replacing any running one.
func (s *Server) StartTimer(ctx context.Context, req *StartTimerRequest) (*TimerResponse, error) {
	if s.timers == nil {
		return nil, status.Error(codes.Unimplemented, "method StartTimer not implemented")
	}
	p, ok := interceptors.PrincipalFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	res, err := s.timers.StartTimer(ctx, bridge.StartCommand{
		UserID:    p.UserID,
		SessionID: p.SessionID,
		ProjectID: req.ProjectID,
		TaskID:    req.TaskID,
		Label:     req.Label,
		Source:    bridge.SourceGRPC,
	})
	if err != nil {
		return nil, timerStatus(err)
	}
	return toResponse(res), nil
}

// StopTimer stops the caller's running timer.
func (s *Server) StopTimer(ctx context.Context, req *StopTimerRequest) (*TimerResponse, error) {
	if s.timers == nil {
		return nil, status.Error(codes.Unimplemented, "method StopTimer not implemented")
	}
	p, ok := interceptors.PrincipalFrom(ctx)
	if !ok {
		return nil, status.Error(codes.Unauthenticated, "missing or invalid authorization")
	}
	res, err := s.timers.StopTimer(ctx, bridge.StopCommand{UserID: p.UserID, SessionID: p.SessionID, Source: bridge.SourceGRPC})
	if err != nil {
		return nil, timerStatus(err)
	}
	return toResponse(res), nil
}

// ListPresence returns the current presence snapshot.
func (s *Server) ListPresence(ctx context.Context, req *ListPresenceRequest) (*ListPresenceResponse, error) {
	if s.presence == nil {
		return nil, status.Error(codes.Unimplemented, "method ListPresence not implemented")
	}
	snap := s.presence.Snapshot()
	entries := snap.Entries
	if entries == nil {
		entries = []presence.Entry{}
	}
	return &ListPresenceResponse{Entries: entries, AsOf: snap.AsOf}, nil
}

func timerStatus(err error) error {
	switch {
	case errors.Is(err, bridge.ErrInvalidCommand):
		return status.Error(codes.InvalidArgument, err.Error())
	case errors.Is(err, bridge.ErrNotRunning):
		return status.Error(codes.NotFound, err.Error())
	default:
		return status.Error(codes.Internal, "timer update failed")
	}
}

func toResponse(res *bridge.Result) *TimerResponse {
	return &TimerResponse{Entry: entryToWire(res.Entry), Event: res.Event, Changed: res.Changed}
}

func entryToWire(e *domain.TimeEntry) *TimeEntry {
	if e == nil {
		return nil
	}
	return &TimeEntry{
		ID:              e.ID,
		UserID:          e.UserID,
		ProjectID:       e.ProjectID,
		TaskID:          e.TaskID,
		Label:           e.Label,
		StartedAt:       e.StartedAt,
		StoppedAt:       e.StoppedAt,
		DurationSeconds: e.DurationSeconds,
	}
}
