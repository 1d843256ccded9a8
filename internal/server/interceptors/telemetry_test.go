package interceptors

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"google.golang.org/grpc"

	"timepulse/backend/internal/logging"
	"timepulse/backend/internal/telemetry"
)

type chanEmitter chan *telemetry.Event

func (c chanEmitter) Emit(ctx context.Context, ev *telemetry.Event) error {
	c <- ev
	return nil
}

func TestTelemetryUnary_EmitsRequestEvent(t *testing.T) {
	events := make(chanEmitter, 1)
	interceptor := TelemetryUnary(events, nil, logging.Discard())

	if _, err := interceptor(authedCtx(), "request", &grpc.UnaryServerInfo{FullMethod: "/timepulse.v1.TimerService/StartTimer"}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	select {
	case ev := <-events:
		if ev.EventType != telemetry.EventGRPCRequest || ev.UserID != "user-1" || ev.SessionID != "session-1" {
			t.Errorf("event = %+v", ev)
		}
		var meta grpcRequestMetadata
		if err := json.Unmarshal(ev.Metadata, &meta); err != nil {
			t.Fatalf("metadata: %v", err)
		}
		if meta.FullMethod != "/timepulse.v1.TimerService/StartTimer" || meta.StatusCode != "OK" {
			t.Errorf("metadata = %+v", meta)
		}
	case <-time.After(time.Second):
		t.Fatal("no telemetry event emitted")
	}
}

func TestTelemetryUnary_SkipAndNil(t *testing.T) {
	events := make(chanEmitter, 1)
	interceptor := TelemetryUnary(events, map[string]bool{"/grpc.health.v1.Health/Check": true}, logging.Discard())
	if _, err := interceptor(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/grpc.health.v1.Health/Check"}, okHandler); err != nil {
		t.Fatalf("interceptor: %v", err)
	}
	select {
	case ev := <-events:
		t.Fatalf("unexpected event %+v", ev)
	case <-time.After(50 * time.Millisecond):
	}

	if _, err := TelemetryUnary(nil, nil, nil)(context.Background(), "request", &grpc.UnaryServerInfo{FullMethod: "/x.Y/Z"}, okHandler); err != nil {
		t.Fatalf("nil emitter: %v", err)
	}
}
