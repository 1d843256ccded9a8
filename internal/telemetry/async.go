package telemetry

import (
	"context"
	"log/slog"
	"time"
)

// emitTimeout is the max time allowed for a single async emit.
const emitTimeout = 5 * time.Second

// ShutdownDrainDuration is how long to wait after the servers stop before shutting down OTel
// providers, so in-flight async emits can finish. Must be >= emitTimeout.
const ShutdownDrainDuration = emitTimeout

// EmitAsync runs Emit in a goroutine with a short timeout so the caller is not blocked.
// The goroutine does not inherit ctx cancellation; a finished request must not abort its emit.
// emitter and event may be nil, in which case nothing happens.
func EmitAsync(ctx context.Context, emitter EventEmitter, event *Event, log *slog.Logger) {
	if emitter == nil || event == nil {
		return
	}
	if log == nil {
		log = slog.Default()
	}
	emitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), emitTimeout)
	go func() {
		defer cancel()
		if err := emitter.Emit(emitCtx, event); err != nil {
			log.Warn("telemetry: async emit failed", "event_type", event.EventType, "error", err)
		}
	}()
}
