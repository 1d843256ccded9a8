// Package broadcast fans presence events out to live connections, and relays them between
// server instances.
package broadcast

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"timepulse/backend/internal/presence"
)

// Subscriber is one live connection able to receive encoded events.
type Subscriber interface {
	ID() string
	// Enqueue queues msg without blocking. It returns false when the subscriber could not
	// accept it; the subscriber is then responsible for closing itself.
	Enqueue(msg []byte) bool
}

// Source enumerates live subscribers.
type Source interface {
	ForEachLive(fn func(Subscriber))
}

// Hub delivers events to every live subscriber of a Source.
type Hub struct {
	src Source
	log *slog.Logger

	delivered prometheus.Counter
	dropped   prometheus.Counter
}

// NewHub returns a Hub over src. Metrics are registered on reg when it is non-nil.
func NewHub(src Source, reg prometheus.Registerer, log *slog.Logger) *Hub {
	if log == nil {
		log = slog.Default()
	}
	h := &Hub{src: src, log: log}
	factory := promauto.With(reg)
	h.delivered = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "timepulse",
		Subsystem: "broadcast",
		Name:      "deliveries_total",
		Help:      "Presence events queued to live connections.",
	})
	h.dropped = factory.NewCounter(prometheus.CounterOpts{
		Namespace: "timepulse",
		Subsystem: "broadcast",
		Name:      "dropped_total",
		Help:      "Presence events a connection could not accept.",
	})
	return h
}

// Publish encodes ev once and queues it on every live subscriber except originConnID.
func (h *Hub) Publish(ctx context.Context, ev presence.Event, originConnID string) {
	msg, err := json.Marshal(ev)
	if err != nil {
		h.log.Error("broadcast: encode event", "type", ev.Type, "identity", ev.Identity, "error", err)
		return
	}
	h.Deliver(msg, originConnID)
}

// Deliver queues an already encoded message. A subscriber that refuses the message never
// delays the others.
func (h *Hub) Deliver(msg []byte, originConnID string) (delivered, dropped int) {
	h.src.ForEachLive(func(s Subscriber) {
		if originConnID != "" && s.ID() == originConnID {
			return
		}
		if s.Enqueue(msg) {
			delivered++
			return
		}
		dropped++
	})
	h.delivered.Add(float64(delivered))
	if dropped > 0 {
		h.dropped.Add(float64(dropped))
		h.log.Warn("broadcast: slow or closed connections skipped", "dropped", dropped)
	}
	return delivered, dropped
}
