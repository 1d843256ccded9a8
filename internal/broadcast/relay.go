package broadcast

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"timepulse/backend/internal/presence"
)

// DefaultSubject is the NATS subject presence events are relayed on.
const DefaultSubject = "timepulse.presence.events"

// Publisher is the local delivery a relay wraps.
type Publisher interface {
	Publish(ctx context.Context, ev presence.Event, originConnID string)
}

// natsConn is the subset of *nats.Conn the relay uses.
type natsConn interface {
	Publish(subj string, data []byte) error
	Subscribe(subj string, cb nats.MsgHandler) (*nats.Subscription, error)
}

// NATSRelay publishes local events to other instances and applies theirs. Remote events
// are applied to the local cache only when strictly newer, then delivered locally with
// the version the local cache assigned.
type NATSRelay struct {
	nc         natsConn
	subject    string
	instanceID string
	local      Publisher
	cache      *presence.Cache
	log        *slog.Logger
	sub        *nats.Subscription
}

// NewNATSRelay returns a relay forwarding to local and cache. subject defaults to DefaultSubject.
func NewNATSRelay(nc *nats.Conn, subject, instanceID string, local Publisher, cache *presence.Cache, log *slog.Logger) *NATSRelay {
	return newRelay(nc, subject, instanceID, local, cache, log)
}

func newRelay(nc natsConn, subject, instanceID string, local Publisher, cache *presence.Cache, log *slog.Logger) *NATSRelay {
	if subject == "" {
		subject = DefaultSubject
	}
	if log == nil {
		log = slog.Default()
	}
	return &NATSRelay{nc: nc, subject: subject, instanceID: instanceID, local: local, cache: cache, log: log}
}

// Connect dials NATS the way the rest of the fleet does: unlimited reconnects, named client.
func Connect(url, name string) (*nats.Conn, error) {
	if url == "" {
		return nil, errors.New("broadcast: NATS url is empty")
	}
	return nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
}

// Start subscribes to remote events.
func (r *NATSRelay) Start() error {
	sub, err := r.nc.Subscribe(r.subject, func(msg *nats.Msg) {
		r.handle(msg.Data)
	})
	if err != nil {
		return err
	}
	r.sub = sub
	return nil
}

// Stop unsubscribes. Safe to call when Start failed.
func (r *NATSRelay) Stop() {
	if r.sub != nil {
		_ = r.sub.Unsubscribe()
	}
}

// Publish delivers locally, then relays the event tagged with this instance id. A relay
// failure is logged; local delivery has already happened.
func (r *NATSRelay) Publish(ctx context.Context, ev presence.Event, originConnID string) {
	r.local.Publish(ctx, ev, originConnID)

	ev.Origin = r.instanceID
	data, err := json.Marshal(ev)
	if err != nil {
		r.log.Error("relay: encode event", "error", err)
		return
	}
	if err := r.nc.Publish(r.subject, data); err != nil {
		r.log.Warn("relay: publish failed", "subject", r.subject, "error", err)
	}
}

func (r *NATSRelay) handle(data []byte) {
	var ev presence.Event
	if err := json.Unmarshal(data, &ev); err != nil {
		r.log.Warn("relay: malformed event", "error", err)
		return
	}
	if ev.Origin == r.instanceID {
		return
	}
	applied, ok := r.cache.ApplyRemote(ev)
	if !ok {
		return
	}
	r.local.Publish(context.Background(), applied, "")
}
