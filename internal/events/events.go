// Package events publishes lifecycle events for guests, networks and taps.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"

	"github.com/cochaviz/hvd/internal/logging"
)

// DefaultSubjectPrefix is prepended to every event subject.
const DefaultSubjectPrefix = "hvd"

// Event describes one completed lifecycle transition.
type Event struct {
	ID     string    `json:"id"`
	Kind   string    `json:"kind"`
	Action string    `json:"action"`
	Name   string    `json:"name"`
	Time   time.Time `json:"time"`
	Detail string    `json:"detail,omitempty"`
}

// New returns an event stamped with a fresh id and the current time.
func New(kind, action, name string) Event {
	return Event{
		ID:     uuid.NewString(),
		Kind:   kind,
		Action: action,
		Name:   name,
		Time:   time.Now().UTC(),
	}
}

// Subject returns the subject an event is published on.
func (e Event) Subject(prefix string) string {
	if prefix == "" {
		prefix = DefaultSubjectPrefix
	}
	return strings.Join([]string{prefix, e.Kind, e.Action}, ".")
}

// Publisher delivers lifecycle events. Delivery is best effort.
type Publisher interface {
	Publish(ctx context.Context, event Event) error
	Close()
}

// Nop discards events.
type Nop struct{}

func (Nop) Publish(context.Context, Event) error { return nil }
func (Nop) Close()                               {}

// NATSPublisher publishes events as JSON on a NATS connection.
type NATSPublisher struct {
	nc     *nats.Conn
	prefix string
}

// Connect dials NATS and keeps reconnecting in the background.
func Connect(url, prefix string, logger *slog.Logger) (*NATSPublisher, error) {
	logger = logging.Ensure(logger).With("component", "events")
	opts := []nats.Option{
		nats.Name("hvd"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2 * time.Second),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			logger.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			logger.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
	}
	nc, err := nats.Connect(url, opts...)
	if err != nil {
		return nil, fmt.Errorf("connect to nats %s: %w", url, err)
	}
	return &NATSPublisher{nc: nc, prefix: prefix}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event Event) error {
	if p.nc == nil || p.nc.IsClosed() {
		return fmt.Errorf("nats not connected")
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return p.nc.Publish(event.Subject(p.prefix), payload)
}

func (p *NATSPublisher) Close() {
	if p.nc != nil {
		_ = p.nc.Drain()
		p.nc.Close()
	}
}

// Emit publishes an event and logs delivery failures instead of returning them.
func Emit(ctx context.Context, publisher Publisher, logger *slog.Logger, event Event) {
	if publisher == nil {
		return
	}
	if err := publisher.Publish(ctx, event); err != nil {
		logging.Ensure(logger).Warn("publish event failed", "subject", event.Subject(""), "error", err)
	}
}
