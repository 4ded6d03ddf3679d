// Package events records fulfillment outcomes in the domain_events outbox
// and forwards them to in-process notifiers.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/trace"
)

var (
	ErrNoStore     = errors.New("events: store not configured")
	ErrInvalidSpec = errors.New("events: topic and aggregate id are required")
)

// Event is one outbox row. TraceID links it back to the webhook request or
// replay task that caused it and is empty when tracing is off.
type Event struct {
	ID          uuid.UUID
	Topic       string
	AggregateID string
	Payload     json.RawMessage
	TraceID     string
	OccurredAt  time.Time
}

// EventStore appends to the outbox.
type EventStore interface {
	InsertDomainEvent(ctx context.Context, ev Event) (Event, error)
}

// Notifier is told about every event the store accepted.
type Notifier interface {
	Notify(ctx context.Context, event Event) error
}

// Bus writes events to the outbox, then fans out to Notifiers.
type Bus struct {
	Store     EventStore
	Notifiers []Notifier
	Now       func() time.Time
}

// Emit stores the event and notifies. A notifier error is returned alongside
// the stored event: the outbox row is the durable record, notification is
// best effort.
func (b *Bus) Emit(ctx context.Context, topic, aggregateID string, payload any) (Event, error) {
	if b == nil || b.Store == nil {
		return Event{}, ErrNoStore
	}
	topic, aggregateID = strings.TrimSpace(topic), strings.TrimSpace(aggregateID)
	if topic == "" || aggregateID == "" {
		return Event{}, ErrInvalidSpec
	}
	body := json.RawMessage(`{}`)
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Event{}, fmt.Errorf("events: encode %s payload: %w", topic, err)
		}
		body = raw
	}

	ev := Event{
		ID:          uuid.New(),
		Topic:       topic,
		AggregateID: aggregateID,
		Payload:     body,
		OccurredAt:  b.now(),
	}
	if sc := trace.SpanContextFromContext(ctx); sc.HasTraceID() {
		ev.TraceID = sc.TraceID().String()
	}
	stored, err := b.Store.InsertDomainEvent(ctx, ev)
	if err != nil {
		return Event{}, fmt.Errorf("events: store %s: %w", topic, err)
	}

	errs := make([]error, 0, len(b.Notifiers))
	for _, n := range b.Notifiers {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, stored); err != nil {
			errs = append(errs, fmt.Errorf("events: notify %s: %w", topic, err))
		}
	}
	return stored, errors.Join(errs...)
}

func (b *Bus) now() time.Time {
	if b.Now != nil {
		return b.Now().UTC()
	}
	return time.Now().UTC()
}
