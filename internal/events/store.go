package events

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// PGStore writes to the domain_events table.
type PGStore struct {
	Pool *pgxpool.Pool
}

// InsertDomainEvent implements EventStore.
func (s PGStore) InsertDomainEvent(ctx context.Context, ev Event) (Event, error) {
	const q = `INSERT INTO domain_events (id, topic, aggregate_id, payload, trace_id, occurred_at)
VALUES ($1, $2, $3, $4, NULLIF($5, ''), $6)
RETURNING occurred_at`
	err := s.Pool.QueryRow(ctx, q, ev.ID, ev.Topic, ev.AggregateID, []byte(ev.Payload), ev.TraceID, ev.OccurredAt).
		Scan(&ev.OccurredAt)
	if err != nil {
		return Event{}, fmt.Errorf("insert domain event: %w", err)
	}
	return ev, nil
}
