// Package ledger records which gateway notifications have been claimed and
// fully processed, keyed by gateway and gateway event id.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"
)

// ErrNotFound is returned when no record exists for the key.
var ErrNotFound = errors.New("ledger: record not found")

// Claim describes a notification about to be processed.
type Claim struct {
	Gateway        string
	GatewayEventID string
	Type           string
	Metadata       json.RawMessage
}

// Record is a row of the webhook_events table.
type Record struct {
	Gateway        string          `json:"gateway"`
	GatewayEventID string          `json:"gatewayEventId"`
	Type           string          `json:"type"`
	ReceivedAt     time.Time       `json:"receivedAt"`
	ProcessedAt    *time.Time      `json:"processedAt,omitempty"`
	Metadata       json.RawMessage `json:"metadata"`
	LastError      string          `json:"lastError,omitempty"`
	Attempts       int             `json:"attempts"`
}

// Processed reports whether the record reached its terminal state.
func (r Record) Processed() bool { return r.ProcessedAt != nil }

// PGLedger is the Postgres implementation of the idempotency ledger.
type PGLedger struct {
	Pool *pgxpool.Pool
}

// Claim inserts the record unless it already exists. The unique key makes this
// the single serialisation point between concurrent deliveries of one event.
func (l PGLedger) Claim(ctx context.Context, c Claim) (alreadyClaimed bool, err error) {
	meta := c.Metadata
	if len(meta) == 0 {
		meta = json.RawMessage(`{}`)
	}
	const q = `INSERT INTO webhook_events (gateway, gateway_event_id, type, metadata, attempts)
VALUES ($1, $2, $3, $4, 1)
ON CONFLICT (gateway, gateway_event_id) DO NOTHING
RETURNING received_at`
	var receivedAt time.Time
	err = l.Pool.QueryRow(ctx, q, c.Gateway, c.GatewayEventID, c.Type, []byte(meta)).Scan(&receivedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return true, nil
	}
	if err != nil {
		return false, fmt.Errorf("claim webhook event: %w", err)
	}
	return false, nil
}

// MarkProcessed stamps processed_at. Calling it twice keeps the first stamp.
func (l PGLedger) MarkProcessed(ctx context.Context, gateway, eventID string) error {
	const q = `UPDATE webhook_events
SET processed_at = COALESCE(processed_at, now()), last_error = NULL
WHERE gateway = $1 AND gateway_event_id = $2`
	tag, err := l.Pool.Exec(ctx, q, gateway, eventID)
	if err != nil {
		return fmt.Errorf("mark webhook event processed: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// Release drops an unprocessed claim so a gateway retry can claim it again.
// Only valid when nothing downstream was touched.
func (l PGLedger) Release(ctx context.Context, gateway, eventID string) error {
	const q = `DELETE FROM webhook_events
WHERE gateway = $1 AND gateway_event_id = $2 AND processed_at IS NULL`
	if _, err := l.Pool.Exec(ctx, q, gateway, eventID); err != nil {
		return fmt.Errorf("release webhook event: %w", err)
	}
	return nil
}

// RecordFailure keeps the claim but notes why processing stopped.
func (l PGLedger) RecordFailure(ctx context.Context, gateway, eventID, reason string) error {
	const q = `UPDATE webhook_events
SET last_error = $3
WHERE gateway = $1 AND gateway_event_id = $2 AND processed_at IS NULL`
	if _, err := l.Pool.Exec(ctx, q, gateway, eventID, truncate(reason, 1000)); err != nil {
		return fmt.Errorf("record webhook event failure: %w", err)
	}
	return nil
}

// BeginAttempt bumps the attempt counter before a manual replay.
func (l PGLedger) BeginAttempt(ctx context.Context, gateway, eventID string) error {
	const q = `UPDATE webhook_events SET attempts = attempts + 1
WHERE gateway = $1 AND gateway_event_id = $2`
	tag, err := l.Pool.Exec(ctx, q, gateway, eventID)
	if err != nil {
		return fmt.Errorf("begin webhook event attempt: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const recordColumns = `gateway, gateway_event_id, type, received_at, processed_at, metadata, last_error, attempts`

// Get loads a single record.
func (l PGLedger) Get(ctx context.Context, gateway, eventID string) (Record, error) {
	q := `SELECT ` + recordColumns + ` FROM webhook_events WHERE gateway = $1 AND gateway_event_id = $2`
	rec, err := scanRecord(l.Pool.QueryRow(ctx, q, gateway, eventID))
	if errors.Is(err, pgx.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("get webhook event: %w", err)
	}
	return rec, nil
}

// ListStale returns claimed records still unprocessed after olderThan, oldest first.
func (l PGLedger) ListStale(ctx context.Context, olderThan time.Duration, limit int) ([]Record, error) {
	if limit <= 0 {
		limit = 100
	}
	q := `SELECT ` + recordColumns + `
FROM webhook_events
WHERE processed_at IS NULL AND received_at < now() - make_interval(secs => $1)
ORDER BY received_at
LIMIT $2`
	rows, err := l.Pool.Query(ctx, q, olderThan.Seconds(), limit)
	if err != nil {
		return nil, fmt.Errorf("list stale webhook events: %w", err)
	}
	defer rows.Close()

	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, fmt.Errorf("scan webhook event: %w", err)
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

func scanRecord(row pgx.Row) (Record, error) {
	var (
		rec         Record
		processedAt pgtype.Timestamptz
		lastError   pgtype.Text
		meta        []byte
	)
	if err := row.Scan(&rec.Gateway, &rec.GatewayEventID, &rec.Type, &rec.ReceivedAt, &processedAt, &meta, &lastError, &rec.Attempts); err != nil {
		return Record{}, err
	}
	if processedAt.Valid {
		t := processedAt.Time
		rec.ProcessedAt = &t
	}
	rec.LastError = lastError.String
	rec.Metadata = json.RawMessage(meta)
	return rec, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
