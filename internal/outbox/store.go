// Package outbox persists event envelopes in the same transaction as the
// state change that produced them, then relays them to Kafka in the
// background. An event is durable once the producing transaction commits;
// delivery is at-least-once.
package outbox

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/lib/pq"

	"github.com/grocerly/fulfillment/internal/domain"
)

// Store reads and writes the domain_events table. Every method runs against
// a caller-owned transaction so appends commit or roll back together with
// the business rows that justified them.
type Store struct {
	source string
}

// NewStore returns a Store stamping source onto every appended envelope.
func NewStore(source string) *Store {
	return &Store{source: source}
}

// Append inserts the events into the durable log. The source field is
// overwritten with the store's own.
func (s *Store) Append(ctx context.Context, tx *sql.Tx, events ...domain.Event) error {
	const query = `
		INSERT INTO domain_events (event_id, event_type, source, correlation_id, occurred_at, payload)
		VALUES ($1, $2, $3, $4, $5, $6)
	`

	for _, e := range events {
		if _, err := tx.ExecContext(ctx, query,
			e.ID, e.Type, s.source, e.CorrelationID, e.OccurredAt, []byte(e.Payload),
		); err != nil {
			return fmt.Errorf("append event %s: %w", e.Type, err)
		}
	}
	return nil
}

// Record pairs an envelope with its position in the log.
type Record struct {
	Seq   int64
	Event domain.Event
}

// LockUnpublished returns up to limit unpublished records in log order,
// locking them so concurrent relays cannot interleave the stream.
func (s *Store) LockUnpublished(ctx context.Context, tx *sql.Tx, limit int) ([]Record, error) {
	const query = `
		SELECT seq, event_id, event_type, source, correlation_id, occurred_at, payload
		FROM domain_events
		WHERE published_at IS NULL
		ORDER BY seq
		LIMIT $1
		FOR UPDATE
	`

	rows, err := tx.QueryContext(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("select unpublished events: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var payload []byte
		if err := rows.Scan(
			&rec.Seq, &rec.Event.ID, &rec.Event.Type, &rec.Event.Source,
			&rec.Event.CorrelationID, &rec.Event.OccurredAt, &payload,
		); err != nil {
			return nil, fmt.Errorf("scan event row: %w", err)
		}
		rec.Event.Payload = payload
		records = append(records, rec)
	}
	return records, rows.Err()
}

// MarkPublished stamps the given log positions as delivered.
func (s *Store) MarkPublished(ctx context.Context, tx *sql.Tx, seqs []int64) error {
	const query = `
		UPDATE domain_events
		SET published_at = now()
		WHERE seq = ANY($1)
	`

	if _, err := tx.ExecContext(ctx, query, pq.Array(seqs)); err != nil {
		return fmt.Errorf("mark events published: %w", err)
	}
	return nil
}
