package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

const (
	OutboxStatusPending    = "pending"
	OutboxStatusProcessed  = "processed"
	OutboxStatusFailed     = "failed"
	OutboxStatusDeadLetter = "dead_letter"

	// MaxRetryCount is the number of failed relays after which an event is
	// parked as a dead letter.
	MaxRetryCount = 5

	maxBackoffSeconds = 300
)

const (
	// PriceStream is the Redis stream price observations are relayed to.
	PriceStream = "stream:price_observations"

	AggregatePriceObservation = "price_observation"
	EventPriceObserved        = "PRICE_OBSERVED"
)

// OutboxEvent is a price observation waiting to be relayed. The observed UPC
// is the aggregate the event belongs to and is stored as aggregate_id.
type OutboxEvent struct {
	ID           uuid.UUID
	UPC          string
	EventType    string
	Payload      json.RawMessage
	TargetStream string
	Status       string
	RetryCount   int
	ErrorMessage *string
	CreatedAt    time.Time
	ProcessedAt  *time.Time
	NextRetryAt  *time.Time
}

// NewPriceObservedEvent wraps payload as the event of observation id.
func NewPriceObservedEvent(id uuid.UUID, upc string, payload json.RawMessage) *OutboxEvent {
	return &OutboxEvent{
		ID:           id,
		UPC:          upc,
		EventType:    EventPriceObserved,
		Payload:      payload,
		TargetStream: PriceStream,
	}
}

func (e *OutboxEvent) validate() error {
	switch {
	case e.UPC == "":
		return errors.New("outbox event upc is required")
	case e.EventType == "":
		return errors.New("outbox event type is required")
	case len(e.Payload) == 0:
		return errors.New("outbox event payload is required")
	case !json.Valid(e.Payload):
		return fmt.Errorf("outbox event payload for %s is not valid JSON", e.UPC)
	}
	return nil
}

// OutboxCounts is the number of events per status.
type OutboxCounts struct {
	Pending    int64 `json:"pending"`
	Failed     int64 `json:"failed"`
	DeadLetter int64 `json:"dead_letter"`
	Processed  int64 `json:"processed"`
}

// Waiting is the number of events the relay still has to deliver.
func (c OutboxCounts) Waiting() int64 {
	return c.Pending + c.Failed
}

type OutboxRepository struct {
	db *DB
}

func NewOutboxRepository(db *DB) *OutboxRepository {
	return &OutboxRepository{db: db}
}

// Enqueue stores event within tx so it commits together with the observation
// it describes.
func (r *OutboxRepository) Enqueue(ctx context.Context, tx pgx.Tx, event *OutboxEvent) error {
	if err := event.validate(); err != nil {
		return err
	}
	if event.ID == uuid.Nil {
		event.ID = uuid.New()
	}
	if event.Status == "" {
		event.Status = OutboxStatusPending
	}
	if event.TargetStream == "" {
		event.TargetStream = PriceStream
	}

	event.CreatedAt = time.Now()
	if event.NextRetryAt == nil {
		due := event.CreatedAt
		event.NextRetryAt = &due
	}

	_, err := tx.Exec(ctx, `
		INSERT INTO outbox_event (
			id, aggregate_type, aggregate_id, event_type,
			payload, target_stream, status, retry_count,
			created_at, next_retry_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		event.ID, AggregatePriceObservation, event.UPC, event.EventType,
		event.Payload, event.TargetStream, event.Status, event.RetryCount,
		event.CreatedAt, event.NextRetryAt,
	)
	if err != nil {
		return fmt.Errorf("failed to enqueue %s for %s: %w", event.EventType, event.UPC, err)
	}

	return nil
}

// Due returns up to limit pending or retryable events whose retry time has
// come, oldest first.
func (r *OutboxRepository) Due(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	rows, err := r.db.pool.Query(ctx, `
		SELECT id, aggregate_id, event_type, payload, target_stream, status,
			retry_count, error_message, created_at, processed_at, next_retry_at
		FROM outbox_event
		WHERE aggregate_type = $1
			AND status IN ($2, $3)
			AND next_retry_at <= now()
		ORDER BY created_at
		LIMIT $4`,
		AggregatePriceObservation, OutboxStatusPending, OutboxStatusFailed, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query due events: %w", err)
	}

	events, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*OutboxEvent, error) {
		e := &OutboxEvent{}
		err := row.Scan(&e.ID, &e.UPC, &e.EventType, &e.Payload, &e.TargetStream, &e.Status,
			&e.RetryCount, &e.ErrorMessage, &e.CreatedAt, &e.ProcessedAt, &e.NextRetryAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan due events: %w", err)
	}

	return events, nil
}

// MarkPublished records a successful relay.
func (r *OutboxRepository) MarkPublished(ctx context.Context, id uuid.UUID) error {
	tag, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $1, processed_at = now() WHERE id = $2`,
		OutboxStatusProcessed, id)
	if err != nil {
		return fmt.Errorf("failed to mark event %s published: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("event not found: %s", id)
	}
	return nil
}

// MarkFailed counts a failed relay and schedules the next attempt with
// exponential backoff (2^n seconds, capped). The event becomes a dead letter
// once it reaches MaxRetryCount failures.
func (r *OutboxRepository) MarkFailed(ctx context.Context, id uuid.UUID, relayErr error) error {
	var retries int
	err := r.db.pool.QueryRow(ctx, `
		UPDATE outbox_event
		SET retry_count = retry_count + 1,
			status = CASE WHEN retry_count + 1 >= $2 THEN $3 ELSE $4 END,
			error_message = $5,
			next_retry_at = now() + make_interval(secs => LEAST(power(2, retry_count + 1), $6))
		WHERE id = $1
		RETURNING retry_count`,
		id, MaxRetryCount, OutboxStatusDeadLetter, OutboxStatusFailed, relayErr.Error(), maxBackoffSeconds,
	).Scan(&retries)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event not found: %s", id)
	}
	if err != nil {
		return fmt.Errorf("failed to mark event %s failed: %w", id, err)
	}
	return nil
}

// MarkDeadLetter parks an event that can never be relayed, such as one whose
// payload does not decode.
func (r *OutboxRepository) MarkDeadLetter(ctx context.Context, id uuid.UUID, relayErr error) error {
	_, err := r.db.pool.Exec(ctx,
		`UPDATE outbox_event SET status = $1, error_message = $2 WHERE id = $3`,
		OutboxStatusDeadLetter, relayErr.Error(), id)
	if err != nil {
		return fmt.Errorf("failed to dead-letter event %s: %w", id, err)
	}
	return nil
}

// Counts reports how many price events sit in each status.
func (r *OutboxRepository) Counts(ctx context.Context) (OutboxCounts, error) {
	var c OutboxCounts

	rows, err := r.db.pool.Query(ctx, `
		SELECT status, COUNT(*)
		FROM outbox_event
		WHERE aggregate_type = $1
		GROUP BY status`, AggregatePriceObservation)
	if err != nil {
		return c, fmt.Errorf("failed to count outbox events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return c, fmt.Errorf("failed to scan outbox count: %w", err)
		}
		switch status {
		case OutboxStatusPending:
			c.Pending = n
		case OutboxStatusFailed:
			c.Failed = n
		case OutboxStatusDeadLetter:
			c.DeadLetter = n
		case OutboxStatusProcessed:
			c.Processed = n
		}
	}

	return c, rows.Err()
}
