package database

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func observed(upc string) *OutboxEvent {
	return NewPriceObservedEvent(uuid.New(), upc,
		json.RawMessage(`{"upc":"`+upc+`","status":"ok","price":{"amount":120.5,"currency":"MXN"}}`))
}

func enqueue(t *testing.T, db *DB, events ...*OutboxEvent) {
	t.Helper()
	repo := NewOutboxRepository(db)
	err := db.WithTx(context.Background(), func(tx pgx.Tx) error {
		for _, e := range events {
			if err := repo.Enqueue(context.Background(), tx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestOutboxEvent_Validate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*OutboxEvent)
		wantErr string
	}{
		{name: "valid", mutate: func(*OutboxEvent) {}},
		{name: "upc", mutate: func(e *OutboxEvent) { e.UPC = "" }, wantErr: "upc is required"},
		{name: "event type", mutate: func(e *OutboxEvent) { e.EventType = "" }, wantErr: "type is required"},
		{name: "payload", mutate: func(e *OutboxEvent) { e.Payload = nil }, wantErr: "payload is required"},
		{name: "truncated payload", mutate: func(e *OutboxEvent) { e.Payload = json.RawMessage(`{"upc":`) }, wantErr: "not valid JSON"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := observed("7501031311309")
			tt.mutate(e)
			err := e.validate()
			if tt.wantErr == "" {
				assert.NoError(t, err)
				return
			}
			assert.ErrorContains(t, err, tt.wantErr)
		})
	}
}

func TestNewPriceObservedEvent(t *testing.T) {
	id := uuid.New()
	e := NewPriceObservedEvent(id, "7501031311309", json.RawMessage(`{}`))

	assert.Equal(t, id, e.ID)
	assert.Equal(t, "7501031311309", e.UPC)
	assert.Equal(t, EventPriceObserved, e.EventType)
	assert.Equal(t, PriceStream, e.TargetStream)
}

func TestOutboxRepository_EnqueueRejectsBeforeTouchingTx(t *testing.T) {
	repo := NewOutboxRepository(nil)
	// a nil tx would panic if it were used
	err := repo.Enqueue(context.Background(), nil, &OutboxEvent{EventType: EventPriceObserved})
	assert.ErrorContains(t, err, "upc is required")
}

func TestOutboxCounts_Waiting(t *testing.T) {
	c := OutboxCounts{Pending: 4, Failed: 3, DeadLetter: 9, Processed: 100}
	assert.Equal(t, int64(7), c.Waiting())
}

func TestOutboxRepository_Enqueue(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()

	t.Run("stored with the upc as aggregate", func(t *testing.T) {
		event := observed("7501031311309")
		enqueue(t, db, event)

		assert.Equal(t, OutboxStatusPending, event.Status)
		assert.False(t, event.CreatedAt.IsZero())

		var aggregateType, aggregateID string
		err := db.QueryRow(ctx,
			"SELECT aggregate_type, aggregate_id FROM outbox_event WHERE id = $1",
			event.ID).Scan(&aggregateType, &aggregateID)
		require.NoError(t, err)
		assert.Equal(t, AggregatePriceObservation, aggregateType)
		assert.Equal(t, "7501031311309", aggregateID)
	})

	t.Run("rolled back with the observation", func(t *testing.T) {
		repo := NewOutboxRepository(db)
		event := observed("7501000000002")

		err := db.WithTx(ctx, func(tx pgx.Tx) error {
			if err := repo.Enqueue(ctx, tx, event); err != nil {
				return err
			}
			return errors.New("observation insert failed")
		})
		require.Error(t, err)

		due, err := repo.Due(ctx, 10)
		require.NoError(t, err)
		for _, e := range due {
			assert.NotEqual(t, "7501000000002", e.UPC)
		}
	})
}

func TestOutboxRepository_Due(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	pending := observed("7501000000001")
	published := observed("7501000000002")
	retry := observed("7501000000003")
	later := observed("7501000000004")
	future := time.Now().Add(time.Hour)
	later.NextRetryAt = &future
	enqueue(t, db, pending, published, retry, later)

	require.NoError(t, repo.MarkPublished(ctx, published.ID))
	require.NoError(t, repo.MarkFailed(ctx, retry.ID, errors.New("connection refused")))
	_, err := db.Exec(ctx, "UPDATE outbox_event SET next_retry_at = now() WHERE id = $1", retry.ID)
	require.NoError(t, err)

	due, err := repo.Due(ctx, 10)
	require.NoError(t, err)

	var upcs []string
	for _, e := range due {
		upcs = append(upcs, e.UPC)
	}
	assert.Equal(t, []string{"7501000000001", "7501000000003"}, upcs)

	limited, err := repo.Due(ctx, 1)
	require.NoError(t, err)
	assert.Len(t, limited, 1)
}

func TestOutboxRepository_MarkFailed(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	t.Run("backs off and keeps the error", func(t *testing.T) {
		event := observed("7501000000001")
		enqueue(t, db, event)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, errors.New("connection refused")))

		var status, msg string
		var retries int
		var next time.Time
		err := db.QueryRow(ctx,
			"SELECT status, retry_count, error_message, next_retry_at FROM outbox_event WHERE id = $1",
			event.ID).Scan(&status, &retries, &msg, &next)
		require.NoError(t, err)

		assert.Equal(t, OutboxStatusFailed, status)
		assert.Equal(t, 1, retries)
		assert.Equal(t, "connection refused", msg)
		assert.WithinDuration(t, time.Now().Add(2*time.Second), next, 2*time.Second)
	})

	t.Run("dead letter after max retries", func(t *testing.T) {
		event := observed("7501000000002")
		event.RetryCount = MaxRetryCount - 1
		enqueue(t, db, event)

		require.NoError(t, repo.MarkFailed(ctx, event.ID, errors.New("connection refused")))

		counts, err := repo.Counts(ctx)
		require.NoError(t, err)
		assert.Equal(t, int64(1), counts.DeadLetter)
	})

	t.Run("unknown event", func(t *testing.T) {
		err := repo.MarkFailed(ctx, uuid.New(), errors.New("boom"))
		assert.ErrorContains(t, err, "event not found")
	})
}

func TestOutboxRepository_Counts(t *testing.T) {
	ctx := context.Background()
	db := setupTestDB(t)
	defer db.Close()
	repo := NewOutboxRepository(db)

	a, b, c := observed("7501000000001"), observed("7501000000002"), observed("7501000000003")
	enqueue(t, db, a, b, c)
	require.NoError(t, repo.MarkPublished(ctx, a.ID))
	require.NoError(t, repo.MarkDeadLetter(ctx, b.ID, errors.New("payload upc mismatch")))

	counts, err := repo.Counts(ctx)
	require.NoError(t, err)
	assert.Equal(t, OutboxCounts{Pending: 1, DeadLetter: 1, Processed: 1}, counts)

	assert.ErrorContains(t, repo.MarkPublished(ctx, uuid.New()), "event not found")
}

// setupTestDB connects to TEST_DATABASE_URL and resets the tables, skipping
// the test when no database is configured.
func setupTestDB(t *testing.T) *DB {
	t.Helper()

	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set")
	}

	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	require.NoError(t, err)

	db := &DB{pool: pool}
	require.NoError(t, db.EnsureSchema(ctx))
	_, err = pool.Exec(ctx, "TRUNCATE outbox_event, price_observation")
	require.NoError(t, err)

	return db
}
