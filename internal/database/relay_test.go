package database

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type MockRedisClient struct {
	mock.Mock
}

func (m *MockRedisClient) XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd {
	cmd := redis.NewStringCmd(ctx)
	if err := m.Called(ctx, args).Error(0); err != nil {
		cmd.SetErr(err)
	} else {
		cmd.SetVal("1715979845000-0")
	}
	return cmd
}

func (m *MockRedisClient) Close() error {
	return m.Called().Error(0)
}

type MockOutboxStore struct {
	mock.Mock
}

func (m *MockOutboxStore) Due(ctx context.Context, limit int) ([]*OutboxEvent, error) {
	args := m.Called(ctx, limit)
	events, _ := args.Get(0).([]*OutboxEvent)
	return events, args.Error(1)
}

func (m *MockOutboxStore) MarkPublished(ctx context.Context, id uuid.UUID) error {
	return m.Called(ctx, id).Error(0)
}

func (m *MockOutboxStore) MarkFailed(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

func (m *MockOutboxStore) MarkDeadLetter(ctx context.Context, id uuid.UUID, err error) error {
	return m.Called(ctx, id, err).Error(0)
}

func (m *MockOutboxStore) Counts(ctx context.Context) (OutboxCounts, error) {
	args := m.Called(ctx)
	return args.Get(0).(OutboxCounts), args.Error(1)
}

var observedAt = time.Date(2024, 5, 17, 21, 4, 5, 0, time.UTC)

// priceEvent builds the outbox event the publisher writes for one UPC.
func priceEvent(t *testing.T, upc, status, code string, base, promo *float64) *OutboxEvent {
	t.Helper()

	payload := map[string]any{
		"upc":          upc,
		"product_code": code,
		"name":         "Aspirina 100 mg",
		"status":       status,
		"run_id":       "5b0c6d8e-3a4f-4e61-9d55-1f2e8a7c0b11",
		"has_promo":    promo != nil,
	}
	if base != nil {
		payload["price"] = map[string]any{"amount": *base, "currency": "MXN"}
	}
	if promo != nil {
		payload["promo_price"] = map[string]any{"amount": *promo, "currency": "MXN"}
	}
	data, err := json.Marshal(payload)
	require.NoError(t, err)

	event := NewPriceObservedEvent(uuid.New(), upc, data)
	event.CreatedAt = observedAt
	return event
}

func price(f float64) *float64 { return &f }

func newTestRelay(outbox OutboxStore, redisClient RedisClient, batch int) *Relay {
	return newRelay(outbox, redisClient, slog.Default(), RelayConfig{
		PollInterval: 20 * time.Millisecond,
		BatchSize:    batch,
	})
}

func TestStreamValues(t *testing.T) {
	t.Run("promotion", func(t *testing.T) {
		event := priceEvent(t, "7501031311309", "ok", "100234", price(120.5), price(99.9))

		values, err := streamValues(event)
		require.NoError(t, err)

		assert.Equal(t, "7501031311309", values["upc"])
		assert.Equal(t, "ok", values["status"])
		assert.Equal(t, "100234", values["product_code"])
		assert.Equal(t, "120.50", values["base_price"])
		assert.Equal(t, "99.90", values["promo_price"])
		assert.Equal(t, "MXN", values["currency"])
		assert.Equal(t, "true", values["has_promo"])
		assert.Equal(t, "2024-05-17T21:04:05Z", values["observed_at"])
		assert.Equal(t, "1", values["attempt"])
		assert.Equal(t, Source, values["source"])
		assert.JSONEq(t, string(event.Payload), values["payload"].(string))
	})

	t.Run("not found carries no prices", func(t *testing.T) {
		event := priceEvent(t, "0000000000000", "not_found", "", nil, nil)
		event.RetryCount = 2

		values, err := streamValues(event)
		require.NoError(t, err)

		assert.Equal(t, "not_found", values["status"])
		assert.Equal(t, "", values["product_code"])
		assert.Equal(t, "false", values["has_promo"])
		assert.Equal(t, "3", values["attempt"])
		assert.NotContains(t, values, "base_price")
		assert.NotContains(t, values, "promo_price")
		assert.NotContains(t, values, "currency")
	})

	undeliverable := []struct {
		name   string
		mutate func(e *OutboxEvent)
	}{
		{name: "payload is not an observation", mutate: func(e *OutboxEvent) { e.Payload = json.RawMessage(`["7501031311309"]`) }},
		{name: "upc mismatch", mutate: func(e *OutboxEvent) { e.UPC = "7501000000002" }},
		{name: "foreign event type", mutate: func(e *OutboxEvent) { e.EventType = "PRODUCT_CREATED" }},
	}
	for _, tt := range undeliverable {
		t.Run(tt.name, func(t *testing.T) {
			event := priceEvent(t, "7501031311309", "ok", "100234", price(120.5), nil)
			tt.mutate(event)

			_, err := streamValues(event)
			assert.ErrorIs(t, err, errUndeliverable)
		})
	}
}

func TestRelay_RelayBatch(t *testing.T) {
	ctx := context.Background()

	t.Run("publishes each observation to the price stream", func(t *testing.T) {
		store := new(MockOutboxStore)
		rdb := new(MockRedisClient)

		events := []*OutboxEvent{
			priceEvent(t, "7501031311309", "ok", "100234", price(120.5), price(99.9)),
			priceEvent(t, "7501000000002", "add_failed", "200100", nil, nil),
		}
		store.On("Due", ctx, 10).Return(events, nil)

		for _, e := range events {
			upc := e.UPC
			rdb.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
				values := args.Values.(map[string]any)
				return args.Stream == PriceStream &&
					args.Approx && args.MaxLen == defaultStreamMaxLen &&
					values["upc"] == upc
			})).Return(nil).Once()
			store.On("MarkPublished", ctx, e.ID).Return(nil).Once()
		}

		n, err := newTestRelay(store, rdb, 10).relayBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		rdb.AssertExpectations(t)
		store.AssertExpectations(t)
	})

	t.Run("redis failure schedules a retry", func(t *testing.T) {
		store := new(MockOutboxStore)
		rdb := new(MockRedisClient)

		failing := priceEvent(t, "7501031311309", "ok", "100234", price(120.5), nil)
		next := priceEvent(t, "7501000000002", "ok", "200100", price(35), nil)
		store.On("Due", ctx, 10).Return([]*OutboxEvent{failing, next}, nil)

		rdb.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["upc"] == failing.UPC
		})).Return(errors.New("connection refused"))
		rdb.On("XAdd", ctx, mock.MatchedBy(func(args *redis.XAddArgs) bool {
			return args.Values.(map[string]any)["upc"] == next.UPC
		})).Return(nil)

		store.On("MarkFailed", ctx, failing.ID, mock.MatchedBy(func(err error) bool {
			return err.Error() == "xadd stream:price_observations: connection refused"
		})).Return(nil)
		store.On("MarkPublished", ctx, next.ID).Return(nil)

		n, err := newTestRelay(store, rdb, 10).relayBatch(ctx)
		require.NoError(t, err)
		assert.Equal(t, 2, n)

		store.AssertExpectations(t)
		store.AssertNotCalled(t, "MarkPublished", ctx, failing.ID)
	})

	t.Run("undecodable payload goes straight to dead letter", func(t *testing.T) {
		store := new(MockOutboxStore)
		rdb := new(MockRedisClient)

		broken := priceEvent(t, "7501031311309", "ok", "100234", nil, nil)
		broken.Payload = json.RawMessage(`{"upc": 7501031311309}`)
		store.On("Due", ctx, 10).Return([]*OutboxEvent{broken}, nil)
		store.On("MarkDeadLetter", ctx, broken.ID, mock.MatchedBy(func(err error) bool {
			return errors.Is(err, errUndeliverable)
		})).Return(nil)

		_, err := newTestRelay(store, rdb, 10).relayBatch(ctx)
		require.NoError(t, err)

		rdb.AssertNotCalled(t, "XAdd", mock.Anything, mock.Anything)
		store.AssertExpectations(t)
	})

	t.Run("outbox query failure", func(t *testing.T) {
		store := new(MockOutboxStore)
		store.On("Due", ctx, 10).Return(nil, errors.New("connection reset"))

		_, err := newTestRelay(store, new(MockRedisClient), 10).relayBatch(ctx)
		assert.ErrorContains(t, err, "connection reset")
	})
}

func TestRelay_Run(t *testing.T) {
	t.Run("drains a full batch without waiting for the next tick", func(t *testing.T) {
		store := new(MockOutboxStore)
		rdb := new(MockRedisClient)

		first := []*OutboxEvent{
			priceEvent(t, "7501000000001", "ok", "1", price(10), nil),
			priceEvent(t, "7501000000002", "ok", "2", price(20), nil),
		}
		second := []*OutboxEvent{priceEvent(t, "7501000000003", "ok", "3", price(30), nil)}

		store.On("Due", mock.Anything, 2).Return(first, nil).Once()
		store.On("Due", mock.Anything, 2).Return(second, nil).Once()
		store.On("Due", mock.Anything, 2).Return([]*OutboxEvent{}, nil).Maybe()
		published := make(chan uuid.UUID, 3)
		store.On("MarkPublished", mock.Anything, mock.Anything).Return(nil).Run(func(args mock.Arguments) {
			published <- args.Get(1).(uuid.UUID)
		})
		rdb.On("XAdd", mock.Anything, mock.Anything).Return(nil)

		relay := newRelay(store, rdb, slog.Default(), RelayConfig{PollInterval: time.Hour, BatchSize: 2})

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- relay.Run(ctx) }()

		for _, want := range append(first, second...) {
			select {
			case id := <-published:
				assert.Equal(t, want.ID, id)
			case <-time.After(time.Second):
				t.Fatal("backlog was not drained before the next tick")
			}
		}

		cancel()
		select {
		case err := <-done:
			assert.ErrorIs(t, err, context.Canceled)
		case <-time.After(time.Second):
			t.Fatal("relay did not stop on context cancellation")
		}
	})

	t.Run("keeps polling after a failed batch", func(t *testing.T) {
		store := new(MockOutboxStore)
		store.On("Due", mock.Anything, 10).Return(nil, errors.New("connection reset")).Once()
		polled := make(chan struct{}, 1)
		store.On("Due", mock.Anything, 10).Return([]*OutboxEvent{}, nil).Run(func(mock.Arguments) {
			select {
			case polled <- struct{}{}:
			default:
			}
		})

		relay := newTestRelay(store, new(MockRedisClient), 10)

		ctx, cancel := context.WithCancel(context.Background())
		done := make(chan error)
		go func() { done <- relay.Run(ctx) }()

		select {
		case <-polled:
		case <-time.After(time.Second):
			t.Fatal("relay stopped polling after a failed batch")
		}

		cancel()
		assert.ErrorIs(t, <-done, context.Canceled)
	})
}

func TestRelay_Backlog(t *testing.T) {
	store := new(MockOutboxStore)
	store.On("Counts", mock.Anything).Return(OutboxCounts{Pending: 3, Failed: 2, DeadLetter: 1}, nil)

	counts, err := newTestRelay(store, new(MockRedisClient), 10).Backlog(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(5), counts.Waiting())
	assert.Equal(t, int64(1), counts.DeadLetter)
}
