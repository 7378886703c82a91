package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// Source identifies this service in relayed stream entries.
const Source = "fsp-scraper"

const (
	defaultPollInterval = 5 * time.Second
	defaultBatchSize    = 100
	defaultStreamMaxLen = 100_000
)

type RedisClient interface {
	XAdd(ctx context.Context, args *redis.XAddArgs) *redis.StringCmd
	Close() error
}

// OutboxStore is the part of OutboxRepository the relay drives.
type OutboxStore interface {
	Due(ctx context.Context, limit int) ([]*OutboxEvent, error)
	MarkPublished(ctx context.Context, id uuid.UUID) error
	MarkFailed(ctx context.Context, id uuid.UUID, err error) error
	MarkDeadLetter(ctx context.Context, id uuid.UUID, err error) error
	Counts(ctx context.Context) (OutboxCounts, error)
}

// errUndeliverable marks events that retrying cannot fix.
var errUndeliverable = errors.New("undeliverable price event")

type RelayConfig struct {
	PollInterval time.Duration
	BatchSize    int
	// StreamMaxLen caps the stream approximately; zero keeps the default.
	StreamMaxLen int64
}

// Relay moves PRICE_OBSERVED events from the outbox onto the price stream.
type Relay struct {
	redis  RedisClient
	outbox OutboxStore
	logger *slog.Logger
	cfg    RelayConfig
}

func NewRelay(db *DB, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	return newRelay(NewOutboxRepository(db), redisClient, logger, cfg)
}

func newRelay(outbox OutboxStore, redisClient RedisClient, logger *slog.Logger, cfg RelayConfig) *Relay {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = defaultBatchSize
	}
	if cfg.StreamMaxLen <= 0 {
		cfg.StreamMaxLen = defaultStreamMaxLen
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		redis:  redisClient,
		outbox: outbox,
		logger: logger.With("component", "relay"),
		cfg:    cfg,
	}
}

// Run relays due events every poll interval until ctx ends. A full batch is
// followed immediately by the next one so a backlog drains without waiting.
func (r *Relay) Run(ctx context.Context) error {
	r.logger.Info("relay started",
		"stream", PriceStream,
		"interval", r.cfg.PollInterval,
		"batch_size", r.cfg.BatchSize)

	ticker := time.NewTicker(r.cfg.PollInterval)
	defer ticker.Stop()

	for {
		for {
			n, err := r.relayBatch(ctx)
			if err != nil {
				r.logger.Error("relay batch failed", "error", err)
				break
			}
			if n < r.cfg.BatchSize || ctx.Err() != nil {
				break
			}
		}

		select {
		case <-ctx.Done():
			r.logger.Info("relay stopped")
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// relayBatch publishes one batch and returns how many events it fetched.
func (r *Relay) relayBatch(ctx context.Context) (int, error) {
	events, err := r.outbox.Due(ctx, r.cfg.BatchSize)
	if err != nil {
		return 0, err
	}

	published := 0
	for _, event := range events {
		if err := r.relay(ctx, event); err != nil {
			r.logger.Warn("price event not relayed",
				"event_id", event.ID,
				"upc", event.UPC,
				"attempt", event.RetryCount+1,
				"error", err)
			continue
		}
		published++
	}

	if len(events) > 0 {
		r.logger.Debug("relay batch done", "fetched", len(events), "published", published)
	}
	return len(events), nil
}

func (r *Relay) relay(ctx context.Context, event *OutboxEvent) error {
	values, err := streamValues(event)
	if err != nil {
		if markErr := r.outbox.MarkDeadLetter(ctx, event.ID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	err = r.redis.XAdd(ctx, &redis.XAddArgs{
		Stream: event.TargetStream,
		MaxLen: r.cfg.StreamMaxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		err = fmt.Errorf("xadd %s: %w", event.TargetStream, err)
		if markErr := r.outbox.MarkFailed(ctx, event.ID, err); markErr != nil {
			return errors.Join(err, markErr)
		}
		return err
	}

	return r.outbox.MarkPublished(ctx, event.ID)
}

// observedPrice is the subset of the PRICE_OBSERVED payload copied into
// stream fields.
type observedPrice struct {
	UPC         string `json:"upc"`
	ProductCode string `json:"product_code"`
	Name        string `json:"name"`
	Status      string `json:"status"`
	RunID       string `json:"run_id"`
	HasPromo    bool   `json:"has_promo"`
	Price       *struct {
		Amount   float64 `json:"amount"`
		Currency string  `json:"currency"`
	} `json:"price"`
	PromoPrice *struct {
		Amount float64 `json:"amount"`
	} `json:"promo_price"`
}

// streamValues flattens a price event so consumers can filter on upc, status
// and product code without decoding the payload.
func streamValues(event *OutboxEvent) (map[string]any, error) {
	if event.EventType != EventPriceObserved {
		return nil, fmt.Errorf("%w: unexpected type %q", errUndeliverable, event.EventType)
	}

	var obs observedPrice
	if err := json.Unmarshal(event.Payload, &obs); err != nil {
		return nil, fmt.Errorf("%w: %v", errUndeliverable, err)
	}
	if obs.UPC != event.UPC {
		return nil, fmt.Errorf("%w: payload upc %q does not match %q", errUndeliverable, obs.UPC, event.UPC)
	}

	values := map[string]any{
		"event_id":     event.ID.String(),
		"event_type":   event.EventType,
		"upc":          obs.UPC,
		"status":       obs.Status,
		"product_code": obs.ProductCode,
		"name":         obs.Name,
		"run_id":       obs.RunID,
		"has_promo":    strconv.FormatBool(obs.HasPromo),
		"observed_at":  event.CreatedAt.UTC().Format(time.RFC3339),
		"attempt":      strconv.Itoa(event.RetryCount + 1),
		"source":       Source,
		"payload":      string(event.Payload),
	}
	if obs.Price != nil {
		values["base_price"] = strconv.FormatFloat(obs.Price.Amount, 'f', 2, 64)
		values["currency"] = obs.Price.Currency
	}
	if obs.PromoPrice != nil {
		values["promo_price"] = strconv.FormatFloat(obs.PromoPrice.Amount, 'f', 2, 64)
	}

	return values, nil
}

// Backlog reports the outbox counts for health checks.
func (r *Relay) Backlog(ctx context.Context) (OutboxCounts, error) {
	return r.outbox.Counts(ctx)
}
