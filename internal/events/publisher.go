// Package events publishes price observations through the transactional
// outbox so downstream consumers receive them on a Redis stream.
package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/fsp-price-scraper/internal/database"
	"github.com/maltedev/fsp-price-scraper/internal/models"
)

// EventType represents the type of event
type EventType string

const (
	// EventTypePriceObserved is published for every scraped UPC
	EventTypePriceObserved EventType = database.EventPriceObserved
)

// PriceObservedPayload is the body of a PRICE_OBSERVED event.
type PriceObservedPayload struct {
	EventID     string    `json:"event_id"`
	EventType   string    `json:"event_type"`
	Timestamp   time.Time `json:"timestamp"`
	RunID       string    `json:"run_id"`
	UPC         string    `json:"upc"`
	ProductCode string    `json:"product_code,omitempty"`
	Name        string    `json:"name"`
	Status      string    `json:"status"`
	Price       *Price    `json:"price,omitempty"`
	PromoPrice  *Price    `json:"promo_price,omitempty"`
	HasPromo    bool      `json:"has_promo"`
	ScrapedAt   time.Time `json:"scraped_at"`
	Source      string    `json:"source"`
}

// Price represents product pricing information
type Price struct {
	Amount   float64 `json:"amount"`
	Currency string  `json:"currency"`
}

// TxRunner runs a function inside a database transaction.
type TxRunner interface {
	WithTx(ctx context.Context, fn func(pgx.Tx) error) error
}

// Publisher stores observations and their outbox events atomically. It
// satisfies storage.Sink.
type Publisher struct {
	db       TxRunner
	outbox   *database.OutboxRepository
	currency string
	runID    uuid.UUID
	logger   *slog.Logger
	now      func() time.Time
}

func NewPublisher(db *database.DB, currency string, logger *slog.Logger) *Publisher {
	return newPublisher(db, database.NewOutboxRepository(db), currency, logger)
}

func newPublisher(db TxRunner, outbox *database.OutboxRepository, currency string, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		db:       db,
		outbox:   outbox,
		currency: currency,
		runID:    uuid.New(),
		logger:   logger.With("component", "event_publisher"),
		now:      time.Now,
	}
}

// Write inserts one observation and one PRICE_OBSERVED event per record in a
// single transaction.
func (p *Publisher) Write(ctx context.Context, records []*models.PriceRecord) error {
	if len(records) == 0 {
		return nil
	}

	err := p.db.WithTx(ctx, func(tx pgx.Tx) error {
		for _, r := range records {
			obs := p.observation(r)
			if err := database.InsertObservationWithTx(ctx, tx, obs); err != nil {
				return err
			}

			event, err := p.outboxEvent(obs.ID, r)
			if err != nil {
				return err
			}
			if err := p.outbox.Enqueue(ctx, tx, event); err != nil {
				return fmt.Errorf("failed to enqueue price event: %w", err)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to publish observations: %w", err)
	}

	p.logger.Info("observations published to outbox",
		"run_id", p.runID,
		"count", len(records))

	return nil
}

func (p *Publisher) Close() error {
	return nil
}

func (p *Publisher) observation(r *models.PriceRecord) *database.PriceObservation {
	obs := &database.PriceObservation{
		ID:          uuid.New(),
		RunID:       p.runID,
		UPC:         r.UPC,
		ProductCode: r.Code,
		Name:        r.Name,
		BasePrice:   r.BasePrice,
		PromoPrice:  r.PromoPrice,
		Status:      string(r.Status),
		ScrapedAt:   r.ScrapedAt,
	}
	if r.Error != "" {
		msg := r.Error
		obs.ErrorMessage = &msg
	}
	return obs
}

// BuildPayload renders the event body for r.
func (p *Publisher) BuildPayload(r *models.PriceRecord) *PriceObservedPayload {
	payload := &PriceObservedPayload{
		EventID:     uuid.New().String(),
		EventType:   string(EventTypePriceObserved),
		Timestamp:   p.now(),
		RunID:       p.runID.String(),
		UPC:         r.UPC,
		ProductCode: r.Code,
		Name:        r.Name,
		Status:      string(r.Status),
		HasPromo:    r.HasPromotion(),
		ScrapedAt:   r.ScrapedAt,
		Source:      database.Source,
	}
	if r.BasePrice != nil {
		payload.Price = &Price{Amount: *r.BasePrice, Currency: p.currency}
	}
	if r.PromoPrice != nil {
		payload.PromoPrice = &Price{Amount: *r.PromoPrice, Currency: p.currency}
	}
	return payload
}

func (p *Publisher) outboxEvent(observationID uuid.UUID, r *models.PriceRecord) (*database.OutboxEvent, error) {
	data, err := json.Marshal(p.BuildPayload(r))
	if err != nil {
		return nil, fmt.Errorf("failed to marshal event: %w", err)
	}

	return database.NewPriceObservedEvent(observationID, r.UPC, data), nil
}
