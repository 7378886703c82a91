package database

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

// PriceObservation is one scraped price row.
type PriceObservation struct {
	ID           uuid.UUID `db:"id"`
	RunID        uuid.UUID `db:"run_id"`
	UPC          string    `db:"upc"`
	ProductCode  string    `db:"product_code"`
	Name         string    `db:"name"`
	BasePrice    *float64  `db:"base_price"`
	PromoPrice   *float64  `db:"promo_price"`
	Status       string    `db:"status"`
	ErrorMessage *string   `db:"error_message"`
	ScrapedAt    time.Time `db:"scraped_at"`
}

// InsertObservationWithTx stores obs within tx, assigning an id when unset.
func InsertObservationWithTx(ctx context.Context, tx pgx.Tx, obs *PriceObservation) error {
	if obs.UPC == "" {
		return fmt.Errorf("observation upc is required")
	}
	if obs.ID == uuid.Nil {
		obs.ID = uuid.New()
	}
	if obs.ScrapedAt.IsZero() {
		obs.ScrapedAt = time.Now()
	}

	query := `
		INSERT INTO price_observation (
			id, run_id, upc, product_code, name,
			base_price, promo_price, status, error_message, scraped_at
		) VALUES (
			$1, $2, $3, $4, $5, $6, $7, $8, $9, $10
		)`

	_, err := tx.Exec(ctx, query,
		obs.ID, obs.RunID, obs.UPC, obs.ProductCode, obs.Name,
		obs.BasePrice, obs.PromoPrice, obs.Status, obs.ErrorMessage, obs.ScrapedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert observation %s: %w", obs.UPC, err)
	}

	return nil
}

// History returns the stored observations of upc as price records, oldest
// first.
func (db *DB) History(ctx context.Context, upc string) ([]*models.PriceRecord, error) {
	rows, err := db.pool.Query(ctx, `
		SELECT upc, product_code, name, base_price::float8, promo_price::float8,
			status, error_message, scraped_at
		FROM price_observation
		WHERE upc = $1
		ORDER BY scraped_at, id`, upc)
	if err != nil {
		return nil, fmt.Errorf("failed to query observations: %w", err)
	}

	records, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (*models.PriceRecord, error) {
		var (
			r          models.PriceRecord
			code, errs *string
			status     string
		)
		err := row.Scan(&r.UPC, &code, &r.Name, &r.BasePrice, &r.PromoPrice, &status, &errs, &r.ScrapedAt)
		if code != nil {
			r.Code = *code
		}
		if errs != nil {
			r.Error = *errs
		}
		r.Status = models.RecordStatus(status)
		return &r, err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan observations: %w", err)
	}

	return records, nil
}
