package storage

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

const createPriceHistorySQL = `
CREATE TABLE IF NOT EXISTS price_history (
	"id" INTEGER NOT NULL PRIMARY KEY AUTOINCREMENT,
	"upc" TEXT NOT NULL,
	"product_code" TEXT,
	"name" TEXT,
	"base_price" REAL,
	"promo_price" REAL,
	"status" TEXT NOT NULL,
	"error" TEXT,
	"scraped_at" DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_price_history_upc ON price_history (upc, scraped_at);`

// SQLiteSink keeps every observation in a local price_history table.
type SQLiteSink struct {
	db *sql.DB
}

func NewSQLiteSink(ctx context.Context, path string) (*SQLiteSink, error) {
	if err := ensureDir(path); err != nil {
		return nil, err
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite %s: %w", path, err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping sqlite %s: %w", path, err)
	}
	if _, err := db.ExecContext(ctx, createPriceHistorySQL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to create price_history: %w", err)
	}

	return &SQLiteSink{db: db}, nil
}

func (s *SQLiteSink) Write(ctx context.Context, records []*models.PriceRecord) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO price_history (upc, product_code, name, base_price, promo_price, status, error, scraped_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("failed to prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		_, err := stmt.ExecContext(ctx,
			r.UPC, r.Code, r.Name,
			nullFloat(r.BasePrice), nullFloat(r.PromoPrice),
			string(r.Status), r.Error, r.ScrapedAt.UTC())
		if err != nil {
			return fmt.Errorf("failed to insert %s: %w", r.UPC, err)
		}
	}

	return tx.Commit()
}

// History returns the observations for upc, oldest first.
func (s *SQLiteSink) History(ctx context.Context, upc string) ([]*models.PriceRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT upc, product_code, name, base_price, promo_price, status, error, scraped_at
		FROM price_history WHERE upc = ? ORDER BY id`, upc)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.PriceRecord
	for rows.Next() {
		var (
			r           models.PriceRecord
			code, errs  sql.NullString
			base, promo sql.NullFloat64
			status      string
		)
		if err := rows.Scan(&r.UPC, &code, &r.Name, &base, &promo, &status, &errs, &r.ScrapedAt); err != nil {
			return nil, err
		}
		r.Code = code.String
		r.Error = errs.String
		r.Status = models.RecordStatus(status)
		if base.Valid {
			r.BasePrice = &base.Float64
		}
		if promo.Valid {
			r.PromoPrice = &promo.Float64
		}
		out = append(out, &r)
	}
	return out, rows.Err()
}

func (s *SQLiteSink) Close() error {
	return s.db.Close()
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}
