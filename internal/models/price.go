package models

import (
	"time"

	"github.com/maltedev/fsp-price-scraper/internal/parser"
)

// RecordStatus tells how far the resolution sequence got for a UPC.
type RecordStatus string

const (
	StatusOK        RecordStatus = "ok"
	StatusNotFound  RecordStatus = "not_found"
	StatusAddFailed RecordStatus = "add_failed"
	StatusNoPrice   RecordStatus = "no_price"
	StatusError     RecordStatus = "error"
)

const (
	// NotFoundName is written in place of a product name when no product
	// carries the requested UPC.
	NotFoundName = "No encontrado"
	// ErrorNamePrefix prefixes the product name column for unexpected failures.
	ErrorNamePrefix = "Error general: "
	// Placeholder fills both price columns on failure rows.
	Placeholder = "-"
	// TimestampLayout is the layout of the scrape date column.
	TimestampLayout = "2006-01-02 15:04:05"
)

// Headers is the column order of every tabular output.
var Headers = []string{
	"UPC",
	"Precio sin promoción",
	"Precio con promoción",
	"Nombre del producto",
	"Fecha Scrapping",
}

// PriceRecord is the outcome of resolving a single UPC.
type PriceRecord struct {
	UPC        string       `json:"upc"`
	Code       string       `json:"code,omitempty"`
	Name       string       `json:"name"`
	BasePrice  *float64     `json:"base_price,omitempty"`
	PromoPrice *float64     `json:"promo_price,omitempty"`
	Status     RecordStatus `json:"status"`
	Error      string       `json:"error,omitempty"`
	ScrapedAt  time.Time    `json:"scraped_at"`
}

// NewFailure builds a record whose price columns are placeholders.
func NewFailure(upc, name string, status RecordStatus, at time.Time) *PriceRecord {
	return &PriceRecord{
		UPC:       upc,
		Name:      name,
		Status:    status,
		ScrapedAt: at,
	}
}

// NewNotFound builds the record emitted when no product matches the UPC.
func NewNotFound(upc string, at time.Time) *PriceRecord {
	return NewFailure(upc, NotFoundName, StatusNotFound, at)
}

// NewError builds the record emitted when resolution fails unexpectedly.
func NewError(upc string, err error, at time.Time) *PriceRecord {
	r := NewFailure(upc, ErrorNamePrefix+err.Error(), StatusError, at)
	r.Error = err.Error()
	return r
}

// Succeeded reports whether prices were read from the cart.
func (r *PriceRecord) Succeeded() bool {
	return r.Status == StatusOK
}

// HasPromotion reports whether a promotional price applies.
func (r *PriceRecord) HasPromotion() bool {
	return r.PromoPrice != nil
}

// BaseColumn renders the regular price column.
func (r *PriceRecord) BaseColumn() string {
	if !r.Succeeded() {
		return Placeholder
	}
	return parser.Money(r.BasePrice)
}

// PromoColumn renders the promotional price column.
func (r *PriceRecord) PromoColumn() string {
	if !r.Succeeded() {
		return Placeholder
	}
	return parser.Money(r.PromoPrice)
}

// Timestamp renders ScrapedAt in loc (the record's own location when nil).
func (r *PriceRecord) Timestamp(loc *time.Location) string {
	t := r.ScrapedAt
	if loc != nil {
		t = t.In(loc)
	}
	return t.Format(TimestampLayout)
}

// Row renders the record in Headers order.
func (r *PriceRecord) Row(loc *time.Location) []string {
	return []string{
		r.UPC,
		r.BaseColumn(),
		r.PromoColumn(),
		r.Name,
		r.Timestamp(loc),
	}
}

// PromoPrice returns total when it is strictly below base, nil otherwise.
func PromoPrice(base, total *float64) *float64 {
	if base == nil || total == nil {
		return nil
	}
	if *total < *base-1e-9 {
		v := *total
		return &v
	}
	return nil
}

// Summary counts records per status.
func Summary(records []*PriceRecord) map[RecordStatus]int {
	counts := make(map[RecordStatus]int)
	for _, r := range records {
		counts[r.Status]++
	}
	return counts
}
