// Package scraper resolves UPC codes to storefront products and reads their
// regular and promotional prices through an anonymous cart.
package scraper

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"

	"github.com/maltedev/fsp-price-scraper/internal/models"
	"github.com/maltedev/fsp-price-scraper/internal/occ"
	"github.com/maltedev/fsp-price-scraper/internal/parser"
	"github.com/maltedev/fsp-price-scraper/internal/ratelimit"
)

var ErrCartUnavailable = errors.New("could not obtain an anonymous cart")

const (
	DefaultSettleDelay     = 200 * time.Millisecond
	DefaultPriceRetryDelay = 400 * time.Millisecond
)

// Catalog is the product side of the storefront API.
type Catalog interface {
	Search(ctx context.Context, query string) ([]occ.SearchProduct, error)
	Detail(ctx context.Context, code string) (occ.ProductDetail, error)
}

// CartAPI is the anonymous cart side of the storefront API.
type CartAPI interface {
	Create(ctx context.Context) (string, error)
	AddEntry(ctx context.Context, cartID, code string, qty int) (bool, error)
	Entries(ctx context.Context, cartID string) ([]occ.CartEntry, error)
	Remove(ctx context.Context, cartID string, entryNumber int)
}

// ProgressFunc is called after each UPC with the number resolved so far.
type ProgressFunc func(done, total int, record *models.PriceRecord)

type Options struct {
	SettleDelay     time.Duration
	PriceRetryDelay time.Duration
	Limiter         ratelimit.RateLimiter
	Progress        ProgressFunc
	Now             func() time.Time
}

type Service struct {
	catalog Catalog
	cart    CartAPI
	opts    Options
	logger  *slog.Logger
}

func NewService(catalog Catalog, cart CartAPI, opts Options, logger *slog.Logger) *Service {
	if opts.SettleDelay <= 0 {
		opts.SettleDelay = DefaultSettleDelay
	}
	if opts.PriceRetryDelay <= 0 {
		opts.PriceRetryDelay = DefaultPriceRetryDelay
	}
	if opts.Limiter == nil {
		opts.Limiter = ratelimit.NewAdaptiveRateLimiter(0, 0)
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Service{
		catalog: catalog,
		cart:    cart,
		opts:    opts,
		logger:  logger.With("component", "scraper"),
	}
}

// Run opens one anonymous cart and resolves upcs in order, one at a time.
// It returns the records produced so far together with ctx.Err() when the
// context ends mid-run.
func (s *Service) Run(ctx context.Context, upcs []string) ([]*models.PriceRecord, error) {
	return s.RunWithProgress(ctx, upcs, s.opts.Progress)
}

// RunWithProgress is Run reporting to progress instead of the configured
// callback.
func (s *Service) RunWithProgress(ctx context.Context, upcs []string, progress ProgressFunc) ([]*models.PriceRecord, error) {
	if len(upcs) == 0 {
		return []*models.PriceRecord{}, nil
	}

	cartID, err := s.cart.Create(ctx)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCartUnavailable, err)
	}
	if cartID == "" {
		return nil, ErrCartUnavailable
	}

	s.logger.Info("cart ready", "cart", cartID, "upcs", len(upcs))

	records := make([]*models.PriceRecord, 0, len(upcs))
	for i, upc := range upcs {
		if err := ctx.Err(); err != nil {
			return records, err
		}
		if err := s.opts.Limiter.Wait(ctx); err != nil {
			return records, err
		}

		rec := s.Resolve(ctx, cartID, upc)
		if ctx.Err() != nil {
			return records, ctx.Err()
		}

		records = append(records, rec)
		s.feedback(rec)

		s.logger.Info("upc resolved",
			"upc", upc,
			"status", rec.Status,
			"name", rec.Name,
			"base", rec.BaseColumn(),
			"promo", rec.PromoColumn())

		if progress != nil {
			progress(i+1, len(upcs), rec)
		}
	}

	s.logger.Info("run finished", "cart", cartID, "summary", models.Summary(records))
	return records, nil
}

func (s *Service) feedback(rec *models.PriceRecord) {
	fb, ok := s.opts.Limiter.(ratelimit.Feedback)
	if !ok {
		return
	}
	if rec.Status == models.StatusError {
		fb.RecordError()
	} else {
		fb.RecordSuccess()
	}
}

// Resolve runs the full sequence for one UPC against cartID. It never fails:
// every outcome, including a panic, is reported as a record.
func (s *Service) Resolve(ctx context.Context, cartID, upc string) (rec *models.PriceRecord) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("panic while resolving upc", "upc", upc, "panic", r, "stack", string(debug.Stack()))
			rec = models.NewError(upc, fmt.Errorf("%v", r), s.opts.Now())
		}
	}()

	rec, err := s.resolve(ctx, cartID, upc)
	if err != nil {
		s.logger.Warn("upc failed", "upc", upc, "error", err)
		return models.NewError(upc, err, s.opts.Now())
	}
	return rec
}

func (s *Service) resolve(ctx context.Context, cartID, upc string) (*models.PriceRecord, error) {
	code, name, err := s.find(ctx, upc)
	if err != nil {
		return nil, err
	}
	if code == "" {
		return models.NewNotFound(upc, s.opts.Now()), nil
	}

	added, err := s.cart.AddEntry(ctx, cartID, code, 1)
	if err != nil {
		return nil, fmt.Errorf("add %s to cart: %w", code, err)
	}
	if !added {
		rec := models.NewFailure(upc, name, models.StatusAddFailed, s.opts.Now())
		rec.Code = code
		return rec, nil
	}

	entry, ok, err := s.readPrices(ctx, cartID, code)
	if err != nil {
		return nil, err
	}
	if !ok {
		s.cart.Remove(ctx, cartID, 0)
		rec := models.NewFailure(upc, name, models.StatusNoPrice, s.opts.Now())
		rec.Code = code
		return rec, nil
	}
	defer s.cart.Remove(ctx, cartID, entry.EntryNumber)

	if n := parser.CleanName(entry.Name); n != "" {
		name = n
	}

	return &models.PriceRecord{
		UPC:        upc,
		Code:       code,
		Name:       name,
		BasePrice:  entry.BasePrice,
		PromoPrice: models.PromoPrice(entry.BasePrice, entry.TotalPrice),
		Status:     models.StatusOK,
		ScrapedAt:  s.opts.Now(),
	}, nil
}

// find returns the code and display name of the first search hit whose
// detail carries upc, or an empty code when nothing matches.
func (s *Service) find(ctx context.Context, upc string) (string, string, error) {
	results, err := s.catalog.Search(ctx, upc)
	if err != nil {
		return "", "", fmt.Errorf("search %s: %w", upc, err)
	}
	if len(results) == 0 {
		results, err = s.catalog.Search(ctx, occ.FreeText(upc))
		if err != nil {
			return "", "", fmt.Errorf("free text search %s: %w", upc, err)
		}
	}

	for _, p := range results {
		if p.Code == "" {
			continue
		}
		detail, err := s.catalog.Detail(ctx, p.Code)
		if err != nil {
			return "", "", fmt.Errorf("detail %s: %w", p.Code, err)
		}
		if detail.Empty() || !detail.MatchesUPC(upc) {
			continue
		}

		name := detail.Name()
		if name == "" {
			name = p.Name
		}
		return p.Code, parser.CleanName(name), nil
	}

	s.logger.Debug("no product matched", "upc", upc, "candidates", len(results))
	return "", "", nil
}

// readPrices waits for the cart to settle and reads the entry for code,
// retrying once.
func (s *Service) readPrices(ctx context.Context, cartID, code string) (occ.CartEntry, bool, error) {
	delays := []time.Duration{s.opts.SettleDelay, s.opts.PriceRetryDelay}

	for attempt, delay := range delays {
		if err := sleep(ctx, delay); err != nil {
			return occ.CartEntry{}, false, err
		}

		entries, err := s.cart.Entries(ctx, cartID)
		if err != nil {
			return occ.CartEntry{}, false, fmt.Errorf("read cart: %w", err)
		}
		if entry, ok := pickEntry(entries, code); ok {
			return entry, true, nil
		}

		s.logger.Debug("cart entry not readable yet", "code", code, "attempt", attempt+1)
	}

	return occ.CartEntry{}, false, nil
}

// pickEntry prefers the line holding code so a stale line left behind by an
// earlier failure cannot be mistaken for it.
func pickEntry(entries []occ.CartEntry, code string) (occ.CartEntry, bool) {
	if len(entries) == 0 {
		return occ.CartEntry{}, false
	}
	for _, e := range entries {
		if e.Code == code {
			return e, true
		}
	}
	return entries[0], true
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
