package commands

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/go-resty/resty/v2"

	"github.com/maltedev/fsp-price-scraper/internal/browser"
	"github.com/maltedev/fsp-price-scraper/internal/config"
	"github.com/maltedev/fsp-price-scraper/internal/database"
	"github.com/maltedev/fsp-price-scraper/internal/events"
	"github.com/maltedev/fsp-price-scraper/internal/occ"
	"github.com/maltedev/fsp-price-scraper/internal/ratelimit"
	"github.com/maltedev/fsp-price-scraper/internal/scraper"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

// app holds everything a command needs once the configuration is loaded.
type app struct {
	cfg     *config.Config
	logger  *slog.Logger
	service *scraper.Service
	sink    storage.MultiSink
	history *storage.SQLiteSink
	db      *database.DB
	browser *browser.Browser
}

func newApp(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: logger}

	transport, err := a.transport()
	if err != nil {
		a.Close()
		return nil, err
	}

	site := occ.Site(cfg.Site)
	client := occ.NewClient(transport, site, cfg.Scraper.RequestTimeout, logger)
	cart := occ.NewCart(transport, site, cfg.Scraper.RequestTimeout, cfg.Scraper.DeleteTimeout, logger)

	a.service = scraper.NewService(client, cart, scraper.Options{
		SettleDelay:     cfg.Scraper.SettleDelay,
		PriceRetryDelay: cfg.Scraper.PriceRetryDelay,
		Limiter:         ratelimit.NewAdaptiveRateLimiter(cfg.Scraper.ItemDelayMin, cfg.Scraper.ItemDelayMax),
	}, logger)

	if err := a.openSinks(ctx); err != nil {
		a.Close()
		return nil, err
	}

	return a, nil
}

func (a *app) transport() (occ.Transport, error) {
	cfg := a.cfg

	if cfg.Scraper.Transport == config.TransportHTTP {
		a.logger.Info("using direct http transport")
		return occ.NewHTTPTransport(resty.New().SetTimeout(cfg.Scraper.RequestTimeout)), nil
	}

	if cfg.Browser.Install {
		if err := browser.Install(cfg.Browser.BrowsersPath, a.logger); err != nil {
			return nil, err
		}
	}

	executable := cfg.Browser.ExecutablePath
	if executable == "" && cfg.Browser.BrowsersPath != "" {
		path, err := browser.FindHeadlessShell(cfg.Browser.BrowsersPath)
		switch {
		case err == nil:
			executable = path
		case errors.Is(err, browser.ErrHeadlessShellNotFound):
			a.logger.Warn("headless shell not found, using playwright's default chromium", "path", cfg.Browser.BrowsersPath)
		default:
			return nil, err
		}
	}

	opts := browser.DefaultOptions()
	opts.Headless = cfg.Browser.Headless
	opts.Timeout = cfg.Browser.Timeout
	opts.UserAgent = cfg.Site.UserAgent
	opts.ViewportWidth = cfg.Browser.ViewportWidth
	opts.ViewportHeight = cfg.Browser.ViewportHeight
	opts.TimezoneID = cfg.Browser.TimezoneID
	opts.Locale = cfg.Browser.Locale
	opts.ProxyServer = cfg.Browser.ProxyServer
	opts.ExecutablePath = executable
	opts.UserDataDir = cfg.Browser.UserDataDir
	opts.ExtraHeaders = map[string]string{"Accept-Language": cfg.Site.AcceptLanguage}

	b, err := browser.New(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to initialize browser: %w", err)
	}
	a.browser = b

	if cfg.Browser.Warmup {
		if err := b.Warmup(cfg.Site.BaseWeb, 3); err != nil {
			// The API usually answers without the storefront cookies.
			a.logger.Warn("storefront warmup failed", "error", err)
		}
	}

	return b.Transport(), nil
}

func (a *app) openSinks(ctx context.Context) error {
	cfg := a.cfg
	loc := cfg.Location()

	if cfg.HasFormat("csv") {
		a.sink = append(a.sink, storage.NewCSVSink(cfg.Output.Path, loc))
	}
	if cfg.HasFormat("xlsx") {
		a.sink = append(a.sink, storage.NewXLSXSink(cfg.Output.XLSXPath, loc))
	}
	if cfg.HasFormat("sqlite") {
		s, err := storage.NewSQLiteSink(ctx, cfg.Output.SQLitePath)
		if err != nil {
			return err
		}
		a.sink = append(a.sink, s)
		a.history = s
	}
	if cfg.HasFormat("json") {
		s, err := storage.NewJSONSink(cfg.Output.JSONPath)
		if err != nil {
			return fmt.Errorf("failed to open json output: %w", err)
		}
		a.sink = append(a.sink, s)
	}
	if cfg.HasFormat("postgres") || cfg.Database.Enabled {
		db, err := a.database(ctx)
		if err != nil {
			return err
		}
		a.sink = append(a.sink, events.NewPublisher(db, cfg.Site.Currency, a.logger))
	}

	return nil
}

func (a *app) database(ctx context.Context) (*database.DB, error) {
	if a.db != nil {
		return a.db, nil
	}

	c := a.cfg.Database
	db, err := database.New(ctx, database.Config{
		Host:     c.Host,
		Port:     c.Port,
		User:     c.User,
		Password: c.Password,
		Database: c.Name,
		MaxConns: c.MaxConns,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.EnsureSchema(ctx); err != nil {
		db.Close()
		return nil, err
	}

	a.db = db
	return db, nil
}

func (a *app) Close() error {
	var errs []error
	if err := a.sink.Close(); err != nil {
		errs = append(errs, err)
	}
	if a.db != nil {
		a.db.Close()
	}
	if a.browser != nil {
		if err := a.browser.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
