package browser

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/playwright-community/playwright-go"
)

type Browser struct {
	pw      *playwright.Playwright
	browser playwright.Browser
	context playwright.BrowserContext
	opts    *Options
	logger  *slog.Logger
}

type Options struct {
	Headless       bool
	Timeout        time.Duration
	UserAgent      string
	ViewportWidth  int
	ViewportHeight int
	TimezoneID     string
	Locale         string
	ProxyServer    string
	ExecutablePath string
	// UserDataDir selects a persistent context; cookies and storage survive
	// between runs so the storefront keeps seeing the same visitor.
	UserDataDir  string
	ExtraHeaders map[string]string
}

func DefaultOptions() *Options {
	return &Options{
		Headless:       true,
		Timeout:        30 * time.Second,
		UserAgent:      "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/124.0.0.0 Safari/537.36",
		ViewportWidth:  1280,
		ViewportHeight: 800,
		TimezoneID:     "America/Mexico_City",
		Locale:         "es-MX",
		UserDataDir:    "/tmp/user_data_cart",
		ExtraHeaders: map[string]string{
			"Accept-Language": "es-MX,es;q=0.9",
		},
	}
}

func launchArgs(opts *Options) []string {
	args := []string{
		"--no-sandbox",
		"--disable-dev-shm-usage",
		"--disable-blink-features=AutomationControlled",
	}
	if opts.UserAgent != "" {
		args = append(args, "--user-agent="+opts.UserAgent)
	}
	return args
}

func New(opts *Options) (*Browser, error) {
	if opts == nil {
		opts = DefaultOptions()
	}

	pw, err := playwright.Run()
	if err != nil {
		return nil, fmt.Errorf("failed to start playwright: %w", err)
	}

	b := &Browser{
		pw:     pw,
		opts:   opts,
		logger: slog.Default().With("component", "browser"),
	}

	if opts.UserDataDir != "" {
		err = b.launchPersistent()
	} else {
		err = b.launchEphemeral()
	}
	if err != nil {
		pw.Stop()
		return nil, err
	}

	b.context.SetDefaultTimeout(float64(opts.Timeout.Milliseconds()))

	b.logger.Info("browser context ready",
		"persistent", opts.UserDataDir != "",
		"headless", opts.Headless,
		"executable", opts.ExecutablePath)

	return b, nil
}

func (b *Browser) launchPersistent() error {
	opts := b.opts
	launchOpts := playwright.BrowserTypeLaunchPersistentContextOptions{
		Headless:   playwright.Bool(opts.Headless),
		Args:       launchArgs(opts),
		UserAgent:  optionalString(opts.UserAgent),
		Locale:     optionalString(opts.Locale),
		TimezoneId: optionalString(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.ExtraHeaders,
		ExecutablePath:   optionalString(opts.ExecutablePath),
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	context, err := b.pw.Chromium.LaunchPersistentContext(opts.UserDataDir, launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch persistent context: %w", err)
	}

	b.context = context
	return nil
}

func (b *Browser) launchEphemeral() error {
	opts := b.opts
	launchOpts := playwright.BrowserTypeLaunchOptions{
		Headless:       playwright.Bool(opts.Headless),
		Args:           launchArgs(opts),
		ExecutablePath: optionalString(opts.ExecutablePath),
	}
	if opts.ProxyServer != "" {
		launchOpts.Proxy = &playwright.Proxy{Server: opts.ProxyServer}
	}

	browser, err := b.pw.Chromium.Launch(launchOpts)
	if err != nil {
		return fmt.Errorf("failed to launch browser: %w", err)
	}

	contextOpts := playwright.BrowserNewContextOptions{
		UserAgent:         optionalString(opts.UserAgent),
		AcceptDownloads:   playwright.Bool(false),
		JavaScriptEnabled: playwright.Bool(true),
		Locale:            optionalString(opts.Locale),
		TimezoneId:        optionalString(opts.TimezoneID),
		Viewport: &playwright.Size{
			Width:  opts.ViewportWidth,
			Height: opts.ViewportHeight,
		},
		ExtraHttpHeaders: opts.ExtraHeaders,
	}

	context, err := browser.NewContext(contextOpts)
	if err != nil {
		browser.Close()
		return fmt.Errorf("failed to create browser context: %w", err)
	}

	b.browser = browser
	b.context = context
	return nil
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return playwright.String(s)
}

func (b *Browser) NewPage() (playwright.Page, error) {
	page, err := b.context.NewPage()
	if err != nil {
		return nil, fmt.Errorf("failed to create new page: %w", err)
	}

	page.SetDefaultTimeout(float64(b.opts.Timeout.Milliseconds()))

	return page, nil
}

func (b *Browser) Context() playwright.BrowserContext {
	return b.context
}

// Transport exposes the context's request API, which shares cookies with the
// pages opened in the same context.
func (b *Browser) Transport() *APITransport {
	return NewAPITransport(b.context.Request())
}

func (b *Browser) Close() error {
	var errs []error

	if b.context != nil {
		if err := b.context.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close context: %w", err))
		}
	}

	if b.browser != nil {
		if err := b.browser.Close(); err != nil {
			errs = append(errs, fmt.Errorf("failed to close browser: %w", err))
		}
	}

	if b.pw != nil {
		if err := b.pw.Stop(); err != nil {
			errs = append(errs, fmt.Errorf("failed to stop playwright: %w", err))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("errors during close: %v", errs)
	}

	return nil
}

// Warmup loads the storefront once so the context picks up the session and
// edge cookies the API expects from a real visitor.
func (b *Browser) Warmup(url string, maxRetries int) error {
	page, err := b.NewPage()
	if err != nil {
		return err
	}
	defer page.Close()

	return b.NavigateWithRetry(page, url, maxRetries)
}

func (b *Browser) NavigateWithRetry(page playwright.Page, url string, maxRetries int) error {
	var lastErr error

	for i := 0; i < maxRetries; i++ {
		if i > 0 {
			b.logger.Info("retrying navigation", "attempt", i+1, "url", url)
			time.Sleep(time.Duration(i+1) * time.Second)
		}

		_, err := page.Goto(url, playwright.PageGotoOptions{
			WaitUntil: playwright.WaitUntilStateDomcontentloaded,
			Timeout:   playwright.Float(float64(b.opts.Timeout.Milliseconds())),
		})

		if err == nil {
			if err := b.checkBlocked(page); err != nil {
				b.logger.Warn("storefront refused the visit", "error", err)
				lastErr = err
				continue
			}
			return nil
		}

		lastErr = err
		b.logger.Error("navigation failed", "error", err, "attempt", i+1)
	}

	return fmt.Errorf("failed after %d retries: %w", maxRetries, lastErr)
}

// checkBlocked recognises the edge "Access Denied" interstitial.
func (b *Browser) checkBlocked(page playwright.Page) error {
	title, err := page.Title()
	if err != nil {
		return fmt.Errorf("failed to get page title: %w", err)
	}

	b.logger.Debug("checking page", "title", title)

	if strings.Contains(strings.ToLower(title), "access denied") {
		return ErrAccessDenied
	}

	return nil
}
