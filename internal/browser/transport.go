package browser

import (
	"context"
	"fmt"

	"github.com/maltedev/fsp-price-scraper/internal/occ"
	"github.com/playwright-community/playwright-go"
)

// APITransport sends OCC requests through a Playwright request context.
type APITransport struct {
	req playwright.APIRequestContext
}

func NewAPITransport(req playwright.APIRequestContext) *APITransport {
	return &APITransport{req: req}
}

func (t *APITransport) Do(ctx context.Context, req *occ.Request) (*occ.Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	opts := playwright.APIRequestContextFetchOptions{
		Method:  playwright.String(req.Method),
		Headers: req.Headers,
	}
	if req.Timeout > 0 {
		opts.Timeout = playwright.Float(float64(req.Timeout.Milliseconds()))
	}
	if req.Body != nil {
		opts.Data = string(req.Body)
	}

	resp, err := t.req.Fetch(req.FullURL(), opts)
	if err != nil {
		return nil, fmt.Errorf("%s %s: %w", req.Method, req.URL, err)
	}
	defer resp.Dispose()

	body, err := resp.Body()
	if err != nil {
		return nil, fmt.Errorf("failed to read response body: %w", err)
	}

	return &occ.Response{
		StatusCode: resp.Status(),
		Body:       body,
	}, nil
}
