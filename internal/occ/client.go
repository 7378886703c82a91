// Package occ talks to the storefront's SAP Commerce OCC REST API: product
// search, product detail and the anonymous cart used to read effective prices.
package occ

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"maps"
	"net/http"
	"net/url"
	"strconv"
	"time"
)

const (
	DefaultRequestTimeout = 15 * time.Second
	DefaultDeleteTimeout  = 10 * time.Second

	// FreeTextPrefix turns a plain query into an explicit free-text facet
	// query; some UPCs only resolve in that form.
	FreeTextPrefix = ":relevance:freeText:"

	searchFields = "products(code,name)"
)

// SearchProduct is one hit of a product search.
type SearchProduct struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

// UnmarshalJSON accepts product codes sent as strings or as bare numbers.
func (p *SearchProduct) UnmarshalJSON(data []byte) error {
	var raw struct {
		Code json.RawMessage `json:"code"`
		Name string          `json:"name"`
	}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	p.Code = codeText(raw.Code)
	p.Name = raw.Name
	return nil
}

// codeText renders a JSON string or number as the code text. A number keeps
// its literal digits.
func codeText(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}
	var n json.Number
	if err := json.Unmarshal(raw, &n); err == nil {
		return n.String()
	}
	return ""
}

type caller struct {
	transport Transport
	site      Site
	timeout   time.Duration
	logger    *slog.Logger
}

func (c *caller) do(ctx context.Context, method, endpoint string, query url.Values, body []byte, timeout time.Duration) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	headers := c.site.Headers()
	if body != nil {
		headers = maps.Clone(headers)
		headers["Content-Type"] = "application/json"
	}
	if timeout <= 0 {
		timeout = c.timeout
	}

	req := &Request{
		Method:  method,
		URL:     endpoint,
		Query:   query,
		Headers: headers,
		Body:    body,
		Timeout: timeout,
	}

	resp, err := c.transport.Do(ctx, req)
	if err != nil {
		return nil, err
	}

	c.logger.Debug("occ call", "method", method, "url", endpoint, "status", resp.StatusCode)
	return resp, nil
}

// Client reads the product catalogue.
type Client struct {
	caller
}

func NewClient(t Transport, site Site, timeout time.Duration, logger *slog.Logger) *Client {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{caller{
		transport: t,
		site:      site,
		timeout:   timeout,
		logger:    logger.With("component", "occ"),
	}}
}

// Search runs a product search. A rejected or unreadable response yields no
// products and no error; only transport failures are returned.
func (c *Client) Search(ctx context.Context, query string) ([]SearchProduct, error) {
	q := c.site.localeQuery()
	q.Set("query", query)
	q.Set("pageSize", strconv.Itoa(c.site.PageSize))
	q.Set("currentPage", "0")
	q.Set("fields", searchFields)

	resp, err := c.do(ctx, http.MethodGet, c.site.endpoint("products", "search"), q, nil, 0)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		c.logger.Debug("search rejected", "query", query, "status", resp.StatusCode)
		return nil, nil
	}

	var payload struct {
		Products []SearchProduct `json:"products"`
	}
	if err := resp.JSON(&payload); err != nil {
		c.logger.Debug("search response not decodable", "query", query, "error", err)
		return nil, nil
	}

	return payload.Products, nil
}

// Detail fetches the full product document. A rejected or unreadable response
// yields an empty detail.
func (c *Client) Detail(ctx context.Context, code string) (ProductDetail, error) {
	q := c.site.localeQuery()
	q.Set("fields", "FULL")

	resp, err := c.do(ctx, http.MethodGet, c.site.endpoint("products", code), q, nil, 0)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, nil
	}

	detail, err := decodeDetail(resp.Body)
	if err != nil {
		c.logger.Debug("detail response not decodable", "code", code, "error", err)
		return nil, nil
	}

	return detail, nil
}

func decodeDetail(body []byte) (ProductDetail, error) {
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()

	var detail map[string]any
	if err := dec.Decode(&detail); err != nil {
		return nil, err
	}
	return ProductDetail(detail), nil
}

// FreeText wraps a query in the free-text facet form.
func FreeText(query string) string {
	return FreeTextPrefix + query
}
