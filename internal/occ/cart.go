package occ

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/maltedev/fsp-price-scraper/internal/parser"
)

const entryFields = "entries(entryNumber,product(code,name)," +
	"basePrice(value,formattedValue),totalPrice(value,formattedValue))"

// CartEntry is a cart line with the prices the storefront computed for it.
type CartEntry struct {
	EntryNumber int
	Code        string
	Name        string
	BasePrice   *float64
	TotalPrice  *float64
}

type cartRef struct {
	GUID string `json:"guid"`
	Code string `json:"code"`
}

func (r cartRef) id() string {
	if r.GUID != "" {
		return r.GUID
	}
	return r.Code
}

type priceValue struct {
	Value any `json:"value"`
}

type entryPayload struct {
	EntryNumber any `json:"entryNumber"`
	Product     *struct {
		Code json.RawMessage `json:"code"`
		Name string          `json:"name"`
	} `json:"product"`
	BasePrice  *priceValue `json:"basePrice"`
	TotalPrice *priceValue `json:"totalPrice"`
}

// Cart drives an anonymous storefront cart. Adding a product and reading the
// entry back is the only way to get the promotion-adjusted price.
type Cart struct {
	caller
	deleteTimeout time.Duration
}

func NewCart(t Transport, site Site, timeout, deleteTimeout time.Duration, logger *slog.Logger) *Cart {
	if timeout <= 0 {
		timeout = DefaultRequestTimeout
	}
	if deleteTimeout <= 0 {
		deleteTimeout = DefaultDeleteTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Cart{
		caller: caller{
			transport: t,
			site:      site,
			timeout:   timeout,
			logger:    logger.With("component", "cart"),
		},
		deleteTimeout: deleteTimeout,
	}
}

// Create opens an anonymous cart and returns its id, or "" when the
// storefront would not hand one out. When the creation response lacks a guid
// the cart list and then the current cart are consulted.
func (c *Cart) Create(ctx context.Context) (string, error) {
	base := c.site.endpoint("users", "anonymous", "carts")

	resp, err := c.do(ctx, http.MethodPost, base, c.site.localeQuery(), nil, 0)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		c.logger.Warn("cart creation rejected", "status", resp.StatusCode)
		return "", nil
	}

	var created cartRef
	if err := resp.JSON(&created); err != nil {
		return "", nil
	}
	if created.GUID != "" {
		return created.GUID, nil
	}

	q := c.site.localeQuery()
	q.Set("fields", "DEFAULT")

	id, err := c.lookup(ctx, base, q, decodeCartList)
	if err != nil {
		return "", err
	}
	if id == "" {
		id, err = c.lookup(ctx, base+"/current", q, decodeCurrentCart)
		if err != nil {
			return "", err
		}
	}
	if id == "" {
		id = created.Code
	}

	return id, nil
}

func (c *Cart) lookup(ctx context.Context, endpoint string, q url.Values, decode func([]byte) string) (string, error) {
	resp, err := c.do(ctx, http.MethodGet, endpoint, q, nil, 0)
	if err != nil {
		return "", err
	}
	if !resp.OK() {
		return "", nil
	}
	return decode(resp.Body), nil
}

// decodeCartList accepts a bare array as well as the {"carts": [...]} wrapper.
func decodeCartList(body []byte) string {
	var list []cartRef
	if err := json.Unmarshal(body, &list); err != nil {
		var wrapped struct {
			Carts []cartRef `json:"carts"`
		}
		if err := json.Unmarshal(body, &wrapped); err != nil {
			return ""
		}
		list = wrapped.Carts
	}
	if len(list) == 0 {
		return ""
	}
	return list[0].id()
}

func decodeCurrentCart(body []byte) string {
	var cur cartRef
	if err := json.Unmarshal(body, &cur); err != nil {
		return ""
	}
	return cur.id()
}

// AddEntry puts qty units of the product into the cart.
func (c *Cart) AddEntry(ctx context.Context, cartID, code string, qty int) (bool, error) {
	body, err := json.Marshal(map[string]any{
		"product":  map[string]string{"code": code},
		"quantity": qty,
	})
	if err != nil {
		return false, err
	}

	resp, err := c.do(ctx, http.MethodPost, c.site.endpoint("users", "anonymous", "carts", cartID, "entries"), c.site.localeQuery(), body, 0)
	if err != nil {
		return false, err
	}
	if !resp.OK() {
		c.logger.Debug("add entry rejected", "code", code, "status", resp.StatusCode)
	}
	return resp.OK(), nil
}

// Entries reads the cart lines. A rejected or unreadable response yields no
// entries.
func (c *Cart) Entries(ctx context.Context, cartID string) ([]CartEntry, error) {
	q := c.site.localeQuery()
	q.Set("fields", entryFields)

	resp, err := c.do(ctx, http.MethodGet, c.site.endpoint("users", "anonymous", "carts", cartID), q, nil, 0)
	if err != nil {
		return nil, err
	}
	if !resp.OK() {
		return nil, nil
	}

	var payload struct {
		Entries []entryPayload `json:"entries"`
	}
	if err := resp.JSON(&payload); err != nil {
		return nil, nil
	}

	entries := make([]CartEntry, 0, len(payload.Entries))
	for i, e := range payload.Entries {
		entry := CartEntry{EntryNumber: i}
		if n, ok := parser.Number(e.EntryNumber); ok {
			entry.EntryNumber = int(n)
		}
		if e.Product != nil {
			entry.Code = codeText(e.Product.Code)
			entry.Name = strings.TrimSpace(e.Product.Name)
		}
		if e.BasePrice != nil {
			entry.BasePrice = parser.NumberPtr(e.BasePrice.Value)
		}
		if e.TotalPrice != nil {
			entry.TotalPrice = parser.NumberPtr(e.TotalPrice.Value)
		}
		entries = append(entries, entry)
	}

	return entries, nil
}

// Remove deletes an entry. Failures are logged and otherwise ignored: a stale
// entry only costs one extra line in an anonymous cart.
func (c *Cart) Remove(ctx context.Context, cartID string, entryNumber int) {
	endpoint := c.site.endpoint("users", "anonymous", "carts", cartID, "entries", strconv.Itoa(entryNumber))
	resp, err := c.do(ctx, http.MethodDelete, endpoint, nil, nil, c.deleteTimeout)
	if err != nil {
		c.logger.Debug("remove entry failed", "cart", cartID, "entry", entryNumber, "error", err)
		return
	}
	if !resp.OK() {
		c.logger.Debug("remove entry rejected", "cart", cartID, "entry", entryNumber, "status", resp.StatusCode)
	}
}
