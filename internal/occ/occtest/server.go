// Package occtest provides an in-process fake of the OCC endpoints the
// scraper uses, for tests that need a storefront to talk to.
package occtest

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/maltedev/fsp-price-scraper/internal/occ"
)

// DefaultCartGUID is the guid handed out by the default cart creation response.
const DefaultCartGUID = "anon-cart-0001"

// Product is a catalogue item served by the fake. CartName, when set,
// replaces Name on cart entries.
type Product struct {
	Code       string
	Name       string
	CartName   string
	Detail     map[string]any
	BasePrice  any
	TotalPrice any
}

// Call is a request received by the fake.
type Call struct {
	Method string
	Path   string
	Query  url.Values
	Header http.Header
}

type entry struct {
	code string
	qty  int
}

type response struct {
	status int
	body   any
}

// Server is a fake storefront API with a single anonymous cart.
type Server struct {
	*httptest.Server

	mu          sync.Mutex
	products    map[string]*Product
	index       map[string][]string
	failAdd     map[string]bool
	failDetail  map[string]bool
	priceMisses int
	create      response
	cartList    response
	current     response
	entries     []entry
	calls       []Call
}

// New starts a fake that is closed when the test ends.
func New(t testing.TB) *Server {
	s := &Server{
		products:   make(map[string]*Product),
		index:      make(map[string][]string),
		failAdd:    make(map[string]bool),
		failDetail: make(map[string]bool),
		create: response{http.StatusCreated, map[string]any{
			"guid": DefaultCartGUID,
			"code": "00000001",
		}},
		cartList: response{http.StatusNotFound, nil},
		current:  response{http.StatusNotFound, nil},
	}
	s.Server = httptest.NewServer(s.routes())
	t.Cleanup(s.Close)
	return s
}

// Site points the default storefront settings at the fake.
func (s *Server) Site() occ.Site {
	site := occ.DefaultSite()
	site.APIHost = s.URL
	return site
}

// AddProduct registers p and makes it the result of each query in order of
// registration.
func (s *Server) AddProduct(p Product, queries ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.products[p.Code] = &p
	for _, q := range queries {
		s.index[q] = append(s.index[q], p.Code)
	}
}

// IndexSearch makes query return codes, which need not be registered.
func (s *Server) IndexSearch(query string, codes ...string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.index[query] = append(s.index[query], codes...)
}

// FailAdd rejects cart additions of code.
func (s *Server) FailAdd(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failAdd[code] = true
}

// FailDetail answers detail requests for code with a server error.
func (s *Server) FailDetail(code string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failDetail[code] = true
}

// MissPrices makes the next n cart reads return no entries.
func (s *Server) MissPrices(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.priceMisses = n
}

// SetCreateResponse replaces the cart creation response.
func (s *Server) SetCreateResponse(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.create = response{status, body}
}

// SetCartListResponse sets the answer to GET carts.
func (s *Server) SetCartListResponse(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cartList = response{status, body}
}

// SetCurrentCartResponse sets the answer to GET carts/current.
func (s *Server) SetCurrentCartResponse(status int, body any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.current = response{status, body}
}

// EntryCount returns the number of lines currently in the cart.
func (s *Server) EntryCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.entries)
}

// Calls returns every request received so far.
func (s *Server) Calls() []Call {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]Call(nil), s.calls...)
}

// SearchQueries returns the query parameter of every search, in order.
func (s *Server) SearchQueries() []string {
	var out []string
	for _, c := range s.Calls() {
		if c.Method == http.MethodGet && c.Path == "/rest/v2/fsp/products/search" {
			out = append(out, c.Query.Get("query"))
		}
	}
	return out
}

// CountCalls counts requests with the given method and path.
func (s *Server) CountCalls(method, path string) int {
	n := 0
	for _, c := range s.Calls() {
		if c.Method == method && c.Path == path {
			n++
		}
	}
	return n
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(s.record)

	r.Route("/rest/v2/{site}", func(r chi.Router) {
		r.Get("/products/search", s.search)
		r.Get("/products/{code}", s.detail)
		r.Post("/users/anonymous/carts", s.createCart)
		r.Get("/users/anonymous/carts", s.fixed(func() response { return s.cartList }))
		r.Get("/users/anonymous/carts/current", s.fixed(func() response { return s.current }))
		r.Get("/users/anonymous/carts/{cartID}", s.cart)
		r.Post("/users/anonymous/carts/{cartID}/entries", s.addEntry)
		r.Delete("/users/anonymous/carts/{cartID}/entries/{entry}", s.removeEntry)
	})

	return r
}

func (s *Server) record(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		s.calls = append(s.calls, Call{
			Method: r.Method,
			Path:   r.URL.Path,
			Query:  r.URL.Query(),
			Header: r.Header.Clone(),
		})
		s.mu.Unlock()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	products := []map[string]string{}
	for _, code := range s.index[r.URL.Query().Get("query")] {
		name := ""
		if p, ok := s.products[code]; ok {
			name = p.Name
		}
		products = append(products, map[string]string{"code": code, "name": name})
	}

	writeJSON(w, http.StatusOK, map[string]any{"products": products})
}

func (s *Server) detail(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	code := chi.URLParam(r, "code")
	if s.failDetail[code] {
		writeJSON(w, http.StatusInternalServerError, errorBody("ServerError"))
		return
	}
	p, ok := s.products[code]
	if !ok {
		writeJSON(w, http.StatusBadRequest, errorBody("UnknownIdentifierError"))
		return
	}

	doc := map[string]any{}
	for k, v := range p.Detail {
		doc[k] = v
	}
	doc["code"] = p.Code
	doc["name"] = p.Name

	writeJSON(w, http.StatusOK, doc)
}

func (s *Server) createCart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	resp := s.create
	s.mu.Unlock()
	writeJSON(w, resp.status, resp.body)
}

func (s *Server) fixed(get func() response) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s.mu.Lock()
		resp := get()
		s.mu.Unlock()
		writeJSON(w, resp.status, resp.body)
	}
}

func (s *Server) cart(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.priceMisses > 0 {
		s.priceMisses--
		writeJSON(w, http.StatusOK, map[string]any{"entries": []any{}})
		return
	}

	entries := make([]map[string]any, 0, len(s.entries))
	for i, e := range s.entries {
		p := s.products[e.code]
		name := p.Name
		if p.CartName != "" {
			name = p.CartName
		}
		entries = append(entries, map[string]any{
			"entryNumber": i,
			"product":     map[string]any{"code": p.Code, "name": name},
			"basePrice":   priceBody(p.BasePrice),
			"totalPrice":  priceBody(p.TotalPrice),
		})
	}

	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) addEntry(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Product struct {
			Code string `json:"code"`
		} `json:"product"`
		Quantity int `json:"quantity"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody("InvalidBody"))
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	code := req.Product.Code
	if _, ok := s.products[code]; !ok || s.failAdd[code] {
		writeJSON(w, http.StatusBadRequest, errorBody("CartEntryError"))
		return
	}

	s.entries = append(s.entries, entry{code: code, qty: req.Quantity})
	writeJSON(w, http.StatusOK, map[string]any{
		"statusCode":    "success",
		"quantityAdded": req.Quantity,
		"entry":         map[string]any{"entryNumber": len(s.entries) - 1},
	})
}

func (s *Server) removeEntry(w http.ResponseWriter, r *http.Request) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, err := strconv.Atoi(chi.URLParam(r, "entry"))
	if err != nil || n < 0 || n >= len(s.entries) {
		writeJSON(w, http.StatusNotFound, errorBody("CartEntryError"))
		return
	}

	s.entries = append(s.entries[:n], s.entries[n+1:]...)
	w.WriteHeader(http.StatusOK)
}

func priceBody(v any) any {
	if v == nil {
		return nil
	}
	return map[string]any{
		"value":          v,
		"formattedValue": fmt.Sprintf("$%v", v),
	}
}

func errorBody(kind string) map[string]any {
	return map[string]any{
		"errors": []map[string]string{{"type": kind}},
	}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if body != nil {
		json.NewEncoder(w).Encode(body)
	}
}
