package occ

import (
	"strings"

	"github.com/maltedev/fsp-price-scraper/internal/parser"
)

var (
	identifierFields     = []string{"gtin", "ean", "upc", "sku", "visualCode"}
	identifierListFields = []string{"eans", "gtins", "upcs"}
)

// ProductDetail is the FULL product document. It stays loosely typed because
// identifier fields appear as strings, numbers or lists depending on the
// product.
type ProductDetail map[string]any

// Empty reports a missing or blank document.
func (d ProductDetail) Empty() bool {
	return len(d) == 0
}

func (d ProductDetail) Name() string {
	s, _ := d["name"].(string)
	return strings.TrimSpace(s)
}

// MatchesUPC reports whether any identifier on the product has the same
// digits as upc. Identifiers are looked up in direct fields, identifier lists
// and classification feature values.
func (d ProductDetail) MatchesUPC(upc string) bool {
	target := parser.Digits(upc)
	if target == "" {
		return false
	}
	same := func(v any) bool {
		return parser.Digits(v) == target
	}

	for _, k := range identifierFields {
		if same(d[k]) {
			return true
		}
	}

	for _, k := range identifierListFields {
		for _, v := range asList(d[k]) {
			if same(v) {
				return true
			}
		}
	}

	for _, cl := range asList(d["classifications"]) {
		for _, feat := range asList(asObject(cl)["features"]) {
			f := asObject(feat)
			for _, val := range asList(f["featureValues"]) {
				if same(asObject(val)["value"]) {
					return true
				}
			}
			if same(f["value"]) {
				return true
			}
		}
	}

	return false
}

func asList(v any) []any {
	l, _ := v.([]any)
	return l
}

func asObject(v any) map[string]any {
	m, _ := v.(map[string]any)
	return m
}
