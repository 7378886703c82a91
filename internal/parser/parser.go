// Package parser holds the value normalisation used when reading OCC payloads:
// identifier digits, loosely typed numbers, money formatting and product names.
package parser

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	numberPattern = regexp.MustCompile(`[\d.,]+`)
	nonDigit      = regexp.MustCompile(`\D`)
)

// Number extracts a float from a JSON-ish value. Booleans and nil are never
// numbers. Strings contribute their first run of digits, dots and commas, with
// commas treated as thousands separators.
func Number(v any) (float64, bool) {
	switch x := v.(type) {
	case nil, bool:
		return 0, false
	case float64:
		return x, true
	case float32:
		return float64(x), true
	case int:
		return float64(x), true
	case int64:
		return float64(x), true
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return 0, false
		}
		return f, true
	case string:
		return parseNumericText(x)
	default:
		return parseNumericText(fmt.Sprint(x))
	}
}

// NumberPtr is Number with the absent case mapped to nil.
func NumberPtr(v any) *float64 {
	f, ok := Number(v)
	if !ok {
		return nil
	}
	return &f
}

func parseNumericText(s string) (float64, bool) {
	m := numberPattern.FindString(s)
	if m == "" {
		return 0, false
	}
	f, err := strconv.ParseFloat(strings.ReplaceAll(m, ",", ""), 64)
	if err != nil {
		return 0, false
	}
	return f, true
}

// Money renders a price with two decimals, or "" when absent.
func Money(v *float64) string {
	if v == nil {
		return ""
	}
	return strconv.FormatFloat(*v, 'f', 2, 64)
}

// Digits returns only the decimal digits of v's textual form. Empty and zero
// values yield "".
func Digits(v any) string {
	return nonDigit.ReplaceAllString(text(v), "")
}

func text(v any) string {
	switch x := v.(type) {
	case nil:
		return ""
	case string:
		return x
	case bool:
		if !x {
			return ""
		}
		return "True"
	case json.Number:
		if f, err := x.Float64(); err == nil && f == 0 {
			return ""
		}
		return x.String()
	case float64:
		if x == 0 {
			return ""
		}
		return strconv.FormatFloat(x, 'f', -1, 64)
	case int:
		if x == 0 {
			return ""
		}
		return strconv.Itoa(x)
	case int64:
		if x == 0 {
			return ""
		}
		return strconv.FormatInt(x, 10)
	default:
		return fmt.Sprint(x)
	}
}
