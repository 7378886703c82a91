package storage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/maltedev/fsp-price-scraper/internal/parser"
)

// LoadUPCs reads the codes to scrape. JSON files hold either a list or an
// object with a "upcs" list; .txt and .csv files hold one code per line.
// Order is preserved and blank entries are dropped. An empty list is not an
// error: the run then only writes the output header.
func LoadUPCs(path string) ([]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read UPC list: %w", err)
	}
	data = bytes.TrimPrefix(data, utf8BOM)

	var upcs []string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".txt", ".csv":
		upcs = parseLines(data)
	default:
		upcs, err = parseJSON(data)
		if err != nil {
			return nil, fmt.Errorf("failed to parse UPC list %s: %w", path, err)
		}
	}

	if upcs == nil {
		upcs = []string{}
	}
	return upcs, nil
}

func parseJSON(data []byte) ([]string, error) {
	dec := json.NewDecoder(bytes.NewReader(data))
	dec.UseNumber()

	var raw any
	if err := dec.Decode(&raw); err != nil {
		return nil, err
	}

	var list []any
	switch v := raw.(type) {
	case []any:
		list = v
	case map[string]any:
		l, ok := v["upcs"].([]any)
		if !ok {
			return nil, fmt.Errorf(`expected a list under "upcs"`)
		}
		list = l
	default:
		return nil, fmt.Errorf("expected a list or an object, got %T", raw)
	}

	upcs := make([]string, 0, len(list))
	for _, item := range list {
		var s string
		switch v := item.(type) {
		case string:
			s = strings.TrimSpace(v)
		case json.Number:
			s = v.String()
		default:
			s = parser.Digits(v)
		}
		if s != "" {
			upcs = append(upcs, s)
		}
	}
	return upcs, nil
}

// parseLines takes the first comma separated field of each line and skips a
// leading "UPC" header.
func parseLines(data []byte) []string {
	var upcs []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	for scanner.Scan() {
		field, _, _ := strings.Cut(scanner.Text(), ",")
		field = strings.Trim(strings.TrimSpace(field), `"`)
		if field == "" || (len(upcs) == 0 && strings.EqualFold(field, "upc")) {
			continue
		}
		upcs = append(upcs, field)
	}
	return upcs
}
