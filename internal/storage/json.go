package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

// JSONSink keeps the latest record per UPC in a single JSON document.
type JSONSink struct {
	mu       sync.RWMutex
	records  map[string]*models.PriceRecord
	filename string
}

func NewJSONSink(filename string) (*JSONSink, error) {
	s := &JSONSink{
		records:  make(map[string]*models.PriceRecord),
		filename: filename,
	}

	if err := s.Load(); err != nil && !os.IsNotExist(err) {
		return nil, err
	}

	return s, nil
}

func (s *JSONSink) Write(ctx context.Context, records []*models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, r := range records {
		if r.UPC == "" {
			continue
		}
		s.records[r.UPC] = r
	}

	return s.save()
}

func (s *JSONSink) save() error {
	list := make([]*models.PriceRecord, 0, len(s.records))
	for _, r := range s.records {
		list = append(list, r)
	}
	sort.Slice(list, func(i, j int) bool { return list[i].UPC < list[j].UPC })

	data, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		return err
	}

	if err := ensureDir(s.filename); err != nil {
		return err
	}

	// Write to temp file first for atomicity
	tmpFile := s.filename + ".tmp"
	if err := os.WriteFile(tmpFile, data, 0644); err != nil {
		return err
	}

	return os.Rename(tmpFile, s.filename)
}

func (s *JSONSink) Load() error {
	data, err := os.ReadFile(s.filename)
	if err != nil {
		return err
	}

	var list []*models.PriceRecord
	if err := json.Unmarshal(data, &list); err != nil {
		return fmt.Errorf("failed to parse %s: %w", s.filename, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range list {
		s.records[r.UPC] = r
	}
	return nil
}

func (s *JSONSink) Close() error {
	return nil
}
