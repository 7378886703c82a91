// Package storage loads UPC lists and persists scrape results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

var utf8BOM = []byte{0xEF, 0xBB, 0xBF}

// Sink receives the records of a run.
type Sink interface {
	Write(ctx context.Context, records []*models.PriceRecord) error
	Close() error
}

// Flush writes the records of a run that may have been interrupted. The
// write ignores the cancellation of ctx so partial results are kept.
func Flush(ctx context.Context, sink Sink, records []*models.PriceRecord) error {
	return sink.Write(context.WithoutCancel(ctx), records)
}

// MultiSink writes to every sink in order, continuing past failures.
type MultiSink []Sink

func (m MultiSink) Write(ctx context.Context, records []*models.PriceRecord) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, records); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m MultiSink) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func ensureDir(path string) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create %s: %w", dir, err)
	}
	return nil
}

func fileExists(path string) (bool, error) {
	_, err := os.Stat(path)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, os.ErrNotExist) {
		return false, nil
	}
	return false, err
}
