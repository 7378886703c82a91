package storage

import (
	"context"
	"encoding/csv"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

// CSVSink appends rows to a spreadsheet-friendly CSV file. A file created by
// the sink starts with a UTF-8 BOM and the header row.
type CSVSink struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
}

func NewCSVSink(path string, loc *time.Location) *CSVSink {
	return &CSVSink{path: path, loc: loc}
}

func (s *CSVSink) Write(ctx context.Context, records []*models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureDir(s.path); err != nil {
		return err
	}
	exists, err := fileExists(s.path)
	if err != nil {
		return err
	}

	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", s.path, err)
	}
	defer f.Close()

	if !exists {
		if _, err := f.Write(utf8BOM); err != nil {
			return err
		}
	}

	if err := WriteCSV(f, records, s.loc, !exists); err != nil {
		return fmt.Errorf("failed to write %s: %w", s.path, err)
	}
	return f.Close()
}

func (s *CSVSink) Close() error {
	return nil
}

// WriteCSV renders records as CRLF-terminated CSV rows, optionally preceded
// by the header.
func WriteCSV(w io.Writer, records []*models.PriceRecord, loc *time.Location, header bool) error {
	cw := csv.NewWriter(w)
	cw.UseCRLF = true
	if header {
		if err := cw.Write(models.Headers); err != nil {
			return err
		}
	}
	for _, r := range records {
		if err := cw.Write(r.Row(loc)); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportCSV writes a standalone document: BOM, header and rows.
func ExportCSV(w io.Writer, records []*models.PriceRecord, loc *time.Location) error {
	if _, err := w.Write(utf8BOM); err != nil {
		return err
	}
	return WriteCSV(w, records, loc, true)
}
