package storage

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/xuri/excelize/v2"

	"github.com/maltedev/fsp-price-scraper/internal/models"
)

const xlsxSheet = "Precios"

// XLSXSink appends rows to a workbook. Prices are stored as numbers so the
// sheet can be sorted and summed.
type XLSXSink struct {
	mu   sync.Mutex
	path string
	loc  *time.Location
}

func NewXLSXSink(path string, loc *time.Location) *XLSXSink {
	return &XLSXSink{path: path, loc: loc}
}

func (s *XLSXSink) Write(ctx context.Context, records []*models.PriceRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := ensureDir(s.path); err != nil {
		return err
	}

	f, err := s.open()
	if err != nil {
		return err
	}
	defer f.Close()

	rows, err := f.GetRows(xlsxSheet)
	if err != nil {
		return fmt.Errorf("failed to read %s: %w", s.path, err)
	}
	next := len(rows) + 1

	for _, r := range records {
		cell, err := excelize.CoordinatesToCellName(1, next)
		if err != nil {
			return err
		}
		row := []any{r.UPC, priceCell(r, r.BasePrice), priceCell(r, r.PromoPrice), r.Name, r.Timestamp(s.loc)}
		if err := f.SetSheetRow(xlsxSheet, cell, &row); err != nil {
			return fmt.Errorf("failed to write row %d: %w", next, err)
		}
		next++
	}

	if err := f.SaveAs(s.path); err != nil {
		return fmt.Errorf("failed to save %s: %w", s.path, err)
	}
	return nil
}

// open loads the workbook or creates one with the header row.
func (s *XLSXSink) open() (*excelize.File, error) {
	exists, err := fileExists(s.path)
	if err != nil {
		return nil, err
	}
	if exists {
		f, err := excelize.OpenFile(s.path)
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", s.path, err)
		}
		if idx, _ := f.GetSheetIndex(xlsxSheet); idx < 0 {
			if _, err := f.NewSheet(xlsxSheet); err != nil {
				f.Close()
				return nil, err
			}
		}
		return f, nil
	}

	f := excelize.NewFile()
	if err := f.SetSheetName("Sheet1", xlsxSheet); err != nil {
		f.Close()
		return nil, err
	}
	header := make([]any, len(models.Headers))
	for i, h := range models.Headers {
		header[i] = h
	}
	if err := f.SetSheetRow(xlsxSheet, "A1", &header); err != nil {
		f.Close()
		return nil, err
	}
	return f, nil
}

func priceCell(r *models.PriceRecord, v *float64) any {
	if !r.Succeeded() {
		return models.Placeholder
	}
	if v == nil {
		return ""
	}
	return *v
}

func (s *XLSXSink) Close() error {
	return nil
}
