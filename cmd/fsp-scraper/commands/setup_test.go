package commands

import (
	"context"
	"io"
	"log/slog"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fsp-price-scraper/internal/config"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

func TestNewApp_HTTPTransportSinks(t *testing.T) {
	dir := t.TempDir()

	cfg := config.Default()
	cfg.Scraper.Transport = config.TransportHTTP
	cfg.Output.Formats = []string{"csv", "json", "sqlite"}
	cfg.Output.Path = filepath.Join(dir, "out.csv")
	cfg.Output.JSONPath = filepath.Join(dir, "out.json")
	cfg.Output.SQLitePath = filepath.Join(dir, "out.db")
	cfg.Database.Enabled = false

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.NotNil(t, a.service)
	assert.Nil(t, a.browser)
	assert.Nil(t, a.db)
	require.Len(t, a.sink, 3)
	assert.IsType(t, &storage.CSVSink{}, a.sink[0])
	assert.IsType(t, &storage.SQLiteSink{}, a.sink[1])
	assert.IsType(t, &storage.JSONSink{}, a.sink[2])
	require.NotNil(t, a.history, "sqlite output backs the price history endpoint")
	assert.Same(t, a.history, a.sink[1])
}

func TestNewApp_NoHistoryWithoutSQLite(t *testing.T) {
	cfg := config.Default()
	cfg.Scraper.Transport = config.TransportHTTP
	cfg.Output.Formats = []string{"csv"}
	cfg.Output.Path = filepath.Join(t.TempDir(), "out.csv")
	cfg.Database.Enabled = false

	a, err := newApp(context.Background(), cfg, slog.New(slog.NewTextHandler(io.Discard, nil)))
	require.NoError(t, err)
	defer a.Close()

	assert.Nil(t, a.history)
}
