package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/maltedev/fsp-price-scraper/internal/database"
	"github.com/maltedev/fsp-price-scraper/internal/jobs"
	"github.com/maltedev/fsp-price-scraper/internal/models"
)

type mockJobs struct {
	mock.Mock
}

func (m *mockJobs) CreateJob(ctx context.Context, upcs []string) (*jobs.Job, error) {
	args := m.Called(ctx, upcs)
	job, _ := args.Get(0).(*jobs.Job)
	return job, args.Error(1)
}

func (m *mockJobs) GetJob(ctx context.Context, jobID string) (*jobs.Job, error) {
	args := m.Called(ctx, jobID)
	job, _ := args.Get(0).(*jobs.Job)
	return job, args.Error(1)
}

func (m *mockJobs) ListJobs(ctx context.Context) ([]*jobs.Job, error) {
	args := m.Called(ctx)
	list, _ := args.Get(0).([]*jobs.Job)
	return list, args.Error(1)
}

func (m *mockJobs) Results(ctx context.Context, jobID string) ([]*models.PriceRecord, error) {
	args := m.Called(ctx, jobID)
	records, _ := args.Get(0).([]*models.PriceRecord)
	return records, args.Error(1)
}

func (m *mockJobs) GetStats(ctx context.Context) (*jobs.Stats, error) {
	args := m.Called(ctx)
	stats, _ := args.Get(0).(*jobs.Stats)
	return stats, args.Error(1)
}

type fakeOutbox struct {
	counts database.OutboxCounts
	err    error
}

func (f fakeOutbox) Backlog(ctx context.Context) (database.OutboxCounts, error) {
	return f.counts, f.err
}

type fakeHistory map[string][]*models.PriceRecord

func (f fakeHistory) History(ctx context.Context, upc string) ([]*models.PriceRecord, error) {
	if upc == "broken" {
		return nil, errors.New("database is locked")
	}
	return f[upc], nil
}

func newTestRouter(svc JobService, outbox OutboxStats) http.Handler {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewRouter(NewHandlers(svc, outbox, time.UTC, logger), nil)
}

func do(t *testing.T, h http.Handler, method, target string, body []byte) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func TestCreateJob(t *testing.T) {
	tests := []struct {
		name       string
		body       string
		setup      func(m *mockJobs)
		wantStatus int
		wantError  string
	}{
		{
			name: "created",
			body: `{"upcs":["7501","","7502"]}`,
			setup: func(m *mockJobs) {
				m.On("CreateJob", mock.Anything, []string{"7501", "7502"}).
					Return(&jobs.Job{ID: "job-1", Status: jobs.StatusPending}, nil)
			},
			wantStatus: http.StatusCreated,
		},
		{
			name:       "invalid body",
			body:       `{"upcs":`,
			wantStatus: http.StatusBadRequest,
			wantError:  "invalid request body",
		},
		{
			name:       "no upcs",
			body:       `{"upcs":[""]}`,
			wantStatus: http.StatusBadRequest,
			wantError:  "upcs is required",
		},
		{
			name: "manager failure",
			body: `{"upcs":["7501"]}`,
			setup: func(m *mockJobs) {
				m.On("CreateJob", mock.Anything, []string{"7501"}).Return(nil, errors.New("queue closed"))
			},
			wantStatus: http.StatusInternalServerError,
			wantError:  "failed to create job",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			svc := &mockJobs{}
			if tt.setup != nil {
				tt.setup(svc)
			}

			rec := do(t, newTestRouter(svc, nil), http.MethodPost, "/api/v1/jobs", []byte(tt.body))
			assert.Equal(t, tt.wantStatus, rec.Code)

			if tt.wantError != "" {
				var body map[string]string
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
				assert.Equal(t, tt.wantError, body["error"])
			} else {
				var resp CreateJobResponse
				require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
				assert.Equal(t, "job-1", resp.JobID)
				assert.Equal(t, jobs.StatusPending, resp.Status)
			}
			svc.AssertExpectations(t)
		})
	}
}

func TestGetJob(t *testing.T) {
	svc := &mockJobs{}
	svc.On("GetJob", mock.Anything, "job-1").Return(&jobs.Job{ID: "job-1", Status: jobs.StatusRunning, Total: 3, Processed: 1}, nil)
	svc.On("GetJob", mock.Anything, "nope").Return(nil, jobs.ErrJobNotFound)
	router := newTestRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/jobs/job-1", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var job jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &job))
	assert.Equal(t, jobs.StatusRunning, job.Status)
	assert.Equal(t, 1, job.Processed)

	rec = do(t, router, http.MethodGet, "/api/v1/jobs/nope", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestListJobsAndStats(t *testing.T) {
	svc := &mockJobs{}
	svc.On("ListJobs", mock.Anything).Return([]*jobs.Job{{ID: "b"}, {ID: "a"}}, nil)
	svc.On("GetStats", mock.Anything).Return(&jobs.Stats{TotalJobs: 2, CompletedJobs: 1}, nil)
	router := newTestRouter(svc, nil)

	rec := do(t, router, http.MethodGet, "/api/v1/jobs", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var list []jobs.Job
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &list))
	require.Len(t, list, 2)
	assert.Equal(t, "b", list[0].ID)

	rec = do(t, router, http.MethodGet, "/api/v1/stats", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var stats jobs.Stats
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &stats))
	assert.Equal(t, 2, stats.TotalJobs)
}

func TestGetJobResults(t *testing.T) {
	base, promo := 120.5, 99.0
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	records := []*models.PriceRecord{
		{UPC: "7501", Name: "Aspirina", BasePrice: &base, PromoPrice: &promo, Status: models.StatusOK, ScrapedAt: at},
		models.NewNotFound("7502", at),
	}

	svc := &mockJobs{}
	svc.On("Results", mock.Anything, "job-1").Return(records, nil)
	svc.On("Results", mock.Anything, "nope").Return(nil, jobs.ErrJobNotFound)
	router := newTestRouter(svc, nil)

	t.Run("json", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/jobs/job-1/results", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		var got []models.PriceRecord
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &got))
		require.Len(t, got, 2)
		assert.Equal(t, models.StatusNotFound, got[1].Status)
	})

	t.Run("csv", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/jobs/job-1/results?format=csv", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.Contains(t, rec.Header().Get("Content-Type"), "text/csv")

		body := rec.Body.String()
		assert.True(t, strings.HasPrefix(body, "\ufeff"), "csv export starts with a BOM")
		lines := strings.Split(strings.TrimPrefix(body, "\ufeff"), "\r\n")
		require.Len(t, lines, 4)
		assert.Equal(t, strings.Join(models.Headers, ","), lines[0])
		assert.Equal(t, "7501,120.50,99.00,Aspirina,2024-05-01 10:30:00", lines[1])
		assert.Equal(t, "7502,-,-,No encontrado,2024-05-01 10:30:00", lines[2])
		assert.Empty(t, lines[3])
	})

	t.Run("unknown job", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/jobs/nope/results", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestGetPriceHistory(t *testing.T) {
	base := 120.5
	at := time.Date(2024, 5, 1, 10, 30, 0, 0, time.UTC)
	history := fakeHistory{
		"7501031311309": {
			{UPC: "7501031311309", Name: "Aspirina", BasePrice: &base, Status: models.StatusOK, ScrapedAt: at},
			{UPC: "7501031311309", Name: "Aspirina", BasePrice: &base, Status: models.StatusOK, ScrapedAt: at.Add(24 * time.Hour)},
		},
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	router := NewRouter(NewHandlers(&mockJobs{}, nil, time.UTC, logger).WithHistory(history), nil)

	t.Run("json", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/upcs/7501031311309/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)

		var body struct {
			UPC          string               `json:"upc"`
			Observations []models.PriceRecord `json:"observations"`
		}
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
		assert.Equal(t, "7501031311309", body.UPC)
		require.Len(t, body.Observations, 2)
		assert.True(t, body.Observations[1].ScrapedAt.After(body.Observations[0].ScrapedAt))
	})

	t.Run("csv", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/upcs/7501031311309/history?format=csv", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		lines := strings.Split(strings.TrimSpace(strings.TrimPrefix(rec.Body.String(), "\ufeff")), "\r\n")
		assert.Len(t, lines, 3)
	})

	t.Run("never observed", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/upcs/000/history", nil)
		require.Equal(t, http.StatusOK, rec.Code)
		assert.JSONEq(t, `{"upc":"000","observations":[]}`, rec.Body.String())
	})

	t.Run("store failure", func(t *testing.T) {
		rec := do(t, router, http.MethodGet, "/api/v1/upcs/broken/history", nil)
		assert.Equal(t, http.StatusInternalServerError, rec.Code)
	})

	t.Run("not enabled", func(t *testing.T) {
		rec := do(t, newTestRouter(&mockJobs{}, nil), http.MethodGet, "/api/v1/upcs/7501031311309/history", nil)
		assert.Equal(t, http.StatusNotFound, rec.Code)
	})
}

func TestHealth(t *testing.T) {
	tests := []struct {
		name       string
		outbox     OutboxStats
		wantStatus int
		wantHealth string
	}{
		{name: "no relay", wantStatus: http.StatusOK, wantHealth: "ok"},
		{name: "quiet outbox", outbox: fakeOutbox{counts: database.OutboxCounts{Pending: 3, Processed: 90}}, wantStatus: http.StatusOK, wantHealth: "ok"},
		{name: "backlog", outbox: fakeOutbox{counts: database.OutboxCounts{Pending: 800, Failed: 400}}, wantStatus: http.StatusOK, wantHealth: "warning"},
		{name: "dead letters", outbox: fakeOutbox{counts: database.OutboxCounts{DeadLetter: 500}}, wantStatus: http.StatusServiceUnavailable, wantHealth: "error"},
		{name: "backlog unavailable", outbox: fakeOutbox{err: errors.New("connection reset")}, wantStatus: http.StatusServiceUnavailable, wantHealth: "error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := do(t, newTestRouter(&mockJobs{}, tt.outbox), http.MethodGet, "/health", nil)
			assert.Equal(t, tt.wantStatus, rec.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
			assert.Equal(t, tt.wantHealth, body["status"])
		})
	}
}
