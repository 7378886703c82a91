package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/maltedev/fsp-price-scraper/internal/database"
	"github.com/maltedev/fsp-price-scraper/internal/jobs"
	"github.com/maltedev/fsp-price-scraper/internal/models"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

// JobService is the part of jobs.Manager the handlers use.
type JobService interface {
	CreateJob(ctx context.Context, upcs []string) (*jobs.Job, error)
	GetJob(ctx context.Context, jobID string) (*jobs.Job, error)
	ListJobs(ctx context.Context) ([]*jobs.Job, error)
	Results(ctx context.Context, jobID string) ([]*models.PriceRecord, error)
	GetStats(ctx context.Context) (*jobs.Stats, error)
}

// OutboxStats reports relay backlog for the health check.
type OutboxStats interface {
	Backlog(ctx context.Context) (database.OutboxCounts, error)
}

// PriceHistory returns every stored observation of a UPC, oldest first.
type PriceHistory interface {
	History(ctx context.Context, upc string) ([]*models.PriceRecord, error)
}

type Handlers struct {
	jobs    JobService
	outbox  OutboxStats
	history PriceHistory
	loc     *time.Location
	logger  *slog.Logger
}

// NewHandlers wires the job endpoints. outbox may be nil when no relay runs;
// loc is the timezone of CSV timestamps.
func NewHandlers(jobs JobService, outbox OutboxStats, loc *time.Location, logger *slog.Logger) *Handlers {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handlers{
		jobs:   jobs,
		outbox: outbox,
		loc:    loc,
		logger: logger.With("component", "api"),
	}
}

// WithHistory enables the per-UPC price history endpoint.
func (h *Handlers) WithHistory(history PriceHistory) *Handlers {
	h.history = history
	return h
}

// CreateJobRequest represents a new scraping job request
type CreateJobRequest struct {
	UPCs []string `json:"upcs"`
}

// CreateJobResponse represents the job creation response
type CreateJobResponse struct {
	JobID   string      `json:"job_id"`
	Status  jobs.Status `json:"status"`
	Message string      `json:"message"`
}

// CreateJob handles new scraping job creation
func (h *Handlers) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req CreateJobRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	upcs := make([]string, 0, len(req.UPCs))
	for _, u := range req.UPCs {
		if u != "" {
			upcs = append(upcs, u)
		}
	}
	if len(upcs) == 0 {
		h.respondError(w, http.StatusBadRequest, "upcs is required")
		return
	}

	job, err := h.jobs.CreateJob(r.Context(), upcs)
	if err != nil {
		h.logger.Error("failed to create job", "error", err)
		if errors.Is(err, jobs.ErrNoUPCs) {
			h.respondError(w, http.StatusBadRequest, "upcs is required")
			return
		}
		h.respondError(w, http.StatusInternalServerError, "failed to create job")
		return
	}

	h.respondJSON(w, http.StatusCreated, CreateJobResponse{
		JobID:   job.ID,
		Status:  job.Status,
		Message: "Job created successfully",
	})
}

// GetJob handles job status retrieval
func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.jobs.GetJob(r.Context(), chi.URLParam(r, "jobID"))
	if err != nil {
		h.respondLookupError(w, err)
		return
	}

	h.respondJSON(w, http.StatusOK, job)
}

// ListJobs handles listing all jobs
func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	list, err := h.jobs.ListJobs(r.Context())
	if err != nil {
		h.logger.Error("failed to list jobs", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to list jobs")
		return
	}

	h.respondJSON(w, http.StatusOK, list)
}

// GetJobResults returns the records of a job as JSON, or as CSV with
// ?format=csv.
func (h *Handlers) GetJobResults(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobID")
	records, err := h.jobs.Results(r.Context(), jobID)
	if err != nil {
		h.respondLookupError(w, err)
		return
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+jobID+`.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := storage.ExportCSV(w, records, h.loc); err != nil {
			h.logger.Error("failed to write csv", "error", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, records)
}

// GetPriceHistory lists the stored observations of one UPC across runs.
func (h *Handlers) GetPriceHistory(w http.ResponseWriter, r *http.Request) {
	if h.history == nil {
		h.respondError(w, http.StatusNotFound, "price history is not enabled")
		return
	}

	upc := chi.URLParam(r, "upc")
	records, err := h.history.History(r.Context(), upc)
	if err != nil {
		h.logger.Error("failed to read price history", "upc", upc, "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to read price history")
		return
	}
	if records == nil {
		records = []*models.PriceRecord{}
	}

	if r.URL.Query().Get("format") == "csv" {
		w.Header().Set("Content-Type", "text/csv; charset=utf-8")
		w.Header().Set("Content-Disposition", `attachment; filename="`+upc+`.csv"`)
		w.WriteHeader(http.StatusOK)
		if err := storage.ExportCSV(w, records, h.loc); err != nil {
			h.logger.Error("failed to write csv", "error", err)
		}
		return
	}

	h.respondJSON(w, http.StatusOK, map[string]any{
		"upc":          upc,
		"observations": records,
	})
}

// GetStats handles statistics retrieval
func (h *Handlers) GetStats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.jobs.GetStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get stats", "error", err)
		h.respondError(w, http.StatusInternalServerError, "failed to get stats")
		return
	}

	h.respondJSON(w, http.StatusOK, stats)
}

// Health reports liveness and, when a relay runs, the outbox backlog.
func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	health := map[string]any{"status": "ok"}
	status := http.StatusOK

	if h.outbox != nil {
		counts, err := h.outbox.Backlog(r.Context())
		switch {
		case err != nil:
			h.logger.Error("failed to read outbox backlog", "error", err)
			health["status"] = "error"
			health["message"] = "Outbox backlog unavailable"
			status = http.StatusServiceUnavailable
		case counts.DeadLetter > 100:
			health["status"] = "error"
			health["message"] = "High number of dead letter events"
			status = http.StatusServiceUnavailable
		case counts.Waiting() > 1000:
			health["status"] = "warning"
			health["message"] = "High number of pending outbox events"
		}
		if err == nil {
			health["outbox"] = counts
		}
	}

	h.respondJSON(w, status, health)
}

func (h *Handlers) respondLookupError(w http.ResponseWriter, err error) {
	if errors.Is(err, jobs.ErrJobNotFound) {
		h.respondError(w, http.StatusNotFound, "job not found")
		return
	}
	h.logger.Error("job lookup failed", "error", err)
	h.respondError(w, http.StatusInternalServerError, "failed to get job")
}

// Helper methods
func (h *Handlers) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handlers) respondError(w http.ResponseWriter, status int, message string) {
	h.respondJSON(w, status, map[string]string{"error": message})
}
