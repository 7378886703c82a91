package jobs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/maltedev/fsp-price-scraper/internal/models"
	"github.com/maltedev/fsp-price-scraper/internal/queue"
	"github.com/maltedev/fsp-price-scraper/internal/scraper"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

var (
	ErrJobNotFound = errors.New("job not found")
	ErrNoUPCs      = errors.New("job has no UPCs")
)

type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// Runner scrapes a list of UPCs.
type Runner interface {
	RunWithProgress(ctx context.Context, upcs []string, progress scraper.ProgressFunc) ([]*models.PriceRecord, error)
}

// Job represents a scraping job
type Job struct {
	ID          string                      `json:"id"`
	Status      Status                      `json:"status"`
	Total       int                         `json:"total"`
	Processed   int                         `json:"processed"`
	Summary     map[models.RecordStatus]int `json:"summary,omitempty"`
	CreatedAt   time.Time                   `json:"created_at"`
	StartedAt   *time.Time                  `json:"started_at,omitempty"`
	CompletedAt *time.Time                  `json:"completed_at,omitempty"`
	Error       string                      `json:"error,omitempty"`
}

// Stats represents scraper statistics
type Stats struct {
	TotalJobs     int     `json:"total_jobs"`
	PendingJobs   int     `json:"pending_jobs"`
	RunningJobs   int     `json:"running_jobs"`
	CompletedJobs int     `json:"completed_jobs"`
	FailedJobs    int     `json:"failed_jobs"`
	TotalUPCs     int     `json:"total_upcs"`
	PricedUPCs    int     `json:"priced_upcs"`
	SuccessRate   float64 `json:"success_rate"`
}

type entry struct {
	job     Job
	upcs    []string
	records []*models.PriceRecord
}

// Manager keeps jobs in memory and runs them one at a time, since every run
// shares the single browser context.
type Manager struct {
	runner Runner
	queue  queue.Queue
	sink   storage.Sink
	logger *slog.Logger

	mu   sync.RWMutex
	jobs map[string]*entry
}

func NewManager(runner Runner, q queue.Queue, sink storage.Sink, logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runner: runner,
		queue:  q,
		sink:   sink,
		logger: logger.With("component", "job_manager"),
		jobs:   make(map[string]*entry),
	}
}

// CreateJob registers a job for upcs and queues it.
func (m *Manager) CreateJob(ctx context.Context, upcs []string) (*Job, error) {
	if len(upcs) == 0 {
		return nil, ErrNoUPCs
	}

	e := &entry{
		job: Job{
			ID:        uuid.New().String(),
			Status:    StatusPending,
			Total:     len(upcs),
			CreatedAt: time.Now(),
		},
		upcs: append([]string(nil), upcs...),
	}

	m.mu.Lock()
	m.jobs[e.job.ID] = e
	m.mu.Unlock()

	err := m.queue.Push(&queue.Task{
		ID:    uuid.New().String(),
		JobID: e.job.ID,
		UPCs:  e.upcs,
	})
	if err != nil {
		m.mu.Lock()
		delete(m.jobs, e.job.ID)
		m.mu.Unlock()
		return nil, fmt.Errorf("failed to queue job: %w", err)
	}

	m.logger.Info("job created", "id", e.job.ID, "upcs", len(upcs))
	job := e.job
	return &job, nil
}

// GetJob returns a snapshot of the job.
func (m *Manager) GetJob(ctx context.Context, jobID string) (*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	job := e.job
	return &job, nil
}

// ListJobs returns every job, newest first.
func (m *Manager) ListJobs(ctx context.Context) ([]*Job, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	jobs := make([]*Job, 0, len(m.jobs))
	for _, e := range m.jobs {
		job := e.job
		jobs = append(jobs, &job)
	}
	sort.Slice(jobs, func(i, j int) bool {
		return jobs[i].CreatedAt.After(jobs[j].CreatedAt)
	})
	return jobs, nil
}

// Results returns the records a job has produced so far.
func (m *Manager) Results(ctx context.Context, jobID string) ([]*models.PriceRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.jobs[jobID]
	if !ok {
		return nil, ErrJobNotFound
	}
	return append([]*models.PriceRecord(nil), e.records...), nil
}

// GetStats aggregates over all jobs.
func (m *Manager) GetStats(ctx context.Context) (*Stats, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	stats := &Stats{TotalJobs: len(m.jobs)}
	for _, e := range m.jobs {
		switch e.job.Status {
		case StatusPending:
			stats.PendingJobs++
		case StatusRunning:
			stats.RunningJobs++
		case StatusCompleted:
			stats.CompletedJobs++
		case StatusFailed:
			stats.FailedJobs++
		}
		for _, r := range e.records {
			stats.TotalUPCs++
			if r.Succeeded() {
				stats.PricedUPCs++
			}
		}
	}
	if stats.TotalUPCs > 0 {
		stats.SuccessRate = float64(stats.PricedUPCs) / float64(stats.TotalUPCs) * 100
	}
	return stats, nil
}

func (m *Manager) update(jobID string, fn func(e *entry)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := m.jobs[jobID]; ok {
		fn(e)
	}
}
