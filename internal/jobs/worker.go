package jobs

import (
	"context"
	"errors"
	"time"

	"github.com/maltedev/fsp-price-scraper/internal/models"
	"github.com/maltedev/fsp-price-scraper/internal/queue"
	"github.com/maltedev/fsp-price-scraper/internal/storage"
)

// StartWorker processes queued jobs until ctx ends or the queue is closed.
func (m *Manager) StartWorker(ctx context.Context) error {
	m.logger.Info("job worker started")

	for {
		task, err := m.queue.Pop(ctx)
		if err != nil {
			if errors.Is(err, queue.ErrQueueClosed) {
				m.logger.Info("job worker stopping", "reason", "queue closed")
				return nil
			}
			m.logger.Info("job worker stopping")
			return err
		}

		m.processJob(ctx, task)
	}
}

func (m *Manager) processJob(ctx context.Context, task *queue.Task) {
	logger := m.logger.With("job_id", task.JobID)
	logger.Info("processing job", "upcs", len(task.UPCs))

	started := time.Now()
	m.update(task.JobID, func(e *entry) {
		e.job.Status = StatusRunning
		e.job.StartedAt = &started
	})

	progress := func(done, total int, rec *models.PriceRecord) {
		m.update(task.JobID, func(e *entry) {
			e.job.Processed = done
			e.records = append(e.records, rec)
		})
	}

	records, runErr := m.runner.RunWithProgress(ctx, task.UPCs, progress)

	var sinkErr error
	if m.sink != nil && len(records) > 0 {
		sinkErr = storage.Flush(ctx, m.sink, records)
		if sinkErr != nil {
			logger.Error("failed to store results", "error", sinkErr)
		}
	}

	completed := time.Now()
	m.update(task.JobID, func(e *entry) {
		e.job.CompletedAt = &completed
		e.job.Summary = models.Summary(records)
		if err := errors.Join(runErr, sinkErr); err != nil {
			e.job.Status = StatusFailed
			e.job.Error = err.Error()
			return
		}
		e.job.Status = StatusCompleted
	})

	logger.Info("job finished",
		"records", len(records),
		"duration", completed.Sub(started),
		"error", runErr)
}
