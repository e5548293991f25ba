package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"console-jobs/internal/archive"
	"console-jobs/internal/config"
	"console-jobs/internal/models"
	"console-jobs/internal/store"
)

// CleanupHandler enforces retention: rows older than their class threshold
// are deleted in bounded batches until none match. Re-running is a no-op, so
// redelivery of a cleanup job is harmless.
type CleanupHandler struct {
	store     store.Store
	archiver  archive.Archiver
	cfg       config.Config
	batchSize int
}

// NewCleanupHandler constructs the handler. archiver may be nil; dead jobs
// are then deleted without a snapshot.
func NewCleanupHandler(cfg config.Config, st store.Store, archiver archive.Archiver) *CleanupHandler {
	batch := cfg.CleanupBatchSize
	if batch <= 0 {
		batch = 500
	}
	return &CleanupHandler{store: st, archiver: archiver, cfg: cfg, batchSize: batch}
}

// Handle runs one retention sweep and records the per-class counts on the
// job's audit trail.
func (h *CleanupHandler) Handle(ctx context.Context, job models.Job) error {
	now := time.Now().UTC()
	var report models.CleanupReport

	deadJobs, err := h.sweepDeadJobs(ctx, now.Add(-h.cfg.RetentionDeadJobs))
	if err != nil {
		return fmt.Errorf("sweep dead jobs: %w", err)
	}
	report.DeadJobs = deadJobs

	if report.Deliveries, err = h.drain(ctx, now.Add(-h.cfg.RetentionDeliveries), h.store.DeleteDeliveriesBefore); err != nil {
		return fmt.Errorf("sweep deliveries: %w", err)
	}
	if report.Deployments, err = h.drain(ctx, now.Add(-h.cfg.RetentionDeployments), h.store.DeleteFinishedDeploymentsBefore); err != nil {
		return fmt.Errorf("sweep deployments: %w", err)
	}
	if report.Activity, err = h.drain(ctx, now.Add(-h.cfg.RetentionActivity), h.store.DeleteActivityBefore); err != nil {
		return fmt.Errorf("sweep activity: %w", err)
	}

	for {
		n, err := h.store.DeleteExpiredIdempotencyKeys(ctx, h.batchSize)
		if err != nil {
			return fmt.Errorf("sweep idempotency keys: %w", err)
		}
		report.IdempotencyKeys += n
		if n == 0 {
			break
		}
	}

	detail, _ := json.Marshal(report)
	_ = h.store.AppendAudit(ctx, job.ID, "cleanup", string(detail))
	return nil
}

// sweepDeadJobs archives (when configured) and deletes dead jobs past the
// retention threshold, batch by batch.
func (h *CleanupHandler) sweepDeadJobs(ctx context.Context, cutoff time.Time) (int64, error) {
	var total int64
	for {
		jobs, err := h.store.ListDeadJobsBefore(ctx, cutoff, h.batchSize)
		if err != nil {
			return total, err
		}
		if len(jobs) == 0 {
			return total, nil
		}

		ids := make([]string, 0, len(jobs))
		for _, j := range jobs {
			if h.archiver != nil {
				snapshot, err := json.Marshal(j)
				if err != nil {
					return total, fmt.Errorf("marshal dead job %s: %w", j.ID, err)
				}
				key := fmt.Sprintf("deadletter/%s/%s.json", j.CreatedAt.UTC().Format("2006-01-02"), j.ID)
				if err := h.archiver.Put(ctx, key, snapshot); err != nil {
					return total, fmt.Errorf("archive dead job %s: %w", j.ID, err)
				}
			}
			ids = append(ids, j.ID)
		}

		n, err := h.store.DeleteJobs(ctx, ids)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			// Nothing deleted despite matches; bail instead of looping forever.
			return total, nil
		}
	}
}

// drain repeatedly applies a bounded delete until no rows match, keeping
// individual statements small enough to avoid long-held locks.
func (h *CleanupHandler) drain(ctx context.Context, cutoff time.Time, del func(context.Context, time.Time, int) (int64, error)) (int64, error) {
	var total int64
	for {
		n, err := del(ctx, cutoff, h.batchSize)
		if err != nil {
			return total, err
		}
		total += n
		if n == 0 {
			return total, nil
		}
	}
}
