package worker

import (
	"context"
	"fmt"
	"sync"
	"time"

	"console-jobs/internal/models"
	"console-jobs/internal/store"
)

// fakeStore is an in-memory store.Store for handler and processor tests.
// Unimplemented methods come from the embedded nil interface and panic if a
// test reaches them unexpectedly.
type fakeStore struct {
	store.Store
	mu sync.Mutex

	jobs        map[string]models.Job
	subs        map[string]models.WebhookSubscription
	deployments map[string]models.Deployment
	deliveries  []store.InsertDeliveryParams
	activities  []models.ActivityEntry
	audits      []models.AuditLog

	deadJobs        []models.Job
	deliveriesLeft  int64
	deploymentsLeft int64
	activityLeft    int64
	idemLeft        int64
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		jobs:        make(map[string]models.Job),
		subs:        make(map[string]models.WebhookSubscription),
		deployments: make(map[string]models.Deployment),
	}
}

func (f *fakeStore) GetJob(_ context.Context, id string) (models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	job, ok := f.jobs[id]
	if !ok {
		return models.Job{}, fmt.Errorf("job %s: %w", id, store.ErrNotFound)
	}
	return job, nil
}

func (f *fakeStore) setStatus(id, status string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = status
		f.jobs[id] = job
	}
}

func (f *fakeStore) MarkInFlight(_ context.Context, id string) error {
	f.setStatus(id, models.StatusInFlight)
	return nil
}

func (f *fakeStore) MarkCompleted(_ context.Context, id string) error {
	f.setStatus(id, models.StatusCompleted)
	return nil
}

func (f *fakeStore) MarkDead(_ context.Context, id string, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = models.StatusDead
		job.LastError = &lastError
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeStore) RecordRetry(_ context.Context, id string, attempts int, availableAt time.Time, lastError string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if job, ok := f.jobs[id]; ok {
		job.Status = models.StatusQueued
		job.Attempts = attempts
		job.AvailableAt = availableAt
		job.LastError = &lastError
		f.jobs[id] = job
	}
	return nil
}

func (f *fakeStore) ResetToQueued(_ context.Context, id string) error {
	f.setStatus(id, models.StatusQueued)
	return nil
}

func (f *fakeStore) AppendAudit(_ context.Context, jobID, event, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.audits = append(f.audits, models.AuditLog{JobID: jobID, Event: event, Detail: detail, Recorded: time.Now()})
	return nil
}

func (f *fakeStore) GetSubscription(_ context.Context, id string) (models.WebhookSubscription, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	sub, ok := f.subs[id]
	if !ok {
		return models.WebhookSubscription{}, fmt.Errorf("subscription %s: %w", id, store.ErrNotFound)
	}
	return sub, nil
}

func (f *fakeStore) InsertDelivery(_ context.Context, p store.InsertDeliveryParams) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deliveries = append(f.deliveries, p)
	return nil
}

func (f *fakeStore) GetDeployment(_ context.Context, id string) (models.Deployment, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dep, ok := f.deployments[id]
	if !ok {
		return models.Deployment{}, fmt.Errorf("deployment %s: %w", id, store.ErrNotFound)
	}
	return dep, nil
}

func (f *fakeStore) MarkDeploying(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dep, ok := f.deployments[id]; ok && !dep.Terminal() {
		dep.Status = models.DeployDeploying
		f.deployments[id] = dep
	}
	return nil
}

func (f *fakeStore) SetDeploymentExternalRef(_ context.Context, id, ref string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dep, ok := f.deployments[id]; ok && dep.ExternalRef == nil {
		dep.ExternalRef = &ref
		f.deployments[id] = dep
	}
	return nil
}

func (f *fakeStore) AppendDeploymentLog(_ context.Context, id, line string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dep, ok := f.deployments[id]; ok {
		dep.Log += line + "\n"
		f.deployments[id] = dep
	}
	return nil
}

func (f *fakeStore) FinishDeployment(_ context.Context, id, status, logLine string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if dep, ok := f.deployments[id]; ok && !dep.Terminal() {
		now := time.Now()
		dep.Status = status
		dep.FinishedAt = &now
		dep.Log += logLine + "\n"
		f.deployments[id] = dep
	}
	return nil
}

func (f *fakeStore) InsertActivity(_ context.Context, actor, action, target, detail string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.activities = append(f.activities, models.ActivityEntry{Actor: actor, Action: action, Target: target, Detail: detail, CreatedAt: time.Now()})
	return nil
}

func (f *fakeStore) ListDeadJobsBefore(_ context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []models.Job
	for _, j := range f.deadJobs {
		if j.CreatedAt.Before(cutoff) && len(out) < limit {
			out = append(out, j)
		}
	}
	return out, nil
}

func (f *fakeStore) DeleteJobs(_ context.Context, ids []string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var kept []models.Job
	var removed int64
	for _, j := range f.deadJobs {
		matched := false
		for _, id := range ids {
			if j.ID == id {
				matched = true
				break
			}
		}
		if matched {
			removed++
		} else {
			kept = append(kept, j)
		}
	}
	f.deadJobs = kept
	return removed, nil
}

func (f *fakeStore) drainCounter(counter *int64, limit int) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := int64(limit)
	if *counter < n {
		n = *counter
	}
	*counter -= n
	return n, nil
}

func (f *fakeStore) DeleteDeliveriesBefore(_ context.Context, _ time.Time, limit int) (int64, error) {
	return f.drainCounter(&f.deliveriesLeft, limit)
}

func (f *fakeStore) DeleteFinishedDeploymentsBefore(_ context.Context, _ time.Time, limit int) (int64, error) {
	return f.drainCounter(&f.deploymentsLeft, limit)
}

func (f *fakeStore) DeleteActivityBefore(_ context.Context, _ time.Time, limit int) (int64, error) {
	return f.drainCounter(&f.activityLeft, limit)
}

func (f *fakeStore) DeleteExpiredIdempotencyKeys(_ context.Context, limit int) (int64, error) {
	return f.drainCounter(&f.idemLeft, limit)
}

func (f *fakeStore) Close() {}

func (f *fakeStore) lastAudit() (models.AuditLog, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.audits) == 0 {
		return models.AuditLog{}, false
	}
	return f.audits[len(f.audits)-1], true
}
