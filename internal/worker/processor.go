package worker

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"sync"
	"time"

	"console-jobs/internal/config"
	"console-jobs/internal/models"
	"console-jobs/internal/queue"
	"console-jobs/internal/store"
	"console-jobs/internal/telemetry"
)

// Handler executes one job. Returning nil acks the job; returning an error
// schedules a retry unless the error is marked Permanent, in which case the
// job is dead-lettered immediately. Handlers must tolerate re-execution: the
// queue guarantees at-least-once, not exactly-once.
type Handler func(ctx context.Context, job models.Job) error

// DeadLetterHook runs after a job on its lane is dead-lettered, carrying the
// error that killed it. Hooks finalize domain state that would otherwise be
// stranded with no job left to drive it.
type DeadLetterHook func(ctx context.Context, job models.Job, cause error)

// Processor runs per-lane pools of claim loops plus a maintenance loop that
// promotes scheduled jobs and reaps expired leases. Workers share no mutable
// state in process memory; all coordination goes through Redis and Postgres.
type Processor struct {
	cfg             config.Config
	queue           *queue.RedisQueue
	store           store.Store
	handlers        map[string]Handler
	deadLetterHooks map[string]DeadLetterHook
	workerID        string
}

// NewProcessor creates a processor. Lane handlers are registered afterwards;
// a claimed job on a lane with no handler is a permanent failure.
func NewProcessor(cfg config.Config, q *queue.RedisQueue, st store.Store, workerID string) *Processor {
	return &Processor{
		cfg:             cfg,
		queue:           q,
		store:           st,
		handlers:        make(map[string]Handler),
		deadLetterHooks: make(map[string]DeadLetterHook),
		workerID:        workerID,
	}
}

// RegisterHandler binds a handler to a lane.
func (p *Processor) RegisterHandler(lane string, handler Handler) {
	if lane == "" || handler == nil {
		return
	}
	p.handlers[lane] = handler
}

// RegisterDeadLetterHook binds a hook invoked when a job on the lane is
// dead-lettered.
func (p *Processor) RegisterDeadLetterHook(lane string, hook DeadLetterHook) {
	if lane == "" || hook == nil {
		return
	}
	p.deadLetterHooks[lane] = hook
}

// Run starts the lane pools and blocks until ctx is cancelled. Claim loops
// stop taking new work as soon as ctx is done; jobs already dispatched keep
// running under the shutdown grace so short handlers finish and ack. Jobs
// that outlive the grace keep their lease, and the reaper on a surviving
// worker reclaims them when it expires.
func (p *Processor) Run(ctx context.Context) error {
	hctx, hcancel := context.WithCancel(context.Background())
	defer hcancel()
	go func() {
		select {
		case <-ctx.Done():
		case <-hctx.Done():
			return
		}
		t := time.NewTimer(p.cfg.ShutdownGrace)
		defer t.Stop()
		select {
		case <-t.C:
		case <-hctx.Done():
		}
		hcancel()
	}()

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		p.maintain(ctx)
	}()

	for lane := range p.handlers {
		lc := p.cfg.Lane(lane)
		for i := 0; i < lc.Concurrency; i++ {
			wg.Add(1)
			go func(lane string, lc config.LaneConfig) {
				defer wg.Done()
				p.laneLoop(ctx, hctx, lane, lc)
			}(lane, lc)
		}
	}

	wg.Wait()
	return ctx.Err()
}

// maintain promotes due scheduled jobs, reaps expired leases back to queued,
// and samples queue depth.
func (p *Processor) maintain(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.WorkerPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		_, _ = p.queue.PromoteScheduled(ctx, time.Now(), int64(p.cfg.ReapBatchSize))

		if reclaimed, _ := p.queue.ReapExpired(ctx, time.Now(), int64(p.cfg.ReapBatchSize)); len(reclaimed) > 0 {
			for _, id := range reclaimed {
				_ = p.store.ResetToQueued(ctx, id)
				_ = p.store.AppendAudit(ctx, id, "lease_expired", "reclaimed by "+p.workerID)
			}
		}

		for lane := range p.handlers {
			if depth, err := p.queue.ReadyDepth(ctx, lane); err == nil {
				telemetry.QueueDepthGauge.WithLabelValues(lane).Set(float64(depth))
			}
		}
	}
}

// laneLoop claims against ctx so no new work starts once shutdown begins,
// but processes under hctx, which survives ctx by the shutdown grace.
func (p *Processor) laneLoop(ctx, hctx context.Context, lane string, lc config.LaneConfig) {
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		jobID, err := p.queue.Claim(ctx, lane)
		if err != nil || jobID == "" {
			p.sleep(ctx, p.cfg.WorkerPollInterval)
			continue
		}
		p.process(hctx, lane, lc, jobID)
	}
}

// process runs one claimed job through its handler and interprets the result.
func (p *Processor) process(ctx context.Context, lane string, lc config.LaneConfig, jobID string) {
	job, err := p.store.GetJob(ctx, jobID)
	if err != nil {
		// Queue entry without a row; drop it rather than spinning.
		_ = p.queue.Ack(ctx, jobID)
		return
	}
	if job.Status == models.StatusCancelled {
		_ = p.queue.Ack(ctx, jobID)
		return
	}

	_ = p.store.MarkInFlight(ctx, job.ID)
	telemetry.InFlightGauge.WithLabelValues(lane).Inc()
	defer telemetry.InFlightGauge.WithLabelValues(lane).Dec()

	err = p.dispatch(ctx, lane, job)
	if err == nil {
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.store.MarkCompleted(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "completed", "worker "+p.workerID)
		telemetry.CompletedCounter.WithLabelValues(lane).Inc()
		return
	}

	if ctx.Err() != nil {
		// Shutdown interrupted the handler. Leave the lease in place so the
		// reaper returns the job to queued without burning an attempt.
		return
	}

	attempts := job.Attempts + 1
	if IsPermanent(err) || attempts >= job.MaxAttempts {
		_ = p.store.MarkDead(ctx, job.ID, err.Error())
		_ = p.queue.Ack(ctx, job.ID)
		_ = p.queue.DLQPush(ctx, job.ID)
		_ = p.store.AppendAudit(ctx, job.ID, "dead_letter", err.Error())
		telemetry.DeadLetterCounter.WithLabelValues(lane).Inc()
		if hook, ok := p.deadLetterHooks[lane]; ok {
			hook(ctx, job, err)
		}
		return
	}

	next := time.Now().Add(backoffWithJitter(lc.BackoffBase, lc.BackoffCap, attempts))
	_ = p.store.RecordRetry(ctx, job.ID, attempts, next, err.Error())
	_ = p.queue.Ack(ctx, job.ID)
	_ = p.queue.Schedule(ctx, job.ID, lane, next)
	_ = p.store.AppendAudit(ctx, job.ID, "retry_scheduled", fmt.Sprintf("available_at=%s attempts=%d", next.UTC().Format(time.RFC3339), attempts))
	telemetry.RetryCounter.WithLabelValues(lane).Inc()
}

// dispatch invokes the lane handler under the configured timeout. A handler
// that exceeds its timeout is treated as a failure and retried; partial side
// effects are covered by the handlers' idempotency obligations.
func (p *Processor) dispatch(ctx context.Context, lane string, job models.Job) error {
	handler, ok := p.handlers[lane]
	if !ok {
		return Permanent(fmt.Errorf("no handler registered for lane %q", lane))
	}
	hctx, cancel := context.WithTimeout(ctx, p.cfg.HandlerTimeout)
	defer cancel()
	return handler(hctx, job)
}

func (p *Processor) sleep(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

// backoffWithJitter returns an exponential delay with jitter, capped.
func backoffWithJitter(base, max time.Duration, attempt int) time.Duration {
	if base == 0 {
		base = 2 * time.Second
	}
	if max == 0 {
		max = 5 * time.Minute
	}
	if attempt <= 0 {
		return base
	}
	exp := float64(base) * math.Pow(2, float64(attempt-1))
	wait := time.Duration(exp)
	if wait > max || wait <= 0 {
		wait = max
	}
	jitter := time.Duration(rand.Int63n(int64(wait / 2)))
	return wait/2 + jitter
}
