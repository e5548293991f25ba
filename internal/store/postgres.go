package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/jackc/pgx/v5/pgxpool"

	"console-jobs/internal/models"
)

// ErrNotFound is returned when a row lookup matches nothing.
var ErrNotFound = errors.New("not found")

// Postgres implements Store over a pgx connection pool.
type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Postgres, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Postgres{pool: pool}, nil
}

func (s *Postgres) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// CreateJob inserts a job row, honoring idempotency if provided. It returns
// the job and a boolean indicating whether an existing job was reused.
func (s *Postgres) CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error) {
	if p.MaxAttempts == 0 {
		p.MaxAttempts = 5
	}
	if p.AvailableAt.IsZero() {
		p.AvailableAt = time.Now().UTC()
	}

	payloadJSON, err := json.Marshal(p.Payload)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("marshal payload: %w", err)
	}

	// If an idempotency key already exists, short-circuit before creating anything.
	if p.IdempotencyKey != "" {
		if existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey); err != nil {
			return models.Job{}, false, err
		} else if found {
			return existing, true, nil
		}
	}

	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return models.Job{}, false, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	id := uuid.New().String()
	now := time.Now().UTC()

	_, err = tx.Exec(ctx, `
		INSERT INTO jobs (id, lane, payload, status, attempts, max_attempts, available_at, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 0, $5, $6, $7, $7)
	`, id, p.Lane, payloadJSON, models.StatusQueued, p.MaxAttempts, p.AvailableAt, now)
	if err != nil {
		return models.Job{}, false, fmt.Errorf("insert job: %w", err)
	}

	if p.IdempotencyKey != "" {
		expires := now.Add(p.IdempotencyTTL)
		tag, err := tx.Exec(ctx, `
			INSERT INTO idempotency_keys (key, job_id, expires_at)
			VALUES ($1, $2, $3)
			ON CONFLICT (key) DO NOTHING
		`, p.IdempotencyKey, id, expires)
		if err != nil {
			return models.Job{}, false, fmt.Errorf("insert idempotency key: %w", err)
		}
		if tag.RowsAffected() == 0 {
			// Someone else claimed the key after our initial check; return existing job.
			if err := tx.Rollback(ctx); err != nil {
				return models.Job{}, false, fmt.Errorf("rollback after idempotency conflict: %w", err)
			}
			existing, found, err := s.findByIdempotencyKey(ctx, p.IdempotencyKey)
			if err != nil {
				return models.Job{}, false, err
			}
			if !found {
				return models.Job{}, false, errors.New("idempotency conflict but no existing job found")
			}
			return existing, true, nil
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return models.Job{}, false, fmt.Errorf("commit: %w", err)
	}

	return models.Job{
		ID:             id,
		Lane:           p.Lane,
		Payload:        p.Payload,
		Status:         models.StatusQueued,
		Attempts:       0,
		MaxAttempts:    p.MaxAttempts,
		AvailableAt:    p.AvailableAt,
		IdempotencyKey: emptyToNil(p.IdempotencyKey),
		CreatedAt:      now,
		UpdatedAt:      now,
	}, false, nil
}

func (s *Postgres) findByIdempotencyKey(ctx context.Context, key string) (models.Job, bool, error) {
	var id string
	err := s.pool.QueryRow(ctx, `
		SELECT job_id FROM idempotency_keys WHERE key = $1 AND (expires_at IS NULL OR expires_at > NOW())
	`, key).Scan(&id)
	if errors.Is(err, pgx.ErrNoRows) {
		return models.Job{}, false, nil
	}
	if err != nil {
		return models.Job{}, false, fmt.Errorf("query idempotency key: %w", err)
	}
	job, err := s.GetJob(ctx, id)
	if err != nil {
		return models.Job{}, false, err
	}
	return job, true, nil
}

// GetJob fetches a job by id.
func (s *Postgres) GetJob(ctx context.Context, id string) (models.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, lane, payload, status, attempts, max_attempts, available_at, last_error, idempotency_key, created_at, updated_at
		FROM jobs WHERE id = $1
	`, id)

	var job models.Job
	var payloadJSON []byte
	var lastErr pgtype.Text
	var idem pgtype.Text

	if err := row.Scan(&job.ID, &job.Lane, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.AvailableAt, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Job{}, fmt.Errorf("job %s: %w", id, ErrNotFound)
		}
		return models.Job{}, fmt.Errorf("scan job: %w", err)
	}

	if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
		return models.Job{}, fmt.Errorf("unmarshal payload: %w", err)
	}
	job.LastError = textPtr(lastErr)
	job.IdempotencyKey = textPtr(idem)
	return job, nil
}

// MarkInFlight flags a job as leased by a worker.
func (s *Postgres) MarkInFlight(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1
	`, id, models.StatusInFlight)
	return err
}

// MarkCompleted transitions a job to completed and clears any last error.
func (s *Postgres) MarkCompleted(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL WHERE id = $1
	`, id, models.StatusCompleted)
	return err
}

// MarkCancelled sets status cancelled and clears any last error. Only jobs
// still in the queue or in flight transition; terminal rows are untouched.
func (s *Postgres) MarkCancelled(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW(), last_error = NULL
		WHERE id = $1 AND status IN ($3, $4)
	`, id, models.StatusCancelled, models.StatusQueued, models.StatusInFlight)
	return err
}

// MarkDead flags a job as dead-lettered; the row is retained for inspection.
func (s *Postgres) MarkDead(ctx context.Context, id string, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, last_error = $3, updated_at = NOW() WHERE id = $1
	`, id, models.StatusDead, lastError)
	return err
}

// RecordRetry updates attempts, next availability and last error after a failure.
func (s *Postgres) RecordRetry(ctx context.Context, id string, attempts int, availableAt time.Time, lastError string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs
		SET status = $2, attempts = $3, available_at = $4, last_error = $5, updated_at = NOW()
		WHERE id = $1
	`, id, models.StatusQueued, attempts, availableAt, lastError)
	return err
}

// ResetToQueued returns a reaped job to queued without touching attempts.
func (s *Postgres) ResetToQueued(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE jobs SET status = $2, updated_at = NOW() WHERE id = $1 AND status = $3
	`, id, models.StatusQueued, models.StatusInFlight)
	return err
}

// AppendAudit adds an audit row.
func (s *Postgres) AppendAudit(ctx context.Context, jobID, event, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO audit_logs (job_id, event, detail, ts)
		VALUES ($1, $2, $3, NOW())
	`, jobID, event, detail)
	return err
}

// GetSubscription fetches a webhook subscription by id.
func (s *Postgres) GetSubscription(ctx context.Context, id string) (models.WebhookSubscription, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, url, secret, events, enabled, created_at
		FROM webhook_subscriptions WHERE id = $1
	`, id)

	var sub models.WebhookSubscription
	var secret pgtype.Text
	if err := row.Scan(&sub.ID, &sub.URL, &secret, &sub.Events, &sub.Enabled, &sub.Created); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.WebhookSubscription{}, fmt.Errorf("subscription %s: %w", id, ErrNotFound)
		}
		return models.WebhookSubscription{}, fmt.Errorf("scan subscription: %w", err)
	}
	if secret.Valid {
		sub.Secret = secret.String
	}
	return sub, nil
}

// InsertDelivery appends one delivery attempt row. Rows are never updated.
func (s *Postgres) InsertDelivery(ctx context.Context, p InsertDeliveryParams) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO webhook_deliveries (id, webhook_id, event, url, status, status_code, response_body, attempt, signed, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, NOW())
	`, uuid.New().String(), p.WebhookID, p.Event, p.URL, p.Status, p.StatusCode, p.ResponseBody, p.Attempt, p.Signed)
	if err != nil {
		return fmt.Errorf("insert delivery: %w", err)
	}
	return nil
}

// CreateDeployment inserts a pending deployment row.
func (s *Postgres) CreateDeployment(ctx context.Context, projectID string) (models.Deployment, error) {
	id := uuid.New().String()
	now := time.Now().UTC()
	_, err := s.pool.Exec(ctx, `
		INSERT INTO deployments (id, project_id, status, started_at, log)
		VALUES ($1, $2, $3, $4, '')
	`, id, projectID, models.DeployPending, now)
	if err != nil {
		return models.Deployment{}, fmt.Errorf("insert deployment: %w", err)
	}
	return models.Deployment{ID: id, ProjectID: projectID, Status: models.DeployPending, StartedAt: now}, nil
}

// GetDeployment fetches a deployment by id.
func (s *Postgres) GetDeployment(ctx context.Context, id string) (models.Deployment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, project_id, status, external_ref, started_at, finished_at, log
		FROM deployments WHERE id = $1
	`, id)

	var d models.Deployment
	var ref pgtype.Text
	var finished pgtype.Timestamptz
	if err := row.Scan(&d.ID, &d.ProjectID, &d.Status, &ref, &d.StartedAt, &finished, &d.Log); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return models.Deployment{}, fmt.Errorf("deployment %s: %w", id, ErrNotFound)
		}
		return models.Deployment{}, fmt.Errorf("scan deployment: %w", err)
	}
	d.ExternalRef = textPtr(ref)
	if finished.Valid {
		t := finished.Time
		d.FinishedAt = &t
	}
	return d, nil
}

// MarkDeploying moves a pending deployment into deploying. Terminal rows are
// left untouched so redelivered jobs cannot resurrect a finished deployment.
func (s *Postgres) MarkDeploying(ctx context.Context, id string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments SET status = $2 WHERE id = $1 AND status IN ($3, $2)
	`, id, models.DeployDeploying, models.DeployPending)
	return err
}

// SetDeploymentExternalRef persists the platform reference. Written once,
// immediately after submission, so a retried job resumes polling instead of
// resubmitting.
func (s *Postgres) SetDeploymentExternalRef(ctx context.Context, id, ref string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments SET external_ref = $2 WHERE id = $1 AND external_ref IS NULL
	`, id, ref)
	return err
}

// AppendDeploymentLog adds one line to the deployment log.
func (s *Postgres) AppendDeploymentLog(ctx context.Context, id, line string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments SET log = log || $2 || E'\n' WHERE id = $1
	`, id, line)
	return err
}

// FinishDeployment finalizes a deployment. Only non-terminal rows transition.
func (s *Postgres) FinishDeployment(ctx context.Context, id, status, logLine string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE deployments
		SET status = $2, finished_at = NOW(), log = log || $3 || E'\n'
		WHERE id = $1 AND status NOT IN ($4, $5)
	`, id, status, logLine, models.DeploySuccess, models.DeployFailed)
	return err
}

// InsertActivity appends a console activity row.
func (s *Postgres) InsertActivity(ctx context.Context, actor, action, target, detail string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO activity_log (id, actor, action, target, detail, created_at)
		VALUES ($1, $2, $3, $4, $5, NOW())
	`, uuid.New().String(), actor, action, target, detail)
	return err
}

// ListDeadJobsBefore returns dead jobs older than cutoff, oldest first.
func (s *Postgres) ListDeadJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, lane, payload, status, attempts, max_attempts, available_at, last_error, idempotency_key, created_at, updated_at
		FROM jobs WHERE status = $1 AND created_at < $2
		ORDER BY created_at LIMIT $3
	`, models.StatusDead, cutoff, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead jobs: %w", err)
	}
	defer rows.Close()

	var jobs []models.Job
	for rows.Next() {
		var job models.Job
		var payloadJSON []byte
		var lastErr, idem pgtype.Text
		if err := rows.Scan(&job.ID, &job.Lane, &payloadJSON, &job.Status, &job.Attempts, &job.MaxAttempts, &job.AvailableAt, &lastErr, &idem, &job.CreatedAt, &job.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan dead job: %w", err)
		}
		if err := json.Unmarshal(payloadJSON, &job.Payload); err != nil {
			return nil, fmt.Errorf("unmarshal payload: %w", err)
		}
		job.LastError = textPtr(lastErr)
		job.IdempotencyKey = textPtr(idem)
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

// DeleteJobs removes the given job rows.
func (s *Postgres) DeleteJobs(ctx context.Context, ids []string) (int64, error) {
	if len(ids) == 0 {
		return 0, nil
	}
	tag, err := s.pool.Exec(ctx, `DELETE FROM jobs WHERE id = ANY($1)`, ids)
	if err != nil {
		return 0, fmt.Errorf("delete jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteDeliveriesBefore removes up to limit delivery rows older than cutoff.
func (s *Postgres) DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM webhook_deliveries WHERE id IN (
			SELECT id FROM webhook_deliveries WHERE created_at < $1 LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete deliveries: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteFinishedDeploymentsBefore removes terminal deployments older than cutoff.
func (s *Postgres) DeleteFinishedDeploymentsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM deployments WHERE id IN (
			SELECT id FROM deployments
			WHERE status IN ($1, $2) AND started_at < $3 LIMIT $4
		)
	`, models.DeploySuccess, models.DeployFailed, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete deployments: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteActivityBefore removes activity rows older than cutoff.
func (s *Postgres) DeleteActivityBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM activity_log WHERE id IN (
			SELECT id FROM activity_log WHERE created_at < $1 LIMIT $2
		)
	`, cutoff, limit)
	if err != nil {
		return 0, fmt.Errorf("delete activity: %w", err)
	}
	return tag.RowsAffected(), nil
}

// DeleteExpiredIdempotencyKeys removes keys past their expiry.
func (s *Postgres) DeleteExpiredIdempotencyKeys(ctx context.Context, limit int) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		DELETE FROM idempotency_keys WHERE key IN (
			SELECT key FROM idempotency_keys WHERE expires_at IS NOT NULL AND expires_at < NOW() LIMIT $1
		)
	`, limit)
	if err != nil {
		return 0, fmt.Errorf("delete idempotency keys: %w", err)
	}
	return tag.RowsAffected(), nil
}

// GetAPIKeysByPrefix returns enabled credential rows sharing a key prefix.
func (s *Postgres) GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, subject, key_hash, scopes, disabled
		FROM api_keys WHERE key_prefix = $1 AND NOT disabled
	`, prefix)
	if err != nil {
		return nil, fmt.Errorf("query api keys: %w", err)
	}
	defer rows.Close()

	var keys []models.APIKey
	for rows.Next() {
		var k models.APIKey
		if err := rows.Scan(&k.ID, &k.Subject, &k.KeyHash, &k.Scopes, &k.Disabled); err != nil {
			return nil, fmt.Errorf("scan api key: %w", err)
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

func textPtr(t pgtype.Text) *string {
	if t.Valid {
		return &t.String
	}
	return nil
}

func emptyToNil(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}
