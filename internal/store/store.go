package store

import (
	"context"
	"time"

	"console-jobs/internal/models"
)

// CreateJobParams collects inputs required to insert a job.
type CreateJobParams struct {
	Lane           string
	Payload        map[string]any
	IdempotencyKey string
	AvailableAt    time.Time
	MaxAttempts    int
	IdempotencyTTL time.Duration
}

// InsertDeliveryParams describes one webhook delivery attempt.
type InsertDeliveryParams struct {
	WebhookID    string
	Event        string
	URL          string
	Status       string
	StatusCode   int
	ResponseBody string
	Attempt      int
	Signed       bool
}

// Store is the persistence boundary. All Postgres access goes through here;
// implementations must be safe for concurrent use.
type Store interface {
	// Jobs.
	CreateJob(ctx context.Context, p CreateJobParams) (models.Job, bool, error)
	GetJob(ctx context.Context, id string) (models.Job, error)
	MarkInFlight(ctx context.Context, id string) error
	MarkCompleted(ctx context.Context, id string) error
	MarkCancelled(ctx context.Context, id string) error
	MarkDead(ctx context.Context, id string, lastError string) error
	RecordRetry(ctx context.Context, id string, attempts int, availableAt time.Time, lastError string) error
	ResetToQueued(ctx context.Context, id string) error
	AppendAudit(ctx context.Context, jobID, event, detail string) error

	// Webhooks.
	GetSubscription(ctx context.Context, id string) (models.WebhookSubscription, error)
	InsertDelivery(ctx context.Context, p InsertDeliveryParams) error

	// Deployments.
	CreateDeployment(ctx context.Context, projectID string) (models.Deployment, error)
	GetDeployment(ctx context.Context, id string) (models.Deployment, error)
	MarkDeploying(ctx context.Context, id string) error
	SetDeploymentExternalRef(ctx context.Context, id, ref string) error
	AppendDeploymentLog(ctx context.Context, id, line string) error
	FinishDeployment(ctx context.Context, id, status, logLine string) error

	// Activity.
	InsertActivity(ctx context.Context, actor, action, target, detail string) error

	// Retention.
	ListDeadJobsBefore(ctx context.Context, cutoff time.Time, limit int) ([]models.Job, error)
	DeleteJobs(ctx context.Context, ids []string) (int64, error)
	DeleteDeliveriesBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteFinishedDeploymentsBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteActivityBefore(ctx context.Context, cutoff time.Time, limit int) (int64, error)
	DeleteExpiredIdempotencyKeys(ctx context.Context, limit int) (int64, error)

	// Credentials.
	GetAPIKeysByPrefix(ctx context.Context, prefix string) ([]models.APIKey, error)

	Close()
}
