package models

import (
	"time"
)

// Deployment states. Success and failed are terminal.
const (
	DeployPending   = "pending"
	DeployDeploying = "deploying"
	DeploySuccess   = "success"
	DeployFailed    = "failed"
)

// Deployment tracks one deployment driven by the deploy lane. The row is
// created when the job is enqueued and mutated only by the deploy handler.
type Deployment struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"project_id"`
	Status      string     `json:"status"`
	ExternalRef *string    `json:"external_ref,omitempty"`
	StartedAt   time.Time  `json:"started_at"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
	Log         string     `json:"log"`
}

// Terminal reports whether the deployment reached a final state.
func (d Deployment) Terminal() bool {
	return d.Status == DeploySuccess || d.Status == DeployFailed
}

// ActivityEntry is a console activity log row written by the activity lane.
type ActivityEntry struct {
	ID        string    `json:"id"`
	Actor     string    `json:"actor"`
	Action    string    `json:"action"`
	Target    string    `json:"target"`
	Detail    string    `json:"detail"`
	CreatedAt time.Time `json:"created_at"`
}

// CleanupReport counts rows removed per entity class in one cleanup run.
type CleanupReport struct {
	DeadJobs        int64 `json:"dead_jobs"`
	Deliveries      int64 `json:"webhook_deliveries"`
	Deployments     int64 `json:"deployments"`
	Activity        int64 `json:"activity"`
	IdempotencyKeys int64 `json:"idempotency_keys"`
}

// APIKey is a credential row verified by the auth cache on a miss.
type APIKey struct {
	ID       string   `json:"id"`
	Subject  string   `json:"subject"`
	KeyHash  string   `json:"-"`
	Scopes   []string `json:"scopes"`
	Disabled bool     `json:"disabled"`
}
