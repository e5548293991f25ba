package models

import (
	"time"
)

// Job lifecycle states persisted in Postgres.
const (
	StatusQueued    = "queued"
	StatusInFlight  = "in_flight"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusDead      = "dead"
)

// Lanes partition the queue; each lane has its own handler and concurrency.
const (
	LaneWebhook  = "webhook"
	LaneDeploy   = "deploy"
	LaneCleanup  = "cleanup"
	LaneEmail    = "email"
	LaneActivity = "activity"
)

// Lanes lists every recognized lane in a stable order.
var Lanes = []string{LaneWebhook, LaneDeploy, LaneCleanup, LaneEmail, LaneActivity}

// KnownLane reports whether the lane name is one the worker dispatches.
func KnownLane(lane string) bool {
	for _, l := range Lanes {
		if l == lane {
			return true
		}
	}
	return false
}

// Job represents a queued unit of background work persisted in Postgres.
// Queue position and leases live in Redis; this row is the source of truth
// for status and attempt accounting.
type Job struct {
	ID             string         `json:"id"`
	Lane           string         `json:"lane"`
	Payload        map[string]any `json:"payload"`
	Status         string         `json:"status"`
	Attempts       int            `json:"attempts"`
	MaxAttempts    int            `json:"max_attempts"`
	AvailableAt    time.Time      `json:"available_at"`
	LastError      *string        `json:"last_error,omitempty"`
	IdempotencyKey *string        `json:"idempotency_key,omitempty"`
	CreatedAt      time.Time      `json:"created_at"`
	UpdatedAt      time.Time      `json:"updated_at"`
}

// AuditLog is a simple audit event row appended on job transitions.
type AuditLog struct {
	JobID    string    `json:"job_id"`
	Event    string    `json:"event"`
	Detail   string    `json:"detail"`
	Recorded time.Time `json:"recorded_at"`
}
