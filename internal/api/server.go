package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"console-jobs/internal/authcache"
	"console-jobs/internal/config"
	"console-jobs/internal/models"
	"console-jobs/internal/queue"
	"console-jobs/internal/ratelimit"
	"console-jobs/internal/store"
	"console-jobs/internal/telemetry"
)

// Server wires HTTP handlers for the job ingress.
type Server struct {
	cfg     config.Config
	store   store.Store
	queue   *queue.RedisQueue
	limiter *ratelimit.FixedWindow
	auth    *authcache.Cache
}

// New constructs the API server.
func New(cfg config.Config, st store.Store, q *queue.RedisQueue, limiter *ratelimit.FixedWindow, auth *authcache.Cache) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		queue:   q,
		limiter: limiter,
		auth:    auth,
	}
}

// Router builds the HTTP router. Everything below the auth group requires a
// valid bearer credential and is rate limited per caller and route.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Group(func(r chi.Router) {
		r.Use(s.authenticate)
		r.Use(s.rateLimit)

		r.Post("/jobs", s.handleEnqueue)
		r.Get("/jobs/{id}", s.handleGetJob)
		r.Post("/jobs/{id}/cancel", s.handleCancel)
		r.Get("/dlq", s.handleDLQ)
		r.Get("/deployments/{id}", s.handleGetDeployment)
		r.Post("/subscriptions/{id}/test", s.handleTestSubscription)
		r.With(s.requireScope("admin")).Post("/keys/{subject}/evict", s.handleEvictPermissions)
	})
	return r
}

type enqueueRequest struct {
	Lane           string         `json:"lane"`
	Payload        map[string]any `json:"payload"`
	IdempotencyKey string         `json:"idempotency_key"`
	DelaySeconds   int            `json:"delay_seconds"`
	MaxAttempts    int            `json:"max_attempts"`
}

type enqueueResponse struct {
	Job        models.Job `json:"job"`
	Idempotent bool       `json:"idempotent"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json")
		return
	}
	if !models.KnownLane(req.Lane) {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("unknown lane %q", req.Lane))
		return
	}
	if req.Payload == nil {
		req.Payload = map[string]any{}
	}
	if req.MaxAttempts == 0 {
		req.MaxAttempts = s.cfg.Lane(req.Lane).MaxAttempts
	}
	availableAt := time.Now().UTC()
	if req.DelaySeconds > 0 {
		availableAt = availableAt.Add(time.Duration(req.DelaySeconds) * time.Second)
	}

	// Deploy jobs own a deployment row from the moment they are enqueued.
	if req.Lane == models.LaneDeploy {
		if _, ok := req.Payload["deployment_id"]; !ok {
			projectID, _ := req.Payload["project_id"].(string)
			if projectID == "" {
				writeError(w, http.StatusBadRequest, "deploy payload requires project_id or deployment_id")
				return
			}
			dep, err := s.store.CreateDeployment(r.Context(), projectID)
			if err != nil {
				writeError(w, http.StatusInternalServerError, "create deployment failed")
				return
			}
			req.Payload["deployment_id"] = dep.ID
		}
	}

	job, idempotent, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Lane:           req.Lane,
		Payload:        req.Payload,
		IdempotencyKey: req.IdempotencyKey,
		AvailableAt:    availableAt,
		MaxAttempts:    req.MaxAttempts,
		IdempotencyTTL: s.cfg.IdempotencyTTL,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	if !idempotent {
		if err := s.queue.Enqueue(r.Context(), job.ID, job.Lane, job.AvailableAt); err != nil {
			msg := err.Error()
			_ = s.store.MarkDead(r.Context(), job.ID, msg)
			writeError(w, http.StatusInternalServerError, "enqueue failed")
			return
		}
		subject := "anonymous"
		if id, ok := identityFrom(r); ok {
			subject = id.Subject
		}
		_ = s.store.AppendAudit(r.Context(), job.ID, "enqueued", fmt.Sprintf("subject=%s lane=%s", subject, job.Lane))
		telemetry.EnqueueCounter.WithLabelValues(job.Lane).Inc()
	}

	writeJSON(w, http.StatusAccepted, enqueueResponse{Job: job, Idempotent: idempotent})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	job, err := s.store.GetJob(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, job)
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.queue.Cancel(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel queue item")
		return
	}
	if err := s.store.MarkCancelled(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, "failed to cancel job")
		return
	}
	_ = s.store.AppendAudit(r.Context(), id, "cancelled", "cancel requested via API")
	writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled"})
}

// handleDLQ returns dead-lettered job IDs for operator inspection.
func (s *Server) handleDLQ(w http.ResponseWriter, r *http.Request) {
	items, err := s.queue.DLQPeek(r.Context(), 100)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "failed to read dlq")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleGetDeployment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	dep, err := s.store.GetDeployment(r.Context(), id)
	if err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, dep)
}

// handleTestSubscription enqueues a test event for a subscription so console
// users can verify their endpoint and secret.
func (s *Server) handleTestSubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if _, err := s.store.GetSubscription(r.Context(), id); err != nil {
		status := http.StatusInternalServerError
		if errors.Is(err, store.ErrNotFound) {
			status = http.StatusNotFound
		}
		writeError(w, status, err.Error())
		return
	}

	job, _, err := s.store.CreateJob(r.Context(), store.CreateJobParams{
		Lane: models.LaneWebhook,
		Payload: map[string]any{
			"webhook_id": id,
			"event":      "webhook.test",
			"payload":    map[string]any{"test": true, "sent_at": time.Now().UTC().Format(time.RFC3339)},
		},
		AvailableAt: time.Now().UTC(),
		MaxAttempts: s.cfg.Lane(models.LaneWebhook).MaxAttempts,
	})
	if err != nil {
		writeError(w, http.StatusInternalServerError, "create test job failed")
		return
	}
	if err := s.queue.Enqueue(r.Context(), job.ID, job.Lane, job.AvailableAt); err != nil {
		writeError(w, http.StatusInternalServerError, "enqueue failed")
		return
	}
	telemetry.EnqueueCounter.WithLabelValues(job.Lane).Inc()
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID})
}

// handleEvictPermissions drops a subject's cached permission set after a
// permission-changing mutation.
func (s *Server) handleEvictPermissions(w http.ResponseWriter, r *http.Request) {
	subject := chi.URLParam(r, "subject")
	if err := s.auth.EvictPermissions(r.Context(), subject); err != nil {
		writeError(w, http.StatusInternalServerError, "evict failed")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "evicted"})
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
