package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"console-jobs/internal/config"
	"console-jobs/internal/models"
	"console-jobs/internal/platform"
	"console-jobs/internal/store"
)

// Deployment targets.
const (
	TargetSimulated = "simulated"
	TargetPlatform  = "platform"
)

var simulatedSteps = []string{
	"resolve configuration",
	"build image",
	"push image",
	"rollout",
	"health check",
}

// DeployHandler drives a deployment to a terminal state, either by stepping
// a local simulation or by polling the external platform. Redelivery after a
// crash is safe: terminal deployments are skipped, and a persisted external
// reference is resumed instead of resubmitting.
type DeployHandler struct {
	store     store.Store
	platform  *platform.Client
	pollEvery time.Duration
	budget    time.Duration
	stepDelay time.Duration
}

type deployPayload struct {
	DeploymentID string `json:"deployment_id"`
	Target       string `json:"target"`
	FailStep     string `json:"fail_step,omitempty"`
}

// NewDeployHandler constructs the handler.
func NewDeployHandler(cfg config.Config, st store.Store, pc *platform.Client) *DeployHandler {
	pollEvery := cfg.DeployPollEvery
	if pollEvery == 0 {
		pollEvery = 5 * time.Second
	}
	budget := cfg.DeployTimeout
	if budget == 0 {
		budget = 5 * time.Minute
	}
	return &DeployHandler{
		store:     st,
		platform:  pc,
		pollEvery: pollEvery,
		budget:    budget,
		stepDelay: cfg.DeployStepDelay,
	}
}

// Handle advances one deployment. Returning nil means the job did its work,
// including the case where the work was detecting a failed deployment.
func (h *DeployHandler) Handle(ctx context.Context, job models.Job) error {
	p, err := decodeDeployPayload(job)
	if err != nil {
		return Permanent(err)
	}

	dep, err := h.store.GetDeployment(ctx, p.DeploymentID)
	if err != nil {
		return Permanent(fmt.Errorf("load deployment: %w", err))
	}
	if dep.Terminal() {
		// Redelivered after the previous attempt already finished it.
		return nil
	}
	if err := h.store.MarkDeploying(ctx, dep.ID); err != nil {
		return fmt.Errorf("mark deploying: %w", err)
	}

	switch p.Target {
	case TargetSimulated:
		return h.runSimulated(ctx, dep, p)
	case TargetPlatform, "":
		return h.runPlatform(ctx, dep)
	default:
		return Permanent(fmt.Errorf("unknown deployment target %q", p.Target))
	}
}

// OnDeadLetter finalizes the deployment as failed once the deploy job has no
// retries left. Without it, a job that burns its attempts before the
// deployment budget expires would leave the row deploying with nothing left
// to drive it to a terminal state.
func (h *DeployHandler) OnDeadLetter(ctx context.Context, job models.Job, cause error) {
	p, err := decodeDeployPayload(job)
	if err != nil {
		return
	}
	dep, err := h.store.GetDeployment(ctx, p.DeploymentID)
	if err != nil || dep.Terminal() {
		return
	}
	_ = h.store.FinishDeployment(ctx, dep.ID, models.DeployFailed, "abandoned: "+cause.Error())
}

// runSimulated advances through the fixed step sequence, writing progress to
// the deployment log. FailStep injects a failure for testing.
func (h *DeployHandler) runSimulated(ctx context.Context, dep models.Deployment, p deployPayload) error {
	for _, step := range simulatedSteps {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.stepDelay):
		}
		if err := h.store.AppendDeploymentLog(ctx, dep.ID, "step: "+step); err != nil {
			return fmt.Errorf("append log: %w", err)
		}
		if p.FailStep == step {
			return h.store.FinishDeployment(ctx, dep.ID, models.DeployFailed, fmt.Sprintf("failed at %q (injected)", step))
		}
	}
	return h.store.FinishDeployment(ctx, dep.ID, models.DeploySuccess, "deployment complete")
}

// runPlatform submits once and polls the platform until a terminal state or
// the wall-clock budget expires. The budget is anchored to the deployment's
// start so it spans retries, and expiry finalizes the row as failed rather
// than leaving it deploying forever.
func (h *DeployHandler) runPlatform(ctx context.Context, dep models.Deployment) error {
	ref := ""
	if dep.ExternalRef != nil {
		ref = *dep.ExternalRef
	} else {
		submitted, err := h.platform.Submit(ctx, dep.ProjectID)
		if err != nil {
			return fmt.Errorf("submit deployment: %w", err)
		}
		// Persist the reference before anything else so a retry resumes
		// polling instead of starting a duplicate deployment.
		if err := h.store.SetDeploymentExternalRef(ctx, dep.ID, submitted); err != nil {
			return fmt.Errorf("persist external ref: %w", err)
		}
		_ = h.store.AppendDeploymentLog(ctx, dep.ID, "submitted ref="+submitted)
		ref = submitted
	}

	deadline := dep.StartedAt.Add(h.budget)
	for {
		if time.Now().After(deadline) {
			return h.store.FinishDeployment(ctx, dep.ID, models.DeployFailed, fmt.Sprintf("timed out after %s waiting for platform", h.budget))
		}

		st, err := h.platform.GetStatus(ctx, ref)
		if err != nil {
			return fmt.Errorf("poll deployment %s: %w", ref, err)
		}
		switch st.State {
		case platform.StateSuccess:
			return h.store.FinishDeployment(ctx, dep.ID, models.DeploySuccess, nonEmpty(st.Log, "deployment complete"))
		case platform.StateFailure:
			return h.store.FinishDeployment(ctx, dep.ID, models.DeployFailed, nonEmpty(st.Log, "platform reported failure"))
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(h.pollEvery):
		}
	}
}

func decodeDeployPayload(job models.Job) (deployPayload, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return deployPayload{}, fmt.Errorf("marshal job payload: %w", err)
	}
	var p deployPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return deployPayload{}, fmt.Errorf("decode deploy payload: %w", err)
	}
	if p.DeploymentID == "" {
		return deployPayload{}, fmt.Errorf("deploy payload missing deployment_id")
	}
	return p, nil
}

func nonEmpty(s, def string) string {
	if s != "" {
		return s
	}
	return def
}
