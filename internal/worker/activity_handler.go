package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"console-jobs/internal/models"
	"console-jobs/internal/store"
)

// ActivityHandler persists console activity entries. Inserts are keyed by a
// fresh id, so a redelivered job produces a duplicate entry rather than an
// error; the console dedupes on display.
type ActivityHandler struct {
	store store.Store
}

type activityPayload struct {
	Actor  string `json:"actor"`
	Action string `json:"action"`
	Target string `json:"target,omitempty"`
	Detail string `json:"detail,omitempty"`
}

// NewActivityHandler constructs the handler.
func NewActivityHandler(st store.Store) *ActivityHandler {
	return &ActivityHandler{store: st}
}

func (h *ActivityHandler) Handle(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job payload: %w", err))
	}
	var p activityPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Permanent(fmt.Errorf("decode activity payload: %w", err))
	}
	if p.Action == "" {
		return Permanent(fmt.Errorf("activity payload missing action"))
	}

	if err := h.store.InsertActivity(ctx, p.Actor, p.Action, p.Target, p.Detail); err != nil {
		return fmt.Errorf("insert activity: %w", err)
	}
	return nil
}
