package worker

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console-jobs/internal/models"
)

func TestActivityHandlerInserts(t *testing.T) {
	st := newFakeStore()
	h := NewActivityHandler(st)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", Lane: models.LaneActivity, Payload: map[string]any{
		"actor":  "dev@example.com",
		"action": "deployment.created",
		"target": "proj-1",
		"detail": "via api",
	}})
	require.NoError(t, err)

	require.Len(t, st.activities, 1)
	entry := st.activities[0]
	assert.Equal(t, "dev@example.com", entry.Actor)
	assert.Equal(t, "deployment.created", entry.Action)
	assert.Equal(t, "proj-1", entry.Target)
}

func TestActivityHandlerMissingActionIsPermanent(t *testing.T) {
	st := newFakeStore()
	h := NewActivityHandler(st)

	err := h.Handle(context.Background(), models.Job{ID: "job-1", Payload: map[string]any{"actor": "dev@example.com"}})
	assert.True(t, IsPermanent(err))
	assert.Empty(t, st.activities)
}
