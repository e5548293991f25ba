package worker

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"console-jobs/internal/mail"
	"console-jobs/internal/models"
)

type fakeSender struct {
	sent []mail.Message
	err  error
}

func (s *fakeSender) Send(_ context.Context, msg mail.Message) error {
	if s.err != nil {
		return s.err
	}
	s.sent = append(s.sent, msg)
	return nil
}

func emailJob(payload map[string]any) models.Job {
	return models.Job{ID: "job-1", Lane: models.LaneEmail, Payload: payload}
}

func TestEmailHandlerSends(t *testing.T) {
	sender := &fakeSender{}
	h := NewEmailHandler(sender, "noreply@console.local")

	err := h.Handle(context.Background(), emailJob(map[string]any{
		"to":      "dev@example.com",
		"subject": "deploy finished",
		"body":    "all good",
	}))
	require.NoError(t, err)

	require.Len(t, sender.sent, 1)
	msg := sender.sent[0]
	assert.Equal(t, "noreply@console.local", msg.From)
	assert.Equal(t, "dev@example.com", msg.To)
	assert.Equal(t, "deploy finished", msg.Subject)
}

func TestEmailHandlerPayloadFromOverridesDefault(t *testing.T) {
	sender := &fakeSender{}
	h := NewEmailHandler(sender, "noreply@console.local")

	err := h.Handle(context.Background(), emailJob(map[string]any{
		"to":   "dev@example.com",
		"from": "alerts@console.local",
	}))
	require.NoError(t, err)
	require.Len(t, sender.sent, 1)
	assert.Equal(t, "alerts@console.local", sender.sent[0].From)
}

func TestEmailHandlerMissingRecipientIsPermanent(t *testing.T) {
	sender := &fakeSender{}
	h := NewEmailHandler(sender, "noreply@console.local")

	err := h.Handle(context.Background(), emailJob(map[string]any{"subject": "no to"}))
	assert.True(t, IsPermanent(err))
	assert.Empty(t, sender.sent)
}

func TestEmailHandlerProviderErrorIsRetryable(t *testing.T) {
	sender := &fakeSender{err: errors.New("provider returned 503")}
	h := NewEmailHandler(sender, "noreply@console.local")

	err := h.Handle(context.Background(), emailJob(map[string]any{"to": "dev@example.com"}))
	require.Error(t, err)
	assert.False(t, IsPermanent(err))
}
