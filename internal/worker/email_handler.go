package worker

import (
	"context"
	"encoding/json"
	"fmt"

	"console-jobs/internal/mail"
	"console-jobs/internal/models"
)

// EmailHandler dispatches transactional email through the mail provider.
// Provider errors are retryable; a provider that delivers and then times out
// can produce a duplicate email, which the at-least-once contract allows.
type EmailHandler struct {
	sender mail.Sender
	from   string
}

type emailPayload struct {
	To      string `json:"to"`
	Subject string `json:"subject"`
	Body    string `json:"body"`
	From    string `json:"from,omitempty"`
}

// NewEmailHandler constructs the handler with a default sender address.
func NewEmailHandler(sender mail.Sender, from string) *EmailHandler {
	return &EmailHandler{sender: sender, from: from}
}

func (h *EmailHandler) Handle(ctx context.Context, job models.Job) error {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal job payload: %w", err))
	}
	var p emailPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return Permanent(fmt.Errorf("decode email payload: %w", err))
	}
	if p.To == "" {
		return Permanent(fmt.Errorf("email payload missing to"))
	}
	if p.From == "" {
		p.From = h.from
	}

	if err := h.sender.Send(ctx, mail.Message{
		From:    p.From,
		To:      p.To,
		Subject: p.Subject,
		Body:    p.Body,
	}); err != nil {
		return fmt.Errorf("send email to %s: %w", p.To, err)
	}
	return nil
}
