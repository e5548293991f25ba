package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"console-jobs/internal/config"
	"console-jobs/internal/models"
	"console-jobs/internal/signer"
	"console-jobs/internal/store"
	"console-jobs/internal/telemetry"
)

// Webhook wire headers. The signature header is always present; its value is
// empty when the subscription has no secret, and the delivery row records
// signed=false so unsigned subscriptions stay visible to operators.
const (
	HeaderEvent     = "X-Console-Event"
	HeaderSignature = "X-Console-Signature"
	HeaderDelivery  = "X-Console-Delivery"
)

// WebhookHandler signs and POSTs event payloads to subscriber URLs and
// records one delivery row per attempt, success or failure.
type WebhookHandler struct {
	store        store.Store
	httpClient   *http.Client
	maxBodyBytes int64
}

type webhookPayload struct {
	WebhookID string         `json:"webhook_id"`
	Event     string         `json:"event"`
	Payload   map[string]any `json:"payload"`
}

// NewWebhookHandler constructs the handler with a bounded outbound timeout.
func NewWebhookHandler(cfg config.Config, st store.Store) *WebhookHandler {
	maxBody := cfg.WebhookMaxBodyBytes
	if maxBody == 0 {
		maxBody = 64 * 1024
	}
	timeout := cfg.WebhookTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}
	return &WebhookHandler{
		store:        st,
		httpClient:   &http.Client{Timeout: timeout},
		maxBodyBytes: maxBody,
	}
}

// Handle delivers one event. The same logical event may be delivered more
// than once across retries; subscribers deduplicate on the delivery header.
func (h *WebhookHandler) Handle(ctx context.Context, job models.Job) error {
	p, err := decodeWebhookPayload(job)
	if err != nil {
		return Permanent(err)
	}

	sub, err := h.store.GetSubscription(ctx, p.WebhookID)
	if err != nil {
		return Permanent(fmt.Errorf("load subscription: %w", err))
	}
	if !sub.Enabled {
		return Permanent(fmt.Errorf("subscription %s is disabled", sub.ID))
	}
	if !sub.Accepts(p.Event) {
		// Subscription filter changed after enqueue; nothing to deliver.
		return nil
	}

	body, err := json.Marshal(p.Payload)
	if err != nil {
		return Permanent(fmt.Errorf("marshal event payload: %w", err))
	}

	signature := ""
	if sub.Secret != "" {
		signature = signer.Sign(sub.Secret, body)
	}

	attempt := job.Attempts + 1
	statusCode, respBody, postErr := h.post(ctx, sub.URL, p.Event, job.ID, signature, body)

	status := models.DeliveryFailed
	if statusCode >= 200 && statusCode <= 299 {
		status = models.DeliverySuccess
	}

	// The audit row is written before the retry decision so every attempt
	// leaves exactly one row.
	if err := h.store.InsertDelivery(ctx, store.InsertDeliveryParams{
		WebhookID:    sub.ID,
		Event:        p.Event,
		URL:          sub.URL,
		Status:       status,
		StatusCode:   statusCode,
		ResponseBody: respBody,
		Attempt:      attempt,
		Signed:       sub.Secret != "",
	}); err != nil {
		return fmt.Errorf("record delivery: %w", err)
	}
	telemetry.WebhookDeliveries.WithLabelValues(status).Inc()

	if postErr != nil {
		return fmt.Errorf("deliver %s to %s: %w", p.Event, sub.URL, postErr)
	}
	if status != models.DeliverySuccess {
		return fmt.Errorf("deliver %s to %s: subscriber returned %d", p.Event, sub.URL, statusCode)
	}
	return nil
}

// post issues the delivery request and reads a bounded response body. On a
// transport error the status code is 0 and the error text becomes the body.
func (h *WebhookHandler) post(ctx context.Context, url, event, deliveryID, signature string, body []byte) (int, string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err.Error(), err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEvent, event)
	req.Header.Set(HeaderSignature, signature)
	req.Header.Set(HeaderDelivery, deliveryID)

	resp, err := h.httpClient.Do(req)
	if err != nil {
		return 0, err.Error(), err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, h.maxBodyBytes))
	return resp.StatusCode, string(respBody), nil
}

func decodeWebhookPayload(job models.Job) (webhookPayload, error) {
	raw, err := json.Marshal(job.Payload)
	if err != nil {
		return webhookPayload{}, fmt.Errorf("marshal job payload: %w", err)
	}
	var p webhookPayload
	if err := json.Unmarshal(raw, &p); err != nil {
		return webhookPayload{}, fmt.Errorf("decode webhook payload: %w", err)
	}
	if p.WebhookID == "" {
		return webhookPayload{}, fmt.Errorf("webhook payload missing webhook_id")
	}
	if p.Event == "" {
		return webhookPayload{}, fmt.Errorf("webhook payload missing event")
	}
	if p.Payload == nil {
		p.Payload = map[string]any{}
	}
	return p, nil
}
