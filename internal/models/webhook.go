package models

import (
	"time"
)

// Delivery outcomes recorded per attempt.
const (
	DeliverySuccess = "success"
	DeliveryFailed  = "failed"
)

// WebhookSubscription is an endpoint registered in the console. The core
// reads subscriptions but never writes them.
type WebhookSubscription struct {
	ID      string    `json:"id"`
	URL     string    `json:"url"`
	Secret  string    `json:"-"`
	Events  []string  `json:"events"`
	Enabled bool      `json:"enabled"`
	Created time.Time `json:"created_at"`
}

// Accepts reports whether the subscription wants the given event type.
// An empty event list means all events.
func (s WebhookSubscription) Accepts(event string) bool {
	if len(s.Events) == 0 {
		return true
	}
	for _, e := range s.Events {
		if e == event {
			return true
		}
	}
	return false
}

// WebhookDelivery is one delivery attempt. Append-only: exactly one row per
// attempt, never mutated after insert.
type WebhookDelivery struct {
	ID           string    `json:"id"`
	WebhookID    string    `json:"webhook_id"`
	Event        string    `json:"event"`
	URL          string    `json:"url"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	ResponseBody string    `json:"response_body"`
	Attempt      int       `json:"attempt"`
	Signed       bool      `json:"signed"`
	CreatedAt    time.Time `json:"created_at"`
}
