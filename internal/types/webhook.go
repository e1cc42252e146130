package types

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// WebhookSubscription delivers matching kernel events of one site to an
// external URL.
type WebhookSubscription struct {
	ID        string    `json:"id"`
	SiteID    string    `json:"site_id"`
	URL       string    `json:"url"`
	Secret    string    `json:"-"`
	Events    []string  `json:"events"` // "*", exact type, or prefix wildcard "post.*"
	Active    bool      `json:"active"`
	CreatedAt time.Time `json:"created_at"`
}

// Validate checks if the subscription has valid field values
func (w *WebhookSubscription) Validate() error {
	if w.SiteID == "" {
		return fmt.Errorf("site_id is required")
	}
	u, err := url.Parse(w.URL)
	if err != nil {
		return fmt.Errorf("invalid webhook url: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("webhook url must be http or https (got %q)", u.Scheme)
	}
	if u.Host == "" {
		return fmt.Errorf("webhook url must have a host")
	}
	if len(w.Secret) < 16 {
		return fmt.Errorf("webhook secret must be at least 16 characters")
	}
	if len(w.Events) == 0 {
		return fmt.Errorf("webhook must subscribe to at least one event")
	}
	for _, e := range w.Events {
		if e == "" {
			return fmt.Errorf("empty event pattern")
		}
		if strings.Contains(e, "*") && e != "*" && !strings.HasSuffix(e, ".*") {
			return fmt.Errorf("invalid event pattern %q (wildcard must be a trailing .*)", e)
		}
	}
	return nil
}

// Wants reports whether the subscription matches an event type.
func (w *WebhookSubscription) Wants(eventType string) bool {
	for _, pattern := range w.Events {
		if pattern == "*" || pattern == eventType {
			return true
		}
		if prefix, ok := strings.CutSuffix(pattern, "*"); ok && strings.HasPrefix(eventType, prefix) {
			return true
		}
	}
	return false
}

// DeliveryState tracks a webhook delivery through its retry lifecycle
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliverySucceeded DeliveryState = "succeeded"
	DeliveryFailed    DeliveryState = "failed" // failed attempt, will retry
	DeliveryDead      DeliveryState = "dead"   // retries exhausted
)

// IsValid checks if the delivery state value is valid
func (s DeliveryState) IsValid() bool {
	switch s {
	case DeliveryPending, DeliverySucceeded, DeliveryFailed, DeliveryDead:
		return true
	}
	return false
}

// IsTerminal reports whether no further attempts will be made
func (s DeliveryState) IsTerminal() bool {
	return s == DeliverySucceeded || s == DeliveryDead
}

// Delivery is one event destined for one subscription.
type Delivery struct {
	ID             string        `json:"id"`
	SubscriptionID string        `json:"subscription_id"`
	EventID        string        `json:"event_id"`
	EventType      string        `json:"event_type"`
	Payload        []byte        `json:"-"`
	Attempt        int           `json:"attempt"`
	StatusCode     int           `json:"status_code,omitempty"`
	Error          string        `json:"error,omitempty"`
	State          DeliveryState `json:"state"`
	NextAttemptAt  time.Time     `json:"next_attempt_at"`
	CreatedAt      time.Time     `json:"created_at"`
	UpdatedAt      time.Time     `json:"updated_at"`
}
