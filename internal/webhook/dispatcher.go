// Package webhook fans kernel events out to per-site HTTP subscriptions
// and delivers them with signing, retries, per-endpoint circuit breaking
// and rate limiting.
package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"

	"github.com/plinthcms/plinth/internal/config"
	"github.com/plinthcms/plinth/internal/events"
	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/types"
)

// Request headers of a delivery.
const (
	HeaderEvent     = "X-Plinth-Event"
	HeaderDelivery  = "X-Plinth-Delivery"
	HeaderSignature = "X-Plinth-Signature"
)

const userAgent = "plinth-webhooks/1.0"

// Store is the storage the dispatcher needs.
type Store interface {
	GetSubscription(ctx context.Context, id string) (*types.WebhookSubscription, error)
	ListSubscriptions(ctx context.Context, siteID string) ([]*types.WebhookSubscription, error)
	CreateDelivery(ctx context.Context, d *types.Delivery) error
	UpdateDelivery(ctx context.Context, d *types.Delivery) error
	ListDueDeliveries(ctx context.Context, now time.Time, limit int) ([]*types.Delivery, error)
}

// Payload is the JSON body posted to subscribers before plugin filters.
type Payload struct {
	ID        string                 `json:"id"`
	Type      string                 `json:"type"`
	SiteID    string                 `json:"site_id"`
	PluginID  string                 `json:"plugin_id,omitempty"`
	Timestamp time.Time              `json:"timestamp"`
	Data      map[string]interface{} `json:"data"`
}

// Dispatcher queues and delivers webhook calls.
type Dispatcher struct {
	store    Store
	hooks    *hooks.Registry
	recorder events.Recorder
	cfg      config.WebhookConfig
	client   *http.Client
	logger   *zap.Logger
	sem      *semaphore.Weighted
	now      func() time.Time

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
	limiters map[string]*rate.Limiter
}

// NewDispatcher creates a Dispatcher. A nil client gets one with the
// configured timeout.
func NewDispatcher(store Store, registry *hooks.Registry, recorder events.Recorder, cfg config.WebhookConfig, client *http.Client, logger *zap.Logger) *Dispatcher {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}
	if recorder == nil {
		recorder = events.Discard
	}
	return &Dispatcher{
		store:    store,
		hooks:    registry,
		recorder: recorder,
		cfg:      cfg,
		client:   client,
		logger:   logger,
		sem:      semaphore.NewWeighted(int64(cfg.Concurrency)),
		now:      time.Now,
		breakers: make(map[string]*CircuitBreaker),
		limiters: make(map[string]*rate.Limiter),
	}
}

// Subscribe attaches the dispatcher to the kernel.event action so every
// recorded event is enqueued. Remove the returned handle to detach.
func (d *Dispatcher) Subscribe() hooks.Handle {
	return d.hooks.AddAction(hooks.KernelEvent, "core", hooks.DefaultPriority, func(ctx context.Context, args ...interface{}) error {
		if len(args) == 0 {
			return nil
		}
		event, ok := args[0].(*events.Event)
		if !ok {
			return nil
		}
		_, err := d.Enqueue(ctx, event)
		return err
	})
}

// Enqueue creates one pending delivery per active subscription of the
// event's site that wants its type. The payload passes through the
// webhook.payload filter first; a nil result suppresses delivery.
// Webhook outcome events are never delivered, and neither are events
// without a site.
func (d *Dispatcher) Enqueue(ctx context.Context, event *events.Event) (int, error) {
	if event.SiteID == "" || strings.HasPrefix(string(event.Type), "webhook.") {
		return 0, nil
	}
	subs, err := d.store.ListSubscriptions(ctx, event.SiteID)
	if err != nil {
		return 0, fmt.Errorf("failed to list subscriptions: %w", err)
	}
	var matching []*types.WebhookSubscription
	for _, sub := range subs {
		if sub.Active && sub.Wants(string(event.Type)) {
			matching = append(matching, sub)
		}
	}
	if len(matching) == 0 {
		return 0, nil
	}

	body, err := d.buildPayload(ctx, event)
	if err != nil {
		return 0, err
	}
	if body == nil {
		return 0, nil
	}

	created := 0
	var errs []error
	for _, sub := range matching {
		delivery := &types.Delivery{
			SubscriptionID: sub.ID,
			EventID:        event.ID,
			EventType:      string(event.Type),
			Payload:        body,
			State:          types.DeliveryPending,
			NextAttemptAt:  d.now(),
		}
		if err := d.store.CreateDelivery(ctx, delivery); err != nil {
			errs = append(errs, fmt.Errorf("failed to queue delivery for %s: %w", sub.ID, err))
			continue
		}
		created++
	}
	return created, errors.Join(errs...)
}

func (d *Dispatcher) buildPayload(ctx context.Context, event *events.Event) ([]byte, error) {
	payload := &Payload{
		ID:        event.ID,
		Type:      string(event.Type),
		SiteID:    event.SiteID,
		PluginID:  event.PluginID,
		Timestamp: event.Timestamp.UTC(),
		Data:      event.Data,
	}
	out, _ := d.hooks.ApplyFilters(hooks.WithSite(ctx, event.SiteID), hooks.WebhookPayload, payload, event)
	switch v := out.(type) {
	case nil:
		return nil, nil
	case *Payload:
		if v == nil {
			return nil, nil
		}
		payload = v
	default:
		d.logger.Warn("webhook.payload filter returned unexpected type, using original payload",
			zap.String("type", fmt.Sprintf("%T", out)),
			zap.String("event", string(event.Type)))
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to encode webhook payload: %w", err)
	}
	return body, nil
}

// Sign returns the X-Plinth-Signature value of a body.
func Sign(secret string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// Verify checks a signature header in constant time.
func Verify(secret string, body []byte, signature string) bool {
	return hmac.Equal([]byte(Sign(secret, body)), []byte(signature))
}

// Run delivers due webhooks every PollInterval until ctx is cancelled.
func (d *Dispatcher) Run(ctx context.Context) error {
	ticker := time.NewTicker(d.cfg.PollInterval)
	defer ticker.Stop()

	d.logger.Info("webhook dispatcher started",
		zap.Duration("poll_interval", d.cfg.PollInterval),
		zap.Int("concurrency", d.cfg.Concurrency))
	for {
		if _, err := d.ProcessDue(ctx); err != nil && ctx.Err() == nil {
			d.logger.Error("webhook delivery pass failed", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			d.logger.Info("webhook dispatcher stopped")
			return nil
		case <-ticker.C:
		}
	}
}

// ProcessDue attempts every due delivery, at most Concurrency at a time,
// and returns how many were attempted.
func (d *Dispatcher) ProcessDue(ctx context.Context) (int, error) {
	due, err := d.store.ListDueDeliveries(ctx, d.now(), d.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("failed to list due deliveries: %w", err)
	}

	// Attempts share ctx rather than an errgroup context: one failed save
	// must not cancel sibling sends.
	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
	)
	attempted := 0
	for _, delivery := range due {
		if err := d.sem.Acquire(ctx, 1); err != nil {
			break
		}
		attempted++
		g.Go(func() error {
			defer d.sem.Release(1)
			if err := d.attempt(ctx, delivery); err != nil {
				mu.Lock()
				errs = append(errs, fmt.Errorf("delivery %s: %w", delivery.ID, err))
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()
	return attempted, errors.Join(errs...)
}

// attempt makes one delivery attempt and persists its outcome. Only
// storage failures are returned; HTTP failures become retries.
func (d *Dispatcher) attempt(ctx context.Context, delivery *types.Delivery) error {
	sub, err := d.store.GetSubscription(ctx, delivery.SubscriptionID)
	if err != nil || !sub.Active {
		reason := "subscription is inactive"
		if err != nil {
			reason = err.Error()
		}
		delivery.State = types.DeliveryDead
		delivery.Error = reason
		return d.store.UpdateDelivery(ctx, delivery)
	}

	host := endpointHost(sub.URL)
	breaker := d.breaker(host)
	if err := breaker.Allow(); err != nil {
		// Deferred without spending an attempt.
		delivery.State = types.DeliveryFailed
		delivery.Error = err.Error()
		delivery.NextAttemptAt = breaker.RetryAt()
		return d.store.UpdateDelivery(ctx, delivery)
	}
	if err := d.limiter(host).Wait(ctx); err != nil {
		return nil
	}

	status, sendErr := d.send(ctx, sub, delivery)
	if ctx.Err() != nil && status == 0 {
		// Shutting down before the endpoint answered; the delivery stays due.
		return nil
	}
	// The endpoint has seen this attempt, so its outcome is saved even if
	// ctx is cancelled from here on.
	ctx = context.WithoutCancel(ctx)
	delivery.Attempt++
	delivery.StatusCode = status

	data := events.WebhookData{
		SubscriptionID: sub.ID,
		DeliveryID:     delivery.ID,
		EventType:      delivery.EventType,
		Attempt:        delivery.Attempt,
		StatusCode:     status,
	}

	if sendErr == nil && status >= 200 && status < 300 {
		breaker.RecordSuccess()
		delivery.State = types.DeliverySucceeded
		delivery.Error = ""
		if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
			return err
		}
		d.recorder.Record(ctx, events.NewWebhookEvent(sub.SiteID, data))
		return nil
	}

	if sendErr == nil {
		sendErr = fmt.Errorf("endpoint returned %d", status)
	}
	if countsAgainstEndpoint(status) {
		breaker.RecordFailure()
	}
	delivery.Error = sendErr.Error()
	data.Error = delivery.Error
	if delivery.Attempt >= d.cfg.MaxAttempts {
		delivery.State = types.DeliveryDead
		data.Dead = true
	} else {
		delivery.State = types.DeliveryFailed
		delivery.NextAttemptAt = d.now().Add(d.cfg.Backoff(delivery.Attempt))
	}
	d.logger.Warn("webhook delivery failed",
		zap.String("subscription", sub.ID),
		zap.String("delivery", delivery.ID),
		zap.Int("attempt", delivery.Attempt),
		zap.Int("status", status),
		zap.Bool("dead", data.Dead),
		zap.Error(sendErr))
	if err := d.store.UpdateDelivery(ctx, delivery); err != nil {
		return err
	}
	d.recorder.Record(ctx, events.NewWebhookEvent(sub.SiteID, data))
	return nil
}

func (d *Dispatcher) send(ctx context.Context, sub *types.WebhookSubscription, delivery *types.Delivery) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(delivery.Payload))
	if err != nil {
		return 0, fmt.Errorf("failed to build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", userAgent)
	req.Header.Set(HeaderEvent, delivery.EventType)
	req.Header.Set(HeaderDelivery, delivery.ID)
	req.Header.Set(HeaderSignature, Sign(sub.Secret, delivery.Payload))

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64<<10))
	return resp.StatusCode, nil
}

// countsAgainstEndpoint reports whether a failure suggests the endpoint is
// unhealthy: transport errors, 429 and 5xx. Other 4xx are the payload's
// problem, not the endpoint's.
func countsAgainstEndpoint(status int) bool {
	return status == 0 || status == http.StatusTooManyRequests || status >= 500
}

func endpointHost(raw string) string {
	u, err := url.Parse(raw)
	if err != nil {
		return raw
	}
	return u.Host
}

func (d *Dispatcher) breaker(host string) *CircuitBreaker {
	d.mu.Lock()
	defer d.mu.Unlock()
	b, ok := d.breakers[host]
	if !ok {
		b = NewCircuitBreaker(host, d.cfg.FailureThreshold, d.cfg.SuccessThreshold, d.cfg.OpenTimeout, d.logger)
		b.now = d.now
		d.breakers[host] = b
	}
	return b
}

func (d *Dispatcher) limiter(host string) *rate.Limiter {
	d.mu.Lock()
	defer d.mu.Unlock()
	l, ok := d.limiters[host]
	if !ok {
		l = rate.NewLimiter(rate.Limit(d.cfg.RatePerSecond), d.cfg.Burst)
		d.limiters[host] = l
	}
	return l
}

// BreakerState reports the circuit state of an endpoint host.
func (d *Dispatcher) BreakerState(host string) CircuitState {
	return d.breaker(host).State()
}
