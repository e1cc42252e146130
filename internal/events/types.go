package events

import (
	"strings"
	"time"
)

// EventType is the dotted name of a kernel event. Plugins emit custom
// events namespaced by their plugin id ("<plugin-id>.<name>").
type EventType string

const (
	// Plugin lifecycle
	EventTypePluginLoaded      EventType = "plugin.loaded"
	EventTypePluginActivated   EventType = "plugin.activated"
	EventTypePluginDeactivated EventType = "plugin.deactivated"
	EventTypePluginErrored     EventType = "plugin.errored"
	EventTypePluginInstalled   EventType = "plugin.installed"
	EventTypePluginUninstalled EventType = "plugin.uninstalled"

	// EventTypeHookFailed indicates a hook callback returned an error, panicked or timed out
	EventTypeHookFailed EventType = "hook.failed"

	// EventTypeSettingsChanged indicates a plugin setting was written
	EventTypeSettingsChanged EventType = "settings.changed"

	// Webhook delivery outcomes
	EventTypeWebhookDelivered EventType = "webhook.delivered"
	EventTypeWebhookFailed    EventType = "webhook.failed"

	// Cron
	EventTypeCronRan    EventType = "cron.ran"
	EventTypeCronFailed EventType = "cron.failed"

	// Auth
	EventTypeAuthLogin  EventType = "auth.login"
	EventTypeAuthFailed EventType = "auth.failed"

	// EventTypeAnalyticsIngested is emitted for custom (non-pageview) analytics events only
	EventTypeAnalyticsIngested EventType = "analytics.ingested"

	// EventTypeEventCleanupCompleted indicates an event retention sweep finished
	EventTypeEventCleanupCompleted EventType = "event.cleanup_completed"
)

// IsKernel reports whether the type is one the kernel itself emits.
// Everything else is plugin-defined.
func (t EventType) IsKernel() bool {
	switch t {
	case EventTypePluginLoaded, EventTypePluginActivated, EventTypePluginDeactivated,
		EventTypePluginErrored, EventTypePluginInstalled, EventTypePluginUninstalled,
		EventTypeHookFailed, EventTypeSettingsChanged,
		EventTypeWebhookDelivered, EventTypeWebhookFailed,
		EventTypeCronRan, EventTypeCronFailed,
		EventTypeAuthLogin, EventTypeAuthFailed,
		EventTypeAnalyticsIngested, EventTypeEventCleanupCompleted:
		return true
	}
	return false
}

// PluginType builds the namespaced type of a plugin-emitted event.
func PluginType(pluginID, name string) EventType {
	return EventType(pluginID + "." + strings.TrimPrefix(name, pluginID+"."))
}

// EventSeverity represents the severity level of an event.
type EventSeverity string

const (
	SeverityInfo     EventSeverity = "info"
	SeverityWarning  EventSeverity = "warning"
	SeverityError    EventSeverity = "error"
	SeverityCritical EventSeverity = "critical"
)

// IsValid checks if the severity value is valid
func (s EventSeverity) IsValid() bool {
	switch s {
	case SeverityInfo, SeverityWarning, SeverityError, SeverityCritical:
		return true
	}
	return false
}

// Event is a structured record of something the kernel or a plugin did.
// Events are persisted, passed to the "kernel.event" action hook and
// fanned out to webhook subscriptions.
type Event struct {
	ID        string                 `json:"id"`
	Type      EventType              `json:"type"`
	Timestamp time.Time              `json:"timestamp"`
	SiteID    string                 `json:"site_id,omitempty"`
	PluginID  string                 `json:"plugin_id,omitempty"`
	Severity  EventSeverity          `json:"severity"`
	Message   string                 `json:"message"`
	Data      map[string]interface{} `json:"data"`
}

// EventFilter narrows event queries.
type EventFilter struct {
	SiteID   string
	PluginID string
	Type     EventType
	Severity EventSeverity
	After    time.Time
	Before   time.Time
	Limit    int
}

// PluginErroredData is the payload of plugin.errored.
type PluginErroredData struct {
	Phase string `json:"phase"` // load, resolve, activate, deactivate
	Error string `json:"error"`
}

// HookFailedData is the payload of hook.failed.
type HookFailedData struct {
	Hook     string `json:"hook"`
	Kind     string `json:"kind"` // action or filter
	Error    string `json:"error"`
	Panicked bool   `json:"panicked"`
	TimedOut bool   `json:"timed_out"`
}

// SettingsChangedData is the payload of settings.changed.
type SettingsChangedData struct {
	Key string `json:"key"`
}

// WebhookData is the payload of webhook.delivered and webhook.failed.
type WebhookData struct {
	SubscriptionID string `json:"subscription_id"`
	DeliveryID     string `json:"delivery_id"`
	EventType      string `json:"event_type"`
	Attempt        int    `json:"attempt"`
	StatusCode     int    `json:"status_code,omitempty"`
	Error          string `json:"error,omitempty"`
	Dead           bool   `json:"dead,omitempty"`
}

// CronData is the payload of cron.ran and cron.failed.
type CronData struct {
	Job        string `json:"job"`
	DurationMs int64  `json:"duration_ms"`
	Error      string `json:"error,omitempty"`
}

// AuthData is the payload of auth.login and auth.failed.
type AuthData struct {
	Provider string `json:"provider"`
	Subject  string `json:"subject,omitempty"`
	Error    string `json:"error,omitempty"`
}

// EventCleanupCompletedData is the payload of event.cleanup_completed.
type EventCleanupCompletedData struct {
	EventsDeleted    int   `json:"events_deleted"`
	ProcessingTimeMs int64 `json:"processing_time_ms"`
}
