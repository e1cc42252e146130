package events

import (
	"time"

	"github.com/google/uuid"
)

// New creates an event with a fresh id and timestamp. A nil data map is
// replaced with an empty one so the stored JSON is always an object.
func New(eventType EventType, siteID, pluginID string, severity EventSeverity, message string, data map[string]interface{}) *Event {
	if data == nil {
		data = make(map[string]interface{})
	}
	return &Event{
		ID:        uuid.New().String(),
		Type:      eventType,
		Timestamp: time.Now(),
		SiteID:    siteID,
		PluginID:  pluginID,
		Severity:  severity,
		Message:   message,
		Data:      data,
	}
}

// NewPluginErroredEvent creates a plugin.errored event.
func NewPluginErroredEvent(siteID, pluginID, phase string, cause error) *Event {
	event := New(EventTypePluginErrored, siteID, pluginID, SeverityError, "plugin "+pluginID+" failed during "+phase, nil)
	_ = event.SetData(PluginErroredData{Phase: phase, Error: cause.Error()})
	return event
}

// NewHookFailedEvent creates a hook.failed event.
func NewHookFailedEvent(siteID, pluginID string, data HookFailedData) *Event {
	event := New(EventTypeHookFailed, siteID, pluginID, SeverityWarning, "hook "+data.Hook+" callback failed", nil)
	_ = event.SetData(data)
	return event
}

// NewWebhookEvent creates a webhook.delivered or webhook.failed event.
func NewWebhookEvent(siteID string, data WebhookData) *Event {
	eventType := EventTypeWebhookDelivered
	severity := SeverityInfo
	message := "webhook delivered"
	if data.Error != "" || data.StatusCode >= 300 || data.StatusCode == 0 {
		eventType = EventTypeWebhookFailed
		severity = SeverityWarning
		message = "webhook delivery failed"
		if data.Dead {
			severity = SeverityError
			message = "webhook delivery abandoned after retries"
		}
	}
	event := New(eventType, siteID, "", severity, message, nil)
	_ = event.SetData(data)
	return event
}

// NewCronEvent creates a cron.ran or cron.failed event.
func NewCronEvent(siteID, pluginID string, data CronData) *Event {
	eventType := EventTypeCronRan
	severity := SeverityInfo
	message := "cron job " + data.Job + " ran"
	if data.Error != "" {
		eventType = EventTypeCronFailed
		severity = SeverityError
		message = "cron job " + data.Job + " failed"
	}
	event := New(eventType, siteID, pluginID, severity, message, nil)
	_ = event.SetData(data)
	return event
}

// NewAuthEvent creates an auth.login or auth.failed event.
func NewAuthEvent(siteID, pluginID string, data AuthData) *Event {
	eventType := EventTypeAuthLogin
	severity := SeverityInfo
	message := "login via " + data.Provider
	if data.Error != "" {
		eventType = EventTypeAuthFailed
		severity = SeverityWarning
		message = "login failed via " + data.Provider
	}
	event := New(eventType, siteID, pluginID, severity, message, nil)
	_ = event.SetData(data)
	return event
}
