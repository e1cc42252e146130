package events

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetDataRoundTrip(t *testing.T) {
	event := New(EventTypeHookFailed, "site-1", "seo", SeverityWarning, "boom", nil)
	require.NoError(t, event.SetData(HookFailedData{Hook: "the_content", Kind: "filter", Error: "x", Panicked: true}))

	got, err := event.GetHookFailedData()
	require.NoError(t, err)
	assert.Equal(t, "the_content", got.Hook)
	assert.True(t, got.Panicked)
	assert.False(t, got.TimedOut)
}

func TestNewFillsDefaults(t *testing.T) {
	event := New(EventTypePluginLoaded, "", "seo", SeverityInfo, "loaded", nil)
	assert.NotEmpty(t, event.ID)
	assert.NotNil(t, event.Data)
	assert.False(t, event.Timestamp.IsZero())

	other := New(EventTypePluginLoaded, "", "seo", SeverityInfo, "loaded", nil)
	assert.NotEqual(t, event.ID, other.ID)
}

func TestNewPluginErroredEvent(t *testing.T) {
	event := NewPluginErroredEvent("site-1", "broken", "activate", errors.New("nil pointer"))
	assert.Equal(t, EventTypePluginErrored, event.Type)
	assert.Equal(t, SeverityError, event.Severity)

	data, err := event.GetPluginErroredData()
	require.NoError(t, err)
	assert.Equal(t, "activate", data.Phase)
	assert.Equal(t, "nil pointer", data.Error)
}

func TestNewWebhookEventClassifies(t *testing.T) {
	ok := NewWebhookEvent("s", WebhookData{StatusCode: 204})
	assert.Equal(t, EventTypeWebhookDelivered, ok.Type)

	failed := NewWebhookEvent("s", WebhookData{StatusCode: 500})
	assert.Equal(t, EventTypeWebhookFailed, failed.Type)
	assert.Equal(t, SeverityWarning, failed.Severity)

	dead := NewWebhookEvent("s", WebhookData{Error: "dial tcp", Dead: true})
	assert.Equal(t, EventTypeWebhookFailed, dead.Type)
	assert.Equal(t, SeverityError, dead.Severity)
}

func TestNewCronEvent(t *testing.T) {
	ran := NewCronEvent("s", "p", CronData{Job: "sync"})
	assert.Equal(t, EventTypeCronRan, ran.Type)

	failed := NewCronEvent("s", "p", CronData{Job: "sync", Error: "timeout"})
	assert.Equal(t, EventTypeCronFailed, failed.Type)

	data, err := failed.GetCronData()
	require.NoError(t, err)
	assert.Equal(t, "timeout", data.Error)
}
