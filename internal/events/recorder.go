package events

import "context"

// Recorder accepts events for persistence and fan-out. Recording never
// fails from the caller's point of view; implementations log their own
// errors.
type Recorder interface {
	Record(ctx context.Context, event *Event)
}

// RecorderFunc adapts a function to the Recorder interface.
type RecorderFunc func(ctx context.Context, event *Event)

// Record calls f(ctx, event).
func (f RecorderFunc) Record(ctx context.Context, event *Event) { f(ctx, event) }

// Discard is a Recorder that drops every event.
var Discard Recorder = RecorderFunc(func(context.Context, *Event) {})
