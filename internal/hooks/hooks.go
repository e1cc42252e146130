// Package hooks implements the kernel's extension points: named action
// hooks (side effects) and filter hooks (value transforms) that plugins
// attach callbacks to.
//
// Callbacks run in ascending priority order, ties broken by registration
// order. A failing callback never breaks the chain: its error or panic is
// reported to the Observer and, for filters, its output is discarded.
package hooks

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sort"
	"sync"
	"time"
)

// DefaultPriority is the conventional priority for callbacks that do not
// care about ordering.
const DefaultPriority = 10

// Built-in hook names.
const (
	KernelEvent       = "kernel.event"
	AnalyticsIngest   = "analytics.ingest"
	AnalyticsIngested = "analytics.ingested"
	AuthIdentity      = "auth.identity"
	ThemeContext      = "theme.context"
	ThemeRenderPrefix = "theme.render."
	WebhookPayload    = "webhook.payload"
	SettingsChanged   = "settings.changed"
)

// ThemeRender returns the filter hook name for a template slot.
func ThemeRender(slot string) string { return ThemeRenderPrefix + slot }

// Kind is either an action or a filter.
type Kind string

const (
	Action Kind = "action"
	Filter Kind = "filter"
)

// ActionFunc is an action callback.
type ActionFunc func(ctx context.Context, args ...interface{}) error

// FilterFunc is a filter callback. It returns the transformed value.
type FilterFunc func(ctx context.Context, value interface{}, args ...interface{}) (interface{}, error)

// Handle identifies one registered callback.
type Handle uint64

// CallbackInfo describes a registered callback.
type CallbackInfo struct {
	Handle   Handle `json:"handle"`
	Hook     string `json:"hook"`
	Kind     Kind   `json:"kind"`
	PluginID string `json:"plugin_id"`
	SiteID   string `json:"site_id,omitempty"`
	Priority int    `json:"priority"`
}

type callback struct {
	CallbackInfo
	seq    uint64
	action ActionFunc
	filter FilterFunc
}

// HookError records one failed callback invocation.
type HookError struct {
	Hook     string
	Kind     Kind
	PluginID string
	SiteID   string
	Handle   Handle
	Err      error
	Panicked bool
	TimedOut bool
}

func (e *HookError) Error() string {
	return fmt.Sprintf("hook %s: %s callback from %s: %v", e.Hook, e.Kind, e.PluginID, e.Err)
}

func (e *HookError) Unwrap() error { return e.Err }

// ErrTimeout is wrapped by HookErrors of callbacks that exceeded the
// per-callback timeout.
var ErrTimeout = errors.New("callback timed out")

// Observer is notified of every failed callback.
type Observer interface {
	HookFailed(ctx context.Context, err *HookError)
}

// ObserverFunc adapts a function to Observer.
type ObserverFunc func(ctx context.Context, err *HookError)

func (f ObserverFunc) HookFailed(ctx context.Context, err *HookError) { f(ctx, err) }

// Option configures a Registry.
type Option func(*Registry)

// WithTimeout bounds each callback invocation. Zero disables the bound.
func WithTimeout(d time.Duration) Option {
	return func(r *Registry) { r.timeout = d }
}

// WithObserver sets the failure observer.
func WithObserver(o Observer) Option {
	return func(r *Registry) { r.observer = o }
}

// CallbackOption configures a single registration.
type CallbackOption func(*callback)

// ForSite binds the callback to one site. Site-bound callbacks only run
// for invocations whose context carries that site (see WithSite).
func ForSite(siteID string) CallbackOption {
	return func(cb *callback) { cb.SiteID = siteID }
}

// Registry holds hook callbacks. It is safe for concurrent use.
type Registry struct {
	mu       sync.RWMutex
	hooks    map[string][]*callback
	nextID   uint64
	timeout  time.Duration
	observer Observer
}

// NewRegistry creates an empty registry.
func NewRegistry(opts ...Option) *Registry {
	r := &Registry{hooks: make(map[string][]*callback)}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// SetObserver replaces the failure observer.
func (r *Registry) SetObserver(o Observer) {
	r.mu.Lock()
	r.observer = o
	r.mu.Unlock()
}

// AddAction registers an action callback.
func (r *Registry) AddAction(name, pluginID string, priority int, fn ActionFunc, opts ...CallbackOption) Handle {
	cb := &callback{CallbackInfo: CallbackInfo{Hook: name, Kind: Action, PluginID: pluginID, Priority: priority}, action: fn}
	return r.add(cb, opts)
}

// AddFilter registers a filter callback.
func (r *Registry) AddFilter(name, pluginID string, priority int, fn FilterFunc, opts ...CallbackOption) Handle {
	cb := &callback{CallbackInfo: CallbackInfo{Hook: name, Kind: Filter, PluginID: pluginID, Priority: priority}, filter: fn}
	return r.add(cb, opts)
}

func (r *Registry) add(cb *callback, opts []CallbackOption) Handle {
	for _, opt := range opts {
		opt(cb)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextID++
	cb.Handle = Handle(r.nextID)
	cb.seq = r.nextID

	list := append(r.hooks[cb.Hook], cb)
	sort.SliceStable(list, func(i, j int) bool {
		if list[i].Priority != list[j].Priority {
			return list[i].Priority < list[j].Priority
		}
		return list[i].seq < list[j].seq
	})
	r.hooks[cb.Hook] = list
	return cb.Handle
}

// Remove drops one callback. It reports whether the handle was found.
func (r *Registry) Remove(h Handle) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	for name, list := range r.hooks {
		for i, cb := range list {
			if cb.Handle == h {
				r.setList(name, append(list[:i:i], list[i+1:]...))
				return true
			}
		}
	}
	return false
}

// RemovePlugin drops every callback a plugin registered, on any site.
// It returns the number removed.
func (r *Registry) RemovePlugin(pluginID string) int {
	return r.removeWhere(func(cb *callback) bool { return cb.PluginID == pluginID })
}

// RemoveSitePlugin drops a plugin's callbacks bound to one site.
func (r *Registry) RemoveSitePlugin(siteID, pluginID string) int {
	return r.removeWhere(func(cb *callback) bool {
		return cb.PluginID == pluginID && cb.SiteID == siteID
	})
}

func (r *Registry) removeWhere(match func(*callback) bool) int {
	r.mu.Lock()
	defer r.mu.Unlock()

	removed := 0
	for name, list := range r.hooks {
		kept := make([]*callback, 0, len(list))
		for _, cb := range list {
			if match(cb) {
				removed++
				continue
			}
			kept = append(kept, cb)
		}
		r.setList(name, kept)
	}
	return removed
}

// setList must be called with mu held.
func (r *Registry) setList(name string, list []*callback) {
	if len(list) == 0 {
		delete(r.hooks, name)
		return
	}
	r.hooks[name] = list
}

// Has reports whether any callback is attached to the hook.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.hooks[name]) > 0
}

// Hooks returns the sorted names of hooks with at least one callback.
func (r *Registry) Hooks() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.hooks))
	for name := range r.hooks {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Callbacks returns the callbacks of a hook in execution order.
func (r *Registry) Callbacks(name string) []CallbackInfo {
	r.mu.RLock()
	defer r.mu.RUnlock()

	infos := make([]CallbackInfo, 0, len(r.hooks[name]))
	for _, cb := range r.hooks[name] {
		infos = append(infos, cb.CallbackInfo)
	}
	return infos
}

// snapshot returns the callbacks of kind that apply to the context's site.
func (r *Registry) snapshot(ctx context.Context, name string, kind Kind) ([]*callback, Observer, time.Duration) {
	site := SiteFrom(ctx)

	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []*callback
	for _, cb := range r.hooks[name] {
		if cb.Kind != kind {
			continue
		}
		if cb.SiteID != "" && cb.SiteID != site {
			continue
		}
		out = append(out, cb)
	}
	return out, r.observer, r.timeout
}

// DoAction runs every action callback of the hook. Failing callbacks are
// reported and skipped; the returned error joins their HookErrors. A
// cancelled context stops the chain and its error is included.
func (r *Registry) DoAction(ctx context.Context, name string, args ...interface{}) error {
	callbacks, observer, timeout := r.snapshot(ctx, name, Action)

	var errs []error
	for _, cb := range callbacks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		_, herr := r.invoke(ctx, cb, timeout, nil, args)
		if herr != nil {
			r.report(ctx, observer, herr)
			errs = append(errs, herr)
		}
	}
	return errors.Join(errs...)
}

// ApplyFilters threads value through every filter callback of the hook and
// returns the result. A failing callback's output is discarded and the
// previous value continues down the chain. The returned error joins the
// HookErrors; the value is usable even when it is non-nil.
func (r *Registry) ApplyFilters(ctx context.Context, name string, value interface{}, args ...interface{}) (interface{}, error) {
	callbacks, observer, timeout := r.snapshot(ctx, name, Filter)

	var errs []error
	for _, cb := range callbacks {
		if err := ctx.Err(); err != nil {
			errs = append(errs, err)
			break
		}
		out, herr := r.invoke(ctx, cb, timeout, value, args)
		if herr != nil {
			r.report(ctx, observer, herr)
			errs = append(errs, herr)
			continue
		}
		value = out
	}
	return value, errors.Join(errs...)
}

func (r *Registry) report(ctx context.Context, observer Observer, herr *HookError) {
	if observer == nil {
		return
	}
	// An observer that panics must not take the hook chain down with it.
	defer func() { _ = recover() }()
	observer.HookFailed(context.WithoutCancel(ctx), herr)
}

type result struct {
	value    interface{}
	err      error
	panicked bool
}

func (r *Registry) invoke(ctx context.Context, cb *callback, timeout time.Duration, value interface{}, args []interface{}) (interface{}, *HookError) {
	fail := func(err error, panicked, timedOut bool) *HookError {
		return &HookError{
			Hook:     cb.Hook,
			Kind:     cb.Kind,
			PluginID: cb.PluginID,
			SiteID:   SiteFrom(ctx),
			Handle:   cb.Handle,
			Err:      err,
			Panicked: panicked,
			TimedOut: timedOut,
		}
	}

	if timeout <= 0 {
		res := call(ctx, cb, value, args)
		if res.err != nil {
			return nil, fail(res.err, res.panicked, false)
		}
		return res.value, nil
	}

	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	done := make(chan result, 1)
	go func() { done <- call(callCtx, cb, value, args) }()

	var res result
	select {
	case res = <-done:
	case <-callCtx.Done():
	}
	// Results that arrive after the deadline are discarded.
	if err := callCtx.Err(); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, fail(ctxErr, false, false)
		}
		return nil, fail(fmt.Errorf("%w after %s", ErrTimeout, timeout), false, true)
	}
	if res.err != nil {
		return nil, fail(res.err, res.panicked, false)
	}
	return res.value, nil
}

func call(ctx context.Context, cb *callback, value interface{}, args []interface{}) (res result) {
	defer func() {
		if p := recover(); p != nil {
			res = result{err: fmt.Errorf("panic: %v\n%s", p, debug.Stack()), panicked: true}
		}
	}()
	if cb.Kind == Action {
		return result{err: cb.action(ctx, args...)}
	}
	v, err := cb.filter(ctx, value, args...)
	return result{value: v, err: err}
}
