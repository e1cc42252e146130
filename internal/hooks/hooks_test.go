package hooks

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type recordingObserver struct {
	mu     sync.Mutex
	errors []*HookError
}

func (o *recordingObserver) HookFailed(_ context.Context, err *HookError) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.errors = append(o.errors, err)
}

func (o *recordingObserver) all() []*HookError {
	o.mu.Lock()
	defer o.mu.Unlock()
	return append([]*HookError(nil), o.errors...)
}

func TestActionOrdering(t *testing.T) {
	r := NewRegistry()
	var order []string
	record := func(tag string) ActionFunc {
		return func(context.Context, ...interface{}) error {
			order = append(order, tag)
			return nil
		}
	}

	r.AddAction("save", "b", 20, record("b20"))
	r.AddAction("save", "a", DefaultPriority, record("a10-first"))
	r.AddAction("save", "c", 5, record("c5"))
	r.AddAction("save", "d", DefaultPriority, record("d10-second"))

	require.NoError(t, r.DoAction(context.Background(), "save"))
	assert.Equal(t, []string{"c5", "a10-first", "d10-second", "b20"}, order)
}

func TestActionFailureIsolation(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(WithObserver(obs))

	ran := 0
	r.AddAction("publish", "ok1", 1, func(context.Context, ...interface{}) error { ran++; return nil })
	r.AddAction("publish", "bad", 2, func(context.Context, ...interface{}) error { return errors.New("boom") })
	r.AddAction("publish", "panicky", 3, func(context.Context, ...interface{}) error { panic("kaboom") })
	r.AddAction("publish", "ok2", 4, func(context.Context, ...interface{}) error { ran++; return nil })

	err := r.DoAction(context.Background(), "publish")
	require.Error(t, err)
	assert.Equal(t, 2, ran, "healthy callbacks still run")

	var herr *HookError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, "bad", herr.PluginID)

	failures := obs.all()
	require.Len(t, failures, 2)
	assert.False(t, failures[0].Panicked)
	assert.True(t, failures[1].Panicked)
	assert.Equal(t, "panicky", failures[1].PluginID)
	assert.Contains(t, failures[1].Error(), "kaboom")
}

func TestActionArgs(t *testing.T) {
	r := NewRegistry()
	var got []interface{}
	r.AddAction("x", "p", DefaultPriority, func(_ context.Context, args ...interface{}) error {
		got = args
		return nil
	})
	require.NoError(t, r.DoAction(context.Background(), "x", "a", 2))
	assert.Equal(t, []interface{}{"a", 2}, got)
}

func TestFilterChain(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(WithObserver(obs))

	r.AddFilter("title", "upper", 1, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		return v.(string) + " Rocks", nil
	})
	r.AddFilter("title", "broken", 2, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		return "GARBAGE", errors.New("nope")
	})
	r.AddFilter("title", "bang", 3, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		return v.(string) + "!", nil
	})

	out, err := r.ApplyFilters(context.Background(), "title", "Go")
	assert.Error(t, err)
	assert.Equal(t, "Go Rocks!", out, "failed filter output is discarded")
	assert.Len(t, obs.all(), 1)
}

func TestFilterNoCallbacks(t *testing.T) {
	r := NewRegistry()
	out, err := r.ApplyFilters(context.Background(), "missing", 42)
	require.NoError(t, err)
	assert.Equal(t, 42, out)
}

func TestKindsAreSeparate(t *testing.T) {
	r := NewRegistry()
	actionRan := false
	r.AddAction("shared", "p", DefaultPriority, func(context.Context, ...interface{}) error { actionRan = true; return nil })
	r.AddFilter("shared", "p", DefaultPriority, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		return "filtered", nil
	})

	out, err := r.ApplyFilters(context.Background(), "shared", "raw")
	require.NoError(t, err)
	assert.Equal(t, "filtered", out)
	assert.False(t, actionRan)
}

func TestCallbackTimeout(t *testing.T) {
	obs := &recordingObserver{}
	r := NewRegistry(WithTimeout(20*time.Millisecond), WithObserver(obs))

	r.AddFilter("slow", "sleepy", 1, func(ctx context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		<-ctx.Done()
		return "late", nil
	})
	r.AddFilter("slow", "fast", 2, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
		return v.(int) + 1, nil
	})

	out, err := r.ApplyFilters(context.Background(), "slow", 1)
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Equal(t, 2, out)

	failures := obs.all()
	require.Len(t, failures, 1)
	assert.True(t, failures[0].TimedOut)
	assert.Equal(t, "sleepy", failures[0].PluginID)
}

func TestCancelledContextStopsChain(t *testing.T) {
	r := NewRegistry()
	ctx, cancel := context.WithCancel(context.Background())

	ran := 0
	r.AddAction("x", "first", 1, func(context.Context, ...interface{}) error { ran++; cancel(); return nil })
	r.AddAction("x", "second", 2, func(context.Context, ...interface{}) error { ran++; return nil })

	err := r.DoAction(ctx, "x")
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, ran)
}

func TestSiteScoping(t *testing.T) {
	r := NewRegistry()
	var seen []string
	add := func(tag, site string) {
		var opts []CallbackOption
		if site != "" {
			opts = append(opts, ForSite(site))
		}
		r.AddAction("render", tag, DefaultPriority, func(context.Context, ...interface{}) error {
			seen = append(seen, tag)
			return nil
		}, opts...)
	}
	add("global", "")
	add("blog-only", "blog")
	add("shop-only", "shop")

	require.NoError(t, r.DoAction(WithSite(context.Background(), "blog"), "render"))
	assert.Equal(t, []string{"global", "blog-only"}, seen)

	seen = nil
	require.NoError(t, r.DoAction(context.Background(), "render"))
	assert.Equal(t, []string{"global"}, seen)
}

func TestRemoval(t *testing.T) {
	r := NewRegistry()
	noop := func(context.Context, ...interface{}) error { return nil }

	h := r.AddAction("a", "p1", 1, noop)
	r.AddAction("a", "p2", 2, noop)
	r.AddAction("b", "p1", 1, noop, ForSite("blog"))
	r.AddAction("b", "p1", 1, noop, ForSite("shop"))

	assert.Equal(t, []string{"a", "b"}, r.Hooks())
	assert.True(t, r.Remove(h))
	assert.False(t, r.Remove(h))

	infos := r.Callbacks("a")
	require.Len(t, infos, 1)
	assert.Equal(t, "p2", infos[0].PluginID)

	assert.Equal(t, 1, r.RemoveSitePlugin("blog", "p1"))
	assert.Len(t, r.Callbacks("b"), 1)

	assert.Equal(t, 1, r.RemovePlugin("p1"))
	assert.False(t, r.Has("b"))
	assert.Equal(t, []string{"a"}, r.Hooks())
}

func TestRegisterDuringDispatch(t *testing.T) {
	r := NewRegistry()
	r.AddAction("boot", "p", DefaultPriority, func(context.Context, ...interface{}) error {
		r.AddAction("boot", "late", DefaultPriority, func(context.Context, ...interface{}) error { return nil })
		return nil
	})
	require.NoError(t, r.DoAction(context.Background(), "boot"))
	assert.Len(t, r.Callbacks("boot"), 2)
}

func TestObserverPanicIsContained(t *testing.T) {
	r := NewRegistry(WithObserver(ObserverFunc(func(context.Context, *HookError) { panic("observer") })))
	r.AddAction("x", "p", 1, func(context.Context, ...interface{}) error { return errors.New("fail") })
	assert.Error(t, r.DoAction(context.Background(), "x"))
}

func TestConcurrentUse(t *testing.T) {
	r := NewRegistry()
	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			h := r.AddFilter("c", "p", DefaultPriority, func(_ context.Context, v interface{}, _ ...interface{}) (interface{}, error) {
				return v, nil
			})
			r.Remove(h)
		}()
		go func() {
			defer wg.Done()
			_, _ = r.ApplyFilters(context.Background(), "c", 1)
		}()
	}
	wg.Wait()
	assert.False(t, r.Has("c"))
}
