// Package script runs Lua plugins. Every (plugin, site) pair gets its own
// interpreter; calls into one interpreter are serialized.
//
// A script runs once at activation with a global "plinth" table:
//
//	plinth.add_action(hook, [priority], fn)
//	plinth.add_filter(hook, [priority], fn)   -- fn(value, ...) returns value
//	plinth.setting(key)                       -- nil when unset
//	plinth.set_setting(key, value)
//	plinth.emit(name, table)
//	plinth.log(msg, [level])
//	plinth.plugin_id, plinth.site_id
package script

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	lua "github.com/Shopify/go-lua"
	"go.uber.org/zap"

	"github.com/plinthcms/plinth/internal/hooks"
	"github.com/plinthcms/plinth/internal/types"
)

const callbacksKey = "plinth.callbacks"

// interruptEvery is how many Lua instructions run between checks of the
// call's context and the closed flag.
const interruptEvery = 1000

var (
	// ErrReentrant is returned when a callback dispatch would re-enter an
	// interpreter that is already running, e.g. a script observing its own
	// emitted event.
	ErrReentrant = errors.New("re-entrant call into script")

	// ErrClosed is returned for calls into a deactivated interpreter.
	ErrClosed = errors.New("script interpreter closed")
)

// Host is the kernel API a script is bound to.
type Host interface {
	PluginID() string
	SiteID() string
	Context() context.Context
	Logger() *zap.Logger
	AddAction(hook string, priority int, fn hooks.ActionFunc) (hooks.Handle, error)
	AddFilter(hook string, priority int, fn hooks.FilterFunc) (hooks.Handle, error)
	Setting(ctx context.Context, key string) (json.RawMessage, error)
	SetSetting(ctx context.Context, key string, value json.RawMessage) error
	Emit(ctx context.Context, name string, data map[string]interface{}) error
}

type reentryKey struct{}

// Interpreter is one Lua state bound to a host.
type Interpreter struct {
	mu      sync.Mutex
	l       *lua.State
	host    Host
	ctx     context.Context
	nextRef int
	closed  atomic.Bool
}

// NewInterpreter creates a sandboxed Lua state with the plinth API. Only
// the base, string, table and math libraries are available, without file
// loading.
func NewInterpreter(host Host) *Interpreter {
	l := lua.NewState()
	for _, lib := range []lua.RegistryFunction{
		{Name: "_G", Function: lua.BaseOpen},
		{Name: "string", Function: lua.StringOpen},
		{Name: "table", Function: lua.TableOpen},
		{Name: "math", Function: lua.MathOpen},
	} {
		lua.Require(l, lib.Name, lib.Function, true)
		l.Pop(1)
	}
	for _, name := range []string{"dofile", "loadfile", "load"} {
		l.PushNil()
		l.SetGlobal(name)
	}
	l.NewTable()
	l.SetField(lua.RegistryIndex, callbacksKey)

	i := &Interpreter{l: l, host: host, ctx: host.Context()}
	i.openAPI()
	lua.SetDebugHook(l, i.interrupt, lua.MaskCount, interruptEvery)
	return i
}

// interrupt aborts a running chunk once its context is done or the
// interpreter was closed, so a script that never returns cannot hold the
// interpreter lock past its deadline.
func (i *Interpreter) interrupt(l *lua.State, _ lua.Debug) {
	if i.closed.Load() {
		lua.Errorf(l, "%s", ErrClosed.Error())
		return
	}
	if err := i.ctx.Err(); err != nil {
		lua.Errorf(l, "script interrupted: %s", err.Error())
	}
}

func (i *Interpreter) openAPI() {
	l := i.l
	lua.NewLibrary(l, []lua.RegistryFunction{
		{Name: "add_action", Function: i.addAction},
		{Name: "add_filter", Function: i.addFilter},
		{Name: "setting", Function: i.setting},
		{Name: "set_setting", Function: i.setSetting},
		{Name: "emit", Function: i.emit},
		{Name: "log", Function: i.log},
	})
	l.PushString(i.host.PluginID())
	l.SetField(-2, "plugin_id")
	l.PushString(i.host.SiteID())
	l.SetField(-2, "site_id")
	l.SetGlobal("plinth")
}

// LoadFile runs a script file in the interpreter.
func (i *Interpreter) LoadFile(ctx context.Context, path string) error {
	return i.locked(ctx, func(l *lua.State) error {
		if err := lua.LoadFile(l, path, "t"); err != nil {
			return fmt.Errorf("failed to load %s: %v", path, err)
		}
		if err := l.ProtectedCall(0, 0, 0); err != nil {
			return fmt.Errorf("script %s failed: %v", path, err)
		}
		return nil
	})
}

// LoadString runs a chunk of Lua source.
func (i *Interpreter) LoadString(ctx context.Context, source string) error {
	return i.locked(ctx, func(l *lua.State) error {
		if err := lua.LoadString(l, source); err != nil {
			return fmt.Errorf("failed to load script: %v", err)
		}
		if err := l.ProtectedCall(0, 0, 0); err != nil {
			return fmt.Errorf("script failed: %v", err)
		}
		return nil
	})
}

// Close marks the interpreter unusable without waiting for a running call;
// that call is aborted at its next interrupt check. Callbacks still
// registered in a hook registry return ErrClosed.
func (i *Interpreter) Close() {
	i.closed.Store(true)
}

// Closed reports whether Close was called.
func (i *Interpreter) Closed() bool { return i.closed.Load() }

// locked runs fn holding the interpreter lock with ctx as the context of
// host calls made by the script.
func (i *Interpreter) locked(ctx context.Context, fn func(l *lua.State) error) error {
	if ctx.Value(reentryKey{}) == i {
		return ErrReentrant
	}
	if i.closed.Load() {
		return ErrClosed
	}
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.closed.Load() {
		return ErrClosed
	}

	prev := i.ctx
	i.ctx = context.WithValue(ctx, reentryKey{}, i)
	defer func() { i.ctx = prev }()

	top := i.l.Top()
	defer i.l.SetTop(top)
	err := fn(i.l)
	if err != nil && i.closed.Load() && !errors.Is(err, ErrClosed) {
		err = fmt.Errorf("%w: %v", ErrClosed, err)
	}
	return err
}

// call invokes a stored Lua function and returns its first result.
func (i *Interpreter) call(ctx context.Context, ref int, args []interface{}) (interface{}, error) {
	var out interface{}
	err := i.locked(ctx, func(l *lua.State) error {
		l.Field(lua.RegistryIndex, callbacksKey)
		l.RawGetInt(-1, ref)
		for _, a := range args {
			pushValue(l, a, 0)
		}
		if err := l.ProtectedCall(len(args), 1, 0); err != nil {
			return fmt.Errorf("lua: %v", err)
		}
		out = toValue(l, -1, 0)
		return nil
	})
	return out, err
}

// ref stores the function at idx in the callback table.
func (i *Interpreter) ref(idx int) int {
	l := i.l
	idx = l.AbsIndex(idx)
	l.Field(lua.RegistryIndex, callbacksKey)
	i.nextRef++
	l.PushValue(idx)
	l.RawSetInt(-2, i.nextRef)
	l.Pop(1)
	return i.nextRef
}

// hookArgs reads (hook, [priority], fn) and returns the stored function ref.
func (i *Interpreter) hookArgs(l *lua.State) (string, int, int) {
	hook := lua.CheckString(l, 1)
	priority, fnIdx := 0, 2
	if l.TypeOf(2) != lua.TypeFunction {
		priority = lua.CheckInteger(l, 2)
		fnIdx = 3
	}
	lua.CheckType(l, fnIdx, lua.TypeFunction)
	return hook, priority, i.ref(fnIdx)
}

func (i *Interpreter) addAction(l *lua.State) int {
	hook, priority, ref := i.hookArgs(l)
	_, err := i.host.AddAction(hook, priority, func(ctx context.Context, args ...interface{}) error {
		_, err := i.call(ctx, ref, args)
		return err
	})
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (i *Interpreter) addFilter(l *lua.State) int {
	hook, priority, ref := i.hookArgs(l)
	_, err := i.host.AddFilter(hook, priority, func(ctx context.Context, value interface{}, args ...interface{}) (interface{}, error) {
		out, err := i.call(ctx, ref, append([]interface{}{value}, args...))
		if err != nil {
			return nil, err
		}
		return coerce(value, out), nil
	})
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (i *Interpreter) setting(l *lua.State) int {
	key := lua.CheckString(l, 1)
	raw, err := i.host.Setting(i.ctx, key)
	if errors.Is(err, types.ErrNotFound) {
		l.PushNil()
		return 1
	}
	if err != nil {
		lua.Errorf(l, "%s", err.Error())
		return 0
	}
	pushValue(l, raw, 0)
	return 1
}

func (i *Interpreter) setSetting(l *lua.State) int {
	key := lua.CheckString(l, 1)
	raw, err := json.Marshal(toValue(l, 2, 0))
	if err != nil {
		lua.Errorf(l, "setting %s: %s", key, err.Error())
		return 0
	}
	if err := i.host.SetSetting(i.ctx, key, raw); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (i *Interpreter) emit(l *lua.State) int {
	name := lua.CheckString(l, 1)
	var data map[string]interface{}
	switch v := toValue(l, 2, 0).(type) {
	case nil:
	case map[string]interface{}:
		data = v
	default:
		data = map[string]interface{}{"value": v}
	}
	if err := i.host.Emit(i.ctx, name, data); err != nil {
		lua.Errorf(l, "%s", err.Error())
	}
	return 0
}

func (i *Interpreter) log(l *lua.State) int {
	msg := lua.CheckString(l, 1)
	logger := i.host.Logger().With(zap.String("source", "lua"))
	switch lua.OptString(l, 2, "info") {
	case "debug":
		logger.Debug(msg)
	case "warn":
		logger.Warn(msg)
	case "error":
		logger.Error(msg)
	default:
		logger.Info(msg)
	}
	return 0
}
