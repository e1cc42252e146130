package script

import (
	"encoding/json"
	"math"
	"reflect"
	"strconv"
	"time"

	lua "github.com/Shopify/go-lua"
)

const maxDepth = 32

// pushValue pushes a Go value onto the Lua stack. Structs and other
// non-basic values are pushed as their JSON form.
func pushValue(l *lua.State, v interface{}, depth int) {
	if depth > maxDepth {
		l.PushNil()
		return
	}
	switch x := v.(type) {
	case nil:
		l.PushNil()
	case bool:
		l.PushBoolean(x)
	case string:
		l.PushString(x)
	case int:
		l.PushInteger(x)
	case int64:
		l.PushNumber(float64(x))
	case float64:
		l.PushNumber(x)
	case json.Number:
		f, _ := x.Float64()
		l.PushNumber(f)
	case time.Time:
		l.PushString(x.Format(time.RFC3339Nano))
	case json.RawMessage:
		var decoded interface{}
		if err := json.Unmarshal(x, &decoded); err != nil {
			l.PushNil()
			return
		}
		pushValue(l, decoded, depth)
	case []interface{}:
		l.CreateTable(len(x), 0)
		for i, e := range x {
			pushValue(l, e, depth+1)
			l.RawSetInt(-2, i+1)
		}
	case []string:
		l.CreateTable(len(x), 0)
		for i, e := range x {
			l.PushString(e)
			l.RawSetInt(-2, i+1)
		}
	case map[string]interface{}:
		l.CreateTable(0, len(x))
		for k, e := range x {
			pushValue(l, e, depth+1)
			l.SetField(-2, k)
		}
	case map[string]string:
		l.CreateTable(0, len(x))
		for k, e := range x {
			l.PushString(e)
			l.SetField(-2, k)
		}
	default:
		data, err := json.Marshal(x)
		if err != nil {
			l.PushNil()
			return
		}
		var generic interface{}
		if err := json.Unmarshal(data, &generic); err != nil {
			l.PushNil()
			return
		}
		pushValue(l, generic, depth)
	}
}

// toValue converts the Lua value at idx to Go. Tables with keys 1..n
// become slices, other tables become maps. Functions become nil.
func toValue(l *lua.State, idx int, depth int) interface{} {
	switch l.TypeOf(idx) {
	case lua.TypeBoolean:
		return l.ToBoolean(idx)
	case lua.TypeNumber:
		n, _ := l.ToNumber(idx)
		if n == math.Trunc(n) && math.Abs(n) < 1<<53 {
			return int64(n)
		}
		return n
	case lua.TypeString:
		s, _ := l.ToString(idx)
		return s
	case lua.TypeTable:
		if depth > maxDepth {
			return nil
		}
		return tableValue(l, idx, depth)
	}
	return nil
}

func tableValue(l *lua.State, idx int, depth int) interface{} {
	idx = l.AbsIndex(idx)
	m := make(map[string]interface{})
	count := 0

	l.PushNil()
	for l.Next(idx) {
		var key string
		switch l.TypeOf(-2) {
		case lua.TypeNumber:
			// ToString would convert the key in place and break Next.
			n, _ := l.ToNumber(-2)
			key = strconv.FormatFloat(n, 'f', -1, 64)
		case lua.TypeString:
			key, _ = l.ToString(-2)
		default:
			l.Pop(1)
			continue
		}
		m[key] = toValue(l, -1, depth+1)
		count++
		l.Pop(1)
	}

	n := l.RawLength(idx)
	if n == 0 || n != count {
		return m
	}
	arr := make([]interface{}, n)
	for i := 1; i <= n; i++ {
		v, ok := m[strconv.Itoa(i)]
		if !ok {
			return m
		}
		arr[i-1] = v
	}
	return arr
}

// coerce converts a Lua result back into the Go type of the value the
// filter was given, so typed hook values survive a round trip through a
// script.
func coerce(orig, result interface{}) interface{} {
	if result == nil || orig == nil {
		return result
	}
	switch o := orig.(type) {
	case string, bool, []interface{}:
		return result
	case int:
		if n, ok := result.(int64); ok {
			return int(n)
		}
		return result
	case map[string]interface{}:
		r, ok := result.(map[string]interface{})
		if !ok {
			return result
		}
		for k, v := range r {
			if ov, exists := o[k]; exists {
				r[k] = coerce(ov, v)
			}
		}
		return r
	}

	data, err := json.Marshal(result)
	if err != nil {
		return result
	}
	t := reflect.TypeOf(orig)
	if t.Kind() == reflect.Ptr {
		target := reflect.New(t.Elem())
		if err := json.Unmarshal(data, target.Interface()); err != nil {
			return result
		}
		return target.Interface()
	}
	target := reflect.New(t)
	if err := json.Unmarshal(data, target.Interface()); err != nil {
		return result
	}
	return target.Elem().Interface()
}
