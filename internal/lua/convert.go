package lua

import (
	"encoding/json"
	"fmt"
	"math"
	"sort"

	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value to a Lua value
func goToLua(L *lua.LState, v any) lua.LValue {
	switch val := v.(type) {
	case nil:
		return lua.LNil
	case lua.LValue:
		return val
	case bool:
		return lua.LBool(val)
	case string:
		return lua.LString(val)
	case int:
		return lua.LNumber(val)
	case int32:
		return lua.LNumber(val)
	case int64:
		return lua.LNumber(val)
	case float32:
		return lua.LNumber(val)
	case float64:
		return lua.LNumber(val)
	case json.Number:
		f, err := val.Float64()
		if err != nil {
			return lua.LString(val.String())
		}
		return lua.LNumber(f)
	case []string:
		tbl := L.CreateTable(len(val), 0)
		for _, item := range val {
			tbl.Append(lua.LString(item))
		}
		return tbl
	case []any:
		tbl := L.CreateTable(len(val), 0)
		for i, item := range val {
			tbl.RawSetInt(i+1, goToLua(L, item))
		}
		return tbl
	case map[string]any:
		tbl := L.CreateTable(0, len(val))
		for k, item := range val {
			tbl.RawSetString(k, goToLua(L, item))
		}
		return tbl
	}

	// Structs and typed maps go through their JSON form.
	data, err := json.Marshal(v)
	if err != nil {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	var generic any
	if err := json.Unmarshal(data, &generic); err != nil {
		return lua.LString(fmt.Sprintf("%v", v))
	}
	return goToLua(L, generic)
}

// luaToGo converts a Lua value to plain Go data. Tables with keys 1..n
// become slices, other tables become maps, and integral numbers become int64.
func luaToGo(v lua.LValue) (any, error) {
	return toGo(v, map[*lua.LTable]bool{})
}

func toGo(v lua.LValue, seen map[*lua.LTable]bool) (any, error) {
	switch val := v.(type) {
	case *lua.LNilType:
		return nil, nil
	case lua.LBool:
		return bool(val), nil
	case lua.LString:
		return string(val), nil
	case lua.LNumber:
		f := float64(val)
		if f == math.Trunc(f) && !math.IsInf(f, 0) && math.Abs(f) < 1<<53 {
			return int64(f), nil
		}
		return f, nil
	case *lua.LTable:
		if seen[val] {
			return nil, fmt.Errorf("cannot convert a table that contains itself")
		}
		seen[val] = true
		defer delete(seen, val)

		if n := val.MaxN(); n > 0 && countKeys(val) == n {
			out := make([]any, 0, n)
			for i := 1; i <= n; i++ {
				item, err := toGo(val.RawGetInt(i), seen)
				if err != nil {
					return nil, err
				}
				out = append(out, item)
			}
			return out, nil
		}

		out := make(map[string]any)
		var convErr error
		val.ForEach(func(k, item lua.LValue) {
			if convErr != nil {
				return
			}
			var g any
			g, convErr = toGo(item, seen)
			out[k.String()] = g
		})
		if convErr != nil {
			return nil, convErr
		}
		return out, nil
	case *lua.LFunction, *lua.LUserData, *lua.LState, lua.LChannel:
		return nil, fmt.Errorf("cannot convert a %s value", v.Type())
	}
	return v.String(), nil
}

func countKeys(t *lua.LTable) int {
	n := 0
	t.ForEach(func(lua.LValue, lua.LValue) { n++ })
	return n
}

// stringList reads an array of strings from a Lua table.
func stringList(t *lua.LTable) []string {
	if t == nil {
		return nil
	}
	var out []string
	for i := 1; i <= t.MaxN(); i++ {
		out = append(out, lua.LVAsString(t.RawGetInt(i)))
	}
	return out
}

func sortedFields(m map[string]any) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
