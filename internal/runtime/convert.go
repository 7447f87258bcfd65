// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package runtime

import (
	lua "github.com/yuin/gopher-lua"
)

// goToLua converts a Go value into a Lua value. Maps become tables,
// slices become arrays, numbers become lua numbers.
func goToLua(L *lua.LState, value any) lua.LValue {
	switch v := value.(type) {
	case nil:
		return lua.LNil
	case bool:
		return lua.LBool(v)
	case string:
		return lua.LString(v)
	case int:
		return lua.LNumber(v)
	case int32:
		return lua.LNumber(v)
	case int64:
		return lua.LNumber(v)
	case float32:
		return lua.LNumber(v)
	case float64:
		return lua.LNumber(v)
	case []byte:
		return lua.LString(v)
	case map[string]any:
		table := L.NewTable()
		for key, val := range v {
			table.RawSetString(key, goToLua(L, val))
		}
		return table
	case []any:
		table := L.NewTable()
		for _, val := range v {
			table.Append(goToLua(L, val))
		}
		return table
	case []string:
		table := L.NewTable()
		for _, val := range v {
			table.Append(lua.LString(val))
		}
		return table
	case []map[string]any:
		table := L.NewTable()
		for _, val := range v {
			table.Append(goToLua(L, val))
		}
		return table
	default:
		return lua.LNil
	}
}

// luaToGo converts a Lua value into a Go value. Tables with only
// sequential integer keys become slices, everything else becomes a map.
func luaToGo(value lua.LValue) any {
	switch v := value.(type) {
	case *lua.LNilType:
		return nil
	case lua.LBool:
		return bool(v)
	case lua.LString:
		return string(v)
	case lua.LNumber:
		f := float64(v)
		if f == float64(int64(f)) {
			return int64(f)
		}
		return f
	case *lua.LTable:
		return tableToGo(v)
	default:
		return nil
	}
}

func tableToGo(table *lua.LTable) any {
	arrayLen := table.Len()
	isArray := arrayLen > 0
	size := 0
	table.ForEach(func(key, _ lua.LValue) {
		size++
		if n, ok := key.(lua.LNumber); !ok || float64(n) != float64(int(n)) {
			isArray = false
		}
	})
	if isArray && size == arrayLen {
		out := make([]any, 0, arrayLen)
		for i := 1; i <= arrayLen; i++ {
			out = append(out, luaToGo(table.RawGetInt(i)))
		}
		return out
	}
	out := make(map[string]any, size)
	table.ForEach(func(key, val lua.LValue) {
		out[lua.LVAsString(key)] = luaToGo(val)
	})
	return out
}
