// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package runtime

import (
	lua "github.com/yuin/gopher-lua"
)

// kindKey tags tables produced by the maubot.* declaration factories so
// the host can tell handler kinds apart when collecting them.
const kindKey = "__maubot_kind"

// Declaration kinds.
const (
	kindPlugin   = "plugin"
	kindCommand  = "command"
	kindPassive  = "passive"
	kindOn       = "on"
	kindWeb      = "web"
	kindArgument = "argument"
)

// registerDeclarationAPI installs the global maubot table. Its factories
// (maubot.plugin, maubot.command, maubot.passive, maubot.on, maubot.web,
// maubot.argument) tag and return the declaration table they are given;
// all real work happens on the host side when the tables are collected.
func registerDeclarationAPI(L *lua.LState) {
	mod := L.NewTable()
	for _, kind := range []string{
		kindPlugin, kindCommand, kindPassive, kindOn, kindWeb, kindArgument,
	} {
		mod.RawSetString(kind, L.NewFunction(func(ls *lua.LState) int {
			table := ls.CheckTable(1)
			table.RawSetString(kindKey, lua.LString(kind))
			ls.Push(table)
			return 1
		}))
	}
	L.SetGlobal("maubot", mod)
}

func declarationKind(value lua.LValue) string {
	table, ok := value.(*lua.LTable)
	if !ok {
		return ""
	}
	kind, _ := table.RawGetString(kindKey).(lua.LString)
	return string(kind)
}

func tableString(table *lua.LTable, key string) string {
	if s, ok := table.RawGetString(key).(lua.LString); ok {
		return string(s)
	}
	return ""
}

func tableBool(table *lua.LTable, key string, fallback bool) bool {
	if b, ok := table.RawGetString(key).(lua.LBool); ok {
		return bool(b)
	}
	return fallback
}

func tableFunc(table *lua.LTable, key string) *lua.LFunction {
	fn, _ := table.RawGetString(key).(*lua.LFunction)
	return fn
}

func tableTable(table *lua.LTable, key string) *lua.LTable {
	t, _ := table.RawGetString(key).(*lua.LTable)
	return t
}

func tableStrings(table *lua.LTable, key string) []string {
	t := tableTable(table, key)
	if t == nil {
		return nil
	}
	var out []string
	t.ForEach(func(_, val lua.LValue) {
		if s, ok := val.(lua.LString); ok {
			out = append(out, string(s))
		}
	})
	return out
}
