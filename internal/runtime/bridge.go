// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package runtime

import (
	lua "github.com/yuin/gopher-lua"

	"github.com/mauhost/mauhost/internal/matrix"
)

// selfArgs returns the index of the first real argument, skipping the
// receiver when the plugin used colon-call syntax on a bridge table.
func selfArgs(L *lua.LState) int {
	if L.GetTop() >= 1 && L.Get(1).Type() == lua.LTTable {
		return 2
	}
	return 1
}

// injectSelf wires the host bridges into the main class table: identity,
// logging, configuration, the instance database, the Matrix client, and
// archive file access.
func (p *Plugin) injectSelf() {
	class := p.class
	class.RawSetString("id", lua.LString(p.env.InstanceID))
	class.RawSetString("log", p.logTable())
	class.RawSetString("config", p.configTable())
	class.RawSetString("database", p.databaseTable())
	class.RawSetString("client", p.clientTable())

	class.RawSetString("save_config", p.ls.NewFunction(func(L *lua.LState) int {
		if p.env.SaveConfig == nil {
			L.RaiseError("instance cannot save configuration")
			return 0
		}
		// The config argument is itself a table, so colon-call detection
		// must compare against the class identity instead of the type.
		idx := 1
		if L.GetTop() >= 1 && L.Get(1) == lua.LValue(class) {
			idx = 2
		}
		var config map[string]any
		if table, ok := L.Get(idx).(*lua.LTable); ok {
			config, _ = tableToGo(table).(map[string]any)
		} else if current := tableTable(class, "config"); current != nil {
			config, _ = tableToGo(current).(map[string]any)
		}
		if err := p.env.SaveConfig(config); err != nil {
			L.RaiseError("saving config failed: %s", err.Error())
		}
		return 0
	}))

	class.RawSetString("read_file", p.ls.NewFunction(func(L *lua.LState) int {
		if p.env.ReadFile == nil {
			L.RaiseError("instance cannot read archive files")
			return 0
		}
		path := L.CheckString(selfArgs(L))
		data, err := p.env.ReadFile(path)
		if err != nil {
			L.Push(lua.LNil)
			L.Push(lua.LString(err.Error()))
			return 2
		}
		L.Push(lua.LString(data))
		return 1
	}))

	class.RawSetString("list_files", p.ls.NewFunction(func(L *lua.LState) int {
		if p.env.ListFiles == nil {
			L.Push(L.NewTable())
			return 1
		}
		dir := L.OptString(selfArgs(L), "")
		L.Push(goToLua(L, p.env.ListFiles(dir)))
		return 1
	}))
}

func (p *Plugin) configTable() lua.LValue {
	if p.env.Config == nil {
		return p.ls.NewTable()
	}
	config := p.env.Config()
	if config == nil {
		return p.ls.NewTable()
	}
	return goToLua(p.ls, config)
}

func (p *Plugin) logTable() *lua.LTable {
	table := p.ls.NewTable()
	for _, level := range []struct {
		name string
		log  func(msg string, args ...any)
	}{
		{"debug", p.env.Logger.Debug},
		{"info", p.env.Logger.Info},
		{"warn", p.env.Logger.Warn},
		{"error", p.env.Logger.Error},
	} {
		table.RawSetString(level.name, p.ls.NewFunction(func(L *lua.LState) int {
			msg := L.CheckString(selfArgs(L))
			level.log(msg, "instance_id", p.env.InstanceID)
			return 0
		}))
	}
	return table
}

// databaseTable exposes the instance database: execute, fetch, fetch_row,
// fetch_val. Query placeholders and SQL dialect are whatever the backing
// database speaks; the bridge only converts values.
func (p *Plugin) databaseTable() *lua.LTable {
	table := p.ls.NewTable()

	queryArgs := func(L *lua.LState) (string, []any) {
		idx := selfArgs(L)
		query := L.CheckString(idx)
		var args []any
		for i := idx + 1; i <= L.GetTop(); i++ {
			args = append(args, luaToGo(L.Get(i)))
		}
		return query, args
	}
	requireDB := func(L *lua.LState) bool {
		if p.env.Database == nil {
			L.RaiseError("instance has no database")
			return false
		}
		return true
	}

	table.RawSetString("execute", p.ls.NewFunction(func(L *lua.LState) int {
		if !requireDB(L) {
			return 0
		}
		query, args := queryArgs(L)
		affected, err := p.env.Database.Execute(p.bridgeCtx(), query, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(lua.LNumber(affected))
		return 1
	}))

	table.RawSetString("fetch", p.ls.NewFunction(func(L *lua.LState) int {
		if !requireDB(L) {
			return 0
		}
		query, args := queryArgs(L)
		rows, err := p.env.Database.Fetch(p.bridgeCtx(), query, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		out := L.NewTable()
		for _, row := range rows {
			out.Append(goToLua(L, map[string]any(row)))
		}
		L.Push(out)
		return 1
	}))

	table.RawSetString("fetch_row", p.ls.NewFunction(func(L *lua.LState) int {
		if !requireDB(L) {
			return 0
		}
		query, args := queryArgs(L)
		row, err := p.env.Database.FetchRow(p.bridgeCtx(), query, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		if row == nil {
			L.Push(lua.LNil)
			return 1
		}
		L.Push(goToLua(L, map[string]any(row)))
		return 1
	}))

	table.RawSetString("fetch_val", p.ls.NewFunction(func(L *lua.LState) int {
		if !requireDB(L) {
			return 0
		}
		query, args := queryArgs(L)
		val, err := p.env.Database.FetchVal(p.bridgeCtx(), query, args...)
		if err != nil {
			L.RaiseError("%s", err.Error())
			return 0
		}
		L.Push(goToLua(L, val))
		return 1
	}))

	return table
}

// clientTable exposes the Matrix client. The client is resolved through
// the environment on every call so token swaps take effect immediately.
func (p *Plugin) clientTable() *lua.LTable {
	table := p.ls.NewTable()

	client := func(L *lua.LState) ClientAPI {
		if p.env.Client == nil {
			L.RaiseError("instance has no client")
			return nil
		}
		c := p.env.Client()
		if c == nil {
			L.RaiseError("instance has no client")
			return nil
		}
		return c
	}
	raise := func(L *lua.LState, err error) int {
		L.RaiseError("%s", err.Error())
		return 0
	}

	table.RawSetString("user_id", p.ls.NewFunction(func(L *lua.LState) int {
		L.Push(lua.LString(client(L).UserID()))
		return 1
	}))

	table.RawSetString("send_message", p.ls.NewFunction(func(L *lua.LState) int {
		idx := selfArgs(L)
		roomID := L.CheckString(idx)
		body := L.CheckString(idx + 1)
		eventID, err := client(L).SendMessage(p.bridgeCtx(), roomID, matrix.NewTextMessage(body))
		if err != nil {
			return raise(L, err)
		}
		L.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("send_notice", p.ls.NewFunction(func(L *lua.LState) int {
		idx := selfArgs(L)
		roomID := L.CheckString(idx)
		body := L.CheckString(idx + 1)
		eventID, err := client(L).SendMessage(p.bridgeCtx(), roomID, matrix.NewNoticeMessage(body))
		if err != nil {
			return raise(L, err)
		}
		L.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("send_event", p.ls.NewFunction(func(L *lua.LState) int {
		idx := selfArgs(L)
		roomID := L.CheckString(idx)
		eventType := L.CheckString(idx + 1)
		content := luaToGo(L.CheckTable(idx + 2))
		eventID, err := client(L).SendEvent(p.bridgeCtx(), roomID, eventType, content)
		if err != nil {
			return raise(L, err)
		}
		L.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("join_room", p.ls.NewFunction(func(L *lua.LState) int {
		roomID := L.CheckString(selfArgs(L))
		joined, err := client(L).JoinRoom(p.bridgeCtx(), roomID)
		if err != nil {
			return raise(L, err)
		}
		L.Push(lua.LString(joined))
		return 1
	}))

	table.RawSetString("leave_room", p.ls.NewFunction(func(L *lua.LState) int {
		roomID := L.CheckString(selfArgs(L))
		if err := client(L).LeaveRoom(p.bridgeCtx(), roomID); err != nil {
			return raise(L, err)
		}
		return 0
	}))

	table.RawSetString("get_displayname", p.ls.NewFunction(func(L *lua.LState) int {
		userID := L.CheckString(selfArgs(L))
		profile, err := client(L).GetProfile(p.bridgeCtx(), userID)
		if err != nil {
			return raise(L, err)
		}
		L.Push(lua.LString(profile.Displayname))
		return 1
	}))

	return table
}

// eventTable builds the Lua view of one event: its fields plus reply,
// respond, react, edit and mark_read operations bound to the event.
func (p *Plugin) eventTable(evt *matrix.Event) *lua.LTable {
	L := p.ls
	table := L.NewTable()
	table.RawSetString("event_id", lua.LString(evt.EventID))
	table.RawSetString("room_id", lua.LString(evt.RoomID))
	table.RawSetString("sender", lua.LString(evt.Sender))
	table.RawSetString("type", lua.LString(evt.Type))
	table.RawSetString("timestamp", lua.LNumber(evt.OriginServerTS))
	table.RawSetString("content", goToLua(L, evt.Content))
	if evt.StateKey != nil {
		table.RawSetString("state_key", lua.LString(*evt.StateKey))
	}

	raise := func(ls *lua.LState, err error) int {
		ls.RaiseError("%s", err.Error())
		return 0
	}

	table.RawSetString("reply", L.NewFunction(func(ls *lua.LState) int {
		text := ls.CheckString(selfArgs(ls))
		eventID, err := evt.Reply(p.bridgeCtx(), text)
		if err != nil {
			return raise(ls, err)
		}
		ls.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("respond", L.NewFunction(func(ls *lua.LState) int {
		text := ls.CheckString(selfArgs(ls))
		eventID, err := evt.Respond(p.bridgeCtx(), text)
		if err != nil {
			return raise(ls, err)
		}
		ls.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("react", L.NewFunction(func(ls *lua.LState) int {
		key := ls.CheckString(selfArgs(ls))
		eventID, err := evt.React(p.bridgeCtx(), key)
		if err != nil {
			return raise(ls, err)
		}
		ls.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("edit", L.NewFunction(func(ls *lua.LState) int {
		idx := selfArgs(ls)
		targetID := ls.CheckString(idx)
		text := ls.CheckString(idx + 1)
		eventID, err := evt.Edit(p.bridgeCtx(), targetID, text)
		if err != nil {
			return raise(ls, err)
		}
		ls.Push(lua.LString(eventID))
		return 1
	}))

	table.RawSetString("mark_read", L.NewFunction(func(ls *lua.LState) int {
		if err := evt.MarkRead(p.bridgeCtx()); err != nil {
			return raise(ls, err)
		}
		return 0
	}))

	return table
}
