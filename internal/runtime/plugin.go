// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package runtime

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"

	"github.com/mauhost/mauhost/internal/command"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/matrix"
	"github.com/mauhost/mauhost/internal/plugindb"
)

// ClientAPI is the slice of the Matrix client exposed to plugin code.
// *matrix.Client satisfies it.
type ClientAPI interface {
	UserID() string
	SendEvent(ctx context.Context, roomID, eventType string, content any) (string, error)
	SendMessage(ctx context.Context, roomID string, content matrix.MessageContent) (string, error)
	SendReceipt(ctx context.Context, roomID, eventID string) error
	JoinRoom(ctx context.Context, roomID string, via ...string) (string, error)
	LeaveRoom(ctx context.Context, roomID string) error
	GetProfile(ctx context.Context, userID string) (*matrix.Profile, error)
}

// Environment is everything the host wires into one plugin instance.
// Client is resolved on every call so an access-token swap that replaces
// the underlying client does not strand running plugins.
type Environment struct {
	InstanceID string
	Modules    []loader.CompiledModule
	MainClass  string
	Logger     *slog.Logger

	Client   func() ClientAPI
	Database plugindb.Database

	Config     func() map[string]any
	SaveConfig func(config map[string]any) error
	ReadFile   func(path string) ([]byte, error)
	ListFiles  func(dir string) []string
}

// WebRequest is one HTTP request forwarded to a plugin web handler.
type WebRequest struct {
	Method  string
	Path    string
	Query   map[string]string
	Headers map[string]string
	Body    string
}

// WebResponse is what a plugin web handler produced.
type WebResponse struct {
	Status      int
	ContentType string
	Body        string
}

type webHandler struct {
	method string
	path   string
	fn     *lua.LFunction
}

// Plugin is one running plugin instance: a sandboxed Lua state plus the
// handlers its main class declared. All Lua access is serialized through
// the mutex; gopher-lua states are not goroutine safe.
type Plugin struct {
	env     Environment
	factory *StateFactory

	mu         sync.Mutex
	ls         *lua.LState
	class      *lua.LTable
	ctx        context.Context
	commands   []*command.Spec
	passives   []*command.PassiveSpec
	onHandlers map[string][]*lua.LFunction
	webRoutes  []webHandler
	started    bool
}

// New creates a plugin instance. Nothing runs until Start.
func New(env Environment) *Plugin {
	if env.Logger == nil {
		env.Logger = slog.Default()
	}
	return &Plugin{env: env, factory: NewStateFactory()}
}

// Started reports whether the instance is currently running.
func (p *Plugin) Started() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started
}

// Start creates the sandboxed state, executes the plugin's modules,
// locates the main class, prepares the instance database and runs the
// declared schema upgrades, collects the handlers, and finally calls the
// class's start function.
func (p *Plugin) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.started {
		return nil
	}

	L, err := p.factory.NewState()
	if err != nil {
		return err
	}
	registerDeclarationAPI(L)

	dbStarted := false
	fail := func(err error) error {
		if dbStarted {
			if stopErr := p.env.Database.Stop(ctx); stopErr != nil {
				p.env.Logger.Warn("failed to stop database after failed start",
					"instance_id", p.env.InstanceID, "error", stopErr)
			}
		}
		L.Close()
		p.ls = nil
		p.class = nil
		return err
	}

	for _, module := range p.env.Modules {
		L.Push(L.NewFunctionFromProto(module.Proto))
		if err := L.PCall(0, 0, nil); err != nil {
			return fail(oops.Code("MODULE_EXEC_FAILED").
				With("instance_id", p.env.InstanceID).
				With("module", module.Name).
				Wrap(err))
		}
	}

	class, ok := L.GetGlobal(p.env.MainClass).(*lua.LTable)
	if !ok || declarationKind(class) != kindPlugin {
		return fail(oops.Code("MAIN_CLASS_NOT_FOUND").
			With("instance_id", p.env.InstanceID).
			With("main_class", p.env.MainClass).
			New("main class is not a maubot.plugin table"))
	}
	p.ls = L
	p.class = class
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	p.injectSelf()

	if p.env.Database != nil {
		if err := p.env.Database.Start(ctx); err != nil {
			return fail(err)
		}
		dbStarted = true
		if err := plugindb.RunUpgrades(ctx, p.env.Database, p.upgradeSteps()); err != nil {
			return fail(err)
		}
	}

	if err := p.collectHandlers(); err != nil {
		return fail(err)
	}

	if start := tableFunc(class, "start"); start != nil {
		if err := p.call(start, 0, class); err != nil {
			return fail(oops.Code("PLUGIN_START_FAILED").
				With("instance_id", p.env.InstanceID).
				Wrap(err))
		}
	}

	p.started = true
	p.env.Logger.Info("plugin instance started",
		"instance_id", p.env.InstanceID,
		"commands", len(p.commands),
		"passives", len(p.passives),
		"web_routes", len(p.webRoutes))
	return nil
}

// Stop calls the class's stop function, stops the instance database and
// tears the Lua state down. Errors in the stop function are logged, not
// returned; teardown always completes.
func (p *Plugin) Stop(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	if stop := tableFunc(p.class, "stop"); stop != nil {
		if err := p.call(stop, 0, p.class); err != nil {
			p.env.Logger.Warn("plugin stop function failed",
				"instance_id", p.env.InstanceID, "error", err)
		}
	}
	var dbErr error
	if p.env.Database != nil {
		dbErr = p.env.Database.Stop(ctx)
	}

	p.ls.Close()
	p.ls = nil
	p.class = nil
	p.commands = nil
	p.passives = nil
	p.onHandlers = nil
	p.webRoutes = nil
	p.started = false
	p.env.Logger.Info("plugin instance stopped", "instance_id", p.env.InstanceID)
	return dbErr
}

// HandleEvent runs the event through every declared handler: commands and
// passive matchers for messages, plus any handlers registered for the
// event's type. Handler errors are joined, never aborting the remaining
// handlers.
func (p *Plugin) HandleEvent(ctx context.Context, evt *matrix.Event) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	var errs []error
	if evt.Type == matrix.EventTypeMessage {
		for _, spec := range p.commands {
			if _, err := spec.Process(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		}
		for _, spec := range p.passives {
			if _, err := spec.Process(ctx, evt); err != nil {
				errs = append(errs, err)
			}
		}
	}
	for _, fn := range p.onHandlers[evt.Type] {
		if err := p.call(fn, 0, p.class, p.eventTable(evt)); err != nil {
			errs = append(errs, oops.Code("HANDLER_FAILED").
				With("instance_id", p.env.InstanceID).
				With("event_type", evt.Type).
				Wrap(err))
		}
	}
	return errors.Join(errs...)
}

// EventTypes returns the event types this plugin wants delivered:
// messages when any command or passive matcher exists, plus every type
// with a registered event handler. Valid after Start.
func (p *Plugin) EventTypes() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	seen := make(map[string]bool)
	var types []string
	if len(p.commands) > 0 || len(p.passives) > 0 {
		seen[matrix.EventTypeMessage] = true
		types = append(types, matrix.EventTypeMessage)
	}
	for eventType := range p.onHandlers {
		if !seen[eventType] {
			seen[eventType] = true
			types = append(types, eventType)
		}
	}
	sort.Strings(types)
	return types
}

// HasWebRoutes reports whether the plugin registered any web handlers.
func (p *Plugin) HasWebRoutes() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.webRoutes) > 0
}

// HandleWeb routes an HTTP request to the plugin's matching web handler.
// A nil response with a nil error means no route matched.
func (p *Plugin) HandleWeb(ctx context.Context, req WebRequest) (*WebResponse, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil, oops.Code("PLUGIN_NOT_STARTED").
			With("instance_id", p.env.InstanceID).
			New("plugin instance is not running")
	}
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	for _, route := range p.webRoutes {
		if route.method != "" && route.method != req.Method {
			continue
		}
		if route.path != req.Path {
			continue
		}
		return p.callWebHandler(route.fn, req)
	}
	return nil, nil
}

// ConfigUpdated refreshes self.config and notifies the class through its
// config_updated function, if it declared one.
func (p *Plugin) ConfigUpdated(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.started {
		return nil
	}
	p.ctx = ctx
	defer func() { p.ctx = nil }()

	p.class.RawSetString("config", p.configTable())
	if fn := tableFunc(p.class, "config_updated"); fn != nil {
		if err := p.call(fn, 0, p.class); err != nil {
			return oops.Code("HANDLER_FAILED").
				With("instance_id", p.env.InstanceID).
				Hint("config_updated handler").
				Wrap(err)
		}
	}
	return nil
}

// call invokes a Lua function under the already-held lock and returns its
// results.
func (p *Plugin) call(fn lua.LValue, nret int, args ...lua.LValue) error {
	_, err := p.callValues(fn, nret, args...)
	return err
}

func (p *Plugin) callValues(fn lua.LValue, nret int, args ...lua.LValue) ([]lua.LValue, error) {
	L := p.ls
	L.Push(fn)
	for _, arg := range args {
		L.Push(arg)
	}
	if err := L.PCall(len(args), nret, nil); err != nil {
		return nil, err
	}
	rets := make([]lua.LValue, nret)
	for i := nret - 1; i >= 0; i-- {
		rets[i] = L.Get(-1)
		L.Pop(1)
	}
	return rets, nil
}

func (p *Plugin) bridgeCtx() context.Context {
	if p.ctx != nil {
		return p.ctx
	}
	return context.Background()
}

// upgradeSteps reads the class's database_upgrades declaration.
func (p *Plugin) upgradeSteps() []plugindb.UpgradeStep {
	upgrades := tableTable(p.class, "database_upgrades")
	if upgrades == nil {
		return nil
	}
	var steps []plugindb.UpgradeStep
	for i := 1; i <= upgrades.Len(); i++ {
		entry, ok := upgrades.RawGetInt(i).(*lua.LTable)
		if !ok {
			continue
		}
		steps = append(steps, plugindb.UpgradeStep{
			Description: tableString(entry, "description"),
			SQL:         tableString(entry, "sql"),
		})
	}
	return steps
}

// collectHandlers walks the class's handlers list and builds the matching
// engine specs and routing tables.
func (p *Plugin) collectHandlers() error {
	p.onHandlers = make(map[string][]*lua.LFunction)
	handlers := tableTable(p.class, "handlers")
	if handlers == nil {
		return nil
	}
	for i := 1; i <= handlers.Len(); i++ {
		decl, ok := handlers.RawGetInt(i).(*lua.LTable)
		if !ok {
			return oops.Code("BAD_HANDLER").
				With("instance_id", p.env.InstanceID).
				With("index", i).
				New("handler entry is not a table")
		}
		switch kind := declarationKind(decl); kind {
		case kindCommand:
			spec, err := p.buildCommandSpec(decl)
			if err != nil {
				return err
			}
			p.commands = append(p.commands, spec)
		case kindPassive:
			spec, err := p.buildPassiveSpec(decl)
			if err != nil {
				return err
			}
			p.passives = append(p.passives, spec)
		case kindOn:
			eventType := tableString(decl, "type")
			fn := tableFunc(decl, "handler")
			if eventType == "" || fn == nil {
				return oops.Code("BAD_HANDLER").
					With("instance_id", p.env.InstanceID).
					New("event handler needs a type and a handler function")
			}
			p.onHandlers[eventType] = append(p.onHandlers[eventType], fn)
		case kindWeb:
			fn := tableFunc(decl, "handler")
			path := tableString(decl, "path")
			if path == "" || fn == nil {
				return oops.Code("BAD_HANDLER").
					With("instance_id", p.env.InstanceID).
					New("web handler needs a path and a handler function")
			}
			p.webRoutes = append(p.webRoutes, webHandler{
				method: tableString(decl, "method"),
				path:   path,
				fn:     fn,
			})
		default:
			return oops.Code("BAD_HANDLER").
				With("instance_id", p.env.InstanceID).
				With("kind", kind).
				New("unknown handler kind")
		}
	}
	return nil
}

func (p *Plugin) buildCommandSpec(decl *lua.LTable) (*command.Spec, error) {
	name := tableString(decl, "name")
	if name == "" {
		return nil, oops.Code("BAD_HANDLER").
			With("instance_id", p.env.InstanceID).
			New("command declaration has no name")
	}
	spec := command.NewSpec(name)
	spec.Help = tableString(decl, "help")
	spec.Aliases = tableStrings(decl, "aliases")
	spec.RequireSubcommand = tableBool(decl, "require_subcommand", spec.RequireSubcommand)
	spec.ArgFallthrough = tableBool(decl, "arg_fallthrough", spec.ArgFallthrough)
	spec.MustConsumeArgs = tableBool(decl, "must_consume_args", spec.MustConsumeArgs)
	if msgtypes := tableStrings(decl, "msgtypes"); len(msgtypes) > 0 {
		spec.MsgTypes = msgtypes
	}

	if argDecls := tableTable(decl, "arguments"); argDecls != nil {
		for i := 1; i <= argDecls.Len(); i++ {
			argDecl, ok := argDecls.RawGetInt(i).(*lua.LTable)
			if !ok {
				return nil, oops.Code("BAD_HANDLER").
					With("instance_id", p.env.InstanceID).
					With("command", name).
					New("argument declaration is not a table")
			}
			arg, err := p.buildArgument(argDecl)
			if err != nil {
				return nil, err
			}
			spec.Arguments = append(spec.Arguments, arg)
		}
	}

	if fn := tableFunc(decl, "handler"); fn != nil {
		spec.Handler = p.commandHandler(fn)
	}

	if subDecls := tableTable(decl, "subcommands"); subDecls != nil {
		for i := 1; i <= subDecls.Len(); i++ {
			subDecl, ok := subDecls.RawGetInt(i).(*lua.LTable)
			if !ok {
				continue
			}
			sub, err := p.buildCommandSpec(subDecl)
			if err != nil {
				return nil, err
			}
			spec.AddSubcommand(sub)
		}
	}
	return spec, nil
}

func (p *Plugin) buildArgument(decl *lua.LTable) (command.Argument, error) {
	name := tableString(decl, "name")
	if name == "" {
		return nil, oops.Code("BAD_HANDLER").
			With("instance_id", p.env.InstanceID).
			New("argument declaration has no name")
	}
	opts := command.ArgumentOptions{
		Label:    tableString(decl, "label"),
		Required: tableBool(decl, "required", false),
		PassRaw:  tableBool(decl, "pass_raw", false),
		Matches:  tableString(decl, "matches"),
	}
	if parser := tableFunc(decl, "parser"); parser != nil {
		opts.Parser = func(val string) any {
			rets, err := p.callValues(parser, 1, lua.LString(val))
			if err != nil {
				p.env.Logger.Warn("argument parser failed",
					"instance_id", p.env.InstanceID,
					"argument", name, "error", err)
				return nil
			}
			return luaToGo(rets[0])
		}
	}
	return command.NewArgument(name, opts)
}

// commandHandler bridges a matched command into Lua. The handler receives
// (self, event, args); a returned string becomes a user-facing command
// failure.
func (p *Plugin) commandHandler(fn *lua.LFunction) command.Handler {
	return func(ctx context.Context, evt *matrix.Event, args command.Args) error {
		argsTable := p.ls.NewTable()
		for key, value := range args {
			argsTable.RawSetString(key, goToLua(p.ls, value))
		}
		rets, err := p.callValues(fn, 1, p.class, p.eventTable(evt), argsTable)
		if err != nil {
			return err
		}
		if msg, ok := rets[0].(lua.LString); ok {
			return &command.Failure{Message: string(msg)}
		}
		return nil
	}
}

func (p *Plugin) buildPassiveSpec(decl *lua.LTable) (*command.PassiveSpec, error) {
	pattern := tableString(decl, "pattern")
	fn := tableFunc(decl, "handler")
	if pattern == "" || fn == nil {
		return nil, oops.Code("BAD_HANDLER").
			With("instance_id", p.env.InstanceID).
			New("passive declaration needs a pattern and a handler function")
	}
	opts := command.PassiveOptions{
		CaseInsensitive: tableBool(decl, "case_insensitive", false),
		Multiline:       tableBool(decl, "multiline", false),
		DotAll:          tableBool(decl, "dot_all", false),
		Multiple:        tableBool(decl, "multiple", false),
		MsgTypes:        tableStrings(decl, "msgtypes"),
	}
	multiple := opts.Multiple
	handler := func(ctx context.Context, evt *matrix.Event, matches []command.PassiveMatch) error {
		var matchArg lua.LValue
		if multiple {
			list := p.ls.NewTable()
			for _, m := range matches {
				list.Append(p.matchTable(m))
			}
			matchArg = list
		} else {
			matchArg = p.matchTable(matches[0])
		}
		return p.call(fn, 0, p.class, p.eventTable(evt), matchArg)
	}
	return command.NewPassive(pattern, opts, handler)
}

func (p *Plugin) matchTable(m command.PassiveMatch) *lua.LTable {
	table := p.ls.NewTable()
	table.RawSetString("full", lua.LString(m.Full))
	table.RawSetString("groups", goToLua(p.ls, m.Groups))
	return table
}

func (p *Plugin) callWebHandler(fn *lua.LFunction, req WebRequest) (*WebResponse, error) {
	reqTable := p.ls.NewTable()
	reqTable.RawSetString("method", lua.LString(req.Method))
	reqTable.RawSetString("path", lua.LString(req.Path))
	reqTable.RawSetString("body", lua.LString(req.Body))
	query := p.ls.NewTable()
	for key, value := range req.Query {
		query.RawSetString(key, lua.LString(value))
	}
	reqTable.RawSetString("query", query)
	headers := p.ls.NewTable()
	for key, value := range req.Headers {
		headers.RawSetString(key, lua.LString(value))
	}
	reqTable.RawSetString("headers", headers)

	rets, err := p.callValues(fn, 1, p.class, reqTable)
	if err != nil {
		return nil, oops.Code("WEB_HANDLER_FAILED").
			With("instance_id", p.env.InstanceID).
			With("path", req.Path).
			Wrap(err)
	}
	resp := &WebResponse{Status: 200, ContentType: "text/plain"}
	switch ret := rets[0].(type) {
	case lua.LString:
		resp.Body = string(ret)
	case *lua.LTable:
		if status, ok := ret.RawGetString("status").(lua.LNumber); ok {
			resp.Status = int(status)
		}
		if contentType := tableString(ret, "content_type"); contentType != "" {
			resp.ContentType = contentType
		}
		resp.Body = tableString(ret, "body")
	}
	return resp, nil
}
