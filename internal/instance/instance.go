// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package instance runs the plugin instance lifecycle: binding a stored
// instance row to its plugin package and client session, building the
// sandboxed runtime, and driving load/start/stop and the management
// mutations (rename, retype, reparent, config update, delete).
package instance

import (
	"context"
	"log/slog"
	"strings"
	"sync"

	"github.com/samber/oops"
	"gopkg.in/yaml.v3"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/matrix"
	"github.com/mauhost/mauhost/internal/plugindb"
	"github.com/mauhost/mauhost/internal/runtime"
)

// baseConfigFile is the config template shipped inside a plugin archive.
const baseConfigFile = "base-config.yaml"

// Instance is one plugin instance: stored row, resolved plugin package,
// owning client session, and (when started) the live runtime.
type Instance struct {
	engine *Engine
	logger *slog.Logger

	mu      sync.Mutex
	row     *catalog.Instance
	loader  *loader.ZipLoader
	session *client.Session
	plugin  *runtime.Plugin
	db      plugindb.Database
	regs    []*matrix.Registration
	loaded  bool
	started bool
	webURL  string
}

// ID returns the instance id.
func (i *Instance) ID() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.row.ID
}

// Row returns a copy of the stored state.
func (i *Instance) Row() catalog.Instance {
	i.mu.Lock()
	defer i.mu.Unlock()
	return *i.row
}

// Started reports whether the runtime is up.
func (i *Instance) Started() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.started
}

// Loaded reports whether references were resolved successfully.
func (i *Instance) Loaded() bool {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.loaded
}

// WebURL returns the public URL of the instance's webapp, or "" when the
// plugin has none.
func (i *Instance) WebURL() string {
	i.mu.Lock()
	defer i.mu.Unlock()
	return i.webURL
}

// Load resolves the plugin package and the primary user. Either failing
// disables the instance; a disabled instance stays in the cache so the
// management surface can fix and re-enable it.
func (i *Instance) Load(ctx context.Context) error {
	i.mu.Lock()
	defer i.mu.Unlock()
	if i.loaded {
		i.logger.Warn("instance already loaded, ignoring load request")
		return nil
	}

	l, ok := i.engine.registry.Get(i.row.Type)
	if !ok {
		i.disableLocked(ctx)
		return oops.Code("NOT_FOUND").
			With("instance_id", i.row.ID).
			With("plugin_type", i.row.Type).
			New("plugin package not found, disabling instance")
	}
	session := i.engine.clients.Get(i.row.PrimaryUser)
	if session == nil {
		i.disableLocked(ctx)
		return oops.Code("NOT_FOUND").
			With("instance_id", i.row.ID).
			With("primary_user", i.row.PrimaryUser).
			New("primary user not found, disabling instance")
	}

	i.loader = l
	i.session = session
	if l.Meta().Webapp {
		i.webURL = i.engine.instanceWebURL(i.row.ID)
	}
	i.engine.registry.AddReference(l.Meta().ID, (*registryRef)(i))
	session.AddInstance((*sessionRef)(i))
	i.loaded = true
	i.logger.Debug("instance loaded", "plugin_type", i.row.Type)
	return nil
}

func (i *Instance) disableLocked(ctx context.Context) {
	i.row.Enabled = false
	row := *i.row
	if err := i.engine.store.PutInstance(ctx, &row); err != nil {
		i.logger.Error("failed to persist disabled state", "error", err)
	}
}

// Start builds the runtime and brings the plugin up. Start failures
// disable the instance; sibling instances are unaffected.
func (i *Instance) Start(ctx context.Context) error {
	i.mu.Lock()
	if i.started {
		i.mu.Unlock()
		i.logger.Warn("instance already started, ignoring start request")
		return nil
	}
	if !i.row.Enabled {
		i.mu.Unlock()
		i.logger.Debug("instance is disabled, not starting")
		return nil
	}
	if !i.loaded {
		i.mu.Unlock()
		return oops.Code("NOT_LOADED").
			With("instance_id", i.row.ID).
			New("instance must be loaded before starting")
	}

	meta := i.loader.Meta()
	// Webapp presence may have changed across a plugin reload.
	if meta.Webapp {
		i.webURL = i.engine.instanceWebURL(i.row.ID)
	} else {
		i.webURL = ""
	}

	if meta.Database {
		db, engine, err := i.engine.openDatabase(ctx, i.row.ID, meta.DatabaseTypeString(), i.row.DatabaseEngine)
		if err != nil {
			i.disableLocked(ctx)
			i.mu.Unlock()
			return err
		}
		i.db = db
		if i.row.DatabaseEngine != engine {
			i.row.DatabaseEngine = engine
			row := *i.row
			if err := i.engine.store.PutInstance(ctx, &row); err != nil {
				i.logger.Error("failed to record database engine", "error", err)
			}
		}
	}

	env := runtime.Environment{
		InstanceID: i.row.ID,
		Modules:    i.loader.Modules(),
		MainClass:  meta.MainClassName(),
		Logger:     i.logger,
		Database:   i.db,
		ReadFile:   i.loader.ReadFile,
		ListFiles:  i.loader.ListFiles,
	}
	session := i.session
	env.Client = func() runtime.ClientAPI { return session.Client() }
	if meta.Config {
		env.Config = i.effectiveConfig
		env.SaveConfig = i.saveConfig
	}
	plugin := runtime.New(env)
	i.mu.Unlock()

	if err := plugin.Start(ctx); err != nil {
		i.logger.Error("plugin start failed, disabling instance", "error", err)
		i.mu.Lock()
		i.disableLocked(ctx)
		i.db = nil
		i.mu.Unlock()
		return err
	}

	i.mu.Lock()
	i.plugin = plugin
	for _, eventType := range plugin.EventTypes() {
		reg := i.session.Dispatcher().AddEventHandler(eventType, plugin.HandleEvent)
		i.regs = append(i.regs, reg)
	}
	i.started = true
	i.mu.Unlock()
	i.logger.Info("instance started", "plugin_type", meta.ID)
	return nil
}

// Stop unregisters the dispatcher handlers and tears the runtime down.
func (i *Instance) Stop(ctx context.Context) error {
	i.mu.Lock()
	if !i.started {
		i.mu.Unlock()
		i.logger.Warn("instance not started, ignoring stop request")
		return nil
	}
	i.started = false
	plugin := i.plugin
	regs := i.regs
	session := i.session
	i.plugin = nil
	i.regs = nil
	i.db = nil
	i.mu.Unlock()

	for _, reg := range regs {
		session.Dispatcher().RemoveEventHandler(reg)
	}
	if err := plugin.Stop(ctx); err != nil {
		i.logger.Warn("plugin stop reported an error", "error", err)
	}
	i.logger.Info("instance stopped")
	return nil
}

// HandleWeb forwards an HTTP request to the plugin's web handlers.
func (i *Instance) HandleWeb(ctx context.Context, req runtime.WebRequest) (*runtime.WebResponse, error) {
	i.mu.Lock()
	plugin := i.plugin
	i.mu.Unlock()
	if plugin == nil {
		return nil, oops.Code("NOT_FOUND").
			With("instance_id", i.ID()).
			New("instance is not running")
	}
	return plugin.HandleWeb(ctx, req)
}

// effectiveConfig overlays the instance's stored YAML over the plugin's
// base config template: user keys override, base structure is preserved.
func (i *Instance) effectiveConfig() map[string]any {
	i.mu.Lock()
	l := i.loader
	stored := i.row.Config
	i.mu.Unlock()

	base := map[string]any{}
	if data, err := l.ReadFile(baseConfigFile); err == nil {
		if err := yaml.Unmarshal(data, &base); err != nil {
			i.logger.Warn("plugin base config is not valid YAML", "error", err)
			base = map[string]any{}
		}
	}
	overlay := map[string]any{}
	if stored != "" {
		if err := yaml.Unmarshal([]byte(stored), &overlay); err != nil {
			i.logger.Warn("stored instance config is not valid YAML", "error", err)
		}
	}
	return mergeConfig(base, overlay)
}

// mergeConfig recursively overlays user values onto the base template.
func mergeConfig(base, overlay map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(overlay))
	for key, val := range base {
		out[key] = val
	}
	for key, val := range overlay {
		baseChild, baseOK := out[key].(map[string]any)
		overlayChild, overlayOK := val.(map[string]any)
		if baseOK && overlayOK {
			out[key] = mergeConfig(baseChild, overlayChild)
			continue
		}
		out[key] = val
	}
	return out
}

// saveConfig persists a config map written by the plugin as the user
// layer.
func (i *Instance) saveConfig(config map[string]any) error {
	data, err := yaml.Marshal(config)
	if err != nil {
		return oops.Code("BAD_CONFIG").Wrap(err)
	}
	i.mu.Lock()
	i.row.Config = string(data)
	row := *i.row
	i.mu.Unlock()
	return i.engine.store.PutInstance(context.Background(), &row)
}

// WithDatabase runs fn against the instance's isolated database. When the
// instance is not running a short-lived handle is opened for the call.
func (i *Instance) WithDatabase(ctx context.Context, fn func(db plugindb.Database) error) error {
	i.mu.Lock()
	l := i.loader
	db := i.db
	id := i.row.ID
	recorded := i.row.DatabaseEngine
	i.mu.Unlock()

	if l == nil || !l.Meta().Database {
		return oops.Code("PLUGIN_HAS_NO_DATABASE").
			With("instance_id", id).
			New("plugin does not use a database")
	}
	if db != nil {
		return fn(db)
	}
	db, _, err := i.engine.openDatabase(ctx, id, l.Meta().DatabaseTypeString(), recorded)
	if err != nil {
		return err
	}
	if err := db.Start(ctx); err != nil {
		return err
	}
	defer func() {
		if err := db.Stop(ctx); err != nil {
			i.logger.Warn("failed to close database handle", "error", err)
		}
	}()
	return fn(db)
}

// UpdateConfig replaces the stored user config and, when running,
// notifies the plugin.
func (i *Instance) UpdateConfig(ctx context.Context, config string) error {
	i.mu.Lock()
	i.row.Config = config
	row := *i.row
	started := i.started
	plugin := i.plugin
	i.mu.Unlock()
	if err := i.engine.store.PutInstance(ctx, &row); err != nil {
		return err
	}
	if started && plugin != nil {
		if err := plugin.ConfigUpdated(ctx); err != nil {
			i.logger.Warn("plugin config update hook failed", "error", err)
		}
	}
	return nil
}

// SetEnabled persists the enabled flag. Starting or stopping on toggle is
// the caller's decision.
func (i *Instance) SetEnabled(ctx context.Context, enabled bool) error {
	i.mu.Lock()
	i.row.Enabled = enabled
	row := *i.row
	i.mu.Unlock()
	return i.engine.store.PutInstance(ctx, &row)
}

// registryRef adapts Instance to the loader registry's reference
// interface without exporting the restart methods on Instance itself.
type registryRef Instance

func (r *registryRef) ID() string { return (*Instance)(r).ID() }

func (r *registryRef) StartPlugin(ctx context.Context) error {
	return (*Instance)(r).Start(ctx)
}

func (r *registryRef) StopPlugin(ctx context.Context) error {
	return (*Instance)(r).Stop(ctx)
}

// sessionRef adapts Instance to the client session's instance interface.
type sessionRef Instance

func (r *sessionRef) ID() string { return (*Instance)(r).ID() }

func (r *sessionRef) Start(ctx context.Context) error {
	return (*Instance)(r).Start(ctx)
}

func (r *sessionRef) Stop(ctx context.Context) error {
	return (*Instance)(r).Stop(ctx)
}

// caseInsensitiveEqual compares instance ids the way renames do.
func caseInsensitiveEqual(a, b string) bool {
	return strings.EqualFold(a, b)
}
