// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package instance

import (
	"context"
	"log/slog"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/plugindb"
)

// Engine is the process-wide instance cache and lifecycle driver.
type Engine struct {
	store    *catalog.Store
	registry *loader.Registry
	clients  *client.Manager
	logger   *slog.Logger

	// pgPool backs shared-Postgres plugin databases; nil when the host is
	// configured for SQLite-only plugin storage.
	pgPool     *plugindb.PostgresPool
	pgMaxConns int
	sqliteDir  string
	publicURL  string
	pluginBase string

	mu        sync.Mutex
	instances map[string]*Instance
}

// EngineOptions configures the instance engine.
type EngineOptions struct {
	Logger *slog.Logger
	// PostgresPool enables shared-Postgres plugin databases.
	PostgresPool *plugindb.PostgresPool
	// PostgresMaxConns caps the connections one instance may hold.
	PostgresMaxConns int
	// SQLiteDir is where per-instance SQLite files live.
	SQLiteDir string
	// PublicURL and PluginBasePath build per-instance webapp URLs.
	PublicURL      string
	PluginBasePath string
}

// NewEngine creates an empty instance engine.
func NewEngine(store *catalog.Store, registry *loader.Registry, clients *client.Manager, opts EngineOptions) *Engine {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:      store,
		registry:   registry,
		clients:    clients,
		logger:     logger,
		pgPool:     opts.PostgresPool,
		pgMaxConns: opts.PostgresMaxConns,
		sqliteDir:  opts.SQLiteDir,
		publicURL:  strings.TrimRight(opts.PublicURL, "/"),
		pluginBase: "/" + strings.Trim(opts.PluginBasePath, "/"),
		instances:  make(map[string]*Instance),
	}
}

func (e *Engine) instanceWebURL(id string) string {
	return e.publicURL + e.pluginBase + "/" + id
}

// openDatabase builds the isolated database handle for one instance. A
// previously recorded engine wins over the plugin's requested type so the
// existing data stays reachable across plugin or host config changes.
func (e *Engine) openDatabase(_ context.Context, instanceID, databaseType, recorded string) (plugindb.Database, string, error) {
	engine := recorded
	if engine == "" {
		engine = databaseType
	}
	switch engine {
	case string(loader.DatabasePostgres):
		if e.pgPool == nil {
			return nil, "", oops.Code("UNSUPPORTED_DATABASE").
				With("instance_id", instanceID).
				New("plugin wants a Postgres database but none is configured")
		}
		return e.pgPool.ForInstance(instanceID, e.pgMaxConns), string(loader.DatabasePostgres), nil
	default:
		return plugindb.NewSQLite(e.sqliteDir, instanceID, e.logger), string(loader.DatabaseSQLite), nil
	}
}

// Get returns the cached instance, or nil.
func (e *Engine) Get(id string) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.instances[id]
}

// All returns every cached instance sorted by id.
func (e *Engine) All() []*Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Instance, 0, len(e.instances))
	for _, inst := range e.instances {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID() < out[j].ID() })
	return out
}

// GetOrCreate wraps a stored row in an Instance exactly once. The
// instance is not loaded or started.
func (e *Engine) GetOrCreate(row *catalog.Instance) *Instance {
	e.mu.Lock()
	defer e.mu.Unlock()
	if inst, ok := e.instances[row.ID]; ok {
		return inst
	}
	inst := &Instance{
		engine: e,
		logger: e.logger.With("instance_id", row.ID),
		row:    row,
	}
	e.instances[row.ID] = inst
	return inst
}

// Create persists and caches a new instance.
func (e *Engine) Create(ctx context.Context, row *catalog.Instance) (*Instance, error) {
	if e.Get(row.ID) != nil {
		return nil, oops.Code("ALREADY_EXISTS").
			With("instance_id", row.ID).
			New("instance already exists")
	}
	if err := e.store.PutInstance(ctx, row); err != nil {
		return nil, err
	}
	return e.GetOrCreate(row), nil
}

// Hydrate loads every stored instance row into the cache and resolves its
// references. Every load completes (or fails and disables its instance)
// before any caller starts anything.
func (e *Engine) Hydrate(ctx context.Context) error {
	rows, err := e.store.AllInstances(ctx)
	if err != nil {
		return err
	}
	for _, row := range rows {
		inst := e.GetOrCreate(row)
		if err := inst.Load(ctx); err != nil {
			e.logger.Error("failed to load instance",
				"instance_id", row.ID, "error", err)
		}
	}
	e.logger.Info("instance cache hydrated", "count", len(rows))
	return nil
}

// StopAll stops every running instance.
func (e *Engine) StopAll(ctx context.Context) {
	for _, inst := range e.All() {
		if err := inst.Stop(ctx); err != nil {
			e.logger.Error("failed to stop instance",
				"instance_id", inst.ID(), "error", err)
		}
	}
}

// Rename changes an instance's id. The catalogue row is renamed first,
// then the in-memory key. For shared-Postgres instances the old schema
// stays under the old name; the rename is catalogue-level only.
func (e *Engine) Rename(ctx context.Context, oldID, newID string) error {
	inst := e.Get(oldID)
	if inst == nil {
		return oops.Code("NOT_FOUND").With("instance_id", oldID).New("instance not found")
	}
	if caseInsensitiveEqual(oldID, newID) {
		inst.mu.Lock()
		inst.row.ID = newID
		row := *inst.row
		inst.mu.Unlock()
		return e.store.PutInstance(ctx, &row)
	}
	if e.Get(newID) != nil {
		return oops.Code("ALREADY_EXISTS").With("instance_id", newID).New("instance id already in use")
	}
	if err := e.store.RenameInstance(ctx, oldID, newID); err != nil {
		return err
	}
	inst.mu.Lock()
	pluginID := ""
	if inst.loader != nil {
		pluginID = inst.loader.Meta().ID
	}
	session := inst.session
	inst.row.ID = newID
	if inst.webURL != "" {
		inst.webURL = e.instanceWebURL(newID)
	}
	inst.mu.Unlock()

	e.mu.Lock()
	delete(e.instances, oldID)
	e.instances[newID] = inst
	e.mu.Unlock()

	if pluginID != "" {
		e.registry.RemoveReference(pluginID, oldID)
		e.registry.AddReference(pluginID, (*registryRef)(inst))
	}
	if session != nil {
		session.RemoveInstance(oldID)
		session.AddInstance((*sessionRef)(inst))
	}
	return nil
}

// Retype points an instance at a different plugin package: stop, swap,
// persist, start.
func (e *Engine) Retype(ctx context.Context, id, newType string) error {
	inst := e.Get(id)
	if inst == nil {
		return oops.Code("NOT_FOUND").With("instance_id", id).New("instance not found")
	}
	newLoader, ok := e.registry.Get(newType)
	if !ok {
		return oops.Code("NOT_FOUND").With("plugin_type", newType).New("plugin package not found")
	}

	wasStarted := inst.Started()
	if wasStarted {
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}
	inst.mu.Lock()
	oldPluginID := ""
	if inst.loader != nil {
		oldPluginID = inst.loader.Meta().ID
	}
	inst.loader = newLoader
	inst.row.Type = newType
	row := *inst.row
	inst.mu.Unlock()
	if oldPluginID != "" {
		e.registry.RemoveReference(oldPluginID, id)
	}
	e.registry.AddReference(newLoader.Meta().ID, (*registryRef)(inst))
	if err := e.store.PutInstance(ctx, &row); err != nil {
		return err
	}
	if wasStarted {
		return inst.Start(ctx)
	}
	return nil
}

// Reparent moves an instance to a different primary user: stop, move the
// reference, persist, start.
func (e *Engine) Reparent(ctx context.Context, id, newUser string) error {
	inst := e.Get(id)
	if inst == nil {
		return oops.Code("NOT_FOUND").With("instance_id", id).New("instance not found")
	}
	newSession := e.clients.Get(newUser)
	if newSession == nil {
		return oops.Code("NOT_FOUND").With("user_id", newUser).New("client not found")
	}

	wasStarted := inst.Started()
	if wasStarted {
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}
	inst.mu.Lock()
	oldSession := inst.session
	inst.session = newSession
	inst.row.PrimaryUser = newUser
	row := *inst.row
	inst.mu.Unlock()
	if oldSession != nil {
		oldSession.RemoveInstance(id)
	}
	newSession.AddInstance((*sessionRef)(inst))
	if err := e.store.PutInstance(ctx, &row); err != nil {
		return err
	}
	if wasStarted {
		return inst.Start(ctx)
	}
	return nil
}

// Delete stops an instance, destroys its isolated database, drops the
// references, and removes the catalogue row.
func (e *Engine) Delete(ctx context.Context, id string) error {
	inst := e.Get(id)
	if inst == nil {
		return oops.Code("NOT_FOUND").With("instance_id", id).New("instance not found")
	}

	inst.mu.Lock()
	db := inst.db
	l := inst.loader
	session := inst.session
	inst.mu.Unlock()

	if inst.Started() {
		if err := inst.Stop(ctx); err != nil {
			return err
		}
	}

	// A never-started instance has no live handle; build one so its data
	// still gets destroyed.
	if db == nil && l != nil && l.Meta().Database {
		var err error
		db, _, err = e.openDatabase(ctx, id, l.Meta().DatabaseTypeString(), inst.Row().DatabaseEngine)
		if err != nil {
			e.logger.Warn("cannot open database for deletion", "instance_id", id, "error", err)
			db = nil
		}
	}
	if db != nil {
		if err := db.Delete(ctx); err != nil {
			e.logger.Error("failed to delete instance database",
				"instance_id", id, "error", err)
		}
	}

	if l != nil {
		e.registry.RemoveReference(l.Meta().ID, id)
	}
	if session != nil {
		session.RemoveInstance(id)
	}
	e.mu.Lock()
	delete(e.instances, id)
	e.mu.Unlock()
	return e.store.DeleteInstance(ctx, id)
}
