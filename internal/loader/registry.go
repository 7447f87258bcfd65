// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package loader

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/samber/oops"
)

// InstanceRef is the slice of a plugin instance the registry needs to
// restart instances around reloads. The instance engine registers its
// instances here.
type InstanceRef interface {
	ID() string
	StartPlugin(ctx context.Context) error
	StopPlugin(ctx context.Context) error
}

// Registry tracks every loaded plugin by ID and by archive path, and the
// instances referencing each plugin.
type Registry struct {
	logger *slog.Logger

	mu        sync.RWMutex
	byID      map[string]*ZipLoader
	byPath    map[string]*ZipLoader
	instances map[string]map[string]InstanceRef
}

// NewRegistry creates an empty Registry.
func NewRegistry(logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		logger:    logger,
		byID:      make(map[string]*ZipLoader),
		byPath:    make(map[string]*ZipLoader),
		instances: make(map[string]map[string]InstanceRef),
	}
}

// Open loads the archive at path and registers it. An already registered
// path returns the existing loader; a new path carrying an already
// registered plugin ID is a conflict.
func (r *Registry) Open(path string) (*ZipLoader, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.byPath[path]; ok {
		return existing, nil
	}
	l, err := OpenZip(path, r.logger)
	if err != nil {
		return nil, err
	}
	id := l.Meta().ID
	if existing, ok := r.byID[id]; ok {
		return nil, oops.Code("ID_CONFLICT").
			With("plugin_id", id).
			With("existing_path", existing.Path()).
			With("path", path).
			New("plugin ID already loaded from another archive")
	}
	r.byID[id] = l
	r.byPath[path] = l
	return l, nil
}

// Get returns the loader for a plugin ID.
func (r *Registry) Get(id string) (*ZipLoader, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	l, ok := r.byID[id]
	return l, ok
}

// All returns every registered loader sorted by plugin ID.
func (r *Registry) All() []*ZipLoader {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ZipLoader, 0, len(r.byID))
	for _, l := range r.byID {
		out = append(out, l)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].Meta().ID < out[j].Meta().ID
	})
	return out
}

// Remove unregisters a plugin. The caller is responsible for stopping its
// instances first.
func (r *Registry) Remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.byID[id]; ok {
		delete(r.byPath, l.Path())
		delete(r.byID, id)
	}
}

// Rename updates the path index after a replacement moved the archive.
func (r *Registry) Rename(oldPath string, l *ZipLoader) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.byPath, oldPath)
	r.byPath[l.Path()] = l
}

// AddReference records that an instance uses a plugin.
func (r *Registry) AddReference(pluginID string, ref InstanceRef) {
	r.mu.Lock()
	defer r.mu.Unlock()
	refs, ok := r.instances[pluginID]
	if !ok {
		refs = make(map[string]InstanceRef)
		r.instances[pluginID] = refs
	}
	refs[ref.ID()] = ref
}

// RemoveReference drops an instance's reference to a plugin.
func (r *Registry) RemoveReference(pluginID, instanceID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.instances[pluginID], instanceID)
}

// ReferencedBy returns the ids of the instances using a plugin, sorted.
func (r *Registry) ReferencedBy(pluginID string) []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.instances[pluginID]))
	for id := range r.instances[pluginID] {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) references(pluginID string) []InstanceRef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]InstanceRef, 0, len(r.instances[pluginID]))
	for _, ref := range r.instances[pluginID] {
		out = append(out, ref)
	}
	return out
}

// StopInstances stops every instance referencing a plugin. Used around
// reloads and replacements. Stop errors are logged, not returned, so one
// broken instance cannot wedge a plugin update.
func (r *Registry) StopInstances(ctx context.Context, pluginID string) {
	for _, ref := range r.references(pluginID) {
		if err := ref.StopPlugin(ctx); err != nil {
			r.logger.Error("failed to stop plugin instance",
				"plugin_id", pluginID, "instance_id", ref.ID(), "error", err)
		}
	}
}

// StartInstances restarts every instance referencing a plugin.
func (r *Registry) StartInstances(ctx context.Context, pluginID string) {
	for _, ref := range r.references(pluginID) {
		if err := ref.StartPlugin(ctx); err != nil {
			r.logger.Error("failed to start plugin instance",
				"plugin_id", pluginID, "instance_id", ref.ID(), "error", err)
		}
	}
}

// LoadAll scans the given directories for plugin archives and registers
// each one. Broken archives and ID conflicts are logged and skipped so a
// single bad file never blocks startup.
func (r *Registry) LoadAll(dirs ...string) {
	for _, dir := range dirs {
		entries, err := os.ReadDir(dir)
		if err != nil {
			r.logger.Warn("failed to read plugin directory", "dir", dir, "error", err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || !strings.HasSuffix(entry.Name(), Extension) {
				continue
			}
			path := filepath.Join(dir, entry.Name())
			if _, err := r.Open(path); err != nil {
				r.logger.Error("failed to load plugin", "path", path, "error", err)
			}
		}
	}
}
