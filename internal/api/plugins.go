// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/version"
)

type pluginJSON struct {
	ID        string   `json:"id"`
	Version   string   `json:"version"`
	Instances []string `json:"instances"`
}

func (s *Server) pluginToJSON(l *loader.ZipLoader) pluginJSON {
	meta := l.Meta()
	instances := s.registry.ReferencedBy(meta.ID)
	if instances == nil {
		instances = []string{}
	}
	return pluginJSON{
		ID:        meta.ID,
		Version:   meta.Version,
		Instances: instances,
	}
}

func (s *Server) handleListPlugins(c echo.Context) error {
	out := make([]pluginJSON, 0)
	for _, l := range s.registry.All() {
		out = append(out, s.pluginToJSON(l))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) loaderOr404(c echo.Context) (*loader.ZipLoader, error) {
	l, ok := s.registry.Get(c.Param("id"))
	if !ok {
		return nil, oops.Code("NOT_FOUND").
			With("plugin_id", c.Param("id")).
			New("plugin not found")
	}
	return l, nil
}

func (s *Server) handleGetPlugin(c echo.Context) error {
	l, err := s.loaderOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.pluginToJSON(l))
}

// handleDeletePlugin unregisters a plugin and trashes its archive. A
// plugin with live instances refuses deletion.
func (s *Server) handleDeletePlugin(c echo.Context) error {
	l, err := s.loaderOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	id := l.Meta().ID
	if refs := s.registry.ReferencedBy(id); len(refs) > 0 {
		return respondError(c, oops.Code("IN_USE").
			With("plugin_id", id).
			With("instances", refs).
			New("plugin is referenced by instances"))
	}
	s.registry.Remove(id)
	if err := loader.Trash(l.Path(), s.trashDir(), "delete"); err != nil {
		s.logger.Error("failed to trash plugin archive",
			"plugin_id", id, "path", l.Path(), "error", err)
	}
	return c.NoContent(http.StatusNoContent)
}

// handleReloadPlugin recompiles a plugin from its current archive and
// restarts its instances.
func (s *Server) handleReloadPlugin(c echo.Context) error {
	l, err := s.loaderOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.Request().Context()
	id := l.Meta().ID

	s.registry.StopInstances(ctx, id)
	reloadErr := l.Reload("")
	s.registry.StartInstances(ctx, id)
	if reloadErr != nil {
		return respondError(c, reloadErr)
	}
	return c.JSON(http.StatusOK, s.pluginToJSON(l))
}

func (s *Server) trashDir() string {
	if !s.cfg.PluginDirectories.TrashEnabled() {
		return ""
	}
	return s.cfg.PluginDirectories.Trash
}

func (s *Server) readArchiveBody(c echo.Context) ([]byte, *loader.Meta, error) {
	content, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return nil, nil, oops.Code("BAD_REQUEST_BODY").Wrap(err)
	}
	meta, err := loader.VerifyMeta(content)
	if err != nil {
		return nil, nil, err
	}
	if err := loader.CheckHostVersion(meta, version.Version); err != nil {
		return nil, nil, err
	}
	return content, meta, nil
}

// handleUploadPlugin registers a brand new plugin from an uploaded
// archive. Uploading an id that is already loaded is a conflict; use PUT
// on the plugin to replace it.
func (s *Server) handleUploadPlugin(c echo.Context) error {
	content, meta, err := s.readArchiveBody(c)
	if err != nil {
		return respondError(c, err)
	}
	return s.uploadNew(c, content, meta)
}

func (s *Server) uploadNew(c echo.Context, content []byte, meta *loader.Meta) error {
	if _, ok := s.registry.Get(meta.ID); ok {
		return respondError(c, oops.Code("ALREADY_EXISTS").
			With("plugin_id", meta.ID).
			New("plugin already loaded, use PUT to replace it"))
	}

	path := filepath.Join(s.cfg.PluginDirectories.Upload,
		meta.ID+"-v"+meta.Version+loader.Extension)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return respondError(c, oops.Code("UPLOAD_WRITE_FAILED").
			With("path", path).
			Wrap(err))
	}
	l, err := s.registry.Open(path)
	if err != nil {
		if trashErr := loader.Trash(path, s.trashDir(), "failed_upload"); trashErr != nil {
			s.logger.Error("failed to trash broken upload", "path", path, "error", trashErr)
		}
		return respondError(c, err)
	}
	return c.JSON(http.StatusCreated, s.pluginToJSON(l))
}

// handleReplacePlugin uploads a new version of an existing plugin:
// write the new archive next to the old one, stop every instance, swap
// the loader over, restart, and trash the losing file. A failed swap
// rolls back to the old archive so instances never stay half-started.
func (s *Server) handleReplacePlugin(c echo.Context) error {
	content, meta, err := s.readArchiveBody(c)
	if err != nil {
		return respondError(c, err)
	}
	if meta.ID != c.Param("id") {
		return respondError(c, oops.Code("ID_CHANGED").
			With("expected", c.Param("id")).
			With("got", meta.ID).
			New("uploaded archive carries a different plugin id"))
	}

	l, ok := s.registry.Get(meta.ID)
	if !ok {
		// First upload of this id; same as POST.
		return s.uploadNew(c, content, meta)
	}

	oldPath := l.Path()
	oldVersion := l.Meta().Version
	newPath := loader.ReplacementPath(oldPath, oldVersion, meta.Version)
	if err := os.WriteFile(newPath, content, 0o644); err != nil {
		return respondError(c, oops.Code("UPLOAD_WRITE_FAILED").
			With("path", newPath).
			Wrap(err))
	}

	ctx := c.Request().Context()
	s.registry.StopInstances(ctx, meta.ID)
	if err := l.Reload(newPath); err != nil {
		// Roll back: recompile the old archive and restart on it.
		if rollbackErr := l.Reload(""); rollbackErr != nil {
			s.logger.Error("rollback reload failed",
				"plugin_id", meta.ID, "path", oldPath, "error", rollbackErr)
		}
		s.registry.StartInstances(ctx, meta.ID)
		if trashErr := loader.Trash(newPath, s.trashDir(), "failed_update"); trashErr != nil {
			s.logger.Error("failed to trash broken update", "path", newPath, "error", trashErr)
		}
		return respondErrorCode(c, http.StatusBadRequest,
			"plugin_reload_fail", err.Error())
	}

	s.registry.Rename(oldPath, l)
	s.registry.StartInstances(ctx, meta.ID)
	if err := loader.Trash(oldPath, s.trashDir(), "update"); err != nil {
		s.logger.Error("failed to trash replaced archive",
			"path", oldPath, "error", err)
	}
	s.logger.Info("plugin replaced",
		"plugin_id", meta.ID, "old_version", oldVersion, "new_version", meta.Version)
	return c.JSON(http.StatusOK, s.pluginToJSON(l))
}
