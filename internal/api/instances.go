// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"fmt"
	"net/http"
	"slices"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/instance"
	"github.com/mauhost/mauhost/internal/plugindb"
)

type instanceJSON struct {
	ID          string `json:"id"`
	Type        string `json:"type"`
	Enabled     bool   `json:"enabled"`
	Started     bool   `json:"started"`
	PrimaryUser string `json:"primary_user"`
	Config      string `json:"config"`
	BaseConfig  string `json:"base,omitempty"`
	Database    bool   `json:"database"`
	WebURL      string `json:"web_url,omitempty"`
}

func (s *Server) instanceToJSON(inst *instance.Instance, includeBase bool) instanceJSON {
	row := inst.Row()
	out := instanceJSON{
		ID:          row.ID,
		Type:        row.Type,
		Enabled:     row.Enabled,
		Started:     inst.Started(),
		PrimaryUser: row.PrimaryUser,
		Config:      row.Config,
		WebURL:      inst.WebURL(),
	}
	if l, ok := s.registry.Get(row.Type); ok {
		out.Database = l.Meta().Database
		if includeBase && l.Meta().Config {
			if data, err := l.ReadFile("base-config.yaml"); err == nil {
				out.BaseConfig = string(data)
			}
		}
	}
	return out
}

func (s *Server) handleListInstances(c echo.Context) error {
	out := make([]instanceJSON, 0)
	for _, inst := range s.engine.All() {
		out = append(out, s.instanceToJSON(inst, false))
	}
	return c.JSON(http.StatusOK, out)
}

func (s *Server) instanceOr404(c echo.Context) (*instance.Instance, error) {
	inst := s.engine.Get(c.Param("id"))
	if inst == nil {
		return nil, oops.Code("NOT_FOUND").
			With("instance_id", c.Param("id")).
			New("instance not found")
	}
	return inst, nil
}

func (s *Server) handleGetInstance(c echo.Context) error {
	inst, err := s.instanceOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, s.instanceToJSON(inst, true))
}

type instanceUpdate struct {
	ID          *string `json:"id"`
	Type        *string `json:"type"`
	PrimaryUser *string `json:"primary_user"`
	Enabled     *bool   `json:"enabled"`
	Config      *string `json:"config"`
}

// handlePutInstance creates an instance or applies the given changes:
// type swaps, primary-user moves and renames go through the engine so
// the running plugin is restarted around them.
func (s *Server) handlePutInstance(c echo.Context) error {
	var req instanceUpdate
	if err := c.Bind(&req); err != nil {
		return respondError(c, oops.Code("BAD_REQUEST_BODY").Wrap(err))
	}
	ctx := c.Request().Context()
	id := c.Param("id")

	inst := s.engine.Get(id)
	if inst == nil {
		if req.Type == nil || req.PrimaryUser == nil {
			return respondError(c, oops.Code("BAD_REQUEST").
				New("creating an instance requires type and primary_user"))
		}
		if _, ok := s.registry.Get(*req.Type); !ok {
			return respondError(c, oops.Code("NOT_FOUND").
				With("plugin_type", *req.Type).
				New("plugin package not found"))
		}
		if s.clients.Get(*req.PrimaryUser) == nil {
			return respondError(c, oops.Code("NOT_FOUND").
				With("user_id", *req.PrimaryUser).
				New("primary user not found"))
		}
		row := &catalog.Instance{
			ID:          id,
			Type:        *req.Type,
			PrimaryUser: *req.PrimaryUser,
			Enabled:     true,
		}
		if req.Enabled != nil {
			row.Enabled = *req.Enabled
		}
		if req.Config != nil {
			row.Config = *req.Config
		}
		created, err := s.engine.Create(ctx, row)
		if err != nil {
			return respondError(c, err)
		}
		if err := created.Load(ctx); err != nil {
			return respondError(c, err)
		}
		if err := created.Start(ctx); err != nil {
			return respondError(c, err)
		}
		return c.JSON(http.StatusCreated, s.instanceToJSON(created, true))
	}

	if req.Type != nil && *req.Type != inst.Row().Type {
		if err := s.engine.Retype(ctx, id, *req.Type); err != nil {
			return respondError(c, err)
		}
	}
	if req.PrimaryUser != nil && *req.PrimaryUser != inst.Row().PrimaryUser {
		if err := s.engine.Reparent(ctx, id, *req.PrimaryUser); err != nil {
			return respondError(c, err)
		}
	}
	if req.Config != nil && *req.Config != inst.Row().Config {
		if err := inst.UpdateConfig(ctx, *req.Config); err != nil {
			return respondError(c, err)
		}
	}
	if req.Enabled != nil {
		if err := inst.SetEnabled(ctx, *req.Enabled); err != nil {
			return respondError(c, err)
		}
		switch {
		case *req.Enabled && !inst.Started():
			if err := inst.Start(ctx); err != nil {
				return respondError(c, err)
			}
		case !*req.Enabled && inst.Started():
			if err := inst.Stop(ctx); err != nil {
				return respondError(c, err)
			}
		}
	}
	if req.ID != nil && *req.ID != id {
		if err := s.engine.Rename(ctx, id, *req.ID); err != nil {
			return respondError(c, err)
		}
	}
	return c.JSON(http.StatusOK, s.instanceToJSON(inst, true))
}

func (s *Server) handleDeleteInstance(c echo.Context) error {
	if s.engine.Get(c.Param("id")) == nil {
		return respondError(c, oops.Code("NOT_FOUND").
			With("instance_id", c.Param("id")).
			New("instance not found"))
	}
	if err := s.engine.Delete(c.Request().Context(), c.Param("id")); err != nil {
		return respondError(c, err)
	}
	return c.NoContent(http.StatusNoContent)
}

type tableJSON struct {
	Name    string            `json:"name"`
	Columns []plugindb.Column `json:"columns"`
}

func (s *Server) handleInstanceTables(c echo.Context) error {
	inst, err := s.instanceOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	ctx := c.Request().Context()
	tables := make([]tableJSON, 0)
	err = inst.WithDatabase(ctx, func(db plugindb.Database) error {
		names, listErr := db.ListTables(ctx)
		if listErr != nil {
			return listErr
		}
		for _, name := range names {
			cols, descErr := db.Describe(ctx, name)
			if descErr != nil {
				return descErr
			}
			tables = append(tables, tableJSON{Name: name, Columns: cols})
		}
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, map[string]any{"tables": tables})
}

type queryRequest struct {
	Query string `json:"query"`
	Table string `json:"table"`
}

// handleInstanceQuery runs one statement against the instance's isolated
// database. A table name instead of a query selects that table's rows.
func (s *Server) handleInstanceQuery(c echo.Context) error {
	inst, err := s.instanceOr404(c)
	if err != nil {
		return respondError(c, err)
	}
	var req queryRequest
	if err := c.Bind(&req); err != nil {
		return respondError(c, oops.Code("BAD_REQUEST_BODY").Wrap(err))
	}
	if req.Query == "" && req.Table == "" {
		return respondError(c, oops.Code("BAD_REQUEST").
			New("either query or table is required"))
	}

	ctx := c.Request().Context()
	var result map[string]any
	err = inst.WithDatabase(ctx, func(db plugindb.Database) error {
		query := req.Query
		if query == "" {
			tables, listErr := db.ListTables(ctx)
			if listErr != nil {
				return listErr
			}
			if !slices.Contains(tables, req.Table) {
				return oops.Code("TABLE_NOT_FOUND").
					With("table", req.Table).
					New("table not found in instance database")
			}
			query = fmt.Sprintf("SELECT * FROM %q LIMIT 100", req.Table)
		}

		if strings.HasPrefix(strings.ToUpper(strings.TrimSpace(query)), "SELECT") {
			rows, fetchErr := db.Fetch(ctx, query)
			if fetchErr != nil {
				return fetchErr
			}
			if rows == nil {
				rows = []plugindb.Row{}
			}
			result = map[string]any{"rows": rows}
			return nil
		}
		affected, execErr := db.Execute(ctx, query)
		if execErr != nil {
			return execErr
		}
		result = map[string]any{"rows_affected": affected}
		return nil
	})
	if err != nil {
		return respondError(c, err)
	}
	return c.JSON(http.StatusOK, result)
}
