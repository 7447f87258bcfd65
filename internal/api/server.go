// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package api serves the management HTTP surface: authentication,
// client/instance/plugin CRUD, plugin upload and replacement, instance
// database introspection, the log-stream websocket and the per-instance
// plugin webapp mounts.
package api

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/samber/oops"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/config"
	"github.com/mauhost/mauhost/internal/instance"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/logging"
	"github.com/mauhost/mauhost/internal/runtime"
	"github.com/mauhost/mauhost/internal/version"
)

// shutdownTimeout bounds the graceful drain on shutdown.
const shutdownTimeout = 5 * time.Second

// Server wraps the Echo instance and the engines it fronts.
type Server struct {
	echo     *echo.Echo
	cfg      *config.Config
	store    *catalog.Store
	registry *loader.Registry
	clients  *client.Manager
	engine   *instance.Engine
	stream   *logging.Stream
	logger   *slog.Logger
	metrics  *Metrics
}

// Options carries the optional server dependencies.
type Options struct {
	Logger *slog.Logger
	// Stream feeds the log websocket. nil disables the log feature even
	// when the config enables it.
	Stream *logging.Stream
}

// New builds a configured server with all enabled routes registered.
func New(cfg *config.Config, store *catalog.Store, registry *loader.Registry, clients *client.Manager, engine *instance.Engine, opts Options) *Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.Use(middleware.Recover())

	s := &Server{
		echo:     e,
		cfg:      cfg,
		store:    store,
		registry: registry,
		clients:  clients,
		engine:   engine,
		stream:   opts.Stream,
		logger:   logger,
		metrics:  NewMetrics(clients, engine),
	}
	e.Use(s.metrics.middleware)
	s.registerRoutes()
	return s
}

func (s *Server) registerRoutes() {
	base := "/" + strings.Trim(s.cfg.Server.BasePath, "/")
	api := s.echo.Group(base)
	features := s.cfg.APIFeatures

	api.GET("/version", s.handleVersion)
	api.GET("/features", s.handleFeatures)
	if features.Login {
		api.POST("/auth/login", s.handleLogin)
	}

	authed := api.Group("", s.requireAuth)
	if features.Client {
		authed.GET("/clients", s.handleListClients)
		authed.GET("/client/:id", s.handleGetClient)
		authed.PUT("/client/:id", s.handlePutClient)
		authed.DELETE("/client/:id", s.handleDeleteClient)
		authed.POST("/client/:id/clearcache", s.handleClearCache)
		authed.GET("/client/:id/invites", s.handleListInvites)
		authed.POST("/client/:id/invite/:room/join", s.handleJoinInvite)
		authed.DELETE("/client/:id/invite/:room", s.handleRejectInvite)
	}
	if features.ClientAuth {
		authed.GET("/client/auth/servers", s.handleAuthServers)
	}
	if features.Instance {
		authed.GET("/instances", s.handleListInstances)
		authed.GET("/instance/:id", s.handleGetInstance)
		authed.PUT("/instance/:id", s.handlePutInstance)
		authed.DELETE("/instance/:id", s.handleDeleteInstance)
	}
	if features.InstanceDatabase {
		authed.GET("/instance/:id/database", s.handleInstanceTables)
		authed.POST("/instance/:id/database/query", s.handleInstanceQuery)
	}
	if features.Plugin {
		authed.GET("/plugins", s.handleListPlugins)
		authed.GET("/plugin/:id", s.handleGetPlugin)
		authed.DELETE("/plugin/:id", s.handleDeletePlugin)
		authed.POST("/plugin/:id/reload", s.handleReloadPlugin)
	}
	if features.PluginUpload {
		authed.POST("/plugins/upload", s.handleUploadPlugin)
		authed.PUT("/plugin/:id", s.handleReplacePlugin)
	}
	if features.Log && s.stream != nil {
		// The websocket does its own token handshake.
		api.GET("/logs", s.handleLogs)
	}

	s.echo.GET("/metrics", s.metrics.handler())

	pluginBase := "/" + strings.Trim(s.cfg.Server.PluginBasePath, "/")
	s.echo.Any(pluginBase+"/:instance/*", s.handleWebapp)
	s.echo.Any(pluginBase+"/:instance", s.handleWebapp)
}

func (s *Server) handleVersion(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"version": version.Version})
}

func (s *Server) handleFeatures(c echo.Context) error {
	f := s.cfg.APIFeatures
	return c.JSON(http.StatusOK, map[string]bool{
		"login":             f.Login,
		"plugin":            f.Plugin,
		"plugin_upload":     f.PluginUpload,
		"instance":          f.Instance,
		"instance_database": f.InstanceDatabase,
		"client":            f.Client,
		"client_auth":       f.ClientAuth,
		"log":               f.Log,
	})
}

// handleAuthServers lists the homeservers configured for client
// registration, without their shared secrets.
func (s *Server) handleAuthServers(c echo.Context) error {
	out := make(map[string]string, len(s.cfg.Homeservers))
	for name, hs := range s.cfg.Homeservers {
		out[name] = hs.URL
	}
	return c.JSON(http.StatusOK, out)
}

// handleWebapp forwards a request under the plugin base path to the
// owning instance's web handlers. These routes are public; plugins do
// their own auth.
func (s *Server) handleWebapp(c echo.Context) error {
	inst := s.engine.Get(c.Param("instance"))
	if inst == nil || inst.WebURL() == "" {
		return respondErrorCode(c, http.StatusNotFound,
			"not_found", "instance not found or has no webapp")
	}

	body, err := io.ReadAll(c.Request().Body)
	if err != nil {
		return respondError(c, oops.Code("BAD_REQUEST_BODY").Wrap(err))
	}
	req := runtime.WebRequest{
		Method:  c.Request().Method,
		Path:    "/" + c.Param("*"),
		Query:   map[string]string{},
		Headers: map[string]string{},
		Body:    string(body),
	}
	for key, vals := range c.QueryParams() {
		if len(vals) > 0 {
			req.Query[key] = vals[0]
		}
	}
	for key, vals := range c.Request().Header {
		if len(vals) > 0 {
			req.Headers[key] = vals[0]
		}
	}

	resp, err := inst.HandleWeb(c.Request().Context(), req)
	if err != nil {
		return respondError(c, err)
	}
	if resp == nil {
		return respondErrorCode(c, http.StatusNotFound,
			"not_found", "no matching plugin route")
	}
	return c.Blob(resp.Status, resp.ContentType, []byte(resp.Body))
}

// Addr returns the configured listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.cfg.Server.Hostname, s.cfg.Server.Port)
}

// Handler exposes the underlying HTTP handler, mainly for tests.
func (s *Server) Handler() http.Handler { return s.echo }

// Start listens until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("management server listening", "addr", s.Addr())
		if err := s.echo.Start(s.Addr()); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return oops.Code("SERVER_FAILED").Wrap(err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return s.echo.Shutdown(shutdownCtx)
	}
}
