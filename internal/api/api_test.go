// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package api

import (
	"archive/zip"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/mauhost/mauhost/internal/catalog"
	"github.com/mauhost/mauhost/internal/client"
	"github.com/mauhost/mauhost/internal/config"
	"github.com/mauhost/mauhost/internal/instance"
	"github.com/mauhost/mauhost/internal/loader"
	"github.com/mauhost/mauhost/internal/logging"
)

const (
	testUserID   = "@bot:example.com"
	testPassword = "correct horse"
)

const echoMeta = `id: com.example.echo
version: 1.0.0
modules:
- echo
main_class: EchoBot
config: true
webapp: true
`

const echoModule = `EchoBot = maubot.plugin {
	handlers = {
		maubot.command {
			name = "echo",
			require_subcommand = false,
			must_consume_args = false,
			arguments = {
				maubot.argument { name = "text", pass_raw = true, required = true },
			},
			handler = function(self, evt, args)
				evt.reply(args.text)
			end,
		},
		maubot.web {
			method = "GET",
			path = "/ping",
			handler = function(self, req)
				return "pong"
			end,
		},
	},
}
`

const noteMeta = `id: com.example.notes
version: 2.0.0
modules:
- notes
main_class: NoteBot
database: true
`

const noteModule = `NoteBot = maubot.plugin {
	database_upgrades = {
		{ description = "notes", sql = "CREATE TABLE note (id INTEGER PRIMARY KEY, text TEXT)" },
	},
	handlers = {},
}
`

func buildArchive(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for name, content := range files {
		f, err := w.Create(name)
		require.NoError(t, err)
		_, err = f.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
	return buf.Bytes()
}

type fixture struct {
	cfg      *config.Config
	store    *catalog.Store
	registry *loader.Registry
	clients  *client.Manager
	engine   *instance.Engine
	server   *Server
	ts       *httptest.Server
	token    string
}

func newFixture(t *testing.T, stream *logging.Stream) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := slog.New(slog.DiscardHandler)

	uri := "sqlite:" + filepath.Join(t.TempDir(), "mauhost.db")
	migrator, err := catalog.NewMigrator(uri)
	require.NoError(t, err)
	require.NoError(t, migrator.Up())
	require.NoError(t, migrator.Close())
	store, err := catalog.Connect(ctx, uri, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	hash, err := bcrypt.GenerateFromPassword([]byte(testPassword), bcrypt.MinCost)
	require.NoError(t, err)
	cfg := config.Defaults()
	cfg.Admins = map[string]string{"admin": string(hash)}
	cfg.Server.UnsharedSecret = "test-secret"
	cfg.PluginDirectories.Upload = t.TempDir()
	cfg.PluginDirectories.Trash = t.TempDir()

	pluginDir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "echo.mbp"),
		buildArchive(t, map[string]string{
			"maubot.yaml":      echoMeta,
			"echo.lua":         echoModule,
			"base-config.yaml": "greeting: hi\n",
		}), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(pluginDir, "notes.mbp"),
		buildArchive(t, map[string]string{
			"maubot.yaml": noteMeta,
			"notes.lua":   noteModule,
		}), 0o644))
	registry := loader.NewRegistry(logger)
	registry.LoadAll(pluginDir)
	require.Len(t, registry.All(), 2)

	clientRow := &catalog.Client{
		UserID:      testUserID,
		Homeserver:  "http://homeserver.invalid",
		AccessToken: "syt_token",
		Enabled:     true,
	}
	require.NoError(t, store.PutClient(ctx, clientRow))
	clients := client.NewManager(store, client.ManagerOptions{Logger: logger})
	_, err = clients.GetOrCreate(clientRow)
	require.NoError(t, err)

	engine := instance.NewEngine(store, registry, clients, instance.EngineOptions{
		Logger:         logger,
		SQLiteDir:      t.TempDir(),
		PublicURL:      cfg.Server.PublicURL,
		PluginBasePath: cfg.Server.PluginBasePath,
	})

	server := New(&cfg, store, registry, clients, engine, Options{
		Logger: logger,
		Stream: stream,
	})
	ts := httptest.NewServer(server.Handler())
	t.Cleanup(ts.Close)

	token, err := server.signToken("admin")
	require.NoError(t, err)

	return &fixture{
		cfg:      &cfg,
		store:    store,
		registry: registry,
		clients:  clients,
		engine:   engine,
		server:   server,
		ts:       ts,
		token:    token,
	}
}

func (f *fixture) base() string {
	return f.ts.URL + f.cfg.Server.BasePath
}

// request performs an authenticated JSON request and decodes the body.
func (f *fixture) request(t *testing.T, method, path string, body any) (int, any) {
	t.Helper()
	var reqBody io.Reader
	switch b := body.(type) {
	case nil:
	case []byte:
		reqBody = bytes.NewReader(b)
	default:
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reqBody = bytes.NewReader(data)
	}
	req, err := http.NewRequest(method, f.base()+path, reqBody)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+f.token)
	if reqBody != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	var decoded any
	if len(data) > 0 {
		require.NoError(t, json.Unmarshal(data, &decoded))
	}
	return resp.StatusCode, decoded
}

func (f *fixture) createInstance(t *testing.T, id, pluginType string) {
	t.Helper()
	status, _ := f.request(t, http.MethodPut, "/instance/"+id, map[string]any{
		"type":         pluginType,
		"primary_user": testUserID,
	})
	require.Equal(t, http.StatusCreated, status)
}

func asMap(t *testing.T, v any) map[string]any {
	t.Helper()
	m, ok := v.(map[string]any)
	require.True(t, ok, "expected a JSON object, got %T", v)
	return m
}

func TestVersionIsPublic(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.base() + "/version")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAuthRequired(t *testing.T) {
	f := newFixture(t, nil)

	resp, err := http.Get(f.base() + "/clients")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	// Garbage token.
	req, _ := http.NewRequest(http.MethodGet, f.base()+"/clients", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	resp2, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp2.StatusCode)

	// Valid signature but not an admin.
	outsider, err := f.server.signToken("@stranger:example.com")
	require.NoError(t, err)
	req3, _ := http.NewRequest(http.MethodGet, f.base()+"/clients", nil)
	req3.Header.Set("Authorization", "Bearer "+outsider)
	resp3, err := http.DefaultClient.Do(req3)
	require.NoError(t, err)
	defer resp3.Body.Close()
	assert.Equal(t, http.StatusUnauthorized, resp3.StatusCode)
}

func TestTokenInQueryParam(t *testing.T) {
	f := newFixture(t, nil)
	resp, err := http.Get(f.base() + "/clients?access_token=" + f.token)
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestLogin(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.request(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "admin", "password": "wrong",
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", asMap(t, body)["errcode"])

	status, body = f.request(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "admin", "password": testPassword,
	})
	require.Equal(t, http.StatusOK, status)
	token, _ := asMap(t, body)["token"].(string)
	require.NotEmpty(t, token)

	user, err := f.server.verifyToken(token)
	require.NoError(t, err)
	assert.Equal(t, "admin", user)
}

func TestRootPasswordLoginRejected(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.request(t, http.MethodPost, "/auth/login", map[string]string{
		"username": "root", "password": testPassword,
	})
	assert.Equal(t, http.StatusUnauthorized, status)
	assert.Equal(t, "invalid_credentials", asMap(t, body)["errcode"])
}

func TestClientLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.request(t, http.MethodPut, "/client/@new:example.com", map[string]any{
		"homeserver":   "http://homeserver.invalid",
		"access_token": "syt_new",
		"enabled":      false,
	})
	require.Equal(t, http.StatusCreated, status)
	created := asMap(t, body)
	assert.Equal(t, "@new:example.com", created["id"])
	assert.Equal(t, false, created["enabled"])

	status, body = f.request(t, http.MethodGet, "/client/@new:example.com", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "syt_new", asMap(t, body)["access_token"])

	status, body = f.request(t, http.MethodGet, "/clients", nil)
	require.Equal(t, http.StatusOK, status)
	list, ok := body.([]any)
	require.True(t, ok)
	assert.Len(t, list, 2)

	status, body = f.request(t, http.MethodPut, "/client/@new:example.com", map[string]any{
		"displayname": "Shiny Bot",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "Shiny Bot", asMap(t, body)["displayname"])

	status, _ = f.request(t, http.MethodDelete, "/client/@new:example.com", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, body = f.request(t, http.MethodGet, "/client/@new:example.com", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", asMap(t, body)["errcode"])
}

func TestClientCreateRequiresAccessDetails(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.request(t, http.MethodPut, "/client/@half:example.com", map[string]any{
		"homeserver": "http://homeserver.invalid",
	})
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "bad_request", asMap(t, body)["errcode"])
}

func TestDeleteClientWithInstancesRefused(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	status, body := f.request(t, http.MethodDelete, "/client/"+testUserID, nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "in_use", asMap(t, body)["errcode"])
}

func TestInstanceLifecycle(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.request(t, http.MethodPut, "/instance/echo-1", map[string]any{
		"type":         "com.example.echo",
		"primary_user": testUserID,
	})
	require.Equal(t, http.StatusCreated, status)
	created := asMap(t, body)
	assert.Equal(t, true, created["started"])
	assert.Contains(t, created["web_url"], "/echo-1")

	status, body = f.request(t, http.MethodGet, "/instance/echo-1", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "greeting: hi\n", asMap(t, body)["base"])

	status, body = f.request(t, http.MethodPut, "/instance/echo-1", map[string]any{
		"config": "greeting: hello\n",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "greeting: hello\n", asMap(t, body)["config"])

	status, body = f.request(t, http.MethodPut, "/instance/echo-1", map[string]any{
		"enabled": false,
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, false, asMap(t, body)["started"])

	status, _ = f.request(t, http.MethodDelete, "/instance/echo-1", nil)
	require.Equal(t, http.StatusNoContent, status)
	assert.Nil(t, f.engine.Get("echo-1"))
}

func TestInstanceCreateUnknownPluginFails(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.request(t, http.MethodPut, "/instance/ghost-1", map[string]any{
		"type":         "com.example.missing",
		"primary_user": testUserID,
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "not_found", asMap(t, body)["errcode"])
}

func TestInstanceDatabaseEndpoints(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "notes-1", "com.example.notes")

	status, body := f.request(t, http.MethodGet, "/instance/notes-1/database", nil)
	require.Equal(t, http.StatusOK, status)
	tables, _ := asMap(t, body)["tables"].([]any)
	var noteColumns []any
	for _, tbl := range tables {
		if asMap(t, tbl)["name"] == "note" {
			noteColumns, _ = asMap(t, tbl)["columns"].([]any)
		}
	}
	require.NotEmpty(t, noteColumns, "note table must be listed with its columns")
	byName := map[string]map[string]any{}
	for _, col := range noteColumns {
		m := asMap(t, col)
		byName[m["name"].(string)] = m
	}
	require.Contains(t, byName, "id")
	require.Contains(t, byName, "text")
	assert.Equal(t, true, byName["id"]["primary_key"])
	assert.Equal(t, true, byName["text"]["nullable"])

	status, body = f.request(t, http.MethodPost, "/instance/notes-1/database/query", map[string]any{
		"query": "INSERT INTO note (text) VALUES ('remember')",
	})
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, float64(1), asMap(t, body)["rows_affected"])

	status, body = f.request(t, http.MethodPost, "/instance/notes-1/database/query", map[string]any{
		"table": "note",
	})
	require.Equal(t, http.StatusOK, status)
	rows, _ := asMap(t, body)["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "remember", asMap(t, rows[0])["text"])

	status, body = f.request(t, http.MethodPost, "/instance/notes-1/database/query", map[string]any{
		"table": "no_such_table",
	})
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "table_not_found", asMap(t, body)["errcode"])
}

func TestDatabaseEndpointsWithoutDatabase(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	status, body := f.request(t, http.MethodGet, "/instance/echo-1/database", nil)
	assert.Equal(t, http.StatusNotFound, status)
	assert.Equal(t, "plugin_has_no_database", asMap(t, body)["errcode"])
}

func TestPluginListAndGet(t *testing.T) {
	f := newFixture(t, nil)

	status, body := f.request(t, http.MethodGet, "/plugins", nil)
	require.Equal(t, http.StatusOK, status)
	list, _ := body.([]any)
	require.Len(t, list, 2)

	status, body = f.request(t, http.MethodGet, "/plugin/com.example.echo", nil)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.0.0", asMap(t, body)["version"])
}

func TestPluginDeleteRefusedWhileReferenced(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	status, body := f.request(t, http.MethodDelete, "/plugin/com.example.echo", nil)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "in_use", asMap(t, body)["errcode"])

	status, _ = f.request(t, http.MethodDelete, "/instance/echo-1", nil)
	require.Equal(t, http.StatusNoContent, status)

	status, _ = f.request(t, http.MethodDelete, "/plugin/com.example.echo", nil)
	require.Equal(t, http.StatusNoContent, status)
	_, ok := f.registry.Get("com.example.echo")
	assert.False(t, ok)
}

func TestPluginReload(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	status, _ := f.request(t, http.MethodPost, "/plugin/com.example.echo/reload", nil)
	require.Equal(t, http.StatusOK, status)
	assert.True(t, f.engine.Get("echo-1").Started(), "reload restarts instances")
}

func TestPluginUpload(t *testing.T) {
	f := newFixture(t, nil)

	archive := buildArchive(t, map[string]string{
		"maubot.yaml": "id: com.example.hello\nversion: 0.1.0\nmodules: [bot]\nmain_class: HelloBot\n",
		"bot.lua":     "HelloBot = maubot.plugin { handlers = {} }\n",
	})
	status, body := f.request(t, http.MethodPost, "/plugins/upload", archive)
	require.Equal(t, http.StatusCreated, status)
	assert.Equal(t, "com.example.hello", asMap(t, body)["id"])

	// Same id again conflicts.
	status, body = f.request(t, http.MethodPost, "/plugins/upload", archive)
	assert.Equal(t, http.StatusConflict, status)
	assert.Equal(t, "already_exists", asMap(t, body)["errcode"])
}

func TestPluginUploadRejectsGarbage(t *testing.T) {
	f := newFixture(t, nil)
	status, _ := f.request(t, http.MethodPost, "/plugins/upload", []byte("not a zip"))
	assert.Equal(t, http.StatusBadRequest, status)
}

func trashedFiles(t *testing.T, dir, reason string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	var out []string
	for _, e := range entries {
		if strings.Contains(e.Name(), "-"+reason+"-") {
			out = append(out, e.Name())
		}
	}
	return out
}

func TestPluginReplaceRollsBackOnBrokenUpdate(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	broken := buildArchive(t, map[string]string{
		"maubot.yaml": "id: com.example.echo\nversion: 1.1.0\nmodules: [echo]\nmain_class: EchoBot\n",
		"echo.lua":    "this is not lua ((((",
	})
	status, body := f.request(t, http.MethodPut, "/plugin/com.example.echo", broken)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "plugin_reload_fail", asMap(t, body)["errcode"])

	l, ok := f.registry.Get("com.example.echo")
	require.True(t, ok)
	assert.Equal(t, "1.0.0", l.Meta().Version, "old version stays loaded")
	assert.True(t, f.engine.Get("echo-1").Started(), "instance is running again on the old version")
	assert.Len(t, trashedFiles(t, f.cfg.PluginDirectories.Trash, "failed_update"), 1)
}

func TestPluginReplaceSucceeds(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	updated := buildArchive(t, map[string]string{
		"maubot.yaml":      "id: com.example.echo\nversion: 1.1.0\nmodules: [echo]\nmain_class: EchoBot\nconfig: true\nwebapp: true\n",
		"echo.lua":         echoModule,
		"base-config.yaml": "greeting: hi\n",
	})
	status, body := f.request(t, http.MethodPut, "/plugin/com.example.echo", updated)
	require.Equal(t, http.StatusOK, status)
	assert.Equal(t, "1.1.0", asMap(t, body)["version"])
	assert.True(t, f.engine.Get("echo-1").Started())
	assert.Len(t, trashedFiles(t, f.cfg.PluginDirectories.Trash, "update"), 1)
}

func TestPluginReplaceRejectsIDChange(t *testing.T) {
	f := newFixture(t, nil)
	other := buildArchive(t, map[string]string{
		"maubot.yaml": "id: com.example.other\nversion: 1.0.0\nmodules: [echo]\nmain_class: EchoBot\n",
		"echo.lua":    echoModule,
	})
	status, body := f.request(t, http.MethodPut, "/plugin/com.example.echo", other)
	assert.Equal(t, http.StatusBadRequest, status)
	assert.Equal(t, "id_changed", asMap(t, body)["errcode"])
}

func TestWebappMount(t *testing.T) {
	f := newFixture(t, nil)
	f.createInstance(t, "echo-1", "com.example.echo")

	resp, err := http.Get(f.ts.URL + f.cfg.Server.PluginBasePath + "/echo-1/ping")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, "pong", string(data))

	resp2, err := http.Get(f.ts.URL + f.cfg.Server.PluginBasePath + "/nope/ping")
	require.NoError(t, err)
	defer resp2.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestLogStreamHandshake(t *testing.T) {
	stream := logging.NewStream(16)
	f := newFixture(t, stream)

	logger := logging.Setup("mauhost", "test", "json", slog.LevelDebug, io.Discard, stream)
	logger.Info("before connect")

	wsURL := "ws" + strings.TrimPrefix(f.ts.URL, "http") + f.cfg.Server.BasePath + "/logs"
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if resp != nil {
		defer resp.Body.Close()
	}
	defer conn.Close()

	// A bad token is answered but the connection stays open for a retry.
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte("bad-token")))
	var auth struct {
		AuthSuccess bool `json:"auth_success"`
	}
	require.NoError(t, conn.ReadJSON(&auth))
	assert.False(t, auth.AuthSuccess)

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(f.token)))
	require.NoError(t, conn.ReadJSON(&auth))
	assert.True(t, auth.AuthSuccess)

	// The backlog is replayed first, then live records stream in.
	var rec logging.Record
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "before connect", rec.Msg)

	logger.Info("after connect")
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&rec))
	assert.Equal(t, "after connect", rec.Msg)
}

func TestErrorShape(t *testing.T) {
	f := newFixture(t, nil)
	status, body := f.request(t, http.MethodGet, "/instance/missing", nil)
	assert.Equal(t, http.StatusNotFound, status)
	m := asMap(t, body)
	assert.Equal(t, "not_found", m["errcode"])
	assert.NotEmpty(t, m["error"])
}

func TestQueryErrorStatuses(t *testing.T) {
	// Plugin mistakes on the database query endpoint are the caller's
	// fault, not the host's.
	assert.Equal(t, http.StatusBadRequest, httpStatus("QUERY_FAILED"))
	assert.Equal(t, http.StatusBadRequest, httpStatus("QUERY_SYNTAX_ERROR"))
	assert.Equal(t, http.StatusBadRequest, httpStatus("QUERY_CONSTRAINT_VIOLATION"))
	assert.Equal(t, http.StatusInternalServerError, httpStatus("DATABASE_CONNECT_FAILED"))
}
