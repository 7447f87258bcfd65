// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package config

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	path := writeConfig(t, "database: sqlite:test.db\n")

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "sqlite:test.db", cfg.Database)
	assert.Equal(t, 29316, cfg.Server.Port)
	assert.Equal(t, "/_matrix/maubot/v1", cfg.Server.BasePath)
	assert.Equal(t, 3, cfg.PluginDatabases.PostgresOpts.MaxConnsPerPlugin)
	assert.True(t, cfg.APIFeatures.Login)
}

func TestLoadOverridesDefaults(t *testing.T) {
	path := writeConfig(t, `
database: postgres://localhost/mauhost
server:
  port: 8080
  unshared_secret: fixed-secret
logging:
  format: text
  level: warn
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, "fixed-secret", cfg.Server.UnsharedSecret)
	assert.Equal(t, "text", cfg.Logging.Format)
	assert.Equal(t, "warn", cfg.Logging.Level)
}

func TestLoadRejectsMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.yaml"), nil)
	require.Error(t, err)
}

func TestLoadRejectsSchemaViolation(t *testing.T) {
	// Port must be an integer.
	path := writeConfig(t, `
database: sqlite:test.db
server:
  port: "not a number"
`)
	_, err := Load(path, nil)
	require.Error(t, err)
}

func TestLoadGeneratesSecret(t *testing.T) {
	path := writeConfig(t, `
database: sqlite:test.db
server:
  unshared_secret: generate
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)
	assert.NotEqual(t, "generate", cfg.Server.UnsharedSecret)
	assert.Len(t, cfg.Server.UnsharedSecret, 64)
}

func TestLoadUpgradesAdminPasswords(t *testing.T) {
	hashed, err := bcrypt.GenerateFromPassword([]byte("existing"), bcrypt.MinCost)
	require.NoError(t, err)
	path := writeConfig(t, `
database: sqlite:test.db
admins:
  alice: plaintext-password
  bob: `+string(hashed)+`
  carol: password
`)

	cfg, err := Load(path, nil)
	require.NoError(t, err)

	// Plaintext values are hashed in place.
	assert.True(t, strings.HasPrefix(cfg.Admins["alice"], "$2"))
	assert.True(t, cfg.CheckPassword("alice", "plaintext-password"))

	// Existing hashes are left alone.
	assert.Equal(t, string(hashed), cfg.Admins["bob"])
	assert.True(t, cfg.CheckPassword("bob", "existing"))

	// The well-known default is replaced before hashing.
	assert.False(t, cfg.CheckPassword("carol", "password"))
}

func TestRootIsAdminButCannotLogIn(t *testing.T) {
	cfg := Defaults()
	cfg.Admins = map[string]string{}

	assert.True(t, cfg.IsAdmin("root"))
	assert.False(t, cfg.IsAdmin("stranger"))
	assert.False(t, cfg.CheckPassword("root", "anything"))
}

func TestCheckPasswordRejectsEmpty(t *testing.T) {
	cfg := Defaults()
	cfg.Admins = map[string]string{"alice": ""}
	assert.False(t, cfg.CheckPassword("alice", ""))
	assert.False(t, cfg.CheckPassword("alice", "x"))
}

func TestTrashEnabled(t *testing.T) {
	assert.True(t, PluginDirectories{Trash: "./trash"}.TrashEnabled())
	assert.False(t, PluginDirectories{Trash: "delete"}.TrashEnabled())
	assert.False(t, PluginDirectories{Trash: ""}.TrashEnabled())
}

func TestGenerateSchema(t *testing.T) {
	data, err := GenerateSchema()
	require.NoError(t, err)
	assert.Contains(t, string(data), SchemaID)
	assert.Contains(t, string(data), "unshared_secret")
}

func TestNewTokenIsRandom(t *testing.T) {
	assert.NotEqual(t, NewToken(), NewToken())
}
