// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package config loads and validates the host configuration file.
package config

import (
	"crypto/rand"
	"encoding/hex"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/posflag"
	"github.com/knadh/koanf/v2"
	"github.com/samber/oops"
	"github.com/spf13/pflag"
)

// Config is the top-level host configuration.
type Config struct {
	// Database is the connection string for the catalogue database.
	// Accepts postgres:// URLs or sqlite file paths prefixed with "sqlite:".
	Database     string       `koanf:"database" json:"database" jsonschema:"required"`
	DatabaseOpts DatabaseOpts `koanf:"database_opts" json:"database_opts,omitempty"`

	// CryptoDatabase is "default" to share the catalogue database, or a
	// separate database URL for the end-to-end encryption store.
	CryptoDatabase string `koanf:"crypto_database" json:"crypto_database,omitempty"`

	PluginDirectories PluginDirectories `koanf:"plugin_directories" json:"plugin_directories"`
	PluginDatabases   PluginDatabases   `koanf:"plugin_databases" json:"plugin_databases"`
	Server            Server            `koanf:"server" json:"server"`

	// Admins maps management usernames to bcrypt password hashes. Plaintext
	// values are upgraded to hashes when the file is loaded; the literal
	// "password" is replaced with a generated token.
	Admins map[string]string `koanf:"admins" json:"admins,omitempty"`

	// Homeservers maps homeserver names to registration details used by the
	// client creation flow.
	Homeservers map[string]Homeserver `koanf:"homeservers" json:"homeservers,omitempty"`

	APIFeatures APIFeatures `koanf:"api_features" json:"api_features"`
	Logging     Logging     `koanf:"logging" json:"logging"`
}

// DatabaseOpts holds connection pool options for the catalogue database.
type DatabaseOpts struct {
	MinSize int `koanf:"min_size" json:"min_size,omitempty"`
	MaxSize int `koanf:"max_size" json:"max_size,omitempty"`
}

// PluginDirectories configures where plugin archives live.
type PluginDirectories struct {
	// Upload is the directory where uploaded archives are written.
	Upload string `koanf:"upload" json:"upload"`
	// Load lists directories scanned for .mbp archives at startup.
	Load []string `koanf:"load" json:"load"`
	// Trash is where retired archives and SQLite files are moved.
	// The literal "delete" disables trashing and deletes in place.
	Trash string `koanf:"trash" json:"trash"`
}

// TrashEnabled reports whether retired files are moved to a trash
// directory instead of deleted in place.
func (p PluginDirectories) TrashEnabled() bool {
	return p.Trash != "" && p.Trash != "delete"
}

// PluginDatabases selects the backing store for per-instance plugin
// databases.
type PluginDatabases struct {
	// SQLite is the directory holding per-instance SQLite files.
	SQLite string `koanf:"sqlite" json:"sqlite"`
	// Postgres is "default" to carve schemas out of the catalogue database
	// (when it is Postgres), a postgres:// URL for a separate backing
	// database, or empty to disable the shared-Postgres mode.
	Postgres     string           `koanf:"postgres" json:"postgres,omitempty"`
	PostgresOpts PostgresPoolOpts `koanf:"postgres_opts" json:"postgres_opts,omitempty"`
}

// PostgresPoolOpts bounds the shared plugin database pool.
type PostgresPoolOpts struct {
	PoolSize int `koanf:"pool_size" json:"pool_size,omitempty"`
	// MaxConnsPerPlugin caps how many pool connections a single plugin
	// instance may hold concurrently.
	MaxConnsPerPlugin int `koanf:"max_conns_per_plugin" json:"max_conns_per_plugin,omitempty"`
}

// Server configures the management HTTP server.
type Server struct {
	Hostname  string `koanf:"hostname" json:"hostname"`
	Port      int    `koanf:"port" json:"port"`
	PublicURL string `koanf:"public_url" json:"public_url"`
	// BasePath is the URL prefix for the management API.
	BasePath string `koanf:"base_path" json:"base_path"`
	// UIBasePath is the URL prefix for the management frontend.
	UIBasePath string `koanf:"ui_base_path" json:"ui_base_path"`
	// PluginBasePath is the URL prefix under which per-instance webapps
	// are mounted.
	PluginBasePath string `koanf:"plugin_base_path" json:"plugin_base_path"`
	// OverrideResourcePath replaces the embedded frontend resources.
	OverrideResourcePath string `koanf:"override_resource_path" json:"override_resource_path,omitempty"`
	// UnsharedSecret signs management tokens. The literal "generate"
	// produces a fresh secret on every load.
	UnsharedSecret string `koanf:"unshared_secret" json:"unshared_secret"`
}

// Homeserver holds per-homeserver registration details.
type Homeserver struct {
	URL    string `koanf:"url" json:"url"`
	Secret string `koanf:"secret" json:"secret,omitempty"`
}

// APIFeatures toggles groups of management API endpoints.
type APIFeatures struct {
	Login            bool `koanf:"login" json:"login"`
	Plugin           bool `koanf:"plugin" json:"plugin"`
	PluginUpload     bool `koanf:"plugin_upload" json:"plugin_upload"`
	Instance         bool `koanf:"instance" json:"instance"`
	InstanceDatabase bool `koanf:"instance_database" json:"instance_database"`
	Client           bool `koanf:"client" json:"client"`
	ClientAuth       bool `koanf:"client_auth" json:"client_auth"`
	Log              bool `koanf:"log" json:"log"`
}

// Logging configures the slog setup.
type Logging struct {
	// Format is "json" or "text".
	Format string `koanf:"format" json:"format,omitempty"`
	// Level is the minimum level: "debug", "info", "warn" or "error".
	Level string `koanf:"level" json:"level,omitempty"`
}

// Defaults returns a Config with the documented default values.
func Defaults() Config {
	return Config{
		Database:       "sqlite:mauhost.db",
		CryptoDatabase: "default",
		PluginDirectories: PluginDirectories{
			Upload: "./plugins",
			Load:   []string{"./plugins"},
			Trash:  "./trash",
		},
		PluginDatabases: PluginDatabases{
			SQLite:   "./plugins",
			Postgres: "default",
			PostgresOpts: PostgresPoolOpts{
				MaxConnsPerPlugin: 3,
			},
		},
		Server: Server{
			Hostname:       "127.0.0.1",
			Port:           29316,
			PublicURL:      "http://localhost:29316",
			BasePath:       "/_matrix/maubot/v1",
			UIBasePath:     "/_matrix/maubot",
			PluginBasePath: "/_matrix/maubot/plugin",
			UnsharedSecret: "generate",
		},
		APIFeatures: APIFeatures{
			Login:            true,
			Plugin:           true,
			PluginUpload:     true,
			Instance:         true,
			InstanceDatabase: true,
			Client:           true,
			ClientAuth:       true,
			Log:              true,
		},
		Logging: Logging{Format: "json", Level: "debug"},
	}
}

// Load reads the config file at path, applies flag overrides, validates the
// result against the embedded JSON schema and upgrades the admin password
// map. flags may be nil.
func Load(path string, flags *pflag.FlagSet) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, oops.Code("CONFIG_READ_FAILED").With("path", path).Wrap(err)
	}
	if flags != nil {
		if err := k.Load(posflag.Provider(flags, ".", k), nil); err != nil {
			return nil, oops.Code("CONFIG_FLAGS_FAILED").Wrap(err)
		}
	}

	if err := validateRaw(k.Raw()); err != nil {
		return nil, err
	}

	cfg := Defaults()
	if err := k.Unmarshal("", &cfg); err != nil {
		return nil, oops.Code("CONFIG_PARSE_FAILED").With("path", path).Wrap(err)
	}

	if cfg.Server.UnsharedSecret == "" || cfg.Server.UnsharedSecret == "generate" {
		cfg.Server.UnsharedSecret = NewToken()
	}
	if err := cfg.upgradeAdmins(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// NewToken returns a fresh random secret suitable for token signing.
func NewToken() string {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		panic("config: reading random bytes: " + err.Error())
	}
	return hex.EncodeToString(buf)
}
