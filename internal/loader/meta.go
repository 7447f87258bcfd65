// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

// Package loader discovers, validates and loads plugin archives: zip
// files carrying a maubot.yaml metadata file and the Lua modules that
// implement the plugin.
package loader

import (
	"strings"

	"github.com/Masterminds/semver/v3"
	"github.com/samber/oops"
	"gopkg.in/ini.v1"
	"gopkg.in/yaml.v3"
)

// DatabaseType selects the backend an instance database uses.
type DatabaseType string

// Database types a plugin can request.
const (
	DatabaseSQLite   DatabaseType = "sqlite"
	DatabasePostgres DatabaseType = "postgres"
)

// Meta is the parsed plugin metadata.
type Meta struct {
	ID        string   `yaml:"id"`
	Version   string   `yaml:"version"`
	Modules   []string `yaml:"modules"`
	MainClass string   `yaml:"main_class"`

	// MinHostVersion is the minimum host version the plugin requires.
	MinHostVersion string       `yaml:"maubot,omitempty"`
	License        string       `yaml:"license,omitempty"`
	Database       bool         `yaml:"database,omitempty"`
	DatabaseType   DatabaseType `yaml:"database_type,omitempty"`
	Config         bool         `yaml:"config,omitempty"`
	Webapp         bool         `yaml:"webapp,omitempty"`
	ExtraFiles     []string     `yaml:"extra_files,omitempty"`

	Dependencies     []string `yaml:"dependencies,omitempty"`
	SoftDependencies []string `yaml:"soft_dependencies,omitempty"`
}

// MainModule is the module the main class lives in: the last listed
// module, unless main_class is written as "module/Class".
func (m *Meta) MainModule() string {
	if idx := strings.IndexByte(m.MainClass, '/'); idx >= 0 {
		return m.MainClass[:idx]
	}
	return m.Modules[len(m.Modules)-1]
}

// MainClassName is the class name without a module qualifier.
func (m *Meta) MainClassName() string {
	if idx := strings.IndexByte(m.MainClass, '/'); idx >= 0 {
		return m.MainClass[idx+1:]
	}
	return m.MainClass
}

// DatabaseTypeString returns the database type, or "" when the plugin
// does not use a database.
func (m *Meta) DatabaseTypeString() string {
	if !m.Database {
		return ""
	}
	if m.DatabaseType == "" {
		return string(DatabaseSQLite)
	}
	return string(m.DatabaseType)
}

func (m *Meta) validate() error {
	if m.ID == "" {
		return oops.Code("INVALID_META").New("plugin metadata is missing an id")
	}
	if m.MainClass == "" {
		return oops.Code("INVALID_META").New("plugin metadata is missing main_class")
	}
	if len(m.Modules) == 0 {
		return oops.Code("INVALID_META").New("plugin metadata lists no modules")
	}
	if m.Version == "" {
		return oops.Code("INVALID_META").New("plugin metadata is missing a version")
	}
	if _, err := semver.NewVersion(m.Version); err != nil {
		return oops.Code("INVALID_META").With("version", m.Version).Wrap(err)
	}
	// Older plugins name the backend after the client library that
	// originally backed it.
	switch m.DatabaseType {
	case "sqlalchemy":
		m.DatabaseType = DatabaseSQLite
	case "asyncpg":
		m.DatabaseType = DatabasePostgres
	}
	switch m.DatabaseType {
	case "", DatabaseSQLite, DatabasePostgres:
	default:
		return oops.Code("INVALID_META").
			With("database_type", m.DatabaseType).
			New("unsupported database type")
	}
	return nil
}

// ParseMeta parses a maubot.yaml metadata file.
func ParseMeta(data []byte) (*Meta, error) {
	var meta Meta
	if err := yaml.Unmarshal(data, &meta); err != nil {
		return nil, oops.Code("INVALID_META").Wrap(err)
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return &meta, nil
}

// ParseLegacyMeta parses the old maubot.ini metadata format:
// a [maubot] section with ID, Version, Modules (comma separated) and
// MainClass keys.
func ParseLegacyMeta(data []byte) (*Meta, error) {
	file, err := ini.Load(data)
	if err != nil {
		return nil, oops.Code("INVALID_META").Wrap(err)
	}
	section := file.Section("maubot")
	meta := &Meta{
		ID:        section.Key("ID").String(),
		Version:   section.Key("Version").String(),
		MainClass: section.Key("MainClass").String(),
	}
	for _, mod := range strings.Split(section.Key("Modules").String(), ",") {
		if mod = strings.TrimSpace(mod); mod != "" {
			meta.Modules = append(meta.Modules, mod)
		}
	}
	if err := meta.validate(); err != nil {
		return nil, err
	}
	return meta, nil
}

// CheckHostVersion verifies the host is new enough for the plugin.
func CheckHostVersion(meta *Meta, hostVersion string) error {
	if meta.MinHostVersion == "" {
		return nil
	}
	minVersion, err := semver.NewVersion(meta.MinHostVersion)
	if err != nil {
		return oops.Code("INVALID_META").
			With("maubot", meta.MinHostVersion).
			Wrap(err)
	}
	host, err := semver.NewVersion(hostVersion)
	if err != nil {
		return oops.Code("BAD_HOST_VERSION").With("version", hostVersion).Wrap(err)
	}
	if host.LessThan(minVersion) {
		return oops.Code("HOST_TOO_OLD").
			With("plugin", meta.ID).
			With("required", meta.MinHostVersion).
			With("host", hostVersion).
			New("plugin requires a newer host version")
	}
	return nil
}
