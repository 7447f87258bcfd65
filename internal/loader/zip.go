// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package loader

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/samber/oops"
	lua "github.com/yuin/gopher-lua"
	"github.com/yuin/gopher-lua/parse"
)

// Extension is the plugin archive file extension.
const Extension = ".mbp"

// metaFile is the metadata file inside an archive; legacyMetaFile is the
// pre-YAML format still accepted for old archives.
const (
	metaFile       = "maubot.yaml"
	legacyMetaFile = "maubot.ini"
)

// CompiledModule is one plugin module compiled to a Lua function ready
// for execution in a plugin state.
type CompiledModule struct {
	Name  string
	Proto *lua.FunctionProto
}

// ZipLoader loads one plugin archive. It caches the compiled modules so
// instances of the same plugin share the compile step; Reload drops the
// cache and recompiles from disk.
type ZipLoader struct {
	logger *slog.Logger

	mu       sync.Mutex
	path     string
	meta     *Meta
	archive  *zip.Reader
	raw      []byte
	compiled []CompiledModule
}

// OpenZip reads, validates and preloads a plugin archive. The archive's
// modules are compiled and the main module is checked for the declared
// main class before the loader is returned.
func OpenZip(archivePath string, logger *slog.Logger) (*ZipLoader, error) {
	if logger == nil {
		logger = slog.Default()
	}
	l := &ZipLoader{logger: logger, path: archivePath}
	if err := l.loadLocked(); err != nil {
		return nil, err
	}
	l.logger.Debug("preloaded plugin", "plugin_id", l.meta.ID, "path", archivePath)
	return l, nil
}

// VerifyMeta parses the metadata of an archive held in memory without
// registering anything. The upload endpoint uses it to route new uploads
// versus replacements.
func VerifyMeta(content []byte) (*Meta, error) {
	archive, err := zip.NewReader(bytes.NewReader(content), int64(len(content)))
	if err != nil {
		return nil, oops.Code("NOT_A_PLUGIN").New("file is not a plugin archive")
	}
	return readMeta(archive)
}

func readMeta(archive *zip.Reader) (*Meta, error) {
	if data, err := readArchiveFile(archive, metaFile); err == nil {
		return ParseMeta(data)
	}
	data, err := readArchiveFile(archive, legacyMetaFile)
	if err != nil {
		return nil, oops.Code("NOT_A_PLUGIN").
			New("archive does not contain a plugin definition")
	}
	return ParseLegacyMeta(data)
}

func readArchiveFile(archive *zip.Reader, name string) ([]byte, error) {
	file, err := archive.Open(name)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()
	return io.ReadAll(io.LimitReader(file, 64<<20))
}

// loadLocked reads the archive from disk, parses the metadata and
// compiles every module. Callers hold l.mu (or own l exclusively).
func (l *ZipLoader) loadLocked() error {
	raw, err := os.ReadFile(l.path)
	if err != nil {
		return oops.Code("PLUGIN_READ_FAILED").With("path", l.path).Wrap(err)
	}
	archive, err := zip.NewReader(bytes.NewReader(raw), int64(len(raw)))
	if err != nil {
		return oops.Code("NOT_A_PLUGIN").With("path", l.path).
			New("file is not a plugin archive")
	}
	meta, err := readMeta(archive)
	if err != nil {
		return err
	}
	if l.meta != nil && meta.ID != l.meta.ID {
		return oops.Code("ID_CHANGED").
			With("old", l.meta.ID).
			With("new", meta.ID).
			New("plugin ID changed during reload")
	}

	compiled := make([]CompiledModule, 0, len(meta.Modules))
	for _, module := range meta.Modules {
		proto, err := compileModule(archive, module)
		if err != nil {
			return err
		}
		compiled = append(compiled, CompiledModule{Name: module, Proto: proto})
	}
	if err := checkMainClass(compiled, meta); err != nil {
		return err
	}

	l.raw = raw
	l.archive = archive
	l.meta = meta
	l.compiled = compiled
	return nil
}

// compileModule finds a module's source in the archive ("a.b" maps to
// a/b.lua or a/b/init.lua) and compiles it without executing anything.
func compileModule(archive *zip.Reader, module string) (*lua.FunctionProto, error) {
	base := strings.ReplaceAll(module, ".", "/")
	var src []byte
	var err error
	for _, candidate := range []string{base + ".lua", base + "/init.lua"} {
		if src, err = readArchiveFile(archive, candidate); err == nil {
			break
		}
	}
	if err != nil {
		return nil, oops.Code("MODULE_NOT_FOUND").
			With("module", module).
			New("module not found in archive")
	}
	chunk, err := parse.Parse(bytes.NewReader(src), module)
	if err != nil {
		return nil, oops.Code("MODULE_PARSE_FAILED").With("module", module).Wrap(err)
	}
	proto, err := lua.Compile(chunk, module)
	if err != nil {
		return nil, oops.Code("MODULE_COMPILE_FAILED").With("module", module).Wrap(err)
	}
	return proto, nil
}

// checkMainClass verifies the declared main class name appears in the
// main module's compiled constants, catching typos before any code runs.
func checkMainClass(compiled []CompiledModule, meta *Meta) error {
	mainModule := meta.MainModule()
	for _, mod := range compiled {
		if mod.Name != mainModule {
			continue
		}
		if protoReferences(mod.Proto, meta.MainClassName()) {
			return nil
		}
		return oops.Code("MAIN_CLASS_NOT_FOUND").
			With("main_class", meta.MainClassName()).
			With("module", mainModule).
			New("main class not found in main module")
	}
	return oops.Code("MODULE_NOT_FOUND").
		With("module", mainModule).
		New("main module not listed in archive modules")
}

func protoReferences(proto *lua.FunctionProto, name string) bool {
	for _, constant := range proto.Constants {
		if s, ok := constant.(lua.LString); ok && string(s) == name {
			return true
		}
	}
	for _, child := range proto.FunctionPrototypes {
		if protoReferences(child, name) {
			return true
		}
	}
	return false
}

// Meta returns the parsed plugin metadata.
func (l *ZipLoader) Meta() *Meta {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.meta
}

// Path returns the archive path on disk.
func (l *ZipLoader) Path() string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.path
}

// Modules returns the compiled modules in declaration order. The main
// module is always included.
func (l *ZipLoader) Modules() []CompiledModule {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]CompiledModule, len(l.compiled))
	copy(out, l.compiled)
	return out
}

// Reload recompiles the archive from disk. When newPath is non-empty the
// loader switches to that file first, so a failed replacement can be
// rolled back by reloading the old path.
func (l *ZipLoader) Reload(newPath string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	oldPath := l.path
	if newPath != "" {
		l.path = newPath
	}
	if err := l.loadLocked(); err != nil {
		l.path = oldPath
		return err
	}
	l.logger.Debug("reloaded plugin", "plugin_id", l.meta.ID, "path", l.path)
	return nil
}

// ReadFile reads one file out of the archive.
func (l *ZipLoader) ReadFile(name string) ([]byte, error) {
	l.mu.Lock()
	archive := l.archive
	l.mu.Unlock()
	data, err := readArchiveFile(archive, strings.TrimPrefix(name, "/"))
	if err != nil {
		return nil, oops.Code("FILE_NOT_FOUND").
			With("path", name).
			New("file not found in archive")
	}
	return data, nil
}

// ListFiles lists the files in one directory of the archive.
func (l *ZipLoader) ListFiles(dir string) []string {
	l.mu.Lock()
	archive := l.archive
	l.mu.Unlock()
	dir = strings.Trim(dir, "/")
	var names []string
	for _, file := range archive.File {
		if file.FileInfo().IsDir() {
			continue
		}
		if path.Dir(file.Name) == dir || (dir == "" && !strings.Contains(file.Name, "/")) {
			names = append(names, file.Name)
		}
	}
	return names
}

// Trash disposes of an archive file: moved into trashDir under a
// timestamped name, or deleted outright when trashDir is empty.
func Trash(archivePath, trashDir, reason string) error {
	if trashDir == "" {
		if err := os.Remove(archivePath); err != nil && !os.IsNotExist(err) {
			return oops.Code("TRASH_FAILED").With("path", archivePath).Wrap(err)
		}
		return nil
	}
	target := filepath.Join(trashDir, fmt.Sprintf("%d-%s-%s",
		time.Now().Unix(), reason, filepath.Base(archivePath)))
	if err := os.Rename(archivePath, target); err != nil {
		return oops.Code("TRASH_FAILED").
			With("path", archivePath).
			With("target", target).
			Wrap(err)
	}
	return nil
}

// ReplacementPath computes the filename a replacement upload is written
// to, next to the old archive. When the old name embeds the old version
// it is substituted; a timestamp suffix breaks ties when the versions
// are equal.
func ReplacementPath(oldPath, oldVersion, newVersion string) string {
	dir := filepath.Dir(oldPath)
	oldName := filepath.Base(oldPath)
	var name string
	switch {
	case oldVersion != newVersion && strings.Contains(oldName, oldVersion):
		name = strings.Replace(oldName, oldVersion, newVersion, 1)
	case strings.Contains(oldName, oldVersion):
		name = strings.Replace(oldName, oldVersion,
			fmt.Sprintf("%s-ts%d", newVersion, time.Now().Unix()), 1)
	default:
		name = fmt.Sprintf("%s-v%s%s",
			strings.TrimSuffix(oldName, Extension), newVersion, Extension)
	}
	return filepath.Join(dir, name)
}
