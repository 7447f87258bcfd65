// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 Mauhost Contributors

package loader

import (
	"archive/zip"
	"bytes"
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testMeta = `id: com.example.echo
version: 1.0.0
modules:
- echo
main_class: EchoBot
database: true
config: true
`

const testModule = `EchoBot = maubot.plugin {
    start = function(self)
    end,
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

func writeArchive(t *testing.T, dir, name string, files map[string]string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.WriteFile(path, buildArchive(t, files), 0o644))
	return path
}

func TestParseMeta(t *testing.T) {
	meta, err := ParseMeta([]byte(testMeta))
	require.NoError(t, err)
	assert.Equal(t, "com.example.echo", meta.ID)
	assert.Equal(t, "1.0.0", meta.Version)
	assert.Equal(t, "EchoBot", meta.MainClassName())
	assert.Equal(t, "echo", meta.MainModule())
	assert.Equal(t, "sqlite", meta.DatabaseTypeString())
}

func TestParseMetaQualifiedMainClass(t *testing.T) {
	meta, err := ParseMeta([]byte(`id: x
version: 0.1.0
modules: [a, b]
main_class: a/Bot
`))
	require.NoError(t, err)
	assert.Equal(t, "a", meta.MainModule())
	assert.Equal(t, "Bot", meta.MainClassName())
}

func TestParseMetaRejectsBadVersion(t *testing.T) {
	_, err := ParseMeta([]byte("id: x\nversion: not.a.version\nmodules: [a]\nmain_class: A\n"))
	require.Error(t, err)
}

func TestParseLegacyMeta(t *testing.T) {
	meta, err := ParseLegacyMeta([]byte(`[maubot]
ID = com.example.legacy
Version = 2.0.0
Modules = util, legacy
MainClass = LegacyBot
`))
	require.NoError(t, err)
	assert.Equal(t, "com.example.legacy", meta.ID)
	assert.Equal(t, []string{"util", "legacy"}, meta.Modules)
	assert.Equal(t, "legacy", meta.MainModule())
}

func TestCheckHostVersion(t *testing.T) {
	meta := &Meta{ID: "x", MinHostVersion: "0.2.0"}
	require.Error(t, CheckHostVersion(meta, "0.1.0"))
	require.NoError(t, CheckHostVersion(meta, "0.2.0"))
	require.NoError(t, CheckHostVersion(&Meta{ID: "x"}, "0.1.0"))
}

func TestOpenZip(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "echo.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})

	l, err := OpenZip(path, nil)
	require.NoError(t, err)
	assert.Equal(t, "com.example.echo", l.Meta().ID)
	mods := l.Modules()
	require.Len(t, mods, 1)
	assert.Equal(t, "echo", mods[0].Name)
	require.NotNil(t, mods[0].Proto)
}

func TestOpenZipRejectsMissingMainClass(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "echo.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    `SomethingElse = 1`,
	})

	_, err := OpenZip(path, nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "main class")
}

func TestOpenZipRejectsMissingModule(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "echo.mbp", map[string]string{
		"maubot.yaml": testMeta,
	})

	_, err := OpenZip(path, nil)
	require.Error(t, err)
}

func TestOpenZipRejectsSyntaxError(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "echo.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    `EchoBot = maubot.plugin {`,
	})

	_, err := OpenZip(path, nil)
	require.Error(t, err)
}

func TestOpenZipNotAnArchive(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "junk.mbp")
	require.NoError(t, os.WriteFile(path, []byte("definitely not a zip"), 0o644))

	_, err := OpenZip(path, nil)
	require.Error(t, err)
}

func TestReloadRejectsIDChange(t *testing.T) {
	dir := t.TempDir()
	path := writeArchive(t, dir, "echo.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})
	l, err := OpenZip(path, nil)
	require.NoError(t, err)

	writeArchive(t, dir, "echo.mbp", map[string]string{
		"maubot.yaml": strings.Replace(testMeta, "com.example.echo", "com.example.other", 1),
		"echo.lua":    testModule,
	})
	err = l.Reload("")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "ID changed")
	// The loader keeps serving the previously loaded metadata.
	assert.Equal(t, "com.example.echo", l.Meta().ID)
}

func TestReloadSwitchesPath(t *testing.T) {
	dir := t.TempDir()
	oldPath := writeArchive(t, dir, "echo-v1.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})
	newPath := writeArchive(t, dir, "echo-v2.mbp", map[string]string{
		"maubot.yaml": strings.Replace(testMeta, "1.0.0", "2.0.0", 1),
		"echo.lua":    testModule,
	})

	l, err := OpenZip(oldPath, nil)
	require.NoError(t, err)
	require.NoError(t, l.Reload(newPath))
	assert.Equal(t, newPath, l.Path())
	assert.Equal(t, "2.0.0", l.Meta().Version)
}

func TestReadFileAndListFiles(t *testing.T) {
	path := writeArchive(t, t.TempDir(), "echo.mbp", map[string]string{
		"maubot.yaml":     testMeta,
		"echo.lua":        testModule,
		"res/banner.txt":  "hello",
		"res/extra.tmpl":  "tmpl",
		"res/sub/one.txt": "nested",
	})
	l, err := OpenZip(path, nil)
	require.NoError(t, err)

	data, err := l.ReadFile("res/banner.txt")
	require.NoError(t, err)
	assert.Equal(t, "hello", string(data))

	_, err = l.ReadFile("res/missing.txt")
	require.Error(t, err)

	files := l.ListFiles("res")
	assert.ElementsMatch(t, []string{"res/banner.txt", "res/extra.tmpl"}, files)
}

func TestVerifyMeta(t *testing.T) {
	content := buildArchive(t, map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})
	meta, err := VerifyMeta(content)
	require.NoError(t, err)
	assert.Equal(t, "com.example.echo", meta.ID)

	_, err = VerifyMeta([]byte("not a zip"))
	require.Error(t, err)
}

func TestRegistryIDConflict(t *testing.T) {
	dir := t.TempDir()
	first := writeArchive(t, dir, "a.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})
	second := writeArchive(t, dir, "b.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})

	reg := NewRegistry(nil)
	_, err := reg.Open(first)
	require.NoError(t, err)
	_, err = reg.Open(second)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "already loaded")

	// Opening the same path again returns the existing loader.
	l, err := reg.Open(first)
	require.NoError(t, err)
	got, ok := reg.Get("com.example.echo")
	require.True(t, ok)
	assert.Same(t, l, got)
}

func TestRegistryLoadAllSkipsBroken(t *testing.T) {
	dir := t.TempDir()
	writeArchive(t, dir, "good.mbp", map[string]string{
		"maubot.yaml": testMeta,
		"echo.lua":    testModule,
	})
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.mbp"), []byte("junk"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "ignored.txt"), []byte("x"), 0o644))

	reg := NewRegistry(nil)
	reg.LoadAll(dir)
	assert.Len(t, reg.All(), 1)
}

type fakeInstance struct {
	id      string
	started int
	stopped int
}

func (f *fakeInstance) ID() string                            { return f.id }
func (f *fakeInstance) StartPlugin(ctx context.Context) error { f.started++; return nil }
func (f *fakeInstance) StopPlugin(ctx context.Context) error  { f.stopped++; return nil }

func TestRegistryInstanceReferences(t *testing.T) {
	reg := NewRegistry(nil)
	inst := &fakeInstance{id: "echo-1"}
	reg.AddReference("com.example.echo", inst)

	reg.StopInstances(context.Background(), "com.example.echo")
	reg.StartInstances(context.Background(), "com.example.echo")
	assert.Equal(t, 1, inst.stopped)
	assert.Equal(t, 1, inst.started)

	reg.RemoveReference("com.example.echo", "echo-1")
	reg.StopInstances(context.Background(), "com.example.echo")
	assert.Equal(t, 1, inst.stopped)
}

func TestTrashMovesFile(t *testing.T) {
	dir := t.TempDir()
	trashDir := t.TempDir()
	path := filepath.Join(dir, "old.mbp")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	require.NoError(t, Trash(path, trashDir, "update"))
	assert.NoFileExists(t, path)

	entries, err := os.ReadDir(trashDir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Contains(t, entries[0].Name(), "-update-old.mbp")
}

func TestTrashDeletesWithoutTrashDir(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "old.mbp")
	require.NoError(t, os.WriteFile(path, []byte("content"), 0o644))

	require.NoError(t, Trash(path, "", "delete"))
	assert.NoFileExists(t, path)
}

func TestReplacementPath(t *testing.T) {
	assert.Equal(t, "/plugins/echo-v2.0.0.mbp",
		ReplacementPath("/plugins/echo-v1.0.0.mbp", "1.0.0", "2.0.0"))
	assert.Equal(t, "/plugins/echo-v1.0.0.mbp",
		ReplacementPath("/plugins/echo.mbp", "1.0.0", "1.0.0"))
	samePath := ReplacementPath("/plugins/echo-v1.0.0.mbp", "1.0.0", "1.0.0")
	assert.Contains(t, samePath, "-ts")
}
