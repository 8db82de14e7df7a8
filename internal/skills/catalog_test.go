package skills_test

import (
	"archive/zip"
	"bytes"
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

func writeSkill(t *testing.T, root, id, manifest string, files map[string]string) {
	t.Helper()
	dir := filepath.Join(root, id)
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, skills.ManifestFile), []byte(manifest), 0o644))
	for name, content := range files {
		path := filepath.Join(dir, name)
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	}
}

func newTestCatalog(t *testing.T) (*skills.Catalog, string, *redis.Client) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	dir := t.TempDir()
	return skills.NewCatalog(dir, rdb, slog.Default()), dir, rdb
}

const weatherManifest = `name: weather
version: 1.2.0
description: Fetch a weather report
runtime: python
entrypoint: main.py
install:
  - pip install -r requirements.txt
envSecrets:
  - weather-api-key
`

func TestScanAndGet(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)
	writeSkill(t, dir, "weather", weatherManifest, map[string]string{
		"main.py":          "print('hi')",
		"requirements.txt": "requests==2.31.0",
	})
	writeSkill(t, dir, "backup", "name: backup\nruntime: binary\nentrypoint: ./run.sh\n", map[string]string{
		"run.sh": "#!/bin/sh\n",
	})

	require.NoError(t, c.Scan(context.Background()))

	list := c.List()
	require.Len(t, list, 2)
	assert.Equal(t, "backup", list[0].ID)
	assert.Equal(t, "weather", list[1].ID)

	s, err := c.Get("weather")
	require.NoError(t, err)
	assert.Equal(t, "1.2.0", s.Manifest.Version)
	assert.Equal(t, skills.RuntimePython, s.Manifest.Runtime)
	assert.Equal(t, []string{"weather-api-key"}, s.Manifest.EnvSecrets)
	assert.Equal(t, []string{"requirements.txt"}, s.Manifest.DependencyFiles())
}

func TestScanSkipsBrokenBundles(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)
	writeSkill(t, dir, "good", "name: good\nruntime: node\nentrypoint: index.js\n", nil)
	writeSkill(t, dir, "bad-runtime", "name: bad\nruntime: cobol\nentrypoint: x\n", nil)
	writeSkill(t, dir, "no-entrypoint", "name: ne\nruntime: python\n", nil)
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "no-manifest"), 0o755))

	require.NoError(t, c.Scan(context.Background()))

	list := c.List()
	require.Len(t, list, 1)
	assert.Equal(t, "good", list[0].ID)
	// node runtime defaults its dep file
	assert.Equal(t, []string{"package.json"}, list[0].Manifest.DependencyFiles())
}

func TestScanMissingDirIsEmpty(t *testing.T) {
	t.Parallel()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	c := skills.NewCatalog(filepath.Join(t.TempDir(), "does-not-exist"), rdb, slog.Default())
	require.NoError(t, c.Scan(context.Background()))
	assert.Empty(t, c.List())
}

func TestGetRejectsBadIDs(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)
	writeSkill(t, dir, "ok", "name: ok\nruntime: binary\nentrypoint: x\n", nil)
	require.NoError(t, c.Scan(context.Background()))

	for _, id := range []string{"../ok", "a/b", ".hidden", "", "sp ace"} {
		_, err := c.Get(id)
		assert.ErrorIs(t, err, domain.ErrInvalidArgument, "id %q", id)
	}
	_, err := c.Get("missing")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestToolDefTracksCatalog(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)

	_, ok := c.ToolDef()
	assert.False(t, ok, "empty catalog advertises no tool")

	writeSkill(t, dir, "weather", weatherManifest, nil)
	require.NoError(t, c.Scan(context.Background()))

	def, ok := c.ToolDef()
	require.True(t, ok)
	assert.Equal(t, "run_skill", def.Name)
	assert.Contains(t, string(def.Parameters), `"weather"`)
	assert.Contains(t, def.Description, "Fetch a weather report")
}

func TestPromptBlock(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)
	assert.Equal(t, "No skills are installed.", c.PromptBlock())

	writeSkill(t, dir, "weather", weatherManifest, nil)
	require.NoError(t, c.Scan(context.Background()))
	block := c.PromptBlock()
	assert.Contains(t, block, "weather v1.2.0 (python)")
}

func TestWriteZipBundlesRelativePaths(t *testing.T) {
	t.Parallel()
	c, dir, _ := newTestCatalog(t)
	writeSkill(t, dir, "weather", weatherManifest, map[string]string{
		"main.py":          "print('hi')",
		"lib/helpers.py":   "x = 1",
		"requirements.txt": "requests==2.31.0",
	})
	require.NoError(t, c.Scan(context.Background()))

	var buf bytes.Buffer
	require.NoError(t, c.WriteZip(&buf, "weather"))

	zr, err := zip.NewReader(bytes.NewReader(buf.Bytes()), int64(buf.Len()))
	require.NoError(t, err)
	names := make([]string, 0, len(zr.File))
	for _, f := range zr.File {
		require.False(t, strings.HasPrefix(f.Name, "/"), "absolute entry %q", f.Name)
		require.NotContains(t, f.Name, "..")
		names = append(names, f.Name)
	}
	assert.ElementsMatch(t, []string{"skill.yaml", "main.py", "lib/helpers.py", "requirements.txt"}, names)

	err = c.WriteZip(&buf, "nope")
	assert.ErrorIs(t, err, domain.ErrNotFound)
}

func TestRescanPublishesReload(t *testing.T) {
	t.Parallel()
	c, dir, rdb := newTestCatalog(t)
	writeSkill(t, dir, "weather", weatherManifest, nil)

	sub := rdb.Subscribe(context.Background(), domain.ChanSkillsReload)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, c.Rescan(context.Background()))

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, domain.ChanSkillsReload, msg.Channel)
	case <-time.After(2 * time.Second):
		t.Fatal("no skills-reload message")
	}
	assert.Len(t, c.List(), 1)
}
