package worker

import (
	"archive/zip"
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"golang.org/x/sync/singleflight"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// bundleCap bounds a fetched zip; a bundle this large is a mistake.
const bundleCap = 256 << 20

// Cache keeps skill bundles unpacked under {workDir}/skills/{id}. Misses
// fetch the zip from the node with per-skill single-flight; a skills-reload
// broadcast empties the cache so the next run refetches.
type Cache struct {
	cfg    config.WorkerConfig
	hc     *http.Client
	logger *slog.Logger
	sf     singleflight.Group

	mu    sync.Mutex
	ready map[string]skills.Manifest
}

func NewCache(cfg config.WorkerConfig, logger *slog.Logger) *Cache {
	return &Cache{
		cfg:    cfg,
		hc:     &http.Client{Timeout: 60 * time.Second},
		logger: logger,
		ready:  map[string]skills.Manifest{},
	}
}

// Bundle returns the unpacked directory and manifest for a skill, fetching
// and unpacking on miss.
func (c *Cache) Bundle(ctx context.Context, id string) (string, skills.Manifest, error) {
	if !skills.ValidID(id) {
		return "", skills.Manifest{}, fmt.Errorf("op=worker.Bundle: %w: bad skill id %q", domain.ErrInvalidArgument, id)
	}
	dir := filepath.Join(c.cfg.SkillCacheDir(), id)

	c.mu.Lock()
	m, ok := c.ready[id]
	c.mu.Unlock()
	if ok {
		return dir, m, nil
	}

	v, err, _ := c.sf.Do(id, func() (any, error) {
		// Another flight may have landed while this one queued.
		c.mu.Lock()
		m, ok := c.ready[id]
		c.mu.Unlock()
		if ok {
			return m, nil
		}
		m, err := c.fetch(ctx, id, dir)
		if err != nil {
			return skills.Manifest{}, err
		}
		c.mu.Lock()
		c.ready[id] = m
		c.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return "", skills.Manifest{}, err
	}
	return dir, v.(skills.Manifest), nil
}

func (c *Cache) fetch(ctx context.Context, id, dir string) (skills.Manifest, error) {
	url := c.cfg.NodeURL + "/api/skills/" + id + "/zip"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %w", err)
	}
	if c.cfg.Token != "" {
		req.Header.Set("Authorization", "Bearer "+c.cfg.Token)
	}
	resp, err := c.hc.Do(req)
	if err != nil {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %s: %w", url, err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode == http.StatusNotFound {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %w: skill %q", domain.ErrNotFound, id)
	}
	if resp.StatusCode != http.StatusOK {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %s: status %d", url, resp.StatusCode)
	}
	blob, err := io.ReadAll(io.LimitReader(resp.Body, bundleCap))
	if err != nil {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %w", err)
	}
	zr, err := zip.NewReader(bytes.NewReader(blob), int64(len(blob)))
	if err != nil {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: %w: not a zip", domain.ErrSchemaInvalid)
	}
	if err := unpack(dir, zr); err != nil {
		return skills.Manifest{}, err
	}
	m, err := skills.ReadManifest(filepath.Join(dir, skills.ManifestFile))
	if err != nil {
		return skills.Manifest{}, fmt.Errorf("op=worker.fetch: bundle %s: %w", id, err)
	}
	c.logger.Info("skill bundle fetched",
		slog.String("skill_id", id),
		slog.String("version", m.Version),
		slog.Int("bytes", len(blob)))
	return m, nil
}

// unpack replaces dir with the archive contents. Entry names escaping the
// target directory (zip-slip) abort the whole unpack; symlinks and other
// irregular entries are skipped.
func unpack(dir string, zr *zip.Reader) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("op=worker.unpack: %w", err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("op=worker.unpack: %w", err)
	}
	for _, f := range zr.File {
		dst, err := domain.ResolveUnder(dir, f.Name)
		if err != nil {
			return fmt.Errorf("op=worker.unpack: entry %q: %w", f.Name, err)
		}
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(dst, 0o755); err != nil {
				return fmt.Errorf("op=worker.unpack: %w", err)
			}
			continue
		}
		if !f.Mode().IsRegular() {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
			return fmt.Errorf("op=worker.unpack: %w", err)
		}
		if err := writeEntry(dst, f); err != nil {
			return err
		}
	}
	return nil
}

func writeEntry(dst string, f *zip.File) error {
	src, err := f.Open()
	if err != nil {
		return fmt.Errorf("op=worker.writeEntry: %w", err)
	}
	defer func() { _ = src.Close() }()
	mode := f.Mode().Perm()
	if mode == 0 {
		mode = 0o644
	}
	out, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, mode)
	if err != nil {
		return fmt.Errorf("op=worker.writeEntry: %w", err)
	}
	if _, err := io.Copy(out, src); err != nil {
		_ = out.Close()
		return fmt.Errorf("op=worker.writeEntry: %w", err)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("op=worker.writeEntry: %w", err)
	}
	return nil
}

// Invalidate empties the in-memory cache; unpacked directories stay on disk
// and are replaced on the next fetch.
func (c *Cache) Invalidate() {
	c.mu.Lock()
	c.ready = map[string]skills.Manifest{}
	c.mu.Unlock()
}

// WatchReload clears the cache whenever the node broadcasts a skills reload.
// Blocks until ctx ends.
func (c *Cache) WatchReload(ctx context.Context, rdb *redis.Client) {
	sub := rdb.Subscribe(ctx, domain.ChanSkillsReload)
	defer func() { _ = sub.Close() }()
	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return
		case _, ok := <-ch:
			if !ok {
				return
			}
			c.logger.Info("skills reload broadcast; clearing bundle cache")
			c.Invalidate()
		}
	}
}
