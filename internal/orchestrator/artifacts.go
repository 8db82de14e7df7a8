package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// artifactCap bounds one fetched file; anything larger stays on the worker.
const artifactCap = 64 << 20

// Artifacts copies worker-produced files into the node workspace right after
// a skill completes, before the producing worker's job directory is reaped.
// Fetched files land under workspace/artifacts/{jobId}/ and are served by the
// gateway's /api/files endpoint.
type Artifacts struct {
	registry domain.Registry
	dir      string
	token    string
	hc       *http.Client
	logger   *slog.Logger
}

func NewArtifacts(registry domain.Registry, workspaceDir, token string, logger *slog.Logger) *Artifacts {
	return &Artifacts{
		registry: registry,
		dir:      workspaceDir,
		token:    token,
		hc:       &http.Client{Timeout: 60 * time.Second},
		logger:   logger,
	}
}

// Collect scans a skill result for worker file markers, downloads each file
// from the producing worker, and returns node-workspace-relative paths.
// Failures log and skip: losing an artifact never fails the parent run.
func (a *Artifacts) Collect(ctx context.Context, workerJobID, result string) []string {
	var doc struct {
		Files     []string `json:"_workerFiles"`
		ProcessID string   `json:"_workerProcessId"`
	}
	if err := json.Unmarshal([]byte(result), &doc); err != nil || len(doc.Files) == 0 {
		return nil
	}
	base, err := a.workerURL(ctx, doc.ProcessID)
	if err != nil {
		a.logger.Warn("artifact source unavailable",
			slog.String("process_id", doc.ProcessID), slog.Any("error", err))
		return nil
	}
	var saved []string
	for _, rel := range doc.Files {
		local, err := a.fetch(ctx, base, workerJobID, rel)
		if err != nil {
			a.logger.Warn("artifact fetch failed",
				slog.String("worker_job_id", workerJobID),
				slog.String("path", rel),
				slog.Any("error", err))
			continue
		}
		saved = append(saved, local)
	}
	if len(saved) > 0 {
		a.logger.Info("artifacts collected",
			slog.String("worker_job_id", workerJobID), slog.Int("count", len(saved)))
	}
	return saved
}

// workerURL resolves a registry process id to the worker's HTTP base URL.
func (a *Artifacts) workerURL(ctx context.Context, processID string) (string, error) {
	if processID == "" {
		return "", fmt.Errorf("op=orchestrator.workerURL: %w: result names no worker process", domain.ErrInvalidArgument)
	}
	procs, err := a.registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.workerURL: %w", err)
	}
	for _, p := range procs {
		if p.ID != processID {
			continue
		}
		if u := p.Extra["url"]; u != "" {
			return u, nil
		}
		return "", fmt.Errorf("op=orchestrator.workerURL: %w: worker %s exposes no url", domain.ErrInvalidArgument, processID)
	}
	return "", fmt.Errorf("op=orchestrator.workerURL: %w: worker %s not registered", domain.ErrNotFound, processID)
}

func (a *Artifacts) fetch(ctx context.Context, base, workerJobID, rel string) (string, error) {
	// The worker serves paths relative to its work dir; job files sit under
	// jobs/{id}/. The local copy mirrors the layout under artifacts/{id}/.
	// rel is validated against the per-job root before any join so dot-dot
	// segments cannot place a file outside it.
	jobRoot := filepath.Join(a.dir, "artifacts", workerJobID)
	abs, err := domain.ResolveUnder(jobRoot, rel)
	if err != nil {
		return "", err
	}
	localRel := path.Join("artifacts", workerJobID, rel)

	remote := path.Join("jobs", workerJobID, rel)
	u := strings.TrimSuffix(base, "/") + "/api/worker/workspace?path=" + url.QueryEscape(remote)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.fetch: %w", err)
	}
	if a.token != "" {
		req.Header.Set("Authorization", "Bearer "+a.token)
	}
	resp, err := a.hc.Do(req)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.fetch: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("op=orchestrator.fetch: worker returned %d for %s", resp.StatusCode, rel)
	}

	if err := os.MkdirAll(filepath.Dir(abs), 0o755); err != nil {
		return "", fmt.Errorf("op=orchestrator.fetch: %w", err)
	}
	f, err := os.Create(abs)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.fetch: %w", err)
	}
	n, err := io.Copy(f, io.LimitReader(resp.Body, artifactCap+1))
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(abs)
		return "", fmt.Errorf("op=orchestrator.fetch: %w", err)
	}
	if n > artifactCap {
		_ = os.Remove(abs)
		return "", fmt.Errorf("op=orchestrator.fetch: %w: %s exceeds %d bytes", domain.ErrInvalidArgument, rel, artifactCap)
	}
	return localRel, nil
}
