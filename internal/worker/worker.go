// Package worker implements the remote execution fleet. A worker consumes
// only the tools queue: it fetches skill bundles from the node on demand,
// installs them idempotently, and runs them as bounded subprocesses. Workers
// hold no vault key material; decrypted secrets arrive inside job payloads.
package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	asynqadp "github.com/scalyclaw/scalyclaw/internal/adapter/queue/asynq"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// cancelPollInterval covers the Redis-flag cancellation path for jobs whose
// subprocess is between abort boundaries.
const cancelPollInterval = 2 * time.Second

// Worker runs tool-execution and skill-execution jobs.
type Worker struct {
	cfg     config.WorkerConfig
	rdb     *redis.Client
	bus     domain.ProgressBus
	cancels domain.CancelBus
	cache   *Cache
	inst    *Installer
	logger  *slog.Logger
	procID  string

	mu    sync.Mutex
	procs map[string]*os.Process
}

// New builds a worker runtime around the shared buses.
func New(cfg config.WorkerConfig, rdb *redis.Client, bus domain.ProgressBus, cancels domain.CancelBus, logger *slog.Logger) *Worker {
	host, err := os.Hostname()
	if err != nil {
		host = "unknown"
	}
	return &Worker{
		cfg:     cfg,
		rdb:     rdb,
		bus:     bus,
		cancels: cancels,
		cache:   NewCache(cfg, logger),
		inst:    NewInstaller(cfg.DeniedCommands, logger),
		logger:  logger,
		procID:  fmt.Sprintf("%s-%d", host, os.Getpid()),
		procs:   map[string]*os.Process{},
	}
}

// SetProcessID overrides the id stamped into artifact results; main sets it
// to the registry id so the node can resolve this worker for fetch-back.
func (w *Worker) SetProcessID(id string) {
	if id != "" {
		w.procID = id
	}
}

// Cache exposes the skill cache for lifecycle wiring (reload subscription).
func (w *Worker) SkillCache() *Cache { return w.cache }

// Register mounts the worker's handlers on the queue mux.
func (w *Worker) Register(mux *asynq.ServeMux) {
	mux.Handle(domain.JobToolExecution, asynqadp.Handle(w.HandleToolExecution))
	mux.Handle(domain.JobSkillExecution, asynqadp.Handle(w.HandleSkillExecution))
}

// KillJob force-terminates the subprocess attached to a job, if any. Wired
// as the cancel bus hook so a cross-process cancel reaches a child that is
// ignoring SIGTERM.
func (w *Worker) KillJob(jobID string) {
	w.mu.Lock()
	proc := w.procs[jobID]
	w.mu.Unlock()
	if proc == nil {
		return
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		return
	}
	go func() {
		time.Sleep(termGrace)
		w.mu.Lock()
		still := w.procs[jobID]
		w.mu.Unlock()
		if still == proc {
			_ = proc.Kill()
		}
	}()
}

func (w *Worker) trackProc(jobID string, proc *os.Process) {
	w.mu.Lock()
	w.procs[jobID] = proc
	w.mu.Unlock()
}

func (w *Worker) untrackProc(jobID string) {
	w.mu.Lock()
	delete(w.procs, jobID)
	w.mu.Unlock()
}

// HandleToolExecution runs a generic worker tool. Only exec is supported;
// every other name the orchestrator may route here is a permanent error and
// surfaces through the final-failure event.
func (w *Worker) HandleToolExecution(ctx context.Context, jobID string, p domain.JobPayload) error {
	payload, ok := p.(*domain.ToolExecutionPayload)
	if !ok {
		return fmt.Errorf("op=worker.HandleToolExecution: %w: unexpected payload %T", domain.ErrSchemaInvalid, p)
	}
	if w.cancels.IsCancelled(ctx, jobID) {
		w.logger.Info("tool job cancelled before start", slog.String("job_id", jobID))
		return nil
	}
	if payload.Tool != "exec" {
		observability.ToolExecutionsTotal.WithLabelValues(payload.Tool, "unknown").Inc()
		return fmt.Errorf("op=worker.HandleToolExecution: %w: tool %q is not available on workers", domain.ErrNotFound, payload.Tool)
	}

	var args struct {
		Command   string `json:"command"`
		TimeoutMS int64  `json:"timeoutMs"`
	}
	if len(payload.Input) > 0 {
		if err := json.Unmarshal(payload.Input, &args); err != nil {
			return fmt.Errorf("op=worker.HandleToolExecution: %w: %v", domain.ErrSchemaInvalid, err)
		}
	}
	if strings.TrimSpace(args.Command) == "" {
		return fmt.Errorf("op=worker.HandleToolExecution: %w: exec needs a command", domain.ErrInvalidArgument)
	}

	timeout := w.timeout(payload.TimeoutMS, args.TimeoutMS)
	res, err := w.guarded(ctx, jobID, func(runCtx context.Context, jobDir string) (Result, error) {
		env := envWith(os.Environ(), map[string]string{"WORKSPACE_DIR": jobDir})
		return w.runProcess(runCtx, procSpec{
			jobID:    jobID,
			argv:     []string{"sh", "-c", args.Command},
			matchCmd: args.Command,
			dir:      jobDir,
			env:      env,
			timeout:  timeout,
		})
	})
	if err != nil {
		if isCancelled(ctx, err) {
			w.logger.Info("exec cancelled", slog.String("job_id", jobID))
			return fmt.Errorf("op=worker.HandleToolExecution: %w", domain.ErrCancelled)
		}
		observability.ToolExecutionsTotal.WithLabelValues("exec", "error").Inc()
		return fmt.Errorf("op=worker.HandleToolExecution: %w", err)
	}
	observability.ToolExecutionsTotal.WithLabelValues("exec", "ok").Inc()
	return w.publishResult(ctx, payload.ChannelID, jobID, res, "")
}

// HandleSkillExecution fetches, installs, and runs one skill bundle.
func (w *Worker) HandleSkillExecution(ctx context.Context, jobID string, p domain.JobPayload) error {
	payload, ok := p.(*domain.SkillExecutionPayload)
	if !ok {
		return fmt.Errorf("op=worker.HandleSkillExecution: %w: unexpected payload %T", domain.ErrSchemaInvalid, p)
	}
	if w.cancels.IsCancelled(ctx, jobID) {
		w.logger.Info("skill job cancelled before start", slog.String("job_id", jobID))
		return nil
	}

	skillDir, manifest, err := w.cache.Bundle(ctx, payload.SkillID)
	if err != nil {
		return fmt.Errorf("op=worker.HandleSkillExecution: skill %s: %w", payload.SkillID, err)
	}
	if err := w.inst.Ensure(ctx, skillDir, manifest); err != nil {
		return fmt.Errorf("op=worker.HandleSkillExecution: skill %s: %w", payload.SkillID, err)
	}

	argv, err := skillArgv(skillDir, manifest, payload.Args)
	if err != nil {
		return fmt.Errorf("op=worker.HandleSkillExecution: skill %s: %w", payload.SkillID, err)
	}
	if bad := firstDeniedArg(payload.Args, manifest.DeniedArgs); bad != "" {
		return fmt.Errorf("op=worker.HandleSkillExecution: %w: argument %q is denied by the skill manifest", domain.ErrForbidden, bad)
	}

	timeout := w.timeout(payload.TimeoutMS, manifest.TimeoutMS)
	start := time.Now()
	res, err := w.guarded(ctx, jobID, func(runCtx context.Context, jobDir string) (Result, error) {
		env := envWith(os.Environ(), payload.Secrets)
		env = envWith(env, map[string]string{"WORKSPACE_DIR": jobDir})
		if manifest.Runtime == skills.RuntimePython {
			env = venvEnv(env, skillDir)
		}
		return w.runProcess(runCtx, procSpec{
			jobID:   jobID,
			argv:    argv,
			dir:     jobDir,
			env:     env,
			stdin:   payload.Stdin,
			timeout: timeout,
		})
	})
	observability.SubprocessDuration.WithLabelValues(manifest.Runtime).Observe(time.Since(start).Seconds())
	if err != nil {
		if isCancelled(ctx, err) {
			w.logger.Info("skill cancelled", slog.String("job_id", jobID), slog.String("skill_id", payload.SkillID))
			return fmt.Errorf("op=worker.HandleSkillExecution: %w", domain.ErrCancelled)
		}
		observability.ToolExecutionsTotal.WithLabelValues("run_skill", "error").Inc()
		return fmt.Errorf("op=worker.HandleSkillExecution: skill %s: %w", payload.SkillID, err)
	}
	observability.ToolExecutionsTotal.WithLabelValues("run_skill", "ok").Inc()
	return w.publishResult(ctx, payload.ChannelID, jobID, res, w.jobDir(jobID))
}

// guarded runs fn inside a per-job workspace with the three cancellation
// levels attached: local abort registration, pub/sub delivery, and the Redis
// flag poll. The workspace is left in place; the node fetches artifacts back
// after the terminal event, so CleanupJobs reaps it later.
func (w *Worker) guarded(ctx context.Context, jobID string, fn func(runCtx context.Context, jobDir string) (Result, error)) (Result, error) {
	jobDir := w.jobDir(jobID)
	if err := os.MkdirAll(jobDir, 0o755); err != nil {
		return Result{}, fmt.Errorf("workspace: %w", err)
	}

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	w.cancels.Register(jobID, cancel)
	defer w.cancels.Unregister(jobID)

	pollDone := make(chan struct{})
	go func() {
		defer close(pollDone)
		t := time.NewTicker(cancelPollInterval)
		defer t.Stop()
		for {
			select {
			case <-runCtx.Done():
				return
			case <-t.C:
				if w.cancels.IsCancelled(runCtx, jobID) {
					cancel()
					return
				}
			}
		}
	}()
	res, err := fn(runCtx, jobDir)
	cancel()
	<-pollDone
	return res, err
}

func (w *Worker) jobDir(jobID string) string {
	return filepath.Join(w.cfg.JobsDir(), jobID)
}

// CleanupJobs removes job workspaces idle longer than olderThan. Runs on a
// timer from main; artifacts must outlive their job long enough for the node
// to fetch them back.
func (w *Worker) CleanupJobs(olderThan time.Duration) {
	entries, err := os.ReadDir(w.cfg.JobsDir())
	if err != nil {
		return
	}
	cutoff := time.Now().Add(-olderThan)
	for _, e := range entries {
		info, err := e.Info()
		if err != nil || info.ModTime().After(cutoff) {
			continue
		}
		w.mu.Lock()
		_, live := w.procs[e.Name()]
		w.mu.Unlock()
		if live {
			continue
		}
		if err := os.RemoveAll(filepath.Join(w.cfg.JobsDir(), e.Name())); err != nil {
			w.logger.Warn("job workspace cleanup failed", slog.String("job_id", e.Name()), slog.Any("error", err))
		}
	}
}

// timeout picks the effective subprocess budget: the requested value wins,
// bounded above by the configured job ceiling; zero falls back to the
// payload default and then the ceiling.
func (w *Worker) timeout(payloadMS, requestedMS int64) time.Duration {
	ms := payloadMS
	if requestedMS > 0 {
		ms = requestedMS
	}
	d := time.Duration(ms) * time.Millisecond
	if d <= 0 || d > w.cfg.JobTimeout {
		return w.cfg.JobTimeout
	}
	return d
}

// publishResult emits the terminal complete event carrying the packaged
// subprocess result. Workspace-path artifacts in stdout are rewritten first
// so the node can fetch them back.
func (w *Worker) publishResult(ctx context.Context, channelID, jobID string, res Result, workspaceDir string) error {
	stdout := res.Stdout
	if workspaceDir != "" {
		stdout = RewriteArtifacts(stdout, workspaceDir, w.procID)
	}
	body, err := json.Marshal(struct {
		Stdout          string `json:"stdout"`
		Stderr          string `json:"stderr,omitempty"`
		ExitCode        int    `json:"exitCode"`
		TruncatedStdout bool   `json:"truncatedStdout,omitempty"`
		TruncatedStderr bool   `json:"truncatedStderr,omitempty"`
		DurationMS      int64  `json:"durationMs"`
	}{stdout, res.Stderr, res.ExitCode, res.TruncatedStdout, res.TruncatedStderr, res.DurationMS})
	if err != nil {
		return fmt.Errorf("op=worker.publishResult: %w", err)
	}
	ev := domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: channelID,
		JobID:     jobID,
		Content:   string(body),
		At:        time.Now().UTC(),
	}
	if err := w.bus.Publish(context.WithoutCancel(ctx), ev); err != nil {
		return fmt.Errorf("op=worker.publishResult: %w", err)
	}
	return nil
}

func isCancelled(ctx context.Context, err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled) || ctx.Err() != nil
}
