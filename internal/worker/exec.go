package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

const (
	// outputCap bounds each captured stream; overflow sets a truncation flag
	// instead of failing the job.
	outputCap = 10 << 20
	// termGrace is how long a child gets between SIGTERM and SIGKILL.
	termGrace = 3 * time.Second
)

// capWriter retains at most limit bytes and remembers that more arrived.
type capWriter struct {
	limit     int
	buf       bytes.Buffer
	truncated bool
}

func (w *capWriter) Write(p []byte) (int, error) {
	n := len(p)
	room := w.limit - w.buf.Len()
	if room <= 0 {
		if n > 0 {
			w.truncated = true
		}
		return n, nil
	}
	if n > room {
		p = p[:room]
		w.truncated = true
	}
	w.buf.Write(p)
	return n, nil
}

// Result packages a finished subprocess. A non-zero exit code is a normal
// result, never an error.
type Result struct {
	Stdout          string
	Stderr          string
	ExitCode        int
	TruncatedStdout bool
	TruncatedStderr bool
	DurationMS      int64
}

type procSpec struct {
	jobID string
	argv  []string
	// matchCmd overrides the denylist text when argv wraps a shell line;
	// empty means match the joined argv.
	matchCmd string
	dir      string
	env      []string
	stdin    string
	timeout  time.Duration
}

// firstDenied returns the denylist pattern the command line trips, empty when
// clean. Patterns match at token boundaries but may end mid-token, so
// "dd if=" catches "dd if=/dev/sda".
func firstDenied(cmdline string, patterns []string) string {
	joined := " " + strings.Join(strings.Fields(cmdline), " ")
	for _, pat := range patterns {
		p := strings.TrimSpace(pat)
		if p == "" {
			continue
		}
		if strings.Contains(joined, " "+p) {
			return pat
		}
	}
	return ""
}

// firstDeniedArg checks skill arguments against the manifest denylist.
func firstDeniedArg(args, denied []string) string {
	for _, a := range args {
		for _, d := range denied {
			if d != "" && strings.Contains(a, d) {
				return a
			}
		}
	}
	return ""
}

// runProcess spawns one bounded subprocess. Cancellation delivers SIGTERM
// and escalates to SIGKILL after the grace window; while the child runs its
// pid is published at scalyclaw:pid:{jobId} for out-of-band kills.
func (w *Worker) runProcess(ctx context.Context, spec procSpec) (Result, error) {
	if len(spec.argv) == 0 {
		return Result{}, fmt.Errorf("op=worker.runProcess: %w: empty argv", domain.ErrInvalidArgument)
	}
	matchText := spec.matchCmd
	if matchText == "" {
		matchText = strings.Join(spec.argv, " ")
	}
	if pat := firstDenied(matchText, w.cfg.DeniedCommands); pat != "" {
		return Result{}, fmt.Errorf("op=worker.runProcess: %w: command matches denylist entry %q", domain.ErrForbidden, pat)
	}

	runCtx, cancel := context.WithTimeout(ctx, spec.timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, spec.argv[0], spec.argv[1:]...)
	cmd.Dir = spec.dir
	cmd.Env = spec.env
	if spec.stdin != "" {
		cmd.Stdin = strings.NewReader(spec.stdin)
	}
	stdout := &capWriter{limit: outputCap}
	stderr := &capWriter{limit: outputCap}
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	cmd.Cancel = func() error {
		return cmd.Process.Signal(syscall.SIGTERM)
	}
	cmd.WaitDelay = termGrace

	start := time.Now()
	if err := cmd.Start(); err != nil {
		return Result{}, fmt.Errorf("op=worker.runProcess: start %s: %w", spec.argv[0], err)
	}
	w.trackProc(spec.jobID, cmd.Process)
	w.recordPID(runCtx, spec.jobID, cmd.Process.Pid, spec.timeout)

	waitErr := cmd.Wait()
	w.untrackProc(spec.jobID)
	w.clearPID(spec.jobID)

	res := Result{
		Stdout:          stdout.buf.String(),
		Stderr:          stderr.buf.String(),
		TruncatedStdout: stdout.truncated,
		TruncatedStderr: stderr.truncated,
		DurationMS:      time.Since(start).Milliseconds(),
	}
	if waitErr == nil {
		return res, nil
	}

	var exitErr *exec.ExitError
	switch {
	case ctx.Err() != nil:
		return Result{}, fmt.Errorf("op=worker.runProcess: %w", domain.ErrCancelled)
	case runCtx.Err() != nil:
		return Result{}, fmt.Errorf("op=worker.runProcess: %w: killed after %s", domain.ErrUpstreamTimeout, spec.timeout)
	case errors.As(waitErr, &exitErr):
		res.ExitCode = exitErr.ExitCode()
		return res, nil
	default:
		return Result{}, fmt.Errorf("op=worker.runProcess: %w", waitErr)
	}
}

func (w *Worker) recordPID(ctx context.Context, jobID string, pid int, timeout time.Duration) {
	if err := w.rdb.Set(ctx, domain.KeyPID(jobID), pid, timeout+time.Minute).Err(); err != nil {
		w.logger.Warn("pid record failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (w *Worker) clearPID(jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := w.rdb.Del(ctx, domain.KeyPID(jobID)).Err(); err != nil {
		w.logger.Warn("pid clear failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// envWith overlays extra variables onto base, replacing duplicates.
func envWith(base []string, extra map[string]string) []string {
	if len(extra) == 0 {
		return base
	}
	out := make([]string, 0, len(base)+len(extra))
	for _, kv := range base {
		key, _, ok := strings.Cut(kv, "=")
		if ok {
			if _, shadowed := extra[key]; shadowed {
				continue
			}
		}
		out = append(out, kv)
	}
	for k, v := range extra {
		out = append(out, k+"="+v)
	}
	return out
}

// venvEnv activates the skill's virtualenv for a python child: bin dir first
// on PATH plus VIRTUAL_ENV, the same shape `source .venv/bin/activate` sets.
func venvEnv(env []string, skillDir string) []string {
	venv := filepath.Join(skillDir, ".venv")
	path := filepath.Join(venv, "bin")
	for _, kv := range env {
		if after, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = path + ":" + after
			break
		}
	}
	return envWith(env, map[string]string{"VIRTUAL_ENV": venv, "PATH": path})
}
