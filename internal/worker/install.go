package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

const (
	// markerFile holds the fingerprint of the last successful install.
	markerFile = ".scalyclaw-installed"
	// installTimeout is deliberately generous; dependency resolution can be
	// slow on a cold cache.
	installTimeout = 10 * time.Minute
	// installOutputCap bounds the output kept for error reporting.
	installOutputCap = 64 * 1024
)

// Installer makes fetched bundles runnable. Ensure is idempotent: a marker
// fingerprint matching the current install inputs skips the work entirely.
type Installer struct {
	denied []string
	logger *slog.Logger
	sf     singleflight.Group
}

func NewInstaller(denied []string, logger *slog.Logger) *Installer {
	return &Installer{denied: denied, logger: logger}
}

// Fingerprint hashes everything that determines an install's outcome: the
// install commands and the dependency file contents. Missing dep files
// contribute nothing, so adding one later changes the fingerprint.
func Fingerprint(skillDir string, m skills.Manifest) (string, error) {
	h := sha256.New()
	for _, cmd := range m.Install {
		_, _ = io.WriteString(h, cmd)
		h.Write([]byte{0})
	}
	for _, name := range m.DependencyFiles() {
		b, err := os.ReadFile(filepath.Join(skillDir, name))
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return "", fmt.Errorf("op=worker.Fingerprint: %s: %w", name, err)
		}
		_, _ = io.WriteString(h, name)
		h.Write([]byte{0})
		h.Write(b)
		h.Write([]byte{0})
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

// Ensure installs the bundle if its fingerprint changed. Concurrent calls
// for the same directory collapse to one install.
func (ins *Installer) Ensure(ctx context.Context, skillDir string, m skills.Manifest) error {
	_, err, _ := ins.sf.Do(skillDir, func() (any, error) {
		return nil, ins.ensure(ctx, skillDir, m)
	})
	return err
}

func (ins *Installer) ensure(ctx context.Context, skillDir string, m skills.Manifest) error {
	if err := preflight(skillDir, m); err != nil {
		return err
	}
	want, err := Fingerprint(skillDir, m)
	if err != nil {
		return err
	}
	if cur, err := os.ReadFile(filepath.Join(skillDir, markerFile)); err == nil && strings.TrimSpace(string(cur)) == want {
		return nil
	}

	env := os.Environ()
	if m.Runtime == skills.RuntimePython {
		if err := ins.ensureVenv(ctx, skillDir); err != nil {
			return err
		}
		env = venvEnv(env, skillDir)
	}
	for _, cmdline := range m.Install {
		if pat := firstDenied(cmdline, ins.denied); pat != "" {
			return fmt.Errorf("op=worker.install: %w: install command matches denylist entry %q", domain.ErrForbidden, pat)
		}
		ins.logger.Info("running install step", slog.String("dir", skillDir), slog.String("command", cmdline))
		if err := ins.run(ctx, skillDir, env, "sh", "-c", cmdline); err != nil {
			return fmt.Errorf("op=worker.install: %q: %w", cmdline, err)
		}
	}
	if err := os.WriteFile(filepath.Join(skillDir, markerFile), []byte(want+"\n"), 0o644); err != nil {
		return fmt.Errorf("op=worker.install: marker: %w", err)
	}
	return nil
}

// preflight verifies the declared runtime is actually runnable before any
// install work happens, so a missing interpreter fails with a clear message
// instead of a confusing install error.
func preflight(skillDir string, m skills.Manifest) error {
	switch m.Runtime {
	case skills.RuntimePython:
		if _, err := exec.LookPath("python3"); err != nil {
			return fmt.Errorf("op=worker.preflight: %w: python3 is not on PATH", domain.ErrNotFound)
		}
	case skills.RuntimeNode:
		if _, err := exec.LookPath("node"); err != nil {
			return fmt.Errorf("op=worker.preflight: %w: node is not on PATH", domain.ErrNotFound)
		}
	case skills.RuntimeBinary:
		entry, err := domain.ResolveUnder(skillDir, m.Entrypoint)
		if err != nil {
			return fmt.Errorf("op=worker.preflight: %w", err)
		}
		info, err := os.Stat(entry)
		if err != nil || info.IsDir() {
			return fmt.Errorf("op=worker.preflight: %w: entrypoint %q missing", domain.ErrNotFound, m.Entrypoint)
		}
	default:
		return fmt.Errorf("op=worker.preflight: %w: unknown runtime %q", domain.ErrSchemaInvalid, m.Runtime)
	}
	return nil
}

func (ins *Installer) ensureVenv(ctx context.Context, skillDir string) error {
	if _, err := os.Stat(filepath.Join(skillDir, ".venv", "bin", "python")); err == nil {
		return nil
	}
	if err := ins.run(ctx, skillDir, os.Environ(), "python3", "-m", "venv", ".venv"); err != nil {
		return fmt.Errorf("op=worker.ensureVenv: %w", err)
	}
	return nil
}

func (ins *Installer) run(ctx context.Context, dir string, env []string, name string, args ...string) error {
	runCtx, cancel := context.WithTimeout(ctx, installTimeout)
	defer cancel()
	cmd := exec.CommandContext(runCtx, name, args...)
	cmd.Dir = dir
	cmd.Env = env
	out := &capWriter{limit: installOutputCap}
	cmd.Stdout = out
	cmd.Stderr = out
	cmd.Cancel = func() error { return cmd.Process.Signal(syscall.SIGTERM) }
	cmd.WaitDelay = termGrace
	if err := cmd.Run(); err != nil {
		if runCtx.Err() != nil {
			return fmt.Errorf("%w after %s", domain.ErrUpstreamTimeout, installTimeout)
		}
		return fmt.Errorf("%w: %s", err, strings.TrimSpace(out.buf.String()))
	}
	return nil
}

// skillArgv builds the launch command for a bundle. Python prefers the venv
// interpreter directly since exec resolves argv[0] against the parent PATH,
// not the child's.
func skillArgv(skillDir string, m skills.Manifest, args []string) ([]string, error) {
	entry, err := domain.ResolveUnder(skillDir, m.Entrypoint)
	if err != nil {
		return nil, fmt.Errorf("op=worker.skillArgv: entrypoint: %w", err)
	}
	switch m.Runtime {
	case skills.RuntimePython:
		py := filepath.Join(skillDir, ".venv", "bin", "python")
		if _, err := os.Stat(py); err != nil {
			py = "python3"
		}
		return append([]string{py, entry}, args...), nil
	case skills.RuntimeNode:
		return append([]string{"node", entry}, args...), nil
	case skills.RuntimeBinary:
		return append([]string{entry}, args...), nil
	default:
		return nil, fmt.Errorf("op=worker.skillArgv: %w: unknown runtime %q", domain.ErrSchemaInvalid, m.Runtime)
	}
}
