package worker

import (
	"context"
	"log/slog"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestCapWriter_TruncatesAndFlags(t *testing.T) {
	w := &capWriter{limit: 8}

	n, err := w.Write([]byte("12345"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.False(t, w.truncated)

	n, err = w.Write([]byte("67890"))
	require.NoError(t, err)
	assert.Equal(t, 5, n)
	assert.True(t, w.truncated)
	assert.Equal(t, "12345678", w.buf.String())

	// Writes past the cap still report full length so the child never sees
	// a short-write error.
	n, err = w.Write([]byte("xyz"))
	require.NoError(t, err)
	assert.Equal(t, 3, n)
	assert.Equal(t, "12345678", w.buf.String())
}

func TestFirstDenied(t *testing.T) {
	denied := []string{"rm -rf /", "sudo", "dd if=", ""}

	assert.Equal(t, "sudo", firstDenied("sudo reboot", denied))
	assert.Equal(t, "sudo", firstDenied("env sudo reboot", denied))
	assert.Equal(t, "rm -rf /", firstDenied("rm   -rf   /tmp/x", denied))
	assert.Equal(t, "dd if=", firstDenied("dd if=/dev/sda of=/dev/null", denied))
	assert.Empty(t, firstDenied("echo sudoku", denied))
	assert.Empty(t, firstDenied("ls -la", denied))
}

func TestFirstDeniedArg(t *testing.T) {
	assert.Equal(t, "--force", firstDeniedArg([]string{"build", "--force"}, []string{"--force"}))
	assert.Empty(t, firstDeniedArg([]string{"build"}, []string{"--force"}))
	assert.Empty(t, firstDeniedArg(nil, []string{"--force"}))
}

func TestEnvWith_OverridesDuplicates(t *testing.T) {
	base := []string{"PATH=/usr/bin", "HOME=/home/u", "LANG=C"}
	out := envWith(base, map[string]string{"HOME": "/tmp/h", "EXTRA": "1"})

	assert.Contains(t, out, "PATH=/usr/bin")
	assert.Contains(t, out, "HOME=/tmp/h")
	assert.Contains(t, out, "EXTRA=1")
	assert.NotContains(t, out, "HOME=/home/u")

	// No extras means base passes through untouched.
	assert.Equal(t, base, envWith(base, nil))
}

func TestVenvEnv_PrependsBinDir(t *testing.T) {
	out := venvEnv([]string{"PATH=/usr/bin:/bin"}, "/skills/demo")

	var path, venv string
	for _, kv := range out {
		if after, ok := strings.CutPrefix(kv, "PATH="); ok {
			path = after
		}
		if after, ok := strings.CutPrefix(kv, "VIRTUAL_ENV="); ok {
			venv = after
		}
	}
	assert.Equal(t, filepath.Join("/skills/demo", ".venv"), venv)
	assert.True(t, strings.HasPrefix(path, filepath.Join(venv, "bin")+":"), "venv bin must lead PATH, got %q", path)
	assert.Contains(t, path, "/usr/bin:/bin")
}

func newProcWorker(t *testing.T) (*Worker, *miniredis.Miniredis) {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })

	cfg := config.WorkerConfig{
		WorkDir:        t.TempDir(),
		Concurrency:    1,
		DeniedCommands: []string{"rm -rf /", "sudo"},
		JobTimeout:     time.Minute,
	}
	return New(cfg, rdb, nil, nil, slog.Default()), mr
}

func TestRunProcess_CapturesOutputAndExitCode(t *testing.T) {
	w, _ := newProcWorker(t)

	res, err := w.runProcess(context.Background(), procSpec{
		jobID:   "j1",
		argv:    []string{"sh", "-c", "echo out; echo err 1>&2; exit 3"},
		dir:     t.TempDir(),
		timeout: 10 * time.Second,
	})
	require.NoError(t, err)
	assert.Equal(t, "out\n", res.Stdout)
	assert.Equal(t, "err\n", res.Stderr)
	assert.Equal(t, 3, res.ExitCode)
	assert.False(t, res.TruncatedStdout)
}

func TestRunProcess_DeniedCommand(t *testing.T) {
	w, _ := newProcWorker(t)

	_, err := w.runProcess(context.Background(), procSpec{
		jobID:    "j1",
		argv:     []string{"sh", "-c", "sudo id"},
		matchCmd: "sudo id",
		dir:      t.TempDir(),
		timeout:  time.Second,
	})
	assert.ErrorIs(t, err, domain.ErrForbidden)
}

func TestRunProcess_TimeoutKills(t *testing.T) {
	w, _ := newProcWorker(t)

	start := time.Now()
	_, err := w.runProcess(context.Background(), procSpec{
		jobID:   "j1",
		argv:    []string{"sleep", "10"},
		dir:     t.TempDir(),
		timeout: 200 * time.Millisecond,
	})
	assert.ErrorIs(t, err, domain.ErrUpstreamTimeout)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRunProcess_ParentCancelIsCancellation(t *testing.T) {
	w, _ := newProcWorker(t)

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(100 * time.Millisecond)
		cancel()
	}()
	_, err := w.runProcess(ctx, procSpec{
		jobID:   "j1",
		argv:    []string{"sleep", "10"},
		dir:     t.TempDir(),
		timeout: 30 * time.Second,
	})
	assert.ErrorIs(t, err, domain.ErrCancelled)
}

func TestRunProcess_RecordsPID(t *testing.T) {
	w, mr := newProcWorker(t)

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.runProcess(context.Background(), procSpec{
			jobID:   "pid-job",
			argv:    []string{"sleep", "2"},
			dir:     t.TempDir(),
			timeout: 10 * time.Second,
		})
	}()
	require.Eventually(t, func() bool {
		return mr.Exists(domain.KeyPID("pid-job"))
	}, 5*time.Second, 10*time.Millisecond)

	w.KillJob("pid-job")
	select {
	case <-done:
	case <-time.After(10 * time.Second):
		t.Fatal("killed job did not finish")
	}
	assert.False(t, mr.Exists(domain.KeyPID("pid-job")))
}

func TestTimeoutSelection(t *testing.T) {
	w, _ := newProcWorker(t)

	assert.Equal(t, 30*time.Second, w.timeout(30_000, 0))
	assert.Equal(t, 5*time.Second, w.timeout(30_000, 5_000))
	assert.Equal(t, w.cfg.JobTimeout, w.timeout(0, 0))
	// Requests above the ceiling clamp to it.
	assert.Equal(t, w.cfg.JobTimeout, w.timeout(0, int64((2 * time.Hour).Milliseconds())))
}
