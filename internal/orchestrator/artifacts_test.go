package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

type fakeRegistry struct{ procs []domain.ProcessInfo }

func (f *fakeRegistry) Register(domain.Context, domain.ProcessInfo) error { return nil }
func (f *fakeRegistry) Deregister(domain.Context, string) error           { return nil }
func (f *fakeRegistry) List(domain.Context) ([]domain.ProcessInfo, error) { return f.procs, nil }

func TestArtifactsCollect_DownloadsWorkerFiles(t *testing.T) {
	t.Parallel()
	files := map[string]string{
		"jobs/j-1/out/report.csv": "a,b\n1,2\n",
		"jobs/j-1/plot.png":       "pngbytes",
	}
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		body, ok := files[r.URL.Query().Get("path")]
		if !ok {
			http.NotFound(w, r)
			return
		}
		_, _ = w.Write([]byte(body))
	}))
	t.Cleanup(srv.Close)

	ws := t.TempDir()
	reg := &fakeRegistry{procs: []domain.ProcessInfo{
		{ID: "w-1", Type: domain.ProcessWorker, Extra: map[string]string{"url": srv.URL}},
	}}
	a := NewArtifacts(reg, ws, "secret-token", slog.Default())

	result := `{"output":"done","_workerFiles":["out/report.csv","plot.png"],"_workerProcessId":"w-1"}`
	rels := a.Collect(context.Background(), "j-1", result)
	assert.Equal(t, []string{"artifacts/j-1/out/report.csv", "artifacts/j-1/plot.png"}, rels)
	assert.Equal(t, "Bearer secret-token", gotAuth)

	raw, err := os.ReadFile(filepath.Join(ws, "artifacts", "j-1", "out", "report.csv"))
	require.NoError(t, err)
	assert.Equal(t, "a,b\n1,2\n", string(raw))
}

func TestArtifactsCollect_NoMarkersIsNoOp(t *testing.T) {
	t.Parallel()
	a := NewArtifacts(&fakeRegistry{}, t.TempDir(), "", slog.Default())
	assert.Nil(t, a.Collect(context.Background(), "j-1", "plain text result"))
	assert.Nil(t, a.Collect(context.Background(), "j-1", `{"output":"no files"}`))
}

func TestArtifactsCollect_UnknownWorkerSkips(t *testing.T) {
	t.Parallel()
	ws := t.TempDir()
	a := NewArtifacts(&fakeRegistry{}, ws, "", slog.Default())

	rels := a.Collect(context.Background(), "j-1", `{"_workerFiles":["x"],"_workerProcessId":"ghost"}`)
	assert.Nil(t, rels)
	entries, err := os.ReadDir(ws)
	require.NoError(t, err)
	assert.Empty(t, entries, "nothing lands without a reachable worker")
}

func TestArtifactsCollect_RejectsEscapingPaths(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = fmt.Fprint(w, "ok")
	}))
	t.Cleanup(srv.Close)

	ws := t.TempDir()
	reg := &fakeRegistry{procs: []domain.ProcessInfo{
		{ID: "w-1", Type: domain.ProcessWorker, Extra: map[string]string{"url": srv.URL}},
	}}
	a := NewArtifacts(reg, ws, "", slog.Default())

	result := `{"_workerFiles":["../../escape.txt","good.txt"],"_workerProcessId":"w-1"}`
	rels := a.Collect(context.Background(), "j-1", result)
	assert.Equal(t, []string{"artifacts/j-1/good.txt"}, rels, "escaping entry drops, the rest proceeds")
	_, err := os.Stat(filepath.Join(ws, "escape.txt"))
	assert.True(t, os.IsNotExist(err))
}
