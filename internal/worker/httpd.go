package worker

import (
	"crypto/sha256"
	"crypto/subtle"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// tokenEqual compares bearer tokens in constant time independent of length;
// hashing both sides first keeps the comparison width fixed.
func tokenEqual(a, b string) bool {
	ha := sha256.Sum256([]byte(a))
	hb := sha256.Sum256([]byte(b))
	return subtle.ConstantTimeCompare(ha[:], hb[:]) == 1
}

func bearerToken(r *http.Request) string {
	h := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(h) > len(prefix) && strings.EqualFold(h[:len(prefix)], prefix) {
		return h[len(prefix):]
	}
	return ""
}

// Router serves the worker's small HTTP surface: health, metrics, and
// workspace reads for artifact fetch-back by the node.
func (w *Worker) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(chimw.Recoverer)
	r.Use(chimw.Timeout(30 * time.Second))

	r.Get("/healthz", func(rw http.ResponseWriter, _ *http.Request) {
		rw.Header().Set("Content-Type", "application/json")
		_, _ = rw.Write([]byte(`{"status":"ok"}`))
	})
	r.Handle("/metrics", promhttp.Handler())
	r.Get("/api/worker/workspace", w.handleWorkspaceFile)
	return r
}

func (w *Worker) handleWorkspaceFile(rw http.ResponseWriter, req *http.Request) {
	if w.cfg.Token != "" && !tokenEqual(bearerToken(req), w.cfg.Token) {
		writeWorkerError(rw, http.StatusUnauthorized, "invalid or missing token")
		return
	}
	abs, err := domain.ResolveUnder(w.cfg.WorkDir, req.URL.Query().Get("path"))
	if err != nil {
		status := http.StatusForbidden
		if errors.Is(err, domain.ErrInvalidArgument) {
			status = http.StatusBadRequest
		}
		writeWorkerError(rw, status, err.Error())
		return
	}
	info, err := os.Stat(abs)
	if err != nil || !info.Mode().IsRegular() {
		writeWorkerError(rw, http.StatusNotFound, "no such file")
		return
	}
	rw.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeFile(rw, req, abs)
}

func writeWorkerError(rw http.ResponseWriter, status int, msg string) {
	rw.Header().Set("Content-Type", "application/json")
	rw.WriteHeader(status)
	_, _ = fmt.Fprintf(rw, `{"error":%q}`, msg)
}
