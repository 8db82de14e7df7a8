// Command dashboard starts the ScalyClaw dashboard: a bearer-authenticated
// reverse proxy over the node API plus a static UI host. It registers in the
// same process registry as nodes and workers so /api/workers lists it.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/httpserver"
	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/adapter/registry"
	"github.com/scalyclaw/scalyclaw/internal/app"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

var version = "dev"

func main() {
	cfg, err := config.LoadDashboard()
	if err != nil {
		fmt.Fprintln(os.Stderr, "dashboard config load failed:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger("scalyclaw-dashboard", cfg.AppEnv)
	slog.SetDefault(logger)

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	target, err := url.Parse(cfg.NodeURL)
	if err != nil {
		logger.Error("bad node url", slog.String("url", cfg.NodeURL), slog.Any("error", err))
		os.Exit(1)
	}

	opt, _ := app.RedisOptions(cfg.Redis)
	rdb := redis.NewClient(opt)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("redis unreachable", slog.String("addr", cfg.Redis.Addr()), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	reg := registry.New(rdb, logger)
	info := registry.NewProcessInfo(domain.ProcessDashboard, version)
	if err := reg.Register(ctx, info); err != nil {
		logger.Error("process registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	stopHB := reg.StartHeartbeat(ctx, info)
	defer func() {
		stopHB()
		deregCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		if err := reg.Deregister(deregCtx, info.ID); err != nil {
			logger.Warn("deregister failed", slog.Any("error", err))
		}
	}()

	proxy := httputil.NewSingleHostReverseProxy(target)
	proxy.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("proxy error", slog.String("path", r.URL.Path), slog.Any("error", err))
		w.WriteHeader(http.StatusBadGateway)
		_, _ = w.Write([]byte(`{"error":"node unreachable"}`))
	}

	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.AccessLog())

	auth := httpserver.BearerAuth(cfg.Token)
	r.Group(func(pr chi.Router) {
		if cfg.Token != "" {
			pr.Use(auth)
		}
		pr.Handle("/api/*", proxy)
		pr.Handle("/ws", proxy)
	})
	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Handle("/*", http.FileServer(http.Dir(cfg.StaticDir)))

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpserver.SecurityHeaders(r),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      120 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("dashboard starting",
			slog.Int("port", cfg.Port),
			slog.String("node_url", cfg.NodeURL))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("dashboard http error", slog.Any("error", err))
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)
	logger.Info("dashboard stopped")
}
