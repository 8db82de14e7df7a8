// Command node starts the ScalyClaw primary process: the HTTP/WS gateway,
// the message processor, the orchestrator, the scheduler, and the system
// queue consumers. Exactly one node runs per deployment.
package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	asynqadp "github.com/scalyclaw/scalyclaw/internal/adapter/queue/asynq"
	"github.com/scalyclaw/scalyclaw/internal/app"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// version is stamped by the build (-ldflags "-X main.version=...").
var version = "dev"

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config load failed:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger("scalyclaw-node", cfg.AppEnv)
	slog.SetDefault(logger)
	observability.InitMetrics()

	shutdownTracer, err := observability.SetupTracing(cfg.OTLPEndpoint, cfg.OTELServiceName, cfg.AppEnv)
	if err != nil {
		logger.Error("tracing setup failed", slog.Any("error", err))
	}
	defer func() {
		if shutdownTracer != nil {
			_ = shutdownTracer(context.Background())
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := app.NewRuntime(ctx, cfg, version, logger)
	if err != nil {
		logger.Error("bootstrap failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Close()

	if err := rt.Bus.Start(ctx); err != nil {
		logger.Error("progress bus start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Bus.Stop()
	if err := rt.Cancels.Start(ctx); err != nil {
		logger.Error("cancel bus start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer rt.Cancels.Stop()

	deregister, err := rt.RegisterProcess(ctx, domain.ProcessNode)
	if err != nil {
		logger.Error("process registration failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer deregister()

	if err := rt.Bootstrap(ctx); err != nil {
		logger.Error("bootstrap reconcile failed", slog.Any("error", err))
		os.Exit(1)
	}

	qsrv := asynqadp.NewServer(rt.Conn(), rt.NodeServerOptions())
	if err := qsrv.Start(rt.NodeMux()); err != nil {
		logger.Error("queue server start failed", slog.Any("error", err))
		os.Exit(1)
	}
	if err := rt.Broker.StartScheduler(); err != nil {
		logger.Error("scheduler start failed", slog.Any("error", err))
		qsrv.Shutdown()
		os.Exit(1)
	}
	stopReload := rt.WatchReload(ctx)
	defer stopReload()

	handler := app.BuildRouter(cfg, rt.Server)
	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Gateway.Port),
		Handler:           handler,
		ReadTimeout:       cfg.HTTPReadTimeout,
		WriteTimeout:      cfg.HTTPWriteTimeout,
		IdleTimeout:       cfg.HTTPIdleTimeout,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("gateway starting", slog.Int("port", cfg.Gateway.Port), slog.String("version", version))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("gateway error", slog.Any("error", err))
		}
	}
	stop()

	// A second signal while draining means get out now.
	forceCh := make(chan os.Signal, 1)
	signal.Notify(forceCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		<-forceCh
		logger.Error("second signal; aborting shutdown")
		os.Exit(1)
	}()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ServerShutdownTimeout)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	rt.Broker.StopScheduler()
	drained := make(chan struct{})
	go func() {
		qsrv.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(cfg.QueueDrainTimeout):
		logger.Warn("queue drain timed out")
	}
	logger.Info("node stopped")
}
