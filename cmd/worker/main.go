// Command worker starts a ScalyClaw execution worker. Workers consume only
// the tools queue: they fetch skill bundles from the node, install them
// idempotently, and run tool and skill subprocesses inside their own
// workspace. Scale horizontally by starting more of them.
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

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/bus"
	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	asynqadp "github.com/scalyclaw/scalyclaw/internal/adapter/queue/asynq"
	"github.com/scalyclaw/scalyclaw/internal/adapter/registry"
	"github.com/scalyclaw/scalyclaw/internal/app"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/worker"
)

var version = "dev"

// jobDirMaxAge bounds how long a finished job's workspace survives before
// the periodic sweep removes it.
const jobDirMaxAge = 24 * time.Hour

func main() {
	cfg, err := config.LoadWorker()
	if err != nil {
		fmt.Fprintln(os.Stderr, "worker config load failed:", err)
		os.Exit(1)
	}

	logger := observability.SetupLogger("scalyclaw-worker", cfg.AppEnv)
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

	opt, conn := app.RedisOptions(cfg.Redis)
	rdb := redis.NewClient(opt)
	pingCtx, cancelPing := context.WithTimeout(ctx, 5*time.Second)
	err = rdb.Ping(pingCtx).Err()
	cancelPing()
	if err != nil {
		logger.Error("redis unreachable", slog.String("addr", cfg.Redis.Addr()), slog.Any("error", err))
		os.Exit(1)
	}
	defer func() { _ = rdb.Close() }()

	prog := bus.NewProgress(rdb, logger)
	cancels := bus.NewCancel(rdb, logger)
	if err := cancels.Start(ctx); err != nil {
		logger.Error("cancel bus start failed", slog.Any("error", err))
		os.Exit(1)
	}
	defer cancels.Stop()

	w := worker.New(cfg, rdb, prog, cancels, logger)
	cancels.OnCancel(w.KillJob)
	go w.SkillCache().WatchReload(ctx, rdb)
	go func() {
		tick := time.NewTicker(time.Hour)
		defer tick.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-tick.C:
				w.CleanupJobs(jobDirMaxAge)
			}
		}
	}()

	reg := registry.New(rdb, logger)
	info := registry.NewProcessInfo(domain.ProcessWorker, version)
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
	w.SetProcessID(info.ID)

	mux := asynq.NewServeMux()
	mux.Use(asynqadp.Instrument())
	w.Register(mux)
	qsrv := asynqadp.NewServer(conn, asynqadp.ServerOptions{
		Concurrency:    cfg.Concurrency,
		Queues:         asynqadp.WorkerQueues(),
		Logger:         logger,
		OnFinalFailure: asynqadp.PublishFinalFailure(prog, logger),
	})
	if err := qsrv.Start(mux); err != nil {
		logger.Error("queue server start failed", slog.Any("error", err))
		os.Exit(1)
	}

	srvHTTP := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           w.Router(),
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		logger.Info("worker starting",
			slog.String("process_id", info.ID),
			slog.Int("port", cfg.Port),
			slog.Int("concurrency", cfg.Concurrency))
		errCh <- srvHTTP.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("worker http error", slog.Any("error", err))
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

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = srvHTTP.Shutdown(shutdownCtx)

	drained := make(chan struct{})
	go func() {
		qsrv.Shutdown()
		close(drained)
	}()
	select {
	case <-drained:
	case <-time.After(30 * time.Second):
		logger.Warn("queue drain timed out")
	}
	logger.Info("worker stopped")
}
