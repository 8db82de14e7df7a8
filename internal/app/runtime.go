// Package app wires the node runtime. One constructor builds every long-lived
// component in dependency order; the lifecycle helpers hang the queue mux,
// repeatable jobs, and reload listener off that wiring. Process concerns
// (signals, servers, shutdown order) stay in the mains.
package app

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/hibiken/asynq"
	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/ai"
	"github.com/scalyclaw/scalyclaw/internal/adapter/ai/tokencount"
	"github.com/scalyclaw/scalyclaw/internal/adapter/bus"
	"github.com/scalyclaw/scalyclaw/internal/adapter/httpserver"
	asynqadp "github.com/scalyclaw/scalyclaw/internal/adapter/queue/asynq"
	"github.com/scalyclaw/scalyclaw/internal/adapter/registry"
	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/proactive"
	"github.com/scalyclaw/scalyclaw/internal/processor"
	"github.com/scalyclaw/scalyclaw/internal/scheduler"
	"github.com/scalyclaw/scalyclaw/internal/service/ratelimiter"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/internal/vault"
)

// Runtime is the wired node: every component constructed once, in dependency
// order, against one Redis connection. Mains own process lifecycle; Runtime
// owns wiring.
type Runtime struct {
	Cfg    config.Config
	Logger *slog.Logger
	RDB    *redis.Client

	Broker       *asynqadp.Broker
	Bus          *bus.Progress
	Cancels      *bus.Cancel
	Registry     *registry.Registry
	Vault        *vault.Vault
	Messages     *store.Messages
	Memory       *store.Memories
	Channels     *store.Channels
	Overlay      *store.Overlay
	Catalog      *skills.Catalog
	Budget       *budget.Budget
	Guards       *guard.Pipeline
	Prompt       *orchestrator.Prompt
	Orchestrator *orchestrator.Orchestrator
	Processor    *processor.Processor
	Scheduler    *scheduler.Service
	Deliverer    *scheduler.Deliverer
	Proactive    *proactive.Engine
	Server       *httpserver.Server

	conn    asynq.RedisClientOpt
	version string
}

// RedisOptions renders the connection settings shared by the go-redis client
// and the asynq broker from one config block.
func RedisOptions(rc config.RedisConfig) (*redis.Options, asynq.RedisClientOpt) {
	var tlsCfg *tls.Config
	if rc.TLS {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	opt := &redis.Options{Addr: rc.Addr(), Password: rc.Password, TLSConfig: tlsCfg}
	conn := asynq.RedisClientOpt{Addr: rc.Addr(), Password: rc.Password, TLSConfig: tlsCfg}
	return opt, conn
}

// NewRuntime builds the node. It fails fast on anything the process cannot
// run without: unreachable Redis, an unreadable vault key, a broken home
// directory.
func NewRuntime(ctx context.Context, cfg config.Config, version string, logger *slog.Logger) (*Runtime, error) {
	for _, dir := range []string{cfg.SkillsDir(), cfg.WorkspaceDir(), cfg.MindDir()} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("op=app.NewRuntime: %w", err)
		}
	}

	opt, conn := RedisOptions(cfg.Redis)
	rdb := redis.NewClient(opt)
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := rdb.Ping(pingCtx).Err(); err != nil {
		return nil, fmt.Errorf("op=app.NewRuntime: redis %s: %w", cfg.Redis.Addr(), err)
	}

	vlt, err := vault.Open(rdb, logger, cfg.PasswordFile())
	if err != nil {
		return nil, fmt.Errorf("op=app.NewRuntime: %w", err)
	}

	messages := store.NewMessages(rdb, logger)
	memory := store.NewMemories(rdb, logger)
	channels := store.NewChannels(rdb)
	overlay := store.NewOverlay(rdb)

	catalog := skills.NewCatalog(cfg.SkillsDir(), rdb, logger)
	if err := catalog.Scan(ctx); err != nil {
		logger.Warn("initial skill scan failed", slog.Any("error", err))
	}

	// The vault doubles as the key source so a rotated provider key applies
	// on the next call, not the next restart.
	aicl := ai.WithBreaker(ai.New(cfg, vlt, logger), cfg.LLM.Model)

	var classifier guard.Classifier
	if cfg.Guard.UseClassifier {
		classifier = &guard.LLMClassifier{AI: aicl, Model: cfg.LLM.Model}
	}
	guards := guard.New(cfg.Guard, classifier, logger)

	broker := asynqadp.New(conn, logger)
	broker.AttachScheduler(conn, time.UTC)
	prog := bus.NewProgress(rdb, logger)
	cancels := bus.NewCancel(rdb, logger)
	reg := registry.New(rdb, logger)
	bdg := budget.New(rdb, tokencount.NewCounter(), cfg.Budget, logger)
	sched := scheduler.New(rdb, broker, logger)

	local := tools.NewRegistry(logger)
	if err := tools.RegisterLocal(local, tools.LocalDeps{
		Bus:       prog,
		Memory:    memory,
		Vault:     vlt,
		Registry:  reg,
		Scheduler: sched,
		Version:   version,
	}); err != nil {
		return nil, fmt.Errorf("op=app.NewRuntime: %w", err)
	}

	prompt := orchestrator.NewPrompt(overlay, catalog, memory, cfg.MindDir(), logger)
	artifacts := orchestrator.NewArtifacts(reg, cfg.WorkspaceDir(), cfg.Gateway.Token, logger)
	orch := orchestrator.New(cfg.LLM, aicl, bdg, broker, prog, cancels, messages, memory,
		vlt, guards, local, catalog, prompt, artifacts, logger)

	deliverer := scheduler.NewDeliverer(sched, messages, prog, orch, logger)
	engine := proactive.New(cfg.Proactive, rdb, broker, channels, orch, prog, logger)

	proc := processor.New(processor.Deps{
		RDB:      rdb,
		Guards:   guards,
		Engine:   orch,
		Bus:      prog,
		Cancels:  cancels,
		Channels: channels,
		Messages: messages,
		Broker:   broker,
		Sched:    sched,
		Registry: reg,
		Vault:    vlt,
		Budget:   bdg,
		Version:  version,
		Logger:   logger,
	})

	redisCheck, vaultCheck := BuildReadinessChecks(rdb, vlt)
	srv := &httpserver.Server{
		Cfg:        cfg,
		Broker:     broker,
		Counter:    broker,
		Bus:        prog,
		Cancels:    cancels,
		Registry:   reg,
		Vault:      vlt,
		Scheduler:  sched,
		Messages:   messages,
		Memory:     memory,
		Overlay:    overlay,
		Catalog:    catalog,
		Budget:     bdg,
		Prompt:     prompt,
		Limiter:    ratelimiter.NewFixedWindow(rdb, logger, cfg.Gateway.RateLimitPerMin, time.Minute),
		RedisCheck: redisCheck,
		VaultCheck: vaultCheck,
	}

	return &Runtime{
		Cfg:          cfg,
		Logger:       logger,
		RDB:          rdb,
		Broker:       broker,
		Bus:          prog,
		Cancels:      cancels,
		Registry:     reg,
		Vault:        vlt,
		Messages:     messages,
		Memory:       memory,
		Channels:     channels,
		Overlay:      overlay,
		Catalog:      catalog,
		Budget:       bdg,
		Guards:       guards,
		Prompt:       prompt,
		Orchestrator: orch,
		Processor:    proc,
		Scheduler:    sched,
		Deliverer:    deliverer,
		Proactive:    engine,
		Server:       srv,
		conn:         conn,
		version:      version,
	}, nil
}

// Conn exposes the queue connection settings for processes that build their
// own asynq server.
func (rt *Runtime) Conn() asynq.RedisClientOpt { return rt.conn }

// Version reports what NewRuntime was built with.
func (rt *Runtime) Version() string { return rt.version }

// Close releases the broker client and the Redis connection. Call after the
// queue servers and buses have stopped.
func (rt *Runtime) Close() {
	if err := rt.Broker.Close(); err != nil {
		rt.Logger.Warn("broker close failed", slog.Any("error", err))
	}
	if err := rt.RDB.Close(); err != nil {
		rt.Logger.Warn("redis close failed", slog.Any("error", err))
	}
}

// RegisterProcess writes this process into the registry and starts its
// heartbeat. The returned stop func halts the heartbeat and deregisters.
func (rt *Runtime) RegisterProcess(ctx context.Context, ptype domain.ProcessType) (func(), error) {
	info := registry.NewProcessInfo(ptype, rt.version)
	if err := rt.Registry.Register(ctx, info); err != nil {
		return nil, fmt.Errorf("op=app.RegisterProcess: %w", err)
	}
	stopHB := rt.Registry.StartHeartbeat(ctx, info)
	return func() {
		stopHB()
		deregCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 2*time.Second)
		defer cancel()
		if err := rt.Registry.Deregister(deregCtx, info.ID); err != nil {
			rt.Logger.Warn("deregister failed", slog.String("process_id", info.ID), slog.Any("error", err))
		}
	}, nil
}
