package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	asynqadp "github.com/scalyclaw/scalyclaw/internal/adapter/queue/asynq"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// proactiveSweepEvery is the cadence of the repeatable check that fans out
// per-channel proactive checks. Half-open channels get considered at most
// this often; the per-channel cooldown does the real throttling.
const proactiveSweepEvery = 30 * time.Minute

// proactiveSweepID keys the repeatable registration so every boot upserts
// the same entry instead of stacking a new one.
const proactiveSweepID = "proactive-sweep"

// typed adapts a payload-typed handler onto the envelope contract the mux
// speaks. The assertion only fails if a job name and payload kind fall out
// of sync, which DecodePayload already rejects upstream.
func typed[P domain.JobPayload](fn func(ctx context.Context, jobID string, p P) error) func(context.Context, string, domain.JobPayload) error {
	return func(ctx context.Context, jobID string, p domain.JobPayload) error {
		tp, ok := p.(P)
		if !ok {
			return fmt.Errorf("op=app.typed: %w: unexpected payload %T", domain.ErrSchemaInvalid, p)
		}
		return fn(ctx, jobID, tp)
	}
}

// NodeMux mounts every handler the node consumes. The worker's two handlers
// live on its own mux; the queues never overlap.
func (rt *Runtime) NodeMux() *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.Use(asynqadp.Instrument())

	mux.Handle(domain.JobMessageProcessing, asynqadp.Handle(typed(rt.Processor.HandleMessage)))
	mux.Handle(domain.JobCommand, asynqadp.Handle(typed(rt.Processor.HandleCommand)))
	mux.Handle(domain.JobAgentTask, asynqadp.Handle(rt.Orchestrator.HandleAgentTask))

	// All four timer names share one handler: the payload's kind tag tells
	// the scheduler which row to fire.
	timer := asynqadp.Handle(typed(func(ctx context.Context, _ string, p *domain.SchedulePayload) error {
		return rt.Scheduler.FireTimer(ctx, p)
	}))
	mux.Handle(domain.JobReminder, timer)
	mux.Handle(domain.JobRecurrentReminder, timer)
	mux.Handle(domain.JobTask, timer)
	mux.Handle(domain.JobRecurrentTask, timer)
	mux.Handle(domain.JobScheduledFire, asynqadp.Handle(typed(rt.Deliverer.Fire)))

	mux.Handle(domain.JobMemoryExtraction, asynqadp.Handle(typed(func(ctx context.Context, _ string, p *domain.MemoryExtractionPayload) error {
		return rt.Orchestrator.ExtractMemories(ctx, p)
	})))
	mux.Handle(domain.JobProactiveCheck, asynqadp.Handle(typed(func(ctx context.Context, _ string, p *domain.ProactiveCheckPayload) error {
		return rt.Proactive.Check(ctx, p)
	})))
	mux.Handle(domain.JobProactiveFire, asynqadp.Handle(typed(rt.Proactive.Fire)))

	mux.Handle(domain.JobVaultKeyRotation, asynqadp.Handle(func(ctx context.Context, _ string, _ domain.JobPayload) error {
		return rt.Vault.Rotate(ctx)
	}))
	return mux
}

// NodeServerOptions configures the node's queue consumer.
func (rt *Runtime) NodeServerOptions() asynqadp.ServerOptions {
	return asynqadp.ServerOptions{
		Queues:         asynqadp.NodeQueues(),
		Logger:         rt.Logger,
		OnFinalFailure: asynqadp.PublishFinalFailure(rt.Bus, rt.Logger),
	}
}

// Bootstrap replays persisted schedule timers and arms the proactive sweep.
// Run once per node boot, before StartScheduler; repeatable registrations
// are process-local and rebuilt here every time.
func (rt *Runtime) Bootstrap(ctx context.Context) error {
	if err := rt.Scheduler.Reconcile(ctx); err != nil {
		return fmt.Errorf("op=app.Bootstrap: %w", err)
	}
	if rt.Cfg.Proactive.Enabled {
		if _, err := rt.Broker.Enqueue(ctx, domain.JobSpec{
			ID:      proactiveSweepID,
			Name:    domain.JobProactiveCheck,
			Payload: &domain.ProactiveCheckPayload{},
			Repeat:  &domain.RepeatSpec{EveryMS: proactiveSweepEvery.Milliseconds()},
		}); err != nil {
			return fmt.Errorf("op=app.Bootstrap: %w", err)
		}
	}
	return nil
}

// WatchReload applies config, skills, and MCP reload broadcasts: the prompt
// cache drops on any of them, and a skills reload re-reads the catalog. The
// returned stop func closes the subscription and waits the loop out.
func (rt *Runtime) WatchReload(ctx context.Context) func() {
	sub := rt.RDB.Subscribe(ctx, domain.ChanConfigReload, domain.ChanSkillsReload, domain.ChanMCPReload)
	done := make(chan struct{})
	go func() {
		defer close(done)
		for msg := range sub.Channel() {
			if msg.Channel == domain.ChanSkillsReload {
				if err := rt.Catalog.Scan(ctx); err != nil {
					rt.Logger.Warn("skill rescan failed", slog.Any("error", err))
				}
			}
			rt.Prompt.Invalidate()
			rt.Logger.Info("reload applied", slog.String("channel", msg.Channel))
		}
	}()
	return func() {
		_ = sub.Close()
		<-done
	}
}
