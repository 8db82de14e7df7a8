// Package proactive decides when the assistant reaches out unprompted. A
// periodic check per channel weighs recent activity against a cooldown and a
// daily cap; an allowed check enqueues a system-queue fire that runs the
// orchestrator with a check-in prompt.
package proactive

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

const (
	// quietAfter is how long a channel must be silent before a check-in is
	// worth considering; pinging someone mid-conversation is noise.
	quietAfter = 30 * time.Minute
	// staleAfter drops channels that have gone cold entirely.
	staleAfter = 14 * 24 * time.Hour
)

// Activity reads channel activity clocks. The channel store satisfies it.
type Activity interface {
	LastActivity(ctx context.Context, channelID string) (time.Time, error)
	ActiveChannels(ctx context.Context) ([]string, error)
}

// Runner produces the assistant turn for a fire. The orchestrator satisfies
// it.
type Runner interface {
	RunPrompt(ctx domain.Context, channelID, jobID, prompt string) (string, error)
}

// Engine implements the proactive-check and proactive-fire handlers.
type Engine struct {
	cfg      config.ProactiveConfig
	rdb      *redis.Client
	broker   domain.Broker
	activity Activity
	runner   Runner
	bus      domain.ProgressBus
	logger   *slog.Logger

	now func() time.Time
}

func New(cfg config.ProactiveConfig, rdb *redis.Client, broker domain.Broker, activity Activity, runner Runner, bus domain.ProgressBus, logger *slog.Logger) *Engine {
	return &Engine{
		cfg:      cfg,
		rdb:      rdb,
		broker:   broker,
		activity: activity,
		runner:   runner,
		bus:      bus,
		logger:   logger,
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Check is the proactive-check handler. A payload without a channel is the
// periodic sweep: it fans one check per active channel back onto the queue.
// Check never errors on a "not now" verdict; only infrastructure trouble
// propagates for retry.
func (e *Engine) Check(ctx context.Context, p *domain.ProactiveCheckPayload) error {
	if !e.cfg.Enabled {
		return nil
	}
	if p.ChannelID == "" {
		return e.sweep(ctx)
	}
	reason, ok, err := e.shouldFire(ctx, p.ChannelID)
	if err != nil {
		return err
	}
	if !ok {
		e.logger.Debug("proactive check declined",
			slog.String("channel_id", p.ChannelID), slog.String("reason", reason))
		return nil
	}
	if _, err := e.broker.Enqueue(ctx, domain.JobSpec{
		Name:    domain.JobProactiveFire,
		Payload: &domain.ProactiveFirePayload{ChannelID: p.ChannelID, Reason: reason},
	}); err != nil {
		return fmt.Errorf("op=proactive.Check: %w", err)
	}
	e.logger.Info("proactive fire enqueued",
		slog.String("channel_id", p.ChannelID), slog.String("reason", reason))
	return nil
}

// sweep enqueues one per-channel check for every channel with an activity
// clock. The per-channel jobs carry the real verdict logic so one slow
// channel cannot starve the rest.
func (e *Engine) sweep(ctx context.Context) error {
	channels, err := e.activity.ActiveChannels(ctx)
	if err != nil {
		return fmt.Errorf("op=proactive.sweep: %w", err)
	}
	for _, ch := range channels {
		if _, err := e.broker.Enqueue(ctx, domain.JobSpec{
			Name:    domain.JobProactiveCheck,
			Payload: &domain.ProactiveCheckPayload{ChannelID: ch},
		}); err != nil {
			return fmt.Errorf("op=proactive.sweep: channel %s: %w", ch, err)
		}
	}
	if len(channels) > 0 {
		e.logger.Debug("proactive sweep fanned out", slog.Int("channels", len(channels)))
	}
	return nil
}

// shouldFire applies, in order: cooldown flag, daily cap, activity window.
func (e *Engine) shouldFire(ctx context.Context, channelID string) (string, bool, error) {
	n, err := e.rdb.Exists(ctx, domain.KeyProactiveCooldown(channelID)).Result()
	if err != nil {
		return "", false, fmt.Errorf("op=proactive.shouldFire: %w", err)
	}
	if n > 0 {
		return "cooldown", false, nil
	}

	if limit := e.cfg.DailyCap; limit > 0 {
		raw, err := e.rdb.Get(ctx, domain.KeyProactiveDaily(channelID)).Result()
		if err != nil && err != redis.Nil {
			return "", false, fmt.Errorf("op=proactive.shouldFire: %w", err)
		}
		count, _ := strconv.Atoi(raw)
		if count >= limit {
			return "daily-cap", false, nil
		}
	}

	last, err := e.activity.LastActivity(ctx, channelID)
	if err != nil {
		return "", false, err
	}
	if last.IsZero() {
		return "never-active", false, nil
	}
	idle := e.now().Sub(last)
	if idle < quietAfter {
		return "recently-active", false, nil
	}
	if idle > staleAfter {
		return "stale-channel", false, nil
	}
	return fmt.Sprintf("idle %s", idle.Round(time.Minute)), true, nil
}

// Fire is the proactive-fire handler: run the check-in prompt, deliver the
// reply as a complete event, then arm cooldown and bump the daily counter.
// Cooldown is set only after a successful run so a failed fire can retry.
func (e *Engine) Fire(ctx context.Context, jobID string, p *domain.ProactiveFirePayload) error {
	prompt := checkinPrompt(p.Reason)
	reply, err := e.runner.RunPrompt(ctx, p.ChannelID, jobID, prompt)
	if err != nil {
		return fmt.Errorf("op=proactive.Fire: %w", err)
	}
	// The model may decide silence is the right move.
	if strings.EqualFold(strings.TrimSpace(reply), "SKIP") {
		e.logger.Info("proactive fire skipped by model", slog.String("channel_id", p.ChannelID))
		e.arm(ctx, p.ChannelID)
		return nil
	}
	if err := e.bus.Publish(ctx, domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: p.ChannelID,
		JobID:     jobID,
		Content:   reply,
		Meta:      map[string]string{"proactive": "true"},
		At:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=proactive.Fire: %w", err)
	}
	e.arm(ctx, p.ChannelID)
	return nil
}

// arm sets the cooldown flag and bumps the daily counter with a
// midnight-aligned TTL.
func (e *Engine) arm(ctx context.Context, channelID string) {
	cooldown := e.cfg.Cooldown
	if cooldown <= 0 {
		cooldown = 4 * time.Hour
	}
	now := e.now()
	midnight := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC).Add(24 * time.Hour)

	pipe := e.rdb.Pipeline()
	pipe.Set(ctx, domain.KeyProactiveCooldown(channelID), "1", cooldown)
	pipe.Incr(ctx, domain.KeyProactiveDaily(channelID))
	pipe.ExpireAt(ctx, domain.KeyProactiveDaily(channelID), midnight)
	if _, err := pipe.Exec(ctx); err != nil {
		e.logger.Warn("proactive bookkeeping failed",
			slog.String("channel_id", channelID), slog.Any("error", err))
	}
}

func checkinPrompt(reason string) string {
	var b strings.Builder
	b.WriteString("It has been a while since the user last wrote")
	if reason != "" {
		fmt.Fprintf(&b, " (%s)", reason)
	}
	b.WriteString(". Decide whether a short, genuinely useful check-in is warranted: ")
	b.WriteString("an open loop from the recent conversation, a commitment you can follow up on, or something time-sensitive you remember. ")
	b.WriteString("If so, write that one message. If there is nothing worth saying, reply with exactly SKIP.")
	return b.String()
}
