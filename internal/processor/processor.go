// Package processor runs the messages-queue half of the node: inbound chat
// turns and slash commands. Every job entering here ends in exactly one
// terminal progress event, except cancelled jobs which end in silence.
package processor

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
)

const (
	// typingInterval paces the typing indicator while the orchestrator runs.
	typingInterval = 4 * time.Second
	// channelJobsTTL bounds the per-channel active-job set when untrack is
	// never reached (process crash mid-job).
	channelJobsTTL = 24 * time.Hour
)

// Engine runs one orchestration. The orchestrator satisfies it; the
// indirection keeps command handling testable without a provider.
type Engine interface {
	Run(ctx domain.Context, in orchestrator.Input) (string, error)
}

// CancelControl extends the cancel port with the flag bookkeeping the
// pipeline consumes on entry and exit.
type CancelControl interface {
	domain.CancelBus
	Clear(ctx context.Context, jobID string)
}

// Deps collects everything the pipeline and the command surface touch.
type Deps struct {
	RDB      *redis.Client
	Guards   *guard.Pipeline
	Engine   Engine
	Bus      domain.ProgressBus
	Cancels  CancelControl
	Channels *store.Channels
	Messages domain.MessageStore
	Broker   domain.Broker
	Sched    domain.Scheduler
	Registry domain.Registry
	Vault    domain.Vault
	Budget   *budget.Budget
	Version  string
	Logger   *slog.Logger
}

// Processor handles message-processing and command jobs.
type Processor struct {
	deps    Deps
	logger  *slog.Logger
	started time.Time
}

func New(deps Deps) *Processor {
	return &Processor{deps: deps, logger: deps.Logger, started: time.Now().UTC()}
}

// HandleMessage is the message-processing handler. Guard rejections and
// cancellations are normal outcomes, not handler errors; only orchestration
// failures propagate so the broker can retry them.
func (p *Processor) HandleMessage(ctx context.Context, jobID string, msg *domain.MessagePayload) error {
	if msg.ChannelID == "" {
		return fmt.Errorf("op=processor.HandleMessage: %w: empty channel id", domain.ErrInvalidArgument)
	}
	p.trackJob(ctx, msg.ChannelID, jobID)
	defer p.untrackJob(msg.ChannelID, jobID)

	if err := p.deps.Channels.SaveState(ctx, domain.ChannelState{
		ChannelID: msg.ChannelID,
		ReplyTo:   msg.ReplyTo,
		LastJobID: jobID,
	}); err != nil {
		p.logger.Warn("channel state update failed",
			slog.String("channel_id", msg.ChannelID), slog.Any("error", err))
	}

	text := composeText(msg)

	verdict := p.deps.Guards.Inbound(ctx, text)
	if !verdict.Passed {
		if err := p.deps.Messages.Append(ctx, domain.Message{
			ChannelID: msg.ChannelID,
			Role:      domain.RoleUser,
			Content:   text,
			JobID:     jobID,
			Meta:      map[string]string{"blocked": "true", "rule": verdict.Rule},
		}); err != nil {
			p.logger.Warn("blocked turn not persisted", slog.Any("error", err))
		}
		return p.complete(ctx, msg.ChannelID, jobID, guard.BlockedReply, map[string]string{"blocked": "true"})
	}

	// Cancelled before we started: consume the flag and go quiet.
	if p.deps.Cancels.IsCancelled(ctx, jobID) {
		p.deps.Cancels.Clear(ctx, jobID)
		p.logger.Info("message cancelled before start",
			slog.String("job_id", jobID), slog.String("channel_id", msg.ChannelID))
		return nil
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	p.deps.Cancels.Register(jobID, abort)
	defer p.deps.Cancels.Unregister(jobID)

	stopTyping := p.startTyping(runCtx, msg.ChannelID, jobID)
	reply, err := p.deps.Engine.Run(runCtx, orchestrator.Input{
		ChannelID: msg.ChannelID,
		JobID:     jobID,
		Text:      verdict.Text,
		Source:    "message",
	})
	stopTyping()

	if err != nil {
		detached := context.WithoutCancel(ctx)
		if errors.Is(err, domain.ErrCancelled) || runCtx.Err() != nil {
			if p.deps.Cancels.IsCancelled(detached, jobID) {
				// User cancel: no terminal event, flag consumed here.
				p.deps.Cancels.Clear(detached, jobID)
				p.logger.Info("message cancelled",
					slog.String("job_id", jobID), slog.String("channel_id", msg.ChannelID))
				return nil
			}
			// Shutdown teardown: hand the job back for redelivery.
			return fmt.Errorf("op=processor.HandleMessage: %w", context.Canceled)
		}
		return fmt.Errorf("op=processor.HandleMessage: %w", err)
	}

	out := p.deps.Guards.Outbound(ctx, reply)
	if !out.Passed {
		p.logger.Warn("assistant reply withheld",
			slog.String("job_id", jobID), slog.String("rule", out.Rule))
		return p.complete(ctx, msg.ChannelID, jobID, guard.SafeFallback, map[string]string{"withheld": "true"})
	}
	return p.complete(ctx, msg.ChannelID, jobID, out.Text, nil)
}

// composeText folds attachment metadata into the prompt, one line each, so
// the model knows what arrived alongside the text.
func composeText(msg *domain.MessagePayload) string {
	var lines []string
	for key, v := range msg.Meta {
		if strings.HasPrefix(key, "attachment:") {
			lines = append(lines, fmt.Sprintf("[attachment] %s: %s", strings.TrimPrefix(key, "attachment:"), v))
		}
	}
	if len(lines) == 0 {
		return msg.Content
	}
	sort.Strings(lines)
	return strings.TrimSpace(msg.Content + "\n" + strings.Join(lines, "\n"))
}

func (p *Processor) complete(ctx context.Context, channelID, jobID, text string, meta map[string]string) error {
	return p.deps.Bus.Publish(ctx, domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: channelID,
		JobID:     jobID,
		Content:   text,
		Meta:      meta,
		At:        time.Now().UTC(),
	})
}

// startTyping emits a typing event immediately and then on a ticker until
// the returned stop func runs. Stop is idempotent and waits the loop out.
func (p *Processor) startTyping(ctx context.Context, channelID, jobID string) func() {
	stopped := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(typingInterval)
		defer ticker.Stop()
		p.typing(ctx, channelID, jobID)
		for {
			select {
			case <-ctx.Done():
				return
			case <-stopped:
				return
			case <-ticker.C:
				p.typing(ctx, channelID, jobID)
			}
		}
	}()
	var once sync.Once
	return func() {
		once.Do(func() {
			close(stopped)
			<-done
		})
	}
}

func (p *Processor) typing(ctx context.Context, channelID, jobID string) {
	if ctx.Err() != nil {
		return
	}
	if err := p.deps.Bus.Publish(ctx, domain.ProgressEvent{
		Type:      domain.EventTyping,
		ChannelID: channelID,
		JobID:     jobID,
		At:        time.Now().UTC(),
	}); err != nil && ctx.Err() == nil {
		p.logger.Warn("typing event dropped", slog.Any("error", err))
	}
}

// trackJob records the job in the channel's active set; the /stop command and
// the jobs listing read it.
func (p *Processor) trackJob(ctx context.Context, channelID, jobID string) {
	key := domain.KeyChannelJobs(channelID)
	pipe := p.deps.RDB.Pipeline()
	pipe.SAdd(ctx, key, jobID)
	pipe.Expire(ctx, key, channelJobsTTL)
	if _, err := pipe.Exec(ctx); err != nil {
		p.logger.Warn("job tracking failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

func (p *Processor) untrackJob(channelID, jobID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := p.deps.RDB.SRem(ctx, domain.KeyChannelJobs(channelID), jobID).Err(); err != nil {
		p.logger.Warn("job untracking failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}

// ActiveJobs lists the channel's tracked in-flight job ids.
func (p *Processor) ActiveJobs(ctx context.Context, channelID string) ([]string, error) {
	ids, err := p.deps.RDB.SMembers(ctx, domain.KeyChannelJobs(channelID)).Result()
	if err != nil {
		return nil, fmt.Errorf("op=processor.ActiveJobs: %w", err)
	}
	return ids, nil
}
