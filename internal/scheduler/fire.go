package scheduler

import (
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Runner produces the assistant's reply for a synthesized prompt. The
// orchestrator satisfies it; taking an interface keeps this package from
// importing the loop.
type Runner interface {
	RunPrompt(ctx domain.Context, channelID, jobID, prompt string) (string, error)
}

// Deliverer executes the system-queue half of a fire: reminders become a
// message pushed straight to the channel, tasks become a synthesized user
// turn through the orchestrator with only the final result delivered.
type Deliverer struct {
	svc      *Service
	messages domain.MessageStore
	bus      domain.ProgressBus
	runner   Runner
	logger   *slog.Logger
}

func NewDeliverer(svc *Service, messages domain.MessageStore, bus domain.ProgressBus, runner Runner, logger *slog.Logger) *Deliverer {
	return &Deliverer{svc: svc, messages: messages, bus: bus, runner: runner, logger: logger}
}

// Fire delivers one scheduled run. jobID is the broker id of the fire job
// and keys the progress events so channel subscribers can attribute them.
func (d *Deliverer) Fire(ctx domain.Context, jobID string, p *domain.ScheduledFirePayload) error {
	job, err := d.svc.Get(ctx, p.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		d.logger.Warn("fire for missing schedule", slog.String("schedule_id", p.ScheduleID))
		return nil
	}
	if err != nil {
		return err
	}
	// Cancelled between tick and delivery: respect the cancel. One-shots are
	// already marked completed by the tick, which is the normal path here.
	if job.Status == domain.ScheduleCancelled {
		d.logger.Info("fire skipped for cancelled schedule", slog.String("schedule_id", job.ID))
		return nil
	}

	switch job.Kind {
	case domain.ScheduleReminder, domain.ScheduleRecurrentReminder:
		return d.deliverReminder(ctx, jobID, job)
	case domain.ScheduleTask, domain.ScheduleRecurrentTask:
		return d.deliverTask(ctx, jobID, job)
	default:
		return fmt.Errorf("op=scheduler.Fire: %w: schedule kind %q", domain.ErrSchemaInvalid, job.Kind)
	}
}

func (d *Deliverer) deliverReminder(ctx domain.Context, jobID string, job domain.ScheduledJob) error {
	text := "⏰ Reminder: " + job.Description
	if err := d.messages.Append(ctx, domain.Message{
		ChannelID: job.ChannelID,
		Role:      domain.RoleAssistant,
		Content:   text,
		JobID:     jobID,
		Meta:      map[string]string{"scheduleId": job.ID},
	}); err != nil {
		return err
	}
	if err := d.bus.Publish(ctx, domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: job.ChannelID,
		JobID:     jobID,
		Content:   text,
		Meta:      map[string]string{"scheduleId": job.ID},
		At:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=scheduler.deliverReminder: %w", err)
	}
	d.logger.Info("reminder delivered",
		slog.String("schedule_id", job.ID), slog.String("channel_id", job.ChannelID))
	return nil
}

func (d *Deliverer) deliverTask(ctx domain.Context, jobID string, job domain.ScheduledJob) error {
	prompt := job.Payload
	if prompt == "" {
		prompt = job.Description
	}
	out, err := d.runner.RunPrompt(ctx, job.ChannelID, jobID, prompt)
	if err != nil {
		if publishErr := d.bus.Publish(ctx, domain.ProgressEvent{
			Type:      domain.EventError,
			ChannelID: job.ChannelID,
			JobID:     jobID,
			Content:   "Scheduled task failed: " + job.Description,
			Meta:      map[string]string{"scheduleId": job.ID},
			At:        time.Now().UTC(),
		}); publishErr != nil {
			d.logger.Error("publish task failure", slog.Any("error", publishErr))
		}
		return fmt.Errorf("op=scheduler.deliverTask: schedule %s: %w", job.ID, err)
	}
	if err := d.bus.Publish(ctx, domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: job.ChannelID,
		JobID:     jobID,
		Content:   out,
		Meta:      map[string]string{"scheduleId": job.ID},
		At:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=scheduler.deliverTask: %w", err)
	}
	d.logger.Info("scheduled task delivered",
		slog.String("schedule_id", job.ID), slog.String("channel_id", job.ChannelID))
	return nil
}
