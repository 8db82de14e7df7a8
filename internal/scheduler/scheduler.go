// Package scheduler owns persisted reminders and recurring tasks. Rows live
// at scalyclaw:scheduled:{id} with an index set; the transient broker entry
// that times the next run is stored separately and rebuilt on boot, so a row
// survives process restarts even though broker registrations do not.
package scheduler

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// defaultAttempts lets a timer fire survive transient Redis trouble.
const defaultAttempts = 3

var cronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Service implements domain.Scheduler.
type Service struct {
	rdb    *redis.Client
	broker domain.Broker
	logger *slog.Logger

	now func() time.Time
}

func New(rdb *redis.Client, broker domain.Broker, logger *slog.Logger) *Service {
	return &Service{rdb: rdb, broker: broker, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Create persists the row first, then registers the broker timer, then
// patches BrokerJobID onto the row. A row without a timer is recoverable by
// Reconcile; a timer without a row would fire into nothing.
func (s *Service) Create(ctx domain.Context, req domain.ScheduleRequest) (domain.ScheduledJob, error) {
	if err := validate(req); err != nil {
		return domain.ScheduledJob{}, err
	}
	now := s.now()
	job := domain.ScheduledJob{
		ID:          ulid.Make().String(),
		ChannelID:   req.ChannelID,
		Kind:        req.Kind,
		Status:      domain.ScheduleActive,
		Description: strings.TrimSpace(req.Description),
		Payload:     req.Payload,
		CronExpr:    req.Cron,
		IntervalMS:  req.IntervalMS,
		Timezone:    req.Timezone,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	next, err := nextRun(job, now, req.DelayMS)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	job.NextRunAt = next

	if err := s.write(ctx, job, true); err != nil {
		return domain.ScheduledJob{}, err
	}
	brokerID, err := s.registerTimer(ctx, job, req.DelayMS)
	if err != nil {
		// Roll the orphan row back so List never shows a schedule that will
		// never fire.
		if derr := s.deleteRow(ctx, job.ID); derr != nil {
			s.logger.Warn("rollback of orphan schedule failed",
				slog.String("schedule_id", job.ID), slog.Any("error", derr))
		}
		return domain.ScheduledJob{}, err
	}
	job.BrokerJobID = brokerID
	if err := s.write(ctx, job, false); err != nil {
		return domain.ScheduledJob{}, err
	}
	s.logger.Info("schedule created",
		slog.String("schedule_id", job.ID),
		slog.String("kind", string(job.Kind)),
		slog.String("channel_id", job.ChannelID),
		slog.Time("next_run_at", job.NextRunAt))
	return job, nil
}

func validate(req domain.ScheduleRequest) error {
	if strings.TrimSpace(req.Description) == "" {
		return fmt.Errorf("op=scheduler.Create: %w: empty description", domain.ErrInvalidArgument)
	}
	if req.ChannelID == "" {
		return fmt.Errorf("op=scheduler.Create: %w: empty channel id", domain.ErrInvalidArgument)
	}
	switch req.Kind {
	case domain.ScheduleReminder, domain.ScheduleTask:
		if req.Cron != "" || req.IntervalMS > 0 {
			return fmt.Errorf("op=scheduler.Create: %w: one-shot kind %q cannot carry cron or interval", domain.ErrInvalidArgument, req.Kind)
		}
		if req.DelayMS < 0 {
			return fmt.Errorf("op=scheduler.Create: %w: negative delay", domain.ErrInvalidArgument)
		}
	case domain.ScheduleRecurrentReminder, domain.ScheduleRecurrentTask:
		if (req.Cron == "") == (req.IntervalMS <= 0) {
			return fmt.Errorf("op=scheduler.Create: %w: recurrent kind %q needs exactly one of cron or intervalMs", domain.ErrInvalidArgument, req.Kind)
		}
		if req.Cron != "" {
			if _, err := cronParser.Parse(req.Cron); err != nil {
				return fmt.Errorf("op=scheduler.Create: %w: cron %q: %v", domain.ErrInvalidArgument, req.Cron, err)
			}
		}
		if req.Timezone != "" {
			if _, err := time.LoadLocation(req.Timezone); err != nil {
				return fmt.Errorf("op=scheduler.Create: %w: timezone %q", domain.ErrInvalidArgument, req.Timezone)
			}
		}
	default:
		return fmt.Errorf("op=scheduler.Create: %w: unknown schedule kind %q", domain.ErrInvalidArgument, req.Kind)
	}
	return nil
}

// nextRun computes the first (or next) run time for a row.
func nextRun(job domain.ScheduledJob, from time.Time, delayMS int64) (time.Time, error) {
	if !job.Kind.Recurrent() {
		return from.Add(time.Duration(delayMS) * time.Millisecond), nil
	}
	if job.CronExpr != "" {
		sched, err := cronParser.Parse(job.CronExpr)
		if err != nil {
			return time.Time{}, fmt.Errorf("op=scheduler.nextRun: %w: cron %q: %v", domain.ErrInvalidArgument, job.CronExpr, err)
		}
		loc := time.UTC
		if job.Timezone != "" {
			l, err := time.LoadLocation(job.Timezone)
			if err != nil {
				return time.Time{}, fmt.Errorf("op=scheduler.nextRun: %w: timezone %q", domain.ErrInvalidArgument, job.Timezone)
			}
			loc = l
		}
		return sched.Next(from.In(loc)).UTC(), nil
	}
	return from.Add(time.Duration(job.IntervalMS) * time.Millisecond), nil
}

// registerTimer hands the row to the broker: one-shots as a delayed task,
// recurrents as a repeatable registration keyed by the schedule id so a
// re-create upserts instead of doubling the cadence.
func (s *Service) registerTimer(ctx domain.Context, job domain.ScheduledJob, delayMS int64) (string, error) {
	spec := domain.JobSpec{
		Name: string(job.Kind),
		Payload: &domain.SchedulePayload{
			ScheduleID: job.ID,
			ChannelID:  job.ChannelID,
			KindTag:    job.Kind,
		},
		Attempts: defaultAttempts,
	}
	if job.Kind.Recurrent() {
		spec.ID = "schedule:" + job.ID
		spec.Repeat = &domain.RepeatSpec{
			EveryMS:  job.IntervalMS,
			Cron:     job.CronExpr,
			Timezone: job.Timezone,
		}
	} else {
		spec.DelayMS = delayMS
	}
	id, err := s.broker.Enqueue(ctx, spec)
	if err != nil {
		return "", fmt.Errorf("op=scheduler.registerTimer: %w", err)
	}
	return id, nil
}

func (s *Service) Get(ctx domain.Context, id string) (domain.ScheduledJob, error) {
	raw, err := s.rdb.Get(ctx, domain.KeyScheduled(id)).Result()
	if errors.Is(err, redis.Nil) {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.Get: schedule %s: %w", id, domain.ErrNotFound)
	}
	if err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.Get: %w", err)
	}
	var job domain.ScheduledJob
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return domain.ScheduledJob{}, fmt.Errorf("op=scheduler.Get: %w: %v", domain.ErrSchemaInvalid, err)
	}
	return job, nil
}

// List returns every row, newest first. Index members whose row vanished are
// pruned as a side effect.
func (s *Service) List(ctx domain.Context) ([]domain.ScheduledJob, error) {
	ids, err := s.rdb.SMembers(ctx, domain.KeyScheduledIndex).Result()
	if err != nil {
		return nil, fmt.Errorf("op=scheduler.List: %w", err)
	}
	jobs := make([]domain.ScheduledJob, 0, len(ids))
	for _, id := range ids {
		job, err := s.Get(ctx, id)
		if errors.Is(err, domain.ErrNotFound) {
			s.rdb.SRem(ctx, domain.KeyScheduledIndex, id)
			continue
		}
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
	}
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })
	return jobs, nil
}

// Cancel stops future fires: broker entry first, then the row flips to
// cancelled. A fire racing the removal still no-ops on the status check.
func (s *Service) Cancel(ctx domain.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.ScheduleActive {
		return fmt.Errorf("op=scheduler.Cancel: schedule %s is %s: %w", id, job.Status, domain.ErrConflict)
	}
	s.removeTimer(ctx, job)
	job.Status = domain.ScheduleCancelled
	job.UpdatedAt = s.now()
	if err := s.write(ctx, job, false); err != nil {
		return err
	}
	s.logger.Info("schedule cancelled", slog.String("schedule_id", id))
	return nil
}

// Complete marks a row done by hand, removing any pending timer.
func (s *Service) Complete(ctx domain.Context, id string) error {
	job, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	if job.Status != domain.ScheduleActive {
		return fmt.Errorf("op=scheduler.Complete: schedule %s is %s: %w", id, job.Status, domain.ErrConflict)
	}
	s.removeTimer(ctx, job)
	job.Status = domain.ScheduleCompleted
	job.UpdatedAt = s.now()
	return s.write(ctx, job, false)
}

func (s *Service) removeTimer(ctx domain.Context, job domain.ScheduledJob) {
	if job.BrokerJobID == "" {
		return
	}
	if err := s.broker.Remove(ctx, job.BrokerJobID); err != nil && !errors.Is(err, domain.ErrNotFound) {
		// One-shots may have fired and pruned themselves already.
		s.logger.Warn("remove broker timer",
			slog.String("schedule_id", job.ID),
			slog.String("broker_job_id", job.BrokerJobID),
			slog.Any("error", err))
	}
}

// Purge deletes every non-active row and returns how many went away.
func (s *Service) Purge(ctx domain.Context) (int, error) {
	jobs, err := s.List(ctx)
	if err != nil {
		return 0, err
	}
	removed := 0
	for _, job := range jobs {
		if job.Status == domain.ScheduleActive {
			continue
		}
		if err := s.deleteRow(ctx, job.ID); err != nil {
			return removed, err
		}
		removed++
	}
	if removed > 0 {
		s.logger.Info("schedules purged", slog.Int("removed", removed))
	}
	return removed, nil
}

// Reconcile rebuilds broker timers for active rows after a restart.
// Repeatable registrations live in process memory, so every boot re-upserts
// them; overdue one-shots are re-armed to fire immediately.
func (s *Service) Reconcile(ctx domain.Context) error {
	jobs, err := s.List(ctx)
	if err != nil {
		return err
	}
	for _, job := range jobs {
		if job.Status != domain.ScheduleActive {
			continue
		}
		delayMS := int64(0)
		if !job.Kind.Recurrent() {
			if d := time.Until(job.NextRunAt); d > 0 {
				delayMS = d.Milliseconds()
			}
			if st, err := s.broker.Status(ctx, job.BrokerJobID); err == nil && st.State != domain.JobCompleted {
				continue // timer still pending in the broker
			}
		}
		brokerID, err := s.registerTimer(ctx, job, delayMS)
		if err != nil {
			s.logger.Error("reconcile schedule",
				slog.String("schedule_id", job.ID), slog.Any("error", err))
			continue
		}
		if brokerID != job.BrokerJobID {
			job.BrokerJobID = brokerID
			job.UpdatedAt = s.now()
			if err := s.write(ctx, job, false); err != nil {
				return err
			}
		}
		s.logger.Info("schedule reconciled",
			slog.String("schedule_id", job.ID), slog.String("kind", string(job.Kind)))
	}
	return nil
}

// FireTimer handles the scheduler-queue tick for one row. The status gate
// makes a cancelled row's late fire a no-op. The terminal flip of a one-shot
// happens only after the downstream enqueue, so an enqueue failure leaves the
// row active and the tick retryable under broker attempts.
func (s *Service) FireTimer(ctx domain.Context, p *domain.SchedulePayload) error {
	job, err := s.Get(ctx, p.ScheduleID)
	if errors.Is(err, domain.ErrNotFound) {
		s.logger.Warn("timer fired for missing schedule", slog.String("schedule_id", p.ScheduleID))
		return nil
	}
	if err != nil {
		return err
	}
	if job.Status != domain.ScheduleActive {
		s.logger.Info("timer fired for inactive schedule",
			slog.String("schedule_id", job.ID), slog.String("status", string(job.Status)))
		return nil
	}

	if _, err := s.broker.Enqueue(ctx, domain.JobSpec{
		Name:     domain.JobScheduledFire,
		Payload:  &domain.ScheduledFirePayload{ScheduleID: job.ID},
		Attempts: defaultAttempts,
	}); err != nil {
		return fmt.Errorf("op=scheduler.FireTimer: %w", err)
	}
	observability.ScheduleFiresTotal.WithLabelValues(string(job.Kind)).Inc()

	now := s.now()
	if job.Kind.Recurrent() {
		next, err := nextRun(job, now, 0)
		if err != nil {
			return err
		}
		job.NextRunAt = next
	} else {
		job.Status = domain.ScheduleCompleted
	}
	job.UpdatedAt = now
	return s.write(ctx, job, false)
}

func (s *Service) write(ctx context.Context, job domain.ScheduledJob, index bool) error {
	raw, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("op=scheduler.write: %w", err)
	}
	pipe := s.rdb.Pipeline()
	pipe.Set(ctx, domain.KeyScheduled(job.ID), raw, 0)
	if index {
		pipe.SAdd(ctx, domain.KeyScheduledIndex, job.ID)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=scheduler.write: %w", err)
	}
	return nil
}

func (s *Service) deleteRow(ctx context.Context, id string) error {
	pipe := s.rdb.Pipeline()
	pipe.Del(ctx, domain.KeyScheduled(id))
	pipe.SRem(ctx, domain.KeyScheduledIndex, id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=scheduler.deleteRow: %w", err)
	}
	return nil
}
