// Package asynqadp adapts asynq into the six-queue broker contract.
//
// One Redis-backed client serves every process; the scheduler half only
// exists on processes that enable it (the node). Repeatable registrations
// keyed by a stable id upsert instead of accumulating.
package asynqadp

import (
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hibiken/asynq"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// retention keeps completed tasks inspectable for a day.
const retention = 24 * time.Hour

// ConnOpt builds the asynq Redis connection from shared config.
func ConnOpt(rc config.RedisConfig) asynq.RedisClientOpt {
	opt := asynq.RedisClientOpt{Addr: rc.Addr(), Password: rc.Password}
	if rc.TLS {
		opt.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	return opt
}

// taskEnvelope is the on-wire task payload. Kind and Data match the domain
// payload envelope; ChannelID and BackoffMS ride along so server-side hooks
// can act without decoding the full payload.
type taskEnvelope struct {
	Kind      string          `json:"kind"`
	Data      json.RawMessage `json:"data"`
	ChannelID string          `json:"channelId,omitempty"`
	BackoffMS int64           `json:"backoffMs,omitempty"`
}

type repeatEntry struct {
	entryID string
	name    string
	queue   string
}

// Broker implements domain.Broker on asynq.
type Broker struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	logger    *slog.Logger

	mu        sync.Mutex
	scheduler *asynq.Scheduler
	repeats   map[string]repeatEntry
}

// New builds a broker handle. Close releases the client.
func New(conn asynq.RedisClientOpt, logger *slog.Logger) *Broker {
	return &Broker{
		client:    asynq.NewClient(conn),
		inspector: asynq.NewInspector(conn),
		logger:    logger,
		repeats:   map[string]repeatEntry{},
	}
}

// AttachScheduler enables repeatable registrations on this process. Call
// StartScheduler once handlers are ready.
func (b *Broker) AttachScheduler(conn asynq.RedisClientOpt, loc *time.Location) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if loc == nil {
		loc = time.UTC
	}
	b.scheduler = asynq.NewScheduler(conn, &asynq.SchedulerOpts{
		Location: loc,
		Logger:   slogAsynq{b.logger},
		PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
			if err != nil {
				b.logger.Warn("repeatable enqueue failed", slog.Any("error", err))
				return
			}
			observability.EnqueueJob(info.Queue, info.Type)
		},
	})
}

// StartScheduler launches the repeatable-firing loop.
func (b *Broker) StartScheduler() error {
	b.mu.Lock()
	s := b.scheduler
	b.mu.Unlock()
	if s == nil {
		return fmt.Errorf("op=asynqadp.StartScheduler: %w: scheduler not attached", domain.ErrInternal)
	}
	if err := s.Start(); err != nil {
		return fmt.Errorf("op=asynqadp.StartScheduler: %w", err)
	}
	return nil
}

// StopScheduler stops firing repeatables; registrations are process-local and
// are rebuilt from persisted schedules on next boot.
func (b *Broker) StopScheduler() {
	b.mu.Lock()
	s := b.scheduler
	b.mu.Unlock()
	if s != nil {
		s.Shutdown()
	}
}

// Close releases the enqueue client.
func (b *Broker) Close() error { return b.client.Close() }

func (b *Broker) encode(spec domain.JobSpec) ([]byte, error) {
	data, err := json.Marshal(spec.Payload)
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.encode: %w", err)
	}
	return json.Marshal(taskEnvelope{
		Kind:      spec.Name,
		Data:      data,
		ChannelID: domain.PayloadChannel(spec.Payload),
		BackoffMS: spec.BackoffMS,
	})
}

// Enqueue routes the spec onto its queue. Specs carrying a Repeat upsert a
// repeatable registration instead of a single task.
func (b *Broker) Enqueue(ctx domain.Context, spec domain.JobSpec) (string, error) {
	if spec.Payload == nil {
		return "", fmt.Errorf("op=asynqadp.Enqueue: %w: nil payload", domain.ErrInvalidArgument)
	}
	if spec.Name == "" {
		spec.Name = spec.Payload.Kind()
	}
	if spec.Name != spec.Payload.Kind() {
		return "", fmt.Errorf("op=asynqadp.Enqueue: %w: name %q does not match payload kind %q",
			domain.ErrInvalidArgument, spec.Name, spec.Payload.Kind())
	}
	queue, err := domain.QueueFor(spec.Name)
	if err != nil {
		return "", err
	}
	if spec.Repeat != nil {
		return b.upsertRepeatable(spec, queue)
	}

	payload, err := b.encode(spec)
	if err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.TaskID(spec.ID),
		asynq.MaxRetry(maxRetry(spec.Attempts)),
		asynq.Retention(retention),
	}
	if spec.DelayMS > 0 {
		opts = append(opts, asynq.ProcessIn(time.Duration(spec.DelayMS)*time.Millisecond))
	}
	if spec.TimeoutMS > 0 {
		opts = append(opts, asynq.Timeout(time.Duration(spec.TimeoutMS)*time.Millisecond))
	}
	info, err := b.client.EnqueueContext(ctx, asynq.NewTask(spec.Name, payload), opts...)
	if err != nil {
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			return "", fmt.Errorf("op=asynqadp.Enqueue: %w: task id %s", domain.ErrConflict, spec.ID)
		}
		return "", fmt.Errorf("op=asynqadp.Enqueue: %w", err)
	}
	observability.EnqueueJob(queue, spec.Name)
	return info.ID, nil
}

// maxRetry converts total attempts into asynq retries after the first try.
func maxRetry(attempts int) int {
	if attempts <= 1 {
		return 0
	}
	return attempts - 1
}

func (b *Broker) upsertRepeatable(spec domain.JobSpec, queue string) (string, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.scheduler == nil {
		return "", fmt.Errorf("op=asynqadp.upsertRepeatable: %w: scheduler not attached", domain.ErrInvalidArgument)
	}
	cronspec, err := cronSpec(spec.Repeat)
	if err != nil {
		return "", err
	}
	if spec.ID == "" {
		spec.ID = uuid.NewString()
	}
	payload, err := b.encode(spec)
	if err != nil {
		return "", err
	}
	opts := []asynq.Option{
		asynq.Queue(queue),
		asynq.MaxRetry(maxRetry(spec.Attempts)),
		asynq.Retention(retention),
	}
	if spec.TimeoutMS > 0 {
		opts = append(opts, asynq.Timeout(time.Duration(spec.TimeoutMS)*time.Millisecond))
	}
	if old, ok := b.repeats[spec.ID]; ok {
		if err := b.scheduler.Unregister(old.entryID); err != nil {
			b.logger.Warn("unregister stale repeatable", slog.String("job_id", spec.ID), slog.Any("error", err))
		}
	}
	entryID, err := b.scheduler.Register(cronspec, asynq.NewTask(spec.Name, payload), opts...)
	if err != nil {
		return "", fmt.Errorf("op=asynqadp.upsertRepeatable: %w", err)
	}
	b.repeats[spec.ID] = repeatEntry{entryID: entryID, name: spec.Name, queue: queue}
	return spec.ID, nil
}

// cronSpec renders a RepeatSpec for the scheduler: either a cron expression
// (CRON_TZ prefixed when a timezone is set) or an @every interval.
func cronSpec(r *domain.RepeatSpec) (string, error) {
	switch {
	case r.Cron != "" && r.EveryMS > 0:
		return "", fmt.Errorf("op=asynqadp.cronSpec: %w: cron and everyMs are exclusive", domain.ErrInvalidArgument)
	case r.Cron != "":
		if r.Timezone != "" {
			if _, err := time.LoadLocation(r.Timezone); err != nil {
				return "", fmt.Errorf("op=asynqadp.cronSpec: %w: timezone %q", domain.ErrInvalidArgument, r.Timezone)
			}
			return "CRON_TZ=" + r.Timezone + " " + r.Cron, nil
		}
		return r.Cron, nil
	case r.EveryMS > 0:
		return "@every " + (time.Duration(r.EveryMS) * time.Millisecond).String(), nil
	default:
		return "", fmt.Errorf("op=asynqadp.cronSpec: %w: empty repeat spec", domain.ErrInvalidArgument)
	}
}

// Status searches every queue for the job, then repeatable registrations.
func (b *Broker) Status(ctx domain.Context, jobID string) (domain.JobInfo, error) {
	for _, q := range domain.AllQueues() {
		info, err := b.inspector.GetTaskInfo(q, jobID)
		if err != nil {
			if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
				continue
			}
			return domain.JobInfo{}, fmt.Errorf("op=asynqadp.Status: %w", err)
		}
		return mapTaskInfo(info), nil
	}

	b.mu.Lock()
	rep, ok := b.repeats[jobID]
	b.mu.Unlock()
	if ok {
		ji := domain.JobInfo{ID: jobID, Name: rep.name, Queue: rep.queue, State: domain.JobDelayed}
		if entries, err := b.inspector.SchedulerEntries(); err == nil {
			for _, e := range entries {
				if e.ID == rep.entryID {
					ji.NextRun = e.Next
					break
				}
			}
		}
		return ji, nil
	}
	return domain.JobInfo{}, fmt.Errorf("op=asynqadp.Status: %w: job %s", domain.ErrNotFound, jobID)
}

func mapTaskInfo(info *asynq.TaskInfo) domain.JobInfo {
	ji := domain.JobInfo{
		ID:       info.ID,
		Name:     info.Type,
		Queue:    info.Queue,
		Retried:  info.Retried,
		MaxRetry: info.MaxRetry,
		Error:    info.LastErr,
		NextRun:  info.NextProcessAt,
	}
	switch info.State {
	case asynq.TaskStateActive:
		ji.State = domain.JobActive
	case asynq.TaskStateScheduled, asynq.TaskStateRetry:
		ji.State = domain.JobDelayed
	case asynq.TaskStateArchived:
		ji.State = domain.JobFailed
	case asynq.TaskStateCompleted:
		ji.State = domain.JobCompleted
	default:
		ji.State = domain.JobWaiting
	}
	return ji
}

// Remove deletes the job wherever it sits: direct queues first, then the
// repeatable registrations. Removing an absent job is a no-op.
func (b *Broker) Remove(ctx domain.Context, jobID string) error {
	for _, q := range domain.AllQueues() {
		err := b.inspector.DeleteTask(q, jobID)
		if err == nil {
			return nil
		}
		if errors.Is(err, asynq.ErrTaskNotFound) || errors.Is(err, asynq.ErrQueueNotFound) {
			continue
		}
		if errors.Is(err, asynq.ErrTaskIDConflict) {
			continue
		}
		// Active tasks cannot be deleted; cancellation handles those.
		return fmt.Errorf("op=asynqadp.Remove: queue %s: %w", q, err)
	}

	b.mu.Lock()
	defer b.mu.Unlock()
	if rep, ok := b.repeats[jobID]; ok {
		if b.scheduler != nil {
			if err := b.scheduler.Unregister(rep.entryID); err != nil {
				return fmt.Errorf("op=asynqadp.Remove: %w", err)
			}
		}
		delete(b.repeats, jobID)
	}
	return nil
}

// Counts totals every queue by task state. Queues that have never seen a
// task report zeros.
func (b *Broker) Counts(ctx domain.Context) (map[string]domain.QueueCounts, error) {
	out := make(map[string]domain.QueueCounts, len(domain.AllQueues()))
	for _, q := range domain.AllQueues() {
		qi, err := b.inspector.GetQueueInfo(q)
		if err != nil {
			if errors.Is(err, asynq.ErrQueueNotFound) {
				out[q] = domain.QueueCounts{}
				continue
			}
			return nil, fmt.Errorf("op=asynqadp.Counts: queue %s: %w", q, err)
		}
		out[q] = domain.QueueCounts{
			Pending:   qi.Pending,
			Active:    qi.Active,
			Scheduled: qi.Scheduled,
			Retry:     qi.Retry,
			Archived:  qi.Archived,
			Completed: qi.Completed,
		}
	}
	return out, nil
}

// Pending lists waiting and delayed jobs across every queue.
func (b *Broker) Pending(ctx domain.Context) ([]domain.JobInfo, error) {
	var out []domain.JobInfo
	for _, q := range domain.AllQueues() {
		for _, list := range []func(string, ...asynq.ListOption) ([]*asynq.TaskInfo, error){
			b.inspector.ListPendingTasks,
			b.inspector.ListScheduledTasks,
			b.inspector.ListRetryTasks,
		} {
			infos, err := list(q, asynq.PageSize(100))
			if err != nil {
				if errors.Is(err, asynq.ErrQueueNotFound) {
					break
				}
				return nil, fmt.Errorf("op=asynqadp.Pending: queue %s: %w", q, err)
			}
			for _, info := range infos {
				out = append(out, mapTaskInfo(info))
			}
		}
	}
	return out, nil
}
