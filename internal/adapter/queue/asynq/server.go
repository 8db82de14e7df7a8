package asynqadp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/pkg/textx"
)

// NodeQueues weights the queues the node consumes. System and interactive
// traffic preempt bulk queues; per-job priority within one queue stays FIFO.
func NodeQueues() map[string]int {
	return map[string]int{
		domain.QueueSystem:    6,
		domain.QueueMessages:  5,
		domain.QueueAgents:    3,
		domain.QueueScheduler: 2,
		domain.QueueProactive: 1,
	}
}

// WorkerQueues restricts workers to tool execution.
func WorkerQueues() map[string]int {
	return map[string]int{domain.QueueTools: 1}
}

// ServerOptions configures one queue-consuming process.
type ServerOptions struct {
	Concurrency int
	Queues      map[string]int
	Logger      *slog.Logger
	// OnFinalFailure runs once per job after its last retry burned; it owns
	// publishing the terminal error event.
	OnFinalFailure func(ctx context.Context, jobID, name, channelID string, err error)
}

// NewServer builds an asynq server wired with per-job backoff, cancellation
// awareness, and final-failure reporting.
func NewServer(conn asynq.RedisClientOpt, opts ServerOptions) *asynq.Server {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	return asynq.NewServer(conn, asynq.Config{
		Concurrency:    opts.Concurrency,
		Queues:         opts.Queues,
		Logger:         slogAsynq{logger},
		RetryDelayFunc: retryDelay,
		IsFailure: func(err error) bool {
			return !isCancellation(err)
		},
		ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
			jobID, _ := asynq.GetTaskID(ctx)
			queue, _ := asynq.GetQueueName(ctx)
			if isCancellation(err) {
				logger.Info("job cancelled",
					slog.String("job_id", jobID),
					slog.String("name", task.Type()),
					slog.String("queue", queue))
				return
			}
			retried, _ := asynq.GetRetryCount(ctx)
			maxRetry, _ := asynq.GetMaxRetry(ctx)
			if retried < maxRetry && !errors.Is(err, asynq.SkipRetry) {
				logger.Warn("job failed; will retry",
					slog.String("job_id", jobID),
					slog.String("name", task.Type()),
					slog.Int("retried", retried),
					slog.Int("max_retry", maxRetry),
					slog.Any("error", err))
				return
			}
			logger.Error("job failed permanently",
				slog.String("job_id", jobID),
				slog.String("name", task.Type()),
				slog.String("queue", queue),
				slog.Any("error", err))
			if opts.OnFinalFailure != nil {
				var env taskEnvelope
				_ = json.Unmarshal(task.Payload(), &env)
				opts.OnFinalFailure(ctx, jobID, task.Type(), env.ChannelID, err)
			}
		}),
	})
}

func isCancellation(err error) bool {
	return errors.Is(err, domain.ErrCancelled) || errors.Is(err, context.Canceled)
}

// PublishFinalFailure builds the OnFinalFailure hook both consumer processes
// use: the job's channel gets a terminal error event so chat waiters, open
// sockets, and awaiting parents resolve instead of timing out.
func PublishFinalFailure(b domain.ProgressBus, logger *slog.Logger) func(context.Context, string, string, string, error) {
	return func(ctx context.Context, jobID, name, channelID string, err error) {
		if channelID == "" {
			return
		}
		ev := domain.ProgressEvent{
			Type:      domain.EventError,
			ChannelID: channelID,
			JobID:     jobID,
			Content:   fmt.Sprintf("%s failed: %s", name, textx.FirstLine(err.Error())),
			At:        time.Now().UTC(),
		}
		if perr := b.Publish(context.WithoutCancel(ctx), ev); perr != nil {
			logger.Error("terminal error event publish failed",
				slog.String("job_id", jobID), slog.Any("error", perr))
		}
	}
}

// Instrument tracks per-attempt processing metrics on a mux. A cancelled
// attempt counts as completed: it resolved without failing, and the
// redelivered attempt balances the gauge on its own.
func Instrument() asynq.MiddlewareFunc {
	return func(next asynq.Handler) asynq.Handler {
		return asynq.HandlerFunc(func(ctx context.Context, t *asynq.Task) error {
			queue, _ := asynq.GetQueueName(ctx)
			observability.StartProcessingJob(queue)
			err := next.ProcessTask(ctx, t)
			if err == nil || isCancellation(err) {
				observability.CompleteJob(queue, t.Type())
			} else {
				observability.FailJob(queue, t.Type())
			}
			return err
		})
	}
}

// retryDelay honors a per-job backoff base when the envelope carries one,
// doubling per retry with a ten minute cap.
func retryDelay(n int, e error, t *asynq.Task) time.Duration {
	var env taskEnvelope
	if err := json.Unmarshal(t.Payload(), &env); err == nil && env.BackoffMS > 0 {
		shift := n - 1
		if shift < 0 {
			shift = 0
		}
		if shift > 16 {
			shift = 16
		}
		d := time.Duration(env.BackoffMS) * time.Millisecond << shift
		if d > 10*time.Minute {
			d = 10 * time.Minute
		}
		return d
	}
	return asynq.DefaultRetryDelayFunc(n, e, t)
}

// Payload decodes the domain payload of a task.
func Payload(t *asynq.Task) (domain.JobPayload, error) {
	p, err := domain.DecodePayload(t.Payload())
	if err != nil {
		return nil, fmt.Errorf("op=asynqadp.Payload: task %s: %w", t.Type(), err)
	}
	return p, nil
}

// JobID returns the broker id of the task being handled.
func JobID(ctx context.Context) string {
	id, _ := asynq.GetTaskID(ctx)
	return id
}

// Handle adapts a payload-typed handler onto the asynq mux contract. It
// decodes the envelope, injects the broker job id, and maps permanent domain
// errors onto SkipRetry so they archive instead of burning attempts. A
// malformed payload never retries; redelivery cannot fix it.
func Handle(fn func(ctx context.Context, jobID string, p domain.JobPayload) error) asynq.HandlerFunc {
	return func(ctx context.Context, t *asynq.Task) error {
		p, err := Payload(t)
		if err != nil {
			return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
		}
		if err := fn(ctx, JobID(ctx), p); err != nil {
			if isCancellation(err) {
				return err
			}
			if permanent(err) {
				return fmt.Errorf("%v: %w", err, asynq.SkipRetry)
			}
			return err
		}
		return nil
	}
}

func permanent(err error) bool {
	return errors.Is(err, domain.ErrInvalidArgument) ||
		errors.Is(err, domain.ErrSchemaInvalid) ||
		errors.Is(err, domain.ErrNotFound) ||
		errors.Is(err, domain.ErrUnauthorized) ||
		errors.Is(err, domain.ErrForbidden) ||
		errors.Is(err, domain.ErrBudgetExhausted)
}

// slogAsynq adapts slog to the asynq logger interface.
type slogAsynq struct{ l *slog.Logger }

func (s slogAsynq) Debug(args ...interface{}) { s.l.Debug(fmt.Sprint(args...)) }
func (s slogAsynq) Info(args ...interface{})  { s.l.Info(fmt.Sprint(args...)) }
func (s slogAsynq) Warn(args ...interface{})  { s.l.Warn(fmt.Sprint(args...)) }
func (s slogAsynq) Error(args ...interface{}) { s.l.Error(fmt.Sprint(args...)) }
func (s slogAsynq) Fatal(args ...interface{}) { s.l.Error(fmt.Sprint(args...)) }
