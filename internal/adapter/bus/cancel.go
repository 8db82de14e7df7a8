package bus

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Cancel implements domain.CancelBus. A cancellation is three things at
// once: a short-TTL flag for cooperative polling, a pub/sub signal aborting
// the local context wherever the job runs, and a set entry for bookkeeping.
type Cancel struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu     sync.Mutex
	psub   *redis.PubSub
	aborts map[string]context.CancelFunc
	hooks  []func(jobID string)
}

// NewCancel builds the bus; Start launches the signal subscriber.
func NewCancel(rdb *redis.Client, logger *slog.Logger) *Cancel {
	return &Cancel{rdb: rdb, logger: logger, aborts: map[string]context.CancelFunc{}}
}

// Start subscribes to the cancel signal channel.
func (c *Cancel) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.psub != nil {
		return nil
	}
	psub := c.rdb.Subscribe(ctx, domain.ChanCancelSignal)
	if _, err := psub.Receive(ctx); err != nil {
		_ = psub.Close()
		return fmt.Errorf("op=bus.Cancel.Start: %w", err)
	}
	c.psub = psub
	go func() {
		for msg := range psub.Channel() {
			c.fire(msg.Payload)
		}
	}()
	return nil
}

// Stop closes the subscription.
func (c *Cancel) Stop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.psub != nil {
		_ = c.psub.Close()
		c.psub = nil
	}
}

func (c *Cancel) fire(jobID string) {
	c.mu.Lock()
	abort := c.aborts[jobID]
	hooks := make([]func(string), len(c.hooks))
	copy(hooks, c.hooks)
	c.mu.Unlock()

	if abort != nil {
		c.logger.Info("aborting local job", slog.String("job_id", jobID))
		abort()
	}
	for _, h := range hooks {
		h(jobID)
	}
}

// RequestCancel flags, records, and broadcasts the cancellation.
func (c *Cancel) RequestCancel(ctx context.Context, jobID string) error {
	if jobID == "" {
		return fmt.Errorf("op=bus.Cancel.RequestCancel: %w: empty job id", domain.ErrInvalidArgument)
	}
	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, domain.KeyCancelFlag(jobID), "1", domain.CancelFlagTTL)
	pipe.SAdd(ctx, domain.KeyCancelSet, jobID)
	pipe.Publish(ctx, domain.ChanCancelSignal, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=bus.Cancel.RequestCancel: %w", err)
	}
	observability.CancelRequestsTotal.Inc()
	return nil
}

// IsCancelled is the cooperative poll long-running handlers call between
// steps. Redis errors read as not-cancelled; the pub/sub path still aborts.
func (c *Cancel) IsCancelled(ctx context.Context, jobID string) bool {
	n, err := c.rdb.Exists(ctx, domain.KeyCancelFlag(jobID)).Result()
	if err != nil {
		return false
	}
	return n > 0
}

// Register attaches the job's local abort func for pub/sub delivery.
func (c *Cancel) Register(jobID string, cancel context.CancelFunc) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.aborts[jobID] = cancel
}

// Unregister detaches the abort func; call on job completion.
func (c *Cancel) Unregister(jobID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.aborts, jobID)
}

// OnCancel adds a process-wide hook run for every cancel signal. Workers use
// it to kill recorded subprocess pids.
func (c *Cancel) OnCancel(hook func(jobID string)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = append(c.hooks, hook)
}

// Clear removes the bookkeeping for a finished job.
func (c *Cancel) Clear(ctx context.Context, jobID string) {
	pipe := c.rdb.Pipeline()
	pipe.Del(ctx, domain.KeyCancelFlag(jobID))
	pipe.SRem(ctx, domain.KeyCancelSet, jobID)
	if _, err := pipe.Exec(ctx); err != nil {
		c.logger.Warn("cancel bookkeeping clear failed", slog.String("job_id", jobID), slog.Any("error", err))
	}
}
