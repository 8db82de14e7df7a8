// Package bus carries progress events and cancellation between processes
// over Redis pub/sub.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Progress implements domain.ProgressBus. One shared pattern subscription
// (progress:*) feeds every waiter and channel stream; the single pump
// goroutine preserves per-channel ordering.
type Progress struct {
	rdb    *redis.Client
	logger *slog.Logger

	mu      sync.Mutex
	psub    *redis.PubSub
	waiters map[string]chan domain.ProgressEvent
	streams map[string]map[int]chan domain.ProgressEvent
	nextID  int
}

// NewProgress builds the bus; Start launches the shared subscriber.
func NewProgress(rdb *redis.Client, logger *slog.Logger) *Progress {
	return &Progress{
		rdb:     rdb,
		logger:  logger,
		waiters: map[string]chan domain.ProgressEvent{},
		streams: map[string]map[int]chan domain.ProgressEvent{},
	}
}

// Start subscribes to progress:* and pumps events until Stop.
func (p *Progress) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.psub != nil {
		return nil
	}
	psub := p.rdb.PSubscribe(ctx, domain.ChanProgressPattern)
	if _, err := psub.Receive(ctx); err != nil {
		_ = psub.Close()
		return fmt.Errorf("op=bus.Progress.Start: %w", err)
	}
	p.psub = psub
	go p.pump(psub.Channel())
	return nil
}

// Stop closes the shared subscription; pending waiters time out on their own.
func (p *Progress) Stop() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.psub != nil {
		_ = p.psub.Close()
		p.psub = nil
	}
}

func (p *Progress) pump(msgs <-chan *redis.Message) {
	for msg := range msgs {
		var ev domain.ProgressEvent
		if err := json.Unmarshal([]byte(msg.Payload), &ev); err != nil {
			p.logger.Warn("progress event decode failed",
				slog.String("channel", msg.Channel), slog.Any("error", err))
			continue
		}
		p.dispatch(ev)
	}
}

func waiterKey(channelID, jobID string) string { return channelID + ":" + jobID }

func (p *Progress) dispatch(ev domain.ProgressEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ev.Terminal() {
		if ch, ok := p.waiters[waiterKey(ev.ChannelID, ev.JobID)]; ok {
			select {
			case ch <- ev:
			default:
			}
			delete(p.waiters, waiterKey(ev.ChannelID, ev.JobID))
		}
	}
	for id, ch := range p.streams[ev.ChannelID] {
		select {
		case ch <- ev:
		default:
			p.logger.Warn("progress stream backlogged; dropping event",
				slog.String("channel_id", ev.ChannelID), slog.Int("stream", id))
		}
	}
}

// Publish sends the event to its channel. Terminal events are also buffered
// at scalyclaw:response:{jobId} for five minutes so a waiter that raced the
// live publish can still resolve.
func (p *Progress) Publish(ctx context.Context, ev domain.ProgressEvent) error {
	if ev.ChannelID == "" {
		return fmt.Errorf("op=bus.Progress.Publish: %w: empty channel id", domain.ErrInvalidArgument)
	}
	if ev.At.IsZero() {
		ev.At = time.Now().UTC()
	}
	payload, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("op=bus.Progress.Publish: %w", err)
	}
	if ev.Terminal() && ev.JobID != "" {
		if err := p.rdb.Set(ctx, domain.KeyResponse(ev.JobID), payload, domain.ResponseTTL).Err(); err != nil {
			return fmt.Errorf("op=bus.Progress.Publish: buffer response: %w", err)
		}
	}
	if err := p.rdb.Publish(ctx, domain.ChanProgress(ev.ChannelID), payload).Err(); err != nil {
		return fmt.Errorf("op=bus.Progress.Publish: %w", err)
	}
	observability.ProgressEventsTotal.WithLabelValues(string(ev.Type)).Inc()
	return nil
}

// Await blocks until the terminal event for (channelID, jobID) arrives or the
// timeout passes. The buffered response key covers events published before
// the waiter registered.
func (p *Progress) Await(ctx context.Context, channelID, jobID string, timeout time.Duration) (domain.ProgressEvent, error) {
	ch := make(chan domain.ProgressEvent, 1)
	key := waiterKey(channelID, jobID)

	p.mu.Lock()
	p.waiters[key] = ch
	p.mu.Unlock()
	defer func() {
		p.mu.Lock()
		delete(p.waiters, key)
		p.mu.Unlock()
	}()

	if ev, ok := p.buffered(ctx, jobID); ok {
		return ev, nil
	}

	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case ev := <-ch:
		return ev, nil
	case <-timer.C:
		// One more fallback read covers a publish that raced the timer.
		if ev, ok := p.buffered(ctx, jobID); ok {
			return ev, nil
		}
		return domain.ProgressEvent{}, fmt.Errorf("op=bus.Progress.Await: job %s: %w", jobID, context.DeadlineExceeded)
	case <-ctx.Done():
		return domain.ProgressEvent{}, fmt.Errorf("op=bus.Progress.Await: %w", ctx.Err())
	}
}

func (p *Progress) buffered(ctx context.Context, jobID string) (domain.ProgressEvent, bool) {
	raw, err := p.rdb.Get(ctx, domain.KeyResponse(jobID)).Bytes()
	if err != nil {
		if !errors.Is(err, redis.Nil) {
			p.logger.Warn("buffered response read failed", slog.String("job_id", jobID), slog.Any("error", err))
		}
		return domain.ProgressEvent{}, false
	}
	var ev domain.ProgressEvent
	if err := json.Unmarshal(raw, &ev); err != nil {
		return domain.ProgressEvent{}, false
	}
	return ev, true
}

// SubscribeChannel streams every event of one channel until the stop func
// runs. Slow consumers drop events rather than stall the pump.
func (p *Progress) SubscribeChannel(ctx context.Context, channelID string) (<-chan domain.ProgressEvent, func(), error) {
	if channelID == "" {
		return nil, nil, fmt.Errorf("op=bus.Progress.SubscribeChannel: %w: empty channel id", domain.ErrInvalidArgument)
	}
	ch := make(chan domain.ProgressEvent, 16)

	p.mu.Lock()
	p.nextID++
	id := p.nextID
	if p.streams[channelID] == nil {
		p.streams[channelID] = map[int]chan domain.ProgressEvent{}
	}
	p.streams[channelID][id] = ch
	p.mu.Unlock()

	stop := func() {
		p.mu.Lock()
		defer p.mu.Unlock()
		if m, ok := p.streams[channelID]; ok {
			delete(m, id)
			if len(m) == 0 {
				delete(p.streams, channelID)
			}
		}
	}
	return ch, stop, nil
}
