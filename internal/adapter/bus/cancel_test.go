package bus_test

import (
	"context"
	"log/slog"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/bus"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestCancel_FlagAndSet(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	require.NoError(t, c.RequestCancel(ctx, "job-1"))

	assert.True(t, c.IsCancelled(ctx, "job-1"))
	assert.False(t, c.IsCancelled(ctx, "job-2"))
	assert.True(t, mr.Exists(domain.KeyCancelFlag("job-1")))

	members, err := rdb.SMembers(ctx, domain.KeyCancelSet).Result()
	require.NoError(t, err)
	assert.Contains(t, members, "job-1")
}

func TestCancel_FlagExpires(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	require.NoError(t, c.RequestCancel(ctx, "job-1"))

	mr.FastForward(domain.CancelFlagTTL + time.Second)
	assert.False(t, c.IsCancelled(ctx, "job-1"))
}

func TestCancel_SignalAbortsRegisteredJob(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	jobCtx, abort := context.WithCancel(ctx)
	c.Register("job-7", abort)
	t.Cleanup(func() { c.Unregister("job-7") })

	var hooked atomic.Int32
	c.OnCancel(func(jobID string) {
		if jobID == "job-7" {
			hooked.Add(1)
		}
	})

	require.NoError(t, c.RequestCancel(ctx, "job-7"))

	select {
	case <-jobCtx.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("registered context was not aborted")
	}
	require.Eventually(t, func() bool { return hooked.Load() == 1 }, 5*time.Second, 10*time.Millisecond)
}

func TestCancel_UnregisteredJobIgnoresSignal(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	require.NoError(t, c.Start(ctx))
	t.Cleanup(c.Stop)

	jobCtx, abort := context.WithCancel(ctx)
	c.Register("job-8", abort)
	c.Unregister("job-8")

	require.NoError(t, c.RequestCancel(ctx, "job-8"))
	time.Sleep(100 * time.Millisecond)
	assert.NoError(t, jobCtx.Err())
}

func TestCancel_Clear(t *testing.T) {
	ctx := context.Background()
	mr, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	require.NoError(t, c.RequestCancel(ctx, "job-9"))
	c.Clear(ctx, "job-9")

	assert.False(t, mr.Exists(domain.KeyCancelFlag("job-9")))
	members, err := rdb.SMembers(ctx, domain.KeyCancelSet).Result()
	require.NoError(t, err)
	assert.NotContains(t, members, "job-9")
}

func TestCancel_RejectsEmptyJobID(t *testing.T) {
	ctx := context.Background()
	_, rdb := newTestRedis(t)

	c := bus.NewCancel(rdb, slog.Default())
	assert.ErrorIs(t, c.RequestCancel(ctx, ""), domain.ErrInvalidArgument)
}
