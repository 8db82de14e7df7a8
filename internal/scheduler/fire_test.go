package scheduler

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

type fakeBus struct {
	mu     sync.Mutex
	events []domain.ProgressEvent
}

func (f *fakeBus) Publish(_ domain.Context, ev domain.ProgressEvent) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) Await(domain.Context, string, string, time.Duration) (domain.ProgressEvent, error) {
	return domain.ProgressEvent{}, context.DeadlineExceeded
}

func (f *fakeBus) SubscribeChannel(domain.Context, string) (<-chan domain.ProgressEvent, func(), error) {
	ch := make(chan domain.ProgressEvent)
	return ch, func() { close(ch) }, nil
}

func (f *fakeBus) published() []domain.ProgressEvent {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]domain.ProgressEvent, len(f.events))
	copy(out, f.events)
	return out
}

type fakeRunner struct {
	mu      sync.Mutex
	prompts []string
	reply   string
	err     error
}

func (f *fakeRunner) RunPrompt(_ domain.Context, _, _, prompt string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.prompts = append(f.prompts, prompt)
	return f.reply, f.err
}

func newTestDeliverer(t *testing.T) (*Deliverer, *Service, *fakeBus, *fakeRunner, domain.MessageStore) {
	t.Helper()
	rdb := newTestRedis(t)
	svc := New(rdb, &fakeBroker{}, slog.Default())
	bus := &fakeBus{}
	runner := &fakeRunner{reply: "digest assembled"}
	msgs := store.NewMessages(rdb, slog.Default())
	return NewDeliverer(svc, msgs, bus, runner, slog.Default()), svc, bus, runner, msgs
}

func TestFire_ReminderDeliversToChannel(t *testing.T) {
	t.Parallel()
	d, svc, bus, _, msgs := newTestDeliverer(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.ScheduleRequest{
		ChannelID: "telegram", Kind: domain.ScheduleReminder, Description: "water plants",
	})
	require.NoError(t, err)
	// The tick has already marked the one-shot completed by delivery time.
	require.NoError(t, svc.FireTimer(ctx, &domain.SchedulePayload{ScheduleID: job.ID}))

	require.NoError(t, d.Fire(ctx, "fire-1", &domain.ScheduledFirePayload{ScheduleID: job.ID}))

	events := bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventComplete, events[0].Type)
	assert.Equal(t, "telegram", events[0].ChannelID)
	assert.Contains(t, events[0].Content, "water plants")
	assert.Equal(t, job.ID, events[0].Meta["scheduleId"])

	rows, err := msgs.Recent(ctx, "telegram", 10)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, domain.RoleAssistant, rows[0].Role)
	assert.Contains(t, rows[0].Content, "water plants")
}

func TestFire_TaskRunsPromptAndDeliversResult(t *testing.T) {
	t.Parallel()
	d, svc, bus, runner, _ := newTestDeliverer(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.ScheduleRequest{
		ChannelID: "telegram", Kind: domain.ScheduleTask,
		Description: "morning digest", Payload: "Summarize my unread messages.",
	})
	require.NoError(t, err)

	require.NoError(t, d.Fire(ctx, "fire-2", &domain.ScheduledFirePayload{ScheduleID: job.ID}))

	require.Len(t, runner.prompts, 1)
	assert.Equal(t, "Summarize my unread messages.", runner.prompts[0])

	events := bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventComplete, events[0].Type)
	assert.Equal(t, "digest assembled", events[0].Content)
}

func TestFire_TaskFailurePublishesError(t *testing.T) {
	t.Parallel()
	d, svc, bus, runner, _ := newTestDeliverer(t)
	runner.err = errors.New("provider down")
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.ScheduleRequest{
		ChannelID: "telegram", Kind: domain.ScheduleTask, Description: "digest",
	})
	require.NoError(t, err)

	err = d.Fire(ctx, "fire-3", &domain.ScheduledFirePayload{ScheduleID: job.ID})
	require.Error(t, err)

	events := bus.published()
	require.Len(t, events, 1)
	assert.Equal(t, domain.EventError, events[0].Type)
}

func TestFire_CancelledRowSkipsDelivery(t *testing.T) {
	t.Parallel()
	d, svc, bus, _, _ := newTestDeliverer(t)
	ctx := context.Background()

	job, err := svc.Create(ctx, domain.ScheduleRequest{
		ChannelID: "telegram", Kind: domain.ScheduleReminder, Description: "x",
	})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, job.ID))

	require.NoError(t, d.Fire(ctx, "fire-4", &domain.ScheduledFirePayload{ScheduleID: job.ID}))
	assert.Empty(t, bus.published())
}

func TestFire_MissingRowIsNoOp(t *testing.T) {
	t.Parallel()
	d, _, bus, _, _ := newTestDeliverer(t)

	require.NoError(t, d.Fire(context.Background(), "fire-5", &domain.ScheduledFirePayload{ScheduleID: "nope"}))
	assert.Empty(t, bus.published())
}
