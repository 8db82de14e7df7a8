package tools_test

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/tools"
)

type fakeBus struct {
	events []domain.ProgressEvent
	err    error
}

func (f *fakeBus) Publish(_ context.Context, ev domain.ProgressEvent) error {
	if f.err != nil {
		return f.err
	}
	f.events = append(f.events, ev)
	return nil
}

func (f *fakeBus) Await(context.Context, string, string, time.Duration) (domain.ProgressEvent, error) {
	return domain.ProgressEvent{}, errors.New("not implemented")
}

func (f *fakeBus) SubscribeChannel(context.Context, string) (<-chan domain.ProgressEvent, func(), error) {
	return nil, func() {}, errors.New("not implemented")
}

type fakeMemory struct {
	stored  []domain.MemoryEntry
	results []domain.MemoryEntry
}

func (f *fakeMemory) Store(_ context.Context, e domain.MemoryEntry) (string, error) {
	if e.Content == "" {
		return "", domain.ErrInvalidArgument
	}
	e.ID = "mem-1"
	f.stored = append(f.stored, e)
	return e.ID, nil
}

func (f *fakeMemory) Search(context.Context, string, int) ([]domain.MemoryEntry, error) {
	return f.results, nil
}

func (f *fakeMemory) List(context.Context, string, int) ([]domain.MemoryEntry, error) {
	return f.results, nil
}

func (f *fakeMemory) Delete(context.Context, string) error { return nil }

type fakeVault struct{ names []string }

func (f *fakeVault) Set(context.Context, string, string) error { return nil }
func (f *fakeVault) Get(context.Context, string) (string, error) {
	return "", domain.ErrNotFound
}
func (f *fakeVault) Delete(context.Context, string) error     { return nil }
func (f *fakeVault) List(context.Context) ([]string, error)   { return f.names, nil }
func (f *fakeVault) Rotate(context.Context) error             { return nil }
func (f *fakeVault) ResolveAll(context.Context) (map[string]string, error) {
	return nil, nil
}

type fakeRegistry struct{ procs []domain.ProcessInfo }

func (f *fakeRegistry) Register(context.Context, domain.ProcessInfo) error { return nil }
func (f *fakeRegistry) Deregister(context.Context, string) error           { return nil }
func (f *fakeRegistry) List(context.Context) ([]domain.ProcessInfo, error) {
	return f.procs, nil
}

type fakeScheduler struct {
	created   []domain.ScheduleRequest
	cancelled []string
}

func (f *fakeScheduler) Create(_ context.Context, req domain.ScheduleRequest) (domain.ScheduledJob, error) {
	f.created = append(f.created, req)
	return domain.ScheduledJob{
		ID:        "sched-1",
		Kind:      req.Kind,
		NextRunAt: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}, nil
}

func (f *fakeScheduler) Get(context.Context, string) (domain.ScheduledJob, error) {
	return domain.ScheduledJob{}, domain.ErrNotFound
}

func (f *fakeScheduler) List(context.Context) ([]domain.ScheduledJob, error) { return nil, nil }

func (f *fakeScheduler) Cancel(_ context.Context, id string) error {
	f.cancelled = append(f.cancelled, id)
	return nil
}

func (f *fakeScheduler) Complete(context.Context, string) error { return nil }
func (f *fakeScheduler) Purge(context.Context) (int, error)     { return 0, nil }

func newLocalRegistry(t *testing.T) (*tools.Registry, *fakeBus, *fakeMemory, *fakeScheduler, *fakeRegistry) {
	t.Helper()
	bus := &fakeBus{}
	mem := &fakeMemory{}
	sched := &fakeScheduler{}
	reg := &fakeRegistry{}
	r := tools.NewRegistry(slog.Default())
	require.NoError(t, tools.RegisterLocal(r, tools.LocalDeps{
		Bus:       bus,
		Memory:    mem,
		Vault:     &fakeVault{names: []string{"openrouter-api-key"}},
		Registry:  reg,
		Scheduler: sched,
		Version:   "test",
	}))
	return r, bus, mem, sched, reg
}

func TestRegistry_DefsSortedAndComplete(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)

	defs := r.Defs()
	names := make([]string, 0, len(defs))
	for _, d := range defs {
		names = append(names, d.Name)
	}
	assert.Equal(t, []string{
		"list_workers",
		"memory_search",
		"memory_store",
		"schedule_cancel",
		"schedule_reminder",
		"send_message",
		"system_info",
		"vault_list",
	}, names)
	for _, d := range defs {
		assert.True(t, r.Has(d.Name))
		assert.True(t, json.Valid(d.Parameters), "schema for %s", d.Name)
	}
}

func TestRegistry_RejectsDuplicate(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)
	err := r.Register(&tools.VaultList{Vault: &fakeVault{}})
	assert.ErrorIs(t, err, domain.ErrConflict)
}

func TestRegistry_UnknownToolFoldsToErrorResult(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{ChannelID: "c1"}, domain.ToolCall{
		ID:   "call-1",
		Name: "launch_rocket",
	})
	assert.True(t, res.IsError)
	assert.Contains(t, res.Content, "unknown tool")
	assert.Equal(t, "call-1", res.CallID)
}

func TestSendMessage_PublishesProgressEvent(t *testing.T) {
	t.Parallel()
	r, bus, _, _, _ := newLocalRegistry(t)
	inv := tools.Invocation{ChannelID: "c1", JobID: "job-1"}

	res := r.Execute(context.Background(), inv, domain.ToolCall{
		ID:        "call-1",
		Name:      "send_message",
		Arguments: json.RawMessage(`{"message":"working on it"}`),
	})
	require.False(t, res.IsError, res.Content)
	require.Len(t, bus.events, 1)
	ev := bus.events[0]
	assert.Equal(t, domain.EventProgress, ev.Type)
	assert.Equal(t, "c1", ev.ChannelID)
	assert.Equal(t, "job-1", ev.JobID)
	assert.Equal(t, "working on it", ev.Content)
}

func TestSendMessage_EmptyMessageIsError(t *testing.T) {
	t.Parallel()
	r, bus, _, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{ChannelID: "c1"}, domain.ToolCall{
		Name:      "send_message",
		Arguments: json.RawMessage(`{"message":"  "}`),
	})
	assert.True(t, res.IsError)
	assert.Empty(t, bus.events)
}

func TestMemorySearch_RendersEntries(t *testing.T) {
	t.Parallel()
	r, _, mem, _, _ := newLocalRegistry(t)
	mem.results = []domain.MemoryEntry{
		{ID: "m1", Content: "prefers dark roast", Tags: []string{"coffee"}},
		{ID: "m2", Content: "lives in Lisbon"},
	}
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{
		Name:      "memory_search",
		Arguments: json.RawMessage(`{"query":"coffee"}`),
	})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "prefers dark roast")
	assert.Contains(t, res.Content, "tags: coffee")
	assert.Contains(t, res.Content, "lives in Lisbon")
}

func TestMemorySearch_NoResults(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{
		Name:      "memory_search",
		Arguments: json.RawMessage(`{"query":"nothing"}`),
	})
	require.False(t, res.IsError)
	assert.Equal(t, "no memories matched", res.Content)
}

func TestMemoryStore_AttachesChannel(t *testing.T) {
	t.Parallel()
	r, _, mem, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{ChannelID: "c9"}, domain.ToolCall{
		Name:      "memory_store",
		Arguments: json.RawMessage(`{"content":"birthday is in May","tags":["personal"]}`),
	})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "mem-1")
	require.Len(t, mem.stored, 1)
	assert.Equal(t, "c9", mem.stored[0].ChannelID)
	assert.Equal(t, []string{"personal"}, mem.stored[0].Tags)
}

func TestVaultList_NamesOnly(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{Name: "vault_list"})
	require.False(t, res.IsError)
	assert.Equal(t, "vault secrets: openrouter-api-key", res.Content)
}

func TestScheduleReminder_OneShotVsRecurrent(t *testing.T) {
	t.Parallel()
	r, _, _, sched, _ := newLocalRegistry(t)
	inv := tools.Invocation{ChannelID: "c1"}

	res := r.Execute(context.Background(), inv, domain.ToolCall{
		Name:      "schedule_reminder",
		Arguments: json.RawMessage(`{"description":"stretch","delayMs":60000}`),
	})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "sched-1")

	res = r.Execute(context.Background(), inv, domain.ToolCall{
		Name:      "schedule_reminder",
		Arguments: json.RawMessage(`{"description":"standup","cron":"0 9 * * MON","timezone":"Europe/Lisbon"}`),
	})
	require.False(t, res.IsError, res.Content)

	require.Len(t, sched.created, 2)
	assert.Equal(t, domain.ScheduleReminder, sched.created[0].Kind)
	assert.Equal(t, int64(60000), sched.created[0].DelayMS)
	assert.Equal(t, domain.ScheduleRecurrentReminder, sched.created[1].Kind)
	assert.Equal(t, "0 9 * * MON", sched.created[1].Cron)
	assert.Equal(t, "Europe/Lisbon", sched.created[1].Timezone)
	assert.Equal(t, "c1", sched.created[1].ChannelID)
}

func TestScheduleCancel_RequiresID(t *testing.T) {
	t.Parallel()
	r, _, _, sched, _ := newLocalRegistry(t)

	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{
		Name:      "schedule_cancel",
		Arguments: json.RawMessage(`{}`),
	})
	assert.True(t, res.IsError)

	res = r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{
		Name:      "schedule_cancel",
		Arguments: json.RawMessage(`{"id":"sched-1"}`),
	})
	require.False(t, res.IsError)
	assert.Equal(t, []string{"sched-1"}, sched.cancelled)
}

func TestListWorkers_FiltersToWorkers(t *testing.T) {
	t.Parallel()
	r, _, _, _, reg := newLocalRegistry(t)
	reg.procs = []domain.ProcessInfo{
		{ID: "node-h-1-aa", Type: domain.ProcessNode, Host: "h"},
		{ID: "worker-h-2-bb", Type: domain.ProcessWorker, Host: "h", UptimeS: 90,
			Extra: map[string]string{"memUsedPct": "41.5"}},
	}
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{Name: "list_workers"})
	require.False(t, res.IsError)
	assert.Contains(t, res.Content, "worker-h-2-bb")
	assert.Contains(t, res.Content, "mem=41.5%")
	assert.NotContains(t, res.Content, "node-h-1-aa")
}

func TestListWorkers_Empty(t *testing.T) {
	t.Parallel()
	r, _, _, _, _ := newLocalRegistry(t)
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{Name: "list_workers"})
	require.False(t, res.IsError)
	assert.Equal(t, "no workers registered", res.Content)
}

func TestSystemInfo_ReportsRuntime(t *testing.T) {
	t.Parallel()
	r, _, _, _, reg := newLocalRegistry(t)
	reg.procs = []domain.ProcessInfo{{ID: "node-1", Type: domain.ProcessNode}}
	res := r.Execute(context.Background(), tools.Invocation{}, domain.ToolCall{Name: "system_info"})
	require.False(t, res.IsError, res.Content)
	assert.Contains(t, res.Content, "version: test")
	assert.Contains(t, res.Content, "go: go")
	assert.Contains(t, res.Content, "node=1")
}
