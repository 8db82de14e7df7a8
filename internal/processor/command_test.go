package processor

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()
	cases := []struct {
		in   string
		name string
		args []string
	}{
		{"/status", "status", []string{}},
		{"/cancel abc 123", "cancel", []string{"abc", "123"}},
		{"  /HELP  ", "help", []string{}},
		{"/status@scalyclaw_bot", "status", []string{}},
		{"plain text", "", nil},
		{"", "", nil},
	}
	for _, tc := range cases {
		name, args := ParseCommand(tc.in)
		assert.Equal(t, tc.name, name, "input %q", tc.in)
		if len(tc.args) == 0 {
			assert.Empty(t, args, "input %q", tc.in)
		} else {
			assert.Equal(t, tc.args, args, "input %q", tc.in)
		}
	}
}

func lastComplete(t *testing.T, bus *fakeBus) domain.ProgressEvent {
	t.Helper()
	completes := bus.byType(domain.EventComplete)
	require.NotEmpty(t, completes)
	return completes[len(completes)-1]
}

func TestHandleCommand_Help(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "/help"})
	require.NoError(t, err)

	ev := lastComplete(t, f.bus)
	assert.Contains(t, ev.Content, "/status")
	assert.Contains(t, ev.Content, "/cancel")
	assert.Equal(t, "help", ev.Meta["command"])
}

func TestHandleCommand_StatusSummarizesRuntime(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "status"})
	require.NoError(t, err)

	ev := lastComplete(t, f.bus)
	assert.Contains(t, ev.Content, "ScalyClaw 1.2.3")
	assert.Contains(t, ev.Content, "1 node, 1 worker")
	assert.Contains(t, ev.Content, "Usage today")
}

func TestHandleCommand_CancelAllSkipsSelf(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	// Two tracked jobs besides the command job itself.
	f.proc.trackJob(ctx, "tg", "job-a")
	f.proc.trackJob(ctx, "tg", "job-b")

	err := f.proc.HandleCommand(ctx, "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "/stop"})
	require.NoError(t, err)

	assert.ElementsMatch(t, []string{"job-a", "job-b"}, f.cancels.requested)
	assert.Contains(t, lastComplete(t, f.bus).Content, "2 job(s)")
}

func TestHandleCommand_CancelSpecificJob(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{
		ChannelID: "tg", Command: "cancel", Args: []string{"job-x"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"job-x"}, f.cancels.requested)
	assert.Contains(t, lastComplete(t, f.bus).Content, "job-x")
}

func TestHandleCommand_ScheduleListAndCancel(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.sched.jobs = []domain.ScheduledJob{
		{ID: "s1", Kind: domain.ScheduleReminder, Status: domain.ScheduleActive, Description: "water the plants", NextRunAt: time.Now().Add(time.Hour)},
		{ID: "s2", Kind: domain.ScheduleTask, Status: domain.ScheduleCompleted, Description: "old task"},
	}

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "/schedule"})
	require.NoError(t, err)
	ev := lastComplete(t, f.bus)
	assert.Contains(t, ev.Content, "water the plants")
	assert.Contains(t, ev.Content, "s2")

	err = f.proc.HandleCommand(context.Background(), "cmd-2", &domain.CommandPayload{
		ChannelID: "tg", Command: "schedule", Args: []string{"cancel", "s1"},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"s1"}, f.sched.cancelled)
}

func TestHandleCommand_VaultListsNamesOnly(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "/vault"})
	require.NoError(t, err)
	assert.Contains(t, lastComplete(t, f.bus).Content, "openrouter-api-key")
}

func TestHandleCommand_UnknownCommandAnswersWithHint(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{ChannelID: "tg", Command: "/frobnicate"})
	require.NoError(t, err)
	ev := lastComplete(t, f.bus)
	assert.Contains(t, ev.Content, "Unknown command /frobnicate")
	assert.Contains(t, ev.Content, "/help")
}

func TestHandleCommand_RawLineInCommandField(t *testing.T) {
	t.Parallel()
	f := newFixture(t)

	err := f.proc.HandleCommand(context.Background(), "cmd-1", &domain.CommandPayload{
		ChannelID: "tg", Command: "/cancel job-z",
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"job-z"}, f.cancels.requested)
}
