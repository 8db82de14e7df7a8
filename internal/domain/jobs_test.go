package domain_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestQueueFor_RoutesEveryJobName(t *testing.T) {
	t.Parallel()
	want := map[string]string{
		domain.JobMessageProcessing: domain.QueueMessages,
		domain.JobCommand:           domain.QueueMessages,
		domain.JobAgentTask:         domain.QueueAgents,
		domain.JobToolExecution:     domain.QueueTools,
		domain.JobSkillExecution:    domain.QueueTools,
		domain.JobProactiveCheck:    domain.QueueProactive,
		domain.JobReminder:          domain.QueueScheduler,
		domain.JobRecurrentReminder: domain.QueueScheduler,
		domain.JobTask:              domain.QueueScheduler,
		domain.JobRecurrentTask:     domain.QueueScheduler,
		domain.JobMemoryExtraction:  domain.QueueSystem,
		domain.JobScheduledFire:     domain.QueueSystem,
		domain.JobProactiveFire:     domain.QueueSystem,
		domain.JobVaultKeyRotation:  domain.QueueSystem,
	}
	for name, queue := range want {
		got, err := domain.QueueFor(name)
		require.NoError(t, err, name)
		assert.Equal(t, queue, got, name)
	}
	// The table above is the whole routing surface.
	assert.Len(t, domain.JobNames(), len(want))
}

func TestQueueFor_UnknownName(t *testing.T) {
	t.Parallel()
	_, err := domain.QueueFor("mystery-job")
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrInvalidArgument)
}

func TestPayload_RoundTrip(t *testing.T) {
	t.Parallel()
	cases := []domain.JobPayload{
		&domain.MessagePayload{ChannelID: "ch-1", Content: "hello", ReplyTo: "tg:42"},
		&domain.CommandPayload{ChannelID: "ch-1", Command: "status", Args: []string{"-v"}},
		&domain.AgentTaskPayload{ChannelID: "ch-1", AgentID: "researcher", Prompt: "dig"},
		&domain.ToolExecutionPayload{ChannelID: "ch-1", Tool: "web_fetch", Input: []byte(`{"url":"https://example.com"}`)},
		&domain.SkillExecutionPayload{ChannelID: "ch-1", SkillID: "weather", Args: []string{"oslo"}},
		&domain.ProactiveCheckPayload{ChannelID: "ch-1"},
		&domain.SchedulePayload{ScheduleID: "s-1", ChannelID: "ch-1", KindTag: domain.ScheduleReminder},
		&domain.SchedulePayload{ScheduleID: "s-2", ChannelID: "ch-1", KindTag: domain.ScheduleRecurrentTask},
		&domain.MemoryExtractionPayload{ChannelID: "ch-1", JobID: "j-9"},
		&domain.ScheduledFirePayload{ScheduleID: "s-1"},
		&domain.ProactiveFirePayload{ChannelID: "ch-1", Reason: "quiet day"},
		&domain.VaultKeyRotationPayload{},
	}
	for _, p := range cases {
		raw, err := domain.EncodePayload(p)
		require.NoError(t, err, p.Kind())
		got, err := domain.DecodePayload(raw)
		require.NoError(t, err, p.Kind())
		assert.Equal(t, p.Kind(), got.Kind())
		assert.Equal(t, p, got, p.Kind())
	}
}

func TestDecodePayload_UnknownKind(t *testing.T) {
	t.Parallel()
	_, err := domain.DecodePayload([]byte(`{"kind":"teleport","data":{}}`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestDecodePayload_Malformed(t *testing.T) {
	t.Parallel()
	_, err := domain.DecodePayload([]byte(`{"kind":`))
	require.Error(t, err)
	assert.ErrorIs(t, err, domain.ErrSchemaInvalid)
}

func TestSchedulePayload_KeepsScheduleKindAsJobName(t *testing.T) {
	t.Parallel()
	for _, kind := range []domain.ScheduleKind{
		domain.ScheduleReminder,
		domain.ScheduleRecurrentReminder,
		domain.ScheduleTask,
		domain.ScheduleRecurrentTask,
	} {
		p := &domain.SchedulePayload{ScheduleID: "s", ChannelID: "c", KindTag: kind}
		assert.Equal(t, string(kind), p.Kind())
		queue, err := domain.QueueFor(p.Kind())
		require.NoError(t, err)
		assert.Equal(t, domain.QueueScheduler, queue)
	}
}

func TestProgressEvent_Terminal(t *testing.T) {
	t.Parallel()
	assert.True(t, domain.ProgressEvent{Type: domain.EventComplete}.Terminal())
	assert.True(t, domain.ProgressEvent{Type: domain.EventError}.Terminal())
	assert.False(t, domain.ProgressEvent{Type: domain.EventTyping}.Terminal())
	assert.False(t, domain.ProgressEvent{Type: domain.EventProgress}.Terminal())
	assert.False(t, domain.ProgressEvent{Type: domain.EventFile}.Terminal())
}

func TestScheduleKind_Recurrent(t *testing.T) {
	t.Parallel()
	assert.False(t, domain.ScheduleReminder.Recurrent())
	assert.True(t, domain.ScheduleRecurrentReminder.Recurrent())
	assert.False(t, domain.ScheduleTask.Recurrent())
	assert.True(t, domain.ScheduleRecurrentTask.Recurrent())
}

func TestKeys_Formatting(t *testing.T) {
	t.Parallel()
	assert.Equal(t, "scalyclaw:secret:openrouter-api-key", domain.KeySecret("openrouter-api-key"))
	assert.Equal(t, "scalyclaw:channel:state:ch-1", domain.KeyChannelState("ch-1"))
	assert.Equal(t, "scalyclaw:response:j-1", domain.KeyResponse("j-1"))
	assert.Equal(t, "scalyclaw:cancel:j-1", domain.KeyCancelFlag("j-1"))
	assert.Equal(t, "scalyclaw:pid:j-1", domain.KeyPID("j-1"))
	assert.Equal(t, "scalyclaw:jobs:ch-1", domain.KeyChannelJobs("ch-1"))
	assert.Equal(t, "process:node-a", domain.KeyProcess("node-a"))
	assert.Equal(t, "proactive:cooldown:ch-1", domain.KeyProactiveCooldown("ch-1"))
	assert.Equal(t, "proactive:daily:ch-1", domain.KeyProactiveDaily("ch-1"))
	assert.Equal(t, "progress:ch-1", domain.ChanProgress("ch-1"))
	assert.Equal(t, "scalyclaw:usage:2025-02-14:claude", domain.KeyUsage("2025-02-14", "claude"))
}
