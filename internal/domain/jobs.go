package domain

import (
	"encoding/json"
	"fmt"
	"time"
)

// Queue names. Every job name routes to exactly one of these.
const (
	QueueMessages  = "messages"
	QueueAgents    = "agents"
	QueueTools     = "tools"
	QueueProactive = "proactive"
	QueueScheduler = "scheduler"
	QueueSystem    = "system"
)

// Job names. The job name doubles as the payload kind tag.
const (
	JobMessageProcessing = "message-processing"
	JobCommand           = "command"
	JobAgentTask         = "agent-task"
	JobToolExecution     = "tool-execution"
	JobSkillExecution    = "skill-execution"
	JobProactiveCheck    = "proactive-check"
	JobReminder          = "reminder"
	JobRecurrentReminder = "recurrent-reminder"
	JobTask              = "task"
	JobRecurrentTask     = "recurrent-task"
	JobMemoryExtraction  = "memory-extraction"
	JobScheduledFire     = "scheduled-fire"
	JobProactiveFire     = "proactive-fire"
	JobVaultKeyRotation  = "vault-key-rotation"
)

var jobQueues = map[string]string{
	JobMessageProcessing: QueueMessages,
	JobCommand:           QueueMessages,
	JobAgentTask:         QueueAgents,
	JobToolExecution:     QueueTools,
	JobSkillExecution:    QueueTools,
	JobProactiveCheck:    QueueProactive,
	JobReminder:          QueueScheduler,
	JobRecurrentReminder: QueueScheduler,
	JobTask:              QueueScheduler,
	JobRecurrentTask:     QueueScheduler,
	JobMemoryExtraction:  QueueSystem,
	JobScheduledFire:     QueueSystem,
	JobProactiveFire:     QueueSystem,
	JobVaultKeyRotation:  QueueSystem,
}

// QueueFor maps a job name to its queue. Unknown names are rejected; routing
// is never best-effort.
func QueueFor(jobName string) (string, error) {
	q, ok := jobQueues[jobName]
	if !ok {
		return "", fmt.Errorf("op=domain.QueueFor: %w: unknown job name %q", ErrInvalidArgument, jobName)
	}
	return q, nil
}

// JobNames returns every routable job name.
func JobNames() []string {
	names := make([]string, 0, len(jobQueues))
	for n := range jobQueues {
		names = append(names, n)
	}
	return names
}

// AllQueues returns the six queue names.
func AllQueues() []string {
	return []string{QueueMessages, QueueAgents, QueueTools, QueueProactive, QueueScheduler, QueueSystem}
}

// RepeatSpec makes a job fire repeatedly. Exactly one of EveryMS or Cron is
// set; Timezone applies to Cron evaluation.
type RepeatSpec struct {
	EveryMS  int64  `json:"everyMs,omitempty"`
	Cron     string `json:"cron,omitempty"`
	Timezone string `json:"timezone,omitempty"`
}

// JobSpec describes one enqueue request. ID is optional; the broker assigns
// one when empty. A JobSpec with Repeat set and a stable ID upserts the
// matching repeatable registration instead of adding a second one.
type JobSpec struct {
	ID        string
	Name      string
	Payload   JobPayload
	Priority  int
	Attempts  int
	BackoffMS int64
	DelayMS   int64
	TimeoutMS int64
	Repeat    *RepeatSpec
}

// JobState is the coarse lifecycle reported by Broker.Status.
type JobState string

const (
	JobWaiting   JobState = "waiting"
	JobDelayed   JobState = "delayed"
	JobActive    JobState = "active"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
)

// JobInfo is a point-in-time broker view of one job.
type JobInfo struct {
	ID       string    `json:"id"`
	Name     string    `json:"name"`
	Queue    string    `json:"queue"`
	State    JobState  `json:"state"`
	Retried  int       `json:"retried"`
	MaxRetry int       `json:"maxRetry"`
	Error    string    `json:"error,omitempty"`
	NextRun  time.Time `json:"nextRun,omitempty"`
}

// QueueCounts totals one queue's jobs by state.
type QueueCounts struct {
	Pending   int `json:"pending"`
	Active    int `json:"active"`
	Scheduled int `json:"scheduled"`
	Retry     int `json:"retry"`
	Archived  int `json:"archived"`
	Completed int `json:"completed"`
}

// JobPayload is the tagged sum carried by every job. Kind matches the job
// name the payload belongs to.
type JobPayload interface {
	Kind() string
}

type MessagePayload struct {
	ChannelID string            `json:"channelId"`
	MessageID string            `json:"messageId,omitempty"`
	Content   string            `json:"content"`
	ReplyTo   string            `json:"replyTo,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
}

func (MessagePayload) Kind() string { return JobMessageProcessing }

type CommandPayload struct {
	ChannelID string   `json:"channelId"`
	Command   string   `json:"command"`
	Args      []string `json:"args,omitempty"`
}

func (CommandPayload) Kind() string { return JobCommand }

type AgentTaskPayload struct {
	ChannelID   string `json:"channelId"`
	AgentID     string `json:"agentId"`
	Prompt      string `json:"prompt"`
	ParentJobID string `json:"parentJobId,omitempty"`
}

func (AgentTaskPayload) Kind() string { return JobAgentTask }

type ToolExecutionPayload struct {
	ChannelID string          `json:"channelId"`
	Tool      string          `json:"tool"`
	Input     json.RawMessage `json:"input,omitempty"`
	TimeoutMS int64           `json:"timeoutMs,omitempty"`
}

func (ToolExecutionPayload) Kind() string { return JobToolExecution }

type SkillExecutionPayload struct {
	ChannelID string   `json:"channelId"`
	SkillID   string   `json:"skillId"`
	Args      []string `json:"args,omitempty"`
	Stdin     string   `json:"stdin,omitempty"`
	TimeoutMS int64    `json:"timeoutMs,omitempty"`
	// Secrets are vault values resolved node-side for the manifest's
	// envSecrets; workers have no vault key material of their own.
	Secrets map[string]string `json:"secrets,omitempty"`
}

func (SkillExecutionPayload) Kind() string { return JobSkillExecution }

type ProactiveCheckPayload struct {
	ChannelID string `json:"channelId"`
}

func (ProactiveCheckPayload) Kind() string { return JobProactiveCheck }

// SchedulePayload times one run of a persisted schedule. Its Kind mirrors the
// ScheduledJob kind so the broker routes all four onto the scheduler queue.
type SchedulePayload struct {
	ScheduleID string       `json:"scheduleId"`
	ChannelID  string       `json:"channelId"`
	KindTag    ScheduleKind `json:"kindTag"`
}

func (p SchedulePayload) Kind() string { return string(p.KindTag) }

type MemoryExtractionPayload struct {
	ChannelID string `json:"channelId"`
	JobID     string `json:"jobId,omitempty"`
}

func (MemoryExtractionPayload) Kind() string { return JobMemoryExtraction }

type ScheduledFirePayload struct {
	ScheduleID string `json:"scheduleId"`
}

func (ScheduledFirePayload) Kind() string { return JobScheduledFire }

type ProactiveFirePayload struct {
	ChannelID string `json:"channelId"`
	Reason    string `json:"reason,omitempty"`
}

func (ProactiveFirePayload) Kind() string { return JobProactiveFire }

type VaultKeyRotationPayload struct{}

func (VaultKeyRotationPayload) Kind() string { return JobVaultKeyRotation }

// PayloadChannel extracts the channel a payload belongs to, empty when the
// job is channel-less (vault rotation).
func PayloadChannel(p JobPayload) string {
	switch v := p.(type) {
	case *MessagePayload:
		return v.ChannelID
	case *CommandPayload:
		return v.ChannelID
	case *AgentTaskPayload:
		return v.ChannelID
	case *ToolExecutionPayload:
		return v.ChannelID
	case *SkillExecutionPayload:
		return v.ChannelID
	case *ProactiveCheckPayload:
		return v.ChannelID
	case *SchedulePayload:
		return v.ChannelID
	case *MemoryExtractionPayload:
		return v.ChannelID
	case *ProactiveFirePayload:
		return v.ChannelID
	default:
		return ""
	}
}

type payloadEnvelope struct {
	Kind string          `json:"kind"`
	Data json.RawMessage `json:"data"`
}

// EncodePayload wraps a payload in its kind envelope.
func EncodePayload(p JobPayload) ([]byte, error) {
	data, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("op=domain.EncodePayload: %w", err)
	}
	return json.Marshal(payloadEnvelope{Kind: p.Kind(), Data: data})
}

// DecodePayload restores a payload from its envelope. Unknown kind tags are
// rejected with ErrSchemaInvalid rather than decoded into a zero value.
func DecodePayload(raw []byte) (JobPayload, error) {
	var env payloadEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("op=domain.DecodePayload: %w: %v", ErrSchemaInvalid, err)
	}
	var p JobPayload
	switch env.Kind {
	case JobMessageProcessing:
		p = &MessagePayload{}
	case JobCommand:
		p = &CommandPayload{}
	case JobAgentTask:
		p = &AgentTaskPayload{}
	case JobToolExecution:
		p = &ToolExecutionPayload{}
	case JobSkillExecution:
		p = &SkillExecutionPayload{}
	case JobProactiveCheck:
		p = &ProactiveCheckPayload{}
	case JobReminder, JobRecurrentReminder, JobTask, JobRecurrentTask:
		p = &SchedulePayload{}
	case JobMemoryExtraction:
		p = &MemoryExtractionPayload{}
	case JobScheduledFire:
		p = &ScheduledFirePayload{}
	case JobProactiveFire:
		p = &ProactiveFirePayload{}
	case JobVaultKeyRotation:
		p = &VaultKeyRotationPayload{}
	default:
		return nil, fmt.Errorf("op=domain.DecodePayload: %w: unknown kind %q", ErrSchemaInvalid, env.Kind)
	}
	if len(env.Data) > 0 {
		if err := json.Unmarshal(env.Data, p); err != nil {
			return nil, fmt.Errorf("op=domain.DecodePayload: %w: kind %s: %v", ErrSchemaInvalid, env.Kind, err)
		}
	}
	if sp, ok := p.(*SchedulePayload); ok {
		sp.KindTag = ScheduleKind(env.Kind)
	}
	return p, nil
}
