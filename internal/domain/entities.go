package domain

import (
	"context"
	"errors"
	"time"
)

// Error taxonomy (sentinels)
var (
	ErrInvalidArgument   = errors.New("invalid argument")
	ErrNotFound          = errors.New("not found")
	ErrConflict          = errors.New("conflict")
	ErrUnauthorized      = errors.New("unauthorized")
	ErrForbidden         = errors.New("forbidden")
	ErrRateLimited       = errors.New("rate limited")
	ErrUpstreamTimeout   = errors.New("upstream timeout")
	ErrUpstreamRateLimit = errors.New("upstream rate limit")
	ErrSchemaInvalid     = errors.New("schema invalid")
	ErrCancelled         = errors.New("cancelled")
	ErrBudgetExhausted   = errors.New("budget exhausted")
	ErrInternal          = errors.New("internal error")
)

// ProcessType enumerates the runtime process kinds. Registry listings order
// node < worker < dashboard.
type ProcessType string

const (
	ProcessNode      ProcessType = "node"
	ProcessWorker    ProcessType = "worker"
	ProcessDashboard ProcessType = "dashboard"
)

// ProcessInfo is one row of the process registry.
type ProcessInfo struct {
	ID        string            `json:"id"`
	Type      ProcessType       `json:"type"`
	Host      string            `json:"host"`
	PID       int               `json:"pid"`
	Version   string            `json:"version"`
	StartedAt time.Time         `json:"startedAt"`
	UptimeS   int64             `json:"uptimeS"`
	Extra     map[string]string `json:"extra,omitempty"`
}

// EventType enumerates progress-bus event kinds. Complete and Error are
// terminal; a job publishes exactly one terminal event unless cancelled.
type EventType string

const (
	EventTyping   EventType = "typing"
	EventProgress EventType = "progress"
	EventFile     EventType = "file"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
)

// ProgressEvent is the unit published on progress:{channelId}.
type ProgressEvent struct {
	Type      EventType         `json:"type"`
	ChannelID string            `json:"channelId"`
	JobID     string            `json:"jobId"`
	Content   string            `json:"content,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	At        time.Time         `json:"at"`
}

// Terminal reports whether the event ends its job's event stream.
func (e ProgressEvent) Terminal() bool {
	return e.Type == EventComplete || e.Type == EventError
}

// ScheduleKind and ScheduleStatus describe persisted scheduled jobs.
type ScheduleKind string

const (
	ScheduleReminder          ScheduleKind = "reminder"
	ScheduleRecurrentReminder ScheduleKind = "recurrent-reminder"
	ScheduleTask              ScheduleKind = "task"
	ScheduleRecurrentTask     ScheduleKind = "recurrent-task"
)

// Recurrent reports whether the kind re-fires after each run.
func (k ScheduleKind) Recurrent() bool {
	return k == ScheduleRecurrentReminder || k == ScheduleRecurrentTask
}

type ScheduleStatus string

const (
	ScheduleActive    ScheduleStatus = "active"
	ScheduleCompleted ScheduleStatus = "completed"
	ScheduleFailed    ScheduleStatus = "failed"
	ScheduleCancelled ScheduleStatus = "cancelled"
)

// ScheduledJob is persisted at scalyclaw:scheduled:{id}, separately from the
// transient broker entry that times its next run.
type ScheduledJob struct {
	ID          string         `json:"id"`
	ChannelID   string         `json:"channelId"`
	Kind        ScheduleKind   `json:"kind"`
	Status      ScheduleStatus `json:"status"`
	Description string         `json:"description"`
	Payload     string         `json:"payload,omitempty"`
	NextRunAt   time.Time      `json:"nextRunAt"`
	CronExpr    string         `json:"cron,omitempty"`
	IntervalMS  int64          `json:"intervalMs,omitempty"`
	Timezone    string         `json:"timezone,omitempty"`
	BrokerJobID string         `json:"brokerJobId,omitempty"`
	CreatedAt   time.Time      `json:"createdAt"`
	UpdatedAt   time.Time      `json:"updatedAt"`
}

// ScheduleRequest describes one schedule to create. DelayMS times the first
// run of one-shot kinds; recurrent kinds carry Cron or IntervalMS, never both.
type ScheduleRequest struct {
	ChannelID   string       `json:"channelId"`
	Kind        ScheduleKind `json:"kind"`
	Description string       `json:"description"`
	Payload     string       `json:"payload,omitempty"`
	DelayMS     int64        `json:"delayMs,omitempty"`
	Cron        string       `json:"cron,omitempty"`
	IntervalMS  int64        `json:"intervalMs,omitempty"`
	Timezone    string       `json:"timezone,omitempty"`
}

// Message is one chat row of a channel transcript.
type Message struct {
	ID        string            `json:"id"`
	ChannelID string            `json:"channelId"`
	Role      string            `json:"role"`
	Content   string            `json:"content"`
	JobID     string            `json:"jobId,omitempty"`
	Meta      map[string]string `json:"meta,omitempty"`
	CreatedAt time.Time         `json:"createdAt"`
}

// MemoryEntry is one extracted long-term memory item.
type MemoryEntry struct {
	ID        string    `json:"id"`
	ChannelID string    `json:"channelId,omitempty"`
	Content   string    `json:"content"`
	Tags      []string  `json:"tags,omitempty"`
	CreatedAt time.Time `json:"createdAt"`
}

// ChannelState caches per-channel routing metadata.
type ChannelState struct {
	ChannelID    string    `json:"channelId"`
	ReplyTo      string    `json:"replyTo,omitempty"`
	LastJobID    string    `json:"lastJobId,omitempty"`
	LastActivity time.Time `json:"lastActivity"`
}

// AgentPersona is one named assistant persona from the runtime overlay.
type AgentPersona struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Persona string `json:"persona"`
}

// MCPServer is a configured MCP server entry. The runtime stores and reloads
// these; speaking the protocol is the embedding application's business.
type MCPServer struct {
	Name      string   `json:"name"`
	Transport string   `json:"transport,omitempty"`
	Command   string   `json:"command,omitempty"`
	Args      []string `json:"args,omitempty"`
	URL       string   `json:"url,omitempty"`
	Enabled   bool     `json:"enabled"`
}

// RuntimeOverlay is the mutable config document at scalyclaw:config, edited
// through the gateway and folded into the system prompt on reload.
type RuntimeOverlay struct {
	SystemPrompt string         `json:"systemPrompt,omitempty"`
	Agents       []AgentPersona `json:"agents,omitempty"`
	MCPServers   []MCPServer    `json:"mcpServers,omitempty"`
}

// Usage aggregates one day's provider consumption for one model.
type Usage struct {
	Day              string  `json:"day"`
	Model            string  `json:"model"`
	Calls            int64   `json:"calls"`
	PromptTokens     int64   `json:"promptTokens"`
	CompletionTokens int64   `json:"completionTokens"`
	CostMicroUSD     int64   `json:"costMicroUsd"`
	CostUSD          float64 `json:"costUsd"`
}

// Ports

// Broker enqueues jobs onto the six named queues and inspects them.
type Broker interface {
	Enqueue(ctx Context, spec JobSpec) (string, error)
	Status(ctx Context, jobID string) (JobInfo, error)
	Remove(ctx Context, jobID string) error
	Pending(ctx Context) ([]JobInfo, error)
}

// ProgressBus publishes and consumes per-channel progress events.
type ProgressBus interface {
	Publish(ctx Context, ev ProgressEvent) error
	// Await blocks for the terminal event of (channelID, jobID), falling back
	// to the buffered response key when the live event was missed.
	Await(ctx Context, channelID, jobID string, timeout time.Duration) (ProgressEvent, error)
	// SubscribeChannel streams every event for one channel until the returned
	// stop func runs.
	SubscribeChannel(ctx Context, channelID string) (<-chan ProgressEvent, func(), error)
}

// CancelBus distributes cancellation across processes.
type CancelBus interface {
	RequestCancel(ctx Context, jobID string) error
	IsCancelled(ctx Context, jobID string) bool
	Register(jobID string, cancel context.CancelFunc)
	Unregister(jobID string)
}

// Registry tracks live processes.
type Registry interface {
	Register(ctx Context, info ProcessInfo) error
	Deregister(ctx Context, id string) error
	List(ctx Context) ([]ProcessInfo, error)
}

// Vault stores encrypted secrets.
type Vault interface {
	Set(ctx Context, name, value string) error
	Get(ctx Context, name string) (string, error)
	Delete(ctx Context, name string) error
	List(ctx Context) ([]string, error)
	ResolveAll(ctx Context) (map[string]string, error)
	Rotate(ctx Context) error
}

// Scheduler manages persisted schedules and the broker timers behind them.
type Scheduler interface {
	Create(ctx Context, req ScheduleRequest) (ScheduledJob, error)
	Get(ctx Context, id string) (ScheduledJob, error)
	List(ctx Context) ([]ScheduledJob, error)
	Cancel(ctx Context, id string) error
	Complete(ctx Context, id string) error
	Purge(ctx Context) (int, error)
}

// MessageStore persists channel transcripts.
type MessageStore interface {
	Append(ctx Context, m Message) error
	Recent(ctx Context, channelID string, limit int) ([]Message, error)
}

// MemoryStore persists extracted memories.
type MemoryStore interface {
	Store(ctx Context, e MemoryEntry) (string, error)
	Search(ctx Context, query string, limit int) ([]MemoryEntry, error)
	List(ctx Context, channelID string, limit int) ([]MemoryEntry, error)
	Delete(ctx Context, id string) error
}

// AIClient is the chat-completions port, tool calling included.
type AIClient interface {
	Chat(ctx Context, req ChatRequest) (ChatResponse, error)
}

// Context is an alias so domain signatures stay stdlib-context shaped without
// every adapter importing context through this package.
type Context = context.Context
