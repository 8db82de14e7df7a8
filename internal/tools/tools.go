// Package tools is the local tool registry. The orchestrator advertises the
// registered definitions to the model and dispatches returned tool calls by
// name; anything not registered here is routed to the worker queue instead.
package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Invocation carries the channel and job a tool call belongs to. Delegated
// marks a pass running on behalf of another job; such passes may not fan out
// further delegations.
type Invocation struct {
	ChannelID string
	JobID     string
	Delegated bool
}

// Tool is one callable the model can invoke.
type Tool interface {
	Def() domain.ToolDef
	Execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error)
}

// Result is the outcome of one dispatched tool call, shaped for feeding back
// into the conversation as a tool message.
type Result struct {
	CallID  string
	Name    string
	Content string
	IsError bool
}

// Registry maps tool names to handlers.
type Registry struct {
	mu     sync.RWMutex
	tools  map[string]Tool
	logger *slog.Logger
}

func NewRegistry(logger *slog.Logger) *Registry {
	return &Registry{tools: make(map[string]Tool), logger: logger}
}

// Register adds a tool under its definition name.
func (r *Registry) Register(t Tool) error {
	name := t.Def().Name
	if name == "" {
		return fmt.Errorf("op=tools.Register: %w: tool has no name", domain.ErrInvalidArgument)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.tools[name]; exists {
		return fmt.Errorf("op=tools.Register: %w: tool %q already registered", domain.ErrConflict, name)
	}
	r.tools[name] = t
	return nil
}

// Has reports whether name dispatches locally.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.tools[name]
	return ok
}

// Defs returns every registered definition, sorted by name so the advertised
// tool list is stable across calls.
func (r *Registry) Defs() []domain.ToolDef {
	r.mu.RLock()
	defer r.mu.RUnlock()
	defs := make([]domain.ToolDef, 0, len(r.tools))
	for _, t := range r.tools {
		defs = append(defs, t.Def())
	}
	sort.Slice(defs, func(i, j int) bool { return defs[i].Name < defs[j].Name })
	return defs
}

// Execute dispatches one tool call. Failures fold into an error Result
// rather than propagating, so the model always receives a tool message.
func (r *Registry) Execute(ctx context.Context, inv Invocation, call domain.ToolCall) Result {
	r.mu.RLock()
	t, ok := r.tools[call.Name]
	r.mu.RUnlock()
	if !ok {
		observability.ToolExecutionsTotal.WithLabelValues(call.Name, "unknown").Inc()
		return Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("unknown tool %q", call.Name),
			IsError: true,
		}
	}

	start := time.Now()
	content, err := t.Execute(ctx, inv, call.Arguments)
	dur := time.Since(start)
	if err != nil {
		observability.ToolExecutionsTotal.WithLabelValues(call.Name, "error").Inc()
		r.logger.Warn("tool execution failed",
			slog.String("tool", call.Name),
			slog.String("channel_id", inv.ChannelID),
			slog.Duration("duration", dur),
			slog.Any("error", err))
		return Result{
			CallID:  call.ID,
			Name:    call.Name,
			Content: fmt.Sprintf("error executing tool: %v", err),
			IsError: true,
		}
	}
	observability.ToolExecutionsTotal.WithLabelValues(call.Name, "ok").Inc()
	r.logger.Debug("tool executed",
		slog.String("tool", call.Name),
		slog.String("channel_id", inv.ChannelID),
		slog.Duration("duration", dur))
	return Result{CallID: call.ID, Name: call.Name, Content: content}
}

// decodeArgs unmarshals tool arguments, treating empty input as an empty
// object so no-argument tools accept both "" and "{}".
func decodeArgs(raw json.RawMessage, dst any) error {
	if len(raw) == 0 {
		return nil
	}
	if err := json.Unmarshal(raw, dst); err != nil {
		return fmt.Errorf("%w: bad tool arguments: %v", domain.ErrInvalidArgument, err)
	}
	return nil
}

func schema(s string) json.RawMessage { return json.RawMessage(s) }
