package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"runtime"
	"strings"
	"time"

	"github.com/shirou/gopsutil/v4/host"
	"github.com/shirou/gopsutil/v4/mem"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// LocalDeps collects the ports the built-in tools need.
type LocalDeps struct {
	Bus       domain.ProgressBus
	Memory    domain.MemoryStore
	Vault     domain.Vault
	Registry  domain.Registry
	Scheduler domain.Scheduler
	Version   string
}

// RegisterLocal wires every built-in tool into the registry.
func RegisterLocal(r *Registry, deps LocalDeps) error {
	all := []Tool{
		&SendMessage{Bus: deps.Bus},
		&MemorySearch{Memory: deps.Memory},
		&MemoryWrite{Memory: deps.Memory},
		&VaultList{Vault: deps.Vault},
		&SystemInfo{Registry: deps.Registry, Version: deps.Version},
		&ScheduleReminder{Scheduler: deps.Scheduler},
		&ScheduleCancel{Scheduler: deps.Scheduler},
		&ListWorkers{Registry: deps.Registry},
	}
	for _, t := range all {
		if err := r.Register(t); err != nil {
			return err
		}
	}
	return nil
}

// SendMessage pushes an intermediate message to the channel before the final
// reply, so long tool chains stay conversational.
type SendMessage struct {
	Bus domain.ProgressBus
}

func (t *SendMessage) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "send_message",
		Description: "Send an intermediate message to the user right now, before the final reply. Use for progress updates during long multi-step work.",
		Parameters:  schema(`{"type":"object","properties":{"message":{"type":"string","description":"Text to send"}},"required":["message"]}`),
	}
}

func (t *SendMessage) Execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
	var in struct {
		Message string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if strings.TrimSpace(in.Message) == "" {
		return "", fmt.Errorf("%w: message is empty", domain.ErrInvalidArgument)
	}
	ev := domain.ProgressEvent{
		Type:      domain.EventProgress,
		ChannelID: inv.ChannelID,
		JobID:     inv.JobID,
		Content:   in.Message,
		At:        time.Now().UTC(),
	}
	if err := t.Bus.Publish(ctx, ev); err != nil {
		return "", fmt.Errorf("op=tools.SendMessage: %w", err)
	}
	return "message sent", nil
}

// MemorySearch queries long-term memory.
type MemorySearch struct {
	Memory domain.MemoryStore
}

func (t *MemorySearch) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "memory_search",
		Description: "Search long-term memory for facts relevant to a query.",
		Parameters:  schema(`{"type":"object","properties":{"query":{"type":"string"},"limit":{"type":"integer","description":"Max results, default 5"}},"required":["query"]}`),
	}
}

func (t *MemorySearch) Execute(ctx context.Context, _ Invocation, args json.RawMessage) (string, error) {
	var in struct {
		Query string `json:"query"`
		Limit int    `json:"limit"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.Limit <= 0 {
		in.Limit = 5
	}
	entries, err := t.Memory.Search(ctx, in.Query, in.Limit)
	if err != nil {
		return "", fmt.Errorf("op=tools.MemorySearch: %w", err)
	}
	if len(entries) == 0 {
		return "no memories matched", nil
	}
	var b strings.Builder
	for _, e := range entries {
		fmt.Fprintf(&b, "- [%s] %s", e.ID, e.Content)
		if len(e.Tags) > 0 {
			fmt.Fprintf(&b, " (tags: %s)", strings.Join(e.Tags, ", "))
		}
		b.WriteByte('\n')
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// MemoryWrite persists a fact to long-term memory.
type MemoryWrite struct {
	Memory domain.MemoryStore
}

func (t *MemoryWrite) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "memory_store",
		Description: "Store a fact in long-term memory for future conversations.",
		Parameters:  schema(`{"type":"object","properties":{"content":{"type":"string"},"tags":{"type":"array","items":{"type":"string"}}},"required":["content"]}`),
	}
}

func (t *MemoryWrite) Execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
	var in struct {
		Content string   `json:"content"`
		Tags    []string `json:"tags"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	id, err := t.Memory.Store(ctx, domain.MemoryEntry{
		ChannelID: inv.ChannelID,
		Content:   in.Content,
		Tags:      in.Tags,
	})
	if err != nil {
		return "", fmt.Errorf("op=tools.MemoryWrite: %w", err)
	}
	return "stored memory " + id, nil
}

// VaultList names the stored secrets. Values never leave the vault through
// this tool.
type VaultList struct {
	Vault domain.Vault
}

func (t *VaultList) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "vault_list",
		Description: "List the names of secrets stored in the vault. Values are never returned.",
		Parameters:  schema(`{"type":"object","properties":{}}`),
	}
}

func (t *VaultList) Execute(ctx context.Context, _ Invocation, _ json.RawMessage) (string, error) {
	names, err := t.Vault.List(ctx)
	if err != nil {
		return "", fmt.Errorf("op=tools.VaultList: %w", err)
	}
	if len(names) == 0 {
		return "vault is empty", nil
	}
	return "vault secrets: " + strings.Join(names, ", "), nil
}

// SystemInfo reports host and runtime health.
type SystemInfo struct {
	Registry domain.Registry
	Version  string
}

func (t *SystemInfo) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "system_info",
		Description: "Report host, memory, runtime and registered-process information.",
		Parameters:  schema(`{"type":"object","properties":{}}`),
	}
}

func (t *SystemInfo) Execute(ctx context.Context, _ Invocation, _ json.RawMessage) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "version: %s\n", t.Version)
	if hi, err := host.InfoWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "host: %s (%s %s)\n", hi.Hostname, hi.Platform, hi.PlatformVersion)
		fmt.Fprintf(&b, "uptime: %s\n", (time.Duration(hi.Uptime) * time.Second).String())
	}
	if vm, err := mem.VirtualMemoryWithContext(ctx); err == nil {
		fmt.Fprintf(&b, "memory: %.1f%% of %.1f GiB used\n", vm.UsedPercent, float64(vm.Total)/(1<<30))
	}
	fmt.Fprintf(&b, "go: %s, %d cpus\n", runtime.Version(), runtime.NumCPU())
	if procs, err := t.Registry.List(ctx); err == nil {
		counts := map[domain.ProcessType]int{}
		for _, p := range procs {
			counts[p.Type]++
		}
		fmt.Fprintf(&b, "processes: node=%d worker=%d dashboard=%d",
			counts[domain.ProcessNode], counts[domain.ProcessWorker], counts[domain.ProcessDashboard])
	}
	return strings.TrimRight(b.String(), "\n"), nil
}

// ScheduleReminder creates a one-shot or recurrent reminder.
type ScheduleReminder struct {
	Scheduler domain.Scheduler
}

func (t *ScheduleReminder) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "schedule_reminder",
		Description: "Schedule a reminder. Provide delayMs for a one-shot, or cron/intervalMs for a recurrent reminder.",
		Parameters: schema(`{"type":"object","properties":{
"description":{"type":"string","description":"What to remind about"},
"delayMs":{"type":"integer","description":"Fire once after this many milliseconds"},
"cron":{"type":"string","description":"Cron expression for recurrence"},
"intervalMs":{"type":"integer","description":"Repeat every this many milliseconds"},
"timezone":{"type":"string","description":"IANA timezone for cron evaluation"},
"message":{"type":"string","description":"Text delivered when the reminder fires; defaults to the description"}
},"required":["description"]}`),
	}
}

func (t *ScheduleReminder) Execute(ctx context.Context, inv Invocation, args json.RawMessage) (string, error) {
	var in struct {
		Description string `json:"description"`
		DelayMS     int64  `json:"delayMs"`
		Cron        string `json:"cron"`
		IntervalMS  int64  `json:"intervalMs"`
		Timezone    string `json:"timezone"`
		Message     string `json:"message"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	req := domain.ScheduleRequest{
		ChannelID:   inv.ChannelID,
		Kind:        domain.ScheduleReminder,
		Description: in.Description,
		Payload:     in.Message,
		DelayMS:     in.DelayMS,
		Cron:        in.Cron,
		IntervalMS:  in.IntervalMS,
		Timezone:    in.Timezone,
	}
	if in.Cron != "" || in.IntervalMS > 0 {
		req.Kind = domain.ScheduleRecurrentReminder
	}
	job, err := t.Scheduler.Create(ctx, req)
	if err != nil {
		return "", fmt.Errorf("op=tools.ScheduleReminder: %w", err)
	}
	return fmt.Sprintf("scheduled %s, next run %s", job.ID, job.NextRunAt.UTC().Format(time.RFC3339)), nil
}

// ScheduleCancel cancels a scheduled job by id.
type ScheduleCancel struct {
	Scheduler domain.Scheduler
}

func (t *ScheduleCancel) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "schedule_cancel",
		Description: "Cancel a scheduled reminder or task by its id.",
		Parameters:  schema(`{"type":"object","properties":{"id":{"type":"string"}},"required":["id"]}`),
	}
}

func (t *ScheduleCancel) Execute(ctx context.Context, _ Invocation, args json.RawMessage) (string, error) {
	var in struct {
		ID string `json:"id"`
	}
	if err := decodeArgs(args, &in); err != nil {
		return "", err
	}
	if in.ID == "" {
		return "", fmt.Errorf("%w: id is required", domain.ErrInvalidArgument)
	}
	if err := t.Scheduler.Cancel(ctx, in.ID); err != nil {
		return "", fmt.Errorf("op=tools.ScheduleCancel: %w", err)
	}
	return "cancelled " + in.ID, nil
}

// ListWorkers lists live worker processes from the registry.
type ListWorkers struct {
	Registry domain.Registry
}

func (t *ListWorkers) Def() domain.ToolDef {
	return domain.ToolDef{
		Name:        "list_workers",
		Description: "List the worker processes currently registered and able to run skills.",
		Parameters:  schema(`{"type":"object","properties":{}}`),
	}
}

func (t *ListWorkers) Execute(ctx context.Context, _ Invocation, _ json.RawMessage) (string, error) {
	procs, err := t.Registry.List(ctx)
	if err != nil {
		return "", fmt.Errorf("op=tools.ListWorkers: %w", err)
	}
	var b strings.Builder
	for _, p := range procs {
		if p.Type != domain.ProcessWorker {
			continue
		}
		fmt.Fprintf(&b, "- %s host=%s uptime=%s", p.ID, p.Host, (time.Duration(p.UptimeS) * time.Second).String())
		if pct, ok := p.Extra["memUsedPct"]; ok {
			fmt.Fprintf(&b, " mem=%s%%", pct)
		}
		b.WriteByte('\n')
	}
	if b.Len() == 0 {
		return "no workers registered", nil
	}
	return strings.TrimRight(b.String(), "\n"), nil
}
