package processor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/guard"
)

const helpText = `Commands:
/status — runtime, usage and schedule overview
/jobs — jobs currently running for this channel
/cancel [jobId] — cancel one job, or every job for this channel
/stop — alias for /cancel
/schedule [cancel <id>] — list or cancel scheduled jobs
/vault — list stored secret names
/workers — list live processes
/help — this message`

// HandleCommand is the command-job handler. Commands bypass the content
// guards (the size cap still applies) and always answer with one complete
// event; an unknown command is an answer, not a failure.
func (p *Processor) HandleCommand(ctx context.Context, jobID string, cmd *domain.CommandPayload) error {
	if cmd.ChannelID == "" {
		return fmt.Errorf("op=processor.HandleCommand: %w: empty channel id", domain.ErrInvalidArgument)
	}
	p.trackJob(ctx, cmd.ChannelID, jobID)
	defer p.untrackJob(cmd.ChannelID, jobID)
	if err := p.deps.Channels.Touch(ctx, cmd.ChannelID); err != nil {
		p.logger.Warn("activity touch failed", slog.Any("error", err))
	}

	name, args := cmd.Command, cmd.Args
	if strings.Contains(name, " ") {
		// The whole raw line landed in Command; split it ourselves.
		fields := strings.Fields(name)
		name, args = fields[0], append(fields[1:], args...)
	}
	name = strings.ToLower(strings.TrimPrefix(name, "/"))

	if v := p.deps.Guards.CheckSize(strings.Join(append([]string{name}, args...), " ")); !v.Passed {
		return p.complete(ctx, cmd.ChannelID, jobID, guard.BlockedReply, map[string]string{"blocked": "true"})
	}

	var (
		reply string
		err   error
	)
	switch name {
	case "start":
		reply = "Hi! I'm ScalyClaw. Send me a message and I'll get to work. /help lists the commands."
	case "help":
		reply = helpText
	case "status":
		reply, err = p.statusReply(ctx, cmd.ChannelID)
	case "jobs":
		reply, err = p.jobsReply(ctx, cmd.ChannelID)
	case "cancel", "stop":
		reply, err = p.cancelReply(ctx, cmd.ChannelID, jobID, args)
	case "schedule", "schedules":
		reply, err = p.scheduleReply(ctx, args)
	case "vault":
		reply, err = p.vaultReply(ctx)
	case "workers":
		reply, err = p.workersReply(ctx)
	default:
		reply = fmt.Sprintf("Unknown command /%s. Try /help.", name)
	}
	if err != nil {
		return fmt.Errorf("op=processor.HandleCommand: /%s: %w", name, err)
	}
	return p.complete(ctx, cmd.ChannelID, jobID, reply, map[string]string{"command": name})
}

// ParseCommand splits "/cancel abc 123" into ("cancel", ["abc","123"]).
// Non-command text yields an empty name.
func ParseCommand(text string) (string, []string) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") {
		return "", nil
	}
	fields := strings.Fields(text)
	name := strings.TrimPrefix(fields[0], "/")
	// Strip a bot-mention suffix ("/status@scalyclaw_bot").
	if i := strings.IndexByte(name, '@'); i >= 0 {
		name = name[:i]
	}
	return strings.ToLower(name), fields[1:]
}

func (p *Processor) statusReply(ctx context.Context, channelID string) (string, error) {
	var b strings.Builder
	fmt.Fprintf(&b, "ScalyClaw %s — up %s\n", p.deps.Version, time.Since(p.started).Round(time.Second))

	if procs, err := p.deps.Registry.List(ctx); err == nil {
		counts := map[domain.ProcessType]int{}
		for _, pr := range procs {
			counts[pr.Type]++
		}
		fmt.Fprintf(&b, "Processes: %d node, %d worker, %d dashboard\n",
			counts[domain.ProcessNode], counts[domain.ProcessWorker], counts[domain.ProcessDashboard])
	}
	if snap, err := p.deps.Budget.Today(ctx); err == nil {
		fmt.Fprintf(&b, "Usage today: %d tokens, $%.4f", snap.Tokens, snap.CostUSD)
		if snap.Exhausted {
			b.WriteString(" (budget exhausted)")
		}
		b.WriteString("\n")
	}
	if jobs, err := p.ActiveJobs(ctx, channelID); err == nil {
		fmt.Fprintf(&b, "Active jobs here: %d\n", len(jobs))
	}
	if scheds, err := p.deps.Sched.List(ctx); err == nil {
		active := 0
		for _, s := range scheds {
			if s.Status == domain.ScheduleActive {
				active++
			}
		}
		fmt.Fprintf(&b, "Active schedules: %d", active)
	}
	return strings.TrimSpace(b.String()), nil
}

func (p *Processor) jobsReply(ctx context.Context, channelID string) (string, error) {
	ids, err := p.ActiveJobs(ctx, channelID)
	if err != nil {
		return "", err
	}
	if len(ids) == 0 {
		return "No jobs running for this channel.", nil
	}
	sort.Strings(ids)
	var b strings.Builder
	b.WriteString("Running jobs:\n")
	for _, id := range ids {
		state := "active"
		if info, err := p.deps.Broker.Status(ctx, id); err == nil {
			state = string(info.State)
		}
		fmt.Fprintf(&b, "• %s (%s)\n", id, state)
	}
	return strings.TrimSpace(b.String()), nil
}

// cancelReply cancels a named job, or with no argument everything tracked
// for the channel except the command job delivering the reply.
func (p *Processor) cancelReply(ctx context.Context, channelID, selfJobID string, args []string) (string, error) {
	if len(args) > 0 {
		id := args[0]
		if err := p.deps.Cancels.RequestCancel(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Cancellation requested for %s.", id), nil
	}
	ids, err := p.ActiveJobs(ctx, channelID)
	if err != nil {
		return "", err
	}
	n := 0
	for _, id := range ids {
		if id == selfJobID {
			continue
		}
		if err := p.deps.Cancels.RequestCancel(ctx, id); err != nil {
			p.logger.Warn("cancel request failed", slog.String("job_id", id), slog.Any("error", err))
			continue
		}
		n++
	}
	if n == 0 {
		return "Nothing to cancel.", nil
	}
	return fmt.Sprintf("Cancellation requested for %d job(s).", n), nil
}

func (p *Processor) scheduleReply(ctx context.Context, args []string) (string, error) {
	if len(args) >= 2 && args[0] == "cancel" {
		if err := p.deps.Sched.Cancel(ctx, args[1]); err != nil {
			return "", err
		}
		return fmt.Sprintf("Schedule %s cancelled.", args[1]), nil
	}
	jobs, err := p.deps.Sched.List(ctx)
	if err != nil {
		return "", err
	}
	if len(jobs) == 0 {
		return "No scheduled jobs.", nil
	}
	var b strings.Builder
	b.WriteString("Scheduled jobs:\n")
	for _, j := range jobs {
		fmt.Fprintf(&b, "• %s [%s/%s] %s", j.ID, j.Kind, j.Status, j.Description)
		if j.Status == domain.ScheduleActive {
			fmt.Fprintf(&b, " — next %s", j.NextRunAt.UTC().Format(time.RFC3339))
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String()), nil
}

func (p *Processor) vaultReply(ctx context.Context) (string, error) {
	names, err := p.deps.Vault.List(ctx)
	if err != nil {
		return "", err
	}
	if len(names) == 0 {
		return "The vault is empty.", nil
	}
	return "Stored secrets: " + strings.Join(names, ", "), nil
}

func (p *Processor) workersReply(ctx context.Context) (string, error) {
	procs, err := p.deps.Registry.List(ctx)
	if err != nil {
		return "", err
	}
	if len(procs) == 0 {
		return "No live processes registered.", nil
	}
	var b strings.Builder
	b.WriteString("Live processes:\n")
	for _, pr := range procs {
		fmt.Fprintf(&b, "• %s %s on %s (pid %d, up %s)\n",
			pr.Type, pr.ID, pr.Host, pr.PID, (time.Duration(pr.UptimeS) * time.Second).String())
	}
	return strings.TrimSpace(b.String()), nil
}
