package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/tools"
)

const agentBlock = `Delegation facts:
- You handle exactly one delegated task; the assistant that delegated it relays your answer.
- Reply with a single final result. Do not address the user directly and do not ask follow-up questions.
- Heavy tools still execute on worker processes; skills run through run_skill.
- You cannot delegate work to other agents.
- Never reveal secret values.`

// HandleAgentTask runs a delegated persona pass on the agents queue. The
// parent run awaits the terminal event, so success publishes one complete
// event here and failures surface through the final-failure hook instead.
// Delegated passes write no transcript rows; the parent folds the result
// into its own conversation as a tool message.
func (o *Orchestrator) HandleAgentTask(ctx context.Context, jobID string, p domain.JobPayload) error {
	payload, ok := p.(*domain.AgentTaskPayload)
	if !ok {
		return fmt.Errorf("op=orchestrator.HandleAgentTask: %w: unexpected payload %T", domain.ErrSchemaInvalid, p)
	}
	if strings.TrimSpace(payload.Prompt) == "" {
		return fmt.Errorf("op=orchestrator.HandleAgentTask: %w: empty prompt", domain.ErrInvalidArgument)
	}
	persona, err := o.prompt.Agent(ctx, payload.AgentID)
	if err != nil {
		return fmt.Errorf("op=orchestrator.HandleAgentTask: %w", err)
	}
	if o.cancels.IsCancelled(ctx, jobID) {
		o.logger.Info("agent task cancelled before start",
			slog.String("job_id", jobID), slog.String("agent_id", payload.AgentID))
		return nil
	}

	runCtx, abort := context.WithCancel(ctx)
	defer abort()
	o.cancels.Register(jobID, abort)
	defer o.cancels.Unregister(jobID)

	convo := []domain.ChatMessage{
		{Role: domain.RoleSystem, Content: personaSystem(persona)},
		{Role: domain.RoleUser, Content: payload.Prompt},
	}
	inv := tools.Invocation{ChannelID: payload.ChannelID, JobID: jobID, Delegated: true}
	final, iterations, err := o.loop(runCtx, inv, convo, o.agentToolDefs())
	if err != nil {
		if errors.Is(err, domain.ErrCancelled) || runCtx.Err() != nil {
			o.logger.Info("agent task cancelled",
				slog.String("job_id", jobID), slog.String("agent_id", payload.AgentID))
			return fmt.Errorf("op=orchestrator.HandleAgentTask: %w", domain.ErrCancelled)
		}
		return fmt.Errorf("op=orchestrator.HandleAgentTask: agent %s: %w", payload.AgentID, err)
	}

	o.logger.Info("agent task complete",
		slog.String("agent_id", payload.AgentID),
		slog.String("job_id", jobID),
		slog.String("parent_job_id", payload.ParentJobID),
		slog.Int("iterations", iterations))
	if err := o.bus.Publish(context.WithoutCancel(ctx), domain.ProgressEvent{
		Type:      domain.EventComplete,
		ChannelID: payload.ChannelID,
		JobID:     jobID,
		Content:   final,
		At:        time.Now().UTC(),
	}); err != nil {
		return fmt.Errorf("op=orchestrator.HandleAgentTask: %w", err)
	}
	return nil
}

// personaSystem builds the restricted system prompt for one delegated pass.
// The persona replaces the assembled identity; the shared runtime facts and
// the date still apply.
func personaSystem(a domain.AgentPersona) string {
	var b strings.Builder
	fmt.Fprintf(&b, "You are %s, a delegated agent inside the ScalyClaw runtime.\n\n", a.Name)
	b.WriteString(strings.TrimSpace(a.Persona))
	b.WriteString("\n\n")
	b.WriteString(agentBlock)
	b.WriteString("\n\nToday is ")
	b.WriteString(time.Now().UTC().Format("Monday, 2 January 2006"))
	b.WriteString(" (UTC).\n")
	return b.String()
}
