package orchestrator

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/guard"
	"github.com/scalyclaw/scalyclaw/internal/skills"
	"github.com/scalyclaw/scalyclaw/internal/tools"
	"github.com/scalyclaw/scalyclaw/pkg/textx"
)

const (
	// historyWindow bounds how many transcript rows feed the conversation.
	historyWindow = 30
	// toolBatchParallelism caps concurrent tool calls within one batch.
	toolBatchParallelism = 4
	// workerToolTimeoutMS is the subprocess budget a dispatched job carries.
	workerToolTimeoutMS = 30_000
	// workerAwait covers queue wait plus execution for a dispatched tool.
	workerAwait = 2 * time.Minute
	// agentTaskTimeoutMS bounds a delegated agent pass; the parent waits a
	// little longer so the final-failure event always arrives first.
	agentTaskTimeoutMS = 10 * 60 * 1000
	agentAwait         = 12 * time.Minute
	// toolResultCap keeps a chatty tool from flooding the next provider call.
	toolResultCap = 16 * 1024
)

// Input is one orchestration request.
type Input struct {
	ChannelID string
	JobID     string
	Text      string
	// Source tags the transcript row: "message", "scheduled", "proactive".
	Source string
}

// Orchestrator drives the provider loop for one node process.
type Orchestrator struct {
	cfg       config.LLMConfig
	ai        domain.AIClient
	budget    *budget.Budget
	broker    domain.Broker
	bus       domain.ProgressBus
	cancels   domain.CancelBus
	messages  domain.MessageStore
	memory    domain.MemoryStore
	vault     domain.Vault
	guards    *guard.Pipeline
	local     *tools.Registry
	catalog   *skills.Catalog
	prompt    *Prompt
	artifacts *Artifacts
	logger    *slog.Logger
}

func New(
	cfg config.LLMConfig,
	ai domain.AIClient,
	bdg *budget.Budget,
	broker domain.Broker,
	bus domain.ProgressBus,
	cancels domain.CancelBus,
	messages domain.MessageStore,
	memory domain.MemoryStore,
	vlt domain.Vault,
	guards *guard.Pipeline,
	local *tools.Registry,
	catalog *skills.Catalog,
	prompt *Prompt,
	artifacts *Artifacts,
	logger *slog.Logger,
) *Orchestrator {
	return &Orchestrator{
		cfg:       cfg,
		ai:        ai,
		budget:    bdg,
		broker:    broker,
		bus:       bus,
		cancels:   cancels,
		messages:  messages,
		memory:    memory,
		vault:     vlt,
		guards:    guards,
		local:     local,
		catalog:   catalog,
		prompt:    prompt,
		artifacts: artifacts,
		logger:    logger,
	}
}

// RunPrompt feeds a synthesized user turn through the loop. Scheduled tasks
// and proactive fires come in this way.
func (o *Orchestrator) RunPrompt(ctx domain.Context, channelID, jobID, prompt string) (string, error) {
	return o.Run(ctx, Input{ChannelID: channelID, JobID: jobID, Text: prompt, Source: "scheduled"})
}

// Run executes the loop and returns the final assistant text. The caller
// owns the terminal progress event; Run itself emits only intermediate
// events (via local tools) and transcript writes. Cancellation surfaces as
// domain.ErrCancelled with no further output.
func (o *Orchestrator) Run(ctx domain.Context, in Input) (string, error) {
	if strings.TrimSpace(in.Text) == "" {
		return "", fmt.Errorf("op=orchestrator.Run: %w: empty input text", domain.ErrInvalidArgument)
	}
	if err := o.messages.Append(ctx, domain.Message{
		ChannelID: in.ChannelID,
		Role:      domain.RoleUser,
		Content:   in.Text,
		JobID:     in.JobID,
		Meta:      sourceMeta(in.Source),
	}); err != nil {
		return "", err
	}

	system, err := o.prompt.System(ctx)
	if err != nil {
		return "", err
	}
	history, err := o.history(ctx, in.ChannelID)
	if err != nil {
		return "", err
	}
	convo := make([]domain.ChatMessage, 0, len(history)+2)
	convo = append(convo, domain.ChatMessage{Role: domain.RoleSystem, Content: system})
	convo = append(convo, history...)

	inv := tools.Invocation{ChannelID: in.ChannelID, JobID: in.JobID}
	final, iterations, err := o.loop(ctx, inv, convo, o.toolDefs())
	if err != nil {
		return "", err
	}
	o.finish(ctx, in, final, iterations)
	return final, nil
}

// loop is the provider iteration shared by top-level runs and delegated
// agent passes. It owns no transcript writes and no terminal events; it
// returns the final text and how many provider calls it took.
func (o *Orchestrator) loop(ctx domain.Context, inv tools.Invocation, convo []domain.ChatMessage, defs []domain.ToolDef) (string, int, error) {
	maxIter := o.cfg.MaxIterations
	if maxIter <= 0 {
		maxIter = 24
	}
	errLimit := o.cfg.MaxConsecutiveErrs
	if errLimit <= 0 {
		errLimit = 3
	}

	consecutiveFailures := 0
	for iteration := 0; iteration < maxIter; iteration++ {
		if err := o.shouldStop(ctx, inv.JobID); err != nil {
			return "", 0, err
		}

		req := domain.ChatRequest{
			Model:       o.cfg.Model,
			Messages:    convo,
			Tools:       defs,
			MaxTokens:   o.cfg.MaxTokens,
			Temperature: o.cfg.Temperature,
		}
		if err := o.budget.Allow(ctx, o.budget.Estimate(req)); err != nil {
			return "", 0, fmt.Errorf("op=orchestrator.loop: %w", err)
		}

		resp, err := o.ai.Chat(ctx, req)
		if err != nil {
			// Provider failures ride the job-level backoff: the whole run
			// retries under broker attempts.
			return "", 0, fmt.Errorf("op=orchestrator.loop: iteration %d: %w", iteration, err)
		}
		if err := o.budget.Record(ctx, resp.Model, inv.ChannelID, resp.Usage); err != nil {
			o.logger.Warn("usage record failed", slog.Any("error", err))
		}

		if len(resp.ToolCalls) == 0 {
			final := strings.TrimSpace(resp.Content)
			if final == "" {
				final = "(no response)"
			}
			return final, iteration + 1, nil
		}

		convo = append(convo, domain.ChatMessage{
			Role:      domain.RoleAssistant,
			Content:   resp.Content,
			ToolCalls: resp.ToolCalls,
		})

		// Narration ahead of a tool batch is the caller's only window into
		// a long run; every iteration surfaces one on the bus.
		if pubErr := o.bus.Publish(ctx, domain.ProgressEvent{
			Type:      domain.EventProgress,
			ChannelID: inv.ChannelID,
			JobID:     inv.JobID,
			Content:   strings.TrimSpace(resp.Content),
		}); pubErr != nil {
			o.logger.Warn("progress publish failed",
				slog.String("job_id", inv.JobID), slog.Any("error", pubErr))
		}

		results := o.executeBatch(ctx, inv, resp.ToolCalls)
		allFailed := true
		for _, r := range results {
			if !r.IsError {
				allFailed = false
			}
			convo = append(convo, domain.ChatMessage{
				Role:       domain.RoleTool,
				Content:    textx.Truncate(r.Content, toolResultCap),
				ToolCallID: r.CallID,
				Name:       r.Name,
			})
		}
		if allFailed {
			consecutiveFailures++
			if consecutiveFailures >= errLimit {
				return "", 0, fmt.Errorf("op=orchestrator.loop: %w: %d consecutive failed tool batches", domain.ErrInternal, consecutiveFailures)
			}
		} else {
			consecutiveFailures = 0
		}
	}

	// Out of iterations with tool results dangling: one last call without
	// tools forces a textual wrap-up.
	if err := o.shouldStop(ctx, inv.JobID); err != nil {
		return "", 0, err
	}
	convo = append(convo, domain.ChatMessage{
		Role:    domain.RoleUser,
		Content: "Summarize the work so far and answer with your final response. Do not call any more tools.",
	})
	req := domain.ChatRequest{
		Model:       o.cfg.Model,
		Messages:    convo,
		MaxTokens:   o.cfg.MaxTokens,
		Temperature: o.cfg.Temperature,
	}
	if err := o.budget.Allow(ctx, o.budget.Estimate(req)); err != nil {
		return "", 0, fmt.Errorf("op=orchestrator.loop: %w", err)
	}
	resp, err := o.ai.Chat(ctx, req)
	if err != nil {
		return "", 0, fmt.Errorf("op=orchestrator.loop: summary call: %w", err)
	}
	if err := o.budget.Record(ctx, resp.Model, inv.ChannelID, resp.Usage); err != nil {
		o.logger.Warn("usage record failed", slog.Any("error", err))
	}
	final := strings.TrimSpace(resp.Content)
	if final == "" {
		final = "I ran out of steps before finishing. The partial work is recorded above."
	}
	return final, maxIter + 1, nil
}

// finish writes the assistant row and queues asynchronous memory extraction.
// Neither failure is worth losing an already-computed answer over.
func (o *Orchestrator) finish(ctx domain.Context, in Input, final string, iterations int) {
	if err := o.messages.Append(ctx, domain.Message{
		ChannelID: in.ChannelID,
		Role:      domain.RoleAssistant,
		Content:   final,
		JobID:     in.JobID,
	}); err != nil {
		o.logger.Error("assistant transcript write failed", slog.Any("error", err))
	}
	if _, err := o.broker.Enqueue(ctx, domain.JobSpec{
		Name:    domain.JobMemoryExtraction,
		Payload: &domain.MemoryExtractionPayload{ChannelID: in.ChannelID, JobID: in.JobID},
	}); err != nil {
		o.logger.Warn("memory extraction enqueue failed", slog.Any("error", err))
	}
	o.logger.Info("orchestration complete",
		slog.String("channel_id", in.ChannelID),
		slog.String("job_id", in.JobID),
		slog.Int("iterations", iterations))
}

func (o *Orchestrator) shouldStop(ctx domain.Context, jobID string) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("op=orchestrator.shouldStop: %w", domain.ErrCancelled)
	}
	if o.cancels.IsCancelled(ctx, jobID) {
		return fmt.Errorf("op=orchestrator.shouldStop: job %s: %w", jobID, domain.ErrCancelled)
	}
	return nil
}

// history converts recent transcript rows into provider messages. Blocked
// rows stay out of the conversation.
func (o *Orchestrator) history(ctx domain.Context, channelID string) ([]domain.ChatMessage, error) {
	rows, err := o.messages.Recent(ctx, channelID, historyWindow)
	if err != nil {
		return nil, err
	}
	msgs := make([]domain.ChatMessage, 0, len(rows))
	for _, row := range rows {
		if row.Meta["blocked"] == "true" {
			continue
		}
		switch row.Role {
		case domain.RoleUser, domain.RoleAssistant:
			msgs = append(msgs, domain.ChatMessage{Role: row.Role, Content: row.Content})
		}
	}
	return msgs, nil
}

// toolDefs is the full top-level surface: local definitions, the catalog's
// run_skill, the worker dispatch tools, and agent delegation.
func (o *Orchestrator) toolDefs() []domain.ToolDef {
	defs := o.agentToolDefs()
	defs = append(defs, domain.ToolDef{
		Name:        "delegate_agent",
		Description: "Hand a self-contained task to one of the configured agents. The agent works in the background with its own persona and reports a single final result. Use the agent ids listed in your system prompt.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"agentId":{"type":"string","description":"Id of the configured agent"},"prompt":{"type":"string","description":"Complete task description; the agent sees nothing else"}},"required":["agentId","prompt"]}`),
	})
	return defs
}

// agentToolDefs is the restricted surface a delegated pass gets: everything
// except further delegation.
func (o *Orchestrator) agentToolDefs() []domain.ToolDef {
	defs := o.local.Defs()
	if def, ok := o.catalog.ToolDef(); ok {
		defs = append(defs, def)
	}
	// exec runs on the worker fleet; dispatchTool routes it there.
	defs = append(defs, domain.ToolDef{
		Name:        "exec",
		Description: "Run a shell command on a worker machine inside an isolated job workspace. Returns {stdout, stderr, exitCode}.",
		Parameters:  json.RawMessage(`{"type":"object","properties":{"command":{"type":"string","description":"Shell command line"},"timeoutMs":{"type":"integer","description":"Optional wall-clock budget in milliseconds"}},"required":["command"]}`),
	})
	return defs
}

// executeBatch resolves one tool_calls batch, local registry first, worker
// queue for the rest. Results come back in call order; failures fold into
// error results so the model always sees a tool message per call.
func (o *Orchestrator) executeBatch(ctx domain.Context, inv tools.Invocation, calls []domain.ToolCall) []tools.Result {
	results := make([]tools.Result, len(calls))
	if len(calls) == 1 {
		results[0] = o.executeOne(ctx, inv, calls[0])
		return results
	}
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(toolBatchParallelism)
	for i, call := range calls {
		g.Go(func() error {
			results[i] = o.executeOne(gctx, inv, call)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

func (o *Orchestrator) executeOne(ctx domain.Context, inv tools.Invocation, call domain.ToolCall) tools.Result {
	if o.local.Has(call.Name) {
		return o.local.Execute(ctx, inv, call)
	}
	switch call.Name {
	case "run_skill":
		return o.dispatchSkill(ctx, inv, call)
	case "delegate_agent":
		if inv.Delegated {
			return errResult(call, "delegated agents cannot delegate further")
		}
		return o.dispatchAgent(ctx, inv, call)
	}
	return o.dispatchTool(ctx, inv, call)
}

// dispatchSkill enqueues a skill-execution job and awaits its terminal event.
func (o *Orchestrator) dispatchSkill(ctx domain.Context, inv tools.Invocation, call domain.ToolCall) tools.Result {
	var args struct {
		SkillID string   `json:"skillId"`
		Args    []string `json:"args"`
		Stdin   string   `json:"stdin"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.SkillID == "" {
		return errResult(call, "run_skill arguments must carry a skillId")
	}
	sk, err := o.catalog.Get(args.SkillID)
	if err != nil {
		return errResult(call, fmt.Sprintf("unknown skill %q", args.SkillID))
	}
	if len(args.Args) > 0 || args.Stdin != "" {
		if v := o.guards.CheckKind(ctx, guard.KindSkill, strings.Join(args.Args, " ")+"\n"+args.Stdin); !v.Passed {
			return errResult(call, fmt.Sprintf("skill arguments blocked by the %s guard", v.Rule))
		}
	}

	// Workers hold no vault key material; secrets the manifest names are
	// resolved here and travel inside the job payload.
	var secrets map[string]string
	for _, name := range sk.Manifest.EnvSecrets {
		val, err := o.vault.Get(ctx, name)
		if err != nil {
			o.logger.Warn("skill secret unavailable",
				slog.String("skill_id", args.SkillID), slog.String("secret", name), slog.Any("error", err))
			continue
		}
		if secrets == nil {
			secrets = map[string]string{}
		}
		secrets[name] = val
	}

	timeoutMS := int64(workerToolTimeoutMS)
	if sk.Manifest.TimeoutMS > 0 {
		timeoutMS = sk.Manifest.TimeoutMS
	}
	return o.await(ctx, inv, call, domain.JobSpec{
		Name: domain.JobSkillExecution,
		Payload: &domain.SkillExecutionPayload{
			ChannelID: inv.ChannelID,
			SkillID:   args.SkillID,
			Args:      args.Args,
			Stdin:     args.Stdin,
			TimeoutMS: timeoutMS,
			Secrets:   secrets,
		},
		Attempts: 1,
	})
}

// dispatchAgent enqueues a delegated persona pass on the agents queue and
// awaits its terminal event. The delegated prompt is screened first; a
// widened-permission attempt folds into an error result, not a dispatch.
func (o *Orchestrator) dispatchAgent(ctx domain.Context, inv tools.Invocation, call domain.ToolCall) tools.Result {
	var args struct {
		AgentID string `json:"agentId"`
		Prompt  string `json:"prompt"`
	}
	if err := json.Unmarshal(call.Arguments, &args); err != nil || args.AgentID == "" || strings.TrimSpace(args.Prompt) == "" {
		return errResult(call, "delegate_agent arguments must carry an agentId and a prompt")
	}
	if _, err := o.prompt.Agent(ctx, args.AgentID); err != nil {
		return errResult(call, fmt.Sprintf("unknown agent %q", args.AgentID))
	}
	if v := o.guards.CheckKind(ctx, guard.KindAgent, args.Prompt); !v.Passed {
		return errResult(call, fmt.Sprintf("delegation prompt blocked by the %s guard", v.Rule))
	}
	return o.await(ctx, inv, call, domain.JobSpec{
		Name: domain.JobAgentTask,
		Payload: &domain.AgentTaskPayload{
			ChannelID:   inv.ChannelID,
			AgentID:     args.AgentID,
			Prompt:      args.Prompt,
			ParentJobID: inv.JobID,
		},
		TimeoutMS: agentTaskTimeoutMS,
		Attempts:  1,
	})
}

// dispatchTool forwards an unrecognized tool name to the worker fleet.
func (o *Orchestrator) dispatchTool(ctx domain.Context, inv tools.Invocation, call domain.ToolCall) tools.Result {
	return o.await(ctx, inv, call, domain.JobSpec{
		Name: domain.JobToolExecution,
		Payload: &domain.ToolExecutionPayload{
			ChannelID: inv.ChannelID,
			Tool:      call.Name,
			Input:     call.Arguments,
			TimeoutMS: workerToolTimeoutMS,
		},
		Attempts: 1,
	})
}

func (o *Orchestrator) await(ctx domain.Context, inv tools.Invocation, call domain.ToolCall, spec domain.JobSpec) tools.Result {
	workerJobID, err := o.broker.Enqueue(ctx, spec)
	if err != nil {
		return errResult(call, fmt.Sprintf("dispatch failed: %v", err))
	}
	// Long-running skills and agent passes stretch the wait past the
	// default; queue delay is covered by the fixed base either way.
	wait := workerAwait
	switch sp := spec.Payload.(type) {
	case *domain.SkillExecutionPayload:
		if d := time.Duration(sp.TimeoutMS)*time.Millisecond + 30*time.Second; d > wait {
			wait = d
		}
	case *domain.AgentTaskPayload:
		wait = agentAwait
	}
	ev, err := o.bus.Await(ctx, inv.ChannelID, workerJobID, wait)
	if err != nil {
		// The parent run is being torn down; reap the orphaned worker job.
		if cancelErr := o.cancels.RequestCancel(context.WithoutCancel(ctx), workerJobID); cancelErr != nil {
			o.logger.Warn("orphaned worker job not cancelled",
				slog.String("worker_job_id", workerJobID), slog.Any("error", cancelErr))
		}
		return errResult(call, fmt.Sprintf("worker did not answer in time: %v", err))
	}
	if ev.Type == domain.EventError {
		return errResult(call, ev.Content)
	}
	if spec.Name == domain.JobSkillExecution && o.artifacts != nil {
		for _, rel := range o.artifacts.Collect(ctx, workerJobID, ev.Content) {
			if pubErr := o.bus.Publish(ctx, domain.ProgressEvent{
				Type:      domain.EventFile,
				ChannelID: inv.ChannelID,
				JobID:     inv.JobID,
				Content:   rel,
				Meta:      map[string]string{"filePath": rel},
			}); pubErr != nil {
				o.logger.Warn("file event publish failed", slog.String("path", rel), slog.Any("error", pubErr))
			}
		}
	}
	return tools.Result{CallID: call.ID, Name: call.Name, Content: ev.Content}
}

func errResult(call domain.ToolCall, msg string) tools.Result {
	return tools.Result{CallID: call.ID, Name: call.Name, Content: msg, IsError: true}
}

func sourceMeta(source string) map[string]string {
	if source == "" || source == "message" {
		return nil
	}
	return map[string]string{"source": source}
}

// ExtractMemories is the system-queue handler that distills lasting facts
// from the latest exchange into the memory store. A NONE verdict stores
// nothing; extraction failures are retryable.
func (o *Orchestrator) ExtractMemories(ctx domain.Context, p *domain.MemoryExtractionPayload) error {
	rows, err := o.messages.Recent(ctx, p.ChannelID, 6)
	if err != nil {
		return err
	}
	if len(rows) == 0 {
		return nil
	}
	var b strings.Builder
	for _, row := range rows {
		fmt.Fprintf(&b, "%s: %s\n", row.Role, textx.Truncate(row.Content, 2048))
	}
	resp, err := o.ai.Chat(ctx, domain.ChatRequest{
		Model: o.cfg.Model,
		Messages: []domain.ChatMessage{
			{Role: domain.RoleSystem, Content: "Extract lasting facts about the user worth remembering across conversations (preferences, people, commitments, corrections). One fact per line, no numbering. Reply NONE when nothing qualifies."},
			{Role: domain.RoleUser, Content: b.String()},
		},
		MaxTokens:   512,
		Temperature: 0,
	})
	if err != nil {
		return fmt.Errorf("op=orchestrator.ExtractMemories: %w", err)
	}
	out := strings.TrimSpace(resp.Content)
	if out == "" || strings.EqualFold(out, "NONE") {
		return nil
	}
	stored := 0
	for _, line := range strings.Split(out, "\n") {
		fact := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(line), "-"))
		if fact == "" || strings.EqualFold(fact, "NONE") {
			continue
		}
		if _, err := o.memory.Store(ctx, domain.MemoryEntry{ChannelID: p.ChannelID, Content: fact}); err != nil {
			return fmt.Errorf("op=orchestrator.ExtractMemories: %w", err)
		}
		stored++
	}
	if stored > 0 {
		o.logger.Info("memories extracted",
			slog.String("channel_id", p.ChannelID), slog.Int("count", stored))
	}
	return nil
}
