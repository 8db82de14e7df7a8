// Package orchestrator runs the iterative LLM loop: assemble the system
// prompt, call the provider, dispatch returned tool calls locally or onto the
// worker queue, and fold results back into the conversation until the model
// settles on a final text.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// memoryDigestSize bounds how many extracted memories ride in the prompt.
const memoryDigestSize = 12

const defaultIdentity = `You are ScalyClaw, a personal assistant runtime. You are helpful, direct, and honest about what you can and cannot do. Keep replies concise unless the user asks for depth.`

const architectureBlock = `Runtime facts:
- You run as the node process of a multi-process system; heavy tools execute on separate worker processes.
- Long work should narrate progress with the send_message tool instead of going silent.
- Skills are sandboxed subprocesses reached through run_skill; their output comes back as a tool result.
- Configured agents take one self-contained task each through delegate_agent and answer with a single result.
- Reminders and recurring tasks persist across restarts; manage them with schedule_reminder and schedule_cancel.
- Never reveal secret values. vault_list shows names only.`

// Identity documents editable through the gateway. They live in the node's
// mind directory and fold into the assembled prompt.
const (
	MindIdentity = "identity.md"
	MindUser     = "user.md"
	MindAgents   = "agents.md"
)

// IdentityFile reports whether name is one of the editable mind documents.
func IdentityFile(name string) bool {
	return name == MindIdentity || name == MindUser || name == MindAgents
}

// Prompt assembles and caches the system prompt. Reload signals invalidate
// the cache; assembly re-reads the overlay, mind documents, skill catalog,
// and memory digest on the next use.
type Prompt struct {
	overlay *store.Overlay
	catalog *skills.Catalog
	memory  domain.MemoryStore
	mindDir string
	logger  *slog.Logger

	mu     sync.Mutex
	cached string
	valid  bool
}

func NewPrompt(overlay *store.Overlay, catalog *skills.Catalog, memory domain.MemoryStore, mindDir string, logger *slog.Logger) *Prompt {
	return &Prompt{overlay: overlay, catalog: catalog, memory: memory, mindDir: mindDir, logger: logger}
}

// Invalidate drops the cached assembly. Wired to the config, skills, and MCP
// reload pub/sub signals.
func (p *Prompt) Invalidate() {
	p.mu.Lock()
	p.valid = false
	p.mu.Unlock()
}

// System returns the assembled prompt, rebuilding it when invalidated.
func (p *Prompt) System(ctx context.Context) (string, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.valid {
		return p.cached, nil
	}
	text, err := p.assemble(ctx)
	if err != nil {
		return "", err
	}
	p.cached = text
	p.valid = true
	return text, nil
}

// Agent resolves one configured persona by id.
func (p *Prompt) Agent(ctx context.Context, agentID string) (domain.AgentPersona, error) {
	overlay, err := p.overlay.Get(ctx)
	if err != nil {
		return domain.AgentPersona{}, fmt.Errorf("op=orchestrator.Agent: %w", err)
	}
	for _, a := range overlay.Agents {
		if a.ID == agentID {
			return a, nil
		}
	}
	return domain.AgentPersona{}, fmt.Errorf("op=orchestrator.Agent: agent %q: %w", agentID, domain.ErrNotFound)
}

func (p *Prompt) assemble(ctx context.Context) (string, error) {
	overlay, err := p.overlay.Get(ctx)
	if err != nil {
		return "", fmt.Errorf("op=orchestrator.assemble: %w", err)
	}

	var b strings.Builder
	identity := strings.TrimSpace(overlay.SystemPrompt)
	if identity == "" {
		identity = p.mindFile(MindIdentity)
	}
	if identity == "" {
		identity = defaultIdentity
	}
	b.WriteString(identity)
	b.WriteString("\n\n")
	b.WriteString(architectureBlock)
	b.WriteString("\n\nToday is ")
	b.WriteString(time.Now().UTC().Format("Monday, 2 January 2006"))
	b.WriteString(" (UTC).\n")

	if user := p.mindFile(MindUser); user != "" {
		b.WriteString("\nAbout your user:\n")
		b.WriteString(user)
		b.WriteString("\n")
	}

	if len(overlay.Agents) > 0 {
		b.WriteString("\nConfigured agents. Hand self-contained tasks to them with delegate_agent:\n")
		for _, a := range overlay.Agents {
			fmt.Fprintf(&b, "- %s (%s): %s\n", a.ID, a.Name, a.Persona)
		}
	}
	if agents := p.mindFile(MindAgents); agents != "" {
		b.WriteString("\n")
		b.WriteString(agents)
		b.WriteString("\n")
	}

	b.WriteString("\n")
	b.WriteString(p.catalog.PromptBlock())
	b.WriteString("\n")

	if enabled := enabledServers(overlay.MCPServers); len(enabled) > 0 {
		b.WriteString("\nConnected MCP servers: ")
		b.WriteString(strings.Join(enabled, ", "))
		b.WriteString("\n")
	}

	// Memory failures degrade to a prompt without the digest.
	entries, err := p.memory.List(ctx, "", memoryDigestSize)
	if err != nil {
		p.logger.Warn("memory digest unavailable", slog.Any("error", err))
	} else if len(entries) > 0 {
		b.WriteString("\nThings you remember about the user:\n")
		for _, e := range entries {
			fmt.Fprintf(&b, "- %s\n", e.Content)
		}
	}

	return b.String(), nil
}

// mindFile reads one identity document, empty when absent or unreadable.
func (p *Prompt) mindFile(name string) string {
	if p.mindDir == "" {
		return ""
	}
	raw, err := os.ReadFile(filepath.Join(p.mindDir, name))
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(raw))
}

func enabledServers(servers []domain.MCPServer) []string {
	names := make([]string, 0, len(servers))
	for _, s := range servers {
		if s.Enabled {
			names = append(names, s.Name)
		}
	}
	return names
}
