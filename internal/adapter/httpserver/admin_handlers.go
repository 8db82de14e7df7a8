package httpserver

import (
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"github.com/go-chi/chi/v5"

	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// MessagesHandler returns the recent transcript of one channel.
func (s *Server) MessagesHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channelId")
		if channelID == "" {
			channelID = defaultChannel
		}
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if limit < 1 || limit > 500 {
			writeError(w, r, fmt.Errorf("%w: limit must be between 1 and 500", domain.ErrInvalidArgument), nil)
			return
		}
		msgs, err := s.Messages.Recent(r.Context(), channelID, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"channelId": channelID, "messages": msgs})
	}
}

// MessagesClearHandler wipes one channel's transcript.
func (s *Server) MessagesClearHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		channelID := r.URL.Query().Get("channelId")
		if channelID == "" {
			channelID = defaultChannel
		}
		if err := s.Messages.Clear(r.Context(), channelID); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cleared", "channelId": channelID})
	}
}

type mcpServerRequest struct {
	Name      string   `json:"name" validate:"required,max=64"`
	Transport string   `json:"transport" validate:"omitempty,oneof=stdio http sse"`
	Command   string   `json:"command" validate:"omitempty,max=512"`
	Args      []string `json:"args"`
	URL       string   `json:"url" validate:"omitempty,url"`
	Enabled   bool     `json:"enabled"`
}

func (q mcpServerRequest) server() domain.MCPServer {
	return domain.MCPServer{
		Name:      q.Name,
		Transport: q.Transport,
		Command:   q.Command,
		Args:      q.Args,
		URL:       q.URL,
		Enabled:   q.Enabled,
	}
}

// saveMCP persists the overlay and pokes MCP subscribers to reconnect.
func (s *Server) saveMCP(r *http.Request, doc domain.RuntimeOverlay) error {
	if err := s.Overlay.Set(r.Context(), doc); err != nil {
		return err
	}
	return s.Overlay.SignalMCPReload(r.Context())
}

// McpListHandler lists configured MCP servers.
func (s *Server) McpListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		servers := doc.MCPServers
		if servers == nil {
			servers = []domain.MCPServer{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"servers": servers})
	}
}

// McpCreateHandler adds one MCP server entry; duplicate names conflict.
func (s *Server) McpCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req mcpServerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		for _, srv := range doc.MCPServers {
			if srv.Name == req.Name {
				writeError(w, r, fmt.Errorf("%w: mcp server %s already exists", domain.ErrConflict, req.Name), nil)
				return
			}
		}
		doc.MCPServers = append(doc.MCPServers, req.server())
		if err := s.saveMCP(r, doc); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, req.server())
	}
}

// McpReplaceHandler replaces one MCP server entry by name.
func (s *Server) McpReplaceHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req mcpServerRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.Name != name {
			writeError(w, r, fmt.Errorf("%w: body name %q does not match path", domain.ErrInvalidArgument, req.Name), nil)
			return
		}
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		idx := mcpIndex(doc.MCPServers, name)
		if idx < 0 {
			writeError(w, r, fmt.Errorf("%w: mcp server %s", domain.ErrNotFound, name), nil)
			return
		}
		doc.MCPServers[idx] = req.server()
		if err := s.saveMCP(r, doc); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, doc.MCPServers[idx])
	}
}

// McpPatchHandler applies a partial update; absent fields stay untouched.
func (s *Server) McpPatchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		var req struct {
			Transport *string   `json:"transport" validate:"omitempty,oneof=stdio http sse"`
			Command   *string   `json:"command"`
			Args      *[]string `json:"args"`
			URL       *string   `json:"url"`
			Enabled   *bool     `json:"enabled"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		idx := mcpIndex(doc.MCPServers, name)
		if idx < 0 {
			writeError(w, r, fmt.Errorf("%w: mcp server %s", domain.ErrNotFound, name), nil)
			return
		}
		srv := &doc.MCPServers[idx]
		if req.Transport != nil {
			srv.Transport = *req.Transport
		}
		if req.Command != nil {
			srv.Command = *req.Command
		}
		if req.Args != nil {
			srv.Args = *req.Args
		}
		if req.URL != nil {
			srv.URL = *req.URL
		}
		if req.Enabled != nil {
			srv.Enabled = *req.Enabled
		}
		if err := s.saveMCP(r, doc); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, *srv)
	}
}

// McpDeleteHandler removes one MCP server entry.
func (s *Server) McpDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		idx := mcpIndex(doc.MCPServers, name)
		if idx < 0 {
			writeError(w, r, fmt.Errorf("%w: mcp server %s", domain.ErrNotFound, name), nil)
			return
		}
		doc.MCPServers = append(doc.MCPServers[:idx], doc.MCPServers[idx+1:]...)
		if err := s.saveMCP(r, doc); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
	}
}

// McpReconnectHandler forces subscribers to drop and redial one server's
// connections without touching the stored config.
func (s *Server) McpReconnectHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		doc, err := s.Overlay.Get(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if mcpIndex(doc.MCPServers, name) < 0 {
			writeError(w, r, fmt.Errorf("%w: mcp server %s", domain.ErrNotFound, name), nil)
			return
		}
		if err := s.Overlay.SignalMCPReload(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "reconnecting", "name": name})
	}
}

func mcpIndex(servers []domain.MCPServer, name string) int {
	for i, srv := range servers {
		if srv.Name == name {
			return i
		}
	}
	return -1
}

// MemoryListHandler lists stored memories, optionally scoped to a channel.
func (s *Server) MemoryListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, err := s.Memory.List(r.Context(), r.URL.Query().Get("channelId"), limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"memories": entries})
	}
}

// MemorySearchHandler runs a keyword search over stored memories.
func (s *Server) MemorySearchHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query().Get("q")
		if q == "" {
			writeError(w, r, fmt.Errorf("%w: q is required", domain.ErrInvalidArgument), nil)
			return
		}
		limit, err := queryInt(r, "limit", 20)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		entries, err := s.Memory.Search(r.Context(), q, limit)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"query": q, "memories": entries})
	}
}

// MemoryStoreHandler stores one memory entry directly.
func (s *Server) MemoryStoreHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Content   string   `json:"content" validate:"required,max=8192"`
			ChannelID string   `json:"channelId" validate:"omitempty,max=128"`
			Tags      []string `json:"tags" validate:"omitempty,max=16,dive,max=64"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		id, err := s.Memory.Store(r.Context(), domain.MemoryEntry{
			ChannelID: req.ChannelID,
			Content:   req.Content,
			Tags:      req.Tags,
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]string{"id": id})
	}
}

// MemoryDeleteHandler removes one memory entry.
func (s *Server) MemoryDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Memory.Delete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "id": id})
	}
}

// SchedulerListHandler lists every persisted schedule.
func (s *Server) SchedulerListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.Scheduler.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"schedules": jobs})
	}
}

// SchedulerCreateHandler creates a reminder or task schedule. Semantic
// validation (kind, cron vs interval exclusivity) lives in the scheduler
// service.
func (s *Server) SchedulerCreateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req domain.ScheduleRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if req.ChannelID == "" {
			req.ChannelID = defaultChannel
		}
		job, err := s.Scheduler.Create(r.Context(), req)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusCreated, job)
	}
}

// SchedulerGetHandler returns one schedule.
func (s *Server) SchedulerGetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, err := s.Scheduler.Get(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// SchedulerCancelHandler cancels one schedule and removes its timer.
func (s *Server) SchedulerCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Scheduler.Cancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
	}
}

// SchedulerCompleteHandler marks one schedule completed.
func (s *Server) SchedulerCompleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if err := s.Scheduler.Complete(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "completed", "id": id})
	}
}

// SchedulerPurgeHandler deletes every non-active schedule row.
func (s *Server) SchedulerPurgeHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		n, err := s.Scheduler.Purge(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"purged": n})
	}
}

// UsageHandler reports per-model provider usage for one day.
func (s *Server) UsageHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		day := r.URL.Query().Get("day")
		if day == "" {
			day = s.Budget.Day()
		}
		usage, err := s.Budget.UsageForDay(r.Context(), day)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"day": day, "usage": usage})
	}
}

// BudgetHandler reports today's spend against the configured ceilings.
func (s *Server) BudgetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		snap, err := s.Budget.Today(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, snap)
	}
}

// WorkersHandler lists live processes from the registry, node first.
func (s *Server) WorkersHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		procs, err := s.Registry.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"processes": procs})
	}
}

// PendingHandler lists waiting, delayed, and retrying jobs across queues.
func (s *Server) PendingHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobs, err := s.Broker.Pending(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if jobs == nil {
			jobs = []domain.JobInfo{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs})
	}
}

// JobCountsHandler totals every queue by state.
func (s *Server) JobCountsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		counts, err := s.Counter.Counts(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"queues": counts})
	}
}

// JobStatusHandler returns the broker's view of one job.
func (s *Server) JobStatusHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		info, err := s.Broker.Status(r.Context(), chi.URLParam(r, "id"))
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, info)
	}
}

// JobCancelHandler cancels a job that has not started: the cancel flag is
// raised first so a concurrent pickup still aborts, then the queue entry is
// removed. Active jobs are not removable; stopping in-flight work goes
// through the chat stop command.
func (s *Server) JobCancelHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		info, err := s.Broker.Status(r.Context(), id)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if info.State == domain.JobActive {
			writeError(w, r, fmt.Errorf("%w: job %s is active", domain.ErrConflict, id), nil)
			return
		}
		if err := s.Cancels.RequestCancel(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Broker.Remove(r.Context(), id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "cancelled", "id": id})
	}
}

// VaultListHandler lists secret names. Values never leave the vault in bulk.
func (s *Server) VaultListHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		names, err := s.Vault.List(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		if names == nil {
			names = []string{}
		}
		writeJSON(w, http.StatusOK, map[string]any{"secrets": names})
	}
}

// VaultSetHandler stores one secret.
func (s *Server) VaultSetHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Name  string `json:"name" validate:"required,max=128"`
			Value string `json:"value" validate:"required,max=16384"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := s.Vault.Set(r.Context(), req.Name, req.Value); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "stored", "name": req.Name})
	}
}

// VaultDeleteHandler removes one secret.
func (s *Server) VaultDeleteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if err := s.Vault.Delete(r.Context(), name); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"status": "deleted", "name": name})
	}
}

// VaultRevealHandler decrypts and returns a single secret value.
func (s *Server) VaultRevealHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		value, err := s.Vault.Get(r.Context(), name)
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "value": value})
	}
}

// VaultRotateHandler schedules a key rotation on the system queue so it runs
// on the node with every other rotation trigger.
func (s *Server) VaultRotateHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := s.Broker.Enqueue(r.Context(), domain.JobSpec{
			Name:    domain.JobVaultKeyRotation,
			Payload: &domain.VaultKeyRotationPayload{},
		})
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "rotating", "jobId": jobID})
	}
}

// MindHandler returns the assembled system prompt and the skill catalog as a
// diagnostic of what the model currently sees.
func (s *Server) MindHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		prompt, err := s.Prompt.System(r.Context())
		if err != nil {
			writeError(w, r, err, nil)
			return
		}
		list := s.Catalog.List()
		ids := make([]string, 0, len(list))
		for _, sk := range list {
			ids = append(ids, sk.ID)
		}
		writeJSON(w, http.StatusOK, map[string]any{"prompt": prompt, "skills": ids})
	}
}

// MindFileHandler returns one identity document. A document that has not
// been written yet reads as empty rather than missing.
func (s *Server) MindFileHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !orchestrator.IdentityFile(name) {
			writeError(w, r, fmt.Errorf("%w: mind document %s", domain.ErrNotFound, name), nil)
			return
		}
		raw, err := os.ReadFile(filepath.Join(s.Cfg.MindDir(), name))
		if err != nil && !errors.Is(err, fs.ErrNotExist) {
			writeError(w, r, fmt.Errorf("read mind document: %w", err), nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"name": name, "content": string(raw)})
	}
}

// MindWriteHandler replaces one identity document and rebuilds the prompt.
// Only the fixed identity set is writable; everything else is protected.
func (s *Server) MindWriteHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		name := chi.URLParam(r, "name")
		if !orchestrator.IdentityFile(name) {
			writeError(w, r, fmt.Errorf("%w: %s is not an editable mind document", domain.ErrForbidden, name), nil)
			return
		}
		var req struct {
			Content string `json:"content" validate:"max=262144"`
		}
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		if err := os.MkdirAll(s.Cfg.MindDir(), 0o755); err != nil {
			writeError(w, r, fmt.Errorf("write mind document: %w", err), nil)
			return
		}
		if err := os.WriteFile(filepath.Join(s.Cfg.MindDir(), name), []byte(req.Content), 0o644); err != nil {
			writeError(w, r, fmt.Errorf("write mind document: %w", err), nil)
			return
		}
		s.Prompt.Invalidate()
		writeJSON(w, http.StatusOK, map[string]string{"status": "saved", "name": name})
	}
}

// SkillsHandler lists the skill catalog.
func (s *Server) SkillsHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]any{"skills": s.Catalog.List()})
	}
}

// SkillZipHandler streams one skill bundle as a zip; workers fetch through
// here before installing.
func (s *Server) SkillZipHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := chi.URLParam(r, "id")
		if !skills.ValidID(id) {
			writeError(w, r, fmt.Errorf("%w: skill id %q", domain.ErrInvalidArgument, id), nil)
			return
		}
		// Existence check before any body bytes so a miss is still a clean 404.
		if _, err := s.Catalog.Get(id); err != nil {
			writeError(w, r, err, nil)
			return
		}
		w.Header().Set("Content-Type", "application/zip")
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", id+".zip"))
		if err := s.Catalog.WriteZip(w, id); err != nil {
			LoggerFrom(r).Error("skill zip stream failed", slog.String("skill_id", id), slog.Any("error", err))
		}
	}
}

// SkillsRescanHandler re-reads the skills directory and broadcasts the
// reload, picking up bundles dropped in out of band.
func (s *Server) SkillsRescanHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := s.Catalog.Rescan(r.Context()); err != nil {
			writeError(w, r, err, nil)
			return
		}
		writeJSON(w, http.StatusOK, map[string]int{"skills": len(s.Catalog.List())})
	}
}
