package app

import (
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/cors"
	"github.com/go-chi/httprate"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/scalyclaw/scalyclaw/internal/adapter/httpserver"
	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/config"
)

// controlTimeout bounds the control-plane routes. Chat and the socket stay
// outside it: the chat long-poll legitimately holds its request open for the
// configured wait, and a timeout wrapper breaks the WebSocket hijack.
const controlTimeout = 30 * time.Second

// ParseOrigins splits a comma-separated origin list, trimming spaces. Empty
// input means every origin.
func ParseOrigins(s string) []string {
	s = strings.TrimSpace(s)
	if s == "" || s == "*" {
		return []string{"*"}
	}
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return []string{"*"}
	}
	return out
}

// BuildRouter constructs the gateway handler: instrumentation and CORS on
// everything, bearer auth on /api and /ws, the per-IP rate limit on /api
// only, and open health endpoints.
func BuildRouter(cfg config.Config, srv *httpserver.Server) http.Handler {
	r := chi.NewRouter()
	r.Use(httpserver.Recoverer())
	r.Use(httpserver.RequestID())
	r.Use(httpserver.TraceMiddleware)
	r.Use(httpserver.AccessLog())
	r.Use(observability.HTTPMetricsMiddleware)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   ParseOrigins(cfg.Gateway.CORSAllowOrigins),
		AllowedMethods:   []string{"GET", "POST", "PUT", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		ExposedHeaders:   []string{"X-Request-Id"},
		AllowCredentials: false,
		MaxAge:           300,
	}))

	auth := httpserver.BearerAuth(cfg.Gateway.Token)

	r.Route("/api", func(api chi.Router) {
		api.Use(httprate.LimitByIP(cfg.Gateway.RateLimitPerMin, time.Minute))
		if cfg.Gateway.Token != "" {
			api.Use(auth)
		}

		// Chat holds its request open for up to the chat wait; no timeout
		// wrapper here.
		api.Post("/chat", srv.ChatHandler())

		api.Group(func(ctl chi.Router) {
			ctl.Use(httpserver.TimeoutMiddleware(controlTimeout))

			ctl.Get("/messages", srv.MessagesHandler())
			ctl.Delete("/messages", srv.MessagesClearHandler())

			ctl.Route("/mcp", func(mcp chi.Router) {
				mcp.Get("/", srv.McpListHandler())
				mcp.Post("/", srv.McpCreateHandler())
				mcp.Put("/{name}", srv.McpReplaceHandler())
				mcp.Patch("/{name}", srv.McpPatchHandler())
				mcp.Delete("/{name}", srv.McpDeleteHandler())
				mcp.Post("/{name}/reconnect", srv.McpReconnectHandler())
			})

			ctl.Route("/memory", func(mem chi.Router) {
				mem.Get("/", srv.MemoryListHandler())
				mem.Get("/search", srv.MemorySearchHandler())
				mem.Post("/", srv.MemoryStoreHandler())
				mem.Delete("/{id}", srv.MemoryDeleteHandler())
			})

			ctl.Route("/scheduler", func(sch chi.Router) {
				sch.Get("/", srv.SchedulerListHandler())
				sch.Post("/", srv.SchedulerCreateHandler())
				sch.Post("/purge", srv.SchedulerPurgeHandler())
				sch.Get("/{id}", srv.SchedulerGetHandler())
				sch.Post("/{id}/cancel", srv.SchedulerCancelHandler())
				sch.Post("/{id}/complete", srv.SchedulerCompleteHandler())
			})

			ctl.Get("/usage", srv.UsageHandler())
			ctl.Get("/budget", srv.BudgetHandler())
			ctl.Get("/workers", srv.WorkersHandler())
			ctl.Get("/pending", srv.PendingHandler())

			ctl.Get("/jobs", srv.JobCountsHandler())
			ctl.Get("/jobs/{id}", srv.JobStatusHandler())
			ctl.Delete("/jobs/{id}", srv.JobCancelHandler())

			ctl.Route("/vault", func(v chi.Router) {
				v.Get("/", srv.VaultListHandler())
				v.Post("/", srv.VaultSetHandler())
				v.Post("/rotate", srv.VaultRotateHandler())
				v.Delete("/{name}", srv.VaultDeleteHandler())
				v.Get("/{name}/reveal", srv.VaultRevealHandler())
			})

			ctl.Get("/mind", srv.MindHandler())
			ctl.Get("/mind/{name}", srv.MindFileHandler())
			ctl.Put("/mind/{name}", srv.MindWriteHandler())

			ctl.Get("/skills", srv.SkillsHandler())
			ctl.Post("/skills/rescan", srv.SkillsRescanHandler())
			ctl.Get("/skills/{id}/zip", srv.SkillZipHandler())

			ctl.Route("/workspace", func(ws chi.Router) {
				ws.Get("/", srv.WorkspaceListHandler())
				ws.Get("/file", srv.WorkspaceReadHandler())
				ws.Post("/file", srv.WorkspaceCreateHandler())
				ws.Put("/file", srv.WorkspaceUpdateHandler())
			})

			ctl.Get("/files", srv.FilesHandler())
		})
	})

	// The socket authenticates like the API but skips the rate limit: one
	// long-lived connection, not request traffic.
	r.Group(func(ws chi.Router) {
		if cfg.Gateway.Token != "" {
			ws.Use(auth)
		}
		ws.Get("/ws", srv.WSHandler())
	})

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) { w.WriteHeader(http.StatusOK) })
	r.Get("/readyz", srv.ReadyzHandler())
	r.Get("/metrics", func(w http.ResponseWriter, req *http.Request) { promhttp.Handler().ServeHTTP(w, req) })

	return httpserver.SecurityHeaders(r)
}
