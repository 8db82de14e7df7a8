// Package httpserver is the node gateway: the chat endpoint, the WebSocket
// stream, and the REST control surface over transcripts, schedules, queues,
// the vault, memories, and the workspace. Handlers translate HTTP into
// domain calls and never build Redis keys themselves.
package httpserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"

	"github.com/scalyclaw/scalyclaw/internal/adapter/store"
	"github.com/scalyclaw/scalyclaw/internal/budget"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
	"github.com/scalyclaw/scalyclaw/internal/orchestrator"
	"github.com/scalyclaw/scalyclaw/internal/service/ratelimiter"
	"github.com/scalyclaw/scalyclaw/internal/skills"
)

// defaultChannel is where REST and WS callers land when they do not name a
// channel.
const defaultChannel = "gateway"

// QueueCounter reports per-queue job totals; the asynq broker satisfies it.
type QueueCounter interface {
	Counts(ctx context.Context) (map[string]domain.QueueCounts, error)
}

// Server aggregates handler dependencies. The app package fills one in and
// mounts it through BuildRouter.
type Server struct {
	Cfg       config.Config
	Broker    domain.Broker
	Counter   QueueCounter
	Bus       domain.ProgressBus
	Cancels   domain.CancelBus
	Registry  domain.Registry
	Vault     domain.Vault
	Scheduler domain.Scheduler
	Messages  *store.Messages
	Memory    domain.MemoryStore
	Overlay   *store.Overlay
	Catalog   *skills.Catalog
	Budget    *budget.Budget
	Prompt    *orchestrator.Prompt
	// Limiter throttles message intake per channel across node processes;
	// the per-IP HTTP window in the router is separate and process-local.
	Limiter ratelimiter.Limiter

	RedisCheck func(ctx context.Context) error
	VaultCheck func(ctx context.Context) error
}

// allowChannel consults the shared per-channel intake window. A nil limiter
// or a Redis error admits the message.
func (s *Server) allowChannel(ctx context.Context, channelID string) (bool, time.Duration) {
	if s.Limiter == nil {
		return true, 0
	}
	allowed, retryAfter, _ := s.Limiter.Allow(ctx, "chat:"+channelID, 1)
	return allowed, retryAfter
}

var (
	vldOnce sync.Once
	vld     *validator.Validate
)

func getValidator() *validator.Validate {
	vldOnce.Do(func() { vld = validator.New() })
	return vld
}

// decodeJSON reads a capped JSON body into dst and runs struct validation.
func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	return decodeJSONMax(w, r, dst, 1<<20)
}

// decodeJSONMax is decodeJSON with a caller-chosen body cap. The workspace
// write endpoints take editor payloads far above the API default.
func decodeJSONMax(w http.ResponseWriter, r *http.Request, dst any, maxBytes int64) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return fmt.Errorf("%w: invalid json", domain.ErrInvalidArgument)
	}
	if err := getValidator().Struct(dst); err != nil {
		verrs := map[string]string{}
		var ve validator.ValidationErrors
		if errors.As(err, &ve) {
			for _, fe := range ve {
				verrs[strings.ToLower(fe.Field())] = fe.Tag()
			}
		}
		return fmt.Errorf("%w: validation failed: %v", domain.ErrInvalidArgument, verrs)
	}
	return nil
}

func queryInt(r *http.Request, name string, def int) (int, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%w: %s must be an integer", domain.ErrInvalidArgument, name)
	}
	return n, nil
}

type chatRequest struct {
	Text      string `json:"text" validate:"required,max=65536"`
	ChannelID string `json:"channelId" validate:"omitempty,max=128"`
}

type chatResponse struct {
	JobID    string `json:"jobId"`
	Response string `json:"response,omitempty"`
	Error    string `json:"error,omitempty"`
	FilePath string `json:"filePath,omitempty"`
	Caption  string `json:"caption,omitempty"`
}

// ChatHandler enqueues a message-processing job and holds the request open
// until the job's terminal progress event or the configured wait timeout.
// A timeout is not a failure: the job keeps running and the reply lands in
// the transcript and on any live WebSocket, so the caller gets 202 with the
// job id to poll.
func (s *Server) ChatHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req chatRequest
		if err := decodeJSON(w, r, &req); err != nil {
			writeError(w, r, err, nil)
			return
		}
		channelID := req.ChannelID
		if channelID == "" {
			channelID = defaultChannel
		}
		ctx := r.Context()
		if allowed, retryAfter := s.allowChannel(ctx, channelID); !allowed {
			if retryAfter > 0 {
				w.Header().Set("Retry-After", strconv.Itoa(int(retryAfter.Seconds()+1)))
			}
			writeError(w, r, fmt.Errorf("chat: %w", domain.ErrRateLimited), nil)
			return
		}
		jobID, err := s.Broker.Enqueue(ctx, domain.JobSpec{
			Name:    domain.JobMessageProcessing,
			Payload: &domain.MessagePayload{ChannelID: channelID, Content: req.Text},
		})
		if err != nil {
			writeError(w, r, fmt.Errorf("chat enqueue: %w", err), nil)
			return
		}
		ev, err := s.Bus.Await(ctx, channelID, jobID, s.Cfg.Gateway.ChatWaitTimeout)
		if err != nil {
			if errors.Is(err, context.DeadlineExceeded) {
				writeJSON(w, http.StatusAccepted, chatResponse{JobID: jobID, Error: "timeout waiting for response"})
				return
			}
			writeError(w, r, fmt.Errorf("chat await: %w", err), nil)
			return
		}
		resp := chatResponse{JobID: jobID}
		if ev.Type == domain.EventError {
			resp.Error = ev.Content
		} else {
			resp.Response = ev.Content
			resp.FilePath = ev.Meta["filePath"]
			resp.Caption = ev.Meta["caption"]
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

// ReadyzHandler probes the dependencies the gateway cannot serve without.
func (s *Server) ReadyzHandler() http.HandlerFunc {
	type check struct {
		Name    string `json:"name"`
		OK      bool   `json:"ok"`
		Details string `json:"details,omitempty"`
	}
	return func(w http.ResponseWriter, r *http.Request) {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		checks := make([]check, 0, 2)
		if s.RedisCheck != nil {
			if err := s.RedisCheck(ctx); err != nil {
				checks = append(checks, check{Name: "redis", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "redis", OK: true})
			}
		}
		if s.VaultCheck != nil {
			if err := s.VaultCheck(ctx); err != nil {
				checks = append(checks, check{Name: "vault", OK: false, Details: err.Error()})
			} else {
				checks = append(checks, check{Name: "vault", OK: true})
			}
		}
		ok := true
		for _, c := range checks {
			if !c.OK {
				ok = false
				break
			}
		}
		st := http.StatusOK
		if !ok {
			st = http.StatusServiceUnavailable
		}
		writeJSON(w, st, map[string]any{"checks": checks})
	}
}
