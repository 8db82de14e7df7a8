// Package ai implements the chat-completions client for OpenAI-compatible
// providers (OpenRouter et al.), tool calling included.
package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	backoff "github.com/cenkalti/backoff/v4"

	"log/slog"

	"github.com/scalyclaw/scalyclaw/internal/adapter/observability"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// KeySource supplies the provider API key at call time, so vault rotations
// apply without a restart.
type KeySource interface {
	Get(ctx domain.Context, name string) (string, error)
}

// Client implements domain.AIClient against a chat-completions endpoint.
type Client struct {
	cfg    config.Config
	hc     *http.Client
	keys   KeySource
	logger *slog.Logger
}

// New constructs a provider client. The HTTP timeout exceeds the longest
// plausible single completion; retries are bounded separately by backoff.
func New(cfg config.Config, keys KeySource, logger *slog.Logger) *Client {
	timeout := 120 * time.Second
	if cfg.IsTest() {
		timeout = 5 * time.Second
	}
	return &Client{
		cfg:    cfg,
		hc:     &http.Client{Timeout: timeout},
		keys:   keys,
		logger: logger,
	}
}

func (c *Client) backoffConfig() *backoff.ExponentialBackOff {
	expo := backoff.NewExponentialBackOff()
	maxElapsedTime, initialInterval, maxInterval, multiplier := c.cfg.BackoffConfig()
	expo.MaxElapsedTime = maxElapsedTime
	expo.InitialInterval = initialInterval
	expo.MaxInterval = maxInterval
	expo.Multiplier = multiplier
	return expo
}

// Wire types for the OpenAI-compatible surface.

type wireToolCall struct {
	ID       string `json:"id"`
	Type     string `json:"type"`
	Function struct {
		Name      string `json:"name"`
		Arguments string `json:"arguments"`
	} `json:"function"`
}

type wireMessage struct {
	Role       string         `json:"role"`
	Content    string         `json:"content"`
	ToolCalls  []wireToolCall `json:"tool_calls,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
}

type wireTool struct {
	Type     string `json:"type"`
	Function struct {
		Name        string          `json:"name"`
		Description string          `json:"description"`
		Parameters  json.RawMessage `json:"parameters"`
	} `json:"function"`
}

type wireRequest struct {
	Model       string        `json:"model"`
	Messages    []wireMessage `json:"messages"`
	Tools       []wireTool    `json:"tools,omitempty"`
	MaxTokens   int           `json:"max_tokens,omitempty"`
	Temperature float64       `json:"temperature,omitempty"`
}

type wireResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message      wireMessage `json:"message"`
		FinishReason string      `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int64 `json:"prompt_tokens"`
		CompletionTokens int64 `json:"completion_tokens"`
	} `json:"usage"`
}

func toWire(req domain.ChatRequest) wireRequest {
	out := wireRequest{
		Model:       req.Model,
		MaxTokens:   req.MaxTokens,
		Temperature: req.Temperature,
		Messages:    make([]wireMessage, 0, len(req.Messages)),
	}
	for _, m := range req.Messages {
		wm := wireMessage{Role: m.Role, Content: m.Content, ToolCallID: m.ToolCallID, Name: m.Name}
		for _, tc := range m.ToolCalls {
			var wtc wireToolCall
			wtc.ID = tc.ID
			wtc.Type = "function"
			wtc.Function.Name = tc.Name
			wtc.Function.Arguments = string(tc.Arguments)
			wm.ToolCalls = append(wm.ToolCalls, wtc)
		}
		out.Messages = append(out.Messages, wm)
	}
	for _, t := range req.Tools {
		var wt wireTool
		wt.Type = "function"
		wt.Function.Name = t.Name
		wt.Function.Description = t.Description
		wt.Function.Parameters = t.Parameters
		out.Tools = append(out.Tools, wt)
	}
	return out
}

func mapStopReason(finish string, toolCalls int) domain.StopReason {
	switch finish {
	case "tool_calls", "function_call":
		return domain.StopToolUse
	case "length":
		return domain.StopMaxTokens
	case "stop", "end_turn", "":
		if toolCalls > 0 {
			return domain.StopToolUse
		}
		return domain.StopEndTurn
	default:
		return domain.StopEndTurn
	}
}

// Chat performs one completion round trip with retries. 429 and 5xx are
// retried under exponential backoff; other 4xx fail immediately.
func (c *Client) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if req.Model == "" {
		req.Model = c.cfg.LLM.Model
	}
	if req.MaxTokens <= 0 {
		req.MaxTokens = c.cfg.LLM.MaxTokens
	}
	if len(req.Messages) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.Chat: %w: no messages", domain.ErrInvalidArgument)
	}

	apiKey, err := c.keys.Get(ctx, c.cfg.LLM.APIKeySecret)
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.Chat: provider key %q unavailable: %w", c.cfg.LLM.APIKeySecret, err)
	}

	b, err := json.Marshal(toWire(req))
	if err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.Chat: %w", err)
	}
	endpoint := c.cfg.LLM.BaseURL + "/chat/completions"

	var out wireResponse
	op := func() error {
		start := time.Now()
		// Recreate the request each attempt to avoid reusing consumed bodies.
		r, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(b))
		if err != nil {
			return backoff.Permanent(err)
		}
		r.Header.Set("Authorization", "Bearer "+apiKey)
		r.Header.Set("Content-Type", "application/json")
		resp, err := c.hc.Do(r)
		if err != nil {
			observability.ObserveLLMCall(req.Model, "transport_error", time.Since(start))
			if ctx.Err() != nil {
				return backoff.Permanent(ctx.Err())
			}
			c.logger.Warn("provider transport error", slog.String("model", req.Model), slog.Any("error", err))
			return err
		}
		defer func() { _ = resp.Body.Close() }()

		bodyBytes, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
		if err != nil {
			observability.ObserveLLMCall(req.Model, "read_error", time.Since(start))
			return err
		}

		if resp.StatusCode == http.StatusTooManyRequests {
			observability.ObserveLLMCall(req.Model, "rate_limited", time.Since(start))
			c.logger.Warn("provider rate limited",
				slog.String("model", req.Model),
				slog.String("retry_after", resp.Header.Get("Retry-After")),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")))
			// Honor Retry-After before backoff schedules the next attempt.
			if wait := parseRetryAfter(resp.Header.Get("Retry-After")); wait > 0 {
				select {
				case <-time.After(wait):
				case <-ctx.Done():
					return backoff.Permanent(ctx.Err())
				}
			}
			return errRateLimited
		}
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			observability.ObserveLLMCall(req.Model, "client_error", time.Since(start))
			c.logger.Warn("provider 4xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", req.Model),
				slog.String("endpoint", endpoint),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet(bodyBytes)))
			return backoff.Permanent(fmt.Errorf("chat status %d", resp.StatusCode))
		}
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			observability.ObserveLLMCall(req.Model, "server_error", time.Since(start))
			c.logger.Error("provider non-2xx",
				slog.Int("status", resp.StatusCode),
				slog.String("model", req.Model),
				slog.String("endpoint", endpoint),
				slog.String("x_request_id", resp.Header.Get("X-Request-Id")),
				slog.String("body", snippet(bodyBytes)))
			return fmt.Errorf("chat status %d", resp.StatusCode)
		}
		if err := json.Unmarshal(bodyBytes, &out); err != nil {
			observability.ObserveLLMCall(req.Model, "decode_error", time.Since(start))
			c.logger.Error("provider decode error", slog.String("model", req.Model), slog.Any("error", err))
			return err
		}
		observability.ObserveLLMCall(req.Model, "ok", time.Since(start))
		return nil
	}

	bo := backoff.WithContext(c.backoffConfig(), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return domain.ChatResponse{}, c.classify(err)
	}
	if len(out.Choices) == 0 {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.Chat: empty choices from provider")
	}

	choice := out.Choices[0]
	res := domain.ChatResponse{
		Content: choice.Message.Content,
		Model:   out.Model,
		Usage: domain.TokenUsage{
			PromptTokens:     out.Usage.PromptTokens,
			CompletionTokens: out.Usage.CompletionTokens,
		},
	}
	if res.Model == "" {
		res.Model = req.Model
	}
	for _, wtc := range choice.Message.ToolCalls {
		res.ToolCalls = append(res.ToolCalls, domain.ToolCall{
			ID:        wtc.ID,
			Name:      wtc.Function.Name,
			Arguments: json.RawMessage(wtc.Function.Arguments),
		})
	}
	res.StopReason = mapStopReason(choice.FinishReason, len(res.ToolCalls))

	observability.LLMTokensTotal.WithLabelValues(res.Model, "prompt").Add(float64(res.Usage.PromptTokens))
	observability.LLMTokensTotal.WithLabelValues(res.Model, "completion").Add(float64(res.Usage.CompletionTokens))
	return res, nil
}

// errRateLimited marks a 429 attempt so the final classification can tell a
// rate-limit exhaustion from other failures.
var errRateLimited = errors.New("chat status 429")

// classify maps an exhausted retry loop onto the domain error taxonomy.
func (c *Client) classify(err error) error {
	switch {
	case errors.Is(err, context.Canceled):
		return fmt.Errorf("op=ai.Chat: %w", domain.ErrCancelled)
	case errors.Is(err, context.DeadlineExceeded):
		return fmt.Errorf("op=ai.Chat: %w: %v", domain.ErrUpstreamTimeout, err)
	case errors.Is(err, errRateLimited):
		return fmt.Errorf("op=ai.Chat: %w", domain.ErrUpstreamRateLimit)
	default:
		return fmt.Errorf("op=ai.Chat: provider failed after retries: %w", err)
	}
}

func parseRetryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(v); err == nil && secs > 0 {
		d := time.Duration(secs) * time.Second
		if d > 30*time.Second {
			d = 30 * time.Second
		}
		return d
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 && d <= 30*time.Second {
			return d
		}
	}
	return 0
}

func snippet(b []byte) string {
	if len(b) > 512 {
		b = b[:512]
	}
	return string(b)
}
