// Package tokencount estimates token counts for provider calls.
//
// It uses tiktoken-go, a Go port of OpenAI's tiktoken, so budget gating can
// price a request before it is sent. Counts are estimates; the provider's
// usage block remains authoritative after the fact.
package tokencount

import (
	"strings"
	"sync"

	"log/slog"

	tiktoken "github.com/pkoukk/tiktoken-go"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Counter provides thread-safe token counting with per-model encoding cache.
type Counter struct {
	encodingCache map[string]*tiktoken.Tiktoken
	mu            sync.RWMutex
}

// NewCounter creates a new token counter instance.
func NewCounter() *Counter {
	return &Counter{encodingCache: make(map[string]*tiktoken.Tiktoken)}
}

func (c *Counter) encodingForModel(model string) (*tiktoken.Tiktoken, error) {
	normalized := normalizeModelName(model)

	c.mu.RLock()
	if enc, ok := c.encodingCache[normalized]; ok {
		c.mu.RUnlock()
		return enc, nil
	}
	c.mu.RUnlock()

	c.mu.Lock()
	defer c.mu.Unlock()
	if enc, ok := c.encodingCache[normalized]; ok {
		return enc, nil
	}

	enc, err := tiktoken.EncodingForModel(normalized)
	if err != nil {
		// cl100k_base covers GPT-4-era models and approximates the rest well
		// enough for budgeting.
		slog.Debug("falling back to cl100k_base encoding",
			slog.String("model", model),
			slog.Any("error", err))
		enc, err = tiktoken.GetEncoding("cl100k_base")
		if err != nil {
			return nil, err
		}
	}
	c.encodingCache[normalized] = enc
	return enc, nil
}

// normalizeModelName converts provider model IDs to tiktoken-compatible
// names. OpenRouter IDs carry vendor prefixes and :free suffixes.
func normalizeModelName(model string) string {
	model = strings.ToLower(model)
	if strings.Contains(model, "/") {
		parts := strings.Split(model, "/")
		model = parts[len(parts)-1]
	}
	model = strings.TrimSuffix(model, ":free")

	switch {
	case strings.Contains(model, "gpt-4"):
		return "gpt-4"
	case strings.Contains(model, "gpt-3.5"):
		return "gpt-3.5-turbo"
	default:
		// Claude, Llama, Mistral and friends tokenize close enough to GPT-4
		// for estimation purposes.
		return "gpt-4"
	}
}

// CountTokens counts tokens in a text string for a given model.
func (c *Counter) CountTokens(text, model string) (int, error) {
	enc, err := c.encodingForModel(model)
	if err != nil {
		return 0, err
	}
	return len(enc.Encode(text, nil, nil)), nil
}

// EstimateRequest estimates the prompt tokens of a full chat request,
// message framing overhead included. Falls back to a chars/4 heuristic when
// the encoding is unavailable.
func (c *Counter) EstimateRequest(req domain.ChatRequest) int {
	enc, err := c.encodingForModel(req.Model)
	if err != nil {
		slog.Warn("token estimate falling back to heuristic",
			slog.String("model", req.Model), slog.Any("error", err))
		return heuristicEstimate(req)
	}

	// Per-message overhead for OpenAI-compatible chat framing: 3 tokens per
	// message plus 1 for the role, plus 3 priming the reply.
	const tokensPerMessage = 3
	const tokensPerRole = 1

	n := 0
	for _, m := range req.Messages {
		n += tokensPerMessage + tokensPerRole
		n += len(enc.Encode(m.Role, nil, nil))
		n += len(enc.Encode(m.Content, nil, nil))
		for _, tc := range m.ToolCalls {
			n += len(enc.Encode(tc.Name, nil, nil))
			n += len(enc.Encode(string(tc.Arguments), nil, nil))
		}
	}
	for _, t := range req.Tools {
		n += len(enc.Encode(t.Name, nil, nil))
		n += len(enc.Encode(t.Description, nil, nil))
		n += len(enc.Encode(string(t.Parameters), nil, nil))
	}
	n += 3
	return n
}

func heuristicEstimate(req domain.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Role) + len(m.Content)
		for _, tc := range m.ToolCalls {
			chars += len(tc.Name) + len(tc.Arguments)
		}
	}
	for _, t := range req.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.Parameters)
	}
	return chars/4 + 4*len(req.Messages)
}
