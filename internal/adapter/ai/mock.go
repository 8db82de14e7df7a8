package ai

import (
	"fmt"
	"sync"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// Mock is a scriptable domain.AIClient for tests and APP_ENV=test runs. Each
// Chat call consumes the next scripted response; an exhausted script repeats
// the last entry.
type Mock struct {
	mu        sync.Mutex
	script    []domain.ChatResponse
	errs      []error
	calls     []domain.ChatRequest
	callCount int
}

// NewMock builds a mock returning the given responses in order. With no
// script it answers with a fixed completion.
func NewMock(script ...domain.ChatResponse) *Mock {
	if len(script) == 0 {
		script = []domain.ChatResponse{{
			Content:    "ok",
			StopReason: domain.StopEndTurn,
			Model:      "mock",
		}}
	}
	return &Mock{script: script}
}

// FailWith queues errors returned before any scripted responses.
func (m *Mock) FailWith(errs ...error) *Mock {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errs = append(m.errs, errs...)
	return m
}

// Chat returns the next scripted error or response.
func (m *Mock) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.Mock.Chat: %w", domain.ErrCancelled)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.calls = append(m.calls, req)
	if len(m.errs) > 0 {
		err := m.errs[0]
		m.errs = m.errs[1:]
		return domain.ChatResponse{}, err
	}
	idx := m.callCount
	if idx >= len(m.script) {
		idx = len(m.script) - 1
	}
	m.callCount++
	return m.script[idx], nil
}

// Calls returns every request seen so far.
func (m *Mock) Calls() []domain.ChatRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.ChatRequest, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many Chat invocations succeeded or failed.
func (m *Mock) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
