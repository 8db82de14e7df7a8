package ai

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// CircuitState represents the state of a circuit breaker.
type CircuitState int

const (
	// CircuitClosed indicates the circuit is allowing requests to pass through.
	CircuitClosed CircuitState = iota
	// CircuitOpen indicates the circuit is blocking requests due to failures.
	CircuitOpen
	// CircuitHalfOpen indicates the circuit is probing recovery.
	CircuitHalfOpen
)

// String returns a string representation of the circuit state.
func (cs CircuitState) String() string {
	switch cs {
	case CircuitClosed:
		return "closed"
	case CircuitOpen:
		return "open"
	case CircuitHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// ErrCircuitOpen is returned without touching the provider while the breaker
// is open.
var ErrCircuitOpen = errors.New("provider circuit open")

// CircuitBreaker tracks consecutive provider failures per model.
type CircuitBreaker struct {
	mu               sync.RWMutex
	modelID          string
	failureThreshold int
	recoveryTimeout  time.Duration
	state            CircuitState
	failureCount     int
	lastFailureTime  time.Time
	totalRequests    int
	totalFailures    int
}

// NewCircuitBreaker creates a breaker that opens after three consecutive
// failures and probes recovery after 30 seconds.
func NewCircuitBreaker(modelID string) *CircuitBreaker {
	return &CircuitBreaker{
		modelID:          modelID,
		failureThreshold: 3,
		recoveryTimeout:  30 * time.Second,
		state:            CircuitClosed,
	}
}

// ShouldAttempt determines if a request should be attempted. An open breaker
// past its recovery timeout transitions to half-open and allows one probe.
func (cb *CircuitBreaker) ShouldAttempt() bool {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	switch cb.state {
	case CircuitClosed, CircuitHalfOpen:
		return true
	case CircuitOpen:
		if time.Since(cb.lastFailureTime) > cb.recoveryTimeout {
			cb.state = CircuitHalfOpen
			return true
		}
		return false
	default:
		return false
	}
}

// RecordSuccess resets the failure streak and closes a probing circuit.
func (cb *CircuitBreaker) RecordSuccess() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.totalRequests++
	cb.failureCount = 0
	if cb.state != CircuitClosed {
		cb.state = CircuitClosed
		slog.Info("circuit breaker closed after successful recovery",
			slog.String("model", cb.modelID))
	}
}

// RecordFailure counts a failure and opens the circuit at the threshold.
func (cb *CircuitBreaker) RecordFailure() {
	cb.mu.Lock()
	defer cb.mu.Unlock()

	cb.failureCount++
	cb.totalFailures++
	cb.totalRequests++
	cb.lastFailureTime = time.Now()

	if cb.failureCount >= cb.failureThreshold {
		cb.state = CircuitOpen
		slog.Warn("circuit breaker opened due to consecutive failures",
			slog.String("model", cb.modelID),
			slog.Int("failure_count", cb.failureCount),
			slog.Int("threshold", cb.failureThreshold))
	}
}

// State returns the current circuit state.
func (cb *CircuitBreaker) State() CircuitState {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return cb.state
}

// BreakerStats is a diagnostic snapshot of one breaker.
type BreakerStats struct {
	Model         string    `json:"model"`
	State         string    `json:"state"`
	FailureCount  int       `json:"failureCount"`
	TotalRequests int       `json:"totalRequests"`
	TotalFailures int       `json:"totalFailures"`
	LastFailure   time.Time `json:"lastFailure,omitempty"`
}

// Stats returns a snapshot for diagnostics.
func (cb *CircuitBreaker) Stats() BreakerStats {
	cb.mu.RLock()
	defer cb.mu.RUnlock()
	return BreakerStats{
		Model:         cb.modelID,
		State:         cb.state.String(),
		FailureCount:  cb.failureCount,
		TotalRequests: cb.totalRequests,
		TotalFailures: cb.totalFailures,
		LastFailure:   cb.lastFailureTime,
	}
}

// BreakerClient decorates a domain.AIClient with a per-model circuit breaker.
// Cancellations do not count as provider failures.
type BreakerClient struct {
	inner        domain.AIClient
	defaultModel string

	mu       sync.Mutex
	breakers map[string]*CircuitBreaker
}

// WithBreaker wraps a client. Requests without an explicit model are tracked
// under defaultModel.
func WithBreaker(inner domain.AIClient, defaultModel string) *BreakerClient {
	return &BreakerClient{
		inner:        inner,
		defaultModel: defaultModel,
		breakers:     make(map[string]*CircuitBreaker),
	}
}

func (b *BreakerClient) breaker(model string) *CircuitBreaker {
	if model == "" {
		model = b.defaultModel
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if cb, ok := b.breakers[model]; ok {
		return cb
	}
	cb := NewCircuitBreaker(model)
	b.breakers[model] = cb
	return cb
}

// Chat delegates to the wrapped client, failing fast while the model's
// circuit is open.
func (b *BreakerClient) Chat(ctx domain.Context, req domain.ChatRequest) (domain.ChatResponse, error) {
	cb := b.breaker(req.Model)
	if !cb.ShouldAttempt() {
		return domain.ChatResponse{}, fmt.Errorf("op=ai.BreakerClient.Chat: %w: model %s", ErrCircuitOpen, cb.modelID)
	}
	res, err := b.inner.Chat(ctx, req)
	switch {
	case err == nil:
		cb.RecordSuccess()
	case errors.Is(err, domain.ErrCancelled), errors.Is(err, domain.ErrInvalidArgument):
		// Caller-side conditions say nothing about provider health.
	default:
		cb.RecordFailure()
	}
	return res, err
}

// Stats snapshots every breaker, for the diagnostics surface.
func (b *BreakerClient) Stats() []BreakerStats {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]BreakerStats, 0, len(b.breakers))
	for _, cb := range b.breakers {
		out = append(out, cb.Stats())
	}
	return out
}
