package ai

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func TestCircuitBreaker_OpensAfterConsecutiveFailures(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-model")

	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
	cb.RecordFailure()
	assert.Equal(t, CircuitOpen, cb.State())
	assert.False(t, cb.ShouldAttempt())
}

func TestCircuitBreaker_SuccessResetsStreak(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-model")

	cb.RecordFailure()
	cb.RecordFailure()
	cb.RecordSuccess()
	cb.RecordFailure()
	cb.RecordFailure()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbesAfterRecoveryTimeout(t *testing.T) {
	t.Parallel()
	cb := NewCircuitBreaker("test-model")
	cb.recoveryTimeout = 0

	for i := 0; i < 3; i++ {
		cb.RecordFailure()
	}
	require.Equal(t, CircuitOpen, cb.State())

	// Recovery window elapsed: one probe allowed.
	assert.True(t, cb.ShouldAttempt())
	assert.Equal(t, CircuitHalfOpen, cb.State())

	cb.RecordSuccess()
	assert.Equal(t, CircuitClosed, cb.State())
}

func TestBreakerClient_FailsFastWhileOpen(t *testing.T) {
	t.Parallel()
	inner := NewMock().FailWith(
		errors.New("boom"), errors.New("boom"), errors.New("boom"),
	)
	bc := WithBreaker(inner, "default-model")
	ctx := context.Background()
	req := domain.ChatRequest{
		Model:    "flaky-model",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	}

	for i := 0; i < 3; i++ {
		_, err := bc.Chat(ctx, req)
		require.Error(t, err)
	}

	_, err := bc.Chat(ctx, req)
	assert.True(t, errors.Is(err, ErrCircuitOpen))
	assert.Equal(t, 3, inner.CallCount(), "open circuit must not reach the provider")
}

func TestBreakerClient_CancellationDoesNotTrip(t *testing.T) {
	t.Parallel()
	inner := NewMock().FailWith(
		domain.ErrCancelled, domain.ErrCancelled, domain.ErrCancelled, domain.ErrCancelled,
	)
	bc := WithBreaker(inner, "default-model")
	req := domain.ChatRequest{
		Model:    "m",
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	}

	for i := 0; i < 4; i++ {
		_, err := bc.Chat(context.Background(), req)
		require.Error(t, err)
	}
	assert.Equal(t, CircuitClosed, bc.breaker("m").State())
}

func TestBreakerClient_EmptyModelUsesDefault(t *testing.T) {
	t.Parallel()
	bc := WithBreaker(NewMock(), "default-model")
	_, err := bc.Chat(context.Background(), domain.ChatRequest{
		Messages: []domain.ChatMessage{{Role: domain.RoleUser, Content: "hi"}},
	})
	require.NoError(t, err)

	stats := bc.Stats()
	require.Len(t, stats, 1)
	assert.Equal(t, "default-model", stats[0].Model)
	assert.Equal(t, "closed", stats[0].State)
}
