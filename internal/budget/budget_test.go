package budget

import (
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/scalyclaw/scalyclaw/internal/adapter/ai/tokencount"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

func newTestBudget(t *testing.T, cfg config.BudgetConfig) *Budget {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = rdb.Close() })
	b := New(rdb, tokencount.NewCounter(), cfg, slog.Default())
	b.now = func() time.Time { return time.Date(2026, 8, 24, 12, 0, 0, 0, time.UTC) }
	return b
}

func TestRecordAndUsageForDay(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		PromptPricePerMTok:     3.0,
		CompletionPricePerMTok: 15.0,
	})
	ctx := context.Background()

	require.NoError(t, b.Record(ctx, "anthropic/claude-sonnet-4", "telegram",
		domain.TokenUsage{PromptTokens: 1000, CompletionTokens: 500}))
	require.NoError(t, b.Record(ctx, "anthropic/claude-sonnet-4", "telegram",
		domain.TokenUsage{PromptTokens: 200, CompletionTokens: 100}))

	rows, err := b.UsageForDay(ctx, "2026-08-24")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	u := rows[0]
	assert.Equal(t, "anthropic/claude-sonnet-4", u.Model)
	assert.Equal(t, int64(2), u.Calls)
	assert.Equal(t, int64(1200), u.PromptTokens)
	assert.Equal(t, int64(600), u.CompletionTokens)
	// 1200 prompt at 3 micro each plus 600 completion at 15 micro each.
	assert.Equal(t, int64(1200*3+600*15), u.CostMicroUSD)
	assert.InDelta(t, float64(1200*3+600*15)/1e6, u.CostUSD, 1e-9)

	chTokens, err := b.ChannelTokens(ctx, "telegram")
	require.NoError(t, err)
	assert.Equal(t, int64(1800), chTokens)
}

func TestAllow_NoLimitsAlwaysAllows(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{PromptPricePerMTok: 3, CompletionPricePerMTok: 15})
	assert.NoError(t, b.Allow(context.Background(), 1<<30))
}

func TestAllow_TokenCeiling(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		DailyTokenLimit:        1000,
		PromptPricePerMTok:     3,
		CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 700, CompletionTokens: 200}))

	assert.NoError(t, b.Allow(ctx, 50))
	err := b.Allow(ctx, 200)
	assert.True(t, errors.Is(err, domain.ErrBudgetExhausted), "got %v", err)
}

func TestAllow_CostCeiling(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		DailyCostUSD:           0.01,
		PromptPricePerMTok:     3,
		CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	// 600 completion tokens at 15 micro each = 9000 micro = $0.009.
	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{CompletionTokens: 600}))

	assert.NoError(t, b.Allow(ctx, 100))
	err := b.Allow(ctx, 1000)
	assert.True(t, errors.Is(err, domain.ErrBudgetExhausted), "got %v", err)
}

func TestAllow_MonthlyCeilingSpansDays(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		MonthlyTokenLimit:  1000,
		PromptPricePerMTok: 3, CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	// Spend lands on three separate days of the same month.
	for _, day := range []int{3, 12, 24} {
		d := day
		b.now = func() time.Time { return time.Date(2026, 8, d, 12, 0, 0, 0, time.UTC) }
		require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 300}))
	}

	assert.NoError(t, b.Allow(ctx, 50))
	err := b.Allow(ctx, 200)
	assert.True(t, errors.Is(err, domain.ErrBudgetExhausted), "got %v", err)
	assert.Contains(t, err.Error(), "monthly limit")

	// A new month starts from zero.
	b.now = func() time.Time { return time.Date(2026, 9, 1, 0, 1, 0, 0, time.UTC) }
	assert.NoError(t, b.Allow(ctx, 200))
}

func TestAllow_MonthlyCostCeiling(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		MonthlyCostUSD:     0.01,
		PromptPricePerMTok: 3, CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	// 600 completion tokens at 15 micro each = $0.009 this month.
	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{CompletionTokens: 600}))

	assert.NoError(t, b.Allow(ctx, 100))
	err := b.Allow(ctx, 1000)
	assert.True(t, errors.Is(err, domain.ErrBudgetExhausted), "got %v", err)
	assert.Contains(t, err.Error(), "monthly limit")
}

func TestAllow_SoftThresholdAlertsWithoutBlocking(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		DailyTokenLimit:    1000,
		SoftThresholdPct:   0.8,
		PromptPricePerMTok: 3, CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	// Below the threshold nothing fires.
	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 700}))
	require.NoError(t, b.Allow(ctx, 10))
	exists, err := b.rdb.Exists(ctx, domain.KeyBudgetAlert("daily-tokens", "2026-08-24")).Result()
	require.NoError(t, err)
	assert.Zero(t, exists)

	// At 85% of the ceiling the call still goes through and the alert arms.
	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 150}))
	require.NoError(t, b.Allow(ctx, 10))
	exists, err = b.rdb.Exists(ctx, domain.KeyBudgetAlert("daily-tokens", "2026-08-24")).Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), exists)
}

func TestAllow_ResetsAtDayBoundary(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		DailyTokenLimit:    1000,
		PromptPricePerMTok: 3, CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 999}))
	require.Error(t, b.Allow(ctx, 100))

	b.now = func() time.Time { return time.Date(2026, 8, 25, 0, 1, 0, 0, time.UTC) }
	assert.NoError(t, b.Allow(ctx, 100))
}

func TestToday_SnapshotAndExhaustedFlag(t *testing.T) {
	t.Parallel()
	b := newTestBudget(t, config.BudgetConfig{
		DailyTokenLimit:    500,
		PromptPricePerMTok: 3, CompletionPricePerMTok: 15,
	})
	ctx := context.Background()

	s, err := b.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, "2026-08-24", s.Day)
	assert.False(t, s.Exhausted)

	require.NoError(t, b.Record(ctx, "m", "", domain.TokenUsage{PromptTokens: 400, CompletionTokens: 200}))
	s, err = b.Today(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(600), s.Tokens)
	assert.Equal(t, "2026-08", s.Month)
	assert.Equal(t, int64(600), s.MonthTokens)
	assert.True(t, s.Exhausted)
}
