// Package budget meters provider usage against daily and monthly ceilings.
//
// Counters live in Redis per (day, model) and per (day, channel), so every
// node shares one ledger. The gate runs before each provider call with a
// tiktoken estimate; the provider's usage block settles the ledger after.
package budget

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/adapter/ai/tokencount"
	"github.com/scalyclaw/scalyclaw/internal/config"
	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// usageTTL keeps daily rows long enough for a month of /api/usage history.
const usageTTL = 35 * 24 * time.Hour

const (
	fieldCalls      = "calls"
	fieldPrompt     = "prompt"
	fieldCompletion = "completion"
	fieldCostMicro  = "costMicro"
)

// Budget implements the usage ledger and the pre-call gate.
type Budget struct {
	rdb     *redis.Client
	counter *tokencount.Counter
	cfg     config.BudgetConfig
	logger  *slog.Logger

	// now is swappable so tests can pin the day boundary.
	now func() time.Time
}

func New(rdb *redis.Client, counter *tokencount.Counter, cfg config.BudgetConfig, logger *slog.Logger) *Budget {
	return &Budget{
		rdb:     rdb,
		counter: counter,
		cfg:     cfg,
		logger:  logger,
		now:     time.Now,
	}
}

// Day formats the UTC ledger day.
func (b *Budget) Day() string { return b.now().UTC().Format("2006-01-02") }

// Month formats the UTC ledger month.
func (b *Budget) Month() string { return b.now().UTC().Format("2006-01") }

// Estimate prices a request in prompt tokens before it is sent.
func (b *Budget) Estimate(req domain.ChatRequest) int {
	return b.counter.EstimateRequest(req)
}

// Allow gates a provider call. It returns ErrBudgetExhausted when the day's
// or the month's spend plus the estimate crosses a configured hard ceiling;
// zero ceilings always allow. Crossing the soft threshold of a ceiling only
// raises an alert, never a block.
func (b *Budget) Allow(ctx context.Context, estTokens int) error {
	if b.cfg.DailyTokenLimit <= 0 && b.cfg.DailyCostUSD <= 0 &&
		b.cfg.MonthlyTokenLimit <= 0 && b.cfg.MonthlyCostUSD <= 0 {
		return nil
	}
	tokens, costMicro, err := b.todayTotals(ctx)
	if err != nil {
		// The gate fails open: a Redis outage must not silence the assistant.
		b.logger.Warn("budget totals unavailable, allowing call", slog.Any("error", err))
		return nil
	}
	estMicro := int64(float64(estTokens) * b.cfg.PromptPricePerMTok)

	if b.cfg.DailyTokenLimit > 0 {
		if tokens+int64(estTokens) > b.cfg.DailyTokenLimit {
			return fmt.Errorf("op=budget.Allow: %w: %d tokens spent of %d daily limit",
				domain.ErrBudgetExhausted, tokens, b.cfg.DailyTokenLimit)
		}
		b.softAlert(ctx, "daily-tokens", b.Day(), tokens, b.cfg.DailyTokenLimit)
	}
	if b.cfg.DailyCostUSD > 0 {
		limitMicro := int64(b.cfg.DailyCostUSD * 1e6)
		if costMicro+estMicro > limitMicro {
			return fmt.Errorf("op=budget.Allow: %w: $%.4f spent of $%.2f daily limit",
				domain.ErrBudgetExhausted, float64(costMicro)/1e6, b.cfg.DailyCostUSD)
		}
		b.softAlert(ctx, "daily-cost", b.Day(), costMicro, limitMicro)
	}
	if b.cfg.MonthlyTokenLimit <= 0 && b.cfg.MonthlyCostUSD <= 0 {
		return nil
	}

	mTokens, mMicro, err := b.monthTotals(ctx)
	if err != nil {
		b.logger.Warn("budget totals unavailable, allowing call", slog.Any("error", err))
		return nil
	}
	if b.cfg.MonthlyTokenLimit > 0 {
		if mTokens+int64(estTokens) > b.cfg.MonthlyTokenLimit {
			return fmt.Errorf("op=budget.Allow: %w: %d tokens spent of %d monthly limit",
				domain.ErrBudgetExhausted, mTokens, b.cfg.MonthlyTokenLimit)
		}
		b.softAlert(ctx, "monthly-tokens", b.Month(), mTokens, b.cfg.MonthlyTokenLimit)
	}
	if b.cfg.MonthlyCostUSD > 0 {
		limitMicro := int64(b.cfg.MonthlyCostUSD * 1e6)
		if mMicro+estMicro > limitMicro {
			return fmt.Errorf("op=budget.Allow: %w: $%.4f spent of $%.2f monthly limit",
				domain.ErrBudgetExhausted, float64(mMicro)/1e6, b.cfg.MonthlyCostUSD)
		}
		b.softAlert(ctx, "monthly-cost", b.Month(), mMicro, limitMicro)
	}
	return nil
}

// softAlert warns once per (scope, period) when spend crosses the soft
// threshold of a hard ceiling. Dedup rides a SetNX key so every node shares
// the one alert.
func (b *Budget) softAlert(ctx context.Context, scope, period string, spent, limit int64) {
	pct := b.cfg.SoftThresholdPct
	if pct <= 0 {
		return
	}
	if float64(spent) < float64(limit)*pct {
		return
	}
	fresh, err := b.rdb.SetNX(ctx, domain.KeyBudgetAlert(scope, period), "1", usageTTL).Result()
	if err != nil || !fresh {
		return
	}
	b.logger.Warn("budget soft threshold crossed",
		slog.String("scope", scope), slog.String("period", period),
		slog.Int64("spent", spent), slog.Int64("limit", limit),
		slog.Float64("threshold_pct", pct))
}

// Record settles one provider call into the ledger.
func (b *Budget) Record(ctx context.Context, model, channelID string, usage domain.TokenUsage) error {
	if model == "" {
		model = "unknown"
	}
	day := b.Day()
	costMicro := b.costMicro(usage)
	total := usage.PromptTokens + usage.CompletionTokens

	key := domain.KeyUsage(day, model)
	pipe := b.rdb.Pipeline()
	pipe.HIncrBy(ctx, key, fieldCalls, 1)
	pipe.HIncrBy(ctx, key, fieldPrompt, usage.PromptTokens)
	pipe.HIncrBy(ctx, key, fieldCompletion, usage.CompletionTokens)
	pipe.HIncrBy(ctx, key, fieldCostMicro, costMicro)
	pipe.Expire(ctx, key, usageTTL)
	if channelID != "" {
		chKey := domain.KeyChannelUsage(day, channelID)
		pipe.IncrBy(ctx, chKey, total)
		pipe.Expire(ctx, chKey, usageTTL)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("op=budget.Record: %w", err)
	}
	return nil
}

// costMicro converts a usage block to micro-USD. USD per million tokens is
// numerically micro-USD per token.
func (b *Budget) costMicro(usage domain.TokenUsage) int64 {
	prompt := float64(usage.PromptTokens) * b.cfg.PromptPricePerMTok
	completion := float64(usage.CompletionTokens) * b.cfg.CompletionPricePerMTok
	return int64(prompt + completion)
}

func (b *Budget) todayTotals(ctx context.Context) (tokens, costMicro int64, err error) {
	rows, err := b.UsageForDay(ctx, b.Day())
	if err != nil {
		return 0, 0, err
	}
	for _, u := range rows {
		tokens += u.PromptTokens + u.CompletionTokens
		costMicro += u.CostMicroUSD
	}
	return tokens, costMicro, nil
}

// monthTotals sums every daily row in the current calendar month. Rows
// outlive the month boundary (usageTTL is 35 days), so the scan always sees
// the whole month. Channel counters live under a different prefix and never
// match the pattern.
func (b *Budget) monthTotals(ctx context.Context) (tokens, costMicro int64, err error) {
	pattern := "scalyclaw:usage:" + b.Month() + "-*"
	var keys []string
	iter := b.rdb.Scan(ctx, 0, pattern, 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return 0, 0, fmt.Errorf("op=budget.monthTotals: %w", err)
	}
	for _, key := range keys {
		fields, err := b.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return 0, 0, fmt.Errorf("op=budget.monthTotals: %w", err)
		}
		tokens += hfield(fields, fieldPrompt) + hfield(fields, fieldCompletion)
		costMicro += hfield(fields, fieldCostMicro)
	}
	return tokens, costMicro, nil
}

// UsageForDay lists one day's per-model usage rows.
func (b *Budget) UsageForDay(ctx context.Context, day string) ([]domain.Usage, error) {
	prefix := "scalyclaw:usage:" + day + ":"
	var keys []string
	iter := b.rdb.Scan(ctx, 0, prefix+"*", 100).Iterator()
	for iter.Next(ctx) {
		keys = append(keys, iter.Val())
	}
	if err := iter.Err(); err != nil {
		return nil, fmt.Errorf("op=budget.UsageForDay: %w", err)
	}
	out := make([]domain.Usage, 0, len(keys))
	for _, key := range keys {
		fields, err := b.rdb.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("op=budget.UsageForDay: %w", err)
		}
		if len(fields) == 0 {
			continue
		}
		u := domain.Usage{
			Day:              day,
			Model:            strings.TrimPrefix(key, prefix),
			Calls:            hfield(fields, fieldCalls),
			PromptTokens:     hfield(fields, fieldPrompt),
			CompletionTokens: hfield(fields, fieldCompletion),
			CostMicroUSD:     hfield(fields, fieldCostMicro),
		}
		u.CostUSD = float64(u.CostMicroUSD) / 1e6
		out = append(out, u)
	}
	return out, nil
}

// Snapshot summarizes the day and the month against the configured ceilings,
// for /api/budget.
type Snapshot struct {
	Day               string  `json:"day"`
	Tokens            int64   `json:"tokens"`
	CostUSD           float64 `json:"costUsd"`
	Month             string  `json:"month"`
	MonthTokens       int64   `json:"monthTokens"`
	MonthCostUSD      float64 `json:"monthCostUsd"`
	DailyTokenLimit   int64   `json:"dailyTokenLimit,omitempty"`
	DailyCostUSD      float64 `json:"dailyCostUsd,omitempty"`
	MonthlyTokenLimit int64   `json:"monthlyTokenLimit,omitempty"`
	MonthlyCostUSD    float64 `json:"monthlyCostUsd,omitempty"`
	Exhausted         bool    `json:"exhausted"`
}

// Today builds the budget snapshot for the diagnostics surface.
func (b *Budget) Today(ctx context.Context) (Snapshot, error) {
	tokens, costMicro, err := b.todayTotals(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	mTokens, mMicro, err := b.monthTotals(ctx)
	if err != nil {
		return Snapshot{}, err
	}
	s := Snapshot{
		Day:               b.Day(),
		Tokens:            tokens,
		CostUSD:           float64(costMicro) / 1e6,
		Month:             b.Month(),
		MonthTokens:       mTokens,
		MonthCostUSD:      float64(mMicro) / 1e6,
		DailyTokenLimit:   b.cfg.DailyTokenLimit,
		DailyCostUSD:      b.cfg.DailyCostUSD,
		MonthlyTokenLimit: b.cfg.MonthlyTokenLimit,
		MonthlyCostUSD:    b.cfg.MonthlyCostUSD,
	}
	s.Exhausted = (b.cfg.DailyTokenLimit > 0 && tokens >= b.cfg.DailyTokenLimit) ||
		(b.cfg.DailyCostUSD > 0 && s.CostUSD >= b.cfg.DailyCostUSD) ||
		(b.cfg.MonthlyTokenLimit > 0 && mTokens >= b.cfg.MonthlyTokenLimit) ||
		(b.cfg.MonthlyCostUSD > 0 && s.MonthCostUSD >= b.cfg.MonthlyCostUSD)
	return s, nil
}

// ChannelTokens reads one channel's token total for today.
func (b *Budget) ChannelTokens(ctx context.Context, channelID string) (int64, error) {
	raw, err := b.rdb.Get(ctx, domain.KeyChannelUsage(b.Day(), channelID)).Result()
	if err == redis.Nil {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("op=budget.ChannelTokens: %w", err)
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("op=budget.ChannelTokens: %w", err)
	}
	return n, nil
}

func hfield(fields map[string]string, name string) int64 {
	n, _ := strconv.ParseInt(fields[name], 10, 64)
	return n
}
