// Package budget prices token usage and refuses new work once the daily
// spend ceiling is reached.
package budget

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/xaenox/sandbot/internal/models"
	"github.com/xaenox/sandbot/internal/storage"
	"github.com/xaenox/sandbot/pkg/config"
)

const defaultPriceKey = "default"

// Breaker is advisory: it is consulted before a dispatch starts and never
// interrupts an invocation already running.
type Breaker struct {
	usage  storage.UsageStorage
	cfg    config.BudgetConfig
	loc    *time.Location
	now    func() time.Time
	logger *zap.Logger
}

func NewBreaker(usage storage.UsageStorage, cfg config.BudgetConfig, logger *zap.Logger) (*Breaker, error) {
	tz := cfg.Timezone
	if tz == "" {
		tz = "UTC"
	}
	loc, err := time.LoadLocation(tz)
	if err != nil {
		return nil, fmt.Errorf("invalid budget timezone %q: %w", tz, err)
	}
	return &Breaker{
		usage:  usage,
		cfg:    cfg,
		loc:    loc,
		now:    time.Now,
		logger: logger,
	}, nil
}

func (b *Breaker) price(model string) config.ModelPrice {
	if p, ok := b.cfg.Prices[strings.ToLower(model)]; ok {
		return p
	}
	return b.cfg.Prices[defaultPriceKey]
}

// Cost prices one usage record. A cost reported by the sandbox wins over the
// token-based estimate.
func (b *Breaker) Cost(model string, u models.TokenUsage) float64 {
	if u.CostUSD > 0 {
		return u.CostUSD
	}
	p := b.price(model)
	return (float64(u.InputTokens)*p.Input +
		float64(u.OutputTokens)*p.Output +
		float64(u.CacheReadTokens)*p.CacheRead +
		float64(u.CacheWriteTokens)*p.CacheWrite) / 1_000_000
}

// DayBounds returns the start and end of the budget day containing t.
func (b *Breaker) DayBounds(t time.Time) (time.Time, time.Time) {
	local := t.In(b.loc)
	start := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, b.loc)
	return start, start.AddDate(0, 0, 1)
}

// Report is the spend of one budget day.
type Report struct {
	Day         time.Time
	SpendUSD    float64
	LimitUSD    float64
	Invocations int
	ByModel     map[string]float64
	ByChat      map[string]float64
}

// SpendOn totals the usage entries that started on the budget day of day.
func (b *Breaker) SpendOn(ctx context.Context, day time.Time) (*Report, error) {
	from, to := b.DayBounds(day)
	entries, err := b.usage.UsageBetween(ctx, from, to)
	if err != nil {
		return nil, fmt.Errorf("failed to read usage ledger: %w", err)
	}
	r := &Report{
		Day:      from,
		LimitUSD: b.cfg.DailyLimitUSD,
		ByModel:  make(map[string]float64),
		ByChat:   make(map[string]float64),
	}
	for _, e := range entries {
		cost := b.Cost(e.Model, e.Usage)
		r.SpendUSD += cost
		r.ByModel[e.Model] += cost
		r.ByChat[e.ChatJID] += cost
		r.Invocations++
	}
	return r, nil
}

// Spend returns today's total.
func (b *Breaker) Spend(ctx context.Context) (float64, error) {
	r, err := b.SpendOn(ctx, b.now())
	if err != nil {
		return 0, err
	}
	return r.SpendUSD, nil
}

// Allow reports whether a new dispatch for jid may start. Ledger read
// errors allow the dispatch.
func (b *Breaker) Allow(ctx context.Context, jid string) bool {
	if b.cfg.DailyLimitUSD <= 0 {
		return true
	}
	spend, err := b.Spend(ctx)
	if err != nil {
		b.logger.Error("Failed to compute daily spend", zap.Error(err))
		return true
	}
	if spend >= b.cfg.DailyLimitUSD {
		b.logger.Warn("Daily budget exhausted, refusing dispatch",
			zap.String("chat_jid", jid),
			zap.Float64("spend_usd", spend),
			zap.Float64("limit_usd", b.cfg.DailyLimitUSD))
		return false
	}
	return true
}

// ModelBudget returns the per-invocation ceiling configured for model.
func (b *Breaker) ModelBudget(model string) float64 {
	if v, ok := b.cfg.ModelBudgets[strings.ToLower(model)]; ok {
		return v
	}
	return b.cfg.ModelBudgets[defaultPriceKey]
}

// DefaultModel is used when neither a conversation nor a task names one.
func (b *Breaker) DefaultModel() string {
	return b.cfg.DefaultModel
}
