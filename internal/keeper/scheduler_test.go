package keeper

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fundingkeeper/keeper/internal/config"
	"github.com/fundingkeeper/keeper/internal/eventbus"
	"github.com/fundingkeeper/keeper/internal/exchange"
	"github.com/fundingkeeper/keeper/internal/execution"
	"github.com/fundingkeeper/keeper/internal/historical"
	"github.com/fundingkeeper/keeper/internal/losstracker"
	"github.com/fundingkeeper/keeper/internal/ratelimiter"
	"github.com/fundingkeeper/keeper/internal/registry"
	"github.com/fundingkeeper/keeper/internal/risk"
	"github.com/fundingkeeper/keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestScheduler(t *testing.T) (*Scheduler, *exchange.MockExchange, *exchange.MockExchange, *historical.InMemoryService) {
	t.Helper()

	limits := map[string]ratelimiter.VenueLimits{
		string(types.ExchangeBinance):     {MaxPerSecond: 100, MaxPerMinute: 6000},
		string(types.ExchangeGenericREST): {MaxPerSecond: 100, MaxPerMinute: 6000},
	}
	limiter := ratelimiter.New(limits, nil)
	reg := registry.New()
	bus := eventbus.New(testLogger())
	losses := losstracker.New(losstracker.NewMemoryStore())

	long := exchange.NewMockExchange(types.ExchangeBinance)
	short := exchange.NewMockExchange(types.ExchangeGenericREST)

	execCfg := config.ExecutionConfig{
		MinSlices: 1, MaxSlices: 5,
		SliceFillTimeout: 200 * time.Millisecond, FillCheckInterval: 10 * time.Millisecond,
		MaxImbalancePercent: 0.10, InterSliceSleep: 5 * time.Millisecond,
		LegAMinFillFraction: 0.5, FillDeltaTolerance: 0.02, FundingBuffer: 2 * time.Minute,
	}
	eng := execution.New(execCfg, config.RetryConfig{}, reg, limiter, losses, bus, nil, testLogger())

	hist := historical.NewInMemoryService()
	guard := risk.NewGuard(config.RiskConfig{MaxDailyLossUSD: 1e9, MaxGlobalExposureUSD: 1e9, CooldownAfterKill: time.Minute}, testLogger())

	cfg := config.Config{
		Symbols:      []string{"ETHUSD"},
		PollInterval: 10 * time.Millisecond,
		Evaluator:    config.EvaluatorConfig{MaxWorstCaseBreakEvenDays: 30},
	}
	venues := map[string]exchange.PerpExchange{
		"binance":     long,
		"genericrest": short,
	}

	return New(cfg, venues, hist, eng, guard, losses, reg, bus, testLogger()), long, short, hist
}

func seedFavorableHistory(hist *historical.InMemoryService, longVenue, shortVenue, symbol string) {
	now := time.Now()
	for i := 0; i < 10; i++ {
		hist.Record(historical.Sample{Venue: longVenue, Symbol: symbol, Rate: 0.0001, Timestamp: now.Add(-time.Duration(i) * time.Hour)})
		hist.Record(historical.Sample{Venue: shortVenue, Symbol: symbol, Rate: 0.0035, Timestamp: now.Add(-time.Duration(i) * time.Hour)})
	}
}

func TestEvaluateSymbolExecutesBestCandidate(t *testing.T) {
	t.Parallel()

	s, long, short, hist := newTestScheduler(t)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	long.SetEquity(decimal.NewFromInt(100000))
	short.SetEquity(decimal.NewFromInt(100000))
	seedFavorableHistory(hist, "binance", "genericrest", "ETHUSD")

	s.evaluateSymbol(context.Background(), "ETHUSD")

	require.False(t, s.Status().LastExecutionAt.IsZero())
}

func TestEvaluateSymbolSkipsWhenNoHistory(t *testing.T) {
	t.Parallel()

	s, long, short, _ := newTestScheduler(t)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	long.SetEquity(decimal.NewFromInt(100000))
	short.SetEquity(decimal.NewFromInt(100000))

	s.evaluateSymbol(context.Background(), "ETHUSD")

	require.True(t, s.Status().LastExecutionAt.IsZero())
}

func TestTickSkipsWhenKillSwitchActive(t *testing.T) {
	t.Parallel()

	s, long, short, hist := newTestScheduler(t)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	long.SetEquity(decimal.NewFromInt(100000))
	short.SetEquity(decimal.NewFromInt(100000))
	seedFavorableHistory(hist, "binance", "genericrest", "ETHUSD")

	guardCtx, cancelGuard := context.WithCancel(context.Background())
	defer cancelGuard()
	go s.guard.Run(guardCtx) // Report only enqueues; Run applies it

	s.guard.Report(risk.ExposureReport{Symbol: "ETHUSD", ExposureUSD: 0, RealizedLoss: 1e12, Timestamp: time.Now()})
	require.Eventually(t, s.guard.IsKillSwitchActive, time.Second, 5*time.Millisecond)

	s.tick(context.Background())
	require.True(t, s.Status().LastExecutionAt.IsZero())
}

func TestStartStopLifecycle(t *testing.T) {
	t.Parallel()

	s, long, short, hist := newTestScheduler(t)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	long.SetEquity(decimal.NewFromInt(100000))
	short.SetEquity(decimal.NewFromInt(100000))
	seedFavorableHistory(hist, "binance", "genericrest", "ETHUSD")

	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)
	time.Sleep(50 * time.Millisecond)
	cancel()
	s.Stop()

	require.False(t, s.Status().LastExecutionAt.IsZero())
}
