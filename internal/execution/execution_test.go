package execution

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
	"github.com/fundingkeeper/keeper/internal/losstracker"
	"github.com/fundingkeeper/keeper/internal/ratelimiter"
	"github.com/fundingkeeper/keeper/internal/registry"
	"github.com/fundingkeeper/keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func newTestEngine(t *testing.T, cfg config.ExecutionConfig) (*Engine, *exchange.MockExchange, *exchange.MockExchange) {
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

	eng := New(cfg, config.RetryConfig{}, reg, limiter, losses, bus, nil, testLogger())
	return eng, long, short
}

func baseConfig() config.ExecutionConfig {
	return config.ExecutionConfig{
		MinSlices:           1,
		MaxSlices:           20,
		SliceFillTimeout:    200 * time.Millisecond,
		FillCheckInterval:   10 * time.Millisecond,
		MaxImbalancePercent: 0.10,
		InterSliceSleep:     5 * time.Millisecond,
		LegAMinFillFraction: 0.5,
		FillDeltaTolerance:  0.02,
		FundingBuffer:       2 * time.Minute,
	}
}

// Scenario 1: single-slice happy path.
func TestExecuteSingleSliceHappyPath(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	eng, long, short := newTestEngine(t, cfg)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))

	req := Request{
		Symbol: "ETHUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(0.1),
		LongMarkPrice: decimal.NewFromInt(3000), ShortMarkPrice: decimal.NewFromInt(3000),
		TotalPortfolioUSD: decimal.NewFromInt(100000), ThreadID: "test-1",
	}

	result, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success, result.AbortReason)
	require.Equal(t, 1, result.TotalSlices)
	require.True(t, result.TotalLongFilled.Equal(decimal.NewFromFloat(0.1)))
	require.True(t, result.TotalShortFilled.Equal(decimal.NewFromFloat(0.1)))
}

// Scenario 2: slicing by portfolio percent produces exactly 5 slices.
func TestExecuteSlicesByPortfolioPercent(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.MaxPortfolioPctPerSlice = 0.05
	cfg.MaxUSDPerSlice = 10000
	eng, long, short := newTestEngine(t, cfg)
	long.SetMarkPrice("BTCUSD", decimal.NewFromInt(1000))
	short.SetMarkPrice("BTCUSD", decimal.NewFromInt(1000))

	req := Request{
		Symbol: "BTCUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(2.5),
		LongMarkPrice: decimal.NewFromInt(1000), ShortMarkPrice: decimal.NewFromInt(1000),
		TotalPortfolioUSD: decimal.NewFromInt(10000), ThreadID: "test-2",
	}

	result, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	require.True(t, result.Success, result.AbortReason)
	require.Equal(t, 5, result.TotalSlices)
	require.True(t, result.TotalLongFilled.Equal(decimal.NewFromFloat(2.5)))
}

// Scenario 3: Leg A never fills within the slice timeout. Leg B must
// never be placed and the abort reason must mention Leg A.
func TestExecuteLegANeverFillsAborts(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	eng, long, short := newTestEngine(t, cfg)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	long.NextOrderBehavior(exchange.MockOrderBehavior{FillAfterPolls: 10000})

	req := Request{
		Symbol: "ETHUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(1),
		LongMarkPrice: decimal.NewFromInt(3000), ShortMarkPrice: decimal.NewFromInt(3000),
		TotalPortfolioUSD: decimal.NewFromInt(100000), ThreadID: "test-3",
	}

	result, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.AbortReason, "Leg A")

	shortPos, _ := short.GetPosition(context.Background(), "ETHUSD")
	require.True(t, shortPos.Size.IsZero(), "Leg B must never be placed when Leg A doesn't fill")
}

// Scenario 4: Leg A fills, Leg B placement is rejected. Leg A must be
// rolled back with a reduceOnly opposite-side market order.
func TestExecuteLegBRejectionRollsBackLegA(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.MinSlices = 1
	cfg.MaxSlices = 1
	eng, long, short := newTestEngine(t, cfg)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))

	long.NextOrderBehavior(exchange.MockOrderBehavior{FillAfterPolls: 0})
	// Leg A's fill-then-rollback will issue two PlaceOrder calls on long:
	// the opening order (scripted above) and the later rollback order
	// (default behavior: fills immediately).

	req := Request{
		Symbol: "ETHUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(1),
		LongMarkPrice: decimal.NewFromInt(3000), ShortMarkPrice: decimal.NewFromInt(3000),
		TotalPortfolioUSD: decimal.NewFromInt(100000), ThreadID: "test-4",
	}

	// Script short's PlaceOrder to reject so Leg B placement fails outright.
	short.NextOrderBehavior(exchange.MockOrderBehavior{Reject: true})

	result, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.AbortReason, "LegBPlacementFailed")

	longPos, _ := long.GetPosition(context.Background(), "ETHUSD")
	require.True(t, longPos.Size.IsZero(), "rollback must flatten Leg A's fill")
}

// Scenario 5: a pre-existing position on Leg A's venue must not be
// mistaken for evidence that the new Leg A order filled.
func TestExecutePreExistingPositionIsNotFillEvidence(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	eng, long, short := newTestEngine(t, cfg)
	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))

	// A prior slice already left 168.2 units long on this venue.
	long.SetPosition("ETHUSD", types.SideLong, decimal.NewFromFloat(168.2))
	long.NextOrderBehavior(exchange.MockOrderBehavior{FillAfterPolls: 10000})

	req := Request{
		Symbol: "ETHUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(1),
		LongMarkPrice: decimal.NewFromInt(3000), ShortMarkPrice: decimal.NewFromInt(3000),
		TotalPortfolioUSD: decimal.NewFromInt(100000), ThreadID: "test-5",
	}

	result, err := eng.Execute(context.Background(), req)
	require.NoError(t, err)
	require.False(t, result.Success)
	require.Contains(t, result.AbortReason, "Leg A")

	shortPos, _ := short.GetPosition(context.Background(), "ETHUSD")
	require.True(t, shortPos.Size.IsZero(), "Leg B must never be placed off a stale pre-existing position")
}

// Scenario 6: dynamic slicing under time pressure bounds slice count by
// time-to-funding and reduces the per-slice fill timeout.
func TestExecuteDynamicSlicingUnderTimePressure(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.DynamicSlicing = true
	cfg.MinSlices = 2
	cfg.MaxSlices = 20
	cfg.SliceFillTimeout = 30 * time.Second
	cfg.FundingBuffer = 2 * time.Minute
	eng, long, short := newTestEngine(t, cfg)

	now := time.Now().UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(dayStart)
	period := elapsed + 4*time.Minute
	sched := types.FundingSchedule{Period: period}
	long.SetFundingSchedule("ETHUSD", sched)
	short.SetFundingSchedule("ETHUSD", sched)

	long.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))
	short.SetMarkPrice("ETHUSD", decimal.NewFromInt(3000))

	req := Request{
		Symbol: "ETHUSD", LongVenue: long, ShortVenue: short,
		RequestedSize: decimal.NewFromFloat(3),
		LongMarkPrice: decimal.NewFromInt(3000), ShortMarkPrice: decimal.NewFromInt(3000),
		TotalPortfolioUSD: decimal.NewFromInt(1000000), ThreadID: "test-6",
	}

	totalSlices, _, info := eng.dynamicSliceBound(req, cfg.SliceFillTimeout)
	require.LessOrEqual(t, totalSlices, 3)
	require.GreaterOrEqual(t, totalSlices, cfg.MinSlices)
	require.True(t, info.SliceTimeoutReduced)
}

// planSlices respects safety bounds even when they exceed maxSlices.
func TestPlanSlicesSafetyOverridesMaxSlices(t *testing.T) {
	t.Parallel()

	cfg := baseConfig()
	cfg.MaxUSDPerSlice = 1000
	cfg.MinSlices = 1
	cfg.MaxSlices = 2
	eng, _, _ := newTestEngine(t, cfg)

	req := Request{
		RequestedSize: decimal.NewFromInt(10),
		LongMarkPrice: decimal.NewFromInt(1000),
	}
	_, totalSlices := eng.planSlices(req)
	require.Equal(t, 10, totalSlices, "safety bound must win even though it exceeds maxSlices")
}
