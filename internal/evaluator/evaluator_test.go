package evaluator

import (
	"math"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"
)

func TestEvaluateRejectsWhenWorstCaseExceedsHorizon(t *testing.T) {
	t.Parallel()

	opp := Opportunity{
		Symbol:            "BTCUSDT",
		LongOpenInterest:  decimal.NewFromFloat(50000),
		ShortOpenInterest: decimal.NewFromFloat(50000),
	}
	plan := Plan{PositionSizeUSD: decimal.NewFromFloat(10000)}
	hist := HistoricalMetrics{AverageRate: 0.00001, MinRate: 0.000001, ConsistencyScore: 0.8}

	score := Evaluate(opp, plan, hist, 7) // 7-day horizon
	require.True(t, score.Rejected)
	require.NotEmpty(t, score.RejectReason)
}

func TestEvaluateRejectsWhenWorstCaseUnreachable(t *testing.T) {
	t.Parallel()

	opp := Opportunity{LongOpenInterest: decimal.NewFromFloat(50000), ShortOpenInterest: decimal.NewFromFloat(50000)}
	plan := Plan{PositionSizeUSD: decimal.NewFromFloat(10000)}
	hist := HistoricalMetrics{AverageRate: 0.0001, MinRate: -0.0001, ConsistencyScore: 0.8}

	score := Evaluate(opp, plan, hist, 30)
	require.True(t, score.Rejected)
	require.True(t, math.IsInf(score.WorstCaseBreakEvenHours, 1))
}

func TestEvaluateAcceptsReasonableOpportunity(t *testing.T) {
	t.Parallel()

	opp := Opportunity{LongOpenInterest: decimal.NewFromFloat(1000000), ShortOpenInterest: decimal.NewFromFloat(1000000)}
	plan := Plan{PositionSizeUSD: decimal.NewFromFloat(10000)}
	hist := HistoricalMetrics{AverageRate: 0.001, MinRate: 0.0005, ConsistencyScore: 0.9}

	score := Evaluate(opp, plan, hist, 30)
	require.False(t, score.Rejected)
	require.Greater(t, score.Value, 0.0)
}

func TestLiquidityFactorFallsBackWhenOpenInterestMissing(t *testing.T) {
	t.Parallel()

	f := liquidityFactor(decimal.Zero, decimal.NewFromFloat(1000000))
	require.Equal(t, defaultLiquidityFloor, f)
}

func TestLiquidityFactorClampsToOne(t *testing.T) {
	t.Parallel()

	f := liquidityFactor(decimal.NewFromFloat(1e12), decimal.NewFromFloat(1e12))
	require.LessOrEqual(t, f, 1.0)
	require.GreaterOrEqual(t, f, 0.0)
}

func TestShouldRebalanceSixCaseOrdering(t *testing.T) {
	t.Parallel()

	inf := math.Inf(1)

	// Case 1: P2 instantly profitable -> rebalance, regardless of P1 state.
	require.True(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: 10},
		RebalanceCandidate{InstantlyProfitable: true, RemainingBreakEvenHours: 0},
	))

	// Case 2: P1 already profitable -> skip.
	require.False(t, ShouldRebalance(
		RebalanceCandidate{InstantlyProfitable: true, RemainingBreakEvenHours: 0},
		RebalanceCandidate{RemainingBreakEvenHours: 1},
	))

	// Case 3: P1 infinite, P2 finite -> rebalance.
	require.True(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: inf},
		RebalanceCandidate{RemainingBreakEvenHours: 5},
	))

	// Case 4: both infinite -> skip.
	require.False(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: inf},
		RebalanceCandidate{RemainingBreakEvenHours: inf},
	))

	// Case 5: P2 infinite (P1 finite) -> skip.
	require.False(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: 5},
		RebalanceCandidate{RemainingBreakEvenHours: inf},
	))

	// Case 6: P2's ttbe < P1's remaining ttbe -> rebalance; else skip.
	require.True(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: 10},
		RebalanceCandidate{RemainingBreakEvenHours: 3},
	))
	require.False(t, ShouldRebalance(
		RebalanceCandidate{RemainingBreakEvenHours: 10},
		RebalanceCandidate{RemainingBreakEvenHours: 15},
	))
}
