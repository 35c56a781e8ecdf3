// Package evaluator scores funding-rate arbitrage opportunities and
// decides whether an open position should be rebalanced into a better
// one. The scoring idiom — a composite multiplicative score with a
// clamped liquidity factor — is adapted from the teacher's
// market.Scanner.rankMarkets (internal/market/scanner.go), generalized
// from "spread × √volume × liquidityFactor" over Gamma markets to
// "consistency × |avgRate| × liquidity / worstCaseBreakEvenHours" over
// funding-rate opportunities.
package evaluator

import (
	"math"

	"github.com/shopspring/decimal"
)

// Opportunity describes a candidate long/short funding-rate spread.
type Opportunity struct {
	Symbol            string
	LongVenue         string
	ShortVenue        string
	Spread            float64 // per-funding-period rate differential
	LongMarkPrice     decimal.Decimal
	ShortMarkPrice    decimal.Decimal
	LongOpenInterest  decimal.Decimal
	ShortOpenInterest decimal.Decimal
}

// Plan describes the execution plan being scored against an Opportunity.
type Plan struct {
	PositionSizeUSD decimal.Decimal
	EntryFeesUSD    decimal.Decimal
	ExitFeesUSD     decimal.Decimal
	SlippageUSD     decimal.Decimal
}

// HistoricalMetrics summarizes the funding-rate history backing an
// Opportunity's spread.
type HistoricalMetrics struct {
	AverageRate      float64
	StdDev           float64
	MinRate          float64
	MaxRate          float64
	ConsistencyScore float64 // 0..1, higher = more stable history
}

// Score is the evaluator's verdict for one opportunity/plan pair.
type Score struct {
	WorstCaseBreakEvenHours float64 // math.Inf(1) if unreachable
	LiquidityFactor         float64 // clamped 0..1
	Value                   float64 // 0 if rejected or unreachable
	Rejected                bool
	RejectReason            string
}

// defaultLiquidityFloor is returned when open interest data is
// unavailable on one or both venues.
const defaultLiquidityFloor = 0.1

// worstCaseBreakEvenHours estimates the hours needed to recoup total
// entry+exit+slippage cost at the worst (lowest-magnitude) historical
// rate. A non-positive worst-case spread means the position never earns
// back its cost at that rate, so break-even is infinite.
func worstCaseBreakEvenHours(worstSpread float64, positionSizeUSD decimal.Decimal) float64 {
	if worstSpread <= 0 {
		return math.Inf(1)
	}
	hourlyAtWorst := worstSpread * toFloat(positionSizeUSD)
	if hourlyAtWorst <= 0 {
		return math.Inf(1)
	}
	totalCost := toFloat(positionSizeUSD) // cost basis proxied by notional for the worst-case bound
	return totalCost / hourlyAtWorst
}

// liquidityFactor clamps a log-scaled open-interest proxy to [0, 1],
// falling back to defaultLiquidityFloor when OI data is missing or
// non-positive — matching the teacher's liquidity/10000 clamp but using
// a log scale so the factor degrades gracefully across OI magnitudes
// that can span many orders of size.
func liquidityFactor(longOI, shortOI decimal.Decimal) float64 {
	minOI := longOI
	if shortOI.LessThan(longOI) {
		minOI = shortOI
	}
	v := toFloat(minOI)
	if v <= 0 {
		return defaultLiquidityFloor
	}
	f := math.Log10(v/1000.0) / 10.0
	if f < 0 {
		return 0
	}
	if f > 1 {
		return 1
	}
	return f
}

// Evaluate scores an opportunity/plan pair against its historical
// metrics, rejecting it outright if the worst-case break-even horizon
// exceeds maxWorstCaseBreakEvenDays.
func Evaluate(opp Opportunity, plan Plan, hist HistoricalMetrics, maxWorstCaseBreakEvenDays float64) Score {
	worstHours := worstCaseBreakEvenHours(hist.MinRate, plan.PositionSizeUSD)
	liq := liquidityFactor(opp.LongOpenInterest, opp.ShortOpenInterest)

	score := Score{
		WorstCaseBreakEvenHours: worstHours,
		LiquidityFactor:         liq,
	}

	if math.IsInf(worstHours, 1) {
		score.Rejected = true
		score.RejectReason = "worst-case break-even is unreachable at historical worst rate"
		return score
	}

	if worstHours/24.0 > maxWorstCaseBreakEvenDays {
		score.Rejected = true
		score.RejectReason = "worst-case break-even exceeds configured horizon"
		return score
	}

	score.Value = hist.ConsistencyScore * math.Abs(hist.AverageRate) * liq / worstHours
	return score
}

// RebalanceCandidate bundles the state the rebalance decision needs for
// one side of the comparison (the currently held position, or the
// candidate replacing it).
type RebalanceCandidate struct {
	// InstantlyProfitable is true when the position's remaining
	// break-even horizon is already zero or negative.
	InstantlyProfitable bool
	// RemainingBreakEvenHours is math.Inf(1) when the position can
	// never reach break-even at its current rate.
	RemainingBreakEvenHours float64
}

// ShouldRebalance implements the six-case, first-match-wins rebalance
// decision: given the currently held position (p1) and a replacement
// candidate (p2), decide whether switching is worthwhile.
func ShouldRebalance(p1, p2 RebalanceCandidate) bool {
	switch {
	case p2.InstantlyProfitable:
		return true
	case p1.InstantlyProfitable:
		return false
	case math.IsInf(p1.RemainingBreakEvenHours, 1) && !math.IsInf(p2.RemainingBreakEvenHours, 1):
		return true
	case math.IsInf(p1.RemainingBreakEvenHours, 1) && math.IsInf(p2.RemainingBreakEvenHours, 1):
		return false
	case math.IsInf(p2.RemainingBreakEvenHours, 1):
		return false
	case p2.RemainingBreakEvenHours < p1.RemainingBreakEvenHours:
		return true
	default:
		return false
	}
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
