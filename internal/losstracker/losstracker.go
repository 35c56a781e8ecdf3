// Package losstracker implements the Position Loss Tracker: cost basis,
// fees paid/earned, cumulative P&L, and break-even arithmetic for live
// positions.
//
// The per-position entry/exit cost bookkeeping is adapted from the
// teacher's strategy.Inventory
// (internal/strategy/inventory.go's applyYesFill/applyNoFill), generalized
// from a binary YES/NO market's two fixed legs to an arbitrary
// (symbol, venue) keyed position.
package losstracker

import (
	"math"
	"sync"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// PositionKey identifies one live position.
type PositionKey struct {
	Symbol string
	Venue  types.Exchange
}

// BreakEven is the result of a break-even query for a live position.
type BreakEven struct {
	HourlyReturn           decimal.Decimal
	FeesEarnedSoFar        decimal.Decimal
	EstimatedExitCost       decimal.Decimal
	RemainingCost           decimal.Decimal
	RemainingBreakEvenHours float64 // math.Inf(1) if unreachable
}

// Unreachable reports whether this position can never reach break-even
// under the current funding rate (hourly return is non-positive).
func (b BreakEven) Unreachable() bool {
	return math.IsInf(b.RemainingBreakEvenHours, 1)
}

// Tracker holds the three append-mostly collections the spec describes:
// entries, exits, and currentPositions. All methods are safe for
// concurrent use.
type Tracker struct {
	mu       sync.RWMutex
	entries  []types.PositionEntry
	exits    []types.PositionExit
	current  map[PositionKey]types.PositionEntry
	store    Store
}

// New creates a Tracker. A nil store degrades to a purely in-memory
// tracker — persistence is best-effort per the spec's design notes.
func New(store Store) *Tracker {
	if store == nil {
		store = NewMemoryStore()
	}
	return &Tracker{
		current: make(map[PositionKey]types.PositionEntry),
		store:   store,
	}
}

// RecordPositionEntry creates a current position and appends a durable
// cost record. If a position is already open at this key, it is replaced
// (a caller that re-enters without exiting first loses the original
// entry's cost basis, which is the caller's mistake to avoid).
func (t *Tracker) RecordPositionEntry(symbol string, venue types.Exchange, entryCost, positionSizeUSD decimal.Decimal, ts time.Time) {
	symbol = types.NormalizeSymbol(symbol)
	entry := types.PositionEntry{
		Symbol:        symbol,
		Venue:         venue,
		EntryCost:     entryCost,
		PositionValue: positionSizeUSD,
		Timestamp:     ts,
	}

	t.mu.Lock()
	t.entries = append(t.entries, entry)
	t.current[PositionKey{Symbol: symbol, Venue: venue}] = entry
	t.mu.Unlock()

	_ = t.store.SaveEntry(entry)
}

// RecordPositionExit removes the current position at (symbol, venue) and
// appends an exit record with hoursHeld computed from the matching
// entry's timestamp. If no matching entry exists, hoursHeld is 0.
func (t *Tracker) RecordPositionExit(symbol string, venue types.Exchange, exitCost, realizedPnL decimal.Decimal, ts time.Time) types.PositionExit {
	symbol = types.NormalizeSymbol(symbol)
	key := PositionKey{Symbol: symbol, Venue: venue}

	t.mu.Lock()
	entry, ok := t.current[key]
	delete(t.current, key)
	var hoursHeld float64
	if ok {
		hoursHeld = ts.Sub(entry.Timestamp).Hours()
	}
	exit := types.PositionExit{
		Symbol:      symbol,
		Venue:       venue,
		ExitCost:    exitCost,
		RealizedPnL: realizedPnL,
		HoursHeld:   hoursHeld,
		Timestamp:   ts,
	}
	t.exits = append(t.exits, exit)
	t.mu.Unlock()

	_ = t.store.SaveExit(exit)
	return exit
}

// CurrentPosition returns the open cost record at (symbol, venue), if any.
func (t *Tracker) CurrentPosition(symbol string, venue types.Exchange) (types.PositionEntry, bool) {
	symbol = types.NormalizeSymbol(symbol)
	t.mu.RLock()
	defer t.mu.RUnlock()
	entry, ok := t.current[PositionKey{Symbol: symbol, Venue: venue}]
	return entry, ok
}

// FeesOutstanding returns the entry cost still outstanding for a position,
// treating a closed (or never-opened) position as zero.
func (t *Tracker) FeesOutstanding(symbol string, venue types.Exchange) decimal.Decimal {
	entry, ok := t.CurrentPosition(symbol, venue)
	if !ok {
		return decimal.Zero
	}
	return entry.EntryCost
}

// ComputeBreakEven evaluates the break-even arithmetic in §4.5: hourly
// return, fees earned so far, remaining cost, and remaining break-even
// hours, for a live position given its side, current funding rate (per
// funding period, signed per venue convention) and USD value.
func (t *Tracker) ComputeBreakEven(symbol string, venue types.Exchange, side types.Side, fundingRate float64, valueUSD decimal.Decimal, now time.Time) BreakEven {
	entry, ok := t.CurrentPosition(symbol, venue)

	sign := -1.0
	if side == types.SideShort {
		sign = 1.0
	}
	hourlyReturnF := sign * fundingRate * toFloat(valueUSD)
	hourlyReturn := decimal.NewFromFloat(hourlyReturnF)

	if hourlyReturnF <= 0 {
		return BreakEven{
			HourlyReturn:            hourlyReturn,
			RemainingBreakEvenHours: math.Inf(1),
		}
	}

	var hoursHeld float64
	var entryCost decimal.Decimal
	if ok {
		hoursHeld = now.Sub(entry.Timestamp).Hours()
		entryCost = entry.EntryCost
	}

	feesEarnedSoFar := hourlyReturn.Mul(decimal.NewFromFloat(hoursHeld))
	estimatedExitCost := entryCost // symmetric maker assumption
	remainingCost := entryCost.Add(estimatedExitCost).Sub(feesEarnedSoFar)

	if remainingCost.Sign() <= 0 {
		return BreakEven{
			HourlyReturn:      hourlyReturn,
			FeesEarnedSoFar:   feesEarnedSoFar,
			EstimatedExitCost: estimatedExitCost,
			RemainingCost:     remainingCost,
		}
	}

	remainingHours := toFloat(remainingCost) / hourlyReturnF
	return BreakEven{
		HourlyReturn:            hourlyReturn,
		FeesEarnedSoFar:         feesEarnedSoFar,
		EstimatedExitCost:       estimatedExitCost,
		RemainingCost:           remainingCost,
		RemainingBreakEvenHours: remainingHours,
	}
}

// SwitchingCost computes the total cost of closing p1 and opening p2:
// P1.exitCost + P2.entryCost + P2.exitCost + feesEarnedSoFar_on_P1. The
// last term is "lost progress" — fees already earned on P1 are forfeited
// because closing realizes them only against P1's own entry cost.
func (t *Tracker) SwitchingCost(p1ExitCost, p2EntryCost, p2ExitCost, p1FeesEarnedSoFar decimal.Decimal) decimal.Decimal {
	return p1ExitCost.Add(p2EntryCost).Add(p2ExitCost).Add(p1FeesEarnedSoFar)
}

// CumulativeLoss returns Σ entry costs + Σ exit costs + Σ realized P&L
// (signed), raw — negative means net loss.
func (t *Tracker) CumulativeLoss() decimal.Decimal {
	t.mu.RLock()
	defer t.mu.RUnlock()

	total := decimal.Zero
	for _, e := range t.entries {
		total = total.Add(e.EntryCost)
	}
	for _, x := range t.exits {
		total = total.Add(x.ExitCost).Add(x.RealizedPnL)
	}
	return total
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}
