// Package types holds the shared vocabulary for the funding-rate arbitrage
// keeper: venues, normalized symbols, orders, positions, and the result
// shapes the execution engine returns to its caller.
package types

import (
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// Exchange identifies one of the supported perpetual venues.
type Exchange string

const (
	ExchangeBinance     Exchange = "binance"
	ExchangeOnChainPerp Exchange = "onchainperp"
	ExchangeGenericREST Exchange = "genericrest"
	ExchangeMock        Exchange = "mock"
)

// FundingSchedule describes how often a venue pays funding and on what
// clock-aligned boundary, e.g. hourly on the hour, or every 8h at
// 00:00/08:00/16:00 UTC.
type FundingSchedule struct {
	Period time.Duration // duration between funding payments
}

// NextFundingAt returns the next funding boundary at or after now, assuming
// boundaries are aligned to UTC midnight plus integer multiples of Period.
func (f FundingSchedule) NextFundingAt(now time.Time) time.Time {
	if f.Period <= 0 {
		return now
	}
	now = now.UTC()
	dayStart := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, time.UTC)
	elapsed := now.Sub(dayStart)
	periods := elapsed / f.Period
	next := dayStart.Add((periods + 1) * f.Period)
	return next
}

// Side is long or short.
type Side string

const (
	SideLong  Side = "long"
	SideShort Side = "short"
)

// Opposite returns the other side of a hedge.
func (s Side) Opposite() Side {
	if s == SideLong {
		return SideShort
	}
	return SideLong
}

// NormalizeSymbol strips venue-specific suffixes and upper-cases the asset
// identifier so every component keys on the same canonical string. The
// normalization is total: callers must never key by a raw venue symbol.
func NormalizeSymbol(raw string) string {
	s := strings.ToUpper(strings.TrimSpace(raw))
	s = strings.TrimSuffix(s, "-PERP")
	s = strings.TrimSuffix(s, "_PERP")
	for _, suffix := range []string{"USDT", "USDC", "USD"} {
		if strings.HasSuffix(s, suffix) && len(s) > len(suffix) {
			s = strings.TrimSuffix(s, suffix)
			break
		}
	}
	return s
}

// OrderType is limit or market.
type OrderType string

const (
	OrderTypeLimit  OrderType = "limit"
	OrderTypeMarket OrderType = "market"
)

// TimeInForce mirrors the common venue enumerations.
type TimeInForce string

const (
	TimeInForceGTC TimeInForce = "GTC"
	TimeInForceIOC TimeInForce = "IOC"
	TimeInForceFOK TimeInForce = "FOK"
)

// OrderRequest is what a caller asks a venue adapter to place.
type OrderRequest struct {
	Symbol      string
	Side        Side
	Type        OrderType
	Size        decimal.Decimal
	LimitPrice  decimal.Decimal // zero value for market orders
	TIF         TimeInForce
	ReduceOnly  bool
}

// OrderStatus is the universal status enum every adapter must normalize
// venue-specific responses into.
type OrderStatus string

const (
	OrderStatusPlacing         OrderStatus = "placing"
	OrderStatusPlaced          OrderStatus = "placed"
	OrderStatusWaitingFill     OrderStatus = "waitingFill"
	OrderStatusPartiallyFilled OrderStatus = "partiallyFilled"
	OrderStatusFilled          OrderStatus = "filled"
	OrderStatusFailed          OrderStatus = "failed"
	OrderStatusCancelled       OrderStatus = "cancelled"
	OrderStatusRejected        OrderStatus = "rejected"
)

// IsTerminal reports whether the status leaves the active registry.
func (s OrderStatus) IsTerminal() bool {
	switch s {
	case OrderStatusFilled, OrderStatusFailed, OrderStatusCancelled, OrderStatusRejected:
		return true
	default:
		return false
	}
}

// OrderResponse is what placeOrder returns.
type OrderResponse struct {
	OrderID string
	Status  OrderStatus
}

// OrderStatusReport is what getOrderStatus returns.
type OrderStatusReport struct {
	Status      OrderStatus
	FilledSize  decimal.Decimal
	Price       decimal.Decimal
}

// ActiveOrder is one entry in the Lock & Order Registry's order table,
// keyed by (Venue, Symbol, Side).
type ActiveOrder struct {
	OrderID             string
	Symbol              string // normalized
	Venue               Exchange
	Side                Side
	OwnerThreadID       string
	PlacedAt            time.Time
	Status              OrderStatus
	Size                decimal.Decimal
	Price               decimal.Decimal
	ReduceOnly          bool
	InitialPositionSize *decimal.Decimal // venue-reported position just before placement, if known
}

// Key identifies the (venue, symbol, side) slot this order occupies.
func (a ActiveOrder) Key() OrderKey {
	return OrderKey{Venue: a.Venue, Symbol: a.Symbol, Side: a.Side}
}

// OrderKey is the registry's unique key for at-most-one-active-order.
type OrderKey struct {
	Venue  Exchange
	Symbol string
	Side   Side
}

// Position is a venue-reported open position.
type Position struct {
	Venue         Exchange
	Symbol        string // normalized
	Side          Side
	Size          decimal.Decimal // unsigned
	EntryPrice    decimal.Decimal
	MarkPrice     decimal.Decimal
	UnrealizedPnL decimal.Decimal
}

// PositionEntry is a cost record kept for the lifetime of an open position.
type PositionEntry struct {
	Symbol        string
	Venue         Exchange
	EntryCost     decimal.Decimal
	PositionValue decimal.Decimal // USD notional at entry
	Timestamp     time.Time
}

// PositionExit is appended to history when a position closes.
type PositionExit struct {
	Symbol      string
	Venue       Exchange
	ExitCost    decimal.Decimal
	RealizedPnL decimal.Decimal // signed; negative = loss
	HoursHeld   float64
	Timestamp   time.Time
}

// SliceResult records the outcome of one slice of a sliced execution.
type SliceResult struct {
	Ordinal      int
	LegAFilled   bool
	LegBFilled   bool
	LegAFillSize decimal.Decimal
	LegBFillSize decimal.Decimal
	LegAOrderID  string
	LegBOrderID  string
	Error        string // empty if the slice succeeded
}

// TimeToFundingInfo captures the dynamic-slicing decision for a run.
type TimeToFundingInfo struct {
	ConstrainedVenue    Exchange
	TimeToFundingMs     int64
	SliceTimeoutReduced bool
}

// SlicedExecutionResult is what the Sliced Execution Engine returns.
type SlicedExecutionResult struct {
	Success         bool
	TotalSlices     int
	SlicesCompleted int
	TotalLongFilled decimal.Decimal
	TotalShortFilled decimal.Decimal
	Slices          []SliceResult
	AbortReason     string
	TimeToFunding   *TimeToFundingInfo
}
