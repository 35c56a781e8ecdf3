// Package execution implements the Sliced Execution Engine: it divides a
// hedged two-venue order into N sequential slices, fills the constrained
// leg first on each slice, then sizes and fills the matching leg to the
// first leg's actual fill, with rollback on partial failure.
//
// It is grounded on the teacher's Engine orchestration style
// (internal/engine/engine.go's lifecycle and slot bookkeeping) generalized
// from "one goroutine per market quoting both sides continuously" to "one
// call per hedged trade, sliced sequentially," and on the retrieved
// other_examples arbitrage executors (s2ungeda-cexoms's
// ArbitrageExecutor.rollbackExecution: cancel the unfilled remainder,
// flatten the filled remainder with an opposite-side order) for the
// per-leg rollback shape.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/internal/config"
	"github.com/fundingkeeper/keeper/internal/eventbus"
	"github.com/fundingkeeper/keeper/internal/exchange"
	"github.com/fundingkeeper/keeper/internal/losstracker"
	"github.com/fundingkeeper/keeper/internal/metrics"
	"github.com/fundingkeeper/keeper/internal/ratelimiter"
	"github.com/fundingkeeper/keeper/internal/registry"
	"github.com/fundingkeeper/keeper/internal/retry"
	"github.com/fundingkeeper/keeper/pkg/types"
)

// Request is a hedged trade to execute: long on LongVenue, short on
// ShortVenue, for the given notional size in base units.
type Request struct {
	Symbol             string
	LongVenue          exchange.PerpExchange
	ShortVenue         exchange.PerpExchange
	RequestedSize      decimal.Decimal
	LongMarkPrice      decimal.Decimal
	ShortMarkPrice     decimal.Decimal
	TotalPortfolioUSD  decimal.Decimal
	ThreadID           string
}

// Engine is the Sliced Execution Engine. One Engine instance is shared
// across all symbols; per-symbol serialization comes from the Registry's
// symbol lock, not from anything in this type.
type Engine struct {
	cfg       config.ExecutionConfig
	registry  *registry.Registry
	limiter   *ratelimiter.Limiter
	losses    *losstracker.Tracker
	bus       *eventbus.Bus
	metrics   *metrics.Registry
	retry     retry.Policy
	logger    *slog.Logger
}

// New creates a Sliced Execution Engine. Order placements and
// cancellations go through retryCfg's bounded exponential backoff,
// retrying only the networkTransient VenueError classification — a
// rejected or fatal venue error is the caller's problem, not a
// connectivity hiccup to paper over. Order-status, position and
// mark-price reads are made once, without retry.
func New(cfg config.ExecutionConfig, retryCfg config.RetryConfig, reg *registry.Registry, limiter *ratelimiter.Limiter, losses *losstracker.Tracker, bus *eventbus.Bus, m *metrics.Registry, logger *slog.Logger) *Engine {
	policy := retry.Policy{
		MaxRetries:        retryCfg.MaxRetries,
		InitialDelay:      retryCfg.InitialDelay,
		MaxDelay:          retryCfg.MaxDelay,
		BackoffMultiplier: retryCfg.BackoffMultiplier,
		Classify:          isRetryableVenueError,
	}
	return &Engine{cfg: cfg, registry: reg, limiter: limiter, losses: losses, bus: bus, metrics: m, retry: policy, logger: logger.With("component", "execution")}
}

// isRetryableVenueError retries only network-transient venue failures —
// DNS errors, timeouts, connection resets, and 5xx responses the venue's
// own resty-level retry already exhausted. Rate limits, rejections, and
// fatal errors bubble immediately.
func isRetryableVenueError(err error) bool {
	var venueErr *types.VenueError
	return errors.As(err, &venueErr) && venueErr.Kind == types.VenueErrorNetworkTransient
}

// Execute runs a full sliced hedged execution for req, acquiring the
// symbol lock for the duration. The caller is expected to have already
// decided the opportunity is worth taking; Execute only concerns itself
// with getting the hedge on safely.
func (e *Engine) Execute(ctx context.Context, req Request) (types.SlicedExecutionResult, error) {
	var result types.SlicedExecutionResult
	err := e.registry.WithSymbolLock(ctx, req.Symbol, req.ThreadID, "sliced_execution", e.cfg.SliceFillTimeout*2, func(ctx context.Context) error {
		result = e.executeLocked(ctx, req)
		return nil
	})
	return result, err
}

func (e *Engine) executeLocked(ctx context.Context, req Request) types.SlicedExecutionResult {
	sliceSize, totalSlices := e.planSlices(req)
	fillTimeout := e.cfg.SliceFillTimeout
	var ttf *types.TimeToFundingInfo

	if e.cfg.DynamicSlicing {
		dynamicSlices, reducedTimeout, info := e.dynamicSliceBound(req, fillTimeout)
		if dynamicSlices < totalSlices {
			totalSlices = dynamicSlices
			sliceSize = req.RequestedSize.Div(decimal.NewFromInt(int64(totalSlices)))
		}
		fillTimeout = reducedTimeout
		ttf = &info
	}

	result := types.SlicedExecutionResult{TotalSlices: totalSlices, TimeToFunding: ttf}
	longMark, shortMark := req.LongMarkPrice, req.ShortMarkPrice

	remaining := req.RequestedSize
	for i := 1; i <= totalSlices; i++ {
		thisSliceSize := sliceSize
		if i == totalSlices {
			thisSliceSize = remaining // last slice absorbs rounding remainder
		}

		longMark, shortMark = e.refreshMarks(ctx, req, longMark, shortMark)

		sliceResult := e.runSlice(ctx, req, i, thisSliceSize, longMark, shortMark, fillTimeout)
		result.Slices = append(result.Slices, sliceResult)
		// Leg A is always the long-venue leg and Leg B the short-venue leg
		// in this design, so fills map directly onto the running totals.
		result.TotalLongFilled = result.TotalLongFilled.Add(sliceResult.LegAFillSize)
		result.TotalShortFilled = result.TotalShortFilled.Add(sliceResult.LegBFillSize)

		if sliceResult.Error != "" {
			result.AbortReason = sliceResult.Error
			e.publishAbort(ctx, req.Symbol, sliceResult.Error)
			e.observeSliceOutcome(false)
			break
		}

		imbalanceFraction := e.sliceImbalanceFraction(sliceResult, thisSliceSize)
		e.metrics.ObserveSliceImbalance(imbalanceFraction)

		if sliceResult.LegAFillSize.IsZero() || sliceResult.LegBFillSize.IsZero() {
			if !(sliceResult.LegAFillSize.IsZero() && sliceResult.LegBFillSize.IsZero()) {
				result.AbortReason = "one side completely failed"
				e.publishAbort(ctx, req.Symbol, result.AbortReason)
				e.observeSliceOutcome(false)
				break
			}
		} else if imbalanceFraction > e.cfg.MaxImbalancePercent {
			result.AbortReason = fmt.Sprintf("slice %d imbalance %.4f exceeds tolerance %.4f", i, imbalanceFraction, e.cfg.MaxImbalancePercent)
			e.publishAbort(ctx, req.Symbol, result.AbortReason)
			e.observeSliceOutcome(false)
			break
		} else if imbalanceFraction > 0 {
			e.logger.Warn("slice imbalance within tolerance", "symbol", req.Symbol, "slice", i, "fraction", imbalanceFraction)
		}

		result.SlicesCompleted = i
		e.observeSliceOutcome(true)
		remaining = remaining.Sub(sliceResult.LegAFillSize)

		if i < totalSlices {
			select {
			case <-time.After(e.cfg.InterSliceSleep):
			case <-ctx.Done():
				result.AbortReason = "context cancelled between slices"
				return result
			}
		}
	}

	if result.AbortReason == "" && result.SlicesCompleted == totalSlices {
		diff := result.TotalLongFilled.Sub(result.TotalShortFilled).Abs()
		tolerance := req.RequestedSize.Mul(decimal.NewFromFloat(e.cfg.FillDeltaTolerance))
		if diff.LessThan(tolerance) || diff.Equal(tolerance) {
			result.Success = true
		} else {
			result.AbortReason = fmt.Sprintf("overall hedge imbalance %s exceeds tolerance %s", diff.String(), tolerance.String())
		}
	}

	e.publishCompletion(ctx, req.Symbol, result)
	return result
}

// planSlices computes the safety-bounded slice size and count per the
// "Slice-count determination" rules: safety upper-bounds sliceSize, then
// minSlices/maxSlices bound count, except safety always wins over maxSlices.
func (e *Engine) planSlices(req Request) (decimal.Decimal, int) {
	notional := req.RequestedSize.Mul(req.LongMarkPrice)

	maxByPortfolio := decimal.NewFromFloat(math.MaxFloat64)
	if e.cfg.MaxPortfolioPctPerSlice > 0 && req.TotalPortfolioUSD.IsPositive() {
		maxByPortfolio = req.TotalPortfolioUSD.Mul(decimal.NewFromFloat(e.cfg.MaxPortfolioPctPerSlice))
	}
	maxByUSD := decimal.NewFromFloat(math.MaxFloat64)
	if e.cfg.MaxUSDPerSlice > 0 {
		maxByUSD = decimal.NewFromFloat(e.cfg.MaxUSDPerSlice)
	}
	maxSliceNotional := decimal.Min(maxByPortfolio, maxByUSD)

	minSlicesBySafety := 1
	if maxSliceNotional.IsPositive() && notional.IsPositive() {
		ratio := notional.Div(maxSliceNotional)
		minSlicesBySafety = int(ratio.Ceil().IntPart())
		if minSlicesBySafety < 1 {
			minSlicesBySafety = 1
		}
	}

	totalSlices := e.cfg.MinSlices
	if minSlicesBySafety > totalSlices {
		totalSlices = minSlicesBySafety
	}
	if totalSlices > e.cfg.MaxSlices && minSlicesBySafety <= e.cfg.MaxSlices {
		totalSlices = e.cfg.MaxSlices
	}
	if minSlicesBySafety > e.cfg.MaxSlices {
		totalSlices = minSlicesBySafety // safety wins over maxSlices
	}
	if totalSlices < 1 {
		totalSlices = 1
	}

	sliceSize := req.RequestedSize.Div(decimal.NewFromInt(int64(totalSlices)))
	return sliceSize, totalSlices
}

// dynamicSliceBound computes the time-to-funding-constrained slice count
// and a possibly-reduced fill timeout, per "Optional dynamic slicing."
func (e *Engine) dynamicSliceBound(req Request, fillTimeout time.Duration) (int, time.Duration, types.TimeToFundingInfo) {
	now := time.Now()
	longSchedule, err := req.LongVenue.GetFundingSchedule(context.Background(), req.Symbol)
	longNext := now
	if err == nil {
		longNext = longSchedule.NextFundingAt(now)
	}
	shortSchedule, err := req.ShortVenue.GetFundingSchedule(context.Background(), req.Symbol)
	shortNext := now
	if err == nil {
		shortNext = shortSchedule.NextFundingAt(now)
	}

	constrainedVenue := req.LongVenue.ExchangeType()
	timeToFunding := longNext.Sub(now)
	if shortNext.Sub(now) < timeToFunding {
		timeToFunding = shortNext.Sub(now)
		constrainedVenue = req.ShortVenue.ExchangeType()
	}

	info := types.TimeToFundingInfo{ConstrainedVenue: constrainedVenue, TimeToFundingMs: timeToFunding.Milliseconds()}

	reducedTimeout := fillTimeout
	if timeToFunding < 5*time.Minute {
		timeoutCap := 15 * time.Second
		if reducedTimeout > timeoutCap {
			reducedTimeout = timeoutCap
			info.SliceTimeoutReduced = true
		}
	}

	available := timeToFunding - e.cfg.FundingBuffer
	if available <= 0 {
		e.logger.Warn("dynamic slicing: no time available before funding boundary, using minSlices", "symbol", req.Symbol, "time_to_funding", timeToFunding)
		return e.cfg.MinSlices, reducedTimeout, info
	}

	perSlice := fillTimeout + 500*time.Millisecond
	maxByTime := int(available / perSlice)
	if maxByTime < e.cfg.MinSlices {
		maxByTime = e.cfg.MinSlices
	}
	if maxByTime > e.cfg.MaxSlices {
		maxByTime = e.cfg.MaxSlices
	}
	return maxByTime, reducedTimeout, info
}

func (e *Engine) refreshMarks(ctx context.Context, req Request, fallbackLong, fallbackShort decimal.Decimal) (decimal.Decimal, decimal.Decimal) {
	longMark := fallbackLong
	if p, err := req.LongVenue.GetMarkPrice(ctx, req.Symbol); err == nil {
		longMark = p
	}
	shortMark := fallbackShort
	if p, err := req.ShortVenue.GetMarkPrice(ctx, req.Symbol); err == nil {
		shortMark = p
	}
	return longMark, shortMark
}

// leg bundles one venue/side's request context for a slice.
type leg struct {
	venue exchange.PerpExchange
	side  types.Side
}

// runSlice executes the 8-step per-slice protocol. Leg A is always the
// long-venue leg in this design (the venue passed as LongVenue is treated
// as the constrained venue, matching the reference's "one specific venue
// is always first when present" rule).
func (e *Engine) runSlice(ctx context.Context, req Request, ordinal int, sliceSize, longMark, shortMark decimal.Decimal, fillTimeout time.Duration) types.SliceResult {
	result := types.SliceResult{Ordinal: ordinal}

	legA := leg{venue: req.LongVenue, side: types.SideLong}
	legB := leg{venue: req.ShortVenue, side: types.SideShort}
	legAMark, legBMark := longMark, shortMark

	legAKey := types.OrderKey{Venue: legA.venue.ExchangeType(), Symbol: req.Symbol, Side: legA.side}
	if err := e.limiter.Acquire(ctx, string(legA.venue.ExchangeType()), 1, ratelimiter.PriorityHigh, "place_order"); err != nil {
		result.Error = fmt.Sprintf("LegAPlacementFailed: rate limiter: %v", err)
		return result
	}

	initialPos, _ := legA.venue.GetPosition(ctx, req.Symbol)
	initialPositionSize := initialPos.Size

	var legAResp types.OrderResponse
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		legAResp, err = legA.venue.PlaceOrder(ctx, types.OrderRequest{
			Symbol: req.Symbol, Side: legA.side, Type: types.OrderTypeLimit, Size: sliceSize, LimitPrice: legAMark,
		})
		return err
	})
	if err != nil {
		result.Error = fmt.Sprintf("LegAPlacementFailed: %v", err)
		return result
	}
	result.LegAOrderID = legAResp.OrderID

	placedOrder := types.ActiveOrder{
		OrderID: legAResp.OrderID, Symbol: req.Symbol, Venue: legA.venue.ExchangeType(), Side: legA.side,
		OwnerThreadID: req.ThreadID, PlacedAt: time.Now(), Status: legAResp.Status, Size: sliceSize,
		Price: legAMark, InitialPositionSize: &initialPositionSize,
	}
	e.registry.RegisterOrderPlacing(placedOrder)
	e.publishOrderRegistered(ctx, placedOrder)

	legAFilled, legAFillSize := e.pollFill(ctx, legA.venue, req.Symbol, legAResp.OrderID, sliceSize, initialPositionSize, fillTimeout)
	e.registry.UpdateOrderStatus(legAKey, terminalStatus(legAFilled), &legAFillSize, nil)

	if legAFillSize.IsZero() {
		_ = e.retry.Do(ctx, func(ctx context.Context) error { return legA.venue.CancelOrder(ctx, req.Symbol, legAResp.OrderID) })
		result.Error = "LegAFillTimeout: Leg A did not fill within the slice timeout"
		return result
	}

	minFill := sliceSize.Mul(decimal.NewFromFloat(e.cfg.LegAMinFillFraction))
	if legAFillSize.LessThan(minFill) {
		_ = e.retry.Do(ctx, func(ctx context.Context) error { return legA.venue.CancelOrder(ctx, req.Symbol, legAResp.OrderID) })
		result.LegAFilled = true
		result.LegAFillSize = legAFillSize
		result.Error = fmt.Sprintf("LegAFillTimeout: Leg A filled only %s of %s, below minimum fraction", legAFillSize.String(), sliceSize.String())
		return result
	}
	if !legAFilled {
		// Partial fill at or above the minimum fraction: cancel the unfilled
		// remainder and hedge what did fill.
		_ = e.retry.Do(ctx, func(ctx context.Context) error { return legA.venue.CancelOrder(ctx, req.Symbol, legAResp.OrderID) })
	}
	result.LegAFilled = true
	result.LegAFillSize = legAFillSize
	e.recordEntry(req, legA, legAFillSize, legAMark)

	if err := e.limiter.Acquire(ctx, string(legB.venue.ExchangeType()), 1, ratelimiter.PriorityHigh, "place_order"); err != nil {
		e.rollbackLegA(ctx, req, legA, legAFillSize, &result)
		return result
	}

	legBKey := types.OrderKey{Venue: legB.venue.ExchangeType(), Symbol: req.Symbol, Side: legB.side}
	legBInitialPos, _ := legB.venue.GetPosition(ctx, req.Symbol)
	var legBResp types.OrderResponse
	err = e.retry.Do(ctx, func(ctx context.Context) error {
		var err error
		legBResp, err = legB.venue.PlaceOrder(ctx, types.OrderRequest{
			Symbol: req.Symbol, Side: legB.side, Type: types.OrderTypeLimit, Size: legAFillSize, LimitPrice: legBMark,
		})
		return err
	})
	if err != nil {
		result.Error = fmt.Sprintf("LegBPlacementFailed: %v", err)
		e.rollbackLegA(ctx, req, legA, legAFillSize, &result)
		return result
	}
	result.LegBOrderID = legBResp.OrderID

	e.registry.RegisterOrderPlacing(types.ActiveOrder{
		OrderID: legBResp.OrderID, Symbol: req.Symbol, Venue: legB.venue.ExchangeType(), Side: legB.side,
		OwnerThreadID: req.ThreadID, PlacedAt: time.Now(), Status: legBResp.Status, Size: legAFillSize,
		Price: legBMark, InitialPositionSize: &legBInitialPos.Size,
	})

	legBFilled, legBFillSize := e.pollFill(ctx, legB.venue, req.Symbol, legBResp.OrderID, legAFillSize, legBInitialPos.Size, fillTimeout)
	e.registry.UpdateOrderStatus(legBKey, terminalStatus(legBFilled), &legBFillSize, nil)

	result.LegBFilled = legBFilled
	result.LegBFillSize = legBFillSize

	if !legBFilled || legBFillSize.LessThan(legAFillSize) {
		_ = e.retry.Do(ctx, func(ctx context.Context) error { return legB.venue.CancelOrder(ctx, req.Symbol, legBResp.OrderID) })
		unhedged := legAFillSize.Sub(legBFillSize)
		if unhedged.IsPositive() {
			e.rollbackLegA(ctx, req, legA, unhedged, &result)
			return result
		}
	}
	e.recordEntry(req, legB, legBFillSize, legBMark)

	return result
}

// rollbackLegA places a reduceOnly market order on Leg A's venue, sized to
// the unhedged quantity, per "Roll back Leg A by the unhedged quantity."
// ReduceOnly orders are keyed by the side of the position being closed
// (the adapters translate that into the opposite trade direction), so
// this keeps legA.side rather than flipping it. On failure it marks the
// symbol single-leg outstanding.
func (e *Engine) rollbackLegA(ctx context.Context, req Request, legA leg, unhedgedSize decimal.Decimal, result *types.SliceResult) {
	err := e.retry.Do(ctx, func(ctx context.Context) error {
		_, err := legA.venue.PlaceOrder(ctx, types.OrderRequest{
			Symbol: req.Symbol, Side: legA.side, Type: types.OrderTypeMarket, Size: unhedgedSize, ReduceOnly: true,
		})
		return err
	})
	if err != nil {
		e.logger.Error("rollback failed, symbol left single-leg outstanding", "symbol", req.Symbol, "venue", legA.venue.ExchangeType(), "error", err)
		result.Error = (&types.RollbackFailedError{Symbol: req.Symbol, Venue: legA.venue.ExchangeType(), Cause: err}).Error()
		e.bus.Publish(ctx, eventbus.Event{EventType: eventbus.EventRollbackFailed, Payload: map[string]any{"symbol": req.Symbol, "venue": legA.venue.ExchangeType()}})
		return
	}
	if result.Error == "" {
		result.Error = "LegBPlacementFailed: rolled back Leg A"
	}
}

// pollFill implements the four-rule fill detection: terminal filled status,
// partially_filled with an updated size, terminal cancelled/rejected, and —
// on status query error only — a position-delta fallback that explicitly
// excludes any pre-existing position from counting as evidence of a fill.
func (e *Engine) pollFill(ctx context.Context, venue exchange.PerpExchange, symbol, orderID string, expectedSize, initialPositionSize decimal.Decimal, timeout time.Duration) (bool, decimal.Decimal) {
	deadline := time.Now().Add(timeout)
	lastFillSize := decimal.Zero

	for {
		report, err := venue.GetOrderStatus(ctx, symbol, orderID)
		if err == nil {
			switch report.Status {
			case types.OrderStatusFilled:
				return true, report.FilledSize
			case types.OrderStatusPartiallyFilled:
				lastFillSize = report.FilledSize
			case types.OrderStatusCancelled, types.OrderStatusRejected, types.OrderStatusFailed:
				return false, lastFillSize
			}
		} else {
			pos, posErr := venue.GetPosition(ctx, symbol)
			if posErr == nil {
				delta := pos.Size.Sub(initialPositionSize).Abs()
				threshold := expectedSize.Mul(decimal.NewFromFloat(0.95))
				if delta.GreaterThanOrEqual(threshold) {
					return true, delta
				}
			}
		}

		if time.Now().After(deadline) {
			return false, lastFillSize
		}
		select {
		case <-time.After(e.cfg.FillCheckInterval):
		case <-ctx.Done():
			return false, lastFillSize
		}
	}
}

func terminalStatus(filled bool) types.OrderStatus {
	if filled {
		return types.OrderStatusFilled
	}
	return types.OrderStatusCancelled
}

func (e *Engine) recordEntry(req Request, l leg, size, price decimal.Decimal) {
	if e.losses == nil {
		return
	}
	entryCost := size.Mul(price)
	e.losses.RecordPositionEntry(req.Symbol, l.venue.ExchangeType(), entryCost, size.Mul(price), time.Now())
}

func (e *Engine) sliceImbalanceFraction(sliceResult types.SliceResult, sliceSize decimal.Decimal) float64 {
	if sliceSize.IsZero() {
		return 0
	}
	diff := sliceResult.LegAFillSize.Sub(sliceResult.LegBFillSize).Abs()
	f, _ := diff.Div(sliceSize).Float64()
	return f
}

func (e *Engine) observeSliceOutcome(success bool) {
	if success {
		e.metrics.ObserveSlice("completed")
	} else {
		e.metrics.ObserveSlice("aborted")
	}
}

func (e *Engine) publishAbort(ctx context.Context, symbol, reason string) {
	e.metrics.ObserveExecutionAbort(reason)
	e.bus.Publish(ctx, eventbus.Event{EventType: eventbus.EventSingleLegDetected, Payload: map[string]any{"symbol": symbol, "reason": reason}})
}

func (e *Engine) publishOrderRegistered(ctx context.Context, order types.ActiveOrder) {
	e.bus.Publish(ctx, eventbus.Event{EventType: eventbus.EventOrderRegistered, Payload: order})
}

func (e *Engine) publishCompletion(ctx context.Context, symbol string, result types.SlicedExecutionResult) {
	e.bus.Publish(ctx, eventbus.Event{EventType: eventbus.EventExecutionCompleted, Payload: map[string]any{"symbol": symbol, "result": result}})
}
