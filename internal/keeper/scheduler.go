// Package keeper implements the periodic scheduler spec.md §2 describes as
// sitting outside the core subsystem: "a scheduler periodically asks the
// Evaluator for the best opportunity or rebalance decision; when one is
// chosen, the Execution Engine acquires a symbol lock [and] iterates
// slices." It wires the Opportunity Evaluator's pure scoring functions to
// live venue adapters and the Sliced Execution Engine.
//
// Its background-goroutine-with-stop-channel lifecycle is grounded on the
// teacher's Engine (internal/engine/engine.go's Start/Stop and per-market
// goroutine management), generalized from "one goroutine per active
// market" to "one goroutine ticking over the configured symbol list."
package keeper

import (
	"context"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/internal/api"
	"github.com/fundingkeeper/keeper/internal/config"
	"github.com/fundingkeeper/keeper/internal/eventbus"
	"github.com/fundingkeeper/keeper/internal/evaluator"
	"github.com/fundingkeeper/keeper/internal/exchange"
	"github.com/fundingkeeper/keeper/internal/execution"
	"github.com/fundingkeeper/keeper/internal/historical"
	"github.com/fundingkeeper/keeper/internal/losstracker"
	"github.com/fundingkeeper/keeper/internal/registry"
	"github.com/fundingkeeper/keeper/internal/risk"
	"github.com/fundingkeeper/keeper/pkg/types"
)

// Fee and sizing assumptions the scheduler applies when it builds an
// evaluator.Plan for the Evaluator. These are deliberately conservative
// fixed estimates — the per-venue fee schedules and dynamic position
// sizing that a production deployment would use are out of scope here
// (spec.md's Non-goals exclude funding forecasting and venue-specific
// protocol fidelity beyond what exercises the core).
const (
	positionFractionOfEquity = 0.1
	takerFeeRate             = 0.0004
	slippageRate             = 0.0002
	historicalLookback       = 24 * time.Hour
)

// Scheduler periodically scans the configured symbols across every venue
// pair, scores the resulting opportunities with the Opportunity Evaluator,
// and hands the best accepted one to the Sliced Execution Engine.
type Scheduler struct {
	cfg       config.Config
	venues    map[string]exchange.PerpExchange
	hist      historical.Service
	executor  *execution.Engine
	guard     *risk.Guard
	losses    *losstracker.Tracker
	registry  *registry.Registry
	bus       *eventbus.Bus
	logger    *slog.Logger

	mu              sync.RWMutex
	lastExecutionAt time.Time
	positions       map[string]openPosition // symbol -> currently held venue pairing

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// openPosition records which venue pairing a symbol is currently hedged
// across, so evaluateSymbol can weigh switching into a newly-scored
// candidate against the cost of tearing down what's already open.
type openPosition struct {
	longVenue, shortVenue string
	fundingRate           float64 // spread observed at entry, used as a static proxy for the live rate
	positionSizeUSD       decimal.Decimal
}

// New creates a Scheduler. venues must contain at least two entries keyed
// by the venue names used in cfg.Venues.
func New(cfg config.Config, venues map[string]exchange.PerpExchange, hist historical.Service, executor *execution.Engine, guard *risk.Guard, losses *losstracker.Tracker, reg *registry.Registry, bus *eventbus.Bus, logger *slog.Logger) *Scheduler {
	return &Scheduler{
		cfg:       cfg,
		venues:    venues,
		hist:      hist,
		executor:  executor,
		guard:     guard,
		losses:    losses,
		registry:  reg,
		bus:       bus,
		logger:    logger.With("component", "keeper"),
		positions: make(map[string]openPosition),
		stopCh:    make(chan struct{}),
	}
}

// Start launches the scheduling loop in the background. Stop, or
// cancelling ctx, ends it.
func (s *Scheduler) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.run(ctx)
}

// Stop signals the loop to exit and waits for it to do so.
func (s *Scheduler) Stop() {
	close(s.stopCh)
	s.wg.Wait()
}

func (s *Scheduler) run(ctx context.Context) {
	defer s.wg.Done()

	interval := s.cfg.PollInterval
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stopCh:
			return
		case <-ticker.C:
			s.tick(ctx)
		}
	}
}

func (s *Scheduler) tick(ctx context.Context) {
	if s.guard.IsKillSwitchActive() {
		s.logger.Warn("kill switch active, skipping scan")
		return
	}
	s.reconcile(ctx)
	for _, symbol := range s.cfg.Symbols {
		s.evaluateSymbol(ctx, symbol)
	}
}

// reconcile re-reads venue position state for every symbol that isn't
// still within the post-execution cooldown the registry tracks. Symbols
// whose last execution completed recently are skipped: their venue state
// is presumed consistent with what execution just left it in, and
// hammering venue APIs to re-check it would buy nothing.
func (s *Scheduler) reconcile(ctx context.Context) {
	for _, symbol := range s.cfg.Symbols {
		if _, withinCooldown := s.registry.LastExecutionCompletedAt(symbol); withinCooldown {
			continue
		}
		s.reconcileSymbol(ctx, symbol)
	}
}

// reconcileSymbol sums reported position size by side across every venue
// and flags a single-leg drift (one side open without its hedge) the same
// way the execution engine's own imbalance check does.
func (s *Scheduler) reconcileSymbol(ctx context.Context, symbol string) {
	var longSize, shortSize decimal.Decimal
	var sawPosition bool

	for _, v := range s.venues {
		pos, err := v.GetPosition(ctx, symbol)
		if err != nil || pos.Size.IsZero() {
			continue
		}
		sawPosition = true
		switch pos.Side {
		case types.SideLong:
			longSize = longSize.Add(pos.Size)
		case types.SideShort:
			shortSize = shortSize.Add(pos.Size)
		}
	}
	if !sawPosition {
		return
	}

	imbalance := longSize.Sub(shortSize).Abs()
	larger := decimal.Max(longSize, shortSize)
	tolerance := larger.Mul(decimal.NewFromFloat(s.cfg.Execution.FillDeltaTolerance))
	if imbalance.LessThanOrEqual(tolerance) {
		return
	}

	s.logger.Warn("reconciliation detected single-leg drift", "symbol", symbol, "long_size", longSize.String(), "short_size", shortSize.String())
	s.bus.Publish(ctx, eventbus.Event{
		EventType: eventbus.EventSingleLegDetected,
		Payload:   map[string]any{"symbol": symbol, "long_size": longSize.String(), "short_size": shortSize.String(), "source": "reconciliation"},
	})
}

type candidate struct {
	longName, shortName string
	long, short         exchange.PerpExchange
	opp                 evaluator.Opportunity
	plan                evaluator.Plan
	score               evaluator.Score
}

// evaluateSymbol scores every ordered venue pair for symbol and executes
// the best accepted candidate, if any.
func (s *Scheduler) evaluateSymbol(ctx context.Context, symbol string) {
	names := make([]string, 0, len(s.venues))
	for name := range s.venues {
		names = append(names, name)
	}
	sort.Strings(names)

	var best *candidate
	for _, longName := range names {
		for _, shortName := range names {
			if longName == shortName {
				continue
			}
			c, ok := s.buildCandidate(ctx, symbol, longName, shortName)
			if !ok || c.score.Rejected {
				continue
			}
			if best == nil || c.score.Value > best.score.Value {
				best = c
			}
		}
	}

	if best == nil {
		return
	}

	s.mu.RLock()
	existing, hasExisting := s.positions[symbol]
	s.mu.RUnlock()

	if hasExisting && existing.longVenue == best.longName && existing.shortVenue == best.shortName {
		return // already holding the best-scored pairing, nothing to do
	}

	p1, p2 := s.rebalanceCandidates(*best, existing, hasExisting)
	if !evaluator.ShouldRebalance(p1, p2) {
		return
	}

	s.execute(ctx, *best)
}

// rebalanceCandidates builds the evaluator.RebalanceCandidate pair for the
// six-case rebalance decision: p1 is whatever is currently held for this
// symbol (infinite break-even if nothing is), p2 is the newly-scored
// candidate c, its cost basis loaded with the switching cost of tearing
// down p1 when one is held.
func (s *Scheduler) rebalanceCandidates(c candidate, existing openPosition, hasExisting bool) (evaluator.RebalanceCandidate, evaluator.RebalanceCandidate) {
	p1 := evaluator.RebalanceCandidate{RemainingBreakEvenHours: math.Inf(1)}
	switchingCost := decimal.Zero

	if hasExisting {
		longVenue := existing.longVenue
		if v, ok := s.venues[longVenue]; ok {
			// The combined hedge is scored as a synthetic short-funding
			// position: side=Short makes a positive spread at entry read as
			// a positive hourly return regardless of which physical leg is
			// long, matching how evaluator.Opportunity.Spread is signed.
			be1 := s.losses.ComputeBreakEven(c.opp.Symbol, v.ExchangeType(), types.SideShort, existing.fundingRate, existing.positionSizeUSD, time.Now())
			p1 = evaluator.RebalanceCandidate{
				InstantlyProfitable:     !be1.Unreachable() && be1.RemainingBreakEvenHours <= 0,
				RemainingBreakEvenHours: be1.RemainingBreakEvenHours,
			}
			switchingCost = s.losses.SwitchingCost(be1.EstimatedExitCost, c.plan.EntryFeesUSD, c.plan.ExitFeesUSD, be1.FeesEarnedSoFar)
		}
	}

	p2HourlyReturn := c.opp.Spread * toFloat(c.plan.PositionSizeUSD)
	p2TotalCost := c.plan.EntryFeesUSD.Add(c.plan.ExitFeesUSD).Add(c.plan.SlippageUSD).Add(switchingCost)
	p2 := evaluator.RebalanceCandidate{RemainingBreakEvenHours: math.Inf(1)}
	if p2HourlyReturn > 0 {
		p2.InstantlyProfitable = p2TotalCost.Sign() <= 0
		p2.RemainingBreakEvenHours = toFloat(p2TotalCost) / p2HourlyReturn
	}
	return p1, p2
}

func toFloat(d decimal.Decimal) float64 {
	f, _ := d.Float64()
	return f
}

func (s *Scheduler) buildCandidate(ctx context.Context, symbol, longName, shortName string) (*candidate, bool) {
	long, short := s.venues[longName], s.venues[shortName]

	longMark, err := long.GetMarkPrice(ctx, symbol)
	if err != nil {
		s.logger.Warn("mark price unavailable", "venue", longName, "symbol", symbol, "error", err)
		return nil, false
	}
	shortMark, err := short.GetMarkPrice(ctx, symbol)
	if err != nil {
		s.logger.Warn("mark price unavailable", "venue", shortName, "symbol", symbol, "error", err)
		return nil, false
	}
	longOI, _ := long.GetOpenInterest(ctx, symbol)
	shortOI, _ := short.GetOpenInterest(ctx, symbol)

	spread, err := s.hist.GetAverageSpread(ctx, longName, shortName, symbol, historicalLookback)
	if err != nil {
		return nil, false
	}
	hist, err := s.hist.GetSpreadVolatilityMetrics(ctx, longName, shortName, symbol, historicalLookback)
	if err != nil {
		return nil, false
	}

	equity, err := long.GetEquity(ctx)
	if err != nil {
		s.logger.Warn("equity unavailable", "venue", longName, "error", err)
		return nil, false
	}

	positionSizeUSD := equity.Mul(decimal.NewFromFloat(positionFractionOfEquity))
	if !positionSizeUSD.IsPositive() {
		return nil, false
	}

	plan := evaluator.Plan{
		PositionSizeUSD: positionSizeUSD,
		EntryFeesUSD:    positionSizeUSD.Mul(decimal.NewFromFloat(takerFeeRate)),
		ExitFeesUSD:     positionSizeUSD.Mul(decimal.NewFromFloat(takerFeeRate)),
		SlippageUSD:     positionSizeUSD.Mul(decimal.NewFromFloat(slippageRate)),
	}
	opp := evaluator.Opportunity{
		Symbol:            symbol,
		LongVenue:         longName,
		ShortVenue:        shortName,
		Spread:            spread,
		LongMarkPrice:     longMark,
		ShortMarkPrice:    shortMark,
		LongOpenInterest:  longOI,
		ShortOpenInterest: shortOI,
	}
	score := evaluator.Evaluate(opp, plan, hist, s.cfg.Evaluator.MaxWorstCaseBreakEvenDays)

	return &candidate{
		longName: longName, shortName: shortName,
		long: long, short: short,
		opp: opp, plan: plan, score: score,
	}, true
}

func (s *Scheduler) execute(ctx context.Context, c candidate) {
	totalPortfolio, err := s.totalPortfolioValue(ctx)
	if err != nil {
		s.logger.Warn("portfolio valuation unavailable, skipping execution", "error", err)
		return
	}

	req := execution.Request{
		Symbol:            c.opp.Symbol,
		LongVenue:         c.long,
		ShortVenue:        c.short,
		RequestedSize:     c.plan.PositionSizeUSD.Div(c.opp.LongMarkPrice),
		LongMarkPrice:     c.opp.LongMarkPrice,
		ShortMarkPrice:    c.opp.ShortMarkPrice,
		TotalPortfolioUSD: totalPortfolio,
		ThreadID:          uuid.NewString(),
	}

	s.logger.Info("executing opportunity", "symbol", req.Symbol, "long", c.longName, "short", c.shortName, "score", c.score.Value)

	result, err := s.executor.Execute(ctx, req)
	if err != nil {
		s.logger.Error("execution failed", "symbol", req.Symbol, "error", err)
		return
	}

	s.mu.Lock()
	s.lastExecutionAt = time.Now()
	s.mu.Unlock()

	lossFloat, _ := s.losses.CumulativeLoss().Float64()
	exposureUSD, _ := result.TotalLongFilled.Mul(req.LongMarkPrice).Float64()
	s.guard.Report(risk.ExposureReport{
		Symbol:       req.Symbol,
		ExposureUSD:  exposureUSD,
		RealizedLoss: lossFloat,
		Timestamp:    time.Now(),
	})

	if !result.Success {
		s.logger.Warn("execution did not complete cleanly", "symbol", req.Symbol, "reason", result.AbortReason)
		return
	}

	s.mu.Lock()
	s.positions[req.Symbol] = openPosition{
		longVenue: c.longName, shortVenue: c.shortName,
		fundingRate: c.opp.Spread, positionSizeUSD: c.plan.PositionSizeUSD,
	}
	s.mu.Unlock()
}

// totalPortfolioValue sums GetEquity across every configured venue.
func (s *Scheduler) totalPortfolioValue(ctx context.Context) (decimal.Decimal, error) {
	total := decimal.Zero
	for _, v := range s.venues {
		eq, err := v.GetEquity(ctx)
		if err != nil {
			return decimal.Zero, err
		}
		total = total.Add(eq)
	}
	return total, nil
}

// Status implements api.StatusProvider.
func (s *Scheduler) Status() api.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return api.Status{
		DryRun:           s.cfg.DryRun,
		KillSwitchActive: s.guard.IsKillSwitchActive(),
		CumulativeLoss:   s.losses.CumulativeLoss().String(),
		LastExecutionAt:  s.lastExecutionAt,
		ActiveSymbols:    append([]string(nil), s.cfg.Symbols...),
	}
}
