// Package risk implements a portfolio-wide safety guard for the keeper.
//
// It generalizes the teacher's per-market Manager (which aggregated
// PositionReport events keyed by market ID and watched for rapid
// mid-price movement) into a guard keyed by (venue, symbol) that watches
// the Position Loss Tracker's cumulative realized loss and each venue's
// reported exposure. Both versions share the same shape: a buffered
// report channel feeding a single monitoring goroutine, a kill switch with
// cooldown, and a drain-then-send KillSignal channel so the latest kill
// reason always reaches the consumer even if it hasn't drained the
// previous one yet.
package risk

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/fundingkeeper/keeper/internal/config"
)

// ExposureReport is submitted after every completed slice or execution; it
// carries the guard's view of one symbol's current hedged exposure.
type ExposureReport struct {
	Symbol        string
	ExposureUSD   float64
	RealizedLoss  float64 // losstracker.CumulativeLoss() at report time
	Timestamp     time.Time
}

// KillSignal tells callers to stop issuing new executions. An empty
// Symbol means halt globally; a non-empty Symbol means halt that symbol
// only (reserved for future per-symbol granularity; the guard currently
// only emits global signals).
type KillSignal struct {
	Symbol string
	Reason string
}

// Guard monitors portfolio-wide exposure and realized loss and emits a
// KillSignal when a configured limit is breached.
type Guard struct {
	cfg    config.RiskConfig
	logger *slog.Logger

	mu               sync.RWMutex
	exposures        map[string]ExposureReport
	totalExposure    float64
	killSwitchActive bool
	killSwitchUntil  time.Time

	reportCh chan ExposureReport
	killCh   chan KillSignal
}

// NewGuard creates a safety guard.
func NewGuard(cfg config.RiskConfig, logger *slog.Logger) *Guard {
	return &Guard{
		cfg:       cfg,
		logger:    logger.With("component", "risk"),
		exposures: make(map[string]ExposureReport),
		reportCh:  make(chan ExposureReport, 100),
		killCh:    make(chan KillSignal, 10),
	}
}

// Run starts the monitoring loop; it returns when ctx is cancelled.
func (g *Guard) Run(ctx context.Context) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case report := <-g.reportCh:
			g.processReport(report)
		case <-ticker.C:
			g.clearExpiredKillSwitch()
		}
	}
}

// Report submits an exposure report (non-blocking; drops under backpressure).
func (g *Guard) Report(report ExposureReport) {
	select {
	case g.reportCh <- report:
	default:
		g.logger.Warn("risk report channel full, dropping report", "symbol", report.Symbol)
	}
}

// KillCh returns the channel callers should read kill signals from.
func (g *Guard) KillCh() <-chan KillSignal {
	return g.killCh
}

// IsKillSwitchActive reports whether new executions should be blocked.
func (g *Guard) IsKillSwitchActive() bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if !g.killSwitchActive {
		return false
	}
	if time.Now().After(g.killSwitchUntil) {
		g.killSwitchActive = false
		g.logger.Info("kill switch cooldown expired")
		return false
	}
	return true
}

func (g *Guard) processReport(report ExposureReport) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.exposures[report.Symbol] = report

	g.totalExposure = 0
	for _, e := range g.exposures {
		g.totalExposure += e.ExposureUSD
	}

	if g.cfg.MaxGlobalExposureUSD > 0 && g.totalExposure > g.cfg.MaxGlobalExposureUSD {
		g.emitKill("global exposure limit breached")
	}
	if g.cfg.MaxDailyLossUSD > 0 && report.RealizedLoss > g.cfg.MaxDailyLossUSD {
		g.emitKill("max daily realized loss breached")
	}
}

func (g *Guard) clearExpiredKillSwitch() {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.killSwitchActive && time.Now().After(g.killSwitchUntil) {
		g.killSwitchActive = false
		g.logger.Info("kill switch cooldown expired")
	}
}

// emitKill engages the kill switch, starts the cooldown, and delivers a
// KillSignal, draining a stale unread signal first so the latest reason
// always wins.
func (g *Guard) emitKill(reason string) {
	g.killSwitchActive = true
	g.killSwitchUntil = time.Now().Add(g.cfg.CooldownAfterKill)

	g.logger.Error("risk guard kill switch engaged", "reason", reason, "cooldown_until", g.killSwitchUntil)

	sig := KillSignal{Reason: reason}
	select {
	case g.killCh <- sig:
	default:
		select {
		case <-g.killCh:
		default:
		}
		g.killCh <- sig
	}
}
