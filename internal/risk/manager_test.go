package risk

import (
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/fundingkeeper/keeper/internal/config"
)

func testRiskConfig() config.RiskConfig {
	return config.RiskConfig{
		MaxGlobalExposureUSD: 500,
		MaxDailyLossUSD:      50,
		CooldownAfterKill:    5 * time.Minute,
	}
}

func newTestGuard() *Guard {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewGuard(testRiskConfig(), logger)
}

func TestProcessReportUnderLimits(t *testing.T) {
	t.Parallel()
	g := newTestGuard()

	g.processReport(ExposureReport{Symbol: "ETHUSD", ExposureUSD: 50, Timestamp: time.Now()})

	if g.killSwitchActive {
		t.Error("kill switch should not fire for report under limits")
	}
	select {
	case sig := <-g.killCh:
		t.Errorf("unexpected kill signal: %+v", sig)
	default:
	}
}

func TestProcessReportGlobalExposureBreach(t *testing.T) {
	t.Parallel()
	g := newTestGuard()

	g.processReport(ExposureReport{Symbol: "ETHUSD", ExposureUSD: 300, Timestamp: time.Now()})
	g.processReport(ExposureReport{Symbol: "BTCUSD", ExposureUSD: 300, Timestamp: time.Now()})

	if !g.killSwitchActive {
		t.Error("kill switch should fire for global exposure breach")
	}
	select {
	case sig := <-g.killCh:
		if sig.Reason == "" {
			t.Error("expected a non-empty kill reason")
		}
	default:
		t.Error("expected kill signal on channel")
	}
}

func TestProcessReportDailyLossBreach(t *testing.T) {
	t.Parallel()
	g := newTestGuard()

	g.processReport(ExposureReport{Symbol: "ETHUSD", ExposureUSD: 10, RealizedLoss: 55, Timestamp: time.Now()})

	if !g.killSwitchActive {
		t.Error("kill switch should fire for daily loss breach")
	}
}

func TestEmitKillDrainsStaleSignal(t *testing.T) {
	t.Parallel()
	g := newTestGuard()

	g.emitKill("first breach")
	g.emitKill("second breach")

	select {
	case sig := <-g.killCh:
		if sig.Reason != "second breach" {
			t.Errorf("kill signal reason = %q, want the latest breach reason", sig.Reason)
		}
	default:
		t.Error("expected a kill signal on channel")
	}

	select {
	case sig := <-g.killCh:
		t.Errorf("unexpected second kill signal: %+v", sig)
	default:
	}
}

func TestIsKillSwitchCooldown(t *testing.T) {
	t.Parallel()
	g := newTestGuard()
	g.cfg.CooldownAfterKill = 100 * time.Millisecond

	g.processReport(ExposureReport{Symbol: "ETHUSD", ExposureUSD: 600, Timestamp: time.Now()})

	if !g.IsKillSwitchActive() {
		t.Error("kill switch should be active immediately after breach")
	}

	time.Sleep(150 * time.Millisecond)

	if g.IsKillSwitchActive() {
		t.Error("kill switch should expire after cooldown")
	}
}
