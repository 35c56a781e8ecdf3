// Command keeper runs the funding-rate arbitrage keeper: it loads
// configuration, wires the venue adapters and core subsystems together,
// starts the periodic opportunity scheduler and the operator health
// surface, and waits for SIGINT/SIGTERM to shut down cleanly.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/fundingkeeper/keeper/internal/api"
	"github.com/fundingkeeper/keeper/internal/config"
	"github.com/fundingkeeper/keeper/internal/eventbus"
	"github.com/fundingkeeper/keeper/internal/exchange"
	"github.com/fundingkeeper/keeper/internal/execution"
	"github.com/fundingkeeper/keeper/internal/historical"
	"github.com/fundingkeeper/keeper/internal/keeper"
	"github.com/fundingkeeper/keeper/internal/losstracker"
	"github.com/fundingkeeper/keeper/internal/marketdata"
	"github.com/fundingkeeper/keeper/internal/metrics"
	"github.com/fundingkeeper/keeper/internal/notify"
	"github.com/fundingkeeper/keeper/internal/ratelimiter"
	"github.com/fundingkeeper/keeper/internal/registry"
	"github.com/fundingkeeper/keeper/internal/retry"
	"github.com/fundingkeeper/keeper/internal/risk"
	"github.com/fundingkeeper/keeper/pkg/types"
)

func main() {
	cfgPath := "configs/config.yaml"
	if p := os.Getenv("FUNDKPR_CONFIG"); p != "" {
		cfgPath = p
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		slog.Error("failed to load config", "error", err, "path", cfgPath)
		os.Exit(1)
	}
	if err := cfg.Validate(); err != nil {
		slog.Error("invalid config", "error", err)
		os.Exit(1)
	}

	logger := newLogger(*cfg)

	m := metrics.New(prometheus.NewRegistry())

	venues, err := buildVenues(*cfg, logger)
	if err != nil {
		logger.Error("failed to build venue adapters", "error", err)
		os.Exit(1)
	}

	limits := make(map[string]ratelimiter.VenueLimits, len(cfg.Venues))
	for name, v := range cfg.Venues {
		limits[name] = ratelimiter.VenueLimits{MaxPerSecond: v.PerSecond, MaxPerMinute: v.PerMinute}
	}
	limiter := ratelimiter.New(limits, m)

	reg := registry.New(
		registry.WithSymbolLockTimeout(cfg.Registry.SymbolLockTimeout),
		registry.WithGlobalLockTimeout(cfg.Registry.LockTimeout),
		registry.WithOrderTimeout(cfg.Registry.OrderTimeout),
		registry.WithMetrics(m),
		registry.WithLogger(logger),
	)

	store, err := buildStore(*cfg)
	if err != nil {
		logger.Error("failed to open loss tracker store", "error", err)
		os.Exit(1)
	}
	losses := losstracker.New(store)

	bus := eventbus.New(logger)
	hist := historical.NewInMemoryService()
	guard := risk.NewGuard(cfg.Risk, logger)

	feeds := buildMarketDataFeeds(*cfg, hist, logger)

	sink := notify.New(cfg.Notify, logger)
	sink.Subscribe(bus)

	eng := execution.New(cfg.Execution, cfg.Retry, reg, limiter, losses, bus, m, logger)

	sched := keeper.New(*cfg, venues, hist, eng, guard, losses, reg, bus, logger)

	var apiServer *api.Server
	if cfg.Dashboard.Enabled {
		apiServer = api.NewServer(cfg.Dashboard, sched, logger)
		apiServer.Start()
		logger.Info("health surface started", "url", fmt.Sprintf("http://localhost:%d", cfg.Dashboard.Port))
	}

	ctx, cancel := context.WithCancel(context.Background())
	go guard.Run(ctx)
	for _, f := range feeds {
		go f.Run(ctx)
	}
	sched.Start(ctx)

	if cfg.DryRun {
		logger.Warn("DRY-RUN MODE — no real orders will be placed")
	}
	logger.Info("funding-rate arbitrage keeper started",
		"venues", len(venues),
		"symbols", cfg.Symbols,
		"dry_run", cfg.DryRun,
	)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info("received shutdown signal", "signal", sig.String())

	cancel()
	sched.Stop()
	for _, f := range feeds {
		if err := f.Close(); err != nil {
			logger.Error("failed to close market data feed", "error", err)
		}
	}
	if apiServer != nil {
		if err := apiServer.Stop(); err != nil {
			logger.Error("failed to stop health surface", "error", err)
		}
	}
}

func newLogger(cfg config.Config) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(cfg.Logging.Level)}
	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	} else {
		handler = slog.NewTextHandler(os.Stdout, opts)
	}
	return slog.New(handler)
}

func parseLogLevel(level string) slog.Level {
	switch level {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// buildVenues constructs one PerpExchange adapter per configured venue,
// keyed by the same name used in cfg.Venues, selecting the concrete
// implementation by venue.Type.
func buildVenues(cfg config.Config, logger *slog.Logger) (map[string]exchange.PerpExchange, error) {
	venues := make(map[string]exchange.PerpExchange, len(cfg.Venues))
	for name, v := range cfg.Venues {
		switch v.Type {
		case "binance":
			// DryRun maps onto Binance's testnet flag — there is no separate
			// simulate-without-sending mode on that adapter.
			venues[name] = exchange.NewBinanceExchange(v.APIKey, v.APISecret, cfg.DryRun)
		case "genericrest":
			venues[name] = exchange.NewGenericRESTExchange(v.BaseURL, v.APIKey, v.APISecret, cfg.DryRun, logger)
		case "onchainperp":
			adapter, err := exchange.NewOnChainPerpExchange(v.BaseURL, v.PrivateKey, v.ChainID, cfg.DryRun, logger)
			if err != nil {
				return nil, fmt.Errorf("venue %s: %w", name, err)
			}
			venues[name] = adapter
		case "mock":
			venues[name] = exchange.NewMockExchange(types.ExchangeMock)
		default:
			return nil, fmt.Errorf("venue %s: unknown type %q", name, v.Type)
		}
	}
	return venues, nil
}

// buildMarketDataFeeds constructs one WebSocket funding-rate feed per
// venue that configures a ws_url; venues without one rely solely on the
// scheduler's own polling to populate the historical service.
func buildMarketDataFeeds(cfg config.Config, hist *historical.InMemoryService, logger *slog.Logger) []*marketdata.Feed {
	policy := retry.Policy{
		MaxRetries:        cfg.Retry.MaxRetries,
		InitialDelay:      cfg.Retry.InitialDelay,
		MaxDelay:          cfg.Retry.MaxDelay,
		BackoffMultiplier: cfg.Retry.BackoffMultiplier,
	}
	var feeds []*marketdata.Feed
	for name, v := range cfg.Venues {
		if v.WSURL == "" {
			continue
		}
		feeds = append(feeds, marketdata.NewFeed(name, v.WSURL, hist, policy, logger))
	}
	return feeds
}

func buildStore(cfg config.Config) (losstracker.Store, error) {
	switch cfg.Store.Backend {
	case "file":
		return losstracker.NewJSONStore(cfg.Store.DataDir)
	case "mysql":
		return losstracker.NewGormStore(cfg.Store.DSN)
	default:
		return losstracker.NewMemoryStore(), nil
	}
}
