package config

import "testing"

func validConfig() Config {
	return Config{
		Venues: map[string]Venue{
			"binance":     {Type: "binance", PerSecond: 40, PerMinute: 1200},
			"onchainperp": {Type: "onchainperp", PerSecond: 20, PerMinute: 600},
		},
		Symbols: []string{"ETHUSD"},
		Execution: ExecutionConfig{
			MaxPortfolioPctPerSlice: 0.05,
			MaxUSDPerSlice:          10000,
			MinSlices:               1,
			MaxSlices:               20,
		},
		Evaluator: EvaluatorConfig{MaxWorstCaseBreakEvenDays: 30},
		Store:     StoreConfig{Backend: "memory"},
	}
}

func TestValidateAcceptsMinimalConfig(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("Validate() = %v, want nil", err)
	}
}

func TestValidateRejectsSingleVenue(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	delete(cfg.Venues, "onchainperp")
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for single venue")
	}
}

func TestValidateRejectsUnknownVenueType(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Venues["binance"] = Venue{Type: "bogus"}
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for unknown venue type")
	}
}

func TestValidateRejectsNoSymbols(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Symbols = nil
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for empty symbols")
	}
}

func TestValidateRejectsMysqlWithoutDSN(t *testing.T) {
	t.Parallel()

	cfg := validConfig()
	cfg.Store.Backend = "mysql"
	if err := cfg.Validate(); err == nil {
		t.Error("Validate() = nil, want error for mysql backend without dsn")
	}
}

func TestApplyDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{}
	cfg.applyDefaults()

	if cfg.Execution.MinSlices != 1 {
		t.Errorf("MinSlices default = %d, want 1", cfg.Execution.MinSlices)
	}
	if cfg.Execution.MaxImbalancePercent != 0.10 {
		t.Errorf("MaxImbalancePercent default = %v, want 0.10", cfg.Execution.MaxImbalancePercent)
	}
	if cfg.Store.Backend != "memory" {
		t.Errorf("Store.Backend default = %q, want memory", cfg.Store.Backend)
	}
}

func TestLeverageConfigClamp(t *testing.T) {
	t.Parallel()

	l := LeverageConfig{
		MinLeverage: 1,
		MaxLeverage: 10,
		Overrides:   map[string]float64{"BTC": 5},
	}

	if got := l.Clamp("BTC", 20); got != 5 {
		t.Errorf("Clamp with override = %v, want 5", got)
	}
	if got := l.Clamp("ETH", 20); got != 10 {
		t.Errorf("Clamp above max = %v, want 10", got)
	}
	if got := l.Clamp("ETH", 0.1); got != 1 {
		t.Errorf("Clamp below min = %v, want 1", got)
	}
}
