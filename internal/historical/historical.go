// Package historical implements the historical funding-rate service the
// Opportunity Evaluator queries for average spread and spread-volatility
// metrics. The variance/stddev idiom is adapted from DimaJoyti's
// risk.VaRCalculator (internal/risk/var_calculator.go), generalized from
// portfolio return series to per-venue funding-rate samples.
package historical

import (
	"context"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/fundingkeeper/keeper/internal/evaluator"
)

// Sample is one observed funding rate at a point in time.
type Sample struct {
	Venue     string
	Symbol    string
	Rate      float64
	Timestamp time.Time
}

// Service is the historical funding data interface §6 describes.
// Implementations must be safe for concurrent use.
type Service interface {
	GetHistoricalData(ctx context.Context, venue, symbol string, lookback time.Duration) ([]Sample, error)
	GetHistoricalMetrics(ctx context.Context, venue, symbol string, lookback time.Duration) (evaluator.HistoricalMetrics, error)
	GetAverageSpread(ctx context.Context, longVenue, shortVenue, symbol string, lookback time.Duration) (float64, error)
	GetSpreadVolatilityMetrics(ctx context.Context, longVenue, shortVenue, symbol string, lookback time.Duration) (evaluator.HistoricalMetrics, error)
}

// InMemoryService stores funding rate samples in memory, suitable for
// tests and for venues whose adapters backfill it directly from their
// own REST history endpoints.
type InMemoryService struct {
	mu      sync.RWMutex
	samples map[string][]Sample // keyed by venue+"|"+symbol
}

func NewInMemoryService() *InMemoryService {
	return &InMemoryService{samples: make(map[string][]Sample)}
}

func key(venue, symbol string) string { return venue + "|" + symbol }

// Record appends a sample, kept sorted by timestamp ascending.
func (s *InMemoryService) Record(sample Sample) {
	s.mu.Lock()
	defer s.mu.Unlock()

	k := key(sample.Venue, sample.Symbol)
	s.samples[k] = append(s.samples[k], sample)
	sort.Slice(s.samples[k], func(i, j int) bool {
		return s.samples[k][i].Timestamp.Before(s.samples[k][j].Timestamp)
	})
}

func (s *InMemoryService) GetHistoricalData(_ context.Context, venue, symbol string, lookback time.Duration) ([]Sample, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().Add(-lookback)
	var out []Sample
	for _, sm := range s.samples[key(venue, symbol)] {
		if sm.Timestamp.After(since) {
			out = append(out, sm)
		}
	}
	return out, nil
}

func (s *InMemoryService) GetHistoricalMetrics(ctx context.Context, venue, symbol string, lookback time.Duration) (evaluator.HistoricalMetrics, error) {
	data, err := s.GetHistoricalData(ctx, venue, symbol, lookback)
	if err != nil {
		return evaluator.HistoricalMetrics{}, err
	}
	return metricsFromRates(ratesOf(data)), nil
}

func (s *InMemoryService) GetAverageSpread(ctx context.Context, longVenue, shortVenue, symbol string, lookback time.Duration) (float64, error) {
	spreads, err := s.spreadsSince(ctx, longVenue, shortVenue, symbol, lookback)
	if err != nil {
		return 0, err
	}
	if len(spreads) == 0 {
		return 0, nil
	}
	return mean(spreads), nil
}

func (s *InMemoryService) GetSpreadVolatilityMetrics(ctx context.Context, longVenue, shortVenue, symbol string, lookback time.Duration) (evaluator.HistoricalMetrics, error) {
	spreads, err := s.spreadsSince(ctx, longVenue, shortVenue, symbol, lookback)
	if err != nil {
		return evaluator.HistoricalMetrics{}, err
	}
	return metricsFromRates(spreads), nil
}

// spreadsSince pairs each long-venue sample within the lookback window
// with the first short-venue sample at or after its timestamp and
// computes per-pair spreads (short rate
// minus long rate, the funding differential a delta-neutral hedge earns).
func (s *InMemoryService) spreadsSince(_ context.Context, longVenue, shortVenue, symbol string, lookback time.Duration) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	since := time.Now().Add(-lookback)
	longSamples := s.samples[key(longVenue, symbol)]
	shortSamples := s.samples[key(shortVenue, symbol)]

	var spreads []float64
	si := 0
	for _, l := range longSamples {
		if l.Timestamp.Before(since) {
			continue
		}
		for si < len(shortSamples) && shortSamples[si].Timestamp.Before(l.Timestamp) {
			si++
		}
		if si >= len(shortSamples) {
			break
		}
		spreads = append(spreads, shortSamples[si].Rate-l.Rate)
	}
	return spreads, nil
}

func ratesOf(samples []Sample) []float64 {
	rates := make([]float64, len(samples))
	for i, s := range samples {
		rates[i] = s.Rate
	}
	return rates
}

func mean(xs []float64) float64 {
	if len(xs) == 0 {
		return 0
	}
	var sum float64
	for _, x := range xs {
		sum += x
	}
	return sum / float64(len(xs))
}

// metricsFromRates computes avg/stddev/min/max and a consistency score
// derived from the coefficient of variation: tight, low-variance rate
// series score near 1; wildly swinging ones score near 0.
func metricsFromRates(rates []float64) evaluator.HistoricalMetrics {
	if len(rates) == 0 {
		return evaluator.HistoricalMetrics{}
	}

	avg := mean(rates)
	minR, maxR := rates[0], rates[0]
	var variance float64
	for _, r := range rates {
		if r < minR {
			minR = r
		}
		if r > maxR {
			maxR = r
		}
		d := r - avg
		variance += d * d
	}
	variance /= float64(len(rates))
	stdDev := math.Sqrt(variance)

	consistency := 1.0
	if avg != 0 {
		cv := math.Abs(stdDev / avg)
		consistency = 1.0 / (1.0 + cv)
	} else if stdDev > 0 {
		consistency = 0
	}

	return evaluator.HistoricalMetrics{
		AverageRate:      avg,
		StdDev:           stdDev,
		MinRate:          minR,
		MaxRate:          maxR,
		ConsistencyScore: consistency,
	}
}
