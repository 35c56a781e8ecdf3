package historical

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestGetHistoricalMetricsComputesStats(t *testing.T) {
	t.Parallel()

	svc := NewInMemoryService()
	now := time.Now()
	rates := []float64{0.0001, 0.0002, 0.00015, 0.00012}
	for i, r := range rates {
		svc.Record(Sample{Venue: "binance", Symbol: "BTCUSDT", Rate: r, Timestamp: now.Add(time.Duration(i) * time.Hour)})
	}

	metrics, err := svc.GetHistoricalMetrics(context.Background(), "binance", "BTCUSDT", 24*time.Hour)
	require.NoError(t, err)
	require.InDelta(t, 0.0001+0.0002+0.00015+0.00012, metrics.AverageRate*4, 1e-9)
	require.Equal(t, 0.0001, metrics.MinRate)
	require.Equal(t, 0.0002, metrics.MaxRate)
	require.Greater(t, metrics.ConsistencyScore, 0.0)
	require.LessOrEqual(t, metrics.ConsistencyScore, 1.0)
}

func TestGetHistoricalMetricsEmptyWhenNoSamples(t *testing.T) {
	t.Parallel()

	svc := NewInMemoryService()
	metrics, err := svc.GetHistoricalMetrics(context.Background(), "binance", "ETHUSDT", time.Hour)
	require.NoError(t, err)
	require.Equal(t, 0.0, metrics.AverageRate)
}

func TestGetAverageSpreadPairsLongAndShortVenues(t *testing.T) {
	t.Parallel()

	svc := NewInMemoryService()
	now := time.Now()
	svc.Record(Sample{Venue: "binance", Symbol: "BTCUSDT", Rate: 0.0001, Timestamp: now})
	svc.Record(Sample{Venue: "onchainperp", Symbol: "BTCUSDT", Rate: 0.0003, Timestamp: now})

	spread, err := svc.GetAverageSpread(context.Background(), "binance", "onchainperp", "BTCUSDT", time.Hour)
	require.NoError(t, err)
	require.InDelta(t, 0.0002, spread, 1e-9)
}

func TestGetHistoricalDataRespectsLookbackWindow(t *testing.T) {
	t.Parallel()

	svc := NewInMemoryService()
	now := time.Now()
	svc.Record(Sample{Venue: "binance", Symbol: "BTCUSDT", Rate: 0.0001, Timestamp: now.Add(-48 * time.Hour)})
	svc.Record(Sample{Venue: "binance", Symbol: "BTCUSDT", Rate: 0.0002, Timestamp: now})

	data, err := svc.GetHistoricalData(context.Background(), "binance", "BTCUSDT", time.Hour)
	require.NoError(t, err)
	require.Len(t, data, 1)
	require.Equal(t, 0.0002, data[0].Rate)
}
