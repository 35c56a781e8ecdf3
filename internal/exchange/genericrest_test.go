package exchange

import (
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fundingkeeper/keeper/pkg/types"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

func TestGenericRESTPlaceOrderSignsRequest(t *testing.T) {
	t.Parallel()

	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeaders = r.Header
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "abc123", "status": "placed"})
	}))
	defer srv.Close()

	g := NewGenericRESTExchange(srv.URL, "key1", "secret1", false, testLogger())
	resp, err := g.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "BTCUSDT", Side: types.SideLong, Type: types.OrderTypeMarket, Size: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, "abc123", resp.OrderID)
	require.NotEmpty(t, gotHeaders.Get("X-API-Signature"))
	require.Equal(t, "key1", gotHeaders.Get("X-API-Key"))
}

func TestGenericRESTPlaceOrderDryRunSkipsNetwork(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	g := NewGenericRESTExchange(srv.URL, "key1", "secret1", true, testLogger())
	resp, err := g.PlaceOrder(context.Background(), types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, Size: decimal.NewFromInt(1)})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPlaced, resp.Status)
	require.False(t, called, "dry run must not hit the network")
}

func TestGenericRESTClassifiesRateLimitStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	g := NewGenericRESTExchange(srv.URL, "key1", "secret1", false, testLogger())
	_, err := g.PlaceOrder(context.Background(), types.OrderRequest{Symbol: "BTCUSDT", Side: types.SideLong, Size: decimal.NewFromInt(1)})
	require.Error(t, err)

	var venueErr *types.VenueError
	require.ErrorAs(t, err, &venueErr)
	require.Equal(t, types.VenueErrorRateLimited, venueErr.Kind)
}

func TestGenericRESTGetMarkPrice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"markPrice": "65000.5"})
	}))
	defer srv.Close()

	g := NewGenericRESTExchange(srv.URL, "key1", "secret1", false, testLogger())
	price, err := g.GetMarkPrice(context.Background(), "BTCUSDT")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("65000.5")))
}
