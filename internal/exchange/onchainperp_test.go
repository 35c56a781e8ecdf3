package exchange

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// a throwaway but valid secp256k1 private key, used only to exercise
// signing in tests — never a real funded wallet.
const testPrivateKeyHex = "4c0883a69102937d6231471b5dbb6204fe5129617082792ae468d01a3f362318"

func TestOnChainPerpExchangePlaceOrderSignsWithEIP712(t *testing.T) {
	t.Parallel()

	var gotBody map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewDecoder(r.Body).Decode(&gotBody)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]string{"orderId": "chain-1", "status": "placed"})
	}))
	defer srv.Close()

	ex, err := NewOnChainPerpExchange(srv.URL, testPrivateKeyHex, 42161, false, testLogger())
	require.NoError(t, err)

	resp, err := ex.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "ETHUSD", Side: types.SideLong, Type: types.OrderTypeMarket, Size: decimal.NewFromInt(2),
	})
	require.NoError(t, err)
	require.Equal(t, "chain-1", resp.OrderID)
	require.NotEmpty(t, gotBody["signature"])
	require.Equal(t, "ETHUSD", gotBody["symbol"])
}

func TestOnChainPerpExchangeDryRunSkipsNetwork(t *testing.T) {
	t.Parallel()

	called := false
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		called = true
	}))
	defer srv.Close()

	ex, err := NewOnChainPerpExchange(srv.URL, testPrivateKeyHex, 42161, true, testLogger())
	require.NoError(t, err)

	resp, err := ex.PlaceOrder(context.Background(), types.OrderRequest{
		Symbol: "ETHUSD", Side: types.SideLong, Size: decimal.NewFromInt(1),
	})
	require.NoError(t, err)
	require.Equal(t, types.OrderStatusPlaced, resp.Status)
	require.False(t, called, "dry run must not hit the network")
}

func TestOnChainPerpExchangeRejectsInvalidPrivateKey(t *testing.T) {
	t.Parallel()

	_, err := NewOnChainPerpExchange("http://example.invalid", "not-a-hex-key", 1, true, testLogger())
	require.Error(t, err)
}

func TestOnChainPerpExchangeGetMarkPrice(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"markPrice": "3200.75"})
	}))
	defer srv.Close()

	ex, err := NewOnChainPerpExchange(srv.URL, testPrivateKeyHex, 42161, false, testLogger())
	require.NoError(t, err)

	price, err := ex.GetMarkPrice(context.Background(), "ETHUSD")
	require.NoError(t, err)
	require.True(t, price.Equal(decimal.RequireFromString("3200.75")))
}

func TestOnChainPerpExchangeClassifiesRateLimitStatus(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte("slow down"))
	}))
	defer srv.Close()

	ex, err := NewOnChainPerpExchange(srv.URL, testPrivateKeyHex, 42161, false, testLogger())
	require.NoError(t, err)

	_, err = ex.PlaceOrder(context.Background(), types.OrderRequest{Symbol: "ETHUSD", Side: types.SideLong, Size: decimal.NewFromInt(1)})
	require.Error(t, err)

	var venueErr *types.VenueError
	require.ErrorAs(t, err, &venueErr)
	require.Equal(t, types.VenueErrorRateLimited, venueErr.Kind)
}
