package marketdata

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/fundingkeeper/keeper/internal/historical"
	"github.com/fundingkeeper/keeper/internal/retry"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{}))
}

var upgrader = websocket.Upgrader{}

// newEchoServer starts a WebSocket server that writes each message in
// msgs once a client connects, then blocks until the test closes it.
func newEchoServer(t *testing.T, msgs [][]byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		for _, m := range msgs {
			if err := conn.WriteMessage(websocket.TextMessage, m); err != nil {
				return
			}
		}
		// Keep the connection open so the feed's read loop doesn't spin
		// into a reconnect; the test tears it down via server.Close.
		select {}
	}))
	return srv
}

func TestFeedDispatchRecordsSample(t *testing.T) {
	t.Parallel()

	hist := historical.NewInMemoryService()
	f := NewFeed("binance", "ws://unused", hist, retry.Policy{}, testLogger())

	f.dispatch([]byte(`{"symbol":"ethusd-perp","rate":0.0003}`))

	samples, err := hist.GetHistoricalData(context.Background(), "binance", "ETHUSD", time.Minute)
	require.NoError(t, err)
	require.Len(t, samples, 1)
	require.Equal(t, 0.0003, samples[0].Rate)
}

func TestFeedDispatchIgnoresMalformedMessage(t *testing.T) {
	t.Parallel()

	hist := historical.NewInMemoryService()
	f := NewFeed("binance", "ws://unused", hist, retry.Policy{}, testLogger())

	f.dispatch([]byte(`not-json`))
	f.dispatch([]byte(`{"rate":0.0003}`)) // missing symbol

	samples, err := hist.GetHistoricalData(context.Background(), "binance", "ETHUSD", time.Minute)
	require.NoError(t, err)
	require.Empty(t, samples)
}

func TestFeedRunStreamsUntilClosed(t *testing.T) {
	t.Parallel()

	srv := newEchoServer(t, [][]byte{
		[]byte(`{"symbol":"ETHUSD","rate":0.0001}`),
		[]byte(`{"symbol":"ETHUSD","rate":0.0002}`),
	})
	defer srv.Close()

	wsURL := "ws" + srv.URL[len("http"):]
	hist := historical.NewInMemoryService()
	f := NewFeed("binance", wsURL, hist, retry.Policy{MaxDelay: time.Millisecond}, testLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()

	done := make(chan struct{})
	go func() {
		f.Run(ctx)
		close(done)
	}()

	require.Eventually(t, func() bool {
		samples, err := hist.GetHistoricalData(context.Background(), "binance", "ETHUSD", time.Minute)
		return err == nil && len(samples) == 2
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, f.Close())
	<-done
}
