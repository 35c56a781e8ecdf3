// Package marketdata streams live funding-rate updates over WebSocket and
// records them into the historical service the Opportunity Evaluator
// reads from. Connection lifecycle — dial, a deadline-bounded read loop,
// and reconnect on failure — is grounded on the teacher's exchange.WSFeed
// (internal/exchange/ws.go), generalized from routing book/trade/order
// events onto four typed channels to recording a single funding-rate
// sample stream, and using retry.Policy with a nil classifier in place of
// the teacher's hand-rolled doubling backoff — the same "always retry"
// shape the teacher used for its own reconnect loop.
package marketdata

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/fundingkeeper/keeper/internal/historical"
	"github.com/fundingkeeper/keeper/internal/retry"
	"github.com/fundingkeeper/keeper/pkg/types"
)

const (
	readTimeout  = 90 * time.Second
	writeTimeout = 10 * time.Second
)

// fundingRateMessage is the wire shape a venue's funding-rate channel
// emits: the symbol and its current per-funding-period rate.
type fundingRateMessage struct {
	Symbol string  `json:"symbol"`
	Rate   float64 `json:"rate"`
}

// Feed streams funding-rate updates for one venue into a historical
// service. One Feed serves one venue; the keeper starts one per venue
// that configures a ws_url.
type Feed struct {
	venue  string
	url    string
	hist   *historical.InMemoryService
	policy retry.Policy
	logger *slog.Logger

	connMu sync.Mutex
	conn   *websocket.Conn

	closed chan struct{}
}

// NewFeed creates a funding-rate WebSocket feed for venue. policy governs
// reconnect backoff between dial/read attempts; its Classify is ignored
// and forced nil, since every disconnect is worth retrying here.
func NewFeed(venue, wsURL string, hist *historical.InMemoryService, policy retry.Policy, logger *slog.Logger) *Feed {
	policy.Classify = nil
	return &Feed{
		venue:  venue,
		url:    wsURL,
		hist:   hist,
		policy: policy,
		logger: logger.With("component", "marketdata", "venue", venue),
		closed: make(chan struct{}),
	}
}

// Run connects and streams funding-rate updates until ctx is cancelled or
// Close is called. Each dial/read attempt is retried per the configured
// policy; when that bounded run exhausts, Run pauses and starts a fresh
// one, so a venue outage longer than the policy's window doesn't end the
// feed permanently.
func (f *Feed) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-f.closed:
			return
		default:
		}

		err := f.policy.Do(ctx, f.connectAndRead)
		if ctx.Err() != nil {
			return
		}
		f.logger.Warn("funding-rate feed disconnected, pausing before reconnect attempts", "error", err)

		select {
		case <-ctx.Done():
			return
		case <-f.closed:
			return
		case <-time.After(f.policy.MaxDelay):
		}
	}
}

// Close stops Run and closes any open connection.
func (f *Feed) Close() error {
	select {
	case <-f.closed:
	default:
		close(f.closed)
	}

	f.connMu.Lock()
	defer f.connMu.Unlock()
	if f.conn != nil {
		return f.conn.Close()
	}
	return nil
}

func (f *Feed) connectAndRead(ctx context.Context) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, f.url, nil)
	if err != nil {
		return fmt.Errorf("marketdata: dial %s: %w", f.venue, err)
	}

	f.connMu.Lock()
	f.conn = conn
	f.connMu.Unlock()
	defer func() {
		f.connMu.Lock()
		conn.Close()
		f.conn = nil
		f.connMu.Unlock()
	}()

	f.logger.Info("funding-rate feed connected")

	for {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		conn.SetReadDeadline(time.Now().Add(readTimeout))
		conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("marketdata: read %s: %w", f.venue, err)
		}
		f.dispatch(msg)
	}
}

func (f *Feed) dispatch(data []byte) {
	var m fundingRateMessage
	if err := json.Unmarshal(data, &m); err != nil {
		f.logger.Debug("ignoring non-json funding-rate message", "venue", f.venue, "data", string(data))
		return
	}
	if m.Symbol == "" {
		return
	}
	f.hist.Record(historical.Sample{
		Venue:     f.venue,
		Symbol:    types.NormalizeSymbol(m.Symbol),
		Rate:      m.Rate,
		Timestamp: time.Now(),
	})
}
