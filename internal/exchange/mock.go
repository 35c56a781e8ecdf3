package exchange

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// MockOrderBehavior lets tests script how a scripted order resolves:
// instantly, after N status polls, or never (to exercise fill-timeout
// and rollback paths).
type MockOrderBehavior struct {
	FillAfterPolls int             // 0 = fills on first poll
	FillFraction   decimal.Decimal // fraction of requested size that fills; zero value = full fill
	Reject         bool
	NetworkError   bool
}

// MockExchange is a deterministic, in-memory PerpExchange used by the
// execution engine's own tests and by the spec's literal end-to-end
// scenarios. It never does network I/O.
type MockExchange struct {
	mu sync.Mutex

	exchangeType types.Exchange
	markPrices   map[string]decimal.Decimal
	openInt      map[string]decimal.Decimal
	schedules    map[string]types.FundingSchedule
	equity       decimal.Decimal
	netQty       map[string]decimal.Decimal // signed net quantity per normalized symbol; positive = long

	orders       map[string]*mockOrder
	nextBehavior MockOrderBehavior // applied to the next PlaceOrder call
}

type mockOrder struct {
	req       types.OrderRequest
	status    types.OrderStatus
	filled    decimal.Decimal
	polls     int
	behavior  MockOrderBehavior
}

func NewMockExchange(exchangeType types.Exchange) *MockExchange {
	return &MockExchange{
		exchangeType: exchangeType,
		markPrices:   make(map[string]decimal.Decimal),
		openInt:      make(map[string]decimal.Decimal),
		schedules:    make(map[string]types.FundingSchedule),
		equity:       decimal.NewFromInt(1000000),
		netQty:       make(map[string]decimal.Decimal),
		orders:       make(map[string]*mockOrder),
	}
}

func (m *MockExchange) ExchangeType() types.Exchange { return m.exchangeType }

// SetMarkPrice seeds the mark price a subsequent GetMarkPrice call returns.
func (m *MockExchange) SetMarkPrice(symbol string, price decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.markPrices[types.NormalizeSymbol(symbol)] = price
}

func (m *MockExchange) SetOpenInterest(symbol string, oi decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.openInt[types.NormalizeSymbol(symbol)] = oi
}

func (m *MockExchange) SetFundingSchedule(symbol string, sched types.FundingSchedule) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.schedules[types.NormalizeSymbol(symbol)] = sched
}

func (m *MockExchange) SetEquity(eq decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.equity = eq
}

// SetPosition seeds a pre-existing net position (positive = long,
// negative = short), used to exercise the pre-existing-position-must-
// not-be-fill-evidence scenario.
func (m *MockExchange) SetPosition(symbol string, side types.Side, size decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	qty := size
	if side == types.SideShort {
		qty = qty.Neg()
	}
	m.netQty[types.NormalizeSymbol(symbol)] = qty
}

// NextOrderBehavior scripts how the next PlaceOrder call resolves.
func (m *MockExchange) NextOrderBehavior(b MockOrderBehavior) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextBehavior = b
}

func (m *MockExchange) PlaceOrder(_ context.Context, req types.OrderRequest) (types.OrderResponse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.nextBehavior.NetworkError {
		m.nextBehavior = MockOrderBehavior{}
		return types.OrderResponse{}, &types.VenueError{Venue: m.exchangeType, Kind: types.VenueErrorNetworkTransient, Cause: fmt.Errorf("mock network error")}
	}
	if m.nextBehavior.Reject {
		m.nextBehavior = MockOrderBehavior{}
		return types.OrderResponse{}, &types.VenueError{Venue: m.exchangeType, Kind: types.VenueErrorRejected, Cause: fmt.Errorf("mock rejected order")}
	}

	id := uuid.NewString()
	o := &mockOrder{req: req, status: types.OrderStatusPlaced, behavior: m.nextBehavior}
	m.orders[id] = o
	m.nextBehavior = MockOrderBehavior{}

	// An unscripted market order fills in full at placement.
	if req.Type == types.OrderTypeMarket && o.behavior.FillAfterPolls == 0 && o.behavior.FillFraction.IsZero() {
		o.filled = req.Size
		o.status = types.OrderStatusFilled
		m.applyFillLocked(o)
	}

	return types.OrderResponse{OrderID: id, Status: o.status}, nil
}

func (m *MockExchange) CancelOrder(_ context.Context, _ string, orderID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return fmt.Errorf("mock: unknown order %s", orderID)
	}
	if o.status.IsTerminal() {
		return nil
	}
	o.status = types.OrderStatusCancelled
	return nil
}

func (m *MockExchange) GetOrderStatus(_ context.Context, _ string, orderID string) (types.OrderStatusReport, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	o, ok := m.orders[orderID]
	if !ok {
		return types.OrderStatusReport{}, fmt.Errorf("mock: unknown order %s", orderID)
	}

	o.polls++
	if !o.status.IsTerminal() && o.polls > o.behavior.FillAfterPolls {
		fraction := o.behavior.FillFraction
		if fraction.IsZero() {
			fraction = decimal.NewFromInt(1)
		}
		o.filled = o.req.Size.Mul(fraction)
		if o.filled.Equal(o.req.Size) {
			o.status = types.OrderStatusFilled
		} else if o.filled.IsPositive() {
			o.status = types.OrderStatusPartiallyFilled
		}
		m.applyFillLocked(o)
	}

	return types.OrderStatusReport{Status: o.status, FilledSize: o.filled, Price: o.req.LimitPrice}, nil
}

// applyFillLocked updates the net signed quantity for a filled order.
// Buying (long, not reduce-only, or short reduce-only) increases net
// quantity; selling (short, not reduce-only, or long reduce-only)
// decreases it.
func (m *MockExchange) applyFillLocked(o *mockOrder) {
	symbol := types.NormalizeSymbol(o.req.Symbol)
	delta := o.filled
	buys := (o.req.Side == types.SideLong && !o.req.ReduceOnly) || (o.req.Side == types.SideShort && o.req.ReduceOnly)
	if !buys {
		delta = delta.Neg()
	}
	m.netQty[symbol] = m.netQty[symbol].Add(delta)
}

func (m *MockExchange) positionLocked(symbol string) types.Position {
	qty := m.netQty[symbol]
	side := types.SideLong
	if qty.IsNegative() {
		side = types.SideShort
	}
	return types.Position{
		Venue:     m.exchangeType,
		Symbol:    symbol,
		Side:      side,
		Size:      qty.Abs(),
		MarkPrice: m.markPrices[symbol],
	}
}

func (m *MockExchange) GetPosition(_ context.Context, symbol string) (types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.positionLocked(types.NormalizeSymbol(symbol)), nil
}

func (m *MockExchange) GetPositions(_ context.Context) ([]types.Position, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Position, 0, len(m.netQty))
	for sym := range m.netQty {
		out = append(out, m.positionLocked(sym))
	}
	return out, nil
}

func (m *MockExchange) GetMarkPrice(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	p, ok := m.markPrices[types.NormalizeSymbol(symbol)]
	if !ok {
		return decimal.Zero, fmt.Errorf("mock: no mark price seeded for %s", symbol)
	}
	return p, nil
}

func (m *MockExchange) GetOpenInterest(_ context.Context, symbol string) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.openInt[types.NormalizeSymbol(symbol)], nil
}

func (m *MockExchange) GetFundingSchedule(_ context.Context, symbol string) (types.FundingSchedule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	sched, ok := m.schedules[types.NormalizeSymbol(symbol)]
	if !ok {
		return types.FundingSchedule{Period: 8 * time.Hour}, nil
	}
	return sched, nil
}

func (m *MockExchange) GetEquity(_ context.Context) (decimal.Decimal, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.equity, nil
}
