// Package exchange implements venue adapters for the perpetual-futures
// funding-arbitrage keeper: a common PerpExchange contract, and concrete
// adapters for a centralized exchange (Binance futures), an on-chain perp
// DEX (EIP-712 signed orders, adapted from the teacher's Polymarket CLOB
// auth/client), a generic REST venue, and an in-memory mock used by tests
// and the engine's own deterministic scenarios.
package exchange

import (
	"context"

	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// PerpExchange is the adapter contract every venue implements. All
// methods must be safe for concurrent use; blocking calls accept a
// context for cooperative cancellation.
type PerpExchange interface {
	ExchangeType() types.Exchange

	PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResponse, error)
	CancelOrder(ctx context.Context, symbol, orderID string) error
	GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatusReport, error)

	GetPosition(ctx context.Context, symbol string) (types.Position, error)
	GetPositions(ctx context.Context) ([]types.Position, error)

	GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error)
	GetFundingSchedule(ctx context.Context, symbol string) (types.FundingSchedule, error)

	GetEquity(ctx context.Context) (decimal.Decimal, error)
}
