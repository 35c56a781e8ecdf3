package exchange

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// BinanceExchange adapts Binance USD-M futures to the PerpExchange
// contract, grounded on the teacher's ExecutionService
// (execution_service.go's NewCreateOrderService/NewGetOrderService/
// NewGetPositionRiskService call chains), generalized from that bot's
// single-account scalping flow to the keeper's symmetric place/poll/
// cancel/position/mark-price surface.
type BinanceExchange struct {
	client *futures.Client
}

// NewBinanceExchange creates a Binance futures adapter. useTestnet
// switches the client's global testnet flag, matching the teacher's
// config.UseTestnet handling.
func NewBinanceExchange(apiKey, apiSecret string, useTestnet bool) *BinanceExchange {
	if useTestnet {
		futures.UseTestnet = true
	}
	return &BinanceExchange{client: futures.NewClient(apiKey, apiSecret)}
}

func (b *BinanceExchange) ExchangeType() types.Exchange { return types.ExchangeBinance }

func (b *BinanceExchange) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResponse, error) {
	side := futures.SideTypeBuy
	if req.Side == types.SideShort {
		side = futures.SideTypeSell
	}
	if req.ReduceOnly {
		side = futures.SideTypeSell
		if req.Side == types.SideShort {
			side = futures.SideTypeBuy
		}
	}

	svc := b.client.NewCreateOrderService().
		Symbol(req.Symbol).
		Side(side).
		Quantity(req.Size.String())

	switch req.Type {
	case types.OrderTypeMarket:
		svc = svc.Type(futures.OrderTypeMarket)
	default:
		svc = svc.Type(futures.OrderTypeLimit).
			Price(req.LimitPrice.String()).
			TimeInForce(timeInForce(req.TIF))
	}
	if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}

	resp, err := svc.Do(ctx)
	if err != nil {
		return types.OrderResponse{}, classifyBinanceError(err)
	}

	return types.OrderResponse{
		OrderID: strconv.FormatInt(resp.OrderID, 10),
		Status:  mapBinanceStatus(resp.Status),
	}, nil
}

func (b *BinanceExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance: parse order id %q: %w", orderID, err)
	}
	_, err = b.client.NewCancelOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return classifyBinanceError(err)
	}
	return nil
}

func (b *BinanceExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatusReport, error) {
	id, err := strconv.ParseInt(orderID, 10, 64)
	if err != nil {
		return types.OrderStatusReport{}, fmt.Errorf("binance: parse order id %q: %w", orderID, err)
	}
	o, err := b.client.NewGetOrderService().Symbol(symbol).OrderID(id).Do(ctx)
	if err != nil {
		return types.OrderStatusReport{}, classifyBinanceError(err)
	}

	filled, _ := decimal.NewFromString(o.ExecutedQuantity)
	price, _ := decimal.NewFromString(o.AvgPrice)
	return types.OrderStatusReport{
		Status:     mapBinanceStatus(o.Status),
		FilledSize: filled,
		Price:      price,
	}, nil
}

func (b *BinanceExchange) GetPosition(ctx context.Context, symbol string) (types.Position, error) {
	positions, err := b.GetPositions(ctx)
	if err != nil {
		return types.Position{}, err
	}
	norm := types.NormalizeSymbol(symbol)
	for _, p := range positions {
		if p.Symbol == norm {
			return p, nil
		}
	}
	return types.Position{Symbol: norm, Venue: types.ExchangeBinance}, nil
}

func (b *BinanceExchange) GetPositions(ctx context.Context) ([]types.Position, error) {
	risks, err := b.client.NewGetPositionRiskService().Do(ctx)
	if err != nil {
		return nil, classifyBinanceError(err)
	}

	var out []types.Position
	for _, r := range risks {
		amt, _ := strconv.ParseFloat(r.PositionAmt, 64)
		if amt == 0 {
			continue
		}
		side := types.SideLong
		if amt < 0 {
			side = types.SideShort
		}
		size, _ := decimal.NewFromString(r.PositionAmt)
		entry, _ := decimal.NewFromString(r.EntryPrice)
		mark, _ := decimal.NewFromString(r.MarkPrice)
		unreal, _ := decimal.NewFromString(r.UnRealizedProfit)

		out = append(out, types.Position{
			Venue:         types.ExchangeBinance,
			Symbol:        types.NormalizeSymbol(r.Symbol),
			Side:          side,
			Size:          size.Abs(),
			EntryPrice:    entry,
			MarkPrice:     mark,
			UnrealizedPnL: unreal,
		})
	}
	return out, nil
}

func (b *BinanceExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	marks, err := b.client.NewPremiumIndexService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinanceError(err)
	}
	if len(marks) == 0 {
		return decimal.Zero, fmt.Errorf("binance: no mark price for %s", symbol)
	}
	return decimal.NewFromString(marks[0].MarkPrice)
}

func (b *BinanceExchange) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	oi, err := b.client.NewOpenInterestService().Symbol(symbol).Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinanceError(err)
	}
	return decimal.NewFromString(oi.OpenInterest)
}

func (b *BinanceExchange) GetFundingSchedule(ctx context.Context, symbol string) (types.FundingSchedule, error) {
	// Binance USD-M perpetuals pay every 8 hours, aligned to 00:00/08:00/16:00 UTC.
	_ = ctx
	_ = symbol
	return types.FundingSchedule{Period: 8 * time.Hour}, nil
}

func (b *BinanceExchange) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	acct, err := b.client.NewGetAccountService().Do(ctx)
	if err != nil {
		return decimal.Zero, classifyBinanceError(err)
	}
	return decimal.NewFromString(acct.TotalWalletBalance)
}

func timeInForce(tif types.TimeInForce) futures.TimeInForceType {
	switch tif {
	case types.TimeInForceIOC:
		return futures.TimeInForceTypeIOC
	case types.TimeInForceFOK:
		return futures.TimeInForceTypeFOK
	default:
		return futures.TimeInForceTypeGTC
	}
}

func mapBinanceStatus(s futures.OrderStatusType) types.OrderStatus {
	switch s {
	case futures.OrderStatusTypeNew:
		return types.OrderStatusPlaced
	case futures.OrderStatusTypePartiallyFilled:
		return types.OrderStatusPartiallyFilled
	case futures.OrderStatusTypeFilled:
		return types.OrderStatusFilled
	case futures.OrderStatusTypeCanceled, futures.OrderStatusTypeExpired:
		return types.OrderStatusCancelled
	case futures.OrderStatusTypeRejected:
		return types.OrderStatusRejected
	default:
		return types.OrderStatusPlaced
	}
}

// classifyBinanceError maps the client's error into a VenueError so the
// RetryPolicy and execution engine can decide retry/swallow/bubble
// without depending on the Binance SDK's error types directly.
func classifyBinanceError(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	kind := types.VenueErrorFatal
	switch {
	case containsAny(msg, "-1003", "Too many requests", "418", "429"):
		kind = types.VenueErrorRateLimited
	case containsAny(msg, "-2010", "-2011", "-1013", "-2021"):
		kind = types.VenueErrorRejected
	case containsAny(msg, "connection reset", "timeout", "EOF", "no such host"):
		kind = types.VenueErrorNetworkTransient
	}
	return &types.VenueError{Venue: types.ExchangeBinance, Kind: kind, Cause: err}
}

func containsAny(s string, substrs ...string) bool {
	for _, sub := range substrs {
		if sub != "" && strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
