package exchange

import (
	"context"
	"crypto/ecdsa"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"time"

	"github.com/ethereum/go-ethereum/common"
	ethmath "github.com/ethereum/go-ethereum/common/math"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/signer/core/apitypes"
	"github.com/go-resty/resty/v2"
	"github.com/shopspring/decimal"

	"github.com/fundingkeeper/keeper/pkg/types"
)

// OnChainPerpExchange adapts an on-chain perpetuals DEX that authenticates
// orders with an EIP-712 signature from the trading wallet's private key,
// rather than an HMAC API secret. Adapted from the teacher's exchange.Auth
// (internal/exchange/auth.go's signClobAuth/SignTypedData), generalized
// from Polymarket's two-layer L1-derives-L2-HMAC scheme to a single-layer
// "every order is EIP-712 signed" scheme more typical of on-chain perp
// venues (hyperliquid-style order signing).
type OnChainPerpExchange struct {
	http       *resty.Client
	privateKey *ecdsa.PrivateKey
	address    common.Address
	chainID    *big.Int
	dryRun     bool
	logger     *slog.Logger
}

// NewOnChainPerpExchange creates an adapter from a hex-encoded EOA private
// key (0x-prefix optional, stripped the same way the teacher's NewAuth does).
func NewOnChainPerpExchange(baseURL, privateKeyHex string, chainID int64, dryRun bool, logger *slog.Logger) (*OnChainPerpExchange, error) {
	keyHex := privateKeyHex
	if len(keyHex) >= 2 && keyHex[:2] == "0x" {
		keyHex = keyHex[2:]
	}
	pk, err := crypto.HexToECDSA(keyHex)
	if err != nil {
		return nil, fmt.Errorf("onchainperp: parse private key: %w", err)
	}

	client := resty.New().
		SetBaseURL(baseURL).
		SetTimeout(10 * time.Second).
		SetRetryCount(3).
		SetRetryWaitTime(500 * time.Millisecond).
		SetRetryMaxWaitTime(5 * time.Second).
		AddRetryCondition(func(r *resty.Response, err error) bool {
			if err != nil {
				return true
			}
			return r.StatusCode() >= 500
		}).
		SetHeader("Content-Type", "application/json")

	return &OnChainPerpExchange{
		http:       client,
		privateKey: pk,
		address:    crypto.PubkeyToAddress(pk.PublicKey),
		chainID:    big.NewInt(chainID),
		dryRun:     dryRun,
		logger:     logger,
	}, nil
}

func (o *OnChainPerpExchange) ExchangeType() types.Exchange { return types.ExchangeOnChainPerp }

// signOrder produces an EIP-712 signature over the order's canonical
// fields, matching the teacher's signClobAuth typed-data pattern
// generalized from a fixed "ClobAuth" attestation to an "Order" message.
func (o *OnChainPerpExchange) signOrder(symbol, side string, size, price decimal.Decimal, nonce int64) (string, error) {
	domain := apitypes.TypedDataDomain{
		Name:    "FundingKeeperPerp",
		Version: "1",
		ChainId: (*ethmath.HexOrDecimal256)(new(big.Int).Set(o.chainID)),
	}
	typesDef := apitypes.Types{
		"EIP712Domain": {
			{Name: "name", Type: "string"},
			{Name: "version", Type: "string"},
			{Name: "chainId", Type: "uint256"},
		},
		"Order": {
			{Name: "trader", Type: "address"},
			{Name: "symbol", Type: "string"},
			{Name: "side", Type: "string"},
			{Name: "size", Type: "string"},
			{Name: "price", Type: "string"},
			{Name: "nonce", Type: "uint256"},
		},
	}
	message := apitypes.TypedDataMessage{
		"trader": o.address.Hex(),
		"symbol": symbol,
		"side":   side,
		"size":   size.String(),
		"price":  price.String(),
		"nonce":  fmt.Sprintf("%d", nonce),
	}

	typedData := apitypes.TypedData{Types: typesDef, PrimaryType: "Order", Domain: domain, Message: message}
	hash, _, err := apitypes.TypedDataAndHash(typedData)
	if err != nil {
		return "", fmt.Errorf("onchainperp: typed data hash: %w", err)
	}
	sig, err := crypto.Sign(hash, o.privateKey)
	if err != nil {
		return "", fmt.Errorf("onchainperp: sign: %w", err)
	}
	if sig[64] < 27 {
		sig[64] += 27
	}
	return "0x" + common.Bytes2Hex(sig), nil
}

type onchainOrderPayload struct {
	Trader     string `json:"trader"`
	Symbol     string `json:"symbol"`
	Side       string `json:"side"`
	Size       string `json:"size"`
	Price      string `json:"price,omitempty"`
	Type       string `json:"type"`
	TIF        string `json:"timeInForce,omitempty"`
	ReduceOnly bool   `json:"reduceOnly"`
	Nonce      int64  `json:"nonce"`
	Signature  string `json:"signature"`
}

func (o *OnChainPerpExchange) PlaceOrder(ctx context.Context, req types.OrderRequest) (types.OrderResponse, error) {
	if o.dryRun {
		o.logger.Info("DRY-RUN: would place on-chain order", "symbol", req.Symbol, "side", req.Side, "size", req.Size)
		return types.OrderResponse{OrderID: "dry-run-" + req.Symbol, Status: types.OrderStatusPlaced}, nil
	}

	nonce := time.Now().UnixNano()
	sig, err := o.signOrder(req.Symbol, string(req.Side), req.Size, req.LimitPrice, nonce)
	if err != nil {
		return types.OrderResponse{}, err
	}

	payload := onchainOrderPayload{
		Trader: o.address.Hex(), Symbol: req.Symbol, Side: string(req.Side), Size: req.Size.String(),
		Type: string(req.Type), ReduceOnly: req.ReduceOnly, Nonce: nonce, Signature: sig,
	}
	if req.Type == types.OrderTypeLimit {
		payload.Price = req.LimitPrice.String()
		payload.TIF = string(req.TIF)
	}

	var result struct {
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
	}
	resp, err := o.http.R().SetContext(ctx).SetBody(payload).SetResult(&result).Post("/orders")
	if err != nil {
		return types.OrderResponse{}, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderResponse{}, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	return types.OrderResponse{OrderID: result.OrderID, Status: types.OrderStatus(result.Status)}, nil
}

func (o *OnChainPerpExchange) CancelOrder(ctx context.Context, symbol, orderID string) error {
	if o.dryRun {
		return nil
	}
	resp, err := o.http.R().SetContext(ctx).
		SetBody(map[string]string{"symbol": symbol, "orderId": orderID}).
		Delete(fmt.Sprintf("/orders/%s", orderID))
	if err != nil {
		return classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	return nil
}

func (o *OnChainPerpExchange) GetOrderStatus(ctx context.Context, symbol, orderID string) (types.OrderStatusReport, error) {
	var result struct {
		Status     string `json:"status"`
		FilledSize string `json:"filledSize"`
		Price      string `json:"price"`
	}
	resp, err := o.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"symbol": symbol}).
		SetResult(&result).
		Get(fmt.Sprintf("/orders/%s", orderID))
	if err != nil {
		return types.OrderStatusReport{}, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.OrderStatusReport{}, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	filled, _ := decimal.NewFromString(result.FilledSize)
	price, _ := decimal.NewFromString(result.Price)
	return types.OrderStatusReport{Status: types.OrderStatus(result.Status), FilledSize: filled, Price: price}, nil
}

func (o *OnChainPerpExchange) GetPosition(ctx context.Context, symbol string) (types.Position, error) {
	positions, err := o.GetPositions(ctx)
	if err != nil {
		return types.Position{}, err
	}
	norm := types.NormalizeSymbol(symbol)
	for _, p := range positions {
		if p.Symbol == norm {
			return p, nil
		}
	}
	return types.Position{Symbol: norm, Venue: types.ExchangeOnChainPerp}, nil
}

func (o *OnChainPerpExchange) GetPositions(ctx context.Context) ([]types.Position, error) {
	var results []genericPositionBody
	resp, err := o.http.R().SetContext(ctx).
		SetQueryParams(map[string]string{"trader": o.address.Hex()}).
		SetResult(&results).
		Get("/positions")
	if err != nil {
		return nil, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return nil, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	out := make([]types.Position, 0, len(results))
	for _, r := range results {
		p := positionFromBody(r)
		p.Venue = types.ExchangeOnChainPerp
		out = append(out, p)
	}
	return out, nil
}

func (o *OnChainPerpExchange) GetMarkPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		MarkPrice string `json:"markPrice"`
	}
	resp, err := o.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/markPrice")
	if err != nil {
		return decimal.Zero, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.MarkPrice)
}

func (o *OnChainPerpExchange) GetOpenInterest(ctx context.Context, symbol string) (decimal.Decimal, error) {
	var result struct {
		OpenInterest string `json:"openInterest"`
	}
	resp, err := o.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/openInterest")
	if err != nil {
		return decimal.Zero, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.OpenInterest)
}

func (o *OnChainPerpExchange) GetFundingSchedule(ctx context.Context, symbol string) (types.FundingSchedule, error) {
	var result struct {
		FundingIntervalHours int `json:"fundingIntervalHours"`
	}
	resp, err := o.http.R().SetContext(ctx).SetQueryParam("symbol", symbol).SetResult(&result).Get("/fundingInfo")
	if err != nil {
		return types.FundingSchedule{}, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return types.FundingSchedule{}, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	hours := result.FundingIntervalHours
	if hours <= 0 {
		hours = 1
	}
	return types.FundingSchedule{Period: time.Duration(hours) * time.Hour}, nil
}

func (o *OnChainPerpExchange) GetEquity(ctx context.Context) (decimal.Decimal, error) {
	var result struct {
		Equity string `json:"equity"`
	}
	resp, err := o.http.R().SetContext(ctx).
		SetQueryParam("trader", o.address.Hex()).
		SetResult(&result).
		Get("/account")
	if err != nil {
		return decimal.Zero, classifyHTTPError(types.ExchangeOnChainPerp, err)
	}
	if resp.StatusCode() != http.StatusOK {
		return decimal.Zero, venueErrorForStatus(types.ExchangeOnChainPerp, resp.StatusCode(), resp.String())
	}
	return decimal.NewFromString(result.Equity)
}
