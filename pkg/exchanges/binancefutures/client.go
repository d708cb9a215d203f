package binancefutures

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/futures"
	"github.com/shopspring/decimal"

	"adx-trader/pkg/exchanges/common"
)

// Config holds Binance USDT-M futures credentials.
type Config struct {
	APIKey    string
	APISecret string
	Testnet   bool
	BaseURL   string // overrides the SDK endpoint when set (tests)
}

// Client adapts go-binance futures to the common.Venue contract.
type Client struct {
	api *futures.Client
}

var _ common.Venue = (*Client)(nil)

// NewClient creates a futures client. Testnet is a package-level switch in the SDK.
func NewClient(cfg Config) *Client {
	if cfg.Testnet {
		futures.UseTestnet = true
	}
	api := binance.NewFuturesClient(cfg.APIKey, cfg.APISecret)
	if cfg.BaseURL != "" {
		api.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	return &Client{api: api}
}

func (c *Client) Name() string { return "binance" }

// Symbol maps "BTC-USDT" style symbols to Binance's "BTCUSDT".
func Symbol(symbol string) string {
	return strings.ToUpper(strings.ReplaceAll(symbol, "-", ""))
}

// GetServerTime returns the futures server time in epoch ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	return c.api.NewServerTimeService().Do(ctx)
}

func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	prices, err := c.api.NewListPricesService().Symbol(Symbol(symbol)).Do(ctx)
	if err != nil {
		return 0, fmt.Errorf("binance price %s: %w", symbol, err)
	}
	for _, p := range prices {
		if p.Symbol == Symbol(symbol) {
			v := parseFloat(p.Price)
			if v <= 0 {
				return 0, fmt.Errorf("binance price %s: non-positive %q", symbol, p.Price)
			}
			return v, nil
		}
	}
	return 0, fmt.Errorf("binance price %s: symbol missing from response", symbol)
}

func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	svc := c.api.NewKlinesService().Symbol(Symbol(symbol)).Interval(interval)
	if limit > 0 {
		svc = svc.Limit(limit)
	}
	klines, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance klines %s: %w", symbol, err)
	}
	candles := make([]common.Candle, 0, len(klines))
	for _, k := range klines {
		candles = append(candles, common.Candle{
			Time:   time.UnixMilli(k.OpenTime).UTC(),
			Open:   parseFloat(k.Open),
			High:   parseFloat(k.High),
			Low:    parseFloat(k.Low),
			Close:  parseFloat(k.Close),
			Volume: parseFloat(k.Volume),
		})
	}
	return candles, nil
}

func (c *Client) GetAccountBalance(ctx context.Context) (common.AccountBalance, error) {
	acct, err := c.api.NewGetAccountService().Do(ctx)
	if err != nil {
		return common.AccountBalance{}, fmt.Errorf("binance account: %w", err)
	}
	for _, a := range acct.Assets {
		if a.Asset != "USDT" {
			continue
		}
		balance := parseFloat(a.WalletBalance)
		upnl := parseFloat(a.UnrealizedProfit)
		return common.AccountBalance{
			Asset:           a.Asset,
			Balance:         balance,
			Equity:          balance + upnl,
			AvailableMargin: parseFloat(a.AvailableBalance),
			UsedMargin:      parseFloat(a.InitialMargin),
			UnrealizedPnL:   upnl,
		}, nil
	}
	return common.AccountBalance{Asset: "USDT"}, nil
}

func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	svc := c.api.NewGetPositionRiskService()
	if symbol != "" {
		svc = svc.Symbol(Symbol(symbol))
	}
	risks, err := svc.Do(ctx)
	if err != nil {
		return nil, fmt.Errorf("binance positions: %w", err)
	}
	res := make([]common.PositionInfo, 0, len(risks))
	for _, p := range risks {
		amt := parseFloat(p.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.PositionSide(strings.ToUpper(p.PositionSide))
		if side != common.PositionLong && side != common.PositionShort {
			side = common.PositionLong
			if amt < 0 {
				side = common.PositionShort
			}
		}
		if amt < 0 {
			amt = -amt
		}
		res = append(res, common.PositionInfo{
			Symbol:        p.Symbol,
			Side:          side,
			Qty:           amt,
			EntryPrice:    parseFloat(p.EntryPrice),
			MarkPrice:     parseFloat(p.MarkPrice),
			UnrealizedPnL: parseFloat(p.UnRealizedProfit),
		})
	}
	return res, nil
}

// SetLeverage applies to both legs on Binance; side is ignored.
func (c *Client) SetLeverage(ctx context.Context, symbol string, _ common.PositionSide, leverage int) error {
	if _, err := c.api.NewChangeLeverageService().Symbol(Symbol(symbol)).Leverage(leverage).Do(ctx); err != nil {
		return fmt.Errorf("binance leverage %s: %w", symbol, err)
	}
	return nil
}

func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("binance order: quantity must be > 0, got %v", req.Qty)
	}
	svc := c.api.NewCreateOrderService().
		Symbol(Symbol(req.Symbol)).
		Side(futures.SideType(req.Side)).
		Type(futures.OrderType(req.Type)).
		Quantity(decimal.NewFromFloat(req.Qty).String())
	if req.PositionSide != "" {
		svc = svc.PositionSide(futures.PositionSideType(req.PositionSide))
	} else if req.ReduceOnly {
		svc = svc.ReduceOnly(true)
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeTakeProfitMarket {
		if req.StopPrice <= 0 {
			return common.OrderResult{}, fmt.Errorf("binance %s order: stop price required", req.Type)
		}
		wt := futures.WorkingTypeMarkPrice
		if req.WorkingType == common.WorkingTypeContract {
			wt = futures.WorkingTypeContractPrice
		}
		svc = svc.StopPrice(decimal.NewFromFloat(req.StopPrice).String()).WorkingType(wt)
	}
	if req.ClientID != "" {
		svc = svc.NewClientOrderID(req.ClientID)
	}
	res, err := svc.Do(ctx)
	if err != nil {
		return common.OrderResult{}, fmt.Errorf("binance order %s %s: %w", req.Side, req.Type, err)
	}
	return common.OrderResult{
		ExchangeOrderID: strconv.FormatInt(res.OrderID, 10),
		ClientID:        res.ClientOrderID,
		Status:          common.MapStatus(string(res.Status)),
	}, nil
}

func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return common.OrderInfo{}, fmt.Errorf("binance order id %q: %w", exchangeOrderID, err)
	}
	o, err := c.api.NewGetOrderService().Symbol(Symbol(symbol)).OrderID(id).Do(ctx)
	if err != nil {
		return common.OrderInfo{}, fmt.Errorf("binance get order %s: %w", exchangeOrderID, err)
	}
	info := common.OrderInfo{
		ExchangeOrderID: exchangeOrderID,
		Status:          common.MapStatus(string(o.Status)),
		ExecutedQty:     parseFloat(o.ExecutedQuantity),
		AvgPrice:        parseFloat(o.AvgPrice),
	}
	if o.UpdateTime > 0 {
		info.UpdatedAt = time.UnixMilli(o.UpdateTime).UTC()
	}
	return info, nil
}

func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	id, err := strconv.ParseInt(exchangeOrderID, 10, 64)
	if err != nil {
		return fmt.Errorf("binance order id %q: %w", exchangeOrderID, err)
	}
	if _, err := c.api.NewCancelOrderService().Symbol(Symbol(symbol)).OrderID(id).Do(ctx); err != nil {
		return fmt.Errorf("binance cancel %s: %w", exchangeOrderID, err)
	}
	return nil
}

func (c *Client) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.OrderResult, error) {
	return c.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         side.ExitSide(),
		PositionSide: side,
		Type:         common.OrderTypeMarket,
		Qty:          qty,
	})
}

func parseFloat(s string) float64 {
	v, _ := strconv.ParseFloat(s, 64)
	return v
}
