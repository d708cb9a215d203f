package bingx

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"

	"adx-trader/pkg/exchanges/common"
	"adx-trader/pkg/timeutil"
)

const (
	DefaultBaseURL = "https://open-api.bingx.com"
	TestnetBaseURL = "https://open-api-vst.bingx.com"
)

// Config holds BingX perpetual swap credentials.
type Config struct {
	APIKey            string
	APISecret         string
	Testnet           bool
	BaseURL           string // overrides the Testnet switch when set
	RecvWindow        int64  // ms
	RequestsPerMinute int
	HTTPTimeout       time.Duration
}

// Client handles BingX USDT-M perpetual swaps.
type Client struct {
	cfg        Config
	baseURL    string
	httpClient *http.Client
	timeSync   *common.TimeSync
	limiter    *rate.Limiter
}

var _ common.Venue = (*Client)(nil)

// NewClient creates a new swap client.
func NewClient(cfg Config) *Client {
	base := DefaultBaseURL
	if cfg.Testnet {
		base = TestnetBaseURL
	}
	if cfg.BaseURL != "" {
		base = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.RecvWindow == 0 {
		cfg.RecvWindow = 5000
	}
	if cfg.RequestsPerMinute <= 0 {
		cfg.RequestsPerMinute = 1200
	}
	if cfg.HTTPTimeout <= 0 {
		cfg.HTTPTimeout = 10 * time.Second
	}
	c := &Client{
		cfg:        cfg,
		baseURL:    base,
		httpClient: &http.Client{Timeout: cfg.HTTPTimeout},
		limiter:    rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 20),
	}
	c.timeSync = common.NewTimeSync(c.GetServerTime)
	return c
}

func (c *Client) Name() string { return "bingx" }

// GetServerTime fetches swap server time in epoch ms.
func (c *Client) GetServerTime(ctx context.Context) (int64, error) {
	var out struct {
		ServerTime int64 `json:"serverTime"`
	}
	if err := c.doPublic(ctx, "/openApi/swap/v2/server/time", nil, &out); err != nil {
		return 0, err
	}
	return out.ServerTime, nil
}

// GetCurrentPrice returns the last traded price.
func (c *Client) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	var out struct {
		LastPrice flexFloat `json:"lastPrice"`
	}
	if err := c.doPublic(ctx, "/openApi/swap/v2/quote/ticker", params, &out); err != nil {
		return 0, err
	}
	if out.LastPrice <= 0 {
		return 0, fmt.Errorf("bingx ticker %s: non-positive price %v", symbol, float64(out.LastPrice))
	}
	return float64(out.LastPrice), nil
}

// GetCandles returns klines sorted oldest first.
func (c *Client) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("interval", interval)
	if limit > 0 {
		params.Set("limit", strconv.Itoa(limit))
	}
	var rows []struct {
		Open   flexFloat   `json:"open"`
		High   flexFloat   `json:"high"`
		Low    flexFloat   `json:"low"`
		Close  flexFloat   `json:"close"`
		Volume flexFloat   `json:"volume"`
		Time   json.Number `json:"time"`
	}
	if err := c.doPublic(ctx, "/openApi/swap/v3/quote/klines", params, &rows); err != nil {
		return nil, err
	}
	candles := make([]common.Candle, 0, len(rows))
	for _, r := range rows {
		ts, err := timeutil.Normalize(r.Time)
		if err != nil {
			return nil, fmt.Errorf("bingx kline time: %w", err)
		}
		candles = append(candles, common.Candle{
			Time:   ts,
			Open:   float64(r.Open),
			High:   float64(r.High),
			Low:    float64(r.Low),
			Close:  float64(r.Close),
			Volume: float64(r.Volume),
		})
	}
	sort.Slice(candles, func(i, j int) bool { return candles[i].Time.Before(candles[j].Time) })
	return candles, nil
}

// GetAccountBalance returns the swap margin account.
func (c *Client) GetAccountBalance(ctx context.Context) (common.AccountBalance, error) {
	var out struct {
		Balance struct {
			Asset            string    `json:"asset"`
			Balance          flexFloat `json:"balance"`
			Equity           flexFloat `json:"equity"`
			UnrealizedProfit flexFloat `json:"unrealizedProfit"`
			AvailableMargin  flexFloat `json:"availableMargin"`
			UsedMargin       flexFloat `json:"usedMargin"`
		} `json:"balance"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/user/balance", url.Values{}, &out); err != nil {
		return common.AccountBalance{}, err
	}
	b := out.Balance
	equity := float64(b.Equity)
	if equity == 0 {
		equity = float64(b.Balance) + float64(b.UnrealizedProfit)
	}
	asset := b.Asset
	if asset == "" {
		asset = "USDT"
	}
	return common.AccountBalance{
		Asset:           asset,
		Balance:         float64(b.Balance),
		Equity:          equity,
		AvailableMargin: float64(b.AvailableMargin),
		UsedMargin:      float64(b.UsedMargin),
		UnrealizedPnL:   float64(b.UnrealizedProfit),
	}, nil
}

// GetOpenPositions returns non-zero positions for symbol (all symbols when empty).
func (c *Client) GetOpenPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	params := url.Values{}
	if symbol != "" {
		params.Set("symbol", symbol)
	}
	var rows []struct {
		Symbol           string    `json:"symbol"`
		PositionSide     string    `json:"positionSide"`
		PositionAmt      flexFloat `json:"positionAmt"`
		AvgPrice         flexFloat `json:"avgPrice"`
		MarkPrice        flexFloat `json:"markPrice"`
		UnrealizedProfit flexFloat `json:"unrealizedProfit"`
		Leverage         flexFloat `json:"leverage"`
	}
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/user/positions", params, &rows); err != nil {
		return nil, err
	}
	res := make([]common.PositionInfo, 0, len(rows))
	for _, r := range rows {
		amt := float64(r.PositionAmt)
		if amt == 0 {
			continue
		}
		side := common.PositionSide(strings.ToUpper(r.PositionSide))
		if side != common.PositionLong && side != common.PositionShort {
			// one-way mode reports BOTH with a signed amount
			side = common.PositionLong
			if amt < 0 {
				side = common.PositionShort
			}
		}
		if amt < 0 {
			amt = -amt
		}
		res = append(res, common.PositionInfo{
			Symbol:        r.Symbol,
			Side:          side,
			Qty:           amt,
			EntryPrice:    float64(r.AvgPrice),
			MarkPrice:     float64(r.MarkPrice),
			UnrealizedPnL: float64(r.UnrealizedProfit),
			Leverage:      int(r.Leverage),
		})
	}
	return res, nil
}

// SetLeverage sets leverage for one leg of a symbol.
func (c *Client) SetLeverage(ctx context.Context, symbol string, side common.PositionSide, leverage int) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("side", string(side))
	params.Set("leverage", strconv.Itoa(leverage))
	return c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/leverage", params, nil)
}

// SubmitOrder places an order.
func (c *Client) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	if req.Qty <= 0 {
		return common.OrderResult{}, fmt.Errorf("bingx order: quantity must be > 0, got %v", req.Qty)
	}
	params := url.Values{}
	params.Set("symbol", req.Symbol)
	params.Set("side", strings.ToUpper(string(req.Side)))
	params.Set("type", strings.ToUpper(string(req.Type)))
	params.Set("quantity", formatDecimal(req.Qty))
	if req.PositionSide != "" {
		params.Set("positionSide", string(req.PositionSide))
	} else if req.ReduceOnly {
		// hedge-mode orders close by positionSide; reduceOnly is only valid in one-way mode
		params.Set("reduceOnly", "true")
	}
	if req.Type == common.OrderTypeStopMarket || req.Type == common.OrderTypeTakeProfitMarket {
		if req.StopPrice <= 0 {
			return common.OrderResult{}, fmt.Errorf("bingx %s order: stop price required", req.Type)
		}
		params.Set("stopPrice", formatDecimal(req.StopPrice))
		workingType := req.WorkingType
		if workingType == "" {
			workingType = common.WorkingTypeMark
		}
		params.Set("workingType", workingType)
	}
	if req.ClientID != "" {
		params.Set("clientOrderID", req.ClientID)
	}

	var out orderEnvelope
	if err := c.doSigned(ctx, http.MethodPost, "/openApi/swap/v2/trade/order", params, &out); err != nil {
		return common.OrderResult{}, err
	}
	o := out.payload()
	if o.OrderID == "" {
		return common.OrderResult{}, errors.New("bingx order: response missing orderId")
	}
	status := common.MapStatus(o.Status)
	if o.Status == "" {
		status = common.StatusNew
	}
	return common.OrderResult{
		ExchangeOrderID: string(o.OrderID),
		ClientID:        o.ClientOrderID,
		Status:          status,
	}, nil
}

// GetOrder queries an order by exchange id.
func (c *Client) GetOrder(ctx context.Context, symbol, exchangeOrderID string) (common.OrderInfo, error) {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	var out orderEnvelope
	if err := c.doSigned(ctx, http.MethodGet, "/openApi/swap/v2/trade/order", params, &out); err != nil {
		return common.OrderInfo{}, err
	}
	o := out.payload()
	info := common.OrderInfo{
		ExchangeOrderID: string(o.OrderID),
		Status:          common.MapStatus(o.Status),
		ExecutedQty:     float64(o.ExecutedQty),
		AvgPrice:        float64(o.AvgPrice),
		Fee:             absFloat(float64(o.Commission)),
	}
	if o.UpdateTime != "" {
		if ts, err := timeutil.Normalize(o.UpdateTime); err == nil {
			info.UpdatedAt = ts
		}
	}
	return info, nil
}

// CancelOrder cancels an order by symbol and ID.
func (c *Client) CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error {
	params := url.Values{}
	params.Set("symbol", symbol)
	params.Set("orderId", exchangeOrderID)
	return c.doSigned(ctx, http.MethodDelete, "/openApi/swap/v2/trade/order", params, nil)
}

// ClosePosition sends a market order that flattens qty on the given leg.
func (c *Client) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.OrderResult, error) {
	return c.SubmitOrder(ctx, common.OrderRequest{
		Symbol:       symbol,
		Side:         side.ExitSide(),
		PositionSide: side,
		Type:         common.OrderTypeMarket,
		Qty:          qty,
	})
}

func (c *Client) doPublic(ctx context.Context, path string, params url.Values, out any) error {
	endpoint := c.baseURL + path
	if len(params) > 0 {
		endpoint += "?" + params.Encode()
	}
	return c.do(ctx, http.MethodGet, endpoint, out)
}

// doSigned signs the sorted query string with HMAC-SHA256 and sends it.
func (c *Client) doSigned(ctx context.Context, method, path string, params url.Values, out any) error {
	if c.cfg.APIKey == "" || c.cfg.APISecret == "" {
		return errors.New("bingx: API key/secret required")
	}
	c.timeSync.EnsureFresh(ctx)
	params.Set("timestamp", strconv.FormatInt(c.timeSync.Now(), 10))
	params.Set("recvWindow", strconv.FormatInt(c.cfg.RecvWindow, 10))

	// Encode sorts by key, which is the order the signature is computed over.
	query := params.Encode()
	endpoint := c.baseURL + path + "?" + query + "&signature=" + sign(query, c.cfg.APISecret)
	return c.do(ctx, method, endpoint, out)
}

func (c *Client) do(ctx context.Context, method, endpoint string, out any) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("bingx rate limiter: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, method, endpoint, nil)
	if err != nil {
		return err
	}
	if c.cfg.APIKey != "" {
		req.Header.Set("X-BX-APIKEY", c.cfg.APIKey)
	}

	res, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("bingx %s %s: %w", method, stripQuery(endpoint), err)
	}
	defer res.Body.Close()

	body, _ := io.ReadAll(res.Body)
	if res.StatusCode >= 300 {
		return fmt.Errorf("bingx %s %s status %d: %s", method, stripQuery(endpoint), res.StatusCode, string(body))
	}

	var env struct {
		Code int             `json:"code"`
		Msg  string          `json:"msg"`
		Data json.RawMessage `json:"data"`
	}
	dec := json.NewDecoder(bytes.NewReader(body))
	dec.UseNumber()
	if err := dec.Decode(&env); err != nil {
		return fmt.Errorf("bingx decode envelope: %w", err)
	}
	if env.Code != 0 {
		return &common.APIError{Code: env.Code, Msg: env.Msg}
	}
	if out == nil || len(env.Data) == 0 || string(env.Data) == "null" {
		return nil
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return fmt.Errorf("bingx decode %s: %w", stripQuery(endpoint), err)
	}
	return nil
}

type orderPayload struct {
	OrderID       flexString `json:"orderId"`
	ClientOrderID string     `json:"clientOrderID"`
	Status        string     `json:"status"`
	ExecutedQty   flexFloat  `json:"executedQty"`
	AvgPrice      flexFloat  `json:"avgPrice"`
	Commission    flexFloat  `json:"commission"`
	UpdateTime    flexString `json:"updateTime"`
}

// orderEnvelope accepts both {"order":{...}} and a bare order object.
type orderEnvelope struct {
	Order *orderPayload `json:"order"`
	orderPayload
}

func (e orderEnvelope) payload() orderPayload {
	if e.Order != nil {
		return *e.Order
	}
	return e.orderPayload
}

func sign(query, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(query))
	return hex.EncodeToString(mac.Sum(nil))
}

func formatDecimal(v float64) string {
	return decimal.NewFromFloat(v).String()
}

func stripQuery(endpoint string) string {
	if i := strings.IndexByte(endpoint, '?'); i >= 0 {
		return endpoint[:i]
	}
	return endpoint
}

func absFloat(v float64) float64 {
	if v < 0 {
		return -v
	}
	return v
}
