package bingx

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"adx-trader/pkg/exchanges/common"
)

func newTestClient(t *testing.T, handler http.HandlerFunc) *Client {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)
	return NewClient(Config{
		APIKey:      "key",
		APISecret:   "secret",
		BaseURL:     srv.URL,
		HTTPTimeout: 2 * time.Second,
	})
}

func serverTime(w http.ResponseWriter) {
	_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"serverTime":1709296200000}}`))
}

func TestSignedRequestCarriesValidSignature(t *testing.T) {
	var gotQuery url.Values
	var gotKey string
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/openApi/swap/v2/server/time":
			serverTime(w)
		case "/openApi/swap/v2/user/balance":
			gotQuery = r.URL.Query()
			gotKey = r.Header.Get("X-BX-APIKEY")
			_, _ = w.Write([]byte(`{"code":0,"msg":"","data":{"balance":{"asset":"USDT","balance":"100.5","equity":"101.5","unrealizedProfit":"1.0","availableMargin":"80","usedMargin":"20.5"}}}`))
		default:
			http.NotFound(w, r)
		}
	})

	bal, err := c.GetAccountBalance(context.Background())
	if err != nil {
		t.Fatalf("GetAccountBalance: %v", err)
	}
	if bal.Balance != 100.5 || bal.Equity != 101.5 || bal.AvailableMargin != 80 || bal.UsedMargin != 20.5 {
		t.Fatalf("balance=%+v, unexpected values", bal)
	}
	if gotKey != "key" {
		t.Fatalf("X-BX-APIKEY=%q, expected key", gotKey)
	}

	sig := gotQuery.Get("signature")
	gotQuery.Del("signature")
	if want := sign(gotQuery.Encode(), "secret"); sig != want {
		t.Fatalf("signature=%s, expected %s", sig, want)
	}
	if gotQuery.Get("timestamp") == "" {
		t.Fatalf("timestamp missing from signed query")
	}
}

func TestEnvelopeErrorBecomesAPIError(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/openApi/swap/v2/server/time" {
			serverTime(w)
			return
		}
		_, _ = w.Write([]byte(`{"code":100001,"msg":"signature verification failed"}`))
	})

	_, err := c.GetOpenPositions(context.Background(), "BTC-USDT")
	var apiErr *common.APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("err=%v, expected *common.APIError", err)
	}
	if apiErr.Code != 100001 {
		t.Fatalf("code=%d, expected 100001", apiErr.Code)
	}
}

func TestGetCandlesSortsAscending(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Query().Get("interval") != "5m" || r.URL.Query().Get("limit") != "2" {
			t.Errorf("query=%s, expected interval=5m limit=2", r.URL.RawQuery)
		}
		_, _ = w.Write([]byte(`{"code":0,"data":[
			{"open":"101","high":"103","low":"100","close":"102","volume":"5","time":1709296500000},
			{"open":"100","high":"102","low":"99","close":"101","volume":"4","time":1709296200000}
		]}`))
	})

	candles, err := c.GetCandles(context.Background(), "BTC-USDT", "5m", 2)
	if err != nil {
		t.Fatalf("GetCandles: %v", err)
	}
	if len(candles) != 2 {
		t.Fatalf("len=%d, expected 2", len(candles))
	}
	if !candles[0].Time.Before(candles[1].Time) {
		t.Fatalf("candles not ascending: %v then %v", candles[0].Time, candles[1].Time)
	}
	if candles[0].Close != 101 || candles[1].High != 103 {
		t.Fatalf("candles=%+v, unexpected values", candles)
	}
	if got := candles[0].Time; !got.Equal(time.Date(2024, 3, 1, 12, 30, 0, 0, time.UTC)) {
		t.Fatalf("time=%v, expected 2024-03-01 12:30 UTC", got)
	}
}

func TestSubmitProtectiveOrder(t *testing.T) {
	var got url.Values
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/openApi/swap/v2/server/time" {
			serverTime(w)
			return
		}
		if r.Method != http.MethodPost {
			t.Errorf("method=%s, expected POST", r.Method)
		}
		got = r.URL.Query()
		_, _ = w.Write([]byte(`{"code":0,"data":{"order":{"orderId":1735950529123455000,"status":"NEW"}}}`))
	})

	res, err := c.SubmitOrder(context.Background(), common.OrderRequest{
		Symbol:       "BTC-USDT",
		Side:         common.SideSell,
		PositionSide: common.PositionLong,
		Type:         common.OrderTypeStopMarket,
		Qty:          0.0004,
		StopPrice:    101200,
		ReduceOnly:   true,
	})
	if err != nil {
		t.Fatalf("SubmitOrder: %v", err)
	}
	if res.ExchangeOrderID != "1735950529123455000" {
		t.Fatalf("orderId=%s, expected full-precision id", res.ExchangeOrderID)
	}
	if res.Status != common.StatusNew {
		t.Fatalf("status=%s, expected NEW", res.Status)
	}
	checks := map[string]string{
		"side":         "SELL",
		"positionSide": "LONG",
		"type":         "STOP_MARKET",
		"quantity":     "0.0004",
		"stopPrice":    "101200",
		"workingType":  "MARK_PRICE",
	}
	for k, want := range checks {
		if v := got.Get(k); v != want {
			t.Fatalf("%s=%q, expected %q", k, v, want)
		}
	}
	if got.Has("reduceOnly") {
		t.Fatalf("reduceOnly sent alongside positionSide")
	}
}

func TestGetOrderAndPositions(t *testing.T) {
	c := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.URL.Path == "/openApi/swap/v2/server/time":
			serverTime(w)
		case strings.HasSuffix(r.URL.Path, "/trade/order"):
			_, _ = w.Write([]byte(`{"code":0,"data":{"order":{"orderId":"42","status":"FILLED","executedQty":"0.001","avgPrice":"102000.5","commission":"-0.051"}}}`))
		case strings.HasSuffix(r.URL.Path, "/user/positions"):
			_, _ = w.Write([]byte(`{"code":0,"data":[
				{"symbol":"BTC-USDT","positionSide":"LONG","positionAmt":"0.001","avgPrice":"102000","markPrice":"102100","unrealizedProfit":"0.1","leverage":5},
				{"symbol":"BTC-USDT","positionSide":"SHORT","positionAmt":"0","avgPrice":"0","markPrice":"102100","unrealizedProfit":"0","leverage":5}
			]}`))
		default:
			http.NotFound(w, r)
		}
	})

	info, err := c.GetOrder(context.Background(), "BTC-USDT", "42")
	if err != nil {
		t.Fatalf("GetOrder: %v", err)
	}
	if info.Status != common.StatusFilled || info.AvgPrice != 102000.5 || info.ExecutedQty != 0.001 {
		t.Fatalf("order=%+v, unexpected values", info)
	}
	if info.Fee != 0.051 {
		t.Fatalf("fee=%v, expected 0.051", info.Fee)
	}

	positions, err := c.GetOpenPositions(context.Background(), "BTC-USDT")
	if err != nil {
		t.Fatalf("GetOpenPositions: %v", err)
	}
	if len(positions) != 1 {
		t.Fatalf("len=%d, expected zero-amount leg skipped", len(positions))
	}
	if positions[0].Side != common.PositionLong || positions[0].EntryPrice != 102000 || positions[0].Leverage != 5 {
		t.Fatalf("position=%+v, unexpected values", positions[0])
	}
}

func TestSignedRequestRequiresCredentials(t *testing.T) {
	c := NewClient(Config{BaseURL: "http://127.0.0.1:1"})
	if _, err := c.GetAccountBalance(context.Background()); err == nil {
		t.Fatalf("expected error without credentials")
	}
}
