package main

import (
	"context"
	"log"
	"os"
	"strconv"
	"time"

	"adx-trader/pkg/config"
	"adx-trader/pkg/exchanges/binancefutures"
	"adx-trader/pkg/exchanges/bingx"
	"adx-trader/pkg/exchanges/common"
)

// venue_check/main.go
//
// 小工具：快速確認交易所連線與簽名是否正常。
//
// 用法（建議先用測試網或空帳戶）:
//
//   go run ./scripts/venue_check
//
// 相關環境變數（和主程式一致）:
//   VENUE / SYMBOL / TIMEFRAME / VENUE_TESTNET
//   BINGX_API_KEY / BINGX_API_SECRET
//   BINANCE_API_KEY / BINANCE_API_SECRET
//
// 控制測試行為:
//   VENUE_CHECK_PLACE_ORDERS  (default "false")
//        - false: 只做查詢類 API
//        - true : 送出極小的 MARKET 單後立即平倉
//   VENUE_CHECK_QTY           (default "0.0001")

type serverTimer interface {
	GetServerTime(ctx context.Context) (int64, error)
}

func main() {
	log.Println("=== Venue check starting ===")

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config load error: %v", err)
	}

	placeOrders := getenv("VENUE_CHECK_PLACE_ORDERS", "false") == "true"
	qty, err := strconv.ParseFloat(getenv("VENUE_CHECK_QTY", "0.0001"), 64)
	if err != nil || qty <= 0 {
		log.Fatalf("invalid VENUE_CHECK_QTY: %v", err)
	}

	key, secret := cfg.Credentials()
	var venue common.Venue
	switch cfg.Venue {
	case config.VenueBinance:
		venue = binancefutures.NewClient(binancefutures.Config{APIKey: key, APISecret: secret, Testnet: cfg.VenueTestnet})
	default:
		venue = bingx.NewClient(bingx.Config{APIKey: key, APISecret: secret, Testnet: cfg.VenueTestnet})
	}
	log.Printf("Config: venue=%s symbol=%s testnet=%v placeOrders=%v", venue.Name(), cfg.Symbol, cfg.VenueTestnet, placeOrders)

	if st, ok := venue.(serverTimer); ok {
		check("server time", func(ctx context.Context) error {
			ms, err := st.GetServerTime(ctx)
			if err == nil {
				offset := time.Duration(ms-time.Now().UnixMilli()) * time.Millisecond
				log.Printf("[TIME] server=%s offset=%s", time.UnixMilli(ms).UTC().Format(time.RFC3339), offset)
			}
			return err
		})
	}

	check("price", func(ctx context.Context) error {
		price, err := venue.GetCurrentPrice(ctx, cfg.Symbol)
		if err == nil {
			log.Printf("[PRICE] %s=%.2f", cfg.Symbol, price)
		}
		return err
	})

	check("candles", func(ctx context.Context) error {
		candles, err := venue.GetCandles(ctx, cfg.Symbol, cfg.Timeframe, 5)
		if err == nil && len(candles) > 0 {
			last := candles[len(candles)-1]
			log.Printf("[CANDLES] %d x %s, last %s O=%.2f H=%.2f L=%.2f C=%.2f",
				len(candles), cfg.Timeframe, last.Time.UTC().Format(time.RFC3339), last.Open, last.High, last.Low, last.Close)
		}
		return err
	})

	if key == "" || secret == "" {
		log.Println("[ACCOUNT] credentials empty, skipping signed checks")
		log.Println("=== Venue check finished ===")
		return
	}

	check("balance", func(ctx context.Context) error {
		bal, err := venue.GetAccountBalance(ctx)
		if err == nil {
			log.Printf("[BALANCE] %s balance=%.4f equity=%.4f available=%.4f used=%.4f",
				bal.Asset, bal.Balance, bal.Equity, bal.AvailableMargin, bal.UsedMargin)
		}
		return err
	})

	check("positions", func(ctx context.Context) error {
		positions, err := venue.GetOpenPositions(ctx, cfg.Symbol)
		if err == nil {
			log.Printf("[POSITIONS] %d open", len(positions))
			for _, p := range positions {
				log.Printf("[POSITIONS] %s %s qty=%.6f entry=%.2f mark=%.2f upnl=%.4f lev=%d",
					p.Symbol, p.Side, p.Qty, p.EntryPrice, p.MarkPrice, p.UnrealizedPnL, p.Leverage)
			}
		}
		return err
	})

	if !placeOrders {
		log.Println("[ORDER] Skip placing orders (VENUE_CHECK_PLACE_ORDERS=false)")
		log.Println("=== Venue check finished ===")
		return
	}

	var orderID string
	check("market order", func(ctx context.Context) error {
		res, err := venue.SubmitOrder(ctx, common.OrderRequest{
			Symbol:       cfg.Symbol,
			Side:         common.SideBuy,
			PositionSide: common.PositionLong,
			Type:         common.OrderTypeMarket,
			Qty:          qty, // 極小數量，避免實際影響太大
		})
		if err == nil {
			orderID = res.ExchangeOrderID
			log.Printf("[ORDER] SubmitOrder OK exch_id=%s status=%s", res.ExchangeOrderID, res.Status)
		}
		return err
	})
	if orderID == "" {
		log.Println("=== Venue check finished ===")
		return
	}

	check("order status", func(ctx context.Context) error {
		info, err := venue.GetOrder(ctx, cfg.Symbol, orderID)
		if err == nil {
			log.Printf("[ORDER] status=%s executed=%.6f avg=%.2f fee=%.6f", info.Status, info.ExecutedQty, info.AvgPrice, info.Fee)
		}
		return err
	})

	check("close position", func(ctx context.Context) error {
		res, err := venue.ClosePosition(ctx, cfg.Symbol, common.PositionLong, qty)
		if err == nil {
			log.Printf("[ORDER] ClosePosition OK exch_id=%s status=%s", res.ExchangeOrderID, res.Status)
		}
		return err
	})

	log.Println("=== Venue check finished ===")
}

func check(name string, fn func(ctx context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := fn(ctx); err != nil {
		log.Printf("❌ %s: %v", name, err)
		return
	}
	log.Printf("✓ %s", name)
}

func getenv(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}
