package main

import (
	"context"
	"flag"
	"log"
	"math/rand"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/balance"
	"adx-trader/internal/indicators"
	"adx-trader/internal/market"
	"adx-trader/internal/order"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/internal/sizing"
	"adx-trader/internal/trader"
	"adx-trader/pkg/db"
)

// dry_run_demo runs the full trading loop against the random-walk mock feed
// with an in-memory journal. It does not touch a venue or the real DB.
//
// Usage:
//   go run ./scripts/dry_run_demo -duration 2m -tick 200ms -seed 42
//
// Every tick runs a signal cycle, so the demo shows entries, exits and the
// risk gate in minutes instead of hours.

func main() {
	duration := flag.Duration("duration", 2*time.Minute, "session length")
	tick := flag.Duration("tick", 200*time.Millisecond, "tick interval")
	seed := flag.Int64("seed", 42, "mock feed and slippage seed")
	capital := flag.Float64("capital", 100, "initial capital")
	flag.Parse()

	log.Println("=== DRY-RUN demo starting ===")

	database, err := db.New(":memory:")
	if err != nil {
		log.Fatalf("init DB error: %v", err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf("migrations error: %v", err)
	}

	const symbol = "BTC-USDT"
	feed, err := market.NewFeed(market.NewMockSource(100000, time.Minute, *seed), market.Config{
		Symbol:            symbol,
		Timeframe:         "1m",
		RequestsPerSecond: 100,
		Burst:             10,
	}, nil)
	if err != nil {
		log.Fatalf("feed error: %v", err)
	}

	exec := order.NewSimulated(order.SimConfig{Symbol: symbol, FeeRate: 0.0005, SlippageBps: 2}, rand.New(rand.NewSource(*seed)))
	riskCfg := risk.DefaultConfig()
	riskCfg.InitialCapital = *capital
	dispatcher := alerts.NewDispatcher(alerts.DefaultConfig(), alerts.LogSink{})
	defer dispatcher.Close()

	loop, err := trader.New(trader.Config{
		Mode:             string(order.ModeSimulated),
		Venue:            "mock",
		Symbol:           symbol,
		CandleLimit:      200,
		Leverage:         5,
		RiskPerTradePct:  2,
		MaxPositions:     2,
		TickInterval:     *tick,
		SignalInterval:   *tick,
		HealthInterval:   30 * time.Second,
		SnapshotInterval: *tick,
		SessionDuration:  *duration,
		CloseOnShutdown:  true,
	}, trader.Deps{
		Feed:       feed,
		Indicators: indicators.NewEngine(14, 3),
		Generator:  signal.NewGenerator(signal.DefaultConfig()),
		Filters:    signal.NewChain(signal.FilterConfig{Cooldown: 10 * *tick, MinConfidence: 60}),
		Sizer:      sizing.NewSizer(sizing.Config{LotStep: 0.0001}),
		Risk:       risk.NewInMemory(riskCfg),
		Executor:   exec,
		Positions:  position.NewManager(exec, database, nil, position.Config{Symbol: symbol, Leverage: 5}),
		Accounts:   balance.NewSimulated(*capital),
		Alerts:     dispatcher,
	})
	if err != nil {
		log.Fatalf("trader error: %v", err)
	}

	if err := loop.Run(context.Background()); err != nil {
		log.Fatalf("run error: %v", err)
	}

	stats, err := database.GetTradeStats(context.Background(), string(order.ModeSimulated))
	if err != nil {
		log.Fatalf("stats error: %v", err)
	}
	log.Printf("Trades=%d wins=%d losses=%d win_rate=%.1f%% pnl=%+.4f profit_factor=%.2f",
		stats.TotalTrades, stats.Wins, stats.Losses, stats.WinRate, stats.TotalPnL, stats.ProfitFactor)
	log.Println("=== DRY-RUN demo finished ===")
}
