package main

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/api"
	"adx-trader/internal/balance"
	"adx-trader/internal/dashboard"
	"adx-trader/internal/events"
	"adx-trader/internal/indicators"
	"adx-trader/internal/market"
	"adx-trader/internal/monitor"
	"adx-trader/internal/order"
	"adx-trader/internal/persistence"
	"adx-trader/internal/position"
	"adx-trader/internal/reconciliation"
	"adx-trader/internal/risk"
	tradesignal "adx-trader/internal/signal"
	"adx-trader/internal/sizing"
	"adx-trader/internal/trader"
	"adx-trader/pkg/config"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/binancefutures"
	"adx-trader/pkg/exchanges/bingx"
	"adx-trader/pkg/exchanges/common"
	"adx-trader/pkg/i18n"
)

func main() {
	log.SetFlags(log.LstdFlags | log.Lmicroseconds)

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	i18n.SetLanguage(i18n.Language(cfg.Language))
	log.Println(i18n.Get("Starting"))
	log.Printf(i18n.Get("ConfigLoaded"), cfg.Mode, cfg.Venue, cfg.Symbol, cfg.Timeframe)
	log.Printf(i18n.Get("UsingDBPath"), cfg.DBPath)

	buildVersion := os.Getenv("APP_VERSION")
	if buildVersion == "" {
		buildVersion = "v1.0-dev"
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// Core services
	bus := events.NewBus()

	if dir := filepath.Dir(cfg.DBPath); cfg.DBPath != ":memory:" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			log.Fatalf(i18n.Get("DBInitFailed"), err)
		}
	}
	database, err := db.New(cfg.DBPath)
	if err != nil {
		log.Fatalf(i18n.Get("DBInitFailed"), err)
	}
	defer database.Close()
	if err := db.ApplyMigrations(database); err != nil {
		log.Fatalf(i18n.Get("DBMigrationsFailed"), err)
	}

	// Venue and market data
	var venue common.Venue
	if cfg.IsLive() || cfg.MarketData != "mock" {
		venue = newVenue(cfg)
	}
	var source market.Source
	if cfg.MarketData == "mock" {
		frame, err := market.TimeframeDuration(cfg.Timeframe)
		if err != nil {
			log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
		}
		source = market.NewMockSource(100000, frame, time.Now().UnixNano())
		log.Println(i18n.Get("MockFeedStarted"))
	} else {
		source = venue
		log.Printf(i18n.Get("VenueFeedStarted"), venue.Name())
	}
	feed, err := market.NewFeed(source, market.Config{
		Symbol:            cfg.Symbol,
		Timeframe:         cfg.Timeframe,
		RequestsPerSecond: 5,
		Burst:             2,
		ClosedOnly:        true,
	}, bus)
	if err != nil {
		log.Fatalf(i18n.Get("ConfigLoadFailed"), err)
	}

	// Execution and account
	var exec order.Executor
	var accounts *balance.Manager
	var reconciler *reconciliation.Service
	if cfg.IsLive() {
		log.Printf(i18n.Get("LiveModeWarning"), venue.Name(), cfg.VenueTestnet)
		for _, side := range []common.PositionSide{common.PositionLong, common.PositionShort} {
			if err := venue.SetLeverage(ctx, cfg.Symbol, side, cfg.Leverage); err != nil {
				log.Printf(i18n.Get("LeverageSetFailed"), cfg.Symbol, err)
			}
		}
		log.Printf(i18n.Get("LeverageSet"), cfg.Leverage, cfg.Symbol)
		exec = order.NewLive(venue, order.LiveConfig{
			Symbol:       cfg.Symbol,
			FillTimeout:  cfg.FillTimeout,
			PollInterval: cfg.FillPollInterval,
			MaxAttempts:  cfg.MaxOrderAttempts,
			RetryMin:     500 * time.Millisecond,
			RetryMax:     5 * time.Second,
		})
		accounts = balance.NewLive(venue)
		if _, err := accounts.Sync(ctx); err != nil {
			log.Fatalf(i18n.Get("VenueInitFailed"), venue.Name(), err)
		}
	} else {
		log.Printf(i18n.Get("SimulatedMode"), cfg.InitialCapital)
		exec = order.NewSimulated(order.SimConfig{
			Symbol:      cfg.Symbol,
			FeeRate:     cfg.SimFeeRate,
			SlippageBps: cfg.SimSlippageBps,
		}, rand.New(rand.NewSource(time.Now().UnixNano())))
		accounts = balance.NewSimulated(cfg.InitialCapital)
	}

	// Risk manager, anchored on the live wallet when trading for real
	riskCfg := risk.Config{
		InitialCapital:       cfg.InitialCapital,
		DailyLossLimitPct:    cfg.DailyLossLimitPct,
		MaxDrawdownPct:       cfg.MaxDrawdownPct,
		ConsecutiveLossLimit: cfg.ConsecutiveLossLimit,
		MaxPositions:         cfg.MaxPositions,
		WarningRatio:         cfg.RiskWarningRatio,
	}
	if accounts.IsLive() {
		riskCfg.InitialCapital = accounts.Account().Balance
	}
	riskMgr, err := risk.NewManager(ctx, riskCfg, database)
	if err != nil {
		log.Printf(i18n.Get("RiskManagerInitFailed"), err)
		riskMgr = risk.NewInMemory(riskCfg)
	}
	log.Printf(i18n.Get("RiskManagerInit"), riskCfg.DailyLossLimitPct, riskCfg.MaxDrawdownPct,
		riskCfg.ConsecutiveLossLimit, riskCfg.MaxPositions)
	if st := riskMgr.State(); st.State != risk.StateNormal {
		log.Printf(i18n.Get("RiskStateRestored"), st.State, st.Reason)
	}

	positions := position.NewManager(exec, database, bus, position.Config{
		Symbol:   cfg.Symbol,
		Leverage: cfg.Leverage,
		MinHold:  cfg.MinHold,
		MaxHold:  cfg.MaxHold,
		Trailing: risk.Trailing{
			ActivationPct: cfg.TrailingActivationPct,
			DistancePct:   cfg.TrailingDistancePct,
		},
		StopResyncPct: cfg.TrailingResyncPct,
		RecentLimit:   50,
	})
	if cfg.IsLive() {
		reconciler = reconciliation.NewService(venue, positions, accounts, reconciliation.Config{
			Symbol: cfg.Symbol,
			Live:   true,
			Grace:  cfg.ReconcileGrace,
		})
		log.Printf(i18n.Get("ReconStarted"), cfg.ReconcileGrace)
	}

	// Strategy
	generator := tradesignal.NewGenerator(tradesignal.Config{
		ADXThreshold: cfg.ADXThreshold,
		MinSlope:     cfg.MinSlope,
		MinSpread:    cfg.MinDISpread,
		SLMultiple:   cfg.SLMultiplier,
		TPMultiple:   cfg.TPMultiplier,
		LongBias:     cfg.LongBias,
		ShortBias:    cfg.ShortBias,
	})
	log.Printf(i18n.Get("StrategyParams"), cfg.ADXPeriod, cfg.SlopePeriod, cfg.ADXThreshold,
		cfg.MinSlope, cfg.MinDISpread, cfg.SLMultiplier, cfg.TPMultiplier)

	deny, err := tradesignal.ParseWindows(cfg.TradingDenyHours)
	if err != nil {
		log.Fatalf(i18n.Get("InvalidDenyWindows"), err)
	}
	filters := tradesignal.NewChain(tradesignal.FilterConfig{
		Cooldown:          cfg.SignalCooldown,
		TimeFilterEnabled: cfg.TimeFilterEnabled,
		TradingHours:      tradesignal.Window{Start: cfg.TradingHoursStart, End: cfg.TradingHoursEnd},
		DenyWindows:       deny,
		MinConfidence:     cfg.MinConfidence,
		MinVolumeRank:     cfg.MinVolumeRank,
		MinVolatilityPct:  cfg.MinVolatilityPct,
	})
	log.Printf(i18n.Get("FilterParams"), cfg.SignalCooldown, cfg.MinConfidence, cfg.TimeFilterEnabled)

	sizer := sizing.NewSizer(sizing.Config{
		LotStep:        cfg.LotStep,
		MinNotional:    cfg.MinNotional,
		MaxPositionPct: cfg.MaxPositionPct,
	})
	log.Printf(i18n.Get("SizingParams"), cfg.RiskPerTradePct, cfg.Leverage, cfg.LotStep)

	// Observability
	dispatcher := newDispatcher(cfg, bus)
	defer dispatcher.Close()

	sysMetrics := monitor.NewMetrics()
	health := monitor.NewHealth()
	// the monitor outlives ctx so shutdown closes still reach the metrics
	monCtx, monCancel := context.WithCancel(context.Background())
	defer monCancel()
	mon := &monitor.Monitor{Bus: bus, Metrics: sysMetrics}
	mon.Start(monCtx)

	journal := persistence.NewBatchWriter(database, 50, time.Minute)

	snapshots := dashboard.NewStore(bus)

	loop, err := trader.New(trader.Config{
		Mode:             cfg.Mode,
		Venue:            cfg.Venue,
		Symbol:           cfg.Symbol,
		CandleLimit:      cfg.CandleLimit,
		Leverage:         cfg.Leverage,
		RiskPerTradePct:  cfg.RiskPerTradePct,
		MaxPositions:     cfg.MaxPositions,
		TickInterval:     cfg.TickInterval,
		SignalInterval:   cfg.SignalInterval,
		HealthInterval:   cfg.HealthInterval,
		SnapshotInterval: cfg.SnapshotInterval,
		SessionDuration:  cfg.SessionDuration,
		CloseOnShutdown:  cfg.CloseOnShutdown,
		SnapshotPath:     cfg.SnapshotPath,
	}, trader.Deps{
		Feed:       feed,
		Indicators: indicators.NewEngine(cfg.ADXPeriod, cfg.SlopePeriod),
		Generator:  generator,
		Filters:    filters,
		Sizer:      sizer,
		Risk:       riskMgr,
		Executor:   exec,
		Positions:  positions,
		Accounts:   accounts,
		Reconciler: reconciler,
		Alerts:     dispatcher,
		Metrics:    sysMetrics,
		Health:     health,
		Snapshots:  snapshots,
		Journal:    journal,
		Bus:        bus,
	})
	if err != nil {
		log.Fatalf("trader: %v", err)
	}
	log.Printf(i18n.Get("SessionBound"), cfg.SessionDuration, cfg.CloseOnShutdown)

	// API
	server := api.NewServer(api.Deps{
		Bus:       bus,
		Snapshots: snapshots,
		Trades:    database,
		Alerts:    dispatcher,
		Metrics:   sysMetrics,
		Health:    health,
		Control:   loop,
	}, api.SystemMeta{
		Mode:    cfg.Mode,
		Venue:   cfg.Venue,
		Symbol:  cfg.Symbol,
		Testnet: cfg.VenueTestnet,
		Version: buildVersion,
	}, cfg.ControlJWTSecret)
	if cfg.ControlJWTSecret == "" {
		log.Println(i18n.Get("ControlDisabled"))
	} else {
		log.Println(i18n.Get("ControlEnabled"))
	}
	if cfg.APIAddr != "" {
		go func() {
			log.Printf(i18n.Get("ServerListening"), cfg.APIAddr)
			if err := server.Start(cfg.APIAddr); err != nil {
				log.Printf(i18n.Get("APIServerError"), err)
			}
		}()
	}

	if err := loop.Run(ctx); err != nil {
		log.Printf("🚨 trading loop: %v", err)
	}

	log.Println(i18n.Get("ShuttingDown"))
	stop()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf(i18n.Get("APIServerError"), err)
	}
	monCancel()
	mon.Wait()
	if err := journal.Close(); err != nil {
		log.Printf("⚠️ journal close: %v", err)
	}
	log.Println(i18n.Get("ShutdownComplete"))
}

func newVenue(cfg *config.Config) common.Venue {
	key, secret := cfg.Credentials()
	switch cfg.Venue {
	case config.VenueBinance:
		return binancefutures.NewClient(binancefutures.Config{
			APIKey:    key,
			APISecret: secret,
			Testnet:   cfg.VenueTestnet,
		})
	case config.VenueBingX:
		return bingx.NewClient(bingx.Config{
			APIKey:    key,
			APISecret: secret,
			Testnet:   cfg.VenueTestnet,
		})
	}
	log.Fatalf(i18n.Get("VenueInitFailed"), cfg.Venue, fmt.Errorf("unsupported venue"))
	return nil
}

// newDispatcher always logs and publishes on the bus; Telegram and the
// webhook join when configured.
func newDispatcher(cfg *config.Config, bus *events.Bus) *alerts.Dispatcher {
	sinks := []alerts.Sink{alerts.LogSink{}, alerts.BusSink{Bus: bus}}
	if cfg.TelegramBotToken != "" && cfg.TelegramChatID != 0 {
		tg, err := alerts.NewTelegramSink(cfg.TelegramBotToken, cfg.TelegramChatID)
		if err != nil {
			log.Printf(i18n.Get("TelegramInitFailed"), err)
		} else {
			sinks = append(sinks, tg)
			log.Printf(i18n.Get("TelegramEnabled"), cfg.TelegramChatID)
		}
	}
	if cfg.AlertWebhookURL != "" {
		sinks = append(sinks, alerts.NewWebhookSink(cfg.AlertWebhookURL))
		log.Printf(i18n.Get("WebhookEnabled"), cfg.AlertWebhookURL)
	}

	acfg := alerts.DefaultConfig()
	if cfg.AlertMinLevel != "" {
		acfg.MinLevel = alerts.ParseLevel(cfg.AlertMinLevel)
	}
	return alerts.NewDispatcher(acfg, sinks...)
}
