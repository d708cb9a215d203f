package trader

import (
	"context"
	"encoding/json"
	"errors"
	"math"
	"math/rand"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/balance"
	"adx-trader/internal/dashboard"
	"adx-trader/internal/events"
	"adx-trader/internal/indicators"
	"adx-trader/internal/market"
	"adx-trader/internal/monitor"
	"adx-trader/internal/order"
	"adx-trader/internal/persistence"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/internal/sizing"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/common"
)

// stubSource serves a fixed candle set and a settable price.
type stubSource struct {
	mu      sync.Mutex
	price   float64
	err     error
	candles []common.Candle
}

func (s *stubSource) GetCurrentPrice(_ context.Context, _ string) (float64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.price, s.err
}

func (s *stubSource) GetCandles(_ context.Context, _, _ string, limit int) ([]common.Candle, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := s.candles
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return append([]common.Candle(nil), out...), nil
}

// trendCandles is 60 choppy bars around 100000 followed by 12 bars rising
// 300 each. With ADX(14) and a 3 bar slope the last bar reads ADX ~38.4,
// slope ~9.9, DI spread ~55 and ATR ~317.8, so a LONG at 103550.
func trendCandles() []common.Candle {
	start := time.Date(2024, 6, 3, 0, 0, 0, 0, time.UTC)
	var out []common.Candle
	for i := 0; i < 60; i++ {
		cl := 100000.0 - 50
		if i%2 == 0 {
			cl = 100000.0 + 50
		}
		out = append(out, common.Candle{Time: start.Add(time.Duration(i) * 5 * time.Minute),
			Open: cl, High: cl + 100, Low: cl - 100, Close: cl, Volume: 10})
	}
	price := out[len(out)-1].Close
	for i := 0; i < 12; i++ {
		price += 300
		out = append(out, common.Candle{Time: start.Add(time.Duration(60+i) * 5 * time.Minute),
			Open: price - 300, High: price + 100, Low: price - 100, Close: price, Volume: 25})
	}
	return out
}

// panicExec blows up on entry.
type panicExec struct{ *order.Simulated }

func (panicExec) PlaceEntry(context.Context, signal.Signal, float64, float64) (order.FillResult, error) {
	panic("venue adapter exploded")
}

type harness struct {
	loop      *Loop
	src       *stubSource
	db        *db.Database
	bus       *events.Bus
	alerts    *alerts.Dispatcher
	risk      *risk.Manager
	positions *position.Manager
	health    *monitor.Health
	metrics   *monitor.Metrics
	journal   *persistence.BatchWriter
	cfg       Config
}

func newHarness(t *testing.T, exec order.Executor, mutate func(*Config)) *harness {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	bus := events.NewBus()
	src := &stubSource{price: 103550, candles: trendCandles()}
	feed, err := market.NewFeed(src, market.Config{
		Symbol:            "BTC-USDT",
		Timeframe:         "5m",
		RequestsPerSecond: 1000,
		Burst:             100,
	}, bus)
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}

	if exec == nil {
		exec = order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT", FeeRate: 0.0005}, rand.New(rand.NewSource(7)))
	}
	rm := risk.NewInMemory(risk.Config{
		InitialCapital:       100,
		DailyLossLimitPct:    5,
		MaxDrawdownPct:       15,
		ConsecutiveLossLimit: 3,
		MaxPositions:         2,
		WarningRatio:         0.8,
	})
	positions := position.NewManager(exec, database, bus, position.Config{Symbol: "BTC-USDT", Leverage: 5})
	dispatcher := alerts.NewDispatcher(alerts.DefaultConfig())
	t.Cleanup(dispatcher.Close)
	journal := persistence.NewBatchWriter(database, 10, time.Hour)
	t.Cleanup(func() { journal.Close() })

	cfg := Config{
		Mode:             string(order.ModeSimulated),
		Venue:            "bingx",
		Symbol:           "BTC-USDT",
		CandleLimit:      200,
		Leverage:         5,
		RiskPerTradePct:  2,
		MaxPositions:     2,
		TickInterval:     10 * time.Millisecond,
		SignalInterval:   time.Hour,
		HealthInterval:   time.Hour,
		SnapshotInterval: 20 * time.Millisecond,
		SessionDuration:  250 * time.Millisecond,
		CloseOnShutdown:  true,
		SnapshotPath:     filepath.Join(t.TempDir(), "final_snapshot.json"),
	}
	if mutate != nil {
		mutate(&cfg)
	}

	h := &harness{
		src:       src,
		db:        database,
		bus:       bus,
		alerts:    dispatcher,
		risk:      rm,
		positions: positions,
		health:    monitor.NewHealth(),
		metrics:   monitor.NewMetrics(),
		journal:   journal,
		cfg:       cfg,
	}
	loop, err := New(cfg, Deps{
		Feed:       feed,
		Indicators: indicators.NewEngine(14, 3),
		Generator:  signal.NewGenerator(signal.DefaultConfig()),
		Filters:    signal.NewChain(signal.FilterConfig{Cooldown: 15 * time.Minute, MinConfidence: 60}),
		Sizer:      sizing.NewSizer(sizing.Config{LotStep: 0.0001}),
		Risk:       rm,
		Executor:   exec,
		Positions:  positions,
		Accounts:   balance.NewSimulated(100),
		Alerts:     dispatcher,
		Metrics:    h.metrics,
		Health:     h.health,
		Snapshots:  dashboard.NewStore(bus),
		Journal:    journal,
		Bus:        bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	h.loop = loop
	return h
}

func drainSignals(ch <-chan any) []events.SignalEvent {
	var out []events.SignalEvent
	for {
		select {
		case msg := <-ch:
			if ev, ok := msg.(events.SignalEvent); ok {
				out = append(out, ev)
			}
		default:
			return out
		}
	}
}

func hasAlert(list []alerts.Alert, kind alerts.Kind) bool {
	for _, a := range list {
		if a.Kind == kind {
			return true
		}
	}
	return false
}

func TestNewRequiresCollaborators(t *testing.T) {
	if _, err := New(DefaultConfig(), Deps{}); err == nil {
		t.Fatalf("expected error without a feed")
	}
}

func TestEntryLevelsFollowFillPrice(t *testing.T) {
	exec := order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(1)))
	h := newHarness(t, exec, nil)

	sig := signal.Signal{
		ID:             "sig-fill",
		Side:           common.PositionLong,
		Confidence:     80,
		ReferencePrice: 100000,
		ATR:            400,
		SLMultiple:     2,
		TPMultiple:     4,
		StopLoss:       99200,
		TakeProfit:     101600,
		Timestamp:      time.Now().UTC(),
	}
	pos, err := h.loop.enter(context.Background(), sig, 0.004, 102000)
	if err != nil {
		t.Fatalf("enter: %v", err)
	}
	if pos.EntryPrice != 102000 {
		t.Fatalf("EntryPrice=%v, expected 102000", pos.EntryPrice)
	}
	if math.Abs(pos.StopLoss-101200) > 1e-9 || math.Abs(pos.TakeProfit-103600) > 1e-9 {
		t.Fatalf("levels SL=%v TP=%v, expected 101200 / 103600", pos.StopLoss, pos.TakeProfit)
	}
	if _, ok := h.loop.filters.Cooldown().Last(common.PositionLong); !ok {
		t.Fatalf("expected cooldown marked after the fill")
	}
	if v := h.loop.filters.Apply(signal.Signal{Side: common.PositionLong, Confidence: 90, Timestamp: time.Now().UTC()}); v.Passed {
		t.Fatalf("expected a second LONG inside the cooldown to be rejected")
	}
}

func TestRunOpensOnTrendAndClosesOnShutdown(t *testing.T) {
	h := newHarness(t, nil, nil)
	signals, unsub := h.bus.Subscribe(events.EventSignal, 16)
	defer unsub()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := h.loop.Run(ctx); err != nil {
		t.Fatalf("Run: %v", err)
	}

	evs := drainSignals(signals)
	if len(evs) == 0 || evs[0].Outcome != OutcomeExecuted || evs[0].Side != string(common.PositionLong) {
		t.Fatalf("signal events=%+v, expected one executed LONG", evs)
	}

	n, err := h.db.CountTradesByReason(context.Background(), string(risk.ExitShutdown))
	if err != nil {
		t.Fatalf("CountTradesByReason: %v", err)
	}
	if n != 1 {
		t.Fatalf("SHUTDOWN trades=%d, expected 1", n)
	}
	if h.positions.OpenCount() != 0 {
		t.Fatalf("OpenCount=%d, expected 0 after shutdown", h.positions.OpenCount())
	}
	st := h.risk.State()
	if st.TotalTrades != 1 || st.Losses != 1 {
		t.Fatalf("risk trades=%d losses=%d, expected a fee-only loss", st.TotalTrades, st.Losses)
	}

	raw, err := os.ReadFile(h.cfg.SnapshotPath)
	if err != nil {
		t.Fatalf("final snapshot: %v", err)
	}
	var snap dashboard.Snapshot
	if err := json.Unmarshal(raw, &snap); err != nil {
		t.Fatalf("decode snapshot: %v", err)
	}
	if snap.Stats.TotalTrades != 1 || len(snap.OpenPositions) != 0 || snap.Price != 103550 {
		t.Fatalf("snapshot stats=%+v open=%d price=%v", snap.Stats, len(snap.OpenPositions), snap.Price)
	}
	if snap.LastSignal == nil || snap.LastSignal.Side != common.PositionLong {
		t.Fatalf("LastSignal=%+v, expected the LONG candidate", snap.LastSignal)
	}

	recent := h.alerts.Recent(0, "")
	for _, kind := range []alerts.Kind{alerts.KindPositionOpened, alerts.KindPositionClosed, alerts.KindSession} {
		if !hasAlert(recent, kind) {
			t.Fatalf("missing %s alert in %+v", kind, recent)
		}
	}

	if err := h.journal.Flush(); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	perf, err := h.db.ListPerformanceSnapshots(context.Background(), 10)
	if err != nil {
		t.Fatalf("ListPerformanceSnapshots: %v", err)
	}
	if len(perf) == 0 {
		t.Fatalf("expected a performance sample from the signal cycle")
	}
}

func TestCircuitOpenBlocksEntry(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.SessionDuration = 60 * time.Millisecond })
	now := time.Now()
	for i := 0; i < 3; i++ {
		h.risk.RecordClose(-0.5, now)
	}
	if h.risk.State().State != risk.StateCircuitOpen {
		t.Fatalf("State=%s, expected CIRCUIT_OPEN after three losses", h.risk.State().State)
	}
	signals, unsub := h.bus.Subscribe(events.EventSignal, 16)
	defer unsub()

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	evs := drainSignals(signals)
	if len(evs) != 1 || evs[0].Outcome != OutcomeRiskBlocked {
		t.Fatalf("signal events=%+v, expected one risk_blocked", evs)
	}
	if n, _ := h.db.CountTradesByReason(context.Background(), string(risk.ExitShutdown)); n != 0 {
		t.Fatalf("SHUTDOWN trades=%d, expected no entry", n)
	}
}

func TestControlResetAppliedOnLoop(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) {
		c.SessionDuration = 80 * time.Millisecond
		c.SignalInterval = time.Hour
	})
	now := time.Now()
	for i := 0; i < 3; i++ {
		h.risk.RecordClose(-0.5, now)
	}
	h.src.mu.Lock()
	h.src.candles = h.src.candles[:20] // too short for a signal
	h.src.mu.Unlock()

	if err := h.loop.RequestRiskReset("ops", "reviewed"); err != nil {
		t.Fatalf("RequestRiskReset: %v", err)
	}
	if h.risk.State().State != risk.StateCircuitOpen {
		t.Fatalf("reset must not run on the caller's goroutine")
	}
	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	st := h.risk.State()
	if st.State != risk.StateNormal || st.ConsecutiveLosses != 0 {
		t.Fatalf("risk=%+v, expected NORMAL with the streak cleared", st)
	}
}

func TestControlQueueFull(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.ControlBuffer = 1 })
	if err := h.loop.RequestCloseAll("ops", ""); err != nil {
		t.Fatalf("first request: %v", err)
	}
	if err := h.loop.RequestCloseAll("ops", ""); !errors.Is(err, ErrControlBusy) {
		t.Fatalf("err=%v, expected ErrControlBusy", err)
	}
}

func TestControlCloseAllIsManual(t *testing.T) {
	h := newHarness(t, nil, func(c *Config) { c.CloseOnShutdown = false })
	ctx := context.Background()

	h.loop.tick(ctx)
	if h.positions.OpenCount() != 1 {
		t.Fatalf("OpenCount=%d, expected the trend entry", h.positions.OpenCount())
	}
	if err := h.loop.RequestCloseAll("ops", "flatten"); err != nil {
		t.Fatalf("RequestCloseAll: %v", err)
	}
	h.loop.tick(ctx)
	if h.positions.OpenCount() != 0 {
		t.Fatalf("OpenCount=%d, expected 0", h.positions.OpenCount())
	}
	if n, _ := h.db.CountTradesByReason(ctx, string(risk.ExitManual)); n != 1 {
		t.Fatalf("MANUAL trades=%d, expected 1", n)
	}
}

func TestPanicInTickBecomesCriticalAlert(t *testing.T) {
	base := order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(1)))
	h := newHarness(t, panicExec{base}, func(c *Config) { c.SessionDuration = 60 * time.Millisecond })

	if err := h.loop.Run(context.Background()); err != nil {
		t.Fatalf("Run: %v", err)
	}
	critical := h.alerts.Recent(0, alerts.LevelCritical)
	if !hasAlert(critical, alerts.KindFatalError) {
		t.Fatalf("critical alerts=%+v, expected FATAL_ERROR", critical)
	}
	m := h.metrics.GetSnapshot()
	if m.TicksProcessed < 2 || m.ErrorsCount < 1 {
		t.Fatalf("ticks=%d errors=%d, expected the loop to keep ticking after the panic", m.TicksProcessed, m.ErrorsCount)
	}
}

func TestPriceErrorSkipsTick(t *testing.T) {
	h := newHarness(t, nil, nil)
	h.src.mu.Lock()
	h.src.err = errors.New("connection reset")
	h.src.mu.Unlock()

	for i := 0; i < 3; i++ {
		h.loop.runTick(context.Background())
	}
	if h.positions.OpenCount() != 0 {
		t.Fatalf("OpenCount=%d, expected no entry without data", h.positions.OpenCount())
	}
	report := h.health.Report()
	var feed monitor.ComponentHealth
	for _, c := range report.Components {
		if c.Name == monitor.ComponentFeed {
			feed = c
		}
	}
	if feed.Failures != 3 || feed.Status == monitor.StatusOnline {
		t.Fatalf("feed health=%+v, expected 3 failures", feed)
	}
	if got := h.metrics.GetSnapshot().ErrorsCount; got != 3 {
		t.Fatalf("ErrorsCount=%d, expected 3", got)
	}
}
