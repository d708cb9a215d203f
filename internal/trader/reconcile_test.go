package trader

import (
	"context"
	"math"
	"math/rand"
	"sync"
	"testing"
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/balance"
	"adx-trader/internal/events"
	"adx-trader/internal/indicators"
	"adx-trader/internal/market"
	"adx-trader/internal/order"
	"adx-trader/internal/position"
	"adx-trader/internal/reconciliation"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/internal/sizing"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/common"
)

// fakeLiveVenue answers the account and position reads of a live session.
type fakeLiveVenue struct {
	mu           sync.Mutex
	positions    []common.PositionInfo
	balance      float64
	balanceReads int
}

func (v *fakeLiveVenue) GetAccountBalance(context.Context) (common.AccountBalance, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.balanceReads++
	return common.AccountBalance{Asset: "USDT", Balance: v.balance, Equity: v.balance, AvailableMargin: v.balance}, nil
}

func (v *fakeLiveVenue) GetOpenPositions(context.Context, string) ([]common.PositionInfo, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]common.PositionInfo(nil), v.positions...), nil
}

func (v *fakeLiveVenue) reads() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.balanceReads
}

// liveSim fills like the simulator but books positions as live.
type liveSim struct{ *order.Simulated }

func (liveSim) Mode() order.Mode { return order.ModeLive }

type liveHarness struct {
	loop      *Loop
	venue     *fakeLiveVenue
	db        *db.Database
	risk      *risk.Manager
	positions *position.Manager
}

func newLiveHarness(t *testing.T) *liveHarness {
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
	// No candles: every tick is price, reconciliation and monitoring only.
	feed, err := market.NewFeed(&stubSource{price: 99800}, market.Config{
		Symbol:            "BTC-USDT",
		Timeframe:         "5m",
		RequestsPerSecond: 1000,
		Burst:             100,
	}, bus)
	if err != nil {
		t.Fatalf("NewFeed: %v", err)
	}

	venue := &fakeLiveVenue{balance: 100}
	exec := liveSim{order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(3)))}
	positions := position.NewManager(exec, database, bus, position.Config{Symbol: "BTC-USDT", Leverage: 5})
	accounts := balance.NewLive(venue)
	rm := risk.NewInMemory(risk.Config{
		InitialCapital:       100,
		DailyLossLimitPct:    5,
		MaxDrawdownPct:       15,
		ConsecutiveLossLimit: 3,
		MaxPositions:         2,
		WarningRatio:         0.8,
	})
	dispatcher := alerts.NewDispatcher(alerts.DefaultConfig())
	t.Cleanup(dispatcher.Close)

	loop, err := New(Config{
		Mode:             string(order.ModeLive),
		Venue:            "bingx",
		Symbol:           "BTC-USDT",
		Leverage:         5,
		RiskPerTradePct:  2,
		MaxPositions:     2,
		TickInterval:     10 * time.Millisecond,
		SignalInterval:   time.Hour,
		HealthInterval:   time.Hour,
		SnapshotInterval: time.Hour,
	}, Deps{
		Feed:       feed,
		Indicators: indicators.NewEngine(14, 3),
		Generator:  signal.NewGenerator(signal.DefaultConfig()),
		Filters:    signal.NewChain(signal.FilterConfig{}),
		Sizer:      sizing.NewSizer(sizing.Config{LotStep: 0.0001}),
		Risk:       rm,
		Executor:   exec,
		Positions:  positions,
		Accounts:   accounts,
		Reconciler: reconciliation.NewService(venue, positions, accounts, reconciliation.Config{Symbol: "BTC-USDT", Live: true}),
		Alerts:     dispatcher,
		Bus:        bus,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return &liveHarness{loop: loop, venue: venue, db: database, risk: rm, positions: positions}
}

func (h *liveHarness) openLong(t *testing.T) *position.Position {
	t.Helper()
	fill := order.FillResult{
		OrderID:      "o-entry",
		Symbol:       "BTC-USDT",
		Side:         common.SideBuy,
		PositionSide: common.PositionLong,
		Qty:          0.001,
		Price:        100000,
		Fee:          0.05,
		Status:       common.StatusFilled,
		Mode:         order.ModeLive,
	}
	p, err := h.positions.Open(context.Background(), fill, 99000, 102000, signal.Signal{ID: "s", Side: common.PositionLong})
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return p
}

func TestExternalCloseBookedOnceThroughLoop(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()
	p := h.openLong(t)

	reads := h.venue.reads()
	if err := h.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}

	trades, _ := h.db.ListTrades(ctx, 10, "")
	if len(trades) != 1 || trades[0].ID != p.ID || trades[0].ExitReason != string(risk.ExitExternallyClosed) {
		t.Fatalf("trades=%+v, expected one EXTERNALLY_CLOSED record for %s", trades, p.ID)
	}
	if math.Abs(trades[0].PnL+0.25) > 1e-9 {
		t.Fatalf("pnl=%v, expected -0.25 at 99800", trades[0].PnL)
	}
	st := h.risk.State()
	if st.TotalTrades != 1 || st.ConsecutiveLosses != 1 {
		t.Fatalf("risk trades=%d streak=%d, expected 1/1", st.TotalTrades, st.ConsecutiveLosses)
	}
	// reconciliation re-reads the balance once; the loop does not read it again
	if got := h.venue.reads() - reads; got != 1 {
		t.Fatalf("balance reads=%d, expected 1", got)
	}
	if h.loop.accountDirty {
		t.Fatalf("account still dirty after the reconciliation sync")
	}

	reads = h.venue.reads()
	if err := h.loop.tick(ctx); err != nil {
		t.Fatalf("second tick: %v", err)
	}
	trades, _ = h.db.ListTrades(ctx, 10, "")
	if len(trades) != 1 || h.risk.State().TotalTrades != 1 || h.venue.reads() != reads {
		t.Fatalf("second tick changed state: trades=%d risk trades=%d reads=%d",
			len(trades), h.risk.State().TotalTrades, h.venue.reads()-reads)
	}
}

func TestExternalLossesTripCircuit(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		h.openLong(t)
		if err := h.loop.tick(ctx); err != nil {
			t.Fatalf("tick %d: %v", i, err)
		}
		if got := h.risk.State().ConsecutiveLosses; got != i {
			t.Fatalf("streak=%d after %d external loss(es)", got, i)
		}
	}
	if st := h.risk.State(); st.State != risk.StateCircuitOpen {
		t.Fatalf("state=%s, expected CIRCUIT_OPEN after three external losses", st.State)
	}
	decision, _ := h.risk.CanOpen(h.positions.OpenCount())
	if decision.Allowed {
		t.Fatalf("entry allowed with the circuit open")
	}
}

func TestVenueHeldPositionIsNotClosed(t *testing.T) {
	h := newLiveHarness(t)
	ctx := context.Background()
	p := h.openLong(t)
	h.venue.positions = []common.PositionInfo{{Symbol: "BTC-USDT", Side: common.PositionLong, Qty: 0.001, EntryPrice: 100000}}

	if err := h.loop.tick(ctx); err != nil {
		t.Fatalf("tick: %v", err)
	}
	if _, ok := h.positions.Get(p.ID); !ok || h.risk.State().TotalTrades != 0 {
		t.Fatalf("position held on the venue was closed locally")
	}
}
