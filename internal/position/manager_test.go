package position

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"testing"
	"time"

	"adx-trader/internal/events"
	"adx-trader/internal/indicators"
	"adx-trader/internal/order"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/common"
)

type clock struct{ t time.Time }

func (c *clock) now() time.Time { return c.t }

func (c *clock) advance(d time.Duration) { c.t = c.t.Add(d) }

// countingExec records close orders sent to the venue.
type countingExec struct {
	*order.Simulated
	closes int
}

func (c *countingExec) ClosePosition(ctx context.Context, req order.CloseRequest) (order.FillResult, error) {
	c.closes++
	return c.Simulated.ClosePosition(ctx, req)
}

// liveExec reports live mode on top of the simulator and can fail or
// partially fill closes.
type liveExec struct {
	*order.Simulated
	closeErr error
	closeQty float64
	placed   []order.ProtectiveRequest
}

func (l *liveExec) Mode() order.Mode { return order.ModeLive }

func (l *liveExec) ClosePosition(ctx context.Context, req order.CloseRequest) (order.FillResult, error) {
	if l.closeErr != nil {
		return order.FillResult{}, l.closeErr
	}
	if l.closeQty > 0 {
		req.Qty = l.closeQty
	}
	return l.Simulated.ClosePosition(ctx, req)
}

func (l *liveExec) PlaceProtectiveExits(ctx context.Context, req order.ProtectiveRequest) ([]string, error) {
	l.placed = append(l.placed, req)
	return l.Simulated.PlaceProtectiveExits(ctx, req)
}

func newLiveManager(t *testing.T, cfg Config, store Store) (*Manager, *liveExec) {
	t.Helper()
	exec := &liveExec{Simulated: order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(1)))}
	m := NewManager(exec, store, events.NewBus(), cfg)
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.SetClock(c.now)
	return m, exec
}

func newTestDB(t *testing.T) *db.Database {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })
	return database
}

func newTestManager(t *testing.T, cfg Config, store Store) (*Manager, *countingExec, *clock) {
	t.Helper()
	exec := &countingExec{Simulated: order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(1)))}
	m := NewManager(exec, store, events.NewBus(), cfg)
	c := &clock{t: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
	m.SetClock(c.now)
	return m, exec, c
}

func testSignal(side common.PositionSide, ref float64) signal.Signal {
	sig := signal.Signal{
		ID:             "sig-1",
		Side:           side,
		ReferencePrice: ref,
		ATR:            400,
		SLMultiple:     2,
		TPMultiple:     4,
		Indicators:     indicators.Snapshot{ADX: 30, PlusDI: 30, MinusDI: 15, ATR: 400},
	}
	sig.StopLoss, sig.TakeProfit = sig.LevelsAt(ref)
	return sig
}

func fillAt(side common.PositionSide, price, qty float64) order.FillResult {
	return order.FillResult{
		OrderID:      "fill-1",
		Symbol:       "BTC-USDT",
		Side:         side.EntrySide(),
		PositionSide: side,
		Qty:          qty,
		Price:        price,
		Status:       common.StatusFilled,
		Mode:         order.ModeSimulated,
	}
}

func approx(a, b float64) bool { return math.Abs(a-b) < 1e-6 }

func TestOpenAnchorsLevelsOnFill(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig(), nil)
	sig := testSignal(common.PositionLong, 100000)
	fill := fillAt(common.PositionLong, 102000, 0.004)

	sl, tp := sig.LevelsAt(fill.Price)
	p, err := m.Open(context.Background(), fill, sl, tp, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if p.StopLoss != 101200 || p.TakeProfit != 103600 {
		t.Fatalf("levels=%v/%v, expected 101200/103600", p.StopLoss, p.TakeProfit)
	}
	if p.StopLoss == sig.StopLoss {
		t.Fatalf("stop loss %v still anchored on the reference price", p.StopLoss)
	}
	if !(p.StopLoss < p.EntryPrice && p.EntryPrice < p.TakeProfit) {
		t.Fatalf("LONG ordering broken: %v < %v < %v", p.StopLoss, p.EntryPrice, p.TakeProfit)
	}
	if len(p.ProtectiveOrderIDs) != 2 {
		t.Fatalf("protective ids=%v, expected 2", p.ProtectiveOrderIDs)
	}
	if m.OpenCount() != 1 {
		t.Fatalf("OpenCount=%d, expected 1", m.OpenCount())
	}
}

func TestOpenRejectsMisorderedLevels(t *testing.T) {
	m, _, _ := newTestManager(t, DefaultConfig(), nil)
	ctx := context.Background()

	// Levels computed from a 100000 reference do not bracket a 102000 fill.
	sig := testSignal(common.PositionLong, 100000)
	if _, err := m.Open(ctx, fillAt(common.PositionLong, 102000, 0.004), sig.StopLoss, sig.TakeProfit, sig); err == nil {
		t.Fatalf("expected rejection of LONG levels 99200/101600 around a 102000 fill")
	}

	short := testSignal(common.PositionShort, 100000)
	if _, err := m.Open(ctx, fillAt(common.PositionShort, 98000, 0.004), short.StopLoss, short.TakeProfit, short); err == nil {
		t.Fatalf("expected rejection of SHORT levels 100800/98400 around a 98000 fill")
	}

	sl, tp := short.LevelsAt(98000)
	p, err := m.Open(ctx, fillAt(common.PositionShort, 98000, 0.004), sl, tp, short)
	if err != nil {
		t.Fatalf("Open SHORT: %v", err)
	}
	if !(p.TakeProfit < p.EntryPrice && p.EntryPrice < p.StopLoss) {
		t.Fatalf("SHORT ordering broken: %v < %v < %v", p.TakeProfit, p.EntryPrice, p.StopLoss)
	}
	if m.OpenCount() != 1 {
		t.Fatalf("OpenCount=%d, expected 1", m.OpenCount())
	}
}

func TestMonitorTakeProfitPersistsTrade(t *testing.T) {
	database := newTestDB(t)
	m, _, c := newTestManager(t, DefaultConfig(), database)
	ctx := context.Background()
	sig := testSignal(common.PositionLong, 100000)
	sl, tp := sig.LevelsAt(102000)
	p, err := m.Open(ctx, fillAt(common.PositionLong, 102000, 0.004), sl, tp, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	c.advance(10 * time.Minute)
	if closed, err := m.Monitor(ctx, 103000); err != nil || len(closed) != 0 {
		t.Fatalf("Monitor(103000)=%v %v, expected nothing closed", closed, err)
	}
	closed, err := m.Monitor(ctx, 103700)
	if err != nil {
		t.Fatalf("Monitor: %v", err)
	}
	if len(closed) != 1 || closed[0].ExitReason != risk.ExitTakeProfit {
		t.Fatalf("closed=%+v, expected one TAKE_PROFIT", closed)
	}
	got := closed[0]
	if !approx(got.RealizedPnL, (103700-102000)*0.004) {
		t.Fatalf("RealizedPnL=%v, expected %v", got.RealizedPnL, (103700-102000)*0.004)
	}
	if got.Status != StatusClosed || got.HoldTime(c.now()) != 10*time.Minute {
		t.Fatalf("status=%s hold=%v", got.Status, got.HoldTime(c.now()))
	}

	trades, err := database.ListTrades(ctx, 10, "simulated")
	if err != nil || len(trades) != 1 {
		t.Fatalf("ListTrades=%v %v, expected 1 trade", trades, err)
	}
	if trades[0].ID != p.ID || trades[0].ExitReason != "TAKE_PROFIT" || trades[0].HoldSeconds != 600 {
		t.Fatalf("trade=%+v", trades[0])
	}
	open, err := database.LoadOpenPositions(ctx, "simulated")
	if err != nil || len(open) != 0 {
		t.Fatalf("open positions=%v %v, expected none", open, err)
	}
	if m.OpenCount() != 0 || len(m.Recent(5)) != 1 {
		t.Fatalf("open=%d recent=%d", m.OpenCount(), len(m.Recent(5)))
	}
}

func TestMonitorShortStopLossWithFees(t *testing.T) {
	exec := order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT", FeeRate: 0.0005}, rand.New(rand.NewSource(1)))
	m := NewManager(exec, nil, nil, DefaultConfig())
	ctx := context.Background()
	sig := testSignal(common.PositionShort, 100000)
	fill := fillAt(common.PositionShort, 100000, 0.004)
	fill.Fee = 0.2
	sl, tp := sig.LevelsAt(fill.Price)
	if _, err := m.Open(ctx, fill, sl, tp, sig); err != nil {
		t.Fatalf("Open: %v", err)
	}
	closed, err := m.Monitor(ctx, 100900)
	if err != nil || len(closed) != 1 {
		t.Fatalf("Monitor=%v %v", closed, err)
	}
	got := closed[0]
	if got.ExitReason != risk.ExitStopLoss {
		t.Fatalf("ExitReason=%s, expected STOP_LOSS", got.ExitReason)
	}
	wantFees := 0.2 + 100900*0.004*0.0005
	if !approx(got.Fees, wantFees) {
		t.Fatalf("Fees=%v, expected %v", got.Fees, wantFees)
	}
	if want := (100000-100900)*0.004 - wantFees; !approx(got.RealizedPnL, want) {
		t.Fatalf("RealizedPnL=%v, expected %v", got.RealizedPnL, want)
	}
	// 5x leverage: margin 80.
	if want := got.RealizedPnL / 80 * 100; !approx(got.PnLPercent, want) {
		t.Fatalf("PnLPercent=%v, expected %v", got.PnLPercent, want)
	}
}

func TestMonitorRespectsMinHold(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MinHold = 30 * time.Second
	m, _, c := newTestManager(t, cfg, nil)
	ctx := context.Background()
	sig := testSignal(common.PositionLong, 100000)
	sl, tp := sig.LevelsAt(100000)
	if _, err := m.Open(ctx, fillAt(common.PositionLong, 100000, 0.004), sl, tp, sig); err != nil {
		t.Fatalf("Open: %v", err)
	}

	c.advance(10 * time.Second)
	if closed, _ := m.Monitor(ctx, 104000); len(closed) != 0 {
		t.Fatalf("closed %d position(s) inside the minimum hold", len(closed))
	}
	c.advance(25 * time.Second)
	closed, err := m.Monitor(ctx, 104000)
	if err != nil || len(closed) != 1 || closed[0].ExitReason != risk.ExitTakeProfit {
		t.Fatalf("closed=%+v err=%v, expected TAKE_PROFIT after min hold", closed, err)
	}
}

func TestMonitorMaxHoldTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxHold = time.Hour
	m, _, c := newTestManager(t, cfg, nil)
	ctx := context.Background()
	sig := testSignal(common.PositionLong, 100000)
	sl, tp := sig.LevelsAt(100000)
	if _, err := m.Open(ctx, fillAt(common.PositionLong, 100000, 0.004), sl, tp, sig); err != nil {
		t.Fatalf("Open: %v", err)
	}
	c.advance(59 * time.Minute)
	if closed, _ := m.Monitor(ctx, 100100); len(closed) != 0 {
		t.Fatalf("timed out early")
	}
	c.advance(time.Minute)
	closed, _ := m.Monitor(ctx, 100100)
	if len(closed) != 1 || closed[0].ExitReason != risk.ExitTimeout {
		t.Fatalf("closed=%+v, expected TIMEOUT", closed)
	}
}

func TestMonitorTrailingStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trailing = risk.Trailing{ActivationPct: 1, DistancePct: 0.5}
	m, _, _ := newTestManager(t, cfg, nil)
	ctx := context.Background()
	sig := signal.Signal{ID: "s", Side: common.PositionLong, ReferencePrice: 100}
	p, err := m.Open(ctx, fillAt(common.PositionLong, 100, 1), 98, 110, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	if closed, _ := m.Monitor(ctx, 102); len(closed) != 0 {
		t.Fatalf("closed at 102")
	}
	got, _ := m.Get(p.ID)
	if !got.TrailingActive || !approx(got.StopLoss, 101.49) {
		t.Fatalf("trailing=%v stop=%v, expected active at 101.49", got.TrailingActive, got.StopLoss)
	}
	closed, _ := m.Monitor(ctx, 101.4)
	if len(closed) != 1 || closed[0].ExitReason != risk.ExitTrailingStop {
		t.Fatalf("closed=%+v, expected TRAILING_STOP", closed)
	}
	if closed[0].RealizedPnL <= 0 {
		t.Fatalf("trailing exit lost money: %v", closed[0].RealizedPnL)
	}
}

func TestCloseAllAndCloseExternal(t *testing.T) {
	m, exec, _ := newTestManager(t, DefaultConfig(), nil)
	ctx := context.Background()
	sig := testSignal(common.PositionLong, 100000)
	sl, tp := sig.LevelsAt(100000)
	a, _ := m.Open(ctx, fillAt(common.PositionLong, 100000, 0.004), sl, tp, sig)
	if _, err := m.Open(ctx, fillAt(common.PositionLong, 100000, 0.002), sl, tp, sig); err != nil {
		t.Fatalf("Open: %v", err)
	}

	ext, err := m.CloseExternal(ctx, a.ID, 99500, risk.ExitExternallyClosed)
	if err != nil {
		t.Fatalf("CloseExternal: %v", err)
	}
	if exec.closes != 0 {
		t.Fatalf("CloseExternal sent %d venue order(s)", exec.closes)
	}
	if ext.ExitPrice != 99500 || !approx(ext.RealizedPnL, -2) {
		t.Fatalf("external close=%+v", ext)
	}
	if _, err := m.CloseExternal(ctx, a.ID, 99500, risk.ExitExternallyClosed); err == nil {
		t.Fatalf("second CloseExternal succeeded")
	}

	closed, err := m.CloseAll(ctx, 100500, risk.ExitShutdown)
	if err != nil || len(closed) != 1 || closed[0].ExitReason != risk.ExitShutdown {
		t.Fatalf("CloseAll=%+v %v", closed, err)
	}
	if exec.closes != 1 || m.OpenCount() != 0 {
		t.Fatalf("closes=%d open=%d", exec.closes, m.OpenCount())
	}
	if exec.ProtectiveCount() != 0 {
		t.Fatalf("protective orders left behind: %d", exec.ProtectiveCount())
	}

	stats, _ := m.Stats(ctx)
	if stats.TotalTrades != 2 || stats.Wins != 1 || stats.Losses != 1 {
		t.Fatalf("stats=%+v", stats)
	}
}

func TestRestoreReloadsOpenPositions(t *testing.T) {
	database := newTestDB(t)
	ctx := context.Background()
	m, _, _ := newTestManager(t, DefaultConfig(), database)
	sig := testSignal(common.PositionLong, 100000)
	sl, tp := sig.LevelsAt(100000)
	p, err := m.Open(ctx, fillAt(common.PositionLong, 100000, 0.004), sl, tp, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	restarted, _, _ := newTestManager(t, DefaultConfig(), database)
	n, err := restarted.Restore(ctx)
	if err != nil || n != 1 {
		t.Fatalf("Restore=%d %v, expected 1", n, err)
	}
	got, ok := restarted.Get(p.ID)
	if !ok || got.StopLoss != sl || got.TakeProfit != tp || got.Side != common.PositionLong {
		t.Fatalf("restored=%+v ok=%v", got, ok)
	}
	if got.SignalData == "" {
		t.Fatalf("signal data not restored")
	}
}

func TestFailedCloseKeepsPositionOpen(t *testing.T) {
	database := newTestDB(t)
	m, exec := newLiveManager(t, DefaultConfig(), database)
	ctx := context.Background()
	sig := signal.Signal{ID: "s", Side: common.PositionLong, ReferencePrice: 100}
	p, err := m.Open(ctx, fillAt(common.PositionLong, 100, 1), 98, 110, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	exec.closeErr = fmt.Errorf("close LONG BTC-USDT: %w: order o1 is REJECTED", order.ErrOrderRejected)
	closed, err := m.Monitor(ctx, 110)
	if !errors.Is(err, order.ErrOrderRejected) || len(closed) != 0 {
		t.Fatalf("Monitor=%+v err=%v, expected a rejected close and nothing booked", closed, err)
	}
	got, ok := m.Get(p.ID)
	if !ok || got.Status != StatusOpen || m.OpenCount() != 1 {
		t.Fatalf("position=%+v ok=%v open=%d, expected it still OPEN", got, ok, m.OpenCount())
	}
	if exec.ProtectiveCount() != 2 {
		t.Fatalf("protective=%d, expected the venue protection kept", exec.ProtectiveCount())
	}
	rows, _ := database.LoadOpenPositions(ctx, string(order.ModeLive))
	trades, _ := database.ListTrades(ctx, 10, "")
	if len(rows) != 1 || len(trades) != 0 {
		t.Fatalf("open rows=%d trades=%d, expected 1/0", len(rows), len(trades))
	}

	exec.closeErr = nil
	closed, err = m.Monitor(ctx, 110)
	if err != nil || len(closed) != 1 || closed[0].ExitReason != risk.ExitTakeProfit {
		t.Fatalf("retry Monitor=%+v err=%v, expected TAKE_PROFIT", closed, err)
	}
}

func TestPartialCloseKeepsRemainderOpen(t *testing.T) {
	database := newTestDB(t)
	m, exec := newLiveManager(t, DefaultConfig(), database)
	ctx := context.Background()
	sig := signal.Signal{ID: "s", Side: common.PositionLong, ReferencePrice: 100}
	p, err := m.Open(ctx, fillAt(common.PositionLong, 100, 1), 98, 110, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	exec.closeQty = 0.4
	closed, err := m.Monitor(ctx, 110)
	if err != nil || len(closed) != 1 {
		t.Fatalf("Monitor=%+v err=%v", closed, err)
	}
	part := closed[0]
	if part.ID == p.ID || !approx(part.Quantity, 0.4) || !approx(part.RealizedPnL, 4) {
		t.Fatalf("partial trade=%+v, expected 0.4 booked under its own id with pnl 4", part)
	}
	rest, ok := m.Get(p.ID)
	if !ok || rest.Status != StatusOpen || !approx(rest.Quantity, 0.6) {
		t.Fatalf("remainder=%+v ok=%v, expected 0.6 still open", rest, ok)
	}
	rows, _ := database.LoadOpenPositions(ctx, string(order.ModeLive))
	if len(rows) != 1 || !approx(rows[0].Quantity, 0.6) {
		t.Fatalf("open rows=%+v, expected one row of 0.6", rows)
	}

	exec.closeQty = 0
	closed, _ = m.Monitor(ctx, 110)
	if len(closed) != 1 || closed[0].ID != p.ID || !approx(closed[0].Quantity, 0.6) || m.OpenCount() != 0 {
		t.Fatalf("second Monitor=%+v open=%d, expected the remainder closed", closed, m.OpenCount())
	}
	trades, _ := database.ListTrades(ctx, 10, "")
	if len(trades) != 2 {
		t.Fatalf("trades=%d, expected 2", len(trades))
	}
}

func TestTrailingReplacesLiveStop(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Trailing = risk.Trailing{ActivationPct: 1, DistancePct: 0.5}
	cfg.StopResyncPct = 0.5
	m, exec := newLiveManager(t, cfg, nil)
	ctx := context.Background()
	sig := signal.Signal{ID: "s", Side: common.PositionLong, ReferencePrice: 100}
	p, err := m.Open(ctx, fillAt(common.PositionLong, 100, 1), 98, 110, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}

	m.Monitor(ctx, 102)
	got, _ := m.Get(p.ID)
	if len(exec.placed) != 2 || !approx(exec.placed[1].StopLoss, 101.49) || exec.placed[1].TakeProfit != 110 {
		t.Fatalf("placed=%+v, expected the stop re-placed at 101.49", exec.placed)
	}
	if exec.ProtectiveCount() != 2 || got.ProtectiveOrderIDs[0] == p.ProtectiveOrderIDs[0] {
		t.Fatalf("protective=%d ids=%v, expected the old orders replaced", exec.ProtectiveCount(), got.ProtectiveOrderIDs)
	}

	// 101.49 -> 101.689 is under 0.5% of price.
	m.Monitor(ctx, 102.2)
	if len(exec.placed) != 2 {
		t.Fatalf("placed=%d, expected no replacement for a small move", len(exec.placed))
	}
}
