package reconciliation

import (
	"context"
	"errors"
	"math/rand"
	"testing"
	"time"

	"adx-trader/internal/balance"
	"adx-trader/internal/order"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/common"
)

type stubVenue struct {
	positions []common.PositionInfo
	err       error
	balance   common.AccountBalance
	syncs     int
}

func (s *stubVenue) GetOpenPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	return s.positions, s.err
}

func (s *stubVenue) GetAccountBalance(ctx context.Context) (common.AccountBalance, error) {
	s.syncs++
	return s.balance, nil
}

type fixture struct {
	db        *db.Database
	venue     *stubVenue
	positions *position.Manager
	service   *Service
	now       time.Time
}

func newFixture(t *testing.T, live bool) *fixture {
	t.Helper()
	database, err := db.New(":memory:")
	if err != nil {
		t.Fatalf("db.New: %v", err)
	}
	if err := db.ApplyMigrations(database); err != nil {
		t.Fatalf("ApplyMigrations: %v", err)
	}
	t.Cleanup(func() { database.Close() })

	f := &fixture{
		db:    database,
		venue: &stubVenue{balance: common.AccountBalance{Balance: 98, Equity: 98, AvailableMargin: 98}},
		now:   time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	exec := order.NewSimulated(order.SimConfig{Symbol: "BTC-USDT"}, rand.New(rand.NewSource(1)))
	f.positions = position.NewManager(exec, database, nil, position.DefaultConfig())
	f.positions.SetClock(func() time.Time { return f.now })
	f.service = NewService(f.venue, f.positions, balance.NewLive(f.venue), Config{Symbol: "BTC-USDT", Live: live, Grace: 30 * time.Second})
	f.service.SetClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) open(t *testing.T, side common.PositionSide) position.Position {
	t.Helper()
	sig := signal.Signal{ID: "s", Side: side, ReferencePrice: 100000, ATR: 400, SLMultiple: 2, TPMultiple: 4}
	sl, tp := sig.LevelsAt(100000)
	p, err := f.positions.Open(context.Background(), order.FillResult{
		Symbol: "BTC-USDT", PositionSide: side, Qty: 0.004, Price: 100000,
	}, sl, tp, sig)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return *p
}

func TestReconcileClosesExternallyClosedOnce(t *testing.T) {
	f := newFixture(t, true)
	ctx := context.Background()
	long := f.open(t, common.PositionLong)
	f.open(t, common.PositionShort)
	f.venue.positions = []common.PositionInfo{{Symbol: "BTC-USDT", Side: common.PositionShort, Qty: 0.004, EntryPrice: 100000}}
	f.now = f.now.Add(time.Minute)

	report, err := f.service.Reconcile(ctx, 99000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.Closed) != 1 || report.Closed[0].ID != long.ID {
		t.Fatalf("closed=%+v, expected only the LONG", report.Closed)
	}
	if report.Closed[0].ExitReason != risk.ExitExternallyClosed || report.Closed[0].ExitPrice != 99000 {
		t.Fatalf("closed=%+v", report.Closed[0])
	}
	if !report.AccountSynced || f.venue.syncs != 1 {
		t.Fatalf("AccountSynced=%v syncs=%d, expected one resync", report.AccountSynced, f.venue.syncs)
	}

	again, err := f.service.Reconcile(ctx, 99000)
	if err != nil {
		t.Fatalf("second Reconcile: %v", err)
	}
	if again.HasDiffs() || f.venue.syncs != 1 {
		t.Fatalf("second run changed state: %+v syncs=%d", again, f.venue.syncs)
	}

	n, err := f.db.CountTradesByReason(ctx, "EXTERNALLY_CLOSED")
	if err != nil || n != 1 {
		t.Fatalf("EXTERNALLY_CLOSED trades=%d %v, expected exactly 1", n, err)
	}
	if f.positions.OpenCount() != 1 {
		t.Fatalf("OpenCount=%d, expected the SHORT to remain", f.positions.OpenCount())
	}
}

func TestReconcileGraceWindow(t *testing.T) {
	f := newFixture(t, true)
	f.open(t, common.PositionLong)
	f.now = f.now.Add(10 * time.Second)

	report, err := f.service.Reconcile(context.Background(), 100000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if report.Skipped != 1 || len(report.Closed) != 0 {
		t.Fatalf("report=%+v, expected the young position skipped", report)
	}
}

func TestReconcileNeverAdoptsRemotePositions(t *testing.T) {
	f := newFixture(t, true)
	f.venue.positions = []common.PositionInfo{{Symbol: "BTC-USDT", Side: common.PositionLong, Qty: 0.01, EntryPrice: 95000}}

	report, err := f.service.Reconcile(context.Background(), 100000)
	if err != nil {
		t.Fatalf("Reconcile: %v", err)
	}
	if len(report.RemoteOnly) != 1 || f.positions.OpenCount() != 0 {
		t.Fatalf("RemoteOnly=%d open=%d, expected reported but not adopted", len(report.RemoteOnly), f.positions.OpenCount())
	}
}

func TestReconcileQuantityDiff(t *testing.T) {
	f := newFixture(t, true)
	f.open(t, common.PositionLong)
	f.now = f.now.Add(time.Minute)
	f.venue.positions = []common.PositionInfo{{Side: common.PositionLong, Qty: 0.003}}

	report, _ := f.service.Reconcile(context.Background(), 100000)
	if len(report.PositionDiffs) != 1 || len(report.Closed) != 0 {
		t.Fatalf("report=%+v, expected one quantity diff and no close", report)
	}
}

func TestReconcileNoopWhenSimulated(t *testing.T) {
	f := newFixture(t, false)
	f.open(t, common.PositionLong)
	f.now = f.now.Add(time.Hour)

	report, err := f.service.Reconcile(context.Background(), 100000)
	if err != nil || report.HasDiffs() || report.Checked != 0 {
		t.Fatalf("report=%+v err=%v, expected no-op", report, err)
	}
}

func TestReconcileVenueError(t *testing.T) {
	f := newFixture(t, true)
	f.open(t, common.PositionLong)
	f.now = f.now.Add(time.Minute)
	f.venue.err = errors.New("502 bad gateway")

	if _, err := f.service.Reconcile(context.Background(), 100000); err == nil {
		t.Fatalf("expected error")
	}
	if f.positions.OpenCount() != 1 {
		t.Fatalf("position closed on a failed venue read")
	}
}
