package trader

import (
	"context"
	"errors"
	"fmt"
	"log"
	"runtime/debug"
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
	"adx-trader/internal/reconciliation"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/internal/sizing"
	"adx-trader/pkg/db"
)

const shutdownTimeout = 60 * time.Second

// Loop is the single goroutine that owns trading state. Everything that
// mutates positions, risk or the account happens inside Run.
type Loop struct {
	cfg Config

	feed       *market.Feed
	indicators *indicators.Engine
	generator  *signal.Generator
	filters    *signal.Chain
	sizer      *sizing.Sizer
	risk       *risk.Manager
	exec       order.Executor
	positions  *position.Manager
	accounts   *balance.Manager
	reconciler *reconciliation.Service
	alerts     *alerts.Dispatcher
	metrics    *monitor.Metrics
	health     *monitor.Health
	snapshots  *dashboard.Store
	journal    *persistence.BatchWriter
	bus        *events.Bus

	control chan command
	now     func() time.Time

	started        time.Time
	lastSignalAt   time.Time
	lastHealthAt   time.Time
	lastSnapshotAt time.Time
	lastPrice      float64
	lastSignal     *signal.Signal
	accountDirty   bool
	ownsAlerts     bool
}

// New checks the required collaborators and builds a loop.
func New(cfg Config, deps Deps) (*Loop, error) {
	switch {
	case deps.Feed == nil:
		return nil, errors.New("trader: market feed is required")
	case deps.Indicators == nil || deps.Generator == nil || deps.Filters == nil:
		return nil, errors.New("trader: indicator engine, generator and filters are required")
	case deps.Sizer == nil || deps.Risk == nil:
		return nil, errors.New("trader: sizer and risk manager are required")
	case deps.Executor == nil || deps.Positions == nil || deps.Accounts == nil:
		return nil, errors.New("trader: executor, position manager and account are required")
	}
	cfg.applyDefaults()

	l := &Loop{
		cfg:        cfg,
		feed:       deps.Feed,
		indicators: deps.Indicators,
		generator:  deps.Generator,
		filters:    deps.Filters,
		sizer:      deps.Sizer,
		risk:       deps.Risk,
		exec:       deps.Executor,
		positions:  deps.Positions,
		accounts:   deps.Accounts,
		reconciler: deps.Reconciler,
		alerts:     deps.Alerts,
		metrics:    deps.Metrics,
		health:     deps.Health,
		snapshots:  deps.Snapshots,
		journal:    deps.Journal,
		bus:        deps.Bus,
		control:    make(chan command, cfg.ControlBuffer),
		now:        time.Now,
	}
	if l.alerts == nil {
		l.alerts = alerts.NewDispatcher(alerts.DefaultConfig(), alerts.LogSink{})
		l.ownsAlerts = true
	}
	if l.metrics == nil {
		l.metrics = monitor.NewMetrics()
	}
	if l.health == nil {
		l.health = monitor.NewHealth()
	}
	if l.snapshots == nil {
		l.snapshots = dashboard.NewStore(l.bus)
	}
	return l, nil
}

// SetClock replaces the wall clock used for timestamps and cadence checks.
func (l *Loop) SetClock(now func() time.Time) { l.now = now }

// Snapshots exposes the store the API reads from.
func (l *Loop) Snapshots() *dashboard.Store { return l.snapshots }

// Run trades until ctx is cancelled or the session ends, then shuts down.
func (l *Loop) Run(ctx context.Context) error {
	l.started = l.now()
	l.startup(ctx)

	ticker := time.NewTicker(l.cfg.TickInterval)
	defer ticker.Stop()

	reason := "context cancelled"
	for {
		if ctx.Err() != nil {
			break
		}
		if l.sessionOver() {
			reason = "session complete"
			break
		}
		l.runTick(ctx)

		select {
		case <-ctx.Done():
		case <-ticker.C:
		}
	}

	log.Printf("🛑 trading loop stopping: %s", reason)
	l.shutdown(reason)
	return nil
}

func (l *Loop) sessionOver() bool {
	return l.cfg.SessionDuration > 0 && l.now().Sub(l.started) >= l.cfg.SessionDuration
}

func (l *Loop) startup(ctx context.Context) {
	restored, err := l.positions.Restore(ctx)
	l.health.Observe(monitor.ComponentDatabase, err)
	if err != nil {
		log.Printf("⚠️ restore open positions: %v", err)
	}
	l.accountDirty = true
	l.refreshAccount(ctx)

	st := l.risk.State()
	msg := fmt.Sprintf("session started: %s %s on %s, equity %.2f, restored %d position(s), risk %s",
		l.cfg.Mode, l.cfg.Symbol, l.cfg.Venue, l.accounts.Account().Equity, restored, st.State)
	log.Printf("✅ %s", msg)
	l.alerts.Session(msg)
	if st.State == risk.StateCircuitOpen {
		l.alerts.CircuitBreaker(st.Reason)
	}
}

// runTick isolates one iteration. A panic becomes a CRITICAL alert and the
// loop carries on with the next tick.
func (l *Loop) runTick(ctx context.Context) {
	start := time.Now()
	failed := false
	defer func() {
		if r := recover(); r != nil {
			failed = true
			log.Printf("🚨 panic in trading tick: %v\n%s", r, debug.Stack())
			l.alerts.Fatal(fmt.Sprintf("panic in trading tick: %v", r))
		}
		l.metrics.ObserveTick(time.Since(start), failed)
	}()

	if err := l.tick(ctx); err != nil {
		failed = true
		if ctx.Err() == nil {
			log.Printf("ℹ️ tick skipped: %v", err)
		}
	}
}

func (l *Loop) tick(ctx context.Context) error {
	l.drainControl(ctx)

	price, err := l.feed.Price(ctx)
	l.health.Observe(monitor.ComponentFeed, err)
	if err != nil {
		return fmt.Errorf("price: %w", err)
	}
	l.lastPrice = price

	if l.reconciler != nil {
		l.reconcile(ctx, price)
	}

	closed, err := l.positions.Monitor(ctx, price)
	for _, p := range closed {
		l.onClosed(p)
	}
	if err != nil {
		log.Printf("⚠️ position monitor: %v", err)
	}

	l.refreshAccount(ctx)

	now := l.now()
	if l.lastSignalAt.IsZero() || now.Sub(l.lastSignalAt) >= l.cfg.SignalInterval {
		l.lastSignalAt = now
		l.signalCycle(ctx, price)
		l.recordPerformance(now)
	}
	if l.lastHealthAt.IsZero() || now.Sub(l.lastHealthAt) >= l.cfg.HealthInterval {
		l.lastHealthAt = now
		l.logHealth()
	}
	if l.lastSnapshotAt.IsZero() || now.Sub(l.lastSnapshotAt) >= l.cfg.SnapshotInterval {
		l.lastSnapshotAt = now
		l.publishSnapshot(ctx)
	}
	return nil
}

func (l *Loop) reconcile(ctx context.Context, price float64) {
	report, err := l.reconciler.Reconcile(ctx, price)
	l.health.Observe(monitor.ComponentReconciliation, err)
	if err != nil {
		log.Printf("⚠️ reconciliation: %v", err)
		return
	}
	for _, p := range report.Closed {
		l.onClosed(p)
	}
	if len(report.Closed) > 0 {
		l.metrics.RecordReconcileCloses(len(report.Closed))
	}
	if report.AccountSynced {
		l.accountDirty = false
	}
}

// onClosed books a closed position everywhere that keeps score.
func (l *Loop) onClosed(p position.Position) {
	l.accounts.ApplyRealized(p.RealizedPnL)
	l.handleTransition(l.risk.RecordClose(p.RealizedPnL, p.ClosedAt))
	l.alerts.PositionClosed(p.ID, string(p.Side), string(p.ExitReason), p.ExitPrice, p.RealizedPnL)
	l.accountDirty = true
}

// refreshAccount marks the simulated account, or re-reads a live one after
// anything changed, then feeds the wallet balance to the risk manager.
func (l *Loop) refreshAccount(ctx context.Context) {
	if l.accounts.IsLive() {
		if l.accountDirty {
			_, err := l.accounts.Sync(ctx)
			l.health.Observe(monitor.ComponentVenue, err)
			if err != nil {
				log.Printf("⚠️ account sync: %v", err)
				return
			}
			l.accountDirty = false
		}
	} else {
		l.accounts.Mark(l.positions.OpenPositions())
		l.accountDirty = false
	}

	acct := l.accounts.Account()
	if acct.Balance > 0 {
		l.handleTransition(l.risk.SyncEquity(acct.Balance, l.now()))
	}
}

// handleTransition publishes risk state changes and raises the matching alert.
func (l *Loop) handleTransition(tr risk.Transition) {
	if !tr.Changed {
		return
	}
	if l.bus != nil {
		l.bus.Publish(events.EventRiskState, events.RiskStateChange{
			From:   string(tr.From),
			To:     string(tr.To),
			Reason: tr.Reason,
			Time:   l.now().UTC(),
		})
	}
	switch tr.To {
	case risk.StateCircuitOpen:
		log.Printf("🚨 circuit breaker open: %s", tr.Reason)
		l.alerts.CircuitBreaker(tr.Reason)
	case risk.StateWarning:
		log.Printf("⚠️ risk warning: %s", tr.Reason)
		l.alerts.RiskWarning(tr.Reason)
	default:
		log.Printf("✅ risk state %s -> %s: %s", tr.From, tr.To, tr.Reason)
	}
}

func (l *Loop) recordPerformance(now time.Time) {
	if l.journal == nil {
		return
	}
	acct := l.accounts.Account()
	st := l.risk.State()
	l.journal.Add(db.PerformanceSnapshot{
		TakenAt:         now.UTC(),
		TradingMode:     string(l.positions.Mode()),
		Balance:         acct.Balance,
		Equity:          acct.Equity,
		AvailableMargin: acct.AvailableMargin,
		OpenPositions:   l.positions.OpenCount(),
		DailyPnL:        st.DailyPnL,
		DrawdownPct:     st.DrawdownPct,
		RiskState:       string(st.State),
		TotalTrades:     st.TotalTrades,
		WinRate:         st.WinRate(),
	})
}

func (l *Loop) logHealth() {
	acct := l.accounts.Account()
	st := l.risk.State()
	report := l.health.Report()
	log.Printf("🩺 health %s | uptime %s | price %.2f | equity %.2f | open %d | risk %s | daily pnl %+.4f | dd %.2f%% | trades %d win %.1f%%",
		report.Status, report.Uptime, l.lastPrice, acct.Equity, l.positions.OpenCount(),
		st.State, st.DailyPnL, st.DrawdownPct, st.TotalTrades, st.WinRate())
}

func (l *Loop) publishSnapshot(ctx context.Context) {
	snap := l.buildSnapshot(ctx)
	l.metrics.SetAccount(snap.Account.Equity, snap.Risk.DrawdownPct, snap.Risk.DailyPnL, len(snap.OpenPositions))
	l.snapshots.Set(snap)
}

func (l *Loop) buildSnapshot(ctx context.Context) dashboard.Snapshot {
	stats, err := l.positions.Stats(ctx)
	l.health.Observe(monitor.ComponentDatabase, err)
	if err != nil {
		log.Printf("⚠️ trade stats: %v", err)
	}
	metrics := l.metrics.GetSnapshot()
	snap := dashboard.Snapshot{
		GeneratedAt:    l.now().UTC(),
		SessionStart:   l.started.UTC(),
		Mode:           l.cfg.Mode,
		Venue:          l.cfg.Venue,
		Symbol:         l.cfg.Symbol,
		Price:          l.lastPrice,
		Account:        l.accounts.Account(),
		InitialCapital: l.accounts.InitialCapital(),
		TotalReturnPct: l.accounts.TotalReturnPct(),
		OpenPositions:  l.positions.OpenPositions(),
		RecentTrades:   l.positions.Recent(20),
		Stats:          stats,
		Risk:           l.risk.State(),
		Health:         l.health.Report(),
		FilterStats:    l.filters.Stats(),
		Alerts:         l.alerts.Summary(),
		RecentAlerts:   l.alerts.Recent(20, ""),
		Metrics:        &metrics,
	}
	if l.lastSignal != nil {
		sig := *l.lastSignal
		snap.LastSignal = &sig
	}
	return snap
}

// shutdown runs on a fresh context since ctx is usually already done.
func (l *Loop) shutdown(reason string) {
	ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()

	l.drainControl(ctx)

	price := l.lastPrice
	if p, err := l.feed.Price(ctx); err == nil {
		price = p
		l.lastPrice = p
	} else {
		log.Printf("⚠️ shutdown price: %v, using last %.2f", err, price)
	}

	if l.cfg.CloseOnShutdown && l.positions.OpenCount() > 0 {
		if price <= 0 {
			log.Printf("🚨 cannot close %d position(s) on shutdown: no price", l.positions.OpenCount())
			l.alerts.Fatal("shutdown close skipped: no market price")
		} else {
			closed, err := l.positions.CloseAll(ctx, price, risk.ExitShutdown)
			for _, p := range closed {
				l.onClosed(p)
			}
			if err != nil {
				log.Printf("🚨 shutdown close-all: %v", err)
				l.alerts.Fatal(fmt.Sprintf("shutdown close-all incomplete: %v", err))
			}
		}
	}

	l.accountDirty = true
	l.refreshAccount(ctx)
	l.publishSnapshot(ctx)
	if l.cfg.SnapshotPath != "" {
		if err := l.snapshots.ExportFile(l.cfg.SnapshotPath); err != nil {
			log.Printf("⚠️ final snapshot: %v", err)
		}
	}

	st := l.risk.State()
	acct := l.accounts.Account()
	msg := fmt.Sprintf("session ended (%s): %d trade(s), win rate %.1f%%, equity %.2f, return %+.2f%%, open %d",
		reason, st.TotalTrades, st.WinRate(), acct.Equity, l.accounts.TotalReturnPct(), l.positions.OpenCount())
	log.Printf("✅ %s", msg)
	l.alerts.Session(msg)
	if l.ownsAlerts {
		l.alerts.Close()
	}
}
