package trader

import (
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
)

// Config holds the loop cadence and the trade parameters the loop itself
// needs. Everything else lives in the collaborators' own configs.
type Config struct {
	Mode   string
	Venue  string
	Symbol string

	CandleLimit     int
	Leverage        int
	RiskPerTradePct float64
	MaxPositions    int

	TickInterval     time.Duration
	SignalInterval   time.Duration
	HealthInterval   time.Duration
	SnapshotInterval time.Duration
	SessionDuration  time.Duration // 0 runs until the context is cancelled
	CloseOnShutdown  bool
	SnapshotPath     string // final snapshot file, empty to skip

	ControlBuffer int
}

func DefaultConfig() Config {
	return Config{
		Mode:             string(order.ModeSimulated),
		Symbol:           "BTC-USDT",
		CandleLimit:      200,
		Leverage:         5,
		RiskPerTradePct:  2,
		MaxPositions:     2,
		TickInterval:     5 * time.Second,
		SignalInterval:   5 * time.Minute,
		HealthInterval:   10 * time.Minute,
		SnapshotInterval: 5 * time.Second,
		SessionDuration:  48 * time.Hour,
		CloseOnShutdown:  true,
		ControlBuffer:    8,
	}
}

// Deps are the collaborators the loop drives. Reconciler, Alerts, Metrics,
// Journal and Bus are optional.
type Deps struct {
	Feed       *market.Feed
	Indicators *indicators.Engine
	Generator  *signal.Generator
	Filters    *signal.Chain
	Sizer      *sizing.Sizer
	Risk       *risk.Manager
	Executor   order.Executor
	Positions  *position.Manager
	Accounts   *balance.Manager
	Reconciler *reconciliation.Service
	Alerts     *alerts.Dispatcher
	Metrics    *monitor.Metrics
	Health     *monitor.Health
	Snapshots  *dashboard.Store
	Journal    *persistence.BatchWriter
	Bus        *events.Bus
}

func (c *Config) applyDefaults() {
	d := DefaultConfig()
	if c.CandleLimit <= 0 {
		c.CandleLimit = d.CandleLimit
	}
	if c.Leverage < 1 {
		c.Leverage = 1
	}
	if c.MaxPositions <= 0 {
		c.MaxPositions = d.MaxPositions
	}
	if c.TickInterval <= 0 {
		c.TickInterval = d.TickInterval
	}
	if c.SignalInterval <= 0 {
		c.SignalInterval = d.SignalInterval
	}
	if c.HealthInterval <= 0 {
		c.HealthInterval = d.HealthInterval
	}
	if c.SnapshotInterval <= 0 {
		c.SnapshotInterval = d.SnapshotInterval
	}
	if c.ControlBuffer <= 0 {
		c.ControlBuffer = d.ControlBuffer
	}
}
