package risk

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"adx-trader/pkg/db"
)

// Manager is the account risk state machine: NORMAL → WARNING → CIRCUIT_OPEN.
// CIRCUIT_OPEN only clears through Reset.
type Manager struct {
	cfg   Config
	store Store
	state State
	now   func() time.Time
	mu    sync.RWMutex
}

// NewManager creates a risk manager and restores persisted state when the store has any.
func NewManager(ctx context.Context, cfg Config, store Store) (*Manager, error) {
	mgr := NewInMemory(cfg)
	mgr.store = store
	if store == nil {
		return mgr, nil
	}

	rec, ok, err := store.LoadRiskState(ctx)
	if err != nil {
		return nil, fmt.Errorf("load risk state: %w", err)
	}
	if ok {
		mgr.state = fromRecord(rec)
		mgr.state.DailyLossPct, mgr.state.DrawdownPct = mgr.ratios()
		log.Printf("Risk Manager restored: state=%s equity=%.2f peak=%.2f consecutive_losses=%d",
			mgr.state.State, mgr.state.Equity, mgr.state.PeakEquity, mgr.state.ConsecutiveLosses)
	} else {
		log.Printf("Risk Manager initialized: capital=%.2f daily_limit=%.1f%% max_drawdown=%.1f%% consecutive=%d",
			cfg.InitialCapital, cfg.DailyLossLimitPct, cfg.MaxDrawdownPct, cfg.ConsecutiveLossLimit)
	}
	return mgr, nil
}

// NewInMemory creates a risk manager without persistence.
func NewInMemory(cfg Config) *Manager {
	if cfg.WarningRatio <= 0 || cfg.WarningRatio >= 1 {
		cfg.WarningRatio = 0.8
	}
	// DayStart stays zero until the first update opens the daily window.
	m := &Manager{cfg: cfg, now: time.Now}
	m.state = State{
		State:          StateNormal,
		DayStartEquity: cfg.InitialCapital,
		Equity:         cfg.InitialCapital,
		PeakEquity:     cfg.InitialCapital,
	}
	return m
}

// SetClock overrides the time source.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

// Config returns the limits.
func (m *Manager) Config() Config { return m.cfg }

// State returns a copy of the current risk state.
func (m *Manager) State() State {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.state
}

// RecordClose applies a realized, fee-inclusive P&L. A win clears the
// consecutive-loss counter, a loss increments it, break-even leaves it.
func (m *Manager) RecordClose(pnl float64, at time.Time) Transition {
	m.mu.Lock()
	m.rollDay(at)
	s := &m.state
	s.DailyPnL += pnl
	s.Equity += pnl
	if s.Equity > s.PeakEquity {
		s.PeakEquity = s.Equity
	}
	s.TotalTrades++
	switch {
	case pnl > 0:
		s.Wins++
		s.ConsecutiveLosses = 0
	case pnl < 0:
		s.Losses++
		s.ConsecutiveLosses++
	}
	tr := m.evaluate(at)
	snap := m.state
	m.mu.Unlock()

	log.Printf("risk: trade closed pnl=%.4f daily=%.4f equity=%.2f drawdown=%.2f%% consecutive=%d state=%s",
		pnl, snap.DailyPnL, snap.Equity, snap.DrawdownPct, snap.ConsecutiveLosses, snap.State)
	m.persist(snap)
	return tr
}

// SyncEquity replaces equity with a venue-reported value.
func (m *Manager) SyncEquity(equity float64, at time.Time) Transition {
	if equity <= 0 {
		return Transition{From: m.State().State, To: m.State().State}
	}
	m.mu.Lock()
	m.rollDay(at)
	m.state.Equity = equity
	if equity > m.state.PeakEquity {
		m.state.PeakEquity = equity
	}
	tr := m.evaluate(at)
	snap := m.state
	m.mu.Unlock()

	if tr.Changed {
		m.persist(snap)
	}
	return tr
}

// CanOpen checks the circuit, the position limit and a fresh limit evaluation.
func (m *Manager) CanOpen(openCount int) (Decision, Transition) {
	m.mu.Lock()
	now := m.now().UTC()
	m.rollDay(now)

	if m.state.State == StateCircuitOpen {
		d := Decision{Allowed: false, State: StateCircuitOpen, Reason: "circuit breaker open: " + m.state.Reason}
		m.mu.Unlock()
		return d, Transition{From: StateCircuitOpen, To: StateCircuitOpen}
	}
	if m.cfg.MaxPositions > 0 && openCount >= m.cfg.MaxPositions {
		d := Decision{Allowed: false, State: m.state.State,
			Reason: fmt.Sprintf("open positions %d >= max %d", openCount, m.cfg.MaxPositions)}
		m.mu.Unlock()
		return d, Transition{From: m.state.State, To: m.state.State}
	}

	tr := m.evaluate(now)
	snap := m.state
	m.mu.Unlock()

	if tr.Changed {
		m.persist(snap)
	}
	if snap.State == StateCircuitOpen {
		return Decision{Allowed: false, State: snap.State, Reason: "circuit breaker open: " + snap.Reason}, tr
	}
	return Decision{Allowed: true, State: snap.State, Reason: snap.Reason}, tr
}

// Reset is the explicit operator reset. It closes the circuit, clears the
// loss streak and re-anchors peak and day-start equity at the current equity.
func (m *Manager) Reset(at time.Time) Transition {
	m.mu.Lock()
	from := m.state.State
	s := &m.state
	s.State = StateNormal
	s.Reason = "manual reset"
	s.ConsecutiveLosses = 0
	s.PeakEquity = s.Equity
	s.DayStart = dayOf(at.UTC())
	s.DayStartEquity = s.Equity
	s.DailyPnL = 0
	s.DailyLossPct = 0
	s.DrawdownPct = 0
	s.TrippedAt = time.Time{}
	snap := m.state
	m.mu.Unlock()

	log.Printf("🔓 risk: manual reset from %s (equity=%.2f)", from, snap.Equity)
	m.persist(snap)
	return Transition{From: from, To: StateNormal, Reason: "manual reset", Changed: from != StateNormal}
}

// rollDay starts a new daily window on UTC date change. Caller holds the lock.
func (m *Manager) rollDay(at time.Time) {
	day := dayOf(at.UTC())
	if day.After(m.state.DayStart) {
		m.state.DayStart = day
		m.state.DayStartEquity = m.state.Equity
		m.state.DailyPnL = 0
	}
}

// evaluate recomputes ratios and applies transitions. Caller holds the lock.
func (m *Manager) evaluate(at time.Time) Transition {
	s := &m.state
	from := s.State
	s.DailyLossPct, s.DrawdownPct = m.ratios()

	if from == StateCircuitOpen {
		return Transition{From: from, To: from, Reason: s.Reason}
	}

	var trip string
	switch {
	case m.cfg.DailyLossLimitPct > 0 && s.DailyLossPct >= m.cfg.DailyLossLimitPct:
		trip = fmt.Sprintf("daily loss %.2f%% >= limit %.2f%%", s.DailyLossPct, m.cfg.DailyLossLimitPct)
	case m.cfg.MaxDrawdownPct > 0 && s.DrawdownPct >= m.cfg.MaxDrawdownPct:
		trip = fmt.Sprintf("drawdown %.2f%% >= limit %.2f%%", s.DrawdownPct, m.cfg.MaxDrawdownPct)
	case m.cfg.ConsecutiveLossLimit > 0 && s.ConsecutiveLosses >= m.cfg.ConsecutiveLossLimit:
		trip = fmt.Sprintf("consecutive losses %d >= limit %d", s.ConsecutiveLosses, m.cfg.ConsecutiveLossLimit)
	}
	if trip != "" {
		s.State = StateCircuitOpen
		s.Reason = trip
		s.TrippedAt = at.UTC()
		log.Printf("🚨 CIRCUIT BREAKER OPEN: %s", trip)
		return Transition{From: from, To: StateCircuitOpen, Reason: trip, Changed: true}
	}

	var warn string
	switch {
	case m.cfg.DailyLossLimitPct > 0 && s.DailyLossPct >= m.cfg.WarningRatio*m.cfg.DailyLossLimitPct:
		warn = fmt.Sprintf("daily loss %.2f%% >= %.0f%% of limit %.2f%%", s.DailyLossPct, m.cfg.WarningRatio*100, m.cfg.DailyLossLimitPct)
	case m.cfg.MaxDrawdownPct > 0 && s.DrawdownPct >= m.cfg.WarningRatio*m.cfg.MaxDrawdownPct:
		warn = fmt.Sprintf("drawdown %.2f%% >= %.0f%% of limit %.2f%%", s.DrawdownPct, m.cfg.WarningRatio*100, m.cfg.MaxDrawdownPct)
	}
	if warn != "" {
		s.State = StateWarning
		s.Reason = warn
		if from != StateWarning {
			log.Printf("⚠️ risk warning: %s", warn)
		}
	} else {
		s.State = StateNormal
		s.Reason = ""
	}
	return Transition{From: from, To: s.State, Reason: s.Reason, Changed: from != s.State}
}

func (m *Manager) ratios() (dailyLossPct, drawdownPct float64) {
	s := m.state
	if s.DailyPnL < 0 && s.DayStartEquity > 0 {
		dailyLossPct = -s.DailyPnL / s.DayStartEquity * 100
	}
	if s.PeakEquity > 0 && s.Equity < s.PeakEquity {
		drawdownPct = (s.PeakEquity - s.Equity) / s.PeakEquity * 100
	}
	return dailyLossPct, drawdownPct
}

func (m *Manager) persist(s State) {
	if m.store == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.store.SaveRiskState(ctx, toRecord(s, m.now())); err != nil {
		log.Printf("⚠️ risk state persist failed: %v", err)
	}
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func restoredDay(t time.Time) time.Time {
	if t.IsZero() {
		return t
	}
	return dayOf(t.UTC())
}

func toRecord(s State, now time.Time) db.RiskStateRecord {
	return db.RiskStateRecord{
		State:             string(s.State),
		Reason:            s.Reason,
		DailyPnL:          s.DailyPnL,
		DayStart:          s.DayStart,
		DayStartEquity:    s.DayStartEquity,
		Equity:            s.Equity,
		PeakEquity:        s.PeakEquity,
		ConsecutiveLosses: s.ConsecutiveLosses,
		TotalTrades:       s.TotalTrades,
		Wins:              s.Wins,
		Losses:            s.Losses,
		TrippedAt:         s.TrippedAt,
		UpdatedAt:         now,
	}
}

func fromRecord(r db.RiskStateRecord) State {
	state := StateName(r.State)
	switch state {
	case StateNormal, StateWarning, StateCircuitOpen:
	default:
		state = StateNormal
	}
	return State{
		State:             state,
		Reason:            r.Reason,
		DailyPnL:          r.DailyPnL,
		DayStart:          restoredDay(r.DayStart),
		DayStartEquity:    r.DayStartEquity,
		Equity:            r.Equity,
		PeakEquity:        r.PeakEquity,
		ConsecutiveLosses: r.ConsecutiveLosses,
		TotalTrades:       r.TotalTrades,
		Wins:              r.Wins,
		Losses:            r.Losses,
		TrippedAt:         r.TrippedAt,
	}
}
