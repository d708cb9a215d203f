package position

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"adx-trader/internal/events"
	"adx-trader/internal/order"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/pkg/db"
	"adx-trader/pkg/exchanges/common"
)

// Store persists open positions and closed trades.
type Store interface {
	SaveOpenPosition(ctx context.Context, p db.OpenPosition) error
	DeleteOpenPosition(ctx context.Context, id string) error
	LoadOpenPositions(ctx context.Context, mode string) ([]db.OpenPosition, error)
	SaveTrade(ctx context.Context, t db.Trade) error
	ListTrades(ctx context.Context, limit int, mode string) ([]db.Trade, error)
	GetTradeStats(ctx context.Context, mode string) (db.TradeStats, error)
}

type Config struct {
	Symbol   string
	Leverage int
	MinHold  time.Duration // exit checks are skipped for this long after entry
	MaxHold  time.Duration // 0 disables the timeout exit
	Trailing risk.Trailing

	// StopResyncPct is the trailing move, as % of price, before a live
	// venue stop is replaced. 0 replaces it on every move.
	StopResyncPct float64
	RecentLimit   int
}

func DefaultConfig() Config {
	return Config{Symbol: "BTC-USDT", Leverage: 5, RecentLimit: 50}
}

// Manager owns the OPEN positions and closes them through the executor.
type Manager struct {
	mu     sync.RWMutex
	exec   order.Executor
	store  Store
	bus    *events.Bus
	cfg    Config
	now    func() time.Time
	open   map[string]*Position
	recent []Position // newest first
}

// NewManager wires the executor and an optional store and bus.
func NewManager(exec order.Executor, store Store, bus *events.Bus, cfg Config) *Manager {
	if cfg.RecentLimit <= 0 {
		cfg.RecentLimit = 50
	}
	if cfg.Leverage <= 0 {
		cfg.Leverage = 1
	}
	return &Manager{
		exec:  exec,
		store: store,
		bus:   bus,
		cfg:   cfg,
		now:   time.Now,
		open:  make(map[string]*Position),
	}
}

// SetClock replaces the wall clock, for tests.
func (m *Manager) SetClock(now func() time.Time) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.now = now
}

func (m *Manager) Mode() order.Mode { return m.exec.Mode() }

// Open tracks a filled entry. sl and tp must already be anchored on the
// fill price. A failure to place venue-side protection is logged and the
// position is still tracked so local monitoring can close it.
func (m *Manager) Open(ctx context.Context, fill order.FillResult, sl, tp float64, sig signal.Signal) (*Position, error) {
	side := fill.PositionSide
	if side == "" {
		side = sig.Side
	}
	if fill.Price <= 0 || fill.Qty <= 0 {
		return nil, fmt.Errorf("open position: invalid fill qty %.8f price %.4f", fill.Qty, fill.Price)
	}
	if err := risk.ValidateLevels(side, fill.Price, sl, tp); err != nil {
		return nil, fmt.Errorf("open position: %w", err)
	}

	m.mu.Lock()
	now := m.now().UTC()
	m.mu.Unlock()

	symbol := fill.Symbol
	if symbol == "" {
		symbol = m.cfg.Symbol
	}
	p := &Position{
		ID:           uuid.NewString(),
		Symbol:       symbol,
		Side:         side,
		EntryPrice:   fill.Price,
		Quantity:     fill.Qty,
		StopLoss:     sl,
		TakeProfit:   tp,
		OpenedAt:     now,
		Status:       StatusOpen,
		EntryFee:     fill.Fee,
		Fees:         fill.Fee,
		Mode:         m.exec.Mode(),
		EntryOrderID: fill.OrderID,
		Leverage:     m.cfg.Leverage,
		MarkPrice:    fill.Price,
		HighWater:    fill.Price,
		LowWater:     fill.Price,
		SignalData:   encodeSignal(sig),
	}
	p.MarkToMarket(fill.Price)

	ids, err := m.exec.PlaceProtectiveExits(ctx, order.ProtectiveRequest{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Quantity,
		StopLoss:   sl,
		TakeProfit: tp,
	})
	p.ProtectiveOrderIDs = ids
	if err != nil {
		log.Printf("⚠️ protective exits for %s: %v (monitoring locally)", p.ID, err)
	}
	if len(ids) > 0 {
		p.venueStop = sl
	}

	m.mu.Lock()
	m.open[p.ID] = p
	snapshot := p.clone()
	m.mu.Unlock()

	m.persistOpen(ctx, snapshot)
	log.Printf("📈 opened %s %s qty=%.6f entry=%.4f sl=%.4f tp=%.4f id=%s",
		p.Side, p.Symbol, p.Quantity, p.EntryPrice, sl, tp, p.ID)
	m.publish(events.EventPositionOpened, snapshot)
	return &snapshot, nil
}

// Monitor marks every open position to price and closes the ones that hit
// an exit. Closed positions are returned for equity and risk updates.
func (m *Manager) Monitor(ctx context.Context, price float64) ([]Position, error) {
	if price <= 0 {
		return nil, fmt.Errorf("monitor: invalid price %.4f", price)
	}

	type exit struct {
		id     string
		reason risk.ExitReason
	}
	var exits []exit
	var moved []Position

	m.mu.Lock()
	now := m.now().UTC()
	for _, p := range m.sortedOpen() {
		p.MarkToMarket(price)
		before := p.StopLoss
		st := m.cfg.Trailing.Update(p.trailState(), price)
		p.HighWater, p.LowWater = st.HighWater, st.LowWater
		p.TrailingActive = st.Active
		p.StopLoss = st.StopLoss
		if p.StopLoss != before {
			log.Printf("trailing stop %s moved %.4f -> %.4f", p.ID, before, p.StopLoss)
			moved = append(moved, p.clone())
		}

		if m.cfg.MinHold > 0 && now.Sub(p.OpenedAt) < m.cfg.MinHold {
			continue
		}
		reason := risk.CheckExit(p.Side, price, p.StopLoss, p.TakeProfit)
		if reason == risk.ExitStopLoss && p.TrailingActive {
			reason = risk.ExitTrailingStop
		}
		if reason == "" && m.cfg.MaxHold > 0 && now.Sub(p.OpenedAt) >= m.cfg.MaxHold {
			reason = risk.ExitTimeout
		}
		if reason != "" {
			exits = append(exits, exit{id: p.ID, reason: reason})
		}
	}
	m.mu.Unlock()

	exiting := make(map[string]bool, len(exits))
	for _, e := range exits {
		exiting[e.id] = true
	}
	for _, p := range moved {
		if !exiting[p.ID] && m.needsStopResync(p, price) {
			p = m.resyncStop(ctx, p)
		}
		m.persistOpen(ctx, p)
	}

	var closed []Position
	var errs []error
	for _, e := range exits {
		c, err := m.close(ctx, e.id, price, e.reason, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, c)
	}
	return closed, errors.Join(errs...)
}

// CloseAll flattens every open position at market.
func (m *Manager) CloseAll(ctx context.Context, price float64, reason risk.ExitReason) ([]Position, error) {
	m.mu.RLock()
	var ids []string
	for _, p := range m.sortedOpen() {
		ids = append(ids, p.ID)
	}
	m.mu.RUnlock()

	var closed []Position
	var errs []error
	for _, id := range ids {
		c, err := m.close(ctx, id, price, reason, true)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		closed = append(closed, c)
	}
	return closed, errors.Join(errs...)
}

// CloseExternal records a close that already happened on the venue. No
// order is sent; remaining protective orders are cancelled.
func (m *Manager) CloseExternal(ctx context.Context, id string, price float64, reason risk.ExitReason) (Position, error) {
	return m.close(ctx, id, price, reason, false)
}

func (m *Manager) close(ctx context.Context, id string, price float64, reason risk.ExitReason, sendOrder bool) (Position, error) {
	m.mu.RLock()
	p, ok := m.open[id]
	var snap Position
	if ok {
		snap = p.clone()
	}
	m.mu.RUnlock()
	if !ok {
		return Position{}, fmt.Errorf("close %s: position not open", id)
	}

	exitPrice, exitFee, filledQty := price, 0.0, snap.Quantity
	if sendOrder {
		fill, err := m.exec.ClosePosition(ctx, order.CloseRequest{
			PositionID:  snap.ID,
			Symbol:      snap.Symbol,
			Side:        snap.Side,
			Qty:         snap.Quantity,
			MarketPrice: price,
			Reason:      string(reason),
		})
		if err != nil {
			return Position{}, fmt.Errorf("close %s (%s): %w", id, reason, err)
		}
		if fill.Price > 0 {
			exitPrice = fill.Price
		}
		exitFee = fill.Fee
		if fill.Qty > 0 && fill.Qty < snap.Quantity {
			filledQty = fill.Qty
		}
	}
	if filledQty < snap.Quantity {
		return m.closePartial(ctx, id, filledQty, exitPrice, exitFee, reason)
	}
	if exitPrice <= 0 {
		exitPrice = snap.MarkPrice
	}
	if exitPrice <= 0 {
		exitPrice = snap.EntryPrice
	}
	if len(snap.ProtectiveOrderIDs) > 0 {
		if err := m.exec.CancelProtective(ctx, snap.Symbol, snap.ProtectiveOrderIDs); err != nil {
			log.Printf("⚠️ cancel protective orders of %s: %v", id, err)
		}
	}

	m.mu.Lock()
	p, ok = m.open[id]
	if !ok {
		m.mu.Unlock()
		return Position{}, fmt.Errorf("close %s: position closed concurrently", id)
	}
	done := p.clone()
	settle(&done, exitPrice, exitFee, reason, m.now().UTC())
	delete(m.open, id)
	m.remember(done)
	m.mu.Unlock()

	m.persistClose(ctx, done)
	logClose(done)
	m.publish(events.EventPositionClosed, done)
	return done, nil
}

// closePartial books the filled part of a close as its own trade. The rest
// stays open under the original id with its protection, so the next
// monitor pass retries it.
func (m *Manager) closePartial(ctx context.Context, id string, qty, exitPrice, exitFee float64, reason risk.ExitReason) (Position, error) {
	m.mu.Lock()
	p, ok := m.open[id]
	if !ok {
		m.mu.Unlock()
		return Position{}, fmt.Errorf("close %s: position closed concurrently", id)
	}
	done := p.clone()
	done.ID = uuid.NewString()
	done.Quantity = qty
	done.EntryFee = p.EntryFee * qty / p.Quantity
	settle(&done, exitPrice, exitFee, reason, m.now().UTC())

	p.Quantity -= qty
	p.EntryFee -= done.EntryFee
	p.Fees = p.EntryFee
	p.MarkToMarket(exitPrice)
	rest := p.clone()
	m.remember(done)
	m.mu.Unlock()

	m.persistOpen(ctx, rest)
	m.persistClose(ctx, done)
	log.Printf("⚠️ partial close of %s: %.8f filled, %.8f still open", id, qty, rest.Quantity)
	logClose(done)
	m.publish(events.EventPositionClosed, done)
	return done, nil
}

// settle fills in the closing fields; P&L is net of entry and exit fees.
func settle(p *Position, exitPrice, exitFee float64, reason risk.ExitReason, at time.Time) {
	p.Status = StatusClosed
	p.ExitPrice = exitPrice
	p.ExitReason = reason
	p.Fees = p.EntryFee + exitFee
	p.RealizedPnL = order.RealizedPnL(p.Side, p.Quantity, p.EntryPrice, exitPrice, p.Fees)
	p.PnLPercent = 0
	if margin := p.Margin(); margin > 0 {
		p.PnLPercent = p.RealizedPnL / margin * 100
	}
	p.ClosedAt = at
	p.MarkPrice = exitPrice
	p.UnrealizedPnL = 0
}

// remember must be called with mu held.
func (m *Manager) remember(done Position) {
	m.recent = append([]Position{done}, m.recent...)
	if len(m.recent) > m.cfg.RecentLimit {
		m.recent = m.recent[:m.cfg.RecentLimit]
	}
}

func logClose(done Position) {
	result := "LOSS"
	if done.RealizedPnL > 0 {
		result = "WIN"
	}
	log.Printf("closed %s %s %s exit=%.4f pnl=%.4f (%.2f%%) fees=%.4f reason=%s",
		result, done.Side, done.ID, done.ExitPrice, done.RealizedPnL, done.PnLPercent, done.Fees, done.ExitReason)
}

// needsStopResync reports whether a live venue stop lags the trailed stop
// by at least StopResyncPct of price.
func (m *Manager) needsStopResync(p Position, price float64) bool {
	if m.exec.Mode() != order.ModeLive || len(p.ProtectiveOrderIDs) == 0 || price <= 0 {
		return false
	}
	return math.Abs(p.StopLoss-p.venueStop)/price*100 >= m.cfg.StopResyncPct
}

// resyncStop replaces the venue protection so it carries the trailed stop.
func (m *Manager) resyncStop(ctx context.Context, p Position) Position {
	if err := m.exec.CancelProtective(ctx, p.Symbol, p.ProtectiveOrderIDs); err != nil {
		log.Printf("⚠️ cancel protective orders of %s for trailing: %v", p.ID, err)
	}
	ids, err := m.exec.PlaceProtectiveExits(ctx, order.ProtectiveRequest{
		PositionID: p.ID,
		Symbol:     p.Symbol,
		Side:       p.Side,
		Qty:        p.Quantity,
		StopLoss:   p.StopLoss,
		TakeProfit: p.TakeProfit,
	})
	if err != nil {
		log.Printf("⚠️ re-place protective exits for %s: %v (monitoring locally)", p.ID, err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	cur, ok := m.open[p.ID]
	if !ok {
		return p
	}
	cur.ProtectiveOrderIDs = ids
	if len(ids) > 0 {
		cur.venueStop = cur.StopLoss
	}
	return cur.clone()
}

// Restore reloads open positions persisted for the executor's mode.
func (m *Manager) Restore(ctx context.Context) (int, error) {
	if m.store == nil {
		return 0, nil
	}
	mode := string(m.exec.Mode())
	rows, err := m.store.LoadOpenPositions(ctx, mode)
	if err != nil {
		return 0, fmt.Errorf("restore positions: %w", err)
	}
	trades, err := m.store.ListTrades(ctx, m.cfg.RecentLimit, mode)
	if err != nil {
		log.Printf("⚠️ restore recent trades: %v", err)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range rows {
		p := fromRecord(r)
		p.MarkToMarket(p.EntryPrice)
		m.open[p.ID] = p
	}
	if len(m.recent) == 0 {
		for _, t := range trades {
			m.recent = append(m.recent, fromTrade(t))
		}
	}
	if len(rows) > 0 {
		log.Printf("✅ restored %d open position(s)", len(rows))
	}
	return len(rows), nil
}

// OpenPositions returns copies of the open positions, oldest first.
func (m *Manager) OpenPositions() []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var res []Position
	for _, p := range m.sortedOpen() {
		res = append(res, p.clone())
	}
	return res
}

func (m *Manager) OpenCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.open)
}

func (m *Manager) Get(id string) (Position, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if p, ok := m.open[id]; ok {
		return p.clone(), true
	}
	for _, p := range m.recent {
		if p.ID == id {
			return p, true
		}
	}
	return Position{}, false
}

// Recent returns up to n closed positions, newest first.
func (m *Manager) Recent(n int) []Position {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if n <= 0 || n > len(m.recent) {
		n = len(m.recent)
	}
	res := make([]Position, n)
	copy(res, m.recent[:n])
	return res
}

// UnrealizedPnL sums the mark-to-market P&L of open positions.
func (m *Manager) UnrealizedPnL() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var total float64
	for _, p := range m.open {
		total += p.UnrealizedPnL
	}
	return total
}

// Stats aggregates closed trades. Without a store it folds the in-memory
// history.
func (m *Manager) Stats(ctx context.Context) (db.TradeStats, error) {
	if m.store != nil {
		return m.store.GetTradeStats(ctx, string(m.exec.Mode()))
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	var s db.TradeStats
	var grossWin, grossLoss float64
	for i, p := range m.recent {
		s.TotalTrades++
		s.TotalPnL += p.RealizedPnL
		s.TotalFees += p.Fees
		if i == 0 || p.RealizedPnL > s.BestTrade {
			s.BestTrade = p.RealizedPnL
		}
		if i == 0 || p.RealizedPnL < s.WorstTrade {
			s.WorstTrade = p.RealizedPnL
		}
		switch {
		case p.RealizedPnL > 0:
			s.Wins++
			grossWin += p.RealizedPnL
		case p.RealizedPnL < 0:
			s.Losses++
			grossLoss -= p.RealizedPnL
		}
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
	}
	if grossLoss > 0 {
		s.ProfitFactor = grossWin / grossLoss
	}
	return s, nil
}

// sortedOpen must be called with mu held.
func (m *Manager) sortedOpen() []*Position {
	res := make([]*Position, 0, len(m.open))
	for _, p := range m.open {
		res = append(res, p)
	}
	sort.Slice(res, func(i, j int) bool {
		if res[i].OpenedAt.Equal(res[j].OpenedAt) {
			return res[i].ID < res[j].ID
		}
		return res[i].OpenedAt.Before(res[j].OpenedAt)
	})
	return res
}

func (m *Manager) persistOpen(ctx context.Context, p Position) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveOpenPosition(ctx, toRecord(p)); err != nil {
		log.Printf("⚠️ persist open position %s: %v", p.ID, err)
	}
}

func (m *Manager) persistClose(ctx context.Context, p Position) {
	if m.store == nil {
		return
	}
	if err := m.store.SaveTrade(ctx, toTrade(p)); err != nil {
		log.Printf("⚠️ persist trade %s: %v", p.ID, err)
	}
	if err := m.store.DeleteOpenPosition(ctx, p.ID); err != nil {
		log.Printf("⚠️ delete open position %s: %v", p.ID, err)
	}
}

func (m *Manager) publish(e events.Event, p Position) {
	if m.bus != nil {
		m.bus.Publish(e, p)
	}
}

func encodeSignal(sig signal.Signal) string {
	if sig.ID == "" {
		return ""
	}
	b, err := json.Marshal(sig)
	if err != nil {
		return ""
	}
	return string(b)
}

func toRecord(p Position) db.OpenPosition {
	return db.OpenPosition{
		ID:                 p.ID,
		Symbol:             p.Symbol,
		Side:               string(p.Side),
		EntryPrice:         p.EntryPrice,
		Quantity:           p.Quantity,
		StopLoss:           p.StopLoss,
		TakeProfit:         p.TakeProfit,
		EntryFee:           p.EntryFee,
		Leverage:           p.Leverage,
		TradingMode:        string(p.Mode),
		EntryOrderID:       p.EntryOrderID,
		ProtectiveOrderIDs: p.ProtectiveOrderIDs,
		OpenedAt:           p.OpenedAt,
		HighWater:          p.HighWater,
		LowWater:           p.LowWater,
		SignalData:         p.SignalData,
	}
}

func fromRecord(r db.OpenPosition) *Position {
	return &Position{
		ID:                 r.ID,
		Symbol:             r.Symbol,
		Side:               common.PositionSide(r.Side),
		EntryPrice:         r.EntryPrice,
		Quantity:           r.Quantity,
		StopLoss:           r.StopLoss,
		TakeProfit:         r.TakeProfit,
		OpenedAt:           r.OpenedAt,
		Status:             StatusOpen,
		EntryFee:           r.EntryFee,
		Fees:               r.EntryFee,
		Mode:               order.Mode(r.TradingMode),
		EntryOrderID:       r.EntryOrderID,
		ProtectiveOrderIDs: r.ProtectiveOrderIDs,
		Leverage:           r.Leverage,
		HighWater:          r.HighWater,
		LowWater:           r.LowWater,
		SignalData:         r.SignalData,
	}
}

func toTrade(p Position) db.Trade {
	return db.Trade{
		ID:          p.ID,
		Symbol:      p.Symbol,
		Side:        string(p.Side),
		EntryPrice:  p.EntryPrice,
		ExitPrice:   p.ExitPrice,
		Quantity:    p.Quantity,
		StopLoss:    p.StopLoss,
		TakeProfit:  p.TakeProfit,
		PnL:         p.RealizedPnL,
		PnLPercent:  p.PnLPercent,
		Fees:        p.Fees,
		ExitReason:  string(p.ExitReason),
		OpenedAt:    p.OpenedAt,
		ClosedAt:    p.ClosedAt,
		HoldSeconds: int64(p.ClosedAt.Sub(p.OpenedAt).Seconds()),
		Leverage:    p.Leverage,
		TradingMode: string(p.Mode),
		SignalData:  p.SignalData,
	}
}

func fromTrade(t db.Trade) Position {
	return Position{
		ID:          t.ID,
		Symbol:      t.Symbol,
		Side:        common.PositionSide(t.Side),
		EntryPrice:  t.EntryPrice,
		Quantity:    t.Quantity,
		StopLoss:    t.StopLoss,
		TakeProfit:  t.TakeProfit,
		OpenedAt:    t.OpenedAt,
		Status:      StatusClosed,
		ExitPrice:   t.ExitPrice,
		ExitReason:  risk.ExitReason(t.ExitReason),
		RealizedPnL: t.PnL,
		PnLPercent:  t.PnLPercent,
		Fees:        t.Fees,
		ClosedAt:    t.ClosedAt,
		Mode:        order.Mode(t.TradingMode),
		Leverage:    t.Leverage,
		MarkPrice:   t.ExitPrice,
		SignalData:  t.SignalData,
	}
}
