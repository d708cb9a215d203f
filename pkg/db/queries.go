package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// SaveTrade inserts a closed trade. Saving the same id twice is an error.
func (d *Database) SaveTrade(ctx context.Context, t Trade) error {
	if t.ID == "" {
		return errors.New("save trade: empty id")
	}
	hold := t.HoldSeconds
	if hold == 0 && !t.OpenedAt.IsZero() && !t.ClosedAt.IsZero() {
		hold = int64(t.ClosedAt.Sub(t.OpenedAt).Seconds())
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO trades (
			id, symbol, side, entry_price, exit_price, quantity, stop_loss, take_profit,
			pnl, pnl_percent, fees, exit_reason, opened_at, closed_at, hold_seconds,
			leverage, trading_mode, signal_data
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		t.ID, t.Symbol, t.Side, t.EntryPrice, t.ExitPrice, t.Quantity, t.StopLoss, t.TakeProfit,
		t.PnL, t.PnLPercent, t.Fees, t.ExitReason, toMillis(t.OpenedAt), toMillis(t.ClosedAt), hold,
		t.Leverage, t.TradingMode, t.SignalData,
	)
	if err != nil {
		return fmt.Errorf("save trade %s: %w", t.ID, err)
	}
	return nil
}

// ListTrades returns the most recent closed trades first. An empty mode lists all modes.
func (d *Database) ListTrades(ctx context.Context, limit int, mode string) ([]Trade, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `
		SELECT id, symbol, side, entry_price, exit_price, quantity, stop_loss, take_profit,
		       pnl, pnl_percent, fees, exit_reason, opened_at, closed_at, hold_seconds,
		       leverage, trading_mode, COALESCE(signal_data, '')
		FROM trades`
	args := []any{}
	if mode != "" {
		query += ` WHERE trading_mode = ?`
		args = append(args, mode)
	}
	query += ` ORDER BY closed_at DESC, id LIMIT ?`
	args = append(args, limit)

	rows, err := d.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list trades: %w", err)
	}
	defer rows.Close()

	var res []Trade
	for rows.Next() {
		var (
			t                Trade
			opened, closedAt int64
		)
		if err := rows.Scan(&t.ID, &t.Symbol, &t.Side, &t.EntryPrice, &t.ExitPrice, &t.Quantity,
			&t.StopLoss, &t.TakeProfit, &t.PnL, &t.PnLPercent, &t.Fees, &t.ExitReason,
			&opened, &closedAt, &t.HoldSeconds, &t.Leverage, &t.TradingMode, &t.SignalData); err != nil {
			return nil, err
		}
		t.OpenedAt = fromMillis(opened)
		t.ClosedAt = fromMillis(closedAt)
		res = append(res, t)
	}
	return res, rows.Err()
}

// CountTradesByReason counts closed trades with the given exit reason.
func (d *Database) CountTradesByReason(ctx context.Context, reason string) (int, error) {
	var n int
	err := d.DB.QueryRowContext(ctx, `SELECT COUNT(*) FROM trades WHERE exit_reason = ?`, reason).Scan(&n)
	return n, err
}

// GetTradeStats aggregates closed trades. An empty mode covers all modes.
func (d *Database) GetTradeStats(ctx context.Context, mode string) (TradeStats, error) {
	query := `
		SELECT COUNT(*),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN 1 ELSE 0 END), 0),
		       COALESCE(SUM(pnl), 0),
		       COALESCE(MAX(pnl), 0),
		       COALESCE(MIN(pnl), 0),
		       COALESCE(SUM(CASE WHEN pnl > 0 THEN pnl ELSE 0 END), 0),
		       COALESCE(SUM(CASE WHEN pnl < 0 THEN -pnl ELSE 0 END), 0),
		       COALESCE(SUM(fees), 0)
		FROM trades`
	args := []any{}
	if mode != "" {
		query += ` WHERE trading_mode = ?`
		args = append(args, mode)
	}

	var (
		s                      TradeStats
		grossProfit, grossLoss float64
	)
	if err := d.DB.QueryRowContext(ctx, query, args...).Scan(
		&s.TotalTrades, &s.Wins, &s.Losses, &s.TotalPnL, &s.BestTrade, &s.WorstTrade,
		&grossProfit, &grossLoss, &s.TotalFees,
	); err != nil {
		return TradeStats{}, fmt.Errorf("trade stats: %w", err)
	}
	if s.TotalTrades > 0 {
		s.WinRate = float64(s.Wins) / float64(s.TotalTrades) * 100
		s.AvgPnL = s.TotalPnL / float64(s.TotalTrades)
	}
	// Left at 0 when there are no losing trades; JSON cannot carry +Inf.
	if grossLoss > 0 {
		s.ProfitFactor = grossProfit / grossLoss
	}
	return s, nil
}

// SaveOpenPosition upserts a held position.
func (d *Database) SaveOpenPosition(ctx context.Context, p OpenPosition) error {
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO open_positions (
			id, symbol, side, entry_price, quantity, stop_loss, take_profit, entry_fee,
			leverage, trading_mode, entry_order_id, protective_order_ids, opened_at,
			signal_data, high_water, low_water
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			stop_loss = excluded.stop_loss,
			take_profit = excluded.take_profit,
			protective_order_ids = excluded.protective_order_ids,
			high_water = excluded.high_water,
			low_water = excluded.low_water
	`,
		p.ID, p.Symbol, p.Side, p.EntryPrice, p.Quantity, p.StopLoss, p.TakeProfit, p.EntryFee,
		p.Leverage, p.TradingMode, p.EntryOrderID, strings.Join(p.ProtectiveOrderIDs, ","),
		toMillis(p.OpenedAt), p.SignalData, p.HighWater, p.LowWater,
	)
	if err != nil {
		return fmt.Errorf("save open position %s: %w", p.ID, err)
	}
	return nil
}

// DeleteOpenPosition removes a position once it is closed.
func (d *Database) DeleteOpenPosition(ctx context.Context, id string) error {
	_, err := d.DB.ExecContext(ctx, `DELETE FROM open_positions WHERE id = ?`, id)
	return err
}

// LoadOpenPositions returns held positions for a trading mode, oldest first.
func (d *Database) LoadOpenPositions(ctx context.Context, mode string) ([]OpenPosition, error) {
	rows, err := d.DB.QueryContext(ctx, `
		SELECT id, symbol, side, entry_price, quantity, stop_loss, take_profit, entry_fee,
		       leverage, trading_mode, COALESCE(entry_order_id, ''), COALESCE(protective_order_ids, ''),
		       opened_at, COALESCE(signal_data, ''), COALESCE(high_water, 0), COALESCE(low_water, 0)
		FROM open_positions
		WHERE trading_mode = ?
		ORDER BY opened_at, id`, mode)
	if err != nil {
		return nil, fmt.Errorf("load open positions: %w", err)
	}
	defer rows.Close()

	var res []OpenPosition
	for rows.Next() {
		var (
			p          OpenPosition
			protective string
			opened     int64
		)
		if err := rows.Scan(&p.ID, &p.Symbol, &p.Side, &p.EntryPrice, &p.Quantity, &p.StopLoss,
			&p.TakeProfit, &p.EntryFee, &p.Leverage, &p.TradingMode, &p.EntryOrderID, &protective,
			&opened, &p.SignalData, &p.HighWater, &p.LowWater); err != nil {
			return nil, err
		}
		if protective != "" {
			p.ProtectiveOrderIDs = strings.Split(protective, ",")
		}
		p.OpenedAt = fromMillis(opened)
		res = append(res, p)
	}
	return res, rows.Err()
}

// SaveRiskState upserts the single risk FSM row.
func (d *Database) SaveRiskState(ctx context.Context, r RiskStateRecord) error {
	updated := r.UpdatedAt
	if updated.IsZero() {
		updated = time.Now()
	}
	_, err := d.DB.ExecContext(ctx, `
		INSERT INTO risk_state (
			id, state, reason, daily_pnl, day_start, day_start_equity, equity, peak_equity,
			consecutive_losses, total_trades, wins, losses, tripped_at, updated_at
		) VALUES (1, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			state = excluded.state,
			reason = excluded.reason,
			daily_pnl = excluded.daily_pnl,
			day_start = excluded.day_start,
			day_start_equity = excluded.day_start_equity,
			equity = excluded.equity,
			peak_equity = excluded.peak_equity,
			consecutive_losses = excluded.consecutive_losses,
			total_trades = excluded.total_trades,
			wins = excluded.wins,
			losses = excluded.losses,
			tripped_at = excluded.tripped_at,
			updated_at = excluded.updated_at
	`,
		r.State, r.Reason, r.DailyPnL, toMillis(r.DayStart), r.DayStartEquity, r.Equity, r.PeakEquity,
		r.ConsecutiveLosses, r.TotalTrades, r.Wins, r.Losses, toMillis(r.TrippedAt), toMillis(updated),
	)
	if err != nil {
		return fmt.Errorf("save risk state: %w", err)
	}
	return nil
}

// LoadRiskState returns the persisted risk row; ok is false when none exists yet.
func (d *Database) LoadRiskState(ctx context.Context) (rec RiskStateRecord, ok bool, err error) {
	var dayStart, tripped, updated int64
	err = d.DB.QueryRowContext(ctx, `
		SELECT state, COALESCE(reason, ''), daily_pnl, day_start, day_start_equity, equity, peak_equity,
		       consecutive_losses, total_trades, wins, losses, tripped_at, updated_at
		FROM risk_state WHERE id = 1`).Scan(
		&rec.State, &rec.Reason, &rec.DailyPnL, &dayStart, &rec.DayStartEquity, &rec.Equity,
		&rec.PeakEquity, &rec.ConsecutiveLosses, &rec.TotalTrades, &rec.Wins, &rec.Losses,
		&tripped, &updated,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return RiskStateRecord{}, false, nil
	}
	if err != nil {
		return RiskStateRecord{}, false, fmt.Errorf("load risk state: %w", err)
	}
	rec.DayStart = fromMillis(dayStart)
	rec.TrippedAt = fromMillis(tripped)
	rec.UpdatedAt = fromMillis(updated)
	return rec, true, nil
}

// SavePerformanceSnapshot appends a performance sample.
func (d *Database) SavePerformanceSnapshot(ctx context.Context, s PerformanceSnapshot) error {
	if err := insertPerformanceSnapshot(ctx, d.DB, s); err != nil {
		return fmt.Errorf("save performance snapshot: %w", err)
	}
	return nil
}

// SavePerformanceSnapshots appends samples in one transaction.
func (d *Database) SavePerformanceSnapshots(ctx context.Context, snaps []PerformanceSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	tx, err := d.DB.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin snapshot batch: %w", err)
	}
	for _, s := range snaps {
		if err := insertPerformanceSnapshot(ctx, tx, s); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("save performance snapshot batch: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit snapshot batch: %w", err)
	}
	return nil
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func insertPerformanceSnapshot(ctx context.Context, ex execer, s PerformanceSnapshot) error {
	_, err := ex.ExecContext(ctx, `
		INSERT INTO performance_snapshots (
			taken_at, trading_mode, balance, equity, available_margin, open_positions,
			daily_pnl, drawdown_pct, risk_state, total_trades, win_rate
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		toMillis(s.TakenAt), s.TradingMode, s.Balance, s.Equity, s.AvailableMargin, s.OpenPositions,
		s.DailyPnL, s.DrawdownPct, s.RiskState, s.TotalTrades, s.WinRate,
	)
	return err
}

// ListPerformanceSnapshots returns the latest samples first.
func (d *Database) ListPerformanceSnapshots(ctx context.Context, limit int) ([]PerformanceSnapshot, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := d.DB.QueryContext(ctx, `
		SELECT taken_at, trading_mode, balance, equity, available_margin, open_positions,
		       daily_pnl, drawdown_pct, risk_state, total_trades, win_rate
		FROM performance_snapshots ORDER BY taken_at DESC, id DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list performance snapshots: %w", err)
	}
	defer rows.Close()

	var res []PerformanceSnapshot
	for rows.Next() {
		var (
			s     PerformanceSnapshot
			taken int64
		)
		if err := rows.Scan(&taken, &s.TradingMode, &s.Balance, &s.Equity, &s.AvailableMargin,
			&s.OpenPositions, &s.DailyPnL, &s.DrawdownPct, &s.RiskState, &s.TotalTrades, &s.WinRate); err != nil {
			return nil, err
		}
		s.TakenAt = fromMillis(taken)
		res = append(res, s)
	}
	return res, rows.Err()
}

func toMillis(t time.Time) int64 {
	if t.IsZero() {
		return 0
	}
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	if ms == 0 {
		return time.Time{}
	}
	return time.UnixMilli(ms).UTC()
}
