package risk

import (
	"context"
	"time"

	"adx-trader/pkg/db"
)

// StateName is a risk FSM state.
type StateName string

const (
	StateNormal      StateName = "NORMAL"
	StateWarning     StateName = "WARNING"
	StateCircuitOpen StateName = "CIRCUIT_OPEN"
)

// Config defines account-level risk limits.
type Config struct {
	InitialCapital       float64 `json:"initial_capital"`
	DailyLossLimitPct    float64 `json:"daily_loss_limit_pct"`
	MaxDrawdownPct       float64 `json:"max_drawdown_pct"`
	ConsecutiveLossLimit int     `json:"consecutive_loss_limit"`
	MaxPositions         int     `json:"max_positions"`
	WarningRatio         float64 `json:"warning_ratio"` // 0.8 = warn at 80% of a limit
}

// DefaultConfig returns default risk configuration
func DefaultConfig() Config {
	return Config{
		InitialCapital:       100,
		DailyLossLimitPct:    5,
		MaxDrawdownPct:       15,
		ConsecutiveLossLimit: 3,
		MaxPositions:         2,
		WarningRatio:         0.8,
	}
}

// State tracks the current risk status
type State struct {
	State             StateName `json:"state"`
	Reason            string    `json:"reason,omitempty"`
	DailyPnL          float64   `json:"daily_pnl"`
	DailyLossPct      float64   `json:"daily_loss_pct"`
	DayStart          time.Time `json:"day_start"`
	DayStartEquity    float64   `json:"day_start_equity"`
	Equity            float64   `json:"equity"`
	PeakEquity        float64   `json:"peak_equity"`
	DrawdownPct       float64   `json:"drawdown_pct"`
	ConsecutiveLosses int       `json:"consecutive_losses"`
	TotalTrades       int       `json:"total_trades"`
	Wins              int       `json:"wins"`
	Losses            int       `json:"losses"`
	TrippedAt         time.Time `json:"tripped_at,omitempty"`
}

// WinRate in percent.
func (s State) WinRate() float64 {
	if s.TotalTrades == 0 {
		return 0
	}
	return float64(s.Wins) / float64(s.TotalTrades) * 100
}

// Decision represents the result of an entry check
type Decision struct {
	Allowed bool      `json:"allowed"`
	Reason  string    `json:"reason"`
	State   StateName `json:"state"`
}

// Transition reports a state change caused by one update.
type Transition struct {
	From    StateName `json:"from"`
	To      StateName `json:"to"`
	Reason  string    `json:"reason"`
	Changed bool      `json:"changed"`
}

// Store persists the FSM so an open circuit survives restarts.
type Store interface {
	LoadRiskState(ctx context.Context) (db.RiskStateRecord, bool, error)
	SaveRiskState(ctx context.Context, r db.RiskStateRecord) error
}
