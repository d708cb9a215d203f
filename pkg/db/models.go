package db

import "time"

// Trade is a closed position as persisted for reporting.
type Trade struct {
	ID          string
	Symbol      string
	Side        string // LONG or SHORT
	EntryPrice  float64
	ExitPrice   float64
	Quantity    float64
	StopLoss    float64
	TakeProfit  float64
	PnL         float64 // net of fees
	PnLPercent  float64
	Fees        float64
	ExitReason  string
	OpenedAt    time.Time
	ClosedAt    time.Time
	HoldSeconds int64
	Leverage    int
	TradingMode string
	SignalData  string // JSON
}

// OpenPosition is the durable copy of a position still held.
type OpenPosition struct {
	ID                 string
	Symbol             string
	Side               string
	EntryPrice         float64
	Quantity           float64
	StopLoss           float64
	TakeProfit         float64
	EntryFee           float64
	Leverage           int
	TradingMode        string
	EntryOrderID       string
	ProtectiveOrderIDs []string
	OpenedAt           time.Time
	HighWater          float64
	LowWater           float64
	SignalData         string
}

// RiskStateRecord is the single persisted row of the risk FSM.
type RiskStateRecord struct {
	State             string
	Reason            string
	DailyPnL          float64
	DayStart          time.Time
	DayStartEquity    float64
	Equity            float64
	PeakEquity        float64
	ConsecutiveLosses int
	TotalTrades       int
	Wins              int
	Losses            int
	TrippedAt         time.Time
	UpdatedAt         time.Time
}

// PerformanceSnapshot is a periodic account/risk sample.
type PerformanceSnapshot struct {
	TakenAt         time.Time
	TradingMode     string
	Balance         float64
	Equity          float64
	AvailableMargin float64
	OpenPositions   int
	DailyPnL        float64
	DrawdownPct     float64
	RiskState       string
	TotalTrades     int
	WinRate         float64
}

// TradeStats aggregates closed trades.
type TradeStats struct {
	TotalTrades  int     `json:"total_trades"`
	Wins         int     `json:"wins"`
	Losses       int     `json:"losses"`
	WinRate      float64 `json:"win_rate"`
	TotalPnL     float64 `json:"total_pnl"`
	AvgPnL       float64 `json:"avg_pnl"`
	BestTrade    float64 `json:"best_trade"`
	WorstTrade   float64 `json:"worst_trade"`
	ProfitFactor float64 `json:"profit_factor"`
	TotalFees    float64 `json:"total_fees"`
}
