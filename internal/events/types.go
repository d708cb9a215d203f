package events

import "time"

// Event enumerates topics published by the trader.
type Event string

const (
	EventPriceTick      Event = "price_tick"
	EventSignal         Event = "signal"
	EventPositionOpened Event = "position.opened"
	EventPositionClosed Event = "position.closed"
	EventRiskState      Event = "risk.state"
	EventAlert          Event = "alert"
	EventSnapshot       Event = "snapshot"
)

// PriceTick is published by the market feed on every price read.
type PriceTick struct {
	Symbol string    `json:"symbol"`
	Price  float64   `json:"price"`
	Time   time.Time `json:"time"`
}

// SignalEvent records a candidate signal and what the pipeline decided.
type SignalEvent struct {
	SignalID   string    `json:"signal_id"`
	Side       string    `json:"side"`
	Confidence float64   `json:"confidence"`
	Outcome    string    `json:"outcome"` // executed | filtered | risk_blocked | sizing_rejected | execution_failed
	Reason     string    `json:"reason,omitempty"`
	Time       time.Time `json:"time"`
}

// RiskStateChange is published when the risk FSM changes state.
type RiskStateChange struct {
	From   string    `json:"from"`
	To     string    `json:"to"`
	Reason string    `json:"reason"`
	Time   time.Time `json:"time"`
}
