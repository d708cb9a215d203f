package dashboard

import (
	"time"

	"adx-trader/internal/alerts"
	"adx-trader/internal/balance"
	"adx-trader/internal/monitor"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/pkg/db"
)

// Snapshot is the read-only state view handed to the API and written on
// shutdown. It is built by the trading loop and never mutated afterwards.
type Snapshot struct {
	GeneratedAt    time.Time                `json:"generated_at"`
	SessionStart   time.Time                `json:"session_start"`
	Mode           string                   `json:"mode"`
	Venue          string                   `json:"venue"`
	Symbol         string                   `json:"symbol"`
	Price          float64                  `json:"price"`
	Account        balance.Account          `json:"account"`
	InitialCapital float64                  `json:"initial_capital"`
	TotalReturnPct float64                  `json:"total_return_pct"`
	OpenPositions  []position.Position      `json:"open_positions"`
	RecentTrades   []position.Position      `json:"recent_trades"`
	Stats          db.TradeStats            `json:"stats"`
	Risk           risk.State               `json:"risk"`
	Health         monitor.HealthReport     `json:"health"`
	LastSignal     *signal.Signal           `json:"last_signal,omitempty"`
	FilterStats    signal.FilterStats       `json:"filter_stats"`
	Alerts         alerts.Summary           `json:"alerts"`
	RecentAlerts   []alerts.Alert           `json:"recent_alerts,omitempty"`
	Metrics        *monitor.MetricsSnapshot `json:"metrics,omitempty"`
}

// copy returns a Snapshot whose slices and pointers are not shared.
func (s Snapshot) copy() Snapshot {
	out := s
	out.OpenPositions = clonePositions(s.OpenPositions)
	out.RecentTrades = clonePositions(s.RecentTrades)
	if s.RecentAlerts != nil {
		out.RecentAlerts = append([]alerts.Alert(nil), s.RecentAlerts...)
	}
	if s.LastSignal != nil {
		sig := *s.LastSignal
		out.LastSignal = &sig
	}
	if s.Metrics != nil {
		m := *s.Metrics
		out.Metrics = &m
	}
	if s.FilterStats.Rejected != nil {
		rej := make(map[string]int, len(s.FilterStats.Rejected))
		for k, v := range s.FilterStats.Rejected {
			rej[k] = v
		}
		out.FilterStats.Rejected = rej
	}
	out.Health.Components = append([]monitor.ComponentHealth(nil), s.Health.Components...)
	return out
}

func clonePositions(in []position.Position) []position.Position {
	if in == nil {
		return nil
	}
	out := make([]position.Position, len(in))
	for i, p := range in {
		p.ProtectiveOrderIDs = append([]string(nil), p.ProtectiveOrderIDs...)
		out[i] = p
	}
	return out
}
