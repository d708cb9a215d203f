package position

import (
	"time"

	"adx-trader/internal/order"
	"adx-trader/internal/risk"
	"adx-trader/pkg/exchanges/common"
)

// Status of a tracked position.
type Status string

const (
	StatusOpen   Status = "OPEN"
	StatusClosed Status = "CLOSED"
)

// Position is one leveraged leg from fill to close.
type Position struct {
	ID                 string              `json:"id"`
	Symbol             string              `json:"symbol"`
	Side               common.PositionSide `json:"side"`
	EntryPrice         float64             `json:"entry_price"`
	Quantity           float64             `json:"quantity"`
	StopLoss           float64             `json:"stop_loss"`
	TakeProfit         float64             `json:"take_profit"`
	OpenedAt           time.Time           `json:"opened_at"`
	Status             Status              `json:"status"`
	ExitPrice          float64             `json:"exit_price,omitempty"`
	ExitReason         risk.ExitReason     `json:"exit_reason,omitempty"`
	RealizedPnL        float64             `json:"realized_pnl"`
	PnLPercent         float64             `json:"pnl_percent"`
	EntryFee           float64             `json:"entry_fee"`
	Fees               float64             `json:"fees"`
	ClosedAt           time.Time           `json:"closed_at,omitempty"`
	Mode               order.Mode          `json:"mode"`
	EntryOrderID       string              `json:"entry_order_id,omitempty"`
	ProtectiveOrderIDs []string            `json:"protective_order_ids,omitempty"`
	Leverage           int                 `json:"leverage"`
	MarkPrice          float64             `json:"mark_price"`
	UnrealizedPnL      float64             `json:"unrealized_pnl"`
	HighWater          float64             `json:"high_water"`
	LowWater           float64             `json:"low_water"`
	TrailingActive     bool                `json:"trailing_active"`
	SignalData         string              `json:"-"`

	venueStop float64 // stop price the venue protection was last placed at
}

// Notional is entry price × quantity.
func (p *Position) Notional() float64 { return p.EntryPrice * p.Quantity }

// Margin is the collateral locked by the position.
func (p *Position) Margin() float64 {
	if p.Leverage <= 0 {
		return p.Notional()
	}
	return p.Notional() / float64(p.Leverage)
}

// MarkToMarket refreshes the unrealized P&L, gross of the exit fee.
func (p *Position) MarkToMarket(price float64) {
	if price <= 0 {
		return
	}
	p.MarkPrice = price
	p.UnrealizedPnL = order.RealizedPnL(p.Side, p.Quantity, p.EntryPrice, price, p.EntryFee)
}

// HoldTime is how long the position has been (or was) open.
func (p *Position) HoldTime(now time.Time) time.Duration {
	end := now
	if p.Status == StatusClosed && !p.ClosedAt.IsZero() {
		end = p.ClosedAt
	}
	return end.Sub(p.OpenedAt)
}

func (p *Position) trailState() risk.TrailState {
	return risk.TrailState{
		Side:      p.Side,
		Entry:     p.EntryPrice,
		StopLoss:  p.StopLoss,
		HighWater: p.HighWater,
		LowWater:  p.LowWater,
		Active:    p.TrailingActive,
	}
}

func (p *Position) clone() Position {
	c := *p
	c.ProtectiveOrderIDs = append([]string(nil), p.ProtectiveOrderIDs...)
	return c
}
