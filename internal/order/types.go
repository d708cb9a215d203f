package order

import (
	"context"
	"errors"
	"fmt"
	"time"

	"adx-trader/internal/signal"
	"adx-trader/pkg/exchanges/common"
)

// Mode tags every fill and trade record with how it was executed.
type Mode string

const (
	ModeSimulated Mode = "simulated"
	ModeLive      Mode = "live"
)

// FillStatus is the outcome of waiting on an order.
type FillStatus string

const (
	FillFilled   FillStatus = "FILLED"
	FillTimedOut FillStatus = "TIMED_OUT"
	FillRejected FillStatus = "REJECTED"
)

var (
	ErrFillTimeout   = errors.New("fill confirmation timed out")
	ErrOrderRejected = errors.New("order rejected")
)

// ExecutionError is returned once every attempt at an entry failed.
type ExecutionError struct {
	Attempts int
	Err      error
}

func (e *ExecutionError) Error() string {
	return fmt.Sprintf("execution failed after %d attempt(s): %v", e.Attempts, e.Err)
}

func (e *ExecutionError) Unwrap() error { return e.Err }

// FillResult describes an executed market order.
type FillResult struct {
	OrderID      string              `json:"order_id"`
	ClientID     string              `json:"client_id,omitempty"`
	Symbol       string              `json:"symbol"`
	Side         common.Side         `json:"side"`
	PositionSide common.PositionSide `json:"position_side"`
	Qty          float64             `json:"qty"`
	Price        float64             `json:"price"`
	Fee          float64             `json:"fee"`
	Status       common.OrderStatus  `json:"status"`
	Attempts     int                 `json:"attempts"`
	Mode         Mode                `json:"mode"`
	FilledAt     time.Time           `json:"filled_at"`
}

// Notional is price × quantity of the fill.
func (f FillResult) Notional() float64 { return f.Price * f.Qty }

// ProtectiveRequest asks for venue-side SL/TP orders on an open position.
type ProtectiveRequest struct {
	PositionID string
	Symbol     string
	Side       common.PositionSide
	Qty        float64
	StopLoss   float64
	TakeProfit float64
}

// CloseRequest flattens a position.
type CloseRequest struct {
	PositionID  string
	Symbol      string
	Side        common.PositionSide
	Qty         float64
	MarketPrice float64
	Reason      string
}

// Executor is the capability set shared by simulated and live trading.
type Executor interface {
	Mode() Mode
	PlaceEntry(ctx context.Context, sig signal.Signal, qty, marketPrice float64) (FillResult, error)
	PlaceProtectiveExits(ctx context.Context, req ProtectiveRequest) ([]string, error)
	ConfirmFill(ctx context.Context, orderID string, timeout time.Duration) (FillStatus, FillResult, error)
	ClosePosition(ctx context.Context, req CloseRequest) (FillResult, error)
	CancelProtective(ctx context.Context, symbol string, ids []string) error
}

// RealizedPnL is (exit − entry) × qty × sign(side) less fees.
func RealizedPnL(side common.PositionSide, qty, entry, exit, fees float64) float64 {
	if qty < 0 {
		qty = -qty
	}
	if qty == 0 {
		return -fees
	}
	pnl := (exit - entry) * qty
	if side == common.PositionShort {
		pnl = -pnl
	}
	return pnl - fees
}
