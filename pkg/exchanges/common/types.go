package common

import (
	"fmt"
	"strings"
	"time"
)

// Side denotes order side.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// PositionSide is the hedge-mode leg an order or position belongs to.
type PositionSide string

const (
	PositionLong  PositionSide = "LONG"
	PositionShort PositionSide = "SHORT"
)

// EntrySide is the order side that opens a position on this leg.
func (p PositionSide) EntrySide() Side {
	if p == PositionShort {
		return SideSell
	}
	return SideBuy
}

// ExitSide is the order side that reduces a position on this leg.
func (p PositionSide) ExitSide() Side {
	if p == PositionShort {
		return SideBuy
	}
	return SideSell
}

// OrderType denotes the order types the trader sends.
type OrderType string

const (
	OrderTypeMarket           OrderType = "MARKET"
	OrderTypeStopMarket       OrderType = "STOP_MARKET"
	OrderTypeTakeProfitMarket OrderType = "TAKE_PROFIT_MARKET"
)

// Working types for trigger orders.
const (
	WorkingTypeMark     = "MARK_PRICE"
	WorkingTypeContract = "CONTRACT_PRICE"
)

// OrderStatus normalizes exchange status into a small set.
type OrderStatus string

const (
	StatusNew      OrderStatus = "NEW"
	StatusPartial  OrderStatus = "PARTIAL"
	StatusFilled   OrderStatus = "FILLED"
	StatusCanceled OrderStatus = "CANCELED"
	StatusRejected OrderStatus = "REJECTED"
	StatusExpired  OrderStatus = "EXPIRED"
	StatusUnknown  OrderStatus = "UNKNOWN"
)

// Terminal reports whether no further fills can happen.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected, StatusExpired:
		return true
	}
	return false
}

// MapStatus converts a venue status string to OrderStatus.
func MapStatus(s string) OrderStatus {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "NEW", "PENDING", "WORKING":
		return StatusNew
	case "PARTIALLY_FILLED", "PARTIAL":
		return StatusPartial
	case "FILLED":
		return StatusFilled
	case "CANCELED", "CANCELLED", "PENDING_CANCEL":
		return StatusCanceled
	case "REJECTED", "FAILED":
		return StatusRejected
	case "EXPIRED", "EXPIRED_IN_MATCH":
		return StatusExpired
	default:
		return StatusUnknown
	}
}

// Candle is one OHLCV bar.
type Candle struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// OrderRequest captures an order intent to be sent to an exchange.
type OrderRequest struct {
	Symbol       string
	Side         Side
	PositionSide PositionSide
	Type         OrderType
	Qty          float64
	StopPrice    float64 // trigger for STOP_MARKET / TAKE_PROFIT_MARKET
	ReduceOnly   bool
	WorkingType  string
	ClientID     string
}

// OrderResult returns the exchange ack.
type OrderResult struct {
	ExchangeOrderID string
	ClientID        string
	Status          OrderStatus
}

// OrderInfo is the queried state of an order.
type OrderInfo struct {
	ExchangeOrderID string
	Status          OrderStatus
	ExecutedQty     float64
	AvgPrice        float64
	Fee             float64
	UpdatedAt       time.Time
}

// PositionInfo is a venue-reported open position. Qty is always positive.
type PositionInfo struct {
	Symbol        string
	Side          PositionSide
	Qty           float64
	EntryPrice    float64
	MarkPrice     float64
	UnrealizedPnL float64
	Leverage      int
}

// AccountBalance is the margin account summary in the settlement asset.
type AccountBalance struct {
	Asset           string
	Balance         float64
	Equity          float64
	AvailableMargin float64
	UsedMargin      float64
	UnrealizedPnL   float64
}

// APIError is a non-zero venue response code.
type APIError struct {
	Code int
	Msg  string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("venue error %d: %s", e.Code, e.Msg)
}
