package common

import "context"

// Venue abstracts a perpetual-futures trading venue.
type Venue interface {
	Name() string
	GetCurrentPrice(ctx context.Context, symbol string) (float64, error)
	GetCandles(ctx context.Context, symbol, interval string, limit int) ([]Candle, error)
	GetAccountBalance(ctx context.Context) (AccountBalance, error)
	GetOpenPositions(ctx context.Context, symbol string) ([]PositionInfo, error)
	SetLeverage(ctx context.Context, symbol string, side PositionSide, leverage int) error
	SubmitOrder(ctx context.Context, req OrderRequest) (OrderResult, error)
	GetOrder(ctx context.Context, symbol, exchangeOrderID string) (OrderInfo, error)
	CancelOrder(ctx context.Context, symbol, exchangeOrderID string) error
	ClosePosition(ctx context.Context, symbol string, side PositionSide, qty float64) (OrderResult, error)
}
