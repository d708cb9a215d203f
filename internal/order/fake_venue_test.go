package order

import (
	"context"
	"fmt"
	"sync"

	"adx-trader/pkg/exchanges/common"
)

// fakeVenue scripts order states per order id.
type fakeVenue struct {
	mu          sync.Mutex
	submitted   []common.OrderRequest
	submitErr   error
	nextID      int
	orders      map[string][]common.OrderInfo // successive GetOrder answers; last one repeats
	afterCancel map[string]common.OrderInfo
	canceled    []string
	positions   []common.PositionInfo
	closes      int
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{orders: map[string][]common.OrderInfo{}, afterCancel: map[string]common.OrderInfo{}}
}

func (f *fakeVenue) Name() string { return "fake" }

func (f *fakeVenue) GetCurrentPrice(ctx context.Context, symbol string) (float64, error) {
	return 100, nil
}

func (f *fakeVenue) GetCandles(ctx context.Context, symbol, interval string, limit int) ([]common.Candle, error) {
	return nil, nil
}

func (f *fakeVenue) GetAccountBalance(ctx context.Context) (common.AccountBalance, error) {
	return common.AccountBalance{Asset: "USDT", Balance: 100, Equity: 100, AvailableMargin: 100}, nil
}

func (f *fakeVenue) GetOpenPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.positions, nil
}

func (f *fakeVenue) SetLeverage(ctx context.Context, symbol string, side common.PositionSide, leverage int) error {
	return nil
}

func (f *fakeVenue) SubmitOrder(ctx context.Context, req common.OrderRequest) (common.OrderResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.submitted = append(f.submitted, req)
	if f.submitErr != nil {
		return common.OrderResult{}, f.submitErr
	}
	f.nextID++
	id := fmt.Sprintf("o%d", f.nextID)
	return common.OrderResult{ExchangeOrderID: id, ClientID: req.ClientID, Status: common.StatusNew}, nil
}

func (f *fakeVenue) GetOrder(ctx context.Context, symbol, id string) (common.OrderInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range f.canceled {
		if c == id {
			if info, ok := f.afterCancel[id]; ok {
				return info, nil
			}
			return common.OrderInfo{ExchangeOrderID: id, Status: common.StatusCanceled}, nil
		}
	}
	seq := f.orders[id]
	if len(seq) == 0 {
		return common.OrderInfo{ExchangeOrderID: id, Status: common.StatusNew}, nil
	}
	info := seq[0]
	if len(seq) > 1 {
		f.orders[id] = seq[1:]
	}
	return info, nil
}

func (f *fakeVenue) CancelOrder(ctx context.Context, symbol, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.canceled = append(f.canceled, id)
	return nil
}

func (f *fakeVenue) ClosePosition(ctx context.Context, symbol string, side common.PositionSide, qty float64) (common.OrderResult, error) {
	f.mu.Lock()
	f.closes++
	f.mu.Unlock()
	return f.SubmitOrder(ctx, common.OrderRequest{Symbol: symbol, Side: side.ExitSide(), PositionSide: side, Type: common.OrderTypeMarket, Qty: qty})
}

func (f *fakeVenue) submitCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.submitted)
}
