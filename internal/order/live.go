package order

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jpillora/backoff"

	"adx-trader/internal/risk"
	"adx-trader/internal/signal"
	"adx-trader/pkg/exchanges/common"
)

// LiveConfig controls order submission against a real venue.
type LiveConfig struct {
	Symbol       string
	FillTimeout  time.Duration
	PollInterval time.Duration
	MaxAttempts  int
	RetryMin     time.Duration
	RetryMax     time.Duration
}

func DefaultLiveConfig() LiveConfig {
	return LiveConfig{
		Symbol:       "BTC-USDT",
		FillTimeout:  30 * time.Second,
		PollInterval: time.Second,
		MaxAttempts:  3,
		RetryMin:     500 * time.Millisecond,
		RetryMax:     5 * time.Second,
	}
}

// Live sends market orders to the venue and waits for them to fill.
type Live struct {
	venue common.Venue
	cfg   LiveConfig
	now   func() time.Time
}

func NewLive(venue common.Venue, cfg LiveConfig) *Live {
	def := DefaultLiveConfig()
	if cfg.FillTimeout <= 0 {
		cfg.FillTimeout = def.FillTimeout
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = def.PollInterval
	}
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = def.MaxAttempts
	}
	if cfg.RetryMin <= 0 {
		cfg.RetryMin = def.RetryMin
	}
	if cfg.RetryMax < cfg.RetryMin {
		cfg.RetryMax = cfg.RetryMin
	}
	return &Live{venue: venue, cfg: cfg, now: time.Now}
}

func (l *Live) Mode() Mode { return ModeLive }

// PlaceEntry submits a market order and confirms it. Timeouts are retried
// with backoff up to MaxAttempts; a venue rejection fails immediately.
func (l *Live) PlaceEntry(ctx context.Context, sig signal.Signal, qty, marketPrice float64) (FillResult, error) {
	if qty <= 0 {
		return FillResult{}, &ExecutionError{Attempts: 0, Err: fmt.Errorf("%w: qty %.8f", ErrOrderRejected, qty)}
	}
	b := &backoff.Backoff{Min: l.cfg.RetryMin, Max: l.cfg.RetryMax, Factor: 2, Jitter: true}

	var lastErr error
	for attempt := 1; attempt <= l.cfg.MaxAttempts; attempt++ {
		if attempt > 1 {
			d := b.Duration()
			log.Printf("⚠️ entry attempt %d/%d in %v: %v", attempt, l.cfg.MaxAttempts, d, lastErr)
			if err := sleepCtx(ctx, d); err != nil {
				return FillResult{}, &ExecutionError{Attempts: attempt - 1, Err: err}
			}
		}

		req := common.OrderRequest{
			Symbol:       l.cfg.Symbol,
			Side:         sig.Side.EntrySide(),
			PositionSide: sig.Side,
			Type:         common.OrderTypeMarket,
			Qty:          qty,
			ClientID:     newClientID("entry"),
		}
		res, err := l.venue.SubmitOrder(ctx, req)
		if err != nil {
			if isRejection(err) {
				return FillResult{}, &ExecutionError{Attempts: attempt, Err: fmt.Errorf("%w: %v", ErrOrderRejected, err)}
			}
			lastErr = fmt.Errorf("submit: %w", err)
			continue
		}
		if res.Status == common.StatusRejected {
			return FillResult{}, &ExecutionError{Attempts: attempt, Err: fmt.Errorf("%w: order %s", ErrOrderRejected, res.ExchangeOrderID)}
		}

		status, fill, err := l.ConfirmFill(ctx, res.ExchangeOrderID, l.cfg.FillTimeout)
		switch status {
		case FillFilled:
			return l.complete(ctx, fill, req, res, sig.Side, qty, marketPrice, attempt), nil
		case FillRejected:
			return FillResult{}, &ExecutionError{Attempts: attempt, Err: err}
		}
		if ctx.Err() != nil {
			return FillResult{}, &ExecutionError{Attempts: attempt, Err: ctx.Err()}
		}

		// Timed out: cancel, then look once more in case it filled meanwhile.
		if cerr := l.venue.CancelOrder(ctx, l.cfg.Symbol, res.ExchangeOrderID); cerr != nil {
			log.Printf("⚠️ cancel %s after timeout: %v", res.ExchangeOrderID, cerr)
		}
		info, ierr := l.venue.GetOrder(ctx, l.cfg.Symbol, res.ExchangeOrderID)
		if ierr == nil && info.ExecutedQty > 0 {
			return l.complete(ctx, fromInfo(info), req, res, sig.Side, qty, marketPrice, attempt), nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = ErrFillTimeout
	}
	return FillResult{}, &ExecutionError{Attempts: l.cfg.MaxAttempts, Err: lastErr}
}

// ConfirmFill polls the order every PollInterval until it is terminal or
// timeout elapses.
func (l *Live) ConfirmFill(ctx context.Context, orderID string, timeout time.Duration) (FillStatus, FillResult, error) {
	if timeout <= 0 {
		timeout = l.cfg.FillTimeout
	}
	deadline := time.NewTimer(timeout)
	defer deadline.Stop()
	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()

	var lastErr error
	for {
		info, err := l.venue.GetOrder(ctx, l.cfg.Symbol, orderID)
		if err != nil {
			lastErr = err
		} else {
			switch info.Status {
			case common.StatusFilled:
				return FillFilled, fromInfo(info), nil
			case common.StatusCanceled, common.StatusRejected, common.StatusExpired:
				if info.ExecutedQty > 0 {
					return FillFilled, fromInfo(info), nil
				}
				return FillRejected, FillResult{}, fmt.Errorf("%w: order %s is %s", ErrOrderRejected, orderID, info.Status)
			}
		}

		select {
		case <-ctx.Done():
			return FillTimedOut, FillResult{}, ctx.Err()
		case <-deadline.C:
			if lastErr != nil {
				return FillTimedOut, FillResult{}, fmt.Errorf("%w after %v: last error: %v", ErrFillTimeout, timeout, lastErr)
			}
			return FillTimedOut, FillResult{}, fmt.Errorf("%w after %v", ErrFillTimeout, timeout)
		case <-ticker.C:
		}
	}
}

// PlaceProtectiveExits sends reduce-only STOP_MARKET and TAKE_PROFIT_MARKET
// orders. Orders already placed are returned even when a later one fails.
func (l *Live) PlaceProtectiveExits(ctx context.Context, req ProtectiveRequest) ([]string, error) {
	symbol := req.Symbol
	if symbol == "" {
		symbol = l.cfg.Symbol
	}
	var ids []string
	var errs []error
	for _, o := range risk.ProtectionOrders(symbol, req.Side, req.Qty, req.StopLoss, req.TakeProfit, shortID(req.PositionID)) {
		res, err := l.venue.SubmitOrder(ctx, o)
		if err != nil {
			errs = append(errs, fmt.Errorf("%s at %.4f: %w", o.Type, o.StopPrice, err))
			continue
		}
		ids = append(ids, res.ExchangeOrderID)
	}
	return ids, errors.Join(errs...)
}

func (l *Live) ClosePosition(ctx context.Context, req CloseRequest) (FillResult, error) {
	symbol := req.Symbol
	if symbol == "" {
		symbol = l.cfg.Symbol
	}
	res, err := l.venue.ClosePosition(ctx, symbol, req.Side, req.Qty)
	if err != nil {
		return FillResult{}, fmt.Errorf("close %s %s: %w", req.Side, symbol, err)
	}
	if res.Status == common.StatusRejected {
		return FillResult{}, fmt.Errorf("close %s %s: %w: order %s", req.Side, symbol, ErrOrderRejected, res.ExchangeOrderID)
	}

	status, fill, err := l.ConfirmFill(ctx, res.ExchangeOrderID, l.cfg.FillTimeout)
	switch status {
	case FillRejected:
		return FillResult{}, fmt.Errorf("close %s %s: %w", req.Side, symbol, err)
	case FillTimedOut:
		// Same as entries: cancel, then accept whatever filled in the meantime.
		if cerr := l.venue.CancelOrder(ctx, symbol, res.ExchangeOrderID); cerr != nil {
			log.Printf("⚠️ cancel close %s after timeout: %v", res.ExchangeOrderID, cerr)
		}
		info, ierr := l.venue.GetOrder(ctx, symbol, res.ExchangeOrderID)
		if ierr != nil || info.ExecutedQty <= 0 {
			if ctx.Err() != nil {
				return FillResult{}, fmt.Errorf("close %s %s: %w", req.Side, symbol, ctx.Err())
			}
			return FillResult{}, fmt.Errorf("close %s %s: %w", req.Side, symbol, err)
		}
		fill = fromInfo(info)
		if fill.Qty < req.Qty {
			log.Printf("⚠️ close order %s partially filled: %.8f of %.8f", res.ExchangeOrderID, fill.Qty, req.Qty)
		}
	}
	fill.OrderID = res.ExchangeOrderID
	fill.ClientID = res.ClientID
	fill.Status = common.StatusFilled
	fill.Symbol = symbol
	fill.Side = req.Side.ExitSide()
	fill.PositionSide = req.Side
	fill.Mode = ModeLive
	fill.Attempts = 1
	if fill.Qty <= 0 {
		fill.Qty = req.Qty
	}
	if fill.Price <= 0 {
		fill.Price = req.MarketPrice
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = l.now().UTC()
	}
	return fill, nil
}

func (l *Live) CancelProtective(ctx context.Context, symbol string, ids []string) error {
	if symbol == "" {
		symbol = l.cfg.Symbol
	}
	var errs []error
	for _, id := range ids {
		if id == "" {
			continue
		}
		if err := l.venue.CancelOrder(ctx, symbol, id); err != nil {
			errs = append(errs, fmt.Errorf("cancel %s: %w", id, err))
		}
	}
	return errors.Join(errs...)
}

// complete fills in what the order query left out. The price falls back to
// the venue position entry, then to the quoted market price.
func (l *Live) complete(ctx context.Context, fill FillResult, req common.OrderRequest, res common.OrderResult, side common.PositionSide, qty, marketPrice float64, attempt int) FillResult {
	fill.OrderID = res.ExchangeOrderID
	fill.ClientID = req.ClientID
	fill.Symbol = req.Symbol
	fill.Side = req.Side
	fill.PositionSide = side
	fill.Attempts = attempt
	fill.Mode = ModeLive
	fill.Status = common.StatusFilled
	if fill.Qty <= 0 {
		fill.Qty = qty
	}
	if fill.Price <= 0 {
		if positions, err := l.venue.GetOpenPositions(ctx, req.Symbol); err == nil {
			for _, p := range positions {
				if p.Side == side && p.EntryPrice > 0 {
					fill.Price = p.EntryPrice
					break
				}
			}
		} else {
			log.Printf("⚠️ position lookup for fill price: %v", err)
		}
	}
	if fill.Price <= 0 {
		fill.Price = marketPrice
	}
	if fill.FilledAt.IsZero() {
		fill.FilledAt = l.now().UTC()
	}
	return fill
}

func fromInfo(info common.OrderInfo) FillResult {
	return FillResult{
		OrderID:  info.ExchangeOrderID,
		Qty:      info.ExecutedQty,
		Price:    info.AvgPrice,
		Fee:      info.Fee,
		Status:   info.Status,
		FilledAt: info.UpdatedAt,
	}
}

func isRejection(err error) bool {
	var apiErr *common.APIError
	return errors.As(err, &apiErr)
}

func newClientID(kind string) string {
	return "adx-" + kind + "-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:16]
}

func shortID(id string) string {
	id = strings.ReplaceAll(id, "-", "")
	if len(id) > 16 {
		id = id[:16]
	}
	if id == "" {
		return ""
	}
	return "adx-" + id
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
