package order

import (
	"context"
	"fmt"
	"log"
	"math/rand"
	"sync"
	"time"

	"github.com/google/uuid"

	"adx-trader/internal/signal"
	"adx-trader/pkg/exchanges/common"
)

// SimConfig tunes the paper-trading fill model.
type SimConfig struct {
	Symbol      string
	FeeRate     float64 // decimal, e.g. 0.0005 = 5 bps taker fee
	SlippageBps float64 // maximum adverse slippage in basis points
}

func DefaultSimConfig() SimConfig {
	return SimConfig{Symbol: "BTC-USDT", FeeRate: 0.0005, SlippageBps: 2}
}

// Simulated fills every market order instantly at the quoted price moved
// against the trader by a uniform random slippage in [0, SlippageBps].
type Simulated struct {
	cfg SimConfig

	mu         sync.Mutex
	rng        *rand.Rand
	now        func() time.Time
	fills      map[string]FillResult
	protective map[string]ProtectiveRequest
}

// NewSimulated uses rng for slippage; nil seeds from the clock.
func NewSimulated(cfg SimConfig, rng *rand.Rand) *Simulated {
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	if cfg.SlippageBps < 0 {
		cfg.SlippageBps = 0
	}
	return &Simulated{
		cfg:        cfg,
		rng:        rng,
		now:        time.Now,
		fills:      make(map[string]FillResult),
		protective: make(map[string]ProtectiveRequest),
	}
}

func (s *Simulated) Mode() Mode { return ModeSimulated }

func (s *Simulated) PlaceEntry(ctx context.Context, sig signal.Signal, qty, marketPrice float64) (FillResult, error) {
	if marketPrice <= 0 {
		marketPrice = sig.ReferencePrice
	}
	if qty <= 0 || marketPrice <= 0 {
		return FillResult{}, &ExecutionError{Attempts: 1, Err: fmt.Errorf("%w: qty %.8f price %.4f", ErrOrderRejected, qty, marketPrice)}
	}
	fill := s.fill(sig.Side, sig.Side.EntrySide(), qty, marketPrice)
	log.Printf("SIMULATED: %s %s qty=%.6f quote=%.4f fill=%.4f fee=%.6f",
		fill.Side, s.cfg.Symbol, qty, marketPrice, fill.Price, fill.Fee)
	return fill, nil
}

// PlaceProtectiveExits records the levels; the position manager enforces
// them against the price feed.
func (s *Simulated) PlaceProtectiveExits(ctx context.Context, req ProtectiveRequest) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []string
	if req.StopLoss > 0 {
		id := "sim-sl-" + uuid.NewString()
		s.protective[id] = req
		ids = append(ids, id)
	}
	if req.TakeProfit > 0 {
		id := "sim-tp-" + uuid.NewString()
		s.protective[id] = req
		ids = append(ids, id)
	}
	return ids, nil
}

func (s *Simulated) ConfirmFill(ctx context.Context, orderID string, timeout time.Duration) (FillStatus, FillResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, ok := s.fills[orderID]
	if !ok {
		return FillRejected, FillResult{}, fmt.Errorf("%w: unknown order %s", ErrOrderRejected, orderID)
	}
	return FillFilled, f, nil
}

func (s *Simulated) ClosePosition(ctx context.Context, req CloseRequest) (FillResult, error) {
	if req.MarketPrice <= 0 || req.Qty <= 0 {
		return FillResult{}, fmt.Errorf("simulated close %s: qty %.8f price %.4f", req.PositionID, req.Qty, req.MarketPrice)
	}
	fill := s.fill(req.Side, req.Side.ExitSide(), req.Qty, req.MarketPrice)
	log.Printf("SIMULATED: close %s %s qty=%.6f quote=%.4f fill=%.4f reason=%s",
		req.Side, s.cfg.Symbol, req.Qty, req.MarketPrice, fill.Price, req.Reason)
	return fill, nil
}

func (s *Simulated) CancelProtective(ctx context.Context, symbol string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		delete(s.protective, id)
	}
	return nil
}

// ProtectiveCount reports how many recorded protective orders are live.
func (s *Simulated) ProtectiveCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.protective)
}

func (s *Simulated) fill(pos common.PositionSide, side common.Side, qty, quote float64) FillResult {
	s.mu.Lock()
	defer s.mu.Unlock()

	price := quote
	if frac := s.cfg.SlippageBps / 10000.0; frac > 0 {
		noise := s.rng.Float64() * frac
		if side == common.SideBuy {
			price = quote * (1 + noise)
		} else {
			price = quote * (1 - noise)
		}
	}
	f := FillResult{
		OrderID:      "sim-" + uuid.NewString(),
		Symbol:       s.cfg.Symbol,
		Side:         side,
		PositionSide: pos,
		Qty:          qty,
		Price:        price,
		Fee:          price * qty * s.cfg.FeeRate,
		Status:       common.StatusFilled,
		Attempts:     1,
		Mode:         ModeSimulated,
		FilledAt:     s.now().UTC(),
	}
	s.fills[f.OrderID] = f
	return f
}
