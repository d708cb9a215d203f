package reconciliation

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"adx-trader/internal/balance"
	"adx-trader/internal/position"
	"adx-trader/internal/risk"
	"adx-trader/pkg/exchanges/common"
)

// ExchangeClient is the venue view reconciliation trusts.
type ExchangeClient interface {
	GetOpenPositions(ctx context.Context, symbol string) ([]common.PositionInfo, error)
}

// Positions is the local book being reconciled.
type Positions interface {
	OpenPositions() []position.Position
	CloseExternal(ctx context.Context, id string, price float64, reason risk.ExitReason) (position.Position, error)
}

// Accounts re-reads the venue balance after a forced close.
type Accounts interface {
	Sync(ctx context.Context) (balance.Account, error)
}

type Config struct {
	Symbol string
	Live   bool
	Grace  time.Duration // local positions younger than this are not checked
}

// Report contains reconciliation results.
type Report struct {
	Timestamp     time.Time             `json:"timestamp"`
	Checked       int                   `json:"checked"`
	Skipped       int                   `json:"skipped"`
	Closed        []position.Position   `json:"closed,omitempty"`
	RemoteOnly    []common.PositionInfo `json:"remote_only,omitempty"`
	PositionDiffs []PositionDiff        `json:"position_diffs,omitempty"`
	AccountSynced bool                  `json:"account_synced"`
}

// HasDiffs reports whether local and venue state disagreed.
func (r *Report) HasDiffs() bool {
	return len(r.Closed) > 0 || len(r.RemoteOnly) > 0 || len(r.PositionDiffs) > 0
}

// PositionDiff is a quantity mismatch on a side both books hold.
type PositionDiff struct {
	Side        common.PositionSide `json:"side"`
	LocalQty    float64             `json:"local_qty"`
	ExchangeQty float64             `json:"exchange_qty"`
	Difference  float64             `json:"difference"`
}

// Service closes local positions the venue no longer holds. The venue is
// authoritative; nothing is ever opened locally from venue state.
type Service struct {
	mu        sync.Mutex
	exchange  ExchangeClient
	positions Positions
	accounts  Accounts
	cfg       Config
	now       func() time.Time
}

func NewService(exchange ExchangeClient, positions Positions, accounts Accounts, cfg Config) *Service {
	return &Service{
		exchange:  exchange,
		positions: positions,
		accounts:  accounts,
		cfg:       cfg,
		now:       time.Now,
	}
}

// SetClock replaces the wall clock, for tests.
func (s *Service) SetClock(now func() time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.now = now
}

// Reconcile runs one pass. price is used as the exit price of positions
// closed on the venue without us observing the fill.
func (s *Service) Reconcile(ctx context.Context, price float64) (*Report, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	now := s.now().UTC()
	report := &Report{Timestamp: now}
	if !s.cfg.Live || s.exchange == nil {
		return report, nil
	}

	remote, err := s.exchange.GetOpenPositions(ctx, s.cfg.Symbol)
	if err != nil {
		return nil, fmt.Errorf("reconcile: fetch venue positions: %w", err)
	}
	venueQty := make(map[common.PositionSide]float64)
	for _, p := range remote {
		if p.Qty > 0 {
			venueQty[p.Side] += p.Qty
		}
	}

	localQty := make(map[common.PositionSide]float64)
	var errs []error
	for _, p := range s.positions.OpenPositions() {
		localQty[p.Side] += p.Quantity
		if now.Sub(p.OpenedAt) < s.cfg.Grace {
			report.Skipped++
			continue
		}
		report.Checked++
		if _, ok := venueQty[p.Side]; ok {
			continue
		}
		exit := price
		if exit <= 0 {
			exit = p.MarkPrice
		}
		closed, err := s.positions.CloseExternal(ctx, p.ID, exit, risk.ExitExternallyClosed)
		if err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", p.ID, err))
			continue
		}
		log.Printf("🔄 Reconciliation: %s %s no longer on venue, closed at %.4f pnl=%.4f",
			closed.Side, closed.ID, closed.ExitPrice, closed.RealizedPnL)
		report.Closed = append(report.Closed, closed)
	}

	for _, p := range remote {
		if p.Qty <= 0 {
			continue
		}
		local, ok := localQty[p.Side]
		if !ok {
			report.RemoteOnly = append(report.RemoteOnly, p)
			continue
		}
		if math.Abs(local-p.Qty) > 1e-9 {
			report.PositionDiffs = append(report.PositionDiffs, PositionDiff{
				Side:        p.Side,
				LocalQty:    local,
				ExchangeQty: p.Qty,
				Difference:  local - p.Qty,
			})
		}
	}

	if len(report.Closed) > 0 && s.accounts != nil {
		if _, err := s.accounts.Sync(ctx); err != nil {
			errs = append(errs, err)
		} else {
			report.AccountSynced = true
		}
	}

	s.logReport(report)
	return report, errors.Join(errs...)
}

func (s *Service) logReport(report *Report) {
	if !report.HasDiffs() {
		return
	}
	for _, p := range report.RemoteOnly {
		log.Printf("⚠️ Reconciliation: venue holds %s %.6f @ %.4f with no local position (not adopted)",
			p.Side, p.Qty, p.EntryPrice)
	}
	for _, d := range report.PositionDiffs {
		log.Printf("⚠️ Reconciliation: %s quantity local=%.6f venue=%.6f diff=%.6f",
			d.Side, d.LocalQty, d.ExchangeQty, d.Difference)
	}
}
