package balance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"adx-trader/internal/position"
	"adx-trader/pkg/exchanges/common"
)

// ExchangeClient is the venue call the live account needs.
type ExchangeClient interface {
	GetAccountBalance(ctx context.Context) (common.AccountBalance, error)
}

const (
	SourceSimulated = "simulated"
	SourceVenue     = "venue"
)

// Account is the margin account summary in the settlement asset.
type Account struct {
	Balance         float64   `json:"balance"`
	Equity          float64   `json:"equity"`
	AvailableMargin float64   `json:"available_margin"`
	MarginUsed      float64   `json:"margin_used"`
	UnrealizedPnL   float64   `json:"unrealized_pnl"`
	RealizedPnL     float64   `json:"realized_pnl"`
	UpdatedAt       time.Time `json:"updated_at"`
	Source          string    `json:"source"`
}

// Manager owns the account. Simulated accounts are derived from the initial
// capital and closed trades; live accounts are always re-fetched.
type Manager struct {
	mu       sync.RWMutex
	exchange ExchangeClient
	initial  float64
	account  Account
	now      func() time.Time
}

// NewSimulated starts a paper account with initial capital.
func NewSimulated(initial float64) *Manager {
	m := &Manager{initial: initial, now: time.Now}
	m.account = Account{
		Balance:         initial,
		Equity:          initial,
		AvailableMargin: initial,
		Source:          SourceSimulated,
		UpdatedAt:       m.now().UTC(),
	}
	log.Printf("💰 Initial balance set: %.2f", initial)
	return m
}

// NewLive reads the account from the venue on every Sync.
func NewLive(exchange ExchangeClient) *Manager {
	return &Manager{exchange: exchange, now: time.Now, account: Account{Source: SourceVenue}}
}

func (m *Manager) IsLive() bool { return m.exchange != nil }

// Sync refreshes a live account from the venue. Simulated accounts return
// the current derived state.
func (m *Manager) Sync(ctx context.Context) (Account, error) {
	if m.exchange == nil {
		return m.Account(), nil
	}
	bal, err := m.exchange.GetAccountBalance(ctx)
	if err != nil {
		return m.Account(), fmt.Errorf("sync balance: %w", err)
	}
	if bal.Equity <= 0 && bal.Balance <= 0 {
		return m.Account(), errors.New("sync balance: venue returned an empty account")
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	realized := m.account.RealizedPnL
	m.account = Account{
		Balance:         bal.Balance,
		Equity:          bal.Equity,
		AvailableMargin: bal.AvailableMargin,
		MarginUsed:      bal.UsedMargin,
		UnrealizedPnL:   bal.UnrealizedPnL,
		RealizedPnL:     realized,
		UpdatedAt:       m.now().UTC(),
		Source:          SourceVenue,
	}
	if m.initial == 0 {
		m.initial = bal.Equity
	}
	log.Printf("💰 Balance synced: Balance=%.2f, Equity=%.2f, Available=%.2f",
		bal.Balance, bal.Equity, bal.AvailableMargin)
	return m.account, nil
}

// ApplyRealized books a closed trade's net P&L.
func (m *Manager) ApplyRealized(pnl float64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.account.RealizedPnL += pnl
	if m.exchange == nil {
		m.account.Balance += pnl
		m.recompute(m.account.MarginUsed, m.account.UnrealizedPnL)
	}
}

// Mark recomputes margin and unrealized P&L of a simulated account from
// the open positions. Live accounts take these from the venue.
func (m *Manager) Mark(open []position.Position) {
	if m.exchange != nil {
		return
	}
	var used, unrealized float64
	for i := range open {
		used += open[i].Margin()
		unrealized += open[i].UnrealizedPnL
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recompute(used, unrealized)
}

// recompute must be called with mu held.
func (m *Manager) recompute(used, unrealized float64) {
	m.account.MarginUsed = used
	m.account.UnrealizedPnL = unrealized
	m.account.Equity = m.account.Balance + unrealized
	m.account.AvailableMargin = m.account.Equity - used
	if m.account.AvailableMargin < 0 {
		m.account.AvailableMargin = 0
	}
	m.account.UpdatedAt = m.now().UTC()
}

func (m *Manager) Account() Account {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.account
}

// InitialCapital is the simulated starting balance, or the first synced
// equity of a live account.
func (m *Manager) InitialCapital() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.initial
}

// TotalReturnPct is equity growth over the initial capital.
func (m *Manager) TotalReturnPct() float64 {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.initial <= 0 {
		return 0
	}
	return (m.account.Equity - m.initial) / m.initial * 100
}
