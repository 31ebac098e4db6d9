// Package memvenue provides in-memory implementations of the venue
// collaborators. They back the engine and aggregator tests and the daemon's
// local development mode; production deployments swap in adapters for the
// real lending market and exchange.
package memvenue

import (
	"context"
	"fmt"
	"sync"

	"marginwatch/internal/fpmath"
	"marginwatch/internal/market"
	"marginwatch/internal/venue"
)

type lendingPosition struct {
	collateral int64
	debtShares int64
}

type lendingMarket struct {
	totalBorrowAssets int64
	totalBorrowShares int64
	positions         map[string]*lendingPosition
}

// LendingMarket is an in-memory lending protocol with share-based borrow
// accounting. Shares convert to assets via totalBorrowAssets /
// totalBorrowShares; AccrueInterest moves the ratio the way the real
// market's interest model would.
type LendingMarket struct {
	mu      sync.Mutex
	markets map[market.ID]*lendingMarket
}

func NewLendingMarket() *LendingMarket {
	return &LendingMarket{
		markets: make(map[market.ID]*lendingMarket),
	}
}

func (lm *LendingMarket) getMarket(id market.ID) *lendingMarket {
	m, ok := lm.markets[id]
	if !ok {
		m = &lendingMarket{positions: make(map[string]*lendingPosition)}
		lm.markets[id] = m
	}
	return m
}

func (lm *LendingMarket) getPosition(m *lendingMarket, account string) *lendingPosition {
	p, ok := m.positions[account]
	if !ok {
		p = &lendingPosition{}
		m.positions[account] = p
	}
	return p
}

func (lm *LendingMarket) Position(ctx context.Context, account string, id market.ID) (venue.Position, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.markets[id]
	if !ok {
		return venue.Position{}, nil
	}
	p, ok := m.positions[account]
	if !ok {
		return venue.Position{}, nil
	}
	return venue.Position{Collateral: p.collateral, DebtShares: p.debtShares}, nil
}

func (lm *LendingMarket) MarketState(ctx context.Context, id market.ID) (venue.MarketState, error) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m, ok := lm.markets[id]
	if !ok {
		return venue.MarketState{}, nil
	}
	return venue.MarketState{
		TotalBorrowAssets: m.totalBorrowAssets,
		TotalBorrowShares: m.totalBorrowShares,
	}, nil
}

func (lm *LendingMarket) SupplyCollateral(ctx context.Context, account string, id market.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("memvenue: supply amount must be positive, got %d", amount)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m := lm.getMarket(id)
	lm.getPosition(m, account).collateral += amount
	return nil
}

func (lm *LendingMarket) WithdrawCollateral(ctx context.Context, account string, id market.ID, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("memvenue: withdraw amount must be positive, got %d", amount)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m := lm.getMarket(id)
	p := lm.getPosition(m, account)
	if p.collateral < amount {
		return venue.WrapCall(venue.KindLending, "withdraw_collateral", venue.ErrInsufficientCollateral)
	}
	p.collateral -= amount
	return nil
}

func (lm *LendingMarket) Borrow(ctx context.Context, account string, id market.ID, assets int64) error {
	if assets <= 0 {
		return fmt.Errorf("memvenue: borrow amount must be positive, got %d", assets)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m := lm.getMarket(id)
	p := lm.getPosition(m, account)

	var shares int64
	if m.totalBorrowShares == 0 {
		shares = assets
	} else {
		shares = fpmath.MulDiv(assets, m.totalBorrowShares, m.totalBorrowAssets)
	}
	p.debtShares += shares
	m.totalBorrowShares += shares
	m.totalBorrowAssets += assets
	return nil
}

func (lm *LendingMarket) Repay(ctx context.Context, account string, id market.ID, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, fmt.Errorf("memvenue: repay amount must be positive, got %d", assets)
	}
	lm.mu.Lock()
	defer lm.mu.Unlock()
	m := lm.getMarket(id)
	p := lm.getPosition(m, account)
	if p.debtShares == 0 || m.totalBorrowShares == 0 {
		return 0, nil
	}

	debtAssets := fpmath.MulDiv(p.debtShares, m.totalBorrowAssets, m.totalBorrowShares)
	applied := assets
	if applied >= debtAssets {
		// Full repay clears all shares so truncation dust cannot strand debt.
		applied = debtAssets
		m.totalBorrowShares -= p.debtShares
		m.totalBorrowAssets -= debtAssets
		p.debtShares = 0
		return applied, nil
	}

	sharesBurned := fpmath.MulDiv(applied, m.totalBorrowShares, m.totalBorrowAssets)
	p.debtShares -= sharesBurned
	m.totalBorrowShares -= sharesBurned
	m.totalBorrowAssets -= applied
	return applied, nil
}

// AccrueInterest grows total borrow assets without changing shares,
// simulating the lending market's interest model.
func (lm *LendingMarket) AccrueInterest(id market.ID, assets int64) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	lm.getMarket(id).totalBorrowAssets += assets
}
