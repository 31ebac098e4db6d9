package memvenue

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"marginwatch/internal/venue"
)

type exchangeAccount struct {
	equity   int64
	balances map[string]int64
	orders   map[string]venue.Order
}

// MarginExchange is an in-memory perpetuals exchange. Equity is settable by
// tests to model unrealized gains and losses; withdrawable balances are
// tracked per token.
type MarginExchange struct {
	mu       sync.Mutex
	accounts map[string]*exchangeAccount
}

func NewMarginExchange() *MarginExchange {
	return &MarginExchange{
		accounts: make(map[string]*exchangeAccount),
	}
}

func (me *MarginExchange) getAccount(account string) *exchangeAccount {
	a, ok := me.accounts[account]
	if !ok {
		a = &exchangeAccount{
			balances: make(map[string]int64),
			orders:   make(map[string]venue.Order),
		}
		me.accounts[account] = a
	}
	return a
}

func (me *MarginExchange) AccountEquity(ctx context.Context, account string) (venue.Equity, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	a, ok := me.accounts[account]
	if !ok {
		return venue.Equity{}, nil
	}
	return venue.Equity{Value: a.equity, Exists: true}, nil
}

func (me *MarginExchange) WithdrawableAmount(ctx context.Context, account, token string) (int64, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	a, ok := me.accounts[account]
	if !ok {
		return 0, nil
	}
	return a.balances[token], nil
}

func (me *MarginExchange) Withdraw(ctx context.Context, account, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("memvenue: withdraw amount must be positive, got %d", amount)
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	a, ok := me.accounts[account]
	if !ok || a.balances[token] < amount {
		return venue.WrapCall(venue.KindExchange, "withdraw", venue.ErrInsufficientBalance)
	}
	a.balances[token] -= amount
	a.equity -= amount
	return nil
}

func (me *MarginExchange) Deposit(ctx context.Context, account, token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("memvenue: deposit amount must be positive, got %d", amount)
	}
	me.mu.Lock()
	defer me.mu.Unlock()
	a := me.getAccount(account)
	a.balances[token] += amount
	a.equity += amount
	return nil
}

func (me *MarginExchange) PlaceOrder(ctx context.Context, account string, order venue.Order) (string, error) {
	me.mu.Lock()
	defer me.mu.Unlock()
	a := me.getAccount(account)
	id := uuid.NewString()
	a.orders[id] = order
	return id, nil
}

func (me *MarginExchange) CancelOrder(ctx context.Context, account, orderID string) error {
	me.mu.Lock()
	defer me.mu.Unlock()
	a, ok := me.accounts[account]
	if !ok {
		return fmt.Errorf("memvenue: unknown account %s", account)
	}
	if _, ok := a.orders[orderID]; !ok {
		return fmt.Errorf("memvenue: unknown order %s", orderID)
	}
	delete(a.orders, orderID)
	return nil
}

// SetEquity pins an account's signed equity, implicitly opening the account.
// Used to model unrealized PnL without running trades through the sim.
func (me *MarginExchange) SetEquity(account string, equity int64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.getAccount(account).equity = equity
}

// SetBalance pins an account's withdrawable balance in one token.
func (me *MarginExchange) SetBalance(account, token string, amount int64) {
	me.mu.Lock()
	defer me.mu.Unlock()
	me.getAccount(account).balances[token] = amount
}
