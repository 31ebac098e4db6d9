// Package store holds sub-account state: one keyed record per registered
// account with its owner identity, per-token freed-fund balances, and the
// per-account lock that serializes mutations.
package store

import (
	"errors"
	"fmt"
	"sync"
)

var (
	ErrNoSubAccount        = errors.New("store: no sub-account registered")
	ErrAlreadyRegistered   = errors.New("store: sub-account already registered")
	ErrZeroAccount         = errors.New("store: account identifier is empty")
	ErrInsufficientBalance = errors.New("store: insufficient balance")
)

// SubAccount is one account's position store.
type SubAccount struct {
	Account  string
	Owner    string
	balances map[string]int64 // token -> amount
	mu       sync.Mutex
}

// SubAccountStore is the keyed store of sub-accounts. Every operation that
// mutates one account's state must run under that account's lock.
type SubAccountStore struct {
	mu       sync.RWMutex
	accounts map[string]*SubAccount
}

func NewSubAccountStore() *SubAccountStore {
	return &SubAccountStore{
		accounts: make(map[string]*SubAccount),
	}
}

// Register creates a sub-account for an account with its owner identity.
func (s *SubAccountStore) Register(account, owner string) error {
	if account == "" || owner == "" {
		return ErrZeroAccount
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.accounts[account]; exists {
		return fmt.Errorf("%w: %s", ErrAlreadyRegistered, account)
	}
	s.accounts[account] = &SubAccount{
		Account:  account,
		Owner:    owner,
		balances: make(map[string]int64),
	}
	return nil
}

// Get returns the sub-account for an account.
func (s *SubAccountStore) Get(account string) (*SubAccount, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	sub, ok := s.accounts[account]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNoSubAccount, account)
	}
	return sub, nil
}

// Accounts returns all registered account IDs. Order is unspecified; the
// monitor sorts before scanning.
func (s *SubAccountStore) Accounts() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.accounts))
	for account := range s.accounts {
		out = append(out, account)
	}
	return out
}

// Lock acquires the per-account mutex. The caller must hold it for the whole
// read-evaluate-act span so two liquidation attempts cannot interleave.
func (a *SubAccount) Lock() {
	a.mu.Lock()
}

func (a *SubAccount) Unlock() {
	a.mu.Unlock()
}

// Balance returns the freed-fund balance in one token.
func (a *SubAccount) Balance(token string) int64 {
	return a.balances[token]
}

// Credit adds amount to the token balance. Amount must be positive.
func (a *SubAccount) Credit(token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("store: credit amount must be positive, got %d", amount)
	}
	a.balances[token] += amount
	return nil
}

// Debit removes amount from the token balance.
func (a *SubAccount) Debit(token string, amount int64) error {
	if amount <= 0 {
		return fmt.Errorf("store: debit amount must be positive, got %d", amount)
	}
	if a.balances[token] < amount {
		return fmt.Errorf("%w: %s has %d, need %d", ErrInsufficientBalance, token, a.balances[token], amount)
	}
	a.balances[token] -= amount
	return nil
}
