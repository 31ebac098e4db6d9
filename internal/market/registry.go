package market

import (
	"errors"
	"fmt"
)

var (
	ErrZeroToken               = errors.New("market: token identifier is empty")
	ErrInvalidCollateralFactor = errors.New("market: collateral factor must be in (0, 1]")
	ErrInvalidLLTV             = errors.New("market: lltv must be in (0, 1]")
	ErrInvalidDecimals         = errors.New("market: token decimals must be in [0, 18]")
	ErrDuplicateMarket         = errors.New("market: already registered")
	ErrUnknownMarket           = errors.New("market: not registered")
)

// Registry holds the ordered set of supported markets. Registration order is
// the iteration order used by the aggregator and the liquidation sequence,
// so it must be stable. Markets are immutable once added.
type Registry struct {
	order   []ID
	markets map[ID]Market
}

func NewRegistry() *Registry {
	return &Registry{
		markets: make(map[ID]Market),
	}
}

// Add validates and registers a market config. The derived ID is returned.
func (r *Registry) Add(cfg Config) (ID, error) {
	if err := cfg.Validate(); err != nil {
		return "", err
	}
	id := cfg.DeriveID()
	if _, exists := r.markets[id]; exists {
		return "", fmt.Errorf("%w: %s/%s", ErrDuplicateMarket, cfg.CollateralToken, cfg.LoanToken)
	}
	r.markets[id] = Market{ID: id, Config: cfg}
	r.order = append(r.order, id)
	return id, nil
}

// Get returns the market for an ID.
func (r *Registry) Get(id ID) (Market, error) {
	m, ok := r.markets[id]
	if !ok {
		return Market{}, fmt.Errorf("%w: %s", ErrUnknownMarket, id)
	}
	return m, nil
}

// List returns markets in registration order.
func (r *Registry) List() []Market {
	out := make([]Market, 0, len(r.order))
	for _, id := range r.order {
		out = append(out, r.markets[id])
	}
	return out
}

// Len returns the number of registered markets.
func (r *Registry) Len() int {
	return len(r.order)
}

// LoanToken returns the loan token shared by the registered markets.
// The liquidation sequence withdraws exchange equity in this token.
// Empty registry returns "".
func (r *Registry) LoanToken() string {
	if len(r.order) == 0 {
		return ""
	}
	return r.markets[r.order[0]].Config.LoanToken
}
