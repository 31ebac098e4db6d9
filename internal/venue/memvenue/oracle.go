package memvenue

import (
	"context"
	"fmt"
	"sync"

	"marginwatch/internal/market"
	"marginwatch/internal/venue"
)

// Oracle serves pinned prices per market. A market with no pinned price
// fails the way an unreachable feed would, which is what the aggregator's
// propagate-on-failure policy requires.
type Oracle struct {
	mu     sync.Mutex
	prices map[market.ID]int64
}

func NewOracle() *Oracle {
	return &Oracle{prices: make(map[market.ID]int64)}
}

func (o *Oracle) SetPrice(id market.ID, price int64) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.prices[id] = price
}

// DropPrice removes a market's price, simulating an unreachable feed.
func (o *Oracle) DropPrice(id market.ID) {
	o.mu.Lock()
	defer o.mu.Unlock()
	delete(o.prices, id)
}

func (o *Oracle) Price(ctx context.Context, id market.ID) (int64, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	price, ok := o.prices[id]
	if !ok {
		return 0, venue.WrapCall(venue.KindOracle, "price", fmt.Errorf("%w: %s", venue.ErrPriceUnavailable, id))
	}
	if price <= 0 {
		return 0, venue.WrapCall(venue.KindOracle, "price", fmt.Errorf("%w: %s", venue.ErrInvalidPrice, id))
	}
	return price, nil
}
