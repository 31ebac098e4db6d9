package oracle

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"marginwatch/internal/event"
	"marginwatch/internal/market"
	"marginwatch/internal/venue"
)

// ErrStalePrice is returned when the latest tick is older than the
// configured staleness bound. Callers treat it like any other oracle
// failure: the whole aggregation aborts rather than using a bad price.
var ErrStalePrice = errors.New("oracle: price is stale")

type tick struct {
	price      int64
	sequence   int64
	observedAt time.Time
}

// Feed is a venue.Oracle backed by inbound PriceUpdate events.
// It keeps only the latest tick per market and refuses to serve a
// price that is missing, non-positive, or older than staleAfter.
type Feed struct {
	mu         sync.RWMutex
	ticks      map[market.ID]tick
	staleAfter time.Duration
	now        func() time.Time
}

// NewFeed creates a feed oracle. staleAfter <= 0 disables the
// staleness check.
func NewFeed(staleAfter time.Duration) *Feed {
	return &Feed{
		ticks:      make(map[market.ID]tick),
		staleAfter: staleAfter,
		now:        time.Now,
	}
}

// Apply ingests a price update. Ticks with a sequence at or below the
// stored one are ignored so redelivered NATS messages cannot roll the
// price back.
func (f *Feed) Apply(u *event.PriceUpdate) error {
	if u.Price <= 0 {
		return fmt.Errorf("oracle: reject tick market=%s seq=%d: %w", u.MarketID, u.Sequence, venue.ErrInvalidPrice)
	}

	id := market.ID(u.MarketID)

	f.mu.Lock()
	defer f.mu.Unlock()

	if cur, ok := f.ticks[id]; ok && u.Sequence <= cur.sequence {
		return nil
	}
	f.ticks[id] = tick{
		price:      u.Price,
		sequence:   u.Sequence,
		observedAt: f.now(),
	}
	return nil
}

// Price implements venue.Oracle.
func (f *Feed) Price(_ context.Context, id market.ID) (int64, error) {
	f.mu.RLock()
	t, ok := f.ticks[id]
	f.mu.RUnlock()

	if !ok {
		return 0, fmt.Errorf("oracle: market %s: %w", id, venue.ErrPriceUnavailable)
	}
	if f.staleAfter > 0 {
		if age := f.now().Sub(t.observedAt); age > f.staleAfter {
			return 0, fmt.Errorf("oracle: market %s age=%s: %w", id, age, ErrStalePrice)
		}
	}
	if t.price <= 0 {
		return 0, fmt.Errorf("oracle: market %s: %w", id, venue.ErrInvalidPrice)
	}
	return t.price, nil
}

// LastSequence returns the sequence of the stored tick, or -1 if none.
func (f *Feed) LastSequence(id market.ID) int64 {
	f.mu.RLock()
	defer f.mu.RUnlock()
	if t, ok := f.ticks[id]; ok {
		return t.sequence
	}
	return -1
}
