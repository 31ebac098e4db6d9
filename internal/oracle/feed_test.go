package oracle

import (
	"context"
	"errors"
	"testing"
	"time"

	"marginwatch/internal/event"
	"marginwatch/internal/market"
	"marginwatch/internal/venue"
)

const testMarket = market.ID("mkt-weth-usdc")

func TestFeed_MissingPrice(t *testing.T) {
	f := NewFeed(0)
	if _, err := f.Price(context.Background(), testMarket); !errors.Is(err, venue.ErrPriceUnavailable) {
		t.Fatalf("expected ErrPriceUnavailable, got %v", err)
	}
}

func TestFeed_ApplyAndRead(t *testing.T) {
	f := NewFeed(0)
	err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 3_000_000_000, Sequence: 1})
	if err != nil {
		t.Fatalf("apply: %v", err)
	}

	got, err := f.Price(context.Background(), testMarket)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if got != 3_000_000_000 {
		t.Fatalf("price = %d, want 3_000_000_000", got)
	}
}

func TestFeed_RejectsNonPositiveTick(t *testing.T) {
	f := NewFeed(0)
	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 0, Sequence: 1}); !errors.Is(err, venue.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for zero, got %v", err)
	}
	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: -5, Sequence: 2}); !errors.Is(err, venue.ErrInvalidPrice) {
		t.Fatalf("expected ErrInvalidPrice for negative, got %v", err)
	}
	if _, err := f.Price(context.Background(), testMarket); !errors.Is(err, venue.ErrPriceUnavailable) {
		t.Fatalf("rejected ticks must not be stored, got %v", err)
	}
}

func TestFeed_IgnoresOutOfOrderSequence(t *testing.T) {
	f := NewFeed(0)
	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 100, Sequence: 10}); err != nil {
		t.Fatalf("apply seq=10: %v", err)
	}
	// Redelivery of an older tick must not roll the price back.
	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 90, Sequence: 9}); err != nil {
		t.Fatalf("apply seq=9: %v", err)
	}
	got, err := f.Price(context.Background(), testMarket)
	if err != nil {
		t.Fatalf("price: %v", err)
	}
	if got != 100 {
		t.Fatalf("price = %d, want 100 (older tick applied)", got)
	}
	if f.LastSequence(testMarket) != 10 {
		t.Fatalf("LastSequence = %d, want 10", f.LastSequence(testMarket))
	}
}

func TestFeed_StalePrice(t *testing.T) {
	f := NewFeed(5 * time.Second)

	base := time.Unix(1_700_000_000, 0)
	now := base
	f.now = func() time.Time { return now }

	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 100, Sequence: 1}); err != nil {
		t.Fatalf("apply: %v", err)
	}

	now = base.Add(4 * time.Second)
	if _, err := f.Price(context.Background(), testMarket); err != nil {
		t.Fatalf("fresh price rejected: %v", err)
	}

	now = base.Add(6 * time.Second)
	if _, err := f.Price(context.Background(), testMarket); !errors.Is(err, ErrStalePrice) {
		t.Fatalf("expected ErrStalePrice, got %v", err)
	}

	// A new tick resets the clock.
	if err := f.Apply(&event.PriceUpdate{MarketID: string(testMarket), Price: 110, Sequence: 2}); err != nil {
		t.Fatalf("apply: %v", err)
	}
	got, err := f.Price(context.Background(), testMarket)
	if err != nil {
		t.Fatalf("price after refresh: %v", err)
	}
	if got != 110 {
		t.Fatalf("price = %d, want 110", got)
	}
}
