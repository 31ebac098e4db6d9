// Package aggregate produces the three numbers the risk engine consumes for
// one account: total collateral value, total debt value, and external
// exchange equity, all in loan-token units.
package aggregate

import (
	"context"
	"fmt"

	"marginwatch/internal/fpmath"
	"marginwatch/internal/market"
	"marginwatch/internal/venue"
)

// Totals is the aggregated view of one account across all markets plus the
// external margin account.
type Totals struct {
	// CollateralValue is the sum of per-market collateral values after each
	// market's collateral factor, in loan-token units.
	CollateralValue int64
	// DebtValue is the sum of per-market debt, shares converted at the
	// market's current borrow ratio, truncating.
	DebtValue int64
	// ExternalEquity is the signed exchange equity; zero when the account
	// does not exist on the exchange.
	ExternalEquity int64
	// EquityPresent reports whether the exchange account exists.
	EquityPresent bool
}

// Aggregator visits every registered market plus the margin exchange and
// converts everything into loan-token value. Pure read, no side effects.
type Aggregator struct {
	registry *market.Registry
	lending  venue.LendingMarket
	exchange venue.MarginExchange
	oracle   venue.Oracle
}

func New(registry *market.Registry, lending venue.LendingMarket, exchange venue.MarginExchange, oracle venue.Oracle) *Aggregator {
	return &Aggregator{
		registry: registry,
		lending:  lending,
		exchange: exchange,
		oracle:   oracle,
	}
}

// Aggregate visits markets in registration order. A failed or non-positive
// oracle price fails the whole aggregation: substituting zero could let an
// unhealthy position pass a liquidation check, so the failure propagates.
// A missing exchange account is a normal degraded mode and yields zero
// equity; an exchange call failure propagates.
func (a *Aggregator) Aggregate(ctx context.Context, account string) (Totals, error) {
	var totals Totals

	for _, m := range a.registry.List() {
		pos, err := a.lending.Position(ctx, account, m.ID)
		if err != nil {
			return Totals{}, venue.WrapCall(venue.KindLending, "position", err)
		}

		if pos.Collateral > 0 {
			price, err := a.oracle.Price(ctx, m.ID)
			if err != nil {
				return Totals{}, fmt.Errorf("aggregate %s market %s: %w", account, m.ID, err)
			}
			value := fpmath.MulDiv(pos.Collateral, price, m.Config.CollateralUnit())
			totals.CollateralValue += fpmath.ApplyFraction(value, m.Config.CollateralFactor)
		}

		if pos.DebtShares > 0 {
			state, err := a.lending.MarketState(ctx, m.ID)
			if err != nil {
				return Totals{}, venue.WrapCall(venue.KindLending, "market_state", err)
			}
			if state.TotalBorrowShares > 0 {
				totals.DebtValue += fpmath.MulDiv(pos.DebtShares, state.TotalBorrowAssets, state.TotalBorrowShares)
			}
		}
	}

	equity, err := a.exchange.AccountEquity(ctx, account)
	if err != nil {
		return Totals{}, venue.WrapCall(venue.KindExchange, "account_equity", err)
	}
	if equity.Exists {
		totals.ExternalEquity = equity.Value
		totals.EquityPresent = true
	}

	return totals, nil
}
