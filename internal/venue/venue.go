// Package venue defines the external protocol collaborators the risk engine
// reads from and acts on: the lending market holding collateral and debt,
// the margin exchange holding external equity, and the price oracle.
package venue

import (
	"context"

	"marginwatch/internal/market"
)

// Position is an account's holdings in one lending market.
type Position struct {
	// Collateral is the raw collateral amount in the token's native decimals.
	Collateral int64
	// DebtShares convert to a debt-asset amount via the market's
	// totalBorrowAssets / totalBorrowShares ratio.
	DebtShares int64
}

// MarketState is the lending market's global borrow accounting. The ratio
// adjusts monotonically as the market accrues interest; interest accrual is
// owned by the lending market, never recomputed here.
type MarketState struct {
	TotalBorrowAssets int64
	TotalBorrowShares int64
}

// LendingMarket is the lending protocol collaborator.
type LendingMarket interface {
	Position(ctx context.Context, account string, id market.ID) (Position, error)
	MarketState(ctx context.Context, id market.ID) (MarketState, error)

	SupplyCollateral(ctx context.Context, account string, id market.ID, amount int64) error
	// WithdrawCollateral removes collateral from the market. Withdrawing more
	// than held is the market's error to raise.
	WithdrawCollateral(ctx context.Context, account string, id market.ID, amount int64) error
	Borrow(ctx context.Context, account string, id market.ID, assets int64) error
	// Repay applies up to assets against the account's debt and returns the
	// asset amount actually applied (capped at the outstanding debt).
	Repay(ctx context.Context, account string, id market.ID, assets int64) (applied int64, err error)
}

// Equity is a margin-exchange account's signed net value. Exists is false
// when the account has never been opened on the exchange; that is a normal
// degraded mode, not an error.
type Equity struct {
	Value  int64
	Exists bool
}

// MarginExchange is the perpetuals exchange collaborator.
type MarginExchange interface {
	AccountEquity(ctx context.Context, account string) (Equity, error)
	WithdrawableAmount(ctx context.Context, account, token string) (int64, error)
	Withdraw(ctx context.Context, account, token string, amount int64) error
	Deposit(ctx context.Context, account, token string, amount int64) error
	PlaceOrder(ctx context.Context, account string, order Order) (string, error)
	CancelOrder(ctx context.Context, account, orderID string) error
}

// Order is a pass-through perpetuals order.
type Order struct {
	Symbol   string
	Side     string
	Quantity int64
	Price    int64
}

// Oracle returns the collateral-token price in loan-token terms, scaled so
// that collateralAmount * price / 10^collateralDecimals yields loan-token
// units. Implementations must return an error rather than a zero or stale
// price.
type Oracle interface {
	Price(ctx context.Context, id market.ID) (int64, error)
}
