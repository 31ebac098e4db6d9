package risk

import "errors"

var (
	// ErrPortfolioHealthy rejects liquidation of an account whose health
	// factor is at or above the threshold (or whose debt is zero).
	ErrPortfolioHealthy = errors.New("risk: portfolio is healthy")

	// ErrNothingToLiquidate rejects a liquidation that would withdraw,
	// repay, and seize nothing. Prevents duplicate completion records on an
	// already-cleared position.
	ErrNothingToLiquidate = errors.New("risk: nothing to liquidate")

	// ErrNoMarkets rejects engine construction over an empty registry.
	ErrNoMarkets = errors.New("risk: no markets registered")
)
