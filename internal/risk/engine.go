// Package risk implements the health and liquidation engine: it consumes
// aggregated account values, computes a single health factor, and runs the
// deterministic liquidation sequence when an account falls below threshold.
package risk

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"marginwatch/internal/aggregate"
	"marginwatch/internal/fpmath"
	"marginwatch/internal/market"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
)

// HealthStatus is the derived, never-cached health view of one account.
type HealthStatus struct {
	CollateralValue int64 `json:"collateral_value"`
	DebtValue       int64 `json:"debt_value"`
	ExternalEquity  int64 `json:"external_equity"`
	// HealthFactor is (netValue - debtValue) / debtValue at FractionScale;
	// fpmath.HealthFactorInfinite when debt is zero.
	HealthFactor int64 `json:"health_factor"`
	Healthy      bool  `json:"healthy"`
}

// Repayment records debt repaid in one market during liquidation.
type Repayment struct {
	Market market.ID
	Amount int64
}

// Seizure records collateral seized from one market during liquidation.
type Seizure struct {
	Market           market.ID
	Token            string
	LiquidatorAmount int64
	IncentiveAmount  int64
}

// LiquidationResult is the completion record of one liquidation. When a step
// fails mid-sequence the result still reports everything committed before
// the failure; completed steps are not rolled back.
type LiquidationResult struct {
	LiquidationID     uuid.UUID
	Account           string
	Caller            string
	IncentiveFraction int64
	EquityWithdrawn   int64
	Repayments        []Repayment
	Seizures          []Seizure
	CompletedAt       time.Time
}

// Sink receives completion records for publication and persistence.
type Sink interface {
	LiquidationCompleted(ctx context.Context, result LiquidationResult)
}

// Config carries the engine's global constants.
type Config struct {
	// LiquidationThreshold is the health factor below which an account is
	// liquidatable, FractionScale-denominated (e.g. 950_000 = 0.95).
	LiquidationThreshold int64
	// LiquidationIncentive is the fraction of seized collateral retained
	// for the fee recipient (e.g. 50_000 = 0.05).
	LiquidationIncentive int64
	// FeeRecipient receives the incentive cut.
	FeeRecipient string
	// CallTimeout bounds every external collaborator call.
	CallTimeout time.Duration
}

// Engine evaluates account health and executes liquidations.
type Engine struct {
	cfg      Config
	registry *market.Registry
	agg      *aggregate.Aggregator
	lending  venue.LendingMarket
	exchange venue.MarginExchange
	subs     *store.SubAccountStore
	payouts  *PayoutLedger
	sink     Sink
	log      zerolog.Logger
}

func NewEngine(
	cfg Config,
	registry *market.Registry,
	agg *aggregate.Aggregator,
	lending venue.LendingMarket,
	exchange venue.MarginExchange,
	subs *store.SubAccountStore,
	payouts *PayoutLedger,
	sink Sink,
	log zerolog.Logger,
) (*Engine, error) {
	if registry.Len() == 0 {
		return nil, ErrNoMarkets
	}
	if cfg.LiquidationIncentive < 0 || cfg.LiquidationIncentive >= fpmath.FractionScale {
		return nil, fmt.Errorf("risk: liquidation incentive must be in [0, 1), got %d", cfg.LiquidationIncentive)
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:      cfg,
		registry: registry,
		agg:      agg,
		lending:  lending,
		exchange: exchange,
		subs:     subs,
		payouts:  payouts,
		sink:     sink,
		log:      log,
	}, nil
}

func (e *Engine) callCtx(ctx context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(ctx, e.cfg.CallTimeout)
}

// EvaluateHealth recomputes the account's health from a fresh aggregation.
// Nothing is cached; every query pays the full aggregation cost in exchange
// for never serving stale health.
func (e *Engine) EvaluateHealth(ctx context.Context, account string) (HealthStatus, error) {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()
	totals, err := e.agg.Aggregate(cctx, account)
	if err != nil {
		return HealthStatus{}, err
	}
	return e.Status(totals), nil
}

// Status derives a health status from aggregated totals. Exposed so callers
// can evaluate hypothetical totals (a withdrawal or borrow that has not
// happened yet) against the engine's threshold.
func (e *Engine) Status(t aggregate.Totals) HealthStatus {
	hs := HealthStatus{
		CollateralValue: t.CollateralValue,
		DebtValue:       t.DebtValue,
		ExternalEquity:  t.ExternalEquity,
	}

	if t.DebtValue == 0 {
		hs.HealthFactor = fpmath.HealthFactorInfinite
		hs.Healthy = true
		return hs
	}

	// Only positive exchange equity helps net value. Negative equity is
	// reported but not subtracted; keep in lockstep with
	// TestEvaluateHealth_NegativeEquityDoesNotWorsen before changing.
	netValue := t.CollateralValue
	if t.ExternalEquity > 0 {
		netValue += t.ExternalEquity
	}

	if netValue < t.DebtValue {
		hs.HealthFactor = 0
		hs.Healthy = false
		return hs
	}

	hs.HealthFactor = fpmath.Ratio(netValue-t.DebtValue, t.DebtValue)
	hs.Healthy = hs.HealthFactor >= e.cfg.LiquidationThreshold
	return hs
}

// Liquidate runs the deterministic liquidation sequence on an unhealthy
// account: withdraw exchange equity, repay debt market by market, then seize
// remaining collateral with the incentive split. Steps commit as they
// happen; a failure partway through returns the partial result together
// with the error. The account's lock is held for the whole span, so the
// health decision and the mutations see a consistent position.
func (e *Engine) Liquidate(ctx context.Context, account, caller string) (LiquidationResult, error) {
	sub, err := e.subs.Get(account)
	if err != nil {
		return LiquidationResult{}, err
	}

	sub.Lock()
	defer sub.Unlock()

	status, err := e.EvaluateHealth(ctx, account)
	if err != nil {
		return LiquidationResult{}, fmt.Errorf("liquidate %s: health evaluation: %w", account, err)
	}
	if status.Healthy {
		return LiquidationResult{}, fmt.Errorf("%w: account %s health factor %d", ErrPortfolioHealthy, account, status.HealthFactor)
	}

	result := LiquidationResult{
		LiquidationID:     uuid.New(),
		Account:           account,
		Caller:            caller,
		IncentiveFraction: e.cfg.LiquidationIncentive,
	}

	e.log.Info().
		Str("account", account).
		Str("caller", caller).
		Str("liquidation_id", result.LiquidationID.String()).
		Int64("health_factor", status.HealthFactor).
		Int64("debt_value", status.DebtValue).
		Msg("liquidation started")

	loanToken := e.registry.LoanToken()

	if err := e.withdrawExchangeEquity(ctx, account, loanToken, sub, &result); err != nil {
		return result, err
	}
	if err := e.repayDebts(ctx, account, loanToken, sub, &result); err != nil {
		return result, err
	}
	if err := e.seizeCollateral(ctx, account, caller, sub, &result); err != nil {
		return result, err
	}

	if result.EquityWithdrawn == 0 && len(result.Repayments) == 0 && len(result.Seizures) == 0 {
		return LiquidationResult{}, fmt.Errorf("%w: account %s", ErrNothingToLiquidate, account)
	}

	result.CompletedAt = time.Now().UTC()

	e.log.Info().
		Str("account", account).
		Str("liquidation_id", result.LiquidationID.String()).
		Int64("equity_withdrawn", result.EquityWithdrawn).
		Int("markets_repaid", len(result.Repayments)).
		Int("markets_seized", len(result.Seizures)).
		Msg("liquidation completed")

	if e.sink != nil {
		e.sink.LiquidationCompleted(ctx, result)
	}

	return result, nil
}

// withdrawExchangeEquity pulls the account's withdrawable exchange balance
// in the loan token into the position store as freed funds.
func (e *Engine) withdrawExchangeEquity(ctx context.Context, account, loanToken string, sub *store.SubAccount, result *LiquidationResult) error {
	cctx, cancel := e.callCtx(ctx)
	defer cancel()

	amount, err := e.exchange.WithdrawableAmount(cctx, account, loanToken)
	if err != nil {
		return venue.WrapCall(venue.KindExchange, "withdrawable_amount", err)
	}
	if amount <= 0 {
		return nil
	}

	if err := e.exchange.Withdraw(cctx, account, loanToken, amount); err != nil {
		return venue.WrapCall(venue.KindExchange, "withdraw", err)
	}
	if err := sub.Credit(loanToken, amount); err != nil {
		return err
	}
	result.EquityWithdrawn = amount
	return nil
}

// repayDebts applies freed funds against each market's debt in registration
// order, stopping once the balance is exhausted.
func (e *Engine) repayDebts(ctx context.Context, account, loanToken string, sub *store.SubAccount, result *LiquidationResult) error {
	for _, m := range e.registry.List() {
		balance := sub.Balance(loanToken)
		if balance == 0 {
			return nil
		}

		cctx, cancel := e.callCtx(ctx)
		pos, err := e.lending.Position(cctx, account, m.ID)
		if err != nil {
			cancel()
			return venue.WrapCall(venue.KindLending, "position", err)
		}
		if pos.DebtShares == 0 {
			cancel()
			continue
		}

		applied, err := e.lending.Repay(cctx, account, m.ID, balance)
		cancel()
		if err != nil {
			return venue.WrapCall(venue.KindLending, "repay", err)
		}
		if applied == 0 {
			continue
		}

		if err := sub.Debit(loanToken, applied); err != nil {
			return err
		}
		result.Repayments = append(result.Repayments, Repayment{Market: m.ID, Amount: applied})
	}
	return nil
}

// seizeCollateral withdraws each market's remaining collateral into the
// position store and splits it between the caller and the fee recipient.
// The split is exact: liquidatorAmount + incentiveAmount == collateral.
func (e *Engine) seizeCollateral(ctx context.Context, account, caller string, sub *store.SubAccount, result *LiquidationResult) error {
	for _, m := range e.registry.List() {
		cctx, cancel := e.callCtx(ctx)
		pos, err := e.lending.Position(cctx, account, m.ID)
		if err != nil {
			cancel()
			return venue.WrapCall(venue.KindLending, "position", err)
		}
		if pos.Collateral <= 0 {
			cancel()
			continue
		}

		collateral := pos.Collateral
		incentiveAmount := fpmath.ApplyFraction(collateral, e.cfg.LiquidationIncentive)
		liquidatorAmount := collateral - incentiveAmount

		if err := e.lending.WithdrawCollateral(cctx, account, m.ID, collateral); err != nil {
			cancel()
			return venue.WrapCall(venue.KindLending, "withdraw_collateral", err)
		}
		cancel()

		token := m.Config.CollateralToken
		if err := sub.Credit(token, collateral); err != nil {
			return err
		}
		if err := sub.Debit(token, collateral); err != nil {
			return err
		}

		if liquidatorAmount > 0 {
			e.payouts.Credit(caller, token, liquidatorAmount)
		}
		if incentiveAmount > 0 {
			e.payouts.Credit(e.cfg.FeeRecipient, token, incentiveAmount)
		}

		result.Seizures = append(result.Seizures, Seizure{
			Market:           m.ID,
			Token:            token,
			LiquidatorAmount: liquidatorAmount,
			IncentiveAmount:  incentiveAmount,
		})
	}
	return nil
}
