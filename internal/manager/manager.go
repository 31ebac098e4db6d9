// Package manager exposes owner-gated account operations: collateral and
// debt management on the lending market and pass-throughs to the margin
// exchange. Withdrawals and borrows are guarded by a hypothetical health
// check so an owner cannot move their own account below the liquidation
// threshold.
package manager

import (
	"context"
	"errors"
	"fmt"

	"github.com/rs/zerolog"

	"marginwatch/internal/aggregate"
	"marginwatch/internal/fpmath"
	"marginwatch/internal/market"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
)

var (
	ErrUnauthorized        = errors.New("manager: caller is not the account owner")
	ErrWithdrawalUnhealthy = errors.New("manager: withdrawal would leave account unhealthy")
	ErrBorrowUnhealthy     = errors.New("manager: borrow would leave account unhealthy")
	ErrInvalidAmount       = errors.New("manager: amount must be positive")
)

type Manager struct {
	registry *market.Registry
	lending  venue.LendingMarket
	exchange venue.MarginExchange
	oracle   venue.Oracle
	agg      *aggregate.Aggregator
	engine   *risk.Engine
	subs     *store.SubAccountStore
	// engineIdentity is the caller name under which the service itself acts.
	engineIdentity string
	log            zerolog.Logger
}

func New(
	registry *market.Registry,
	lending venue.LendingMarket,
	exchange venue.MarginExchange,
	oracle venue.Oracle,
	agg *aggregate.Aggregator,
	engine *risk.Engine,
	subs *store.SubAccountStore,
	engineIdentity string,
	log zerolog.Logger,
) *Manager {
	return &Manager{
		registry:       registry,
		lending:        lending,
		exchange:       exchange,
		oracle:         oracle,
		agg:            agg,
		engine:         engine,
		subs:           subs,
		engineIdentity: engineIdentity,
		log:            log,
	}
}

// RegisterSubAccount opens a position store for an account.
func (m *Manager) RegisterSubAccount(account, owner string) error {
	if err := m.subs.Register(account, owner); err != nil {
		return err
	}
	m.log.Info().Str("account", account).Str("owner", owner).Msg("sub-account registered")
	return nil
}

func (m *Manager) authorized(caller string, sub *store.SubAccount) error {
	if caller != sub.Owner && caller != m.engineIdentity {
		return fmt.Errorf("%w: caller %s, owner %s", ErrUnauthorized, caller, sub.Owner)
	}
	return nil
}

// DepositCollateral supplies collateral from the owner's wallet into a
// lending market.
func (m *Manager) DepositCollateral(ctx context.Context, caller, account string, id market.ID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sub, err := m.subs.Get(account)
	if err != nil {
		return err
	}
	if err := m.authorized(caller, sub); err != nil {
		return err
	}
	if _, err := m.registry.Get(id); err != nil {
		return err
	}

	sub.Lock()
	defer sub.Unlock()
	return m.lending.SupplyCollateral(ctx, account, id, amount)
}

// Borrow draws loan tokens against the account's collateral. Rejected when
// the post-borrow position would be unhealthy.
func (m *Manager) Borrow(ctx context.Context, caller, account string, id market.ID, assets int64) error {
	if assets <= 0 {
		return ErrInvalidAmount
	}
	sub, err := m.subs.Get(account)
	if err != nil {
		return err
	}
	if err := m.authorized(caller, sub); err != nil {
		return err
	}
	mkt, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	sub.Lock()
	defer sub.Unlock()

	totals, err := m.agg.Aggregate(ctx, account)
	if err != nil {
		return fmt.Errorf("borrow health check: %w", err)
	}
	totals.DebtValue += assets
	if status := m.engine.Status(totals); !status.Healthy {
		return fmt.Errorf("%w: post-borrow health factor %d", ErrBorrowUnhealthy, status.HealthFactor)
	}

	if err := m.lending.Borrow(ctx, account, id, assets); err != nil {
		return venue.WrapCall(venue.KindLending, "borrow", err)
	}
	return sub.Credit(mkt.Config.LoanToken, assets)
}

// Repay applies loan tokens from the sub-account balance against debt.
func (m *Manager) Repay(ctx context.Context, caller, account string, id market.ID, assets int64) (int64, error) {
	if assets <= 0 {
		return 0, ErrInvalidAmount
	}
	sub, err := m.subs.Get(account)
	if err != nil {
		return 0, err
	}
	if err := m.authorized(caller, sub); err != nil {
		return 0, err
	}
	mkt, err := m.registry.Get(id)
	if err != nil {
		return 0, err
	}

	sub.Lock()
	defer sub.Unlock()

	applied, err := m.lending.Repay(ctx, account, id, assets)
	if err != nil {
		return 0, venue.WrapCall(venue.KindLending, "repay", err)
	}
	if applied > 0 {
		if err := sub.Debit(mkt.Config.LoanToken, applied); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// WithdrawCollateral moves collateral from the lending market into the
// sub-account. Rejected with no state change when the remaining position
// would be unhealthy.
func (m *Manager) WithdrawCollateral(ctx context.Context, caller, account string, id market.ID, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sub, err := m.subs.Get(account)
	if err != nil {
		return err
	}
	if err := m.authorized(caller, sub); err != nil {
		return err
	}
	mkt, err := m.registry.Get(id)
	if err != nil {
		return err
	}

	sub.Lock()
	defer sub.Unlock()

	pos, err := m.lending.Position(ctx, account, id)
	if err != nil {
		return venue.WrapCall(venue.KindLending, "position", err)
	}
	if pos.Collateral < amount {
		return venue.WrapCall(venue.KindLending, "withdraw_collateral", venue.ErrInsufficientCollateral)
	}

	totals, err := m.agg.Aggregate(ctx, account)
	if err != nil {
		return fmt.Errorf("withdraw health check: %w", err)
	}

	price, err := m.oracle.Price(ctx, id)
	if err != nil {
		return err
	}
	withdrawnValue := fpmath.ApplyFraction(
		fpmath.MulDiv(amount, price, mkt.Config.CollateralUnit()),
		mkt.Config.CollateralFactor,
	)
	totals.CollateralValue -= withdrawnValue
	if totals.CollateralValue < 0 {
		totals.CollateralValue = 0
	}
	if status := m.engine.Status(totals); !status.Healthy {
		return fmt.Errorf("%w: post-withdrawal health factor %d", ErrWithdrawalUnhealthy, status.HealthFactor)
	}

	if err := m.lending.WithdrawCollateral(ctx, account, id, amount); err != nil {
		return venue.WrapCall(venue.KindLending, "withdraw_collateral", err)
	}
	return sub.Credit(mkt.Config.CollateralToken, amount)
}

// DepositToExchange moves loan tokens from the sub-account balance to the
// margin exchange.
func (m *Manager) DepositToExchange(ctx context.Context, caller, account, token string, amount int64) error {
	if amount <= 0 {
		return ErrInvalidAmount
	}
	sub, err := m.subs.Get(account)
	if err != nil {
		return err
	}
	if err := m.authorized(caller, sub); err != nil {
		return err
	}

	sub.Lock()
	defer sub.Unlock()

	if err := sub.Debit(token, amount); err != nil {
		return err
	}
	if err := m.exchange.Deposit(ctx, account, token, amount); err != nil {
		// Put the funds back; the deposit never left.
		sub.Credit(token, amount)
		return venue.WrapCall(venue.KindExchange, "deposit", err)
	}
	return nil
}

// PlaceOrder forwards a perpetuals order to the exchange.
func (m *Manager) PlaceOrder(ctx context.Context, caller, account string, order venue.Order) (string, error) {
	sub, err := m.subs.Get(account)
	if err != nil {
		return "", err
	}
	if err := m.authorized(caller, sub); err != nil {
		return "", err
	}
	orderID, err := m.exchange.PlaceOrder(ctx, account, order)
	if err != nil {
		return "", venue.WrapCall(venue.KindExchange, "place_order", err)
	}
	return orderID, nil
}

// CancelOrder forwards an order cancellation to the exchange.
func (m *Manager) CancelOrder(ctx context.Context, caller, account, orderID string) error {
	sub, err := m.subs.Get(account)
	if err != nil {
		return err
	}
	if err := m.authorized(caller, sub); err != nil {
		return err
	}
	if err := m.exchange.CancelOrder(ctx, account, orderID); err != nil {
		return venue.WrapCall(venue.KindExchange, "cancel_order", err)
	}
	return nil
}
