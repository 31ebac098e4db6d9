package manager_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marginwatch/internal/aggregate"
	"marginwatch/internal/manager"
	"marginwatch/internal/market"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
	"marginwatch/internal/venue/memvenue"
)

const usdc = int64(1_000_000)

type fixture struct {
	registry *market.Registry
	lending  *memvenue.LendingMarket
	exchange *memvenue.MarginExchange
	oracle   *memvenue.Oracle
	subs     *store.SubAccountStore
	mgr      *manager.Manager
	id       market.ID
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		registry: market.NewRegistry(),
		lending:  memvenue.NewLendingMarket(),
		exchange: memvenue.NewMarginExchange(),
		oracle:   memvenue.NewOracle(),
		subs:     store.NewSubAccountStore(),
	}
	id, err := f.registry.Add(market.Config{
		CollateralToken:    "WETH",
		LoanToken:          "USDC",
		OracleRef:          "chainlink:ETH-USDC",
		LLTV:               770_000,
		CollateralFactor:   850_000,
		CollateralDecimals: 6,
		LoanDecimals:       6,
	})
	if err != nil {
		t.Fatal(err)
	}
	f.id = id

	agg := aggregate.New(f.registry, f.lending, f.exchange, f.oracle)
	engine, err := risk.NewEngine(risk.Config{
		LiquidationThreshold: 50_000,
		LiquidationIncentive: 50_000,
		FeeRecipient:         "protocol-fees",
		CallTimeout:          time.Second,
	}, f.registry, agg, f.lending, f.exchange, f.subs, risk.NewPayoutLedger(), nil, zerolog.Nop())
	if err != nil {
		t.Fatal(err)
	}

	f.mgr = manager.New(f.registry, f.lending, f.exchange, f.oracle, agg, engine, f.subs, "marginwatch-engine", zerolog.Nop())
	if err := f.mgr.RegisterSubAccount("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(id, 3000*usdc)
	return f
}

func TestDepositCollateral_Unauthorized(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.DepositCollateral(context.Background(), "mallory", "alice", f.id, 10*usdc)
	if !errors.Is(err, manager.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}

func TestDepositCollateral_EngineIdentityAllowed(t *testing.T) {
	f := newFixture(t)
	err := f.mgr.DepositCollateral(context.Background(), "marginwatch-engine", "alice", f.id, 10*usdc)
	if err != nil {
		t.Errorf("engine identity should be authorized: %v", err)
	}
}

func TestBorrow_HealthGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.DepositCollateral(ctx, "alice-owner", "alice", f.id, 10*usdc); err != nil {
		t.Fatal(err)
	}

	// Collateral value 25,500. Borrowing 19,000 leaves HF 0.342: allowed.
	if err := f.mgr.Borrow(ctx, "alice-owner", "alice", f.id, 19_000*usdc); err != nil {
		t.Fatalf("borrow within limit: %v", err)
	}

	sub, _ := f.subs.Get("alice")
	if got := sub.Balance("USDC"); got != 19_000*usdc {
		t.Errorf("borrowed funds: got %d, want %d", got, 19_000*usdc)
	}

	// Another 6,000 would put debt at 25,000 with net 25,500: HF 0.02,
	// below the 0.05 threshold.
	err := f.mgr.Borrow(ctx, "alice-owner", "alice", f.id, 6_000*usdc)
	if !errors.Is(err, manager.ErrBorrowUnhealthy) {
		t.Errorf("got %v, want ErrBorrowUnhealthy", err)
	}

	// Rejected borrow left no debt behind.
	pos, _ := f.lending.Position(ctx, "alice", f.id)
	state, _ := f.lending.MarketState(ctx, f.id)
	if state.TotalBorrowAssets != 19_000*usdc {
		t.Errorf("total borrow assets: got %d, want %d", state.TotalBorrowAssets, 19_000*usdc)
	}
	if pos.DebtShares != 19_000*usdc {
		t.Errorf("debt shares: got %d, want %d", pos.DebtShares, 19_000*usdc)
	}
}

func TestWithdrawCollateral_HealthGuard(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.DepositCollateral(ctx, "alice-owner", "alice", f.id, 10*usdc); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Borrow(ctx, "alice-owner", "alice", f.id, 19_000*usdc); err != nil {
		t.Fatal(err)
	}

	// Withdrawing 4 WETH removes 4*3000*0.85 = 10,200 of value, leaving
	// 15,300 against 19,000 debt: underwater, rejected, no state change.
	err := f.mgr.WithdrawCollateral(ctx, "alice-owner", "alice", f.id, 4*usdc)
	if !errors.Is(err, manager.ErrWithdrawalUnhealthy) {
		t.Fatalf("got %v, want ErrWithdrawalUnhealthy", err)
	}
	pos, _ := f.lending.Position(ctx, "alice", f.id)
	if pos.Collateral != 10*usdc {
		t.Errorf("collateral after rejected withdrawal: got %d, want %d", pos.Collateral, 10*usdc)
	}

	// Withdrawing 1 WETH leaves 22,950 against 19,000: HF 0.207, allowed.
	if err := f.mgr.WithdrawCollateral(ctx, "alice-owner", "alice", f.id, 1*usdc); err != nil {
		t.Fatalf("withdraw within limit: %v", err)
	}
	sub, _ := f.subs.Get("alice")
	if got := sub.Balance("WETH"); got != 1*usdc {
		t.Errorf("withdrawn collateral: got %d, want %d", got, 1*usdc)
	}
}

func TestRepay_DebitsSubAccount(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.DepositCollateral(ctx, "alice-owner", "alice", f.id, 10*usdc); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Borrow(ctx, "alice-owner", "alice", f.id, 10_000*usdc); err != nil {
		t.Fatal(err)
	}

	applied, err := f.mgr.Repay(ctx, "alice-owner", "alice", f.id, 4_000*usdc)
	if err != nil {
		t.Fatalf("repay: %v", err)
	}
	if applied != 4_000*usdc {
		t.Errorf("applied: got %d, want %d", applied, 4_000*usdc)
	}
	sub, _ := f.subs.Get("alice")
	if got := sub.Balance("USDC"); got != 6_000*usdc {
		t.Errorf("remaining balance: got %d, want %d", got, 6_000*usdc)
	}
}

func TestDepositToExchange_MovesFunds(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	if err := f.mgr.DepositCollateral(ctx, "alice-owner", "alice", f.id, 10*usdc); err != nil {
		t.Fatal(err)
	}
	if err := f.mgr.Borrow(ctx, "alice-owner", "alice", f.id, 10_000*usdc); err != nil {
		t.Fatal(err)
	}

	if err := f.mgr.DepositToExchange(ctx, "alice-owner", "alice", "USDC", 8_000*usdc); err != nil {
		t.Fatalf("deposit to exchange: %v", err)
	}
	sub, _ := f.subs.Get("alice")
	if got := sub.Balance("USDC"); got != 2_000*usdc {
		t.Errorf("sub balance: got %d, want %d", got, 2_000*usdc)
	}
	wd, err := f.exchange.WithdrawableAmount(ctx, "alice", "USDC")
	if err != nil {
		t.Fatal(err)
	}
	if wd != 8_000*usdc {
		t.Errorf("exchange balance: got %d, want %d", wd, 8_000*usdc)
	}
}

func TestPlaceAndCancelOrder(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	orderID, err := f.mgr.PlaceOrder(ctx, "alice-owner", "alice", venue.Order{
		Symbol: "ETH-PERP", Side: "sell", Quantity: 1 * usdc, Price: 3000 * usdc,
	})
	if err != nil {
		t.Fatalf("place order: %v", err)
	}
	if orderID == "" {
		t.Fatal("empty order id")
	}
	if err := f.mgr.CancelOrder(ctx, "alice-owner", "alice", orderID); err != nil {
		t.Errorf("cancel order: %v", err)
	}

	if _, err := f.mgr.PlaceOrder(ctx, "mallory", "alice", venue.Order{
		Symbol: "ETH-PERP", Side: "sell", Quantity: 1, Price: 1,
	}); !errors.Is(err, manager.ErrUnauthorized) {
		t.Errorf("got %v, want ErrUnauthorized", err)
	}
}
