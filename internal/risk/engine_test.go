package risk_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"marginwatch/internal/aggregate"
	"marginwatch/internal/fpmath"
	"marginwatch/internal/market"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
	"marginwatch/internal/venue"
	"marginwatch/internal/venue/memvenue"
)

const usdc = int64(1_000_000)

func wethConfig() market.Config {
	return market.Config{
		CollateralToken:    "WETH",
		LoanToken:          "USDC",
		OracleRef:          "chainlink:ETH-USDC",
		LLTV:               770_000,
		CollateralFactor:   850_000,
		CollateralDecimals: 6,
		LoanDecimals:       6,
	}
}

func wbtcConfig() market.Config {
	return market.Config{
		CollateralToken:    "WBTC",
		LoanToken:          "USDC",
		OracleRef:          "chainlink:BTC-USDC",
		LLTV:               770_000,
		CollateralFactor:   800_000,
		CollateralDecimals: 8,
		LoanDecimals:       6,
	}
}

type recordingSink struct {
	mu      sync.Mutex
	results []risk.LiquidationResult
}

func (rs *recordingSink) LiquidationCompleted(ctx context.Context, result risk.LiquidationResult) {
	rs.mu.Lock()
	defer rs.mu.Unlock()
	rs.results = append(rs.results, result)
}

type fixture struct {
	registry *market.Registry
	lending  *memvenue.LendingMarket
	exchange *memvenue.MarginExchange
	oracle   *memvenue.Oracle
	subs     *store.SubAccountStore
	payouts  *risk.PayoutLedger
	sink     *recordingSink
	engine   *risk.Engine
	ids      []market.ID
}

func newFixture(t *testing.T, configs ...market.Config) *fixture {
	t.Helper()
	f := &fixture{
		registry: market.NewRegistry(),
		lending:  memvenue.NewLendingMarket(),
		exchange: memvenue.NewMarginExchange(),
		oracle:   memvenue.NewOracle(),
		subs:     store.NewSubAccountStore(),
		payouts:  risk.NewPayoutLedger(),
		sink:     &recordingSink{},
	}
	for _, cfg := range configs {
		id, err := f.registry.Add(cfg)
		if err != nil {
			t.Fatalf("add market: %v", err)
		}
		f.ids = append(f.ids, id)
	}
	agg := aggregate.New(f.registry, f.lending, f.exchange, f.oracle)
	engine, err := risk.NewEngine(risk.Config{
		LiquidationThreshold: 50_000, // 0.05
		LiquidationIncentive: 50_000, // 0.05
		FeeRecipient:         "protocol-fees",
		CallTimeout:          time.Second,
	}, f.registry, agg, f.lending, f.exchange, f.subs, f.payouts, f.sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	f.engine = engine
	return f
}

func (f *fixture) newLending(t *testing.T, lending venue.LendingMarket) *risk.Engine {
	t.Helper()
	agg := aggregate.New(f.registry, lending, f.exchange, f.oracle)
	engine, err := risk.NewEngine(risk.Config{
		LiquidationThreshold: 50_000,
		LiquidationIncentive: 50_000,
		FeeRecipient:         "protocol-fees",
		CallTimeout:          time.Second,
	}, f.registry, agg, lending, f.exchange, f.subs, f.payouts, f.sink, zerolog.Nop())
	if err != nil {
		t.Fatalf("new engine: %v", err)
	}
	return engine
}

// setupScenarioA: 10 WETH collateral at price 3000, factor 0.85, borrow
// 19,000 USDC.
func (f *fixture) setupScenarioA(t *testing.T, account string) {
	t.Helper()
	ctx := context.Background()
	if err := f.subs.Register(account, account+"-owner"); err != nil {
		t.Fatal(err)
	}
	if err := f.lending.SupplyCollateral(ctx, account, f.ids[0], 10*usdc); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 3000*usdc)
	if err := f.lending.Borrow(ctx, account, f.ids[0], 19_000*usdc); err != nil {
		t.Fatal(err)
	}
}

// P1: zero debt is always healthy, whatever the collateral or equity sign.
func TestEvaluateHealth_DebtFreeAlwaysHealthy(t *testing.T) {
	tests := []struct {
		name       string
		collateral int64
		equity     *int64
	}{
		{"no positions", 0, nil},
		{"collateral only", 10 * usdc, nil},
		{"negative equity", 0, ptr(-5_000 * usdc)},
		{"collateral and negative equity", 10 * usdc, ptr(-50_000 * usdc)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t, wethConfig())
			ctx := context.Background()
			if tt.collateral > 0 {
				if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[0], tt.collateral); err != nil {
					t.Fatal(err)
				}
				f.oracle.SetPrice(f.ids[0], 3000*usdc)
			}
			if tt.equity != nil {
				f.exchange.SetEquity("alice", *tt.equity)
			}

			status, err := f.engine.EvaluateHealth(ctx, "alice")
			if err != nil {
				t.Fatalf("evaluate: %v", err)
			}
			if !status.Healthy {
				t.Error("debt-free account must be healthy")
			}
			if status.HealthFactor != fpmath.HealthFactorInfinite {
				t.Errorf("health factor: got %d, want infinite sentinel", status.HealthFactor)
			}
		})
	}
}

func ptr(v int64) *int64 { return &v }

// Scenario A: HF = (25500 - 19000) / 19000 = 0.342105.
func TestEvaluateHealth_ScenarioA(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")

	status, err := f.engine.EvaluateHealth(context.Background(), "alice")
	if err != nil {
		t.Fatalf("evaluate: %v", err)
	}
	if !status.Healthy {
		t.Error("scenario A account should be healthy")
	}
	if status.HealthFactor != 342_105 {
		t.Errorf("health factor: got %d, want 342105", status.HealthFactor)
	}
	if status.CollateralValue != 25_500*usdc {
		t.Errorf("collateral value: got %d, want %d", status.CollateralValue, 25_500*usdc)
	}
	if status.DebtValue != 19_000*usdc {
		t.Errorf("debt value: got %d, want %d", status.DebtValue, 19_000*usdc)
	}
}

// Scenario B: price 2400 keeps the account healthy at a lower factor;
// price 2000 puts net value under debt, zeroing the factor.
func TestEvaluateHealth_ScenarioB(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")
	ctx := context.Background()

	f.oracle.SetPrice(f.ids[0], 2400*usdc)
	status, err := f.engine.EvaluateHealth(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if !status.Healthy {
		t.Error("price 2400: should still be healthy")
	}
	// (20400 - 19000) / 19000 = 0.073684
	if status.HealthFactor != 73_684 {
		t.Errorf("health factor: got %d, want 73684", status.HealthFactor)
	}

	f.oracle.SetPrice(f.ids[0], 2000*usdc)
	status, err = f.engine.EvaluateHealth(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if status.Healthy {
		t.Error("price 2000: net value below debt must be unhealthy")
	}
	if status.HealthFactor != 0 {
		t.Errorf("underwater health factor: got %d, want 0", status.HealthFactor)
	}
}

// P2: decreasing the oracle price never increases the health factor.
func TestEvaluateHealth_PriceMonotonicity(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")
	ctx := context.Background()

	prev := int64(-1)
	for _, price := range []int64{3000, 2800, 2600, 2400, 2300, 2236, 2235, 2000, 100} {
		f.oracle.SetPrice(f.ids[0], price*usdc)
		status, err := f.engine.EvaluateHealth(ctx, "alice")
		if err != nil {
			t.Fatalf("price %d: %v", price, err)
		}
		if prev >= 0 && status.HealthFactor > prev {
			t.Errorf("price %d: health factor rose from %d to %d", price, prev, status.HealthFactor)
		}
		prev = status.HealthFactor
	}
}

// Positive equity raises net value; negative equity is ignored rather than
// subtracted. The asymmetry is deliberate and pinned here.
func TestEvaluateHealth_NegativeEquityDoesNotWorsen(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")
	ctx := context.Background()

	base, err := f.engine.EvaluateHealth(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}

	f.exchange.SetEquity("alice", -10_000*usdc)
	withLoss, err := f.engine.EvaluateHealth(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if withLoss.HealthFactor != base.HealthFactor {
		t.Errorf("negative equity changed health factor: %d -> %d", base.HealthFactor, withLoss.HealthFactor)
	}
	if withLoss.ExternalEquity != -10_000*usdc {
		t.Errorf("external equity should still be reported, got %d", withLoss.ExternalEquity)
	}

	f.exchange.SetEquity("alice", 4_000*usdc)
	withGain, err := f.engine.EvaluateHealth(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	// (25500 + 4000 - 19000) / 19000 = 0.552631
	if withGain.HealthFactor != 552_631 {
		t.Errorf("positive equity health factor: got %d, want 552631", withGain.HealthFactor)
	}
}

func TestLiquidate_HealthyRejected(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")

	_, err := f.engine.Liquidate(context.Background(), "alice", "keeper")
	if !errors.Is(err, risk.ErrPortfolioHealthy) {
		t.Errorf("got %v, want ErrPortfolioHealthy", err)
	}
	if len(f.sink.results) != 0 {
		t.Error("no completion record for rejected liquidation")
	}
}

func TestLiquidate_NoSubAccount(t *testing.T) {
	f := newFixture(t, wethConfig())

	_, err := f.engine.Liquidate(context.Background(), "ghost", "keeper")
	if !errors.Is(err, store.ErrNoSubAccount) {
		t.Errorf("got %v, want ErrNoSubAccount", err)
	}
}

// Scenario C: liquidating the underwater Scenario-B account with a 0.05
// incentive pays the caller 9.5 WETH and the fee recipient 0.5 WETH.
func TestLiquidate_ScenarioC(t *testing.T) {
	f := newFixture(t, wethConfig())
	f.setupScenarioA(t, "alice")
	ctx := context.Background()
	f.oracle.SetPrice(f.ids[0], 2000*usdc)

	result, err := f.engine.Liquidate(ctx, "alice", "keeper")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if got := f.payouts.Balance("keeper", "WETH"); got != 9_500_000 {
		t.Errorf("caller payout: got %d, want 9_500_000", got)
	}
	if got := f.payouts.Balance("protocol-fees", "WETH"); got != 500_000 {
		t.Errorf("fee recipient payout: got %d, want 500_000", got)
	}

	pos, err := f.lending.Position(ctx, "alice", f.ids[0])
	if err != nil {
		t.Fatal(err)
	}
	if pos.Collateral != 0 {
		t.Errorf("collateral after seize: got %d, want 0", pos.Collateral)
	}

	if len(result.Seizures) != 1 {
		t.Fatalf("seizures: got %d, want 1", len(result.Seizures))
	}
	s := result.Seizures[0]
	// P5: exact split, no rounding loss.
	if s.LiquidatorAmount+s.IncentiveAmount != 10*usdc {
		t.Errorf("split %d + %d != %d", s.LiquidatorAmount, s.IncentiveAmount, 10*usdc)
	}
	// P3: both legs positive when collateral was positive.
	if s.LiquidatorAmount <= 0 || s.IncentiveAmount <= 0 {
		t.Errorf("non-positive transfer: liquidator %d, incentive %d", s.LiquidatorAmount, s.IncentiveAmount)
	}

	if len(f.sink.results) != 1 {
		t.Fatalf("completion records: got %d, want 1", len(f.sink.results))
	}
	if f.sink.results[0].IncentiveFraction != 50_000 {
		t.Errorf("incentive fraction: got %d, want 50_000", f.sink.results[0].IncentiveFraction)
	}
}

// Exchange equity is withdrawn first and applied to debt in registration
// order before any collateral is seized.
func TestLiquidate_WithdrawsEquityAndRepaysInOrder(t *testing.T) {
	f := newFixture(t, wethConfig(), wbtcConfig())
	ctx := context.Background()
	if err := f.subs.Register("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}

	// Market 0: 10 WETH at 1000 (factor 0.85 -> 8500), debt 12,000.
	if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[0], 10*usdc); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 1000*usdc)
	if err := f.lending.Borrow(ctx, "alice", f.ids[0], 12_000*usdc); err != nil {
		t.Fatal(err)
	}
	// Market 1: debt only, 3,000.
	if err := f.lending.Borrow(ctx, "alice", f.ids[1], 3_000*usdc); err != nil {
		t.Fatal(err)
	}
	// Exchange holds 13,000 USDC withdrawable.
	f.exchange.SetBalance("alice", "USDC", 13_000*usdc)
	f.exchange.SetEquity("alice", 0) // equity already counted as zero: unrealized losses

	result, err := f.engine.Liquidate(ctx, "alice", "keeper")
	if err != nil {
		t.Fatalf("liquidate: %v", err)
	}

	if result.EquityWithdrawn != 13_000*usdc {
		t.Errorf("equity withdrawn: got %d, want %d", result.EquityWithdrawn, 13_000*usdc)
	}

	// Repayments follow registration order and stop when funds run out:
	// 12,000 to market 0, then the remaining 1,000 to market 1.
	if len(result.Repayments) != 2 {
		t.Fatalf("repayments: got %d, want 2", len(result.Repayments))
	}
	if result.Repayments[0].Market != f.ids[0] || result.Repayments[0].Amount != 12_000*usdc {
		t.Errorf("first repayment: got %+v", result.Repayments[0])
	}
	if result.Repayments[1].Market != f.ids[1] || result.Repayments[1].Amount != 1_000*usdc {
		t.Errorf("second repayment: got %+v", result.Repayments[1])
	}

	// Market 1 keeps the unpaid 2,000 debt.
	pos, err := f.lending.Position(ctx, "alice", f.ids[1])
	if err != nil {
		t.Fatal(err)
	}
	state, err := f.lending.MarketState(ctx, f.ids[1])
	if err != nil {
		t.Fatal(err)
	}
	remaining := fpmath.MulDiv(pos.DebtShares, state.TotalBorrowAssets, state.TotalBorrowShares)
	if remaining != 2_000*usdc {
		t.Errorf("remaining debt: got %d, want %d", remaining, 2_000*usdc)
	}

	// WETH collateral was seized after repayment.
	if got := f.payouts.Balance("keeper", "WETH"); got != 9_500_000 {
		t.Errorf("keeper WETH payout: got %d, want 9_500_000", got)
	}
}

// P4: the first liquidation clears all debt, so the second is rejected as
// healthy.
func TestLiquidate_SecondCallHealthy(t *testing.T) {
	f := newFixture(t, wethConfig())
	ctx := context.Background()
	if err := f.subs.Register("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}
	if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[0], 10*usdc); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 100*usdc) // 850 value vs 5,000 debt
	if err := f.lending.Borrow(ctx, "alice", f.ids[0], 5_000*usdc); err != nil {
		t.Fatal(err)
	}
	f.exchange.SetBalance("alice", "USDC", 6_000*usdc)

	if _, err := f.engine.Liquidate(ctx, "alice", "keeper"); err != nil {
		t.Fatalf("first liquidate: %v", err)
	}

	_, err := f.engine.Liquidate(ctx, "alice", "keeper")
	if !errors.Is(err, risk.ErrPortfolioHealthy) {
		t.Errorf("second liquidate: got %v, want ErrPortfolioHealthy", err)
	}
	if len(f.sink.results) != 1 {
		t.Errorf("completion records: got %d, want 1", len(f.sink.results))
	}
}

// An underwater account with nothing left to withdraw, repay, or seize must
// not produce an empty completion record.
func TestLiquidate_NothingToLiquidate(t *testing.T) {
	f := newFixture(t, wethConfig())
	ctx := context.Background()
	if err := f.subs.Register("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 2000*usdc)
	// Debt with no collateral: unhealthy, nothing seizable.
	if err := f.lending.Borrow(ctx, "alice", f.ids[0], 1_000*usdc); err != nil {
		t.Fatal(err)
	}
	// First pass repays nothing (no exchange balance), seizes nothing.
	_, err := f.engine.Liquidate(ctx, "alice", "keeper")
	if !errors.Is(err, risk.ErrNothingToLiquidate) {
		t.Errorf("got %v, want ErrNothingToLiquidate", err)
	}
	if len(f.sink.results) != 0 {
		t.Error("no completion record for empty liquidation")
	}
}

type failingWithdrawLending struct {
	venue.LendingMarket
	failMarket market.ID
}

var errLendingDown = errors.New("lending call reverted")

func (f *failingWithdrawLending) WithdrawCollateral(ctx context.Context, account string, id market.ID, amount int64) error {
	if id == f.failMarket {
		return errLendingDown
	}
	return f.LendingMarket.WithdrawCollateral(ctx, account, id, amount)
}

// A failure on market 2 of 2 during the seize step leaves market 1 seized:
// best-effort sequential, no rollback. The partial result reports what was
// committed.
func TestLiquidate_PartialSeizeNotRolledBack(t *testing.T) {
	f := newFixture(t, wethConfig(), wbtcConfig())
	ctx := context.Background()
	if err := f.subs.Register("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}
	if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[0], 10*usdc); err != nil {
		t.Fatal(err)
	}
	if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[1], 100_000_000); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 1000*usdc)
	f.oracle.SetPrice(f.ids[1], 1000*usdc)
	if err := f.lending.Borrow(ctx, "alice", f.ids[0], 50_000*usdc); err != nil {
		t.Fatal(err)
	}

	failing := &failingWithdrawLending{LendingMarket: f.lending, failMarket: f.ids[1]}
	engine := f.newLending(t, failing)

	result, err := engine.Liquidate(ctx, "alice", "keeper")
	if !errors.Is(err, errLendingDown) {
		t.Fatalf("got %v, want lending failure", err)
	}

	// Market 0 stays seized.
	if got := f.payouts.Balance("keeper", "WETH"); got != 9_500_000 {
		t.Errorf("keeper WETH after partial failure: got %d, want 9_500_000", got)
	}
	if len(result.Seizures) != 1 {
		t.Errorf("partial result seizures: got %d, want 1", len(result.Seizures))
	}
	pos, _ := f.lending.Position(ctx, "alice", f.ids[1])
	if pos.Collateral != 100_000_000 {
		t.Errorf("market 2 collateral should be untouched, got %d", pos.Collateral)
	}
	if len(f.sink.results) != 0 {
		t.Error("no completion record for failed liquidation")
	}
}

// Two concurrent liquidations of one account: the per-account lock makes one
// of them run second and fail its precondition.
func TestLiquidate_ConcurrentCallsSingleWinner(t *testing.T) {
	f := newFixture(t, wethConfig())
	ctx := context.Background()
	if err := f.subs.Register("alice", "alice-owner"); err != nil {
		t.Fatal(err)
	}
	if err := f.lending.SupplyCollateral(ctx, "alice", f.ids[0], 10*usdc); err != nil {
		t.Fatal(err)
	}
	f.oracle.SetPrice(f.ids[0], 2000*usdc)
	if err := f.lending.Borrow(ctx, "alice", f.ids[0], 19_000*usdc); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	errs := make([]error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = f.engine.Liquidate(ctx, "alice", "keeper")
		}(i)
	}
	wg.Wait()

	var succeeded, rejected int
	for _, err := range errs {
		switch {
		case err == nil:
			succeeded++
		case errors.Is(err, risk.ErrNothingToLiquidate), errors.Is(err, risk.ErrPortfolioHealthy):
			rejected++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if succeeded != 1 || rejected != 1 {
		t.Errorf("got %d successes and %d rejections, want 1 and 1", succeeded, rejected)
	}
	if got := f.payouts.Balance("keeper", "WETH"); got != 9_500_000 {
		t.Errorf("double seize detected: keeper holds %d WETH units", got)
	}
}
