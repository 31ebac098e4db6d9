// Package monitor periodically scans every registered sub-account,
// snapshots its health, and hands unhealthy portfolios to the
// liquidation engine.
package monitor

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/rs/zerolog"

	"marginwatch/internal/event"
	"marginwatch/internal/ingestion"
	"marginwatch/internal/observability"
	"marginwatch/internal/persistence"
	"marginwatch/internal/risk"
	"marginwatch/internal/store"
)

// Config controls the scan loop.
type Config struct {
	// Interval between scan passes.
	Interval time.Duration
	// Keeper is the caller identity used for auto-liquidations.
	Keeper string
	// AutoLiquidate enables calling the engine on unhealthy accounts.
	// When false the monitor only snapshots and publishes breaches.
	AutoLiquidate bool
}

// Monitor runs the scan loop.
type Monitor struct {
	cfg       Config
	engine    *risk.Engine
	subs      *store.SubAccountStore
	snapshots chan<- persistence.HealthSnapshotRow
	publish   chan<- ingestion.PublishableEvent
	metrics   *observability.Metrics
	log       zerolog.Logger
}

func New(
	cfg Config,
	engine *risk.Engine,
	subs *store.SubAccountStore,
	snapshots chan<- persistence.HealthSnapshotRow,
	publish chan<- ingestion.PublishableEvent,
	metrics *observability.Metrics,
	log zerolog.Logger,
) *Monitor {
	if cfg.Interval <= 0 {
		cfg.Interval = 10 * time.Second
	}
	if cfg.Keeper == "" {
		cfg.Keeper = "marginwatch-keeper"
	}
	return &Monitor{
		cfg:       cfg,
		engine:    engine,
		subs:      subs,
		snapshots: snapshots,
		publish:   publish,
		metrics:   metrics,
		log:       log,
	}
}

// Run scans until ctx is cancelled.
func (m *Monitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.cfg.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			m.Scan(ctx)
		}
	}
}

// Scan evaluates every account once. Accounts are visited in sorted
// order so two scans of the same state behave identically.
func (m *Monitor) Scan(ctx context.Context) {
	start := time.Now()

	accounts := m.subs.Accounts()
	sort.Strings(accounts)

	unhealthy := 0
	for _, account := range accounts {
		if ctx.Err() != nil {
			return
		}
		if !m.scanAccount(ctx, account) {
			unhealthy++
		}
	}

	if m.metrics != nil {
		m.metrics.UnhealthyPortfolios.Set(float64(unhealthy))
		m.metrics.MonitorScanDuration.Observe(time.Since(start).Seconds())
		m.metrics.MonitorScansTotal.Inc()
	}

	m.log.Debug().
		Int("accounts", len(accounts)).
		Int("unhealthy", unhealthy).
		Dur("elapsed", time.Since(start)).
		Msg("scan pass complete")
}

// scanAccount returns false when the account is unhealthy.
func (m *Monitor) scanAccount(ctx context.Context, account string) bool {
	status, err := m.engine.EvaluateHealth(ctx, account)
	if err != nil {
		// A venue or oracle failure skips the account for this pass.
		// Liquidating on missing data is worse than liquidating late.
		m.log.Warn().Str("account", account).Err(err).Msg("health evaluation failed, skipping")
		return true
	}

	if m.metrics != nil {
		if status.Healthy {
			m.metrics.HealthEvaluations.WithLabelValues("healthy").Inc()
		} else {
			m.metrics.HealthEvaluations.WithLabelValues("unhealthy").Inc()
		}
	}

	now := time.Now().UTC()
	m.offerSnapshot(persistence.HealthSnapshotRow{
		Account:         account,
		HealthFactor:    status.HealthFactor,
		CollateralValue: status.CollateralValue,
		DebtValue:       status.DebtValue,
		ExternalEquity:  status.ExternalEquity,
		Healthy:         status.Healthy,
		ObservedAt:      now,
	})

	if status.Healthy {
		return true
	}

	m.log.Warn().
		Str("account", account).
		Int64("health_factor", status.HealthFactor).
		Int64("debt_value", status.DebtValue).
		Msg("portfolio below liquidation threshold")

	breach := &event.HealthBreached{
		AccountID:       account,
		HealthFactor:    status.HealthFactor,
		CollateralValue: status.CollateralValue,
		DebtValue:       status.DebtValue,
		ExternalEquity:  status.ExternalEquity,
		ObservedAtUs:    now.UnixMicro(),
	}
	m.offerEvent(ingestion.PublishableEvent{
		EventType:      breach.EventType().String(),
		IdempotencyKey: breach.IdempotencyKey(),
		Account:        account,
		Payload:        breach,
		Timestamp:      now,
	})

	if m.cfg.AutoLiquidate {
		m.liquidate(ctx, account)
	}
	return false
}

func (m *Monitor) liquidate(ctx context.Context, account string) {
	if m.metrics != nil {
		m.metrics.LiquidationsStarted.Inc()
	}

	result, err := m.engine.Liquidate(ctx, account, m.cfg.Keeper)
	switch {
	case err == nil:
		if m.metrics != nil {
			m.metrics.LiquidationsCompleted.WithLabelValues("ok").Inc()
		}
	case errors.Is(err, risk.ErrPortfolioHealthy):
		// Another caller liquidated between evaluation and action.
		if m.metrics != nil {
			m.metrics.LiquidationsCompleted.WithLabelValues("already_healthy").Inc()
		}
	case errors.Is(err, risk.ErrNothingToLiquidate):
		if m.metrics != nil {
			m.metrics.LiquidationsCompleted.WithLabelValues("nothing_to_liquidate").Inc()
		}
		m.log.Warn().Str("account", account).Msg("unhealthy account with nothing to liquidate")
	default:
		if m.metrics != nil {
			m.metrics.LiquidationsCompleted.WithLabelValues("error").Inc()
		}
		m.log.Error().
			Str("account", account).
			Str("liquidation_id", result.LiquidationID.String()).
			Err(err).
			Msg("liquidation failed")
	}
}

// offerSnapshot never blocks: a slow snapshot writer loses history, not
// scan cadence.
func (m *Monitor) offerSnapshot(row persistence.HealthSnapshotRow) {
	if m.snapshots == nil {
		return
	}
	select {
	case m.snapshots <- row:
	default:
		m.log.Warn().Str("account", row.Account).Msg("snapshot channel full, dropping")
	}
}

func (m *Monitor) offerEvent(evt ingestion.PublishableEvent) {
	if m.publish == nil {
		return
	}
	select {
	case m.publish <- evt:
	default:
		m.log.Warn().Str("key", evt.IdempotencyKey).Msg("publish channel full, dropping")
	}
}
