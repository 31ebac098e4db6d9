package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"marginwatch/internal/risk"
)

// HistoryWriter writes liquidation records and health snapshots to
// Postgres. Writes are idempotent: liquidations conflict on their UUID
// and snapshots on (account, observed_at), so a retried write is a no-op.
type HistoryWriter struct {
	db *sql.DB
}

// HealthSnapshotRow represents a row in margin.health_snapshots.
type HealthSnapshotRow struct {
	Account         string
	HealthFactor    int64
	CollateralValue int64
	DebtValue       int64
	ExternalEquity  int64
	Healthy         bool
	ObservedAt      time.Time
}

func NewHistoryWriter(db *sql.DB) *HistoryWriter {
	return &HistoryWriter{db: db}
}

// RecordLiquidation writes the completion record and its step rows in
// one transaction. A partial result from a failed mid-sequence step is
// recorded the same way; the steps that committed are what get stored.
func (w *HistoryWriter) RecordLiquidation(ctx context.Context, res risk.LiquidationResult) error {
	var debtRepaid int64
	for _, r := range res.Repayments {
		debtRepaid += r.Amount
	}

	tx, err := w.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}

	result, err := tx.ExecContext(ctx, `
		INSERT INTO margin.liquidations
			(liquidation_id, account, caller, incentive_fraction, equity_withdrawn, debt_repaid, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (liquidation_id) DO NOTHING`,
		res.LiquidationID, res.Account, res.Caller, res.IncentiveFraction,
		res.EquityWithdrawn, debtRepaid, res.CompletedAt,
	)
	if err != nil {
		tx.Rollback()
		return fmt.Errorf("insert liquidation %s: %w", res.LiquidationID, err)
	}
	if n, _ := result.RowsAffected(); n == 0 {
		// Already recorded; skip the steps too.
		return tx.Commit()
	}

	stepIndex := 0
	insertStep := func(stepType string, marketID, token string, amount, liqShare, incShare int64) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO margin.liquidation_steps
				(liquidation_id, step_index, step_type, market_id, token, amount, liquidator_share, incentive_share)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
			res.LiquidationID, stepIndex, stepType, marketID, token, amount, liqShare, incShare,
		)
		stepIndex++
		return err
	}

	if res.EquityWithdrawn > 0 {
		if err := insertStep("withdraw_equity", "", "", res.EquityWithdrawn, 0, 0); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert equity step: %w", err)
		}
	}
	for _, r := range res.Repayments {
		if err := insertStep("repay", string(r.Market), "", r.Amount, 0, 0); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert repay step: %w", err)
		}
	}
	for _, s := range res.Seizures {
		total := s.LiquidatorAmount + s.IncentiveAmount
		if err := insertStep("seize", string(s.Market), s.Token, total, s.LiquidatorAmount, s.IncentiveAmount); err != nil {
			tx.Rollback()
			return fmt.Errorf("insert seize step: %w", err)
		}
	}

	return tx.Commit()
}

// WriteSnapshotBatch writes health snapshots using a multi-row INSERT.
func (w *HistoryWriter) WriteSnapshotBatch(ctx context.Context, rows []HealthSnapshotRow) error {
	if len(rows) == 0 {
		return nil
	}

	query := `INSERT INTO margin.health_snapshots
		(account, health_factor, collateral_value, debt_value, external_equity, healthy, observed_at)
		VALUES `

	values := make([]string, 0, len(rows))
	args := make([]interface{}, 0, len(rows)*7)

	for i, r := range rows {
		base := i * 7
		values = append(values, fmt.Sprintf(
			"($%d, $%d, $%d, $%d, $%d, $%d, $%d)",
			base+1, base+2, base+3, base+4, base+5, base+6, base+7,
		))
		args = append(args,
			r.Account, r.HealthFactor, r.CollateralValue, r.DebtValue,
			r.ExternalEquity, r.Healthy, r.ObservedAt,
		)
	}

	query += strings.Join(values, ", ")
	query += " ON CONFLICT (account, observed_at) DO NOTHING"

	_, err := w.db.ExecContext(ctx, query, args...)
	return err
}
