package query

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// QueryService provides read-only access to liquidation history and
// health snapshots stored in Postgres.
type QueryService struct {
	db *sql.DB
}

func NewQueryService(db *sql.DB) *QueryService {
	return &QueryService{db: db}
}

// GetLiquidations returns completed liquidations, newest first.
// account filters to one account when non-empty; before is a
// cursor for pagination.
func (qs *QueryService) GetLiquidations(
	ctx context.Context,
	account string,
	limit int,
	before *time.Time,
) ([]LiquidationResponse, error) {
	query := `
		SELECT liquidation_id, account, caller, incentive_fraction,
		       equity_withdrawn, debt_repaid, completed_at
		FROM margin.liquidations
		WHERE 1=1
	`
	args := []interface{}{}
	argIdx := 1

	if account != "" {
		query += fmt.Sprintf(" AND account = $%d", argIdx)
		args = append(args, account)
		argIdx++
	}

	if before != nil {
		query += fmt.Sprintf(" AND completed_at < $%d", argIdx)
		args = append(args, *before)
		argIdx++
	}

	query += " ORDER BY completed_at DESC"
	query += fmt.Sprintf(" LIMIT $%d", argIdx)
	args = append(args, limit)

	rows, err := qs.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LiquidationResponse
	for rows.Next() {
		var l LiquidationResponse
		if err := rows.Scan(
			&l.LiquidationID, &l.Account, &l.Caller, &l.IncentiveFraction,
			&l.EquityWithdrawn, &l.DebtRepaid, &l.CompletedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, l)
	}

	return out, rows.Err()
}

// GetLiquidation returns one liquidation with its step rows.
func (qs *QueryService) GetLiquidation(
	ctx context.Context,
	id uuid.UUID,
) (*LiquidationResponse, error) {
	var l LiquidationResponse
	err := qs.db.QueryRowContext(ctx, `
		SELECT liquidation_id, account, caller, incentive_fraction,
		       equity_withdrawn, debt_repaid, completed_at
		FROM margin.liquidations
		WHERE liquidation_id = $1
	`, id).Scan(
		&l.LiquidationID, &l.Account, &l.Caller, &l.IncentiveFraction,
		&l.EquityWithdrawn, &l.DebtRepaid, &l.CompletedAt,
	)
	if err != nil {
		return nil, err
	}

	rows, err := qs.db.QueryContext(ctx, `
		SELECT step_index, step_type, market_id, token, amount, liquidator_share, incentive_share
		FROM margin.liquidation_steps
		WHERE liquidation_id = $1
		ORDER BY step_index
	`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var s LiquidationStep
		if err := rows.Scan(
			&s.StepIndex, &s.StepType, &s.MarketID, &s.Token,
			&s.Amount, &s.LiquidatorShare, &s.IncentiveShare,
		); err != nil {
			return nil, err
		}
		l.Steps = append(l.Steps, s)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	return &l, nil
}

// GetHealthHistory returns stored health snapshots for an account,
// newest first.
func (qs *QueryService) GetHealthHistory(
	ctx context.Context,
	account string,
	limit int,
) ([]HealthSnapshotResponse, error) {
	rows, err := qs.db.QueryContext(ctx, `
		SELECT account, health_factor, collateral_value, debt_value,
		       external_equity, healthy, observed_at
		FROM margin.health_snapshots
		WHERE account = $1
		ORDER BY observed_at DESC
		LIMIT $2
	`, account, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []HealthSnapshotResponse
	for rows.Next() {
		var h HealthSnapshotResponse
		if err := rows.Scan(
			&h.Account, &h.HealthFactor, &h.CollateralValue, &h.DebtValue,
			&h.ExternalEquity, &h.Healthy, &h.ObservedAt,
		); err != nil {
			return nil, err
		}
		out = append(out, h)
	}

	return out, rows.Err()
}
