package query

import (
	"time"

	"github.com/google/uuid"
)

// LiquidationResponse is one completed liquidation.
type LiquidationResponse struct {
	LiquidationID     uuid.UUID         `json:"liquidation_id"`
	Account           string            `json:"account"`
	Caller            string            `json:"caller"`
	IncentiveFraction int64             `json:"incentive_fraction"`
	EquityWithdrawn   int64             `json:"equity_withdrawn"`
	DebtRepaid        int64             `json:"debt_repaid"`
	CompletedAt       time.Time         `json:"completed_at"`
	Steps             []LiquidationStep `json:"steps,omitempty"`
}

// LiquidationStep is one step within a liquidation sequence.
type LiquidationStep struct {
	StepIndex       int    `json:"step_index"`
	StepType        string `json:"step_type"`
	MarketID        string `json:"market_id,omitempty"`
	Token           string `json:"token,omitempty"`
	Amount          int64  `json:"amount"`
	LiquidatorShare int64  `json:"liquidator_share"`
	IncentiveShare  int64  `json:"incentive_share"`
}

// HealthSnapshotResponse is one stored health observation.
type HealthSnapshotResponse struct {
	Account         string    `json:"account"`
	HealthFactor    int64     `json:"health_factor"`
	CollateralValue int64     `json:"collateral_value"`
	DebtValue       int64     `json:"debt_value"`
	ExternalEquity  int64     `json:"external_equity"`
	Healthy         bool      `json:"healthy"`
	ObservedAt      time.Time `json:"observed_at"`
}
