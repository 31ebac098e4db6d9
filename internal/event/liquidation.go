package event

import (
	"fmt"

	"github.com/google/uuid"
)

// LiquidationCompleted marks a liquidation pass as finished.
// Totals are denominated in the protocol loan token except
// CollateralSeized, which is per-token and carried in the legs.
type LiquidationCompleted struct {
	LiquidationID   uuid.UUID
	AccountID       string
	Caller          string
	EquityWithdrawn int64
	DebtRepaid      int64
	Seizures        []SeizureLeg
	CompletedAtUs   int64
}

// SeizureLeg is one collateral seizure within a liquidation.
type SeizureLeg struct {
	MarketID        string `json:"market_id"`
	Token           string `json:"token"`
	Amount          int64  `json:"amount"`
	LiquidatorShare int64  `json:"liquidator_share"`
	IncentiveShare  int64  `json:"incentive_share"`
}

func (l *LiquidationCompleted) IdempotencyKey() string {
	return fmt.Sprintf("%s:complete", l.LiquidationID)
}

func (l *LiquidationCompleted) EventType() Type {
	return TypeLiquidationCompleted
}

func (l *LiquidationCompleted) Account() string {
	return l.AccountID
}
