package event

import "fmt"

// HealthBreached is emitted when the monitor observes a portfolio
// crossing below the liquidation threshold.
type HealthBreached struct {
	AccountID       string
	HealthFactor    int64
	CollateralValue int64
	DebtValue       int64
	ExternalEquity  int64
	ObservedAtUs    int64
}

func (h *HealthBreached) IdempotencyKey() string {
	return fmt.Sprintf("%s:breach:%d", h.AccountID, h.ObservedAtUs)
}

func (h *HealthBreached) EventType() Type {
	return TypeHealthBreached
}

func (h *HealthBreached) Account() string {
	return h.AccountID
}
