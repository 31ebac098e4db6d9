package venue

import (
	"errors"
	"fmt"
)

// Kind names the collaborator a failed call was directed at.
type Kind string

const (
	KindLending  Kind = "lending"
	KindExchange Kind = "exchange"
	KindOracle   Kind = "oracle"
)

var (
	// ErrInvalidPrice is returned by oracles for a zero or negative price.
	ErrInvalidPrice = errors.New("venue: oracle returned non-positive price")
	// ErrPriceUnavailable is returned when no price exists for a market.
	ErrPriceUnavailable = errors.New("venue: no price for market")
	// ErrInsufficientCollateral is raised by the lending market on
	// over-withdrawal.
	ErrInsufficientCollateral = errors.New("venue: insufficient collateral")
	// ErrInsufficientBalance is raised by the exchange on over-withdrawal.
	ErrInsufficientBalance = errors.New("venue: insufficient exchange balance")
)

// CallError wraps a failed collaborator call with enough context for the
// engine to decide whether the failure is a hard error (oracle price) or an
// acceptable degraded mode (exchange account absent).
type CallError struct {
	Venue Kind
	Op    string
	Err   error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("venue %s: %s: %v", e.Venue, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// WrapCall builds a CallError. Returns nil when err is nil.
func WrapCall(venue Kind, op string, err error) error {
	if err == nil {
		return nil
	}
	return &CallError{Venue: venue, Op: op, Err: err}
}
