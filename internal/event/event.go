package event

// Type discriminator for event payloads
type Type int32

const (
	TypeUnknown Type = iota
	TypePriceUpdate
	TypeHealthBreached
	TypeLiquidationCompleted
)

// Event is the interface all outbound payloads implement.
type Event interface {
	// IdempotencyKey returns the stable dedup key
	IdempotencyKey() string

	// EventType returns the discriminator
	EventType() Type

	// Account returns the account context (empty for global events)
	Account() string
}

func (t Type) String() string {
	switch t {
	case TypePriceUpdate:
		return "PriceUpdate"
	case TypeHealthBreached:
		return "HealthBreached"
	case TypeLiquidationCompleted:
		return "LiquidationCompleted"
	default:
		return "Unknown"
	}
}
