package ingestion

import (
	"encoding/json"
	"errors"
	"fmt"

	"marginwatch/internal/event"
)

var (
	// ErrMissingMarket indicates a tick without a market identifier.
	ErrMissingMarket = errors.New("ingestion: tick missing market id")
	// ErrNonPositivePrice indicates a tick with price <= 0.
	ErrNonPositivePrice = errors.New("ingestion: tick price must be positive")
)

type priceTickJSON struct {
	Market      string `json:"market"`
	Price       int64  `json:"price"`
	Sequence    int64  `json:"sequence"`
	TimestampUs int64  `json:"timestamp_us"`
}

// ParsePriceTick decodes and validates a raw feed message. Validation
// happens here so the oracle only ever sees well-formed ticks.
func ParsePriceTick(data []byte) (*event.PriceUpdate, error) {
	var j priceTickJSON
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("parse PriceUpdate: %w", err)
	}
	if j.Market == "" {
		return nil, ErrMissingMarket
	}
	if j.Price <= 0 {
		return nil, fmt.Errorf("market %s seq %d: %w", j.Market, j.Sequence, ErrNonPositivePrice)
	}
	return &event.PriceUpdate{
		MarketID:    j.Market,
		Price:       j.Price,
		Sequence:    j.Sequence,
		TimestampUs: j.TimestampUs,
	}, nil
}
