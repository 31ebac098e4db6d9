package event

import "fmt"

// PriceUpdate is an inbound oracle tick for a single market.
type PriceUpdate struct {
	MarketID    string
	Price       int64 // loan-token units per collateral unit, see market.Config
	Sequence    int64 // monotonic per market
	TimestampUs int64 // feed timestamp, epoch microseconds
}

func (p *PriceUpdate) IdempotencyKey() string {
	return fmt.Sprintf("%s:price:%d", p.MarketID, p.Sequence)
}

func (p *PriceUpdate) EventType() Type {
	return TypePriceUpdate
}

func (p *PriceUpdate) Account() string {
	return ""
}
