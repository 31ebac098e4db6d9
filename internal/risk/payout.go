package risk

import "sync"

// PayoutLedger records transfers out of a liquidated position store: the
// liquidator's share to the caller and the incentive cut to the protocol fee
// recipient.
type PayoutLedger struct {
	mu       sync.Mutex
	balances map[string]map[string]int64 // party -> token -> amount
}

func NewPayoutLedger() *PayoutLedger {
	return &PayoutLedger{
		balances: make(map[string]map[string]int64),
	}
}

func (p *PayoutLedger) Credit(party, token string, amount int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	tokens, ok := p.balances[party]
	if !ok {
		tokens = make(map[string]int64)
		p.balances[party] = tokens
	}
	tokens[token] += amount
}

func (p *PayoutLedger) Balance(party, token string) int64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balances[party][token]
}
