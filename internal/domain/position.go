package domain

// TokenRef identifies one side of one market.
type TokenRef struct {
	MarketID string
	Outcome  Outcome
	TokenID  string
}

// Key returns a stable map key for the token.
func (t TokenRef) Key() string {
	return t.MarketID + ":" + string(t.Outcome)
}

// Position is the ledger's view of a holding in one token.
// Quantity is signed: positive long, negative short.
type Position struct {
	MarketID    string
	Outcome     Outcome
	TokenID     string
	Quantity    float64
	AvgCost     float64
	RealizedPnL float64
	Mark        float64 // last mid used for valuation, 0 if unknown
	Unrealized  float64
}

// Exposure is the currency value committed to the position at cost.
func (p Position) Exposure() float64 {
	q := p.Quantity
	if q < 0 {
		q = -q
	}
	return q * p.AvgCost
}

// IsFlat reports whether the position holds nothing.
func (p Position) IsFlat() bool {
	return p.Quantity == 0
}
