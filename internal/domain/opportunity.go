package domain

import (
	"fmt"
	"time"
)

// OpportunityKind is the closed set of actions the detector can propose.
type OpportunityKind int

const (
	KindBundleArbBuy OpportunityKind = iota + 1
	KindBundleArbSell
	KindMarketMaking
)

func (k OpportunityKind) String() string {
	switch k {
	case KindBundleArbBuy:
		return "BUNDLE_BUY"
	case KindBundleArbSell:
		return "BUNDLE_SELL"
	case KindMarketMaking:
		return "MARKET_MAKING"
	default:
		return "UNKNOWN"
	}
}

// MarshalText serializes the kind by name in JSON payloads.
func (k OpportunityKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// Side is the direction of an order.
type Side string

const (
	SideBuy  Side = "BUY"
	SideSell Side = "SELL"
)

// Sign returns +1 for buys and -1 for sells.
func (s Side) Sign() float64 {
	if s == SideSell {
		return -1
	}
	return 1
}

// BundlePayload carries the quotes a bundle arbitrage was computed from.
// Prices are best asks for a buy and best bids for a sell.
type BundlePayload struct {
	YesPrice    float64
	NoPrice     float64
	FeePerShare float64
	GasPerShare float64
}

// QuotePayload carries the two resting prices of a market-making quote.
type QuotePayload struct {
	Outcome  Outcome
	BidPrice float64
	AskPrice float64
}

// Opportunity is a candidate action computed from one book snapshot.
// Exactly one of Bundle or Quote is set, according to Kind.
type Opportunity struct {
	ID         string
	Kind       OpportunityKind
	MarketID   string
	Edge       float64 // fractional profit per share after fees and gas
	Size       float64 // shares, never above displayed depth for takes
	SourceSeq  uint64
	DetectedAt time.Time

	Bundle *BundlePayload
	Quote  *QuotePayload
}

// Leg is one order an opportunity proposes.
type Leg struct {
	Outcome Outcome
	Side    Side
	Price   float64
	Size    float64
}

// Notional returns the currency value of the leg.
func (l Leg) Notional() float64 {
	return l.Price * l.Size
}

// Legs derives the orders implied by the opportunity.
func (o Opportunity) Legs() ([]Leg, error) {
	switch o.Kind {
	case KindBundleArbBuy:
		if o.Bundle == nil {
			return nil, fmt.Errorf("opportunity %s: missing bundle payload", o.ID)
		}
		return []Leg{
			{Outcome: OutcomeYes, Side: SideBuy, Price: o.Bundle.YesPrice, Size: o.Size},
			{Outcome: OutcomeNo, Side: SideBuy, Price: o.Bundle.NoPrice, Size: o.Size},
		}, nil
	case KindBundleArbSell:
		if o.Bundle == nil {
			return nil, fmt.Errorf("opportunity %s: missing bundle payload", o.ID)
		}
		return []Leg{
			{Outcome: OutcomeYes, Side: SideSell, Price: o.Bundle.YesPrice, Size: o.Size},
			{Outcome: OutcomeNo, Side: SideSell, Price: o.Bundle.NoPrice, Size: o.Size},
		}, nil
	case KindMarketMaking:
		if o.Quote == nil {
			return nil, fmt.Errorf("opportunity %s: missing quote payload", o.ID)
		}
		return []Leg{
			{Outcome: o.Quote.Outcome, Side: SideBuy, Price: o.Quote.BidPrice, Size: o.Size},
			{Outcome: o.Quote.Outcome, Side: SideSell, Price: o.Quote.AskPrice, Size: o.Size},
		}, nil
	default:
		return nil, fmt.Errorf("opportunity %s: unknown kind %d", o.ID, o.Kind)
	}
}

// Notional is the exposure the opportunity asks the risk gate to reserve.
func (o Opportunity) Notional() float64 {
	legs, err := o.Legs()
	if err != nil {
		return 0
	}
	var total float64
	for _, l := range legs {
		total += l.Notional()
	}
	return total
}

// ExpectedProfit is edge times size, in currency.
func (o Opportunity) ExpectedProfit() float64 {
	return o.Edge * o.Size
}

// OpportunityStats summarises how long opportunities stay alive.
type OpportunityStats struct {
	Detected      int
	Closed        int
	Active        int
	AvgDuration   time.Duration
	MaxDuration   time.Duration
	LastDetection time.Time
}
