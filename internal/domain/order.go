package domain

import "time"

// OrderStatus represents the lifecycle of an order driven by the execution engine.
type OrderStatus string

const (
	StatusCreated         OrderStatus = "CREATED"
	StatusSubmitted       OrderStatus = "SUBMITTED"
	StatusAcknowledged    OrderStatus = "ACKNOWLEDGED"
	StatusPartiallyFilled OrderStatus = "PARTIALLY_FILLED"
	StatusFilled          OrderStatus = "FILLED"
	StatusCanceled        OrderStatus = "CANCELED"
	StatusRejected        OrderStatus = "REJECTED"
)

var orderTransitions = map[OrderStatus][]OrderStatus{
	StatusCreated:         {StatusSubmitted, StatusRejected},
	StatusSubmitted:       {StatusAcknowledged, StatusRejected},
	StatusAcknowledged:    {StatusPartiallyFilled, StatusFilled, StatusCanceled},
	StatusPartiallyFilled: {StatusPartiallyFilled, StatusFilled, StatusCanceled},
}

// Terminal reports whether no further transition is possible.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusFilled, StatusCanceled, StatusRejected:
		return true
	default:
		return false
	}
}

// Resting reports whether the order may still be sitting on the venue book.
func (s OrderStatus) Resting() bool {
	return s == StatusAcknowledged || s == StatusPartiallyFilled
}

// CanTransition reports whether s → to is a legal move.
func (s OrderStatus) CanTransition(to OrderStatus) bool {
	for _, next := range orderTransitions[s] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is an order created and owned by the execution engine.
type Order struct {
	ID            string // UUID (local tracking)
	VenueOrderID  string // exchange order hash, empty until accepted
	OpportunityID string
	ReservationID string
	Kind          OpportunityKind
	MarketID      string
	TokenID       string
	Outcome       Outcome
	Side          Side
	Price         float64
	Size          float64 // shares
	FilledSize    float64 // shares filled so far
	AvgFillPrice  float64
	Status        OrderStatus
	SubmittedAt   time.Time
	UpdatedAt     time.Time
	Retries       int
	LastFillSeq   uint64
	LastError     string
}

// Remaining returns the unfilled shares.
func (o Order) Remaining() float64 {
	r := o.Size - o.FilledSize
	if r < 0 {
		return 0
	}
	return r
}

// Notional returns price × size.
func (o Order) Notional() float64 {
	return o.Price * o.Size
}

// Age returns how long the order has been out, measured from submission.
func (o Order) Age(now time.Time) time.Duration {
	if o.SubmittedAt.IsZero() {
		return 0
	}
	return now.Sub(o.SubmittedAt)
}

// OrderRequest is sent to the venue to place a limit order.
type OrderRequest struct {
	ClientOrderID string
	MarketID      string
	TokenID       string
	Side          Side
	Price         float64
	Size          float64 // shares
	TickSize      float64
	NegRisk       bool
}

// PlacedOrder is the venue's answer to a submission.
type PlacedOrder struct {
	VenueOrderID string
	Status       string
}

// VenueOrder is the venue's authoritative view of one order, used by reconciliation.
type VenueOrder struct {
	VenueOrderID string
	MarketID     string
	TokenID      string
	Side         Side
	Price        float64
	Size         float64
	FilledSize   float64
	Status       OrderStatus // Acknowledged, PartiallyFilled, Filled or Canceled
	CreatedAt    time.Time
}

// EventType classifies asynchronous venue notifications.
type EventType string

const (
	EventAck      EventType = "ACK"
	EventFill     EventType = "FILL"
	EventCanceled EventType = "CANCELED"
	EventRejected EventType = "REJECTED"
)

// OrderEvent is an asynchronous notification about a submitted order.
// FillSeq increases strictly per order; Size and Price describe one fill.
type OrderEvent struct {
	Type         EventType
	VenueOrderID string
	FillSeq      uint64
	Size         float64
	// CumFilled es el tamaño total llenado en el venue tras este fill; 0 si
	// el venue no lo informa.
	CumFilled float64
	Price     float64
	Reason    string
	Timestamp time.Time
}

// Fill is a confirmed execution recorded for an order.
type Fill struct {
	OrderID   string
	Seq       uint64
	Price     float64
	Size      float64
	Timestamp time.Time
}

// Reservation is an optimistic hold on risk capacity.
type Reservation struct {
	ID            string
	MarketID      string
	OpportunityID string
	Amount        float64
	CreatedAt     time.Time
}
