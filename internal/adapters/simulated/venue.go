// Package simulated provides a dry-run venue that fills orders against the
// live books held in memory. Nothing is sent to the exchange.
package simulated

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

const (
	defaultTick = 250 * time.Millisecond
	eventBuffer = 1024
)

// BookReader es la vista del book store que usa el simulador.
type BookReader interface {
	Current(marketID string) (domain.BookSnapshot, bool)
	Market(marketID string) (domain.Market, bool)
}

type simOrder struct {
	vo      domain.VenueOrder
	outcome domain.Outcome
	lastSeq uint64 // último snapshot contra el que se intentó el match
	fillSeq uint64
}

// Venue implements ports.Venue in memory.
//
// Una orden se cruza como mucho una vez por snapshot, contra la profundidad
// visible a su precio límite o mejor. Los eventos se publican desde Run.
type Venue struct {
	books    BookReader
	interval time.Duration
	events   chan domain.OrderEvent
	now      func() time.Time

	mu     sync.Mutex
	orders map[string]*simOrder
	queue  []domain.OrderEvent
}

// New creates a simulated venue. interval <= 0 uses 250ms.
func New(books BookReader, interval time.Duration) *Venue {
	if interval <= 0 {
		interval = defaultTick
	}
	return &Venue{
		books:    books,
		interval: interval,
		events:   make(chan domain.OrderEvent, eventBuffer),
		now:      time.Now,
		orders:   make(map[string]*simOrder),
	}
}

// Events implements ports.Venue.
func (v *Venue) Events() <-chan domain.OrderEvent {
	return v.events
}

// Submit accepts a limit order. Invalid prices or sizes are permanent errors.
func (v *Venue) Submit(_ context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	if req.Price <= 0 || req.Price >= 1 || req.Size <= 0 {
		return domain.PlacedOrder{}, &domain.PermanentExecutionError{
			Op:  "submit",
			Err: fmt.Errorf("invalid order: price %.4f size %.2f", req.Price, req.Size),
		}
	}
	market, ok := v.books.Market(req.MarketID)
	if !ok {
		return domain.PlacedOrder{}, &domain.PermanentExecutionError{
			Op:  "submit",
			Err: fmt.Errorf("unknown market %s", req.MarketID),
		}
	}
	outcome := domain.OutcomeYes
	if market.TokenID(domain.OutcomeNo) == req.TokenID {
		outcome = domain.OutcomeNo
	}

	now := v.now()
	id := "sim-" + uuid.New().String()

	v.mu.Lock()
	defer v.mu.Unlock()
	v.orders[id] = &simOrder{
		outcome: outcome,
		vo: domain.VenueOrder{
			VenueOrderID: id,
			MarketID:     req.MarketID,
			TokenID:      req.TokenID,
			Side:         req.Side,
			Price:        req.Price,
			Size:         req.Size,
			Status:       domain.StatusAcknowledged,
			CreatedAt:    now,
		},
	}
	v.queue = append(v.queue, domain.OrderEvent{Type: domain.EventAck, VenueOrderID: id, Timestamp: now})

	slog.Debug("simulated: order accepted", "venue_id", id, "side", req.Side, "price", req.Price, "size", req.Size)
	return domain.PlacedOrder{VenueOrderID: id, Status: "live"}, nil
}

// Cancel cancels a resting order. Unknown or finished orders are ignored.
func (v *Venue) Cancel(_ context.Context, venueOrderID string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	if o, ok := v.orders[venueOrderID]; ok {
		v.cancelLocked(o)
	}
	return nil
}

// CancelAll cancels every resting order.
func (v *Venue) CancelAll(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	for _, o := range v.orders {
		v.cancelLocked(o)
	}
	return nil
}

func (v *Venue) cancelLocked(o *simOrder) {
	if o.vo.Status.Terminal() {
		return
	}
	o.vo.Status = domain.StatusCanceled
	v.queue = append(v.queue, domain.OrderEvent{
		Type: domain.EventCanceled, VenueOrderID: o.vo.VenueOrderID, Timestamp: v.now(),
	})
}

// QueryOrder implements ports.Venue.
func (v *Venue) QueryOrder(_ context.Context, venueOrderID string) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	o, ok := v.orders[venueOrderID]
	if !ok {
		return domain.VenueOrder{}, ports.ErrOrderNotFound
	}
	return o.vo, nil
}

// OpenOrders implements ports.Venue.
func (v *Venue) OpenOrders(_ context.Context) ([]domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.VenueOrder
	for _, o := range v.orders {
		if !o.vo.Status.Terminal() {
			out = append(out, o.vo)
		}
	}
	return out, nil
}

// Run matches resting orders on every tick and publishes events until ctx ends.
func (v *Venue) Run(ctx context.Context) error {
	ticker := time.NewTicker(v.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			for _, ev := range v.step() {
				select {
				case v.events <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// step cruza las órdenes abiertas contra el book actual y devuelve los
// eventos pendientes en orden.
func (v *Venue) step() []domain.OrderEvent {
	v.mu.Lock()
	defer v.mu.Unlock()

	now := v.now()
	for _, o := range v.orders {
		if o.vo.Status.Terminal() {
			continue
		}
		snap, ok := v.books.Current(o.vo.MarketID)
		if !ok || snap.Seq <= o.lastSeq {
			continue
		}
		o.lastSeq = snap.Seq
		v.matchLocked(o, snap.Book(o.outcome), now)
	}

	out := v.queue
	v.queue = nil
	return out
}

func (v *Venue) matchLocked(o *simOrder, book domain.OrderBook, now time.Time) {
	remaining := o.vo.Size - o.vo.FilledSize
	var filled, price float64
	if o.vo.Side == domain.SideBuy {
		filled, price = domain.WalkLevels(book.Asks, remaining, o.vo.Price, true)
	} else {
		filled, price = domain.WalkLevels(book.Bids, remaining, o.vo.Price, false)
	}
	if filled <= 0 {
		return
	}

	o.fillSeq++
	o.vo.FilledSize += filled
	if o.vo.FilledSize >= o.vo.Size-1e-9 {
		o.vo.Status = domain.StatusFilled
	} else {
		o.vo.Status = domain.StatusPartiallyFilled
	}
	v.queue = append(v.queue, domain.OrderEvent{
		Type:         domain.EventFill,
		VenueOrderID: o.vo.VenueOrderID,
		FillSeq:      o.fillSeq,
		Size:         filled,
		CumFilled:    o.vo.FilledSize,
		Price:        price,
		Timestamp:    now,
	})
	slog.Info("simulated: fill",
		"venue_id", o.vo.VenueOrderID,
		"side", o.vo.Side,
		"size", fmt.Sprintf("%.2f", filled),
		"price", fmt.Sprintf("%.4f", price),
		"status", o.vo.Status,
	)
}
