package execution

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

// fakeVenue records calls and keeps an in-memory order book of our orders.
type fakeVenue struct {
	mu          sync.Mutex
	submitErrs  []error // popped one per Submit; nil entries succeed
	nextID      int
	submitted   []domain.OrderRequest
	canceled    []string
	cancelAlls  int
	orders      map[string]domain.VenueOrder
	events      chan domain.OrderEvent
	queryErrors map[string]error
	onSubmit    func(domain.OrderRequest) // runs after an accepted submit
}

func newFakeVenue() *fakeVenue {
	return &fakeVenue{
		orders:      make(map[string]domain.VenueOrder),
		events:      make(chan domain.OrderEvent, 16),
		queryErrors: make(map[string]error),
	}
}

func (v *fakeVenue) Submit(_ context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()

	v.submitted = append(v.submitted, req)
	if len(v.submitErrs) > 0 {
		err := v.submitErrs[0]
		v.submitErrs = v.submitErrs[1:]
		if err != nil {
			return domain.PlacedOrder{}, err
		}
	}
	v.nextID++
	id := fmt.Sprintf("v%d", v.nextID)
	v.orders[id] = domain.VenueOrder{
		VenueOrderID: id,
		MarketID:     req.MarketID,
		TokenID:      req.TokenID,
		Side:         req.Side,
		Price:        req.Price,
		Size:         req.Size,
		Status:       domain.StatusAcknowledged,
	}
	if v.onSubmit != nil {
		v.onSubmit(req)
	}
	return domain.PlacedOrder{VenueOrderID: id, Status: "live"}, nil
}

func (v *fakeVenue) Cancel(_ context.Context, id string) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.canceled = append(v.canceled, id)
	if o, ok := v.orders[id]; ok && o.Status != domain.StatusFilled {
		o.Status = domain.StatusCanceled
		v.orders[id] = o
	}
	return nil
}

func (v *fakeVenue) CancelAll(_ context.Context) error {
	v.mu.Lock()
	defer v.mu.Unlock()
	v.cancelAlls++
	for id, o := range v.orders {
		if o.Status != domain.StatusFilled {
			o.Status = domain.StatusCanceled
			v.orders[id] = o
		}
	}
	return nil
}

func (v *fakeVenue) QueryOrder(_ context.Context, id string) (domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	if err := v.queryErrors[id]; err != nil {
		return domain.VenueOrder{}, err
	}
	o, ok := v.orders[id]
	if !ok {
		return domain.VenueOrder{}, ports.ErrOrderNotFound
	}
	return o, nil
}

func (v *fakeVenue) OpenOrders(_ context.Context) ([]domain.VenueOrder, error) {
	v.mu.Lock()
	defer v.mu.Unlock()
	var out []domain.VenueOrder
	for _, o := range v.orders {
		if o.Status == domain.StatusAcknowledged || o.Status == domain.StatusPartiallyFilled {
			out = append(out, o)
		}
	}
	return out, nil
}

func (v *fakeVenue) Events() <-chan domain.OrderEvent { return v.events }

func (v *fakeVenue) set(o domain.VenueOrder) {
	v.mu.Lock()
	v.orders[o.VenueOrderID] = o
	v.mu.Unlock()
}

func (v *fakeVenue) cancelAllCount() int {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.cancelAlls
}

func (v *fakeVenue) canceledIDs() []string {
	v.mu.Lock()
	defer v.mu.Unlock()
	return append([]string(nil), v.canceled...)
}

// fakeJournal is an in-memory ports.Journal.
type fakeJournal struct {
	mu           sync.Mutex
	orders       map[string]domain.Order
	fills        []ports.JournalFill
	reservations map[string]domain.Reservation
	closed       map[string]string
	killSwitch   domain.KillSwitchState
	opps         []domain.Opportunity
}

func newFakeJournal() *fakeJournal {
	return &fakeJournal{
		orders:       make(map[string]domain.Order),
		reservations: make(map[string]domain.Reservation),
		closed:       make(map[string]string),
	}
}

func (j *fakeJournal) SaveOrder(_ context.Context, o domain.Order) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.orders[o.ID] = o
	return nil
}

func (j *fakeJournal) GetOpenOrders(_ context.Context) ([]domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.Order
	for _, o := range j.orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out, nil
}

func (j *fakeJournal) GetOrders(_ context.Context, _ time.Time) ([]domain.Order, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.Order
	for _, o := range j.orders {
		out = append(out, o)
	}
	return out, nil
}

func (j *fakeJournal) SaveFill(_ context.Context, f domain.Fill, ref domain.TokenRef, side domain.Side) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.fills = append(j.fills, ports.JournalFill{Fill: f, Token: ref, Side: side})
	return nil
}

func (j *fakeJournal) GetFills(_ context.Context) ([]ports.JournalFill, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return append([]ports.JournalFill(nil), j.fills...), nil
}

func (j *fakeJournal) SaveReservation(_ context.Context, r domain.Reservation) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.reservations[r.ID] = r
	return nil
}

func (j *fakeJournal) CloseReservation(_ context.Context, id, outcome string, _ float64) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.closed[id] = outcome
	return nil
}

func (j *fakeJournal) GetOpenReservations(_ context.Context) ([]domain.Reservation, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	var out []domain.Reservation
	for id, r := range j.reservations {
		if _, done := j.closed[id]; !done {
			out = append(out, r)
		}
	}
	return out, nil
}

func (j *fakeJournal) SaveKillSwitch(_ context.Context, s domain.KillSwitchState) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.killSwitch = s
	return nil
}

func (j *fakeJournal) LoadKillSwitch(_ context.Context) (domain.KillSwitchState, error) {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.killSwitch, nil
}

func (j *fakeJournal) SaveOpportunity(_ context.Context, opp domain.Opportunity) error {
	j.mu.Lock()
	defer j.mu.Unlock()
	j.opps = append(j.opps, opp)
	return nil
}

func (j *fakeJournal) closedAs(id string) string {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.closed[id]
}
