// Package execution turns admitted opportunities into orders and drives each
// order through its lifecycle until a terminal state.
//
// The engine is the only writer of orders. Venue calls never run under the
// engine mutex; per-market locks serialize submissions so two opportunities on
// the same market cannot interleave their legs.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyarb/internal/application/ledger"
	"github.com/alejandrodnm/polyarb/internal/application/risk"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

const (
	defaultMaxAttempts   = 3
	defaultBaseBackoff   = 500 * time.Millisecond
	defaultMaxBackoff    = 5 * time.Second
	defaultOrderMaxAge   = 60 * time.Second
	defaultSweepInterval = 5 * time.Second

	// terminal orders of closed groups are dropped from memory after this long
	orderRetention = time.Hour
	// events for venue ids not yet known are kept this long
	pendingEventTTL = time.Minute
	// bound for venue calls made while shutting down
	shutdownTimeout = 10 * time.Second

	sizeEpsilon = 1e-9
)

// Config parametriza reintentos, staleness y el barrido por antigüedad.
type Config struct {
	StalenessTolerance uint64        // max book updates between detection and submission
	MaxAttempts        int           // submission attempts on transient errors
	BaseBackoff        time.Duration // first retry wait, doubled each attempt
	MaxBackoff         time.Duration
	OrderMaxAge        time.Duration // resting orders older than this are cancelled
	SweepInterval      time.Duration
	SlippageTolerance  float64 // relative adverse move allowed on bundle legs; 0 disables
}

// BookReader is the view of the book store the engine needs.
type BookReader interface {
	Current(marketID string) (domain.BookSnapshot, bool)
	Market(marketID string) (domain.Market, bool)
	Mids() map[string]float64
}

// group tracks the orders spawned from one reservation.
type group struct {
	reservationID string
	marketID      string
	orderIDs      []string
	exposure      float64 // ledger exposure change produced by fills
	filled        bool
	closed        bool
}

type pendingEvent struct {
	ev       domain.OrderEvent
	received time.Time
}

// Engine is the Execution Engine.
type Engine struct {
	cfg     Config
	books   BookReader
	gate    *risk.Gate
	ledger  *ledger.Ledger
	venue   ports.Venue
	journal ports.Journal

	mu      sync.Mutex
	orders  map[string]*domain.Order
	byVenue map[string]string // venue order id → local id
	groups  map[string]*group // reservation id → group
	pending map[string][]pendingEvent
	// orders between createOrders and the end of their submission
	inflight map[string]bool

	marketLocks sync.Map // marketID → *sync.Mutex

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// New crea el engine. Los valores de cfg a cero toman defaults.
func New(cfg Config, books BookReader, gate *risk.Gate, led *ledger.Ledger, venue ports.Venue, journal ports.Journal) *Engine {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = defaultMaxAttempts
	}
	if cfg.BaseBackoff <= 0 {
		cfg.BaseBackoff = defaultBaseBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = defaultMaxBackoff
	}
	if cfg.OrderMaxAge <= 0 {
		cfg.OrderMaxAge = defaultOrderMaxAge
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = defaultSweepInterval
	}
	return &Engine{
		cfg:      cfg,
		books:    books,
		gate:     gate,
		ledger:   led,
		venue:    venue,
		journal:  journal,
		orders:   make(map[string]*domain.Order),
		byVenue:  make(map[string]string),
		groups:   make(map[string]*group),
		pending:  make(map[string][]pendingEvent),
		inflight: make(map[string]bool),
		now:      time.Now,
		sleep:    sleepCtx,
	}
}

// Execute reserves risk capacity for opp, re-validates it against the
// current book and submits one order per leg. It returns the orders created;
// on failure they are already in a terminal state or being cancelled.
func (e *Engine) Execute(ctx context.Context, opp domain.Opportunity) ([]domain.Order, error) {
	legs, err := opp.Legs()
	if err != nil {
		return nil, fmt.Errorf("execution.Execute: %w", err)
	}
	market, ok := e.books.Market(opp.MarketID)
	if !ok {
		return nil, &domain.StaleDataError{MarketID: opp.MarketID, SourceSeq: opp.SourceSeq, Reason: "market not registered"}
	}

	res, err := e.gate.Reserve(opp)
	if err != nil {
		return nil, err
	}
	if err := e.journal.SaveReservation(ctx, res); err != nil {
		slog.Warn("execution: journal reservation failed", "reservation", res.ID, "err", err)
	}

	lock := e.marketLock(opp.MarketID)
	lock.Lock()
	defer lock.Unlock()

	if err := e.checkStaleness(opp); err != nil {
		e.release(ctx, res.ID)
		return nil, err
	}
	if err := e.checkSlippage(opp, legs); err != nil {
		e.release(ctx, res.ID)
		return nil, err
	}

	start := e.now()
	orders := e.createOrders(ctx, opp, market, res, legs)

	for i, o := range e.snapshotOrders(orders) {
		// un disparo a mitad del bundle no debe colocar más patas
		if e.gate.Tripped() {
			err := &domain.RiskRejectedError{Limit: domain.LimitKillSwitch, MarketID: opp.MarketID}
			e.failGroup(ctx, orders, i, 0, err)
			return e.snapshotOrders(orders), fmt.Errorf("execution.Execute: %s %s leg: %w", o.Side, o.Outcome, err)
		}
		req := domain.OrderRequest{
			ClientOrderID: o.ID,
			MarketID:      o.MarketID,
			TokenID:       o.TokenID,
			Side:          o.Side,
			Price:         o.Price,
			Size:          o.Size,
			TickSize:      market.Tick(),
			NegRisk:       market.NegRisk,
		}
		placed, attempts, err := e.submitWithRetry(ctx, req)
		if err != nil {
			e.failGroup(ctx, orders, i, attempts, err)
			e.gate.RecordFailure(err)
			return e.snapshotOrders(orders), fmt.Errorf("execution.Execute: submit %s %s leg: %w", o.Side, o.Outcome, err)
		}
		e.markSubmitted(ctx, o.ID, placed, attempts)
	}

	e.gate.RecordSuccess()
	metrics.SubmitLatency.Observe(e.now().Sub(start).Seconds())
	slog.Info("execution: opportunity submitted",
		"kind", opp.Kind,
		"market", opp.MarketID,
		"edge", fmt.Sprintf("%.4f", opp.Edge),
		"size", fmt.Sprintf("%.2f", opp.Size),
		"orders", len(orders),
	)
	return e.snapshotOrders(orders), nil
}

// checkStaleness abandons opportunities computed from a book that has since
// moved more than the configured tolerance.
func (e *Engine) checkStaleness(opp domain.Opportunity) error {
	snap, ok := e.books.Current(opp.MarketID)
	if !ok {
		return &domain.StaleDataError{MarketID: opp.MarketID, SourceSeq: opp.SourceSeq, Reason: "book unavailable"}
	}
	if snap.Seq < opp.SourceSeq {
		return &domain.StaleDataError{MarketID: opp.MarketID, SourceSeq: opp.SourceSeq, CurrentSeq: snap.Seq, Reason: "book sequence regressed"}
	}
	if snap.Seq-opp.SourceSeq > e.cfg.StalenessTolerance {
		return &domain.StaleDataError{MarketID: opp.MarketID, SourceSeq: opp.SourceSeq, CurrentSeq: snap.Seq, Reason: "book moved beyond tolerance"}
	}
	return nil
}

// checkSlippage abandons a bundle when the executable price of a leg has
// moved against its limit by more than SlippageTolerance. Market-making
// quotes rest passively and are not checked.
func (e *Engine) checkSlippage(opp domain.Opportunity, legs []domain.Leg) error {
	if e.cfg.SlippageTolerance <= 0 || opp.Kind == domain.KindMarketMaking {
		return nil
	}
	snap, ok := e.books.Current(opp.MarketID)
	if !ok {
		return nil
	}
	for _, leg := range legs {
		if leg.Price <= 0 {
			continue
		}
		book := snap.Book(leg.Outcome)
		var slip float64
		if leg.Side == domain.SideBuy {
			ask := book.BestAsk()
			if ask <= 0 {
				continue
			}
			slip = (ask - leg.Price) / leg.Price
		} else {
			bid := book.BestBid()
			if bid <= 0 {
				continue
			}
			slip = (leg.Price - bid) / leg.Price
		}
		if slip > e.cfg.SlippageTolerance {
			metrics.SlippageRejections.Inc()
			return &domain.StaleDataError{
				MarketID:   opp.MarketID,
				SourceSeq:  opp.SourceSeq,
				CurrentSeq: snap.Seq,
				Reason:     fmt.Sprintf("%s %s price slipped %.2f%%", leg.Side, leg.Outcome, slip*100),
			}
		}
	}
	return nil
}

func (e *Engine) createOrders(ctx context.Context, opp domain.Opportunity, market domain.Market, res domain.Reservation, legs []domain.Leg) []string {
	now := e.now()
	g := &group{reservationID: res.ID, marketID: opp.MarketID}

	e.mu.Lock()
	defer e.mu.Unlock()

	ids := make([]string, 0, len(legs))
	for _, leg := range legs {
		o := &domain.Order{
			ID:            uuid.New().String(),
			OpportunityID: opp.ID,
			ReservationID: res.ID,
			Kind:          opp.Kind,
			MarketID:      opp.MarketID,
			TokenID:       market.TokenID(leg.Outcome),
			Outcome:       leg.Outcome,
			Side:          leg.Side,
			Price:         leg.Price,
			Size:          leg.Size,
			Status:        domain.StatusCreated,
			UpdatedAt:     now,
		}
		e.orders[o.ID] = o
		e.inflight[o.ID] = true
		g.orderIDs = append(g.orderIDs, o.ID)
		ids = append(ids, o.ID)
		e.saveOrderLocked(ctx, o)
	}
	e.groups[res.ID] = g
	return ids
}

func (e *Engine) markSubmitted(ctx context.Context, id string, placed domain.PlacedOrder, attempts int) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o := e.orders[id]
	delete(e.inflight, id)
	now := e.now()
	o.VenueOrderID = placed.VenueOrderID
	o.SubmittedAt = now
	o.Retries = attempts - 1
	e.transitionLocked(o, domain.StatusSubmitted, "")
	e.byVenue[placed.VenueOrderID] = id
	e.saveOrderLocked(ctx, o)

	// Eventos que llegaron antes de conocer el venue id.
	queued := e.pending[placed.VenueOrderID]
	delete(e.pending, placed.VenueOrderID)
	for _, p := range queued {
		e.applyEventLocked(ctx, o, p.ev)
	}
}

// failGroup rejects the failed leg and every leg not yet sent, and cancels
// legs already accepted by the venue.
func (e *Engine) failGroup(ctx context.Context, ids []string, failed, attempts int, cause error) {
	var toCancel []string

	e.mu.Lock()
	for i, id := range ids {
		o := e.orders[id]
		delete(e.inflight, id)
		switch {
		case i == failed:
			o.Retries = max(0, attempts-1)
			e.transitionLocked(o, domain.StatusRejected, cause.Error())
			e.saveOrderLocked(ctx, o)
		case i > failed:
			e.transitionLocked(o, domain.StatusRejected, "sibling leg failed")
			e.saveOrderLocked(ctx, o)
		case !o.Status.Terminal() && o.VenueOrderID != "":
			toCancel = append(toCancel, o.VenueOrderID)
		}
	}
	var g *group
	if len(ids) > 0 {
		g = e.groups[e.orders[ids[0]].ReservationID]
	}
	e.checkGroupLocked(ctx, g)
	e.mu.Unlock()

	slog.Warn("execution: submission failed", "err", cause, "cancelling_siblings", len(toCancel))
	for _, vid := range toCancel {
		if err := e.cancelWithRetry(ctx, vid); err != nil {
			slog.Error("execution: sibling cancel failed", "venue_order", vid, "err", err)
		}
	}
}

// Orders returns a copy of every tracked order, newest first.
func (e *Engine) Orders() []domain.Order {
	e.mu.Lock()
	out := make([]domain.Order, 0, len(e.orders))
	for _, o := range e.orders {
		out = append(out, *o)
	}
	e.mu.Unlock()

	sort.Slice(out, func(i, j int) bool {
		if !out[i].UpdatedAt.Equal(out[j].UpdatedAt) {
			return out[i].UpdatedAt.After(out[j].UpdatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out
}

// Order returns one tracked order.
func (e *Engine) Order(id string) (domain.Order, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	o, ok := e.orders[id]
	if !ok {
		return domain.Order{}, false
	}
	return *o, true
}

func (e *Engine) snapshotOrders(ids []string) []domain.Order {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]domain.Order, 0, len(ids))
	for _, id := range ids {
		out = append(out, *e.orders[id])
	}
	return out
}

// Run drives the engine until ctx is cancelled: venue events, the max-age
// sweep, kill switch trips and feed reconnects. On exit every open order is
// cancelled.
func (e *Engine) Run(ctx context.Context, reconnects <-chan struct{}) error {
	ticker := time.NewTicker(e.cfg.SweepInterval)
	defer ticker.Stop()

	events := e.venue.Events()
	for {
		select {
		case <-ctx.Done():
			e.shutdown(ctx)
			return nil

		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if err := e.HandleEvent(ctx, ev); err != nil {
				slog.Warn("execution: event not applied", "type", ev.Type, "venue_order", ev.VenueOrderID, "err", err)
			}

		case <-ticker.C:
			e.Sweep(ctx)

		case reason := <-e.gate.Trips():
			slog.Error("execution: kill switch, cancelling all orders", "reason", reason)
			if err := e.CancelAll(ctx); err != nil {
				slog.Error("execution: cancel all failed", "err", err)
			}
			e.saveRiskState(ctx)

		case <-reconnects:
			slog.Info("execution: feed reconnected, reconciling")
			if err := e.Reconcile(ctx); err != nil {
				slog.Warn("execution: reconcile after reconnect", "err", err)
			}
		}
	}
}

func (e *Engine) shutdown(ctx context.Context) {
	sctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownTimeout)
	defer cancel()

	slog.Info("execution: shutting down, cancelling open orders")
	if err := e.CancelAll(sctx); err != nil {
		slog.Error("execution: cancel all on shutdown", "err", err)
	}
	e.saveRiskState(sctx)
}

func (e *Engine) saveRiskState(ctx context.Context) {
	if err := e.journal.SaveKillSwitch(ctx, e.gate.State()); err != nil {
		slog.Warn("execution: persist risk state failed", "err", err)
	}
}

func (e *Engine) release(ctx context.Context, reservationID string) {
	if err := e.gate.Release(reservationID); err != nil && !errors.Is(err, risk.ErrUnknownReservation) {
		slog.Warn("execution: release failed", "reservation", reservationID, "err", err)
	}
	if err := e.journal.CloseReservation(ctx, reservationID, "released", 0); err != nil {
		slog.Warn("execution: journal release failed", "reservation", reservationID, "err", err)
	}
}

func (e *Engine) marketLock(marketID string) *sync.Mutex {
	v, _ := e.marketLocks.LoadOrStore(marketID, &sync.Mutex{})
	return v.(*sync.Mutex)
}

func (e *Engine) saveOrderLocked(ctx context.Context, o *domain.Order) {
	if err := e.journal.SaveOrder(ctx, *o); err != nil {
		slog.Warn("execution: journal order failed", "order", o.ID, "err", err)
	}
}

// transitionLocked moves o to status `to`. A Submitted order reaching a
// fill or cancel state is acknowledged first. Illegal moves are logged and
// ignored.
func (e *Engine) transitionLocked(o *domain.Order, to domain.OrderStatus, reason string) bool {
	if o.Status == to && to != domain.StatusPartiallyFilled {
		return true
	}
	if o.Status == domain.StatusSubmitted && to != domain.StatusAcknowledged && to != domain.StatusRejected {
		o.Status = domain.StatusAcknowledged
	}
	if !o.Status.CanTransition(to) {
		slog.Warn("execution: illegal order transition", "order", o.ID, "from", o.Status, "to", to)
		return false
	}
	o.Status = to
	o.UpdatedAt = e.now()
	if reason != "" {
		o.LastError = reason
	}
	if to.Terminal() {
		metrics.OrdersTotal.WithLabelValues(string(to)).Inc()
	}
	return true
}
