package execution

import (
	"context"
	"log/slog"

	"github.com/alejandrodnm/polyarb/internal/metrics"
)

type staleOrder struct {
	id      string
	venueID string
}

// Sweep cancels orders resting longer than OrderMaxAge and then applies
// their true venue state. It also marks positions to market, refreshes the
// risk gate's PnL and drops settled orders from memory.
func (e *Engine) Sweep(ctx context.Context) {
	now := e.now()
	var stale []staleOrder

	e.mu.Lock()
	for _, o := range e.orders {
		if o.Status.Terminal() || o.VenueOrderID == "" {
			continue
		}
		if o.Age(now) > e.cfg.OrderMaxAge {
			stale = append(stale, staleOrder{id: o.ID, venueID: o.VenueOrderID})
		}
	}
	e.pruneLocked()
	e.mu.Unlock()

	for _, s := range stale {
		slog.Info("execution: order exceeded max age, cancelling", "order", s.id, "venue_order", s.venueID)
		if err := e.cancelWithRetry(ctx, s.venueID); err != nil {
			slog.Warn("execution: max-age cancel failed", "order", s.id, "err", err)
			continue
		}
		if err := e.refresh(ctx, s.id, s.venueID); err != nil {
			slog.Warn("execution: refresh after cancel failed", "order", s.id, "err", err)
		}
	}

	unrealized := e.ledger.MarkToMarket(e.books.Mids())
	e.gate.UpdatePnL(e.ledger.RealizedPnL(), unrealized)
	e.saveRiskState(ctx)
}

// pruneLocked drops terminal orders of settled groups after orderRetention
// and forgets held events nobody claimed.
func (e *Engine) pruneLocked() {
	now := e.now()
	open := 0
	for id, o := range e.orders {
		if !o.Status.Terminal() {
			open++
			continue
		}
		if now.Sub(o.UpdatedAt) < orderRetention {
			continue
		}
		if g := e.groups[o.ReservationID]; g != nil && !g.closed {
			continue
		}
		delete(e.orders, id)
		if o.VenueOrderID != "" {
			delete(e.byVenue, o.VenueOrderID)
		}
	}
	for rid, g := range e.groups {
		if !g.closed {
			continue
		}
		alive := false
		for _, id := range g.orderIDs {
			if _, ok := e.orders[id]; ok {
				alive = true
				break
			}
		}
		if !alive {
			delete(e.groups, rid)
		}
	}
	for vid, evs := range e.pending {
		if len(evs) == 0 || now.Sub(evs[len(evs)-1].received) > pendingEventTTL {
			delete(e.pending, vid)
		}
	}
	metrics.OpenOrders.Set(float64(open))
}
