package execution

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// HandleEvent applies an asynchronous venue notification. Events for venue
// ids not yet known are held briefly: a fast venue may report before Submit
// returns.
func (e *Engine) HandleEvent(ctx context.Context, ev domain.OrderEvent) error {
	if ev.VenueOrderID == "" {
		return fmt.Errorf("execution.HandleEvent: %s event without venue order id", ev.Type)
	}

	e.mu.Lock()
	id, ok := e.byVenue[ev.VenueOrderID]
	if !ok {
		e.pending[ev.VenueOrderID] = append(e.pending[ev.VenueOrderID], pendingEvent{ev: ev, received: e.now()})
		e.mu.Unlock()
		slog.Debug("execution: event for unknown order held", "venue_order", ev.VenueOrderID, "type", ev.Type)
		return nil
	}
	fillApplied := e.applyEventLocked(ctx, e.orders[id], ev)
	e.mu.Unlock()

	if fillApplied {
		e.gate.UpdatePnL(e.ledger.RealizedPnL(), e.ledger.UnrealizedPnL())
	}
	return nil
}

// applyEventLocked returns true when a new fill reached the ledger.
func (e *Engine) applyEventLocked(ctx context.Context, o *domain.Order, ev domain.OrderEvent) bool {
	var filled bool
	switch ev.Type {
	case domain.EventAck:
		if o.Status == domain.StatusSubmitted {
			e.transitionLocked(o, domain.StatusAcknowledged, "")
		}
	case domain.EventFill:
		filled = e.applyFillLocked(ctx, o, ev)
	case domain.EventCanceled:
		if !o.Status.Terminal() {
			e.transitionLocked(o, domain.StatusCanceled, ev.Reason)
		}
	case domain.EventRejected:
		switch {
		case o.Status.CanTransition(domain.StatusRejected):
			e.transitionLocked(o, domain.StatusRejected, ev.Reason)
		case !o.Status.Terminal():
			// ya aceptada: para nosotros ya no está en el book
			e.transitionLocked(o, domain.StatusCanceled, ev.Reason)
		}
	default:
		slog.Warn("execution: unknown event type", "type", ev.Type, "venue_order", ev.VenueOrderID)
		return false
	}

	e.saveOrderLocked(ctx, o)
	e.checkGroupLocked(ctx, e.groups[o.ReservationID])
	return filled
}

// applyFillLocked records one fill. An event carrying the venue's cumulative
// filled size adds only what the order has not counted yet; the local fill
// sequence then just numbers the journal rows. Events without it are
// idempotent by per-order fill sequence. A fill on a Submitted order implies
// its acknowledgement.
func (e *Engine) applyFillLocked(ctx context.Context, o *domain.Order, ev domain.OrderEvent) bool {
	size, seq := ev.Size, ev.FillSeq
	if ev.CumFilled > 0 {
		size = ev.CumFilled - o.FilledSize
		if size <= sizeEpsilon {
			slog.Debug("execution: fill already counted", "order", o.ID, "cum", ev.CumFilled, "filled", o.FilledSize)
			return false
		}
		seq = o.LastFillSeq + 1
	} else if seq <= o.LastFillSeq {
		slog.Debug("execution: duplicate fill ignored", "order", o.ID, "seq", seq, "last", o.LastFillSeq)
		return false
	}
	if rem := o.Size - o.FilledSize; size > rem {
		size = rem
	}
	if size <= sizeEpsilon {
		o.LastFillSeq = seq
		slog.Debug("execution: fill beyond order size ignored", "order", o.ID, "seq", seq)
		return false
	}
	price := ev.Price
	if price <= 0 {
		price = o.Price
	}

	token := domain.TokenRef{MarketID: o.MarketID, Outcome: o.Outcome, TokenID: o.TokenID}
	before := e.ledger.CurrentExposure(o.MarketID)
	applied, err := e.ledger.ApplyFill(o.ID, seq, token, size*o.Side.Sign(), price)
	if err != nil {
		o.LastError = err.Error()
		slog.Error("execution: ledger rejected fill", "order", o.ID, "seq", seq, "err", err)
		return false
	}
	o.LastFillSeq = seq
	if !applied {
		return false
	}
	delta := e.ledger.CurrentExposure(o.MarketID) - before

	total := o.FilledSize + size
	o.AvgFillPrice = (o.AvgFillPrice*o.FilledSize + price*size) / total
	o.FilledSize = total

	if o.FilledSize+sizeEpsilon >= o.Size {
		if o.Status.Terminal() {
			o.UpdatedAt = e.now()
		} else {
			e.transitionLocked(o, domain.StatusFilled, "")
		}
	} else if !o.Status.Terminal() {
		e.transitionLocked(o, domain.StatusPartiallyFilled, "")
	}

	g := e.groups[o.ReservationID]
	switch {
	case g == nil || g.closed:
		// la reserva ya se cerró: el fill tardío ajusta lo comprometido
		e.gate.Adjust(o.MarketID, delta)
	default:
		g.exposure += delta
		g.filled = true
	}

	ts := ev.Timestamp
	if ts.IsZero() {
		ts = e.now()
	}
	fill := domain.Fill{OrderID: o.ID, Seq: seq, Price: price, Size: size, Timestamp: ts}
	if err := e.journal.SaveFill(ctx, fill, token, o.Side); err != nil {
		slog.Warn("execution: journal fill failed", "order", o.ID, "seq", seq, "err", err)
	}

	slog.Info("execution: fill",
		"order", o.ID,
		"market", o.MarketID,
		"outcome", o.Outcome,
		"side", o.Side,
		"size", fmt.Sprintf("%.2f", size),
		"price", fmt.Sprintf("%.4f", price),
		"status", o.Status,
	)
	return true
}

// checkGroupLocked settles the reservation once every order of the group is
// terminal: commit the exposure fills produced, or release it all.
func (e *Engine) checkGroupLocked(ctx context.Context, g *group) {
	if g == nil || g.closed {
		return
	}
	for _, id := range g.orderIDs {
		if o, ok := e.orders[id]; ok && !o.Status.Terminal() {
			return
		}
	}
	g.closed = true

	if !g.filled {
		e.release(ctx, g.reservationID)
		slog.Debug("execution: reservation released", "reservation", g.reservationID)
		return
	}
	if err := e.gate.Commit(g.reservationID, g.exposure); err != nil {
		slog.Warn("execution: commit failed", "reservation", g.reservationID, "err", err)
	}
	if err := e.journal.CloseReservation(ctx, g.reservationID, "committed", g.exposure); err != nil {
		slog.Warn("execution: journal commit failed", "reservation", g.reservationID, "err", err)
	}
	slog.Info("execution: reservation committed",
		"reservation", g.reservationID,
		"market", g.marketID,
		"exposure", fmt.Sprintf("%.2f", g.exposure),
	)
}
