package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/alejandrodnm/polyarb/internal/application/ledger"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

// CancelAll cancels every open order on the venue and then reconciles local
// state with what the venue reports. Safe to call repeatedly.
func (e *Engine) CancelAll(ctx context.Context) error {
	var errs []error
	if _, err := e.retry(ctx, "cancel all", func() error { return e.venue.CancelAll(ctx) }); err != nil {
		errs = append(errs, err)
	}
	if err := e.Reconcile(ctx); err != nil {
		errs = append(errs, err)
	}
	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("execution.CancelAll: %w", err)
	}
	return nil
}

type openRef struct {
	id      string
	venueID string
}

// Reconcile queries the venue for every non-terminal order and applies its
// true state. Fills the engine missed are synthesized from the venue's
// cumulative filled size. Orders the venue does not know are rejected or cancelled.
func (e *Engine) Reconcile(ctx context.Context) error {
	e.mu.Lock()
	var refs []openRef
	for _, o := range e.orders {
		if !o.Status.Terminal() && !e.inflight[o.ID] {
			refs = append(refs, openRef{id: o.ID, venueID: o.VenueOrderID})
		}
	}
	e.mu.Unlock()

	var (
		errs        []error
		venueOpen   []domain.VenueOrder
		openFetched bool
		openErr     error
	)
	for _, ref := range refs {
		if ref.venueID == "" {
			if !openFetched {
				venueOpen, openErr = e.venue.OpenOrders(ctx)
				openFetched = true
				if openErr != nil {
					errs = append(errs, fmt.Errorf("open orders: %w", openErr))
				}
			}
			if openErr == nil {
				e.adoptOrReject(ctx, ref.id, venueOpen)
			}
			continue
		}
		if err := e.refresh(ctx, ref.id, ref.venueID); err != nil {
			errs = append(errs, err)
		}
	}

	e.gate.UpdatePnL(e.ledger.RealizedPnL(), e.ledger.UnrealizedPnL())

	if err := errors.Join(errs...); err != nil {
		return fmt.Errorf("execution.Reconcile: %w", err)
	}
	return nil
}

// refresh queries one order and applies the venue's view.
func (e *Engine) refresh(ctx context.Context, id, venueID string) error {
	var vo domain.VenueOrder
	_, err := e.retry(ctx, "query", func() error {
		var err error
		vo, err = e.venue.QueryOrder(ctx, venueID)
		return err
	})

	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok {
		return nil
	}
	switch {
	case errors.Is(err, ports.ErrOrderNotFound):
		e.markMissingLocked(ctx, o)
		return nil
	case err != nil:
		return fmt.Errorf("query %s: %w", venueID, err)
	}
	e.applyVenueStateLocked(ctx, o, vo)
	return nil
}

// markMissingLocked handles an order the venue has no record of.
func (e *Engine) markMissingLocked(ctx context.Context, o *domain.Order) {
	switch {
	case o.Status.CanTransition(domain.StatusRejected):
		e.transitionLocked(o, domain.StatusRejected, "unknown to venue")
	case !o.Status.Terminal():
		e.transitionLocked(o, domain.StatusCanceled, "no longer on venue")
	default:
		return
	}
	slog.Warn("execution: order missing on venue", "order", o.ID, "venue_order", o.VenueOrderID, "status", o.Status)
	e.saveOrderLocked(ctx, o)
	e.checkGroupLocked(ctx, e.groups[o.ReservationID])
}

// applyVenueStateLocked brings o in line with the venue's record.
func (e *Engine) applyVenueStateLocked(ctx context.Context, o *domain.Order, vo domain.VenueOrder) {
	if missing := vo.FilledSize - o.FilledSize; missing > sizeEpsilon {
		price := vo.Price
		if price <= 0 {
			price = o.Price
		}
		slog.Info("execution: synthesizing missed fill",
			"order", o.ID,
			"size", fmt.Sprintf("%.2f", missing),
			"cum", fmt.Sprintf("%.2f", vo.FilledSize),
		)
		e.applyFillLocked(ctx, o, domain.OrderEvent{
			Type:         domain.EventFill,
			VenueOrderID: vo.VenueOrderID,
			CumFilled:    vo.FilledSize,
			Price:        price,
			Timestamp:    e.now(),
		})
	}

	if !o.Status.Terminal() {
		switch vo.Status {
		case domain.StatusCanceled:
			e.transitionLocked(o, domain.StatusCanceled, "canceled on venue")
		case domain.StatusFilled:
			e.transitionLocked(o, domain.StatusFilled, "")
		case domain.StatusRejected:
			e.markMissingLocked(ctx, o)
			return
		case domain.StatusAcknowledged, domain.StatusPartiallyFilled:
			if o.Status == domain.StatusSubmitted {
				e.transitionLocked(o, domain.StatusAcknowledged, "")
			}
		}
	}
	e.saveOrderLocked(ctx, o)
	e.checkGroupLocked(ctx, e.groups[o.ReservationID])
}

// adoptOrReject resolves a Created order that never got a venue id: if a
// matching open order exists on the venue the submission did go through,
// otherwise it never left.
func (e *Engine) adoptOrReject(ctx context.Context, id string, venueOpen []domain.VenueOrder) {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, ok := e.orders[id]
	if !ok || o.Status.Terminal() || o.VenueOrderID != "" {
		return
	}
	for _, vo := range venueOpen {
		if _, taken := e.byVenue[vo.VenueOrderID]; taken {
			continue
		}
		if vo.TokenID != o.TokenID || vo.Side != o.Side ||
			math.Abs(vo.Price-o.Price) > 1e-9 || math.Abs(vo.Size-o.Size) > sizeEpsilon {
			continue
		}
		o.VenueOrderID = vo.VenueOrderID
		o.SubmittedAt = vo.CreatedAt
		if o.SubmittedAt.IsZero() {
			o.SubmittedAt = e.now()
		}
		e.transitionLocked(o, domain.StatusSubmitted, "")
		e.byVenue[vo.VenueOrderID] = o.ID
		slog.Info("execution: adopted venue order", "order", o.ID, "venue_order", vo.VenueOrderID)
		e.applyVenueStateLocked(ctx, o, vo)
		return
	}
	e.transitionLocked(o, domain.StatusRejected, "never reached venue")
	e.saveOrderLocked(ctx, o)
	e.checkGroupLocked(ctx, e.groups[o.ReservationID])
}

// Recover rebuilds state after a restart: risk state, positions from the
// journaled fills, in-flight orders and their reservations. It then
// reconciles with the venue so every reservation is committed or released.
// A persisted kill switch trip cancels every recovered order.
func (e *Engine) Recover(ctx context.Context) error {
	ks, err := e.journal.LoadKillSwitch(ctx)
	if err != nil {
		return fmt.Errorf("execution.Recover: load risk state: %w", err)
	}
	e.gate.RestoreState(ks)

	fills, err := e.journal.GetFills(ctx)
	if err != nil {
		return fmt.Errorf("execution.Recover: load fills: %w", err)
	}
	entries := make([]ledger.Entry, 0, len(fills))
	byOrder := make(map[string][]ports.JournalFill)
	for _, f := range fills {
		byOrder[f.OrderID] = append(byOrder[f.OrderID], f)
		entries = append(entries, ledger.Entry{
			OrderID:  f.OrderID,
			Seq:      f.Seq,
			Token:    f.Token,
			Quantity: f.Size * f.Side.Sign(),
			Price:    f.Price,
		})
	}
	if _, err := e.ledger.Restore(entries); err != nil {
		return fmt.Errorf("execution.Recover: %w", err)
	}
	e.gate.SyncExposure(e.ledger.ExposureByMarket())

	reservations, err := e.journal.GetOpenReservations(ctx)
	if err != nil {
		return fmt.Errorf("execution.Recover: load reservations: %w", err)
	}
	orders, err := e.recoverOrders(ctx, reservations)
	if err != nil {
		return fmt.Errorf("execution.Recover: %w", err)
	}

	e.mu.Lock()
	for _, o := range orders {
		cp := o
		if e.catchUpFillsLocked(&cp, byOrder[o.ID]) {
			e.saveOrderLocked(ctx, &cp)
		}
		e.orders[o.ID] = &cp
		if o.VenueOrderID != "" {
			e.byVenue[o.VenueOrderID] = o.ID
		}
	}
	for _, r := range reservations {
		e.gate.Restore(r)
		g := &group{reservationID: r.ID, marketID: r.MarketID}
		for _, o := range orders {
			if o.ReservationID != r.ID {
				continue
			}
			g.orderIDs = append(g.orderIDs, o.ID)
			// su exposición ya está en el ledger y en SyncExposure
			if e.orders[o.ID].FilledSize > 0 {
				g.filled = true
			}
		}
		e.groups[r.ID] = g
	}
	for _, g := range e.groups {
		e.checkGroupLocked(ctx, g)
	}
	e.mu.Unlock()

	slog.Info("execution: recovered state",
		"fills", len(fills),
		"orders", len(orders),
		"reservations", len(reservations),
		"kill_switch", ks.Tripped,
	)
	err = e.Reconcile(ctx)
	if e.gate.Tripped() {
		slog.Error("execution: kill switch tripped before restart, cancelling all orders", "reason", ks.Reason)
		if cerr := e.CancelAll(ctx); cerr != nil {
			err = errors.Join(err, cerr)
		}
		e.saveRiskState(ctx)
	}
	return err
}

// catchUpFillsLocked brings a recovered order up to its journaled fills. A
// crash between journaling a fill and saving the order row leaves the row
// behind the ledger. Reports whether o changed.
func (e *Engine) catchUpFillsLocked(o *domain.Order, fills []ports.JournalFill) bool {
	var (
		size, notional float64
		lastSeq        uint64
	)
	for _, f := range fills {
		size += f.Size
		notional += f.Size * f.Price
		if f.Seq > lastSeq {
			lastSeq = f.Seq
		}
	}
	if size <= o.FilledSize+sizeEpsilon && lastSeq <= o.LastFillSeq {
		return false
	}

	slog.Warn("execution: order row behind journaled fills",
		"order", o.ID,
		"row_filled", fmt.Sprintf("%.2f", o.FilledSize),
		"journal_filled", fmt.Sprintf("%.2f", size),
	)
	if size > o.FilledSize+sizeEpsilon {
		o.FilledSize = size
		o.AvgFillPrice = notional / size
	}
	if lastSeq > o.LastFillSeq {
		o.LastFillSeq = lastSeq
	}
	if !o.Status.Terminal() {
		if o.FilledSize+sizeEpsilon >= o.Size {
			e.transitionLocked(o, domain.StatusFilled, "")
		} else {
			e.transitionLocked(o, domain.StatusPartiallyFilled, "")
		}
	}
	return true
}

// recoverOrders loads non-terminal orders plus the terminal siblings of any
// reservation still open, so a group can be settled with all its legs.
func (e *Engine) recoverOrders(ctx context.Context, reservations []domain.Reservation) ([]domain.Order, error) {
	open, err := e.journal.GetOpenOrders(ctx)
	if err != nil {
		return nil, fmt.Errorf("load open orders: %w", err)
	}
	if len(reservations) == 0 {
		return open, nil
	}

	since := reservations[0].CreatedAt
	wanted := make(map[string]bool, len(reservations))
	for _, r := range reservations {
		wanted[r.ID] = true
		if r.CreatedAt.Before(since) {
			since = r.CreatedAt
		}
	}
	recent, err := e.journal.GetOrders(ctx, since.Add(-time.Minute))
	if err != nil {
		return nil, fmt.Errorf("load recent orders: %w", err)
	}

	seen := make(map[string]bool, len(open))
	out := make([]domain.Order, 0, len(open)+len(recent))
	for _, o := range open {
		seen[o.ID] = true
		out = append(out, o)
	}
	for _, o := range recent {
		if seen[o.ID] || !wanted[o.ReservationID] {
			continue
		}
		seen[o.ID] = true
		out = append(out, o)
	}
	return out, nil
}
