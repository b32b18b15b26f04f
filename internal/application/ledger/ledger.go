// Package ledger keeps positions and PnL from confirmed fills.
//
// Writers are serialized by a mutex; readers load an immutable state through
// an atomic pointer, so Snapshot never blocks and never sees a half-applied
// fill. Arithmetic is done in decimal to keep average costs exact.
package ledger

import (
	"errors"
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/shopspring/decimal"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
)

// ErrInvalidFill is returned for zero quantities or prices outside [0, 1].
var ErrInvalidFill = errors.New("invalid fill")

type holding struct {
	token    domain.TokenRef
	qty      decimal.Decimal
	avg      decimal.Decimal
	realized decimal.Decimal
}

type state struct {
	holdings   map[string]holding
	realized   decimal.Decimal
	mids       map[string]float64
	unrealized float64
}

type fillKey struct {
	orderID string
	seq     uint64
}

// Snapshot is a consistent copy of the ledger.
type Snapshot struct {
	Positions  []domain.Position
	Realized   float64
	Unrealized float64
}

// Total returns realized + unrealized.
func (s Snapshot) Total() float64 {
	return s.Realized + s.Unrealized
}

// Entry is a fill to replay on Restore.
type Entry struct {
	OrderID  string
	Seq      uint64
	Token    domain.TokenRef
	Quantity float64 // signed: positive buys, negative sells
	Price    float64
}

// Ledger is the Portfolio Ledger.
type Ledger struct {
	mu      sync.Mutex
	applied map[fillKey]struct{}
	state   atomic.Pointer[state]
}

// New creates an empty ledger.
func New() *Ledger {
	l := &Ledger{applied: make(map[fillKey]struct{})}
	l.state.Store(&state{
		holdings: make(map[string]holding),
		mids:     make(map[string]float64),
	})
	return l
}

// ApplyFill records a fill of qtyDelta shares (negative for sells) at price.
// It is idempotent per (orderID, fillSeq): a repeated pair returns false and
// changes nothing.
func (l *Ledger) ApplyFill(orderID string, fillSeq uint64, token domain.TokenRef, qtyDelta, price float64) (bool, error) {
	if qtyDelta == 0 || price < 0 || price > 1 {
		return false, fmt.Errorf("ledger.ApplyFill: order %s seq %d: qty %v price %v: %w",
			orderID, fillSeq, qtyDelta, price, ErrInvalidFill)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	key := fillKey{orderID: orderID, seq: fillSeq}
	if _, dup := l.applied[key]; dup {
		metrics.DuplicateFills.Inc()
		return false, nil
	}
	l.applied[key] = struct{}{}

	cur := l.state.Load()
	next := cur.clone()

	h, ok := next.holdings[token.Key()]
	if !ok {
		h = holding{token: token}
	}
	if h.token.TokenID == "" {
		h.token.TokenID = token.TokenID
	}
	realized := h.apply(decimal.NewFromFloat(qtyDelta), decimal.NewFromFloat(price))
	next.holdings[token.Key()] = h
	next.realized = next.realized.Add(realized)
	next.unrealized = next.valuation()

	l.state.Store(next)

	side := "buy"
	if qtyDelta < 0 {
		side = "sell"
	}
	metrics.FillsApplied.WithLabelValues(side).Inc()
	return true, nil
}

// apply updates the holding with average-cost accounting and returns the PnL
// realized by the part of the fill that reduced the position.
func (h *holding) apply(delta, price decimal.Decimal) decimal.Decimal {
	q := h.qty
	next := q.Add(delta)

	// Abre o amplía en la misma dirección: nuevo coste medio ponderado.
	if q.IsZero() || q.Sign() == delta.Sign() {
		cost := q.Abs().Mul(h.avg).Add(delta.Abs().Mul(price))
		h.avg = cost.Div(next.Abs())
		h.qty = next
		return decimal.Zero
	}

	// Reduce o invierte: realiza (salida - coste) sobre lo cerrado.
	closed := decimal.Min(delta.Abs(), q.Abs())
	realized := price.Sub(h.avg).Mul(closed)
	if q.Sign() < 0 {
		realized = realized.Neg()
	}
	h.realized = h.realized.Add(realized)
	h.qty = next

	switch {
	case next.IsZero():
		h.avg = decimal.Zero
	case next.Sign() != q.Sign():
		h.avg = price
	}
	return realized
}

// MarkToMarket values open positions at the given mids (keyed by
// domain.TokenRef.Key) and returns total unrealized PnL. Quantities and costs
// are not touched; mids are remembered for later fills.
func (l *Ledger) MarkToMarket(mids map[string]float64) float64 {
	l.mu.Lock()
	defer l.mu.Unlock()

	next := l.state.Load().clone()
	for k, v := range mids {
		if v > 0 {
			next.mids[k] = v
		}
	}
	next.unrealized = next.valuation()
	l.state.Store(next)
	return next.unrealized
}

// CurrentExposure returns Σ |qty| × avg cost for one market.
func (l *Ledger) CurrentExposure(marketID string) float64 {
	var total decimal.Decimal
	for _, h := range l.state.Load().holdings {
		if h.token.MarketID == marketID {
			total = total.Add(h.exposure())
		}
	}
	return total.InexactFloat64()
}

// GlobalExposure returns Σ |qty| × avg cost across markets.
func (l *Ledger) GlobalExposure() float64 {
	var total decimal.Decimal
	for _, h := range l.state.Load().holdings {
		total = total.Add(h.exposure())
	}
	return total.InexactFloat64()
}

// ExposureByMarket returns the committed exposure per market.
func (l *Ledger) ExposureByMarket() map[string]float64 {
	acc := make(map[string]decimal.Decimal)
	for _, h := range l.state.Load().holdings {
		acc[h.token.MarketID] = acc[h.token.MarketID].Add(h.exposure())
	}
	out := make(map[string]float64, len(acc))
	for id, v := range acc {
		if !v.IsZero() {
			out[id] = v.InexactFloat64()
		}
	}
	return out
}

// RealizedPnL returns cumulative realized PnL.
func (l *Ledger) RealizedPnL() float64 {
	return l.state.Load().realized.InexactFloat64()
}

// UnrealizedPnL returns unrealized PnL at the last mark.
func (l *Ledger) UnrealizedPnL() float64 {
	return l.state.Load().unrealized
}

// Snapshot returns positions sorted by market and outcome.
func (l *Ledger) Snapshot() Snapshot {
	st := l.state.Load()
	snap := Snapshot{
		Realized:   st.realized.InexactFloat64(),
		Unrealized: st.unrealized,
		Positions:  make([]domain.Position, 0, len(st.holdings)),
	}
	for k, h := range st.holdings {
		p := domain.Position{
			MarketID:    h.token.MarketID,
			Outcome:     h.token.Outcome,
			TokenID:     h.token.TokenID,
			Quantity:    h.qty.InexactFloat64(),
			AvgCost:     h.avg.InexactFloat64(),
			RealizedPnL: h.realized.InexactFloat64(),
		}
		if mid, ok := st.mids[k]; ok && !h.qty.IsZero() {
			p.Mark = mid
			p.Unrealized = h.unrealized(mid).InexactFloat64()
		}
		snap.Positions = append(snap.Positions, p)
	}
	sort.Slice(snap.Positions, func(i, j int) bool {
		a, b := snap.Positions[i], snap.Positions[j]
		if a.MarketID != b.MarketID {
			return a.MarketID < b.MarketID
		}
		return a.Outcome < b.Outcome
	})
	return snap
}

// Restore replays journaled fills in order. Duplicates are skipped.
func (l *Ledger) Restore(entries []Entry) (int, error) {
	applied := 0
	for _, e := range entries {
		ok, err := l.ApplyFill(e.OrderID, e.Seq, e.Token, e.Quantity, e.Price)
		if err != nil {
			return applied, fmt.Errorf("ledger.Restore: %w", err)
		}
		if ok {
			applied++
		}
	}
	return applied, nil
}

func (h holding) exposure() decimal.Decimal {
	return h.qty.Abs().Mul(h.avg)
}

func (h holding) unrealized(mid float64) decimal.Decimal {
	return decimal.NewFromFloat(mid).Sub(h.avg).Mul(h.qty)
}

func (s *state) clone() *state {
	next := &state{
		holdings:   make(map[string]holding, len(s.holdings)),
		realized:   s.realized,
		mids:       make(map[string]float64, len(s.mids)),
		unrealized: s.unrealized,
	}
	for k, v := range s.holdings {
		next.holdings[k] = v
	}
	for k, v := range s.mids {
		next.mids[k] = v
	}
	return next
}

func (s *state) valuation() float64 {
	var total decimal.Decimal
	for k, h := range s.holdings {
		if h.qty.IsZero() {
			continue
		}
		if mid, ok := s.mids[k]; ok {
			total = total.Add(h.unrealized(mid))
		}
	}
	return total.InexactFloat64()
}
