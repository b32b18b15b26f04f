// Package bookstore holds the latest order-book snapshot of every market.
// It makes no decisions and never blocks: updates are compare-and-swap on a
// per-market pointer.
package bookstore

import (
	"sort"
	"sync"
	"sync/atomic"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// Store is the Market Book Store.
type Store struct {
	books   sync.Map // marketID → *atomic.Pointer[domain.BookSnapshot]
	markets sync.Map // marketID → domain.Market
}

// New creates an empty store.
func New() *Store {
	return &Store{}
}

// Register records immutable market metadata. Re-registering keeps the first value.
func (s *Store) Register(m domain.Market) {
	s.markets.LoadOrStore(m.ConditionID, m)
}

// Market returns the metadata of a registered market.
func (s *Store) Market(marketID string) (domain.Market, bool) {
	v, ok := s.markets.Load(marketID)
	if !ok {
		return domain.Market{}, false
	}
	return v.(domain.Market), true
}

// Markets returns every registered market sorted by id.
func (s *Store) Markets() []domain.Market {
	var out []domain.Market
	s.markets.Range(func(_, v any) bool {
		out = append(out, v.(domain.Market))
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ConditionID < out[j].ConditionID })
	return out
}

// Update stores snap iff its Seq is strictly greater than the stored one.
// Returns false for stale or duplicate snapshots, which are dropped.
func (s *Store) Update(snap domain.BookSnapshot) bool {
	v, _ := s.books.LoadOrStore(snap.MarketID, new(atomic.Pointer[domain.BookSnapshot]))
	ptr := v.(*atomic.Pointer[domain.BookSnapshot])

	next := snap
	for {
		cur := ptr.Load()
		if cur != nil && snap.Seq <= cur.Seq {
			return false
		}
		if ptr.CompareAndSwap(cur, &next) {
			return true
		}
	}
}

// Current returns the latest snapshot of a market.
func (s *Store) Current(marketID string) (domain.BookSnapshot, bool) {
	v, ok := s.books.Load(marketID)
	if !ok {
		return domain.BookSnapshot{}, false
	}
	cur := v.(*atomic.Pointer[domain.BookSnapshot]).Load()
	if cur == nil {
		return domain.BookSnapshot{}, false
	}
	return *cur, true
}

// Seq returns the stored sequence number of a market, 0 if none.
func (s *Store) Seq(marketID string) uint64 {
	snap, ok := s.Current(marketID)
	if !ok {
		return 0
	}
	return snap.Seq
}

// Mids returns the mid price of every token with a two-sided book,
// keyed by domain.TokenRef.Key().
func (s *Store) Mids() map[string]float64 {
	mids := make(map[string]float64)
	s.books.Range(func(k, v any) bool {
		cur := v.(*atomic.Pointer[domain.BookSnapshot]).Load()
		if cur == nil {
			return true
		}
		marketID := k.(string)
		for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
			if mid := cur.Mid(o); mid > 0 {
				mids[domain.TokenRef{MarketID: marketID, Outcome: o}.Key()] = mid
			}
		}
		return true
	})
	return mids
}
