package detector

import (
	"sort"
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// Tracker mantiene las oportunidades vivas de cada mercado y mide cuánto duran.
// Una oportunidad se considera cerrada cuando una evaluación posterior del
// mismo mercado ya no la emite.
type Tracker struct {
	mu    sync.Mutex
	live  map[string]map[domain.OpportunityKind]trackedOpp
	stats domain.OpportunityStats
	total time.Duration
}

type trackedOpp struct {
	opp       domain.Opportunity
	firstSeen time.Time
}

// NewTracker crea un tracker vacío.
func NewTracker() *Tracker {
	return &Tracker{live: make(map[string]map[domain.OpportunityKind]trackedOpp)}
}

// Observe registra el resultado de evaluar un mercado en now.
func (t *Tracker) Observe(marketID string, opps []domain.Opportunity, now time.Time) {
	t.mu.Lock()
	defer t.mu.Unlock()

	prev := t.live[marketID]
	next := make(map[domain.OpportunityKind]trackedOpp, len(opps))
	for _, opp := range opps {
		tr := trackedOpp{opp: opp, firstSeen: now}
		if old, ok := prev[opp.Kind]; ok {
			tr.firstSeen = old.firstSeen
		} else {
			t.stats.Detected++
			t.stats.LastDetection = now
		}
		next[opp.Kind] = tr
	}

	for kind, old := range prev {
		if _, still := next[kind]; still {
			continue
		}
		dur := now.Sub(old.firstSeen)
		t.stats.Closed++
		t.total += dur
		if dur > t.stats.MaxDuration {
			t.stats.MaxDuration = dur
		}
	}

	if len(next) == 0 {
		delete(t.live, marketID)
	} else {
		t.live[marketID] = next
	}
}

// Active devuelve las oportunidades vivas ordenadas por edge descendente.
func (t *Tracker) Active() []domain.Opportunity {
	t.mu.Lock()
	defer t.mu.Unlock()

	var out []domain.Opportunity
	for _, byKind := range t.live {
		for _, tr := range byKind {
			out = append(out, tr.opp)
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Edge != out[j].Edge {
			return out[i].Edge > out[j].Edge
		}
		return out[i].MarketID < out[j].MarketID
	})
	return out
}

// Stats devuelve las estadísticas de duración acumuladas.
func (t *Tracker) Stats() domain.OpportunityStats {
	t.mu.Lock()
	defer t.mu.Unlock()

	s := t.stats
	s.Active = 0
	for _, byKind := range t.live {
		s.Active += len(byKind)
	}
	if s.Closed > 0 {
		s.AvgDuration = t.total / time.Duration(s.Closed)
	}
	return s
}
