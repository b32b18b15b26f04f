package detector

import (
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// Throttle aplica un cooldown por mercado y tipo de oportunidad para no
// reenviar la misma acción en cada tick del book.
type Throttle struct {
	mu        sync.Mutex
	cooldowns map[domain.OpportunityKind]time.Duration
	last      map[throttleKey]time.Time
	now       func() time.Time
}

type throttleKey struct {
	market string
	kind   domain.OpportunityKind
}

// NewThrottle crea un throttle con cooldowns separados para arbitraje y market making.
func NewThrottle(arbCooldown, mmCooldown time.Duration) *Throttle {
	return &Throttle{
		cooldowns: map[domain.OpportunityKind]time.Duration{
			domain.KindBundleArbBuy:  arbCooldown,
			domain.KindBundleArbSell: arbCooldown,
			domain.KindMarketMaking:  mmCooldown,
		},
		last: make(map[throttleKey]time.Time),
		now:  time.Now,
	}
}

// Allow devuelve true y arranca el cooldown si la oportunidad puede pasar.
func (t *Throttle) Allow(opp domain.Opportunity) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := throttleKey{market: opp.MarketID, kind: opp.Kind}
	now := t.now()
	if last, ok := t.last[key]; ok && now.Sub(last) < t.cooldowns[opp.Kind] {
		return false
	}
	t.last[key] = now
	return true
}
