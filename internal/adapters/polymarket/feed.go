package polymarket

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

const defaultPollInterval = 2 * time.Second

// assembler junta los books de los dos tokens de cada mercado en un
// BookSnapshot y asigna una secuencia monótona por mercado.
type assembler struct {
	mu      sync.Mutex
	markets []domain.Market
	tokens  map[string]tokenSlot // tokenID → mercado y outcome
	books   map[string]*pair     // marketID → último book de cada lado
}

type tokenSlot struct {
	marketID string
	outcome  domain.Outcome
}

type pair struct {
	yes, no       domain.OrderBook
	hasYes, hasNo bool
	seq           uint64
}

func newAssembler(markets []domain.Market) *assembler {
	a := &assembler{
		markets: markets,
		tokens:  make(map[string]tokenSlot, 2*len(markets)),
		books:   make(map[string]*pair, len(markets)),
	}
	for _, m := range markets {
		a.tokens[m.YesToken().TokenID] = tokenSlot{marketID: m.ConditionID, outcome: domain.OutcomeYes}
		a.tokens[m.NoToken().TokenID] = tokenSlot{marketID: m.ConditionID, outcome: domain.OutcomeNo}
		a.books[m.ConditionID] = &pair{}
	}
	return a
}

func (a *assembler) tokenIDs() []string {
	ids := make([]string, 0, len(a.tokens))
	for id := range a.tokens {
		ids = append(ids, id)
	}
	return ids
}

// apply registra el book de un token. Devuelve un snapshot cuando el mercado
// ya tiene los dos lados.
func (a *assembler) apply(book domain.OrderBook, at time.Time) (domain.BookSnapshot, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()

	slot, ok := a.tokens[book.TokenID]
	if !ok {
		return domain.BookSnapshot{}, false
	}
	p := a.books[slot.marketID]
	if slot.outcome == domain.OutcomeYes {
		p.yes, p.hasYes = book, true
	} else {
		p.no, p.hasNo = book, true
	}
	if !p.hasYes || !p.hasNo {
		return domain.BookSnapshot{}, false
	}
	return p.next(slot.marketID, at), true
}

// applyPair registra los dos lados de un mercado a la vez.
func (a *assembler) applyPair(marketID string, yes, no domain.OrderBook, at time.Time) domain.BookSnapshot {
	a.mu.Lock()
	defer a.mu.Unlock()

	p := a.books[marketID]
	p.yes, p.hasYes = yes, true
	p.no, p.hasNo = no, true
	return p.next(marketID, at)
}

func (p *pair) next(marketID string, at time.Time) domain.BookSnapshot {
	p.seq++
	return domain.BookSnapshot{
		MarketID:   marketID,
		Yes:        p.yes,
		No:         p.no,
		Seq:        p.seq,
		CapturedAt: at,
	}
}

// BookPoller implementa ports.BookFeed consultando POST /books periódicamente.
type BookPoller struct {
	client   *Client
	interval time.Duration
}

// NewBookPoller crea un poller. interval <= 0 usa el default de 2s.
func NewBookPoller(client *Client, interval time.Duration) *BookPoller {
	if interval <= 0 {
		interval = defaultPollInterval
	}
	return &BookPoller{client: client, interval: interval}
}

// Run emite un snapshot por mercado en cada ciclo hasta que ctx se cancela.
// Un ciclo fallido se loguea y se reintenta en el siguiente tick.
func (p *BookPoller) Run(ctx context.Context, markets []domain.Market, out chan<- domain.BookSnapshot) error {
	asm := newAssembler(markets)
	tokenIDs := asm.tokenIDs()

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()

	for {
		if err := p.poll(ctx, asm, tokenIDs, out); err != nil {
			if ctx.Err() != nil {
				return nil
			}
			slog.Warn("polymarket: book poll failed", "err", err)
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}
	}
}

func (p *BookPoller) poll(ctx context.Context, asm *assembler, tokenIDs []string, out chan<- domain.BookSnapshot) error {
	books, err := p.client.FetchOrderBooks(ctx, tokenIDs)
	if err != nil {
		return fmt.Errorf("poller.poll: %w", err)
	}
	now := time.Now()
	for _, m := range asm.markets {
		yes, okYes := books[m.YesToken().TokenID]
		no, okNo := books[m.NoToken().TokenID]
		if !okYes || !okNo {
			continue
		}
		snap := asm.applyPair(m.ConditionID, yes, no, now)
		select {
		case out <- snap:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	return nil
}
