package ports

import (
	"context"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// BookFeed produce snapshots de orderbook por mercado.
// El stream puede perder estados intermedios pero siempre acaba entregando el
// último, con Seq creciente por mercado.
type BookFeed interface {
	// Run bloquea hasta que ctx se cancela o el feed falla sin remedio.
	Run(ctx context.Context, markets []domain.Market, out chan<- domain.BookSnapshot) error
}

// ReconnectNotifier es implementado por feeds que pueden reconectarse.
// Cada valor recibido indica una reconexión tras la cual hay que reconciliar.
type ReconnectNotifier interface {
	Reconnects() <-chan struct{}
}
