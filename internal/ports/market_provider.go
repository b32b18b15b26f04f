package ports

import (
	"context"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// MarketProvider obtiene la lista de mercados binarios operables.
type MarketProvider interface {
	// FetchMarkets devuelve los mercados activos con sus dos tokens.
	FetchMarkets(ctx context.Context) ([]domain.Market, error)
}
