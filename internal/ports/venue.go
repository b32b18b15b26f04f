package ports

import (
	"context"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// Venue places, cancels, and queries orders on the exchange.
// Errors are classified as *domain.TransientExecutionError or
// *domain.PermanentExecutionError so the engine knows whether to retry.
type Venue interface {
	// Submit places a limit order and returns the venue's order id.
	Submit(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error)

	// Cancel requests cancellation of one order. Cancelling an order that is
	// already gone is not an error.
	Cancel(ctx context.Context, venueOrderID string) error

	// CancelAll cancels every open order of this account.
	CancelAll(ctx context.Context) error

	// QueryOrder returns the venue's true state of an order.
	// Unknown orders return ErrOrderNotFound.
	QueryOrder(ctx context.Context, venueOrderID string) (domain.VenueOrder, error)

	// OpenOrders lists the account's resting orders.
	OpenOrders(ctx context.Context) ([]domain.VenueOrder, error)

	// Events streams asynchronous ack/fill/cancel/reject notifications.
	Events() <-chan domain.OrderEvent
}
