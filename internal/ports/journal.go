package ports

import (
	"context"
	"errors"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// ErrOrderNotFound is returned by venues and journals for unknown orders.
var ErrOrderNotFound = errors.New("order not found")

// Journal persists trading state so a restart can reconcile instead of guessing.
type Journal interface {
	// Orders
	SaveOrder(ctx context.Context, order domain.Order) error
	GetOpenOrders(ctx context.Context) ([]domain.Order, error)
	GetOrders(ctx context.Context, since time.Time) ([]domain.Order, error)

	// Fills
	SaveFill(ctx context.Context, fill domain.Fill, ref domain.TokenRef, side domain.Side) error
	GetFills(ctx context.Context) ([]JournalFill, error)

	// Reservations
	SaveReservation(ctx context.Context, r domain.Reservation) error
	CloseReservation(ctx context.Context, id string, outcome string, committed float64) error
	GetOpenReservations(ctx context.Context) ([]domain.Reservation, error)

	// Kill switch persistence
	SaveKillSwitch(ctx context.Context, s domain.KillSwitchState) error
	LoadKillSwitch(ctx context.Context) (domain.KillSwitchState, error)

	// Opportunity history
	SaveOpportunity(ctx context.Context, opp domain.Opportunity) error
}

// JournalFill is a persisted fill with the token and side needed to replay it.
type JournalFill struct {
	domain.Fill
	Token domain.TokenRef
	Side  domain.Side
}
