package ports

import (
	"context"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// Notifier recibe cada snapshot del dashboard: consola, Redis, WebSocket.
type Notifier interface {
	// Notify publica un snapshot. En consola imprime tablas formateadas.
	Notify(ctx context.Context, snap domain.DashboardSnapshot) error
}
