// Package dashboard builds the read-only operator view.
//
// Snapshots are assembled off the decision path from copies each component
// hands out, then swapped in atomically. Readers never block the core.
package dashboard

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/alejandrodnm/polyarb/internal/application/ledger"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

// OpportunitySource exposes live opportunities and their timing.
type OpportunitySource interface {
	Active() []domain.Opportunity
	Stats() domain.OpportunityStats
}

// OrderSource exposes tracked orders.
type OrderSource interface {
	Orders() []domain.Order
}

// PortfolioSource exposes the ledger snapshot.
type PortfolioSource interface {
	Snapshot() ledger.Snapshot
}

// RiskSource exposes the risk gate snapshot.
type RiskSource interface {
	Snapshot() domain.RiskSnapshot
}

// Sources groups what the view reads from.
type Sources struct {
	Opportunities OpportunitySource
	Orders        OrderSource
	Portfolio     PortfolioSource
	Risk          RiskSource
}

// View holds the latest dashboard snapshot.
type View struct {
	src     Sources
	current atomic.Pointer[domain.DashboardSnapshot]
	version atomic.Uint64
	now     func() time.Time
}

// New creates a view over the given sources.
func New(src Sources) *View {
	return &View{src: src, now: time.Now}
}

// Refresh rebuilds the snapshot and publishes it.
func (v *View) Refresh() domain.DashboardSnapshot {
	port := v.src.Portfolio.Snapshot()
	risk := v.src.Risk.Snapshot()

	snap := domain.DashboardSnapshot{
		Version:       v.version.Add(1),
		GeneratedAt:   v.now(),
		Opportunities: v.src.Opportunities.Active(),
		Timing:        v.src.Opportunities.Stats(),
		Orders:        v.src.Orders.Orders(),
		Positions:     port.Positions,
		RealizedPnL:   port.Realized,
		UnrealizedPnL: port.Unrealized,
		Exposure:      risk.GlobalReserved + risk.GlobalCommitted,
		Risk:          risk,
	}
	v.current.Store(&snap)

	metrics.RealizedPnL.Set(snap.RealizedPnL)
	metrics.UnrealizedPnL.Set(snap.UnrealizedPnL)
	metrics.Exposure.Set(snap.Exposure)
	metrics.SetKillSwitch(snap.Halted())
	return snap
}

// Current returns the last published snapshot, or false before the first Refresh.
func (v *View) Current() (domain.DashboardSnapshot, bool) {
	p := v.current.Load()
	if p == nil {
		return domain.DashboardSnapshot{}, false
	}
	return *p, true
}

// Run refreshes every interval and hands each snapshot to the notifiers.
// A failing notifier is logged and never stops the loop.
func (v *View) Run(ctx context.Context, interval time.Duration, notifiers ...ports.Notifier) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			snap := v.Refresh()
			for _, n := range notifiers {
				if err := n.Notify(ctx, snap); err != nil {
					slog.Warn("dashboard: notify failed", "err", err)
				}
			}
		}
	}
}
