package domain

import "time"

// DashboardSnapshot is the read-only view handed to operators.
// It is rebuilt off the decision path and never mutated after publication.
type DashboardSnapshot struct {
	Version       uint64
	GeneratedAt   time.Time
	Opportunities []Opportunity
	Timing        OpportunityStats
	Orders        []Order
	Positions     []Position
	RealizedPnL   float64
	UnrealizedPnL float64
	Exposure      float64
	Risk          RiskSnapshot
}

// TotalPnL returns realized + unrealized PnL.
func (d DashboardSnapshot) TotalPnL() float64 {
	return d.RealizedPnL + d.UnrealizedPnL
}

// OpenOrders returns the orders that are not terminal.
func (d DashboardSnapshot) OpenOrders() []Order {
	var out []Order
	for _, o := range d.Orders {
		if !o.Status.Terminal() {
			out = append(out, o)
		}
	}
	return out
}

// Halted reports whether trading is stopped by the kill switch.
func (d DashboardSnapshot) Halted() bool {
	return d.Risk.KillSwitch
}
