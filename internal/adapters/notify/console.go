package notify

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/olekukonko/tablewriter"
)

// MarketLookup resuelve el nombre legible de un mercado.
type MarketLookup interface {
	Market(marketID string) (domain.Market, bool)
}

// Console implementa ports.Notifier.
type Console struct {
	out     io.Writer
	markets MarketLookup // opcional
	table   bool
}

// NewConsole crea un notificador que escribe a stdout.
func NewConsole(markets MarketLookup, table bool) *Console {
	return &Console{out: os.Stdout, markets: markets, table: table}
}

// NewConsoleWriter crea un notificador para tests.
func NewConsoleWriter(w io.Writer, markets MarketLookup, table bool) *Console {
	return &Console{out: w, markets: markets, table: table}
}

// Notify imprime el snapshot en el modo configurado.
func (c *Console) Notify(_ context.Context, snap domain.DashboardSnapshot) error {
	if c.table {
		c.printFull(snap)
	} else {
		c.printCompact(snap)
	}
	return nil
}

// printCompact imprime lo esencial en una línea (más alertas).
func (c *Console) printCompact(snap domain.DashboardSnapshot) {
	now := snap.GeneratedAt.Format("15:04:05")

	var sb strings.Builder
	fmt.Fprintf(&sb, "[%s] opps:%d open:%d pos:%d exp $%.2f | pnl $%.4f (r $%.4f u $%.4f)",
		now, len(snap.Opportunities), len(snap.OpenOrders()), len(snap.Positions),
		snap.Exposure, snap.TotalPnL(), snap.RealizedPnL, snap.UnrealizedPnL)

	shown := 0
	for _, opp := range snap.Opportunities {
		if shown >= 3 {
			break
		}
		fmt.Fprintf(&sb, " | %s %s %.2f%%", kindIcon(opp.Kind), compactName(c.name(opp.MarketID), 25), opp.Edge*100)
		shown++
	}

	if snap.Halted() {
		fmt.Fprintf(&sb, "\n  !! KILL SWITCH: %s", snap.Risk.KillReason)
	}
	fmt.Fprintln(c.out, sb.String())
}

// printFull imprime las tablas completas del dashboard.
func (c *Console) printFull(snap domain.DashboardSnapshot) {
	t := snap.Timing
	fmt.Fprintf(c.out, "\n[%s] v%d  %d active opportunities (detected %d, closed %d, avg %s, max %s)\n",
		snap.GeneratedAt.Format("15:04:05"), snap.Version, len(snap.Opportunities),
		t.Detected, t.Closed, t.AvgDuration.Round(time.Millisecond), t.MaxDuration.Round(time.Millisecond))

	if len(snap.Opportunities) > 0 {
		c.printOpportunities(snap.Opportunities, snap.GeneratedAt)
	}
	if open := snap.OpenOrders(); len(open) > 0 {
		c.printOrders(open, snap.GeneratedAt)
	}
	if len(snap.Positions) > 0 {
		c.printPositions(snap.Positions)
	}
	c.printRisk(snap)
}

func (c *Console) printOpportunities(opps []domain.Opportunity, now time.Time) {
	table := tablewriter.NewWriter(c.out)
	table.Header("#", "Kind", "Market", "Edge", "Size", "Profit", "Prices", "Age")

	for i, opp := range opps {
		table.Append(
			fmt.Sprintf("%d", i+1),
			opp.Kind.String(),
			marketLabel(c.name(opp.MarketID)),
			fmt.Sprintf("%.2f%%", opp.Edge*100),
			fmt.Sprintf("%.1f", opp.Size),
			fmt.Sprintf("$%.2f", opp.ExpectedProfit()),
			pricesLabel(opp),
			now.Sub(opp.DetectedAt).Round(time.Second).String(),
		)
	}
	table.Render()
}

func (c *Console) printOrders(orders []domain.Order, now time.Time) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Order", "Market", "Side", "Outcome", "Price", "Filled", "Status", "Age")

	for _, o := range orders {
		table.Append(
			shortID(o.ID),
			marketLabel(c.name(o.MarketID)),
			string(o.Side),
			string(o.Outcome),
			fmt.Sprintf("%.4f", o.Price),
			fmt.Sprintf("%.1f/%.1f", o.FilledSize, o.Size),
			string(o.Status),
			o.Age(now).Round(time.Second).String(),
		)
	}
	table.Render()
}

func (c *Console) printPositions(positions []domain.Position) {
	table := tablewriter.NewWriter(c.out)
	table.Header("Market", "Outcome", "Qty", "AvgCost", "Mark", "Realized", "Unrealized")

	for _, p := range positions {
		mark := "-"
		if p.Mark > 0 {
			mark = fmt.Sprintf("%.4f", p.Mark)
		}
		table.Append(
			marketLabel(c.name(p.MarketID)),
			string(p.Outcome),
			fmt.Sprintf("%.2f", p.Quantity),
			fmt.Sprintf("%.4f", p.AvgCost),
			mark,
			fmt.Sprintf("$%.4f", p.RealizedPnL),
			fmt.Sprintf("$%.4f", p.Unrealized),
		)
	}
	table.Render()
}

func (c *Console) printRisk(snap domain.DashboardSnapshot) {
	r := snap.Risk
	fmt.Fprintf(c.out, "  Exposure:  $%.2f (reserved $%.2f, committed $%.2f, %d open reservations)\n",
		snap.Exposure, r.GlobalReserved, r.GlobalCommitted, r.OpenReservations)
	fmt.Fprintf(c.out, "  PnL:       $%.4f total | realized $%.4f | unrealized $%.4f | daily $%.4f\n",
		snap.TotalPnL(), snap.RealizedPnL, snap.UnrealizedPnL, r.DailyPnL())

	if len(r.Rejections) > 0 {
		var parts []string
		for _, kind := range rejectionOrder {
			if n := r.Rejections[kind]; n > 0 {
				parts = append(parts, fmt.Sprintf("%s=%d", kind, n))
			}
		}
		fmt.Fprintf(c.out, "  Rejected:  %s\n", strings.Join(parts, " "))
	}

	if snap.Halted() {
		fmt.Fprintf(c.out, "\n  !! KILL SWITCH TRIPPED at %s: %s\n", r.TrippedAt.Format("15:04:05"), r.KillReason)
		fmt.Fprintf(c.out, "  !! New orders blocked. Restart with --reset-kill-switch to resume.\n\n")
		return
	}
	fmt.Fprintln(c.out)
}

// --- helpers ---

var rejectionOrder = []domain.LimitKind{
	domain.LimitKillSwitch,
	domain.LimitBlacklist,
	domain.LimitWhitelist,
	domain.LimitPerMarketCap,
	domain.LimitGlobalCap,
	domain.LimitDailyLoss,
	domain.LimitDrawdown,
	domain.LimitInvalid,
}

func (c *Console) name(marketID string) string {
	if c.markets != nil {
		if m, ok := c.markets.Market(marketID); ok && m.Question != "" {
			return m.Question
		}
	}
	return marketID
}

func kindIcon(k domain.OpportunityKind) string {
	switch k {
	case domain.KindBundleArbBuy:
		return "[B+]"
	case domain.KindBundleArbSell:
		return "[B-]"
	case domain.KindMarketMaking:
		return "[MM]"
	default:
		return "[?]"
	}
}

func pricesLabel(opp domain.Opportunity) string {
	switch {
	case opp.Bundle != nil:
		return fmt.Sprintf("Y=%.4f N=%.4f", opp.Bundle.YesPrice, opp.Bundle.NoPrice)
	case opp.Quote != nil:
		return fmt.Sprintf("%s %.4f/%.4f", opp.Quote.Outcome, opp.Quote.BidPrice, opp.Quote.AskPrice)
	default:
		return "-"
	}
}

func marketLabel(s string) string {
	if strings.HasPrefix(s, "0x") && len(s) > 14 {
		return s[:12] + "..."
	}
	return truncate(s, 38)
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}

func compactName(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	cut := s[:maxLen]
	if idx := strings.LastIndex(cut, " "); idx > maxLen/2 {
		cut = cut[:idx]
	}
	return cut + "…"
}
