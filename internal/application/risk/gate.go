// Package risk owns the exposure limits and the kill switch.
//
// Every opportunity must reserve capacity here before an order is created.
// A reservation is later committed with the exposure actually filled or
// released in full. The gate is the single writer of its state; all methods
// are safe for concurrent use.
package risk

import (
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/metrics"
)

// ErrUnknownReservation is returned when committing or releasing a token
// the gate does not hold.
var ErrUnknownReservation = errors.New("unknown reservation")

// Config holds the risk limits. Zero disables a limit unless noted.
type Config struct {
	MaxPerMarket           float64 // USDC reserved+committed per market
	MaxGlobal              float64 // USDC reserved+committed across markets
	MaxDailyLoss           float64 // USDC, positive number
	MaxDrawdownPct         float64 // fraction of peak equity, needs Capital
	Capital                float64
	MaxConsecutiveFailures int
	Blacklist              []string
	Whitelist              []string
}

type exposure struct {
	reserved  float64
	committed float64
}

// Gate is the Risk Gate.
type Gate struct {
	cfg       Config
	blacklist map[string]bool
	whitelist map[string]bool

	mu           sync.Mutex
	markets      map[string]*exposure
	reservations map[string]domain.Reservation
	global       exposure

	killed    bool
	reason    string
	trippedAt time.Time
	failures  int

	dayStart        time.Time
	dayBaseline     float64 // cumulative realized PnL at dayStart
	lastRealized    float64
	seenPnL         bool
	dailyRealized   float64
	dailyUnrealized float64
	peakEquity      float64
	equity          float64

	rejections map[domain.LimitKind]int
	trips      chan string
	now        func() time.Time
}

// NewGate crea el gate con los límites dados.
func NewGate(cfg Config) *Gate {
	g := &Gate{
		cfg:          cfg,
		blacklist:    toSet(cfg.Blacklist),
		whitelist:    toSet(cfg.Whitelist),
		markets:      make(map[string]*exposure),
		reservations: make(map[string]domain.Reservation),
		rejections:   make(map[domain.LimitKind]int),
		trips:        make(chan string, 1),
		now:          time.Now,
	}
	g.equity = cfg.Capital
	g.peakEquity = cfg.Capital
	g.dayStart = dayOf(g.now())
	return g
}

// Reserve checks every limit in order and, if all pass, holds the
// opportunity's notional until Commit or Release.
func (g *Gate) Reserve(opp domain.Opportunity) (domain.Reservation, error) {
	amount := opp.Notional()

	g.mu.Lock()
	defer g.mu.Unlock()

	if err := g.check(opp.MarketID, amount); err != nil {
		g.rejections[err.Limit]++
		metrics.RiskRejections.WithLabelValues(string(err.Limit)).Inc()
		return domain.Reservation{}, err
	}

	res := domain.Reservation{
		ID:            uuid.New().String(),
		MarketID:      opp.MarketID,
		OpportunityID: opp.ID,
		Amount:        amount,
		CreatedAt:     g.now(),
	}
	g.install(res)
	return res, nil
}

func (g *Gate) check(marketID string, amount float64) *domain.RiskRejectedError {
	reject := func(limit domain.LimitKind, current, cap float64) *domain.RiskRejectedError {
		return &domain.RiskRejectedError{
			Limit: limit, MarketID: marketID, Requested: amount, Current: current, Cap: cap,
		}
	}

	if g.killed {
		return reject(domain.LimitKillSwitch, 0, 0)
	}
	if amount <= 0 {
		return reject(domain.LimitInvalid, 0, 0)
	}
	if g.blacklist[marketID] {
		return reject(domain.LimitBlacklist, 0, 0)
	}
	if len(g.whitelist) > 0 && !g.whitelist[marketID] {
		return reject(domain.LimitWhitelist, 0, 0)
	}

	var cur float64
	if m, ok := g.markets[marketID]; ok {
		cur = m.reserved + m.committed
	}
	if g.cfg.MaxPerMarket > 0 && cur+amount > g.cfg.MaxPerMarket {
		return reject(domain.LimitPerMarketCap, cur, g.cfg.MaxPerMarket)
	}
	global := g.global.reserved + g.global.committed
	if g.cfg.MaxGlobal > 0 && global+amount > g.cfg.MaxGlobal {
		return reject(domain.LimitGlobalCap, global, g.cfg.MaxGlobal)
	}

	daily := g.dailyRealized + g.dailyUnrealized
	if g.cfg.MaxDailyLoss > 0 && daily < -g.cfg.MaxDailyLoss {
		g.trip(fmt.Sprintf("daily loss %.2f below -%.2f", daily, g.cfg.MaxDailyLoss))
		return reject(domain.LimitDailyLoss, daily, -g.cfg.MaxDailyLoss)
	}
	if dd := g.drawdown(); g.drawdownEnabled() && dd > g.cfg.MaxDrawdownPct {
		g.trip(fmt.Sprintf("drawdown %.2f%% above %.2f%%", dd*100, g.cfg.MaxDrawdownPct*100))
		return reject(domain.LimitDrawdown, dd, g.cfg.MaxDrawdownPct)
	}
	return nil
}

func (g *Gate) install(res domain.Reservation) {
	m := g.market(res.MarketID)
	m.reserved += res.Amount
	g.global.reserved += res.Amount
	g.reservations[res.ID] = res
}

// Commit converts a reservation into committed exposure. actual is the
// exposure change the fills produced (negative when they reduced holdings);
// whatever was reserved beyond it is released.
func (g *Gate) Commit(reservationID string, actual float64) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return fmt.Errorf("risk.Commit: %s: %w", reservationID, ErrUnknownReservation)
	}
	g.drop(res)

	m := g.market(res.MarketID)
	before := m.committed
	m.committed = max(0, m.committed+actual)
	g.global.committed = max(0, g.global.committed+(m.committed-before))
	return nil
}

// Release reverts a reservation in full.
func (g *Gate) Release(reservationID string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	res, ok := g.reservations[reservationID]
	if !ok {
		return fmt.Errorf("risk.Release: %s: %w", reservationID, ErrUnknownReservation)
	}
	g.drop(res)
	return nil
}

func (g *Gate) drop(res domain.Reservation) {
	delete(g.reservations, res.ID)
	m := g.market(res.MarketID)
	m.reserved = max(0, m.reserved-res.Amount)
	g.global.reserved = max(0, g.global.reserved-res.Amount)
}

// Restore reinstalls a reservation recovered after a restart. Limits are not
// checked: the capacity was already granted before the process died.
func (g *Gate) Restore(res domain.Reservation) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if _, ok := g.reservations[res.ID]; ok {
		return
	}
	g.install(res)
}

// Adjust moves committed exposure of a market by delta, floored at zero.
// Used for fills that arrive after their reservation was closed.
func (g *Gate) Adjust(marketID string, delta float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	m := g.market(marketID)
	before := m.committed
	m.committed = max(0, m.committed+delta)
	g.global.committed = max(0, g.global.committed+(m.committed-before))
}

// SyncExposure replaces committed exposure with the ledger's view, keyed by market.
func (g *Gate) SyncExposure(committed map[string]float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.global.committed = 0
	for id, m := range g.markets {
		m.committed = committed[id]
	}
	for id, v := range committed {
		g.market(id).committed = v
	}
	for _, m := range g.markets {
		g.global.committed += m.committed
	}
}

// UpdatePnL feeds cumulative realized PnL and current unrealized PnL.
// Daily figures are measured from the first update of each UTC day.
func (g *Gate) UpdatePnL(realized, unrealized float64) {
	g.mu.Lock()
	defer g.mu.Unlock()

	today := dayOf(g.now())
	if today.After(g.dayStart) {
		// Primer update del día: la base es lo realizado hasta ahora.
		g.dayStart = today
		g.dayBaseline = g.lastRealized
		if !g.seenPnL {
			g.dayBaseline = realized
		}
	}
	g.seenPnL = true
	g.lastRealized = realized
	g.dailyRealized = realized - g.dayBaseline
	g.dailyUnrealized = unrealized

	g.equity = g.cfg.Capital + realized + unrealized
	if g.equity > g.peakEquity {
		g.peakEquity = g.equity
	}

	daily := g.dailyRealized + g.dailyUnrealized
	if g.cfg.MaxDailyLoss > 0 && daily < -g.cfg.MaxDailyLoss {
		g.trip(fmt.Sprintf("daily loss %.2f below -%.2f", daily, g.cfg.MaxDailyLoss))
	}
	if dd := g.drawdown(); g.drawdownEnabled() && dd > g.cfg.MaxDrawdownPct {
		g.trip(fmt.Sprintf("drawdown %.2f%% above %.2f%%", dd*100, g.cfg.MaxDrawdownPct*100))
	}
}

func (g *Gate) drawdownEnabled() bool {
	return g.cfg.Capital > 0 && g.cfg.MaxDrawdownPct > 0
}

func (g *Gate) drawdown() float64 {
	if g.peakEquity <= 0 {
		return 0
	}
	return (g.peakEquity - g.equity) / g.peakEquity
}

// RecordFailure counts a failed execution and trips the kill switch after
// MaxConsecutiveFailures in a row.
func (g *Gate) RecordFailure(err error) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.failures++
	if g.cfg.MaxConsecutiveFailures > 0 && g.failures >= g.cfg.MaxConsecutiveFailures {
		g.trip(fmt.Sprintf("%d consecutive execution failures, last: %v", g.failures, err))
	}
}

// RecordSuccess resets the consecutive failure counter.
func (g *Gate) RecordSuccess() {
	g.mu.Lock()
	g.failures = 0
	g.mu.Unlock()
}

// Trip halts trading. Only the first reason is kept until Reset.
func (g *Gate) Trip(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.trip(reason)
}

func (g *Gate) trip(reason string) {
	if g.killed {
		return
	}
	g.killed = true
	g.reason = reason
	g.trippedAt = g.now()
	metrics.KillSwitchTrips.Inc()
	metrics.SetKillSwitch(true)
	slog.Error("risk: kill switch tripped", "reason", reason)

	select {
	case g.trips <- reason:
	default:
	}
}

// Reset re-arms trading. Daily PnL and peak equity are rebased to the
// current values so the same loss does not trip again immediately.
func (g *Gate) Reset() {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.killed = false
	g.reason = ""
	g.trippedAt = time.Time{}
	g.failures = 0
	g.dayBaseline = g.lastRealized
	g.dailyRealized = 0
	g.dailyUnrealized = 0
	g.peakEquity = g.equity
	metrics.SetKillSwitch(false)
	slog.Warn("risk: kill switch reset")
}

// Tripped reports whether trading is halted.
func (g *Gate) Tripped() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.killed
}

// Trips delivers the reason of each kill switch activation.
func (g *Gate) Trips() <-chan string {
	return g.trips
}

// Snapshot returns a copy of the gate's state.
func (g *Gate) Snapshot() domain.RiskSnapshot {
	g.mu.Lock()
	defer g.mu.Unlock()

	snap := domain.RiskSnapshot{
		GlobalReserved:      g.global.reserved,
		GlobalCommitted:     g.global.committed,
		DailyRealized:       g.dailyRealized,
		DailyUnrealized:     g.dailyUnrealized,
		PeakEquity:          g.peakEquity,
		KillSwitch:          g.killed,
		KillReason:          g.reason,
		TrippedAt:           g.trippedAt,
		ConsecutiveFailures: g.failures,
		OpenReservations:    len(g.reservations),
		Rejections:          make(map[domain.LimitKind]int, len(g.rejections)),
	}
	for k, v := range g.rejections {
		snap.Rejections[k] = v
	}
	for id, m := range g.markets {
		if m.reserved == 0 && m.committed == 0 {
			continue
		}
		snap.Markets = append(snap.Markets, domain.MarketExposure{
			MarketID: id, Reserved: m.reserved, Committed: m.committed,
		})
	}
	sort.Slice(snap.Markets, func(i, j int) bool { return snap.Markets[i].MarketID < snap.Markets[j].MarketID })
	return snap
}

// State returns the part of the gate that survives restarts.
func (g *Gate) State() domain.KillSwitchState {
	g.mu.Lock()
	defer g.mu.Unlock()
	return domain.KillSwitchState{
		Tripped:             g.killed,
		Reason:              g.reason,
		TrippedAt:           g.trippedAt,
		ConsecutiveFailures: g.failures,
		DayStart:            g.dayStart,
		DayBaseline:         g.dayBaseline,
		PeakEquity:          g.peakEquity,
	}
}

// RestoreState loads persisted state. A restored trip is not re-announced
// on Trips; the execution engine cancels recovered orders itself.
func (g *Gate) RestoreState(s domain.KillSwitchState) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.killed = s.Tripped
	g.reason = s.Reason
	g.trippedAt = s.TrippedAt
	g.failures = s.ConsecutiveFailures
	switch {
	case s.DayStart.Equal(dayOf(g.now())):
		g.dayStart = s.DayStart
		g.dayBaseline = s.DayBaseline
	case !s.DayStart.IsZero():
		// Día ya cerrado: la base se toma del primer UpdatePnL.
		g.dayStart = time.Time{}
	}
	if s.PeakEquity > g.peakEquity {
		g.peakEquity = s.PeakEquity
	}
	metrics.SetKillSwitch(g.killed)
}

func (g *Gate) market(id string) *exposure {
	m, ok := g.markets[id]
	if !ok {
		m = &exposure{}
		g.markets[id] = m
	}
	return m
}

func dayOf(t time.Time) time.Time {
	y, mo, d := t.UTC().Date()
	return time.Date(y, mo, d, 0, 0, 0, 0, time.UTC)
}

func toSet(ids []string) map[string]bool {
	set := make(map[string]bool, len(ids))
	for _, id := range ids {
		set[id] = true
	}
	return set
}
