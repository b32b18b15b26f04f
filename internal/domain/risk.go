package domain

import "time"

// LimitKind names the risk limit that rejected a reservation.
type LimitKind string

const (
	LimitKillSwitch   LimitKind = "kill_switch"
	LimitBlacklist    LimitKind = "blacklist"
	LimitWhitelist    LimitKind = "whitelist"
	LimitPerMarketCap LimitKind = "per_market_cap"
	LimitGlobalCap    LimitKind = "global_cap"
	LimitDailyLoss    LimitKind = "daily_loss"
	LimitDrawdown     LimitKind = "drawdown"
	LimitInvalid      LimitKind = "invalid_request"
)

// MarketExposure is the reserved and committed exposure of one market.
type MarketExposure struct {
	MarketID  string
	Reserved  float64
	Committed float64
}

// Total returns reserved + committed.
func (m MarketExposure) Total() float64 {
	return m.Reserved + m.Committed
}

// RiskSnapshot is a point-in-time copy of the risk gate's state.
type RiskSnapshot struct {
	Markets             []MarketExposure
	GlobalReserved      float64
	GlobalCommitted     float64
	DailyRealized       float64
	DailyUnrealized     float64
	PeakEquity          float64
	KillSwitch          bool
	KillReason          string
	TrippedAt           time.Time
	ConsecutiveFailures int
	OpenReservations    int
	Rejections          map[LimitKind]int
}

// DailyPnL returns realized + unrealized PnL for the current day.
func (r RiskSnapshot) DailyPnL() float64 {
	return r.DailyRealized + r.DailyUnrealized
}

// KillSwitchState is the persisted part of the risk gate.
type KillSwitchState struct {
	Tripped             bool
	Reason              string
	TrippedAt           time.Time
	ConsecutiveFailures int
	DayStart            time.Time
	DayBaseline         float64
	PeakEquity          float64
}
