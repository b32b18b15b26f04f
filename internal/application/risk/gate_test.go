package risk

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var day1 = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

func newTestGate(cfg Config) (*Gate, *time.Time) {
	g := NewGate(cfg)
	now := day1
	g.now = func() time.Time { return now }
	g.dayStart = dayOf(now)
	return g, &now
}

// opp builds a bundle buy whose notional is exactly size.
func opp(marketID string, size float64) domain.Opportunity {
	return domain.Opportunity{
		ID:       "opp-" + marketID,
		Kind:     domain.KindBundleArbBuy,
		MarketID: marketID,
		Size:     size,
		Bundle:   &domain.BundlePayload{YesPrice: 0.5, NoPrice: 0.5},
	}
}

func rejectedLimit(t *testing.T, err error) domain.LimitKind {
	t.Helper()
	var rr *domain.RiskRejectedError
	require.True(t, errors.As(err, &rr), "expected RiskRejectedError, got %v", err)
	return rr.Limit
}

func TestGate_Reserve_WithinCaps(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 200, MaxGlobal: 5000})

	res, err := g.Reserve(opp("m1", 97))
	require.NoError(t, err)
	assert.NotEmpty(t, res.ID)
	assert.InDelta(t, 97, res.Amount, 1e-9)

	snap := g.Snapshot()
	assert.InDelta(t, 97, snap.GlobalReserved, 1e-9)
	assert.Equal(t, 1, snap.OpenReservations)
	require.Len(t, snap.Markets, 1)
	assert.InDelta(t, 97, snap.Markets[0].Reserved, 1e-9)
}

func TestGate_Reserve_PerMarketCap(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 200, MaxGlobal: 5000})

	_, err := g.Reserve(opp("m1", 150))
	require.NoError(t, err)

	_, err = g.Reserve(opp("m1", 60))
	assert.Equal(t, domain.LimitPerMarketCap, rejectedLimit(t, err))

	_, err = g.Reserve(opp("m2", 60))
	assert.NoError(t, err, "other markets unaffected")

	assert.Equal(t, 1, g.Snapshot().Rejections[domain.LimitPerMarketCap])
}

func TestGate_Reserve_GlobalCap(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 200, MaxGlobal: 300})

	for _, m := range []string{"m1", "m2", "m3"} {
		_, err := g.Reserve(opp(m, 100))
		require.NoError(t, err)
	}
	_, err := g.Reserve(opp("m4", 1))
	assert.Equal(t, domain.LimitGlobalCap, rejectedLimit(t, err))
	assert.InDelta(t, 300, g.Snapshot().GlobalReserved, 1e-9, "rejection leaves state unchanged")
}

func TestGate_Reserve_ConcurrentNeverExceedsGlobal(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 1000, MaxGlobal: 500})

	var ok atomic.Int64
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if _, err := g.Reserve(opp(fmt.Sprintf("m%d", i%10), 30)); err == nil {
				ok.Add(1)
			}
		}(i)
	}
	wg.Wait()

	snap := g.Snapshot()
	assert.LessOrEqual(t, snap.GlobalReserved, 500.0)
	assert.Equal(t, int64(16), ok.Load())
	assert.InDelta(t, 480, snap.GlobalReserved, 1e-9)
}

func TestGate_Reserve_InvalidNotional(t *testing.T) {
	g, _ := newTestGate(Config{})
	_, err := g.Reserve(domain.Opportunity{MarketID: "m1", Kind: domain.KindBundleArbBuy})
	assert.Equal(t, domain.LimitInvalid, rejectedLimit(t, err))
}

func TestGate_Reserve_BlacklistWhitelist(t *testing.T) {
	g, _ := newTestGate(Config{Blacklist: []string{"bad"}})
	_, err := g.Reserve(opp("bad", 10))
	assert.Equal(t, domain.LimitBlacklist, rejectedLimit(t, err))

	g, _ = newTestGate(Config{Whitelist: []string{"good"}})
	_, err = g.Reserve(opp("other", 10))
	assert.Equal(t, domain.LimitWhitelist, rejectedLimit(t, err))
	_, err = g.Reserve(opp("good", 10))
	assert.NoError(t, err)
}

func TestGate_CommitReleasesRemainder(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 200, MaxGlobal: 5000})

	res, err := g.Reserve(opp("m1", 100))
	require.NoError(t, err)
	require.NoError(t, g.Commit(res.ID, 60))

	snap := g.Snapshot()
	assert.InDelta(t, 0, snap.GlobalReserved, 1e-9)
	assert.InDelta(t, 60, snap.GlobalCommitted, 1e-9)
	assert.Equal(t, 0, snap.OpenReservations)

	// committed exposure keeps counting against the cap
	_, err = g.Reserve(opp("m1", 150))
	assert.Equal(t, domain.LimitPerMarketCap, rejectedLimit(t, err))

	assert.ErrorIs(t, g.Commit(res.ID, 10), ErrUnknownReservation, "commit is one-shot")
}

func TestGate_CommitNegativeDeltaFloorsAtZero(t *testing.T) {
	g, _ := newTestGate(Config{})
	res, err := g.Reserve(opp("m1", 50))
	require.NoError(t, err)
	require.NoError(t, g.Commit(res.ID, -80))
	assert.InDelta(t, 0, g.Snapshot().GlobalCommitted, 1e-9)
}

func TestGate_Release(t *testing.T) {
	g, _ := newTestGate(Config{MaxGlobal: 100})

	res, err := g.Reserve(opp("m1", 100))
	require.NoError(t, err)
	require.NoError(t, g.Release(res.ID))

	snap := g.Snapshot()
	assert.InDelta(t, 0, snap.GlobalReserved, 1e-9)
	assert.Empty(t, snap.Markets)
	assert.ErrorIs(t, g.Release(res.ID), ErrUnknownReservation)

	_, err = g.Reserve(opp("m1", 100))
	assert.NoError(t, err, "capacity freed")
}

func TestGate_KillSwitch_RejectsUntilReset(t *testing.T) {
	g, _ := newTestGate(Config{MaxPerMarket: 1e6, MaxGlobal: 1e6})

	g.Trip("manual")
	assert.True(t, g.Tripped())

	select {
	case reason := <-g.Trips():
		assert.Equal(t, "manual", reason)
	default:
		t.Fatal("trip not published")
	}

	for i := 0; i < 100; i++ {
		_, err := g.Reserve(opp(fmt.Sprintf("m%d", i), 1))
		require.Error(t, err)
		assert.ErrorIs(t, err, domain.ErrKillSwitchTripped)
	}
	assert.Equal(t, 0, g.Snapshot().OpenReservations)

	g.Trip("second")
	assert.Equal(t, "manual", g.Snapshot().KillReason, "first reason kept")

	g.Reset()
	assert.False(t, g.Tripped())
	_, err := g.Reserve(opp("m1", 1))
	assert.NoError(t, err)
}

func TestGate_DailyLossTrips(t *testing.T) {
	g, _ := newTestGate(Config{MaxDailyLoss: 100})

	g.UpdatePnL(-60, -30)
	assert.False(t, g.Tripped())

	g.UpdatePnL(-120, -30)
	assert.True(t, g.Tripped())
	assert.InDelta(t, -150, g.Snapshot().DailyPnL(), 1e-9)

	g.Reset()
	assert.False(t, g.Tripped())
	g.UpdatePnL(-120, -30)
	assert.False(t, g.Tripped(), "reset rebases the day")
}

func TestGate_DailyBaselineRollsOver(t *testing.T) {
	g, now := newTestGate(Config{MaxDailyLoss: 100})

	g.UpdatePnL(-80, 0)
	*now = day1.Add(24 * time.Hour)
	g.UpdatePnL(-90, 0)

	assert.False(t, g.Tripped())
	assert.InDelta(t, -10, g.Snapshot().DailyRealized, 1e-9)
}

func TestGate_DrawdownTrips(t *testing.T) {
	g, _ := newTestGate(Config{Capital: 1000, MaxDrawdownPct: 0.10})

	g.UpdatePnL(1000, 0)
	g.UpdatePnL(900, 0)
	assert.False(t, g.Tripped(), "5% drawdown")

	g.UpdatePnL(700, 0)
	assert.True(t, g.Tripped())
	assert.InDelta(t, 2000, g.Snapshot().PeakEquity, 1e-9)
}

func TestGate_ConsecutiveFailures(t *testing.T) {
	g, _ := newTestGate(Config{MaxConsecutiveFailures: 3})
	boom := errors.New("boom")

	g.RecordFailure(boom)
	g.RecordFailure(boom)
	g.RecordSuccess()
	g.RecordFailure(boom)
	g.RecordFailure(boom)
	assert.False(t, g.Tripped())

	g.RecordFailure(boom)
	assert.True(t, g.Tripped())
	assert.Contains(t, g.Snapshot().KillReason, "3 consecutive")
}

func TestGate_RestoreBypassesCaps(t *testing.T) {
	g, _ := newTestGate(Config{MaxGlobal: 10})

	res := domain.Reservation{ID: "r1", MarketID: "m1", Amount: 50}
	g.Restore(res)
	g.Restore(res)

	assert.InDelta(t, 50, g.Snapshot().GlobalReserved, 1e-9, "restore is idempotent")
	require.NoError(t, g.Commit("r1", 20))
	assert.InDelta(t, 20, g.Snapshot().GlobalCommitted, 1e-9)
}

func TestGate_SyncExposure(t *testing.T) {
	g, _ := newTestGate(Config{})
	res, err := g.Reserve(opp("m1", 40))
	require.NoError(t, err)
	require.NoError(t, g.Commit(res.ID, 40))

	g.SyncExposure(map[string]float64{"m2": 25})

	snap := g.Snapshot()
	assert.InDelta(t, 25, snap.GlobalCommitted, 1e-9)
	require.Len(t, snap.Markets, 1)
	assert.Equal(t, "m2", snap.Markets[0].MarketID)
}

func TestGate_StateSurvivesRestart(t *testing.T) {
	g, _ := newTestGate(Config{MaxConsecutiveFailures: 1})
	g.RecordFailure(errors.New("rejected"))
	require.True(t, g.Tripped())

	restarted, _ := newTestGate(Config{})
	restarted.RestoreState(g.State())

	assert.True(t, restarted.Tripped())
	_, err := restarted.Reserve(opp("m1", 1))
	assert.ErrorIs(t, err, domain.ErrKillSwitchTripped)
	select {
	case <-restarted.Trips():
		t.Fatal("restored trip must not be re-announced")
	default:
	}
}

func TestGate_Adjust(t *testing.T) {
	g, _ := newTestGate(Config{})
	g.Adjust("m1", 30)
	g.Adjust("m1", -50)
	g.Adjust("m2", 10)
	assert.InDelta(t, 10, g.Snapshot().GlobalCommitted, 1e-9)
}
