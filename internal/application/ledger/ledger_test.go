package ledger

import (
	"sync"
	"testing"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	yes = domain.TokenRef{MarketID: "m1", Outcome: domain.OutcomeYes, TokenID: "tok-yes"}
	no  = domain.TokenRef{MarketID: "m1", Outcome: domain.OutcomeNo, TokenID: "tok-no"}
)

func mustApply(t *testing.T, l *Ledger, order string, seq uint64, tok domain.TokenRef, qty, price float64) {
	t.Helper()
	ok, err := l.ApplyFill(order, seq, tok, qty, price)
	require.NoError(t, err)
	require.True(t, ok)
}

func TestLedger_AverageCost(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 100, 0.45)
	mustApply(t, l, "o1", 2, yes, 100, 0.55)

	snap := l.Snapshot()
	require.Len(t, snap.Positions, 1)
	p := snap.Positions[0]
	assert.InDelta(t, 200, p.Quantity, 1e-9)
	assert.InDelta(t, 0.50, p.AvgCost, 1e-9)
	assert.Equal(t, "tok-yes", p.TokenID)
	assert.InDelta(t, 100, l.CurrentExposure("m1"), 1e-9)
	assert.InDelta(t, 0, snap.Realized, 1e-9)
}

func TestLedger_SellRealizes(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 200, 0.50)
	mustApply(t, l, "o2", 1, yes, -50, 0.60)

	snap := l.Snapshot()
	p := snap.Positions[0]
	assert.InDelta(t, 150, p.Quantity, 1e-9)
	assert.InDelta(t, 0.50, p.AvgCost, 1e-9, "reducing keeps average cost")
	assert.InDelta(t, 5, p.RealizedPnL, 1e-9)
	assert.InDelta(t, 5, snap.Realized, 1e-9)
	assert.InDelta(t, 5, l.RealizedPnL(), 1e-9)
}

func TestLedger_ReverseThroughZero(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 10, 0.50)
	mustApply(t, l, "o2", 1, yes, -30, 0.60)

	p := l.Snapshot().Positions[0]
	assert.InDelta(t, -20, p.Quantity, 1e-9)
	assert.InDelta(t, 0.60, p.AvgCost, 1e-9)
	assert.InDelta(t, 1.0, p.RealizedPnL, 1e-9)

	// cover the short at a lower price
	mustApply(t, l, "o3", 1, yes, 20, 0.40)
	p = l.Snapshot().Positions[0]
	assert.True(t, p.IsFlat())
	assert.InDelta(t, 0, p.AvgCost, 1e-9)
	assert.InDelta(t, 5.0, p.RealizedPnL, 1e-9)
}

func TestLedger_DuplicateFillIgnored(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 100, 0.45)
	l.MarkToMarket(map[string]float64{yes.Key(): 0.50})
	before := l.Snapshot()

	ok, err := l.ApplyFill("o1", 1, yes, 100, 0.45)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, before, l.Snapshot())

	ok, err = l.ApplyFill("o2", 1, yes, 100, 0.45)
	require.NoError(t, err)
	assert.True(t, ok, "same seq on another order is a different fill")
}

func TestLedger_InvalidFill(t *testing.T) {
	l := New()
	_, err := l.ApplyFill("o1", 1, yes, 0, 0.5)
	assert.ErrorIs(t, err, ErrInvalidFill)
	_, err = l.ApplyFill("o1", 2, yes, 10, 1.5)
	assert.ErrorIs(t, err, ErrInvalidFill)
	assert.Empty(t, l.Snapshot().Positions)
}

func TestLedger_MarkToMarket(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 100, 0.40)
	mustApply(t, l, "o2", 1, no, 100, 0.55)

	u := l.MarkToMarket(map[string]float64{yes.Key(): 0.50, no.Key(): 0.50})
	assert.InDelta(t, 10-5, u, 1e-9)
	assert.InDelta(t, 5, l.UnrealizedPnL(), 1e-9)

	snap := l.Snapshot()
	assert.InDelta(t, 100, snap.Positions[1].Quantity, 1e-9, "marking does not touch positions")
	assert.InDelta(t, 0.50, snap.Positions[0].Mark, 1e-9)
	assert.InDelta(t, 5, snap.Total(), 1e-9)

	// a later fill revalues with the remembered mids
	mustApply(t, l, "o3", 1, yes, 100, 0.40)
	assert.InDelta(t, 20-5, l.UnrealizedPnL(), 1e-9)
}

func TestLedger_ExposureByMarket(t *testing.T) {
	l := New()
	mustApply(t, l, "o1", 1, yes, 100, 0.40)
	mustApply(t, l, "o2", 1, no, 100, 0.50)
	mustApply(t, l, "o3", 1, domain.TokenRef{MarketID: "m2", Outcome: domain.OutcomeYes}, 10, 0.30)

	exp := l.ExposureByMarket()
	assert.InDelta(t, 90, exp["m1"], 1e-9)
	assert.InDelta(t, 3, exp["m2"], 1e-9)
	assert.InDelta(t, 93, l.GlobalExposure(), 1e-9)
}

func TestLedger_Restore(t *testing.T) {
	l := New()
	n, err := l.Restore([]Entry{
		{OrderID: "o1", Seq: 1, Token: yes, Quantity: 50, Price: 0.40},
		{OrderID: "o1", Seq: 2, Token: yes, Quantity: 50, Price: 0.60},
		{OrderID: "o1", Seq: 2, Token: yes, Quantity: 50, Price: 0.60},
	})
	require.NoError(t, err)
	assert.Equal(t, 2, n)
	assert.InDelta(t, 100, l.Snapshot().Positions[0].Quantity, 1e-9)
}

func TestLedger_ConcurrentReadersSeeConsistentState(t *testing.T) {
	l := New()
	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 1; i <= 500; i++ {
			_, _ = l.ApplyFill("o1", uint64(i), yes, 1, 0.5)
		}
	}()
	for r := 0; r < 4; r++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				snap := l.Snapshot()
				for _, p := range snap.Positions {
					assert.InDelta(t, 0.5, p.AvgCost, 1e-9)
				}
			}
		}()
	}
	wg.Wait()

	assert.InDelta(t, 500, l.Snapshot().Positions[0].Quantity, 1e-9)
}
