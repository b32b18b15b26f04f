package storage_test

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/alejandrodnm/polyarb/internal/adapters/storage"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newDB(t *testing.T) *storage.SQLiteStorage {
	t.Helper()
	db, err := storage.NewSQLiteStorage(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return db
}

func makeOrder(id string, status domain.OrderStatus, updated time.Time) domain.Order {
	return domain.Order{
		ID:            id,
		OpportunityID: "opp-1",
		ReservationID: "res-1",
		Kind:          domain.KindBundleArbBuy,
		MarketID:      "0xabc",
		TokenID:       "1001",
		Outcome:       domain.OutcomeYes,
		Side:          domain.SideBuy,
		Price:         0.45,
		Size:          100,
		Status:        status,
		SubmittedAt:   updated,
		UpdatedAt:     updated,
	}
}

func TestSQLiteStorage_SaveOrder_Upsert(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	o := makeOrder("o1", domain.StatusSubmitted, now)
	require.NoError(t, db.SaveOrder(ctx, o))

	o.VenueOrderID = "0xvenue"
	o.Status = domain.StatusPartiallyFilled
	o.FilledSize = 40
	o.AvgFillPrice = 0.45
	o.LastFillSeq = 2
	require.NoError(t, db.SaveOrder(ctx, o))

	open, err := db.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	got := open[0]
	assert.Equal(t, "0xvenue", got.VenueOrderID)
	assert.Equal(t, domain.StatusPartiallyFilled, got.Status)
	assert.InDelta(t, 40, got.FilledSize, 1e-9)
	assert.Equal(t, uint64(2), got.LastFillSeq)
	assert.Equal(t, domain.KindBundleArbBuy, got.Kind)
	assert.Equal(t, domain.OutcomeYes, got.Outcome)
	assert.True(t, got.UpdatedAt.Equal(now))
}

func TestSQLiteStorage_GetOpenOrders_SkipsTerminal(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.SaveOrder(ctx, makeOrder("open", domain.StatusAcknowledged, now)))
	require.NoError(t, db.SaveOrder(ctx, makeOrder("filled", domain.StatusFilled, now)))
	require.NoError(t, db.SaveOrder(ctx, makeOrder("canceled", domain.StatusCanceled, now)))
	require.NoError(t, db.SaveOrder(ctx, makeOrder("rejected", domain.StatusRejected, now)))

	open, err := db.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "open", open[0].ID)
}

func TestSQLiteStorage_GetOrders_Since(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.SaveOrder(ctx, makeOrder("old", domain.StatusFilled, now.Add(-time.Hour))))
	require.NoError(t, db.SaveOrder(ctx, makeOrder("new", domain.StatusFilled, now)))

	orders, err := db.GetOrders(ctx, now.Add(-time.Minute))
	require.NoError(t, err)
	require.Len(t, orders, 1)
	assert.Equal(t, "new", orders[0].ID)
}

func TestSQLiteStorage_SaveFill_Idempotent(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()
	ref := domain.TokenRef{MarketID: "0xabc", Outcome: domain.OutcomeNo, TokenID: "1002"}

	f1 := domain.Fill{OrderID: "o1", Seq: 1, Price: 0.50, Size: 20, Timestamp: now}
	f2 := domain.Fill{OrderID: "o1", Seq: 2, Price: 0.51, Size: 10, Timestamp: now.Add(time.Second)}
	require.NoError(t, db.SaveFill(ctx, f1, ref, domain.SideSell))
	require.NoError(t, db.SaveFill(ctx, f2, ref, domain.SideSell))
	require.NoError(t, db.SaveFill(ctx, f1, ref, domain.SideSell), "replayed fill ignored")

	fills, err := db.GetFills(ctx)
	require.NoError(t, err)
	require.Len(t, fills, 2)
	assert.Equal(t, uint64(1), fills[0].Seq)
	assert.Equal(t, uint64(2), fills[1].Seq)
	assert.Equal(t, ref, fills[0].Token)
	assert.Equal(t, domain.SideSell, fills[0].Side)
	assert.InDelta(t, 0.51, fills[1].Price, 1e-9)
}

func TestSQLiteStorage_Reservations(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	require.NoError(t, db.SaveReservation(ctx, domain.Reservation{ID: "r1", MarketID: "0xabc", OpportunityID: "opp-1", Amount: 45, CreatedAt: now}))
	require.NoError(t, db.SaveReservation(ctx, domain.Reservation{ID: "r2", MarketID: "0xdef", OpportunityID: "opp-2", Amount: 30, CreatedAt: now.Add(time.Second)}))

	require.NoError(t, db.CloseReservation(ctx, "r1", "committed", 45))

	open, err := db.GetOpenReservations(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "r2", open[0].ID)
	assert.InDelta(t, 30, open[0].Amount, 1e-9)
	assert.True(t, open[0].CreatedAt.Equal(now.Add(time.Second)))
}

func TestSQLiteStorage_KillSwitch_RoundTrip(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()

	st, err := db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.False(t, st.Tripped, "fresh db starts untripped")

	tripped := domain.KillSwitchState{
		Tripped:             true,
		Reason:              "daily loss limit",
		TrippedAt:           time.Now().UTC(),
		ConsecutiveFailures: 3,
		DayStart:            time.Now().UTC().Truncate(24 * time.Hour),
		DayBaseline:         -12.5,
		PeakEquity:          1050,
	}
	require.NoError(t, db.SaveKillSwitch(ctx, tripped))

	got, err := db.LoadKillSwitch(ctx)
	require.NoError(t, err)
	assert.True(t, got.Tripped)
	assert.Equal(t, "daily loss limit", got.Reason)
	assert.True(t, got.TrippedAt.Equal(tripped.TrippedAt))
	assert.Equal(t, 3, got.ConsecutiveFailures)
	assert.InDelta(t, -12.5, got.DayBaseline, 1e-9)
	assert.InDelta(t, 1050, got.PeakEquity, 1e-9)
}

func TestSQLiteStorage_Opportunities(t *testing.T) {
	db := newDB(t)
	ctx := context.Background()
	now := time.Now().UTC()

	buy := domain.Opportunity{
		ID: "opp-1", Kind: domain.KindBundleArbBuy, MarketID: "0xabc",
		Edge: 0.04, Size: 100, SourceSeq: 7, DetectedAt: now.Add(-time.Second),
		Bundle: &domain.BundlePayload{YesPrice: 0.45, NoPrice: 0.50, FeePerShare: 0.01},
	}
	mm := domain.Opportunity{
		ID: "opp-2", Kind: domain.KindMarketMaking, MarketID: "0xdef",
		Edge: 0.02, Size: 50, SourceSeq: 3, DetectedAt: now,
		Quote: &domain.QuotePayload{Outcome: domain.OutcomeNo, BidPrice: 0.40, AskPrice: 0.44},
	}
	require.NoError(t, db.SaveOpportunity(ctx, buy))
	require.NoError(t, db.SaveOpportunity(ctx, mm))
	require.NoError(t, db.SaveOpportunity(ctx, buy), "duplicate id ignored")

	history, err := db.GetOpportunities(ctx, now.Add(-time.Minute), now.Add(time.Minute), 0)
	require.NoError(t, err)
	require.Len(t, history, 2)

	// Más recientes primero
	assert.Equal(t, "opp-2", history[0].ID)
	require.NotNil(t, history[0].Quote)
	assert.Equal(t, domain.OutcomeNo, history[0].Quote.Outcome)
	require.NotNil(t, history[1].Bundle)
	assert.InDelta(t, 0.45, history[1].Bundle.YesPrice, 1e-9)
	assert.Equal(t, uint64(7), history[1].SourceSeq)
}

func TestSQLiteStorage_PersistsAcrossReopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "journal.db")
	ctx := context.Background()

	db, err := storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	require.NoError(t, db.SaveOrder(ctx, makeOrder("o1", domain.StatusAcknowledged, time.Now().UTC())))
	require.NoError(t, db.Close())

	db, err = storage.NewSQLiteStorage(path)
	require.NoError(t, err)
	defer db.Close()

	open, err := db.GetOpenOrders(ctx)
	require.NoError(t, err)
	require.Len(t, open, 1)
	assert.Equal(t, "o1", open[0].ID)
}
