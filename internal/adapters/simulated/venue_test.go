package simulated

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyarb/internal/application/bookstore"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

func setup(t *testing.T) (*Venue, *bookstore.Store) {
	t.Helper()
	store := bookstore.New()
	store.Register(domain.Market{
		ConditionID: "m1",
		Tokens: [2]domain.Token{
			{TokenID: "yes", Outcome: "Yes"},
			{TokenID: "no", Outcome: "No"},
		},
	})
	store.Update(domain.BookSnapshot{
		MarketID: "m1",
		Seq:      1,
		Yes: domain.OrderBook{
			Bids: []domain.BookEntry{{Price: 0.44, Size: 30}},
			Asks: []domain.BookEntry{{Price: 0.45, Size: 60}, {Price: 0.47, Size: 100}},
		},
		No: domain.OrderBook{
			Bids: []domain.BookEntry{{Price: 0.50, Size: 20}},
			Asks: []domain.BookEntry{{Price: 0.52, Size: 100}},
		},
	})
	return New(store, 0), store
}

func req(token string, side domain.Side, price, size float64) domain.OrderRequest {
	return domain.OrderRequest{MarketID: "m1", TokenID: token, Side: side, Price: price, Size: size}
}

func TestVenue_BuyFillsAgainstAsks(t *testing.T) {
	v, store := setup(t)
	ctx := context.Background()

	placed, err := v.Submit(ctx, req("yes", domain.SideBuy, 0.46, 100))
	require.NoError(t, err)

	evs := v.step()
	require.Len(t, evs, 2)
	assert.Equal(t, domain.EventAck, evs[0].Type)
	assert.Equal(t, domain.EventFill, evs[1].Type)
	assert.InDelta(t, 60, evs[1].Size, 1e-9, "only depth at or below the limit")
	assert.InDelta(t, 0.45, evs[1].Price, 1e-9)
	assert.Equal(t, uint64(1), evs[1].FillSeq)
	assert.InDelta(t, 60, evs[1].CumFilled, 1e-9)

	assert.Empty(t, v.step(), "same snapshot is not matched twice")

	store.Update(domain.BookSnapshot{
		MarketID: "m1",
		Seq:      2,
		Yes:      domain.OrderBook{Asks: []domain.BookEntry{{Price: 0.46, Size: 100}}},
	})
	evs = v.step()
	require.Len(t, evs, 1)
	assert.InDelta(t, 40, evs[0].Size, 1e-9)
	assert.Equal(t, uint64(2), evs[0].FillSeq)

	vo, err := v.QueryOrder(ctx, placed.VenueOrderID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFilled, vo.Status)
}

func TestVenue_SellFillsAgainstNoBids(t *testing.T) {
	v, _ := setup(t)

	_, err := v.Submit(context.Background(), req("no", domain.SideSell, 0.49, 50))
	require.NoError(t, err)

	evs := v.step()
	require.Len(t, evs, 2)
	assert.InDelta(t, 20, evs[1].Size, 1e-9)
	assert.InDelta(t, 0.50, evs[1].Price, 1e-9)
}

func TestVenue_RestingOrderCancel(t *testing.T) {
	v, _ := setup(t)
	ctx := context.Background()

	placed, err := v.Submit(ctx, req("yes", domain.SideBuy, 0.40, 10))
	require.NoError(t, err)
	require.Len(t, v.step(), 1, "ack only")

	open, err := v.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Len(t, open, 1)

	require.NoError(t, v.CancelAll(ctx))
	require.NoError(t, v.Cancel(ctx, placed.VenueOrderID), "second cancel is a no-op")
	evs := v.step()
	require.Len(t, evs, 1)
	assert.Equal(t, domain.EventCanceled, evs[0].Type)

	open, err = v.OpenOrders(ctx)
	require.NoError(t, err)
	assert.Empty(t, open)
}

func TestVenue_Errors(t *testing.T) {
	v, _ := setup(t)
	ctx := context.Background()

	_, err := v.Submit(ctx, req("yes", domain.SideBuy, 1.2, 10))
	var perm *domain.PermanentExecutionError
	assert.ErrorAs(t, err, &perm)

	_, err = v.Submit(ctx, domain.OrderRequest{MarketID: "nope", TokenID: "x", Side: domain.SideBuy, Price: 0.5, Size: 1})
	assert.ErrorAs(t, err, &perm)

	_, err = v.QueryOrder(ctx, "missing")
	assert.ErrorIs(t, err, ports.ErrOrderNotFound)
}
