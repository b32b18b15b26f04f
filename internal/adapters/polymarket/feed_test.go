package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

func testMarket() domain.Market {
	return domain.Market{
		ConditionID: "0xabc123",
		Active:      true,
		Tokens: [2]domain.Token{
			{TokenID: "token_yes_001", Outcome: "Yes"},
			{TokenID: "token_no_001", Outcome: "No"},
		},
	}
}

func book(tokenID string, bid, ask float64) domain.OrderBook {
	return domain.OrderBook{
		TokenID: tokenID,
		Bids:    []domain.BookEntry{{Price: bid, Size: 10}},
		Asks:    []domain.BookEntry{{Price: ask, Size: 10}},
	}
}

func TestAssembler_WaitsForBothSides(t *testing.T) {
	asm := newAssembler([]domain.Market{testMarket()})
	now := time.Now()

	_, ok := asm.apply(book("token_yes_001", 0.40, 0.42), now)
	assert.False(t, ok, "NO side still missing")

	snap, ok := asm.apply(book("token_no_001", 0.57, 0.59), now)
	require.True(t, ok)
	assert.Equal(t, "0xabc123", snap.MarketID)
	assert.Equal(t, uint64(1), snap.Seq)
	assert.InDelta(t, 0.42, snap.Yes.BestAsk(), 1e-9)
	assert.InDelta(t, 0.59, snap.No.BestAsk(), 1e-9)

	snap, ok = asm.apply(book("token_yes_001", 0.41, 0.43), now)
	require.True(t, ok)
	assert.Equal(t, uint64(2), snap.Seq)

	_, ok = asm.apply(book("unknown", 0.1, 0.2), now)
	assert.False(t, ok)
}

func TestBookPoller_EmitsOneSnapshotPerMarket(t *testing.T) {
	data, err := os.ReadFile("../../../testdata/fixtures/clob_orderbooks_batch.json")
	require.NoError(t, err)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	defer srv.Close()

	poller := NewBookPoller(NewClient(srv.URL, srv.URL), time.Hour)
	out := make(chan domain.BookSnapshot, 4)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- poller.Run(ctx, []domain.Market{testMarket()}, out) }()

	select {
	case snap := <-out:
		assert.Equal(t, "0xabc123", snap.MarketID)
		assert.Equal(t, uint64(1), snap.Seq)
		assert.InDelta(t, 0.72, snap.Yes.BestAsk(), 1e-9)
		assert.InDelta(t, 0.29, snap.No.BestAsk(), 1e-9)
	case <-time.After(5 * time.Second):
		t.Fatal("no snapshot")
	}
	cancel()
	require.NoError(t, <-done)
	assert.Empty(t, out, "one snapshot per market per poll")
}
