package polymarket_test

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alejandrodnm/polyarb/internal/adapters/polymarket"
	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixture(t *testing.T, name string) []byte {
	t.Helper()
	data, err := os.ReadFile("../../../testdata/fixtures/" + name)
	require.NoError(t, err)
	return data
}

func serveJSON(t *testing.T, path string, data []byte) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, path, r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(data)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func newTestClient(clobSrv, gammaSrv *httptest.Server) *polymarket.Client {
	return polymarket.NewClient(clobSrv.URL, gammaSrv.URL)
}

func TestFetchSamplingMarkets_Success(t *testing.T) {
	clob := serveJSON(t, "/sampling-markets", fixture(t, "clob_sampling_markets.json"))
	gamma := serveJSON(t, "/markets", fixture(t, "gamma_markets.json"))

	markets, err := newTestClient(clob, gamma).FetchSamplingMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2, "non-binary market dropped")

	m := markets[0]
	assert.Equal(t, "0xabc123", m.ConditionID)
	assert.Equal(t, "Will it rain in Madrid tomorrow?", m.Question)
	assert.True(t, m.Active)
	assert.InDelta(t, 0.01, m.Tick(), 1e-9)
	assert.InDelta(t, 5.0, m.MinSize(), 1e-9)
	assert.InDelta(t, 5400.25, m.Volume24h, 1e-6)
	assert.Equal(t, time.Date(2026, 12, 31, 0, 0, 0, 0, time.UTC), m.EndDate)

	assert.Equal(t, "token_yes_001", m.YesToken().TokenID)
	assert.Equal(t, "token_no_001", m.NoToken().TokenID)
	assert.InDelta(t, 0.72, m.YesToken().Price, 0.001)

	neg := markets[1]
	assert.True(t, neg.NegRisk)
	assert.Equal(t, "Yes", neg.YesToken().Outcome, "outcome normalized")
	assert.InDelta(t, 0.001, neg.Tick(), 1e-9)
	assert.InDelta(t, 15.0, neg.MinSize(), 1e-9)
}

func TestFetchSamplingMarkets_ClientErrorNotRetried(t *testing.T) {
	var calls atomic.Int32
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusBadRequest)
	}))
	defer clob.Close()
	gamma := serveJSON(t, "/markets", []byte("[]"))

	_, err := newTestClient(clob, gamma).FetchSamplingMarkets(context.Background())
	require.Error(t, err)

	var se *polymarket.StatusError
	require.ErrorAs(t, err, &se)
	assert.Equal(t, http.StatusBadRequest, se.Code)
	assert.Equal(t, int32(1), calls.Load())
}

func TestFetchOrderBooks_Batch(t *testing.T) {
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/books", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(fixture(t, "clob_orderbooks_batch.json"))
	}))
	defer clob.Close()

	books, err := newTestClient(clob, clob).FetchOrderBooks(context.Background(), []string{"token_yes_001", "token_no_001"})
	require.NoError(t, err)
	require.Len(t, books, 2)

	yesBook := books["token_yes_001"]
	assert.Equal(t, "token_yes_001", yesBook.TokenID)
	assert.InDelta(t, 0.70, yesBook.BestBid(), 0.001)
	assert.InDelta(t, 0.72, yesBook.BestAsk(), 0.001)
	assert.InDelta(t, 200, yesBook.BestAskSize(), 0.001)

	// Bids: mayor a menor. Asks: menor a mayor.
	require.Len(t, yesBook.Bids, 2)
	assert.Greater(t, yesBook.Bids[0].Price, yesBook.Bids[1].Price)
	require.Len(t, yesBook.Asks, 2)
	assert.Less(t, yesBook.Asks[0].Price, yesBook.Asks[1].Price)

	noBook := books["token_no_001"]
	assert.InDelta(t, 0.27, noBook.BestBid(), 0.001)
	assert.InDelta(t, 0.29, noBook.BestAsk(), 0.001)
}

func TestFetchOrderBooks_BatchSplitting(t *testing.T) {
	var calls atomic.Int32
	clob := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode([]any{})
	}))
	defer clob.Close()

	// 25 token_ids → 2 requests (batch de 20 + batch de 5)
	tokenIDs := make([]string, 25)
	for i := range tokenIDs {
		tokenIDs[i] = "token_" + string(rune('a'+i))
	}

	_, err := newTestClient(clob, clob).FetchOrderBooks(context.Background(), tokenIDs)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
}

func TestMarketFilter_Apply(t *testing.T) {
	markets := []domain.Market{
		{ConditionID: "a", Active: true, Volume24h: 100},
		{ConditionID: "b", Active: true, Volume24h: 5000},
		{ConditionID: "c", Active: true, Closed: true, Volume24h: 9000},
		{ConditionID: "d", Active: false, Volume24h: 9000},
		{ConditionID: "e", Active: true, Volume24h: 2000},
		{ConditionID: "f", Active: true, Volume24h: 3000},
	}

	got := polymarket.MarketFilter{MinVolume24h: 1000, MaxMarkets: 2, Blacklist: []string{"f"}}.Apply(markets)
	require.Len(t, got, 2)
	assert.Equal(t, "b", got[0].ConditionID, "sorted by volume")
	assert.Equal(t, "e", got[1].ConditionID)

	got = polymarket.MarketFilter{Whitelist: []string{"a"}}.Apply(markets)
	require.Len(t, got, 1)
	assert.Equal(t, "a", got[0].ConditionID)
}

func TestFetchSamplingMarkets_GammaClosedMarket(t *testing.T) {
	clob := serveJSON(t, "/sampling-markets", fixture(t, "clob_sampling_markets.json"))
	gamma := serveJSON(t, "/markets", []byte(`[
		{"conditionId": "0xabc123", "volume24hr": "900", "active": true, "closed": true},
		{"conditionId": "0xunknown", "volume24hr": "1", "active": true, "closed": false}
	]`))

	markets, err := newTestClient(clob, gamma).FetchSamplingMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)

	assert.True(t, markets[0].Closed)
	assert.InDelta(t, 900, markets[0].Volume24h, 1e-9)
	assert.False(t, markets[1].Closed)
	assert.Empty(t, polymarket.MarketFilter{}.Apply(markets[:1]), "closed markets are never traded")
}

func TestFetchSamplingMarkets_GammaDownKeepsMarkets(t *testing.T) {
	clob := serveJSON(t, "/sampling-markets", fixture(t, "clob_sampling_markets.json"))
	gamma := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotFound)
	}))
	defer gamma.Close()

	markets, err := newTestClient(clob, gamma).FetchSamplingMarkets(context.Background())
	require.NoError(t, err)
	require.Len(t, markets, 2)
	assert.Zero(t, markets[0].Volume24h)
	assert.Empty(t, polymarket.MarketFilter{MinVolume24h: 1}.Apply(markets), "no volume without gamma")
}
