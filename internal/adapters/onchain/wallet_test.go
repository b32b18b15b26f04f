package onchain

import (
	"context"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGasCostUSD(t *testing.T) {
	// 100 gwei × 200k gas = 0.02 POL; a $0.50 = $0.01
	cost := gasCostUSD(big.NewInt(100_000_000_000), mergeGasLimit, 0.50)
	assert.InDelta(t, 0.01, cost, 1e-12)
}

func TestFetchPOLPrice(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(`{"polygon-ecosystem-token":{"usd":0.21}}`))
	}))
	defer srv.Close()

	price, err := fetchPOLPrice(context.Background(), srv.Client(), srv.URL)
	require.NoError(t, err)
	assert.InDelta(t, 0.21, price, 1e-9)
}

func TestFetchPOLPrice_Errors(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("case") {
		case "status":
			http.Error(w, "rate limited", http.StatusTooManyRequests)
		case "missing":
			w.Write([]byte(`{"bitcoin":{"usd":60000}}`))
		default:
			w.Write([]byte(`not json`))
		}
	}))
	defer srv.Close()

	for _, c := range []string{"status", "missing", "garbage"} {
		_, err := fetchPOLPrice(context.Background(), srv.Client(), srv.URL+"?case="+c)
		assert.Error(t, err, c)
	}
}

func TestWallet_PolPriceFallback(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusInternalServerError)
	}))
	defer srv.Close()

	w := &Wallet{httpClient: srv.Client(), priceURL: srv.URL}
	assert.InDelta(t, polPriceFallbackUSD, w.polPriceUSD(context.Background()), 1e-9)

	w.cachedPOLPrice = 0.3
	assert.InDelta(t, 0.3, w.polPriceUSD(context.Background()), 1e-9, "stale cache beats fallback")
}

func TestNewWallet_InvalidKey(t *testing.T) {
	_, err := NewWallet("http://127.0.0.1:1", "not-hex")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "invalid private key")
}
