package polymarket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

const bookEvents = `[
  {"event_type":"book","asset_id":"token_yes_001","market":"0xabc123",
   "bids":[{"price":"0.44","size":"50"}],"asks":[{"price":"0.45","size":"100"}],"timestamp":"1760000000000"},
  {"event_type":"book","asset_id":"token_no_001","market":"0xabc123",
   "bids":[{"price":"0.50","size":"50"}],"asks":[{"price":"0.52","size":"100"}],"timestamp":"1760000000000"}
]`

func TestDecodeBookEvents(t *testing.T) {
	asm := newAssembler([]domain.Market{testMarket()})

	snaps := decodeBookEvents(asm, []byte(bookEvents))
	require.Len(t, snaps, 1, "first event only fills the YES side")
	assert.InDelta(t, 0.45, snaps[0].Yes.BestAsk(), 1e-9)
	assert.InDelta(t, 0.52, snaps[0].No.BestAsk(), 1e-9)
	assert.Equal(t, time.UnixMilli(1760000000000).UTC(), snaps[0].CapturedAt)

	assert.Empty(t, decodeBookEvents(asm, []byte("PONG")))
	assert.Empty(t, decodeBookEvents(asm, []byte(`{"event_type":"price_change","asset_id":"token_yes_001"}`)))
	assert.Empty(t, decodeBookEvents(asm, []byte(`{not json`)))
}

func TestMarketStream_StreamsAndSignalsReconnect(t *testing.T) {
	var conns atomic.Int32
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()

		var sub wsSubscribe
		if err := conn.ReadJSON(&sub); err != nil {
			return
		}
		assert.Equal(t, "market", sub.Type)
		assert.ElementsMatch(t, []string{"token_yes_001", "token_no_001"}, sub.AssetsIDs)

		n := conns.Add(1)
		if err := conn.WriteMessage(websocket.TextMessage, []byte(bookEvents)); err != nil {
			return
		}
		if n == 1 {
			return // corta la primera sesión para forzar reconexión
		}
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	stream := NewMarketStream("ws" + strings.TrimPrefix(srv.URL, "http"))
	stream.base = 10 * time.Millisecond

	out := make(chan domain.BookSnapshot, 8)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- stream.Run(ctx, []domain.Market{testMarket()}, out) }()

	var seqs []uint64
	for len(seqs) < 2 {
		select {
		case snap := <-out:
			seqs = append(seqs, snap.Seq)
		case <-time.After(5 * time.Second):
			t.Fatal("timed out waiting for snapshots")
		}
	}
	assert.Equal(t, []uint64{1, 2}, seqs, "seq survives reconnects")

	select {
	case <-stream.Reconnects():
	case <-time.After(5 * time.Second):
		t.Fatal("no reconnect signal")
	}

	cancel()
	require.NoError(t, <-done)
}

func TestMarketStream_Backoff(t *testing.T) {
	s := NewMarketStream("")
	assert.Equal(t, wsBaseReconnect, s.backoff(0))
	assert.Equal(t, 2*wsBaseReconnect, s.backoff(1))
	assert.Equal(t, wsMaxReconnect, s.backoff(10))
	assert.Equal(t, wsMaxReconnect, s.backoff(100))
}
