package polymarket

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/gorilla/websocket"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

const (
	defaultMarketWSURL = "wss://ws-subscriptions-clob.polymarket.com/ws/market"

	wsPingInterval   = 10 * time.Second
	wsReadTimeout    = 60 * time.Second
	wsWriteTimeout   = 5 * time.Second
	wsBaseReconnect  = 500 * time.Millisecond
	wsMaxReconnect   = 30 * time.Second
	wsHandshakeLimit = 10 * time.Second
)

// MarketStream implementa ports.BookFeed sobre el canal market del WebSocket
// del CLOB. Consume eventos "book" (foto completa de un token) y se reconecta
// con backoff exponencial; cada reconexión se señaliza en Reconnects().
type MarketStream struct {
	url        string
	dialer     *websocket.Dialer
	reconnects chan struct{}
	base, max  time.Duration
}

// NewMarketStream crea el stream. url vacío usa el endpoint de producción.
func NewMarketStream(url string) *MarketStream {
	if url == "" {
		url = defaultMarketWSURL
	}
	return &MarketStream{
		url:        url,
		dialer:     &websocket.Dialer{HandshakeTimeout: wsHandshakeLimit},
		reconnects: make(chan struct{}, 1),
		base:       wsBaseReconnect,
		max:        wsMaxReconnect,
	}
}

// Reconnects implementa ports.ReconnectNotifier.
func (s *MarketStream) Reconnects() <-chan struct{} {
	return s.reconnects
}

// Run mantiene la suscripción hasta que ctx se cancela. La secuencia por
// mercado sobrevive a las reconexiones.
func (s *MarketStream) Run(ctx context.Context, markets []domain.Market, out chan<- domain.BookSnapshot) error {
	asm := newAssembler(markets)
	connected := false
	attempt := 0

	for {
		err := s.session(ctx, asm, out, func() {
			if connected {
				select {
				case s.reconnects <- struct{}{}:
				default:
				}
				slog.Info("polymarket: market stream reconnected")
			}
			connected = true
			attempt = 0
		})
		if ctx.Err() != nil {
			return nil
		}

		wait := s.backoff(attempt)
		attempt++
		slog.Warn("polymarket: market stream dropped", "err", err, "retry_in", wait)

		t := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil
		case <-t.C:
		}
	}
}

func (s *MarketStream) backoff(attempt int) time.Duration {
	if attempt > 16 {
		return s.max
	}
	d := s.base << attempt
	if d > s.max {
		return s.max
	}
	return d
}

// session abre una conexión, suscribe todos los tokens y lee hasta error.
func (s *MarketStream) session(ctx context.Context, asm *assembler, out chan<- domain.BookSnapshot, onConnect func()) error {
	conn, _, err := s.dialer.DialContext(ctx, s.url, nil)
	if err != nil {
		return fmt.Errorf("ws.session: dial: %w", err)
	}
	defer conn.Close()

	sub := wsSubscribe{AssetsIDs: asm.tokenIDs(), Type: "market"}
	_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
	if err := conn.WriteJSON(sub); err != nil {
		return fmt.Errorf("ws.session: subscribe: %w", err)
	}
	onConnect()

	sessCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	// Cerrar la conexión desbloquea ReadMessage al cancelar.
	go func() {
		<-sessCtx.Done()
		_ = conn.Close()
	}()
	go s.pingLoop(sessCtx, conn)

	for {
		_ = conn.SetReadDeadline(time.Now().Add(wsReadTimeout))
		_, msg, err := conn.ReadMessage()
		if err != nil {
			return fmt.Errorf("ws.session: read: %w", err)
		}
		for _, snap := range decodeBookEvents(asm, msg) {
			select {
			case out <- snap:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pingLoop envía el keepalive de texto que espera el servidor.
func (s *MarketStream) pingLoop(ctx context.Context, conn *websocket.Conn) {
	ticker := time.NewTicker(wsPingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := conn.WriteMessage(websocket.TextMessage, []byte("PING")); err != nil {
				return
			}
		}
	}
}

// decodeBookEvents parsea un mensaje del canal: puede ser un objeto o un array.
// Ignora todo lo que no sea un evento "book" y las respuestas PONG.
func decodeBookEvents(asm *assembler, msg []byte) []domain.BookSnapshot {
	msg = bytes.TrimSpace(msg)
	if len(msg) == 0 || msg[0] != '[' && msg[0] != '{' {
		return nil
	}

	var events []wsEvent
	if msg[0] == '[' {
		if err := json.Unmarshal(msg, &events); err != nil {
			slog.Debug("polymarket: bad ws message", "err", err)
			return nil
		}
	} else {
		var ev wsEvent
		if err := json.Unmarshal(msg, &ev); err != nil {
			slog.Debug("polymarket: bad ws message", "err", err)
			return nil
		}
		events = []wsEvent{ev}
	}

	var out []domain.BookSnapshot
	for _, ev := range events {
		if ev.EventType != "book" {
			continue
		}
		at := parseTimestamp(ev.Timestamp.String())
		if at.IsZero() {
			at = time.Now()
		}
		if snap, ok := asm.apply(mapOrderBook(ev.AssetID, ev.Bids, ev.Asks), at); ok {
			out = append(out, snap)
		}
	}
	return out
}
