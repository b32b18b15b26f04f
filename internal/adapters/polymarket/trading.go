package polymarket

// trading.go — Real order execution via Polymarket CLOB API.
//
// TradingClient implements ports.Venue using AuthClient for L1/L2 auth.
// Orders are GTC limit orders. The CLOB exposes no per-account push channel
// here, so order events are synthesized by polling the tracked orders.

import (
	"context"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/sony/gobreaker"

	"github.com/alejandrodnm/polyarb/internal/domain"
	"github.com/alejandrodnm/polyarb/internal/ports"
)

const (
	usdcEAddress = "0x2791Bca1f2de4661ED88A30C99A7a9449Aa84174"

	defaultOrderPoll = time.Second
	eventBuffer      = 256
	fillEpsilon      = 1e-9
)

var balanceOfABI abi.ABI

func init() {
	var err error
	balanceOfABI, err = abi.JSON(strings.NewReader(`[{
		"name":"balanceOf","type":"function",
		"inputs":[{"name":"account","type":"address"}],
		"outputs":[{"name":"","type":"uint256"}]
	}]`))
	if err != nil {
		panic("balanceOf abi: " + err.Error())
	}
}

// trackedOrder es lo último que el poller sabe de una orden enviada.
type trackedOrder struct {
	acked  bool
	filled float64
	seq    uint64
}

// TradingClient implements ports.Venue.
type TradingClient struct {
	auth      *AuthClient
	rpcClient *ethclient.Client // nil sin rpc_url
	breaker   *gobreaker.CircuitBreaker
	interval  time.Duration
	events    chan domain.OrderEvent

	mu      sync.Mutex
	tracked map[string]*trackedOrder
}

// NewTradingClient creates a TradingClient. rpcURL is optional and only used
// for on-chain balance checks. pollInterval <= 0 uses 1s.
func NewTradingClient(auth *AuthClient, rpcURL string, pollInterval time.Duration) (*TradingClient, error) {
	if pollInterval <= 0 {
		pollInterval = defaultOrderPoll
	}
	tc := &TradingClient{
		auth:     auth,
		interval: pollInterval,
		events:   make(chan domain.OrderEvent, eventBuffer),
		tracked:  make(map[string]*trackedOrder),
		breaker: gobreaker.NewCircuitBreaker(gobreaker.Settings{
			Name:        "polymarket-clob",
			MaxRequests: 1,
			Interval:    time.Minute,
			Timeout:     30 * time.Second,
			ReadyToTrip: func(counts gobreaker.Counts) bool {
				return counts.ConsecutiveFailures >= 5
			},
			IsSuccessful: breakerSuccess,
			OnStateChange: func(name string, from, to gobreaker.State) {
				slog.Warn("polymarket: circuit breaker state change", "breaker", name, "from", from, "to", to)
			},
		}),
	}
	if rpcURL != "" {
		rpc, err := ethclient.Dial(rpcURL)
		if err != nil {
			return nil, fmt.Errorf("trading: dial rpc: %w", err)
		}
		tc.rpcClient = rpc
	}
	return tc, nil
}

// breakerSuccess: solo los fallos de red, 429 y 5xx cuentan para abrir el breaker.
// Un 4xx es culpa de la orden, no del venue.
func breakerSuccess(err error) bool {
	if err == nil {
		return true
	}
	var se *StatusError
	return errors.As(err, &se) && se.Code < 500 && se.Code != http.StatusTooManyRequests
}

// call runs fn through the breaker and classifies the result.
func (tc *TradingClient) call(op string, fn func() error) error {
	_, err := tc.breaker.Execute(func() (any, error) {
		return nil, fn()
	})
	if err == nil {
		return nil
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return &domain.TransientExecutionError{Op: op, Err: err}
	}
	return classify(op, err)
}

// Events implements ports.Venue.
func (tc *TradingClient) Events() <-chan domain.OrderEvent {
	return tc.events
}

// Submit signs and posts a limit order to the CLOB.
func (tc *TradingClient) Submit(ctx context.Context, req domain.OrderRequest) (domain.PlacedOrder, error) {
	if err := tc.call("creds", func() error { return tc.auth.EnsureCreds(ctx) }); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("trading.Submit: %w", err)
	}

	signed, err := tc.auth.buildSignedOrder(req.TokenID, req.Side, req.Price, req.Size, req.NegRisk)
	if err != nil {
		return domain.PlacedOrder{}, &domain.PermanentExecutionError{Op: "sign", Err: err}
	}

	body := clobOrderRequest{
		Order: clobOrderBody{
			Salt:          json.Number(signed.Order.Salt.String()),
			Maker:         signed.Order.Maker.Hex(),
			Signer:        signed.Order.Signer.Hex(),
			Taker:         signed.Order.Taker.Hex(),
			TokenID:       req.TokenID,
			MakerAmount:   signed.Order.MakerAmount.String(),
			TakerAmount:   signed.Order.TakerAmount.String(),
			Expiration:    signed.Order.Expiration.String(),
			Nonce:         signed.Order.Nonce.String(),
			FeeRateBps:    signed.Order.FeeRateBps.String(),
			Side:          string(req.Side),
			SignatureType: int(signed.Order.SignatureType.Int64()),
			Signature:     "0x" + hex.EncodeToString(signed.Signature),
		},
		Owner:     tc.auth.credentials().APIKey,
		OrderType: "GTC",
	}

	var resp clobOrderResponse
	if err := tc.call("submit", func() error {
		return tc.auth.doL2(ctx, http.MethodPost, "/order", body, &resp)
	}); err != nil {
		return domain.PlacedOrder{}, fmt.Errorf("trading.Submit: %w", err)
	}

	if !resp.Success || resp.ErrorMsg != "" {
		return domain.PlacedOrder{}, &domain.PermanentExecutionError{
			Op:  "submit",
			Err: fmt.Errorf("clob error: %s", resp.ErrorMsg),
		}
	}

	tc.mu.Lock()
	tc.tracked[resp.OrderID] = &trackedOrder{}
	tc.mu.Unlock()

	return domain.PlacedOrder{VenueOrderID: resp.OrderID, Status: resp.Status}, nil
}

// Cancel cancels a single order. An order the CLOB no longer knows is not an error.
func (tc *TradingClient) Cancel(ctx context.Context, venueOrderID string) error {
	err := tc.call("cancel", func() error {
		if err := tc.auth.EnsureCreds(ctx); err != nil {
			return err
		}
		return tc.auth.doL2(ctx, http.MethodDelete, "/order", clobCancelRequest{OrderID: venueOrderID}, nil)
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return nil
	}
	if err != nil {
		return fmt.Errorf("trading.Cancel %s: %w", venueOrderID, err)
	}
	return nil
}

// CancelAll cancels all open orders for this wallet.
func (tc *TradingClient) CancelAll(ctx context.Context) error {
	err := tc.call("cancel_all", func() error {
		if err := tc.auth.EnsureCreds(ctx); err != nil {
			return err
		}
		return tc.auth.doL2(ctx, http.MethodDelete, "/cancel-all", nil, nil)
	})
	if err != nil {
		return fmt.Errorf("trading.CancelAll: %w", err)
	}
	return nil
}

// QueryOrder returns the CLOB's view of one order.
func (tc *TradingClient) QueryOrder(ctx context.Context, venueOrderID string) (domain.VenueOrder, error) {
	var o clobOrder
	err := tc.call("query", func() error {
		if err := tc.auth.EnsureCreds(ctx); err != nil {
			return err
		}
		return tc.auth.doL2(ctx, http.MethodGet, "/data/order/"+venueOrderID, nil, &o)
	})
	var se *StatusError
	if errors.As(err, &se) && se.Code == http.StatusNotFound {
		return domain.VenueOrder{}, ports.ErrOrderNotFound
	}
	if err != nil {
		return domain.VenueOrder{}, fmt.Errorf("trading.QueryOrder %s: %w", venueOrderID, err)
	}
	if o.ID == "" {
		return domain.VenueOrder{}, ports.ErrOrderNotFound
	}
	return mapVenueOrder(o), nil
}

// OpenOrders returns all currently open orders from the CLOB.
func (tc *TradingClient) OpenOrders(ctx context.Context) ([]domain.VenueOrder, error) {
	var out []domain.VenueOrder
	cursor := ""
	for {
		path := "/data/orders"
		if cursor != "" {
			path += "?next_cursor=" + cursor
		}
		var resp clobOrdersResponse
		err := tc.call("open_orders", func() error {
			if err := tc.auth.EnsureCreds(ctx); err != nil {
				return err
			}
			return tc.auth.doL2(ctx, http.MethodGet, path, nil, &resp)
		})
		if err != nil {
			return nil, fmt.Errorf("trading.OpenOrders: %w", err)
		}
		for _, o := range resp.Data {
			out = append(out, mapVenueOrder(o))
		}
		if resp.NextCursor == "" || resp.NextCursor == "LTE=" || len(resp.Data) == 0 {
			return out, nil
		}
		cursor = resp.NextCursor
	}
}

// Run polls tracked orders and publishes ack/fill/cancel events until ctx ends.
func (tc *TradingClient) Run(ctx context.Context) error {
	ticker := time.NewTicker(tc.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			tc.pollOnce(ctx)
		}
	}
}

func (tc *TradingClient) pollOnce(ctx context.Context) {
	tc.mu.Lock()
	ids := make([]string, 0, len(tc.tracked))
	for id := range tc.tracked {
		ids = append(ids, id)
	}
	tc.mu.Unlock()

	for _, id := range ids {
		vo, err := tc.QueryOrder(ctx, id)
		if errors.Is(err, ports.ErrOrderNotFound) {
			continue
		}
		if err != nil {
			slog.Debug("polymarket: order poll failed", "venue_id", id, "err", err)
			continue
		}

		tc.mu.Lock()
		t, ok := tc.tracked[id]
		var events []domain.OrderEvent
		var done bool
		if ok {
			events, done = diffOrder(t, vo, time.Now())
			if done {
				delete(tc.tracked, id)
			}
		}
		tc.mu.Unlock()

		for _, ev := range events {
			select {
			case tc.events <- ev:
			case <-ctx.Done():
				return
			}
		}
	}
}

// diffOrder compara el estado del CLOB con lo ya publicado y devuelve los
// eventos nuevos. done indica que la orden llegó a un estado terminal.
func diffOrder(t *trackedOrder, vo domain.VenueOrder, now time.Time) (events []domain.OrderEvent, done bool) {
	if !t.acked {
		t.acked = true
		events = append(events, domain.OrderEvent{
			Type: domain.EventAck, VenueOrderID: vo.VenueOrderID, Timestamp: now,
		})
	}
	if vo.FilledSize > t.filled+fillEpsilon {
		t.seq++
		events = append(events, domain.OrderEvent{
			Type:         domain.EventFill,
			VenueOrderID: vo.VenueOrderID,
			FillSeq:      t.seq,
			Size:         vo.FilledSize - t.filled,
			CumFilled:    vo.FilledSize,
			Price:        vo.Price,
			Timestamp:    now,
		})
		t.filled = vo.FilledSize
	}
	switch vo.Status {
	case domain.StatusCanceled:
		events = append(events, domain.OrderEvent{
			Type: domain.EventCanceled, VenueOrderID: vo.VenueOrderID, Timestamp: now,
		})
		return events, true
	case domain.StatusFilled:
		return events, true
	}
	return events, false
}

// Balance returns the on-chain USDC.e balance of the wallet.
func (tc *TradingClient) Balance(ctx context.Context) (float64, error) {
	if tc.rpcClient == nil {
		return 0, fmt.Errorf("trading.Balance: no rpc configured")
	}
	callData, err := balanceOfABI.Pack("balanceOf", tc.auth.address)
	if err != nil {
		return 0, fmt.Errorf("trading.Balance: pack: %w", err)
	}

	token := common.HexToAddress(usdcEAddress)
	result, err := tc.rpcClient.CallContract(ctx, ethereum.CallMsg{
		To:   &token,
		Data: callData,
	}, nil)
	if err != nil {
		return 0, fmt.Errorf("trading.Balance: rpc call: %w", err)
	}

	vals, err := balanceOfABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return 0, fmt.Errorf("trading.Balance: unpack: %w", err)
	}

	raw := vals[0].(*big.Int)
	bal, _ := new(big.Float).Quo(new(big.Float).SetInt(raw), new(big.Float).SetFloat64(1e6)).Float64()
	return bal, nil
}
