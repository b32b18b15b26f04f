package polymarket

// clob.go — Polymarket CLOB API adapter.
//
// FetchOrderBooks usa goroutines concurrentes para disparar múltiples batch requests
// en paralelo. El rate limiter (token bucket) en doWithRetry controla el ritmo
// automáticamente: las goroutines se autolimitan sin semáforo explícito.

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

const (
	samplingMarketsPath = "/sampling-markets"
	booksPath           = "/books"
	pageSize            = 100
	batchSize           = 20 // máx token_ids por request a /books
)

// FetchSamplingMarkets devuelve todos los mercados binarios operables.
// Pagina automáticamente usando next_cursor hasta agotar los resultados.
func (c *Client) FetchSamplingMarkets(ctx context.Context) ([]domain.Market, error) {
	var all []domain.Market
	cursor := ""

	for {
		url := fmt.Sprintf("%s%s?limit=%d", c.clobBase, samplingMarketsPath, pageSize)
		if cursor != "" {
			url += "&next_cursor=" + cursor
		}

		var resp samplingMarketsResponse
		if err := c.get(ctx, c.clobLimiter, url, &resp); err != nil {
			return nil, fmt.Errorf("clob.FetchSamplingMarkets: %w", err)
		}

		markets := mapSamplingMarkets(resp.Data)
		all = append(all, markets...)

		slog.Debug("polymarket: sampling markets page",
			"count", len(resp.Data),
			"total", len(all),
			"has_more", resp.NextCursor != "" && resp.NextCursor != "LTE=",
		)

		// "LTE=" es el cursor vacío codificado en base64 que indica última página
		if resp.NextCursor == "" || resp.NextCursor == "LTE=" {
			break
		}
		cursor = resp.NextCursor
	}

	slog.Info("polymarket: sampling markets fetched", "total", len(all))

	// Gamma es opcional: sin él no hay volumen 24h y el filtro por volumen
	// descarta esos mercados.
	if _, err := c.enrichMarkets(ctx, all); err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("clob.FetchSamplingMarkets: %w", err)
		}
		slog.Warn("polymarket: gamma enrichment failed, continuing without it", "err", err)
	}

	return all, nil
}

// MarketFilter acota el universo de mercados a operar.
type MarketFilter struct {
	MinVolume24h float64
	MaxMarkets   int      // 0 = sin límite
	Whitelist    []string // si no está vacía, solo estos condition_ids
	Blacklist    []string
}

// MarketSource implementa ports.MarketProvider sobre el CLOB + Gamma.
type MarketSource struct {
	client *Client
	filter MarketFilter
}

// NewMarketSource crea un MarketSource con el filtro dado.
func NewMarketSource(client *Client, filter MarketFilter) *MarketSource {
	return &MarketSource{client: client, filter: filter}
}

// FetchMarkets devuelve los mercados activos que pasan el filtro, ordenados
// por volumen 24h descendente.
func (s *MarketSource) FetchMarkets(ctx context.Context) ([]domain.Market, error) {
	all, err := s.client.FetchSamplingMarkets(ctx)
	if err != nil {
		return nil, fmt.Errorf("polymarket.FetchMarkets: %w", err)
	}
	out := s.filter.Apply(all)
	slog.Info("polymarket: markets selected", "fetched", len(all), "selected", len(out))
	return out, nil
}

// Apply filtra y ordena markets.
func (f MarketFilter) Apply(markets []domain.Market) []domain.Market {
	white := toSet(f.Whitelist)
	black := toSet(f.Blacklist)

	out := make([]domain.Market, 0, len(markets))
	for _, m := range markets {
		if !m.Active || m.Closed {
			continue
		}
		if _, ok := black[m.ConditionID]; ok {
			continue
		}
		if len(white) > 0 {
			if _, ok := white[m.ConditionID]; !ok {
				continue
			}
		}
		if m.Volume24h < f.MinVolume24h {
			continue
		}
		out = append(out, m)
	}

	sort.SliceStable(out, func(i, j int) bool { return out[i].Volume24h > out[j].Volume24h })
	if f.MaxMarkets > 0 && len(out) > f.MaxMarkets {
		out = out[:f.MaxMarkets]
	}
	return out
}

func toSet(ids []string) map[string]struct{} {
	set := make(map[string]struct{}, len(ids))
	for _, id := range ids {
		set[id] = struct{}{}
	}
	return set
}

// FetchOrderBooks obtiene los orderbooks para los token_ids dados usando el endpoint batch.
// Lanza un goroutine por batch (máx batchSize tokens cada uno) y los ejecuta
// concurrentemente. El rate limiter en fetchBooksBatch controla el ritmo automáticamente.
func (c *Client) FetchOrderBooks(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	if len(tokenIDs) == 0 {
		return map[string]domain.OrderBook{}, nil
	}

	batches := splitBatches(tokenIDs, batchSize)

	type batchResult struct {
		books map[string]domain.OrderBook
		err   error
		idx   int
	}

	resultCh := make(chan batchResult, len(batches))
	var wg sync.WaitGroup

	for i, batch := range batches {
		wg.Add(1)
		go func() {
			defer wg.Done()
			books, err := c.fetchBooksBatch(ctx, batch)
			resultCh <- batchResult{books: books, err: err, idx: i}
		}()
	}

	go func() {
		wg.Wait()
		close(resultCh)
	}()

	result := make(map[string]domain.OrderBook, len(tokenIDs))
	var firstErr error

	for r := range resultCh {
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("clob.FetchOrderBooks batch %d: %w", r.idx, r.err)
			}
			continue
		}
		for k, v := range r.books {
			result[k] = v
		}
	}

	if firstErr != nil {
		return nil, firstErr
	}

	slog.Debug("polymarket: order books fetched", "tokens", len(tokenIDs), "books", len(result))
	return result, nil
}

// splitBatches divide tokenIDs en slices de tamaño máximo size.
func splitBatches(tokenIDs []string, size int) [][]string {
	if size <= 0 {
		size = batchSize
	}
	batches := make([][]string, 0, (len(tokenIDs)+size-1)/size)
	for i := 0; i < len(tokenIDs); i += size {
		end := i + size
		if end > len(tokenIDs) {
			end = len(tokenIDs)
		}
		batches = append(batches, tokenIDs[i:end])
	}
	return batches
}

// fetchBooksBatch hace un POST /books para un batch de token_ids.
func (c *Client) fetchBooksBatch(ctx context.Context, tokenIDs []string) (map[string]domain.OrderBook, error) {
	body := make([]orderBookRequest, len(tokenIDs))
	for i, id := range tokenIDs {
		body[i] = orderBookRequest{TokenID: id}
	}

	var resp []orderBookResponse
	url := c.clobBase + booksPath
	if err := c.post(ctx, c.booksLimiter, url, body, &resp); err != nil {
		return nil, fmt.Errorf("POST /books: %w", err)
	}

	return mapOrderBooks(resp), nil
}
