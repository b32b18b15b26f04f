package polymarket

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

const (
	gammaMarketsPath = "/markets"
	gammaBatchSize   = 20
)

// errGammaUnavailable means no Gamma batch could be fetched.
var errGammaUnavailable = errors.New("gamma unavailable")

// enrichMarkets completa en sitio volumen 24h, tick, tamaño mínimo, neg risk y
// fecha de cierre desde Gamma. Un mercado que Gamma da por cerrado queda
// cerrado aunque el CLOB aún lo liste. Devuelve cuántos mercados se
// enriquecieron; falla solo si ningún batch respondió.
func (c *Client) enrichMarkets(ctx context.Context, markets []domain.Market) (int, error) {
	if len(markets) == 0 {
		return 0, nil
	}

	byID := make(map[string]int, len(markets))
	for i, m := range markets {
		byID[m.ConditionID] = i
	}

	var (
		enriched, closed int
		okBatches        int
		lastErr          error
	)
	for start := 0; start < len(markets); start += gammaBatchSize {
		end := min(start+gammaBatchSize, len(markets))
		ids := make([]string, 0, end-start)
		for _, m := range markets[start:end] {
			ids = append(ids, m.ConditionID)
		}

		resp, err := c.fetchGammaBatch(ctx, ids)
		if err != nil {
			if ctx.Err() != nil {
				return enriched, fmt.Errorf("gamma.enrichMarkets: %w", ctx.Err())
			}
			lastErr = err
			slog.Debug("polymarket: gamma batch failed, skipping", "from", start, "to", end, "err", err)
			continue
		}
		okBatches++

		for _, gm := range resp {
			i, ok := byID[gm.ConditionID]
			if !ok {
				continue
			}
			enrichFromGamma(&markets[i], gm)
			if gm.Closed {
				markets[i].Closed = true
				closed++
			}
			enriched++
		}
	}

	if okBatches == 0 {
		return 0, fmt.Errorf("gamma.enrichMarkets: %w: %w", errGammaUnavailable, lastErr)
	}
	slog.Debug("polymarket: gamma enrichment complete",
		"markets", len(markets),
		"enriched", enriched,
		"closed", closed,
	)
	return enriched, nil
}

func (c *Client) fetchGammaBatch(ctx context.Context, conditionIDs []string) (gammaMarketsResponse, error) {
	q := url.Values{}
	q.Set("condition_ids", strings.Join(conditionIDs, ","))
	q.Set("limit", strconv.Itoa(len(conditionIDs)))

	var resp gammaMarketsResponse
	if err := c.get(ctx, c.gammaLimiter, c.gammaBase+gammaMarketsPath+"?"+q.Encode(), &resp); err != nil {
		return nil, err
	}
	return resp, nil
}
