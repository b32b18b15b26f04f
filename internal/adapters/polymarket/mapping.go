package polymarket

import (
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// mapSamplingMarkets convierte los DTOs del CLOB a domain.Market.
// Solo conserva mercados binarios YES/NO.
func mapSamplingMarkets(raw []samplingMarket) []domain.Market {
	markets := make([]domain.Market, 0, len(raw))
	for _, r := range raw {
		m, ok := mapSamplingMarket(r)
		if !ok {
			continue
		}
		markets = append(markets, m)
	}
	return markets
}

// mapSamplingMarket convierte un samplingMarket DTO a domain.Market.
func mapSamplingMarket(r samplingMarket) (domain.Market, bool) {
	if len(r.Tokens) != 2 {
		return domain.Market{}, false
	}
	m := domain.Market{
		ConditionID:  r.ConditionID,
		Question:     r.Question,
		Slug:         r.MarketSlug,
		TickSize:     r.MinimumTickSize,
		MinOrderSize: r.MinimumOrderSize,
		NegRisk:      r.NegRisk,
		Active:       r.Active,
		Closed:       r.Closed,
	}

	var yes, no bool
	for i, t := range r.Tokens {
		outcome := normalizeOutcome(t.Outcome)
		switch outcome {
		case "Yes":
			yes = true
		case "No":
			no = true
		}
		m.Tokens[i] = domain.Token{
			TokenID: t.TokenID,
			Outcome: outcome,
			Price:   t.Price,
		}
	}
	return m, yes && no
}

// normalizeOutcome lleva "YES"/"yes" a la forma "Yes" que usa el dominio.
func normalizeOutcome(s string) string {
	switch strings.ToLower(s) {
	case "yes":
		return "Yes"
	case "no":
		return "No"
	default:
		return s
	}
}

// enrichFromGamma aplica la metadata de Gamma sobre un mercado existente.
func enrichFromGamma(m *domain.Market, gm gammaMarket) {
	if gm.Question != "" {
		m.Question = gm.Question
	}
	if gm.Slug != "" {
		m.Slug = gm.Slug
	}

	if v, err := gm.Volume24h.Float64(); err == nil {
		m.Volume24h = v
	}
	if v, err := gm.OrderPriceMinTickSize.Float64(); err == nil && v > 0 && m.TickSize == 0 {
		m.TickSize = v
	}
	if v, err := gm.OrderMinSize.Float64(); err == nil && v > 0 && m.MinOrderSize == 0 {
		m.MinOrderSize = v
	}
	m.NegRisk = m.NegRisk || gm.NegRisk

	if gm.EndDateISO != "" {
		// Polymarket usa varios formatos; intentamos los más comunes
		for _, layout := range []string{
			time.RFC3339,
			"2006-01-02T15:04:05.000Z",
			"2006-01-02T15:04:05Z",
			"2006-01-02",
		} {
			if t, err := time.Parse(layout, gm.EndDateISO); err == nil {
				m.EndDate = t.UTC()
				break
			}
		}
	}
}

// mapOrderBooks convierte la respuesta batch de /books a un map tokenID→OrderBook.
func mapOrderBooks(raw []orderBookResponse) map[string]domain.OrderBook {
	result := make(map[string]domain.OrderBook, len(raw))
	for _, r := range raw {
		result[r.AssetID] = mapOrderBook(r.AssetID, r.Bids, r.Asks)
	}
	return result
}

func mapOrderBook(tokenID string, bids, asks []bookEntryRaw) domain.OrderBook {
	return domain.OrderBook{
		TokenID: tokenID,
		Bids:    mapBookEntries(bids, false),
		Asks:    mapBookEntries(asks, true),
	}
}

// mapBookEntries convierte entries raw a domain.BookEntry y los ordena.
// ascending=true → menor a mayor (asks), ascending=false → mayor a menor (bids).
func mapBookEntries(raw []bookEntryRaw, ascending bool) []domain.BookEntry {
	entries := make([]domain.BookEntry, 0, len(raw))
	for _, r := range raw {
		price, _ := strconv.ParseFloat(r.Price, 64)
		size, _ := strconv.ParseFloat(r.Size, 64)
		if price <= 0 || size <= 0 {
			continue
		}
		entries = append(entries, domain.BookEntry{Price: price, Size: size})
	}

	sort.Slice(entries, func(i, j int) bool {
		if ascending {
			return entries[i].Price < entries[j].Price
		}
		return entries[i].Price > entries[j].Price
	})

	return entries
}

// mapVenueOrder convierte una orden del CLOB a la vista de reconciliación.
func mapVenueOrder(o clobOrder) domain.VenueOrder {
	size := parseFloat(o.OriginalSize)
	filled := parseFloat(o.SizeMatched)

	return domain.VenueOrder{
		VenueOrderID: o.ID,
		MarketID:     o.Market,
		TokenID:      o.AssetID,
		Side:         domain.Side(strings.ToUpper(o.Side)),
		Price:        parseFloat(o.Price),
		Size:         size,
		FilledSize:   filled,
		Status:       mapOrderStatus(o.Status, size, filled),
		CreatedAt:    parseTimestamp(o.CreatedAt.String()),
	}
}

// mapOrderStatus traduce los estados del CLOB (LIVE, MATCHED, CANCELED...).
func mapOrderStatus(raw string, size, filled float64) domain.OrderStatus {
	upper := strings.ToUpper(raw)
	switch {
	case strings.Contains(upper, "MATCHED") && !strings.Contains(upper, "UNMATCHED"):
		return domain.StatusFilled
	case strings.Contains(upper, "CANCEL") || strings.Contains(upper, "INVALID") || strings.Contains(upper, "UNMATCHED"):
		return domain.StatusCanceled
	case size > 0 && filled >= size:
		return domain.StatusFilled
	case filled > 0:
		return domain.StatusPartiallyFilled
	default:
		return domain.StatusAcknowledged
	}
}

func parseFloat(s string) float64 {
	f, _ := strconv.ParseFloat(strings.TrimSpace(s), 64)
	return f
}

func parseTimestamp(s string) time.Time {
	if s == "" {
		return time.Time{}
	}
	if ts, err := strconv.ParseInt(s, 10, 64); err == nil && ts > 0 {
		if ts > 1e12 {
			return time.UnixMilli(ts).UTC()
		}
		return time.Unix(ts, 0).UTC()
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02T15:04:05", "2006-01-02 15:04:05"} {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC()
		}
	}
	return time.Time{}
}
