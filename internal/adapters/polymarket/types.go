package polymarket

import "encoding/json"

// DTOs raw de la API de Polymarket. Solo se usan dentro de este paquete.
// La conversión a domain entities se hace en mapping.go.

// --- CLOB API ---

// samplingMarketsResponse es la respuesta paginada de GET /sampling-markets.
type samplingMarketsResponse struct {
	Limit      int              `json:"limit"`
	Count      int              `json:"count"`
	NextCursor string           `json:"next_cursor"`
	Data       []samplingMarket `json:"data"`
}

// samplingMarket es un mercado operable del CLOB.
type samplingMarket struct {
	ConditionID      string      `json:"condition_id"`
	QuestionID       string      `json:"question_id"`
	Question         string      `json:"question"`
	MarketSlug       string      `json:"market_slug"`
	Tokens           []clobToken `json:"tokens"`
	MinimumOrderSize float64     `json:"minimum_order_size"`
	MinimumTickSize  float64     `json:"minimum_tick_size"`
	NegRisk          bool        `json:"neg_risk"`
	Active           bool        `json:"active"`
	Closed           bool        `json:"closed"`
	AcceptingOrders  bool        `json:"accepting_orders"`
}

// clobToken representa un token (YES/NO) en el CLOB.
type clobToken struct {
	TokenID string  `json:"token_id"`
	Outcome string  `json:"outcome"`
	Price   float64 `json:"price"`
	Winner  bool    `json:"winner"`
}

// orderBookRequest es el body del POST /books batch.
type orderBookRequest struct {
	TokenID string `json:"token_id"`
}

// orderBookResponse es la respuesta de un item en POST /books.
type orderBookResponse struct {
	Market  string         `json:"market"`
	AssetID string         `json:"asset_id"`
	Bids    []bookEntryRaw `json:"bids"`
	Asks    []bookEntryRaw `json:"asks"`
}

// bookEntryRaw es un nivel de precio raw de la API (strings para mayor precisión).
type bookEntryRaw struct {
	Price string `json:"price"`
	Size  string `json:"size"`
}

// --- CLOB trading ---

// clobOrderRequest es el body de POST /order.
type clobOrderRequest struct {
	Order     clobOrderBody `json:"order"`
	Owner     string        `json:"owner"`
	OrderType string        `json:"orderType"`
}

type clobOrderBody struct {
	Salt          json.Number `json:"salt"`
	Maker         string      `json:"maker"`
	Signer        string      `json:"signer"`
	Taker         string      `json:"taker"`
	TokenID       string      `json:"tokenId"`
	MakerAmount   string      `json:"makerAmount"`
	TakerAmount   string      `json:"takerAmount"`
	Expiration    string      `json:"expiration"`
	Nonce         string      `json:"nonce"`
	FeeRateBps    string      `json:"feeRateBps"`
	Side          string      `json:"side"`
	SignatureType int         `json:"signatureType"`
	Signature     string      `json:"signature"`
}

type clobOrderResponse struct {
	ErrorMsg     string `json:"errorMsg"`
	OrderID      string `json:"orderID"`
	TakingAmount string `json:"takingAmount"`
	MakingAmount string `json:"makingAmount"`
	Status       string `json:"status"`
	Success      bool   `json:"success"`
}

type clobCancelRequest struct {
	OrderID string `json:"orderID"`
}

// clobOrder es una orden tal como la devuelven GET /data/order y /data/orders.
type clobOrder struct {
	ID           string      `json:"id"`
	AssetID      string      `json:"asset_id"`
	Market       string      `json:"market"`
	Side         string      `json:"side"`
	OriginalSize string      `json:"original_size"`
	SizeMatched  string      `json:"size_matched"`
	Price        string      `json:"price"`
	Status       string      `json:"status"`
	CreatedAt    json.Number `json:"created_at"`
	Outcome      string      `json:"outcome"`
}

type clobOrdersResponse struct {
	Data       []clobOrder `json:"data"`
	NextCursor string      `json:"next_cursor"`
}

// --- WebSocket market channel ---

// wsSubscribe es el mensaje inicial del canal market.
type wsSubscribe struct {
	AssetsIDs []string `json:"assets_ids"`
	Type      string   `json:"type"`
}

// wsEvent es un evento del canal market. Solo se consumen los de tipo "book".
type wsEvent struct {
	EventType string         `json:"event_type"`
	AssetID   string         `json:"asset_id"`
	Market    string         `json:"market"`
	Bids      []bookEntryRaw `json:"bids"`
	Asks      []bookEntryRaw `json:"asks"`
	Timestamp json.Number    `json:"timestamp"`
}

// --- Gamma API ---

// gammaMarketsResponse es la respuesta de GET /markets de Gamma.
type gammaMarketsResponse []gammaMarket

// gammaMarket contiene la metadata enriquecida de un mercado.
// Gamma devuelve algunos campos numéricos como strings JSON, usamos json.Number.
type gammaMarket struct {
	ConditionID           string      `json:"conditionId"`
	Question              string      `json:"question"`
	Slug                  string      `json:"slug"`
	EndDateISO            string      `json:"endDateIso"`
	Volume                json.Number `json:"volume"`
	Volume24h             json.Number `json:"volume24hr"`
	Liquidity             json.Number `json:"liquidity"`
	OrderPriceMinTickSize json.Number `json:"orderPriceMinTickSize"`
	OrderMinSize          json.Number `json:"orderMinSize"`
	NegRisk               bool        `json:"negRisk"`
	Active                bool        `json:"active"`
	Closed                bool        `json:"closed"`
}
