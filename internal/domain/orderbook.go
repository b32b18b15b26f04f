package domain

import "time"

// OrderBook representa el libro de órdenes de un token.
type OrderBook struct {
	TokenID string
	Bids    []BookEntry // ordenados mayor a menor precio
	Asks    []BookEntry // ordenados menor a mayor precio
}

// BookEntry es un nivel de precio en el orderbook.
type BookEntry struct {
	Price float64
	Size  float64
}

// BestBid devuelve el mejor precio de compra (mayor bid).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestBid() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Price
}

// BestAsk devuelve el mejor precio de venta (menor ask).
// Devuelve 0 si el book está vacío.
func (ob OrderBook) BestAsk() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Price
}

// BestBidSize devuelve el tamaño (shares) disponible en el best bid.
func (ob OrderBook) BestBidSize() float64 {
	if len(ob.Bids) == 0 {
		return 0
	}
	return ob.Bids[0].Size
}

// BestAskSize devuelve el tamaño (shares) disponible en el best ask.
func (ob OrderBook) BestAskSize() float64 {
	if len(ob.Asks) == 0 {
		return 0
	}
	return ob.Asks[0].Size
}

// Midpoint devuelve el punto medio entre best bid y best ask.
func (ob OrderBook) Midpoint() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return (bid + ask) / 2
}

// Spread devuelve el spread del book (ask - bid).
func (ob OrderBook) Spread() float64 {
	bid := ob.BestBid()
	ask := ob.BestAsk()
	if bid == 0 || ask == 0 {
		return 0
	}
	return ask - bid
}

// BookSnapshot es la foto normalizada de un mercado: los books YES y NO
// capturados juntos, con un número de secuencia monótono por mercado.
type BookSnapshot struct {
	MarketID   string
	Yes        OrderBook
	No         OrderBook
	Seq        uint64
	CapturedAt time.Time
}

// Book devuelve el book del outcome pedido.
func (s BookSnapshot) Book(o Outcome) OrderBook {
	if o == OutcomeYes {
		return s.Yes
	}
	return s.No
}

// Mid devuelve el midpoint del outcome pedido (0 si el book está incompleto).
func (s BookSnapshot) Mid(o Outcome) float64 {
	return s.Book(o).Midpoint()
}
