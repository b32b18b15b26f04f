package domain

// FeeModel estima los costes por share de ejecutar una orden.
// Los fees del CLOB se expresan en basis points sobre el precio.
type FeeModel struct {
	TakerFeeBps float64
	MakerFeeBps float64
	GasPerOrder float64 // USDC por orden enviada
}

// TakerFee devuelve el fee por share de tomar liquidez a un precio combinado.
func (f FeeModel) TakerFee(price float64) float64 {
	return price * f.TakerFeeBps / 10_000
}

// MakerFee devuelve el fee por share de una orden que descansa en el book.
func (f FeeModel) MakerFee(price float64) float64 {
	return price * f.MakerFeeBps / 10_000
}

// Gas amortiza el coste fijo de gas de legs órdenes sobre size shares.
func (f FeeModel) Gas(legs int, size float64) float64 {
	if size <= 0 || f.GasPerOrder <= 0 {
		return 0
	}
	return float64(legs) * f.GasPerOrder / size
}

// BundleBuyEdge es el beneficio por share de comprar YES+NO y cobrar 1 al resolver.
func BundleBuyEdge(askYes, askNo, fee, gas float64) float64 {
	return 1 - (askYes + askNo) - fee - gas
}

// BundleSellEdge es el beneficio por share de vender YES+NO por encima de 1.
func BundleSellEdge(bidYes, bidNo, fee, gas float64) float64 {
	return (bidYes + bidNo) - 1 - fee - gas
}

// WalkLevels recorre los niveles del book hasta llenar shares.
// Devuelve los shares llenados y el precio medio ponderado por volumen.
// limit acota el precio: para asks no se toman niveles por encima, para
// bids (ascending=false) no se toman niveles por debajo. limit <= 0 no acota.
func WalkLevels(levels []BookEntry, shares, limit float64, ascending bool) (filled, avgPrice float64) {
	if len(levels) == 0 || shares <= 0 {
		return 0, 0
	}
	remaining := shares
	var cost float64
	for _, lvl := range levels {
		if limit > 0 {
			if ascending && lvl.Price > limit {
				break
			}
			if !ascending && lvl.Price < limit {
				break
			}
		}
		take := lvl.Size
		if take > remaining {
			take = remaining
		}
		filled += take
		cost += take * lvl.Price
		remaining -= take
		if remaining <= 0 {
			break
		}
	}
	if filled == 0 {
		return 0, 0
	}
	return filled, cost / filled
}
