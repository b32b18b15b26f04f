// Package detector turns book snapshots into candidate opportunities.
//
// Detect no hace I/O ni muta estado: es seguro llamarlo en paralelo para
// mercados distintos. El cooldown vive en Throttle, aplicado por el pipeline.
package detector

import (
	"math"
	"time"

	"github.com/google/uuid"

	"github.com/alejandrodnm/polyarb/internal/domain"
)

// epsilon absorbe el error de coma flotante al comparar contra umbrales.
const epsilon = 1e-9

// Config parametriza los umbrales y el tamaño de las oportunidades.
type Config struct {
	MinEdge          float64 // edge mínimo por share tras fees y gas
	MinSpread        float64 // spread mínimo para cotizar market making
	Fees             domain.FeeModel
	DefaultOrderSize float64 // USDC por quote de market making
	MaxOrderSize     float64 // USDC máximo por orden (0 = sin tope)
	MarketMaking     bool
}

// BookReader es la vista del book store que necesita el detector.
type BookReader interface {
	Current(marketID string) (domain.BookSnapshot, bool)
	Market(marketID string) (domain.Market, bool)
}

// Detector evalúa snapshots y emite oportunidades.
type Detector struct {
	cfg   Config
	books BookReader
	now   func() time.Time
}

// New crea un detector sobre el book store.
func New(cfg Config, books BookReader) *Detector {
	return &Detector{cfg: cfg, books: books, now: time.Now}
}

// Detect recomputa las oportunidades de un mercado desde su snapshot actual.
// Devuelve nil si el mercado no está registrado o no tiene book.
func (d *Detector) Detect(marketID string) []domain.Opportunity {
	market, ok := d.books.Market(marketID)
	if !ok {
		return nil
	}
	snap, ok := d.books.Current(marketID)
	if !ok {
		return nil
	}
	return d.Evaluate(market, snap)
}

// Evaluate es la forma pura de Detect.
func (d *Detector) Evaluate(market domain.Market, snap domain.BookSnapshot) []domain.Opportunity {
	now := d.now()
	var opps []domain.Opportunity

	if opp, ok := d.bundleBuy(market, snap); ok {
		opps = append(opps, opp)
	}
	if opp, ok := d.bundleSell(market, snap); ok {
		opps = append(opps, opp)
	}
	if d.cfg.MarketMaking {
		for _, o := range []domain.Outcome{domain.OutcomeYes, domain.OutcomeNo} {
			if opp, ok := d.quote(market, snap, o); ok {
				opps = append(opps, opp)
			}
		}
	}

	for i := range opps {
		opps[i].ID = uuid.New().String()
		opps[i].MarketID = snap.MarketID
		opps[i].SourceSeq = snap.Seq
		opps[i].DetectedAt = now
	}
	return opps
}

// bundleBuy: comprar YES+NO en los asks y cobrar 1 al resolver.
func (d *Detector) bundleBuy(market domain.Market, snap domain.BookSnapshot) (domain.Opportunity, bool) {
	askYes, askNo := snap.Yes.BestAsk(), snap.No.BestAsk()
	if askYes <= 0 || askNo <= 0 {
		return domain.Opportunity{}, false
	}
	combined := askYes + askNo
	size := d.bundleSize(market, combined, snap.Yes.BestAskSize(), snap.No.BestAskSize())
	if size == 0 {
		return domain.Opportunity{}, false
	}

	fee := d.cfg.Fees.TakerFee(combined)
	gas := d.cfg.Fees.Gas(2, size)
	edge := domain.BundleBuyEdge(askYes, askNo, fee, gas)
	if edge+epsilon < d.cfg.MinEdge {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		Kind: domain.KindBundleArbBuy,
		Edge: edge,
		Size: size,
		Bundle: &domain.BundlePayload{
			YesPrice: askYes, NoPrice: askNo, FeePerShare: fee, GasPerShare: gas,
		},
	}, true
}

// bundleSell: vender YES+NO en los bids cuando suman más de 1.
func (d *Detector) bundleSell(market domain.Market, snap domain.BookSnapshot) (domain.Opportunity, bool) {
	bidYes, bidNo := snap.Yes.BestBid(), snap.No.BestBid()
	if bidYes <= 0 || bidNo <= 0 {
		return domain.Opportunity{}, false
	}
	combined := bidYes + bidNo
	size := d.bundleSize(market, combined, snap.Yes.BestBidSize(), snap.No.BestBidSize())
	if size == 0 {
		return domain.Opportunity{}, false
	}

	fee := d.cfg.Fees.TakerFee(combined)
	gas := d.cfg.Fees.Gas(2, size)
	edge := domain.BundleSellEdge(bidYes, bidNo, fee, gas)
	if edge+epsilon < d.cfg.MinEdge {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		Kind: domain.KindBundleArbSell,
		Edge: edge,
		Size: size,
		Bundle: &domain.BundlePayload{
			YesPrice: bidYes, NoPrice: bidNo, FeePerShare: fee, GasPerShare: gas,
		},
	}, true
}

// bundleSize limita el tamaño a la profundidad del mejor nivel de ambos lados
// y al notional máximo. Devuelve 0 si queda por debajo del mínimo del mercado.
func (d *Detector) bundleSize(market domain.Market, combined, depthYes, depthNo float64) float64 {
	size := math.Min(depthYes, depthNo)
	if d.cfg.MaxOrderSize > 0 && combined > 0 {
		size = math.Min(size, d.cfg.MaxOrderSize/combined)
	}
	size = floorShares(size)
	if size+epsilon < market.MinSize() {
		return 0
	}
	return size
}

// quote propone un bid un tick sobre el mejor bid y un ask un tick bajo el
// mejor ask. Requiere que las dos quotes queden separadas al menos dos ticks.
func (d *Detector) quote(market domain.Market, snap domain.BookSnapshot, o domain.Outcome) (domain.Opportunity, bool) {
	book := snap.Book(o)
	bid, ask := book.BestBid(), book.BestAsk()
	if bid <= 0 || ask <= 0 {
		return domain.Opportunity{}, false
	}
	if book.Spread()+epsilon < d.cfg.MinSpread {
		return domain.Opportunity{}, false
	}

	tick := market.Tick()
	ourBid := roundToTick(bid+tick, tick)
	ourAsk := roundToTick(ask-tick, tick)
	if ourAsk-ourBid+epsilon < 2*tick {
		return domain.Opportunity{}, false
	}

	mid := book.Midpoint()
	size := d.cfg.DefaultOrderSize / mid
	if d.cfg.MaxOrderSize > 0 {
		size = math.Min(size, d.cfg.MaxOrderSize/mid)
	}
	size = math.Max(floorShares(size), market.MinSize())

	edge := (ourAsk-ourBid)/2 - d.cfg.Fees.MakerFee(mid)
	if edge <= 0 || edge+epsilon < d.cfg.MinEdge {
		return domain.Opportunity{}, false
	}
	return domain.Opportunity{
		Kind: domain.KindMarketMaking,
		Edge: edge,
		Size: size,
		Quote: &domain.QuotePayload{
			Outcome: o, BidPrice: ourBid, AskPrice: ourAsk,
		},
	}, true
}

// floorShares redondea hacia abajo a 2 decimales, la precisión del CLOB.
func floorShares(s float64) float64 {
	return math.Floor(s*100+epsilon) / 100
}

func roundToTick(price, tick float64) float64 {
	return math.Round(price/tick) * tick
}
