package planner

import (
	"math"
	"sort"

	"github.com/spaceheat/scada/internal/core/domain"
)

const (
	BID_MIN_PRICE_USD_MWH = -100
	BID_MAX_PRICE_USD_MWH = 1999
)

// BidOption is one way of running the heat pump in the first hour: the
// electrical quantity it draws and the cost of everything that follows.
type BidOption struct {
	HpHeatOut        float64
	QuantityKw       float64
	ContinuationCost float64
}

func (o BidOption) costAt(priceUsdMwh float64) float64 {
	return o.QuantityKw*priceUsdMwh/1000 + o.ContinuationCost
}

// BidPrices is the price sweep, ascending and without duplicates.
func BidPrices(forecastPriceUsdMwh float64) []float64 {
	prices := make([]float64, 0, BID_MAX_PRICE_USD_MWH-BID_MIN_PRICE_USD_MWH+2)
	for p := BID_MIN_PRICE_USD_MWH; p <= BID_MAX_PRICE_USD_MWH; p++ {
		prices = append(prices, float64(p))
	}
	i := sort.SearchFloat64s(prices, forecastPriceUsdMwh)
	if i == len(prices) || prices[i] != forecastPriceUsdMwh {
		prices = append(prices, 0)
		copy(prices[i+1:], prices[i:])
		prices[i] = forecastPriceUsdMwh
	}
	return prices
}

// SweepBid evaluates the options at every price of the sweep and returns the
// coalesced price-quantity curve. Ties go to the smaller quantity so the curve
// never increases with price.
func SweepBid(options []BidOption, forecastPriceUsdMwh float64) []domain.PriceQuantity {
	if len(options) == 0 {
		return nil
	}
	var pq []domain.PriceQuantity
	lastQty := int64(math.MinInt64)
	for _, p := range BidPrices(forecastPriceUsdMwh) {
		best := options[0]
		bestCost := best.costAt(p)
		for _, o := range options[1:] {
			c := o.costAt(p)
			if c < bestCost || (c == bestCost && o.QuantityKw < best.QuantityKw) {
				best, bestCost = o, c
			}
		}
		qty := int64(math.Round(math.Max(0, best.QuantityKw) * 1000))
		if qty == lastQty {
			continue
		}
		pq = append(pq, domain.PriceQuantity{
			PriceTimes1000:    int64(math.Round(p * 1000)),
			QuantityTimes1000: qty,
		})
		lastQty = qty
	}
	return pq
}

// BidOptions returns the coarse options leaving the initial node.
func (g *Graph) BidOptions() ([]BidOption, error) {
	n, err := g.InitialNode()
	if err != nil {
		return nil, err
	}
	cop := g.Cop[0]
	var opts []BidOption
	for _, e := range g.Edges[n] {
		cont := e.Head.PathCost
		if e.Penalty {
			cont += PENALTY_USD
		}
		opts = append(opts, BidOption{
			HpHeatOut:        e.HpHeatOut,
			QuantityKw:       e.HpHeatOut / cop,
			ContinuationCost: cont,
		})
	}
	return opts, nil
}

// GenerateBid builds the bid for the first hour from the coarse graph.
func (g *Graph) GenerateBid() ([]domain.PriceQuantity, error) {
	opts, err := g.BidOptions()
	if err != nil {
		return nil, err
	}
	return SweepBid(opts, g.input.Forecast.ElecPriceUsdMwh(0)), nil
}
