package forecast

import (
	"sync"
)

type hourlySeries struct {
	startS int64
	values [][]float64
}

// Cache is a Feed backed by the latest forecasts pushed by the market agent.
// Series are hourly and start at startS; reads are offset to the current hour.
type Cache struct {
	clock Clock

	mu      sync.RWMutex
	prices  *hourlySeries
	weather *hourlySeries
}

func NewCache(clock Clock) *Cache {
	return &Cache{clock: clock}
}

func (c *Cache) NowUnixS() int64 {
	return c.clock.Now().Unix()
}

func (c *Cache) SetPrices(startS int64, reg, dist, lmp []int32) {
	conv := func(in []int32) []float64 {
		out := make([]float64, len(in))
		for i, v := range in {
			out[i] = float64(v)
		}
		return out
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.prices = &hourlySeries{startS: startS, values: [][]float64{conv(reg), conv(dist), conv(lmp)}}
}

func (c *Cache) SetWeather(startS int64, oatF, windMph []float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.weather = &hourlySeries{startS: startS, values: [][]float64{append([]float64(nil), oatF...), append([]float64(nil), windMph...)}}
}

func (s *hourlySeries) window(nowS int64, horizon int) [][]float64 {
	offset := 0
	if nowS > s.startS {
		offset = int((nowS - s.startS) / 3600)
	}
	out := make([][]float64, len(s.values))
	for i, series := range s.values {
		if offset >= len(series) {
			out[i] = nil
			continue
		}
		end := offset + horizon
		if end > len(series) {
			end = len(series)
		}
		out[i] = append([]float64(nil), series[offset:end]...)
	}
	return out
}

func (c *Cache) PriceForecast(horizon int) ([]int32, []int32, []int32, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.prices == nil {
		return nil, nil, nil, ErrMissingPrices
	}
	w := c.prices.window(c.NowUnixS(), horizon)
	toInt := func(in []float64) []int32 {
		out := make([]int32, len(in))
		for i, v := range in {
			out[i] = int32(v)
		}
		return out
	}
	return toInt(w[0]), toInt(w[1]), toInt(w[2]), nil
}

func (c *Cache) WeatherForecast(horizon int) ([]float64, []float64, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.weather == nil {
		return nil, nil, ErrMissingWeather
	}
	w := c.weather.window(c.NowUnixS(), horizon)
	return w[0], w[1], nil
}

var _ Feed = (*Cache)(nil)
