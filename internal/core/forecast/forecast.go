package forecast

import (
	"errors"
	"fmt"
	"sync"
	"time"
)

var (
	ErrMissingPrices  = errors.New("price forecast missing")
	ErrMissingWeather = errors.New("weather forecast missing")
	ErrShortForecast  = errors.New("forecast shorter than horizon")
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time {
	return time.Now()
}

// FakeClock is a settable clock for tests and simulation.
type FakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFakeClock(t time.Time) *FakeClock {
	return &FakeClock{t: t}
}

func (c *FakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FakeClock) Set(t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = t
}

func (c *FakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

// Forecast is an hourly forecast starting at the top of the current hour.
// Prices are USD/MWh, OAT is F and wind is mph.
type Forecast struct {
	StartUnixS int64
	OatF       []float64
	WindMph    []float64
	RegUsdMwh  []float64
	DistUsdMwh []float64
	LmpUsdMwh  []float64
}

func (f Forecast) Horizon() int {
	n := len(f.OatF)
	for _, l := range []int{len(f.WindMph), len(f.RegUsdMwh), len(f.DistUsdMwh), len(f.LmpUsdMwh)} {
		if l < n {
			n = l
		}
	}
	return n
}

func (f Forecast) ElecPriceUsdMwh(h int) float64 {
	return f.RegUsdMwh[h] + f.DistUsdMwh[h] + f.LmpUsdMwh[h]
}

// ElecPriceCentsKwh is the total electricity price in cents/kWh.
func (f Forecast) ElecPriceCentsKwh(h int) float64 {
	return f.ElecPriceUsdMwh(h) / 10
}

func (f Forecast) Validate(horizon int) error {
	if f.Horizon() < horizon {
		return fmt.Errorf("%w: have %d, need %d", ErrShortForecast, f.Horizon(), horizon)
	}
	return nil
}

// Flat builds a constant forecast, mostly useful for tests and simulation.
func Flat(horizon int, oatF, windMph, priceUsdMwh float64) Forecast {
	f := Forecast{
		OatF:       make([]float64, horizon),
		WindMph:    make([]float64, horizon),
		RegUsdMwh:  make([]float64, horizon),
		DistUsdMwh: make([]float64, horizon),
		LmpUsdMwh:  make([]float64, horizon),
	}
	for h := 0; h < horizon; h++ {
		f.OatF[h] = oatF
		f.WindMph[h] = windMph
		f.LmpUsdMwh[h] = priceUsdMwh
	}
	return f
}

// Feed is the upstream source of forecasts.
type Feed interface {
	NowUnixS() int64
	PriceForecast(horizon int) (reg, dist, lmp []int32, err error)
	WeatherForecast(horizon int) (oatF, windMph []float64, err error)
}
