package forecast

import (
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DefaultColdestOatF is the coldest expected outdoor air temperature per month, January first.
var DefaultColdestOatF = [12]float64{-7, -5, 4, 18, 30, 40, 48, 46, 36, 24, 12, -1}

// Synthesizer produces complete forecasts from a Feed, filling gaps in the
// weather with the coldest OAT of the current month.
type Synthesizer struct {
	feed     Feed
	location *time.Location
	coldest  [12]float64
	logger   *zap.Logger
}

func NewSynthesizer(feed Feed, location *time.Location, coldest [12]float64, logger *zap.Logger) *Synthesizer {
	if location == nil {
		location = time.UTC
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Synthesizer{
		feed:     feed,
		location: location,
		coldest:  coldest,
		logger:   logger,
	}
}

func (s *Synthesizer) ColdestOat(t time.Time) float64 {
	return s.coldest[t.In(s.location).Month()-1]
}

func (s *Synthesizer) Forecast(horizon int) (Forecast, error) {
	nowS := s.feed.NowUnixS()
	now := time.Unix(nowS, 0)
	f := Forecast{StartUnixS: nowS - nowS%3600}

	reg, dist, lmp, err := s.feed.PriceForecast(horizon)
	if err != nil {
		return f, err
	}
	if len(reg) < horizon || len(dist) < horizon || len(lmp) < horizon {
		return f, fmt.Errorf("%w: reg=%d dist=%d lmp=%d", ErrMissingPrices, len(reg), len(dist), len(lmp))
	}
	f.RegUsdMwh = make([]float64, horizon)
	f.DistUsdMwh = make([]float64, horizon)
	f.LmpUsdMwh = make([]float64, horizon)
	for h := 0; h < horizon; h++ {
		f.RegUsdMwh[h] = float64(reg[h])
		f.DistUsdMwh[h] = float64(dist[h])
		f.LmpUsdMwh[h] = float64(lmp[h])
	}

	oat, wind, err := s.feed.WeatherForecast(horizon)
	if err != nil {
		s.logger.Warn("synthesizer: weather forecast unavailable, using coldest oat", zap.Error(err))
		oat, wind = nil, nil
	}
	f.OatF = make([]float64, horizon)
	f.WindMph = make([]float64, horizon)
	filled := 0
	for h := 0; h < horizon; h++ {
		if h < len(oat) && !math.IsNaN(oat[h]) {
			f.OatF[h] = oat[h]
		} else {
			f.OatF[h] = s.ColdestOat(now.Add(time.Duration(h) * time.Hour))
			filled++
		}
		if h < len(wind) && !math.IsNaN(wind[h]) {
			f.WindMph[h] = wind[h]
		}
	}
	if filled > 0 {
		s.logger.Info("synthesizer: filled missing oat values", zap.Int("hours", filled))
	}
	return f, nil
}
