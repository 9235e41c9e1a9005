package planner

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/thermal"
)

const HINGE_MAX_TOP_TEMP_F = 175

var ErrNoHingeBranch = errors.New("no feasible hinge branch")

type HingeConfig struct {
	Hours    int   `mapstructure:"hours"`
	NumNodes []int `mapstructure:"num_nodes"`
}

func DefaultHingeConfig() HingeConfig {
	return HingeConfig{Hours: 2, NumNodes: []int{10, 3}}
}

func (c HingeConfig) Validate(horizon int) error {
	if c.Hours < 0 || c.Hours > horizon {
		return fmt.Errorf("hinge hours %d outside [0, %d]", c.Hours, horizon)
	}
	if len(c.NumNodes) < c.Hours {
		return fmt.Errorf("hinge needs %d num_nodes entries, got %d", c.Hours, len(c.NumNodes))
	}
	for _, n := range c.NumNodes[:c.Hours] {
		if n < 1 {
			return fmt.Errorf("hinge num_nodes must be >= 1, got %d", n)
		}
	}
	return nil
}

// TankState is the continuous two-band tank used inside the hinge.
type TankState struct {
	TopF    float64
	BottomF float64
	Hot     float64
}

func (t TankState) Energy(layerMassKg float64, numLayers int) float64 {
	return t.Hot*thermal.WaterEnergyKwh(t.TopF, layerMassKg) +
		(float64(numLayers)-t.Hot)*thermal.WaterEnergyKwh(t.BottomF, layerMassKg)
}

type HingeBranch struct {
	HpHeatOut []float64
	States    []TankState
	Cost      float64
	Knit      *PlanNode
	Total     float64
}

type HingeResult struct {
	Best     HingeBranch
	Branches []HingeBranch
	Bid      []domain.PriceQuantity
}

// HingeLevels are the equally spaced heat output levels of hour h, with the
// level closest to the load replaced by the load itself.
func (g *Graph) HingeLevels(h, n int) []float64 {
	if n <= 1 {
		return []float64{g.Load[h]}
	}
	levels := make([]float64, n)
	closest := 0
	for i := range levels {
		levels[i] = g.MaxHpHeatOut[h] * float64(i) / float64(n-1)
		if math.Abs(levels[i]-g.Load[h]) < math.Abs(levels[closest]-g.Load[h]) {
			closest = i
		}
	}
	levels[closest] = g.Load[h]
	return levels
}

func tempRiseF(energyKwh, massKg float64) float64 {
	if massKg <= 0 {
		return 0
	}
	return energyKwh * 3600 / (thermal.WATER_SPECIFIC_HEAT_KJ_PER_KG_K * massKg) * 9 / 5
}

func (g *Graph) chargeTank(t TankState, energy float64) TankState {
	p := g.model.Params
	m := p.LayerMassKg()
	n := float64(p.NumLayers)

	heated := t.BottomF + g.model.DeltaT(t.BottomF)
	if heated > t.TopF {
		charged := thermal.WaterMassForEnergyKwh(energy, heated-t.BottomF)
		hotMass := t.Hot * m
		if hotMass+charged > 0 {
			t.TopF = (hotMass*t.TopF + charged*heated) / (hotMass + charged)
		}
		t.Hot += charged / m
		energy = 0
	} else {
		perLayer := thermal.WaterEnergyKwh(t.TopF, m) - thermal.WaterEnergyKwh(t.BottomF, m)
		if perLayer <= 0 {
			t.Hot = n
		} else {
			t.Hot += energy / perLayer
			energy = 0
		}
	}
	if t.Hot > n || energy > 0 {
		if t.Hot > n {
			perLayer := thermal.WaterEnergyKwh(t.TopF, m) - thermal.WaterEnergyKwh(t.BottomF, m)
			energy += (t.Hot - n) * perLayer
			t.Hot = n
		}
		t.TopF += tempRiseF(energy, n*m)
		t.BottomF = t.TopF
	}
	return t
}

func (g *Graph) dischargeTank(t TankState, energy float64) TankState {
	p := g.model.Params
	m := p.LayerMassKg()
	n := float64(p.NumLayers)

	perLayer := thermal.WaterEnergyKwh(t.TopF, m) - thermal.WaterEnergyKwh(t.BottomF, m)
	if perLayer > 0 {
		t.Hot -= energy / perLayer
		if t.Hot >= 0 {
			return t
		}
		energy = -t.Hot * perLayer
		t.Hot = 0
	}
	t.BottomF -= tempRiseF(energy, n*m)
	t.TopF = t.BottomF
	return t
}

// hingeStep simulates one hour; false means the branch is infeasible.
func (g *Graph) hingeStep(t TankState, h int, hp float64) (TankState, bool) {
	p := g.model.Params
	losses := g.Losses(t.Energy(p.LayerMassKg(), p.NumLayers))
	storeHeatIn := hp - g.Load[h] - losses

	var next TankState
	if storeHeatIn >= 0 {
		next = g.chargeTank(t, storeHeatIn)
	} else {
		next = g.dischargeTank(t, -storeHeatIn)
	}
	if next.TopF > HINGE_MAX_TOP_TEMP_F {
		return next, false
	}
	if storeHeatIn < 0 && g.Load[h] > 0 {
		rswt := g.Rswt[h]
		if next.TopF < rswt-g.model.DeltaT(rswt) {
			return next, false
		}
	}
	return next, true
}

func (g *Graph) initialTank() TankState {
	in := g.input
	th := math.Max(0, math.Min(float64(g.model.Params.NumLayers), float64(in.InitialThermocline)))
	return TankState{TopF: in.InitialTopTempF, BottomF: in.InitialBottomTempF, Hot: th}
}

// Hinge refines the first hours of the solved graph and regenerates the
// first-hour bid over the refined options.
func (g *Graph) Hinge(cfg HingeConfig) (*HingeResult, error) {
	if !g.solved {
		return nil, ErrNotSolved
	}
	if g.trimmed {
		return nil, ErrTrimmed
	}
	if err := cfg.Validate(g.input.HorizonHours); err != nil {
		return nil, err
	}
	if cfg.Hours == 0 {
		return nil, ErrNoHingeBranch
	}

	levels := make([][]float64, cfg.Hours)
	for h := range levels {
		levels[h] = g.HingeLevels(h, cfg.NumNodes[h])
	}

	p := g.model.Params
	mass := p.LayerMassKg()
	result := &HingeResult{}
	bestIdx := -1

	choice := make([]int, cfg.Hours)
	for {
		branch := HingeBranch{HpHeatOut: make([]float64, cfg.Hours)}
		t := g.initialTank()
		ok := true
		for h := 0; h < cfg.Hours && ok; h++ {
			hp := levels[h][choice[h]]
			branch.HpHeatOut[h] = hp
			branch.Cost += g.EdgeCost(h, hp)
			t, ok = g.hingeStep(t, h, hp)
			branch.States = append(branch.States, t)
		}
		if ok {
			if knit := g.ClosestFinite(cfg.Hours, t.Energy(mass, p.NumLayers)); knit != nil {
				branch.Knit = knit
				branch.Total = branch.Cost + knit.PathCost
				result.Branches = append(result.Branches, branch)
				if bestIdx < 0 || branch.Total < result.Branches[bestIdx].Total {
					bestIdx = len(result.Branches) - 1
				}
			}
		}

		// odometer over the cartesian product
		h := cfg.Hours - 1
		for ; h >= 0; h-- {
			choice[h]++
			if choice[h] < len(levels[h]) {
				break
			}
			choice[h] = 0
		}
		if h < 0 {
			break
		}
	}

	if bestIdx < 0 {
		return nil, ErrNoHingeBranch
	}
	result.Best = result.Branches[bestIdx]
	result.Bid = SweepBid(g.hingeBidOptions(result.Branches), g.input.Forecast.ElecPriceUsdMwh(0))
	g.logger.Debug("planner: hinge",
		zap.Int("branches", len(result.Branches)),
		zap.Float64s("hp_heat_out", result.Best.HpHeatOut),
		zap.Float64("total", result.Best.Total))
	return result, nil
}

// hingeBidOptions keeps, per first-hour level, the cheapest continuation.
// A negative level bids as the first-hour endpoint of larger magnitude.
func (g *Graph) hingeBidOptions(branches []HingeBranch) []BidOption {
	lo, hi := math.Inf(1), math.Inf(-1)
	for _, b := range branches {
		lo = math.Min(lo, b.HpHeatOut[0])
		hi = math.Max(hi, b.HpHeatOut[0])
	}
	endpoint := hi
	if math.Abs(lo) > math.Abs(hi) {
		endpoint = lo
	}
	byLevel := make(map[float64]int)
	var opts []BidOption
	for _, b := range branches {
		hp := b.HpHeatOut[0]
		qtyHp := hp
		if qtyHp < 0 {
			qtyHp = endpoint
		}
		cont := b.Total - g.EdgeCost(0, hp)
		if i, ok := byLevel[hp]; ok {
			if cont < opts[i].ContinuationCost {
				opts[i].ContinuationCost = cont
			}
			continue
		}
		byLevel[hp] = len(opts)
		opts = append(opts, BidOption{
			HpHeatOut:        hp,
			QuantityKw:       math.Max(0, qtyHp/g.Cop[0]),
			ContinuationCost: cont,
		})
	}
	return opts
}
