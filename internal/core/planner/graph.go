package planner

import (
	"errors"
	"fmt"
	"math"

	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/forecast"
	"github.com/spaceheat/scada/internal/core/thermal"
)

var (
	ErrNoInitialNode = errors.New("no initial node")
	ErrNotSolved     = errors.New("graph not solved")
	ErrTrimmed       = errors.New("graph trimmed after bid")
)

// PlanInput is everything a planning call needs besides the super-graph.
type PlanInput struct {
	Forecast           forecast.Forecast
	InitialTopTempF    float64
	InitialBottomTempF float64
	InitialThermocline int
	BufferAvailableKwh float64
	HouseAvailableKwh  float64
	HpIsOff            bool
	HorizonHours       int
}

type PlanNode struct {
	TimeSlice int
	State     StorageState
	Energy    float64
	PathCost  float64
	Next      *PlanNode
	NextEdge  *PlanEdge
}

func (n *PlanNode) String() string {
	return fmt.Sprintf("%d:%s", n.TimeSlice, n.State)
}

type PlanEdge struct {
	Tail        *PlanNode
	Head        *PlanNode
	Cost        float64
	HpHeatOut   float64
	StoreHeatIn float64
	Penalty     bool
}

// Graph is the time-expanded storage-state graph of one planning call.
type Graph struct {
	model  *thermal.Model
	sg     *SuperGraph
	input  PlanInput
	logger *zap.Logger

	Load         []float64
	Rswt         []float64
	Cop          []float64
	ElecPrice    []float64
	MaxHpHeatOut []float64

	Slices [][]*PlanNode
	Edges  map[*PlanNode][]*PlanEdge

	nodeByState   []map[string]*PlanNode
	minEnergy     float64
	maxEnergy     float64
	currentEnergy float64
	initial       *PlanNode
	solved        bool
	trimmed       bool
}

// NewGraph shapes the load and builds the layered graph for input.
func NewGraph(model *thermal.Model, sg *SuperGraph, input PlanInput, logger *zap.Logger) (*Graph, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if input.HorizonHours <= 0 {
		return nil, fmt.Errorf("invalid horizon %d", input.HorizonHours)
	}
	if err := input.Forecast.Validate(input.HorizonHours); err != nil {
		return nil, err
	}
	g := &Graph{
		model:  model,
		sg:     sg,
		input:  input,
		logger: logger,
		Edges:  make(map[*PlanNode][]*PlanEdge),
	}
	g.shapeLoad()
	g.buildNodes()
	g.buildEdges()
	return g, nil
}

func (g *Graph) Horizon() int {
	return g.input.HorizonHours
}

func (g *Graph) Input() PlanInput {
	return g.input
}

func (g *Graph) Model() *thermal.Model {
	return g.model
}

func (g *Graph) shapeLoad() {
	p := g.model.Params
	fc := g.input.Forecast
	horizon := g.input.HorizonHours

	g.Load = make([]float64, horizon)
	g.Rswt = make([]float64, horizon)
	g.Cop = make([]float64, horizon)
	g.ElecPrice = make([]float64, horizon)
	g.MaxHpHeatOut = make([]float64, horizon)

	for h := 0; h < horizon; h++ {
		g.Load[h] = g.model.RequiredHeatingPower(fc.OatF[h], fc.WindMph[h])
		g.Rswt[h] = g.model.RequiredSWT(g.Load[h])
		g.Cop[h] = g.model.COP(fc.OatF[h])
		g.ElecPrice[h] = fc.ElecPriceCentsKwh(h)
	}

	buffer := g.input.BufferAvailableKwh
	for h := 0; h < horizon && buffer > 0; h++ {
		used := math.Min(buffer, g.Load[h])
		g.Load[h] -= used
		buffer -= used
	}

	house := g.input.HouseAvailableKwh
	if house < 0 {
		g.Load[0] += -house
	} else {
		for h := 0; h < horizon && house > 0; h++ {
			used := math.Min(house, g.Load[h])
			g.Load[h] -= used
			house -= used
		}
	}

	capped := false
	for h := 0; h < horizon; h++ {
		g.MaxHpHeatOut[h] = p.HpMaxElecKw * g.Cop[h]
		if h == 0 && g.input.HpIsOff {
			g.MaxHpHeatOut[h] *= 1 - p.HpTurnOnMinutes/60
		}
		if g.Load[h] > g.MaxHpHeatOut[h] {
			g.Load[h] = g.MaxHpHeatOut[h]
			capped = true
		}
	}
	if capped {
		g.logger.Warn("planner: load exceeds heat pump capacity, capped", zap.Float64s("load", g.Load))
	}
}

// InitialEnergy estimates the live tank energy from the two-band reading.
func (g *Graph) InitialEnergy() float64 {
	p := g.model.Params
	mass := p.LayerMassKg()
	th := math.Max(0, math.Min(float64(p.NumLayers), float64(g.input.InitialThermocline)))
	return th*thermal.WaterEnergyKwh(g.input.InitialTopTempF, mass) +
		(float64(p.NumLayers)-th)*thermal.WaterEnergyKwh(g.input.InitialBottomTempF, mass)
}

func (g *Graph) buildNodes() {
	p := g.model.Params
	mass := p.LayerMassKg()
	g.currentEnergy = g.InitialEnergy()
	prune := g.input.InitialTopTempF > MAX_TOP_TEMP_F

	var states []StorageState
	for _, s := range g.sg.States() {
		if prune && s.EnergyKwh(mass, p.NumLayers) > g.currentEnergy {
			continue
		}
		states = append(states, s)
	}

	g.minEnergy, g.maxEnergy = math.Inf(1), math.Inf(-1)
	g.Slices = make([][]*PlanNode, g.input.HorizonHours+1)
	g.nodeByState = make([]map[string]*PlanNode, g.input.HorizonHours+1)
	for h := 0; h <= g.input.HorizonHours; h++ {
		g.Slices[h] = make([]*PlanNode, 0, len(states))
		g.nodeByState[h] = make(map[string]*PlanNode, len(states))
		for _, s := range states {
			n := &PlanNode{
				TimeSlice: h,
				State:     s,
				Energy:    s.EnergyKwh(mass, p.NumLayers),
				PathCost:  math.Inf(1),
			}
			if h == g.input.HorizonHours {
				n.PathCost = 0
			}
			g.Slices[h] = append(g.Slices[h], n)
			g.nodeByState[h][s.String()] = n
			g.minEnergy = math.Min(g.minEnergy, n.Energy)
			g.maxEnergy = math.Max(g.maxEnergy, n.Energy)
		}
	}
}

// Losses is the hourly storage loss of a node in kWh.
func (g *Graph) Losses(energy float64) float64 {
	return g.model.Params.StorageLossesPct / 100 * (energy - g.minEnergy)
}

func (g *Graph) MinEnergy() float64 {
	return g.minEnergy
}

func (g *Graph) MaxEnergy() float64 {
	return g.maxEnergy
}

// HeatOutOptions are the candidate hp_heat_out values leaving a node at hour h.
func (g *Graph) HeatOutOptions(h int, n *PlanNode) []float64 {
	full := (g.maxEnergy - n.Energy) + g.Load[h] + g.Losses(n.Energy)
	if full <= MIN_FULL_HEAT_KWH {
		return []float64{0}
	}
	return []float64{0, math.Min(g.MaxHpHeatOut[h], full)}
}

func (g *Graph) penalized(h int, storeHeatIn float64, tail, head StorageState) bool {
	rswt := g.Rswt[h]
	return storeHeatIn < 0 && g.Load[h] > 0 &&
		(float64(tail.Top) < rswt || float64(head.Top) < rswt)
}

func (g *Graph) EdgeCost(h int, hpHeatOut float64) float64 {
	return g.ElecPrice[h] / 100 * hpHeatOut / g.Cop[h]
}

func (g *Graph) buildEdges() {
	missing := 0
	for h := 0; h < g.input.HorizonHours; h++ {
		for _, n := range g.Slices[h] {
			nodeStr := n.State.String()
			losses := g.Losses(n.Energy)
			for _, hp := range g.HeatOutOptions(h, n) {
				storeHeatIn := hp - g.Load[h] - losses
				succ, ok := g.sg.Successor(g.sg.Snap(storeHeatIn), nodeStr)
				if !ok {
					missing++
					continue
				}
				head, ok := g.nodeByState[h+1][succ]
				if !ok {
					// pruned successor
					continue
				}
				e := &PlanEdge{
					Tail:        n,
					Head:        head,
					Cost:        g.EdgeCost(h, hp),
					HpHeatOut:   hp,
					StoreHeatIn: storeHeatIn,
				}
				if g.penalized(h, storeHeatIn, n.State, head.State) {
					e.Cost += PENALTY_USD
					e.Penalty = true
				}
				g.Edges[n] = append(g.Edges[n], e)
			}
		}
	}
	if missing > 0 {
		g.logger.Warn("planner: super graph lookups missing", zap.Int("count", missing))
	}
}

func (g *Graph) NodeAt(h int, s StorageState) (*PlanNode, bool) {
	if h < 0 || h >= len(g.nodeByState) {
		return nil, false
	}
	n, ok := g.nodeByState[h][s.String()]
	return n, ok
}
