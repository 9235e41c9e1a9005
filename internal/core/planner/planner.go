package planner

import (
	"errors"
	"time"

	"go.uber.org/zap"

	"github.com/spaceheat/scada/internal/core/domain"
	"github.com/spaceheat/scada/internal/core/thermal"
)

// PlanResult is the executed plan of one market cycle.
type PlanResult struct {
	CreatedAt     time.Time              `json:"created_at"`
	InitialNode   string                 `json:"initial_node"`
	HpHeatOut     []float64              `json:"hp_heat_out_kwh"`
	PathCost      float64                `json:"path_cost_usd"`
	Bid           []domain.PriceQuantity `json:"bid"`
	UsedHinge     bool                   `json:"used_hinge"`
	SolveDuration time.Duration          `json:"solve_duration"`
}

// HpOnNow reports whether the plan runs the heat pump during the current hour.
func (r *PlanResult) HpOnNow() bool {
	return r != nil && len(r.HpHeatOut) > 0 && r.HpHeatOut[0] > 0
}

type Planner struct {
	model  *thermal.Model
	sg     *SuperGraph
	hinge  HingeConfig
	logger *zap.Logger
}

func NewPlanner(model *thermal.Model, sg *SuperGraph, hinge HingeConfig, logger *zap.Logger) *Planner {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{
		model:  model,
		sg:     sg,
		hinge:  hinge,
		logger: logger,
	}
}

// Plan builds and solves the graph, refines the hinge, generates the bid and
// trims the graph. The hinge is skipped when no refined branch is feasible.
func (p *Planner) Plan(input PlanInput) (*PlanResult, error) {
	start := time.Now()
	g, err := NewGraph(p.model, p.sg, input, p.logger)
	if err != nil {
		return nil, err
	}
	g.Solve()
	initial, err := g.InitialNode()
	if err != nil {
		return nil, err
	}
	path, err := g.Path()
	if err != nil {
		return nil, err
	}

	result := &PlanResult{
		CreatedAt:   start,
		InitialNode: initial.State.String(),
		PathCost:    initial.PathCost,
	}
	for _, e := range path {
		result.HpHeatOut = append(result.HpHeatOut, e.HpHeatOut)
	}

	hinge, err := g.Hinge(p.hinge)
	switch {
	case err == nil:
		result.UsedHinge = true
		result.PathCost = hinge.Best.Total
		result.Bid = hinge.Bid
		hp := append([]float64(nil), hinge.Best.HpHeatOut...)
		n := hinge.Best.Knit
		for n.NextEdge != nil {
			hp = append(hp, n.NextEdge.HpHeatOut)
			n = n.Next
		}
		result.HpHeatOut = hp
	case errors.Is(err, ErrNoHingeBranch):
		p.logger.Info("planner: hinge infeasible, using coarse plan")
		if result.Bid, err = g.GenerateBid(); err != nil {
			return nil, err
		}
	default:
		return nil, err
	}

	g.TrimAfterBid()
	result.SolveDuration = time.Since(start)
	p.logger.Info("planner: plan ready",
		zap.String("initial", result.InitialNode),
		zap.Float64("path_cost", result.PathCost),
		zap.Int("bid_points", len(result.Bid)),
		zap.Bool("hinge", result.UsedHinge),
		zap.Duration("duration", result.SolveDuration))
	return result, nil
}
