package planner

import (
	"math"

	"go.uber.org/zap"
)

// Solve runs Dijkstra backwards from the terminal slice. Every edge goes from
// slice h to h+1, so one sweep over the slices in reverse order is enough.
func (g *Graph) Solve() {
	for h := g.input.HorizonHours - 1; h >= 0; h-- {
		for _, n := range g.Slices[h] {
			relax(n, g.Edges[n])
		}
	}
	g.solved = true
}

func relax(n *PlanNode, edges []*PlanEdge) {
	n.PathCost = math.Inf(1)
	n.Next, n.NextEdge = nil, nil
	for _, e := range edges {
		c := e.Cost + e.Head.PathCost
		if c < n.PathCost {
			n.PathCost = c
			n.Next = e.Head
			n.NextEdge = e
		}
	}
}

// InitialNode picks the slice-0 node matching the live tank reading: nearest
// top temperature, then middle temperature against the bottom reading, then
// thermocline, then energy.
func (g *Graph) InitialNode() (*PlanNode, error) {
	if g.initial != nil {
		return g.initial, nil
	}
	if !g.solved {
		return nil, ErrNotSolved
	}
	in := g.input
	var best *PlanNode
	var bestKey [4]float64
	for _, n := range g.Slices[0] {
		key := [4]float64{
			math.Abs(float64(n.State.Top) - in.InitialTopTempF),
			math.Abs(float64(n.State.Middle) - in.InitialBottomTempF),
			math.Abs(float64(n.State.Th1 - in.InitialThermocline)),
			math.Abs(n.Energy - g.currentEnergy),
		}
		if best == nil || lexLess(key, bestKey) {
			best, bestKey = n, key
		}
	}
	if best == nil {
		return nil, ErrNoInitialNode
	}

	if in.InitialTopTempF > MAX_TOP_TEMP_F {
		var kept []*PlanEdge
		for _, e := range g.Edges[best] {
			if e.Head.Energy <= best.Energy {
				kept = append(kept, e)
			}
		}
		if len(kept) < len(g.Edges[best]) {
			g.logger.Debug("planner: removed over-charge edges from initial node",
				zap.Int("removed", len(g.Edges[best])-len(kept)))
		}
		g.Edges[best] = kept
		relax(best, kept)
	}
	g.initial = best
	return best, nil
}

func lexLess(a, b [4]float64) bool {
	for i := range a {
		if a[i] != b[i] {
			return a[i] < b[i]
		}
	}
	return false
}

// Path follows the solved successors from the initial node.
func (g *Graph) Path() ([]*PlanEdge, error) {
	n, err := g.InitialNode()
	if err != nil {
		return nil, err
	}
	if g.trimmed {
		return nil, ErrTrimmed
	}
	var path []*PlanEdge
	for n.NextEdge != nil {
		path = append(path, n.NextEdge)
		n = n.Next
	}
	return path, nil
}

// ClosestFinite returns the node of slice h with finite path cost closest in energy.
func (g *Graph) ClosestFinite(h int, energy float64) *PlanNode {
	var best *PlanNode
	for _, n := range g.Slices[h] {
		if math.IsInf(n.PathCost, 1) {
			continue
		}
		if best == nil || math.Abs(n.Energy-energy) < math.Abs(best.Energy-energy) {
			best = n
		}
	}
	return best
}

// TrimAfterBid drops the time slices the next market cycle will rebuild anyway.
func (g *Graph) TrimAfterBid() {
	if len(g.Slices) <= 2 {
		return
	}
	for _, slice := range g.Slices[1:] {
		for _, n := range slice {
			delete(g.Edges, n)
		}
	}
	for _, n := range g.Slices[1] {
		n.Next, n.NextEdge = nil, nil
	}
	for h := 2; h < len(g.Slices); h++ {
		g.Slices[h] = nil
		g.nodeByState[h] = nil
	}
	g.Slices = g.Slices[:2]
	g.nodeByState = g.nodeByState[:2]
	g.trimmed = true
}
