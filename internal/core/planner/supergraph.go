package planner

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strconv"

	"github.com/spaceheat/scada/internal/core/thermal"
)

const SUPER_GRAPH_FILE = "super_graph.json"

var ErrEmptySuperGraph = errors.New("super graph has no entries")

// SuperGraph maps (store_heat_in, node) to the successor node. It is read-only once loaded.
type SuperGraph struct {
	keys    []float64
	keyStrs []string
	edges   map[string]map[string]string
	states  []StorageState
}

func FormatStoreHeatIn(kwh float64) string {
	v := math.Round(kwh*10) / 10
	if v == 0 {
		v = 0
	}
	return strconv.FormatFloat(v, 'f', 1, 64)
}

func NewSuperGraph(edges map[string]map[string]string) (*SuperGraph, error) {
	if len(edges) == 0 {
		return nil, ErrEmptySuperGraph
	}
	g := &SuperGraph{edges: edges}
	for k := range edges {
		v, err := strconv.ParseFloat(k, 64)
		if err != nil {
			return nil, fmt.Errorf("super graph key %q: %w", k, err)
		}
		g.keys = append(g.keys, v)
	}
	sort.Float64s(g.keys)
	g.keyStrs = make([]string, len(g.keys))
	for i, v := range g.keys {
		g.keyStrs[i] = FormatStoreHeatIn(v)
		if _, ok := edges[g.keyStrs[i]]; !ok {
			return nil, fmt.Errorf("super graph key %v is not in canonical form", v)
		}
	}

	// every key carries the same node set
	for nodeStr := range edges[g.keyStrs[0]] {
		s, err := ParseStorageState(nodeStr)
		if err != nil {
			return nil, err
		}
		g.states = append(g.states, s)
	}
	sort.Slice(g.states, func(i, j int) bool {
		return g.states[i].String() < g.states[j].String()
	})
	return g, nil
}

func LoadSuperGraph(path string) (*SuperGraph, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open super graph: %w", err)
	}
	defer f.Close()

	var edges map[string]map[string]string
	if err := json.NewDecoder(bufio.NewReaderSize(f, 1<<20)).Decode(&edges); err != nil {
		return nil, fmt.Errorf("decode super graph: %w", err)
	}
	return NewSuperGraph(edges)
}

func (g *SuperGraph) Save(path string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".super_graph-*.json")
	if err != nil {
		return err
	}
	w := bufio.NewWriterSize(tmp, 1<<20)
	if err := json.NewEncoder(w).Encode(g.edges); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := w.Flush(); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

func (g *SuperGraph) States() []StorageState {
	return g.states
}

func (g *SuperGraph) MinStoreHeatIn() float64 {
	return g.keys[0]
}

func (g *SuperGraph) MaxStoreHeatIn() float64 {
	return g.keys[len(g.keys)-1]
}

// Snap returns the discretization key nearest to storeHeatIn.
func (g *SuperGraph) Snap(storeHeatIn float64) string {
	i := sort.SearchFloat64s(g.keys, storeHeatIn)
	if i == 0 {
		return g.keyStrs[0]
	}
	if i == len(g.keys) {
		return g.keyStrs[len(g.keys)-1]
	}
	if storeHeatIn-g.keys[i-1] <= g.keys[i]-storeHeatIn {
		return g.keyStrs[i-1]
	}
	return g.keyStrs[i]
}

func (g *SuperGraph) Successor(key string, node string) (string, bool) {
	succ, ok := g.edges[key][node]
	return succ, ok
}

// SuperGraphConfig describes the store_heat_in grid of a generated super-graph.
type SuperGraphConfig struct {
	StepKwh           float64
	MinStoreHeatInKwh float64
	MaxStoreHeatInKwh float64
}

func DefaultSuperGraphConfig(model *thermal.Model) SuperGraphConfig {
	maxLoad := math.Ceil(model.RequiredHeatingPower(-20, 0))
	maxHeatOut := math.Ceil(model.Params.HpMaxElecKw * model.COP(60))
	return SuperGraphConfig{
		StepKwh:           0.1,
		MinStoreHeatInKwh: -maxLoad,
		MaxStoreHeatInKwh: maxHeatOut,
	}
}

// GenerateSuperGraph computes the successor of every state for every store_heat_in value.
func GenerateSuperGraph(model *thermal.Model, cfg SuperGraphConfig) (*SuperGraph, error) {
	if cfg.StepKwh <= 0 || cfg.MinStoreHeatInKwh > cfg.MaxStoreHeatInKwh {
		return nil, fmt.Errorf("invalid super graph config %+v", cfg)
	}
	n := model.Params.NumLayers
	mass := model.Params.LayerMassKg()
	idx := newStateIndex(EnumerateStates(n), mass, n)
	mixer := &storageMixer{model: model, idx: idx, numLayers: n, layerMass: mass}

	edges := make(map[string]map[string]string)
	lo := int(math.Round(cfg.MinStoreHeatInKwh / cfg.StepKwh))
	hi := int(math.Round(cfg.MaxStoreHeatInKwh / cfg.StepKwh))
	for i := lo; i <= hi; i++ {
		shi := float64(i) * cfg.StepKwh
		key := FormatStoreHeatIn(shi)
		if _, dup := edges[key]; dup {
			continue
		}
		row := make(map[string]string, len(idx.states))
		for _, s := range idx.states {
			row[s.String()] = mixer.successor(s, shi).String()
		}
		edges[key] = row
	}
	return NewSuperGraph(edges)
}

type storageMixer struct {
	model     *thermal.Model
	idx       *stateIndex
	numLayers int
	layerMass float64
}

func (m *storageMixer) energy(s StorageState) float64 {
	return s.EnergyKwh(m.layerMass, m.numLayers)
}

func (m *storageMixer) successor(s StorageState, storeHeatIn float64) StorageState {
	switch {
	case storeHeatIn > 0:
		return m.charge(s, storeHeatIn)
	case storeHeatIn < 0:
		return m.discharge(s, -storeHeatIn)
	default:
		return s
	}
}

// chargeTopTemp is the top temperature after charging: heat enters at the bottom
// and rises; when the heated water is hotter than the top band they mix by mass.
func (m *storageMixer) chargeTopTemp(s StorageState, storeHeatIn float64) float64 {
	heated := float64(s.Bottom) + m.model.DeltaT(float64(s.Bottom))
	if heated <= float64(s.Top) {
		return float64(s.Top)
	}
	chargedMass := thermal.WaterMassForEnergyKwh(storeHeatIn, heated-float64(s.Bottom))
	topMass := float64(s.Th1) * m.layerMass
	if topMass+chargedMass == 0 {
		return heated
	}
	return (topMass*float64(s.Top) + chargedMass*heated) / (topMass + chargedMass)
}

func (m *storageMixer) charge(s StorageState, storeHeatIn float64) StorageState {
	e0 := m.energy(s)
	target := e0 + storeHeatIn
	mixTop := m.chargeTopTemp(s, storeHeatIn)

	best := s
	bestErr := math.Abs(e0 - target)
	bestTopDist := math.Abs(float64(s.Top) - mixTop)

	consider := func(c StorageState, e float64) {
		if c.Top < s.Top || e < e0 {
			return
		}
		errE := math.Round(math.Abs(e-target)*100) / 100
		topDist := math.Abs(float64(c.Top) - mixTop)
		cur := math.Round(bestErr*100) / 100
		if errE < cur || (errE == cur && topDist < bestTopDist) ||
			(errE == cur && topDist == bestTopDist && c.String() < best.String()) {
			best, bestErr, bestTopDist = c, math.Abs(e-target), topDist
		}
	}

	// scan outward from the target energy until candidates are further than the best
	pos := m.idx.searchEnergy(target)
	for i := pos; i < len(m.idx.states); i++ {
		if m.idx.energies[i]-target > bestErr+0.01 {
			break
		}
		consider(m.idx.states[i], m.idx.energies[i])
	}
	for i := pos - 1; i >= 0; i-- {
		if target-m.idx.energies[i] > bestErr+0.01 || m.idx.energies[i] < e0 {
			break
		}
		consider(m.idx.states[i], m.idx.energies[i])
	}
	return best
}

// cooler returns the next state when the thermocline moves up by one layer.
func (m *storageMixer) cooler(s StorageState) (StorageState, bool) {
	if s.Middle != s.Bottom {
		if s.Th2 > s.Th1+1 {
			return StorageState{s.Top, s.Middle, s.Bottom, s.Th1, s.Th2 - 1}, true
		}
		return StorageState{s.Top, s.Bottom, s.Bottom, s.Th1, s.Th1}, true
	}
	if s.Th1 > 1 {
		return StorageState{s.Top, s.Middle, s.Bottom, s.Th1 - 1, s.Th1 - 1}, true
	}
	for i, ct := range coldTuples {
		if s.Top == ct[0] && s.Middle == ct[1] && s.Bottom == ct[2] {
			if i+1 == len(coldTuples) {
				return s, false
			}
			next := coldTuples[i+1]
			return StorageState{next[0], next[1], next[2], m.numLayers, m.numLayers}, true
		}
	}
	first := coldTuples[0]
	return StorageState{first[0], first[1], first[2], 1, 1}, true
}

func (m *storageMixer) discharge(s StorageState, heatOut float64) StorageState {
	target := m.energy(s) - heatOut
	cur := s
	for {
		next, ok := m.cooler(cur)
		if !ok {
			return cur
		}
		eNext := m.energy(next)
		if eNext <= target {
			if math.Abs(m.energy(cur)-target) <= math.Abs(eNext-target) {
				return cur
			}
			return next
		}
		cur = next
	}
}
