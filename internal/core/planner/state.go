package planner

import (
	"fmt"
	"sort"

	"github.com/spaceheat/scada/internal/core/thermal"
)

const (
	MAX_TOP_TEMP_F     = 170
	MIN_TOP_TEMP_F     = 110
	BOTTOM_TEMP_F      = 100
	TEMP_STEP_F        = 10
	OVERCHARGE_TOP_F   = 170
	PENALTY_USD        = 1e5
	MIN_FULL_HEAT_KWH  = 10
	DEFAULT_NUM_LAYERS = 12
)

// coldTuples extend the state space below the bottom temperature.
var coldTuples = [][3]int{
	{110, 100, 100},
	{100, 80, 80},
	{80, 60, 60},
}

// StorageState identifies one tank configuration. Layers 1..Th1 are at Top,
// Th1+1..Th2 at Middle and Th2+1..N at Bottom.
type StorageState struct {
	Top    int
	Middle int
	Bottom int
	Th1    int
	Th2    int
}

func (s StorageState) String() string {
	return fmt.Sprintf("%d(%d)%d(%d)%d", s.Top, s.Th1, s.Middle, s.Th2, s.Bottom)
}

func ParseStorageState(str string) (StorageState, error) {
	var s StorageState
	n, err := fmt.Sscanf(str, "%d(%d)%d(%d)%d", &s.Top, &s.Th1, &s.Middle, &s.Th2, &s.Bottom)
	if err != nil {
		return s, fmt.Errorf("invalid storage state %q: %w", str, err)
	}
	if n != 5 {
		return s, fmt.Errorf("invalid storage state %q", str)
	}
	return s, nil
}

func (s StorageState) Valid(numLayers int) bool {
	if !(0 <= s.Th1 && s.Th1 <= s.Th2 && s.Th2 <= numLayers) {
		return false
	}
	if !(s.Top >= s.Middle && s.Middle >= s.Bottom) {
		return false
	}
	if s.Middle == s.Bottom && s.Th1 != s.Th2 {
		return false
	}
	return true
}

// Bands returns the number of layers at each of the three temperatures.
func (s StorageState) Bands(numLayers int) (int, int, int) {
	return s.Th1, s.Th2 - s.Th1, numLayers - s.Th2
}

func (s StorageState) EnergyKwh(layerMassKg float64, numLayers int) float64 {
	top, middle, bottom := s.Bands(numLayers)
	return float64(top)*thermal.WaterEnergyKwh(float64(s.Top), layerMassKg) +
		float64(middle)*thermal.WaterEnergyKwh(float64(s.Middle), layerMassKg) +
		float64(bottom)*thermal.WaterEnergyKwh(float64(s.Bottom), layerMassKg)
}

// EnumerateStates lists every legal tank configuration on the discrete grid.
func EnumerateStates(numLayers int) []StorageState {
	var states []StorageState
	for top := MIN_TOP_TEMP_F; top <= MAX_TOP_TEMP_F; top += TEMP_STEP_F {
		for middle := top - TEMP_STEP_F; middle >= BOTTOM_TEMP_F; middle -= TEMP_STEP_F {
			if middle == BOTTOM_TEMP_F {
				// the 110/100/100 tuple is listed with the cold tuples
				if top == MIN_TOP_TEMP_F {
					continue
				}
				for th1 := 1; th1 <= numLayers; th1++ {
					states = append(states, StorageState{top, middle, BOTTOM_TEMP_F, th1, th1})
				}
				continue
			}
			for th1 := 1; th1 <= numLayers; th1++ {
				for th2 := th1 + 1; th2 <= numLayers; th2++ {
					states = append(states, StorageState{top, middle, BOTTOM_TEMP_F, th1, th2})
				}
			}
		}
	}
	for _, ct := range coldTuples {
		for th1 := 1; th1 <= numLayers; th1++ {
			states = append(states, StorageState{ct[0], ct[1], ct[2], th1, th1})
		}
	}
	return states
}

// stateIndex orders states by energy for nearest-energy lookups.
type stateIndex struct {
	states   []StorageState
	energies []float64
	byString map[string]int
}

func newStateIndex(states []StorageState, layerMassKg float64, numLayers int) *stateIndex {
	idx := &stateIndex{
		states:   make([]StorageState, len(states)),
		energies: make([]float64, len(states)),
		byString: make(map[string]int, len(states)),
	}
	copy(idx.states, states)
	sort.SliceStable(idx.states, func(i, j int) bool {
		return idx.states[i].EnergyKwh(layerMassKg, numLayers) < idx.states[j].EnergyKwh(layerMassKg, numLayers)
	})
	for i, s := range idx.states {
		idx.energies[i] = s.EnergyKwh(layerMassKg, numLayers)
		idx.byString[s.String()] = i
	}
	return idx
}

// searchEnergy returns the position of the first state with energy >= e.
func (idx *stateIndex) searchEnergy(e float64) int {
	return sort.SearchFloat64s(idx.energies, e)
}
