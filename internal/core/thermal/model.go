package thermal

import (
	"fmt"
	"math"

	"gonum.org/v1/gonum/mat"
)

// Model evaluates the house and heat pump curves described by HouseParams.
// The delivered-power quadratic is fitted once at construction.
type Model struct {
	Params HouseParams

	quadA float64
	quadB float64
	quadC float64
}

func NewModel(params HouseParams) (*Model, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	a, b, c, err := fitDeliveredPower(params)
	if err != nil {
		return nil, err
	}
	return &Model{
		Params: params,
		quadA:  a,
		quadB:  b,
		quadC:  c,
	}, nil
}

func MustModel(params HouseParams) *Model {
	m, err := NewModel(params)
	if err != nil {
		panic(err)
	}
	return m
}

func fitDeliveredPower(p HouseParams) (float64, float64, float64, error) {
	x1, y1 := p.NoPowerRswtF(), 0.0
	x2, y2 := p.IntermediateRswtF, p.IntermediatePowerKw
	x3, y3 := p.DdRswtF, p.DdPowerKw

	A := mat.NewDense(3, 3, []float64{
		x1 * x1, x1, 1,
		x2 * x2, x2, 1,
		x3 * x3, x3, 1,
	})
	y := mat.NewVecDense(3, []float64{y1, y2, y3})

	var coeffs mat.VecDense
	if err := coeffs.SolveVec(A, y); err != nil {
		return 0, 0, 0, fmt.Errorf("delivered power calibration: %w", err)
	}
	return coeffs.AtVec(0), coeffs.AtVec(1), coeffs.AtVec(2), nil
}

func (m *Model) Coefficients() (float64, float64, float64) {
	return m.quadA, m.quadB, m.quadC
}

func (m *Model) COP(oatF float64) float64 {
	if oatF < m.Params.CopMinOatF {
		return m.Params.CopMin
	}
	return m.Params.CopIntercept + m.Params.CopOatCoeff*oatF
}

// RequiredHeatingPower is the house heat loss in kW thermal.
func (m *Model) RequiredHeatingPower(oatF, windMph float64) float64 {
	p := m.Params
	return math.Max(0, p.Alpha()+p.Beta()*oatF+p.Gamma()*windMph)
}

func (m *Model) DeliveredHeatingPower(swtF float64) float64 {
	return math.Max(0, m.quadA*swtF*swtF+m.quadB*swtF+m.quadC)
}

// RequiredSWT returns the supply water temperature delivering requiredKw to the house.
func (m *Model) RequiredSWT(requiredKw float64) float64 {
	a, b, c := m.quadA, m.quadB, m.quadC-requiredKw
	if a == 0 {
		return -c / b
	}
	disc := b*b - 4*a*c
	if disc < 0 {
		disc = 0
	}
	r1 := (-b + math.Sqrt(disc)) / (2 * a)
	r2 := (-b - math.Sqrt(disc)) / (2 * a)
	// the emitters' operating branch is the root above the no-power temperature
	noPower := m.Params.NoPowerRswtF()
	switch {
	case r1 >= noPower && r2 >= noPower:
		return math.Min(r1, r2)
	case r1 >= noPower:
		return r1
	case r2 >= noPower:
		return r2
	default:
		return math.Max(r1, r2)
	}
}

func (m *Model) DeltaT(swtF float64) float64 {
	p := m.Params
	return math.Max(0, p.DdDeltaTF/p.DdPowerKw*m.DeliveredHeatingPower(swtF))
}

// DeltaTForLoad is the inverse form: the temperature drop across the emitters at a given load.
func (m *Model) DeltaTForLoad(loadKw float64) float64 {
	p := m.Params
	return math.Max(0, p.DdDeltaTF/p.DdPowerKw*loadKw)
}

// ReturnWaterTemp estimates the return temperature for a supply temperature delivering loadKw.
func (m *Model) ReturnWaterTemp(swtF, loadKw float64) float64 {
	delivered := m.DeliveredHeatingPower(swtF)
	if delivered <= 0 {
		return swtF
	}
	dt := m.DeltaT(swtF) * math.Min(1, loadKw/delivered)
	return swtF - dt
}

func FahrenheitToKelvin(tF float64) float64 {
	return (tF-32)*5/9 + 273.15
}

// WaterEnergyKwh is the absolute thermal energy of massKg of water at tF.
func WaterEnergyKwh(tF, massKg float64) float64 {
	return massKg * WATER_SPECIFIC_HEAT_KJ_PER_KG_K * FahrenheitToKelvin(tF) / 3600
}

// WaterMassForEnergyKwh is the mass heated by deltaF when it absorbs energyKwh.
func WaterMassForEnergyKwh(energyKwh, deltaF float64) float64 {
	deltaK := deltaF * 5 / 9
	if deltaK <= 0 {
		return 0
	}
	return energyKwh * 3600 / (WATER_SPECIFIC_HEAT_KJ_PER_KG_K * deltaK)
}
