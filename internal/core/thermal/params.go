package thermal

import (
	"errors"
	"fmt"
)

const (
	WATER_SPECIFIC_HEAT_KJ_PER_KG_K = 4.187
	KG_PER_GALLON                   = 3.785
)

// HouseParams is loaded once at startup and never mutated afterwards.
type HouseParams struct {
	AlphaTimes10 int `mapstructure:"alpha_times_10" json:"AlphaTimes10"`
	BetaTimes100 int `mapstructure:"beta_times_100" json:"BetaTimes100"`
	GammaEx6     int `mapstructure:"gamma_ex6" json:"GammaEx6"`

	IntermediatePowerKw float64 `mapstructure:"intermediate_power_kw" json:"IntermediatePowerKw"`
	IntermediateRswtF   float64 `mapstructure:"intermediate_rswt_f" json:"IntermediateRswtF"`
	DdPowerKw           float64 `mapstructure:"dd_power_kw" json:"DdPowerKw"`
	DdRswtF             float64 `mapstructure:"dd_rswt_f" json:"DdRswtF"`
	DdDeltaTF           float64 `mapstructure:"dd_delta_t_f" json:"DdDeltaTF"`

	CopIntercept float64 `mapstructure:"cop_intercept" json:"CopIntercept"`
	CopOatCoeff  float64 `mapstructure:"cop_oat_coeff" json:"CopOatCoeff"`
	CopMin       float64 `mapstructure:"cop_min" json:"CopMin"`
	CopMinOatF   float64 `mapstructure:"cop_min_oat_f" json:"CopMinOatF"`

	HpMaxElecKw      float64 `mapstructure:"hp_max_elec_kw" json:"HpMaxElecKw"`
	HpMinElecKw      float64 `mapstructure:"hp_min_elec_kw" json:"HpMinElecKw"`
	HpTurnOnMinutes  float64 `mapstructure:"hp_turn_on_minutes" json:"HpTurnOnMinutes"`
	StorageVolumeGal float64 `mapstructure:"storage_volume_gallons" json:"StorageVolumeGallons"`
	NumLayers        int     `mapstructure:"num_layers" json:"NumLayers"`
	StorageLossesPct float64 `mapstructure:"storage_losses_percent" json:"StorageLossesPercent"`
}

func (p HouseParams) Alpha() float64 {
	return float64(p.AlphaTimes10) / 10
}

func (p HouseParams) Beta() float64 {
	return float64(p.BetaTimes100) / 100
}

func (p HouseParams) Gamma() float64 {
	return float64(p.GammaEx6) / 1e6
}

// NoPowerRswtF is the supply water temperature at which the house needs no heat.
func (p HouseParams) NoPowerRswtF() float64 {
	return -p.Alpha() / p.Beta()
}

func (p HouseParams) LayerMassKg() float64 {
	return p.StorageVolumeGal * KG_PER_GALLON / float64(p.NumLayers)
}

func (p HouseParams) Validate() error {
	if p.BetaTimes100 == 0 {
		return errors.New("house params: beta must be non-zero")
	}
	if p.NumLayers < 2 {
		return fmt.Errorf("house params: num_layers must be >= 2, got %d", p.NumLayers)
	}
	if p.StorageVolumeGal <= 0 {
		return errors.New("house params: storage_volume_gallons must be > 0")
	}
	if p.HpMaxElecKw <= 0 || p.HpMinElecKw < 0 || p.HpMinElecKw > p.HpMaxElecKw {
		return fmt.Errorf("house params: invalid heat pump electrical range [%.2f, %.2f]", p.HpMinElecKw, p.HpMaxElecKw)
	}
	if p.CopMin <= 0 {
		return errors.New("house params: cop_min must be > 0")
	}
	if p.DdPowerKw <= 0 || p.DdDeltaTF <= 0 {
		return errors.New("house params: design day power and delta T must be > 0")
	}
	noPower := p.NoPowerRswtF()
	if !(noPower < p.IntermediateRswtF && p.IntermediateRswtF < p.DdRswtF) {
		return fmt.Errorf("house params: calibration temperatures must increase (%.1f, %.1f, %.1f)",
			noPower, p.IntermediateRswtF, p.DdRswtF)
	}
	if p.StorageLossesPct < 0 || p.StorageLossesPct > 100 {
		return fmt.Errorf("house params: storage_losses_percent out of range: %.2f", p.StorageLossesPct)
	}
	return nil
}

// DefaultHouseParams matches the calibration of a typical 3-zone installation.
func DefaultHouseParams() HouseParams {
	return HouseParams{
		AlphaTimes10:        108,
		BetaTimes100:        -22,
		GammaEx6:            0,
		IntermediatePowerKw: 1.5,
		IntermediateRswtF:   100,
		DdPowerKw:           12,
		DdRswtF:             160,
		DdDeltaTF:           20,
		CopIntercept:        1.02,
		CopOatCoeff:         0.0257,
		CopMin:              1.4,
		CopMinOatF:          15,
		HpMaxElecKw:         11,
		HpMinElecKw:         0.6,
		HpTurnOnMinutes:     10,
		StorageVolumeGal:    360,
		NumLayers:           12,
		StorageLossesPct:    0.5,
	}
}
