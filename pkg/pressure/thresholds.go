package pressure

import "github.com/opscart/nfit/pkg/models"

// Thresholds holds every tunable constant of the adjustment engine. The
// defaults are empirically chosen; none of them is derived.
type Thresholds struct {
	// Downsizing
	NearMaxFraction      float64 `mapstructure:"near_max_fraction" yaml:"near_max_fraction"`
	VolatilityCaution    float64 `mapstructure:"volatility_caution" yaml:"volatility_caution"`
	VolatilityModerate   float64 `mapstructure:"volatility_moderate" yaml:"volatility_moderate"`
	DownsizeMaxNormP50   float64 `mapstructure:"downsize_max_norm_p50" yaml:"downsize_max_norm_p50"`
	TargetNormRunQ       float64 `mapstructure:"target_norm_runq" yaml:"target_norm_runq"`
	BaseBlendWeight      float64 `mapstructure:"base_blend_weight" yaml:"base_blend_weight"`
	LowP50BlendWeight    float64 `mapstructure:"low_p50_blend_weight" yaml:"low_p50_blend_weight"`
	ExceptionallyLowP50  float64 `mapstructure:"exceptionally_low_p50" yaml:"exceptionally_low_p50"`
	MaxReductionPercent  float64 `mapstructure:"max_reduction_percent" yaml:"max_reduction_percent"`
	DistressNormP90      float64 `mapstructure:"distress_norm_p90" yaml:"distress_norm_p90"`
	SaturationFraction   float64 `mapstructure:"saturation_fraction" yaml:"saturation_fraction"`
	UpsizeNormP90Trigger float64 `mapstructure:"upsize_norm_p90_trigger" yaml:"upsize_norm_p90_trigger"`
	UpsizeMinAbsRunQ     float64 `mapstructure:"upsize_min_abs_runq" yaml:"upsize_min_abs_runq"`
	TolerableNormRunQ    float64 `mapstructure:"tolerable_norm_runq" yaml:"tolerable_norm_runq"`

	// Sliding ceiling on additive CPU, as a fraction of entitlement
	CeilingMaxFactor float64 `mapstructure:"ceiling_max_factor" yaml:"ceiling_max_factor"`
	CeilingMinFactor float64 `mapstructure:"ceiling_min_factor" yaml:"ceiling_min_factor"`

	// Hot-Thread-Workload detection
	HTWNormP90       float64 `mapstructure:"htw_norm_p90" yaml:"htw_norm_p90"`
	HTWUtilization   float64 `mapstructure:"htw_utilization" yaml:"htw_utilization"`
	HTWNormP50       float64 `mapstructure:"htw_norm_p50" yaml:"htw_norm_p50"`
	HTWIQRC          float64 `mapstructure:"htw_iqrc" yaml:"htw_iqrc"`
	HTWMinSignals    int     `mapstructure:"htw_min_signals" yaml:"htw_min_signals"`
	HTWMaxFactor     float64 `mapstructure:"htw_max_factor" yaml:"htw_max_factor"`
	HTWMinFactor     float64 `mapstructure:"htw_min_factor" yaml:"htw_min_factor"`
	HTWMinIQRCFactor float64 `mapstructure:"htw_min_iqrc_factor" yaml:"htw_min_iqrc_factor"`

	VolatileConfidence float64 `mapstructure:"volatile_confidence" yaml:"volatile_confidence"`
	ModerateConfidence float64 `mapstructure:"moderate_confidence" yaml:"moderate_confidence"`
	PoolConfidence     float64 `mapstructure:"pool_confidence" yaml:"pool_confidence"`

	AbsoluteAdditiveCap float64 `mapstructure:"absolute_additive_cap" yaml:"absolute_additive_cap"`
	RelativeAdditiveCap float64 `mapstructure:"relative_additive_cap" yaml:"relative_additive_cap"`

	// Entitlement range over which the ceiling factor and forecast multiplier are interpolated
	SmallEntitlement        float64 `mapstructure:"small_entitlement" yaml:"small_entitlement"`
	LargeEntitlement        float64 `mapstructure:"large_entitlement" yaml:"large_entitlement"`
	SmallForecastMultiplier float64 `mapstructure:"small_forecast_multiplier" yaml:"small_forecast_multiplier"`
	LargeForecastMultiplier float64 `mapstructure:"large_forecast_multiplier" yaml:"large_forecast_multiplier"`
}

// DefaultThresholds returns the documented defaults
func DefaultThresholds() Thresholds {
	return Thresholds{
		NearMaxFraction:      0.9,
		VolatilityCaution:    2.5,
		VolatilityModerate:   1.8,
		DownsizeMaxNormP50:   0.5,
		TargetNormRunQ:       0.7,
		BaseBlendWeight:      0.7,
		LowP50BlendWeight:    0.5,
		ExceptionallyLowP50:  0.15,
		MaxReductionPercent:  15,
		DistressNormP90:      3.0,
		SaturationFraction:   0.9,
		UpsizeNormP90Trigger: 1.5,
		UpsizeMinAbsRunQ:     1.0,
		TolerableNormRunQ:    1.0,

		CeilingMaxFactor: 1.0,
		CeilingMinFactor: 0.25,

		HTWNormP90:       2.0,
		HTWUtilization:   0.5,
		HTWNormP50:       1.0,
		HTWIQRC:          0.5,
		HTWMinSignals:    4,
		HTWMaxFactor:     0.6,
		HTWMinFactor:     0.1,
		HTWMinIQRCFactor: 0.5,

		VolatileConfidence: 0.7,
		ModerateConfidence: 0.85,
		PoolConfidence:     0.85,

		AbsoluteAdditiveCap: 0.5,
		RelativeAdditiveCap: 2.0,

		SmallEntitlement:        1,
		LargeEntitlement:        8,
		SmallForecastMultiplier: 2.5,
		LargeForecastMultiplier: 1.25,
	}
}

// Validate rejects contradictory threshold combinations
func (t Thresholds) Validate() error {
	fractions := map[string]float64{
		"near_max_fraction":    t.NearMaxFraction,
		"saturation_fraction":  t.SaturationFraction,
		"base_blend_weight":    t.BaseBlendWeight,
		"low_p50_blend_weight": t.LowP50BlendWeight,
		"htw_utilization":      t.HTWUtilization,
		"htw_max_factor":       t.HTWMaxFactor,
		"htw_min_factor":       t.HTWMinFactor,
		"htw_min_iqrc_factor":  t.HTWMinIQRCFactor,
		"volatile_confidence":  t.VolatileConfidence,
		"moderate_confidence":  t.ModerateConfidence,
		"pool_confidence":      t.PoolConfidence,
	}
	for field, v := range fractions {
		if v <= 0 || v > 1 {
			return &models.ConfigurationError{Field: field, Reason: "must be in (0, 1]"}
		}
	}

	switch {
	case t.VolatilityModerate > t.VolatilityCaution:
		return &models.ConfigurationError{Field: "volatility_moderate", Reason: "must not exceed volatility_caution"}
	case t.HTWMinFactor > t.HTWMaxFactor:
		return &models.ConfigurationError{Field: "htw_min_factor", Reason: "must not exceed htw_max_factor"}
	case t.HTWMinSignals < 1 || t.HTWMinSignals > 5:
		return &models.ConfigurationError{Field: "htw_min_signals", Reason: "must be between 1 and 5"}
	case t.MaxReductionPercent < 0 || t.MaxReductionPercent >= 100:
		return &models.ConfigurationError{Field: "max_reduction_percent", Reason: "must be in [0, 100)"}
	case t.TargetNormRunQ <= 0 || t.TolerableNormRunQ <= 0:
		return &models.ConfigurationError{Field: "target_norm_runq", Reason: "run-queue targets must be positive"}
	case t.AbsoluteAdditiveCap < 0 || t.RelativeAdditiveCap < 0:
		return &models.ConfigurationError{Field: "absolute_additive_cap", Reason: "additive caps must not be negative"}
	case t.SmallEntitlement >= t.LargeEntitlement:
		return &models.ConfigurationError{Field: "small_entitlement", Reason: "must be below large_entitlement"}
	case t.CeilingMinFactor > t.CeilingMaxFactor:
		return &models.ConfigurationError{Field: "ceiling_min_factor", Reason: "must not exceed ceiling_max_factor"}
	case t.LargeForecastMultiplier < 1 || t.SmallForecastMultiplier < t.LargeForecastMultiplier:
		return &models.ConfigurationError{Field: "small_forecast_multiplier", Reason: "forecast multipliers must be >= 1 and shrink with entitlement"}
	}
	return nil
}

// interpolate maps entitlement linearly from small..large onto from..to,
// clamping outside the range
func (t Thresholds) interpolate(entitlement, from, to float64) float64 {
	switch {
	case entitlement <= t.SmallEntitlement:
		return from
	case entitlement >= t.LargeEntitlement:
		return to
	}
	frac := (entitlement - t.SmallEntitlement) / (t.LargeEntitlement - t.SmallEntitlement)
	return from + (to-from)*frac
}

// ForecastMultiplier is the sanity-cap multiplier applied to max CPU
func (t Thresholds) ForecastMultiplier(entitlement float64) float64 {
	return t.interpolate(entitlement, t.SmallForecastMultiplier, t.LargeForecastMultiplier)
}

// CeilingFactor is the additive ceiling as a fraction of entitlement
func (t Thresholds) CeilingFactor(entitlement float64) float64 {
	return t.interpolate(entitlement, t.CeilingMaxFactor, t.CeilingMinFactor)
}
