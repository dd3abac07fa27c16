package analyzer

import (
	"fmt"
	"math"

	"github.com/opscart/nfit/pkg/models"
)

// Growth skip reasons
const (
	GrowthSkipTooFewPoints = "insufficient sub-windows"
	GrowthSkipVolatile     = "volatility above threshold"
	GrowthSkipNoGrowth     = "non-positive slope"
	GrowthSkipDisabled     = "growth prediction disabled"
)

// GrowthOptions configures PredictGrowth
type GrowthOptions struct {
	ProjectionDays      int
	MaxInflationPercent float64
	MinPoints           int
	VolatilityCV        float64
}

// DefaultGrowthOptions returns the standard projection settings
func DefaultGrowthOptions() GrowthOptions {
	return GrowthOptions{
		ProjectionDays:      90,
		MaxInflationPercent: 25,
		MinPoints:           3,
		VolatilityCV:        0.5,
	}
}

// GrowthPrediction is the projected increase over the projection horizon
type GrowthPrediction struct {
	Capped       float64
	Raw          float64
	SlopePerDay  float64
	Intercept    float64
	R2           float64
	Variation    float64
	Points       int
	Skipped      bool
	SkipReason   string
	CapThreshold float64
}

// Describe renders the prediction for audit trails
func (g GrowthPrediction) Describe() string {
	if g.Skipped {
		return fmt.Sprintf("skipped: %s", g.SkipReason)
	}
	if g.Capped < g.Raw {
		return fmt.Sprintf("capped at %.3f (raw %.3f)", g.Capped, g.Raw)
	}
	return fmt.Sprintf("projected +%.3f", g.Raw)
}

// PredictGrowth fits an OLS trend of sub-window values against elapsed days and
// projects it ProjectionDays ahead. The increase is capped at
// baseline * MaxInflationPercent/100.
func PredictGrowth(results []models.SubWindowResult, opts GrowthOptions, baseline float64) GrowthPrediction {
	var x, y []float64
	var origin models.SubWindowResult
	for _, r := range results {
		if r.Insufficient {
			continue
		}
		if len(x) == 0 {
			origin = r
		}
		x = append(x, r.WindowEnd.Sub(origin.WindowEnd).Hours()/24)
		y = append(y, r.PercentileValue)
	}

	pred := GrowthPrediction{Points: len(y)}
	minPoints := max(3, opts.MinPoints)
	if len(y) < minPoints {
		pred.Skipped = true
		pred.SkipReason = GrowthSkipTooFewPoints
		return pred
	}

	pred.Variation = CoefficientOfVariation(y)
	if opts.VolatilityCV > 0 && pred.Variation > opts.VolatilityCV {
		pred.Skipped = true
		pred.SkipReason = GrowthSkipVolatile
		return pred
	}

	slope, intercept, r2 := linearRegression(x, y)
	pred.SlopePerDay = slope
	pred.Intercept = intercept
	pred.R2 = r2
	if slope <= 0 {
		pred.Skipped = true
		pred.SkipReason = GrowthSkipNoGrowth
		return pred
	}

	pred.Raw = slope * float64(opts.ProjectionDays)
	pred.CapThreshold = math.Max(0, baseline*opts.MaxInflationPercent/100)
	pred.Capped = math.Min(pred.Raw, pred.CapThreshold)
	return pred
}

// linearRegression performs simple linear regression
// Returns: slope, intercept, R² (coefficient of determination)
func linearRegression(x, y []float64) (slope, intercept, r2 float64) {
	n := float64(len(x))

	if n == 0 {
		return 0, 0, 0
	}

	meanX := calculateAverage(x)
	meanY := calculateAverage(y)

	numerator := 0.0
	denominator := 0.0

	for i := 0; i < len(x); i++ {
		numerator += (x[i] - meanX) * (y[i] - meanY)
		denominator += (x[i] - meanX) * (x[i] - meanX)
	}

	if denominator == 0 {
		return 0, meanY, 0
	}

	slope = numerator / denominator
	intercept = meanY - slope*meanX

	ssTotal := 0.0 // Total sum of squares
	ssRes := 0.0   // Residual sum of squares

	for i := 0; i < len(x); i++ {
		predicted := slope*x[i] + intercept
		ssRes += (y[i] - predicted) * (y[i] - predicted)
		ssTotal += (y[i] - meanY) * (y[i] - meanY)
	}

	if ssTotal == 0 {
		r2 = 0
	} else {
		r2 = 1.0 - (ssRes / ssTotal)
	}

	if r2 < 0 {
		r2 = 0
	} else if r2 > 1 {
		r2 = 1
	}

	return slope, intercept, r2
}
