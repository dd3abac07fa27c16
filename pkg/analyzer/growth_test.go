package analyzer

import (
	"math"
	"testing"
	"time"

	"github.com/opscart/nfit/pkg/models"
)

func weeklyResults(values []float64) []models.SubWindowResult {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]models.SubWindowResult, len(values))
	for i, v := range values {
		end := start.Add(time.Duration(i+1) * 7 * 24 * time.Hour)
		out[i] = models.SubWindowResult{
			WindowStart:     end.Add(-7 * 24 * time.Hour),
			WindowEnd:       end,
			PercentileValue: v,
		}
	}
	return out
}

func TestPredictGrowthLinearTrend(t *testing.T) {
	// +0.07 cores per week = 0.01 cores/day
	results := weeklyResults([]float64{2.00, 2.07, 2.14, 2.21, 2.28, 2.35})

	opts := DefaultGrowthOptions()
	pred := PredictGrowth(results, opts, 2.2)

	if pred.Skipped {
		t.Fatalf("Expected prediction, skipped: %s", pred.SkipReason)
	}
	if math.Abs(pred.SlopePerDay-0.01) > 1e-9 {
		t.Errorf("Expected slope 0.01/day, got %.6f", pred.SlopePerDay)
	}
	if math.Abs(pred.Raw-0.9) > 1e-6 {
		t.Errorf("Expected raw increase 0.9 over 90 days, got %.4f", pred.Raw)
	}
	// cap = 2.2 * 25% = 0.55
	if math.Abs(pred.Capped-0.55) > 1e-9 {
		t.Errorf("Expected capped increase 0.55, got %.4f", pred.Capped)
	}
	if pred.R2 < 0.99 {
		t.Errorf("Expected near-perfect fit, got R2 %.3f", pred.R2)
	}
}

func TestPredictGrowthSkipReasons(t *testing.T) {
	tests := []struct {
		name   string
		values []float64
		reason string
	}{
		{"too few points", []float64{1.0, 1.5}, GrowthSkipTooFewPoints},
		{"shrinking", []float64{3.0, 2.8, 2.5, 2.1}, GrowthSkipNoGrowth},
		{"flat", []float64{2.0, 2.0, 2.0, 2.0}, GrowthSkipNoGrowth},
		{"volatile", []float64{0.2, 4.0, 0.3, 5.0, 0.2, 6.0}, GrowthSkipVolatile},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			pred := PredictGrowth(weeklyResults(tt.values), DefaultGrowthOptions(), 2)
			if !pred.Skipped {
				t.Fatalf("Expected skip, got raw %.3f", pred.Raw)
			}
			if pred.SkipReason != tt.reason {
				t.Errorf("Expected reason %q, got %q", tt.reason, pred.SkipReason)
			}
			if pred.Capped != 0 || pred.Raw != 0 {
				t.Errorf("Skipped prediction must not carry an increase")
			}
		})
	}
}

func TestPredictGrowthIgnoresInsufficientWindows(t *testing.T) {
	results := weeklyResults([]float64{1.0, 99.0, 1.1, 1.2, 1.3})
	results[1].Insufficient = true

	pred := PredictGrowth(results, DefaultGrowthOptions(), 1.2)
	if pred.Points != 4 {
		t.Errorf("Expected 4 usable points, got %d", pred.Points)
	}
	if pred.Skipped {
		t.Errorf("Expected prediction, skipped: %s", pred.SkipReason)
	}
}

func TestLinearRegression(t *testing.T) {
	x := []float64{0, 1, 2, 3}
	y := []float64{1, 3, 5, 7}

	slope, intercept, r2 := linearRegression(x, y)
	if slope != 2 || intercept != 1 || r2 != 1 {
		t.Errorf("Expected (2, 1, 1), got (%.3f, %.3f, %.3f)", slope, intercept, r2)
	}
}
