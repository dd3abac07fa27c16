package analyzer

import (
	"errors"
	"math"
	"testing"
	"time"

	"github.com/opscart/nfit/pkg/models"
)

func TestAnalyzeWindowSmoothsWithinEpochs(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	var recs []models.Record
	for i := 0; i < 20; i++ {
		v := 1.0
		if i >= 10 {
			v = 5.0
		}
		recs = append(recs, models.Record{
			Timestamp: start.Add(time.Duration(i) * time.Minute),
			EntityID:  "lpar1",
			PhysC:     models.Some(v),
			RunQ:      models.Some(v * 4),
		})
	}
	change := start.Add(10 * time.Minute)
	epochs := []models.ConfigurationEpoch{
		{EntityID: "lpar1", Start: start, End: change.Add(-time.Second), Attributes: models.Attributes{models.AttrSMT: "4"}},
		{EntityID: "lpar1", Start: change, End: start.Add(time.Hour), Attributes: models.Attributes{models.AttrSMT: "8"}},
	}
	w := Window{Start: start, End: start.Add(time.Hour)}

	params := WindowParams{
		Smoothing:  SmoothingOptions{Method: MethodSMA, WindowMinutes: 30},
		Percentile: 50,
		MinSamples: DefaultMinSamples,
	}
	res, err := AnalyzeWindow(w, recs, epochs, params)
	if err != nil {
		t.Fatalf("AnalyzeWindow failed: %v", err)
	}

	// Each epoch smoothed on its own: values stay exactly 1 and 5
	if res.PercentileValue != 3 {
		t.Errorf("Expected median 3 of unblended series, got %.4f", res.PercentileValue)
	}
	if res.PeakValue != 5 {
		t.Errorf("Expected peak 5, got %.2f", res.PeakValue)
	}
	if res.SampleCount != 20 {
		t.Errorf("Expected 20 samples, got %d", res.SampleCount)
	}

	// 4/(1*4)=1 in the first epoch, 20/(5*8)=0.5 in the second
	if got := res.RunQ[models.RunQNormP90]; math.Abs(got-1) > 1e-9 {
		t.Errorf("Expected norm P90 1.0, got %.4f", got)
	}
	if got := res.RunQ[models.RunQNormP25]; math.Abs(got-0.5) > 1e-9 {
		t.Errorf("Expected norm P25 0.5, got %.4f", got)
	}
}

func TestAnalyzeWindowInsufficient(t *testing.T) {
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	recs := []models.Record{{Timestamp: start, EntityID: "lpar1", PhysC: models.Some(1)}}

	res, err := AnalyzeWindow(Window{Start: start, End: start.Add(time.Hour)}, recs, nil, WindowParams{
		Smoothing:  SmoothingOptions{Method: MethodSMA, WindowMinutes: 1},
		Percentile: 95,
		MinSamples: DefaultMinSamples,
	})
	if !errors.Is(err, models.ErrInsufficientData) {
		t.Fatalf("Expected insufficient data, got %v", err)
	}
	if !res.Insufficient {
		t.Error("Expected window flagged insufficient")
	}
}

func TestNormalizedRunQ(t *testing.T) {
	if got := NormalizedRunQ(8, 2, 4); got != 1 {
		t.Errorf("Expected 1, got %.3f", got)
	}
	if got := NormalizedRunQ(3, 0.1, 2); got != 3 {
		t.Errorf("Expected floor of one logical CPU, got %.3f", got)
	}
}
