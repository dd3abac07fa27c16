package analyzer

import (
	"github.com/opscart/nfit/pkg/configstate"
	"github.com/opscart/nfit/pkg/models"
)

// WindowParams configures stage-1 analysis of one sub-window
type WindowParams struct {
	Smoothing   SmoothingOptions
	FilterAbove float64
	Percentile  float64
	MinSamples  int
}

// segment is the slice of a window's records covered by one configuration epoch
type segment struct {
	smt  int
	recs []models.Record
}

// splitByEpoch assigns each record to the epoch in force at its timestamp.
// Records falling in a gap join the nearest preceding epoch.
func splitByEpoch(recs []models.Record, epochs []models.ConfigurationEpoch) []segment {
	if len(epochs) == 0 {
		return []segment{{smt: 1, recs: recs}}
	}

	segs := make([]segment, len(epochs))
	for i, e := range epochs {
		segs[i].smt = e.Attributes.SMT()
	}

	idx := 0
	for _, r := range recs {
		for idx < len(epochs)-1 && r.Timestamp.After(epochs[idx].End) {
			idx++
		}
		segs[idx].recs = append(segs[idx].recs, r)
	}

	out := segs[:0]
	for _, s := range segs {
		if len(s.recs) > 0 {
			out = append(out, s)
		}
	}
	return out
}

// AnalyzeWindow computes the stage-1 statistics of one sub-window. PhysC is
// smoothed separately within each configuration epoch so regimes never blend.
// The returned error is an InsufficientDataError when the window has too few
// points; the result is then flagged Insufficient and must be excluded.
func AnalyzeWindow(w Window, recs []models.Record, epochs []models.ConfigurationEpoch, p WindowParams) (models.SubWindowResult, error) {
	result := models.SubWindowResult{WindowStart: w.Start, WindowEnd: w.End}

	var smoothed, raw, runq, norm []float64
	for _, seg := range splitByEpoch(recs, configstate.Clip(epochs, w.Start, w.End)) {
		points := make([]models.Point, 0, len(seg.recs))
		for _, r := range seg.recs {
			if r.PhysC.Valid {
				points = append(points, models.Point{Timestamp: r.Timestamp, Value: r.PhysC.Value})
				raw = append(raw, r.PhysC.Value)
			}
			if r.RunQ.Valid {
				runq = append(runq, r.RunQ.Value)
				if r.PhysC.Valid {
					norm = append(norm, NormalizedRunQ(r.RunQ.Value, r.PhysC.Value, seg.smt))
				}
			}
		}
		smoothed = append(smoothed, SmoothValues(points, p.Smoothing)...)
	}

	result.SampleCount = len(smoothed)
	result.PeakValue = Peak(raw)

	value, err := FilterThenPercentile(smoothed, p.FilterAbove, p.Percentile, p.MinSamples)
	if err != nil {
		result.Insufficient = true
		return result, err
	}
	result.PercentileValue = value

	minSamples := max(1, p.MinSamples)
	if len(runq) >= minSamples {
		result.RunQ = map[string]float64{
			models.RunQAbsP50: PercentileOf(runq, 50),
			models.RunQAbsP90: PercentileOf(runq, 90),
		}
		if len(norm) >= minSamples {
			stats, _ := CalculatePercentiles(norm, minSamples)
			result.RunQ[models.RunQNormP25] = stats.P25
			result.RunQ[models.RunQNormP50] = stats.P50
			result.RunQ[models.RunQNormP75] = stats.P75
			result.RunQ[models.RunQNormP90] = stats.P90
		}
	}

	return result, nil
}

// NormalizedRunQ divides the run queue by the logical CPUs in use
// (PhysC x SMT), never by less than one logical CPU
func NormalizedRunQ(runq, physc float64, smt int) float64 {
	logical := physc * float64(max(1, smt))
	if logical < 1 {
		logical = 1
	}
	return runq / logical
}
