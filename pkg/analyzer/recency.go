package analyzer

import (
	"fmt"
	"math"
	"slices"
	"time"

	"github.com/opscart/nfit/pkg/models"
)

// DefaultSubWindow is the stage-1 chunk length
const DefaultSubWindow = 7 * 24 * time.Hour

// Window is an inclusive time range
type Window struct {
	Start time.Time
	End   time.Time
}

// SubWindows splits [start, end] into non-overlapping chunks of size, the most
// recent ending at end. The oldest chunk may be shorter. Returned oldest first.
func SubWindows(start, end time.Time, size time.Duration) []Window {
	if size <= 0 || end.Before(start) {
		return nil
	}
	if end.Equal(start) {
		return []Window{{Start: start, End: end}}
	}
	var out []Window
	for cursor := end; cursor.After(start); cursor = cursor.Add(-size) {
		ws := cursor.Add(-size).Add(time.Nanosecond)
		if !cursor.Add(-size).After(start) {
			ws = start
		}
		out = append(out, Window{Start: ws, End: cursor})
	}
	slices.Reverse(out)
	return out
}

// RecencyWeight is 2^(-age/halfLife) with age measured from the window end to ref
func RecencyWeight(ref, windowEnd time.Time, halfLifeDays float64) float64 {
	ageDays := ref.Sub(windowEnd).Hours() / 24
	if ageDays < 0 {
		ageDays = 0
	}
	return math.Exp2(-ageDays / halfLifeDays)
}

// Aggregate combines sub-window results into one recency-weighted value.
// Insufficient sub-windows are excluded, not weighted as zero.
func Aggregate(results []models.SubWindowResult, halfLifeDays float64, ref time.Time, value func(models.SubWindowResult) float64) (float64, error) {
	if halfLifeDays <= 0 {
		return 0, fmt.Errorf("half-life must be positive, got %.2f", halfLifeDays)
	}

	var num, den float64
	used := 0
	for _, r := range results {
		if r.Insufficient {
			continue
		}
		w := RecencyWeight(ref, r.WindowEnd, halfLifeDays)
		num += w * value(r)
		den += w
		used++
	}

	if used == 0 || den == 0 {
		return 0, &models.InsufficientDataError{Metric: "sub-windows", Have: 0, Need: 1}
	}
	return num / den, nil
}

// PercentileValue selects the stage-1 percentile of a sub-window
func PercentileValue(r models.SubWindowResult) float64 {
	return r.PercentileValue
}

// RunQValue selects one run-queue metric of a sub-window
func RunQValue(key string) func(models.SubWindowResult) float64 {
	return func(r models.SubWindowResult) float64 {
		return r.RunQ[key]
	}
}

// AggregateRunQ recency-weights every run-queue metric present in all usable windows
func AggregateRunQ(results []models.SubWindowResult, halfLifeDays float64, ref time.Time) map[string]float64 {
	out := make(map[string]float64)
	keys := []string{models.RunQAbsP50, models.RunQAbsP90, models.RunQNormP25, models.RunQNormP50, models.RunQNormP75, models.RunQNormP90}
	for _, key := range keys {
		var withKey []models.SubWindowResult
		for _, r := range results {
			if _, ok := r.RunQ[key]; ok && !r.Insufficient {
				withKey = append(withKey, r)
			}
		}
		if v, err := Aggregate(withKey, halfLifeDays, ref, RunQValue(key)); err == nil {
			out[key] = v
		}
	}
	return out
}
