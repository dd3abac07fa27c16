package analyzer

import (
	"math"
	"slices"
	"sort"

	"github.com/opscart/nfit/pkg/models"
)

// DefaultMinSamples is the fewest points a percentile is computed from
const DefaultMinSamples = 2

// Percentiles summarises a distribution
type Percentiles struct {
	Average float64
	P25     float64
	P50     float64
	P75     float64
	P90     float64
	P95     float64
	P99     float64
	Peak    float64
	Min     float64
}

// CalculatePercentiles computes the summary percentiles of values
func CalculatePercentiles(values []float64, minSamples int) (*Percentiles, error) {
	if len(values) < max(1, minSamples) {
		return nil, &models.InsufficientDataError{Metric: "percentiles", Have: len(values), Need: max(1, minSamples)}
	}

	sorted := sortedCopy(values)

	return &Percentiles{
		Average: calculateAverage(sorted),
		P25:     Percentile(sorted, 25),
		P50:     Percentile(sorted, 50),
		P75:     Percentile(sorted, 75),
		P90:     Percentile(sorted, 90),
		P95:     Percentile(sorted, 95),
		P99:     Percentile(sorted, 99),
		Peak:    sorted[len(sorted)-1],
		Min:     sorted[0],
	}, nil
}

// Percentile computes the pth percentile of sorted values using linear
// interpolation: rank = p/100*(n-1), interpolated between floor and ceil ranks
func Percentile(sortedValues []float64, percentile float64) float64 {
	if len(sortedValues) == 0 {
		return 0
	}

	if len(sortedValues) == 1 {
		return sortedValues[0]
	}

	percentile = math.Max(0, math.Min(100, percentile))

	n := float64(len(sortedValues))
	rank := (percentile / 100.0) * (n - 1)

	lowerIndex := int(math.Floor(rank))
	upperIndex := int(math.Ceil(rank))

	if lowerIndex == upperIndex {
		return sortedValues[lowerIndex]
	}

	lowerValue := sortedValues[lowerIndex]
	upperValue := sortedValues[upperIndex]
	fraction := rank - float64(lowerIndex)

	return lowerValue + (upperValue-lowerValue)*fraction
}

// PercentileOf sorts a copy of values and returns its pth percentile
func PercentileOf(values []float64, percentile float64) float64 {
	return Percentile(sortedCopy(values), percentile)
}

// FilterThenPercentile is the two-stage computation: when filterAbove > 0,
// points strictly below the filterAbove percentile of the whole set are
// discarded, then the target percentile of the remainder is returned.
func FilterThenPercentile(values []float64, filterAbove, target float64, minSamples int) (float64, error) {
	need := max(1, minSamples)
	if len(values) < need {
		return 0, &models.InsufficientDataError{Metric: "filtered percentile", Have: len(values), Need: need}
	}

	sorted := sortedCopy(values)
	if filterAbove > 0 {
		threshold := Percentile(sorted, filterAbove)
		cut := sort.SearchFloat64s(sorted, threshold)
		sorted = sorted[cut:]
	}

	return Percentile(sorted, target), nil
}

// Peak is the maximum of values, 0 when empty
func Peak(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	return slices.Max(values)
}

// IQRC is the interquartile-range coefficient (P75-P25)/P50
func IQRC(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}
	sorted := sortedCopy(values)
	p50 := Percentile(sorted, 50)
	if p50 == 0 {
		return 0
	}
	return (Percentile(sorted, 75) - Percentile(sorted, 25)) / p50
}

func sortedCopy(values []float64) []float64 {
	sorted := slices.Clone(values)
	sort.Float64s(sorted)
	return sorted
}

// calculateAverage computes the mean of values
func calculateAverage(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}

	sum := 0.0
	for _, v := range values {
		sum += v
	}

	return sum / float64(len(values))
}

// CoefficientOfVariation measures relative variability (population stddev / mean)
// High CV (>0.5) = volatile series
// Low CV (<0.2) = steady series
func CoefficientOfVariation(values []float64) float64 {
	if len(values) < 2 {
		return 0
	}

	mean := calculateAverage(values)
	if mean == 0 {
		return 0
	}

	sumSquaredDiff := 0.0
	for _, v := range values {
		diff := v - mean
		sumSquaredDiff += diff * diff
	}

	variance := sumSquaredDiff / float64(len(values))
	stdDev := math.Sqrt(variance)

	return stdDev / mean
}
