package analyzer

import (
	"fmt"
	"iter"
	"time"

	"github.com/opscart/nfit/pkg/models"
)

// Method selects the rolling average
type Method string

const (
	MethodSMA Method = "sma"
	MethodEMA Method = "ema"
)

// DecayLevel is a named EMA alpha preset
type DecayLevel string

const (
	DecayLow      DecayLevel = "low"
	DecayMedium   DecayLevel = "medium"
	DecayHigh     DecayLevel = "high"
	DecayVeryHigh DecayLevel = "very-high"
	DecayExtreme  DecayLevel = "extreme"
)

var decayAlpha = map[DecayLevel]float64{
	DecayLow:      0.03,
	DecayMedium:   0.08,
	DecayHigh:     0.15,
	DecayVeryHigh: 0.30,
	DecayExtreme:  0.40,
}

// Alpha returns the smoothing factor of a decay preset
func Alpha(level DecayLevel) (float64, error) {
	a, ok := decayAlpha[level]
	if !ok {
		return 0, fmt.Errorf("unknown decay level %q", level)
	}
	return a, nil
}

// SmoothingOptions configures one smoothing pass
type SmoothingOptions struct {
	Method        Method
	WindowMinutes int
	Decay         DecayLevel
}

// Validate checks the option combination
func (o SmoothingOptions) Validate() error {
	if o.WindowMinutes < 1 {
		return fmt.Errorf("window must be at least 1 minute, got %d", o.WindowMinutes)
	}
	switch o.Method {
	case MethodSMA:
		return nil
	case MethodEMA:
		_, err := Alpha(o.Decay)
		return err
	}
	return fmt.Errorf("unknown smoothing method %q", o.Method)
}

func (o SmoothingOptions) window() time.Duration {
	return time.Duration(max(1, o.WindowMinutes)) * time.Minute
}

// Smooth lazily yields one rolling-average point per input point.
// SMA averages the raw points in the trailing window. EMA is primed with the
// running mean of the first window of points, then follows
// ema[i] = alpha*v[i] + (1-alpha)*ema[i-1].
func Smooth(points []models.Point, opts SmoothingOptions) iter.Seq[models.Point] {
	if opts.Method == MethodEMA {
		return smoothEMA(points, opts)
	}
	return smoothSMA(points, opts)
}

// SmoothValues collects the smoothed values
func SmoothValues(points []models.Point, opts SmoothingOptions) []float64 {
	out := make([]float64, 0, len(points))
	for p := range Smooth(points, opts) {
		out = append(out, p.Value)
	}
	return out
}

func smoothSMA(points []models.Point, opts SmoothingOptions) iter.Seq[models.Point] {
	window := opts.window()
	return func(yield func(models.Point) bool) {
		lo := 0
		sum := 0.0
		for i, p := range points {
			sum += p.Value
			cutoff := p.Timestamp.Add(-window)
			for lo < i && !points[lo].Timestamp.After(cutoff) {
				sum -= points[lo].Value
				lo++
			}
			if !yield(models.Point{Timestamp: p.Timestamp, Value: sum / float64(i-lo+1)}) {
				return
			}
		}
	}
}

func smoothEMA(points []models.Point, opts SmoothingOptions) iter.Seq[models.Point] {
	alpha, err := Alpha(opts.Decay)
	if err != nil {
		alpha = decayAlpha[DecayMedium]
	}
	window := opts.window()
	return func(yield func(models.Point) bool) {
		if len(points) == 0 {
			return
		}
		primeEnd := points[0].Timestamp.Add(window)
		ema := 0.0
		sum := 0.0
		primed := 0
		for i, p := range points {
			if p.Timestamp.Before(primeEnd) || i == 0 {
				sum += p.Value
				primed++
				ema = sum / float64(primed)
			} else {
				ema = alpha*p.Value + (1-alpha)*ema
			}
			if !yield(models.Point{Timestamp: p.Timestamp, Value: ema}) {
				return
			}
		}
	}
}
