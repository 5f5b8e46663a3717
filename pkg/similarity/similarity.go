// Package similarity computes the similarity function between the probe
// reference and each spatial unit's signal over a bounded lag range. Two
// metric variants implement the Engine interface: frequency-domain
// cross-correlation and a histogram mutual-information estimate. The hybrid
// mode uses both: correlation supplies the function that is fit, mutual
// information supplies peak pre-evaluation seeds.
package similarity

import (
	"fmt"
	"math"
)

// MetricKind is the closed set of similarity metrics.
type MetricKind int

const (
	MetricCorrelation MetricKind = iota
	MetricMutualInfo
	MetricHybrid
)

// ParseMetric maps a configuration name to a MetricKind.
func ParseMetric(name string) (MetricKind, error) {
	switch name {
	case "correlation", "":
		return MetricCorrelation, nil
	case "mutualinfo":
		return MetricMutualInfo, nil
	case "hybrid":
		return MetricHybrid, nil
	default:
		return 0, fmt.Errorf("unrecognized similarity metric %q", name)
	}
}

func (m MetricKind) String() string {
	switch m {
	case MetricCorrelation:
		return "correlation"
	case MetricMutualInfo:
		return "mutualinfo"
	case MetricHybrid:
		return "hybrid"
	}
	return "unknown"
}

// SpectralWeighting selects the optional cross-spectrum weighting applied in
// correlation mode.
type SpectralWeighting int

const (
	// WeightNone computes the plain normalized cross-correlation.
	WeightNone SpectralWeighting = iota

	// WeightMagnitude emphasizes strong spectral bands by scaling the
	// cross-spectrum by its magnitude.
	WeightMagnitude

	// WeightPhase whitens the cross-spectrum to unit magnitude (phase
	// transform), sharpening the peak at the cost of amplitude meaning.
	WeightPhase
)

// ParseWeighting maps a configuration name to a SpectralWeighting.
func ParseWeighting(name string) (SpectralWeighting, error) {
	switch name {
	case "none", "":
		return WeightNone, nil
	case "magnitude":
		return WeightMagnitude, nil
	case "phase":
		return WeightPhase, nil
	default:
		return 0, fmt.Errorf("unrecognized spectral weighting %q", name)
	}
}

// Engine computes a similarity function for one unit signal against a stored
// reference. Engines are configured once, then used read-only by concurrent
// workers; Compute writes only into the caller's destination slice.
type Engine interface {
	// SetReference stores a conditioned copy of the reference waveform.
	SetReference(wave []float64) error

	// SetLimits bounds the retained lag window to [-minIdx, +maxIdx]
	// sample offsets around zero lag.
	SetLimits(minIdx, maxIdx int) error

	// NumLags returns the length of the retained similarity function.
	NumLags() int

	// LagScale returns the lag axis in seconds, shared by every unit.
	LagScale() []float64

	// Compute fills dst (length NumLags) with the similarity function of
	// the signal and returns the index of its global maximum.
	Compute(signal []float64, dst []float64) (int, error)
}

// negativeGradient replaces a signal with its negated central-difference
// derivative, an optional transform for data where the probe couples to the
// signal's rate of change rather than its level.
func negativeGradient(x []float64, rate float64) []float64 {
	out := make([]float64, len(x))
	if len(x) < 3 {
		return out
	}
	for i := 1; i < len(x)-1; i++ {
		out[i] = -(x[i+1] - x[i-1]) * rate / 2
	}
	out[0] = out[1]
	out[len(x)-1] = out[len(x)-2]
	return out
}

// argmax returns the index of the maximum value, or of the maximum absolute
// value when bipolar scanning is requested by the caller.
func argmax(x []float64) int {
	best, bestIdx := math.Inf(-1), 0
	for i, v := range x {
		if v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx
}
