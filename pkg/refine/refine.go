// Package refine rebuilds the probe regressor from the units it currently
// explains well. Included unit signals are time-shifted back to zero lag
// with fractional-sample interpolation, weighted, combined into a candidate
// regressor, band-limited, and compared against the previous candidate for
// convergence.
package refine

import (
	"errors"
	"fmt"
	"log/slog"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/interp"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"lagscan/internal/models"
	"lagscan/pkg/prefilter"
	"lagscan/pkg/worker"
)

// ErrEmptyMask is returned when thresholding leaves no units to refine on.
// It is a hard stop for the pass loop.
var ErrEmptyMask = errors.New("refinement mask selects zero units")

// WeightKind selects the per-unit weight applied before combining.
type WeightKind int

const (
	WeightVariance WeightKind = iota
	WeightStrength
	WeightUniform
)

// ParseWeight maps a configuration name to a WeightKind.
func ParseWeight(name string) (WeightKind, error) {
	switch name {
	case "variance", "":
		return WeightVariance, nil
	case "strength":
		return WeightStrength, nil
	case "uniform":
		return WeightUniform, nil
	default:
		return 0, fmt.Errorf("unrecognized refinement weighting %q", name)
	}
}

// PrenormKind selects the per-unit normalization applied before weighting.
type PrenormKind int

const (
	PrenormVariance PrenormKind = iota
	PrenormStrength
	PrenormNone
)

// ParsePrenorm maps a configuration name to a PrenormKind.
func ParsePrenorm(name string) (PrenormKind, error) {
	switch name {
	case "variance", "":
		return PrenormVariance, nil
	case "strength":
		return PrenormStrength, nil
	case "none":
		return PrenormNone, nil
	default:
		return 0, fmt.Errorf("unrecognized refinement prenormalization %q", name)
	}
}

// CombineKind selects how aligned signals merge into the candidate.
type CombineKind int

const (
	CombineWeightedMean CombineKind = iota
	CombinePCA
)

// ParseCombine maps a configuration name to a CombineKind.
func ParseCombine(name string) (CombineKind, error) {
	switch name {
	case "weightedmean", "mean", "":
		return CombineWeightedMean, nil
	case "pca":
		return CombinePCA, nil
	default:
		return 0, fmt.Errorf("unrecognized refinement combine mode %q", name)
	}
}

// MaskParams are the thresholds and static masks that build the refinement
// mask from the current pass maps.
type MaskParams struct {
	// AmpThresh is the minimum accepted strength (magnitude in bipolar
	// mode).
	AmpThresh float64

	// LagMinThresh and LagMaxThresh bound the accepted |lag| in seconds.
	LagMinThresh, LagMaxThresh float64

	// SigmaThresh is the maximum accepted peak width in seconds.
	SigmaThresh float64

	Bipolar bool

	// IncludeMask and ExcludeMask are optional static spatial masks in
	// valid-unit indexing.
	IncludeMask, ExcludeMask []bool

	// ExcludeDespeckled removes units whose lag was replaced during
	// despeckling.
	ExcludeDespeckled bool
}

// MaskResult reports the mask plus per-rule failure counts for diagnostics.
type MaskResult struct {
	Mask        []bool
	NumIncluded int

	AmpFails      int
	LagFails      int
	SigmaFails    int
	LocationFails int
}

// BuildMask derives the refinement mask for this pass. An exclude mask (or
// despeckle exclusion) that would empty the set is relaxed with a warning;
// an empty set after thresholds alone is ErrEmptyMask.
func BuildMask(maps *models.PassMaps, p MaskParams, log *slog.Logger) (*MaskResult, error) {
	if log == nil {
		log = slog.Default()
	}
	res := &MaskResult{Mask: make([]bool, maps.NumUnits)}

	passesThresholds := func(vi int) bool {
		if !maps.Include[vi] {
			return false
		}
		strength := maps.Strength[vi]
		if p.Bipolar {
			strength = math.Abs(strength)
		}
		if strength < p.AmpThresh {
			res.AmpFails++
			return false
		}
		absLag := math.Abs(maps.Lag[vi])
		if absLag < p.LagMinThresh || absLag > p.LagMaxThresh {
			res.LagFails++
			return false
		}
		if p.SigmaThresh > 0 && maps.Width[vi] > p.SigmaThresh {
			res.SigmaFails++
			return false
		}
		if p.IncludeMask != nil && !p.IncludeMask[vi] {
			res.LocationFails++
			return false
		}
		return true
	}

	base := make([]bool, maps.NumUnits)
	baseCount := 0
	for vi := 0; vi < maps.NumUnits; vi++ {
		if passesThresholds(vi) {
			base[vi] = true
			baseCount++
		}
	}
	if baseCount == 0 {
		return res, fmt.Errorf("%w: thresholds removed all %d units", ErrEmptyMask, maps.NumUnits)
	}

	// Apply exclusions; if they would empty the set, fall back to the
	// unexcluded mask rather than aborting.
	count := 0
	for vi := range base {
		res.Mask[vi] = base[vi]
		if res.Mask[vi] && p.ExcludeMask != nil && p.ExcludeMask[vi] {
			res.Mask[vi] = false
		}
		if res.Mask[vi] && p.ExcludeDespeckled && maps.Despeckled[vi] {
			res.Mask[vi] = false
		}
		if res.Mask[vi] {
			count++
		}
	}
	if count == 0 {
		log.Warn("exclusion masks would remove every refinement unit, including them for this pass")
		copy(res.Mask, base)
		count = baseCount
	}
	res.NumIncluded = count
	return res, nil
}

// Refiner aligns, weights and combines unit signals into a new candidate
// regressor.
type Refiner struct {
	// SampleRate is the native data rate in Hz.
	SampleRate float64

	// Filter band-limits aligned signals and the combined candidate with
	// the same specification used for the original probe.
	Filter *prefilter.BandLimit

	DetrendOrder int
	Weighting    WeightKind
	Prenorm      PrenormKind
	Combine      CombineKind

	// Offset is subtracted from every unit lag before alignment, from the
	// lag-histogram peak of the included units.
	Offset float64

	// PadSamples is the edge padding used during fractional shifting.
	PadSamples int

	Pool *worker.Pool
	Log  *slog.Logger
}

// Result is the outcome of one refinement.
type Result struct {
	// Candidate is the new regressor on the native time grid, band-limited
	// and standardized.
	Candidate []float64

	// NumUsed is the number of units combined.
	NumUsed int
}

// Refine builds the candidate regressor. signal(vi) must return unit vi's
// native-rate time series; mask selects the units to combine.
func (r *Refiner) Refine(signal func(vi int) []float64, maps *models.PassMaps, mask []bool) (*Result, error) {
	included := make([]int, 0, len(mask))
	for vi, in := range mask {
		if in {
			included = append(included, vi)
		}
	}
	if len(included) == 0 {
		return nil, ErrEmptyMask
	}

	nT := len(signal(included[0]))
	aligned := make([]float64, len(included)*nT)
	weights := make([]float64, len(included))

	pool := r.Pool
	if pool == nil {
		pool = &worker.Pool{Workers: 1}
	}
	err := pool.Run(len(included), func(rg worker.Range) error {
		for i := rg.Start; i < rg.End; i++ {
			vi := included[i]
			sig := signal(vi)
			if len(sig) != nT {
				return fmt.Errorf("unit %d has %d timepoints, expected %d", vi, len(sig), nT)
			}
			prepared := sig
			if r.Filter != nil {
				prepared = r.Filter.Apply(prepared)
			} else {
				prepared = append([]float64(nil), prepared...)
			}
			prefilter.Detrend(prepared, r.DetrendOrder)

			shift := -(maps.Lag[vi] - r.Offset) * r.SampleRate
			dst := aligned[i*nT : (i+1)*nT]
			fractionalShift(prepared, shift, r.PadSamples, dst)

			weights[i] = r.unitWeight(dst, maps, vi)
			r.prenormalize(dst, maps, vi)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	var candidate []float64
	switch r.Combine {
	case CombinePCA:
		candidate = leadingMode(aligned, len(included), nT, weights)
	default:
		candidate = weightedMean(aligned, len(included), nT, weights)
	}

	if r.Filter != nil {
		candidate = r.Filter.Apply(candidate)
	}
	candidate = prefilter.StdNormalize(candidate)
	return &Result{Candidate: candidate, NumUsed: len(included)}, nil
}

func (r *Refiner) unitWeight(aligned []float64, maps *models.PassMaps, vi int) float64 {
	switch r.Weighting {
	case WeightVariance:
		v := stat.Variance(aligned, nil)
		if v <= 0 || math.IsNaN(v) {
			return 0
		}
		return v
	case WeightStrength:
		return math.Abs(maps.Strength[vi])
	default:
		return 1
	}
}

func (r *Refiner) prenormalize(aligned []float64, maps *models.PassMaps, vi int) {
	var scale float64
	switch r.Prenorm {
	case PrenormVariance:
		v := stat.Variance(aligned, nil)
		if v > 0 {
			scale = 1 / v
		}
	case PrenormStrength:
		s := math.Abs(maps.Strength[vi])
		if s > 0 {
			scale = 1 / s
		}
	default:
		return
	}
	if scale == 0 {
		return
	}
	// Bipolar sign handling: anti-correlated units are flipped so they
	// reinforce rather than cancel the candidate.
	if maps.Strength[vi] < 0 {
		scale = -scale
	}
	for i := range aligned {
		aligned[i] *= scale
	}
}

// fractionalShift resamples sig shifted by the given number of samples
// (possibly fractional) into dst, using cubic interpolation over an
// edge-padded copy.
func fractionalShift(sig []float64, shiftSamples float64, pad int, dst []float64) {
	n := len(sig)
	if pad < 4 {
		pad = 4
	}
	padded := make([]float64, n+2*pad)
	for i := range padded {
		src := i - pad
		if src < 0 {
			src = 0
		}
		if src >= n {
			src = n - 1
		}
		padded[i] = sig[src]
	}
	for t := 0; t < n; t++ {
		pos := float64(t+pad) - shiftSamples
		i0 := int(math.Floor(pos))
		frac := pos - float64(i0)
		sampleAt := func(i int) float64 {
			if i < 0 {
				return padded[0]
			}
			if i >= len(padded) {
				return padded[len(padded)-1]
			}
			return padded[i]
		}
		dst[t] = interp.Hermite4(frac, sampleAt(i0-1), sampleAt(i0), sampleAt(i0+1), sampleAt(i0+2))
	}
}

// weightedMean combines aligned signals into a per-timepoint weighted mean.
func weightedMean(aligned []float64, nUnits, nT int, weights []float64) []float64 {
	out := make([]float64, nT)
	totalW := 0.0
	for i := 0; i < nUnits; i++ {
		w := weights[i]
		if w <= 0 {
			continue
		}
		totalW += w
		row := aligned[i*nT : (i+1)*nT]
		for t := 0; t < nT; t++ {
			out[t] += w * row[t]
		}
	}
	if totalW > 0 {
		for t := range out {
			out[t] /= totalW
		}
	}
	return out
}

// leadingMode extracts the first principal component across aligned signals
// and sign-matches it to the weighted mean so refinement cannot flip the
// candidate between passes.
func leadingMode(aligned []float64, nUnits, nT int, weights []float64) []float64 {
	mean := weightedMean(aligned, nUnits, nT, weights)

	m := mat.NewDense(nUnits, nT, nil)
	for i := 0; i < nUnits; i++ {
		row := aligned[i*nT : (i+1)*nT]
		for t := 0; t < nT; t++ {
			m.Set(i, t, row[t]-mean[t])
		}
	}

	var svd mat.SVD
	if !svd.Factorize(m, mat.SVDThinV) {
		// Degenerate decomposition: the weighted mean is still a valid
		// candidate.
		return mean
	}
	var v mat.Dense
	svd.VTo(&v)

	pc := make([]float64, nT)
	for t := 0; t < nT; t++ {
		pc[t] = v.At(t, 0)
	}

	// Scale the component back to signal units and restore the mean
	// level, then align its sign with the mean combine.
	sv := svd.Values(nil)
	if len(sv) > 0 && sv[0] > 0 {
		scale := sv[0] / math.Sqrt(float64(nUnits))
		for t := range pc {
			pc[t] = pc[t]*scale + mean[t]
		}
	}
	if stat.Correlation(pc, mean, nil) < 0 {
		for t := range pc {
			pc[t] = 2*mean[t] - pc[t]
		}
	}
	return pc
}

// MSE is the convergence metric between successive candidates. It is
// exactly zero for identical inputs.
func MSE(a, b []float64) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return math.Inf(1)
	}
	sum := 0.0
	for i := range a {
		d := a[i] - b[i]
		sum += d * d
	}
	return sum / float64(len(a))
}

// LagHistogramPeak returns the center of the most populated lag histogram
// bin among masked units, used as the alignment offset when offset
// refinement is enabled.
func LagHistogramPeak(lags []float64, mask []bool, bins int) float64 {
	if bins < 2 {
		bins = 2
	}
	lo, hi := math.Inf(1), math.Inf(-1)
	n := 0
	for i, l := range lags {
		if mask != nil && !mask[i] {
			continue
		}
		if l < lo {
			lo = l
		}
		if l > hi {
			hi = l
		}
		n++
	}
	if n == 0 || hi <= lo {
		return 0
	}
	counts := make([]int, bins)
	width := (hi - lo) / float64(bins)
	for i, l := range lags {
		if mask != nil && !mask[i] {
			continue
		}
		b := int((l - lo) / width)
		if b >= bins {
			b = bins - 1
		}
		counts[b]++
	}
	best := 0
	for b, c := range counts {
		if c > counts[best] {
			best = b
		}
	}
	return lo + (float64(best)+0.5)*width
}
