// Package nulldist estimates significance thresholds for similarity peak
// strengths from an empirical null distribution. Surrogate signals are built
// by phase-randomizing the reference so they share its spectrum but carry no
// true lag relationship; each surrogate is run through the similarity engine
// and the peak fitter, and the collected strengths yield percentile
// thresholds.
package nulldist

import (
	"fmt"
	"math"
	"math/rand"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/dsp/fourier"

	"lagscan/pkg/peakfit"
	"lagscan/pkg/similarity"
	"lagscan/pkg/worker"
)

// Percentiles are the significance levels thresholds are derived for.
var Percentiles = []float64{0.05, 0.01, 0.005, 0.001}

// Thresholds maps a significance level to the peak strength required to
// exceed it under the null.
type Thresholds struct {
	// PValues and Strengths are parallel: Strengths[i] is the empirical
	// 1-PValues[i] percentile of the null peak strengths.
	PValues   []float64
	Strengths []float64

	// ParametricStrengths are the same levels from a normal-tail fit to
	// the null samples, a cross-check on the empirical values.
	ParametricStrengths []float64

	// NumSamples is the surrogate count remaining after outlier removal.
	NumSamples int
}

// At returns the strength threshold for the given p value.
func (t *Thresholds) At(p float64) (float64, bool) {
	for i, pv := range t.PValues {
		if pv == p {
			return t.Strengths[i], true
		}
	}
	return 0, false
}

// Estimator drives the surrogate runs.
type Estimator struct {
	// Reps is the number of surrogate signals.
	Reps int

	// Seed makes surrogate generation reproducible.
	Seed int64

	// MADLimit removes null samples more than this many scaled median
	// absolute deviations from the median before thresholds are derived.
	MADLimit float64

	// Pool runs surrogates in parallel.
	Pool *worker.Pool
}

// Run generates surrogates of the reference, scores each with its own
// engine clone built by newEngine, fits peaks with opts, and derives
// thresholds. newEngine must return an engine with reference and limits
// already set, since engines are not safe for concurrent reference swaps.
func (e *Estimator) Run(reference []float64, newEngine func() (similarity.Engine, error), opts peakfit.Options) (*Thresholds, error) {
	if e.Reps < 10 {
		return nil, fmt.Errorf("need at least 10 surrogate repetitions, got %d", e.Reps)
	}

	// Surrogates share the reference spectrum; randomizing phases
	// destroys any true lag structure.
	mags, n := spectrumMagnitudes(reference)

	strengths := make([]float64, e.Reps)

	pool := e.Pool
	if pool == nil {
		pool = &worker.Pool{Workers: 1}
	}
	err := pool.Run(e.Reps, func(r worker.Range) error {
		engine, err := newEngine()
		if err != nil {
			return err
		}
		fitter := peakfit.New(relaxedNullOptions(opts), engine.LagScale())
		fn := make([]float64, engine.NumLags())
		for i := r.Start; i < r.End; i++ {
			// One stream per surrogate index, so thresholds do not depend
			// on how the pool chunks the work.
			rng := rand.New(rand.NewSource(e.Seed + int64(i)))
			surrogate := phaseRandomize(mags, n, rng)
			if _, err := engine.Compute(surrogate, fn); err != nil {
				return fmt.Errorf("surrogate %d similarity failed: %w", i, err)
			}
			res := fitter.Fit(fn)
			strengths[i] = math.Abs(res.Strength)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	return deriveThresholds(strengths, e.MADLimit)
}

// relaxedNullOptions disables the acceptance thresholds so every surrogate
// contributes its raw peak strength to the distribution.
func relaxedNullOptions(opts peakfit.Options) peakfit.Options {
	opts.AmpThresh = 0
	opts.AmpMax = math.Inf(1)
	opts.AbsMinSigma = 0
	opts.AbsMaxSigma = math.Inf(1)
	return opts
}

// spectrumMagnitudes returns the magnitude spectrum of the reference and its
// length.
func spectrumMagnitudes(reference []float64) ([]float64, int) {
	n := len(reference)
	fft := fourier.NewFFT(n)
	coeffs := fft.Coefficients(nil, reference)
	mags := make([]float64, len(coeffs))
	for i, c := range coeffs {
		mags[i] = math.Hypot(real(c), imag(c))
	}
	return mags, n
}

// phaseRandomize builds one surrogate: the stored magnitudes with uniformly
// random phases, inverse transformed back to the time domain. The DC and
// Nyquist bins stay real.
func phaseRandomize(mags []float64, n int, rng *rand.Rand) []float64 {
	fft := fourier.NewFFT(n)
	coeffs := make([]complex128, len(mags))
	coeffs[0] = complex(mags[0], 0)
	last := len(mags) - 1
	for i := 1; i < last; i++ {
		phase := rng.Float64() * 2 * math.Pi
		coeffs[i] = complex(mags[i]*math.Cos(phase), mags[i]*math.Sin(phase))
	}
	if last > 0 {
		if n%2 == 0 {
			coeffs[last] = complex(mags[last], 0)
		} else {
			phase := rng.Float64() * 2 * math.Pi
			coeffs[last] = complex(mags[last]*math.Cos(phase), mags[last]*math.Sin(phase))
		}
	}
	seq := fft.Sequence(nil, coeffs)
	scale := 1 / float64(n)
	for i := range seq {
		seq[i] *= scale
	}
	return seq
}

// deriveThresholds removes MAD outliers and extracts the percentile and
// parametric thresholds.
func deriveThresholds(samples []float64, madLimit float64) (*Thresholds, error) {
	cleaned := samples
	if madLimit > 0 {
		med, err := stats.Median(samples)
		if err != nil {
			return nil, fmt.Errorf("null distribution median failed: %w", err)
		}
		mad, err := stats.MedianAbsoluteDeviation(samples)
		if err != nil {
			return nil, fmt.Errorf("null distribution MAD failed: %w", err)
		}
		// A zero MAD means a degenerate distribution; keep all samples.
		if mad > 0 {
			cleaned = cleaned[:0:0]
			for _, s := range samples {
				if math.Abs(s-med) <= madLimit*mad*1.4826 {
					cleaned = append(cleaned, s)
				}
			}
		}
	}
	if len(cleaned) < 10 {
		return nil, fmt.Errorf("only %d null samples remain after outlier removal", len(cleaned))
	}

	t := &Thresholds{
		PValues:    append([]float64(nil), Percentiles...),
		NumSamples: len(cleaned),
	}
	mean, err := stats.Mean(cleaned)
	if err != nil {
		return nil, err
	}
	sd, err := stats.StandardDeviation(cleaned)
	if err != nil {
		return nil, err
	}
	for _, p := range Percentiles {
		emp, err := stats.Percentile(cleaned, 100*(1-p))
		if err != nil {
			return nil, fmt.Errorf("percentile %g failed: %w", p, err)
		}
		t.Strengths = append(t.Strengths, emp)
		t.ParametricStrengths = append(t.ParametricStrengths, mean+sd*normalQuantile(1-p))
	}
	return t, nil
}

// normalQuantile is the standard normal inverse CDF (Acklam's rational
// approximation, adequate for the tail levels used here).
func normalQuantile(p float64) float64 {
	if p <= 0 || p >= 1 {
		return math.NaN()
	}
	a := []float64{-3.969683028665376e+01, 2.209460984245205e+02, -2.759285104469687e+02,
		1.383577518672690e+02, -3.066479806614716e+01, 2.506628277459239e+00}
	b := []float64{-5.447609879822406e+01, 1.615858368580409e+02, -1.556989798598866e+02,
		6.680131188771972e+01, -1.328068155288572e+01}
	c := []float64{-7.784894002430293e-03, -3.223964580411365e-01, -2.400758277161838e+00,
		-2.549732539343734e+00, 4.374664141464968e+00, 2.938163982698783e+00}
	d := []float64{7.784695709041462e-03, 3.224671290700398e-01, 2.445134137142996e+00,
		3.754408661907416e+00}

	const pLow = 0.02425
	switch {
	case p < pLow:
		q := math.Sqrt(-2 * math.Log(p))
		return (((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	case p > 1-pLow:
		q := math.Sqrt(-2 * math.Log(1-p))
		return -(((((c[0]*q+c[1])*q+c[2])*q+c[3])*q+c[4])*q + c[5]) /
			((((d[0]*q+d[1])*q+d[2])*q+d[3])*q + 1)
	default:
		q := p - 0.5
		r := q * q
		return (((((a[0]*r+a[1])*r+a[2])*r+a[3])*r+a[4])*r + a[5]) * q /
			(((((b[0]*r+b[1])*r+b[2])*r+b[3])*r+b[4])*r + 1)
	}
}
