package similarity

import (
	"fmt"
	"math"
	"math/cmplx"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"gonum.org/v1/gonum/dsp/fourier"

	"lagscan/pkg/prefilter"
)

// Config carries the signal-conditioning options shared by the metric
// variants.
type Config struct {
	// SampleRate is the rate of the (oversampled) comparison grid in Hz.
	SampleRate float64

	// Filter optionally band-limits each unit signal before comparison.
	Filter *prefilter.BandLimit

	// Window and DetrendOrder condition both reference and unit signals.
	Window       prefilter.WindowKind
	DetrendOrder int

	// NegativeGradient applies the negated-derivative transform to unit
	// signals before normalization.
	NegativeGradient bool

	// Weighting selects the optional cross-spectrum weighting
	// (correlation mode only).
	Weighting SpectralWeighting
}

// Correlator computes normalized cross-correlation through frequency-domain
// convolution.
type Correlator struct {
	cfg            Config
	ref            []float64
	lagMin, lagMax int
	lagScale       []float64
}

// NewCorrelator returns a correlation-mode engine.
func NewCorrelator(cfg Config) *Correlator {
	return &Correlator{cfg: cfg}
}

// SetReference stores a filtered, detrended, windowed, unit-energy copy of
// the reference waveform.
func (c *Correlator) SetReference(wave []float64) error {
	if len(wave) < 2 {
		return fmt.Errorf("reference must have at least 2 samples, got %d", len(wave))
	}
	w := wave
	if c.cfg.Filter != nil {
		w = c.cfg.Filter.Apply(w)
	}
	c.ref = prefilter.CorrNormalize(w, c.cfg.DetrendOrder, c.cfg.Window)
	return nil
}

// SetLimits bounds the retained lag window. The window must be non-empty and
// fit within the correlation support of the reference length.
func (c *Correlator) SetLimits(minIdx, maxIdx int) error {
	if c.ref == nil {
		return fmt.Errorf("reference must be set before limits")
	}
	if minIdx < 0 || maxIdx < 0 || minIdx+maxIdx < 2 {
		return fmt.Errorf("degenerate lag window [-%d, +%d]", minIdx, maxIdx)
	}
	if minIdx >= len(c.ref) || maxIdx >= len(c.ref) {
		return fmt.Errorf("lag window [-%d, +%d] exceeds reference length %d", minIdx, maxIdx, len(c.ref))
	}
	c.lagMin, c.lagMax = minIdx, maxIdx
	c.lagScale = make([]float64, minIdx+maxIdx+1)
	for i := range c.lagScale {
		c.lagScale[i] = float64(i-minIdx) / c.cfg.SampleRate
	}
	return nil
}

func (c *Correlator) NumLags() int { return c.lagMin + c.lagMax + 1 }

func (c *Correlator) LagScale() []float64 { return c.lagScale }

// Compute fills dst with the limited cross-correlation of the signal against
// the stored reference and returns the index of the global maximum.
// Identical inputs always produce identical outputs.
func (c *Correlator) Compute(signal []float64, dst []float64) (int, error) {
	if len(c.lagScale) == 0 {
		return 0, fmt.Errorf("limits not set")
	}
	if len(signal) != len(c.ref) {
		return 0, fmt.Errorf("signal length %d does not match reference length %d", len(signal), len(c.ref))
	}
	if len(dst) != c.NumLags() {
		return 0, fmt.Errorf("destination length %d does not match lag window %d", len(dst), c.NumLags())
	}

	sig := signal
	if c.cfg.Filter != nil {
		sig = c.cfg.Filter.Apply(sig)
	}
	if c.cfg.NegativeGradient {
		sig = negativeGradient(sig, c.cfg.SampleRate)
	}
	sig = prefilter.CorrNormalize(sig, c.cfg.DetrendOrder, c.cfg.Window)

	var full []float64
	var err error
	if c.cfg.Weighting == WeightNone {
		full, err = conv.Correlate(sig, c.ref)
		if err != nil {
			return 0, fmt.Errorf("correlation failed: %w", err)
		}
	} else {
		full = c.weightedCorrelate(sig)
	}

	// Index len(ref)-1 of the full correlation is zero lag; positive lags
	// mean the unit signal trails the reference.
	origin := len(c.ref) - 1
	for i := range dst {
		dst[i] = full[origin+i-c.lagMin]
	}
	return argmax(dst), nil
}

// weightedCorrelate computes the cross-correlation with a weighted
// cross-spectrum: whitened to unit magnitude for the phase transform, or
// scaled by its magnitude to emphasize strong bands.
func (c *Correlator) weightedCorrelate(sig []float64) []float64 {
	n := len(sig)
	size := nextPow2(2 * n)
	fft := fourier.NewFFT(size)

	padSig := make([]float64, size)
	padRef := make([]float64, size)
	copy(padSig, sig)
	copy(padRef, c.ref)

	specSig := fft.Coefficients(nil, padSig)
	specRef := fft.Coefficients(nil, padRef)

	cross := make([]complex128, len(specSig))
	for i := range cross {
		cross[i] = specSig[i] * cmplx.Conj(specRef[i])
		mag := cmplx.Abs(cross[i])
		if mag == 0 {
			continue
		}
		switch c.cfg.Weighting {
		case WeightPhase:
			cross[i] /= complex(mag, 0)
		case WeightMagnitude:
			cross[i] *= complex(mag, 0)
		}
	}

	circ := fft.Sequence(nil, cross)
	scale := 1 / float64(size)

	// Unwrap the circular correlation into the linear full-correlation
	// layout: index origin+k holds lag k for k in [-(n-1), n-1].
	full := make([]float64, 2*n-1)
	origin := n - 1
	for k := -(n - 1); k <= n-1; k++ {
		idx := k
		if idx < 0 {
			idx += size
		}
		full[origin+k] = circ[idx] * scale
	}

	// Weighted spectra lose the unit-energy normalization; rescale so the
	// peak magnitude stays within the metric's natural range.
	maxAbs := 0.0
	for _, v := range full {
		if a := math.Abs(v); a > maxAbs {
			maxAbs = a
		}
	}
	if maxAbs > 1 {
		for i := range full {
			full[i] /= maxAbs
		}
	}
	return full
}

func nextPow2(n int) int {
	size := 1
	for size < n {
		size *= 2
	}
	return size
}
