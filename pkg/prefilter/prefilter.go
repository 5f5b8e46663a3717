// Package prefilter provides the shared signal conditioning used ahead of
// every similarity and refinement computation: band limiting with a
// zero-phase biquad cascade, polynomial detrending, window application, and
// correlation-ready normalization.
package prefilter

import (
	"fmt"
	"math"

	"github.com/cwbudde/algo-dsp/dsp/filter/biquad"
	"github.com/cwbudde/algo-dsp/dsp/filter/design"
	"github.com/cwbudde/algo-dsp/dsp/window"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"
)

// WindowKind selects the window applied before correlation.
type WindowKind int

const (
	WindowHann WindowKind = iota
	WindowHamming
	WindowBlackmanHarris
	WindowNone
)

// ParseWindow maps a configuration name to a WindowKind.
func ParseWindow(name string) (WindowKind, error) {
	switch name {
	case "hann", "":
		return WindowHann, nil
	case "hamming":
		return WindowHamming, nil
	case "blackmanharris":
		return WindowBlackmanHarris, nil
	case "none":
		return WindowNone, nil
	default:
		return 0, fmt.Errorf("unrecognized window function %q", name)
	}
}

func (w WindowKind) generate(n int) []float64 {
	switch w {
	case WindowHann:
		return window.Generate(window.TypeHann, n)
	case WindowHamming:
		return window.Generate(window.TypeHamming, n)
	case WindowBlackmanHarris:
		return window.Generate(window.TypeBlackmanHarris4Term, n)
	default:
		return window.Generate(window.TypeRectangular, n)
	}
}

// Apply multiplies the signal by the window in place.
func (w WindowKind) Apply(x []float64) {
	if w == WindowNone {
		return
	}
	coeffs := w.generate(len(x))
	for i := range x {
		x[i] *= coeffs[i]
	}
}

// BandLimit is a reusable band-limiting filter specification. The biquad
// coefficients are designed once; each Apply builds fresh filter state so
// concurrent callers never share mutable state.
type BandLimit struct {
	coeffs     []biquad.Coefficients
	sampleRate float64

	// Low and High are the passband corners in Hz. A zero Low disables the
	// highpass half, a zero High the lowpass half.
	Low, High float64
}

// NewBandLimit designs a bandpass specification with second-order highpass
// and lowpass sections at the given corners. Both corners zero yields a
// pass-through.
func NewBandLimit(low, high, sampleRate float64) (*BandLimit, error) {
	if sampleRate <= 0 {
		return nil, fmt.Errorf("sample rate must be positive, got %g", sampleRate)
	}
	if high > 0 && high <= low {
		return nil, fmt.Errorf("band corners out of order: low %g Hz, high %g Hz", low, high)
	}
	if high >= sampleRate/2 {
		return nil, fmt.Errorf("upper corner %g Hz at or above Nyquist (%g Hz)", high, sampleRate/2)
	}
	b := &BandLimit{sampleRate: sampleRate, Low: low, High: high}
	q := 1 / math.Sqrt2
	if low > 0 {
		b.coeffs = append(b.coeffs, design.Highpass(low, q, sampleRate))
	}
	if high > 0 {
		b.coeffs = append(b.coeffs, design.Lowpass(high, q, sampleRate))
	}
	return b, nil
}

// NewNotch designs a narrow stop specification centered at freq, used to
// remove a detected autocorrelation sidelobe component from the reference.
func NewNotch(freq, q, sampleRate float64) (*BandLimit, error) {
	if freq <= 0 || freq >= sampleRate/2 {
		return nil, fmt.Errorf("notch frequency %g Hz outside (0, Nyquist)", freq)
	}
	return &BandLimit{
		sampleRate: sampleRate,
		coeffs:     []biquad.Coefficients{design.Notch(freq, q, sampleRate)},
	}, nil
}

// SampleRate returns the rate the filter was designed for.
func (b *BandLimit) SampleRate() float64 { return b.sampleRate }

// Apply band-limits the signal, returning a new slice. Filtering runs
// forward then backward through fresh chains, cancelling the phase delay so
// lag estimates are not biased by the filter.
func (b *BandLimit) Apply(x []float64) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	if len(b.coeffs) == 0 || len(x) == 0 {
		return out
	}
	chain := biquad.NewChain(b.coeffs)
	chain.ProcessBlock(out)
	reverse(out)
	chain.Reset()
	chain.ProcessBlock(out)
	reverse(out)
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// Detrend removes a least-squares polynomial of the given order in place.
// Order 0 removes the mean; negative orders are a no-op.
func Detrend(x []float64, order int) {
	n := len(x)
	if order < 0 || n == 0 {
		return
	}
	if order == 0 {
		mean := stat.Mean(x, nil)
		for i := range x {
			x[i] -= mean
		}
		return
	}
	if order >= n {
		order = n - 1
	}

	// Vandermonde least squares on a [-1, 1] axis for conditioning.
	a := mat.NewDense(n, order+1, nil)
	for i := 0; i < n; i++ {
		t := 2*float64(i)/float64(n-1) - 1
		v := 1.0
		for j := 0; j <= order; j++ {
			a.Set(i, j, v)
			v *= t
		}
	}
	var qr mat.QR
	qr.Factorize(a)
	var coef mat.Dense
	if err := qr.SolveTo(&coef, false, mat.NewVecDense(n, x)); err != nil {
		// A degenerate trend fit leaves the data untouched.
		return
	}
	for i := 0; i < n; i++ {
		t := 2*float64(i)/float64(n-1) - 1
		v := 1.0
		trend := 0.0
		for j := 0; j <= order; j++ {
			trend += coef.At(j, 0) * v
			v *= t
		}
		x[i] -= trend
	}
}

// CorrNormalize prepares a signal for correlation: detrend, window, then
// scale to zero mean and unit energy so the correlation of two prepared
// signals is bounded by [-1, 1]. Returns a new slice.
func CorrNormalize(x []float64, detrendOrder int, win WindowKind) []float64 {
	out := make([]float64, len(x))
	copy(out, x)
	Detrend(out, detrendOrder)
	win.Apply(out)
	mean := stat.Mean(out, nil)
	sumsq := 0.0
	for i := range out {
		out[i] -= mean
		sumsq += out[i] * out[i]
	}
	if sumsq > 0 {
		scale := 1 / math.Sqrt(sumsq)
		for i := range out {
			out[i] *= scale
		}
	}
	return out
}

// StdNormalize scales a signal to zero mean and unit standard deviation,
// returning a new slice. A zero-variance signal comes back zeroed.
func StdNormalize(x []float64) []float64 {
	out := make([]float64, len(x))
	if len(x) == 0 {
		return out
	}
	mean, std := stat.MeanStdDev(x, nil)
	if std == 0 || math.IsNaN(std) {
		return out
	}
	for i := range x {
		out[i] = (x[i] - mean) / std
	}
	return out
}
