// Package peakfit fits a Gaussian peak model to a similarity function,
// yielding lag, strength and width plus a typed failure code. The fit is a
// state machine: search for the global maximum in the limited window, select
// a candidate window around it, fit the peak model, then accept or reject
// against the amplitude, width and edge rules. Per-unit failures are encoded
// in the result, never raised as errors.
package peakfit

import (
	"math"

	"lagscan/internal/models"
)

// Options configures the fitter. One Options value is shared read-only by
// every worker.
type Options struct {
	// SearchFrac sizes the candidate window: samples on each side of the
	// maximum are kept while the function stays above SearchFrac times the
	// peak height.
	SearchFrac float64

	// AmpThresh and AmpMax bound the accepted fitted amplitude. Bipolar
	// mode applies them to the magnitude while preserving sign.
	AmpThresh float64
	AmpMax    float64

	// AbsMinSigma and AbsMaxSigma bound the accepted peak width (seconds).
	AbsMinSigma float64
	AbsMaxSigma float64

	// Bipolar admits negative peaks.
	Bipolar bool

	// FixedDelay skips the search and forces the lag to FixedDelayValue,
	// scoring the similarity function at that point. Rejection checks
	// other than width still apply.
	FixedDelay      bool
	FixedDelayValue float64

	// MaxIterations bounds the model fit; exceeding it is a fit failure.
	MaxIterations int
}

// DefaultOptions mirrors the conventional thresholds for correlation-metric
// fitting.
func DefaultOptions() Options {
	return Options{
		SearchFrac:    0.5,
		AmpThresh:     0.3,
		AmpMax:        1.05,
		AbsMinSigma:   0.25,
		AbsMaxSigma:   1000.0,
		MaxIterations: 50,
	}
}

// Result is one unit's peak fit.
type Result struct {
	Lag      float64 // seconds
	Strength float64 // metric units, sign preserved in bipolar mode
	Width    float64 // Gaussian sigma, seconds
	R2       float64 // goodness of the peak model fit
	Code     models.FitCode
}

// Fitter fits peaks on a fixed lag axis.
type Fitter struct {
	opts     Options
	lagScale []float64
	lagStep  float64
}

// New returns a fitter for the given lag axis (seconds, ascending, uniform).
func New(opts Options, lagScale []float64) *Fitter {
	f := &Fitter{opts: opts, lagScale: lagScale}
	if len(lagScale) > 1 {
		f.lagStep = lagScale[1] - lagScale[0]
	}
	return f
}

// fitState is the phase of the per-unit fitting state machine.
type fitState int

const (
	stateSearching fitState = iota
	stateCandidateSelected
	stateFitting
	stateAccepted
	stateRejected
)

// Fit runs the state machine over one similarity function.
func (f *Fitter) Fit(fn []float64) Result {
	return f.fit(fn, 0, len(fn))
}

// FitSeeded restricts the search to seedLag +/- window seconds, used by
// despeckling to re-fit suspects around the local median instead of the
// global maximum.
func (f *Fitter) FitSeeded(fn []float64, seedLag, window float64) Result {
	if f.lagStep <= 0 {
		return Result{Code: models.CodeNoPeak}
	}
	center := int(math.Round((seedLag - f.lagScale[0]) / f.lagStep))
	half := int(math.Ceil(window / f.lagStep))
	lo := center - half
	hi := center + half + 1
	if lo < 0 {
		lo = 0
	}
	if hi > len(fn) {
		hi = len(fn)
	}
	if hi-lo < 3 {
		return Result{Code: models.CodeNoPeak}
	}
	return f.fit(fn, lo, hi)
}

// fit is the state machine body. searchLo/searchHi bound the maximum search;
// the candidate window and model fit may extend past them only to the limits
// of the function itself.
func (f *Fitter) fit(fn []float64, searchLo, searchHi int) Result {
	res := Result{}
	state := stateSearching

	var (
		sign          = 1.0
		peakIdx       int
		winLo, winHi  int
		amp, mu, sig  float64
		flipped       []float64
		workingFn     = fn
		fixedDelayFit bool
	)

	if f.opts.FixedDelay {
		fixedDelayFit = true
	}

	for {
		switch state {
		case stateSearching:
			if fixedDelayFit {
				// Forced lag: score the function at the fixed delay and
				// jump straight to the rejection checks.
				res.Lag = f.opts.FixedDelayValue
				res.Strength = f.valueAt(fn, res.Lag)
				res.Width = 0
				res.R2 = 0
				state = stateAccepted
				continue
			}
			if len(fn) < 3 || f.lagStep <= 0 {
				res.Code |= models.CodeNoPeak
				state = stateRejected
				continue
			}
			peakIdx = f.searchMax(fn, searchLo, searchHi)
			if f.opts.Bipolar && fn[peakIdx] < 0 {
				// Negative peak: fit the inverted function and restore
				// the sign afterward.
				sign = -1
				flipped = make([]float64, len(fn))
				for i, v := range fn {
					flipped[i] = -v
				}
				workingFn = flipped
			}
			if workingFn[peakIdx] <= 0 {
				res.Code |= models.CodeNoPeak
				state = stateRejected
				continue
			}
			state = stateCandidateSelected

		case stateCandidateSelected:
			winLo, winHi = f.candidateWindow(workingFn, peakIdx)
			if winHi-winLo < 3 {
				res.Code |= models.CodeNoPeak
				state = stateRejected
				continue
			}
			state = stateFitting

		case stateFitting:
			var ok bool
			amp, mu, sig, res.R2, ok = gaussFit(
				f.lagScale[winLo:winHi], workingFn[winLo:winHi],
				workingFn[peakIdx], f.lagScale[peakIdx], f.initialSigma(workingFn, peakIdx),
				f.opts.MaxIterations,
			)
			if !ok {
				res.Code |= models.CodeFitFail
				// Keep the raw maximum for diagnostics.
				res.Lag = f.lagScale[peakIdx]
				res.Strength = sign * workingFn[peakIdx]
				state = stateRejected
				continue
			}
			res.Lag = mu
			res.Strength = sign * amp
			res.Width = sig
			state = stateAccepted

		case stateAccepted:
			f.check(&res, fixedDelayFit)
			if !res.Code.Accepted() {
				state = stateRejected
				continue
			}
			return res

		case stateRejected:
			return res
		}
	}
}

// searchMax locates the global maximum within [lo, hi). Bipolar mode scans
// magnitudes.
func (f *Fitter) searchMax(fn []float64, lo, hi int) int {
	best, bestIdx := math.Inf(-1), lo
	for i := lo; i < hi; i++ {
		v := fn[i]
		if f.opts.Bipolar {
			v = math.Abs(v)
		}
		if v > best {
			best, bestIdx = v, i
		}
	}
	return bestIdx
}

// candidateWindow expands around the peak while the function stays above
// SearchFrac times the peak height.
func (f *Fitter) candidateWindow(fn []float64, peakIdx int) (int, int) {
	thresh := fn[peakIdx] * f.opts.SearchFrac
	lo := peakIdx
	for lo > 0 && fn[lo-1] >= thresh && fn[lo-1] <= fn[lo] {
		lo--
	}
	hi := peakIdx
	for hi < len(fn)-1 && fn[hi+1] >= thresh && fn[hi+1] <= fn[hi] {
		hi++
	}
	return lo, hi + 1
}

// initialSigma estimates the starting width from the half-height span.
func (f *Fitter) initialSigma(fn []float64, peakIdx int) float64 {
	half := fn[peakIdx] / 2
	lo := peakIdx
	for lo > 0 && fn[lo] > half {
		lo--
	}
	hi := peakIdx
	for hi < len(fn)-1 && fn[hi] > half {
		hi++
	}
	fwhm := float64(hi-lo) * f.lagStep
	if fwhm <= 0 {
		fwhm = f.lagStep
	}
	return fwhm / 2.355
}

// check applies the rejection rules to a fitted result.
func (f *Fitter) check(res *Result, fixed bool) {
	// Bipolar mode thresholds on magnitude; otherwise a negative strength
	// simply fails the lower amplitude bound.
	mag := res.Strength
	if f.opts.Bipolar {
		mag = math.Abs(res.Strength)
	}
	if mag < f.opts.AmpThresh {
		res.Code |= models.CodeAmpLow
	}
	if mag > f.opts.AmpMax {
		res.Code |= models.CodeAmpHigh
	}
	if !fixed {
		if res.Width < f.opts.AbsMinSigma {
			res.Code |= models.CodeWidthLow
		}
		if res.Width > f.opts.AbsMaxSigma {
			res.Code |= models.CodeWidthHigh
		}
		// A lag within one step of the search range edge cannot be
		// distinguished from a peak outside the range.
		if res.Lag <= f.lagScale[0]+f.lagStep/2 || res.Lag >= f.lagScale[len(f.lagScale)-1]-f.lagStep/2 {
			res.Code |= models.CodeEdge
		}
	}
}

// valueAt linearly interpolates the similarity function at a lag.
func (f *Fitter) valueAt(fn []float64, lag float64) float64 {
	if f.lagStep <= 0 || len(fn) == 0 {
		return 0
	}
	pos := (lag - f.lagScale[0]) / f.lagStep
	i0 := int(math.Floor(pos))
	if i0 < 0 {
		return fn[0]
	}
	if i0 >= len(fn)-1 {
		return fn[len(fn)-1]
	}
	frac := pos - float64(i0)
	return fn[i0]*(1-frac) + fn[i0+1]*frac
}

// gaussFit fits y = A exp(-(x-mu)^2 / (2 sigma^2)) by Gauss-Newton with the
// analytic Jacobian. Returns the parameters, the R^2 of the fit, and whether
// the iteration converged.
func gaussFit(x, y []float64, amp0, mu0, sigma0 float64, maxIter int) (amp, mu, sigma, r2 float64, ok bool) {
	amp, mu, sigma = amp0, mu0, sigma0
	if sigma <= 0 || maxIter < 1 {
		return amp, mu, sigma, 0, false
	}
	n := len(x)
	if n < 3 {
		return amp, mu, sigma, 0, false
	}

	const tol = 1e-10
	for iter := 0; iter < maxIter; iter++ {
		// Normal equations for the 3-parameter Jacobian.
		var jtj [3][3]float64
		var jtr [3]float64
		for i := 0; i < n; i++ {
			d := x[i] - mu
			e := math.Exp(-d * d / (2 * sigma * sigma))
			model := amp * e
			r := y[i] - model
			j0 := e
			j1 := model * d / (sigma * sigma)
			j2 := model * d * d / (sigma * sigma * sigma)
			j := [3]float64{j0, j1, j2}
			for a := 0; a < 3; a++ {
				for b := 0; b < 3; b++ {
					jtj[a][b] += j[a] * j[b]
				}
				jtr[a] += j[a] * r
			}
		}
		delta, solved := solve3(jtj, jtr)
		if !solved {
			return amp, mu, sigma, 0, false
		}
		amp += delta[0]
		mu += delta[1]
		sigma += delta[2]
		if sigma <= 0 || math.IsNaN(amp) || math.IsNaN(mu) || math.IsNaN(sigma) {
			return amp, mu, sigma, 0, false
		}
		if math.Abs(delta[0]) < tol && math.Abs(delta[1]) < tol && math.Abs(delta[2]) < tol {
			break
		}
		if iter == maxIter-1 {
			// Ran out of iterations without the step shrinking.
			if math.Abs(delta[1]) > 10*tol {
				return amp, mu, sigma, 0, false
			}
		}
	}

	// R^2 of the converged model over the candidate window.
	var mean float64
	for _, v := range y {
		mean += v
	}
	mean /= float64(n)
	var ssRes, ssTot float64
	for i := 0; i < n; i++ {
		d := x[i] - mu
		model := amp * math.Exp(-d*d/(2*sigma*sigma))
		ssRes += (y[i] - model) * (y[i] - model)
		ssTot += (y[i] - mean) * (y[i] - mean)
	}
	if ssTot > 0 {
		r2 = 1 - ssRes/ssTot
	}
	return amp, mu, sigma, r2, true
}

// solve3 solves a 3x3 symmetric system by Gaussian elimination with partial
// pivoting.
func solve3(a [3][3]float64, b [3]float64) ([3]float64, bool) {
	var m [3][4]float64
	for i := 0; i < 3; i++ {
		copy(m[i][:3], a[i][:])
		m[i][3] = b[i]
	}
	for col := 0; col < 3; col++ {
		pivot := col
		for r := col + 1; r < 3; r++ {
			if math.Abs(m[r][col]) > math.Abs(m[pivot][col]) {
				pivot = r
			}
		}
		if math.Abs(m[pivot][col]) < 1e-300 {
			return [3]float64{}, false
		}
		m[col], m[pivot] = m[pivot], m[col]
		for r := 0; r < 3; r++ {
			if r == col {
				continue
			}
			factor := m[r][col] / m[col][col]
			for c := col; c < 4; c++ {
				m[r][c] -= factor * m[col][c]
			}
		}
	}
	var x [3]float64
	for i := 0; i < 3; i++ {
		x[i] = m[i][3] / m[i][i]
	}
	return x, true
}
