// Package coherence measures how strongly each unit's signal follows the
// probe per frequency. Spectra are averaged over signal segments before the
// magnitude-squared coherence is formed, since a single segment is trivially
// coherent at every frequency.
package coherence

import (
	"fmt"
	"log/slog"
	"math/cmplx"

	"gonum.org/v1/gonum/dsp/fourier"

	"lagscan/pkg/prefilter"
	"lagscan/pkg/worker"
)

// powerFloor excludes bins carrying essentially no reference power, where
// the coherence quotient is numerically meaningless.
const powerFloor = 1e-6

// Analyzer computes magnitude-squared coherence between a reference and
// every unit signal.
type Analyzer struct {
	// SampleRate is the native data rate in Hz.
	SampleRate float64

	// NumSegments is the number of non-overlapping segments averaged per
	// spectrum estimate; at least two.
	NumSegments int

	// Window tapers each segment before its transform.
	Window prefilter.WindowKind

	Pool *worker.Pool
	Log  *slog.Logger
}

// Result holds the per-unit coherence maps.
type Result struct {
	// Max is the strongest coherence over the reference-powered bins, in
	// [0, 1]; MaxFreq is that bin's frequency in Hz.
	Max     []float64
	MaxFreq []float64

	// Mean is the average coherence over the reference-powered bins.
	Mean []float64
}

// Run analyzes every unit against the reference. The reference and each unit
// signal must share the native time grid.
func (a *Analyzer) Run(reference []float64, signal func(vi int) []float64, nUnits int) (*Result, error) {
	if a.NumSegments < 2 {
		return nil, fmt.Errorf("coherence needs at least 2 averaged segments, got %d", a.NumSegments)
	}
	segLen := len(reference) / a.NumSegments
	if segLen < 8 {
		return nil, fmt.Errorf("%d samples split into %d segments leaves too little resolution",
			len(reference), a.NumSegments)
	}
	log := a.Log
	if log == nil {
		log = slog.Default()
	}
	pool := a.Pool
	if pool == nil {
		pool = &worker.Pool{Workers: 1}
	}

	nBins := segLen/2 + 1

	// Reference spectra are shared read-only by all workers.
	refSpec := make([][]complex128, a.NumSegments)
	pxx := make([]float64, nBins)
	for s := 0; s < a.NumSegments; s++ {
		fft := fourier.NewFFT(segLen)
		refSpec[s] = segmentSpectrum(fft, reference[s*segLen:(s+1)*segLen], a.Window)
		for k, c := range refSpec[s] {
			pxx[k] += real(c)*real(c) + imag(c)*imag(c)
		}
	}

	maxPxx := 0.0
	for _, p := range pxx[1:] {
		if p > maxPxx {
			maxPxx = p
		}
	}
	if maxPxx == 0 {
		return nil, fmt.Errorf("reference carries no spectral power")
	}
	eligible := make([]bool, nBins)
	nEligible := 0
	for k := 1; k < nBins; k++ {
		if pxx[k] >= powerFloor*maxPxx {
			eligible[k] = true
			nEligible++
		}
	}

	res := &Result{
		Max:     make([]float64, nUnits),
		MaxFreq: make([]float64, nUnits),
		Mean:    make([]float64, nUnits),
	}
	binHz := a.SampleRate / float64(segLen)

	err := pool.Run(nUnits, func(r worker.Range) error {
		fft := fourier.NewFFT(segLen)
		pyy := make([]float64, nBins)
		pxy := make([]complex128, nBins)
		for vi := r.Start; vi < r.End; vi++ {
			sig := signal(vi)
			if len(sig) != len(reference) {
				return fmt.Errorf("unit %d has %d timepoints, reference has %d", vi, len(sig), len(reference))
			}
			for k := range pyy {
				pyy[k] = 0
				pxy[k] = 0
			}
			for s := 0; s < a.NumSegments; s++ {
				spec := segmentSpectrum(fft, sig[s*segLen:(s+1)*segLen], a.Window)
				for k, c := range spec {
					pyy[k] += real(c)*real(c) + imag(c)*imag(c)
					pxy[k] += cmplx.Conj(refSpec[s][k]) * c
				}
			}

			best, bestK, sum := 0.0, 0, 0.0
			for k := 1; k < nBins; k++ {
				if !eligible[k] || pyy[k] == 0 {
					continue
				}
				m := cmplx.Abs(pxy[k])
				msc := m * m / (pxx[k] * pyy[k])
				if msc > 1 {
					// Rounding can nudge a fully coherent bin past one.
					msc = 1
				}
				sum += msc
				if msc > best {
					best, bestK = msc, k
				}
			}
			res.Max[vi] = best
			res.MaxFreq[vi] = float64(bestK) * binHz
			if nEligible > 0 {
				res.Mean[vi] = sum / float64(nEligible)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	log.Info("coherence analyzed", "units", nUnits,
		"segments", a.NumSegments, "bins", nEligible, "bin_hz", binHz)
	return res, nil
}

// segmentSpectrum detrends, windows, and transforms one segment.
func segmentSpectrum(fft *fourier.FFT, seg []float64, win prefilter.WindowKind) []complex128 {
	buf := make([]float64, len(seg))
	copy(buf, seg)
	prefilter.Detrend(buf, 0)
	win.Apply(buf)
	return fft.Coefficients(nil, buf)
}
