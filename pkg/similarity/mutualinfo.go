package similarity

import (
	"fmt"
	"math"

	"lagscan/pkg/prefilter"
)

// MutualInformationator estimates normalized mutual information between the
// reference and the unit signal at each discrete lag of the limited window.
// There is no frequency-domain step: each lag is scored from a smoothed 2-D
// histogram over the overlapping samples.
type MutualInformationator struct {
	cfg            Config
	ref            []float64
	lagMin, lagMax int
	lagScale       []float64

	// bins is the per-axis histogram bin count, sized from the signal
	// length when the reference is set.
	bins int

	// smoothing is the additive count applied to every histogram cell,
	// keeping the estimate stable for short overlaps.
	smoothing float64
}

// NewMutualInformationator returns a mutual-information-mode engine.
func NewMutualInformationator(cfg Config) *MutualInformationator {
	return &MutualInformationator{cfg: cfg, smoothing: 0.1}
}

// SetReference stores a filtered, detrended standardized copy of the
// reference waveform and sizes the histogram.
func (m *MutualInformationator) SetReference(wave []float64) error {
	if len(wave) < 8 {
		return fmt.Errorf("reference must have at least 8 samples, got %d", len(wave))
	}
	w := wave
	if m.cfg.Filter != nil {
		w = m.cfg.Filter.Apply(w)
	}
	w = append([]float64(nil), w...)
	prefilter.Detrend(w, m.cfg.DetrendOrder)
	m.ref = prefilter.StdNormalize(w)

	// Sturges' rule keeps the joint histogram populated for typical
	// overlap lengths.
	m.bins = int(math.Ceil(math.Log2(float64(len(w))))) + 1
	if m.bins < 4 {
		m.bins = 4
	}
	return nil
}

// SetLimits bounds the retained lag window, exactly as in correlation mode.
func (m *MutualInformationator) SetLimits(minIdx, maxIdx int) error {
	if m.ref == nil {
		return fmt.Errorf("reference must be set before limits")
	}
	if minIdx < 0 || maxIdx < 0 || minIdx+maxIdx < 2 {
		return fmt.Errorf("degenerate lag window [-%d, +%d]", minIdx, maxIdx)
	}
	if minIdx >= len(m.ref) || maxIdx >= len(m.ref) {
		return fmt.Errorf("lag window [-%d, +%d] exceeds reference length %d", minIdx, maxIdx, len(m.ref))
	}
	m.lagMin, m.lagMax = minIdx, maxIdx
	m.lagScale = make([]float64, minIdx+maxIdx+1)
	for i := range m.lagScale {
		m.lagScale[i] = float64(i-minIdx) / m.cfg.SampleRate
	}
	return nil
}

func (m *MutualInformationator) NumLags() int { return m.lagMin + m.lagMax + 1 }

func (m *MutualInformationator) LagScale() []float64 { return m.lagScale }

// Compute fills dst with the normalized mutual information at each lag and
// returns the index of the global maximum. Values are bounded by [0, 1].
func (m *MutualInformationator) Compute(signal []float64, dst []float64) (int, error) {
	if len(m.lagScale) == 0 {
		return 0, fmt.Errorf("limits not set")
	}
	if len(signal) != len(m.ref) {
		return 0, fmt.Errorf("signal length %d does not match reference length %d", len(signal), len(m.ref))
	}
	if len(dst) != m.NumLags() {
		return 0, fmt.Errorf("destination length %d does not match lag window %d", len(dst), m.NumLags())
	}

	sig := signal
	if m.cfg.Filter != nil {
		sig = m.cfg.Filter.Apply(sig)
	}
	if m.cfg.NegativeGradient {
		sig = negativeGradient(sig, m.cfg.SampleRate)
	}
	sig = append([]float64(nil), sig...)
	prefilter.Detrend(sig, m.cfg.DetrendOrder)
	sig = prefilter.StdNormalize(sig)

	joint := make([]float64, m.bins*m.bins)
	px := make([]float64, m.bins)
	py := make([]float64, m.bins)
	for i := range dst {
		lag := i - m.lagMin
		dst[i] = m.miAtLag(sig, lag, joint, px, py)
	}
	return argmax(dst), nil
}

// miAtLag estimates normalized MI between ref and sig shifted by lag
// samples, over their overlapping region.
func (m *MutualInformationator) miAtLag(sig []float64, lag int, joint, px, py []float64) float64 {
	n := len(sig)
	lo, hi := 0, n
	if lag > 0 {
		lo = lag
	} else {
		hi = n + lag
	}
	count := hi - lo
	if count < 8 {
		return 0
	}

	// Standardized signals land almost entirely in [-4, 4]; fixed bin
	// edges keep lags comparable.
	const span = 4.0
	binOf := func(v float64) int {
		b := int((v + span) / (2 * span) * float64(m.bins))
		if b < 0 {
			return 0
		}
		if b >= m.bins {
			return m.bins - 1
		}
		return b
	}

	total := m.smoothing * float64(len(joint))
	for i := range joint {
		joint[i] = m.smoothing
	}
	for i := lo; i < hi; i++ {
		bx := binOf(sig[i])
		by := binOf(m.ref[i-lag])
		joint[bx*m.bins+by]++
		total++
	}

	for i := range px {
		px[i], py[i] = 0, 0
	}
	for bx := 0; bx < m.bins; bx++ {
		for by := 0; by < m.bins; by++ {
			p := joint[bx*m.bins+by] / total
			px[bx] += p
			py[by] += p
		}
	}

	var mi, hx, hy float64
	for bx := 0; bx < m.bins; bx++ {
		if px[bx] > 0 {
			hx -= px[bx] * math.Log(px[bx])
		}
		if py[bx] > 0 {
			hy -= py[bx] * math.Log(py[bx])
		}
	}
	for bx := 0; bx < m.bins; bx++ {
		for by := 0; by < m.bins; by++ {
			p := joint[bx*m.bins+by] / total
			if p > 0 && px[bx] > 0 && py[by] > 0 {
				mi += p * math.Log(p/(px[bx]*py[by]))
			}
		}
	}

	norm := math.Sqrt(hx * hy)
	if norm == 0 {
		return 0
	}
	v := mi / norm
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
