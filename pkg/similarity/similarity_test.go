package similarity

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lagscan/pkg/prefilter"
)

const testRate = 2.0

// testWave returns a deterministic aperiodic waveform long enough to cut
// shifted segments from.
func testWave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		t := float64(i)
		out[i] = math.Sin(2*math.Pi*t/31) +
			0.7*math.Sin(2*math.Pi*t/17+1) +
			0.4*math.Sin(2*math.Pi*t/7+2)
	}
	return out
}

// shiftedPair returns a reference of length n and a copy delayed by shift
// samples, cut from the same underlying waveform.
func shiftedPair(n, shift int) (ref, sig []float64) {
	const pad = 64
	long := testWave(n + 2*pad)
	ref = long[pad : pad+n]
	sig = long[pad-shift : pad-shift+n]
	return ref, sig
}

func newTestCorrelator(t *testing.T, weighting SpectralWeighting, ref []float64, lagIdx int) *Correlator {
	t.Helper()
	c := NewCorrelator(Config{
		SampleRate:   testRate,
		Window:       prefilter.WindowNone,
		DetrendOrder: 0,
		Weighting:    weighting,
	})
	require.NoError(t, c.SetReference(ref))
	require.NoError(t, c.SetLimits(lagIdx, lagIdx))
	return c
}

func TestParseMetric(t *testing.T) {
	m, err := ParseMetric("")
	require.NoError(t, err)
	assert.Equal(t, MetricCorrelation, m)

	m, err = ParseMetric("hybrid")
	require.NoError(t, err)
	assert.Equal(t, MetricHybrid, m)

	_, err = ParseMetric("cosine")
	assert.Error(t, err)
}

func TestCorrelatorSelfSimilarity(t *testing.T) {
	ref, _ := shiftedPair(256, 0)
	c := newTestCorrelator(t, WeightNone, ref, 40)

	fn := make([]float64, c.NumLags())
	maxIdx, err := c.Compute(ref, fn)
	require.NoError(t, err)

	assert.InDelta(t, 0, c.LagScale()[maxIdx], 1e-9, "a signal is at zero lag from itself")
	assert.InDelta(t, 1.0, fn[maxIdx], 1e-6, "self correlation peaks at unity")
}

func TestCorrelatorRecoversShift(t *testing.T) {
	const shift = 6
	ref, sig := shiftedPair(256, shift)
	c := newTestCorrelator(t, WeightNone, ref, 40)

	fn := make([]float64, c.NumLags())
	maxIdx, err := c.Compute(sig, fn)
	require.NoError(t, err)

	wantLag := float64(shift) / testRate
	assert.InDelta(t, wantLag, c.LagScale()[maxIdx], 1e-9)
	assert.Greater(t, fn[maxIdx], 0.8)
}

func TestCorrelatorNegativeShift(t *testing.T) {
	const shift = -9
	ref, sig := shiftedPair(256, shift)
	c := newTestCorrelator(t, WeightNone, ref, 40)

	fn := make([]float64, c.NumLags())
	maxIdx, err := c.Compute(sig, fn)
	require.NoError(t, err)
	assert.InDelta(t, float64(shift)/testRate, c.LagScale()[maxIdx], 1e-9)
}

func TestCorrelatorDeterministic(t *testing.T) {
	ref, sig := shiftedPair(256, 4)
	c := newTestCorrelator(t, WeightNone, ref, 30)

	a := make([]float64, c.NumLags())
	b := make([]float64, c.NumLags())
	_, err := c.Compute(sig, a)
	require.NoError(t, err)
	_, err = c.Compute(sig, b)
	require.NoError(t, err)
	assert.Equal(t, a, b)
}

func TestWeightedCorrelatorsRecoverShift(t *testing.T) {
	const shift = 6
	for name, w := range map[string]SpectralWeighting{
		"phase":     WeightPhase,
		"magnitude": WeightMagnitude,
	} {
		t.Run(name, func(t *testing.T) {
			ref, sig := shiftedPair(256, shift)
			c := newTestCorrelator(t, w, ref, 40)

			fn := make([]float64, c.NumLags())
			maxIdx, err := c.Compute(sig, fn)
			require.NoError(t, err)
			assert.InDelta(t, float64(shift)/testRate, c.LagScale()[maxIdx], 1e-9)
			assert.LessOrEqual(t, math.Abs(fn[maxIdx]), 1.0+1e-9)
		})
	}
}

func TestCorrelatorErrors(t *testing.T) {
	c := NewCorrelator(Config{SampleRate: testRate, Window: prefilter.WindowNone})

	assert.Error(t, c.SetLimits(10, 10), "limits before reference")
	require.NoError(t, c.SetReference(testWave(64)))
	assert.Error(t, c.SetLimits(-1, 10))
	assert.Error(t, c.SetLimits(64, 10), "window exceeding reference length")
	assert.Error(t, c.SetLimits(1, 0), "degenerate window")

	require.NoError(t, c.SetLimits(8, 8))
	fn := make([]float64, c.NumLags())
	_, err := c.Compute(testWave(32), fn)
	assert.Error(t, err, "signal length mismatch")
	_, err = c.Compute(testWave(64), make([]float64, 3))
	assert.Error(t, err, "destination length mismatch")
}

func TestLagScaleLayout(t *testing.T) {
	ref, _ := shiftedPair(256, 0)
	c := newTestCorrelator(t, WeightNone, ref, 10)

	scale := c.LagScale()
	require.Len(t, scale, 21)
	assert.InDelta(t, -10.0/testRate, scale[0], 1e-12)
	assert.InDelta(t, 0, scale[10], 1e-12)
	assert.InDelta(t, 10.0/testRate, scale[20], 1e-12)
}

func TestMutualInformationRecoversShift(t *testing.T) {
	const shift = 6
	ref, sig := shiftedPair(512, shift)
	m := NewMutualInformationator(Config{
		SampleRate:   testRate,
		Window:       prefilter.WindowNone,
		DetrendOrder: 0,
	})
	require.NoError(t, m.SetReference(ref))
	require.NoError(t, m.SetLimits(40, 40))

	fn := make([]float64, m.NumLags())
	maxIdx, err := m.Compute(sig, fn)
	require.NoError(t, err)

	// Histogram estimates are coarser than correlation; allow one sample.
	assert.InDelta(t, float64(shift)/testRate, m.LagScale()[maxIdx], 1.0/testRate+1e-9)

	for i, v := range fn {
		assert.GreaterOrEqual(t, v, 0.0, "lag %d", i)
		assert.LessOrEqual(t, v, 1.0, "lag %d", i)
	}
}

func TestMutualInformationSelfPeak(t *testing.T) {
	ref, _ := shiftedPair(512, 0)
	m := NewMutualInformationator(Config{SampleRate: testRate, Window: prefilter.WindowNone})
	require.NoError(t, m.SetReference(ref))
	require.NoError(t, m.SetLimits(20, 20))

	fn := make([]float64, m.NumLags())
	maxIdx, err := m.Compute(ref, fn)
	require.NoError(t, err)
	assert.InDelta(t, 0, m.LagScale()[maxIdx], 1e-9)
}

func TestNegativeGradient(t *testing.T) {
	n := 64
	x := make([]float64, n)
	for i := range x {
		x[i] = math.Sin(2 * math.Pi * float64(i) / 32)
	}
	g := negativeGradient(x, 1.0)
	// The negated derivative of sin is -cos (scaled); check the sign at the
	// rising zero crossing.
	assert.Negative(t, g[32])
}
