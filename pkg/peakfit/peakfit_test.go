package peakfit

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lagscan/internal/models"
)

// testLagScale returns a lag axis from -10 to +10 seconds at 0.25 s steps.
func testLagScale() []float64 {
	scale := make([]float64, 81)
	for i := range scale {
		scale[i] = -10 + 0.25*float64(i)
	}
	return scale
}

func gaussian(scale []float64, amp, mu, sigma float64) []float64 {
	fn := make([]float64, len(scale))
	for i, x := range scale {
		d := x - mu
		fn[i] = amp * math.Exp(-d*d/(2*sigma*sigma))
	}
	return fn
}

func TestFitRecoversGaussian(t *testing.T) {
	scale := testLagScale()
	fn := gaussian(scale, 0.8, 1.3, 2.0)

	f := New(DefaultOptions(), scale)
	res := f.Fit(fn)

	require.True(t, res.Code.Accepted(), "fit rejected with code %s", res.Code)
	assert.InDelta(t, 1.3, res.Lag, 1e-3)
	assert.InDelta(t, 0.8, res.Strength, 1e-3)
	assert.InDelta(t, 2.0, res.Width, 1e-2)
	assert.Greater(t, res.R2, 0.99)
}

func TestFitAmplitudeRejection(t *testing.T) {
	scale := testLagScale()
	f := New(DefaultOptions(), scale)

	res := f.Fit(gaussian(scale, 0.2, 0, 2.0))
	assert.NotZero(t, res.Code&models.CodeAmpLow)

	res = f.Fit(gaussian(scale, 1.5, 0, 2.0))
	assert.NotZero(t, res.Code&models.CodeAmpHigh)
}

func TestFitWidthRejection(t *testing.T) {
	scale := testLagScale()
	opts := DefaultOptions()
	opts.AbsMinSigma = 1.0
	opts.AbsMaxSigma = 3.0
	f := New(opts, scale)

	res := f.Fit(gaussian(scale, 0.8, 0, 0.5))
	assert.NotZero(t, res.Code&models.CodeWidthLow, "got code %s", res.Code)

	res = f.Fit(gaussian(scale, 0.8, 0, 8.0))
	assert.NotZero(t, res.Code&models.CodeWidthHigh, "got code %s", res.Code)
}

func TestFitEdgeRejection(t *testing.T) {
	scale := testLagScale()
	f := New(DefaultOptions(), scale)

	res := f.Fit(gaussian(scale, 0.8, -10, 2.0))
	assert.NotZero(t, res.Code&models.CodeEdge, "got code %s", res.Code)
}

func TestFitNoPeak(t *testing.T) {
	scale := testLagScale()
	f := New(DefaultOptions(), scale)

	flat := make([]float64, len(scale))
	for i := range flat {
		flat[i] = -0.5
	}
	res := f.Fit(flat)
	assert.NotZero(t, res.Code&models.CodeNoPeak)
	assert.False(t, res.Code.Accepted())
}

func TestFitBipolarNegativePeak(t *testing.T) {
	scale := testLagScale()
	opts := DefaultOptions()
	opts.Bipolar = true
	f := New(opts, scale)

	fn := gaussian(scale, 0.7, -2.5, 2.0)
	for i := range fn {
		fn[i] = -fn[i]
	}
	res := f.Fit(fn)
	require.True(t, res.Code.Accepted(), "bipolar fit rejected with code %s", res.Code)
	assert.InDelta(t, -2.5, res.Lag, 1e-2)
	assert.InDelta(t, -0.7, res.Strength, 1e-2, "sign must be preserved")
}

func TestNonBipolarRejectsNegativePeak(t *testing.T) {
	scale := testLagScale()
	f := New(DefaultOptions(), scale)

	fn := gaussian(scale, 0.7, -2.5, 2.0)
	for i := range fn {
		fn[i] = -fn[i]
	}
	res := f.Fit(fn)
	assert.False(t, res.Code.Accepted())
}

// TestFitSeeded verifies that a seed restricts the search to a secondary
// lobe even when the global maximum lies elsewhere.
func TestFitSeeded(t *testing.T) {
	scale := testLagScale()
	primary := gaussian(scale, 1.0, -5, 1.0)
	secondary := gaussian(scale, 0.6, 4, 1.0)
	fn := make([]float64, len(scale))
	for i := range fn {
		fn[i] = primary[i] + secondary[i]
	}

	f := New(DefaultOptions(), scale)

	global := f.Fit(fn)
	require.True(t, global.Code.Accepted())
	assert.InDelta(t, -5, global.Lag, 0.1)

	seeded := f.FitSeeded(fn, 4.0, 2.0)
	require.True(t, seeded.Code.Accepted(), "seeded fit rejected with code %s", seeded.Code)
	assert.InDelta(t, 4, seeded.Lag, 0.1)
	assert.InDelta(t, 0.6, seeded.Strength, 0.05)
}

func TestFitSeededDegenerateWindow(t *testing.T) {
	scale := testLagScale()
	f := New(DefaultOptions(), scale)
	fn := gaussian(scale, 0.8, 0, 2.0)

	res := f.FitSeeded(fn, 50.0, 0.1)
	assert.NotZero(t, res.Code&models.CodeNoPeak, "a window outside the axis cannot fit")
}

func TestFixedDelayMode(t *testing.T) {
	scale := testLagScale()
	opts := DefaultOptions()
	opts.FixedDelay = true
	opts.FixedDelayValue = 1.0
	opts.AmpThresh = 0.1
	f := New(opts, scale)

	fn := gaussian(scale, 0.9, 1.0, 2.0)
	res := f.Fit(fn)
	require.True(t, res.Code.Accepted(), "fixed-delay fit rejected with code %s", res.Code)
	assert.Equal(t, 1.0, res.Lag)
	assert.InDelta(t, 0.9, res.Strength, 1e-6)

	// The amplitude rules still apply at the forced lag.
	weak := gaussian(scale, 0.05, 1.0, 2.0)
	res = f.Fit(weak)
	assert.NotZero(t, res.Code&models.CodeAmpLow)
}

func TestFitCodeString(t *testing.T) {
	assert.Equal(t, "accepted", models.FitCode(0).String())
	code := models.CodeAmpLow | models.CodeEdge
	assert.Equal(t, "amp-low+edge", code.String())
}
