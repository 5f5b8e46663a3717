package delay

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lagscan/internal/models"
	"lagscan/pkg/glm"
	"lagscan/pkg/probe"
	"lagscan/pkg/volume"
)

func probeWave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		tt := float64(i)
		out[i] = math.Sin(2*math.Pi*tt/40) + 0.5*math.Sin(2*math.Pi*tt/27+0.9)
	}
	return out
}

func trainedCalibration(t *testing.T, reg *probe.Regressor, ts []float64) *Calibration {
	t.Helper()
	cal, err := Train(reg, ts, -3, 3, TrainOptions{NumPoints: 101, EdgePad: 5, SmoothPts: 3})
	require.NoError(t, err)
	return cal
}

func TestTrainValidation(t *testing.T) {
	reg, err := probe.New(probeWave(200), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(200, 1.0, 0)

	_, err = Train(reg, ts, -3, 3, TrainOptions{NumPoints: 4})
	assert.Error(t, err, "too few calibration points")

	_, err = Train(reg, ts, 3, -3, TrainOptions{NumPoints: 101})
	assert.Error(t, err, "inverted delay range")
}

// TestCalibrationInvertsRatio shifts the probe by known delays, computes
// their coefficient ratios the same way the refiner does, and checks the
// calibration maps each ratio back to its delay.
func TestCalibrationInvertsRatio(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	base := reg.ShiftedValues(ts, 0)
	deriv := glm.TimeDerivative(base, reg.Rate())

	for _, want := range []float64{-2, -1, -0.5, 0, 0.5, 1, 2} {
		shifted := reg.ShiftedValues(ts, want)
		coeffs, _, _, err := glm.Regress(shifted, [][]float64{base, deriv})
		require.NoError(t, err)
		require.NotZero(t, coeffs[0])

		got := cal.DelayForRatio(coeffs[1] / coeffs[0])
		assert.InDelta(t, want, got, 0.15, "delay %g", want)
	}
}

func TestCalibrationClampsOutOfRange(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	lo, hi := cal.Range()
	assert.GreaterOrEqual(t, cal.DelayForRatio(1e9), lo)
	assert.LessOrEqual(t, cal.DelayForRatio(1e9), hi)
	assert.GreaterOrEqual(t, cal.DelayForRatio(-1e9), lo)
	assert.LessOrEqual(t, cal.DelayForRatio(-1e9), hi)
}

func TestApplyCorrectsLags(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	base := reg.ShiftedValues(ts, 0)
	deriv := glm.TimeDerivative(base, reg.Rate())

	offsets := []float64{0.5, -0.75, 1.0, 0}
	maps := models.NewPassMaps(len(offsets))
	g := models.NewGLMMaps(len(offsets), n, 1,
		make([]float64, len(offsets)*n), make([]float64, len(offsets)*n))
	for vi, off := range offsets {
		shifted := reg.ShiftedValues(ts, off)
		coeffs, _, _, err := glm.Regress(shifted, [][]float64{base, deriv})
		require.NoError(t, err)
		g.Coeffs[0][vi] = coeffs[0]
		g.Coeffs[1][vi] = coeffs[1]
		g.Fitted[vi] = true
		maps.Lag[vi] = 2.0
	}

	r := &Refiner{Cal: cal, Log: slog.New(slog.DiscardHandler)}
	res, err := r.Apply(maps, g)
	require.NoError(t, err)

	for vi, off := range offsets {
		assert.InDelta(t, off, res.Offsets[vi], 0.15, "unit %d offset", vi)
		assert.InDelta(t, 2.0+off, maps.Lag[vi], 0.15, "unit %d corrected lag", vi)
	}
}

func TestApplySkipsUnfittedUnits(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	maps := models.NewPassMaps(1)
	maps.Lag[0] = 1.5
	g := models.NewGLMMaps(1, n, 1, make([]float64, n), make([]float64, n))

	r := &Refiner{Cal: cal, Log: slog.New(slog.DiscardHandler)}
	res, err := r.Apply(maps, g)
	require.NoError(t, err)
	assert.Zero(t, res.Offsets[0])
	assert.Equal(t, 1.5, maps.Lag[0], "unfitted units keep their lag")
}

func TestApplyRequiresDerivative(t *testing.T) {
	maps := models.NewPassMaps(1)
	g := models.NewGLMMaps(1, 10, 0, make([]float64, 10), make([]float64, 10))
	r := &Refiner{Cal: &Calibration{ratios: []float64{0, 1}, delays: []float64{0, 1}}}
	_, err := r.Apply(maps, g)
	assert.Error(t, err)
}

// TestApplyPatchesSpatialOutlier gives one unit a ratio far from its
// neighborhood and checks it is replaced before inversion.
func TestApplyPatchesSpatialOutlier(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	grid := volume.Grid{X: 3, Y: 3, Z: 3}
	mask := make([]float64, grid.NumUnits())
	for i := range mask {
		mask[i] = 1
	}
	sel, err := volume.NewSelection(grid, mask)
	require.NoError(t, err)

	base := reg.ShiftedValues(ts, 0)
	deriv := glm.TimeDerivative(base, reg.Rate())

	nUnits := sel.NumValid()
	maps := models.NewPassMaps(nUnits)
	g := models.NewGLMMaps(nUnits, n, 1, make([]float64, nUnits*n), make([]float64, nUnits*n))

	// Every unit carries a 0.5 s offset with slight spatial jitter, except
	// the center, whose coefficients are corrupted.
	outlier := grid.Index(1, 1, 1)
	for vi := 0; vi < nUnits; vi++ {
		off := 0.5 + 0.02*float64(vi%5)
		shifted := reg.ShiftedValues(ts, off)
		coeffs, _, _, err := glm.Regress(shifted, [][]float64{base, deriv})
		require.NoError(t, err)
		g.Coeffs[0][vi] = coeffs[0]
		g.Coeffs[1][vi] = coeffs[1]
		g.Fitted[vi] = true
	}
	g.Coeffs[1][outlier] = g.Coeffs[0][outlier] * 100

	r := &Refiner{Cal: cal, PatchThresh: 3.0, Selection: sel, Log: slog.New(slog.DiscardHandler)}
	res, err := r.Apply(maps, g)
	require.NoError(t, err)

	assert.GreaterOrEqual(t, res.Patched, 1)
	assert.InDelta(t, 0.5, res.Offsets[outlier], 0.2,
		"the corrupted unit must take its neighborhood's offset")
}

// TestApplyPatchIgnoresUnfittedNeighbors surrounds a good unit with unfitted
// ones and checks their placeholder zero ratios never enter the neighborhood
// median, so the good unit is not falsely patched toward zero.
func TestApplyPatchIgnoresUnfittedNeighbors(t *testing.T) {
	const n = 200
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)
	cal := trainedCalibration(t, reg, ts)

	grid := volume.Grid{X: 3, Y: 3, Z: 1}
	mask := make([]float64, grid.NumUnits())
	for i := range mask {
		mask[i] = 1
	}
	sel, err := volume.NewSelection(grid, mask)
	require.NoError(t, err)

	base := reg.ShiftedValues(ts, 0)
	deriv := glm.TimeDerivative(base, reg.Rate())

	nUnits := sel.NumValid()
	maps := models.NewPassMaps(nUnits)
	g := models.NewGLMMaps(nUnits, n, 1, make([]float64, nUnits*n), make([]float64, nUnits*n))

	// Only the corner units carry a fit, near a 0.5 s offset with slight
	// jitter; the rest stay unfitted with zeroed coefficients.
	fitted := []int{grid.Index(0, 0, 0), grid.Index(2, 0, 0), grid.Index(0, 2, 0), grid.Index(2, 2, 0)}
	offsets := []float64{0.48, 0.5, 0.52, 0.5}
	for i, vi := range fitted {
		shifted := reg.ShiftedValues(ts, offsets[i])
		coeffs, _, _, err := glm.Regress(shifted, [][]float64{base, deriv})
		require.NoError(t, err)
		g.Coeffs[0][vi] = coeffs[0]
		g.Coeffs[1][vi] = coeffs[1]
		g.Fitted[vi] = true
		maps.Lag[vi] = 1.0
	}

	r := &Refiner{Cal: cal, PatchThresh: 1.0, Selection: sel, Log: slog.New(slog.DiscardHandler)}
	res, err := r.Apply(maps, g)
	require.NoError(t, err)

	// Each corner's usable neighborhood is just itself, so nothing moves.
	assert.Zero(t, res.Patched)
	for i, vi := range fitted {
		assert.InDelta(t, offsets[i], res.Offsets[vi], 0.15, "unit %d offset", vi)
	}
}

func TestBoxcarSmooth(t *testing.T) {
	x := []float64{0, 0, 9, 0, 0}
	out := boxcarSmooth(x, 3)
	assert.InDelta(t, 3.0, out[2], 1e-12)
	assert.InDelta(t, 3.0, out[1], 1e-12)
	assert.InDelta(t, 0.0, out[0], 1e-12)

	same := boxcarSmooth(x, 1)
	assert.Equal(t, x, same)
}

func TestStrictlyIncreasing(t *testing.T) {
	xs := []float64{1, 2, 2, 3, 2.5, 4}
	ys := []float64{10, 20, 21, 30, 25, 40}
	ox, oy := strictlyIncreasing(xs, ys)
	assert.Equal(t, []float64{1, 2, 3, 4}, ox)
	assert.Equal(t, []float64{10, 20, 30, 40}, oy)
}
