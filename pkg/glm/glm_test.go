package glm

import (
	"log/slog"
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gonum.org/v1/gonum/stat"

	"lagscan/pkg/probe"
	"lagscan/pkg/worker"
)

func TestRegressRecoversCoefficients(t *testing.T) {
	n := 100
	r1 := make([]float64, n)
	r2 := make([]float64, n)
	y := make([]float64, n)
	for i := 0; i < n; i++ {
		tt := float64(i)
		r1[i] = math.Sin(2 * math.Pi * tt / 25)
		r2[i] = math.Cos(2 * math.Pi * tt / 40)
		y[i] = 2.0 + 3.0*r1[i] - 1.5*r2[i]
	}

	coeffs, intercept, fitted, err := Regress(y, [][]float64{r1, r2})
	require.NoError(t, err)
	assert.InDelta(t, 2.0, intercept, 1e-9)
	assert.InDelta(t, 3.0, coeffs[0], 1e-9)
	assert.InDelta(t, -1.5, coeffs[1], 1e-9)
	for i := range y {
		assert.InDelta(t, y[i], fitted[i], 1e-9)
	}
}

func TestRegressUnderdetermined(t *testing.T) {
	y := []float64{1, 2}
	_, _, _, err := Regress(y, [][]float64{{1, 2}, {3, 4}})
	assert.Error(t, err)
}

func TestTimeDerivative(t *testing.T) {
	x := make([]float64, 10)
	for i := range x {
		x[i] = 3.0 * float64(i)
	}
	d := TimeDerivative(x, 2.0)
	// Slope 3 per sample at 2 Hz is 6 per second.
	for i, v := range d {
		assert.InDelta(t, 6.0, v, 1e-9, "sample %d", i)
	}

	assert.Equal(t, []float64{0}, TimeDerivative([]float64{5}, 1.0))
}

func probeWave(n int) []float64 {
	out := make([]float64, n)
	for i := range out {
		tt := float64(i)
		out[i] = math.Sin(2*math.Pi*tt/40) + 0.5*math.Sin(2*math.Pi*tt/23+0.7)
	}
	return out
}

// TestRunRemovesShiftedProbe fits units built as scaled, delayed probe
// copies and checks the residual is near zero while the coefficients match
// the construction.
func TestRunRemovesShiftedProbe(t *testing.T) {
	const n = 150
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)

	lags := []float64{0, 2, -3}
	gains := []float64{1.5, 0.8, 2.0}
	signals := make([][]float64, len(lags))
	for i := range lags {
		shifted := reg.ShiftedValues(ts, lags[i])
		signals[i] = make([]float64, n)
		for t2 := range shifted {
			signals[i][t2] = 4.0 + gains[i]*shifted[t2]
		}
	}

	residual := make([]float64, len(lags)*n)
	moving := make([]float64, len(lags)*n)
	f := &Filter{NumDerivs: 1, Pool: &worker.Pool{Workers: 2}, Log: slog.New(slog.DiscardHandler)}
	maps, err := f.Run(func(vi int) []float64 { return signals[vi] }, reg, lags, ts, residual, moving)
	require.NoError(t, err)

	for vi := range lags {
		require.True(t, maps.Fitted[vi], "unit %d not fitted", vi)
		assert.InDelta(t, gains[vi], maps.Coeffs[0][vi], 1e-6, "unit %d gain", vi)
		assert.InDelta(t, 4.0, maps.Intercept[vi], 1e-6, "unit %d intercept", vi)
		assert.InDelta(t, 1.0, maps.R2[vi], 1e-9, "unit %d fit quality", vi)

		res := maps.UnitResidual(vi)
		assert.Less(t, stat.Variance(res, nil), 1e-10, "unit %d residual should vanish", vi)

		mov := maps.UnitMoving(vi)
		sigVar := stat.Variance(signals[vi], nil)
		assert.InDelta(t, sigVar, stat.Variance(mov, nil), 1e-6*sigVar+1e-9,
			"unit %d moving component carries the signal variance", vi)
	}
}

func TestRunThresholdModeSkipsFlatUnits(t *testing.T) {
	const n = 120
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)

	strong := reg.ShiftedValues(ts, 1.0)
	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 7.0 + 0.0001*math.Sin(float64(i))
	}
	signals := [][]float64{strong, flat}
	lags := []float64{1.0, 0}

	residual := make([]float64, 2*n)
	moving := make([]float64, 2*n)
	f := &Filter{
		NumDerivs:     0,
		ThresholdMode: true,
		ThresholdFrac: 0.1,
		Pool:          &worker.Pool{Workers: 1},
		Log:           slog.New(slog.DiscardHandler),
	}
	maps, err := f.Run(func(vi int) []float64 { return signals[vi] }, reg, lags, ts, residual, moving)
	require.NoError(t, err)

	assert.True(t, maps.Fitted[0])
	assert.False(t, maps.Fitted[1], "a near-flat unit must be skipped")
	for tt, v := range maps.UnitResidual(1) {
		assert.Zero(t, v, "skipped residual must stay zero at t=%d", tt)
	}
	for _, v := range maps.UnitMoving(1) {
		assert.Zero(t, v)
	}
}

// TestRunSkippedUnitsZeroFillDirtyBuffers reuses output buffers holding stale
// values and checks skipped units overwrite them with zeros.
func TestRunSkippedUnitsZeroFillDirtyBuffers(t *testing.T) {
	const n = 120
	reg, err := probe.New(probeWave(n), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(n, 1.0, 0)

	strong := reg.ShiftedValues(ts, 0)
	flat := make([]float64, n)
	for i := range flat {
		flat[i] = 1e-9 * float64(i%2)
	}
	signals := [][]float64{strong, flat}
	lags := []float64{0, 0}

	residual := make([]float64, 2*n)
	moving := make([]float64, 2*n)
	for i := range residual {
		residual[i] = 99
		moving[i] = -99
	}

	f := &Filter{
		ThresholdMode: true,
		ThresholdFrac: 0.1,
		Pool:          &worker.Pool{Workers: 1},
		Log:           slog.New(slog.DiscardHandler),
	}
	maps, err := f.Run(func(vi int) []float64 { return signals[vi] }, reg, lags, ts, residual, moving)
	require.NoError(t, err)

	require.False(t, maps.Fitted[1])
	for tt := 0; tt < n; tt++ {
		assert.Zero(t, maps.UnitResidual(1)[tt], "residual not zero-filled at t=%d", tt)
		assert.Zero(t, maps.UnitMoving(1)[tt], "moving not zero-filled at t=%d", tt)
	}
}

func TestRunBufferSizeValidation(t *testing.T) {
	reg, err := probe.New(probeWave(16), 1.0, 0)
	require.NoError(t, err)
	ts := probe.TimeAxis(16, 1.0, 0)
	f := &Filter{}
	_, err = f.Run(func(int) []float64 { return nil }, reg, []float64{0}, ts, make([]float64, 3), make([]float64, 16))
	assert.Error(t, err)
}
