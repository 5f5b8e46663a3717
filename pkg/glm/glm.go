// Package glm removes the lag-shifted probe from every unit signal with an
// ordinary least squares fit. Each unit gets its own design built from the
// probe delayed by that unit's lag, optionally extended with temporal
// derivatives, and the fitted component is subtracted to leave a cleaned
// residual.
package glm

import (
	"fmt"
	"log/slog"
	"math"
	"sync/atomic"

	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat"

	"lagscan/internal/models"
	"lagscan/pkg/probe"
	"lagscan/pkg/worker"
)

// Filter configures the removal stage.
type Filter struct {
	// NumDerivs is the number of temporal derivatives of the probe added
	// as extra regressors. Zero fits the shifted probe alone.
	NumDerivs int

	// ThresholdMode skips units whose signal magnitude is below
	// ThresholdFrac times the largest unit magnitude. Skipped units are
	// marked unfitted and their residual and moving outputs stay zero.
	ThresholdMode bool
	ThresholdFrac float64

	Pool *worker.Pool
	Log  *slog.Logger
}

// Run fits and removes the shifted probe from every unit. signal(vi) is the
// unit's native-rate series, lags the per-unit delay in seconds, and ts the
// native time axis. residual and moving are caller-supplied flattened
// [unit*len(ts)] buffers.
func (f *Filter) Run(signal func(vi int) []float64, reg *probe.Regressor, lags []float64, ts []float64, residual, moving []float64) (*models.GLMMaps, error) {
	nUnits := len(lags)
	nT := len(ts)
	if len(residual) != nUnits*nT || len(moving) != nUnits*nT {
		return nil, fmt.Errorf("output buffers sized %d and %d, need %d", len(residual), len(moving), nUnits*nT)
	}
	log := f.Log
	if log == nil {
		log = slog.Default()
	}
	pool := f.Pool
	if pool == nil {
		pool = &worker.Pool{Workers: 1}
	}

	maps := models.NewGLMMaps(nUnits, nT, f.NumDerivs, residual, moving)

	var magFloor float64
	if f.ThresholdMode {
		maxMag := 0.0
		for vi := 0; vi < nUnits; vi++ {
			if m := signalMagnitude(signal(vi)); m > maxMag {
				maxMag = m
			}
		}
		magFloor = f.ThresholdFrac * maxMag
	}

	var skipped atomic.Int64
	err := pool.Run(nUnits, func(r worker.Range) error {
		regs := make([][]float64, f.NumDerivs+1)
		for i := r.Start; i < r.End; i++ {
			sig := signal(i)
			if len(sig) != nT {
				return fmt.Errorf("unit %d has %d timepoints, expected %d", i, len(sig), nT)
			}
			res := maps.UnitResidual(i)
			mov := maps.UnitMoving(i)

			if f.ThresholdMode && signalMagnitude(sig) < magFloor {
				zeroFill(res)
				zeroFill(mov)
				skipped.Add(1)
				continue
			}

			regs[0] = reg.ShiftedValues(ts, lags[i])
			for d := 1; d <= f.NumDerivs; d++ {
				regs[d] = TimeDerivative(regs[d-1], reg.Rate())
			}

			coeffs, intercept, fitted, err := Regress(sig, regs)
			if err != nil {
				// Degenerate design for this unit; nothing is removed and
				// the unit stays zero-filled like a skipped one.
				zeroFill(res)
				zeroFill(mov)
				continue
			}

			maps.Intercept[i] = intercept
			sigSD := math.Sqrt(stat.Variance(sig, nil))
			for j, c := range coeffs {
				maps.Coeffs[j][i] = c
				if sigSD > 0 {
					maps.NormCoeffs[j][i] = c * math.Sqrt(stat.Variance(regs[j], nil)) / sigSD
				}
			}
			r := stat.Correlation(fitted, sig, nil)
			if math.IsNaN(r) {
				r = 0
			}
			maps.R[i] = r
			maps.R2[i] = r * r
			maps.Fitted[i] = true

			for t := 0; t < nT; t++ {
				mov[t] = fitted[t] - intercept
				res[t] = sig[t] - fitted[t]
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if n := skipped.Load(); n > 0 {
		log.Info("probe removal skipped low-magnitude units", "skipped", n, "total", nUnits)
	}
	return maps, nil
}

// Regress fits y against an intercept plus the given regressors by ordinary
// least squares and returns the regressor coefficients, the intercept, and
// the fitted series. It fails when the design matrix is rank deficient.
func Regress(y []float64, regs [][]float64) (coeffs []float64, intercept float64, fitted []float64, err error) {
	n := len(y)
	p := len(regs) + 1
	if n < p {
		return nil, 0, nil, fmt.Errorf("%d samples cannot determine %d coefficients", n, p)
	}

	design := mat.NewDense(n, p, nil)
	for t := 0; t < n; t++ {
		design.Set(t, 0, 1)
		for j, reg := range regs {
			design.Set(t, j+1, reg[t])
		}
	}

	var qr mat.QR
	qr.Factorize(design)
	var sol mat.VecDense
	if err := qr.SolveVecTo(&sol, false, mat.NewVecDense(n, y)); err != nil {
		return nil, 0, nil, fmt.Errorf("least squares solve failed: %w", err)
	}

	intercept = sol.AtVec(0)
	coeffs = make([]float64, len(regs))
	for j := range regs {
		coeffs[j] = sol.AtVec(j + 1)
	}

	fitted = make([]float64, n)
	for t := 0; t < n; t++ {
		v := intercept
		for j, reg := range regs {
			v += coeffs[j] * reg[t]
		}
		fitted[t] = v
	}
	return coeffs, intercept, fitted, nil
}

// TimeDerivative differentiates a sampled series with central differences,
// one-sided at the ends.
func TimeDerivative(x []float64, rate float64) []float64 {
	n := len(x)
	d := make([]float64, n)
	if n < 2 {
		return d
	}
	d[0] = (x[1] - x[0]) * rate
	d[n-1] = (x[n-1] - x[n-2]) * rate
	for i := 1; i < n-1; i++ {
		d[i] = (x[i+1] - x[i-1]) * rate / 2
	}
	return d
}

// signalMagnitude is the threshold-mode measure of how much signal a unit
// carries.
func signalMagnitude(sig []float64) float64 {
	return math.Sqrt(stat.Variance(sig, nil))
}

func zeroFill(x []float64) {
	for i := range x {
		x[i] = 0
	}
}
