// Package delay sharpens lag estimates below the sample grid. Fitting a unit
// with the probe plus its temporal derivative yields a coefficient ratio
// that varies smoothly with the residual delay; a calibration curve trained
// on synthetically shifted probes inverts that ratio back into a delay
// offset, which is added to the fitted lag.
package delay

import (
	"fmt"
	"log/slog"
	"math"

	"github.com/montanaflynn/stats"
	"gonum.org/v1/gonum/interp"

	"lagscan/internal/models"
	"lagscan/pkg/glm"
	"lagscan/pkg/probe"
	"lagscan/pkg/volume"
)

// TrainOptions size the calibration grid.
type TrainOptions struct {
	// NumPoints is the number of retained calibration samples across the
	// delay range.
	NumPoints int

	// EdgePad is the number of extra grid steps synthesized beyond each
	// end and trimmed after smoothing, so boundary samples are as smooth
	// as interior ones.
	EdgePad int

	// SmoothPts is the boxcar width applied to the raw ratio curve.
	SmoothPts int
}

// DefaultTrainOptions returns the standard calibration grid.
func DefaultTrainOptions() TrainOptions {
	return TrainOptions{NumPoints: 501, EdgePad: 5, SmoothPts: 3}
}

// Calibration maps a derivative coefficient ratio to a delay offset.
// Evaluations outside the trained ratio range clamp to the end delays.
type Calibration struct {
	ratios []float64
	delays []float64
	spline interp.AkimaSpline
}

// Train builds the calibration curve for the given probe and delay range.
// For each training delay the probe is shifted, refit against the unshifted
// probe and its derivative, and the coefficient ratio recorded.
func Train(reg *probe.Regressor, ts []float64, delayMin, delayMax float64, opts TrainOptions) (*Calibration, error) {
	if opts.NumPoints < 16 {
		return nil, fmt.Errorf("calibration needs at least 16 points, got %d", opts.NumPoints)
	}
	if delayMax <= delayMin {
		return nil, fmt.Errorf("degenerate calibration delay range [%g, %g]", delayMin, delayMax)
	}

	step := (delayMax - delayMin) / float64(opts.NumPoints-1)
	total := opts.NumPoints + 2*opts.EdgePad

	base := reg.ShiftedValues(ts, 0)
	deriv := glm.TimeDerivative(base, reg.Rate())
	regs := [][]float64{base, deriv}

	delays := make([]float64, total)
	ratios := make([]float64, total)
	for i := 0; i < total; i++ {
		d := delayMin + float64(i-opts.EdgePad)*step
		delays[i] = d
		shifted := reg.ShiftedValues(ts, d)
		coeffs, _, _, err := glm.Regress(shifted, regs)
		if err != nil {
			return nil, fmt.Errorf("calibration fit at delay %g failed: %w", d, err)
		}
		if coeffs[0] == 0 {
			return nil, fmt.Errorf("calibration fit at delay %g has zero base coefficient", d)
		}
		ratios[i] = coeffs[1] / coeffs[0]
	}

	ratios = boxcarSmooth(ratios, opts.SmoothPts)
	delays = delays[opts.EdgePad : total-opts.EdgePad]
	ratios = ratios[opts.EdgePad : total-opts.EdgePad]

	// The spline maps ratio to delay, so the ratio axis must ascend. The
	// ratio falls as delay grows, which reverses both series.
	if ratios[0] > ratios[len(ratios)-1] {
		reverse(ratios)
		reverse(delays)
	}
	ratios, delays = strictlyIncreasing(ratios, delays)
	if len(ratios) < 4 {
		return nil, fmt.Errorf("calibration curve is not invertible, %d usable points", len(ratios))
	}

	c := &Calibration{ratios: ratios, delays: delays}
	if err := c.spline.Fit(ratios, delays); err != nil {
		return nil, fmt.Errorf("calibration spline fit failed: %w", err)
	}
	return c, nil
}

// DelayForRatio inverts one coefficient ratio into a delay offset.
func (c *Calibration) DelayForRatio(ratio float64) float64 {
	if ratio <= c.ratios[0] {
		return c.delays[0]
	}
	if ratio >= c.ratios[len(c.ratios)-1] {
		return c.delays[len(c.delays)-1]
	}
	return c.spline.Predict(ratio)
}

// Range returns the trainable delay interval.
func (c *Calibration) Range() (min, max float64) {
	min, max = math.Inf(1), math.Inf(-1)
	for _, d := range c.delays {
		if d < min {
			min = d
		}
		if d > max {
			max = d
		}
	}
	return min, max
}

// Refiner applies the calibration to fitted GLM coefficient maps.
type Refiner struct {
	Cal *Calibration

	// PatchThresh is the spatial outlier limit: a unit ratio more than
	// this many scaled deviations from its neighborhood median is replaced
	// with the median before inversion.
	PatchThresh float64

	Selection *volume.Selection
	Log       *slog.Logger
}

// Result reports the per-unit corrections.
type Result struct {
	// Offsets are the per-unit delay offsets in seconds, zero for units
	// that were not fit.
	Offsets []float64

	// Patched is the number of units whose ratio was replaced by the
	// neighborhood median.
	Patched int
}

// Apply computes delay offsets from the derivative coefficient ratios and
// adds them to the lag map in place. The GLM maps must carry at least one
// derivative regressor.
func (r *Refiner) Apply(maps *models.PassMaps, g *models.GLMMaps) (*Result, error) {
	if g.NumDerivs < 1 {
		return nil, fmt.Errorf("delay refinement needs a derivative regressor, have %d", g.NumDerivs)
	}
	if g.NumUnits != maps.NumUnits {
		return nil, fmt.Errorf("map sizes disagree: %d lag units, %d fit units", maps.NumUnits, g.NumUnits)
	}
	log := r.Log
	if log == nil {
		log = slog.Default()
	}

	ratios := make([]float64, g.NumUnits)
	usable := make([]bool, g.NumUnits)
	for vi := 0; vi < g.NumUnits; vi++ {
		if !g.Fitted[vi] || g.Coeffs[0][vi] == 0 {
			continue
		}
		ratios[vi] = g.Coeffs[1][vi] / g.Coeffs[0][vi]
		usable[vi] = true
	}

	patched, err := r.patchOutliers(ratios, usable)
	if err != nil {
		return nil, err
	}
	if patched > 0 {
		log.Info("patched spatially incoherent ratio estimates", "patched", patched)
	}

	res := &Result{Offsets: make([]float64, g.NumUnits), Patched: patched}
	for vi := 0; vi < g.NumUnits; vi++ {
		if !usable[vi] {
			continue
		}
		off := r.Cal.DelayForRatio(ratios[vi])
		res.Offsets[vi] = off
		maps.Lag[vi] += off
	}
	return res, nil
}

// patchOutliers replaces ratios far from their 3x3x3 neighborhood median.
// Only usable units enter the neighborhoods, so units without a fit never
// drag a median toward zero.
func (r *Refiner) patchOutliers(ratios []float64, usable []bool) (int, error) {
	if r.PatchThresh <= 0 || r.Selection == nil {
		return 0, nil
	}
	masked := make([]float64, len(ratios))
	for vi := range ratios {
		if usable[vi] {
			masked[vi] = ratios[vi]
		} else {
			masked[vi] = math.NaN()
		}
	}
	filtered := r.Selection.MedianFilter3(masked)

	deviations := make([]float64, 0, len(ratios))
	for vi := range ratios {
		if usable[vi] {
			deviations = append(deviations, ratios[vi]-filtered[vi])
		}
	}
	if len(deviations) == 0 {
		return 0, nil
	}
	mad, err := stats.MedianAbsoluteDeviation(deviations)
	if err != nil {
		return 0, fmt.Errorf("ratio deviation MAD failed: %w", err)
	}
	if mad == 0 {
		return 0, nil
	}

	limit := r.PatchThresh * mad * 1.4826
	patched := 0
	for vi := range ratios {
		if usable[vi] && math.Abs(ratios[vi]-filtered[vi]) > limit {
			ratios[vi] = filtered[vi]
			patched++
		}
	}
	return patched, nil
}

// boxcarSmooth applies a centered moving average of the given width.
func boxcarSmooth(x []float64, width int) []float64 {
	if width < 2 {
		return x
	}
	half := width / 2
	out := make([]float64, len(x))
	for i := range x {
		lo, hi := i-half, i+half
		if lo < 0 {
			lo = 0
		}
		if hi >= len(x) {
			hi = len(x) - 1
		}
		sum := 0.0
		for j := lo; j <= hi; j++ {
			sum += x[j]
		}
		out[i] = sum / float64(hi-lo+1)
	}
	return out
}

func reverse(x []float64) {
	for i, j := 0, len(x)-1; i < j; i, j = i+1, j-1 {
		x[i], x[j] = x[j], x[i]
	}
}

// strictlyIncreasing drops samples that break monotonicity of xs, keeping
// the curve usable as a spline abscissa.
func strictlyIncreasing(xs, ys []float64) ([]float64, []float64) {
	outX := xs[:0:0]
	outY := ys[:0:0]
	for i := range xs {
		if len(outX) == 0 || xs[i] > outX[len(outX)-1] {
			outX = append(outX, xs[i])
			outY = append(outY, ys[i])
		}
	}
	return outX, outY
}
