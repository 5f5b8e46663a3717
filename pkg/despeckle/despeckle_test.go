package despeckle

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lagscan/internal/models"
	"lagscan/pkg/peakfit"
	"lagscan/pkg/volume"
	"lagscan/pkg/worker"
)

// lagAxis returns -10..10 seconds at 0.5 s steps.
func lagAxis() []float64 {
	scale := make([]float64, 41)
	for i := range scale {
		scale[i] = -10 + 0.5*float64(i)
	}
	return scale
}

func gaussianFn(scale []float64, amp, mu, sigma float64) []float64 {
	fn := make([]float64, len(scale))
	for i, x := range scale {
		d := x - mu
		fn[i] = amp * math.Exp(-d*d/(2*sigma*sigma))
	}
	return fn
}

func fullSelection(t *testing.T, g volume.Grid) *volume.Selection {
	t.Helper()
	mask := make([]float64, g.NumUnits())
	for i := range mask {
		mask[i] = 1
	}
	sel, err := volume.NewSelection(g, mask)
	require.NoError(t, err)
	return sel
}

// TestRunCorrectsOutlier plants one unit whose fitted lag disagrees with its
// neighborhood even though its similarity function peaks at the consensus
// lag; despeckling must refit it back onto the consensus.
func TestRunCorrectsOutlier(t *testing.T) {
	g := volume.Grid{X: 3, Y: 3, Z: 3}
	sel := fullSelection(t, g)
	scale := lagAxis()
	numLags := len(scale)

	nUnits := sel.NumValid()
	maps := models.NewPassMaps(nUnits)
	simFns := make([]float64, nUnits*numLags)

	outlier := g.Index(1, 1, 1)
	for vi := 0; vi < nUnits; vi++ {
		copy(simFns[vi*numLags:(vi+1)*numLags], gaussianFn(scale, 0.8, 0, 2.0))
		maps.Strength[vi] = 0.8
		maps.Include[vi] = true
	}
	maps.Lag[outlier] = 8.0

	fitter := peakfit.New(peakfit.DefaultOptions(), scale)
	c := &Corrector{
		Selection: sel,
		Threshold: 2.0,
		MaxPasses: 4,
		Pool:      &worker.Pool{Workers: 2},
	}
	total, err := c.Run(maps, simFns, numLags, fitter)
	require.NoError(t, err)

	assert.Equal(t, 1, total, "exactly one unit needed correction")
	assert.InDelta(t, 0, maps.Lag[outlier], 0.1, "the outlier must move to the consensus lag")
	assert.True(t, maps.Despeckled[outlier])
	assert.True(t, maps.Include[outlier])
	for vi := 0; vi < nUnits; vi++ {
		if vi != outlier {
			assert.False(t, maps.Despeckled[vi], "unit %d should be untouched", vi)
		}
	}
}

func TestRunNoSuspects(t *testing.T) {
	g := volume.Grid{X: 2, Y: 2, Z: 2}
	sel := fullSelection(t, g)
	scale := lagAxis()

	maps := models.NewPassMaps(sel.NumValid())
	simFns := make([]float64, sel.NumValid()*len(scale))

	c := &Corrector{
		Selection: sel,
		Threshold: 1.0,
		MaxPasses: 3,
		Pool:      &worker.Pool{Workers: 1},
	}
	total, err := c.Run(maps, simFns, len(scale), peakfit.New(peakfit.DefaultOptions(), scale))
	require.NoError(t, err)
	assert.Zero(t, total)
}

// TestRunMarksUnfixableSuspect plants an outlier whose similarity function
// genuinely peaks far from the consensus: the seeded refit cannot find a
// peak near the median and must record the failure code.
func TestRunMarksUnfixableSuspect(t *testing.T) {
	g := volume.Grid{X: 3, Y: 3, Z: 1}
	sel := fullSelection(t, g)
	scale := lagAxis()
	numLags := len(scale)

	nUnits := sel.NumValid()
	maps := models.NewPassMaps(nUnits)
	simFns := make([]float64, nUnits*numLags)

	outlier := g.Index(1, 1, 0)
	for vi := 0; vi < nUnits; vi++ {
		mu := 0.0
		fn := gaussianFn(scale, 0.8, mu, 1.0)
		if vi == outlier {
			mu = 8.0
			fn = gaussianFn(scale, 0.8, mu, 1.0)
			// No similarity at all near the consensus lag.
			for i, x := range scale {
				if x < 4.0 {
					fn[i] = 0
				}
			}
		}
		copy(simFns[vi*numLags:(vi+1)*numLags], fn)
		maps.Lag[vi] = mu
		maps.Strength[vi] = 0.8
		maps.Include[vi] = true
	}

	c := &Corrector{
		Selection: sel,
		Threshold: 2.0,
		MaxPasses: 4,
		Pool:      &worker.Pool{Workers: 1},
	}
	total, err := c.Run(maps, simFns, numLags, peakfit.New(peakfit.DefaultOptions(), scale))
	require.NoError(t, err)

	assert.Equal(t, 1, total)
	assert.True(t, maps.Despeckled[outlier])
	assert.False(t, maps.Include[outlier], "a failed refit must drop the unit from the fit mask")
	assert.False(t, maps.Code[outlier].Accepted())
}
