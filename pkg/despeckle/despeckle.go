// Package despeckle repairs spatially incoherent lag estimates. A unit whose
// lag deviates from its 3x3x3 neighborhood median by more than a threshold
// is refit with the search seeded at that median instead of the global
// maximum. Sub-passes repeat until no suspects remain or the suspect count
// stops strictly decreasing, which bounds the runtime even under
// oscillation.
package despeckle

import (
	"log/slog"
	"math"

	"lagscan/internal/models"
	"lagscan/pkg/peakfit"
	"lagscan/pkg/volume"
	"lagscan/pkg/worker"
)

// Corrector configures the despeckling loop.
type Corrector struct {
	// Selection maps valid units onto the spatial grid.
	Selection *volume.Selection

	// Threshold is the allowed deviation from the local median, seconds.
	Threshold float64

	// MaxPasses bounds the number of sub-passes.
	MaxPasses int

	// Pool parallelizes the suspect refits.
	Pool *worker.Pool

	Log *slog.Logger
}

// Run despeckles the lag map in place. simFns is the flattened similarity
// volume (unit * numLags), fitter the shared peak fitter for this pass.
// It returns the total number of units whose fit was replaced.
func (c *Corrector) Run(maps *models.PassMaps, simFns []float64, numLags int, fitter *peakfit.Fitter) (int, error) {
	log := c.Log
	if log == nil {
		log = slog.Default()
	}
	pool := c.Pool
	if pool == nil {
		pool = &worker.Pool{Workers: 1}
	}

	total := 0
	lastSuspects := math.MaxInt
	for pass := 0; pass < c.MaxPasses; pass++ {
		medians := c.Selection.MedianFilter3(maps.Lag)

		var suspects []int
		for vi := range maps.Lag {
			if math.Abs(maps.Lag[vi]-medians[vi]) > c.Threshold {
				suspects = append(suspects, vi)
			}
		}
		if len(suspects) == 0 {
			log.Info("despeckling finished, no suspects remain", "subpass", pass+1)
			break
		}
		if len(suspects) >= lastSuspects {
			// No strict improvement over the previous sub-pass; stop
			// rather than oscillate.
			log.Info("despeckling finished, suspect count stopped decreasing",
				"subpass", pass+1, "suspects", len(suspects))
			break
		}
		lastSuspects = len(suspects)
		log.Info("despeckling subpass", "subpass", pass+1, "suspects", len(suspects))

		refit := make([]peakfit.Result, len(suspects))
		err := pool.Run(len(suspects), func(r worker.Range) error {
			for i := r.Start; i < r.End; i++ {
				vi := suspects[i]
				fn := simFns[vi*numLags : (vi+1)*numLags]
				refit[i] = fitter.FitSeeded(fn, medians[vi], c.Threshold)
			}
			return nil
		})
		if err != nil {
			return total, err
		}

		for i, vi := range suspects {
			res := refit[i]
			maps.Lag[vi] = res.Lag
			maps.Strength[vi] = res.Strength
			maps.Width[vi] = res.Width
			maps.R2[vi] = res.R2
			maps.Code[vi] = res.Code
			maps.Include[vi] = res.Code.Accepted()
			maps.Despeckled[vi] = true
		}
		total += len(suspects)
	}
	return total, nil
}
