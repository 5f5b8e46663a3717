// Package estimator drives the full estimation pipeline: similarity scan,
// peak fitting, despeckling, probe refinement across passes, sub-grid delay
// correction, and final probe removal. It owns the pass loop and the shared
// buffers; the per-stage algorithms live in their own packages.
package estimator

import (
	"errors"
	"fmt"
	"log/slog"
	"math"
	"path/filepath"

	"github.com/cwbudde/algo-dsp/dsp/conv"
	"github.com/cwbudde/algo-dsp/dsp/resample"

	"lagscan/internal/models"
	"lagscan/pkg/coherence"
	"lagscan/pkg/config"
	"lagscan/pkg/delay"
	"lagscan/pkg/despeckle"
	"lagscan/pkg/glm"
	"lagscan/pkg/nulldist"
	"lagscan/pkg/output"
	"lagscan/pkg/peakfit"
	"lagscan/pkg/prefilter"
	"lagscan/pkg/probe"
	"lagscan/pkg/refine"
	"lagscan/pkg/similarity"
	"lagscan/pkg/volume"
	"lagscan/pkg/worker"
)

// StopReason records why the pass loop ended.
type StopReason int

const (
	// StopMaxPasses means the configured pass limit was reached.
	StopMaxPasses StopReason = iota

	// StopConverged means successive probe candidates stopped changing.
	StopConverged

	// StopRefineFailed means the refinement mask emptied and the loop kept
	// the last completed pass's results.
	StopRefineFailed
)

func (s StopReason) String() string {
	switch s {
	case StopMaxPasses:
		return "max-passes"
	case StopConverged:
		return "converged"
	case StopRefineFailed:
		return "refine-failed"
	}
	return "unknown"
}

// Estimator holds one run's inputs and shared state.
type Estimator struct {
	Cfg *config.Config

	// Sel maps valid units onto the spatial grid; Data is the valid-unit
	// flattened time series buffer [unit*NumTimes].
	Sel      *volume.Selection
	Data     []float64
	NumTimes int

	// Probe is the initial probe regressor at the native rate.
	Probe *probe.Regressor

	// RefineInclude and RefineExclude are optional static spatial masks in
	// valid-unit indexing applied when the refinement mask is built.
	RefineInclude []bool
	RefineExclude []bool

	Writer *output.Writer
	Log    *slog.Logger

	// hybridSeedWindow is the search window around a mutual information
	// seed in hybrid mode, seconds.
	hybridSeedWindow float64
}

// Result is the complete outcome of a run.
type Result struct {
	Maps       *models.PassMaps
	Passes     int
	StopReason StopReason

	// Probe is the final refined regressor.
	Probe *probe.Regressor

	// Thresholds is present when null distribution estimation ran.
	Thresholds *nulldist.Thresholds

	// GLM, DelayOffsets and Coherence are present when the respective
	// stages ran.
	GLM          *models.GLMMaps
	DelayOffsets []float64
	Coherence    *coherence.Result

	// RefineMSE holds the convergence metric of each completed refinement,
	// in pass order.
	RefineMSE []float64

	TotalDespeckled int

	// SidelobeNotchHz is nonzero when the autocorrelation check detected a
	// sidelobe and notched the probe.
	SidelobeNotchHz float64
}

// Run executes the pipeline.
func (e *Estimator) Run() (*Result, error) {
	if err := e.Cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	log := e.Log
	if log == nil {
		log = slog.Default()
	}
	if e.hybridSeedWindow == 0 {
		e.hybridSeedWindow = 5.0
	}

	cfg := e.Cfg
	nValid := e.Sel.NumValid()
	if len(e.Data) != nValid*e.NumTimes {
		return nil, fmt.Errorf("data buffer holds %d values, need %d", len(e.Data), nValid*e.NumTimes)
	}

	metric, err := similarity.ParseMetric(cfg.Similarity.Metric)
	if err != nil {
		return nil, err
	}
	weighting, err := similarity.ParseWeighting(cfg.Similarity.Weighting)
	if err != nil {
		return nil, err
	}
	win, err := prefilter.ParseWindow(cfg.Processing.Window)
	if err != nil {
		return nil, err
	}

	pool := &worker.Pool{Workers: cfg.Processing.NumWorkers}
	alloc := volume.SelectAllocator(cfg.Processing.NumWorkers)
	defer alloc.Release()

	factor := cfg.Processing.OversampleFactor
	scanRate := cfg.Processing.SampleRate * float64(factor)
	nScan := e.NumTimes * factor

	scanFilter, err := prefilter.NewBandLimit(cfg.Processing.FilterLowHz, cfg.Processing.FilterHighHz, scanRate)
	if err != nil {
		return nil, fmt.Errorf("scan-grid filter design failed: %w", err)
	}
	nativeFilter, err := prefilter.NewBandLimit(cfg.Processing.FilterLowHz, cfg.Processing.FilterHighHz, cfg.Processing.SampleRate)
	if err != nil {
		return nil, fmt.Errorf("native-grid filter design failed: %w", err)
	}

	// Lag window in scan-grid samples.
	lagMinIdx := int(math.Round(-cfg.Similarity.LagMin * scanRate))
	lagMaxIdx := int(math.Round(cfg.Similarity.LagMax * scanRate))
	if lagMinIdx >= nScan {
		lagMinIdx = nScan - 1
	}
	if lagMaxIdx >= nScan {
		lagMaxIdx = nScan - 1
	}
	numLags := lagMinIdx + lagMaxIdx + 1

	// Unit signals never change between passes; upsample them once.
	e.markRunning("upsample")
	scanData, err := alloc.Alloc(nValid * nScan)
	if err != nil {
		return nil, err
	}
	err = pool.Run(nValid, func(r worker.Range) error {
		for vi := r.Start; vi < r.End; vi++ {
			up, err := resample.Resample(e.unitSignal(vi), factor, 1)
			if err != nil {
				return fmt.Errorf("unit %d upsampling failed: %w", vi, err)
			}
			copy(scanData[vi*nScan:(vi+1)*nScan], padTo(up, nScan))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	e.markDone("upsample")

	res := &Result{Probe: e.Probe}
	scanTimes := probe.TimeAxis(nScan, scanRate, cfg.Processing.StartTime)
	nativeTimes := probe.TimeAxis(e.NumTimes, cfg.Processing.SampleRate, cfg.Processing.StartTime)

	despeckleThresh := cfg.Despeckle.Threshold

	fitOpts := peakfit.DefaultOptions()
	fitOpts.AmpThresh = cfg.PeakFit.AmpThresh
	fitOpts.AmpMax = cfg.PeakFit.AmpMax
	fitOpts.AbsMinSigma = cfg.PeakFit.AbsMinSigma
	fitOpts.AbsMaxSigma = cfg.PeakFit.AbsMaxSigma
	fitOpts.Bipolar = cfg.Similarity.Bipolar
	fitOpts.FixedDelay = cfg.PeakFit.FixedDelay
	fitOpts.FixedDelayValue = cfg.PeakFit.FixedDelayValue

	engineConfig := similarity.Config{
		SampleRate:       scanRate,
		Filter:           scanFilter,
		Window:           win,
		DetrendOrder:     cfg.Processing.DetrendOrder,
		NegativeGradient: cfg.Similarity.NegativeGradient,
		Weighting:        weighting,
	}

	// Significance thresholds from phase-randomized surrogates replace the
	// configured amplitude threshold when enabled.
	if cfg.NullDist.Reps > 0 {
		e.markRunning("nulldist")
		reference, err := e.scanReference(res.Probe, factor, nScan, scanTimes)
		if err != nil {
			return nil, err
		}
		est := &nulldist.Estimator{
			Reps:     cfg.NullDist.Reps,
			Seed:     cfg.NullDist.Seed,
			MADLimit: cfg.NullDist.MADLimit,
			Pool:     pool,
		}
		thresholds, err := est.Run(reference, func() (similarity.Engine, error) {
			return e.newEngine(metric, engineConfig, reference, lagMinIdx, lagMaxIdx)
		}, fitOpts)
		if err != nil {
			return nil, fmt.Errorf("null distribution estimation failed: %w", err)
		}
		res.Thresholds = thresholds
		if strength, ok := thresholds.At(cfg.NullDist.PValue); ok {
			log.Info("amplitude threshold from null distribution",
				"p", cfg.NullDist.PValue, "threshold", strength, "samples", thresholds.NumSamples)
			fitOpts.AmpThresh = strength
		}
		if e.Writer != nil {
			if err := e.Writer.SaveThresholds("nulldist", thresholds); err != nil {
				return nil, err
			}
		}
		e.markDone("nulldist")
	}

	simFns, err := alloc.Alloc(nValid * numLags)
	if err != nil {
		return nil, err
	}

	maxPasses := cfg.Refine.MaxPasses
	if cfg.PeakFit.FixedDelay {
		// A forced lag leaves nothing for refinement to improve.
		maxPasses = 1
	}

	res.StopReason = StopMaxPasses

	for pass := 1; pass <= maxPasses; pass++ {
		stage := fmt.Sprintf("pass%d", pass)
		e.markRunning(stage)
		log.Info("estimation pass", "pass", pass, "max_passes", maxPasses)

		// Refinement can hand back a probe with a periodic component, so
		// the sidelobe check runs on every pass's reference.
		if cfg.Similarity.CheckSidelobes {
			if err := e.checkSidelobes(res, scanTimes, scanRate, scanFilter, win, &despeckleThresh, log); err != nil {
				return nil, err
			}
		}

		reference, err := e.scanReference(res.Probe, factor, nScan, scanTimes)
		if err != nil {
			return nil, err
		}
		engine, err := e.newEngine(metric, engineConfig, reference, lagMinIdx, lagMaxIdx)
		if err != nil {
			return nil, err
		}
		var seeder similarity.Engine
		if metric == similarity.MetricHybrid {
			seeder, err = e.newEngine(similarity.MetricMutualInfo, engineConfig, reference, lagMinIdx, lagMaxIdx)
			if err != nil {
				return nil, err
			}
		}

		maps := models.NewPassMaps(nValid)
		fitter := peakfit.New(fitOpts, engine.LagScale())

		err = pool.Run(nValid, func(r worker.Range) error {
			seedFn := make([]float64, numLags)
			for vi := r.Start; vi < r.End; vi++ {
				sig := scanData[vi*nScan : (vi+1)*nScan]
				fn := simFns[vi*numLags : (vi+1)*numLags]
				if _, err := engine.Compute(sig, fn); err != nil {
					return fmt.Errorf("unit %d similarity failed: %w", vi, err)
				}

				var fit peakfit.Result
				if seeder != nil {
					// Hybrid mode: the information peak picks the
					// correlation lobe, the correlation function is fit.
					maxIdx, err := seeder.Compute(sig, seedFn)
					if err != nil {
						return fmt.Errorf("unit %d seed similarity failed: %w", vi, err)
					}
					fit = fitter.FitSeeded(fn, seeder.LagScale()[maxIdx], e.hybridSeedWindow)
				} else {
					fit = fitter.Fit(fn)
				}

				maps.Lag[vi] = fit.Lag
				maps.Strength[vi] = fit.Strength
				maps.Width[vi] = fit.Width
				maps.R2[vi] = fit.R2
				maps.Code[vi] = fit.Code
				maps.Include[vi] = fit.Code.Accepted()
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
		log.Info("peak fitting finished", "pass", pass, "accepted", maps.AcceptedCount(), "units", nValid)

		if cfg.Despeckle.Passes > 0 && !cfg.PeakFit.FixedDelay {
			if e.Writer != nil && cfg.Output.SaveIntermediate {
				// Pre-despeckle snapshot, for judging how much the
				// spatial correction moved.
				if err := e.Writer.SavePassMaps(stage+"_raw", e.Sel, maps.Clone()); err != nil {
					return nil, err
				}
			}
			corrector := &despeckle.Corrector{
				Selection: e.Sel,
				Threshold: despeckleThresh,
				MaxPasses: cfg.Despeckle.Passes,
				Pool:      pool,
				Log:       log,
			}
			n, err := corrector.Run(maps, simFns, numLags, fitter)
			if err != nil {
				return nil, err
			}
			res.TotalDespeckled += n
		}

		res.Maps = maps
		res.Passes = pass

		if e.Writer != nil && cfg.Output.SaveIntermediate {
			if err := e.Writer.SavePassMaps(stage, e.Sel, maps); err != nil {
				return nil, err
			}
		}
		e.markDone(stage)

		if pass == maxPasses {
			break
		}

		// Rebuild the probe from the units that fit well this pass.
		newProbe, mse, err := e.refineProbe(maps, res.Probe, nativeFilter, pool, log)
		if err != nil {
			if errors.Is(err, refine.ErrEmptyMask) {
				log.Warn("refinement mask emptied, keeping current probe", "pass", pass)
				res.StopReason = StopRefineFailed
				break
			}
			return nil, err
		}
		res.Probe = newProbe
		res.RefineMSE = append(res.RefineMSE, mse)
		if res.StopReason != StopConverged && mse < cfg.Refine.ConvergenceMSE {
			log.Info("probe refinement converged", "pass", pass, "mse", mse)
			res.StopReason = StopConverged
			// One more scoring pass runs with the converged probe.
			maxPasses = pass + 1
		}
	}

	// Coherence, sub-grid delay correction and probe removal run on the
	// final maps and probe.
	if cfg.Coherence.Enabled {
		e.markRunning("coherence")
		analyzer := &coherence.Analyzer{
			SampleRate:  cfg.Processing.SampleRate,
			NumSegments: cfg.Coherence.NumSegments,
			Window:      win,
			Pool:        pool,
			Log:         log,
		}
		cohRes, err := analyzer.Run(res.Probe.ValuesAt(nativeTimes), e.unitSignal, nValid)
		if err != nil {
			return nil, fmt.Errorf("coherence analysis failed: %w", err)
		}
		res.Coherence = cohRes
		e.markDone("coherence")
	}
	if cfg.Delay.Enabled && !cfg.PeakFit.FixedDelay {
		if err := e.refineDelays(res, nativeTimes, pool, log); err != nil {
			return nil, err
		}
	}
	if cfg.GLM.Enabled {
		if err := e.removeProbe(res, nativeTimes, alloc, pool, log); err != nil {
			return nil, err
		}
	}

	if e.Writer != nil {
		e.markRunning("outputs")
		if err := e.Writer.SavePassMaps("final", e.Sel, res.Maps); err != nil {
			return nil, err
		}
		if err := e.Writer.SaveSeries("probe_final", res.Probe.Samples(), res.Probe.Rate(), res.Probe.Start()); err != nil {
			return nil, err
		}
		if res.GLM != nil {
			if err := e.Writer.SaveGLMMaps("glm", e.Sel, res.GLM); err != nil {
				return nil, err
			}
		}
		if res.DelayOffsets != nil {
			if err := e.Writer.SaveMap("delay_offset", e.Sel, res.DelayOffsets, 0); err != nil {
				return nil, err
			}
		}
		if res.Coherence != nil {
			if err := e.Writer.SaveMap("coherence_max", e.Sel, res.Coherence.Max, 0); err != nil {
				return nil, err
			}
			if err := e.Writer.SaveMap("coherence_maxfreq", e.Sel, res.Coherence.MaxFreq, 0); err != nil {
				return nil, err
			}
			if err := e.Writer.SaveMap("coherence_mean", e.Sel, res.Coherence.Mean, 0); err != nil {
				return nil, err
			}
		}
		if res.Thresholds != nil {
			for i, p := range res.Thresholds.PValues {
				sig := make([]bool, nValid)
				for vi := range sig {
					sig[vi] = math.Abs(res.Maps.Strength[vi]) >= res.Thresholds.Strengths[i]
				}
				name := fmt.Sprintf("sig_p%03d", int(math.Round(p*1000)))
				if err := e.Writer.SaveMask(name, e.Sel, sig); err != nil {
					return nil, err
				}
			}
		}
		if cfg.Output.SaveIntermediate {
			full := make([]float64, e.Sel.Grid.NumUnits()*numLags)
			for vi, gi := range e.Sel.ToGrid {
				copy(full[gi*numLags:(gi+1)*numLags], simFns[vi*numLags:(vi+1)*numLags])
			}
			ds := &volume.Dataset{Grid: e.Sel.Grid, NumTimes: numLags, Data: full}
			if err := volume.SaveDataset(filepath.Join(e.Writer.Dir, "similarity.dat"), ds); err != nil {
				return nil, err
			}
		}
		if err := e.Writer.SaveOptions("run", cfg); err != nil {
			return nil, err
		}
		e.markDone("outputs")
	}

	log.Info("estimation finished",
		"passes", res.Passes, "stop", res.StopReason.String(),
		"accepted", res.Maps.AcceptedCount(), "despeckled", res.TotalDespeckled)
	return res, nil
}

const (
	sidelobeAmpThresh = 0.3
	notchQ            = 10.0
)

// checkSidelobes notches the probe when its autocorrelation shows a strong
// secondary peak, raising the despeckle threshold to cover the sidelobe
// spacing.
func (e *Estimator) checkSidelobes(res *Result, scanTimes []float64, scanRate float64, scanFilter *prefilter.BandLimit, win prefilter.WindowKind, despeckleThresh *float64, log *slog.Logger) error {
	cfg := e.Cfg
	reference := res.Probe.ValuesAt(scanTimes)
	sidelobeLag, sidelobeAmp := findSidelobe(reference, scanRate, cfg.Processing.DetrendOrder, win, scanFilter)
	if sidelobeAmp <= sidelobeAmpThresh {
		return nil
	}
	notchHz := 1 / sidelobeLag
	log.Warn("probe autocorrelation sidelobe detected",
		"lag_s", sidelobeLag, "amplitude", sidelobeAmp, "notch_hz", notchHz)
	notch, err := prefilter.NewNotch(notchHz, notchQ, res.Probe.Rate())
	if err != nil {
		return fmt.Errorf("sidelobe notch design failed: %w", err)
	}
	cleaned := notch.Apply(res.Probe.Samples())
	p, err := probe.New(cleaned, res.Probe.Rate(), res.Probe.Start())
	if err != nil {
		return err
	}
	res.Probe = p
	res.SidelobeNotchHz = notchHz
	if *despeckleThresh < sidelobeLag/2 {
		*despeckleThresh = sidelobeLag / 2
	}
	return nil
}

// scanReference renders the probe on the oversampled comparison grid. A
// probe already on the native grid goes through the rational resampler; one
// on a foreign grid is interpolated directly.
func (e *Estimator) scanReference(p *probe.Regressor, factor, nScan int, scanTimes []float64) ([]float64, error) {
	cfg := e.Cfg
	if p.Rate() == cfg.Processing.SampleRate && p.Start() == cfg.Processing.StartTime {
		up, err := p.Oversample(factor)
		if err != nil {
			return nil, err
		}
		return padTo(up.Samples(), nScan), nil
	}
	return p.ValuesAt(scanTimes), nil
}

func (e *Estimator) unitSignal(vi int) []float64 {
	return e.Data[vi*e.NumTimes : (vi+1)*e.NumTimes]
}

func (e *Estimator) newEngine(metric similarity.MetricKind, cfg similarity.Config, reference []float64, lagMinIdx, lagMaxIdx int) (similarity.Engine, error) {
	var engine similarity.Engine
	switch metric {
	case similarity.MetricMutualInfo:
		engine = similarity.NewMutualInformationator(cfg)
	default:
		engine = similarity.NewCorrelator(cfg)
	}
	if err := engine.SetReference(reference); err != nil {
		return nil, err
	}
	if err := engine.SetLimits(lagMinIdx, lagMaxIdx); err != nil {
		return nil, err
	}
	return engine, nil
}

// refineProbe rebuilds the probe regressor from this pass's maps and returns
// it with the mean squared difference from the previous probe.
func (e *Estimator) refineProbe(maps *models.PassMaps, current *probe.Regressor, filter *prefilter.BandLimit, pool *worker.Pool, log *slog.Logger) (*probe.Regressor, float64, error) {
	cfg := e.Cfg

	weighting, err := refine.ParseWeight(cfg.Refine.Weighting)
	if err != nil {
		return nil, 0, err
	}
	prenorm, err := refine.ParsePrenorm(cfg.Refine.Prenorm)
	if err != nil {
		return nil, 0, err
	}
	combine, err := refine.ParseCombine(cfg.Refine.Combine)
	if err != nil {
		return nil, 0, err
	}

	mask, err := refine.BuildMask(maps, refine.MaskParams{
		AmpThresh:         cfg.PeakFit.AmpThresh,
		LagMinThresh:      cfg.Refine.LagMinThresh,
		LagMaxThresh:      cfg.Refine.LagMaxThresh,
		SigmaThresh:       cfg.Refine.SigmaThresh,
		Bipolar:           cfg.Similarity.Bipolar,
		ExcludeDespeckled: !cfg.Refine.IncludeDespeckled,
		IncludeMask:       e.RefineInclude,
		ExcludeMask:       e.RefineExclude,
	}, log)
	if err != nil {
		return nil, 0, err
	}
	log.Info("refinement mask built",
		"included", mask.NumIncluded,
		"amp_fails", mask.AmpFails, "lag_fails", mask.LagFails, "sigma_fails", mask.SigmaFails)

	offset := 0.0
	if cfg.Refine.AlignToHistogramPeak {
		offset = refine.LagHistogramPeak(maps.Lag, mask.Mask, lagHistogramBins)
	}

	refiner := &refine.Refiner{
		SampleRate:   cfg.Processing.SampleRate,
		Filter:       filter,
		DetrendOrder: cfg.Processing.DetrendOrder,
		Weighting:    weighting,
		Prenorm:      prenorm,
		Combine:      combine,
		Offset:       offset,
		Pool:         pool,
		Log:          log,
	}
	result, err := refiner.Refine(e.unitSignal, maps, mask.Mask)
	if err != nil {
		return nil, 0, err
	}

	// The initial probe may live on its own grid; MSE is defined once the
	// candidate and previous probe share the native grid, so the first
	// comparison against a foreign-length probe never reads as converged.
	prev := prefilter.StdNormalize(current.Samples())
	mse := refine.MSE(result.Candidate, prev)
	log.Info("probe refined", "units_used", result.NumUsed, "mse", mse)

	newProbe, err := probe.New(result.Candidate, cfg.Processing.SampleRate, cfg.Processing.StartTime)
	if err != nil {
		return nil, 0, err
	}
	return newProbe, mse, nil
}

const lagHistogramBins = 101

// refineDelays trains the ratio calibration and corrects the lag map below
// the sample grid.
func (e *Estimator) refineDelays(res *Result, nativeTimes []float64, pool *worker.Pool, log *slog.Logger) error {
	cfg := e.Cfg
	e.markRunning("delay")

	trainOpts := delay.DefaultTrainOptions()
	trainOpts.NumPoints = cfg.Delay.NumPoints
	trainOpts.SmoothPts = cfg.Delay.SmoothPts
	cal, err := delay.Train(res.Probe, nativeTimes, cfg.Delay.RangeMin, cfg.Delay.RangeMax, trainOpts)
	if err != nil {
		return fmt.Errorf("delay calibration failed: %w", err)
	}

	// The ratio fit needs one derivative regressor regardless of the final
	// removal configuration.
	nValid := e.Sel.NumValid()
	residual := make([]float64, nValid*e.NumTimes)
	moving := make([]float64, nValid*e.NumTimes)
	ratioFit := &glm.Filter{NumDerivs: 1, Pool: pool, Log: log}
	g, err := ratioFit.Run(e.unitSignal, res.Probe, res.Maps.Lag, nativeTimes, residual, moving)
	if err != nil {
		return fmt.Errorf("delay ratio fit failed: %w", err)
	}

	refiner := &delay.Refiner{
		Cal:         cal,
		PatchThresh: cfg.Delay.PatchThresh,
		Selection:   e.Sel,
		Log:         log,
	}
	result, err := refiner.Apply(res.Maps, g)
	if err != nil {
		return fmt.Errorf("delay refinement failed: %w", err)
	}
	res.DelayOffsets = result.Offsets
	log.Info("delays refined", "patched", result.Patched)
	e.markDone("delay")
	return nil
}

// removeProbe runs the final probe removal with the corrected lags.
func (e *Estimator) removeProbe(res *Result, nativeTimes []float64, alloc volume.Allocator, pool *worker.Pool, log *slog.Logger) error {
	cfg := e.Cfg
	e.markRunning("glm")

	nValid := e.Sel.NumValid()
	residual, err := alloc.Alloc(nValid * e.NumTimes)
	if err != nil {
		return err
	}
	moving, err := alloc.Alloc(nValid * e.NumTimes)
	if err != nil {
		return err
	}

	filter := &glm.Filter{
		NumDerivs:     cfg.GLM.NumDerivs,
		ThresholdMode: cfg.GLM.ThresholdMode,
		ThresholdFrac: cfg.GLM.ThresholdFrac,
		Pool:          pool,
		Log:           log,
	}
	g, err := filter.Run(e.unitSignal, res.Probe, res.Maps.Lag, nativeTimes, residual, moving)
	if err != nil {
		return fmt.Errorf("probe removal failed: %w", err)
	}
	res.GLM = g

	fitted := 0
	for _, f := range g.Fitted {
		if f {
			fitted++
		}
	}
	log.Info("probe removed", "fitted", fitted, "units", nValid)
	e.markDone("glm")
	return nil
}

// markRunning drops a stage marker and rewrites the run-options snapshot so a
// crashed run can be diagnosed from the output directory alone.
func (e *Estimator) markRunning(stage string) {
	if e.Writer != nil {
		if err := e.Writer.MarkRunning(stage); err != nil && e.Log != nil {
			e.Log.Warn("failed to write stage marker", "stage", stage, "error", err)
		}
		if err := e.Writer.SaveOptions("run", e.Cfg); err != nil && e.Log != nil {
			e.Log.Warn("failed to write run options", "stage", stage, "error", err)
		}
	}
}

func (e *Estimator) markDone(stage string) {
	if e.Writer != nil {
		if err := e.Writer.MarkDone(stage); err != nil && e.Log != nil {
			e.Log.Warn("failed to write stage marker", "stage", stage, "error", err)
		}
	}
}

// findSidelobe scans the probe autocorrelation beyond its central lobe for
// the strongest secondary peak. Returns the sidelobe lag in seconds and its
// amplitude; amplitude zero means no usable sidelobe region.
func findSidelobe(reference []float64, scanRate float64, detrendOrder int, win prefilter.WindowKind, filter *prefilter.BandLimit) (float64, float64) {
	ref := reference
	if filter != nil {
		ref = filter.Apply(ref)
	}
	ref = prefilter.CorrNormalize(ref, detrendOrder, win)

	full, err := conv.Correlate(ref, ref)
	if err != nil {
		return 0, 0
	}
	origin := len(ref) - 1
	acorr := full[origin:]

	// The central lobe ends where the autocorrelation first drops below
	// half height.
	mainEnd := 0
	for i, v := range acorr {
		if v < 0.5 {
			mainEnd = i
			break
		}
	}
	if mainEnd == 0 || mainEnd >= len(acorr)-1 {
		return 0, 0
	}

	bestIdx, bestAmp := 0, 0.0
	for i := mainEnd; i < len(acorr); i++ {
		if a := math.Abs(acorr[i]); a > bestAmp {
			bestAmp, bestIdx = a, i
		}
	}
	if bestIdx == 0 {
		return 0, 0
	}
	return float64(bestIdx) / scanRate, bestAmp
}

// padTo length-adjusts a resampled signal, truncating or edge-padding by at
// most a couple of samples of rounding slack.
func padTo(x []float64, n int) []float64 {
	if len(x) == n {
		return x
	}
	if len(x) > n {
		return x[:n]
	}
	out := make([]float64, n)
	copy(out, x)
	last := 0.0
	if len(x) > 0 {
		last = x[len(x)-1]
	}
	for i := len(x); i < n; i++ {
		out[i] = last
	}
	return out
}
