// Package config provides configuration loading and management for lagscan.
// It handles loading configuration from YAML files, provides default values,
// and validates the combined settings before a run starts.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"

	"gopkg.in/yaml.v3"
)

// Config represents the application configuration loaded from YAML.
type Config struct {
	// Processing parameters shared by every stage
	Processing struct {
		// NumWorkers specifies how many CPU cores to use for parallel processing
		NumWorkers int `yaml:"numWorkers"`

		// SampleRate is the native sampling rate of the data in Hz
		SampleRate float64 `yaml:"sampleRate"`

		// StartTime is the acquisition time of the first sample in seconds
		StartTime float64 `yaml:"startTime"`

		// OversampleFactor upsamples the probe before similarity scanning
		OversampleFactor int `yaml:"oversampleFactor"`

		// DetrendOrder is the polynomial order removed from every signal
		DetrendOrder int `yaml:"detrendOrder"`

		// Window is the taper applied before correlation
		// (hann, hamming, blackmanharris, none)
		Window string `yaml:"window"`

		// FilterLowHz and FilterHighHz bound the analysis band; zero
		// disables the corresponding edge
		FilterLowHz  float64 `yaml:"filterLowHz"`
		FilterHighHz float64 `yaml:"filterHighHz"`
	} `yaml:"processing"`

	// Similarity scan parameters
	Similarity struct {
		// Metric selects the similarity function
		// (correlation, mutualinfo, hybrid)
		Metric string `yaml:"metric"`

		// Weighting applies spectral weighting in correlation mode
		// (none, magnitude, phase)
		Weighting string `yaml:"weighting"`

		// LagMin and LagMax bound the searched lag range in seconds
		LagMin float64 `yaml:"lagMin"`
		LagMax float64 `yaml:"lagMax"`

		// Bipolar accepts anti-correlated peaks by magnitude
		Bipolar bool `yaml:"bipolar"`

		// NegativeGradient correlates against the negated derivative of
		// each unit signal instead of the signal itself
		NegativeGradient bool `yaml:"negativeGradient"`

		// CheckSidelobes runs the probe autocorrelation check and applies
		// a notch filter when a strong sidelobe is found
		CheckSidelobes bool `yaml:"checkSidelobes"`
	} `yaml:"similarity"`

	// Peak fit acceptance thresholds
	PeakFit struct {
		AmpThresh   float64 `yaml:"ampThresh"`
		AmpMax      float64 `yaml:"ampMax"`
		AbsMinSigma float64 `yaml:"absMinSigma"`
		AbsMaxSigma float64 `yaml:"absMaxSigma"`

		// FixedDelay skips searching and evaluates every unit at
		// FixedDelayValue seconds
		FixedDelay      bool    `yaml:"fixedDelay"`
		FixedDelayValue float64 `yaml:"fixedDelayValue"`
	} `yaml:"peakFit"`

	// Null distribution significance estimation
	NullDist struct {
		// Reps is the number of surrogate repetitions; zero disables the
		// stage and AmpThresh is used as given
		Reps int `yaml:"reps"`

		Seed     int64   `yaml:"seed"`
		MADLimit float64 `yaml:"madLimit"`

		// PValue selects which derived threshold replaces AmpThresh
		PValue float64 `yaml:"pValue"`
	} `yaml:"nullDist"`

	// Despeckling parameters
	Despeckle struct {
		// Passes is the maximum number of sub-passes; zero disables
		Passes int `yaml:"passes"`

		// Threshold is the allowed deviation from the neighborhood median
		// in seconds
		Threshold float64 `yaml:"threshold"`
	} `yaml:"despeckle"`

	// Probe refinement parameters
	Refine struct {
		// MaxPasses bounds the estimation loop; 1 disables refinement
		MaxPasses int `yaml:"maxPasses"`

		// ConvergenceMSE stops the loop when successive candidates differ
		// by less than this mean squared error
		ConvergenceMSE float64 `yaml:"convergenceMSE"`

		LagMinThresh float64 `yaml:"lagMinThresh"`
		LagMaxThresh float64 `yaml:"lagMaxThresh"`
		SigmaThresh  float64 `yaml:"sigmaThresh"`

		// Weighting (variance, strength, uniform), Prenorm (variance,
		// strength, none) and Combine (weightedmean, pca) select the
		// regressor rebuild strategy
		Weighting string `yaml:"weighting"`
		Prenorm   string `yaml:"prenorm"`
		Combine   string `yaml:"combine"`

		// AlignToHistogramPeak recenters lags on the histogram mode
		// before alignment
		AlignToHistogramPeak bool `yaml:"alignToHistogramPeak"`

		// IncludeDespeckled keeps despeckle-corrected units in the
		// refinement mask
		IncludeDespeckled bool `yaml:"includeDespeckled"`
	} `yaml:"refine"`

	// Sub-grid delay refinement parameters
	Delay struct {
		Enabled bool `yaml:"enabled"`

		// RangeMin and RangeMax bound the correctable delay offset in
		// seconds; the coefficient ratio is only invertible near zero
		RangeMin float64 `yaml:"rangeMin"`
		RangeMax float64 `yaml:"rangeMax"`

		// NumPoints and SmoothPts size the calibration curve
		NumPoints int `yaml:"numPoints"`
		SmoothPts int `yaml:"smoothPts"`

		// PatchThresh is the spatial outlier limit in scaled MADs
		PatchThresh float64 `yaml:"patchThresh"`
	} `yaml:"delay"`

	// Post-loop coherence analysis parameters
	Coherence struct {
		Enabled bool `yaml:"enabled"`

		// NumSegments is the number of averaged spectrum segments; at
		// least two
		NumSegments int `yaml:"numSegments"`
	} `yaml:"coherence"`

	// Probe removal parameters
	GLM struct {
		Enabled bool `yaml:"enabled"`

		// NumDerivs is the number of probe temporal derivatives in the fit
		NumDerivs int `yaml:"numDerivs"`

		// ThresholdMode skips low-magnitude units; ThresholdFrac is the
		// fraction of the largest unit magnitude required to fit
		ThresholdMode bool    `yaml:"thresholdMode"`
		ThresholdFrac float64 `yaml:"thresholdFrac"`
	} `yaml:"glm"`

	// Output parameters
	Output struct {
		// Dir is the output directory for maps, series and markers
		Dir string `yaml:"dir"`

		// SaveIntermediate saves per-pass maps in addition to final ones
		SaveIntermediate bool `yaml:"saveIntermediate"`

		// Verbose controls the level of logging output
		Verbose bool `yaml:"verbose"`
	} `yaml:"output"`
}

// DefaultConfig returns a configuration with default values.
func DefaultConfig() *Config {
	cfg := &Config{}

	cfg.Processing.NumWorkers = runtime.NumCPU()
	cfg.Processing.SampleRate = 1.0
	cfg.Processing.OversampleFactor = 2
	cfg.Processing.DetrendOrder = 1
	cfg.Processing.Window = "hamming"
	cfg.Processing.FilterLowHz = 0.01
	cfg.Processing.FilterHighHz = 0.15

	cfg.Similarity.Metric = "correlation"
	cfg.Similarity.Weighting = "none"
	cfg.Similarity.LagMin = -30.0
	cfg.Similarity.LagMax = 30.0
	cfg.Similarity.CheckSidelobes = true

	cfg.PeakFit.AmpThresh = 0.3
	cfg.PeakFit.AmpMax = 1.05
	cfg.PeakFit.AbsMinSigma = 0.25
	cfg.PeakFit.AbsMaxSigma = 1000.0

	cfg.NullDist.Reps = 0
	cfg.NullDist.Seed = 1
	cfg.NullDist.MADLimit = 10.0
	cfg.NullDist.PValue = 0.05

	cfg.Despeckle.Passes = 4
	cfg.Despeckle.Threshold = 5.0

	cfg.Refine.MaxPasses = 3
	cfg.Refine.ConvergenceMSE = 0.0001
	cfg.Refine.LagMinThresh = 0.25
	cfg.Refine.LagMaxThresh = 5.0
	cfg.Refine.SigmaThresh = 100.0
	cfg.Refine.Weighting = "variance"
	cfg.Refine.Prenorm = "variance"
	cfg.Refine.Combine = "weightedmean"
	cfg.Refine.IncludeDespeckled = true

	cfg.Delay.Enabled = true
	cfg.Delay.RangeMin = -3.0
	cfg.Delay.RangeMax = 3.0
	cfg.Delay.NumPoints = 501
	cfg.Delay.SmoothPts = 3
	cfg.Delay.PatchThresh = 3.0

	cfg.Coherence.NumSegments = 4

	cfg.GLM.Enabled = true
	cfg.GLM.NumDerivs = 1
	cfg.GLM.ThresholdFrac = 0.05

	cfg.Output.Dir = "lagscan_out"
	cfg.Output.Verbose = true

	return cfg
}

// LoadConfig loads configuration from a YAML file. If the file doesn't
// exist, it returns the default configuration.
func LoadConfig(configPath string) (*Config, error) {
	cfg := DefaultConfig()

	if _, err := os.Stat(configPath); os.IsNotExist(err) {
		return cfg, nil
	}

	data, err := os.ReadFile(configPath)
	if err != nil {
		return nil, fmt.Errorf("error reading config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("error parsing config file: %w", err)
	}

	return cfg, nil
}

// SaveConfig saves the configuration to a YAML file.
func SaveConfig(cfg *Config, configPath string) error {
	dir := filepath.Dir(configPath)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return fmt.Errorf("error creating config directory: %w", err)
	}

	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("error marshaling config: %w", err)
	}

	if err := os.WriteFile(configPath, data, 0644); err != nil {
		return fmt.Errorf("error writing config file: %w", err)
	}

	return nil
}

// CreateDefaultConfigFile creates a default configuration file at the
// specified path.
func CreateDefaultConfigFile(configPath string) error {
	cfg := DefaultConfig()
	return SaveConfig(cfg, configPath)
}

// Validate checks cross-field consistency before a run starts.
func (cfg *Config) Validate() error {
	if cfg.Processing.NumWorkers < 1 {
		return fmt.Errorf("numWorkers must be >= 1, got %d", cfg.Processing.NumWorkers)
	}
	if cfg.Processing.SampleRate <= 0 {
		return fmt.Errorf("sampleRate must be positive, got %g", cfg.Processing.SampleRate)
	}
	if cfg.Processing.OversampleFactor < 1 {
		return fmt.Errorf("oversampleFactor must be >= 1, got %d", cfg.Processing.OversampleFactor)
	}
	if cfg.Processing.DetrendOrder < 0 {
		return fmt.Errorf("detrendOrder must be >= 0, got %d", cfg.Processing.DetrendOrder)
	}
	if cfg.Processing.FilterLowHz < 0 || cfg.Processing.FilterHighHz < 0 {
		return fmt.Errorf("filter band edges must be >= 0")
	}
	if cfg.Processing.FilterLowHz > 0 && cfg.Processing.FilterHighHz > 0 &&
		cfg.Processing.FilterLowHz >= cfg.Processing.FilterHighHz {
		return fmt.Errorf("filterLowHz %g must be below filterHighHz %g",
			cfg.Processing.FilterLowHz, cfg.Processing.FilterHighHz)
	}
	if cfg.Similarity.LagMin >= cfg.Similarity.LagMax {
		return fmt.Errorf("lagMin %g must be below lagMax %g",
			cfg.Similarity.LagMin, cfg.Similarity.LagMax)
	}
	if cfg.PeakFit.AmpThresh < 0 {
		return fmt.Errorf("ampThresh must be >= 0, got %g", cfg.PeakFit.AmpThresh)
	}
	if cfg.PeakFit.AmpMax <= cfg.PeakFit.AmpThresh {
		return fmt.Errorf("ampMax %g must exceed ampThresh %g",
			cfg.PeakFit.AmpMax, cfg.PeakFit.AmpThresh)
	}
	if cfg.PeakFit.AbsMaxSigma <= cfg.PeakFit.AbsMinSigma {
		return fmt.Errorf("absMaxSigma %g must exceed absMinSigma %g",
			cfg.PeakFit.AbsMaxSigma, cfg.PeakFit.AbsMinSigma)
	}
	if cfg.NullDist.Reps != 0 && cfg.NullDist.Reps < 10 {
		return fmt.Errorf("nullDist reps must be 0 or >= 10, got %d", cfg.NullDist.Reps)
	}
	if cfg.Despeckle.Passes < 0 {
		return fmt.Errorf("despeckle passes must be >= 0, got %d", cfg.Despeckle.Passes)
	}
	if cfg.Despeckle.Passes > 0 && cfg.Despeckle.Threshold <= 0 {
		return fmt.Errorf("despeckle threshold must be positive, got %g", cfg.Despeckle.Threshold)
	}
	if cfg.Refine.MaxPasses < 1 {
		return fmt.Errorf("refine maxPasses must be >= 1, got %d", cfg.Refine.MaxPasses)
	}
	if cfg.Refine.LagMinThresh > cfg.Refine.LagMaxThresh {
		return fmt.Errorf("refine lagMinThresh %g exceeds lagMaxThresh %g",
			cfg.Refine.LagMinThresh, cfg.Refine.LagMaxThresh)
	}
	if cfg.Delay.Enabled && cfg.Delay.NumPoints < 16 {
		return fmt.Errorf("delay numPoints must be >= 16, got %d", cfg.Delay.NumPoints)
	}
	if cfg.Delay.Enabled && cfg.Delay.RangeMax <= cfg.Delay.RangeMin {
		return fmt.Errorf("delay rangeMin %g must be below rangeMax %g",
			cfg.Delay.RangeMin, cfg.Delay.RangeMax)
	}
	if cfg.Coherence.Enabled && cfg.Coherence.NumSegments < 2 {
		return fmt.Errorf("coherence numSegments must be >= 2, got %d", cfg.Coherence.NumSegments)
	}
	if cfg.GLM.NumDerivs < 0 {
		return fmt.Errorf("glm numDerivs must be >= 0, got %d", cfg.GLM.NumDerivs)
	}
	if cfg.Delay.Enabled && cfg.GLM.Enabled && cfg.GLM.NumDerivs < 1 {
		return fmt.Errorf("delay refinement requires glm numDerivs >= 1")
	}
	if cfg.Output.Dir == "" {
		return fmt.Errorf("output dir must not be empty")
	}
	return nil
}
