package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaultConfigIsValid(t *testing.T) {
	cfg := DefaultConfig()
	assert.NoError(t, cfg.Validate())
}

func TestLoadConfigMissingFileReturnsDefaults(t *testing.T) {
	cfg, err := LoadConfig(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, DefaultConfig().Similarity.LagMax, cfg.Similarity.LagMax)
}

func TestSaveLoadRoundTrip(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Processing.SampleRate = 0.5
	cfg.Similarity.Metric = "hybrid"
	cfg.Refine.MaxPasses = 7
	cfg.Delay.Enabled = false

	path := filepath.Join(t.TempDir(), "sub", "config.yaml")
	require.NoError(t, SaveConfig(cfg, path))

	loaded, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 0.5, loaded.Processing.SampleRate)
	assert.Equal(t, "hybrid", loaded.Similarity.Metric)
	assert.Equal(t, 7, loaded.Refine.MaxPasses)
	assert.False(t, loaded.Delay.Enabled)
}

func TestLoadConfigPartialOverride(t *testing.T) {
	path := filepath.Join(t.TempDir(), "partial.yaml")
	require.NoError(t, os.WriteFile(path, []byte("similarity:\n  lagMax: 12.5\n"), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, 12.5, cfg.Similarity.LagMax)
	// Untouched fields keep their defaults.
	assert.Equal(t, DefaultConfig().PeakFit.AmpThresh, cfg.PeakFit.AmpThresh)
}

func TestLoadConfigBadYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "bad.yaml")
	require.NoError(t, os.WriteFile(path, []byte("similarity: ["), 0o644))
	_, err := LoadConfig(path)
	assert.Error(t, err)
}

func TestCreateDefaultConfigFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "default.yaml")
	require.NoError(t, CreateDefaultConfigFile(path))
	_, err := os.Stat(path)
	assert.NoError(t, err)
}

func TestValidateRejections(t *testing.T) {
	mutations := map[string]func(*Config){
		"zero workers":           func(c *Config) { c.Processing.NumWorkers = 0 },
		"bad sample rate":        func(c *Config) { c.Processing.SampleRate = 0 },
		"bad oversample":         func(c *Config) { c.Processing.OversampleFactor = 0 },
		"negative detrend":       func(c *Config) { c.Processing.DetrendOrder = -1 },
		"inverted filter band":   func(c *Config) { c.Processing.FilterLowHz = 0.2; c.Processing.FilterHighHz = 0.1 },
		"inverted lag range":     func(c *Config) { c.Similarity.LagMin = 10; c.Similarity.LagMax = -10 },
		"amp max below thresh":   func(c *Config) { c.PeakFit.AmpMax = 0.1 },
		"sigma bounds inverted":  func(c *Config) { c.PeakFit.AbsMaxSigma = 0.01 },
		"too few null reps":      func(c *Config) { c.NullDist.Reps = 5 },
		"negative despeckle":     func(c *Config) { c.Despeckle.Passes = -1 },
		"despeckle no threshold": func(c *Config) { c.Despeckle.Threshold = 0 },
		"zero refine passes":     func(c *Config) { c.Refine.MaxPasses = 0 },
		"refine lag inverted":    func(c *Config) { c.Refine.LagMinThresh = 10; c.Refine.LagMaxThresh = 1 },
		"delay too few points":   func(c *Config) { c.Delay.NumPoints = 4 },
		"delay range inverted":   func(c *Config) { c.Delay.RangeMin = 3; c.Delay.RangeMax = -3 },
		"negative glm derivs":    func(c *Config) { c.GLM.NumDerivs = -1 },
		"coherence one segment":  func(c *Config) { c.Coherence.Enabled = true; c.Coherence.NumSegments = 1 },
		"delay without deriv":    func(c *Config) { c.GLM.NumDerivs = 0 },
		"empty output dir":       func(c *Config) { c.Output.Dir = "" },
	}
	for name, mutate := range mutations {
		t.Run(name, func(t *testing.T) {
			cfg := DefaultConfig()
			mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}
