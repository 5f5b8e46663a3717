package main

import (
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"runtime"
	"time"

	"lagscan/pkg/config"
	"lagscan/pkg/estimator"
	"lagscan/pkg/output"
	"lagscan/pkg/probe"
	"lagscan/pkg/volume"
)

func main() {
	// Parse command line arguments
	dataPath := flag.String("data", "", "Input 4-D dataset file")
	maskPath := flag.String("mask", "", "Validity mask volume (optional, all units valid when omitted)")
	probePath := flag.String("probe", "", "Initial probe regressor file (optional, mean signal when omitted)")
	configPath := flag.String("config", "", "YAML configuration file")
	outDir := flag.String("out", "", "Output directory (overrides config)")
	sampleRate := flag.Float64("rate", 0, "Sampling rate in Hz (overrides config)")
	numWorkers := flag.Int("workers", runtime.NumCPU(), "Number of CPU cores to use (default: all available)")
	maxPasses := flag.Int("passes", 0, "Maximum refinement passes (overrides config)")
	refineIncludePath := flag.String("refine-include", "", "Mask volume restricting which units feed probe refinement (optional)")
	refineExcludePath := flag.String("refine-exclude", "", "Mask volume barring units from probe refinement (optional)")
	writeConfig := flag.String("write-config", "", "Write the default configuration to this path and exit")
	flag.Parse()

	if *writeConfig != "" {
		if err := config.CreateDefaultConfigFile(*writeConfig); err != nil {
			log.Fatalf("Failed to write default config: %v", err)
		}
		fmt.Printf("Default configuration written to: %s\n", *writeConfig)
		return
	}

	// Validate inputs
	if *dataPath == "" {
		flag.Usage()
		os.Exit(1)
	}

	cfg, err := config.LoadConfig(*configPath)
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	cfg.Processing.NumWorkers = *numWorkers
	if *sampleRate > 0 {
		cfg.Processing.SampleRate = *sampleRate
	}
	if *maxPasses > 0 {
		cfg.Refine.MaxPasses = *maxPasses
	}
	if *outDir != "" {
		cfg.Output.Dir = *outDir
	}
	if err := cfg.Validate(); err != nil {
		log.Fatalf("Invalid configuration: %v", err)
	}

	level := slog.LevelInfo
	if !cfg.Output.Verbose {
		level = slog.LevelWarn
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)

	fmt.Println("================================")
	fmt.Println("LAGSCAN: ITERATIVE LAG ESTIMATION AND PROBE REMOVAL FOR 4-D DATA")
	fmt.Println("================================")

	dataset, err := volume.LoadDataset(*dataPath)
	if err != nil {
		log.Fatalf("Failed to load dataset: %v", err)
	}
	fmt.Printf("Loaded dataset: %dx%dx%d units, %d timepoints\n",
		dataset.Grid.X, dataset.Grid.Y, dataset.Grid.Z, dataset.NumTimes)

	mask, err := loadMask(*maskPath, dataset.Grid)
	if err != nil {
		log.Fatalf("Failed to load mask: %v", err)
	}
	sel, err := volume.NewSelection(dataset.Grid, mask)
	if err != nil {
		log.Fatalf("Failed to build unit selection: %v", err)
	}
	fmt.Printf("Valid units: %d of %d\n", sel.NumValid(), dataset.Grid.NumUnits())

	data := make([]float64, sel.NumValid()*dataset.NumTimes)
	if _, err := dataset.GatherSeries(sel, data); err != nil {
		log.Fatalf("Failed to gather unit series: %v", err)
	}

	reg, err := loadProbe(*probePath, sel, data, dataset.NumTimes, cfg)
	if err != nil {
		log.Fatalf("Failed to build initial probe: %v", err)
	}

	refineInclude, err := loadRefineMask(*refineIncludePath, sel)
	if err != nil {
		log.Fatalf("Failed to load refinement include mask: %v", err)
	}
	refineExclude, err := loadRefineMask(*refineExcludePath, sel)
	if err != nil {
		log.Fatalf("Failed to load refinement exclude mask: %v", err)
	}

	writer, err := output.NewWriter(cfg.Output.Dir, logger)
	if err != nil {
		log.Fatalf("Failed to create output directory: %v", err)
	}
	fmt.Printf("Output directory: %s (run %s)\n", writer.Dir, writer.RunID)

	est := &estimator.Estimator{
		Cfg:           cfg,
		Sel:           sel,
		Data:          data,
		NumTimes:      dataset.NumTimes,
		Probe:         reg,
		RefineInclude: refineInclude,
		RefineExclude: refineExclude,
		Writer:        writer,
		Log:           logger,
	}

	fmt.Println("Starting lag estimation with parallel processing...")
	startTime := time.Now()
	result, err := est.Run()
	if err != nil {
		log.Fatalf("Estimation failed: %v", err)
	}
	processingTime := time.Since(startTime)

	fmt.Printf("\nEstimation completed successfully in %.2f seconds!\n", processingTime.Seconds())
	fmt.Printf("Passes run: %d (stop reason: %s)\n", result.Passes, result.StopReason)
	fmt.Printf("Accepted fits: %d of %d units\n", result.Maps.AcceptedCount(), sel.NumValid())
	if result.TotalDespeckled > 0 {
		fmt.Printf("Despeckle corrections: %d\n", result.TotalDespeckled)
	}
	if result.SidelobeNotchHz > 0 {
		fmt.Printf("Probe sidelobe notched at %.4f Hz\n", result.SidelobeNotchHz)
	}
	if result.Thresholds != nil {
		fmt.Printf("Null distribution samples: %d\n", result.Thresholds.NumSamples)
		for i, p := range result.Thresholds.PValues {
			fmt.Printf("  p<%g threshold: %.4f\n", p, result.Thresholds.Strengths[i])
		}
	}
	if result.GLM != nil {
		fitted := 0
		for _, f := range result.GLM.Fitted {
			if f {
				fitted++
			}
		}
		fmt.Printf("Probe removal fitted %d units\n", fitted)
	}
	fmt.Printf("\nParallel processing performance:\n")
	fmt.Printf("- Used %d cores for processing\n", cfg.Processing.NumWorkers)
	fmt.Printf("- Total processing time: %.2f seconds\n", processingTime.Seconds())
}

// loadMask reads the validity mask, or builds an all-valid one.
func loadMask(path string, grid volume.Grid) ([]float64, error) {
	if path == "" {
		mask := make([]float64, grid.NumUnits())
		for i := range mask {
			mask[i] = 1
		}
		return mask, nil
	}
	x, y, z, data, err := output.LoadMap(path)
	if err != nil {
		return nil, err
	}
	if x != grid.X || y != grid.Y || z != grid.Z {
		return nil, fmt.Errorf("mask dimensions %dx%dx%d do not match dataset %dx%dx%d",
			x, y, z, grid.X, grid.Y, grid.Z)
	}
	return data, nil
}

// loadRefineMask reads a spatial mask volume and reduces it to the valid
// units, with any positive value counting as set.
func loadRefineMask(path string, sel *volume.Selection) ([]bool, error) {
	if path == "" {
		return nil, nil
	}
	x, y, z, grid, err := output.LoadMap(path)
	if err != nil {
		return nil, err
	}
	if x != sel.Grid.X || y != sel.Grid.Y || z != sel.Grid.Z {
		return nil, fmt.Errorf("mask dimensions %dx%dx%d do not match dataset %dx%dx%d",
			x, y, z, sel.Grid.X, sel.Grid.Y, sel.Grid.Z)
	}
	valid := sel.Gather(grid, make([]float64, sel.NumValid()))
	mask := make([]bool, len(valid))
	for vi, v := range valid {
		mask[vi] = v > 0
	}
	return mask, nil
}

// loadProbe reads the initial probe, or derives one as the mean of all valid
// unit signals when no file is given.
func loadProbe(path string, sel *volume.Selection, data []float64, nT int, cfg *config.Config) (*probe.Regressor, error) {
	if path != "" {
		return probe.Load(path)
	}
	mean := make([]float64, nT)
	for vi := 0; vi < sel.NumValid(); vi++ {
		sig := data[vi*nT : (vi+1)*nT]
		for t, v := range sig {
			mean[t] += v
		}
	}
	for t := range mean {
		mean[t] /= float64(sel.NumValid())
	}
	return probe.New(mean, cfg.Processing.SampleRate, cfg.Processing.StartTime)
}
