// Package probe holds the shared probe regressor: an oversampled time series
// with a sampling rate and start time that can be evaluated at arbitrary
// times through continuous interpolation. A Regressor is immutable; the
// refinement loop replaces it with a new value at the end of each pass.
package probe

import (
	"bufio"
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"

	"github.com/cwbudde/algo-dsp/dsp/interp"
	"github.com/cwbudde/algo-dsp/dsp/resample"
)

// Regressor is a continuously interpolatable probe waveform.
type Regressor struct {
	samples []float64
	rate    float64
	start   float64
}

// New wraps a sampled waveform. rate is in Hz, start is the time of the
// first sample in seconds.
func New(samples []float64, rate, start float64) (*Regressor, error) {
	if len(samples) < 4 {
		return nil, fmt.Errorf("probe needs at least 4 samples, got %d", len(samples))
	}
	if rate <= 0 {
		return nil, fmt.Errorf("probe sample rate must be positive, got %g", rate)
	}
	s := make([]float64, len(samples))
	copy(s, samples)
	return &Regressor{samples: s, rate: rate, start: start}, nil
}

// Rate returns the sampling rate in Hz.
func (r *Regressor) Rate() float64 { return r.rate }

// Start returns the time of the first sample in seconds.
func (r *Regressor) Start() float64 { return r.start }

// Len returns the number of stored samples.
func (r *Regressor) Len() int { return len(r.samples) }

// Duration returns the covered time span in seconds.
func (r *Regressor) Duration() float64 { return float64(len(r.samples)-1) / r.rate }

// Samples returns a copy of the stored waveform.
func (r *Regressor) Samples() []float64 {
	out := make([]float64, len(r.samples))
	copy(out, r.samples)
	return out
}

// sampleAt returns the stored sample at index i, with zero padding outside
// the stored range so shifted evaluations fade to zero at the edges.
func (r *Regressor) sampleAt(i int) float64 {
	if i < 0 || i >= len(r.samples) {
		return 0
	}
	return r.samples[i]
}

// At evaluates the probe at time t using cubic 4-point interpolation.
func (r *Regressor) At(t float64) float64 {
	pos := (t - r.start) * r.rate
	i0 := int(math.Floor(pos))
	frac := pos - float64(i0)
	return interp.Hermite4(frac, r.sampleAt(i0-1), r.sampleAt(i0), r.sampleAt(i0+1), r.sampleAt(i0+2))
}

// ValuesAt evaluates the probe at every time in ts.
func (r *Regressor) ValuesAt(ts []float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = r.At(t)
	}
	return out
}

// ShiftedValues evaluates the probe delayed by lag seconds on the native
// time grid ts, i.e. the unit-specific regressor for a given lag.
func (r *Regressor) ShiftedValues(ts []float64, lag float64) []float64 {
	out := make([]float64, len(ts))
	for i, t := range ts {
		out[i] = r.At(t - lag)
	}
	return out
}

// Oversample returns a new regressor resampled to factor times the rate.
func (r *Regressor) Oversample(factor int) (*Regressor, error) {
	if factor < 1 {
		return nil, fmt.Errorf("oversampling factor must be >= 1, got %d", factor)
	}
	if factor == 1 {
		return New(r.samples, r.rate, r.start)
	}
	up, err := resample.Resample(r.samples, factor, 1)
	if err != nil {
		return nil, fmt.Errorf("probe oversampling failed: %w", err)
	}
	return New(up, r.rate*float64(factor), r.start)
}

// TimeAxis returns the sample times of a signal with n points at the given
// rate and start time. Every stage evaluates probes on axes built here so
// the time origin is applied consistently.
func TimeAxis(n int, rate, start float64) []float64 {
	ts := make([]float64, n)
	for i := range ts {
		ts[i] = start + float64(i)/rate
	}
	return ts
}

// Save writes the regressor as a tab-separated file with a header carrying
// the sampling rate and start time, so it can be reloaded and re-evaluated
// without rerunning estimation.
func (r *Regressor) Save(path string) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create probe file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "# rate\t%.10g\n# start\t%.10g\n", r.rate, r.start)
	for _, v := range r.samples {
		fmt.Fprintf(w, "%.10g\n", v)
	}
	return w.Flush()
}

// Load reads a regressor previously written by Save.
func Load(path string) (*Regressor, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open probe file: %w", err)
	}
	defer f.Close()

	var (
		rate, start float64
		samples     []float64
	)
	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if strings.HasPrefix(line, "#") {
			fields := strings.Fields(strings.TrimPrefix(line, "#"))
			if len(fields) != 2 {
				continue
			}
			val, err := strconv.ParseFloat(fields[1], 64)
			if err != nil {
				return nil, fmt.Errorf("bad probe header line %q: %w", line, err)
			}
			switch fields[0] {
			case "rate":
				rate = val
			case "start":
				start = val
			}
			continue
		}
		v, err := strconv.ParseFloat(line, 64)
		if err != nil {
			return nil, fmt.Errorf("bad probe sample %q: %w", line, err)
		}
		samples = append(samples, v)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read probe file: %w", err)
	}
	return New(samples, rate, start)
}
