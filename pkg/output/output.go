// Package output persists estimation results: per-unit maps scattered back
// onto the full spatial grid, cleaned time series, run option records, and
// the stage markers that let an interrupted run be diagnosed from the output
// directory alone.
package output

import (
	"bufio"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"lagscan/internal/models"
	"lagscan/pkg/nulldist"
	"lagscan/pkg/volume"
)

// Writer owns one run's output directory.
type Writer struct {
	Dir   string
	RunID string
	Log   *slog.Logger
}

// NewWriter creates the output directory and assigns the run a unique id,
// recorded in every marker and option file it writes.
func NewWriter(dir string, log *slog.Logger) (*Writer, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}
	if log == nil {
		log = slog.Default()
	}
	return &Writer{Dir: dir, RunID: uuid.NewString(), Log: log}, nil
}

type marker struct {
	RunID string    `json:"run_id"`
	Stage string    `json:"stage"`
	Time  time.Time `json:"time"`
}

// MarkRunning drops a <stage>.running marker. A marker left behind after a
// crash identifies the stage that was interrupted.
func (w *Writer) MarkRunning(stage string) error {
	return w.writeJSON(stage+".running", marker{RunID: w.RunID, Stage: stage, Time: time.Now().UTC()})
}

// MarkDone replaces the running marker with <stage>.done.
func (w *Writer) MarkDone(stage string) error {
	if err := os.Remove(filepath.Join(w.Dir, stage+".running")); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove running marker: %w", err)
	}
	return w.writeJSON(stage+".done", marker{RunID: w.RunID, Stage: stage, Time: time.Now().UTC()})
}

// SaveOptions records the effective options of a stage as JSON, so a run's
// outputs always carry the parameters that produced them.
func (w *Writer) SaveOptions(name string, opts any) error {
	return w.writeJSON(name+"_options.json", opts)
}

func (w *Writer) writeJSON(name string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to encode %s: %w", name, err)
	}
	path := filepath.Join(w.Dir, name)
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("failed to write %s: %w", name, err)
	}
	return nil
}

// SaveMap scatters a valid-unit map onto the full grid and writes it as a
// little-endian binary volume: three int32 dimensions followed by X*Y*Z
// float64 values in x-fastest order. Units outside the mask hold fill.
func (w *Writer) SaveMap(name string, sel *volume.Selection, values []float64, fill float64) error {
	full := sel.Scatter(values, fill, make([]float64, sel.Grid.NumUnits()))

	f, err := os.Create(filepath.Join(w.Dir, name+".vol"))
	if err != nil {
		return fmt.Errorf("failed to create map %s: %w", name, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	dims := []int32{int32(sel.Grid.X), int32(sel.Grid.Y), int32(sel.Grid.Z)}
	if err := binary.Write(bw, binary.LittleEndian, dims); err != nil {
		return fmt.Errorf("failed to write map header: %w", err)
	}
	if err := binary.Write(bw, binary.LittleEndian, full); err != nil {
		return fmt.Errorf("failed to write map data: %w", err)
	}
	return bw.Flush()
}

// LoadMap reads a volume written by SaveMap.
func LoadMap(path string) (x, y, z int, data []float64, err error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, 0, 0, nil, fmt.Errorf("failed to open map: %w", err)
	}
	defer f.Close()

	br := bufio.NewReader(f)
	dims := make([]int32, 3)
	if err := binary.Read(br, binary.LittleEndian, dims); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("failed to read map header: %w", err)
	}
	n := int(dims[0]) * int(dims[1]) * int(dims[2])
	if n <= 0 {
		return 0, 0, 0, nil, fmt.Errorf("map has degenerate dimensions %v", dims)
	}
	data = make([]float64, n)
	if err := binary.Read(br, binary.LittleEndian, data); err != nil {
		return 0, 0, 0, nil, fmt.Errorf("failed to read map data: %w", err)
	}
	return int(dims[0]), int(dims[1]), int(dims[2]), data, nil
}

// SaveMask writes a boolean map as a 0/1 volume.
func (w *Writer) SaveMask(name string, sel *volume.Selection, mask []bool) error {
	values := make([]float64, len(mask))
	for i, m := range mask {
		if m {
			values[i] = 1
		}
	}
	return w.SaveMap(name, sel, values, 0)
}

// SavePassMaps writes every per-unit map of a pass under a common prefix.
func (w *Writer) SavePassMaps(prefix string, sel *volume.Selection, maps *models.PassMaps) error {
	codes := make([]float64, maps.NumUnits)
	for i, c := range maps.Code {
		codes[i] = float64(c)
	}
	steps := []struct {
		name   string
		values []float64
		fill   float64
	}{
		{prefix + "_lag", maps.Lag, 0},
		{prefix + "_strength", maps.Strength, 0},
		{prefix + "_width", maps.Width, 0},
		{prefix + "_r2", maps.R2, 0},
		{prefix + "_fitcode", codes, float64(models.CodeNoPeak)},
	}
	for _, s := range steps {
		if err := w.SaveMap(s.name, sel, s.values, s.fill); err != nil {
			return err
		}
	}
	if err := w.SaveMask(prefix+"_include", sel, maps.Include); err != nil {
		return err
	}
	return w.SaveMask(prefix+"_despeckled", sel, maps.Despeckled)
}

// SaveGLMMaps writes the probe removal coefficient and quality maps.
func (w *Writer) SaveGLMMaps(prefix string, sel *volume.Selection, g *models.GLMMaps) error {
	if err := w.SaveMap(prefix+"_intercept", sel, g.Intercept, 0); err != nil {
		return err
	}
	for j := range g.Coeffs {
		name := fmt.Sprintf("%s_coeff%d", prefix, j)
		if err := w.SaveMap(name, sel, g.Coeffs[j], 0); err != nil {
			return err
		}
		name = fmt.Sprintf("%s_normcoeff%d", prefix, j)
		if err := w.SaveMap(name, sel, g.NormCoeffs[j], 0); err != nil {
			return err
		}
	}
	if err := w.SaveMap(prefix+"_r", sel, g.R, 0); err != nil {
		return err
	}
	if err := w.SaveMap(prefix+"_r2", sel, g.R2, 0); err != nil {
		return err
	}
	return w.SaveMask(prefix+"_fitted", sel, g.Fitted)
}

// SaveSeries writes a time series as tab-separated values with a rate and
// start header, the same format the probe loader reads.
func (w *Writer) SaveSeries(name string, values []float64, rate, start float64) error {
	f, err := os.Create(filepath.Join(w.Dir, name+".tsv"))
	if err != nil {
		return fmt.Errorf("failed to create series %s: %w", name, err)
	}
	defer f.Close()

	bw := bufio.NewWriter(f)
	fmt.Fprintf(bw, "# rate\t%.10g\n# start\t%.10g\n", rate, start)
	for _, v := range values {
		fmt.Fprintf(bw, "%.10g\n", v)
	}
	return bw.Flush()
}

// SaveThresholds records the significance levels derived from the null
// distribution.
func (w *Writer) SaveThresholds(name string, t *nulldist.Thresholds) error {
	return w.writeJSON(name+"_thresholds.json", t)
}
