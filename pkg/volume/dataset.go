package volume

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"os"
)

// Dataset is a 4-D acquisition in memory: a spatial grid of time series.
// Data is grid-major with each unit's time series contiguous, so
// Data[gi*NumTimes : (gi+1)*NumTimes] is the series of grid unit gi.
type Dataset struct {
	Grid     Grid
	NumTimes int
	Data     []float64
}

// UnitSeries returns the time series of one grid unit.
func (d *Dataset) UnitSeries(gi int) []float64 {
	return d.Data[gi*d.NumTimes : (gi+1)*d.NumTimes]
}

// GatherSeries copies the selected units' series into a valid-unit flattened
// buffer [vi*NumTimes].
func (d *Dataset) GatherSeries(sel *Selection, dst []float64) ([]float64, error) {
	need := sel.NumValid() * d.NumTimes
	if len(dst) != need {
		return nil, fmt.Errorf("destination holds %d values, need %d", len(dst), need)
	}
	for vi, gi := range sel.ToGrid {
		copy(dst[vi*d.NumTimes:(vi+1)*d.NumTimes], d.UnitSeries(gi))
	}
	return dst, nil
}

// SaveDataset writes a dataset as a little-endian binary file: four int32
// dimensions (x, y, z, t) followed by the grid-major data.
func SaveDataset(path string, d *Dataset) error {
	if len(d.Data) != d.Grid.NumUnits()*d.NumTimes {
		return fmt.Errorf("dataset holds %d values, dimensions imply %d",
			len(d.Data), d.Grid.NumUnits()*d.NumTimes)
	}
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("failed to create dataset file: %w", err)
	}
	defer f.Close()

	w := bufio.NewWriter(f)
	dims := []int32{int32(d.Grid.X), int32(d.Grid.Y), int32(d.Grid.Z), int32(d.NumTimes)}
	if err := binary.Write(w, binary.LittleEndian, dims); err != nil {
		return fmt.Errorf("failed to write dataset header: %w", err)
	}
	if err := binary.Write(w, binary.LittleEndian, d.Data); err != nil {
		return fmt.Errorf("failed to write dataset data: %w", err)
	}
	return w.Flush()
}

// LoadDataset reads a dataset written by SaveDataset.
func LoadDataset(path string) (*Dataset, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open dataset file: %w", err)
	}
	defer f.Close()

	r := bufio.NewReader(f)
	dims := make([]int32, 4)
	if err := binary.Read(r, binary.LittleEndian, dims); err != nil {
		return nil, fmt.Errorf("failed to read dataset header: %w", err)
	}
	for _, v := range dims {
		if v <= 0 {
			return nil, fmt.Errorf("dataset has degenerate dimensions %v", dims)
		}
	}
	d := &Dataset{
		Grid:     Grid{X: int(dims[0]), Y: int(dims[1]), Z: int(dims[2])},
		NumTimes: int(dims[3]),
	}
	d.Data = make([]float64, d.Grid.NumUnits()*d.NumTimes)
	if err := binary.Read(r, binary.LittleEndian, d.Data); err != nil {
		return nil, fmt.Errorf("failed to read dataset data: %w", err)
	}
	return d, nil
}
