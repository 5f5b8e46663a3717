// Package volume provides the flattened spatial grid used by every pipeline
// stage, the mapping between full-grid and valid-unit indexing, and the
// 3x3x3 neighborhood median used by spatial consistency corrections.
package volume

import (
	"fmt"
	"math"
	"sort"
)

// Grid describes the spatial dimensions of the dataset. Spatial units are
// addressed by a flattened index z*X*Y + y*X + x, matching the row-major
// layout of the input array.
type Grid struct {
	X, Y, Z int
}

// NumUnits returns the total number of spatial units in the grid.
func (g Grid) NumUnits() int { return g.X * g.Y * g.Z }

// Coords converts a flattened index to (x, y, z) coordinates.
func (g Grid) Coords(idx int) (int, int, int) {
	plane := g.X * g.Y
	z := idx / plane
	rem := idx % plane
	return rem % g.X, rem / g.X, z
}

// Index converts (x, y, z) coordinates to a flattened index.
func (g Grid) Index(x, y, z int) int { return z*g.X*g.Y + y*g.X + x }

// Selection maps between full-grid indices and the compact valid-unit
// indexing used by all per-unit result arrays. It is built once at pipeline
// start from the validity mask and never changes.
type Selection struct {
	Grid    Grid
	ToGrid  []int // valid-unit index -> grid index
	ToValid []int // grid index -> valid-unit index, -1 where invalid
}

// NewSelection builds a selection from a validity mask over the full grid.
// mask values > 0 select the unit.
func NewSelection(g Grid, mask []float64) (*Selection, error) {
	if len(mask) != g.NumUnits() {
		return nil, fmt.Errorf("mask length %d does not match grid size %d", len(mask), g.NumUnits())
	}
	sel := &Selection{
		Grid:    g,
		ToValid: make([]int, g.NumUnits()),
	}
	for i, v := range mask {
		if v > 0 {
			sel.ToValid[i] = len(sel.ToGrid)
			sel.ToGrid = append(sel.ToGrid, i)
		} else {
			sel.ToValid[i] = -1
		}
	}
	if len(sel.ToGrid) == 0 {
		return nil, fmt.Errorf("validity mask selects zero units")
	}
	return sel, nil
}

// NumValid returns the number of selected units.
func (s *Selection) NumValid() int { return len(s.ToGrid) }

// Scatter copies a valid-indexed array onto the full grid, writing fill into
// invalid units. dst must have grid size; it is returned for convenience.
func (s *Selection) Scatter(valid []float64, fill float64, dst []float64) []float64 {
	for i := range dst {
		dst[i] = fill
	}
	for vi, gi := range s.ToGrid {
		dst[gi] = valid[vi]
	}
	return dst
}

// Gather copies a grid-indexed array into valid-unit indexing.
func (s *Selection) Gather(grid []float64, dst []float64) []float64 {
	for vi, gi := range s.ToGrid {
		dst[vi] = grid[gi]
	}
	return dst
}

// MedianFilter3 computes the 3x3x3 neighborhood median of a valid-indexed
// map. Only valid units contribute to each neighborhood, and NaN entries are
// ignored, so callers can mask out units that hold no usable estimate. A
// neighborhood with no usable values keeps the center value. The result is
// in valid-unit indexing.
func (s *Selection) MedianFilter3(valid []float64) []float64 {
	out := make([]float64, len(valid))
	window := make([]float64, 0, 27)
	for vi, gi := range s.ToGrid {
		x, y, z := s.Grid.Coords(gi)
		window = window[:0]
		for dz := -1; dz <= 1; dz++ {
			for dy := -1; dy <= 1; dy++ {
				for dx := -1; dx <= 1; dx++ {
					nx, ny, nz := x+dx, y+dy, z+dz
					if nx < 0 || ny < 0 || nz < 0 || nx >= s.Grid.X || ny >= s.Grid.Y || nz >= s.Grid.Z {
						continue
					}
					nvi := s.ToValid[s.Grid.Index(nx, ny, nz)]
					if nvi < 0 || math.IsNaN(valid[nvi]) {
						continue
					}
					window = append(window, valid[nvi])
				}
			}
		}
		if len(window) == 0 {
			out[vi] = valid[vi]
			continue
		}
		out[vi] = median(window)
	}
	return out
}

func median(values []float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)
	n := len(sorted)
	if n%2 == 0 {
		return (sorted[n/2-1] + sorted[n/2]) / 2
	}
	return sorted[n/2]
}
