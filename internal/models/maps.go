// Package models defines the shared result records passed between pipeline
// stages: per-unit peak fit maps, GLM outputs, and the enumerated per-unit
// failure codes.
package models

import "strings"

// FitCode is a per-unit peak fit status. Zero means the fit was accepted;
// any other value is a bitmask of the rejection reasons that applied.
type FitCode uint32

const (
	// CodeNoPeak means no coherent maximum was found in the search window.
	CodeNoPeak FitCode = 1 << iota

	// CodeAmpLow / CodeAmpHigh mean the fitted peak amplitude fell outside
	// the allowed threshold range.
	CodeAmpLow
	CodeAmpHigh

	// CodeWidthLow / CodeWidthHigh mean the fitted peak width fell outside
	// [AbsMinSigma, AbsMaxSigma].
	CodeWidthLow
	CodeWidthHigh

	// CodeEdge means the fitted lag landed at the edge of the search range.
	CodeEdge

	// CodeFitFail means the peak model fit did not converge.
	CodeFitFail
)

// Accepted reports whether the fit passed every rejection check.
func (c FitCode) Accepted() bool { return c == 0 }

func (c FitCode) String() string {
	if c == 0 {
		return "accepted"
	}
	names := []struct {
		bit  FitCode
		name string
	}{
		{CodeNoPeak, "no-peak"},
		{CodeAmpLow, "amp-low"},
		{CodeAmpHigh, "amp-high"},
		{CodeWidthLow, "width-low"},
		{CodeWidthHigh, "width-high"},
		{CodeEdge, "edge"},
		{CodeFitFail, "fit-fail"},
	}
	var parts []string
	for _, n := range names {
		if c&n.bit != 0 {
			parts = append(parts, n.name)
		}
	}
	return strings.Join(parts, "+")
}

// PassMaps holds every per-unit quantity produced by one estimation pass.
// It is a struct-of-arrays record: each field is indexed by valid-unit index,
// and a pass produces a fresh record rather than mutating the previous one.
type PassMaps struct {
	NumUnits int

	// Lag is the fitted peak time in seconds, Strength the fitted peak
	// amplitude in the metric's natural range, Width the fitted peak sigma
	// in seconds, and R2 the goodness of fit of the peak model.
	Lag      []float64
	Strength []float64
	Width    []float64
	R2       []float64

	// Code is the per-unit fit status; Include is the fit mask (true where
	// the fit was accepted and the unit is usable downstream).
	Code    []FitCode
	Include []bool

	// Despeckled marks units whose lag was replaced during despeckling.
	Despeckled []bool
}

// NewPassMaps allocates a zeroed record for n valid units.
func NewPassMaps(n int) *PassMaps {
	return &PassMaps{
		NumUnits:   n,
		Lag:        make([]float64, n),
		Strength:   make([]float64, n),
		Width:      make([]float64, n),
		R2:         make([]float64, n),
		Code:       make([]FitCode, n),
		Include:    make([]bool, n),
		Despeckled: make([]bool, n),
	}
}

// Clone returns a deep copy, used when a correction stage needs the previous
// pass's values while writing new ones.
func (m *PassMaps) Clone() *PassMaps {
	out := NewPassMaps(m.NumUnits)
	copy(out.Lag, m.Lag)
	copy(out.Strength, m.Strength)
	copy(out.Width, m.Width)
	copy(out.R2, m.R2)
	copy(out.Code, m.Code)
	copy(out.Include, m.Include)
	copy(out.Despeckled, m.Despeckled)
	return out
}

// AcceptedCount returns the number of units with an accepted fit.
func (m *PassMaps) AcceptedCount() int {
	n := 0
	for _, c := range m.Code {
		if c.Accepted() {
			n++
		}
	}
	return n
}

// GLMMaps holds the per-unit outputs of the GLM filtering stage.
// Coefficient arrays are indexed [regressor][unit], where regressor 0 is the
// base probe and regressors 1..N are its temporal derivatives.
type GLMMaps struct {
	NumUnits  int
	NumTimes  int
	NumDerivs int

	Intercept  []float64
	Coeffs     [][]float64
	NormCoeffs [][]float64
	R          []float64
	R2         []float64

	// Fitted holds whether a unit was actually fit (false in threshold mode
	// for near-zero-magnitude units, and for degenerate design matrices).
	Fitted []bool

	// Residual and Moving are flattened [unit*NumTimes] buffers holding the
	// cleaned signal and the removed lagged-probe component.
	Residual []float64
	Moving   []float64
}

// NewGLMMaps allocates a zeroed GLM record. The residual and moving buffers
// are supplied by the caller so they can live in shared memory.
func NewGLMMaps(nUnits, nTimes, nDerivs int, residual, moving []float64) *GLMMaps {
	g := &GLMMaps{
		NumUnits:  nUnits,
		NumTimes:  nTimes,
		NumDerivs: nDerivs,
		Intercept: make([]float64, nUnits),
		R:         make([]float64, nUnits),
		R2:        make([]float64, nUnits),
		Fitted:    make([]bool, nUnits),
		Residual:  residual,
		Moving:    moving,
	}
	g.Coeffs = make([][]float64, nDerivs+1)
	g.NormCoeffs = make([][]float64, nDerivs+1)
	for i := 0; i <= nDerivs; i++ {
		g.Coeffs[i] = make([]float64, nUnits)
		g.NormCoeffs[i] = make([]float64, nUnits)
	}
	return g
}

// UnitResidual returns the residual time series for one unit.
func (g *GLMMaps) UnitResidual(unit int) []float64 {
	return g.Residual[unit*g.NumTimes : (unit+1)*g.NumTimes]
}

// UnitMoving returns the removed moving-signal component for one unit.
func (g *GLMMaps) UnitMoving(unit int) []float64 {
	return g.Moving[unit*g.NumTimes : (unit+1)*g.NumTimes]
}
