package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFitCodeAccepted(t *testing.T) {
	assert.True(t, FitCode(0).Accepted())
	assert.False(t, CodeNoPeak.Accepted())
	assert.False(t, (CodeAmpLow | CodeEdge).Accepted())
}

func TestPassMapsClone(t *testing.T) {
	m := NewPassMaps(3)
	m.Lag[1] = 2.5
	m.Code[2] = CodeFitFail
	m.Include[0] = true
	m.Despeckled[1] = true

	c := m.Clone()
	assert.Equal(t, m.Lag, c.Lag)
	assert.Equal(t, m.Code, c.Code)

	c.Lag[1] = 9.0
	assert.Equal(t, 2.5, m.Lag[1], "clone must not alias the original")
}

func TestAcceptedCount(t *testing.T) {
	m := NewPassMaps(4)
	m.Code[1] = CodeAmpLow
	m.Code[3] = CodeNoPeak | CodeEdge
	assert.Equal(t, 2, m.AcceptedCount())
}

func TestGLMMapsUnitViews(t *testing.T) {
	residual := make([]float64, 6)
	moving := make([]float64, 6)
	g := NewGLMMaps(2, 3, 1, residual, moving)

	g.UnitResidual(1)[0] = 5.0
	assert.Equal(t, 5.0, residual[3])
	g.UnitMoving(0)[2] = -1.0
	assert.Equal(t, -1.0, moving[2])

	assert.Len(t, g.Coeffs, 2)
	assert.Len(t, g.NormCoeffs, 2)
}
