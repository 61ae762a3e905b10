package solver

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShortRowCircularL1Uniform(t *testing.T) {
	s := NewShortRow()
	s.Allocate(4)
	for i := 0; i < 4; i++ {
		s.SetCourse(i, 3)
	}
	s.SetCircular(true)
	s.SetSimplicityPower(1)
	s.SetWeights(1, 0.1)

	rc := s.Solve(false)
	require.Greater(t, rc, 0, "solve failed with rc=%d", rc)

	for i := 0; i < 4; i++ {
		assert.InDelta(t, 3, s.VariableValue(i), 1e-8, "uniform targets are already optimal")
	}
	assert.InDelta(t, 0, s.ObjectiveValue(), 1e-12)
}

func TestShortRowNonUniformL2(t *testing.T) {
	s := NewShortRow()
	s.Allocate(3)
	for i, c := range []float64{1, 10, 1} {
		s.SetCourse(i, c)
	}

	rc := s.Solve(false)
	require.Greater(t, rc, 0)

	x0, x1, x2 := s.VariableValue(0), s.VariableValue(1), s.VariableValue(2)
	assert.Less(t, x1, 10.0, "simplicity pulls the peak toward its neighbors")
	assert.Greater(t, x0, 1.0)
	assert.Greater(t, x2, 1.0)
	assert.InDelta(t, x0, x2, 1e-6, "symmetric problem, symmetric solution")
}

func TestShortRowCircularCouplesEnds(t *testing.T) {
	solveWith := func(circular bool) []float64 {
		s := NewShortRow()
		s.Allocate(4)
		for i, c := range []float64{2, 4, 6, 8} {
			s.SetCourse(i, c)
		}
		s.SetCircular(circular)
		require.Greater(t, s.Solve(false), 0)
		return s.Variables()
	}

	open := solveWith(false)
	closed := solveWith(true)
	openGap := open[3] - open[0]
	closedGap := closed[3] - closed[0]
	assert.Less(t, closedGap, openGap, "the wrap-around pair shrinks the end-to-end gap")
}

func TestShortRowLowerBound(t *testing.T) {
	s := NewShortRow()
	s.Allocate(3)
	for i, c := range []float64{-4, 2, -1} {
		s.SetCourse(i, c)
	}

	rc := s.Solve(false)
	require.Greater(t, rc, 0)
	for i := 0; i < 3; i++ {
		assert.GreaterOrEqual(t, s.VariableValue(i), 0.0, "wale counts cannot go negative")
	}
}

func TestShortRowGradientL2(t *testing.T) {
	s := NewShortRow()
	s.Allocate(4)
	for i, c := range []float64{1, 5, 2, 7} {
		s.SetCourse(i, c)
	}
	s.SetCircular(true)

	err := s.CheckGradient(false, 1e-4)
	assert.Less(t, err, 1e-3)
}

func TestShortRowGradientL1AtGenericPoint(t *testing.T) {
	s := NewShortRow()
	s.Allocate(3)
	for i, c := range []float64{1, 5, 2} {
		s.SetCourse(i, c)
	}
	s.SetSimplicityPower(1)
	require.Greater(t, s.Solve(false), 0)

	// adjacent samples differ at both checkpoints, so the L1 term is
	// differentiable everywhere the checker evaluates
	err := s.CheckGradient(false, 1e-4)
	assert.Less(t, err, 1e-3)
}

func TestShortRowDeterministicWithNoise(t *testing.T) {
	run := func() []float64 {
		s := NewShortRow()
		s.Allocate(5)
		for i, c := range []float64{3, 6, 2, 8, 4} {
			s.SetCourse(i, c)
		}
		s.SetSeed(7)
		s.UseNoise(true)
		require.Greater(t, s.Solve(false), 0)
		return s.Variables()
	}
	assert.Equal(t, run(), run())
}

func TestShortRowSetupErrors(t *testing.T) {
	s := NewShortRow()
	s.Allocate(2)
	s.SetSimplicityPower(3)
	assert.Error(t, s.SetupError())
	assert.Equal(t, RCInvalidSetup, s.Solve(false))

	s = NewShortRow()
	s.Allocate(2)
	s.SetCourse(9, 1)
	assert.Error(t, s.SetupError())
	assert.Equal(t, RCInvalidSetup, s.Solve(false))

	s = NewShortRow()
	assert.Equal(t, RCInvalidSetup, s.Solve(false), "empty problem")
}
