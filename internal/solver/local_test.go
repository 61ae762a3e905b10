package solver

import (
	"math"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func rampLocal() *Local {
	l := NewLocal()
	l.Allocate(4)
	for i, c := range []float64{4, 8, 12, 16} {
		l.SetCourse(i, c)
	}
	l.SetStart(4)
	l.SetEnd(16)
	l.SetShaping(2)
	return l
}

func TestLocalMonotoneRamp(t *testing.T) {
	l := rampLocal()
	rc := l.Solve(false)
	require.Greater(t, rc, 0, "solve failed with rc=%d", rc)

	// the solution stays near the targets while the simplicity terms pull
	// neighbors together
	for i, c := range []float64{4, 8, 12, 16} {
		assert.InDelta(t, c, l.VariableValue(i), 2.0, "position %d", i)
	}

	// every Next ratio bound holds within the feasibility tolerance
	for i := 0; i+1 < 4; i++ {
		xi, xj := l.VariableValue(i), l.VariableValue(i+1)
		assert.LessOrEqual(t, xi*l.shapeIF-xj, l.constraintTol+1e-6, "NextMin at %d", i)
		assert.LessOrEqual(t, -xi*l.shapeF+xj, l.constraintTol+1e-6, "NextMax at %d", i)
	}
	assert.LessOrEqual(t, l.ConstraintMaxError(), l.constraintTol+1e-6)
}

func TestLocalBoundDerivation(t *testing.T) {
	l := rampLocal()
	require.Greater(t, l.Solve(false), 0)

	// bounds are the intersection of the boxes reachable from both fixed
	// boundaries: x0 in [2,8], x3 in [8,32]
	n := 4
	for i := 0; i < n; i++ {
		nssMin := math.Max(2.0, 4*math.Pow(0.5, float64(i+1)))
		nssMax := math.Min(1e4, 4*math.Pow(2, float64(i+1)))
		nseMin := math.Max(2.0, 16*math.Pow(0.5, float64(n-i)))
		nseMax := math.Min(1e4, 16*math.Pow(2, float64(n-i)))
		lb := math.Max(nssMin, nseMin)
		ub := math.Min(nssMax, nseMax)
		assert.GreaterOrEqual(t, l.VariableValue(i), lb, "position %d", i)
		assert.LessOrEqual(t, l.VariableValue(i), ub, "position %d", i)
	}
}

func TestLocalGradient(t *testing.T) {
	l := rampLocal()
	err := l.CheckGradient(false, 1e-4)
	assert.Less(t, err, 1e-3)

	require.Greater(t, l.Solve(false), 0)
	err = l.CheckGradient(false, 1e-4)
	assert.Less(t, err, 1e-3, "gradients also agree at the solution")
}

func TestLocalShapingClamped(t *testing.T) {
	l := NewLocal()
	l.SetShaping(5)
	assert.Equal(t, 2.0, l.shapeF)
	l.SetShaping(1.0)
	assert.Equal(t, 1.01, l.shapeF)
	assert.InDelta(t, 1/1.01, l.shapeIF, 1e-12)
}

func TestLocalDeterministicWithNoise(t *testing.T) {
	run := func() []float64 {
		l := rampLocal()
		l.SetSeed(99)
		l.UseNoise(true)
		require.Greater(t, l.Solve(false), 0)
		return l.Variables()
	}
	assert.Equal(t, run(), run())
}

func TestLocalWithoutConstraints(t *testing.T) {
	l := rampLocal()
	l.SetUseConstraints(false)
	rc := l.Solve(false)
	require.Greater(t, rc, 0)
	for i, c := range []float64{4, 8, 12, 16} {
		assert.InDelta(t, c, l.VariableValue(i), 2.0, "position %d", i)
	}
}

func TestLocalSetupErrors(t *testing.T) {
	l := NewLocal()
	l.Allocate(3)
	l.SetCourse(7, 1)
	assert.Error(t, l.SetupError())
	assert.Equal(t, RCInvalidSetup, l.Solve(false))

	l = NewLocal()
	assert.Equal(t, RCInvalidSetup, l.Solve(false), "empty problem")
}

func TestLocalConstraintReporters(t *testing.T) {
	l := rampLocal()
	require.Greater(t, l.Solve(false), 0)

	// the mean divides by the full constraint count 2N+2
	assert.InDelta(t, l.ConstraintError()/10, l.ConstraintMeanError(), 1e-12)
}
