package nlopt

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func quadratic(center []float64) Func {
	return func(x, grad []float64) float64 {
		v := 0.0
		for i := range x {
			d := x[i] - center[i]
			v += d * d
			if grad != nil {
				grad[i] += 2 * d
			}
		}
		return v
	}
}

func TestLBFGSQuadratic(t *testing.T) {
	opt, err := New(LD_LBFGS, 2)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{3, -1}))
	opt.SetMaxEval(500)

	xs, f, res, err := opt.Optimize([]float64{0, 0})
	require.NoError(t, err)
	assert.Greater(t, int(res), 0, "expected a success code, got %s", res)
	assert.InDelta(t, 3, xs[0], 1e-6)
	assert.InDelta(t, -1, xs[1], 1e-6)
	assert.Less(t, f, 1e-10)
}

func TestNelderMeadQuadratic(t *testing.T) {
	opt, err := New(LN_NELDERMEAD, 2)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{1, 2}))
	opt.SetMaxEval(500)

	xs, _, res, err := opt.Optimize([]float64{0, 0})
	require.NoError(t, err)
	assert.Greater(t, int(res), 0)
	assert.InDelta(t, 1, xs[0], 1e-3)
	assert.InDelta(t, 2, xs[1], 1e-3)
}

func TestBoundsAreRespected(t *testing.T) {
	opt, err := New(LD_LBFGS, 1)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{10}))
	opt.SetLowerBounds1(0)
	opt.SetUpperBounds1(5)
	opt.SetMaxEval(500)

	xs, _, _, err := opt.Optimize([]float64{1})
	require.NoError(t, err)
	assert.GreaterOrEqual(t, xs[0], 0.0)
	assert.LessOrEqual(t, xs[0], 5.0)
	assert.InDelta(t, 5, xs[0], 1e-6, "optimum is clipped to the upper bound")
}

func TestAugLagEqualityConstraint(t *testing.T) {
	opt, err := New(AUGLAG_EQ, 2)
	require.NoError(t, err)
	local, err := New(LD_LBFGS, 2)
	require.NoError(t, err)
	local.SetFtolRel(1e-6)
	opt.SetLocalOptimizer(local)
	opt.SetMinObjective(quadratic([]float64{1, 1}))
	// x0 + x1 = 1
	opt.AddEqualityConstraint(func(x, grad []float64) float64 {
		if grad != nil {
			grad[0] = 1
			grad[1] = 1
		}
		return x[0] + x[1] - 1
	}, 1e-4)
	opt.SetMaxEval(5000)

	xs, _, res, err := opt.Optimize([]float64{0, 0})
	require.NoError(t, err)
	assert.Greater(t, int(res), 0)
	assert.InDelta(t, 0, xs[0]+xs[1]-1, 1e-3)
	assert.InDelta(t, 0.5, xs[0], 1e-2)
	assert.InDelta(t, 0.5, xs[1], 1e-2)
}

func TestAugLagInequalityConstraint(t *testing.T) {
	opt, err := New(AUGLAG, 1)
	require.NoError(t, err)
	local, err := New(LD_LBFGS, 1)
	require.NoError(t, err)
	local.SetFtolRel(1e-6)
	opt.SetLocalOptimizer(local)
	opt.SetMinObjective(quadratic([]float64{2}))
	// x <= 1
	opt.AddInequalityConstraint(func(x, grad []float64) float64 {
		if grad != nil {
			grad[0] = 1
		}
		return x[0] - 1
	}, 1e-4)
	opt.SetMaxEval(5000)

	xs, _, res, err := opt.Optimize([]float64{0})
	require.NoError(t, err)
	assert.Greater(t, int(res), 0)
	assert.LessOrEqual(t, xs[0], 1+1e-3)
	assert.InDelta(t, 1, xs[0], 1e-2)
}

func TestAugLagRequiresLocalOptimizer(t *testing.T) {
	opt, err := New(AUGLAG, 1)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{0}))

	_, _, res, err := opt.Optimize([]float64{1})
	assert.Error(t, err)
	assert.Equal(t, INVALID_ARGS, res)
}

func TestLocalMethodRejectsConstraints(t *testing.T) {
	opt, err := New(LD_LBFGS, 1)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{0}))
	opt.AddEqualityConstraint(func(x, grad []float64) float64 { return x[0] }, 1e-4)

	_, _, res, err := opt.Optimize([]float64{1})
	assert.Error(t, err)
	assert.Equal(t, INVALID_ARGS, res)
}

func TestMaxEvalReached(t *testing.T) {
	opt, err := New(LD_LBFGS, 4)
	require.NoError(t, err)
	// Rosenbrock needs far more than two evaluations.
	opt.SetMinObjective(func(x, grad []float64) float64 {
		v := 0.0
		for i := 0; i+1 < len(x); i++ {
			a := x[i+1] - x[i]*x[i]
			b := 1 - x[i]
			v += 100*a*a + b*b
			if grad != nil {
				grad[i] += -400*a*x[i] - 2*b
				grad[i+1] += 200 * a
			}
		}
		return v
	})
	opt.SetMaxEval(2)

	_, _, res, err := opt.Optimize([]float64{-1.2, 1, -1.2, 1})
	require.NoError(t, err)
	assert.Equal(t, MAXEVAL_REACHED, res)
}

func TestStallAtOptimumIsSuccess(t *testing.T) {
	// L1 objective minimized exactly at the start: the subgradient is
	// nonzero so the line search cannot find a decrease.
	opt, err := New(LD_LBFGS, 2)
	require.NoError(t, err)
	opt.SetMinObjective(func(x, grad []float64) float64 {
		d := x[0] - x[1]
		sign := 1.0
		if d < 0 {
			sign = -1
		}
		if grad != nil {
			grad[0] = sign
			grad[1] = -sign
		}
		return sign * d
	})
	opt.SetMaxEval(100)

	xs, f, res, err := opt.Optimize([]float64{3, 3})
	require.NoError(t, err)
	assert.Greater(t, int(res), 0)
	assert.Equal(t, 0.0, f)
	assert.Equal(t, []float64{3, 3}, xs)
}

func TestSrandDeterminism(t *testing.T) {
	Srand(42)
	a := []float64{Normal(), Normal(), Normal()}
	Srand(42)
	b := []float64{Normal(), Normal(), Normal()}
	assert.Equal(t, a, b)

	Srand(43)
	c := Normal()
	assert.NotEqual(t, a[0], c)
}

func TestStopval(t *testing.T) {
	opt, err := New(LD_LBFGS, 1)
	require.NoError(t, err)
	opt.SetMinObjective(quadratic([]float64{0}))
	opt.SetStopval(1e-3)
	opt.SetMaxEval(500)

	_, f, res, err := opt.Optimize([]float64{5})
	require.NoError(t, err)
	assert.Equal(t, STOPVAL_REACHED, res)
	assert.LessOrEqual(t, f, 1e-3)
}

func TestResultStrings(t *testing.T) {
	assert.Equal(t, "SUCCESS", SUCCESS.String())
	assert.Equal(t, "MAXEVAL_REACHED", MAXEVAL_REACHED.String())
	assert.Equal(t, "INVALID_ARGS", INVALID_ARGS.String())
}

func TestNeedsLocal(t *testing.T) {
	assert.False(t, LD_LBFGS.NeedsLocal())
	assert.False(t, LN_NELDERMEAD.NeedsLocal())
	assert.True(t, AUGLAG.NeedsLocal())
	assert.True(t, AUGLAG_EQ.NeedsLocal())
}

func TestInvalidSetup(t *testing.T) {
	_, err := New(NUM_ALGORITHMS, 2)
	assert.Error(t, err)
	_, err = New(LD_LBFGS, 0)
	assert.Error(t, err)

	opt, err := New(LD_LBFGS, 1)
	require.NoError(t, err)
	_, _, res, err := opt.Optimize([]float64{0})
	assert.Error(t, err, "objective not set")
	assert.Equal(t, INVALID_ARGS, res)

	opt.SetMinObjective(quadratic([]float64{0}))
	opt.SetLowerBounds1(2)
	opt.SetUpperBounds1(1)
	_, _, res, err = opt.Optimize([]float64{0})
	assert.Error(t, err)
	assert.Equal(t, INVALID_ARGS, res)
}
