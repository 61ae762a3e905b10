package nlopt

import (
	"errors"
	"fmt"
	"math"

	"gonum.org/v1/gonum/optimize"
)

// Gradient norm below which derivative-based methods declare success when
// no tighter criterion is configured.
const gradientTol = 1e-10

// runMethod minimizes f with one of the gonum-backed local methods,
// honoring the shared evaluation and time budgets of o. Bounds are applied
// by evaluating at the projection of the iterate into the box and by
// projecting the returned point.
func (o *Opt) runMethod(algo Algorithm, f Func, x0 []float64, ftolRel, ftolAbs float64) ([]float64, float64, Result, error) {
	if o.evalsExhausted() {
		return x0, f(o.clipped(x0), nil), MAXEVAL_REACHED, nil
	}
	if o.timeExhausted() {
		return x0, f(o.clipped(x0), nil), MAXTIME_REACHED, nil
	}

	problem := optimize.Problem{
		Func: func(x []float64) float64 {
			o.numEvals++
			return f(o.clipped(x), nil)
		},
	}

	var method optimize.Method
	switch algo {
	case LD_LBFGS:
		problem.Grad = func(grad, x []float64) {
			for i := range grad {
				grad[i] = 0
			}
			f(o.clipped(x), grad)
		}
		lbfgs := &optimize.LBFGS{}
		if o.vectorStorage > 0 {
			lbfgs.Store = int(o.vectorStorage)
		}
		method = lbfgs
	case LN_NELDERMEAD:
		nm := &optimize.NelderMead{}
		if o.initialStep > 0 {
			nm.SimplexSize = o.initialStep
		}
		method = nm
	default:
		return x0, math.NaN(), INVALID_ARGS, fmt.Errorf("nlopt: %s is not a local method", AlgorithmName(algo))
	}

	absTol := ftolAbs
	if absTol <= 0 {
		absTol = 1e-12
	}
	settings := &optimize.Settings{
		FuncEvaluations: o.remainingEvals(),
		Runtime:         o.remainingTime(),
		Converger: &optimize.FunctionConverge{
			Absolute:   absTol,
			Relative:   ftolRel,
			Iterations: 20,
		},
	}
	if problem.Grad != nil {
		settings.GradientThreshold = gradientTol
	}

	result, err := optimize.Minimize(problem, x0, settings, method)
	if result == nil {
		return x0, math.NaN(), FAILURE, err
	}

	xs := append([]float64(nil), result.X...)
	o.clip(xs)

	if !math.IsInf(o.stopval, -1) && result.F <= o.stopval {
		return xs, result.F, STOPVAL_REACHED, nil
	}

	if err != nil {
		if isStall(err) {
			// No descent direction from the current iterate (typically a
			// non-smooth kink or an already-optimal start). NLopt reports
			// the incumbent as a success here; do the same.
			return xs, result.F, SUCCESS, nil
		}
		return xs, result.F, FAILURE, err
	}
	return xs, result.F, mapStatus(result.Status), nil
}

// clipped copies x into the scratch buffer projected into the bound box.
func (o *Opt) clipped(x []float64) []float64 {
	copy(o.xbuf, x)
	o.clip(o.xbuf)
	return o.xbuf
}

func isStall(err error) bool {
	return errors.Is(err, optimize.ErrLinesearcherFailure) ||
		errors.Is(err, optimize.ErrNonDescentDirection) ||
		errors.Is(err, optimize.ErrNoProgress)
}

func mapStatus(s optimize.Status) Result {
	switch s {
	case optimize.Success, optimize.GradientThreshold, optimize.MethodConverge:
		return SUCCESS
	case optimize.FunctionConvergence:
		return FTOL_REACHED
	case optimize.StepConvergence:
		return XTOL_REACHED
	case optimize.FunctionEvaluationLimit, optimize.GradientEvaluationLimit, optimize.IterationLimit:
		return MAXEVAL_REACHED
	case optimize.RuntimeLimit:
		return MAXTIME_REACHED
	case optimize.Failure:
		return FAILURE
	}
	return SUCCESS
}
